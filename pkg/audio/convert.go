package audio

import (
	"encoding/binary"
	"fmt"
	"math"
)

// EncodeFloat32 writes samples into dst as little-endian IEEE-754 floats. dst
// must hold at least len(samples)*SampleSize bytes.
func EncodeFloat32(dst []byte, samples []float32) {
	for i, s := range samples {
		binary.LittleEndian.PutUint32(dst[i*SampleSize:], math.Float32bits(s))
	}
}

// DecodeFloat32 reads len(dst) little-endian floats from src.
func DecodeFloat32(dst []float32, src []byte) {
	for i := range dst {
		dst[i] = math.Float32frombits(binary.LittleEndian.Uint32(src[i*SampleSize:]))
	}
}

// S16ToFloat converts little-endian int16 PCM bytes to floats in [-1, 1).
// A trailing odd byte is ignored.
func S16ToFloat(pcm []byte) []float32 {
	out := make([]float32, len(pcm)/2)
	for i := range out {
		s := int16(binary.LittleEndian.Uint16(pcm[i*2:]))
		out[i] = float32(s) / 32768
	}
	return out
}

// FloatToS16 converts floats to int16 samples, clamping to the int16 range.
func FloatToS16(samples []float32) []int16 {
	out := make([]int16, len(samples))
	for i, s := range samples {
		v := math.Round(float64(s) * 32768)
		if v > 32767 {
			v = 32767
		} else if v < -32768 {
			v = -32768
		}
		out[i] = int16(v)
	}
	return out
}

// Deinterleave splits interleaved samples into one slice per channel. Trailing
// samples that do not form a whole frame are dropped.
func Deinterleave(interleaved []float32, channels int) [][]float32 {
	if channels <= 0 {
		return nil
	}
	frames := len(interleaved) / channels
	out := make([][]float32, channels)
	for c := range out {
		out[c] = make([]float32, frames)
	}
	for i := range frames {
		for c := range channels {
			out[c][i] = interleaved[i*channels+c]
		}
	}
	return out
}

// Interleave merges planar channels into a single interleaved slice. All
// channels must have the same length.
func Interleave(planar [][]float32) []float32 {
	if len(planar) == 0 {
		return nil
	}
	frames := len(planar[0])
	channels := len(planar)
	out := make([]float32, frames*channels)
	for c, ch := range planar {
		for i, s := range ch {
			out[i*channels+c] = s
		}
	}
	return out
}

// DownmixMono averages all channels into a single mono slice. A single channel is
// copied unchanged.
func DownmixMono(planar [][]float32) []float32 {
	if len(planar) == 0 {
		return nil
	}
	out := make([]float32, len(planar[0]))
	if len(planar) == 1 {
		copy(out, planar[0])
		return out
	}
	scale := 1 / float32(len(planar))
	for i := range out {
		var sum float32
		for _, ch := range planar {
			sum += ch[i]
		}
		out[i] = sum * scale
	}
	return out
}

// UpmixMono duplicates a mono slice into channels identical slices.
func UpmixMono(mono []float32, channels int) [][]float32 {
	out := make([][]float32, channels)
	for c := range out {
		out[c] = make([]float32, len(mono))
		copy(out[c], mono)
	}
	return out
}

// ResampleLinear resamples samples from srcRate to dstRate using linear
// interpolation. If the rates match, a copy of the input is returned.
func ResampleLinear(samples []float32, srcRate, dstRate int) []float32 {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate || len(samples) < 2 {
		out := make([]float32, len(samples))
		copy(out, samples)
		return out
	}
	dstSamples := int(int64(len(samples)) * int64(dstRate) / int64(srcRate))
	if dstSamples == 0 {
		return nil
	}

	out := make([]float32, dstSamples)
	ratio := float64(srcRate) / float64(dstRate)

	for i := range dstSamples {
		srcPos := float64(i) * ratio
		srcIdx := int(srcPos)
		frac := float32(srcPos - float64(srcIdx))

		s0 := samples[srcIdx]
		s1 := s0
		if srcIdx+1 < len(samples) {
			s1 = samples[srcIdx+1]
		}
		out[i] = s0*(1-frac) + s1*frac
	}
	return out
}

// formatString returns a human-readable string for a sample rate and channel count,
// e.g. "48000Hz stereo".
func formatString(rate, channels int) string {
	ch := "mono"
	if channels == 2 {
		ch = "stereo"
	} else if channels > 2 {
		ch = fmt.Sprintf("%dch", channels)
	}
	return fmt.Sprintf("%dHz %s", rate, ch)
}
