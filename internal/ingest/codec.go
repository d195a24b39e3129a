package ingest

import (
	"encoding/binary"
	"fmt"
	"time"

	"layeh.com/gopus"

	"github.com/MrWong99/cleanstream/pkg/audio"
)

// Codec names accepted in the codec query parameter.
const (
	CodecF32LE = "f32le"
	CodecS16LE = "s16le"
	CodecOpus  = "opus"
)

// Opus sessions run at 48 kHz and emit 20 ms packets.
const (
	opusSampleRate  = 48000
	opusFrameSizeMs = 20
	opusFrameSize   = opusSampleRate * opusFrameSizeMs / 1000 // 960

	// opusMaxFrameSize is the longest packet Opus can carry (120 ms).
	opusMaxFrameSize = opusSampleRate * 120 / 1000

	opusMaxPacketBytes = 4000
)

// Packet is one encoded payload with the timestamp of its first frame.
type Packet struct {
	Timestamp uint64
	Data      []byte
}

// Codec converts between wire payloads and planar float PCM. Decode and
// Encode keep independent state and may be used from different goroutines,
// but neither is safe for concurrent use with itself.
type Codec interface {
	Name() string

	// Decode returns the planar samples carried by payload.
	Decode(payload []byte) ([][]float32, error)

	// Encode turns an emitted block into zero or more packets.
	Encode(b audio.Block) ([]Packet, error)
}

// NewCodec returns the codec called name for format f.
func NewCodec(name string, f audio.Format) (Codec, error) {
	if f.Channels < 1 || f.Channels > audio.MaxChannels {
		return nil, fmt.Errorf("ingest: %d channels not supported", f.Channels)
	}
	switch name {
	case "", CodecF32LE:
		return f32Codec{channels: f.Channels}, nil
	case CodecS16LE:
		return s16Codec{channels: f.Channels}, nil
	case CodecOpus:
		return newOpusCodec(f)
	default:
		return nil, fmt.Errorf("ingest: unknown codec %q", name)
	}
}

type f32Codec struct{ channels int }

func (f32Codec) Name() string { return CodecF32LE }

func (c f32Codec) Decode(payload []byte) ([][]float32, error) {
	stride := c.channels * audio.SampleSize
	if len(payload)%stride != 0 {
		return nil, fmt.Errorf("%w: %d bytes is not a whole number of %d-channel f32 frames", ErrBadFrame, len(payload), c.channels)
	}
	inter := make([]float32, len(payload)/audio.SampleSize)
	audio.DecodeFloat32(inter, payload)
	return audio.Deinterleave(inter, c.channels), nil
}

func (c f32Codec) Encode(b audio.Block) ([]Packet, error) {
	inter := audio.Interleave(b.Samples)
	buf := make([]byte, len(inter)*audio.SampleSize)
	audio.EncodeFloat32(buf, inter)
	return []Packet{{Timestamp: b.Timestamp, Data: buf}}, nil
}

type s16Codec struct{ channels int }

func (s16Codec) Name() string { return CodecS16LE }

func (c s16Codec) Decode(payload []byte) ([][]float32, error) {
	if len(payload)%(2*c.channels) != 0 {
		return nil, fmt.Errorf("%w: %d bytes is not a whole number of %d-channel s16 frames", ErrBadFrame, len(payload), c.channels)
	}
	return audio.Deinterleave(audio.S16ToFloat(payload), c.channels), nil
}

func (c s16Codec) Encode(b audio.Block) ([]Packet, error) {
	return []Packet{{Timestamp: b.Timestamp, Data: int16sToBytes(audio.FloatToS16(audio.Interleave(b.Samples)))}}, nil
}

// opusCodec decodes one packet per message and re-packetises emitted audio
// into 20 ms frames. Samples that do not fill a packet wait for the next block.
type opusCodec struct {
	channels int
	dec      *gopus.Decoder
	enc      *gopus.Encoder

	pending   []int16 // interleaved, < opusFrameSize frames
	pendingTS uint64
}

func newOpusCodec(f audio.Format) (*opusCodec, error) {
	if f.SampleRate != opusSampleRate {
		return nil, fmt.Errorf("ingest: opus requires %d Hz, got %d", opusSampleRate, f.SampleRate)
	}
	if f.Channels > 2 {
		return nil, fmt.Errorf("ingest: opus supports at most 2 channels, got %d", f.Channels)
	}
	dec, err := gopus.NewDecoder(opusSampleRate, f.Channels)
	if err != nil {
		return nil, fmt.Errorf("ingest: create opus decoder: %w", err)
	}
	enc, err := gopus.NewEncoder(opusSampleRate, f.Channels, gopus.Audio)
	if err != nil {
		return nil, fmt.Errorf("ingest: create opus encoder: %w", err)
	}
	return &opusCodec{channels: f.Channels, dec: dec, enc: enc}, nil
}

func (*opusCodec) Name() string { return CodecOpus }

func (c *opusCodec) Decode(payload []byte) ([][]float32, error) {
	pcm, err := c.dec.Decode(payload, opusMaxFrameSize, false)
	if err != nil {
		return nil, fmt.Errorf("ingest: opus decode: %w", err)
	}
	out := make([]float32, len(pcm))
	for i, s := range pcm {
		out[i] = float32(s) / 32768
	}
	return audio.Deinterleave(out, c.channels), nil
}

func (c *opusCodec) Encode(b audio.Block) ([]Packet, error) {
	if len(c.pending) == 0 {
		c.pendingTS = b.Timestamp
	}
	c.pending = append(c.pending, audio.FloatToS16(audio.Interleave(b.Samples))...)

	step := opusFrameSize * c.channels
	var packets []Packet
	for len(c.pending) >= step {
		data, err := c.enc.Encode(c.pending[:step], opusFrameSize, opusMaxPacketBytes)
		if err != nil {
			return packets, fmt.Errorf("ingest: opus encode: %w", err)
		}
		packets = append(packets, Packet{Timestamp: c.pendingTS, Data: data})
		c.pending = c.pending[step:]
		c.pendingTS += uint64(opusFrameSizeMs * time.Millisecond)
	}
	// Compact so pending never grows past one packet's worth of backing store.
	c.pending = append([]int16(nil), c.pending...)
	return packets, nil
}

func int16sToBytes(pcm []int16) []byte {
	b := make([]byte, len(pcm)*2)
	for i, s := range pcm {
		binary.LittleEndian.PutUint16(b[i*2:], uint16(s))
	}
	return b
}
