package audio

import "fmt"

// Channels is a set of per-channel [Ring] buffers holding float32 samples.
// Every ring starts with the same reservation and grows on demand.
//
// Channels is not safe for concurrent use; the owner serialises access.
type Channels struct {
	rings   []*Ring
	scratch []byte
}

// NewChannels returns n channel rings, each with room for reserveFrames samples.
func NewChannels(n, reserveFrames int) *Channels {
	c := &Channels{rings: make([]*Ring, n)}
	for i := range c.rings {
		c.rings[i] = NewRing(reserveFrames * SampleSize)
	}
	return c
}

// Count returns the number of channels.
func (c *Channels) Count() int { return len(c.rings) }

// Len returns the number of buffered bytes on channel ch.
func (c *Channels) Len(ch int) int {
	if ch < 0 || ch >= len(c.rings) {
		return 0
	}
	return c.rings[ch].Len()
}

// Frames returns the number of whole samples buffered on channel 0.
func (c *Channels) Frames() int {
	if len(c.rings) == 0 {
		return 0
	}
	return c.rings[0].Len() / SampleSize
}

// Cap returns the capacity in bytes of channel 0.
func (c *Channels) Cap() int {
	if len(c.rings) == 0 {
		return 0
	}
	return c.rings[0].Cap()
}

// Push appends samples to channel ch.
func (c *Channels) Push(ch int, samples []float32) error {
	if ch < 0 || ch >= len(c.rings) {
		return fmt.Errorf("audio: push: channel %d out of range [0, %d)", ch, len(c.rings))
	}
	n := len(samples) * SampleSize
	if cap(c.scratch) < n {
		c.scratch = make([]byte, n)
	}
	buf := c.scratch[:n]
	EncodeFloat32(buf, samples)
	c.rings[ch].Push(buf)
	return nil
}

// PushAll appends one slice per channel. Every slice must have the same
// length; nothing is written when validation fails.
func (c *Channels) PushAll(planar [][]float32) error {
	if len(planar) != len(c.rings) {
		return fmt.Errorf("audio: push: got %d channels, want %d", len(planar), len(c.rings))
	}
	for ch := 1; ch < len(planar); ch++ {
		if len(planar[ch]) != len(planar[0]) {
			return fmt.Errorf("audio: push: channel %d has %d frames, want %d", ch, len(planar[ch]), len(planar[0]))
		}
	}
	for ch, s := range planar {
		if err := c.Push(ch, s); err != nil {
			return err
		}
	}
	return nil
}

// Pop removes and returns exactly n samples from channel ch, or
// [ErrInsufficientData] if fewer are buffered.
func (c *Channels) Pop(ch, n int) ([]float32, error) {
	out := make([]float32, n)
	if err := c.PopInto(ch, out); err != nil {
		return nil, err
	}
	return out, nil
}

// PopInto fills dst with the next len(dst) samples from channel ch.
func (c *Channels) PopInto(ch int, dst []float32) error {
	if ch < 0 || ch >= len(c.rings) {
		return fmt.Errorf("audio: pop: channel %d out of range [0, %d)", ch, len(c.rings))
	}
	n := len(dst) * SampleSize
	if c.rings[ch].Len() < n {
		return ErrInsufficientData
	}
	if cap(c.scratch) < n {
		c.scratch = make([]byte, n)
	}
	buf := c.scratch[:n]
	if err := c.rings[ch].Pop(buf); err != nil {
		return err
	}
	DecodeFloat32(dst, buf)
	return nil
}

// PopAll removes n samples from every channel. It checks every channel first,
// so either all channels are drained or none is.
func (c *Channels) PopAll(n int) ([][]float32, error) {
	for _, r := range c.rings {
		if r.Len() < n*SampleSize {
			return nil, ErrInsufficientData
		}
	}
	out := make([][]float32, len(c.rings))
	for ch := range c.rings {
		s, err := c.Pop(ch, n)
		if err != nil {
			return nil, err
		}
		out[ch] = s
	}
	return out, nil
}

// Reset empties every channel and keeps the allocated storage.
func (c *Channels) Reset() {
	for _, r := range c.rings {
		r.Reset()
	}
}
