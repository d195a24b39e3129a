package audio

import "errors"

// ErrInsufficientData is returned by pop operations when the buffer holds fewer
// bytes (or records) than requested. It is not a failure: callers retry once
// more data has arrived.
var ErrInsufficientData = errors.New("audio: insufficient data")

// minRingCapacity is the smallest backing array a growing Ring allocates.
const minRingCapacity = 1024

// Ring is a growable byte FIFO. Data is appended at the tail and consumed at
// the head; the buffer never drops data and grows when full.
//
// Ring is not safe for concurrent use. The pipeline guards each set of rings
// with its own mutex. Growth reallocates the backing array, so callers must
// never retain slices into the ring across a mutation; Pop copies out.
type Ring struct {
	data []byte
	head int // index of the oldest byte
	size int // number of buffered bytes
}

// NewRing returns a ring with room for capacity bytes before it has to grow.
func NewRing(capacity int) *Ring {
	r := &Ring{}
	r.Reserve(capacity)
	return r
}

// Len returns the number of buffered bytes.
func (r *Ring) Len() int { return r.size }

// Cap returns the size of the backing array.
func (r *Ring) Cap() int { return len(r.data) }

// Reserve grows the backing array so at least n bytes fit without further
// allocation. Buffered data is preserved.
func (r *Ring) Reserve(n int) {
	if n <= len(r.data) {
		return
	}
	next := make([]byte, n)
	r.copyOut(next[:r.size])
	r.data = next
	r.head = 0
}

// Push appends p at the tail, growing the buffer if needed. Amortised O(len(p)).
func (r *Ring) Push(p []byte) {
	if len(p) == 0 {
		return
	}
	if need := r.size + len(p); need > len(r.data) {
		grow := max(2*len(r.data), minRingCapacity)
		for grow < need {
			grow *= 2
		}
		r.Reserve(grow)
	}

	tail := (r.head + r.size) % len(r.data)
	n := copy(r.data[tail:], p)
	if n < len(p) {
		copy(r.data, p[n:])
	}
	r.size += len(p)
}

// Pop removes exactly len(dst) bytes from the head into dst. It returns
// [ErrInsufficientData] and leaves the ring untouched if fewer bytes are
// buffered; partial reads never happen.
func (r *Ring) Pop(dst []byte) error {
	if len(dst) > r.size {
		return ErrInsufficientData
	}
	r.copyOut(dst)
	r.Discard(len(dst))
	return nil
}

// Peek copies len(dst) bytes starting at the head without consuming them.
func (r *Ring) Peek(dst []byte) error {
	if len(dst) > r.size {
		return ErrInsufficientData
	}
	r.copyOut(dst)
	return nil
}

// Discard drops n bytes from the head. n larger than Len empties the ring.
func (r *Ring) Discard(n int) {
	if n >= r.size {
		r.head, r.size = 0, 0
		return
	}
	r.head = (r.head + n) % len(r.data)
	r.size -= n
}

// Reset empties the ring and keeps the backing array.
func (r *Ring) Reset() {
	r.head, r.size = 0, 0
}

// copyOut copies the first len(dst) buffered bytes into dst. The caller
// guarantees len(dst) <= r.size.
func (r *Ring) copyOut(dst []byte) {
	if len(dst) == 0 {
		return
	}
	n := copy(dst, r.data[r.head:min(r.head+len(dst), len(r.data))])
	if n < len(dst) {
		copy(dst[n:], r.data)
	}
}
