package audio

// InfoQueue is a FIFO of [FrameRecord] values. It tracks the total number of
// queued frames so callers can check the ring/record invariant cheaply.
//
// InfoQueue is not safe for concurrent use.
type InfoQueue struct {
	records []FrameRecord
	head    int
	frames  uint64
}

// Len returns the number of queued records.
func (q *InfoQueue) Len() int { return len(q.records) - q.head }

// Frames returns the sum of Frames across all queued records.
func (q *InfoQueue) Frames() uint64 { return q.frames }

// Push appends rec at the tail.
func (q *InfoQueue) Push(rec FrameRecord) {
	q.records = append(q.records, rec)
	q.frames += uint64(rec.Frames)
}

// Pop removes the record at the head. It returns [ErrInsufficientData] when
// the queue is empty.
func (q *InfoQueue) Pop() (FrameRecord, error) {
	if q.Len() == 0 {
		return FrameRecord{}, ErrInsufficientData
	}
	rec := q.records[q.head]
	q.head++
	q.frames -= uint64(rec.Frames)
	q.compact()
	return rec, nil
}

// Peek returns the head record without removing it.
func (q *InfoQueue) Peek() (FrameRecord, bool) {
	if q.Len() == 0 {
		return FrameRecord{}, false
	}
	return q.records[q.head], true
}

// PushFront restores rec at the head, ahead of every queued record. It is the
// inverse of Pop.
func (q *InfoQueue) PushFront(rec FrameRecord) {
	if q.head > 0 {
		q.head--
		q.records[q.head] = rec
	} else {
		q.records = append(q.records, FrameRecord{})
		copy(q.records[1:], q.records)
		q.records[0] = rec
	}
	q.frames += uint64(rec.Frames)
}

// Reset drops every record.
func (q *InfoQueue) Reset() {
	q.records = q.records[:0]
	q.head = 0
	q.frames = 0
}

// compact reclaims consumed slots once they make up half of the slice.
func (q *InfoQueue) compact() {
	if q.head == len(q.records) {
		q.records = q.records[:0]
		q.head = 0
		return
	}
	if q.head >= 64 && q.head*2 >= len(q.records) {
		n := copy(q.records, q.records[q.head:])
		q.records = q.records[:n]
		q.head = 0
	}
}
