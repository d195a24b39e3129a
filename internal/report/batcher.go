package report

import (
	"sync"
	"time"
)

// Batcher collects items and flushes them in batches by size or time threshold.
type Batcher[T any] struct {
	mu       sync.Mutex
	items    []T
	maxSize  int
	interval time.Duration
	flushFn  func([]T)
	timer    *time.Timer
	stopped  bool
	wg       sync.WaitGroup
}

// NewBatcher creates a batcher that calls flushFn when maxSize items accumulate
// or interval elapses since the first item, whichever comes first. flushFn runs
// on its own goroutine so Add never waits for I/O.
func NewBatcher[T any](maxSize int, interval time.Duration, flushFn func([]T)) *Batcher[T] {
	return &Batcher[T]{
		maxSize:  max(1, maxSize),
		interval: interval,
		flushFn:  flushFn,
	}
}

// Add adds an item to the batch. Items added after Stop are dropped and Add
// reports false.
func (b *Batcher[T]) Add(item T) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.stopped {
		return false
	}
	b.items = append(b.items, item)

	if len(b.items) >= b.maxSize {
		b.flushLocked()
		return true
	}
	if len(b.items) == 1 {
		b.timer = time.AfterFunc(b.interval, func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if !b.stopped && len(b.items) > 0 {
				b.flushLocked()
			}
		})
	}
	return true
}

// Flush forces a flush of any pending items.
func (b *Batcher[T]) Flush() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.items) > 0 {
		b.flushLocked()
	}
}

// Sync flushes pending items and waits for every in-flight flush.
func (b *Batcher[T]) Sync() {
	b.Flush()
	b.wg.Wait()
}

// Stop flushes remaining items, waits for in-flight flushes, and prevents
// future adds.
func (b *Batcher[T]) Stop() {
	b.mu.Lock()
	b.stopped = true
	if b.timer != nil {
		b.timer.Stop()
	}
	if len(b.items) > 0 {
		b.flushLocked()
	}
	b.mu.Unlock()
	b.wg.Wait()
}

func (b *Batcher[T]) flushLocked() {
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	items := b.items
	b.items = nil
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.flushFn(items)
	}()
}
