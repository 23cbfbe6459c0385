package playback

import (
	"sync"
)

// DefaultBufferCapacity is the bounded segment buffer size: enough read-ahead
// to ride out a slow segment fetch without hoarding memory.
const DefaultBufferCapacity = 3

// ItemKind tags entries flowing through the segment buffer.
type ItemKind int

// Buffer item kinds.
const (
	// ItemSegment carries downloaded segment bytes.
	ItemSegment ItemKind = iota

	// ItemError propagates a terminal download failure.
	ItemError

	// ItemFinished signals that the producer reached the end of the index.
	ItemFinished

	// ItemCancelled signals that the buffer was cancelled.
	ItemCancelled
)

// Item is one entry in the segment buffer.
type Item struct {
	Kind  ItemKind
	Index int
	Data  []byte
	Err   error
}

// SegmentBuffer is a capacity-limited single-producer/single-consumer queue
// of downloaded segment bytes plus terminal signals. The producer blocks when
// the buffer is full (backpressure); both sides observe cancellation at every
// wait point. Exactly one producer and one consumer may use a given instance.
type SegmentBuffer struct {
	mu       sync.Mutex
	notFull  *sync.Cond
	notEmpty *sync.Cond

	capacity  int
	items     []Item
	finished  bool
	cancelled bool
}

// NewSegmentBuffer creates a buffer with the given capacity.
func NewSegmentBuffer(capacity int) *SegmentBuffer {
	if capacity <= 0 {
		capacity = DefaultBufferCapacity
	}
	b := &SegmentBuffer{
		capacity: capacity,
		items:    make([]Item, 0, capacity),
	}
	b.notFull = sync.NewCond(&b.mu)
	b.notEmpty = sync.NewCond(&b.mu)
	return b
}

// Put enqueues downloaded segment bytes, blocking while the buffer is full.
// It returns false without enqueueing if the buffer was cancelled, either
// before the call or while waiting for space.
func (b *SegmentBuffer) Put(index int, data []byte) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	for len(b.items) >= b.capacity && !b.cancelled {
		b.notFull.Wait()
	}
	if b.cancelled {
		return false
	}

	b.items = append(b.items, Item{Kind: ItemSegment, Index: index, Data: data})
	b.notEmpty.Signal()
	return true
}

// PutError enqueues a terminal download error. Non-blocking: the error is
// queued (or handed to a waiting consumer) even if the buffer is full.
func (b *SegmentBuffer) PutError(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.cancelled || b.finished {
		return
	}
	b.finished = true
	b.items = append(b.items, Item{Kind: ItemError, Err: err})
	b.notEmpty.Signal()
}

// Finish signals the end of the segment index. Non-blocking and idempotent.
func (b *SegmentBuffer) Finish() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.cancelled || b.finished {
		return
	}
	b.finished = true
	b.notEmpty.Signal()
}

// Take dequeues the next item in FIFO order, blocking while the buffer is
// empty and neither finished nor cancelled. Terminal conditions are reported
// as ItemFinished / ItemCancelled sentinels.
func (b *SegmentBuffer) Take() Item {
	b.mu.Lock()
	defer b.mu.Unlock()

	for len(b.items) == 0 && !b.finished && !b.cancelled {
		b.notEmpty.Wait()
	}

	if b.cancelled {
		return Item{Kind: ItemCancelled}
	}

	if len(b.items) > 0 {
		item := b.items[0]
		b.items = b.items[1:]
		b.notFull.Signal()
		return item
	}

	return Item{Kind: ItemFinished}
}

// Cancel unblocks any waiting producer (which sees false) and any waiting
// consumer (which sees ItemCancelled). Idempotent. Must be called before a
// buffer with active waiters is discarded, otherwise their goroutines stay
// parked forever.
func (b *SegmentBuffer) Cancel() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.cancelled {
		return
	}
	b.cancelled = true
	b.items = nil
	b.notFull.Broadcast()
	b.notEmpty.Broadcast()
}

// Cancelled reports whether the buffer has been cancelled.
func (b *SegmentBuffer) Cancelled() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cancelled
}

// Len returns the number of queued items.
func (b *SegmentBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.items)
}
