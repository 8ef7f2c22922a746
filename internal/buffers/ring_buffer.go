package buffers

import "sync"

// Cursor is a read position: the total number of entries ever pushed at
// the time of the read.
type Cursor int64

// RingBuffer is a fixed-capacity FIFO. Pushing past capacity evicts
// exactly the oldest entry. Safe for concurrent use; entries stay in
// insertion order.
type RingBuffer[T any] struct {
	mu       sync.RWMutex
	entries  []T
	capacity int
	head     int   // index of the oldest entry once full
	total    int64 // entries ever pushed
}

func NewRingBuffer[T any](capacity int) *RingBuffer[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &RingBuffer[T]{
		entries:  make([]T, 0, min(capacity, 1024)),
		capacity: capacity,
	}
}

// Push appends entry and reports whether an older entry was evicted.
func (rb *RingBuffer[T]) Push(entry T) (evicted bool) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	rb.total++
	if len(rb.entries) < rb.capacity {
		rb.entries = append(rb.entries, entry)
		return false
	}
	rb.entries[rb.head] = entry
	rb.head = (rb.head + 1) % rb.capacity
	return true
}

// ReadAll returns a copy of all entries, oldest first.
func (rb *RingBuffer[T]) ReadAll() []T {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return rb.orderedLocked(0)
}

// ReadFrom returns entries pushed after cursor, oldest first, and the
// cursor to resume from. Entries evicted since cursor are skipped.
func (rb *RingBuffer[T]) ReadFrom(cursor Cursor) ([]T, Cursor) {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	oldest := rb.total - int64(len(rb.entries))
	start := int64(cursor)
	if start < oldest {
		start = oldest
	}
	if start >= rb.total {
		return nil, Cursor(rb.total)
	}
	return rb.orderedLocked(int(start - oldest)), Cursor(rb.total)
}

// orderedLocked copies entries starting at the skip-th oldest one.
func (rb *RingBuffer[T]) orderedLocked(skip int) []T {
	n := len(rb.entries) - skip
	if n <= 0 {
		return nil
	}
	out := make([]T, 0, n)
	for i := skip; i < len(rb.entries); i++ {
		out = append(out, rb.entries[(rb.head+i)%len(rb.entries)])
	}
	return out
}

// Position is the cursor just past the newest entry.
func (rb *RingBuffer[T]) Position() Cursor {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return Cursor(rb.total)
}

func (rb *RingBuffer[T]) Len() int {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return len(rb.entries)
}

func (rb *RingBuffer[T]) Cap() int {
	return rb.capacity
}

// Evicted is the number of entries dropped for capacity so far.
func (rb *RingBuffer[T]) Evicted() int64 {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return rb.total - int64(len(rb.entries))
}
