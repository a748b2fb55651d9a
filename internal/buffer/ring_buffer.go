package buffer

import "sync"

// RingBuffer is a fixed-size circular buffer. When full, Push overwrites
// the oldest item.
type RingBuffer[T any] struct {
	buffer []T
	size   int
	head   int
	tail   int
	count  int
	mu     sync.RWMutex
}

// NewRingBuffer creates a new ring buffer with the specified size
func NewRingBuffer[T any](size int) *RingBuffer[T] {
	if size < 1 {
		size = 1
	}
	return &RingBuffer[T]{
		buffer: make([]T, size),
		size:   size,
	}
}

// Push adds an item, overwriting the oldest one when the buffer is full.
func (rb *RingBuffer[T]) Push(item T) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	rb.buffer[rb.head] = item
	rb.head = (rb.head + 1) % rb.size

	if rb.count == rb.size {
		rb.tail = (rb.tail + 1) % rb.size
	} else {
		rb.count++
	}
}

// Last returns up to n of the newest items, oldest first.
func (rb *RingBuffer[T]) Last(n int) []T {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	if n > rb.count || n <= 0 {
		n = rb.count
	}

	items := make([]T, 0, n)
	start := (rb.tail + rb.count - n) % rb.size
	for i := 0; i < n; i++ {
		items = append(items, rb.buffer[(start+i)%rb.size])
	}
	return items
}
