/*
Package ringbuffer provides bounded circular buffers that connect output
ports to input ports.

Buffer has a fixed capacity and two policies for writes that exceed the
free space:

    Overflow disabled - write is truncated to free space. Short write is a
    backpressure signal, callers retry later;
    Overflow enabled - oldest unread elements are dropped to make room.

Timed additionally tracks the signal time of the last written element.
All buffers are safe for concurrent use.
*/
package ringbuffer

import (
	"sync"
)

type (
	// Buffer is a fixed capacity FIFO of elements.
	Buffer[T any] struct {
		mu        sync.Mutex
		data      []T
		read      int // index of the oldest unread element
		available int
		overflow  bool
		onDrop    DropHandler
	}

	// DropHandler is called with the number of elements dropped due to
	// overflow. It's called under the buffer lock and must not call the
	// buffer.
	DropHandler func(dropped int)

	// Option configures the buffer.
	Option func(*options)

	options struct {
		overflow bool
		onDrop   DropHandler
	}
)

// WithOverflow sets the overflow policy.
func WithOverflow(overflow bool) Option {
	return func(o *options) {
		o.overflow = overflow
	}
}

// WithDropHandler sets the handler for dropped elements.
func WithDropHandler(fn DropHandler) Option {
	return func(o *options) {
		o.onDrop = fn
	}
}

// New returns empty buffer with provided capacity. Capacity less than
// one is set to one.
func New[T any](capacity int, opts ...Option) *Buffer[T] {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if capacity < 1 {
		capacity = 1
	}
	return &Buffer[T]{
		data:     make([]T, capacity),
		overflow: o.overflow,
		onDrop:   o.onDrop,
	}
}

// Capacity returns the maximum number of elements.
func (b *Buffer[T]) Capacity() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.data)
}

// Available returns the number of unread elements.
func (b *Buffer[T]) Available() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.available
}

// Free returns the number of elements that can be written without
// overflow.
func (b *Buffer[T]) Free() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.data) - b.available
}

// Overflow returns the overflow policy.
func (b *Buffer[T]) Overflow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.overflow
}

// Write appends elements and returns the number of written elements.
// Without overflow, write is truncated to the free space. With overflow
// all elements are written and the oldest unread ones are dropped; if
// src is longer than capacity, only its last capacity elements are kept.
func (b *Buffer[T]) Write(src []T) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.write(src)
}

func (b *Buffer[T]) write(src []T) int {
	capacity := len(b.data)
	count := len(src)
	if count == 0 {
		return 0
	}
	free := capacity - b.available
	if count > free {
		if !b.overflow {
			src = src[:free]
		} else {
			dropped := count - free
			if count > capacity {
				src = src[count-capacity:]
			}
			b.drop(min(dropped, b.available))
			if b.onDrop != nil {
				b.onDrop(dropped)
			}
		}
	}
	b.put(src)
	if b.overflow {
		return count
	}
	return len(src)
}

// put copies src into free space. Must be called under lock with
// len(src) <= free.
func (b *Buffer[T]) put(src []T) {
	capacity := len(b.data)
	w := (b.read + b.available) % capacity
	n := copy(b.data[w:], src)
	copy(b.data, src[n:])
	b.available += len(src)
}

// drop advances the read cursor by n elements. Must be called under lock.
func (b *Buffer[T]) drop(n int) {
	var zero T
	for i := 0; i < n; i++ {
		b.data[(b.read+i)%len(b.data)] = zero
	}
	b.read = (b.read + n) % len(b.data)
	b.available -= n
}

// Read moves up to len(dst) elements into dst and returns their number.
func (b *Buffer[T]) Read(dst []T) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := b.peek(dst)
	b.drop(n)
	return n
}

// Peek copies up to len(dst) elements into dst without consuming them.
func (b *Buffer[T]) Peek(dst []T) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.peek(dst)
}

func (b *Buffer[T]) peek(dst []T) int {
	n := min(len(dst), b.available)
	end := b.read + n
	if end <= len(b.data) {
		copy(dst, b.data[b.read:end])
		return n
	}
	c := copy(dst, b.data[b.read:])
	copy(dst[c:n], b.data)
	return n
}

// Discard consumes up to n elements without copying them.
func (b *Buffer[T]) Discard(n int) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n = max(0, min(n, b.available))
	b.drop(n)
	return n
}

// Claim returns up to two contiguous segments of free space with total
// length up to n. The caller fills them and commits with SetWritten.
// Overflow policy doesn't apply to claimed space.
func (b *Buffer[T]) Claim(n int) (first, second []T) {
	b.mu.Lock()
	defer b.mu.Unlock()
	capacity := len(b.data)
	n = max(0, min(n, capacity-b.available))
	w := (b.read + b.available) % capacity
	if w+n <= capacity {
		return b.data[w : w+n], nil
	}
	return b.data[w:], b.data[:n-(capacity-w)]
}

// SetWritten commits n elements filled through Claim and returns the
// number of committed elements.
func (b *Buffer[T]) SetWritten(n int) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n = max(0, min(n, len(b.data)-b.available))
	b.available += n
	return n
}

// Snapshot returns a copy of unread elements.
func (b *Buffer[T]) Snapshot() []T {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := make([]T, b.available)
	b.peek(s)
	return s
}

// Restore replaces content of the buffer with provided elements. If src
// is longer than capacity, only the last capacity elements are kept.
func (b *Buffer[T]) Restore(src []T) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.reset()
	if len(src) > len(b.data) {
		src = src[len(src)-len(b.data):]
	}
	b.put(src)
}

// Reset drops all unread elements.
func (b *Buffer[T]) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.reset()
}

func (b *Buffer[T]) reset() {
	clear(b.data)
	b.read = 0
	b.available = 0
}

// Resize changes capacity of the buffer. Unread elements are preserved
// up to the new capacity, the most recent ones are kept.
func (b *Buffer[T]) Resize(capacity int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if capacity < 1 {
		capacity = 1
	}
	if capacity == len(b.data) {
		return
	}
	content := make([]T, b.available)
	b.peek(content)
	if len(content) > capacity {
		content = content[len(content)-capacity:]
	}
	b.data = make([]T, capacity)
	b.read = 0
	b.available = 0
	b.put(content)
}
