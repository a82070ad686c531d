package ringbuffer

import (
	"pipelined.dev/dataflow/stamp"
)

// Timed is a buffer located in signal time. Its stamp is the time of the
// element after the last written one and it's advanced on every write by
// the number of written elements at the buffer rate. Zero rate disables
// stamp advancement.
type Timed[T any] struct {
	*Buffer[T]
	rate  float64
	stamp stamp.Stamp
}

// NewTimed returns empty timed buffer.
func NewTimed[T any](capacity int, rate float64, opts ...Option) *Timed[T] {
	return &Timed[T]{
		Buffer: New[T](capacity, opts...),
		rate:   rate,
	}
}

// Write appends elements and advances the stamp. See Buffer.Write.
func (b *Timed[T]) Write(src []T) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := b.Buffer.write(src)
	b.stamp = b.stamp.Increment(n, b.rate)
	return n
}

// SetWritten commits claimed elements and advances the stamp.
func (b *Timed[T]) SetWritten(n int) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n = max(0, min(n, len(b.data)-b.available))
	b.available += n
	b.stamp = b.stamp.Increment(n, b.rate)
	return n
}

// Stamp returns the time after the last written element.
func (b *Timed[T]) Stamp() stamp.Stamp {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stamp
}

// SetStamp relocates the buffer in signal time.
func (b *Timed[T]) SetStamp(s stamp.Stamp) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stamp = s
}

// Rate returns the buffer rate.
func (b *Timed[T]) Rate() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.rate
}

// SetRate changes the buffer rate. Stamp is preserved.
func (b *Timed[T]) SetRate(rate float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rate = rate
}

// StampForSample returns the time of unread element at index i, where
// zero is the oldest unread element.
func (b *Timed[T]) StampForSample(i int) stamp.Stamp {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stamp.Decrement(b.available-i, b.rate)
}
