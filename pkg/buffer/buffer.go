// Package buffer provides generic, thread-safe bounded queues with overflow policies.
package buffer

import (
	"context"
	"errors"
)

// ErrClosed is returned by writes to a closed buffer
var ErrClosed = errors.New("buffer closed")

// Buffer is a bounded FIFO of items of type T.
type Buffer[T any] interface {
	// Write adds an item according to the overflow policy. With Block it
	// waits until there is room or ctx is done.
	Write(ctx context.Context, item T) error

	// Read removes the oldest item. It reports false when the buffer is empty.
	Read() (T, bool)

	// ReadBatch removes up to max items
	ReadBatch(max int) []T

	// Peek returns the oldest item without removing it
	Peek() (T, bool)

	Size() int
	Capacity() int
	IsFull() bool
	IsEmpty() bool

	// Clear removes all items; the drop callback sees each of them
	Clear()

	// Stats returns buffer statistics
	Stats() *Statistics

	// Close wakes blocked writers; later writes fail with ErrClosed
	Close() error
}

// OverflowPolicy defines how the buffer behaves when it reaches capacity.
type OverflowPolicy int

const (
	// DropOldest removes the oldest item to make room for new items.
	DropOldest OverflowPolicy = iota

	// DropNewest drops new items when the buffer is full.
	DropNewest

	// Block causes Write to wait until space is available.
	Block
)

// String returns a human-readable representation of the overflow policy.
func (p OverflowPolicy) String() string {
	switch p {
	case DropOldest:
		return "DropOldest"
	case DropNewest:
		return "DropNewest"
	case Block:
		return "Block"
	default:
		return "Unknown"
	}
}

// DropCallback is called with every item dropped by the overflow policy or Clear.
type DropCallback[T any] func(item T)

// NewCircularBuffer creates a circular buffer with the given capacity.
// Returns an error if metrics registration fails when metrics are requested.
func NewCircularBuffer[T any](capacity int, options ...Option[T]) (Buffer[T], error) {
	opts := applyOptions(options...)
	return newCircularBuffer(capacity, opts)
}
