package buffer

import (
	"sync/atomic"
	"time"
)

// Statistics tracks buffer activity. All methods are safe for concurrent use.
type Statistics struct {
	writes      atomic.Int64
	reads       atomic.Int64
	overflows   atomic.Int64
	drops       atomic.Int64
	currentSize atomic.Int64
	maxSize     atomic.Int64
	startTime   time.Time
}

// NewStatistics creates a new statistics tracker.
func NewStatistics() *Statistics {
	return &Statistics{startTime: time.Now()}
}

// Write records a buffer write.
func (s *Statistics) Write() { s.writes.Add(1) }

// Read records a buffer read.
func (s *Statistics) Read() { s.reads.Add(1) }

// Overflow records a write into a full buffer.
func (s *Statistics) Overflow() { s.overflows.Add(1) }

// Drop records an item dropped by the overflow policy.
func (s *Statistics) Drop() { s.drops.Add(1) }

// UpdateSize records the current size and tracks the high-water mark.
func (s *Statistics) UpdateSize(size int64) {
	s.currentSize.Store(size)
	for {
		peak := s.maxSize.Load()
		if size <= peak || s.maxSize.CompareAndSwap(peak, size) {
			return
		}
	}
}

// Writes returns the number of writes
func (s *Statistics) Writes() int64 { return s.writes.Load() }

// Reads returns the number of reads
func (s *Statistics) Reads() int64 { return s.reads.Load() }

// Overflows returns the number of writes into a full buffer
func (s *Statistics) Overflows() int64 { return s.overflows.Load() }

// Drops returns the number of dropped items
func (s *Statistics) Drops() int64 { return s.drops.Load() }

// CurrentSize returns the last recorded size
func (s *Statistics) CurrentSize() int64 { return s.currentSize.Load() }

// MaxSize returns the highest recorded size
func (s *Statistics) MaxSize() int64 { return s.maxSize.Load() }

// DropRate returns drops per write attempt
func (s *Statistics) DropRate() float64 {
	attempts := s.writes.Load() + s.drops.Load()
	if attempts == 0 {
		return 0
	}
	return float64(s.drops.Load()) / float64(attempts)
}

// Uptime returns the time since the statistics were created
func (s *Statistics) Uptime() time.Duration {
	return time.Since(s.startTime)
}
