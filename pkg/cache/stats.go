package cache

import "sync/atomic"

// Statistics tracks cache activity. All methods are safe for concurrent use.
type Statistics struct {
	hits        atomic.Int64
	misses      atomic.Int64
	sets        atomic.Int64
	deletes     atomic.Int64
	evictions   atomic.Int64
	currentSize atomic.Int64
}

// NewStatistics creates a new statistics tracker.
func NewStatistics() *Statistics {
	return &Statistics{}
}

// Hit records a cache hit
func (s *Statistics) Hit() { s.hits.Add(1) }

// Miss records a cache miss
func (s *Statistics) Miss() { s.misses.Add(1) }

// Set records a set operation
func (s *Statistics) Set() { s.sets.Add(1) }

// Delete records a delete operation
func (s *Statistics) Delete() { s.deletes.Add(1) }

// Eviction records an expired entry
func (s *Statistics) Eviction() { s.evictions.Add(1) }

// UpdateSize records the current number of entries
func (s *Statistics) UpdateSize(size int64) { s.currentSize.Store(size) }

// Hits returns the number of hits
func (s *Statistics) Hits() int64 { return s.hits.Load() }

// Misses returns the number of misses
func (s *Statistics) Misses() int64 { return s.misses.Load() }

// Sets returns the number of set operations
func (s *Statistics) Sets() int64 { return s.sets.Load() }

// Deletes returns the number of delete operations
func (s *Statistics) Deletes() int64 { return s.deletes.Load() }

// Evictions returns the number of expired entries
func (s *Statistics) Evictions() int64 { return s.evictions.Load() }

// CurrentSize returns the last recorded size
func (s *Statistics) CurrentSize() int64 { return s.currentSize.Load() }

// HitRatio returns hits per lookup
func (s *Statistics) HitRatio() float64 {
	hits, misses := s.hits.Load(), s.misses.Load()
	if hits+misses == 0 {
		return 0
	}
	return float64(hits) / float64(hits+misses)
}
