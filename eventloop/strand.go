package eventloop

import (
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
)

// Strand executes posted closures one at a time in post order on a shared
// Executor without owning a goroutine. Different strands run concurrently.
type Strand struct {
	exec           Executor
	maxInARow      int
	guaranteeToRun bool
	logger         *slog.Logger

	mu      sync.Mutex
	tasks   []func()
	running bool
	closed  bool
}

// StrandOption configures a Strand
type StrandOption func(*Strand)

// WithMaxInARow sets how many closures one scheduling turn executes before
// the strand re-posts itself. Values below 1 are ignored.
func WithMaxInARow(n int) StrandOption {
	return func(s *Strand) {
		if n > 0 {
			s.maxInARow = n
		}
	}
}

// WithGuaranteeToRun makes Close run the closures still queued instead of
// dropping them.
func WithGuaranteeToRun(guarantee bool) StrandOption {
	return func(s *Strand) { s.guaranteeToRun = guarantee }
}

// WithStrandLogger sets the logger used for recovered panics
func WithStrandLogger(logger *slog.Logger) StrandOption {
	return func(s *Strand) { s.logger = logger }
}

// NewStrand creates a strand on exec. A nil exec uses the global loop.
func NewStrand(exec Executor, opts ...StrandOption) *Strand {
	if exec == nil {
		exec = Global()
	}
	s := &Strand{
		exec:      exec,
		maxInARow: 1,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default().With("component", "strand")
	}
	return s
}

// Post appends f to the queue. Posts after Close are ignored.
func (s *Strand) Post(f func()) {
	s.TryPost(f)
}

// TryPost is Post reporting whether f was queued
func (s *Strand) TryPost(f func()) bool {
	if f == nil {
		return false
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	s.tasks = append(s.tasks, f)
	if s.running {
		s.mu.Unlock()
		return true
	}
	s.running = true
	s.mu.Unlock()

	s.exec.Post(s.run)
	return true
}

// Wrap returns a closure that posts f to the strand when invoked
func (s *Strand) Wrap(f func()) func() {
	return func() { s.Post(f) }
}

// WrapFunc adapts a one-argument callback into strand-ordered execution
func WrapFunc[T any](s *Strand, f func(T)) func(T) {
	return func(v T) {
		s.Post(func() { f(v) })
	}
}

// WrapFunc2 adapts a two-argument callback into strand-ordered execution
func WrapFunc2[T, U any](s *Strand, f func(T, U)) func(T, U) {
	return func(a T, b U) {
		s.Post(func() { f(a, b) })
	}
}

// Close shuts the strand. Queued closures still run after any in-flight one
// when the strand guarantees them, otherwise they are dropped.
func (s *Strand) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.closed = true
	if !s.guaranteeToRun {
		clear(s.tasks)
		s.tasks = nil
	}
}

// Len returns the number of queued closures
func (s *Strand) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

// run is one scheduling turn. Once the queue is drained it clears the
// running flag; otherwise it yields by re-posting itself.
func (s *Strand) run() {
	for i := 0; i < s.maxInARow; i++ {
		s.mu.Lock()
		if len(s.tasks) == 0 {
			s.running = false
			s.mu.Unlock()
			return
		}
		f := s.tasks[0]
		s.tasks[0] = nil
		s.tasks = s.tasks[1:]
		s.mu.Unlock()

		s.execute(f)
	}

	s.mu.Lock()
	if len(s.tasks) == 0 {
		s.running = false
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	s.exec.Post(s.run)
}

func (s *Strand) execute(f func()) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Strand task panicked",
				"panic", fmt.Sprint(r),
				"stack", string(debug.Stack()))
		}
	}()
	f()
}
