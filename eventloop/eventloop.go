package eventloop

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/c360/sigslot/metric"
	"github.com/c360/sigslot/pkg/worker"
)

// Sentinel errors for thread management
var (
	// ErrInvalidThreadCount is returned when removing more threads than exist
	ErrInvalidThreadCount = errors.New("eventloop: invalid thread count")
	// ErrWorkPending is returned when removing the last thread while work is pending
	ErrWorkPending = errors.New("eventloop: cannot remove last thread while work is pending")
	// ErrStopped is returned by operations on a stopped loop
	ErrStopped = errors.New("eventloop: stopped")
)

// Executor schedules closures for asynchronous execution
type Executor interface {
	Post(func())
}

// EventLoop is a shared goroutine pool executing posted closures and timers.
// Pending work counts posted tasks that have not finished, armed timers and
// outstanding work guards.
type EventLoop struct {
	pool    *worker.Pool[func()]
	logger  *slog.Logger
	metrics *metric.Metrics

	pending atomic.Int64
	stopped atomic.Bool
	done    chan struct{}

	mu            sync.Mutex
	timers        map[*Timer]struct{}
	signalHandler func(os.Signal)
}

// Stats is a snapshot of the loop's load
type Stats struct {
	Threads int              `json:"threads"`
	Pending int64            `json:"pending"`
	Timers  int              `json:"timers"`
	Stopped bool             `json:"stopped"`
	Pool    worker.PoolStats `json:"pool"`
}

type options struct {
	threads  int
	logger   *slog.Logger
	registry *metric.MetricsRegistry
}

// Option configures an EventLoop
type Option func(*options)

// WithThreads sets the initial number of worker goroutines
func WithThreads(n int) Option {
	return func(o *options) { o.threads = n }
}

// WithLogger sets the logger used for recovered panics
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithMetrics publishes loop gauges and pool metrics to the registry
func WithMetrics(registry *metric.MetricsRegistry) Option {
	return func(o *options) { o.registry = registry }
}

// New creates and starts an event loop. Without WithThreads it runs
// max(2, GOMAXPROCS) worker goroutines.
func New(opts ...Option) *EventLoop {
	o := options{threads: max(2, runtime.GOMAXPROCS(0))}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default().With("component", "eventloop")
	}

	l := &EventLoop{
		logger:  o.logger,
		metrics: o.registry.CoreMetrics(),
		done:    make(chan struct{}),
		timers:  make(map[*Timer]struct{}),
	}

	poolOpts := []worker.Option[func()]{
		worker.WithErrorHandler[func()](func(_ func(), err error) {
			l.logger.Error("Task failed", "error", err)
		}),
	}
	if o.registry != nil {
		poolOpts = append(poolOpts, worker.WithMetricsRegistry[func()](o.registry, "sigslot_eventloop_pool"))
	}

	l.pool = worker.NewPool(o.threads, 0, l.execute, poolOpts...)
	// Start cannot fail on a fresh pool
	_ = l.pool.Start(context.Background())
	l.recordMetrics()
	return l
}

func (l *EventLoop) execute(_ context.Context, task func()) error {
	defer l.release()
	task()
	return nil
}

func (l *EventLoop) release() {
	if l.pending.Add(-1) <= 0 {
		l.pool.Wake()
	}
}

// Post schedules f for execution on one of the loop's goroutines.
// Posting to a stopped loop is a no-op.
func (l *EventLoop) Post(f func()) {
	if f == nil || l.stopped.Load() {
		return
	}
	l.pending.Add(1)
	if err := l.pool.Submit(f); err != nil {
		l.release()
		l.logger.Debug("Dropped task", "error", err)
	}
}

// Guard marks outstanding work that is not a task, keeping Run blocked until
// the returned release function is called. Release is idempotent.
func (l *EventLoop) Guard() func() {
	l.pending.Add(1)
	var once sync.Once
	return func() { once.Do(l.release) }
}

// AfterFunc posts f after d without blocking a goroutine. An armed timer
// counts as pending work.
func (l *EventLoop) AfterFunc(d time.Duration, f func()) *Timer {
	t := &Timer{loop: l}
	if l.stopped.Load() {
		return t
	}

	l.pending.Add(1)
	l.mu.Lock()
	l.timers[t] = struct{}{}
	t.timer = time.AfterFunc(d, func() {
		if l.disarm(t) {
			l.Post(f)
			l.release()
		}
	})
	l.mu.Unlock()
	return t
}

// disarm removes t from the armed set, reporting whether it was armed
func (l *EventLoop) disarm(t *Timer) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.timers[t]; !ok {
		return false
	}
	delete(l.timers, t)
	return true
}

// Timer is a delayed task created by AfterFunc
type Timer struct {
	loop  *EventLoop
	timer *time.Timer
}

// Stop cancels the timer. It reports whether the call stopped the timer
// before its task was posted.
func (t *Timer) Stop() bool {
	if t == nil || t.loop == nil || !t.loop.disarm(t) {
		return false
	}
	t.timer.Stop()
	t.loop.release()
	return true
}

// AddThread grows the pool by n goroutines
func (l *EventLoop) AddThread(n int) error {
	if l.stopped.Load() {
		return ErrStopped
	}
	if err := l.pool.AddWorkers(n); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidThreadCount, err)
	}
	l.recordMetrics()
	return nil
}

// RemoveThread shrinks the pool by n goroutines. Removing more threads than
// exist fails with ErrInvalidThreadCount; removing the last thread while work
// is pending fails with ErrWorkPending.
func (l *EventLoop) RemoveThread(n int) error {
	threads := l.pool.Workers()
	if n <= 0 || n > threads {
		return fmt.Errorf("%w: cannot remove %d of %d threads", ErrInvalidThreadCount, n, threads)
	}
	if n == threads && l.pending.Load() > 0 {
		return ErrWorkPending
	}
	if err := l.pool.RemoveWorkers(n); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidThreadCount, err)
	}
	l.recordMetrics()
	return nil
}

// NumThreads returns the number of pool goroutines, not counting Run callers
func (l *EventLoop) NumThreads() int {
	return l.pool.Workers()
}

// Run blocks and lends the calling goroutine to the pool until no work is
// pending or Stop is called.
func (l *EventLoop) Run() {
	l.pool.Assist(func() bool {
		return l.stopped.Load() || l.pending.Load() <= 0
	})
}

// SetSignalHandler sets the function Work calls on SIGINT or SIGTERM before
// stopping the loop.
func (l *EventLoop) SetSignalHandler(handler func(os.Signal)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.signalHandler = handler
}

// Work runs the loop until Stop is called, also when no work is pending.
// SIGINT and SIGTERM invoke the signal handler and stop the loop.
func (l *EventLoop) Work() {
	release := l.Guard()
	defer release()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	go func() {
		select {
		case sig := <-sigCh:
			l.logger.Info("Received signal", "signal", sig.String())
			l.mu.Lock()
			handler := l.signalHandler
			l.mu.Unlock()
			if handler != nil {
				handler(sig)
			}
			l.Stop()
		case <-l.done:
		}
	}()

	l.Run()
}

// Stop drops queued tasks, cancels armed timers and rejects future posts.
// Run and Work callers return. Stop is idempotent.
func (l *EventLoop) Stop() {
	if !l.stopped.CompareAndSwap(false, true) {
		return
	}

	l.mu.Lock()
	for t := range l.timers {
		t.timer.Stop()
		delete(l.timers, t)
	}
	l.mu.Unlock()

	close(l.done)
	_ = l.pool.Stop(0)
	l.recordMetrics()
	l.logger.Debug("Event loop stopped")
}

// Stopped reports whether Stop was called
func (l *EventLoop) Stopped() bool {
	return l.stopped.Load()
}

// Done is closed when the loop stops
func (l *EventLoop) Done() <-chan struct{} {
	return l.done
}

// Stats returns a snapshot of the loop's load
func (l *EventLoop) Stats() Stats {
	l.mu.Lock()
	timers := len(l.timers)
	l.mu.Unlock()

	stats := Stats{
		Threads: l.pool.Workers(),
		Pending: l.pending.Load(),
		Timers:  timers,
		Stopped: l.stopped.Load(),
		Pool:    l.pool.Stats(),
	}
	l.metrics.RecordEventLoop(stats.Threads, stats.Pending)
	return stats
}

func (l *EventLoop) recordMetrics() {
	l.metrics.RecordEventLoop(l.pool.Workers(), l.pending.Load())
}

var (
	globalMu sync.Mutex
	global   *EventLoop
)

// Global returns the process-wide loop, creating it on first use and again
// after a previous global loop was stopped.
func Global() *EventLoop {
	globalMu.Lock()
	defer globalMu.Unlock()
	if global == nil || global.Stopped() {
		global = New()
	}
	return global
}

// Init creates the process-wide loop with options. It fails if a running
// global loop already exists.
func Init(opts ...Option) (*EventLoop, error) {
	globalMu.Lock()
	defer globalMu.Unlock()
	if global != nil && !global.Stopped() {
		return nil, fmt.Errorf("eventloop: global loop already running")
	}
	global = New(opts...)
	return global, nil
}

// Stop stops the process-wide loop if one exists
func Stop() {
	globalMu.Lock()
	l := global
	globalMu.Unlock()
	if l != nil {
		l.Stop()
	}
}
