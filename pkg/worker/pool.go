// Package worker provides a generic, resizable worker pool
package worker

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c360/sigslot/metric"
	"github.com/prometheus/client_golang/prometheus"
)

// Pool represents a generic worker pool that can process any work type T.
// The queue is unbounded unless a queue size is given, and the number of
// workers can change while the pool runs.
type Pool[T any] struct {
	// Configuration
	queueSize int
	processor func(context.Context, T) error
	onError   func(T, error)

	// Runtime state, guarded by mu
	mu      sync.Mutex
	cond    *sync.Cond
	queue   []T
	workers int // target number of pool goroutines
	retire  int // pool goroutines asked to exit
	busy    int
	ctx     context.Context
	started bool
	stopped bool
	wg      sync.WaitGroup
	metrics *Metrics

	// Statistics (atomic)
	submitted int64
	processed int64
	failed    int64
	dropped   int64

	// Metrics configuration
	metricsRegistry *metric.MetricsRegistry
	metricsPrefix   string
}

// Metrics holds Prometheus metrics for worker pool monitoring
type Metrics struct {
	queueDepth     prometheus.Gauge
	utilization    prometheus.Gauge
	submitted      prometheus.Counter
	processed      prometheus.Counter
	failed         prometheus.Counter
	dropped        prometheus.Counter
	processingTime *prometheus.HistogramVec
}

// Option represents a configuration option for the worker pool
type Option[T any] func(*Pool[T])

// WithMetricsRegistry configures the pool to register metrics with the framework's registry
func WithMetricsRegistry[T any](registry *metric.MetricsRegistry, prefix string) Option[T] {
	return func(p *Pool[T]) {
		p.metricsRegistry = registry
		p.metricsPrefix = prefix
	}
}

// WithErrorHandler is called for every work item whose processing failed or panicked.
func WithErrorHandler[T any](handler func(T, error)) Option[T] {
	return func(p *Pool[T]) {
		p.onError = handler
	}
}

// NewPool creates a new worker pool. workers < 0 is treated as 0; a pool
// without workers only makes progress through Assist. queueSize <= 0 means unbounded.
func NewPool[T any](workers, queueSize int, processor func(context.Context, T) error, opts ...Option[T]) *Pool[T] {
	if workers < 0 {
		workers = 0
	}
	if queueSize < 0 {
		queueSize = 0
	}
	if processor == nil {
		panic(ErrNilProcessor)
	}

	pool := &Pool[T]{
		workers:   workers,
		queueSize: queueSize,
		processor: processor,
		ctx:       context.Background(),
	}
	pool.cond = sync.NewCond(&pool.mu)

	for _, opt := range opts {
		opt(pool)
	}

	if pool.metricsRegistry != nil && pool.metricsPrefix != "" {
		pool.initializeMetrics()
	}

	return pool
}

// initializeMetrics creates and registers metrics with the framework's registry
func (p *Pool[T]) initializeMetrics() {
	prefix := p.metricsPrefix

	queueDepth := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: prefix + "_queue_depth",
		Help: "Current worker pool queue depth",
	})
	utilization := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: prefix + "_utilization",
		Help: "Share of busy workers (0-1)",
	})
	submitted := prometheus.NewCounter(prometheus.CounterOpts{
		Name: prefix + "_submitted_total",
		Help: "Total work items submitted",
	})
	processed := prometheus.NewCounter(prometheus.CounterOpts{
		Name: prefix + "_processed_total",
		Help: "Total work items processed",
	})
	failed := prometheus.NewCounter(prometheus.CounterOpts{
		Name: prefix + "_failed_total",
		Help: "Total work items that failed processing",
	})
	dropped := prometheus.NewCounter(prometheus.CounterOpts{
		Name: prefix + "_dropped_total",
		Help: "Total work items dropped on a full queue or at stop",
	})
	processingTime := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    prefix + "_processing_duration_seconds",
		Help:    "Time spent processing work items",
		Buckets: []float64{0.0001, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"status"})

	serviceName := "worker_pool"
	_ = p.metricsRegistry.RegisterGauge(serviceName, prefix+"_queue_depth", queueDepth)
	_ = p.metricsRegistry.RegisterGauge(serviceName, prefix+"_utilization", utilization)
	_ = p.metricsRegistry.RegisterCounter(serviceName, prefix+"_submitted_total", submitted)
	_ = p.metricsRegistry.RegisterCounter(serviceName, prefix+"_processed_total", processed)
	_ = p.metricsRegistry.RegisterCounter(serviceName, prefix+"_failed_total", failed)
	_ = p.metricsRegistry.RegisterCounter(serviceName, prefix+"_dropped_total", dropped)
	_ = p.metricsRegistry.RegisterHistogramVec(serviceName, prefix+"_processing_duration_seconds", processingTime)

	p.metrics = &Metrics{
		queueDepth:     queueDepth,
		utilization:    utilization,
		submitted:      submitted,
		processed:      processed,
		failed:         failed,
		dropped:        dropped,
		processingTime: processingTime,
	}
}

// Submit queues work. It never blocks; a bounded pool returns ErrQueueFull.
func (p *Pool[T]) Submit(work T) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.started {
		return ErrPoolNotStarted
	}
	if p.stopped {
		return ErrPoolStopped
	}
	if p.queueSize > 0 && len(p.queue) >= p.queueSize {
		atomic.AddInt64(&p.dropped, 1)
		if p.metrics != nil {
			p.metrics.dropped.Inc()
		}
		return ErrQueueFull
	}

	p.queue = append(p.queue, work)
	atomic.AddInt64(&p.submitted, 1)
	if p.metrics != nil {
		p.metrics.submitted.Inc()
		p.metrics.queueDepth.Set(float64(len(p.queue)))
	}
	p.cond.Signal()
	return nil
}

// Start starts the worker pool. Cancelling ctx stops the workers after their
// current item.
func (p *Pool[T]) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return ErrPoolAlreadyStarted
	}

	p.ctx = ctx
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}

	context.AfterFunc(ctx, p.Wake)

	if p.metrics != nil {
		p.wg.Add(1)
		go p.metricsUpdater(ctx)
	}

	p.started = true
	return nil
}

// AddWorkers grows the pool by n goroutines.
func (p *Pool[T]) AddWorkers(n int) error {
	if n <= 0 {
		return fmt.Errorf("%w: cannot add %d workers", ErrInvalidWorkerCount, n)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stopped {
		return ErrPoolStopped
	}

	p.workers += n
	if p.started {
		// Cancel pending retirements first
		reuse := min(n, p.retire)
		p.retire -= reuse
		for i := reuse; i < n; i++ {
			p.wg.Add(1)
			go p.worker()
		}
	}
	return nil
}

// RemoveWorkers shrinks the pool by n goroutines. Each leaves after finishing
// its current item.
func (p *Pool[T]) RemoveWorkers(n int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if n <= 0 || n > p.workers {
		return fmt.Errorf("%w: cannot remove %d of %d workers", ErrInvalidWorkerCount, n, p.workers)
	}

	p.workers -= n
	if p.started {
		p.retire += n
		p.cond.Broadcast()
	}
	return nil
}

// Workers returns the configured number of pool goroutines
func (p *Pool[T]) Workers() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.workers
}

// Pending returns the number of queued and in-flight items
func (p *Pool[T]) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue) + p.busy
}

// Assist makes the calling goroutine process work until quit reports true or
// the pool stops. quit is evaluated under the pool lock before each item and
// whenever the pool is woken; callers changing its outcome must call Wake.
func (p *Pool[T]) Assist(quit func() bool) {
	for {
		work, ok := p.next(quit)
		if !ok {
			return
		}
		p.process(work)
	}
}

// Wake re-evaluates waiting workers and Assist callers
func (p *Pool[T]) Wake() {
	p.mu.Lock()
	p.cond.Broadcast()
	p.mu.Unlock()
}

// Stop stops the pool. Queued work is dropped; items already running finish.
// With a positive timeout Stop waits for the pool goroutines to exit.
func (p *Pool[T]) Stop(timeout time.Duration) error {
	p.mu.Lock()
	if !p.started || p.stopped {
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	if n := len(p.queue); n > 0 {
		atomic.AddInt64(&p.dropped, int64(n))
		if p.metrics != nil {
			p.metrics.dropped.Add(float64(n))
		}
	}
	p.queue = nil
	p.cond.Broadcast()
	p.mu.Unlock()

	if timeout <= 0 {
		return nil
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-done:
		return nil
	case <-timer.C:
		return ErrStopTimeout
	}
}

// Stats returns current pool statistics
func (p *Pool[T]) Stats() PoolStats {
	p.mu.Lock()
	workers, depth, busy := p.workers, len(p.queue), p.busy
	p.mu.Unlock()

	return PoolStats{
		Workers:    workers,
		QueueSize:  p.queueSize,
		QueueDepth: depth,
		Busy:       busy,
		Submitted:  atomic.LoadInt64(&p.submitted),
		Processed:  atomic.LoadInt64(&p.processed),
		Failed:     atomic.LoadInt64(&p.failed),
		Dropped:    atomic.LoadInt64(&p.dropped),
	}
}

// PoolStats represents worker pool statistics
type PoolStats struct {
	Workers    int   `json:"workers"`
	QueueSize  int   `json:"queue_size"`
	QueueDepth int   `json:"queue_depth"`
	Busy       int   `json:"busy"`
	Submitted  int64 `json:"submitted"`
	Processed  int64 `json:"processed"`
	Failed     int64 `json:"failed"`
	Dropped    int64 `json:"dropped"`
}

// worker processes work items from the queue
func (p *Pool[T]) worker() {
	defer p.wg.Done()

	for {
		work, ok := p.next(nil)
		if !ok {
			return
		}
		p.process(work)
	}
}

// next pops the next item. quit == nil marks a pool goroutine, which honours
// retirement requests.
func (p *Pool[T]) next(quit func() bool) (T, bool) {
	var zero T

	p.mu.Lock()
	defer p.mu.Unlock()

	for {
		if p.stopped || p.ctx.Err() != nil {
			return zero, false
		}
		if quit == nil && p.retire > 0 {
			p.retire--
			return zero, false
		}
		if quit != nil && quit() {
			return zero, false
		}
		if len(p.queue) > 0 {
			work := p.queue[0]
			p.queue[0] = zero
			p.queue = p.queue[1:]
			if len(p.queue) == 0 {
				p.queue = nil
			}
			p.busy++
			return work, true
		}
		p.cond.Wait()
	}
}

func (p *Pool[T]) process(work T) {
	start := time.Now()
	err := p.safeProcess(work)
	duration := time.Since(start)

	p.mu.Lock()
	p.busy--
	p.mu.Unlock()

	atomic.AddInt64(&p.processed, 1)
	if err != nil {
		atomic.AddInt64(&p.failed, 1)
		if p.onError != nil {
			p.onError(work, err)
		}
	}

	if p.metrics != nil {
		p.metrics.processed.Inc()
		status := "success"
		if err != nil {
			p.metrics.failed.Inc()
			status = "error"
		}
		p.metrics.processingTime.WithLabelValues(status).Observe(duration.Seconds())
	}
}

func (p *Pool[T]) safeProcess(work T) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrPanic, r)
		}
	}()
	return p.processor(p.ctx, work)
}

// metricsUpdater periodically updates utilization and queue depth metrics
func (p *Pool[T]) metricsUpdater(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := p.Stats()
			p.metrics.queueDepth.Set(float64(stats.QueueDepth))
			if stats.Workers > 0 {
				p.metrics.utilization.Set(float64(stats.Busy) / float64(stats.Workers))
			}
			p.mu.Lock()
			stopped := p.stopped
			p.mu.Unlock()
			if stopped {
				return
			}
		}
	}
}
