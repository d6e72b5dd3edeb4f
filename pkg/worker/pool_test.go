package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/c360/sigslot/metric"
)

// Test data structure for worker pool tests
type testWork struct {
	id    int
	delay time.Duration
	fail  bool
	panic bool
}

func testProcessor(count *int64) func(context.Context, testWork) error {
	return func(_ context.Context, w testWork) error {
		if w.delay > 0 {
			time.Sleep(w.delay)
		}
		atomic.AddInt64(count, 1)
		if w.panic {
			panic("boom")
		}
		if w.fail {
			return errors.New("processing failed")
		}
		return nil
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestNewPool(t *testing.T) {
	var count int64
	pool := NewPool(5, 100, testProcessor(&count))
	if pool.Workers() != 5 {
		t.Errorf("Expected 5 workers, got %d", pool.Workers())
	}
	if pool.queueSize != 100 {
		t.Errorf("Expected queue size 100, got %d", pool.queueSize)
	}

	pool = NewPool(-3, -1, testProcessor(&count))
	if pool.Workers() != 0 {
		t.Errorf("Expected 0 workers, got %d", pool.Workers())
	}
	if pool.queueSize != 0 {
		t.Errorf("Expected unbounded queue, got %d", pool.queueSize)
	}
}

func TestNewPool_NilProcessor(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Errorf("Expected panic for nil processor")
		}
	}()
	NewPool[testWork](5, 100, nil)
}

func TestPool_StartStop(t *testing.T) {
	var count int64
	pool := NewPool(2, 0, testProcessor(&count))

	if err := pool.Submit(testWork{}); !errors.Is(err, ErrPoolNotStarted) {
		t.Errorf("Expected ErrPoolNotStarted, got %v", err)
	}

	ctx := context.Background()
	if err := pool.Start(ctx); err != nil {
		t.Fatalf("Failed to start pool: %v", err)
	}
	if err := pool.Start(ctx); !errors.Is(err, ErrPoolAlreadyStarted) {
		t.Errorf("Expected ErrPoolAlreadyStarted, got %v", err)
	}

	for i := 0; i < 10; i++ {
		if err := pool.Submit(testWork{id: i}); err != nil {
			t.Fatalf("Submit failed: %v", err)
		}
	}
	waitFor(t, func() bool { return atomic.LoadInt64(&count) == 10 })

	if err := pool.Stop(time.Second); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if err := pool.Submit(testWork{}); !errors.Is(err, ErrPoolStopped) {
		t.Errorf("Expected ErrPoolStopped, got %v", err)
	}
	// Second stop is a no-op
	if err := pool.Stop(time.Second); err != nil {
		t.Errorf("Second stop failed: %v", err)
	}
}

func TestPool_QueueFull(t *testing.T) {
	var count int64
	// No workers: nothing drains the queue
	pool := NewPool(0, 2, testProcessor(&count))
	if err := pool.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer pool.Stop(time.Second)

	_ = pool.Submit(testWork{id: 1})
	_ = pool.Submit(testWork{id: 2})
	if err := pool.Submit(testWork{id: 3}); !errors.Is(err, ErrQueueFull) {
		t.Errorf("Expected ErrQueueFull, got %v", err)
	}
	if stats := pool.Stats(); stats.Dropped != 1 || stats.QueueDepth != 2 {
		t.Errorf("Unexpected stats %+v", stats)
	}
}

func TestPool_ErrorsAndPanics(t *testing.T) {
	var count int64
	var handled []error
	var mu sync.Mutex

	pool := NewPool(2, 0, testProcessor(&count), WithErrorHandler(func(_ testWork, err error) {
		mu.Lock()
		handled = append(handled, err)
		mu.Unlock()
	}))
	if err := pool.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer pool.Stop(time.Second)

	_ = pool.Submit(testWork{fail: true})
	_ = pool.Submit(testWork{panic: true})
	_ = pool.Submit(testWork{})
	waitFor(t, func() bool { return pool.Stats().Processed == 3 })

	stats := pool.Stats()
	if stats.Failed != 2 {
		t.Errorf("Expected 2 failures, got %d", stats.Failed)
	}

	mu.Lock()
	defer mu.Unlock()
	panics := 0
	for _, err := range handled {
		if errors.Is(err, ErrPanic) {
			panics++
		}
	}
	if len(handled) != 2 || panics != 1 {
		t.Errorf("Expected one error and one panic, got %v", handled)
	}
}

func TestPool_Resize(t *testing.T) {
	var count int64
	pool := NewPool(1, 0, testProcessor(&count))
	if err := pool.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer pool.Stop(time.Second)

	if err := pool.AddWorkers(3); err != nil {
		t.Fatalf("AddWorkers failed: %v", err)
	}
	if pool.Workers() != 4 {
		t.Errorf("Expected 4 workers, got %d", pool.Workers())
	}

	if err := pool.RemoveWorkers(5); !errors.Is(err, ErrInvalidWorkerCount) {
		t.Errorf("Expected ErrInvalidWorkerCount, got %v", err)
	}
	if err := pool.AddWorkers(0); !errors.Is(err, ErrInvalidWorkerCount) {
		t.Errorf("Expected ErrInvalidWorkerCount, got %v", err)
	}
	if err := pool.RemoveWorkers(4); err != nil {
		t.Fatalf("RemoveWorkers failed: %v", err)
	}

	// Nothing processes now; queued work waits for a new worker
	_ = pool.Submit(testWork{})
	time.Sleep(50 * time.Millisecond)
	if atomic.LoadInt64(&count) != 0 {
		t.Errorf("Expected no processing without workers")
	}

	if err := pool.AddWorkers(1); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return atomic.LoadInt64(&count) == 1 })
}

func TestPool_Assist(t *testing.T) {
	var count int64
	pool := NewPool(0, 0, testProcessor(&count))
	if err := pool.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer pool.Stop(time.Second)

	for i := 0; i < 5; i++ {
		_ = pool.Submit(testWork{id: i})
	}

	// The caller drains the queue and leaves once everything was processed
	pool.Assist(func() bool { return atomic.LoadInt64(&count) == 5 })
	if pool.Pending() != 0 {
		t.Errorf("Expected empty pool, got %d pending", pool.Pending())
	}
}

func TestPool_StopDropsQueued(t *testing.T) {
	var count int64
	pool := NewPool(0, 0, testProcessor(&count))
	if err := pool.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		_ = pool.Submit(testWork{id: i})
	}

	done := make(chan struct{})
	go func() {
		pool.Assist(func() bool { return false })
		close(done)
	}()
	_ = pool.Stop(0)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Assist did not return after Stop")
	}
	if stats := pool.Stats(); stats.Processed+stats.Dropped != 3 {
		t.Errorf("Expected every item processed or dropped, got %+v", stats)
	}
}

func TestPool_ContextCancellation(t *testing.T) {
	var count int64
	pool := NewPool(2, 0, testProcessor(&count))
	ctx, cancel := context.WithCancel(context.Background())
	if err := pool.Start(ctx); err != nil {
		t.Fatal(err)
	}
	cancel()

	done := make(chan struct{})
	go func() {
		pool.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Workers did not exit after context cancellation")
	}
}

func TestPool_ConcurrentSubmissions(t *testing.T) {
	var count int64
	pool := NewPool(4, 0, testProcessor(&count))
	if err := pool.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer pool.Stop(time.Second)

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				if err := pool.Submit(testWork{id: g*100 + i}); err != nil {
					t.Errorf("Submit failed: %v", err)
				}
			}
		}(g)
	}
	wg.Wait()
	waitFor(t, func() bool { return atomic.LoadInt64(&count) == 800 })

	if stats := pool.Stats(); stats.Submitted != 800 || stats.Processed != 800 {
		t.Errorf("Unexpected stats %+v", stats)
	}
}

func TestPool_Metrics(t *testing.T) {
	var count int64
	registry := metric.NewMetricsRegistry()
	pool := NewPool(1, 0, testProcessor(&count), WithMetricsRegistry[testWork](registry, "test_pool"))
	if pool.metrics == nil {
		t.Fatal("Expected metrics to be initialized")
	}
	if err := pool.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer pool.Stop(time.Second)

	_ = pool.Submit(testWork{})
	waitFor(t, func() bool { return atomic.LoadInt64(&count) == 1 })

	families, err := registry.PrometheusRegistry().Gather()
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for _, mf := range families {
		if mf.GetName() == "test_pool_submitted_total" {
			found = true
		}
	}
	if !found {
		t.Error("Expected test_pool_submitted_total to be registered")
	}
}
