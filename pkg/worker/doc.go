// Package worker provides a generic, thread-safe worker pool for concurrent task processing.
//
// # Overview
//
// A Pool runs a processor function over work items of any type T on a set of
// goroutines. Unlike a fixed-size pool it can be resized while running
// (AddWorkers, RemoveWorkers), its queue is unbounded by default so Submit
// never blocks, and any goroutine can lend itself to the pool with Assist
// until a caller-defined condition holds. The event loop builds on these three
// properties.
//
//	pool := worker.NewPool(4, 0, func(ctx context.Context, task func()) error {
//	    task()
//	    return nil
//	})
//	_ = pool.Start(ctx)
//	_ = pool.Submit(func() { fmt.Println("hello") })
//
// # Errors
//
// Processor errors and recovered panics (wrapped with ErrPanic) are counted in
// Stats and passed to the handler installed with WithErrorHandler. They never
// stop a worker.
//
// # Shutdown
//
// Stop drops queued items and lets running items finish. With a positive
// timeout it waits for the pool goroutines; Assist callers return as well.
//
// # Observability
//
// Statistics are always tracked. WithMetricsRegistry additionally registers
// Prometheus gauges and counters under the given prefix.
package worker
