// Package eventloop provides the shared execution model of sigslot: an
// EventLoop running posted closures and timers on a resizable goroutine pool,
// and Strands serializing closures on top of it.
//
// Every asynchronous continuation in the module (request timeouts, reply
// handlers, slot calls, channel triggers) is posted to a Strand, so work of a
// single owner runs in order and never concurrently, while unrelated owners
// share the pool.
//
//	loop := eventloop.New(eventloop.WithThreads(4))
//	defer loop.Stop()
//
//	strand := eventloop.NewStrand(loop)
//	strand.Post(func() { fmt.Println("first") })
//	strand.Post(func() { fmt.Println("second") })
//
// # Lifetime
//
// Global returns a lazily created process-wide loop. Stop tears it down; the
// next Global call builds a fresh one, so tests start and stop it around
// their scope. Run blocks until no task, armed timer or work guard remains;
// Work additionally holds a guard and stops the loop on SIGINT or SIGTERM.
//
// # Strand closing
//
// A Strand created WithGuaranteeToRun(true) still executes every queued
// closure after Close. Without it queued closures are dropped; a closure that
// is already executing always finishes.
package eventloop
