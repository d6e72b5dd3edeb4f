// Package buffer provides bounded FIFO queues with overflow policies.
//
// The streaming output channel keeps one CircularBuffer per connected input
// that asked for queueing: a DropOldest buffer for the queueDrop slowness
// policy and a Block buffer for the queue policy, where a full queue makes
// the producer wait until the input drains it.
//
//	queue, _ := buffer.NewCircularBuffer[Chunk](maxQueueLength,
//	    buffer.WithOverflowPolicy[Chunk](buffer.DropOldest),
//	    buffer.WithDropCallback(func(c Chunk) { dropped++ }))
//	_ = queue.Write(ctx, chunk)
//
// Statistics are always collected; WithMetrics additionally exports them to
// Prometheus with a "queue" label.
package buffer
