// Package retry provides exponential backoff retry logic for transient failures.
//
// Presets:
//
//   - DefaultConfig(): 3 attempts, 100ms-5s delay
//   - Quick(): 10 attempts, 50ms-1s delay (startup, broker connect)
//   - Reconnect(): 5 attempts, 200ms-3s delay (signal/slot auto-reconnect)
//
// RetryIf restricts which failures are retried; errors wrapped with
// NonRetryable always stop the loop:
//
//	cfg := retry.Reconnect()
//	cfg.RetryIf = errors.IsTransient
//	err := retry.Do(ctx, cfg, func() error {
//	    return s.Connect(ctx, "camera", "signalFrame", "viewer", "slotFrame")
//	})
package retry
