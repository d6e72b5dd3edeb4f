// Package health provides health reporting for instances and their transports
// with thread-safe status tracking and aggregation.
//
// # Health States
//
// The package supports three health states:
//   - Healthy: operating normally
//   - Degraded: operating with reduced functionality, e.g. signals fall back
//     from point-to-point to the broker
//   - Unhealthy: not functioning, e.g. the broker connection is lost
//
// # Core Types
//
// Status: health state with a descriptive message, timestamp, optional metrics
// and hierarchical sub-statuses.
//
// Check: a point-in-time report of one part of an instance, converted with
// FromCheck.
//
// Monitor: thread-safe tracking of several named parts. A part either pushes
// its status or registers a Probe that is evaluated on every aggregation.
//
// # Basic Usage
//
//	monitor := health.NewMonitor()
//	monitor.UpdateDegraded("p2p", "Producer not listening")
//	monitor.Register("signalslot", ss.Health)
//
//	http.Handle("/health", monitor.Handler("sigslot"))
//
// A SignalSlotable builds its status from checks of its transports:
//
//	status := health.Aggregate(instanceID, []health.Status{
//	    health.FromCheck("broker", health.Check{Healthy: connected, Uptime: uptime}),
//	    health.FromCheck("p2p", health.Check{Healthy: true}),
//	})
//
// Aggregation follows worst-case rules: any unhealthy sub-status makes the
// aggregate unhealthy, otherwise any degraded one makes it degraded.
//
// # Security
//
// Error text passed through FromCheck is sanitized: URLs, file paths, IP
// addresses, ports and credentials are replaced by placeholders before the
// status is served on the health endpoint.
//
// # Error Handling
//
// The package returns no errors; a Status is the result of error handling.
package health
