// Package metric provides Prometheus-based metrics for the messaging layer and
// an HTTP server exposing them.
//
// The registry owns one prometheus.Registry holding the core metrics (message
// traffic, request latency, broker status, point-to-point channels, streaming
// channel traffic, event loop load) plus the Go and process collectors.
// Components receive the registry through options and call the nil-safe
// Record methods on CoreMetrics:
//
//	registry := metric.NewMetricsRegistry()
//	core := registry.CoreMetrics()
//	core.RecordMessageSent("greeter", "request")
//
// Additional collectors are registered per service with the MetricsRegistrar
// methods and removed again with Unregister.
//
// # Server
//
//	server := metric.NewServer(9090, "/metrics", registry, security.ServerTLSConfig{})
//	server.Handle("/monitor", monitorHandler)
//	go func() { _ = server.Start() }()
//	defer server.Stop()
//
// Start blocks until Stop and returns nil on a regular shutdown. A /health
// endpoint is served unless one was mounted with Handle.
package metric
