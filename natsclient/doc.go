// Package natsclient manages the NATS connection used by the broker package.
//
// Client wraps nats.go with a circuit breaker, status tracking and lifecycle
// callbacks. After circuitThreshold consecutive failures (default 5) the
// circuit opens and Connect fails fast with ErrCircuitOpen until the backoff
// elapses; the backoff doubles on every opening up to the configured maximum.
//
// The connection moves through
//
//	Disconnected -> Connecting -> Connected -> Reconnecting -> Connected
//
// with nats.go handling the reconnects. WithDisconnectCallback,
// WithReconnectCallback, WithHealthChangeCallback and
// WithConnectionLostCallback observe the transitions.
//
// # Usage
//
//	client, err := natsclient.NewClient("nats://localhost:4222",
//	    natsclient.WithName("sigslot/alice"),
//	    natsclient.WithMaxReconnects(-1),
//	)
//	if err != nil {
//	    return err
//	}
//	if err := client.Connect(ctx); err != nil {
//	    return err
//	}
//	defer client.Close(ctx)
//
//	ch := make(chan *nats.Msg, 1024)
//	sub, err := client.ChanSubscribe("karabo.slots.alice", ch)
//	...
//	err = client.Flush(ctx) // subscription is now active on the server
//
// Several ChanSubscribe calls that share a channel form one ordered delivery
// queue, which is how a broker serializes everything addressed to one
// instance.
//
// # Key-value buckets
//
// CreateKeyValueBucket and NewKVStore expose JetStream key-value buckets with
// CAS updates (UpdateWithRetry) and watchers. The broker keeps the registry
// of live instances in such a bucket.
//
// # Testing
//
// NewTestClient starts a nats:2.11.7-alpine container through
// testcontainers-go and returns a connected client; tests using it carry the
// integration build tag.
package natsclient
