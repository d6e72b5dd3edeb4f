// Package broker is the pub/sub transport of sigslot.
//
// A Broker moves (header, body) messages between instances of one domain.
// Three address families exist, all expressed as NATS subjects:
//
//	<domain>.slots.<instanceId>                 one-to-one calls, requests and replies
//	<domain>.global_slots.<slotName>            broadcasts to every instance
//	<domain>.signals.<instanceId>.<signalName>  signal emissions
//
// An instance always reads its own slots subject and, unless
// SetConsumeBroadcasts(false) was called before StartReading, the broadcast
// wildcard. Signal subjects are subscribed on demand with
// SubscribeToRemoteSignal; the subscriptions are reference counted, so
// several connections to the same remote signal share one transport
// subscription.
//
// Everything a broker receives goes through a single queue and reaches the
// ReadHandler in arrival order. Messages of one sender to one receiver are
// therefore handled in the order they were sent.
//
// Three implementations exist:
//
//   - NATSBroker, on top of natsclient. Instance records are kept in the
//     JetStream key-value bucket "<domain>_instances".
//   - MQTTBroker, on an MQTT 3.1.1 server. Subjects become '/' separated
//     topics, the addressed slot moves into the last topic level and '/' in
//     instance ids is written as '|'. Instance records are retained
//     messages on <domain>/instances/<instanceId>.
//   - MemoryBroker, a process-local hub selected by "mem://<name>" URLs. It
//     encodes messages exactly like NATSBroker and is what unit tests use.
//
// New selects the implementation from the URL scheme:
//
//	b, err := broker.New(broker.Config{
//	    URLs:       []string{"nats://localhost:4222"},
//	    Domain:     "karabo",
//	    InstanceID: "alice",
//	})
package broker
