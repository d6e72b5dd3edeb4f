// Package p2p carries signal emissions over direct TCP connections,
// bypassing the broker.
//
// The signal side runs a Producer. Its connection string ("tcp://host:port")
// is advertised in the instance info as "p2p_connection". A slot side that
// connects to one of the producer's signals registers through its Consumer,
// which keeps one TCP connection per producer and sends
//
//	"<slotInstanceId> SUBSCRIBE"
//	"<slotInstanceId> UNSUBSCRIBE"
//
// frames on it. The producer then writes encoded messages to every channel
// subscribed by one of the addressed slot instances:
//
//	remaining, err := producer.PublishIfConnected(registered, header, body, 4)
//	// remaining slot instances are served through the broker
//
// Frames are length prefixed (see pkg/wire). Messages on one channel are
// delivered in order. A failing channel is dropped on its own; there is no
// reconnect at this level.
package p2p
