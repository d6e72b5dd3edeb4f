// Package signalslot implements signal/slot messaging between instances on a
// broker.
//
// A SignalSlotable owns slots (named callbacks) and signals (named emission
// points). Other instances invoke its slots with Call, Request and
// RequestNoWait; its signals reach the slots connected to them with Connect.
//
//	s, err := signalslot.New(b, signalslot.Config{})
//	if err != nil {
//	    return err
//	}
//	_ = s.RegisterSlot("slotGreet", func(name string) string { return "Hello " + name })
//	if err := s.Start(ctx); err != nil {
//	    return err
//	}
//	defer s.Close(ctx)
//
//	var answer string
//	err = s.Request("responder", "slotGreet", "Bob").Timeout(time.Second).Receive(ctx, &answer)
//
// # Ordering
//
// Messages of one sender run in the order they were sent, on a strand per
// sender. Broadcasts, including the topology announcements slotInstanceNew,
// slotInstanceGone and slotInstanceUpdated, share one strand. Replies settle
// their request directly, so a handler may issue a synchronous request
// without blocking the reply it waits for. Slot handlers run on the shared
// event loop and should not block for long.
//
// # Connections
//
// An edge connects a signal of one instance to a slot of another. Connecting
// subscribes the slot side to the signal on the broker and registers the slot
// at the signal side; either endpoint, or a third instance, may do it.
// Operations on one edge run in the order they were issued. Edges this
// instance established are re-established when an endpoint announces itself
// again.
//
// With P2PConfig.Enabled the instance serves its signals to subscribed slot
// instances over TCP and receives signals the same way from instances that
// advertise a p2p_connection in their instance info. Subscribers not reached
// that way still get the signal through the broker.
//
// # Errors
//
// Failures carry a kind from package errors: Timeout, Remote (the remote
// handler failed), Cast, SignalSlot, Connection and Cancelled (the instance
// closed with the operation in flight).
package signalslot
