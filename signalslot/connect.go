package signalslot

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/c360/sigslot/errors"
	"github.com/c360/sigslot/eventloop"
	"github.com/c360/sigslot/message"
	"github.com/c360/sigslot/pkg/retry"
)

// Edge connects a signal of one instance to a slot of another. Empty
// instance ids stand for the instance performing the operation.
type Edge struct {
	SignalInstanceID string
	Signal           string
	SlotInstanceID   string
	Slot             string
}

func (e Edge) String() string {
	return fmt.Sprintf("%s.%s -> %s.%s", e.SignalInstanceID, e.Signal, e.SlotInstanceID, e.Slot)
}

func (e Edge) resolve(self string) Edge {
	if e.SignalInstanceID == "" {
		e.SignalInstanceID = self
	}
	if e.SlotInstanceID == "" {
		e.SlotInstanceID = self
	}
	return e
}

// EdgeState is the connection state of an edge as seen by the instance
// operating on it
type EdgeState int

const (
	Unconnected EdgeState = iota
	ConnectPending
	Connected
	DisconnectPending
)

func (st EdgeState) String() string {
	switch st {
	case ConnectPending:
		return "connect pending"
	case Connected:
		return "connected"
	case DisconnectPending:
		return "disconnect pending"
	default:
		return "unconnected"
	}
}

// edgeEntry tracks one edge. Operations on an edge run one at a time in the
// order they were issued, using next/serving as a ticket queue.
type edgeEntry struct {
	state EdgeState
	// tracked edges were established here and are re-established when an
	// endpoint comes back
	tracked bool
	next    uint64
	serving uint64
}

// turn is a place in an edge's operation queue
type turn struct {
	s      *SignalSlotable
	edge   Edge
	ticket uint64
}

// takeTurn queues an operation on e without blocking
func (s *SignalSlotable) takeTurn(e Edge) *turn {
	s.edgesMu.Lock()
	defer s.edgesMu.Unlock()
	entry, ok := s.edges[e]
	if !ok {
		entry = &edgeEntry{}
		s.edges[e] = entry
	}
	t := &turn{s: s, edge: e, ticket: entry.next}
	entry.next++
	return t
}

// wait blocks until all earlier operations on the edge finished
func (t *turn) wait() {
	s := t.s
	s.edgesMu.Lock()
	defer s.edgesMu.Unlock()
	for s.edges[t.edge].serving != t.ticket {
		s.edgesCond.Wait()
	}
}

// done hands the edge to the next operation
func (t *turn) done() {
	s := t.s
	s.edgesMu.Lock()
	defer s.edgesMu.Unlock()
	entry := s.edges[t.edge]
	entry.serving++
	if entry.serving == entry.next && entry.state == Unconnected && !entry.tracked {
		delete(s.edges, t.edge)
	}
	s.edgesCond.Broadcast()
}

func (s *SignalSlotable) setEdge(e Edge, state EdgeState, tracked *bool) {
	s.edgesMu.Lock()
	defer s.edgesMu.Unlock()
	entry, ok := s.edges[e]
	if !ok {
		return
	}
	entry.state = state
	if tracked != nil {
		entry.tracked = *tracked
	}
}

func (s *SignalSlotable) isTracked(e Edge) bool {
	s.edgesMu.Lock()
	defer s.edgesMu.Unlock()
	entry, ok := s.edges[e]
	return ok && entry.tracked
}

// EdgeState returns the state of an edge this instance operated on
func (s *SignalSlotable) EdgeState(e Edge) EdgeState {
	e = e.resolve(s.id)
	s.edgesMu.Lock()
	defer s.edgesMu.Unlock()
	if entry, ok := s.edges[e]; ok {
		return entry.state
	}
	return Unconnected
}

// Connect connects signal of signalInstanceID to slot of slotInstanceID.
// Connecting an edge twice delivers once.
func (s *SignalSlotable) Connect(ctx context.Context, signalInstanceID, signalName, slotInstanceID, slotName string) error {
	return s.ConnectEdge(ctx, Edge{signalInstanceID, signalName, slotInstanceID, slotName})
}

// ConnectEdge connects e
func (s *SignalSlotable) ConnectEdge(ctx context.Context, e Edge) error {
	e = e.resolve(s.id)
	t := s.takeTurn(e)
	t.wait()
	defer t.done()
	return s.connectTurn(ctx, e, false)
}

// connectTurn establishes e while holding its turn. A reconnect gives up
// quietly once the edge is no longer tracked.
func (s *SignalSlotable) connectTurn(ctx context.Context, e Edge, reconnect bool) error {
	if reconnect && !s.isTracked(e) {
		return nil
	}
	s.setEdge(e, ConnectPending, nil)
	if err := s.establish(ctx, e); err != nil {
		s.setEdge(e, Unconnected, nil)
		return err
	}
	tracked := true
	s.setEdge(e, Connected, &tracked)
	s.logger.Debug("Connected", "edge", e.String())
	return nil
}

// establish checks the slot, subscribes the slot side and registers the
// slot at the signal side
func (s *SignalSlotable) establish(ctx context.Context, e Edge) error {
	if e.SlotInstanceID == s.id {
		if !s.HasSlot(e.Slot) {
			return errors.SignalSlotf("instance '%s' has no slot '%s'", e.SlotInstanceID, e.Slot)
		}
		if err := s.subscribeRemoteSignal(ctx, e.SignalInstanceID, e.Signal, e.Slot); err != nil {
			return err
		}
	} else {
		var has bool
		if err := s.Request(e.SlotInstanceID, "slotHasSlot", e.Slot).Receive(ctx, &has); err != nil {
			return err
		}
		if !has {
			return errors.SignalSlotf("instance '%s' has no slot '%s'", e.SlotInstanceID, e.Slot)
		}
		var ok bool
		if err := s.Request(e.SlotInstanceID, "slotSubscribeRemoteSignal", e.SignalInstanceID, e.Signal, e.Slot).
			Receive(ctx, &ok); err != nil {
			return err
		}
		if !ok {
			return errors.SignalSlotf("instance '%s' could not subscribe to '%s.%s'", e.SlotInstanceID, e.SignalInstanceID, e.Signal)
		}
	}

	var connected bool
	var err error
	if e.SignalInstanceID == s.id {
		connected = s.connectToSignal(e.Signal, e.SlotInstanceID, e.Slot)
	} else {
		err = s.Request(e.SignalInstanceID, "slotConnectToSignal", e.Signal, e.SlotInstanceID, e.Slot).
			Receive(ctx, &connected)
	}
	if err == nil && !connected {
		err = errors.SignalSlotf("instance '%s' has no signal '%s'", e.SignalInstanceID, e.Signal)
	}
	if err != nil {
		s.undoSubscription(e)
		return err
	}
	return nil
}

func (s *SignalSlotable) undoSubscription(e Edge) {
	ctx, cancel := s.sendContext()
	defer cancel()
	if e.SlotInstanceID == s.id {
		if _, err := s.unsubscribeRemoteSignal(ctx, e.SignalInstanceID, e.Signal, e.Slot); err != nil {
			s.logger.Debug("Failed to undo subscription", "edge", e.String(), "error", err)
		}
		return
	}
	if err := s.Call(e.SlotInstanceID, "slotUnsubscribeRemoteSignal", e.SignalInstanceID, e.Signal, e.Slot); err != nil {
		s.logger.Debug("Failed to undo subscription", "edge", e.String(), "error", err)
	}
}

// AsyncConnect connects e in the background. Exactly one of success and
// failure runs on the reply strand once the operation finished or timeout
// passed. Inside a slot use SlotCall.AsyncConnect to keep the handlers in
// order with the sender's calls.
func (s *SignalSlotable) AsyncConnect(e Edge, success func(), failure func(error), timeout time.Duration) {
	s.asyncConnect(nil, e, success, failure, timeout)
}

// AsyncDisconnect disconnects e in the background, like AsyncConnect
func (s *SignalSlotable) AsyncDisconnect(e Edge, success func(), failure func(error), timeout time.Duration) {
	s.asyncDisconnect(nil, e, success, failure, timeout)
}

func (s *SignalSlotable) asyncConnect(st *eventloop.Strand, e Edge, success func(), failure func(error), timeout time.Duration) {
	e = e.resolve(s.id)
	t := s.takeTurn(e)
	s.runAsync(st, t, timeout, success, failure, func(ctx context.Context) error {
		return s.connectTurn(ctx, e, false)
	})
}

func (s *SignalSlotable) asyncDisconnect(st *eventloop.Strand, e Edge, success func(), failure func(error), timeout time.Duration) {
	e = e.resolve(s.id)
	t := s.takeTurn(e)
	s.runAsync(st, t, timeout, success, failure, func(ctx context.Context) error {
		return s.disconnectTurn(ctx, e)
	})
}

// runAsync runs op in its turn and settles the handlers on st
func (s *SignalSlotable) runAsync(st *eventloop.Strand, t *turn, timeout time.Duration, success func(), failure func(error), op func(context.Context) error) {
	if timeout <= 0 {
		timeout = s.cfg.RequestTimeout
	}
	settle := func(err error) {
		s.postCallback(st, func() {
			switch {
			case err == nil && success != nil:
				success()
			case err != nil && failure != nil:
				failure(err)
			case err != nil:
				s.logger.Warn("Asynchronous operation failed", "edge", t.edge.String(), "error", err)
			}
		})
	}

	started := s.goBackground(func() {
		t.wait()
		defer t.done()
		ctx, cancel := context.WithTimeout(s.ctx, timeout)
		defer cancel()
		settle(op(ctx))
	})
	if !started {
		// give the ticket back so the queue keeps moving
		go func() {
			t.wait()
			t.done()
		}()
		settle(errors.Cancelledf("instance '%s' is closed", s.id))
	}
}

// ConnectAll connects every edge concurrently. On the first failure the
// edges connected so far are disconnected again and the failure returned.
func (s *SignalSlotable) ConnectAll(ctx context.Context, edges ...Edge) error {
	var (
		mu   sync.Mutex
		done []Edge
	)
	g, gctx := errgroup.WithContext(ctx)
	for _, e := range edges {
		g.Go(func() error {
			if err := s.ConnectEdge(gctx, e); err != nil {
				return err
			}
			mu.Lock()
			done = append(done, e)
			mu.Unlock()
			return nil
		})
	}
	err := g.Wait()
	if err == nil {
		return nil
	}

	rollback, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.RequestTimeout)
	defer cancel()
	for _, e := range done {
		if derr := s.DisconnectEdge(rollback, e); derr != nil {
			s.logger.Warn("Failed to roll back connection", "edge", e.resolve(s.id).String(), "error", derr)
		}
	}
	return err
}

// Disconnect removes the edge from signalInstanceID's signal to
// slotInstanceID's slot. An edge that was not connected is an error.
func (s *SignalSlotable) Disconnect(ctx context.Context, signalInstanceID, signalName, slotInstanceID, slotName string) error {
	return s.DisconnectEdge(ctx, Edge{signalInstanceID, signalName, slotInstanceID, slotName})
}

// DisconnectEdge disconnects e
func (s *SignalSlotable) DisconnectEdge(ctx context.Context, e Edge) error {
	e = e.resolve(s.id)
	t := s.takeTurn(e)
	t.wait()
	defer t.done()
	return s.disconnectTurn(ctx, e)
}

func (s *SignalSlotable) disconnectTurn(ctx context.Context, e Edge) error {
	s.setEdge(e, DisconnectPending, nil)
	defer func() {
		untracked := false
		s.setEdge(e, Unconnected, &untracked)
	}()

	var (
		was bool
		err error
	)
	if e.SignalInstanceID == s.id {
		was = s.disconnectFromSignal(e.Signal, e.SlotInstanceID, e.Slot)
	} else {
		err = s.Request(e.SignalInstanceID, "slotDisconnectFromSignal", e.Signal, e.SlotInstanceID, e.Slot).
			Receive(ctx, &was)
	}

	var unsubErr error
	if e.SlotInstanceID == s.id {
		_, unsubErr = s.unsubscribeRemoteSignal(ctx, e.SignalInstanceID, e.Signal, e.Slot)
	} else {
		var ok bool
		unsubErr = s.Request(e.SlotInstanceID, "slotUnsubscribeRemoteSignal", e.SignalInstanceID, e.Signal, e.Slot).
			Receive(ctx, &ok)
	}

	switch {
	case err != nil:
		return err
	case unsubErr != nil:
		return unsubErr
	case !was:
		return errors.SignalSlotf("edge %s was not connected", e)
	}
	s.logger.Debug("Disconnected", "edge", e.String())
	return nil
}

// subscribeRemoteSignal makes this instance receive the signal for slot,
// through the broker and, when the signal owner offers it, point-to-point
func (s *SignalSlotable) subscribeRemoteSignal(ctx context.Context, signalInstanceID, signalName, slotName string) error {
	key := Edge{signalInstanceID, signalName, s.id, slotName}

	s.subsMu.Lock()
	_, exists := s.slotSubs[key]
	s.slotSubs[key] = struct{}{}
	s.subsMu.Unlock()

	if !exists {
		if err := s.broker.SubscribeToRemoteSignal(ctx, signalInstanceID, signalName); err != nil {
			s.subsMu.Lock()
			delete(s.slotSubs, key)
			s.subsMu.Unlock()
			return err
		}
	}
	s.connectP2P(ctx, signalInstanceID)
	return nil
}

// unsubscribeRemoteSignal reverses subscribeRemoteSignal, reporting whether
// the subscription existed
func (s *SignalSlotable) unsubscribeRemoteSignal(ctx context.Context, signalInstanceID, signalName, slotName string) (bool, error) {
	key := Edge{signalInstanceID, signalName, s.id, slotName}

	s.subsMu.Lock()
	if _, ok := s.slotSubs[key]; !ok {
		s.subsMu.Unlock()
		return false, nil
	}
	delete(s.slotSubs, key)
	lastOfInstance := true
	for k := range s.slotSubs {
		if k.SignalInstanceID == signalInstanceID {
			lastOfInstance = false
			break
		}
	}
	s.subsMu.Unlock()

	if lastOfInstance && s.consumer != nil {
		s.consumer.Disconnect(signalInstanceID, s.id)
	}
	return true, s.broker.UnsubscribeFromRemoteSignal(ctx, signalInstanceID, signalName)
}

// connectP2P subscribes to a signal owner's producer if it advertises one
func (s *SignalSlotable) connectP2P(ctx context.Context, signalInstanceID string) {
	if s.consumer == nil || signalInstanceID == s.id || s.consumer.IsConnected(signalInstanceID, s.id) {
		return
	}
	info := s.lookupInfo(ctx, signalInstanceID)
	connString := info.GetString("p2p_connection")
	if connString == "" {
		return
	}
	if err := s.consumer.Connect(signalInstanceID, s.id, connString, s.onP2PMessage); err != nil {
		s.logger.Warn("P2P subscription failed, using the broker", "signalInstance", signalInstanceID, "error", err)
	}
}

// lookupInfo finds the info of another instance: tracked, stored, or pinged
func (s *SignalSlotable) lookupInfo(ctx context.Context, instanceID string) message.Hash {
	s.trackMu.Lock()
	if t, ok := s.tracked[instanceID]; ok && t.info != nil {
		info := t.info.Clone()
		s.trackMu.Unlock()
		return info
	}
	s.trackMu.Unlock()

	if store := s.instanceStore(ctx); store != nil {
		if info, err := store.Get(ctx, instanceID); err == nil {
			return info
		}
	}
	_, info := s.Exists(ctx, instanceID)
	return info
}

// reconnectEdges re-establishes the tracked edges with instanceID as an
// endpoint, retrying transient failures
func (s *SignalSlotable) reconnectEdges(instanceID string) {
	s.edgesMu.Lock()
	var edges []Edge
	for e, entry := range s.edges {
		if entry.tracked && (e.SignalInstanceID == instanceID || e.SlotInstanceID == instanceID) {
			edges = append(edges, e)
		}
	}
	s.edgesMu.Unlock()

	for _, e := range edges {
		t := s.takeTurn(e)
		started := s.goBackground(func() {
			t.wait()
			defer t.done()

			cfg := retry.Reconnect()
			cfg.RetryIf = errors.IsTransient
			err := retry.Do(s.ctx, cfg, func() error {
				ctx, cancel := context.WithTimeout(s.ctx, s.cfg.RequestTimeout)
				defer cancel()
				return s.connectTurn(ctx, e, true)
			})
			if err != nil {
				s.logger.Warn("Reconnect failed", "edge", e.String(), "error", err)
				return
			}
			s.logger.Info("Reconnected", "edge", e.String())
		})
		if !started {
			go func() {
				t.wait()
				t.done()
			}()
		}
	}
}

// loseEdges marks the tracked edges with instanceID as an endpoint
// unconnected; they stay tracked for reconnection
func (s *SignalSlotable) loseEdges(instanceID string) {
	s.edgesMu.Lock()
	defer s.edgesMu.Unlock()
	for e, entry := range s.edges {
		if entry.tracked && (e.SignalInstanceID == instanceID || e.SlotInstanceID == instanceID) {
			entry.state = Unconnected
		}
	}
}
