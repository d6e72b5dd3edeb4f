package broker

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/c360/sigslot/errors"
	"github.com/c360/sigslot/message"
	"github.com/c360/sigslot/natsclient"
)

// NATSBroker is a Broker on a NATS server.
//
// Every subscription delivers into one buffered channel drained by a single
// reader goroutine, so all messages addressed to the instance are handled in
// arrival order.
type NATSBroker struct {
	core
	client *natsclient.Client
	ch     chan *nats.Msg

	// session and seq form the ids of published signals
	session string
	seq     atomic.Uint64

	subMu      sync.Mutex
	signalSubs map[subKey]*nats.Subscription
	readSubs   []*nats.Subscription

	readMu   sync.Mutex
	stop     chan struct{}
	readDone chan struct{}

	storeMu sync.Mutex
	store   *kvInstances
}

// NewNATSBroker creates an unconnected broker for the NATS servers in cfg.URLs
func NewNATSBroker(cfg Config, opts ...Option) (*NATSBroker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	b := &NATSBroker{
		ch:         make(chan *nats.Msg, readQueueSize),
		signalSubs: make(map[subKey]*nats.Subscription),
		session:    uuid.NewString(),
	}
	b.init(cfg, opts)

	clientOpts := []natsclient.ClientOption{
		natsclient.WithName("sigslot/" + cfg.InstanceID),
		natsclient.WithSlogLogger(b.logger),
		natsclient.WithTimeout(cfg.timeout()),
		natsclient.WithTLS(cfg.TLS),
		natsclient.WithDisconnectCallback(b.handleDisconnect),
		natsclient.WithReconnectCallback(b.handleReconnect),
		natsclient.WithConnectionLostCallback(b.handleConnectionLost),
		natsclient.WithAsyncErrorCallback(b.handleAsyncError),
	}
	if cfg.Username != "" {
		clientOpts = append(clientOpts, natsclient.WithCredentials(cfg.Username, cfg.Password))
	}
	if cfg.Token != "" {
		clientOpts = append(clientOpts, natsclient.WithToken(cfg.Token))
	}

	client, err := natsclient.NewClient(natsURL(cfg.URLs), clientOpts...)
	if err != nil {
		return nil, err
	}
	b.client = client
	return b, nil
}

// natsURL joins the server list the way nats.Connect expects it. tls://
// endpoints are passed on unchanged; nats.go enables TLS for them.
func natsURL(urls []string) string {
	return strings.Join(urls, ",")
}

// Client exposes the underlying connection manager
func (b *NATSBroker) Client() *natsclient.Client {
	return b.client
}

func (b *NATSBroker) Connect(ctx context.Context) error {
	if b.client.Status() == natsclient.StatusConnected {
		return nil
	}
	if err := b.client.Connect(ctx); err != nil {
		return errors.WrapKind(errors.KindConnection, err, "connect %s to %s", b.cfg.InstanceID, b.URL())
	}

	// re-establish signal subscriptions of a previous session
	for _, key := range b.subscriptions() {
		if err := b.subscribe(key); err != nil {
			b.logger.Warn("Cannot restore subscription", "signal_instance", key.instanceID,
				"signal", key.signal, "error", err)
		}
	}
	if err := b.client.Flush(ctx); err != nil {
		b.logger.Warn("Flush after connect failed", "error", err)
	}

	b.logger.Info("Connected to broker", "url", b.URL())
	b.notifyConnection(true)
	return nil
}

func (b *NATSBroker) ConnectAsync(handler func(error)) {
	runAsync(b.cfg.timeout(), b.Connect, handler, nil)
}

// Disconnect stops reading and closes the connection. The NATS broker does
// not connect again afterwards; Clone it for a new session.
func (b *NATSBroker) Disconnect(ctx context.Context) error {
	b.StopReading()

	b.subMu.Lock()
	for key, sub := range b.signalSubs {
		_ = b.client.Unsubscribe(sub)
		delete(b.signalSubs, key)
	}
	b.subMu.Unlock()

	wasConnected := b.client.Status() == natsclient.StatusConnected
	if err := b.client.Close(ctx); err != nil {
		return errors.WrapTransient(err, "NATSBroker", "Disconnect", "close connection")
	}
	if wasConnected {
		b.notifyConnection(false)
	}
	return nil
}

func (b *NATSBroker) IsConnected() bool {
	return b.client.Status() == natsclient.StatusConnected
}

func (b *NATSBroker) Clone(instanceID string) (Broker, error) {
	cfg := b.cfg
	cfg.InstanceID = instanceID
	return NewNATSBroker(cfg, b.opts...)
}

func (b *NATSBroker) publish(ctx context.Context, kind, subject, slot string, header, body message.Hash) error {
	data, err := message.Encode(header, body)
	if err != nil {
		return err
	}
	msg := nats.NewMsg(subject)
	msg.Data = data
	if slot != "" {
		msg.Header.Set(slotHeader, slot)
	}
	if kind == kindSignal {
		// a receiver with overlapping subscriptions gets one copy per subscription
		msg.Header.Set(msgIDHeader, b.session+"-"+strconv.FormatUint(b.seq.Add(1), 10))
	}
	if err := b.client.PublishMsg(ctx, msg); err != nil {
		return errors.WrapKind(errors.KindConnection, err, "publish to %s", subject)
	}
	b.metrics.RecordMessageSent(b.cfg.InstanceID, kind)
	return nil
}

func (b *NATSBroker) SendOneToOne(ctx context.Context, targetInstanceID, slotName string, header, body message.Hash) error {
	h := b.outgoing(header, message.FunctionCall,
		message.JoinInstanceIDs(targetInstanceID),
		message.JoinSlotFunctions(map[string][]string{targetInstanceID: {slotName}}))
	return b.publish(ctx, kindOneToOne, SlotsSubject(b.cfg.Domain, targetInstanceID), slotName, h, body)
}

func (b *NATSBroker) SendSignal(ctx context.Context, signalName string, header, body message.Hash) error {
	h := b.outgoing(header, signalName, "", "")
	return b.publish(ctx, kindSignal, SignalSubject(b.cfg.Domain, b.cfg.InstanceID, signalName), "", h, body)
}

func (b *NATSBroker) SendBroadcast(ctx context.Context, slotName string, header, body message.Hash) error {
	h := b.outgoing(header, message.FunctionCall,
		message.JoinInstanceIDs(Wildcard),
		message.JoinSlotFunctions(map[string][]string{Wildcard: {slotName}}))
	return b.publish(ctx, kindBroadcast, GlobalSlotsSubject(b.cfg.Domain, slotName), slotName, h, body)
}

// subscribe creates the transport subscription of key unless it exists
func (b *NATSBroker) subscribe(key subKey) error {
	b.subMu.Lock()
	defer b.subMu.Unlock()
	if _, ok := b.signalSubs[key]; ok {
		return nil
	}
	sub, err := b.client.ChanSubscribe(SignalSubject(b.cfg.Domain, key.instanceID, key.signal), b.ch)
	if err != nil {
		return err
	}
	b.signalSubs[key] = sub
	return nil
}

func (b *NATSBroker) SubscribeToRemoteSignal(ctx context.Context, signalInstanceID, signalName string) error {
	if err := ValidateName(signalName); err != nil {
		return err
	}
	key := subKey{signalInstanceID, signalName}
	return b.subscribeRef(ctx, key, func(ctx context.Context) error {
		if err := b.subscribe(key); err != nil {
			return errors.WrapKind(errors.KindConnection, err, "subscribe to %s.%s", signalInstanceID, signalName)
		}
		// the subscription is active on the server once the flush round-trip completed
		if err := b.client.Flush(ctx); err != nil {
			b.dropSubscription(key)
			return errors.WrapKind(errors.KindTimeout, err, "confirm subscription to %s.%s", signalInstanceID, signalName)
		}
		return nil
	})
}

func (b *NATSBroker) SubscribeToRemoteSignalAsync(signalInstanceID, signalName string, handler func(error)) {
	runAsync(b.cfg.timeout(), func(ctx context.Context) error {
		return b.SubscribeToRemoteSignal(ctx, signalInstanceID, signalName)
	}, handler, b.subscriptionFailed)
}

func (b *NATSBroker) UnsubscribeFromRemoteSignal(_ context.Context, signalInstanceID, signalName string) error {
	key := subKey{signalInstanceID, signalName}
	if !b.release(key) {
		return nil
	}

	if err := b.dropSubscription(key); err != nil {
		return errors.WrapKind(errors.KindConnection, err, "unsubscribe from %s.%s", signalInstanceID, signalName)
	}
	return nil
}

// dropSubscription removes the transport subscription of key
func (b *NATSBroker) dropSubscription(key subKey) error {
	b.subMu.Lock()
	sub, ok := b.signalSubs[key]
	delete(b.signalSubs, key)
	b.subMu.Unlock()
	if !ok {
		return nil
	}
	return b.client.Unsubscribe(sub)
}

func (b *NATSBroker) UnsubscribeFromRemoteSignalAsync(signalInstanceID, signalName string, handler func(error)) {
	runAsync(b.cfg.timeout(), func(ctx context.Context) error {
		return b.UnsubscribeFromRemoteSignal(ctx, signalInstanceID, signalName)
	}, handler, b.subscriptionFailed)
}

func (b *NATSBroker) subscriptionFailed(err error) {
	b.notifyError(ErrorSubscription, err.Error())
}

func (b *NATSBroker) StartReading(onMessage ReadHandler, onError ErrorNotifier) error {
	if onMessage == nil {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "NATSBroker", "StartReading", "nil read handler")
	}

	b.readMu.Lock()
	defer b.readMu.Unlock()
	if b.stop != nil {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "NATSBroker", "StartReading", "start reading")
	}

	b.mu.Lock()
	b.onMessage, b.onError = onMessage, onError
	consumeBroadcasts := b.consumeBroadcasts
	b.mu.Unlock()

	subjects := []string{SlotsSubject(b.cfg.Domain, b.cfg.InstanceID)}
	if consumeBroadcasts {
		subjects = append(subjects, GlobalSlotsWildcard(b.cfg.Domain))
	}

	var subs []*nats.Subscription
	for _, subject := range subjects {
		sub, err := b.client.ChanSubscribe(subject, b.ch)
		if err != nil {
			for _, s := range subs {
				_ = b.client.Unsubscribe(s)
			}
			return errors.WrapKind(errors.KindConnection, err, "subscribe to %s", subject)
		}
		subs = append(subs, sub)
	}

	ctx, cancel := context.WithTimeout(context.Background(), b.cfg.timeout())
	defer cancel()
	if err := b.client.Flush(ctx); err != nil {
		for _, s := range subs {
			_ = b.client.Unsubscribe(s)
		}
		return errors.WrapKind(errors.KindTimeout, err, "confirm read subscriptions of %s", b.cfg.InstanceID)
	}

	b.subMu.Lock()
	b.readSubs = subs
	b.subMu.Unlock()

	b.stop = make(chan struct{})
	b.readDone = make(chan struct{})
	go b.readLoop(onMessage, b.stop, b.readDone)

	b.logger.Debug("Started reading", "subjects", subjects)
	return nil
}

func (b *NATSBroker) readLoop(handler ReadHandler, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	seen := newRecentIDs(dedupeWindow)
	for {
		select {
		case <-stop:
			return
		case msg := <-b.ch:
			if !seen.add(msg.Header.Get(msgIDHeader)) {
				continue
			}
			b.dispatch(handler, msg.Subject, msg.Header.Get(slotHeader), msg.Data)
		}
	}
}

func (b *NATSBroker) StopReading() {
	b.readMu.Lock()
	stop, done := b.stop, b.readDone
	b.stop, b.readDone = nil, nil
	b.readMu.Unlock()

	if stop == nil {
		return
	}

	b.subMu.Lock()
	subs := b.readSubs
	b.readSubs = nil
	b.subMu.Unlock()
	for _, sub := range subs {
		_ = b.client.Unsubscribe(sub)
	}

	close(stop)
	<-done

	b.mu.Lock()
	b.onMessage, b.onError = nil, nil
	b.mu.Unlock()
}

func (b *NATSBroker) Instances(ctx context.Context) (InstanceStore, error) {
	b.storeMu.Lock()
	defer b.storeMu.Unlock()
	if b.store != nil {
		return b.store, nil
	}
	store, err := newKVInstances(ctx, b.client, b.cfg)
	if err != nil {
		return nil, errors.Wrap(err, "NATSBroker", "Instances", "open instance bucket")
	}
	b.store = store
	return store, nil
}

func (b *NATSBroker) handleDisconnect(err error) {
	desc := "disconnected from " + b.URL()
	if err != nil {
		desc += ": " + err.Error()
	}
	b.notifyError(ErrorConnection, desc)
	b.notifyConnection(false)
}

func (b *NATSBroker) handleReconnect() {
	b.logger.Info("Reconnected to broker", "url", b.URL())
	b.notifyConnection(true)
}

func (b *NATSBroker) handleConnectionLost(err error) {
	b.logger.Error("Broker connection lost", "url", b.URL(), "error", err)
	b.notifyError(ErrorConnection, "connection lost: "+errString(err))
}

func (b *NATSBroker) handleAsyncError(subject string, err error) {
	if errors.Is(err, nats.ErrSlowConsumer) {
		b.notifyError(ErrorDrop, "slow consumer on "+subject+", messages dropped")
		return
	}
	b.notifyError(ErrorUnknown, errString(err))
}

func errString(err error) string {
	if err == nil {
		return "unknown error"
	}
	return err.Error()
}
