package broker

import (
	"context"
	"net/url"
	"sync"
	"time"

	"github.com/c360/sigslot/errors"
	"github.com/c360/sigslot/message"
	"github.com/c360/sigslot/pkg/worker"
)

// hub is a process-local message switch shared by all memory brokers with
// the same URL
type hub struct {
	name string

	mu        sync.RWMutex
	endpoints map[*MemoryBroker]struct{}
	instances *memoryInstances
}

var hubs = struct {
	sync.Mutex
	m map[string]*hub
}{m: make(map[string]*hub)}

// hubFor returns the hub named by a mem:// URL, creating it on first use
func hubFor(rawURL string) (*hub, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, errors.WrapInvalid(err, "broker", "hubFor", "parse memory URL")
	}
	name := u.Host + u.Path

	hubs.Lock()
	defer hubs.Unlock()
	h, ok := hubs.m[name]
	if !ok {
		h = &hub{
			name:      name,
			endpoints: make(map[*MemoryBroker]struct{}),
			instances: newMemoryInstances(),
		}
		hubs.m[name] = h
	}
	return h, nil
}

func (h *hub) attach(b *MemoryBroker) {
	h.mu.Lock()
	h.endpoints[b] = struct{}{}
	h.mu.Unlock()
}

func (h *hub) detach(b *MemoryBroker) {
	h.mu.Lock()
	delete(h.endpoints, b)
	h.mu.Unlock()
}

// publish hands a copy of the delivery to every matching subscription.
// Deliveries of one publisher reach each endpoint in publish order.
func (h *hub) publish(env envelope) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for b := range h.endpoints {
		b.offer(env)
	}
}

// envelope is one delivery as it travels through the hub
type envelope struct {
	subject string
	slot    string
	data    []byte
}

// MemoryBroker is a Broker connecting instances of one process through a
// shared hub. It encodes every message exactly like the NATS transport.
type MemoryBroker struct {
	core
	hub *hub

	connMu    sync.Mutex
	connected bool
	cancel    context.CancelFunc
	pool      *worker.Pool[envelope]

	// guarded by readMu
	readMu   sync.Mutex
	patterns map[string]int
	reading  bool
	handler  ReadHandler
	backlog  []envelope
}

// NewMemoryBroker creates an unconnected broker on the hub named by cfg.URLs[0]
func NewMemoryBroker(cfg Config, opts ...Option) (*MemoryBroker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	h, err := hubFor(cfg.URLs[0])
	if err != nil {
		return nil, err
	}
	b := &MemoryBroker{
		hub:      h,
		patterns: make(map[string]int),
	}
	b.init(cfg, opts)
	return b, nil
}

func (b *MemoryBroker) Connect(_ context.Context) error {
	b.connMu.Lock()
	if b.connected {
		b.connMu.Unlock()
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	pool := worker.NewPool[envelope](1, 0, b.deliver,
		worker.WithErrorHandler[envelope](func(env envelope, err error) {
			b.logger.Error("Read handler failed", "subject", env.subject, "error", err)
		}))
	if err := pool.Start(ctx); err != nil {
		cancel()
		b.connMu.Unlock()
		return errors.WrapFatal(err, "MemoryBroker", "Connect", "start delivery queue")
	}
	b.pool = pool
	b.cancel = cancel
	b.connected = true
	b.connMu.Unlock()

	for _, key := range b.subscriptions() {
		b.addPattern(SignalSubject(b.cfg.Domain, key.instanceID, key.signal))
	}
	b.hub.attach(b)
	b.logger.Debug("Connected to memory hub", "hub", b.hub.name)
	b.notifyConnection(true)
	return nil
}

func (b *MemoryBroker) ConnectAsync(handler func(error)) {
	runAsync(b.cfg.timeout(), b.Connect, handler, nil)
}

func (b *MemoryBroker) Disconnect(_ context.Context) error {
	b.connMu.Lock()
	if !b.connected {
		b.connMu.Unlock()
		return nil
	}
	b.connected = false
	pool, cancel := b.pool, b.cancel
	b.pool, b.cancel = nil, nil
	b.connMu.Unlock()

	b.StopReading()
	b.hub.detach(b)

	b.readMu.Lock()
	clear(b.patterns)
	b.backlog = nil
	b.readMu.Unlock()

	_ = pool.Stop(time.Second)
	cancel()
	b.notifyConnection(false)
	return nil
}

func (b *MemoryBroker) IsConnected() bool {
	b.connMu.Lock()
	defer b.connMu.Unlock()
	return b.connected
}

func (b *MemoryBroker) Clone(instanceID string) (Broker, error) {
	cfg := b.cfg
	cfg.InstanceID = instanceID
	return NewMemoryBroker(cfg, b.opts...)
}

func (b *MemoryBroker) send(kind, subject, slot string, header, body message.Hash) error {
	if !b.IsConnected() {
		return errors.WrapKind(errors.KindConnection, errors.ErrNoConnection, "memory broker %s", b.cfg.InstanceID)
	}
	data, err := message.Encode(header, body)
	if err != nil {
		return err
	}
	b.metrics.RecordMessageSent(b.cfg.InstanceID, kind)
	b.hub.publish(envelope{subject: subject, slot: slot, data: data})
	return nil
}

func (b *MemoryBroker) SendOneToOne(_ context.Context, targetInstanceID, slotName string, header, body message.Hash) error {
	h := b.outgoing(header, message.FunctionCall,
		message.JoinInstanceIDs(targetInstanceID),
		message.JoinSlotFunctions(map[string][]string{targetInstanceID: {slotName}}))
	return b.send(kindOneToOne, SlotsSubject(b.cfg.Domain, targetInstanceID), slotName, h, body)
}

func (b *MemoryBroker) SendSignal(_ context.Context, signalName string, header, body message.Hash) error {
	h := b.outgoing(header, signalName, "", "")
	return b.send(kindSignal, SignalSubject(b.cfg.Domain, b.cfg.InstanceID, signalName), "", h, body)
}

func (b *MemoryBroker) SendBroadcast(_ context.Context, slotName string, header, body message.Hash) error {
	h := b.outgoing(header, message.FunctionCall,
		message.JoinInstanceIDs(Wildcard),
		message.JoinSlotFunctions(map[string][]string{Wildcard: {slotName}}))
	return b.send(kindBroadcast, GlobalSlotsSubject(b.cfg.Domain, slotName), slotName, h, body)
}

func (b *MemoryBroker) SubscribeToRemoteSignal(ctx context.Context, signalInstanceID, signalName string) error {
	if err := ValidateName(signalName); err != nil {
		return err
	}
	if !b.IsConnected() {
		return errors.WrapKind(errors.KindConnection, errors.ErrNoConnection, "subscribe to %s.%s", signalInstanceID, signalName)
	}
	return b.subscribeRef(ctx, subKey{signalInstanceID, signalName}, func(context.Context) error {
		b.addPattern(SignalSubject(b.cfg.Domain, signalInstanceID, signalName))
		return nil
	})
}

func (b *MemoryBroker) SubscribeToRemoteSignalAsync(signalInstanceID, signalName string, handler func(error)) {
	runAsync(b.cfg.timeout(), func(ctx context.Context) error {
		return b.SubscribeToRemoteSignal(ctx, signalInstanceID, signalName)
	}, handler, b.subscriptionFailed)
}

func (b *MemoryBroker) UnsubscribeFromRemoteSignal(_ context.Context, signalInstanceID, signalName string) error {
	if b.release(subKey{signalInstanceID, signalName}) {
		b.removePattern(SignalSubject(b.cfg.Domain, signalInstanceID, signalName))
	}
	return nil
}

func (b *MemoryBroker) UnsubscribeFromRemoteSignalAsync(signalInstanceID, signalName string, handler func(error)) {
	runAsync(b.cfg.timeout(), func(ctx context.Context) error {
		return b.UnsubscribeFromRemoteSignal(ctx, signalInstanceID, signalName)
	}, handler, b.subscriptionFailed)
}

func (b *MemoryBroker) subscriptionFailed(err error) {
	b.notifyError(ErrorSubscription, err.Error())
}

func (b *MemoryBroker) StartReading(onMessage ReadHandler, onError ErrorNotifier) error {
	if onMessage == nil {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "MemoryBroker", "StartReading", "nil read handler")
	}
	if !b.IsConnected() {
		return errors.WrapKind(errors.KindConnection, errors.ErrNoConnection, "start reading %s", b.cfg.InstanceID)
	}

	b.mu.Lock()
	b.onMessage, b.onError = onMessage, onError
	consumeBroadcasts := b.consumeBroadcasts
	b.mu.Unlock()

	b.readMu.Lock()
	defer b.readMu.Unlock()
	if b.reading {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "MemoryBroker", "StartReading", "start reading")
	}
	b.patterns[SlotsSubject(b.cfg.Domain, b.cfg.InstanceID)]++
	if consumeBroadcasts {
		b.patterns[GlobalSlotsWildcard(b.cfg.Domain)]++
	}
	b.reading = true
	b.handler = onMessage
	for _, env := range b.backlog {
		b.submit(env)
	}
	b.backlog = nil
	return nil
}

func (b *MemoryBroker) StopReading() {
	b.readMu.Lock()
	if b.reading {
		b.reading = false
		b.handler = nil
		b.dropPatternLocked(SlotsSubject(b.cfg.Domain, b.cfg.InstanceID))
		b.dropPatternLocked(GlobalSlotsWildcard(b.cfg.Domain))
	}
	b.readMu.Unlock()

	b.mu.Lock()
	b.onMessage, b.onError = nil, nil
	b.mu.Unlock()
}

func (b *MemoryBroker) Instances(_ context.Context) (InstanceStore, error) {
	return b.hub.instances, nil
}

func (b *MemoryBroker) addPattern(pattern string) {
	b.readMu.Lock()
	b.patterns[pattern]++
	b.readMu.Unlock()
}

func (b *MemoryBroker) removePattern(pattern string) {
	b.readMu.Lock()
	b.dropPatternLocked(pattern)
	b.readMu.Unlock()
}

func (b *MemoryBroker) dropPatternLocked(pattern string) {
	if n := b.patterns[pattern]; n > 1 {
		b.patterns[pattern] = n - 1
	} else {
		delete(b.patterns, pattern)
	}
}

// offer queues env once per matching subscription, like NATS does for
// overlapping subscriptions of one connection
func (b *MemoryBroker) offer(env envelope) {
	b.readMu.Lock()
	defer b.readMu.Unlock()
	// one delivery however many patterns match
	matched := false
	for pattern := range b.patterns {
		if MatchSubject(pattern, env.subject) {
			matched = true
			break
		}
	}
	if !matched {
		return
	}
	if !b.reading {
		if len(b.backlog) >= readQueueSize {
			b.logger.Warn("Dropping message while not reading", "subject", env.subject)
			return
		}
		b.backlog = append(b.backlog, env)
		return
	}
	b.submit(env)
}

func (b *MemoryBroker) submit(env envelope) {
	b.connMu.Lock()
	pool := b.pool
	b.connMu.Unlock()
	if pool == nil {
		return
	}
	if pool.Pending() >= readQueueSize {
		go b.notifyError(ErrorDrop, "delivery queue full, dropped message on "+env.subject)
		return
	}
	if err := pool.Submit(env); err != nil {
		b.logger.Debug("Delivery rejected", "subject", env.subject, "error", err)
	}
}

func (b *MemoryBroker) deliver(_ context.Context, env envelope) error {
	b.readMu.Lock()
	handler := b.handler
	b.readMu.Unlock()
	if handler == nil {
		return nil
	}
	b.dispatch(handler, env.subject, env.slot, env.data)
	return nil
}
