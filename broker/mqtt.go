package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/c360/sigslot/errors"
	"github.com/c360/sigslot/message"
	"github.com/c360/sigslot/pkg/tlsutil"
)

// QoS of all publications and subscriptions. At-least-once keeps slot calls
// from silently vanishing on a reconnect.
const mqttQoS byte = 1

// disconnectQuiesce is how long (ms) Disconnect lets in-flight work finish
const disconnectQuiesce = 250

// MQTTBroker is a Broker on an MQTT 3.1.1 server.
//
// All subscriptions feed one buffered channel drained by a single reader
// goroutine. The one-to-one slot and the broadcast slot travel in the last
// topic level since MQTT 3.1.1 messages carry no headers. Instance records
// are retained messages below <domain>/instances.
type MQTTBroker struct {
	core
	client mqtt.Client
	ch     chan mqtt.Message

	// set once the first Connect succeeded; later OnConnect calls are reconnects
	session atomic.Bool

	subMu      sync.Mutex
	readTopics []string

	readMu   sync.Mutex
	stop     chan struct{}
	readDone chan struct{}

	storeMu sync.Mutex
	store   *retainedInstances
}

// NewMQTTBroker creates an unconnected broker for the MQTT servers in
// cfg.URLs. mqtt:// and mqtts:// are accepted next to paho's tcp:// and
// ssl://.
func NewMQTTBroker(cfg Config, opts ...Option) (*MQTTBroker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := validateTopicDomain(cfg.Domain); err != nil {
		return nil, err
	}

	b := &MQTTBroker{ch: make(chan mqtt.Message, readQueueSize)}
	b.init(cfg, opts)

	clientOpts := mqtt.NewClientOptions()
	for _, u := range cfg.URLs {
		clientOpts.AddBroker(pahoURL(u))
	}
	clientOpts.SetClientID(cfg.Domain + "-" + escapeTopicLevel(cfg.InstanceID))
	clientOpts.SetCleanSession(true)
	clientOpts.SetOrderMatters(true)
	clientOpts.SetAutoReconnect(true)
	clientOpts.SetConnectRetry(false)
	clientOpts.SetConnectTimeout(cfg.timeout())
	clientOpts.SetMaxReconnectInterval(30 * time.Second)
	clientOpts.SetOnConnectHandler(b.handleConnect)
	clientOpts.SetConnectionLostHandler(b.handleConnectionLost)
	clientOpts.SetReconnectingHandler(func(mqtt.Client, *mqtt.ClientOptions) {
		b.logger.Debug("Reconnecting to broker", "url", b.URL())
	})

	if cfg.Username != "" {
		clientOpts.SetUsername(cfg.Username)
		clientOpts.SetPassword(cfg.Password)
	}
	if cfg.Token != "" && cfg.Password == "" {
		// token authentication servers expect it as the password
		clientOpts.SetPassword(cfg.Token)
	}

	tlsCfg, err := tlsutil.LoadClientTLSConfig(cfg.TLS)
	if err != nil {
		return nil, err
	}
	if tlsCfg != nil {
		clientOpts.SetTLSConfig(tlsCfg)
	}

	b.client = mqtt.NewClient(clientOpts)
	return b, nil
}

// waitToken blocks until the operation behind t completed or ctx ended
func waitToken(ctx context.Context, t mqtt.Token) error {
	select {
	case <-t.Done():
		return t.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *MQTTBroker) Connect(ctx context.Context) error {
	if b.client.IsConnectionOpen() {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, b.cfg.timeout())
	defer cancel()
	if err := waitToken(ctx, b.client.Connect()); err != nil {
		return errors.WrapKind(errors.KindConnection, err, "connect %s to %s", b.cfg.InstanceID, b.URL())
	}

	// re-establish signal subscriptions of a previous session
	for _, key := range b.subscriptions() {
		if err := b.subscribe(ctx, key); err != nil {
			b.logger.Warn("Cannot restore subscription", "signal_instance", key.instanceID,
				"signal", key.signal, "error", err)
		}
	}
	b.session.Store(true)

	b.logger.Info("Connected to broker", "url", b.URL())
	b.notifyConnection(true)
	return nil
}

func (b *MQTTBroker) ConnectAsync(handler func(error)) {
	runAsync(b.cfg.timeout(), b.Connect, handler, nil)
}

// Disconnect stops reading and closes the session. Retained instance
// records stay on the server until deleted.
func (b *MQTTBroker) Disconnect(ctx context.Context) error {
	b.StopReading()

	wasConnected := b.client.IsConnectionOpen()
	if wasConnected {
		var topics []string
		for _, key := range b.subscriptions() {
			topics = append(topics, SignalTopic(b.cfg.Domain, key.instanceID, key.signal))
		}
		if len(topics) > 0 {
			if err := waitToken(ctx, b.client.Unsubscribe(topics...)); err != nil {
				b.logger.Debug("Unsubscribe before disconnect failed", "error", err)
			}
		}
	}

	b.session.Store(false)
	b.client.Disconnect(disconnectQuiesce)
	if wasConnected {
		b.notifyConnection(false)
	}
	return nil
}

func (b *MQTTBroker) IsConnected() bool {
	return b.client.IsConnectionOpen()
}

func (b *MQTTBroker) Clone(instanceID string) (Broker, error) {
	cfg := b.cfg
	cfg.InstanceID = instanceID
	return NewMQTTBroker(cfg, b.opts...)
}

func (b *MQTTBroker) publish(ctx context.Context, kind, topic string, header, body message.Hash) error {
	data, err := message.Encode(header, body)
	if err != nil {
		return err
	}
	if !b.client.IsConnectionOpen() {
		return errors.WrapKind(errors.KindConnection, mqtt.ErrNotConnected, "publish to %s", topic)
	}
	if err := waitToken(ctx, b.client.Publish(topic, mqttQoS, false, data)); err != nil {
		return errors.WrapKind(errors.KindConnection, err, "publish to %s", topic)
	}
	b.metrics.RecordMessageSent(b.cfg.InstanceID, kind)
	return nil
}

func (b *MQTTBroker) SendOneToOne(ctx context.Context, targetInstanceID, slotName string, header, body message.Hash) error {
	if err := validateTopicName(slotName); err != nil {
		return err
	}
	h := b.outgoing(header, message.FunctionCall,
		message.JoinInstanceIDs(targetInstanceID),
		message.JoinSlotFunctions(map[string][]string{targetInstanceID: {slotName}}))
	return b.publish(ctx, kindOneToOne, SlotsTopic(b.cfg.Domain, targetInstanceID, slotName), h, body)
}

func (b *MQTTBroker) SendSignal(ctx context.Context, signalName string, header, body message.Hash) error {
	if err := validateTopicName(signalName); err != nil {
		return err
	}
	h := b.outgoing(header, signalName, "", "")
	return b.publish(ctx, kindSignal, SignalTopic(b.cfg.Domain, b.cfg.InstanceID, signalName), h, body)
}

func (b *MQTTBroker) SendBroadcast(ctx context.Context, slotName string, header, body message.Hash) error {
	if err := validateTopicName(slotName); err != nil {
		return err
	}
	h := b.outgoing(header, message.FunctionCall,
		message.JoinInstanceIDs(Wildcard),
		message.JoinSlotFunctions(map[string][]string{Wildcard: {slotName}}))
	return b.publish(ctx, kindBroadcast, GlobalSlotsTopic(b.cfg.Domain, slotName), h, body)
}

// enqueue hands a delivery to the read loop. The client's network loop must
// not block, so a full queue drops.
func (b *MQTTBroker) enqueue(_ mqtt.Client, msg mqtt.Message) {
	select {
	case b.ch <- msg:
	default:
		b.notifyError(ErrorDrop, "read queue full, message on "+msg.Topic()+" dropped")
	}
}

func (b *MQTTBroker) subscribe(ctx context.Context, key subKey) error {
	topic := SignalTopic(b.cfg.Domain, key.instanceID, key.signal)
	return waitToken(ctx, b.client.Subscribe(topic, mqttQoS, b.enqueue))
}

// SubscribeToRemoteSignal returns after the server acknowledged the
// subscription
func (b *MQTTBroker) SubscribeToRemoteSignal(ctx context.Context, signalInstanceID, signalName string) error {
	if err := validateTopicName(signalName); err != nil {
		return err
	}
	key := subKey{signalInstanceID, signalName}
	return b.subscribeRef(ctx, key, func(ctx context.Context) error {
		if err := b.subscribe(ctx, key); err != nil {
			return errors.WrapKind(errors.KindConnection, err, "subscribe to %s.%s", signalInstanceID, signalName)
		}
		return nil
	})
}

func (b *MQTTBroker) SubscribeToRemoteSignalAsync(signalInstanceID, signalName string, handler func(error)) {
	runAsync(b.cfg.timeout(), func(ctx context.Context) error {
		return b.SubscribeToRemoteSignal(ctx, signalInstanceID, signalName)
	}, handler, b.subscriptionFailed)
}

func (b *MQTTBroker) UnsubscribeFromRemoteSignal(ctx context.Context, signalInstanceID, signalName string) error {
	if !b.release(subKey{signalInstanceID, signalName}) {
		return nil
	}
	topic := SignalTopic(b.cfg.Domain, signalInstanceID, signalName)
	if err := waitToken(ctx, b.client.Unsubscribe(topic)); err != nil {
		return errors.WrapKind(errors.KindConnection, err, "unsubscribe from %s.%s", signalInstanceID, signalName)
	}
	return nil
}

func (b *MQTTBroker) UnsubscribeFromRemoteSignalAsync(signalInstanceID, signalName string, handler func(error)) {
	runAsync(b.cfg.timeout(), func(ctx context.Context) error {
		return b.UnsubscribeFromRemoteSignal(ctx, signalInstanceID, signalName)
	}, handler, b.subscriptionFailed)
}

func (b *MQTTBroker) subscriptionFailed(err error) {
	b.notifyError(ErrorSubscription, err.Error())
}

// readFilters returns the topic filters of the instance's own slots and,
// if consumed, the broadcasts
func (b *MQTTBroker) readFilters() map[string]byte {
	b.mu.Lock()
	consumeBroadcasts := b.consumeBroadcasts
	b.mu.Unlock()

	filters := map[string]byte{SlotsTopic(b.cfg.Domain, b.cfg.InstanceID, mqttSingleLevel): mqttQoS}
	if consumeBroadcasts {
		filters[GlobalSlotsTopic(b.cfg.Domain, mqttSingleLevel)] = mqttQoS
	}
	return filters
}

func (b *MQTTBroker) StartReading(onMessage ReadHandler, onError ErrorNotifier) error {
	if onMessage == nil {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "MQTTBroker", "StartReading", "nil read handler")
	}

	b.readMu.Lock()
	defer b.readMu.Unlock()
	if b.stop != nil {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "MQTTBroker", "StartReading", "start reading")
	}

	b.mu.Lock()
	b.onMessage, b.onError = onMessage, onError
	b.mu.Unlock()

	filters := b.readFilters()
	ctx, cancel := context.WithTimeout(context.Background(), b.cfg.timeout())
	defer cancel()
	if err := waitToken(ctx, b.client.SubscribeMultiple(filters, b.enqueue)); err != nil {
		return errors.WrapKind(errors.KindConnection, err, "subscribe read topics of %s", b.cfg.InstanceID)
	}

	topics := make([]string, 0, len(filters))
	for topic := range filters {
		topics = append(topics, topic)
	}
	b.subMu.Lock()
	b.readTopics = topics
	b.subMu.Unlock()

	b.stop = make(chan struct{})
	b.readDone = make(chan struct{})
	go b.readLoop(onMessage, b.stop, b.readDone)

	b.logger.Debug("Started reading", "topics", topics)
	return nil
}

func (b *MQTTBroker) readLoop(handler ReadHandler, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	for {
		select {
		case <-stop:
			return
		case msg := <-b.ch:
			subject, slot, ok := topicToSubject(b.cfg.Domain, msg.Topic())
			if !ok {
				b.notifyError(ErrorUnknown, "message on unexpected topic "+msg.Topic())
				continue
			}
			b.dispatch(handler, subject, slot, msg.Payload())
		}
	}
}

func (b *MQTTBroker) StopReading() {
	b.readMu.Lock()
	stop, done := b.stop, b.readDone
	b.stop, b.readDone = nil, nil
	b.readMu.Unlock()

	if stop == nil {
		return
	}

	b.subMu.Lock()
	topics := b.readTopics
	b.readTopics = nil
	b.subMu.Unlock()
	if len(topics) > 0 && b.client.IsConnectionOpen() {
		b.client.Unsubscribe(topics...).WaitTimeout(b.cfg.timeout())
	}

	close(stop)
	<-done

	b.mu.Lock()
	b.onMessage, b.onError = nil, nil
	b.mu.Unlock()
}

func (b *MQTTBroker) Instances(ctx context.Context) (InstanceStore, error) {
	b.storeMu.Lock()
	defer b.storeMu.Unlock()
	if b.store != nil {
		return b.store, nil
	}
	store, err := newRetainedInstances(ctx, b.client, b.cfg.Domain)
	if err != nil {
		return nil, errors.Wrap(err, "MQTTBroker", "Instances", "subscribe to instance records")
	}
	b.store = store
	return store, nil
}

// handleConnect runs on every (re)connection. The clean session forgets
// subscriptions, so a reconnect restores them.
func (b *MQTTBroker) handleConnect(_ mqtt.Client) {
	if !b.session.Load() {
		return
	}
	b.logger.Info("Reconnected to broker", "url", b.URL())

	ctx, cancel := context.WithTimeout(context.Background(), b.cfg.timeout())
	defer cancel()

	b.subMu.Lock()
	reading := len(b.readTopics) > 0
	b.subMu.Unlock()
	if reading {
		if err := waitToken(ctx, b.client.SubscribeMultiple(b.readFilters(), b.enqueue)); err != nil {
			b.notifyError(ErrorSubscription, "restore read topics: "+err.Error())
		}
	}
	for _, key := range b.subscriptions() {
		if err := b.subscribe(ctx, key); err != nil {
			b.notifyError(ErrorSubscription, fmt.Sprintf("restore %s.%s: %v", key.instanceID, key.signal, err))
		}
	}

	b.storeMu.Lock()
	store := b.store
	b.storeMu.Unlock()
	if store != nil {
		if err := store.resubscribe(ctx); err != nil {
			b.notifyError(ErrorSubscription, "restore instance records: "+err.Error())
		}
	}

	b.notifyConnection(true)
}

func (b *MQTTBroker) handleConnectionLost(_ mqtt.Client, err error) {
	b.logger.Error("Broker connection lost", "url", b.URL(), "error", err)
	b.notifyError(ErrorConnection, "connection lost: "+errString(err))
	b.notifyConnection(false)
}

// retainedInstances is an InstanceStore on retained MQTT messages. Reads
// are served from a local view fed by a subscription to all records of the
// domain; an empty retained payload deletes a record. MQTT 3.1.1 has no
// message expiry, so InstanceTTL does not apply.
type retainedInstances struct {
	client mqtt.Client
	domain string

	mu        sync.RWMutex
	instances map[string]message.Hash
}

func newRetainedInstances(ctx context.Context, client mqtt.Client, domain string) (*retainedInstances, error) {
	s := &retainedInstances{
		client:    client,
		domain:    domain,
		instances: make(map[string]message.Hash),
	}
	if err := s.resubscribe(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *retainedInstances) resubscribe(ctx context.Context) error {
	return waitToken(ctx, s.client.Subscribe(InstanceTopic(s.domain, Wildcard), mqttQoS, s.receive))
}

func (s *retainedInstances) receive(_ mqtt.Client, msg mqtt.Message) {
	id, ok := instanceFromTopic(s.domain, msg.Topic())
	if !ok {
		return
	}
	if len(msg.Payload()) == 0 {
		s.mu.Lock()
		delete(s.instances, id)
		s.mu.Unlock()
		return
	}
	info, err := decodeInfo(msg.Payload())
	if err != nil {
		return
	}
	s.mu.Lock()
	s.instances[id] = info
	s.mu.Unlock()
}

func (s *retainedInstances) Put(ctx context.Context, instanceID string, info message.Hash) error {
	data, err := json.Marshal(info)
	if err != nil {
		return errors.WrapInvalid(err, "InstanceStore", "Put", "marshal instance info")
	}
	if err := waitToken(ctx, s.client.Publish(InstanceTopic(s.domain, instanceID), mqttQoS, true, data)); err != nil {
		return errors.WrapKind(errors.KindConnection, err, "store instance %s", instanceID)
	}
	s.mu.Lock()
	s.instances[instanceID] = info.Clone()
	s.mu.Unlock()
	return nil
}

func (s *retainedInstances) Get(_ context.Context, instanceID string) (message.Hash, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	info, ok := s.instances[instanceID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrInstanceNotFound, instanceID)
	}
	return info.Clone(), nil
}

func (s *retainedInstances) Delete(ctx context.Context, instanceID string) error {
	if err := waitToken(ctx, s.client.Publish(InstanceTopic(s.domain, instanceID), mqttQoS, true, []byte{})); err != nil {
		return errors.WrapKind(errors.KindConnection, err, "delete instance %s", instanceID)
	}
	s.mu.Lock()
	delete(s.instances, instanceID)
	s.mu.Unlock()
	return nil
}

func (s *retainedInstances) List(_ context.Context) (map[string]message.Hash, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]message.Hash, len(s.instances))
	for id, info := range s.instances {
		out[id] = info.Clone()
	}
	return out, nil
}
