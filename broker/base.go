package broker

import (
	"context"
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/c360/sigslot/errors"
	"github.com/c360/sigslot/message"
	"github.com/c360/sigslot/metric"
)

// readQueueSize bounds the delivery queue of one broker
const readQueueSize = 65536

// slotHeader carries the addressed slot of a one-to-one message outside the payload
const slotHeader = "Sigslot-Slot"

// Message kinds used in metrics
const (
	kindOneToOne  = "one_to_one"
	kindSignal    = "signal"
	kindBroadcast = "broadcast"
)

type subKey struct {
	instanceID string
	signal     string
}

// core holds what both transports share: identity, options, the reference
// counted signal subscriptions and the registered callbacks
type core struct {
	cfg     Config
	opts    []Option
	logger  *slog.Logger
	metrics *metric.Metrics

	mu                sync.Mutex
	consumeBroadcasts bool
	refs              map[subKey]*subRef
	onMessage         ReadHandler
	onError           ErrorNotifier
	onConnection      []func(bool)
}

func (c *core) init(cfg Config, opts []Option) {
	o := applyOptions(opts)
	c.cfg = cfg
	c.opts = opts
	c.logger = o.logger.With("instance", cfg.InstanceID)
	c.metrics = o.metrics
	c.consumeBroadcasts = true
	c.refs = make(map[subKey]*subRef)
}

func (c *core) URL() string {
	return c.cfg.URLs[0]
}

func (c *core) InstanceID() string {
	return c.cfg.InstanceID
}

func (c *core) Domain() string {
	return c.cfg.Domain
}

func (c *core) SetConsumeBroadcasts(consume bool) {
	c.mu.Lock()
	c.consumeBroadcasts = consume
	c.mu.Unlock()
}

func (c *core) OnConnectionChange(handler func(connected bool)) {
	c.mu.Lock()
	c.onConnection = append(c.onConnection, handler)
	c.mu.Unlock()
}

func (c *core) notifyConnection(connected bool) {
	c.mu.Lock()
	handlers := append([]func(bool){}, c.onConnection...)
	c.mu.Unlock()

	c.metrics.RecordBrokerStatus(c.cfg.InstanceID, connected)
	for _, h := range handlers {
		h(connected)
	}
}

// notifyError reports a read side failure to the registered notifier
func (c *core) notifyError(kind ErrorKind, description string) {
	c.metrics.RecordBrokerError(c.cfg.InstanceID, kind.String())

	c.mu.Lock()
	notifier := c.onError
	c.mu.Unlock()

	if notifier == nil {
		c.logger.Warn("Broker error while not reading", "kind", kind.String(), "error", description)
		return
	}
	notifier(kind, description)
}

// subRef is one reference counted signal subscription. ready is closed once
// the transport call of the first reference settled with err.
type subRef struct {
	n     int
	ready chan struct{}
	err   error
}

// subscribeRef takes a reference on key. The first reference runs
// establish, later ones wait for its outcome. A failed first subscription
// drops the entry, so neither it nor its waiters hold a count.
func (c *core) subscribeRef(ctx context.Context, key subKey, establish func(context.Context) error) error {
	c.mu.Lock()
	ref, exists := c.refs[key]
	if !exists {
		ref = &subRef{ready: make(chan struct{})}
		c.refs[key] = ref
	}
	ref.n++
	c.mu.Unlock()

	if exists {
		select {
		case <-ref.ready:
			return ref.err
		case <-ctx.Done():
			c.release(key)
			return errors.WrapKind(errors.KindTimeout, ctx.Err(), "wait for subscription to %s.%s", key.instanceID, key.signal)
		}
	}

	err := establish(ctx)
	c.mu.Lock()
	ref.err = err
	if err != nil && c.refs[key] == ref {
		delete(c.refs, key)
	}
	c.mu.Unlock()
	close(ref.ready)
	return err
}

// release decrements the subscription count and reports whether it was the last.
// Unknown subscriptions report false.
func (c *core) release(key subKey) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	ref, ok := c.refs[key]
	if !ok {
		return false
	}
	if ref.n <= 1 {
		delete(c.refs, key)
		return true
	}
	ref.n--
	return false
}

func (c *core) subscriptions() []subKey {
	c.mu.Lock()
	defer c.mu.Unlock()
	keys := make([]subKey, 0, len(c.refs))
	for k := range c.refs {
		keys = append(keys, k)
	}
	return keys
}

// outgoing copies header and fills the routing fields the sender left empty
func (c *core) outgoing(header message.Hash, function, slotIDs, slotFunctions string) message.Hash {
	h := message.Hash{}
	if header != nil {
		h = maps.Clone(header)
	}
	if !h.Has(message.KeySignalInstanceID) {
		h.Set(message.KeySignalInstanceID, c.cfg.InstanceID)
	}
	if !h.Has(message.KeySignalFunction) && function != "" {
		h.Set(message.KeySignalFunction, function)
	}
	if !h.Has(message.KeySlotInstanceIDs) && slotIDs != "" {
		h.Set(message.KeySlotInstanceIDs, slotIDs)
	}
	if !h.Has(message.KeySlotFunctions) && slotFunctions != "" {
		h.Set(message.KeySlotFunctions, slotFunctions)
	}
	if !h.Has(message.KeyTimestamp) {
		h.Set(message.KeyTimestamp, message.Timestamp())
	}
	return h
}

// dispatch decodes one delivery and hands it to the read handler
func (c *core) dispatch(handler ReadHandler, subject, slot string, data []byte) {
	kind, name := ParseSubject(c.cfg.Domain, subject)

	msg, err := message.Decode(data)
	if err != nil {
		c.notifyError(ErrorSerializer, "cannot decode message on "+subject+": "+err.Error())
		return
	}

	switch kind {
	case SubjectSlot:
		c.metrics.RecordMessageReceived(c.cfg.InstanceID, kindOneToOne)
		handler(slot, false, msg.Header, msg.Body)
	case SubjectBroadcast:
		c.metrics.RecordMessageReceived(c.cfg.InstanceID, kindBroadcast)
		handler(name, true, msg.Header, msg.Body)
	case SubjectSignal:
		c.metrics.RecordMessageReceived(c.cfg.InstanceID, kindSignal)
		handler("", false, msg.Header, msg.Body)
	default:
		c.notifyError(ErrorUnknown, "message on unexpected subject "+subject)
	}
}

// runAsync executes op in the background and reports the result
func runAsync(timeout time.Duration, op func(context.Context) error, handler func(error), onFail func(error)) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		err := op(ctx)
		if err != nil && onFail != nil {
			onFail(err)
		}
		if handler != nil {
			handler(err)
		}
	}()
}
