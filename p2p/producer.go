package p2p

import (
	"context"
	"crypto/tls"
	"log/slog"
	"maps"
	"net"
	"strings"
	"sync"

	"github.com/c360/sigslot/errors"
	"github.com/c360/sigslot/message"
	"github.com/c360/sigslot/metric"
	"github.com/c360/sigslot/pkg/wire"
)

// Subscription commands sent by consumers
const (
	CommandSubscribe   = "SUBSCRIBE"
	CommandUnsubscribe = "UNSUBSCRIBE"
)

// sendQueueSize bounds the frames waiting for one channel's writer
const sendQueueSize = 4096

// Option configures a Producer or Consumer
type Option func(*options)

type options struct {
	logger  *slog.Logger
	metrics *metric.Metrics
	tls     *tls.Config
	host    string
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithMetrics records channel counts in the registry's core metrics
func WithMetrics(registry *metric.MetricsRegistry) Option {
	return func(o *options) {
		o.metrics = registry.CoreMetrics()
	}
}

// WithTLS secures the listener (producer) or the dialer (consumer)
func WithTLS(cfg *tls.Config) Option {
	return func(o *options) {
		o.tls = cfg
	}
}

// WithHost sets the host advertised in the producer's connection string
func WithHost(host string) Option {
	return func(o *options) {
		o.host = host
	}
}

func applyOptions(component string, opts []Option) options {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default().With("component", component)
	}
	return o
}

// producerChannel is one accepted consumer connection
type producerChannel struct {
	conn *wire.Conn
	send chan []byte
	done chan struct{}

	mu          sync.Mutex
	subscribers map[string]int
}

func (c *producerChannel) has(slotInstanceID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subscribers[slotInstanceID] > 0
}

// enqueue hands a frame to the channel's writer. It reports false once the
// channel is gone.
func (c *producerChannel) enqueue(frame []byte) bool {
	select {
	case c.send <- frame:
		return true
	case <-c.done:
		return false
	}
}

// Producer serves signal emissions directly to subscribed consumers over TCP
type Producer struct {
	opts   options
	logger *slog.Logger

	ln         net.Listener
	connString string

	mu       sync.Mutex
	channels []*producerChannel

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewProducer creates a producer; it accepts consumers after Start
func NewProducer(opts ...Option) *Producer {
	o := applyOptions("p2p-producer", opts)
	return &Producer{
		opts:   o,
		logger: o.logger,
		stop:   make(chan struct{}),
	}
}

// Start listens on addr (":0" picks a free port) and accepts consumers
// until ctx is done or Stop is called
func (p *Producer) Start(ctx context.Context, addr string) error {
	p.mu.Lock()
	if p.ln != nil {
		p.mu.Unlock()
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "Producer", "Start", "start listener")
	}
	ln, err := wire.Listen(addr, p.opts.tls)
	if err != nil {
		p.mu.Unlock()
		return err
	}
	p.ln = ln
	p.connString = wire.ConnectionString(ln, p.opts.host)
	p.mu.Unlock()

	p.wg.Add(1)
	go p.acceptLoop()

	context.AfterFunc(ctx, p.Stop)

	p.logger.Debug("P2P producer listening", "address", p.connString)
	return nil
}

// ConnectionString returns "tcp://host:port" for consumers
func (p *Producer) ConnectionString() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connString
}

// Stop closes the listener and all channels
func (p *Producer) Stop() {
	p.stopOnce.Do(func() {
		close(p.stop)

		p.mu.Lock()
		ln := p.ln
		channels := p.channels
		p.channels = nil
		p.mu.Unlock()

		if ln != nil {
			_ = ln.Close()
		}
		for _, ch := range channels {
			_ = ch.conn.Close()
		}
		p.wg.Wait()
		p.opts.metrics.RecordP2PChannels("producer", 0)
	})
}

func (p *Producer) acceptLoop() {
	defer p.wg.Done()
	for {
		conn, err := p.ln.Accept()
		if err != nil {
			select {
			case <-p.stop:
				return
			default:
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			p.logger.Error("P2P accept failed", "error", err)
			return
		}

		ch := &producerChannel{
			conn:        wire.NewConn(conn),
			send:        make(chan []byte, sendQueueSize),
			done:        make(chan struct{}),
			subscribers: make(map[string]int),
		}

		p.mu.Lock()
		p.channels = append(p.channels, ch)
		n := len(p.channels)
		p.mu.Unlock()
		p.opts.metrics.RecordP2PChannels("producer", n)
		p.logger.Debug("P2P consumer connected", "remote", ch.conn.RemoteAddr())

		p.wg.Add(2)
		go p.readLoop(ch)
		go p.writeLoop(ch)
	}
}

// readLoop handles the subscription commands of one channel
func (p *Producer) readLoop(ch *producerChannel) {
	defer p.wg.Done()
	defer p.removeChannel(ch)

	for {
		frame, err := ch.conn.Read()
		if err != nil {
			select {
			case <-p.stop:
			default:
				p.logger.Debug("P2P channel closed", "remote", ch.conn.RemoteAddr(), "error", err)
			}
			return
		}

		slotInstanceID, command, ok := strings.Cut(string(frame), " ")
		if !ok || slotInstanceID == "" {
			p.logger.Warn("Malformed P2P command", "frame", string(frame))
			continue
		}

		ch.mu.Lock()
		switch command {
		case CommandSubscribe:
			ch.subscribers[slotInstanceID]++
		case CommandUnsubscribe:
			if ch.subscribers[slotInstanceID] <= 1 {
				delete(ch.subscribers, slotInstanceID)
			} else {
				ch.subscribers[slotInstanceID]--
			}
		default:
			p.logger.Warn("Unknown P2P command", "command", command)
		}
		ch.mu.Unlock()
	}
}

func (p *Producer) writeLoop(ch *producerChannel) {
	defer p.wg.Done()
	for {
		select {
		case <-ch.done:
			return
		case frame := <-ch.send:
			if err := ch.conn.Write(frame); err != nil {
				p.logger.Warn("P2P write failed", "remote", ch.conn.RemoteAddr(), "error", err)
				p.removeChannel(ch)
				return
			}
		}
	}
}

// removeChannel drops one failed channel; the others stay intact
func (p *Producer) removeChannel(ch *producerChannel) {
	p.mu.Lock()
	found := false
	for i, c := range p.channels {
		if c == ch {
			p.channels = append(p.channels[:i], p.channels[i+1:]...)
			found = true
			break
		}
	}
	n := len(p.channels)
	p.mu.Unlock()

	ch.mu.Lock()
	select {
	case <-ch.done:
	default:
		close(ch.done)
	}
	ch.mu.Unlock()
	_ = ch.conn.Close()

	if found {
		p.opts.metrics.RecordP2PChannels("producer", n)
	}
}

func (p *Producer) snapshot() []*producerChannel {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*producerChannel(nil), p.channels...)
}

// IsSubscribed reports whether a channel serves slotInstanceID
func (p *Producer) IsSubscribed(slotInstanceID string) bool {
	for _, ch := range p.snapshot() {
		if ch.has(slotInstanceID) {
			return true
		}
	}
	return false
}

// Publish sends the message to the first channel subscribed by
// slotInstanceID and reports whether one accepted it. priority is carried in
// the MQPriority header.
func (p *Producer) Publish(slotInstanceID string, header, body message.Hash, priority int) (bool, error) {
	for _, ch := range p.snapshot() {
		if !ch.has(slotInstanceID) {
			continue
		}
		h := withPriority(header, priority)
		data, err := message.Encode(h, body)
		if err != nil {
			return false, err
		}
		if ch.enqueue(data) {
			return true, nil
		}
	}
	return false, nil
}

// PublishIfConnected serves every channel owning some of the registered slot
// instances (instance id -> slot functions). The header is rewritten per
// channel to the subset it serves. The registrations no channel served are
// returned for delivery through the broker.
func (p *Producer) PublishIfConnected(registered map[string][]string, header, body message.Hash, priority int) (map[string][]string, error) {
	remaining := maps.Clone(registered)
	if remaining == nil {
		remaining = map[string][]string{}
	}

	for _, ch := range p.snapshot() {
		if len(remaining) == 0 {
			break
		}
		served := make(map[string][]string)
		ids := make([]string, 0)
		for id, slots := range remaining {
			if ch.has(id) {
				served[id] = slots
				ids = append(ids, id)
			}
		}
		if len(served) == 0 {
			continue
		}

		h := withPriority(header, priority)
		h.Set(message.KeySlotInstanceIDs, message.JoinInstanceIDs(sortedIDs(ids)...))
		h.Set(message.KeySlotFunctions, message.JoinSlotFunctions(served))
		data, err := message.Encode(h, body)
		if err != nil {
			return remaining, err
		}
		if !ch.enqueue(data) {
			continue
		}
		for id := range served {
			delete(remaining, id)
		}
	}
	return remaining, nil
}

// Channels returns the number of connected consumers
func (p *Producer) Channels() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.channels)
}

func withPriority(header message.Hash, priority int) message.Hash {
	h := message.Hash{}
	if header != nil {
		h = maps.Clone(header)
	}
	h.Set(message.KeyPriority, priority)
	return h
}
