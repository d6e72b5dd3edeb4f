package p2p

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/c360/sigslot/message"
	"github.com/c360/sigslot/pkg/wire"
)

// dialTimeout bounds connecting to a producer
const dialTimeout = 5 * time.Second

// Handler receives messages of one (signal instance, slot instance) subscription
type Handler func(header, body message.Hash)

// consumerConn is the single TCP connection to one producer
type consumerConn struct {
	connString string
	conn       *wire.Conn // nil while dialing

	// signal instance -> slot instance -> handler
	handlers map[string]map[string]Handler
	// slot instance -> number of signal instances it is subscribed for
	slotRefs map[string]int

	// subscription commands, written in order once the dial resolved
	cmds chan string
	done chan struct{}
}

// Consumer receives signal emissions from producers, keeping one connection
// per producer connection string
type Consumer struct {
	opts   options
	logger *slog.Logger

	mu    sync.Mutex
	conns map[string]*consumerConn
	// signal instance -> connection string
	signals map[string]string

	wg sync.WaitGroup
}

// NewConsumer creates a consumer
func NewConsumer(opts ...Option) *Consumer {
	o := applyOptions("p2p-consumer", opts)
	return &Consumer{
		opts:    o,
		logger:  o.logger,
		conns:   make(map[string]*consumerConn),
		signals: make(map[string]string),
	}
}

// Connect subscribes slotInstanceID to the emissions of signalInstanceID
// served by the producer at connString. The first subscription for a
// connection string dials it in the background; later ones reuse the
// connection and are queued while the dial is in flight.
func (c *Consumer) Connect(signalInstanceID, slotInstanceID, connString string, handler Handler) error {
	if _, err := wire.ParseAddress(connString); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	cc, ok := c.conns[connString]
	dial := false
	if !ok {
		cc = &consumerConn{
			connString: connString,
			handlers:   make(map[string]map[string]Handler),
			slotRefs:   make(map[string]int),
			cmds:       make(chan string, sendQueueSize),
			done:       make(chan struct{}),
		}
		c.conns[connString] = cc
		c.opts.metrics.RecordP2PChannels("consumer", len(c.conns))
		dial = true
	}
	c.signals[signalInstanceID] = connString

	slots, ok := cc.handlers[signalInstanceID]
	if !ok {
		slots = make(map[string]Handler)
		cc.handlers[signalInstanceID] = slots
	}
	if _, exists := slots[slotInstanceID]; !exists {
		cc.slotRefs[slotInstanceID]++
		if cc.slotRefs[slotInstanceID] == 1 {
			c.commandLocked(cc, slotInstanceID+" "+CommandSubscribe)
		}
	}
	slots[slotInstanceID] = handler

	if dial {
		c.wg.Add(1)
		go c.dial(cc)
	}
	return nil
}

// Disconnect removes one subscription. The connection closes when no
// subscription references it any more.
func (c *Consumer) Disconnect(signalInstanceID, slotInstanceID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	connString, ok := c.signals[signalInstanceID]
	if !ok {
		return
	}
	cc := c.conns[connString]
	if cc == nil {
		return
	}
	slots := cc.handlers[signalInstanceID]
	if _, ok := slots[slotInstanceID]; !ok {
		return
	}
	delete(slots, slotInstanceID)
	if len(slots) == 0 {
		delete(cc.handlers, signalInstanceID)
		delete(c.signals, signalInstanceID)
	}

	cc.slotRefs[slotInstanceID]--
	if cc.slotRefs[slotInstanceID] <= 0 {
		delete(cc.slotRefs, slotInstanceID)
		c.commandLocked(cc, slotInstanceID+" "+CommandUnsubscribe)
	}

	if len(cc.handlers) == 0 {
		c.dropLocked(cc)
	}
}

// IsConnected reports whether the subscription exists
func (c *Consumer) IsConnected(signalInstanceID, slotInstanceID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	connString, ok := c.signals[signalInstanceID]
	if !ok {
		return false
	}
	cc := c.conns[connString]
	if cc == nil {
		return false
	}
	_, ok = cc.handlers[signalInstanceID][slotInstanceID]
	return ok
}

// Connections returns the number of producer connections
func (c *Consumer) Connections() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.conns)
}

// Close drops every connection and waits for the readers to exit
func (c *Consumer) Close() {
	c.mu.Lock()
	for _, cc := range c.conns {
		c.dropLocked(cc)
	}
	c.mu.Unlock()
	c.wg.Wait()
}

// commandLocked queues a subscription command for the connection's writer
func (c *Consumer) commandLocked(cc *consumerConn, command string) {
	select {
	case cc.cmds <- command:
	default:
		c.logger.Error("P2P command queue full", "producer", cc.connString, "command", command)
	}
}

// dropLocked forgets a connection and everything subscribed through it
func (c *Consumer) dropLocked(cc *consumerConn) {
	if c.conns[cc.connString] != cc {
		return
	}
	delete(c.conns, cc.connString)
	for signalID := range cc.handlers {
		if c.signals[signalID] == cc.connString {
			delete(c.signals, signalID)
		}
	}
	cc.handlers = map[string]map[string]Handler{}
	close(cc.done)
	if cc.conn != nil {
		_ = cc.conn.Close()
	}
	c.opts.metrics.RecordP2PChannels("consumer", len(c.conns))
}

func (c *Consumer) dial(cc *consumerConn) {
	defer c.wg.Done()

	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	conn, err := wire.Dial(ctx, cc.connString, c.opts.tls)
	cancel()

	c.mu.Lock()
	if c.conns[cc.connString] != cc {
		// dropped while dialing
		c.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		return
	}
	if err != nil {
		c.logger.Error("P2P connect failed", "producer", cc.connString, "error", err)
		c.dropLocked(cc)
		c.mu.Unlock()
		return
	}
	cc.conn = conn
	c.mu.Unlock()

	c.logger.Debug("P2P connected", "producer", cc.connString)
	c.wg.Add(1)
	go c.writeLoop(cc, conn)
	c.readLoop(cc, conn)
}

func (c *Consumer) writeLoop(cc *consumerConn, conn *wire.Conn) {
	defer c.wg.Done()
	for {
		select {
		case <-cc.done:
			return
		case command := <-cc.cmds:
			if err := conn.Write([]byte(command)); err != nil {
				c.logger.Warn("P2P command failed", "producer", cc.connString, "command", command, "error", err)
				c.fail(cc)
				return
			}
		}
	}
}

func (c *Consumer) readLoop(cc *consumerConn, conn *wire.Conn) {
	for {
		frame, err := conn.Read()
		if err != nil {
			c.logger.Debug("P2P connection closed", "producer", cc.connString, "error", err)
			c.fail(cc)
			return
		}
		msg, err := message.Decode(frame)
		if err != nil {
			c.logger.Warn("Cannot decode P2P message", "producer", cc.connString, "error", err)
			continue
		}
		for _, handler := range c.handlersFor(cc, msg.Header) {
			handler(msg.Header, msg.Body)
		}
	}
}

// handlersFor returns the handlers addressed by header, in slot instance order
func (c *Consumer) handlersFor(cc *consumerConn, header message.Hash) []Handler {
	signalID := header.GetString(message.KeySignalInstanceID)
	targets := message.SplitInstanceIDs(header.GetString(message.KeySlotInstanceIDs))

	c.mu.Lock()
	defer c.mu.Unlock()
	slots := cc.handlers[signalID]
	if len(slots) == 0 {
		return nil
	}
	handlers := make([]Handler, 0, len(targets))
	for _, id := range targets {
		if h, ok := slots[id]; ok {
			handlers = append(handlers, h)
		}
	}
	return handlers
}

// fail cleans up all bookkeeping of a broken connection. There is no retry
// here; the signal/slot layer reconnects.
func (c *Consumer) fail(cc *consumerConn) {
	c.mu.Lock()
	c.dropLocked(cc)
	c.mu.Unlock()
}

func sortedIDs(ids []string) []string {
	sort.Strings(ids)
	return ids
}
