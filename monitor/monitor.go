// Package monitor serves the topology of a broker domain to websocket
// clients, the way a GUI server fronts a control system.
//
// A client receives a "snapshot" of all known instances grouped by type right
// after connecting, followed by "instanceNew", "instanceGone" and
// "instanceUpdated" events. Requests sent by the client ("subscribe",
// "unsubscribe", "reconfigure", "execute") are answered with an envelope
// carrying the request's id; subscribed devices additionally produce
// "changed" events. Events are throttled per client; when a client falls
// behind, its oldest queued events are dropped.
package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/c360/sigslot/deviceclient"
	"github.com/c360/sigslot/errors"
	"github.com/c360/sigslot/message"
	"github.com/c360/sigslot/metric"
	"github.com/c360/sigslot/pkg/buffer"
	"github.com/c360/sigslot/pkg/timestamp"
	"github.com/c360/sigslot/signalslot"
)

// Envelope types sent by the server
const (
	TypeSnapshot        = "snapshot"
	TypeInstanceNew     = "instanceNew"
	TypeInstanceGone    = "instanceGone"
	TypeInstanceUpdated = "instanceUpdated"
	TypeConfiguration   = "configuration"
	TypeChanged         = "changed"
	TypeReply           = "reply"
	TypeError           = "error"
)

// Envelope types sent by clients
const (
	RequestSubscribe   = "subscribe"
	RequestUnsubscribe = "unsubscribe"
	RequestReconfigure = "reconfigure"
	RequestExecute     = "execute"
)

const maxRequestSize = 64 * 1024

// Envelope is the single message shape in both directions
type Envelope struct {
	Type       string          `json:"type"`
	ID         string          `json:"id,omitempty"`
	Timestamp  int64           `json:"timestamp"`
	InstanceID string          `json:"instanceId,omitempty"`
	Slot       string          `json:"slot,omitempty"`
	Error      string          `json:"error,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

// Config configures the monitor endpoint
type Config struct {
	// Path the endpoint is mounted on by the executable
	Path string `json:"path" yaml:"path"`
	// UpdateRate is the number of events per second sent to one client;
	// negative disables throttling
	UpdateRate float64 `json:"update_rate" yaml:"update_rate"`
	// UpdateBurst is the number of events sent back to back
	UpdateBurst int `json:"update_burst" yaml:"update_burst"`
	// SendBuffer is the number of events queued per client
	SendBuffer int `json:"send_buffer" yaml:"send_buffer"`
	// RequestTimeout bounds the handling of one client request
	RequestTimeout time.Duration `json:"request_timeout" yaml:"request_timeout"`
	PingInterval   time.Duration `json:"ping_interval" yaml:"ping_interval"`
	WriteTimeout   time.Duration `json:"write_timeout" yaml:"write_timeout"`
	// AllowedOrigins restricts browser origins; empty allows all
	AllowedOrigins []string `json:"allowed_origins" yaml:"allowed_origins"`
}

// DefaultConfig returns the monitor defaults
func DefaultConfig() Config {
	return Config{
		Path:           "/topology",
		UpdateRate:     50,
		UpdateBurst:    20,
		SendBuffer:     256,
		RequestTimeout: signalslot.DefaultRequestTimeout,
		PingInterval:   30 * time.Second,
		WriteTimeout:   10 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Path == "" {
		c.Path = d.Path
	}
	if c.UpdateRate == 0 {
		c.UpdateRate = d.UpdateRate
	}
	if c.UpdateBurst <= 0 {
		c.UpdateBurst = d.UpdateBurst
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = d.SendBuffer
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = d.RequestTimeout
	}
	if c.PingInterval <= 0 {
		c.PingInterval = d.PingInterval
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	return c
}

// Option configures a Server
type Option func(*options)

type options struct {
	logger   *slog.Logger
	registry *metric.MetricsRegistry
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithMetrics exports client and event metrics
func WithMetrics(registry *metric.MetricsRegistry) Option {
	return func(o *options) { o.registry = registry }
}

// Server is an http.Handler upgrading requests to monitor sessions
type Server struct {
	client   *deviceclient.Client
	cfg      Config
	logger   *slog.Logger
	upgrader websocket.Upgrader
	metrics  *metrics
	eventSeq atomic.Uint64

	mu      sync.RWMutex
	clients map[*clientConn]struct{}
	closed  bool
	wg      sync.WaitGroup
}

type outbound struct {
	data      []byte
	throttled bool
}

type clientConn struct {
	conn    *websocket.Conn
	remote  string
	limiter *rate.Limiter
	queue   buffer.Buffer[outbound]
	notify  chan struct{}

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	opened    time.Time

	subsMu sync.Mutex
	subs   map[string]struct{}
}

// New creates a monitor serving the view of client
func New(client *deviceclient.Client, cfg Config, opts ...Option) (*Server, error) {
	if client == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Server", "New", "device client is required")
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default().With("component", "monitor")
	}

	m, err := newMetrics(o.registry)
	if err != nil {
		return nil, err
	}

	s := &Server{
		client:  client,
		cfg:     cfg.withDefaults(),
		logger:  o.logger,
		metrics: m,
		clients: make(map[*clientConn]struct{}),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}

	client.OnInstanceNew(func(id string, info message.Hash) { s.broadcast(TypeInstanceNew, id, info, false) })
	client.OnInstanceGone(func(id string, info message.Hash) { s.broadcast(TypeInstanceGone, id, info, false) })
	client.OnInstanceUpdated(func(id string, info message.Hash) { s.broadcast(TypeInstanceUpdated, id, info, false) })
	client.OnChanged(func(id string, update message.Hash) { s.broadcast(TypeChanged, id, update, true) })
	return s, nil
}

// Path returns the configured mount path
func (s *Server) Path() string {
	return s.cfg.Path
}

// Clients returns the number of connected clients
func (s *Server) Clients() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range s.cfg.AllowedOrigins {
		if allowed == origin {
			return true
		}
	}
	return false
}

// ServeHTTP upgrades the request and runs the session until either side
// closes it
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// the upgrader has already replied
		s.metrics.recordError("upgrade")
		s.logger.Debug("Websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	c, err := s.newClient(conn, r.RemoteAddr)
	if err != nil {
		s.metrics.recordError("buffer")
		_ = conn.Close()
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.sendClose(c, websocket.CloseGoingAway, "shutting down")
		_ = conn.Close()
		return
	}
	snapshot, err := s.encode(Envelope{Type: TypeSnapshot}, s.client.Topology())
	if err != nil {
		s.mu.Unlock()
		s.metrics.recordError("encode")
		s.sendClose(c, websocket.CloseInternalServerErr, "snapshot failed")
		_ = conn.Close()
		return
	}
	// queued under the lock so no event overtakes the snapshot
	c.enqueue(outbound{data: snapshot})
	s.clients[c] = struct{}{}
	count := len(s.clients)
	s.wg.Add(2)
	s.mu.Unlock()

	s.metrics.recordConnect(count)
	s.logger.Debug("Monitor client connected", "remote", c.remote, "clients", count)

	go s.writeLoop(c)
	go s.readLoop(c)
}

func (s *Server) newClient(conn *websocket.Conn, remote string) (*clientConn, error) {
	limit := rate.Limit(s.cfg.UpdateRate)
	if s.cfg.UpdateRate < 0 {
		limit = rate.Inf
	}
	queue, err := buffer.NewCircularBuffer[outbound](s.cfg.SendBuffer,
		buffer.WithOverflowPolicy[outbound](buffer.DropOldest),
		buffer.WithDropCallback[outbound](func(outbound) { s.metrics.recordDrop() }),
	)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &clientConn{
		conn:    conn,
		remote:  remote,
		limiter: rate.NewLimiter(limit, s.cfg.UpdateBurst),
		queue:   queue,
		notify:  make(chan struct{}, 1),
		ctx:     ctx,
		cancel:  cancel,
		opened:  time.Now(),
		subs:    make(map[string]struct{}),
	}, nil
}

func (c *clientConn) enqueue(item outbound) {
	if err := c.queue.Write(context.Background(), item); err != nil {
		return
	}
	select {
	case c.notify <- struct{}{}:
	default:
	}
}

func (c *clientConn) subscribe(id string) {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	c.subs[id] = struct{}{}
}

func (c *clientConn) unsubscribe(id string) {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	delete(c.subs, id)
}

func (c *clientConn) subscribed(id string) bool {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	_, ok := c.subs[id]
	return ok
}

func (c *clientConn) subscriptions() []string {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	ids := make([]string, 0, len(c.subs))
	for id := range c.subs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (s *Server) encode(env Envelope, payload any) ([]byte, error) {
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, errors.WrapInvalid(err, "Server", "encode", "marshal payload")
		}
		env.Payload = raw
	}
	if env.ID == "" {
		env.ID = fmt.Sprintf("evt-%d", s.eventSeq.Add(1))
	}
	env.Timestamp = timestamp.Now()
	return json.Marshal(env)
}

// broadcast queues an event for every client, or only for the clients
// subscribed to id
func (s *Server) broadcast(typ, id string, payload message.Hash, subscribersOnly bool) {
	data, err := s.encode(Envelope{Type: typ, InstanceID: id}, payload)
	if err != nil {
		s.metrics.recordError("encode")
		s.logger.Warn("Failed to encode event", "type", typ, "instance", id, "error", err)
		return
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	for c := range s.clients {
		if subscribersOnly && !c.subscribed(id) {
			continue
		}
		c.enqueue(outbound{data: data, throttled: true})
	}
	s.metrics.recordEvent(typ)
}

func (s *Server) writeLoop(c *clientConn) {
	defer s.wg.Done()
	defer s.remove(c, "write")

	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			deadline := time.Now().Add(s.cfg.WriteTimeout)
			if err := c.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
			s.keepAlive(c)
		case <-c.notify:
			for {
				item, ok := c.queue.Read()
				if !ok {
					break
				}
				if item.throttled {
					if err := c.limiter.Wait(c.ctx); err != nil {
						return
					}
				}
				_ = c.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
				if err := c.conn.WriteMessage(websocket.TextMessage, item.data); err != nil {
					s.metrics.recordError("write")
					return
				}
				s.metrics.recordSent(len(item.data))
			}
		}
	}
}

// keepAlive touches the cached configurations a client follows so they do
// not age out while the client watches them
func (s *Server) keepAlive(c *clientConn) {
	for _, id := range c.subscriptions() {
		if !s.client.IsCached(id) {
			continue
		}
		ctx, cancel := context.WithTimeout(c.ctx, s.cfg.RequestTimeout)
		_, _ = s.client.Get(ctx, id)
		cancel()
	}
}

func (s *Server) readLoop(c *clientConn) {
	defer s.wg.Done()
	defer s.remove(c, "read")

	pongWait := 2 * s.cfg.PingInterval
	c.conn.SetReadLimit(maxRequestSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug("Monitor client read failed", "remote", c.remote, "error", err)
			}
			return
		}

		var req Envelope
		if err := json.Unmarshal(data, &req); err != nil {
			s.reply(c, Envelope{}, nil, errors.WrapInvalid(errors.ErrInvalidData, "Server", "readLoop", "malformed request"))
		} else {
			s.handle(c, req)
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	}
}

func (s *Server) handle(c *clientConn, req Envelope) {
	ctx, cancel := context.WithTimeout(c.ctx, s.cfg.RequestTimeout)
	defer cancel()

	if req.Type != "" && req.InstanceID == "" {
		s.reply(c, req, nil, errors.WrapInvalid(errors.ErrInvalidData, "Server", "handle", "instanceId is required"))
		return
	}

	switch req.Type {
	case RequestSubscribe:
		// subscribed first so that no change between fetch and subscription is lost
		c.subscribe(req.InstanceID)
		config, err := s.client.Get(ctx, req.InstanceID)
		if err != nil {
			c.unsubscribe(req.InstanceID)
			s.reply(c, req, nil, err)
			return
		}
		req.Type = TypeConfiguration
		s.send(c, req, config)

	case RequestUnsubscribe:
		c.unsubscribe(req.InstanceID)
		s.reply(c, req, nil, nil)

	case RequestReconfigure:
		var update message.Hash
		if err := json.Unmarshal(req.Payload, &update); err != nil || len(update) == 0 {
			s.reply(c, req, nil, errors.WrapInvalid(errors.ErrInvalidData, "Server", "handle", "reconfigure needs a payload object"))
			return
		}
		s.reply(c, req, nil, s.client.Set(ctx, req.InstanceID, update))

	case RequestExecute:
		if req.Slot == "" {
			s.reply(c, req, nil, errors.WrapInvalid(errors.ErrInvalidData, "Server", "handle", "slot is required"))
			return
		}
		s.reply(c, req, nil, s.client.Execute(ctx, req.InstanceID, req.Slot))

	default:
		s.reply(c, req, nil, errors.WrapInvalid(errors.ErrInvalidData, "Server", "handle",
			fmt.Sprintf("unknown request type %q", req.Type)))
	}
}

func (s *Server) reply(c *clientConn, req Envelope, payload any, err error) {
	env := Envelope{Type: TypeReply, ID: req.ID, InstanceID: req.InstanceID, Slot: req.Slot}
	if err != nil {
		env.Type = TypeError
		env.Error = err.Error()
		s.metrics.recordError("request")
	}
	s.send(c, env, payload)
}

func (s *Server) send(c *clientConn, env Envelope, payload any) {
	env.Payload = nil
	data, err := s.encode(env, payload)
	if err != nil {
		s.metrics.recordError("encode")
		return
	}
	c.enqueue(outbound{data: data})
}

func (s *Server) sendClose(c *clientConn, code int, text string) {
	deadline := time.Now().Add(s.cfg.WriteTimeout)
	_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), deadline)
}

func (s *Server) remove(c *clientConn, reason string) {
	c.closeOnce.Do(func() {
		c.cancel()

		s.mu.Lock()
		delete(s.clients, c)
		count := len(s.clients)
		s.mu.Unlock()

		_ = c.queue.Close()
		_ = c.conn.Close()

		s.metrics.recordDisconnect(reason, count)
		s.logger.Debug("Monitor client disconnected", "remote", c.remote, "reason", reason,
			"duration", time.Since(c.opened), "clients", count)
	})
}

// Close tells every client the server is going away and waits for the
// sessions to end
func (s *Server) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	clients := make([]*clientConn, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()

	for _, c := range clients {
		s.sendClose(c, websocket.CloseGoingAway, "shutting down")
		s.remove(c, "shutdown")
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return errors.WrapTransient(ctx.Err(), "Server", "Close", "wait for monitor sessions")
	}
}
