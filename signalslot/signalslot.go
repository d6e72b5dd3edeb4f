package signalslot

import (
	"context"
	"crypto/tls"
	"log/slog"
	"math/rand/v2"
	"os"
	"sync"
	"time"

	"github.com/c360/sigslot/broker"
	"github.com/c360/sigslot/channel"
	"github.com/c360/sigslot/errors"
	"github.com/c360/sigslot/eventloop"
	"github.com/c360/sigslot/message"
	"github.com/c360/sigslot/metric"
	"github.com/c360/sigslot/p2p"
)

// Defaults applied to zero Config fields
const (
	DefaultRequestTimeout    = 10 * time.Second
	DefaultUniquenessTimeout = 200 * time.Millisecond
	DefaultHeartbeatInterval = 10 * time.Second
	DefaultTrackPeriod       = time.Second
	DefaultInstanceType      = "client"

	// heartbeatMisses is the number of heartbeat intervals a tracked instance
	// may stay silent before it is considered gone
	heartbeatMisses = 3
)

// Config configures a SignalSlotable
type Config struct {
	// InstanceInfo is announced to other instances. "type" defaults to
	// "client".
	InstanceInfo message.Hash
	// HeartbeatInterval between signalHeartbeat emissions. Negative
	// disables heartbeats.
	HeartbeatInterval time.Duration
	// RequestTimeout is the default deadline of requests and of the
	// requests issued by connect and disconnect
	RequestTimeout time.Duration
	// UniquenessTimeout bounds the startup ping of the own instance id
	UniquenessTimeout time.Duration
	// TrackInstances follows the heartbeats of all instances
	TrackInstances bool
	// TrackPeriod is the interval of the tracking countdown check
	TrackPeriod time.Duration
	// IgnoreBroadcasts stops consuming messages sent to "*"
	IgnoreBroadcasts bool
	// P2P enables the point-to-point signal transport
	P2P P2PConfig
}

// P2PConfig configures the point-to-point transport
type P2PConfig struct {
	Enabled bool
	// Address to listen on, ":0" if empty
	Address string
	// Host advertised in the connection string
	Host      string
	ServerTLS *tls.Config
	ClientTLS *tls.Config
}

func (c Config) withDefaults() Config {
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = DefaultRequestTimeout
	}
	if c.UniquenessTimeout <= 0 {
		c.UniquenessTimeout = DefaultUniquenessTimeout
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.TrackPeriod <= 0 {
		c.TrackPeriod = DefaultTrackPeriod
	}
	if c.P2P.Address == "" {
		c.P2P.Address = ":0"
	}
	return c
}

// Option configures a SignalSlotable
type Option func(*options)

type options struct {
	logger   *slog.Logger
	registry *metric.MetricsRegistry
	loop     *eventloop.EventLoop
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithMetrics records messaging metrics in the registry
func WithMetrics(registry *metric.MetricsRegistry) Option {
	return func(o *options) { o.registry = registry }
}

// WithEventLoop runs handlers on loop instead of the global loop
func WithEventLoop(loop *eventloop.EventLoop) Option {
	return func(o *options) { o.loop = loop }
}

// InstanceHandler observes topology changes
type InstanceHandler func(instanceID string, info message.Hash)

type trackedInstance struct {
	info     message.Hash
	deadline time.Time
}

// SignalSlotable is one instance on the broker: it owns slots and signals,
// issues calls and requests and manages signal/slot connections.
type SignalSlotable struct {
	id       string
	cfg      Config
	broker   broker.Broker
	loop     *eventloop.EventLoop
	logger   *slog.Logger
	registry *metric.MetricsRegistry
	metrics  *metric.Metrics

	producer *p2p.Producer
	consumer *p2p.Consumer

	randPing int
	hostName string
	userName string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	stateMu   sync.Mutex
	started   bool
	closed    bool
	connected bool
	heartbeat *eventloop.Timer
	tracker   *eventloop.Timer

	infoMu sync.RWMutex
	info   message.Hash

	storeMu sync.Mutex
	store   broker.InstanceStore

	slotsMu sync.RWMutex
	slots   map[string]*slot

	signalsMu sync.RWMutex
	signals   map[string]*signal

	pendingMu sync.Mutex
	pending   map[string]*pendingRequest

	strandsMu       sync.Mutex
	strands         map[string]*eventloop.Strand
	broadcastStrand *eventloop.Strand
	replyStrand     *eventloop.Strand

	edgesMu   sync.Mutex
	edgesCond *sync.Cond
	edges     map[Edge]*edgeEntry

	subsMu   sync.Mutex
	slotSubs map[Edge]struct{}

	trackMu sync.Mutex
	tracked map[string]*trackedInstance

	handlersMu sync.RWMutex
	onNew      []InstanceHandler
	onGone     []InstanceHandler
	onUpdated  []InstanceHandler

	collectMu  sync.Mutex
	collectors map[int]InstanceHandler
	collectSeq int

	channelsMu sync.Mutex
	outputs    map[string]*channel.OutputChannel
	inputs     map[string]*channel.InputChannel
}

// New creates an instance on b, identified by b's instance id. Start
// announces it.
func New(b broker.Broker, cfg Config, opts ...Option) (*SignalSlotable, error) {
	if b == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "SignalSlotable", "New", "broker is required")
	}
	if err := broker.ValidateInstanceID(b.InstanceID()); err != nil {
		return nil, err
	}

	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default().With("component", "signalslot")
	}
	if o.loop == nil {
		o.loop = eventloop.Global()
	}

	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())

	s := &SignalSlotable{
		id:         b.InstanceID(),
		cfg:        cfg,
		broker:     b,
		loop:       o.loop,
		logger:     o.logger.With("instance", b.InstanceID()),
		registry:   o.registry,
		metrics:    o.registry.CoreMetrics(),
		randPing:   rand.IntN(1<<31-2) + 1,
		userName:   os.Getenv("USER"),
		ctx:        ctx,
		cancel:     cancel,
		slots:      make(map[string]*slot),
		signals:    make(map[string]*signal),
		pending:    make(map[string]*pendingRequest),
		strands:    make(map[string]*eventloop.Strand),
		edges:      make(map[Edge]*edgeEntry),
		slotSubs:   make(map[Edge]struct{}),
		tracked:    make(map[string]*trackedInstance),
		collectors: make(map[int]InstanceHandler),
		outputs:    make(map[string]*channel.OutputChannel),
		inputs:     make(map[string]*channel.InputChannel),
	}
	s.hostName, _ = os.Hostname()
	s.edgesCond = sync.NewCond(&s.edgesMu)
	s.broadcastStrand = s.newStrand()
	s.replyStrand = s.newStrand()

	s.info = s.defaultInfo(cfg.InstanceInfo)

	if cfg.P2P.Enabled {
		p2pOpts := []p2p.Option{p2p.WithLogger(s.logger), p2p.WithMetrics(o.registry), p2p.WithHost(cfg.P2P.Host)}
		s.producer = p2p.NewProducer(append(p2pOpts, p2p.WithTLS(cfg.P2P.ServerTLS))...)
		s.consumer = p2p.NewConsumer(append(p2pOpts, p2p.WithTLS(cfg.P2P.ClientTLS))...)
	}

	if err := s.registerDefaults(); err != nil {
		cancel()
		return nil, err
	}
	return s, nil
}

func (s *SignalSlotable) defaultInfo(info message.Hash) message.Hash {
	h := message.Hash{}
	if info != nil {
		h = info.Clone()
	}
	if !h.Has("type") {
		h.Set("type", DefaultInstanceType)
	}
	h.Set("host", s.hostName)
	h.Set("pid", os.Getpid())
	h.Set("lang", "go")
	if s.cfg.HeartbeatInterval > 0 {
		h.Set("heartbeatInterval", s.cfg.HeartbeatInterval.Seconds())
	}
	return h
}

func (s *SignalSlotable) newStrand() *eventloop.Strand {
	return eventloop.NewStrand(s.loop, eventloop.WithStrandLogger(s.logger))
}

// InstanceID returns the id of this instance
func (s *SignalSlotable) InstanceID() string {
	return s.id
}

// Broker returns the broker the instance talks through
func (s *SignalSlotable) Broker() broker.Broker {
	return s.broker
}

// Logger returns the instance's logger
func (s *SignalSlotable) Logger() *slog.Logger {
	return s.logger
}

// InstanceInfo returns a copy of the announced instance info
func (s *SignalSlotable) InstanceInfo() message.Hash {
	s.infoMu.RLock()
	defer s.infoMu.RUnlock()
	return s.info.Clone()
}

// Start connects the broker, checks the instance id is unique, begins
// consuming messages and announces the instance. A duplicate id is fatal.
func (s *SignalSlotable) Start(ctx context.Context) error {
	s.stateMu.Lock()
	switch {
	case s.closed:
		s.stateMu.Unlock()
		return errors.WrapFatal(errors.ErrShuttingDown, "SignalSlotable", "Start", "start instance")
	case s.started:
		s.stateMu.Unlock()
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "SignalSlotable", "Start", "start instance")
	}
	s.started = true
	s.stateMu.Unlock()

	if err := claimInstance(s); err != nil {
		return err
	}
	if err := s.startTransport(ctx); err != nil {
		s.stopTransport(context.Background())
		releaseInstance(s)
		return err
	}

	s.publishInfo(ctx)
	info := s.InstanceInfo()
	if err := s.Call(broker.Wildcard, "slotInstanceNew", s.id, info); err != nil {
		s.logger.Warn("Failed to announce instance", "error", err)
	}
	if err := s.Emit(ctx, SignalInstanceNew, s.id, info); err != nil {
		s.logger.Debug("Failed to emit instance new", "error", err)
	}

	s.stateMu.Lock()
	if s.cfg.HeartbeatInterval > 0 {
		s.heartbeat = s.loop.AfterFunc(s.cfg.HeartbeatInterval, s.heartbeatTick)
	}
	if s.cfg.TrackInstances {
		s.tracker = s.loop.AfterFunc(s.cfg.TrackPeriod, s.trackTick)
	}
	s.stateMu.Unlock()

	s.logger.Info("Instance started", "broker", s.broker.URL(), "domain", s.broker.Domain(), "p2p", s.cfg.P2P.Enabled)
	return nil
}

func (s *SignalSlotable) startTransport(ctx context.Context) error {
	s.broker.SetConsumeBroadcasts(!s.cfg.IgnoreBroadcasts)
	s.broker.OnConnectionChange(s.onConnectionChange)
	if !s.broker.IsConnected() {
		if err := s.broker.Connect(ctx); err != nil {
			return err
		}
	}
	s.setConnected(true)

	if s.producer != nil {
		if err := s.producer.Start(s.ctx, s.cfg.P2P.Address); err != nil {
			return err
		}
		s.infoMu.Lock()
		s.info.Set("p2p_connection", s.producer.ConnectionString())
		s.infoMu.Unlock()
	}

	if err := s.broker.StartReading(s.onMessage, s.onBrokerError); err != nil {
		return err
	}
	if err := s.ensureUnique(ctx); err != nil {
		return err
	}
	if s.cfg.TrackInstances {
		if err := s.broker.SubscribeToRemoteSignal(ctx, broker.Wildcard, SignalHeartbeat); err != nil {
			return err
		}
	}
	return nil
}

// ensureUnique pings the own id with a random token; the instance itself
// ignores the ping, so any answer comes from a duplicate
func (s *SignalSlotable) ensureUnique(ctx context.Context) error {
	var info message.Hash
	err := s.Request(s.id, "slotPing", s.id, s.randPing, false).
		Timeout(s.cfg.UniquenessTimeout).
		Receive(ctx, &info)
	switch {
	case err == nil:
		return errors.WrapFatal(errors.SignalSlotf("instance '%s' already exists on host '%s'", s.id, info.GetString("host")),
			"SignalSlotable", "Start", "check instance id")
	case errors.IsTimeout(err):
		return nil
	default:
		return err
	}
}

func (s *SignalSlotable) publishInfo(ctx context.Context) {
	store := s.instanceStore(ctx)
	if store == nil {
		return
	}
	if err := store.Put(ctx, s.id, s.InstanceInfo()); err != nil {
		s.logger.Warn("Failed to publish instance info", "error", err)
	}
}

// instanceStore returns the broker's instance store, nil if unavailable
func (s *SignalSlotable) instanceStore(ctx context.Context) broker.InstanceStore {
	s.storeMu.Lock()
	defer s.storeMu.Unlock()
	if s.store != nil {
		return s.store
	}
	store, err := s.broker.Instances(ctx)
	if err != nil {
		s.logger.Debug("Instance store unavailable", "error", err)
		return nil
	}
	s.store = store
	return store
}

// Close announces the departure, settles pending requests with Cancelled,
// closes channels and disconnects the broker
func (s *SignalSlotable) Close(ctx context.Context) error {
	s.stateMu.Lock()
	if s.closed {
		s.stateMu.Unlock()
		return nil
	}
	s.closed = true
	started := s.started
	heartbeat, tracker := s.heartbeat, s.tracker
	s.stateMu.Unlock()

	heartbeat.Stop()
	tracker.Stop()

	if started {
		info := s.InstanceInfo()
		if err := s.Emit(ctx, SignalInstanceGone, s.id, info); err != nil {
			s.logger.Debug("Failed to emit instance gone", "error", err)
		}
		if err := s.Call(broker.Wildcard, "slotInstanceGone", s.id, info); err != nil {
			s.logger.Warn("Failed to announce departure", "error", err)
		}
		if store := s.instanceStore(ctx); store != nil {
			if err := store.Delete(ctx, s.id); err != nil {
				s.logger.Debug("Failed to remove instance info", "error", err)
			}
		}
	}

	s.cancel()
	s.cancelPending()
	s.closeChannels()
	s.wg.Wait()

	var err error
	if started {
		err = s.stopTransport(ctx)
		releaseInstance(s)
	}

	s.strandsMu.Lock()
	strands := s.strands
	s.strands = make(map[string]*eventloop.Strand)
	s.strandsMu.Unlock()
	for _, st := range strands {
		st.Close()
	}
	s.broadcastStrand.Close()
	// reply strand keeps running queued failure handlers
	s.logger.Info("Instance closed")
	return err
}

func (s *SignalSlotable) stopTransport(ctx context.Context) error {
	s.broker.StopReading()
	if s.producer != nil {
		s.producer.Stop()
	}
	if s.consumer != nil {
		s.consumer.Close()
	}
	err := s.broker.Disconnect(ctx)
	s.setConnected(false)
	return err
}

func (s *SignalSlotable) isClosed() bool {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.closed
}

// goBackground runs f unless the instance is closing; Close waits for it
func (s *SignalSlotable) goBackground(f func()) bool {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	if s.closed {
		return false
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		f()
	}()
	return true
}

func (s *SignalSlotable) setConnected(connected bool) {
	s.stateMu.Lock()
	s.connected = connected
	s.stateMu.Unlock()
}

func (s *SignalSlotable) onConnectionChange(connected bool) {
	s.setConnected(connected)
	if connected {
		s.logger.Info("Broker connection restored")
	} else {
		s.logger.Warn("Broker connection lost")
	}
}

func (s *SignalSlotable) onBrokerError(kind broker.ErrorKind, description string) {
	s.logger.Warn("Broker error", "kind", kind.String(), "description", description)
}

// header returns the routing header of an outgoing message
func (s *SignalSlotable) header(function string) message.Hash {
	return message.NewHash(
		message.KeySignalInstanceID, s.id,
		message.KeySignalFunction, function,
		message.KeyHostName, s.hostName,
		message.KeyUserName, s.userName,
	)
}

// sendContext bounds one broker send
func (s *SignalSlotable) sendContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(s.ctx), s.cfg.RequestTimeout)
}

func (s *SignalSlotable) send(target, slotName string, header, body message.Hash) error {
	ctx, cancel := s.sendContext()
	defer cancel()
	if target == broker.Wildcard {
		return s.broker.SendBroadcast(ctx, slotName, header, body)
	}
	return s.broker.SendOneToOne(ctx, target, slotName, header, body)
}

// Call invokes slot on target without waiting. Target "*" broadcasts.
func (s *SignalSlotable) Call(target, slotName string, args ...any) error {
	return s.send(target, slotName, s.header(message.FunctionCall), message.Args(args...))
}

// RequestNoWait invokes slot on target; the reply is delivered as a call of
// replySlot on replyInstance
func (s *SignalSlotable) RequestNoWait(target, slotName, replyInstance, replySlot string, args ...any) error {
	if replyInstance == "" {
		replyInstance = s.id
	}
	h := s.header(message.FunctionRequestNoWait)
	h.Set(message.KeyReplyInstanceIDs, message.JoinInstanceIDs(replyInstance))
	h.Set(message.KeyReplyFunctions, message.JoinSlotFunctions(map[string][]string{replyInstance: {replySlot}}))
	return s.send(target, slotName, h, message.Args(args...))
}

// UpdateInstanceInfo merges update into the instance info and announces it
func (s *SignalSlotable) UpdateInstanceInfo(update message.Hash) error {
	s.infoMu.Lock()
	s.info.Merge(update)
	info := s.info.Clone()
	s.infoMu.Unlock()

	s.publishInfo(s.ctx)
	return s.Call(broker.Wildcard, "slotInstanceUpdated", s.id, info)
}

// OnInstanceNew registers a handler for instances appearing
func (s *SignalSlotable) OnInstanceNew(h InstanceHandler) {
	s.handlersMu.Lock()
	defer s.handlersMu.Unlock()
	s.onNew = append(s.onNew, h)
}

// OnInstanceGone registers a handler for instances leaving or going silent
func (s *SignalSlotable) OnInstanceGone(h InstanceHandler) {
	s.handlersMu.Lock()
	defer s.handlersMu.Unlock()
	s.onGone = append(s.onGone, h)
}

// OnInstanceUpdated registers a handler for instance info updates
func (s *SignalSlotable) OnInstanceUpdated(h InstanceHandler) {
	s.handlersMu.Lock()
	defer s.handlersMu.Unlock()
	s.onUpdated = append(s.onUpdated, h)
}

func (s *SignalSlotable) fire(handlers *[]InstanceHandler, instanceID string, info message.Hash) {
	s.handlersMu.RLock()
	hs := append([]InstanceHandler(nil), *handlers...)
	s.handlersMu.RUnlock()
	for _, h := range hs {
		h(instanceID, info)
	}
}

// TrackedInstances returns the instances known from tracking
func (s *SignalSlotable) TrackedInstances() map[string]message.Hash {
	s.trackMu.Lock()
	defer s.trackMu.Unlock()
	out := make(map[string]message.Hash, len(s.tracked))
	for id, t := range s.tracked {
		out[id] = t.info.Clone()
	}
	return out
}

func cloneSlots(in map[string][]string) map[string][]string {
	out := make(map[string][]string, len(in))
	for id, slots := range in {
		out[id] = append([]string(nil), slots...)
	}
	return out
}
