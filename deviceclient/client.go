// Package deviceclient keeps a view of the instances on a broker domain and
// caches the configurations of the devices it is asked about.
//
// Client.Get fetches a device's configuration once, connects to its
// signalChanged and merges every change into the cached copy. Cached
// configurations nobody asked for within the cache TTL are dropped and
// their signalChanged connection removed.
package deviceclient

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/c360/sigslot/device"
	"github.com/c360/sigslot/errors"
	"github.com/c360/sigslot/message"
	"github.com/c360/sigslot/metric"
	"github.com/c360/sigslot/pkg/cache"
	"github.com/c360/sigslot/signalslot"
)

// slotChanged receives the signalChanged emissions of cached devices
const slotChanged = "slotDeviceClientChanged"

// Defaults applied to zero Config fields
const (
	DefaultCacheTTL      = 2 * time.Minute
	DefaultDiscoveryWait = 500 * time.Millisecond
)

// Config configures a Client
type Config struct {
	// CacheTTL is how long an unused configuration stays cached
	CacheTTL time.Duration `json:"cache_ttl" yaml:"cache_ttl"`
	// CleanupInterval is how often expired configurations are dropped;
	// defaults to half the TTL
	CleanupInterval time.Duration `json:"cleanup_interval" yaml:"cleanup_interval"`
	// DiscoveryWait bounds the collection of ping answers in Start
	DiscoveryWait time.Duration `json:"discovery_wait" yaml:"discovery_wait"`
}

func (c Config) withDefaults() Config {
	if c.CacheTTL <= 0 {
		c.CacheTTL = DefaultCacheTTL
	}
	if c.DiscoveryWait <= 0 {
		c.DiscoveryWait = DefaultDiscoveryWait
	}
	return c
}

// ChangeHandler observes configuration changes of cached devices
type ChangeHandler func(instanceID string, update message.Hash)

// Option configures a Client
type Option func(*options)

type options struct {
	logger   *slog.Logger
	registry *metric.MetricsRegistry
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithMetrics exports cache statistics
func WithMetrics(registry *metric.MetricsRegistry) Option {
	return func(o *options) { o.registry = registry }
}

// Client is a topology and configuration cache bound to one instance
type Client struct {
	s      *signalslot.SignalSlotable
	cfg    Config
	logger *slog.Logger
	cache  cache.Cache[message.Hash]

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	closeMu sync.Mutex
	closed  bool

	topoMu   sync.RWMutex
	topology map[string]message.Hash

	handlersMu sync.RWMutex
	onChanged  []ChangeHandler
	onNew      []signalslot.InstanceHandler
	onGone     []signalslot.InstanceHandler
	onUpdated  []signalslot.InstanceHandler
}

// New creates a client operating through s. s must not be started yet or
// the instances announced before New are only found by Start's discovery.
func New(s *signalslot.SignalSlotable, cfg Config, opts ...Option) (*Client, error) {
	if s == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Client", "New", "signal slotable is required")
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default().With("component", "deviceclient")
	}

	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		s:        s,
		cfg:      cfg,
		logger:   o.logger.With("instance", s.InstanceID()),
		ctx:      ctx,
		cancel:   cancel,
		topology: make(map[string]message.Hash),
	}

	configs, err := cache.NewTTL[message.Hash](ctx, cfg.CacheTTL, cfg.CleanupInterval,
		cache.WithMetrics[message.Hash](o.registry, "deviceclient"),
		cache.WithEvictionCallback[message.Hash](c.evicted),
	)
	if err != nil {
		cancel()
		return nil, err
	}
	c.cache = configs

	if err := s.RegisterSlot(slotChanged, c.slotChanged); err != nil {
		cancel()
		_ = configs.Close()
		return nil, err
	}
	s.OnInstanceNew(c.instanceNew)
	s.OnInstanceGone(c.instanceGone)
	s.OnInstanceUpdated(c.instanceUpdated)
	return c, nil
}

// Start fills the topology from the broker's instance store and from the
// answers to a broadcast ping
func (c *Client) Start(ctx context.Context) error {
	if store, err := c.s.Broker().Instances(ctx); err == nil {
		stored, err := store.List(ctx)
		if err != nil {
			c.logger.Warn("Failed to list stored instances", "error", err)
		}
		for id, info := range stored {
			c.addInstance(id, info)
		}
	} else {
		c.logger.Debug("Instance store unavailable", "error", err)
	}

	found, err := c.s.GetAvailableInstances(ctx, c.cfg.DiscoveryWait)
	for id, info := range found {
		c.addInstance(id, info)
	}
	if err != nil {
		return errors.WrapTransient(err, "Client", "Start", "discover instances")
	}
	c.logger.Info("Topology discovered", "instances", len(c.Instances("")))
	return nil
}

// Close drops the cache and disconnects from every cached device
func (c *Client) Close(ctx context.Context) error {
	c.closeMu.Lock()
	if c.closed {
		c.closeMu.Unlock()
		return nil
	}
	c.closed = true
	c.closeMu.Unlock()

	ids := c.cache.Keys()
	c.cancel()
	for _, id := range ids {
		c.disconnect(ctx, id)
	}
	c.wg.Wait()
	return c.cache.Close()
}

func (c *Client) addInstance(id string, info message.Hash) {
	if id == c.s.InstanceID() {
		return
	}
	if info == nil {
		info = message.Hash{}
	}
	c.topoMu.Lock()
	c.topology[id] = info.Clone()
	c.topoMu.Unlock()
}

// Instances returns the ids of the known instances of a type, all
// instances when typ is empty
func (c *Client) Instances(typ string) []string {
	c.topoMu.RLock()
	defer c.topoMu.RUnlock()
	var ids []string
	for id, info := range c.topology {
		if typ == "" || info.GetString("type") == typ {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// Devices returns the ids of the known devices
func (c *Client) Devices() []string {
	return c.Instances(device.InstanceType)
}

// Topology returns the known instances grouped by type
func (c *Client) Topology() map[string]map[string]message.Hash {
	c.topoMu.RLock()
	defer c.topoMu.RUnlock()
	out := make(map[string]map[string]message.Hash)
	for id, info := range c.topology {
		typ := info.GetString("type")
		if out[typ] == nil {
			out[typ] = make(map[string]message.Hash)
		}
		out[typ][id] = info.Clone()
	}
	return out
}

// InstanceInfo returns the known info of an instance
func (c *Client) InstanceInfo(id string) (message.Hash, bool) {
	c.topoMu.RLock()
	defer c.topoMu.RUnlock()
	info, ok := c.topology[id]
	if !ok {
		return nil, false
	}
	return info.Clone(), true
}

// Get returns the configuration of a device. The first call fetches it
// and starts following its changes.
func (c *Client) Get(ctx context.Context, id string) (message.Hash, error) {
	if config, ok := c.cache.Get(id); ok {
		return config.Clone(), nil
	}

	// connect first so no change between fetch and connect is lost
	if err := c.s.Connect(ctx, id, device.SignalChanged, "", slotChanged); err != nil {
		return nil, err
	}
	var (
		config message.Hash
		from   string
	)
	if err := c.s.Request(id, device.SlotGetConfiguration).Receive(ctx, &config, &from); err != nil {
		c.disconnectAsync(id)
		return nil, err
	}
	if config == nil {
		config = message.Hash{}
	}
	if _, err := c.cache.Set(id, config); err != nil {
		return nil, err
	}
	c.logger.Debug("Cached configuration", "device", id)
	return config.Clone(), nil
}

// Property returns one value of a device's configuration
func (c *Client) Property(ctx context.Context, id, key string) (any, error) {
	config, err := c.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	v, ok := config.Get(key)
	if !ok {
		return nil, errors.SignalSlotf("device '%s' has no property '%s'", id, key)
	}
	return v, nil
}

// IsCached reports whether a device's configuration is cached
func (c *Client) IsCached(id string) bool {
	_, ok := c.cache.Peek(id)
	return ok
}

// Set reconfigures a device. A rejected update is a remote exception.
func (c *Client) Set(ctx context.Context, id string, update message.Hash) error {
	if err := c.s.Request(id, device.SlotReconfigure, update).Receive(ctx); err != nil {
		return err
	}
	c.merge(id, update)
	return nil
}

// Execute calls a slot of a device and waits for it to finish
func (c *Client) Execute(ctx context.Context, id, slot string, args ...any) error {
	return c.s.Request(id, slot, args...).Receive(ctx)
}

// OnChanged registers a handler for changes of cached devices
func (c *Client) OnChanged(h ChangeHandler) {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	c.onChanged = append(c.onChanged, h)
}

// OnInstanceNew registers a handler for instances appearing
func (c *Client) OnInstanceNew(h signalslot.InstanceHandler) {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	c.onNew = append(c.onNew, h)
}

// OnInstanceGone registers a handler for instances leaving
func (c *Client) OnInstanceGone(h signalslot.InstanceHandler) {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	c.onGone = append(c.onGone, h)
}

// OnInstanceUpdated registers a handler for instance info updates
func (c *Client) OnInstanceUpdated(h signalslot.InstanceHandler) {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	c.onUpdated = append(c.onUpdated, h)
}

func (c *Client) merge(id string, update message.Hash) bool {
	return c.cache.Update(id, func(config message.Hash) message.Hash {
		merged := config.Clone()
		merged.Merge(update)
		return merged
	})
}

func (c *Client) slotChanged(update message.Hash, instanceID string) {
	if !c.merge(instanceID, update) {
		return
	}
	c.handlersMu.RLock()
	hs := append([]ChangeHandler(nil), c.onChanged...)
	c.handlersMu.RUnlock()
	for _, h := range hs {
		h(instanceID, update)
	}
}

func (c *Client) instanceNew(id string, info message.Hash) {
	c.addInstance(id, info)
	c.fire(&c.onNew, id, info)
}

func (c *Client) instanceGone(id string, info message.Hash) {
	c.topoMu.Lock()
	delete(c.topology, id)
	c.topoMu.Unlock()
	if ok, _ := c.cache.Delete(id); ok {
		// the device is gone; untrack the edge so it is not re-established
		c.disconnectAsync(id)
	}
	c.fire(&c.onGone, id, info)
}

func (c *Client) instanceUpdated(id string, info message.Hash) {
	c.addInstance(id, info)
	c.fire(&c.onUpdated, id, info)
}

func (c *Client) fire(handlers *[]signalslot.InstanceHandler, id string, info message.Hash) {
	c.handlersMu.RLock()
	hs := append([]signalslot.InstanceHandler(nil), *handlers...)
	c.handlersMu.RUnlock()
	for _, h := range hs {
		h(id, info)
	}
}

// evicted runs on the cache's cleanup goroutine
func (c *Client) evicted(id string, _ message.Hash) {
	c.logger.Debug("Configuration aged out", "device", id)
	c.disconnectAsync(id)
}

func (c *Client) disconnectAsync(id string) {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()
	if c.closed {
		return
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), signalslot.DefaultUniquenessTimeout*5)
		defer cancel()
		c.disconnect(ctx, id)
	}()
}

func (c *Client) disconnect(ctx context.Context, id string) {
	if err := c.s.Disconnect(ctx, id, device.SignalChanged, "", slotChanged); err != nil {
		c.logger.Debug("Failed to disconnect from device", "device", id, "error", err)
	}
}
