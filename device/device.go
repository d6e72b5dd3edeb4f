// Package device provides a minimal device on top of a SignalSlotable: a
// configuration Hash other instances read through slotGetConfiguration,
// change through slotReconfigure and follow through signalChanged.
package device

import (
	"context"
	"log/slog"
	"sync"

	"github.com/c360/sigslot/broker"
	"github.com/c360/sigslot/errors"
	"github.com/c360/sigslot/eventloop"
	"github.com/c360/sigslot/message"
	"github.com/c360/sigslot/metric"
	"github.com/c360/sigslot/signalslot"
)

// Slot and signal names of the device protocol
const (
	SlotGetConfiguration = "slotGetConfiguration"
	SlotReconfigure      = "slotReconfigure"
	SignalChanged        = "signalChanged"

	// InstanceType is the "type" of device instances in their instanceInfo
	InstanceType = "device"
)

// ReconfigureHook checks an update before it is applied. A non-nil error
// rejects the whole update and is returned to the caller as a remote
// exception.
type ReconfigureHook func(current, update message.Hash) error

// Option configures a Device
type Option func(*options)

type options struct {
	logger   *slog.Logger
	registry *metric.MetricsRegistry
	loop     *eventloop.EventLoop
	hook     ReconfigureHook
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithMetrics records messaging metrics in the registry
func WithMetrics(registry *metric.MetricsRegistry) Option {
	return func(o *options) { o.registry = registry }
}

// WithEventLoop runs the device's handlers on loop
func WithEventLoop(loop *eventloop.EventLoop) Option {
	return func(o *options) { o.loop = loop }
}

// WithReconfigureHook validates remote reconfiguration
func WithReconfigureHook(hook ReconfigureHook) Option {
	return func(o *options) { o.hook = hook }
}

// Device is an instance publishing a configuration
type Device struct {
	*signalslot.SignalSlotable

	classID string
	hook    ReconfigureHook
	logger  *slog.Logger

	mu     sync.RWMutex
	config message.Hash
}

// New creates a device of class classID on b with the initial
// configuration. cfg.InstanceInfo gets type "device" and the class id.
func New(b broker.Broker, classID string, initial message.Hash, cfg signalslot.Config, opts ...Option) (*Device, error) {
	if classID == "" {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Device", "New", "class id is required")
	}

	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default().With("component", "device")
	}

	info := message.Hash{}
	if cfg.InstanceInfo != nil {
		info = cfg.InstanceInfo.Clone()
	}
	info.Set("type", InstanceType)
	info.Set("classId", classID)
	cfg.InstanceInfo = info

	ssOpts := []signalslot.Option{signalslot.WithLogger(o.logger), signalslot.WithMetrics(o.registry)}
	if o.loop != nil {
		ssOpts = append(ssOpts, signalslot.WithEventLoop(o.loop))
	}
	s, err := signalslot.New(b, cfg, ssOpts...)
	if err != nil {
		return nil, err
	}

	config := message.Hash{}
	if initial != nil {
		config = initial.Clone()
	}
	d := &Device{
		SignalSlotable: s,
		classID:        classID,
		hook:           o.hook,
		logger:         o.logger.With("instance", s.InstanceID(), "classId", classID),
		config:         config,
	}

	if err := s.RegisterSignal(SignalChanged, message.Hash{}, ""); err != nil {
		return nil, err
	}
	if err := s.RegisterSlot(SlotGetConfiguration, d.slotGetConfiguration); err != nil {
		return nil, err
	}
	if err := s.RegisterSlot(SlotReconfigure, d.slotReconfigure); err != nil {
		return nil, err
	}
	return d, nil
}

// ClassID returns the device class
func (d *Device) ClassID() string {
	return d.classID
}

// Configuration returns a copy of the current configuration
func (d *Device) Configuration() message.Hash {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.config.Clone()
}

// Get returns one configuration value
func (d *Device) Get(key string) (any, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.config.Get(key)
}

// Set merges update into the configuration and emits the changed keys.
// Local updates bypass the reconfigure hook.
func (d *Device) Set(ctx context.Context, update message.Hash) error {
	d.apply(update)
	return d.Emit(ctx, SignalChanged, update.Clone(), d.InstanceID())
}

func (d *Device) apply(update message.Hash) {
	d.mu.Lock()
	d.config.Merge(update)
	d.mu.Unlock()
}

func (d *Device) slotGetConfiguration() (message.Hash, string) {
	return d.Configuration(), d.InstanceID()
}

func (d *Device) slotReconfigure(call *signalslot.SlotCall, update message.Hash) error {
	if len(update) == 0 {
		return nil
	}
	if d.hook != nil {
		if err := d.hook(d.Configuration(), update); err != nil {
			d.logger.Info("Rejected reconfiguration", "from", call.Sender, "error", err)
			return err
		}
	}
	d.apply(update)
	d.logger.Debug("Reconfigured", "from", call.Sender, "keys", update.Keys())

	ctx, cancel := context.WithTimeout(context.Background(), signalslot.DefaultRequestTimeout)
	defer cancel()
	if err := d.Emit(ctx, SignalChanged, update.Clone(), d.InstanceID()); err != nil {
		d.logger.Warn("Failed to emit change", "error", err)
	}
	return nil
}
