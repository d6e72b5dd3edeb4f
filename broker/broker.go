package broker

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/c360/sigslot/errors"
	"github.com/c360/sigslot/message"
	"github.com/c360/sigslot/metric"
	"github.com/c360/sigslot/pkg/security"
)

// ReadHandler receives every decoded message addressed to the broker's
// instance. slotName is the addressed slot for one-to-one and broadcast
// messages and empty for signals. Calls are sequential and in arrival order.
type ReadHandler func(slotName string, isBroadcast bool, header, body message.Hash)

// ErrorNotifier receives transport failures detected while reading
type ErrorNotifier func(kind ErrorKind, description string)

// ErrorKind classifies read loop failures
type ErrorKind int

const (
	// ErrorUnknown is a failure with no better classification
	ErrorUnknown ErrorKind = iota
	// ErrorDrop means messages were lost, e.g. a slow consumer
	ErrorDrop
	// ErrorSerializer means an arriving payload could not be decoded
	ErrorSerializer
	// ErrorSubscription means an asynchronous subscription change failed
	ErrorSubscription
	// ErrorConnection means the transport connection was lost
	ErrorConnection
)

// String returns the string representation of ErrorKind
func (k ErrorKind) String() string {
	switch k {
	case ErrorDrop:
		return "drop"
	case ErrorSerializer:
		return "serializer"
	case ErrorSubscription:
		return "subscription"
	case ErrorConnection:
		return "connection"
	default:
		return "unknown"
	}
}

// Broker is the pub/sub transport underneath the signal/slot layer.
//
// Every broker has one instance identity and one ordered delivery queue fed
// by its own slot address, the broadcast address (if consumed) and every
// remote signal it subscribed to.
type Broker interface {
	// Connect establishes the transport session
	Connect(ctx context.Context) error
	// ConnectAsync connects in the background and reports the result
	ConnectAsync(handler func(error))
	// Disconnect stops reading and closes the transport session
	Disconnect(ctx context.Context) error
	IsConnected() bool

	URL() string
	InstanceID() string
	Domain() string

	// Clone returns an unconnected broker with the same transport
	// configuration and a different identity
	Clone(instanceID string) (Broker, error)

	// SetConsumeBroadcasts selects whether broadcasts are received. It takes
	// effect at the next StartReading.
	SetConsumeBroadcasts(consume bool)

	SendOneToOne(ctx context.Context, targetInstanceID, slotName string, header, body message.Hash) error
	SendSignal(ctx context.Context, signalName string, header, body message.Hash) error
	SendBroadcast(ctx context.Context, slotName string, header, body message.Hash) error

	// SubscribeToRemoteSignal returns once the transport confirmed the
	// subscription. Subscriptions are reference counted; "*" as
	// signalInstanceID matches every emitter.
	SubscribeToRemoteSignal(ctx context.Context, signalInstanceID, signalName string) error
	SubscribeToRemoteSignalAsync(signalInstanceID, signalName string, handler func(error))
	UnsubscribeFromRemoteSignal(ctx context.Context, signalInstanceID, signalName string) error
	UnsubscribeFromRemoteSignalAsync(signalInstanceID, signalName string, handler func(error))

	StartReading(onMessage ReadHandler, onError ErrorNotifier) error
	StopReading()

	// OnConnectionChange registers a callback for transport status changes
	OnConnectionChange(handler func(connected bool))

	// Instances returns the registry of live instances for the domain
	Instances(ctx context.Context) (InstanceStore, error)
}

// Config describes how to reach the broker and who we are on it
type Config struct {
	// URLs lists endpoints of one transport; the first one selects the implementation
	URLs       []string
	Domain     string
	InstanceID string

	// Timeout bounds connects and subscription round-trips
	Timeout time.Duration
	// InstanceTTL expires instance records that are not refreshed; 0 keeps them
	InstanceTTL time.Duration

	Username string
	Password string
	Token    string
	TLS      security.ClientTLSConfig
}

// DefaultTimeout is used when Config.Timeout is unset
const DefaultTimeout = 5 * time.Second

func (c Config) timeout() time.Duration {
	if c.Timeout > 0 {
		return c.Timeout
	}
	return DefaultTimeout
}

// Validate checks the configuration
func (c Config) Validate() error {
	if len(c.URLs) == 0 {
		return errors.WrapInvalid(errors.ErrMissingConfig, "Config", "Validate", "broker URL required")
	}
	if c.Domain == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "Config", "Validate", "domain required")
	}
	if err := ValidateDomain(c.Domain); err != nil {
		return err
	}
	return ValidateInstanceID(c.InstanceID)
}

// Option configures a broker
type Option func(*options)

type options struct {
	logger  *slog.Logger
	metrics *metric.Metrics
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithMetrics records traffic in the registry's core metrics
func WithMetrics(registry *metric.MetricsRegistry) Option {
	return func(o *options) {
		o.metrics = registry.CoreMetrics()
	}
}

func applyOptions(opts []Option) options {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default().With("component", "broker")
	}
	return o
}

// Transport names the implementation a URL scheme selects: "nats", "mqtt",
// "mem" or "" for unsupported schemes
func Transport(scheme string) string {
	switch strings.ToLower(scheme) {
	case "nats", "tls":
		return "nats"
	case "mqtt", "mqtts", "tcp", "ssl":
		return "mqtt"
	case "mem":
		return "mem"
	default:
		return ""
	}
}

// Scheme returns the lower-cased URL scheme of the first configured URL
func (c Config) Scheme() string {
	if len(c.URLs) == 0 {
		return ""
	}
	u, err := url.Parse(c.URLs[0])
	if err != nil || u.Scheme == "" {
		return ""
	}
	return strings.ToLower(u.Scheme)
}

// New creates the broker implementation matching the configured URL scheme:
// nats:// and tls:// use NATS, mqtt://, mqtts://, tcp:// and ssl:// use
// MQTT, mem:// a process-local hub.
func New(cfg Config, opts ...Option) (Broker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	switch scheme := cfg.Scheme(); scheme {
	case "nats", "tls":
		return NewNATSBroker(cfg, opts...)
	case "mqtt", "mqtts", "tcp", "ssl":
		return NewMQTTBroker(cfg, opts...)
	case "mem":
		return NewMemoryBroker(cfg, opts...)
	default:
		return nil, errors.WrapInvalid(
			fmt.Errorf("unsupported broker scheme %q in %q", scheme, cfg.URLs[0]),
			"broker", "New", "select implementation")
	}
}
