package channel

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/c360/sigslot/errors"
	"github.com/c360/sigslot/eventloop"
	"github.com/c360/sigslot/message"
	"github.com/c360/sigslot/metric"
)

// Data distribution of an input among the inputs of one output
const (
	DistributionCopy   = "copy"
	DistributionShared = "shared"
)

// Policies applied when an input is not ready for the next chunk
const (
	PolicyDrop      = "drop"
	PolicyWait      = "wait"
	PolicyQueue     = "queue"
	PolicyQueueDrop = "queueDrop"
)

// Defaults
const (
	DefaultMaxQueueLength    = 2
	DefaultSharedQueueLength = 100
	DefaultMinData           = 1
	DefaultConnectTimeout    = 5 * time.Second
)

// Values of the channel information served for an output
const (
	ConnectionTypeTCP    = "tcp"
	MemoryLocationRemote = "remote"
)

// slots of an input queue whose policy never queues data: one chunk plus
// an end-of-stream
const controlQueueLength = 2

// handshake and chunk header keys
const (
	reasonHello  = "hello"
	reasonUpdate = "update"
	reasonData   = "data"

	keyReason           = "reason"
	keyInstanceID       = "instanceId"
	keyEndOfStream      = "endOfStream"
	keySource           = "source"
	keyDataDistribution = "dataDistribution"
	keyOnSlowness       = "onSlowness"
	keyMaxQueueLength   = "maxQueueLength"
	keyMemoryLocation   = "memoryLocation"
)

// ConnectionStatus is the state of one input/output connection
type ConnectionStatus int

const (
	Disconnected ConnectionStatus = iota
	Connecting
	Connected
)

func (s ConnectionStatus) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "unknown"
	}
}

// Meta describes where and when a data item was written
type Meta struct {
	Source    string `json:"source"`
	Timestamp int64  `json:"timestamp"`
}

// Data is one item of a chunk
type Data struct {
	Hash message.Hash `json:"hash"`
	Meta Meta         `json:"meta"`
}

// frame is the unit exchanged on a channel connection: a handshake map,
// or a data chunk with its header
type frame struct {
	Header message.Hash `json:"header"`
	Data   []Data       `json:"data,omitempty"`
}

func encodeFrame(f frame) ([]byte, error) {
	b, err := json.Marshal(f)
	if err != nil {
		return nil, errors.WrapInvalid(err, "channel", "encodeFrame", "marshal frame")
	}
	return b, nil
}

func decodeFrame(b []byte) (frame, error) {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var f frame
	if err := dec.Decode(&f); err != nil {
		return frame{}, errors.WrapInvalid(err, "channel", "decodeFrame", "unmarshal frame")
	}
	if f.Header == nil {
		f.Header = message.Hash{}
	}
	return f, nil
}

func isEndOfStream(h message.Hash) bool {
	b, _ := h[keyEndOfStream].(bool)
	return b
}

// OutputConfig configures an OutputChannel
type OutputConfig struct {
	// Address to listen on; ":0" picks a free port
	Address string `json:"address" yaml:"address"`
	// Host advertised to inputs; empty uses the bound address or host name
	Host string `json:"host" yaml:"host"`
	// NoInputShared applies to shared chunks while no shared input is
	// ready: drop, queue or wait
	NoInputShared        string      `json:"noInputShared" yaml:"noInputShared"`
	MaxSharedQueueLength int         `json:"maxSharedQueueLength" yaml:"maxSharedQueueLength"`
	TLS                  *tls.Config `json:"-" yaml:"-"`
}

func (c OutputConfig) withDefaults() OutputConfig {
	if c.Address == "" {
		c.Address = ":0"
	}
	switch c.NoInputShared {
	case PolicyDrop, PolicyQueue, PolicyWait:
	default:
		c.NoInputShared = PolicyWait
	}
	if c.MaxSharedQueueLength <= 0 {
		c.MaxSharedQueueLength = DefaultSharedQueueLength
	}
	return c
}

// InputConfig configures an InputChannel
type InputConfig struct {
	// ConnectedOutputChannels lists "instanceId:channelName" outputs
	ConnectedOutputChannels []string `json:"connectedOutputChannels" yaml:"connectedOutputChannels"`
	DataDistribution        string   `json:"dataDistribution" yaml:"dataDistribution"`
	OnSlowness              string   `json:"onSlowness" yaml:"onSlowness"`
	MaxQueueLength          int      `json:"maxQueueLength" yaml:"maxQueueLength"`
	// MinData is the number of items that triggers the handlers. Zero
	// triggers them only at end-of-stream.
	MinData int `json:"minData" yaml:"minData"`
	// DelayOnInput postpones each readiness notification
	DelayOnInput time.Duration `json:"delayOnInput" yaml:"delayOnInput"`
	TLS          *tls.Config   `json:"-" yaml:"-"`
}

// DefaultInputConfig returns a copy input that waits for slow handlers and
// processes every chunk
func DefaultInputConfig() InputConfig {
	return InputConfig{
		DataDistribution: DistributionCopy,
		OnSlowness:       PolicyWait,
		MaxQueueLength:   DefaultMaxQueueLength,
		MinData:          DefaultMinData,
	}
}

func (c InputConfig) withDefaults() InputConfig {
	c.DataDistribution = normalizeDistribution(c.DataDistribution)
	c.OnSlowness = normalizePolicy(c.OnSlowness)
	if c.MaxQueueLength <= 0 {
		c.MaxQueueLength = DefaultMaxQueueLength
	}
	if c.MinData < 0 {
		c.MinData = DefaultMinData
	}
	return c
}

func normalizeDistribution(d string) string {
	if d == DistributionShared {
		return d
	}
	return DistributionCopy
}

func normalizePolicy(p string) string {
	switch p {
	case PolicyDrop, PolicyWait, PolicyQueue, PolicyQueueDrop:
		return p
	default:
		return PolicyWait
	}
}

// addressOf turns the channel information of an output into a dial address
func addressOf(info message.Hash) (string, error) {
	if t := info.GetString("connectionType"); t != "" && t != ConnectionTypeTCP {
		return "", errors.WrapInvalid(errors.ErrInvalidConfig, "channel", "addressOf",
			"unsupported connection type "+strconv.Quote(t))
	}
	host := info.GetString("hostname")
	port, err := message.GetAs[int](info, "port")
	if host == "" || err != nil || port <= 0 {
		return "", errors.WrapInvalid(errors.ErrInvalidConfig, "channel", "addressOf",
			"output channel information lacks hostname or port")
	}
	return "tcp://" + net.JoinHostPort(host, strconv.Itoa(port)), nil
}

// Option configures an OutputChannel or InputChannel
type Option func(*options)

type options struct {
	logger  *slog.Logger
	metrics *metric.Metrics
	loop    *eventloop.EventLoop
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithMetrics records channel traffic in the registry's core metrics
func WithMetrics(registry *metric.MetricsRegistry) Option {
	return func(o *options) { o.metrics = registry.CoreMetrics() }
}

// WithEventLoop sets the loop running input handlers and delay timers
func WithEventLoop(loop *eventloop.EventLoop) Option {
	return func(o *options) { o.loop = loop }
}

func applyOptions(component string, opts []Option) options {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default().With("component", component)
	}
	if o.loop == nil {
		o.loop = eventloop.Global()
	}
	return o
}

// ctxError maps a done context onto the error kinds of the package
func ctxError(ctx context.Context, format string, args ...any) error {
	if ctx.Err() == context.DeadlineExceeded {
		return errors.WrapKind(errors.KindTimeout, ctx.Err(), format, args...)
	}
	return errors.WrapKind(errors.KindCancelled, ctx.Err(), format, args...)
}
