package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/c360/sigslot/broker"
	"github.com/c360/sigslot/errors"
	"github.com/c360/sigslot/pkg/security"
)

// DefaultBrokerURL is used when neither the configuration nor the Karabo
// environment names a broker
const DefaultBrokerURL = "nats://localhost:4222"

// Config represents the complete process configuration
type Config struct {
	Version   string          `json:"version,omitempty"  yaml:"version,omitempty"` // Semantic version for KV sync control
	Instance  InstanceConfig  `json:"instance"           yaml:"instance"`
	Broker    BrokerConfig    `json:"broker"             yaml:"broker"`
	Heartbeat HeartbeatConfig `json:"heartbeat"          yaml:"heartbeat"`
	Request   RequestConfig   `json:"request"            yaml:"request"`
	P2P       P2PConfig       `json:"p2p"                yaml:"p2p"`
	EventLoop EventLoopConfig `json:"eventloop"          yaml:"eventloop"`
	Metrics   MetricsConfig   `json:"metrics"            yaml:"metrics"`
	Monitor   MonitorConfig   `json:"monitor"            yaml:"monitor"`
	Log       LogConfig       `json:"log"                yaml:"log"`
	Security  security.Config `json:"security,omitempty" yaml:"security,omitempty"`
}

// InstanceConfig defines the identity of the process on the broker
type InstanceConfig struct {
	ID   string `json:"id"             yaml:"id"`
	Type string `json:"type,omitempty" yaml:"type,omitempty"` // instanceInfo "type", "client" if empty
	// Info is merged into the announced instanceInfo
	Info             map[string]any `json:"info,omitempty"              yaml:"info,omitempty"`
	IgnoreBroadcasts bool           `json:"ignore_broadcasts,omitempty" yaml:"ignore_broadcasts,omitempty"`
}

// BrokerConfig defines the broker connection
type BrokerConfig struct {
	URLs        []string `json:"urls,omitempty"         yaml:"urls,omitempty"`
	Domain      string   `json:"domain,omitempty"       yaml:"domain,omitempty"` // Karabo topic
	Timeout     Duration `json:"timeout,omitempty"      yaml:"timeout,omitempty"`
	InstanceTTL Duration `json:"instance_ttl,omitempty" yaml:"instance_ttl,omitempty"`
	Username    string   `json:"username,omitempty"     yaml:"username,omitempty"`
	Password    string   `json:"password,omitempty"     yaml:"password,omitempty"`
	Token       string   `json:"token,omitempty"        yaml:"token,omitempty"`
}

// HeartbeatConfig defines liveliness announcements and instance tracking
type HeartbeatConfig struct {
	Interval    Duration `json:"interval"               yaml:"interval"` // negative disables heartbeats
	Track       bool     `json:"track"                  yaml:"track"`
	TrackPeriod Duration `json:"track_period,omitempty" yaml:"track_period,omitempty"`
}

// RequestConfig defines request deadlines
type RequestConfig struct {
	Timeout           Duration `json:"timeout"            yaml:"timeout"`
	UniquenessTimeout Duration `json:"uniqueness_timeout" yaml:"uniqueness_timeout"`
}

// P2PConfig defines the point-to-point signal transport
type P2PConfig struct {
	Enabled bool   `json:"enabled"           yaml:"enabled"`
	Address string `json:"address,omitempty" yaml:"address,omitempty"` // listen address, ":0" if empty
	Host    string `json:"host,omitempty"    yaml:"host,omitempty"`    // advertised host
}

// EventLoopConfig defines the shared event loop
type EventLoopConfig struct {
	Threads int `json:"threads" yaml:"threads"` // 0 uses max(2, GOMAXPROCS)
}

// MetricsConfig defines the Prometheus endpoint
type MetricsConfig struct {
	Enabled bool   `json:"enabled"        yaml:"enabled"`
	Port    int    `json:"port"           yaml:"port"`
	Path    string `json:"path,omitempty" yaml:"path,omitempty"`
}

// MonitorConfig defines the topology websocket endpoint
type MonitorConfig struct {
	Enabled        bool     `json:"enabled"                   yaml:"enabled"`
	Port           int      `json:"port"                      yaml:"port"`
	Path           string   `json:"path,omitempty"            yaml:"path,omitempty"`
	UpdateRate     float64  `json:"update_rate,omitempty"     yaml:"update_rate,omitempty"`
	UpdateBurst    int      `json:"update_burst,omitempty"    yaml:"update_burst,omitempty"`
	SendBuffer     int      `json:"send_buffer,omitempty"     yaml:"send_buffer,omitempty"`
	CacheTTL       Duration `json:"cache_ttl,omitempty"       yaml:"cache_ttl,omitempty"`
	AllowedOrigins []string `json:"allowed_origins,omitempty" yaml:"allowed_origins,omitempty"`
}

// LogConfig defines the process logger
type LogConfig struct {
	Level  string `json:"level"  yaml:"level"`  // debug, info, warn, error
	Format string `json:"format" yaml:"format"` // json, text
}

// Default returns the built-in configuration
func Default() *Config {
	return &Config{
		Instance: InstanceConfig{
			ID: DefaultInstanceID(),
		},
		Broker: BrokerConfig{
			Timeout: Duration(broker.DefaultTimeout),
		},
		Heartbeat: HeartbeatConfig{
			Interval:    Duration(10 * time.Second),
			TrackPeriod: Duration(time.Second),
		},
		Request: RequestConfig{
			Timeout:           Duration(10 * time.Second),
			UniquenessTimeout: Duration(200 * time.Millisecond),
		},
		Metrics: MetricsConfig{
			Port: 9090,
			Path: "/metrics",
		},
		Monitor: MonitorConfig{
			Port:        8082,
			Path:        "/topology",
			UpdateRate:  50,
			UpdateBurst: 20,
			SendBuffer:  256,
			CacheTTL:    Duration(2 * time.Minute),
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// DefaultInstanceID derives an instance id from host name and process id
func DefaultInstanceID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "localhost"
	}
	host = strings.NewReplacer(".", "-", " ", "-", ":", "-").Replace(host)
	return fmt.Sprintf("%s_%d", host, os.Getpid())
}

// Validate checks the semantic constraints the schema cannot express
func (c *Config) Validate() error {
	if err := broker.ValidateInstanceID(c.Instance.ID); err != nil {
		return errors.WrapInvalid(err, "Config", "Validate", "instance.id")
	}

	if len(c.Broker.URLs) == 0 {
		return errors.WrapInvalid(errors.ErrMissingConfig, "Config", "Validate", "broker.urls is required")
	}
	transport := ""
	for i, raw := range c.Broker.URLs {
		u, err := url.Parse(raw)
		if err != nil || u.Scheme == "" {
			return errors.WrapInvalid(
				fmt.Errorf("%w: broker.urls[%d] %q is not a URL", errors.ErrInvalidConfig, i, raw),
				"Config", "Validate", "broker.urls")
		}
		t := broker.Transport(u.Scheme)
		if t == "" {
			return errors.WrapInvalid(
				fmt.Errorf("%w: unsupported broker scheme %q", errors.ErrInvalidConfig, u.Scheme),
				"Config", "Validate", "broker.urls")
		}
		if i == 0 {
			transport = t
		} else if t != transport {
			return errors.WrapInvalid(
				fmt.Errorf("%w: broker.urls mixes transports", errors.ErrInvalidConfig),
				"Config", "Validate", "broker.urls")
		}
	}
	if err := broker.ValidateDomain(c.Broker.Domain); err != nil {
		return errors.WrapInvalid(err, "Config", "Validate", "broker.domain")
	}

	if c.Request.Timeout < 0 || c.Request.UniquenessTimeout < 0 || c.Broker.Timeout < 0 ||
		c.Heartbeat.TrackPeriod < 0 || c.Monitor.CacheTTL < 0 || c.Broker.InstanceTTL < 0 {
		return errors.WrapInvalid(
			fmt.Errorf("%w: durations must not be negative (except heartbeat.interval)", errors.ErrInvalidConfig),
			"Config", "Validate", "durations")
	}
	if c.EventLoop.Threads < 0 {
		return errors.WrapInvalid(
			fmt.Errorf("%w: eventloop.threads %d", errors.ErrInvalidConfig, c.EventLoop.Threads),
			"Config", "Validate", "eventloop.threads")
	}
	if err := validatePort("metrics.port", c.Metrics.Port); err != nil {
		return err
	}
	if err := validatePort("monitor.port", c.Monitor.Port); err != nil {
		return err
	}
	if c.Metrics.Enabled && c.Monitor.Enabled && c.Metrics.Port != 0 && c.Metrics.Port == c.Monitor.Port {
		return errors.WrapInvalid(
			fmt.Errorf("%w: metrics and monitor both use port %d", errors.ErrInvalidConfig, c.Metrics.Port),
			"Config", "Validate", "ports")
	}

	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return errors.WrapInvalid(
			fmt.Errorf("%w: log.level %q", errors.ErrInvalidConfig, c.Log.Level),
			"Config", "Validate", "log.level")
	}
	switch strings.ToLower(c.Log.Format) {
	case "json", "text":
	default:
		return errors.WrapInvalid(
			fmt.Errorf("%w: log.format %q", errors.ErrInvalidConfig, c.Log.Format),
			"Config", "Validate", "log.format")
	}

	if err := validateSecurity(c.Security); err != nil {
		return errors.WrapInvalid(err, "Config", "Validate", "security")
	}
	return nil
}

func validatePort(field string, port int) error {
	if port < 0 || port > 65535 {
		return errors.WrapInvalid(
			fmt.Errorf("%w: %s %d out of range", errors.ErrInvalidConfig, field, port),
			"Config", "Validate", field)
	}
	return nil
}

// Clone creates a deep copy of the configuration
func (c *Config) Clone() *Config {
	if c == nil {
		return &Config{}
	}

	data, err := json.Marshal(c)
	if err != nil {
		copied := *c
		return &copied
	}
	var clone Config
	if err := json.Unmarshal(data, &clone); err != nil {
		copied := *c
		return &copied
	}
	return &clone
}

// String returns a JSON representation of the config with secrets masked
func (c *Config) String() string {
	masked := c.Clone()
	if masked.Broker.Password != "" {
		masked.Broker.Password = "****"
	}
	if masked.Broker.Token != "" {
		masked.Broker.Token = "****"
	}
	data, _ := json.MarshalIndent(masked, "", "  ")
	return string(data)
}

// SafeConfig provides thread-safe access to configuration
type SafeConfig struct {
	mu     sync.RWMutex
	config *Config
}

// NewSafeConfig creates a new thread-safe config wrapper
func NewSafeConfig(cfg *Config) *SafeConfig {
	if cfg == nil {
		cfg = &Config{}
	}
	return &SafeConfig{
		config: cfg,
	}
}

// Get returns a deep copy of the current configuration
func (sc *SafeConfig) Get() *Config {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	return sc.config.Clone()
}

// Update atomically replaces the configuration after validation
func (sc *SafeConfig) Update(cfg *Config) error {
	if cfg == nil {
		return errors.WrapInvalid(errors.ErrMissingConfig, "SafeConfig", "Update", "config cannot be nil")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.config = cfg.Clone()
	return nil
}
