package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/c360/sigslot/errors"
)

// DefaultEnvPrefix prefixes the environment overrides, e.g. SIGSLOT_LOG_LEVEL
const DefaultEnvPrefix = "SIGSLOT"

// Loader handles configuration loading with layers and overrides:
// defaults, then each file layer in order, then environment variables, then
// broker discovery from the Karabo environment for whatever is still unset
type Loader struct {
	layers     []string
	validation bool
	envPrefix  string
}

// NewLoader creates a new configuration loader
func NewLoader() *Loader {
	return &Loader{
		layers:     []string{},
		validation: true,
		envPrefix:  DefaultEnvPrefix,
	}
}

// AddLayer adds a configuration file layer (.json, .yaml or .yml)
func (l *Loader) AddLayer(path string) {
	l.layers = append(l.layers, path)
}

// EnableValidation enables or disables schema and semantic validation
func (l *Loader) EnableValidation(enable bool) {
	l.validation = enable
}

// SetEnvPrefix changes the prefix of environment overrides
func (l *Loader) SetEnvPrefix(prefix string) {
	l.envPrefix = prefix
}

// LoadFile loads configuration from a single file
func (l *Loader) LoadFile(path string) (*Config, error) {
	l.layers = []string{path}
	return l.Load()
}

// Load loads and merges all configuration layers
func (l *Loader) Load() (*Config, error) {
	merged, err := toMap(Default())
	if err != nil {
		return nil, err
	}

	for _, path := range l.layers {
		layer, err := l.loadLayer(path)
		if err != nil {
			return nil, err
		}
		merged = deepMergeMaps(merged, layer)
	}

	data, err := json.Marshal(merged)
	if err != nil {
		return nil, errors.WrapInvalid(err, "Loader", "Load", "marshal merged layers")
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, errors.WrapInvalid(err, "Loader", "Load", "decode merged layers")
	}

	if err := l.applyEnvOverrides(&cfg); err != nil {
		return nil, err
	}
	applyKaraboEnv(&cfg)

	if l.validation {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	return &cfg, nil
}

// loadLayer reads one file into a JSON-compatible map
func (l *Loader) loadLayer(path string) (map[string]any, error) {
	data, err := safeReadFile(path)
	if err != nil {
		return nil, errors.WrapInvalid(err, "Loader", "loadLayer", fmt.Sprintf("read %s", path))
	}
	format, err := configFormat(path)
	if err != nil {
		return nil, errors.WrapInvalid(err, "Loader", "loadLayer", "detect format")
	}

	var raw map[string]any
	switch format {
	case "yaml":
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, errors.WrapInvalid(err, "Loader", "loadLayer", fmt.Sprintf("parse %s", path))
		}
		// normalize to what encoding/json produces
		if data, err = json.Marshal(raw); err != nil {
			return nil, errors.WrapInvalid(err, "Loader", "loadLayer", fmt.Sprintf("convert %s", path))
		}
		raw = nil
	default:
		if err := validateJSONDepth(data); err != nil {
			return nil, errors.WrapInvalid(err, "Loader", "loadLayer", fmt.Sprintf("check %s", path))
		}
	}

	if len(strings.TrimSpace(string(data))) == 0 || string(data) == "null" {
		return map[string]any{}, nil
	}
	if l.validation {
		if err := ValidateDocument(data); err != nil {
			return nil, errors.WrapInvalid(err, "Loader", "loadLayer", path)
		}
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, errors.WrapInvalid(err, "Loader", "loadLayer", fmt.Sprintf("parse %s", path))
	}
	return raw, nil
}

func toMap(cfg *Config) (map[string]any, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, errors.WrapFatal(err, "Loader", "toMap", "marshal config")
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, errors.WrapFatal(err, "Loader", "toMap", "unmarshal config")
	}
	return m, nil
}

// deepMergeMaps recursively merges two maps, with override taking precedence
func deepMergeMaps(base, override map[string]any) map[string]any {
	result := make(map[string]any, len(base))
	for k, v := range base {
		result[k] = v
	}

	for k, v := range override {
		if v == nil {
			continue
		}
		if baseMap, ok := base[k].(map[string]any); ok {
			if overrideMap, ok := v.(map[string]any); ok {
				result[k] = deepMergeMaps(baseMap, overrideMap)
				continue
			}
		}
		result[k] = v
	}
	return result
}

// applyEnvOverrides applies <PREFIX>_* environment variables
func (l *Loader) applyEnvOverrides(cfg *Config) error {
	lookup := func(name string) (string, bool, error) {
		key := l.envPrefix + "_" + name
		val, ok := os.LookupEnv(key)
		if !ok || val == "" {
			return "", false, nil
		}
		if err := validateEnvVar(key, val); err != nil {
			return "", false, errors.WrapInvalid(err, "Loader", "applyEnvOverrides", key)
		}
		return val, true, nil
	}

	strings_ := map[string]*string{
		"INSTANCE_ID":     &cfg.Instance.ID,
		"INSTANCE_TYPE":   &cfg.Instance.Type,
		"BROKER_DOMAIN":   &cfg.Broker.Domain,
		"BROKER_USERNAME": &cfg.Broker.Username,
		"BROKER_PASSWORD": &cfg.Broker.Password,
		"BROKER_TOKEN":    &cfg.Broker.Token,
		"P2P_HOST":        &cfg.P2P.Host,
		"LOG_LEVEL":       &cfg.Log.Level,
		"LOG_FORMAT":      &cfg.Log.Format,
	}
	for name, dst := range strings_ {
		val, ok, err := lookup(name)
		if err != nil {
			return err
		}
		if ok {
			*dst = val
		}
	}

	if val, ok, err := lookup("BROKER_URLS"); err != nil {
		return err
	} else if ok {
		cfg.Broker.URLs = splitList(val)
	}

	ints := map[string]*int{
		"EVENTLOOP_THREADS": &cfg.EventLoop.Threads,
		"METRICS_PORT":      &cfg.Metrics.Port,
		"MONITOR_PORT":      &cfg.Monitor.Port,
	}
	for name, dst := range ints {
		val, ok, err := lookup(name)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		n, err := strconv.Atoi(val)
		if err != nil {
			return errors.WrapInvalid(err, "Loader", "applyEnvOverrides", l.envPrefix+"_"+name)
		}
		*dst = n
	}

	bools := map[string]*bool{
		"P2P_ENABLED":     &cfg.P2P.Enabled,
		"METRICS_ENABLED": &cfg.Metrics.Enabled,
		"MONITOR_ENABLED": &cfg.Monitor.Enabled,
		"HEARTBEAT_TRACK": &cfg.Heartbeat.Track,
	}
	for name, dst := range bools {
		val, ok, err := lookup(name)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		b, err := strconv.ParseBool(val)
		if err != nil {
			return errors.WrapInvalid(err, "Loader", "applyEnvOverrides", l.envPrefix+"_"+name)
		}
		*dst = b
	}

	durations := map[string]*Duration{
		"HEARTBEAT_INTERVAL": &cfg.Heartbeat.Interval,
		"REQUEST_TIMEOUT":    &cfg.Request.Timeout,
		"BROKER_TIMEOUT":     &cfg.Broker.Timeout,
	}
	for name, dst := range durations {
		val, ok, err := lookup(name)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		if err := dst.parse(val); err != nil {
			return errors.WrapInvalid(err, "Loader", "applyEnvOverrides", l.envPrefix+"_"+name)
		}
	}
	return nil
}

// applyKaraboEnv fills broker URLs and domain the configuration left empty
func applyKaraboEnv(cfg *Config) {
	if len(cfg.Broker.URLs) == 0 {
		cfg.Broker.URLs = BrokersFromEnv("nats")
	}
	if len(cfg.Broker.URLs) == 0 {
		cfg.Broker.URLs = BrokersFromEnv("mqtt")
	}
	if len(cfg.Broker.URLs) == 0 {
		cfg.Broker.URLs = []string{DefaultBrokerURL}
	}
	if cfg.Broker.Domain == "" {
		cfg.Broker.Domain = DomainFromEnv()
	}
}
