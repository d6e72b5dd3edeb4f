package config

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360/sigslot/broker"
	"github.com/c360/sigslot/errors"
	"github.com/c360/sigslot/natsclient"
)

// Runtime sections that can be changed through the configuration bucket
const (
	SectionLog       = "log"
	SectionHeartbeat = "heartbeat"
	SectionRequest   = "request"
	SectionMonitor   = "monitor"

	versionKey = "version"
)

var runtimeSections = []string{SectionLog, SectionHeartbeat, SectionRequest, SectionMonitor}

// Update represents a configuration change notification
type Update struct {
	Path   string      // Changed section, e.g. "log"
	Config *SafeConfig // Full latest configuration
}

// ConfigBucket names the key-value bucket holding runtime configuration of a domain
func ConfigBucket(domain string) string {
	return strings.TrimSuffix(broker.InstanceBucket(domain), "_instances") + "_config"
}

// Manager keeps the runtime sections of a process configuration in a
// JetStream key-value bucket. Keys are "<instance>.<section>", so every
// process of a domain shares the bucket without seeing the others' changes.
type Manager struct {
	config      *SafeConfig
	kv          jetstream.KeyValue
	kvStore     *natsclient.KVStore
	prefix      string
	watcher     jetstream.KeyWatcher
	subscribers map[string][]chan Update
	mu          sync.RWMutex
	logger      *slog.Logger

	shutdownCh chan struct{}
	wg         sync.WaitGroup
	stopped    atomic.Bool
}

// NewManager creates a configuration manager backed by the bucket of cfg's domain
func NewManager(ctx context.Context, cfg *Config, client *natsclient.Client, logger *slog.Logger) (*Manager, error) {
	if cfg == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Manager", "NewManager", "config is nil")
	}
	if client == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Manager", "NewManager", "nats client is nil")
	}
	if logger == nil {
		logger = slog.Default()
	}

	kv, err := client.CreateKeyValueBucket(ctx, jetstream.KeyValueConfig{
		Bucket:      ConfigBucket(cfg.Broker.Domain),
		Description: "sigslot runtime configuration",
		History:     5,
	})
	if err != nil {
		return nil, errors.WrapTransient(err, "Manager", "NewManager", "create config bucket")
	}

	return &Manager{
		config:      NewSafeConfig(cfg),
		kv:          kv,
		kvStore:     client.NewKVStore(kv),
		prefix:      broker.EscapeKey(cfg.Instance.ID),
		subscribers: make(map[string][]chan Update),
		logger:      logger.With("component", "config-manager"),
	}, nil
}

// GetConfig returns the current configuration
func (cm *Manager) GetConfig() *SafeConfig {
	return cm.config
}

func (cm *Manager) key(section string) string {
	return cm.prefix + "." + section
}

// OnChange subscribes to changes of sections matching pattern. The current
// configuration is delivered immediately. Patterns:
//   - "log" - exact section
//   - "*" - every section
//   - "mon*" - sections starting with mon
func (cm *Manager) OnChange(pattern string) <-chan Update {
	ch := make(chan Update, 1)

	cm.mu.Lock()
	cm.subscribers[pattern] = append(cm.subscribers[pattern], ch)
	cm.mu.Unlock()

	select {
	case ch <- Update{Path: pattern, Config: cm.config}:
	default:
	}
	return ch
}

// Start synchronizes the bucket with the local configuration and begins
// watching for changes. A newer local version is pushed; otherwise the
// bucket wins, as operators may have edited it.
func (cm *Manager) Start(ctx context.Context) error {
	cm.shutdownCh = make(chan struct{})

	hasConfig, err := cm.hasKVConfig(ctx)
	if err != nil {
		cm.logger.Warn("Failed to check KV config existence", "error", err)
		hasConfig = false
	}

	if !hasConfig {
		cm.logger.Info("No runtime configuration in KV, pushing local configuration")
		if err := cm.PushToKV(ctx); err != nil {
			cm.logger.Error("Failed to push initial config to KV", "error", err)
		}
	} else {
		cm.reconcile(ctx)
	}

	watcher, err := cm.kv.Watch(ctx, cm.prefix+".*", jetstream.UpdatesOnly())
	if err != nil {
		return errors.WrapTransient(err, "Manager", "Start", "watch config bucket")
	}
	cm.watcher = watcher

	cm.wg.Add(1)
	go cm.processWatcher(ctx, watcher)
	return nil
}

func (cm *Manager) reconcile(ctx context.Context) {
	fileVersion := cm.config.Get().Version
	kvVersion, err := cm.getKVVersion(ctx)
	if err != nil {
		cm.logger.Warn("Failed to get KV version, syncing from KV", "error", err)
		cm.syncOrWarn(ctx)
		return
	}

	cmp, err := CompareVersions(fileVersion, kvVersion)
	switch {
	case err != nil:
		cm.logger.Warn("Failed to compare versions, syncing from KV",
			"file_version", fileVersion, "kv_version", kvVersion, "error", err)
		cm.syncOrWarn(ctx)
	case cmp > 0:
		cm.logger.Info("File version is newer than KV, updating KV",
			"file_version", fileVersion, "kv_version", kvVersion)
		if err := cm.PushToKV(ctx); err != nil {
			cm.logger.Error("Failed to update KV with newer config", "error", err)
		}
	case cmp < 0:
		cm.logger.Warn("File version is older than KV, using KV config",
			"file_version", fileVersion, "kv_version", kvVersion,
			"hint", "bump file version to update KV")
		cm.syncOrWarn(ctx)
	default:
		cm.logger.Info("File and KV versions match, syncing from KV", "version", fileVersion)
		cm.syncOrWarn(ctx)
	}
}

func (cm *Manager) syncOrWarn(ctx context.Context) {
	if err := cm.syncFromKV(ctx); err != nil {
		cm.logger.Warn("Failed to sync from KV on startup", "error", err)
	}
}

// Stop stops watching and closes every subscriber channel
func (cm *Manager) Stop(timeout time.Duration) error {
	if !cm.stopped.CompareAndSwap(false, true) {
		return nil
	}

	if cm.shutdownCh != nil {
		close(cm.shutdownCh)
	}
	if cm.watcher != nil {
		_ = cm.watcher.Stop()
	}

	done := make(chan struct{})
	go func() {
		cm.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(timeout):
		cm.logger.Warn("Manager shutdown timeout", "timeout", timeout)
	}

	cm.mu.Lock()
	for _, channels := range cm.subscribers {
		for _, ch := range channels {
			close(ch)
		}
	}
	cm.subscribers = make(map[string][]chan Update)
	cm.mu.Unlock()
	return nil
}

func (cm *Manager) processWatcher(ctx context.Context, watcher jetstream.KeyWatcher) {
	defer cm.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-cm.shutdownCh:
			return
		case entry, ok := <-watcher.Updates():
			if !ok {
				return
			}
			if entry == nil {
				continue
			}
			if entry.Operation() != jetstream.KeyValuePut {
				cm.logger.Debug("Ignoring removed config key", "key", entry.Key())
				continue
			}
			cm.handleUpdate(entry.Key(), entry.Value())
		}
	}
}

func (cm *Manager) handleUpdate(key string, value []byte) {
	if cm.stopped.Load() {
		return
	}

	section := strings.TrimPrefix(key, cm.prefix+".")
	if section == versionKey {
		return
	}
	if err := cm.updateConfig(section, value); err != nil {
		cm.logger.Error("Failed to update configuration", "key", key, "error", err)
		return
	}
	cm.logger.Info("Runtime configuration changed", "section", section)

	update := Update{Path: section, Config: cm.config}

	cm.mu.RLock()
	defer cm.mu.RUnlock()

	for pattern, channels := range cm.subscribers {
		if !matchesPattern(section, pattern) {
			continue
		}
		for _, ch := range channels {
			if cm.stopped.Load() {
				return
			}
			// slow subscribers only miss intermediate states
			select {
			case ch <- update:
			default:
			}
		}
	}
}

// matchesPattern checks if a section matches a subscription pattern
func matchesPattern(section, pattern string) bool {
	if pattern == section || pattern == "*" {
		return true
	}
	if prefix, found := strings.CutSuffix(pattern, "*"); found {
		return strings.HasPrefix(section, prefix)
	}
	return false
}

// updateConfig applies one section value on top of the current configuration
func (cm *Manager) updateConfig(section string, value []byte) error {
	if len(value) > maxConfigSize {
		return errors.WrapInvalid(fmt.Errorf("config value too large: %d bytes > %d", len(value), maxConfigSize),
			"Manager", "updateConfig", "check size")
	}
	if err := validateJSONDepth(value); err != nil {
		return errors.WrapInvalid(err, "Manager", "updateConfig", "check structure")
	}
	if err := ValidateDocument(fmt.Appendf(nil, `{%q:%s}`, section, value)); err != nil {
		return err
	}

	current := cm.config.Get()
	var target any
	switch section {
	case SectionLog:
		target = &current.Log
	case SectionHeartbeat:
		target = &current.Heartbeat
	case SectionRequest:
		target = &current.Request
	case SectionMonitor:
		target = &current.Monitor
	default:
		cm.logger.Debug("Ignoring unknown config section", "section", section)
		return nil
	}
	if err := json.Unmarshal(value, target); err != nil {
		return errors.WrapInvalid(err, "Manager", "updateConfig", "parse "+section)
	}
	return cm.config.Update(current)
}

// PutSection stores a new value for a runtime section. Watchers, this
// manager included, see the change through the bucket.
func (cm *Manager) PutSection(ctx context.Context, section string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return errors.WrapInvalid(err, "Manager", "PutSection", "marshal "+section)
	}
	if err := ValidateDocument(fmt.Appendf(nil, `{%q:%s}`, section, data)); err != nil {
		return err
	}
	if _, err := cm.kvStore.Put(ctx, cm.key(section), data); err != nil {
		return err
	}
	return nil
}

// PushToKV writes the version and every runtime section of the current
// configuration to the bucket
func (cm *Manager) PushToKV(ctx context.Context) error {
	cfg := cm.config.Get()

	if cfg.Version != "" {
		data, err := json.Marshal(cfg.Version)
		if err != nil {
			return errors.WrapInvalid(err, "Manager", "PushToKV", "marshal version")
		}
		if _, err := cm.kvStore.Put(ctx, cm.key(versionKey), data); err != nil {
			return err
		}
	} else {
		cm.logger.Warn("Config version is empty, not pushing version to KV")
	}

	values := map[string]any{
		SectionLog:       cfg.Log,
		SectionHeartbeat: cfg.Heartbeat,
		SectionRequest:   cfg.Request,
		SectionMonitor:   cfg.Monitor,
	}
	for _, section := range runtimeSections {
		data, err := json.Marshal(values[section])
		if err != nil {
			return errors.WrapInvalid(err, "Manager", "PushToKV", "marshal "+section)
		}
		if _, err := cm.kvStore.Put(ctx, cm.key(section), data); err != nil {
			return err
		}
	}
	return nil
}

func (cm *Manager) hasKVConfig(ctx context.Context) (bool, error) {
	keys, err := cm.instanceKeys(ctx)
	if err != nil {
		return false, err
	}
	return len(keys) > 0, nil
}

func (cm *Manager) instanceKeys(ctx context.Context) ([]string, error) {
	keys, err := cm.kvStore.Keys(ctx)
	if err != nil {
		return nil, err
	}
	mine := keys[:0]
	for _, key := range keys {
		if strings.HasPrefix(key, cm.prefix+".") {
			mine = append(mine, key)
		}
	}
	return mine, nil
}

func (cm *Manager) getKVVersion(ctx context.Context) (string, error) {
	entry, err := cm.kvStore.Get(ctx, cm.key(versionKey))
	if err != nil {
		if natsclient.IsKVNotFoundError(err) {
			return "0.0.0", nil
		}
		return "", err
	}

	var version string
	if err := json.Unmarshal(entry.Value, &version); err != nil {
		cm.logger.Warn("Failed to parse version from KV, treating as 0.0.0", "error", err)
		return "0.0.0", nil
	}
	return version, nil
}

func (cm *Manager) syncFromKV(ctx context.Context) error {
	keys, err := cm.instanceKeys(ctx)
	if err != nil {
		return err
	}

	for _, key := range keys {
		section := strings.TrimPrefix(key, cm.prefix+".")
		if section == versionKey {
			continue
		}
		entry, err := cm.kvStore.Get(ctx, key)
		if err != nil {
			cm.logger.Warn("Failed to get KV entry during sync", "key", key, "error", err)
			continue
		}
		if err := cm.updateConfig(section, entry.Value); err != nil {
			cm.logger.Warn("Failed to apply KV config during sync", "key", key, "error", err)
		}
	}

	cm.logger.Info("Synced configuration from KV", "keys", len(keys))
	return nil
}

// CompareVersions compares two "major.minor.patch" versions with an
// optional "v" prefix. Empty versions count as 0.0.0.
func CompareVersions(a, b string) (int, error) {
	pa, err := parseVersion(a)
	if err != nil {
		return 0, err
	}
	pb, err := parseVersion(b)
	if err != nil {
		return 0, err
	}
	for i := range pa {
		switch {
		case pa[i] < pb[i]:
			return -1, nil
		case pa[i] > pb[i]:
			return 1, nil
		}
	}
	return 0, nil
}

func parseVersion(v string) ([3]int, error) {
	var parts [3]int
	v = strings.TrimPrefix(strings.TrimSpace(v), "v")
	if v == "" {
		return parts, nil
	}
	fields := strings.Split(v, ".")
	if len(fields) != 3 {
		return parts, errors.WrapInvalid(fmt.Errorf("invalid version %q", v), "config", "CompareVersions", "parse version")
	}
	for i, f := range fields {
		n, err := strconv.Atoi(f)
		if err != nil || n < 0 {
			return parts, errors.WrapInvalid(fmt.Errorf("invalid version %q", v), "config", "CompareVersions", "parse version")
		}
		parts[i] = n
	}
	return parts, nil
}
