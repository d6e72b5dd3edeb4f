package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360/sigslot/errors"
	"github.com/c360/sigslot/message"
	"github.com/c360/sigslot/natsclient"
)

// ErrInstanceNotFound is returned by InstanceStore.Get for unknown instances
var ErrInstanceNotFound = errors.New(errors.KindSignalSlot, "instance not registered")

// InstanceStore is the registry of live instances and their instanceInfo
type InstanceStore interface {
	Put(ctx context.Context, instanceID string, info message.Hash) error
	Get(ctx context.Context, instanceID string) (message.Hash, error)
	Delete(ctx context.Context, instanceID string) error
	List(ctx context.Context) (map[string]message.Hash, error)
}

// memoryInstances is the InstanceStore of a memory hub
type memoryInstances struct {
	mu        sync.RWMutex
	instances map[string]message.Hash
}

func newMemoryInstances() *memoryInstances {
	return &memoryInstances{instances: make(map[string]message.Hash)}
}

func (m *memoryInstances) Put(_ context.Context, instanceID string, info message.Hash) error {
	m.mu.Lock()
	m.instances[instanceID] = info.Clone()
	m.mu.Unlock()
	return nil
}

func (m *memoryInstances) Get(_ context.Context, instanceID string) (message.Hash, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	info, ok := m.instances[instanceID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrInstanceNotFound, instanceID)
	}
	return info.Clone(), nil
}

func (m *memoryInstances) Delete(_ context.Context, instanceID string) error {
	m.mu.Lock()
	delete(m.instances, instanceID)
	m.mu.Unlock()
	return nil
}

func (m *memoryInstances) List(_ context.Context) (map[string]message.Hash, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]message.Hash, len(m.instances))
	for id, info := range m.instances {
		out[id] = info.Clone()
	}
	return out, nil
}

// kvInstances keeps instanceInfo in a JetStream key-value bucket
type kvInstances struct {
	kv *natsclient.KVStore
}

// InstanceBucket names the key-value bucket holding the instances of domain
func InstanceBucket(domain string) string {
	var b strings.Builder
	for _, r := range domain {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	b.WriteString("_instances")
	return b.String()
}

func newKVInstances(ctx context.Context, client *natsclient.Client, cfg Config) (*kvInstances, error) {
	bucket, err := client.CreateKeyValueBucket(ctx, jetstream.KeyValueConfig{
		Bucket:      InstanceBucket(cfg.Domain),
		Description: "live sigslot instances of " + cfg.Domain,
		TTL:         cfg.InstanceTTL,
	})
	if err != nil {
		return nil, err
	}
	return &kvInstances{kv: client.NewKVStore(bucket)}, nil
}

func (s *kvInstances) Put(ctx context.Context, instanceID string, info message.Hash) error {
	data, err := json.Marshal(info)
	if err != nil {
		return errors.WrapInvalid(err, "InstanceStore", "Put", "marshal instance info")
	}
	_, err = s.kv.Put(ctx, EscapeKey(instanceID), data)
	return err
}

func (s *kvInstances) Get(ctx context.Context, instanceID string) (message.Hash, error) {
	entry, err := s.kv.Get(ctx, EscapeKey(instanceID))
	if err != nil {
		if natsclient.IsKVNotFoundError(err) {
			return nil, fmt.Errorf("%w: %s", ErrInstanceNotFound, instanceID)
		}
		return nil, err
	}
	return decodeInfo(entry.Value)
}

func (s *kvInstances) Delete(ctx context.Context, instanceID string) error {
	err := s.kv.Delete(ctx, EscapeKey(instanceID))
	if err != nil && natsclient.IsKVNotFoundError(err) {
		return nil
	}
	return err
}

func (s *kvInstances) List(ctx context.Context) (map[string]message.Hash, error) {
	keys, err := s.kv.Keys(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]message.Hash, len(keys))
	for _, key := range keys {
		entry, err := s.kv.Get(ctx, key)
		if err != nil {
			if natsclient.IsKVNotFoundError(err) {
				continue // deleted meanwhile
			}
			return nil, err
		}
		info, err := decodeInfo(entry.Value)
		if err != nil {
			return nil, err
		}
		id, err := UnescapeKey(key)
		if err != nil {
			return nil, err
		}
		out[id] = info
	}
	return out, nil
}

func decodeInfo(data []byte) (message.Hash, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	info := message.Hash{}
	if err := dec.Decode(&info); err != nil {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: %v", errors.ErrParsingFailed, err),
			"InstanceStore", "decodeInfo", "unmarshal instance info")
	}
	return info, nil
}

const hexDigits = "0123456789ABCDEF"

// EscapeKey maps an instance id onto the key alphabet of a bucket. Bytes
// outside [-/_.a-zA-Z0-9] and '=' itself become "=XX".
func EscapeKey(id string) string {
	var b strings.Builder
	for i := 0; i < len(id); i++ {
		c := id[i]
		if isKeyByte(c) {
			b.WriteByte(c)
			continue
		}
		b.WriteByte('=')
		b.WriteByte(hexDigits[c>>4])
		b.WriteByte(hexDigits[c&0x0f])
	}
	return b.String()
}

// UnescapeKey reverses EscapeKey
func UnescapeKey(key string) (string, error) {
	if !strings.Contains(key, "=") {
		return key, nil
	}
	var b strings.Builder
	for i := 0; i < len(key); i++ {
		if key[i] != '=' {
			b.WriteByte(key[i])
			continue
		}
		if i+2 >= len(key) {
			return "", errors.WrapInvalid(fmt.Errorf("truncated escape in %q", key), "broker", "UnescapeKey", "decode key")
		}
		hi, lo := strings.IndexByte(hexDigits, key[i+1]), strings.IndexByte(hexDigits, key[i+2])
		if hi < 0 || lo < 0 {
			return "", errors.WrapInvalid(fmt.Errorf("bad escape in %q", key), "broker", "UnescapeKey", "decode key")
		}
		b.WriteByte(byte(hi<<4 | lo))
		i += 2
	}
	return b.String(), nil
}

func isKeyByte(c byte) bool {
	return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' ||
		c == '-' || c == '/' || c == '_' || c == '.'
}
