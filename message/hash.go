package message

import (
	"encoding/json"
	"maps"
	"sort"
)

// Hash is an ordered-agnostic key/value container used for headers, bodies
// and device configurations. Nested values may be Hash or map[string]any.
type Hash map[string]any

// NewHash builds a Hash from alternating keys and values. A trailing key
// without value is ignored.
func NewHash(kv ...any) Hash {
	h := make(Hash, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			continue
		}
		h[key] = kv[i+1]
	}
	return h
}

// Has reports whether key is present
func (h Hash) Has(key string) bool {
	_, ok := h[key]
	return ok
}

// Get returns the raw value under key
func (h Hash) Get(key string) (any, bool) {
	v, ok := h[key]
	return v, ok
}

// GetString returns the value under key if it is a string
func (h Hash) GetString(key string) string {
	s, _ := h[key].(string)
	return s
}

// GetHash returns the nested Hash under key, converting a decoded JSON object
func (h Hash) GetHash(key string) (Hash, bool) {
	switch v := h[key].(type) {
	case Hash:
		return v, true
	case map[string]any:
		return Hash(v), true
	default:
		return nil, false
	}
}

// GetAs converts the value under key into T
func GetAs[T any](h Hash, key string) (T, error) {
	var out T
	err := Convert(h[key], &out)
	return out, err
}

// Set stores value under key and returns h for chaining
func (h Hash) Set(key string, value any) Hash {
	h[key] = value
	return h
}

// Keys returns the keys in sorted order
func (h Hash) Keys() []string {
	keys := make([]string, 0, len(h))
	for k := range h {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Clone returns a deep copy of nested hashes, maps and slices
func (h Hash) Clone() Hash {
	if h == nil {
		return nil
	}
	out := make(Hash, len(h))
	for k, v := range h {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case Hash:
		return t.Clone()
	case map[string]any:
		return Hash(t).Clone()
	case []any:
		out := make([]any, len(t))
		for i := range t {
			out[i] = cloneValue(t[i])
		}
		return out
	default:
		return v
	}
}

// Merge copies other into h. Nested hashes merge recursively; every other
// value replaces what h had.
func (h Hash) Merge(other Hash) {
	for k, v := range other {
		src, srcIsHash := asHash(v)
		dst, dstIsHash := asHash(h[k])
		if srcIsHash && dstIsHash {
			merged := maps.Clone(dst)
			merged.Merge(src)
			h[k] = merged
			continue
		}
		h[k] = cloneValue(v)
	}
}

func asHash(v any) (Hash, bool) {
	switch t := v.(type) {
	case Hash:
		return t, true
	case map[string]any:
		return Hash(t), true
	default:
		return nil, false
	}
}

// String renders the hash as JSON for logs
func (h Hash) String() string {
	data, err := json.Marshal(h)
	if err != nil {
		return "<unencodable hash>"
	}
	return string(data)
}
