// Package kv is the key-value persistence layer behind the memory store.
// Values are opaque bytes; callers store JSON.
package kv

import (
	"encoding/json"
	"fmt"
	"strings"
)

type Store interface {
	// Get returns ok=false when the key has never been written.
	Get(key string) (value []byte, ok bool, err error)
	Set(key string, value []byte) error
	// SetMany writes all values in a single transaction.
	SetMany(values map[string][]byte) error
	Close() error
}

// Open picks the backend by name ("sqlite" or "bolt").
func Open(backend, path string) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(backend)) {
	case "", "sqlite":
		return NewSQLiteStore(path)
	case "bolt":
		return NewBoltStore(path)
	default:
		return nil, fmt.Errorf("unsupported kv backend: %s", backend)
	}
}

// GetJSON decodes the value at key into v. A missing key leaves v untouched.
func GetJSON(s Store, key string, v any) (bool, error) {
	data, ok, err := s.Get(key)
	if err != nil || !ok {
		return false, err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("decode %s: %w", key, err)
	}
	return true, nil
}

func SetJSON(s Store, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return s.Set(key, data)
}

// Batch accumulates JSON-encoded values for SetMany.
type Batch map[string][]byte

func (b Batch) Put(key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	b[key] = data
	return nil
}
