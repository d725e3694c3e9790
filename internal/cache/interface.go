// Package cache holds short-lived shared state: stats snapshots and manual-trigger tasks.
package cache

import (
	"encoding/json"
	"time"
)

// Cache defines the interface for cache backends
type Cache interface {
	Get(key string) (interface{}, bool)
	Set(key string, value interface{})
	SetWithTTL(key string, value interface{}, ttl time.Duration)
	Delete(key string)
	Clear()
	Close() error
}

// Load reads key as a T. Backends that serialize values hand back generic JSON, which is
// decoded again into T.
func Load[T any](c Cache, key string) (T, bool) {
	var zero T
	if c == nil {
		return zero, false
	}
	cached, ok := c.Get(key)
	if !ok || cached == nil {
		return zero, false
	}
	if v, ok := cached.(T); ok {
		return v, true
	}

	raw, err := json.Marshal(cached)
	if err != nil {
		return zero, false
	}
	var decoded T
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return zero, false
	}
	return decoded, true
}
