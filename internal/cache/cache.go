// Package cache wraps a memcached cluster behind the small operation
// set the storage caching layer needs: JSON-codec get-with-CAS,
// compare-and-swap, add, set and delete, with an optional key prefix
// for namespacing in shared cache setups.
package cache

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/bradfitz/gomemcache/memcache"
)

// Client is the subset of memcached operations used by the storage
// caching layer. The handle returned by Gets is opaque; it carries the
// CAS identity needed by CompareAndSwap.
type Client interface {
	// Gets fetches key and decodes its JSON value into v. ok reports
	// whether the key existed.
	Gets(key string, v interface{}) (handle interface{}, ok bool, err error)

	// CompareAndSwap stores v under key only if the entry is unchanged
	// since the Gets that produced handle. It returns false when the
	// entry was modified or evicted in between.
	CompareAndSwap(key string, handle interface{}, v interface{}) (bool, error)

	// Add stores v under key only if the key does not already exist.
	// A zero ttl means no expiry.
	Add(key string, v interface{}, ttl time.Duration) (bool, error)

	// Set unconditionally stores v under key.
	Set(key string, v interface{}) error

	// Delete removes key, reporting whether it existed.
	Delete(key string) (bool, error)
}

// MemcachedClient is the gomemcache-backed Client.
type MemcachedClient struct {
	mc     *memcache.Client
	prefix string
}

// Options tune the underlying connection pool.
type Options struct {
	KeyPrefix string
	PoolSize  int
	Timeout   time.Duration
}

// New connects a client to the given "host:port" server list.
func New(servers []string, opts Options) (*MemcachedClient, error) {
	if len(servers) == 0 {
		return nil, errors.New("cache: no servers configured")
	}
	mc := memcache.New(servers...)
	if opts.PoolSize > 0 {
		mc.MaxIdleConns = opts.PoolSize
	}
	if opts.Timeout > 0 {
		mc.Timeout = opts.Timeout
	}
	return &MemcachedClient{mc: mc, prefix: opts.KeyPrefix}, nil
}

func (c *MemcachedClient) key(key string) string {
	return c.prefix + key
}

func (c *MemcachedClient) Gets(key string, v interface{}) (interface{}, bool, error) {
	item, err := c.mc.Get(c.key(key))
	if errors.Is(err, memcache.ErrCacheMiss) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("cache: get %q: %w", key, err)
	}
	if err := json.Unmarshal(item.Value, v); err != nil {
		return nil, false, fmt.Errorf("cache: decode %q: %w", key, err)
	}
	return item, true, nil
}

func (c *MemcachedClient) CompareAndSwap(key string, handle interface{}, v interface{}) (bool, error) {
	item, ok := handle.(*memcache.Item)
	if !ok || item == nil {
		return false, errors.New("cache: invalid CAS handle")
	}
	value, err := json.Marshal(v)
	if err != nil {
		return false, fmt.Errorf("cache: encode %q: %w", key, err)
	}
	item.Value = value
	err = c.mc.CompareAndSwap(item)
	if errors.Is(err, memcache.ErrCASConflict) || errors.Is(err, memcache.ErrNotStored) || errors.Is(err, memcache.ErrCacheMiss) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("cache: cas %q: %w", key, err)
	}
	return true, nil
}

func (c *MemcachedClient) Add(key string, v interface{}, ttl time.Duration) (bool, error) {
	value, err := json.Marshal(v)
	if err != nil {
		return false, fmt.Errorf("cache: encode %q: %w", key, err)
	}
	item := &memcache.Item{Key: c.key(key), Value: value}
	if ttl > 0 {
		item.Expiration = int32(ttl / time.Second)
	}
	err = c.mc.Add(item)
	if errors.Is(err, memcache.ErrNotStored) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("cache: add %q: %w", key, err)
	}
	return true, nil
}

func (c *MemcachedClient) Set(key string, v interface{}) error {
	value, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("cache: encode %q: %w", key, err)
	}
	if err := c.mc.Set(&memcache.Item{Key: c.key(key), Value: value}); err != nil {
		return fmt.Errorf("cache: set %q: %w", key, err)
	}
	return nil
}

func (c *MemcachedClient) Delete(key string) (bool, error) {
	err := c.mc.Delete(c.key(key))
	if errors.Is(err, memcache.ErrCacheMiss) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("cache: delete %q: %w", key, err)
	}
	return true, nil
}
