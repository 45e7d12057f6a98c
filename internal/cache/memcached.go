package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bradfitz/gomemcache/memcache"
)

// maxRelativeExpiration is the largest expiration memcached treats as relative seconds.
const maxRelativeExpiration = 30 * 24 * 60 * 60

// MemcachedStore implements Store using memcached.
type MemcachedStore struct {
	client *memcache.Client
}

// NewMemcachedStore creates a MemcachedStore. addrs is a comma-separated list
// (e.g. "localhost:11211" or "host1:11211,host2:11211"). timeout and maxIdleConns
// use client defaults when zero.
func NewMemcachedStore(addrs string, timeout time.Duration, maxIdleConns int) *MemcachedStore {
	servers := parseAddrs(addrs)
	if len(servers) == 0 {
		servers = []string{"localhost:11211"}
	}
	client := memcache.New(servers...)
	if timeout > 0 {
		client.Timeout = timeout
	}
	if maxIdleConns > 0 {
		client.MaxIdleConns = maxIdleConns
	}
	return &MemcachedStore{client: client}
}

func parseAddrs(s string) []string {
	var out []string
	for _, a := range strings.Split(s, ",") {
		a = strings.TrimSpace(a)
		if a != "" {
			out = append(out, a)
		}
	}
	return out
}

// memcacheKey maps a store key to one memcached accepts. Spaces are not legal in
// memcached keys; validated city names never contain '_', so the mapping is unambiguous.
func memcacheKey(key string) string {
	return strings.ReplaceAll(key, " ", "_")
}

// Get implements Store. Returns false, nil on a miss.
func (s *MemcachedStore) Get(ctx context.Context, key string) (Entry, bool, error) {
	if err := ctx.Err(); err != nil {
		return Entry{}, false, err
	}
	item, err := s.client.Get(memcacheKey(key))
	if err != nil {
		if errors.Is(err, memcache.ErrCacheMiss) {
			return Entry{}, false, nil
		}
		return Entry{}, false, fmt.Errorf("memcached get: %w", err)
	}
	var e Entry
	if err := json.Unmarshal(item.Value, &e); err != nil {
		return Entry{}, false, fmt.Errorf("memcached decode: %w", err)
	}
	return e, true, nil
}

// Set implements Store.
func (s *MemcachedStore) Set(ctx context.Context, key string, entry Entry, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("memcached encode: %w", err)
	}
	expSec := int32(ttl.Seconds())
	if expSec <= 0 || expSec > maxRelativeExpiration {
		expSec = int32(DefaultTTL.Seconds())
	}
	if err := s.client.Set(&memcache.Item{Key: memcacheKey(key), Value: raw, Expiration: expSec}); err != nil {
		return fmt.Errorf("memcached set: %w", err)
	}
	return nil
}

// Ping implements Pinger.
func (s *MemcachedStore) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.client.Ping()
}

// Close closes idle memcached connections. Call during shutdown.
func (s *MemcachedStore) Close() error {
	return s.client.Close()
}

// Name implements Store.
func (s *MemcachedStore) Name() string { return "memcached" }
