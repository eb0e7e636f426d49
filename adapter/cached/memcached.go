package cached

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bradfitz/gomemcache/memcache"
)

// Memcached is a Backend backed by one or more memcached servers.
type Memcached struct {
	client *memcache.Client
}

var _ Backend = (*Memcached)(nil)

// NewMemcached returns a Backend talking to the given memcached addresses.
func NewMemcached(addrs ...string) *Memcached {
	return &Memcached{client: memcache.New(addrs...)}
}

// NewMemcachedClient wraps an existing memcached client.
func NewMemcachedClient(client *memcache.Client) *Memcached {
	return &Memcached{client: client}
}

func expiration(ttl time.Duration) int32 {
	return int32(ttl / time.Second)
}

// GetMulti implements Backend. The returned items carry memcached CAS state
// in their tokens.
func (m *Memcached) GetMulti(ctx context.Context, keys []string) (map[string]*Item, error) {
	fetched, err := m.client.GetMulti(keys)
	if err != nil {
		return nil, fmt.Errorf("cached: memcached get: %w", err)
	}
	items := make(map[string]*Item, len(fetched))
	for key, raw := range fetched {
		items[key] = &Item{Key: key, Value: raw.Value, Token: raw}
	}
	return items, nil
}

// SetMulti implements Backend.
func (m *Memcached) SetMulti(ctx context.Context, items []*Item, ttl time.Duration) error {
	for _, item := range items {
		err := m.client.Set(&memcache.Item{
			Key:        item.Key,
			Value:      item.Value,
			Expiration: expiration(ttl),
		})
		if err != nil {
			return fmt.Errorf("cached: memcached set %q: %w", item.Key, err)
		}
	}
	return nil
}

// Add implements Backend.
func (m *Memcached) Add(ctx context.Context, item *Item, ttl time.Duration) error {
	err := m.client.Add(&memcache.Item{
		Key:        item.Key,
		Value:      item.Value,
		Expiration: expiration(ttl),
	})
	if errors.Is(err, memcache.ErrNotStored) {
		return ErrNotStored
	}
	if err != nil {
		return fmt.Errorf("cached: memcached add %q: %w", item.Key, err)
	}
	return nil
}

// CompareAndSwap implements Backend. The item must come from GetMulti.
func (m *Memcached) CompareAndSwap(ctx context.Context, item *Item, ttl time.Duration) error {
	raw, ok := item.Token.(*memcache.Item)
	if !ok {
		return fmt.Errorf("cached: compare-and-swap item for %q did not come from GetMulti", item.Key)
	}
	raw.Value = item.Value
	raw.Expiration = expiration(ttl)

	err := m.client.CompareAndSwap(raw)
	if errors.Is(err, memcache.ErrCASConflict) || errors.Is(err, memcache.ErrNotStored) ||
		errors.Is(err, memcache.ErrCacheMiss) {
		return ErrCASConflict
	}
	if err != nil {
		return fmt.Errorf("cached: memcached cas %q: %w", item.Key, err)
	}
	return nil
}

// DeleteMulti implements Backend.
func (m *Memcached) DeleteMulti(ctx context.Context, keys []string) error {
	for _, key := range keys {
		err := m.client.Delete(key)
		if err != nil && !errors.Is(err, memcache.ErrCacheMiss) {
			return fmt.Errorf("cached: memcached delete %q: %w", key, err)
		}
	}
	return nil
}
