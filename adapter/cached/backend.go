package cached

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotStored is returned by Add when the key already holds a value.
	ErrNotStored = errors.New("cached: item not stored")

	// ErrCASConflict is returned by CompareAndSwap when the entry changed
	// since it was fetched.
	ErrCASConflict = errors.New("cached: compare-and-swap conflict")
)

// Item is one cache entry. Token carries backend-private compare-and-swap
// state; items passed to CompareAndSwap must originate from GetMulti.
type Item struct {
	Key   string
	Value []byte
	Token any
}

// Backend is a cache the adapter can store serialized entities in. Memcached
// is the canonical implementation; anything supporting atomic add and
// compare-and-swap works.
type Backend interface {
	// GetMulti fetches the entries behind keys. Absent keys are simply
	// missing from the result.
	GetMulti(ctx context.Context, keys []string) (map[string]*Item, error)

	// SetMulti stores entries unconditionally.
	SetMulti(ctx context.Context, items []*Item, ttl time.Duration) error

	// Add stores an entry only if the key holds nothing. ErrNotStored is
	// returned when it does.
	Add(ctx context.Context, item *Item, ttl time.Duration) error

	// CompareAndSwap replaces an entry only if it has not changed since the
	// GetMulti that produced item. ErrCASConflict is returned when it has.
	CompareAndSwap(ctx context.Context, item *Item, ttl time.Duration) error

	// DeleteMulti removes the entries behind keys. Absent keys are ignored.
	DeleteMulti(ctx context.Context, keys []string) error
}
