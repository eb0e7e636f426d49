package cached

import (
	"bytes"
	"context"
	"log/slog"

	"github.com/google/uuid"

	"github.com/jacentio/arbor/internal/cachekey"
	"github.com/jacentio/arbor/model"
)

// lockPrefix tags cache values written by the lock protocol. It can never
// collide with a serialized entity: msgpack map payloads start with a byte
// outside the ASCII range.
const lockPrefix = "arbor-lock:"

// Adapter wraps another adapter with a look-aside entity cache.
type Adapter struct {
	inner   model.Adapter
	backend Backend
	config  Config
}

var _ model.Adapter = (*Adapter)(nil)

// New wraps inner with a cache.
func New(inner model.Adapter, backend Backend, config Config) *Adapter {
	config.validate()
	return &Adapter{
		inner:   inner,
		backend: backend,
		config:  config,
	}
}

// Inner returns the wrapped adapter.
func (a *Adapter) Inner() model.Adapter { return a.inner }

func (a *Adapter) cacheKey(ctx context.Context, key *model.Key) string {
	full := key
	if ns := model.ResolveNamespace(ctx, key); ns != key.Namespace() {
		full = key.InNamespace(ns)
	}
	return cachekey.For(a.config.Prefix, full.String())
}

func newLockValue() []byte {
	return []byte(lockPrefix + uuid.NewString())
}

func isLockValue(v []byte) bool {
	return bytes.HasPrefix(v, []byte(lockPrefix))
}

// GetMulti implements model.Adapter. Cache hits are served directly; misses
// fall through to the wrapped adapter and are written back with
// compare-and-swap against a lock entry claimed before the fetch, so a
// concurrent write always wins. Reads inside a transaction bypass the cache.
func (a *Adapter) GetMulti(ctx context.Context, keys []*model.Key) ([]map[string]any, error) {
	if model.InTransaction(ctx) {
		return a.inner.GetMulti(ctx, keys)
	}

	cacheKeys := make([]string, len(keys))
	for i, key := range keys {
		cacheKeys[i] = a.cacheKey(ctx, key)
	}

	cachedItems, err := a.backend.GetMulti(ctx, cacheKeys)
	if err != nil {
		// The store is still authoritative; a cache outage only costs
		// latency.
		slog.Warn("cache read failed, falling through", "error", err)
		cachedItems = nil
	}

	rows := make([]map[string]any, len(keys))
	var pending []int
	var claimable []int

	for i, ck := range cacheKeys {
		item, hit := cachedItems[ck]
		if !hit {
			pending = append(pending, i)
			claimable = append(claimable, i)
			continue
		}
		if isLockValue(item.Value) {
			// A write is in flight; read through without repopulating.
			pending = append(pending, i)
			continue
		}
		data, err := model.UnmarshalRawData(item.Value)
		if err != nil {
			slog.Warn("dropping corrupt cache entry", "key", ck, "error", err)
			if delErr := a.backend.DeleteMulti(ctx, []string{ck}); delErr != nil {
				slog.Warn("cache delete failed", "key", ck, "error", delErr)
			}
			pending = append(pending, i)
			continue
		}
		rows[i] = data
	}

	if len(pending) == 0 {
		return rows, nil
	}

	// Claim the plain misses with private lock values before fetching, then
	// re-read them to pick up CAS state. Repopulation later swaps each claim
	// for the fetched entity; if anything else touched the entry in between
	// the swap loses and the entry is left alone.
	claims := a.claim(ctx, cacheKeys, claimable)

	pendingKeys := make([]*model.Key, len(pending))
	for n, i := range pending {
		pendingKeys[n] = keys[i]
	}
	fetched, err := a.inner.GetMulti(ctx, pendingKeys)
	if err != nil {
		return nil, err
	}
	for n, i := range pending {
		rows[i] = fetched[n]
	}

	a.repopulate(ctx, rows, cacheKeys, claims)
	return rows, nil
}

// claim stakes private lock values on the given cache entries and returns
// the successfully claimed items, keyed by row index, with CAS state.
func (a *Adapter) claim(ctx context.Context, cacheKeys []string, claimable []int) map[int]*Item {
	if len(claimable) == 0 {
		return nil
	}

	lockValues := make(map[string][]byte, len(claimable))
	var claimedKeys []string
	for _, i := range claimable {
		ck := cacheKeys[i]
		lock := newLockValue()
		if err := a.backend.Add(ctx, &Item{Key: ck, Value: lock}, a.config.LockTTL); err != nil {
			continue
		}
		lockValues[ck] = lock
		claimedKeys = append(claimedKeys, ck)
	}
	if len(claimedKeys) == 0 {
		return nil
	}

	items, err := a.backend.GetMulti(ctx, claimedKeys)
	if err != nil {
		slog.Warn("cache claim read failed", "error", err)
		return nil
	}

	claims := make(map[int]*Item, len(items))
	for _, i := range claimable {
		ck := cacheKeys[i]
		item, ok := items[ck]
		if !ok || !bytes.Equal(item.Value, lockValues[ck]) {
			// Someone else got in between; their claim wins.
			continue
		}
		claims[i] = item
	}
	return claims
}

// repopulate swaps claimed lock entries for the entities fetched from the
// store. Failed swaps are abandoned; absent entities just release the claim.
func (a *Adapter) repopulate(ctx context.Context, rows []map[string]any, cacheKeys []string, claims map[int]*Item) {
	for i, item := range claims {
		if rows[i] == nil {
			if err := a.backend.DeleteMulti(ctx, []string{cacheKeys[i]}); err != nil {
				slog.Warn("cache claim release failed", "key", cacheKeys[i], "error", err)
			}
			continue
		}
		encoded, err := model.MarshalRawData(rows[i])
		if err != nil {
			slog.Warn("cache encode failed", "key", cacheKeys[i], "error", err)
			continue
		}
		item.Value = encoded
		if err := a.backend.CompareAndSwap(ctx, item, a.config.ItemTTL); err != nil {
			continue
		}
	}
}

// PutMulti implements model.Adapter. The affected cache entries are locked
// before the write and deleted after it. Inside a transaction the busting is
// deferred to commit.
func (a *Adapter) PutMulti(ctx context.Context, reqs []model.PutRequest) ([]*model.Key, error) {
	tx := a.ownTransaction(ctx)

	if tx == nil {
		cacheKeys := make([]string, 0, len(reqs))
		for _, req := range reqs {
			if !req.Key.Incomplete() {
				cacheKeys = append(cacheKeys, a.cacheKey(ctx, req.Key))
			}
		}
		if err := a.lock(ctx, cacheKeys); err != nil {
			return nil, err
		}
		keys, err := a.inner.PutMulti(ctx, reqs)
		if err != nil {
			a.bust(ctx, cacheKeys)
			return nil, err
		}
		return keys, a.backend.DeleteMulti(ctx, cacheKeys)
	}

	keys, err := a.inner.PutMulti(ctx, reqs)
	if err != nil {
		return nil, err
	}
	for _, key := range keys {
		tx.deferBust(a.cacheKey(ctx, key))
	}
	return keys, nil
}

// DeleteMulti implements model.Adapter. Cache busting mirrors PutMulti.
func (a *Adapter) DeleteMulti(ctx context.Context, keys []*model.Key) error {
	tx := a.ownTransaction(ctx)

	if tx == nil {
		cacheKeys := make([]string, len(keys))
		for i, key := range keys {
			cacheKeys[i] = a.cacheKey(ctx, key)
		}
		if err := a.lock(ctx, cacheKeys); err != nil {
			return err
		}
		if err := a.inner.DeleteMulti(ctx, keys); err != nil {
			a.bust(ctx, cacheKeys)
			return err
		}
		return a.backend.DeleteMulti(ctx, cacheKeys)
	}

	if err := a.inner.DeleteMulti(ctx, keys); err != nil {
		return err
	}
	for _, key := range keys {
		tx.deferBust(a.cacheKey(ctx, key))
	}
	return nil
}

// bust deletes cache entries after a store write failed, so the lock values
// installed for the write never linger until LockTTL. The store error stays
// authoritative; a failed delete is only logged.
func (a *Adapter) bust(ctx context.Context, cacheKeys []string) {
	if len(cacheKeys) == 0 {
		return
	}
	if err := a.backend.DeleteMulti(ctx, cacheKeys); err != nil {
		slog.Warn("cache bust failed after store error", "error", err)
	}
}

// lock overwrites cache entries with short-lived lock values so concurrent
// readers stop repopulating while the store write is in flight.
func (a *Adapter) lock(ctx context.Context, cacheKeys []string) error {
	if len(cacheKeys) == 0 {
		return nil
	}
	items := make([]*Item, len(cacheKeys))
	for i, ck := range cacheKeys {
		items[i] = &Item{Key: ck, Value: newLockValue()}
	}
	return a.backend.SetMulti(ctx, items, a.config.LockTTL)
}

// Query implements model.Adapter. Queries always bypass the cache.
func (a *Adapter) Query(ctx context.Context, q model.Query, opts model.QueryOptions) (*model.QueryResult, error) {
	return a.inner.Query(ctx, q, opts)
}
