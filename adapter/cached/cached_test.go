package cached

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jacentio/arbor/adapter/memory"
	"github.com/jacentio/arbor/model"
)

// fakeBackend is an in-memory Backend with memcached-like add and
// compare-and-swap semantics.
type fakeBackend struct {
	mu      sync.Mutex
	entries map[string]fakeEntry
	failGet bool
}

type fakeEntry struct {
	value   []byte
	version uint64
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{entries: map[string]fakeEntry{}}
}

func (b *fakeBackend) GetMulti(ctx context.Context, keys []string) (map[string]*Item, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failGet {
		return nil, fmt.Errorf("fake backend down")
	}
	items := map[string]*Item{}
	for _, key := range keys {
		if e, ok := b.entries[key]; ok {
			items[key] = &Item{Key: key, Value: append([]byte(nil), e.value...), Token: e.version}
		}
	}
	return items, nil
}

func (b *fakeBackend) SetMulti(ctx context.Context, items []*Item, ttl time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, item := range items {
		prev := b.entries[item.Key]
		b.entries[item.Key] = fakeEntry{value: item.Value, version: prev.version + 1}
	}
	return nil
}

func (b *fakeBackend) Add(ctx context.Context, item *Item, ttl time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.entries[item.Key]; exists {
		return ErrNotStored
	}
	b.entries[item.Key] = fakeEntry{value: item.Value, version: 1}
	return nil
}

func (b *fakeBackend) CompareAndSwap(ctx context.Context, item *Item, ttl time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	cur, ok := b.entries[item.Key]
	if !ok {
		return ErrCASConflict
	}
	version, _ := item.Token.(uint64)
	if cur.version != version {
		return ErrCASConflict
	}
	b.entries[item.Key] = fakeEntry{value: item.Value, version: cur.version + 1}
	return nil
}

func (b *fakeBackend) DeleteMulti(ctx context.Context, keys []string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, key := range keys {
		delete(b.entries, key)
	}
	return nil
}

func (b *fakeBackend) entry(key string) ([]byte, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.entries[key]
	return e.value, ok
}

var _ Backend = (*fakeBackend)(nil)

// newFixture wires a cached adapter over a fresh in-memory store and
// registers an account model under kind. Kinds must be unique per test.
func newFixture(t *testing.T, kind string) (context.Context, *Adapter, *memory.Adapter, *fakeBackend, *model.Model) {
	t.Helper()
	inner := memory.New()
	backend := newFakeBackend()
	adapter := New(inner, backend, DefaultConfig())
	m := model.Register(model.Definition{
		Kind:    kind,
		Adapter: adapter,
		Properties: []model.Property{
			model.String("email", model.StringOpts{Opts: model.Opts{Indexed: true}}),
		},
	})
	return context.Background(), adapter, inner, backend, m
}

func seed(t *testing.T, ctx context.Context, m *model.Model, id int64, email string) *model.Key {
	t.Helper()
	e := m.New().MustSet("email", email)
	if err := e.SetKey(model.IDKey(m.Kind(), id, nil)); err != nil {
		t.Fatal(err)
	}
	if err := e.Put(ctx); err != nil {
		t.Fatal(err)
	}
	return e.Key()
}

// --- Read path ---

func TestGetMissPopulatesCache(t *testing.T) {
	ctx, a, inner, backend, m := newFixture(t, "CCPopulate")
	key := seed(t, ctx, m, 1, "jane@example.com")

	ck := a.cacheKey(ctx, key)
	if _, ok := backend.entry(ck); ok {
		t.Fatal("expected the put to leave no cache entry behind")
	}

	e, err := key.Get(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if e == nil || e.Get("email") != "jane@example.com" {
		t.Fatalf("expected the stored entity, got %v", e)
	}

	value, ok := backend.entry(ck)
	if !ok {
		t.Fatal("expected the miss to populate the cache")
	}
	if isLockValue(value) {
		t.Fatal("expected an entity value, found a lock")
	}

	// Later reads are served from the cache alone: deleting the record
	// behind the cache's back does not make it disappear.
	if err := inner.DeleteMulti(ctx, []*model.Key{key}); err != nil {
		t.Fatal(err)
	}
	e, err = key.Get(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if e == nil || e.Get("email") != "jane@example.com" {
		t.Errorf("expected the cached entity, got %v", e)
	}
}

func TestForeignLockReadsThroughWithoutRepopulating(t *testing.T) {
	ctx, a, _, backend, m := newFixture(t, "CCForeignLock")
	key := seed(t, ctx, m, 1, "jane@example.com")

	// Another writer holds the entry locked.
	ck := a.cacheKey(ctx, key)
	foreign := newLockValue()
	if err := backend.SetMulti(ctx, []*Item{{Key: ck, Value: foreign}}, time.Minute); err != nil {
		t.Fatal(err)
	}

	e, err := key.Get(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if e == nil || e.Get("email") != "jane@example.com" {
		t.Fatalf("expected a read-through to the store, got %v", e)
	}

	value, ok := backend.entry(ck)
	if !ok || !isLockValue(value) {
		t.Error("expected the foreign lock to survive the read")
	}
}

func TestCorruptEntryIsDropped(t *testing.T) {
	ctx, a, _, backend, m := newFixture(t, "CCCorrupt")
	key := seed(t, ctx, m, 1, "jane@example.com")

	ck := a.cacheKey(ctx, key)
	if err := backend.SetMulti(ctx, []*Item{{Key: ck, Value: []byte("\xc1garbage")}}, time.Minute); err != nil {
		t.Fatal(err)
	}

	e, err := key.Get(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if e == nil || e.Get("email") != "jane@example.com" {
		t.Fatalf("expected the store value despite the corrupt entry, got %v", e)
	}
	if _, ok := backend.entry(ck); ok {
		t.Error("expected the corrupt entry to be deleted")
	}
}

func TestMissingEntityReleasesClaim(t *testing.T) {
	ctx, a, _, backend, m := newFixture(t, "CCMissing")
	key := model.IDKey(m.Kind(), 404, nil)

	e, err := key.Get(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if e != nil {
		t.Fatalf("expected nothing, got %v", e)
	}
	if _, ok := backend.entry(a.cacheKey(ctx, key)); ok {
		t.Error("expected the claim to be released for an absent entity")
	}
}

func TestCacheOutageFallsThrough(t *testing.T) {
	ctx, _, _, backend, m := newFixture(t, "CCOutage")
	key := seed(t, ctx, m, 1, "jane@example.com")

	backend.mu.Lock()
	backend.failGet = true
	backend.mu.Unlock()

	e, err := key.Get(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if e == nil || e.Get("email") != "jane@example.com" {
		t.Errorf("expected the store to stay authoritative, got %v", e)
	}
}

// --- Write path ---

func TestPutBustsCacheEntry(t *testing.T) {
	ctx, a, _, backend, m := newFixture(t, "CCPutBust")
	key := seed(t, ctx, m, 1, "jane@example.com")
	if _, err := key.Get(ctx); err != nil {
		t.Fatal(err)
	}
	ck := a.cacheKey(ctx, key)
	if _, ok := backend.entry(ck); !ok {
		t.Fatal("expected a populated cache entry")
	}

	e, err := key.Get(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if err := e.MustSet("email", "new@example.com").Put(ctx); err != nil {
		t.Fatal(err)
	}

	if _, ok := backend.entry(ck); ok {
		t.Error("expected the write to bust the cache entry")
	}

	back, err := key.Get(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if back.Get("email") != "new@example.com" {
		t.Errorf("expected the new value, got %v", back.Get("email"))
	}
}

// flakyStore wraps the in-memory adapter and refuses a number of writes, so
// tests can observe the cache state left behind by a failed store write.
type flakyStore struct {
	*memory.Adapter
	failPuts    int
	failDeletes int
}

func (s *flakyStore) PutMulti(ctx context.Context, reqs []model.PutRequest) ([]*model.Key, error) {
	if s.failPuts > 0 {
		s.failPuts--
		return nil, fmt.Errorf("store write refused")
	}
	return s.Adapter.PutMulti(ctx, reqs)
}

func (s *flakyStore) DeleteMulti(ctx context.Context, keys []*model.Key) error {
	if s.failDeletes > 0 {
		s.failDeletes--
		return fmt.Errorf("store delete refused")
	}
	return s.Adapter.DeleteMulti(ctx, keys)
}

func TestFailedPutReleasesLocks(t *testing.T) {
	ctx := context.Background()
	inner := &flakyStore{Adapter: memory.New()}
	backend := newFakeBackend()
	a := New(inner, backend, DefaultConfig())
	m := model.Register(model.Definition{
		Kind:    "CCFailedPut",
		Adapter: a,
		Properties: []model.Property{
			model.String("email", model.StringOpts{Opts: model.Opts{Indexed: true}}),
		},
	})

	e := m.New().MustSet("email", "jane@example.com")
	if err := e.SetKey(model.IDKey(m.Kind(), 1, nil)); err != nil {
		t.Fatal(err)
	}

	inner.failPuts = 1
	if err := e.Put(ctx); err == nil {
		t.Fatal("expected the store error to surface")
	}

	// The lock values written for the put must not outlive it; a lingering
	// lock would block repopulation until LockTTL.
	ck := a.cacheKey(ctx, e.Key())
	if value, ok := backend.entry(ck); ok {
		t.Errorf("expected the failed put to release its lock, found %q", value)
	}

	if err := e.Put(ctx); err != nil {
		t.Fatal(err)
	}
	back, err := e.Key().Get(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if back == nil || back.Get("email") != "jane@example.com" {
		t.Errorf("expected the retried put to land, got %v", back)
	}
}

func TestFailedDeleteReleasesLocks(t *testing.T) {
	ctx := context.Background()
	inner := &flakyStore{Adapter: memory.New()}
	backend := newFakeBackend()
	a := New(inner, backend, DefaultConfig())
	m := model.Register(model.Definition{
		Kind:    "CCFailedDelete",
		Adapter: a,
		Properties: []model.Property{
			model.String("email", model.StringOpts{Opts: model.Opts{Indexed: true}}),
		},
	})

	e := m.New().MustSet("email", "jane@example.com")
	if err := e.SetKey(model.IDKey(m.Kind(), 1, nil)); err != nil {
		t.Fatal(err)
	}
	if err := e.Put(ctx); err != nil {
		t.Fatal(err)
	}

	inner.failDeletes = 1
	if err := e.Key().Delete(ctx); err == nil {
		t.Fatal("expected the store error to surface")
	}

	ck := a.cacheKey(ctx, e.Key())
	if value, ok := backend.entry(ck); ok {
		t.Errorf("expected the failed delete to release its lock, found %q", value)
	}
}

func TestDeleteBustsCacheEntry(t *testing.T) {
	ctx, a, _, backend, m := newFixture(t, "CCDeleteBust")
	key := seed(t, ctx, m, 1, "jane@example.com")
	if _, err := key.Get(ctx); err != nil {
		t.Fatal(err)
	}

	if err := key.Delete(ctx); err != nil {
		t.Fatal(err)
	}
	if _, ok := backend.entry(a.cacheKey(ctx, key)); ok {
		t.Error("expected the delete to bust the cache entry")
	}

	e, err := key.Get(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if e != nil {
		t.Errorf("expected the entity to be gone, got %v", e)
	}
}

// --- Transactions ---

func TestTransactionDefersBustingToCommit(t *testing.T) {
	ctx, a, _, backend, m := newFixture(t, "CCTxBust")
	key := seed(t, ctx, m, 1, "jane@example.com")
	if _, err := key.Get(ctx); err != nil {
		t.Fatal(err)
	}
	ck := a.cacheKey(ctx, key)

	err := model.RunInTransaction(ctx, model.TxOptions{Adapter: a}, func(txCtx context.Context) error {
		e, err := key.Get(txCtx)
		if err != nil {
			return err
		}
		if err := e.MustSet("email", "new@example.com").Put(txCtx); err != nil {
			return err
		}

		// Busting waits for commit; the entry is untouched mid-flight.
		if _, ok := backend.entry(ck); !ok {
			return fmt.Errorf("expected the cache entry to survive until commit")
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	if _, ok := backend.entry(ck); ok {
		t.Error("expected the commit to bust the cache entry")
	}
}

func TestTransactionReadsBypassCache(t *testing.T) {
	ctx, a, _, backend, m := newFixture(t, "CCTxBypass")
	key := seed(t, ctx, m, 1, "fresh@example.com")

	// Plant a stale entry; a transactional read must not see it.
	stale, err := model.MarshalRawData(map[string]any{"email": "stale@example.com"})
	if err != nil {
		t.Fatal(err)
	}
	ck := a.cacheKey(ctx, key)
	if err := backend.SetMulti(ctx, []*Item{{Key: ck, Value: stale}}, time.Minute); err != nil {
		t.Fatal(err)
	}

	err = model.RunInTransaction(ctx, model.TxOptions{Adapter: a}, func(txCtx context.Context) error {
		e, err := key.Get(txCtx)
		if err != nil {
			return err
		}
		if e.Get("email") != "fresh@example.com" {
			return fmt.Errorf("expected the store value inside the transaction, got %v", e.Get("email"))
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	// Outside the transaction the stale entry still serves.
	e, err := key.Get(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if e.Get("email") != "stale@example.com" {
		t.Errorf("expected the cached value outside the transaction, got %v", e.Get("email"))
	}
}

func TestTransactionRollbackLeavesCacheAlone(t *testing.T) {
	ctx, a, _, backend, m := newFixture(t, "CCTxRollback")
	key := seed(t, ctx, m, 1, "jane@example.com")
	if _, err := key.Get(ctx); err != nil {
		t.Fatal(err)
	}
	ck := a.cacheKey(ctx, key)

	boom := fmt.Errorf("boom")
	err := model.RunInTransaction(ctx, model.TxOptions{Adapter: a}, func(txCtx context.Context) error {
		e, err := key.Get(txCtx)
		if err != nil {
			return err
		}
		if err := e.MustSet("email", "never@example.com").Put(txCtx); err != nil {
			return err
		}
		return boom
	})
	if err == nil {
		t.Fatal("expected the function's error")
	}

	if _, ok := backend.entry(ck); !ok {
		t.Error("expected the rollback to leave the cache entry in place")
	}
	e, err := key.Get(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if e.Get("email") != "jane@example.com" {
		t.Errorf("expected the original value, got %v", e.Get("email"))
	}
}

func TestFailedCommitReleasesLocks(t *testing.T) {
	ctx, a, inner, backend, m := newFixture(t, "CCFailedCommit")
	key := seed(t, ctx, m, 1, "jane@example.com")

	inner.FailNextCommits(1)
	err := model.RunInTransaction(ctx, model.TxOptions{Adapter: a, Retries: -1}, func(txCtx context.Context) error {
		e, err := key.Get(txCtx)
		if err != nil {
			return err
		}
		return e.MustSet("email", "next@example.com").Put(txCtx)
	})
	var exceeded *model.RetriesExceededError
	if !errors.As(err, &exceeded) {
		t.Fatalf("expected the conflict to surface, got %v", err)
	}

	ck := a.cacheKey(ctx, key)
	if value, ok := backend.entry(ck); ok {
		t.Errorf("expected the failed commit to release its lock, found %q", value)
	}
}

// --- Contention ---

func TestConcurrentReadsNeverGoStale(t *testing.T) {
	ctx := context.Background()
	inner := memory.New()
	backend := newFakeBackend()
	a := New(inner, backend, DefaultConfig())
	m := model.Register(model.Definition{
		Kind:    "CCRace",
		Adapter: a,
		Properties: []model.Property{
			model.Integer("value", model.Opts{Indexed: true}),
		},
	})

	key := model.IDKey(m.Kind(), 1, nil)
	e := m.New().MustSet("value", 0)
	if err := e.SetKey(key); err != nil {
		t.Fatal(err)
	}
	if err := e.Put(ctx); err != nil {
		t.Fatal(err)
	}

	const writes = 200
	var lastWritten atomic.Int64
	var done atomic.Bool
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer done.Store(true)
		for i := int64(1); i <= writes; i++ {
			w := m.New().MustSet("value", i)
			if err := w.SetKey(key); err != nil {
				t.Error(err)
				return
			}
			if err := w.Put(ctx); err != nil {
				t.Error(err)
				return
			}
			lastWritten.Store(i)
		}
	}()

	// Readers race the writer through the cache. A value below the floor
	// snapshotted before the read means a stale repopulation won over a
	// completed write.
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for !done.Load() {
				floor := lastWritten.Load()
				got, err := key.Get(ctx)
				if err != nil {
					t.Error(err)
					return
				}
				if got == nil {
					t.Error("expected the entity to stay readable")
					return
				}
				if v := got.Get("value").(int64); v < floor {
					t.Errorf("read value %d after write %d finished", v, floor)
					return
				}
			}
		}()
	}
	wg.Wait()

	final, err := key.Get(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if final.Get("value") != int64(writes) {
		t.Errorf("expected the final value %d, got %v", writes, final.Get("value"))
	}
}

// --- Configuration ---

func TestConfigDefaults(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Prefix != "arbor" {
		t.Errorf("expected prefix arbor, got %q", cfg.Prefix)
	}
	if cfg.ItemTTL != 24*time.Hour || cfg.LockTTL != 60*time.Second {
		t.Errorf("expected 24h/60s TTLs, got %v/%v", cfg.ItemTTL, cfg.LockTTL)
	}

	var zero Config
	zero.validate()
	if zero.Prefix != "arbor" || zero.ItemTTL != 24*time.Hour || zero.LockTTL != 60*time.Second {
		t.Errorf("expected validate to fill defaults, got %+v", zero)
	}
}
