package memory

import (
	"context"
	"sync"
	"time"

	"github.com/jacentio/arbor/model"
)

// record is one stored entity. version increments on every write and backs
// the optimistic conflict checks of transactions.
type record struct {
	key       *model.Key
	props     map[string]any
	unindexed map[string]struct{}
	version   uint64
}

// Adapter is an in-memory storage backend. The zero value is not usable;
// construct it with New.
type Adapter struct {
	mu      sync.Mutex
	records map[string]*record
	nextID  int64

	// failCommits forces the next n transaction commits to report a
	// conflict. Tests use it to exercise retry paths.
	failCommits int
}

var _ model.Adapter = (*Adapter)(nil)

// New returns an empty in-memory adapter.
func New() *Adapter {
	return &Adapter{records: map[string]*record{}}
}

// FailNextCommits forces the next n transaction commits to fail with a
// conflict, as if another writer had won the race.
func (a *Adapter) FailNextCommits(n int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.failCommits = n
}

// Len returns the number of stored entities.
func (a *Adapter) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.records)
}

// storageKey resolves the key's effective namespace and returns the fully
// namespaced key along with its storage identifier.
func storageKey(ctx context.Context, key *model.Key) (*model.Key, string) {
	ns := model.ResolveNamespace(ctx, key)
	if ns != key.Namespace() {
		key = key.InNamespace(ns)
	}
	return key, key.String()
}

// GetMulti implements model.Adapter. Reads made inside a transaction see the
// transaction's own buffered writes and register for conflict detection.
func (a *Adapter) GetMulti(ctx context.Context, keys []*model.Key) ([]map[string]any, error) {
	tx := a.ownTransaction(ctx)

	a.mu.Lock()
	defer a.mu.Unlock()

	rows := make([]map[string]any, len(keys))
	for i, key := range keys {
		_, id := storageKey(ctx, key)
		if tx != nil {
			if props, buffered := tx.read(id); buffered {
				rows[i] = props
				continue
			}
		}
		rec, ok := a.records[id]
		if tx != nil {
			tx.observe(id, rec)
		}
		if ok {
			rows[i] = copyProps(rec.props, nil)
		}
	}
	return rows, nil
}

// PutMulti implements model.Adapter. Incomplete keys are completed with
// sequential ids. Inside a transaction the writes are buffered until commit.
func (a *Adapter) PutMulti(ctx context.Context, reqs []model.PutRequest) ([]*model.Key, error) {
	tx := a.ownTransaction(ctx)

	a.mu.Lock()
	defer a.mu.Unlock()

	keys := make([]*model.Key, len(reqs))
	for i, req := range reqs {
		key := req.Key
		if key.Incomplete() {
			a.nextID++
			key = completeKey(key, a.nextID)
		}
		full, id := storageKey(ctx, key)
		keys[i] = full

		rec := &record{
			key:       full,
			props:     map[string]any{},
			unindexed: map[string]struct{}{},
		}
		for _, name := range req.Unindexed {
			rec.unindexed[name] = struct{}{}
		}
		for _, p := range req.Properties {
			rec.props[p.Name] = copyValue(p.Value)
		}

		if tx != nil {
			tx.bufferPut(id, rec)
			continue
		}
		if prev, ok := a.records[id]; ok {
			rec.version = prev.version + 1
		}
		a.records[id] = rec
	}
	return keys, nil
}

// DeleteMulti implements model.Adapter. Deleting an absent key is a no-op.
func (a *Adapter) DeleteMulti(ctx context.Context, keys []*model.Key) error {
	tx := a.ownTransaction(ctx)

	a.mu.Lock()
	defer a.mu.Unlock()

	for _, key := range keys {
		_, id := storageKey(ctx, key)
		if tx != nil {
			tx.bufferDelete(id)
			continue
		}
		delete(a.records, id)
	}
	return nil
}

// completeKey rebuilds key with the assigned numeric id.
func completeKey(key *model.Key, id int64) *model.Key {
	k := model.IDKey(key.Kind(), id, key.Parent())
	if ns := key.Namespace(); ns != "" {
		k = k.InNamespace(ns)
	}
	return k
}

// copyProps clones stored properties, optionally narrowed to a projection.
func copyProps(props map[string]any, projection []string) map[string]any {
	out := make(map[string]any, len(props))
	if len(projection) == 0 {
		for name, v := range props {
			out[name] = copyValue(v)
		}
		return out
	}
	for _, name := range projection {
		if v, ok := props[name]; ok {
			out[name] = copyValue(v)
		}
	}
	return out
}

func copyValue(v any) any {
	switch x := v.(type) {
	case []byte:
		return append([]byte(nil), x...)
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = copyValue(e)
		}
		return out
	case map[string]any:
		return copyProps(x, nil)
	case time.Time:
		return x
	default:
		return v
	}
}
