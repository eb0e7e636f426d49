package memory

import (
	"context"

	"github.com/jacentio/arbor/model"
)

// observed captures the state of a record the transaction read, for
// validation at commit time.
type observed struct {
	present bool
	version uint64
}

// transaction buffers writes and validates reads optimistically: commit
// fails with a conflict when any record read inside the transaction changed
// underneath it.
type transaction struct {
	adapter *Adapter
	reads   map[string]observed
	puts    map[string]*record
	deletes map[string]struct{}
}

// joined is a nested scope of an already running transaction. Its lifecycle
// calls are no-ops; the outermost scope commits or rolls back for everyone.
type joined struct {
	tx *transaction
}

// memTx lets the adapter unwrap either scope type to the owning transaction.
type memTx interface {
	root() *transaction
}

func (t *transaction) root() *transaction { return t }
func (j *joined) root() *transaction      { return j.tx }

// Transaction implements model.Adapter.
func (a *Adapter) Transaction(ctx context.Context, propagation model.Propagation) (model.Transaction, error) {
	if propagation == model.Nested {
		if cur := a.unwrap(model.CurrentTransaction(ctx)); cur != nil {
			return &joined{tx: cur}, nil
		}
	}
	return &transaction{
		adapter: a,
		reads:   map[string]observed{},
		puts:    map[string]*record{},
		deletes: map[string]struct{}{},
	}, nil
}

// ownTransaction returns the transaction running on ctx if it belongs to
// this adapter.
func (a *Adapter) ownTransaction(ctx context.Context) *transaction {
	return a.unwrap(model.CurrentTransaction(ctx))
}

// unwrap digs through wrapping transactions, like the caching layer's, to
// this adapter's own.
func (a *Adapter) unwrap(tx model.Transaction) *transaction {
	for tx != nil {
		if own, ok := tx.(memTx); ok && own.root().adapter == a {
			return own.root()
		}
		wrapped, ok := tx.(model.WrappedTransaction)
		if !ok {
			return nil
		}
		tx = wrapped.Unwrap()
	}
	return nil
}

// observe records the version of a record read outside the write buffer.
// Only the first read of an id counts; later reads inside the same
// transaction see the same snapshot.
func (t *transaction) observe(id string, rec *record) {
	if _, seen := t.reads[id]; seen {
		return
	}
	if rec == nil {
		t.reads[id] = observed{}
		return
	}
	t.reads[id] = observed{present: true, version: rec.version}
}

// read resolves an id against the write buffer. The second return reports
// whether the buffer had an answer at all.
func (t *transaction) read(id string) (map[string]any, bool) {
	if _, gone := t.deletes[id]; gone {
		return nil, true
	}
	if rec, ok := t.puts[id]; ok {
		return copyProps(rec.props, nil), true
	}
	return nil, false
}

func (t *transaction) bufferPut(id string, rec *record) {
	delete(t.deletes, id)
	t.puts[id] = rec
}

func (t *transaction) bufferDelete(id string) {
	delete(t.puts, id)
	t.deletes[id] = struct{}{}
}

func (t *transaction) Begin(ctx context.Context) error { return nil }

func (t *transaction) Commit(ctx context.Context) error {
	a := t.adapter
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.failCommits > 0 {
		a.failCommits--
		return &model.TransactionFailedError{Message: "commit conflict injected"}
	}

	for id, obs := range t.reads {
		rec, ok := a.records[id]
		if ok != obs.present || (ok && rec.version != obs.version) {
			return &model.TransactionFailedError{Message: "concurrent modification of " + id}
		}
	}

	for id := range t.deletes {
		delete(a.records, id)
	}
	for id, rec := range t.puts {
		if prev, ok := a.records[id]; ok {
			rec.version = prev.version + 1
		}
		a.records[id] = rec
	}
	return nil
}

func (t *transaction) Rollback(ctx context.Context) error {
	t.puts = map[string]*record{}
	t.deletes = map[string]struct{}{}
	t.reads = map[string]observed{}
	return nil
}

func (t *transaction) End(ctx context.Context) {}

func (j *joined) Begin(ctx context.Context) error    { return nil }
func (j *joined) Commit(ctx context.Context) error   { return nil }
func (j *joined) Rollback(ctx context.Context) error { return nil }
func (j *joined) End(ctx context.Context)            {}
