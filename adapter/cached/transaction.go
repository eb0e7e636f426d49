package cached

import (
	"context"

	"github.com/jacentio/arbor/model"
)

// transaction wraps the inner adapter's transaction and defers cache busting
// for every key written inside it until commit.
type transaction struct {
	adapter *Adapter
	inner   model.Transaction
	pending map[string]struct{}
}

// joined is a nested scope of an already running cached transaction.
type joined struct {
	tx    *transaction
	inner model.Transaction
}

type cacheTx interface {
	root() *transaction
}

func (t *transaction) root() *transaction { return t }
func (j *joined) root() *transaction      { return j.tx }

// Unwrap exposes the inner adapter's transaction so it can find itself on
// the context.
func (t *transaction) Unwrap() model.Transaction { return t.inner }
func (j *joined) Unwrap() model.Transaction      { return j.inner }

// Transaction implements model.Adapter.
func (a *Adapter) Transaction(ctx context.Context, propagation model.Propagation) (model.Transaction, error) {
	inner, err := a.inner.Transaction(ctx, propagation)
	if err != nil {
		return nil, err
	}
	if propagation == model.Nested {
		if cur := a.unwrap(model.CurrentTransaction(ctx)); cur != nil {
			return &joined{tx: cur, inner: inner}, nil
		}
	}
	return &transaction{
		adapter: a,
		inner:   inner,
		pending: map[string]struct{}{},
	}, nil
}

func (a *Adapter) ownTransaction(ctx context.Context) *transaction {
	return a.unwrap(model.CurrentTransaction(ctx))
}

func (a *Adapter) unwrap(tx model.Transaction) *transaction {
	for tx != nil {
		if own, ok := tx.(cacheTx); ok && own.root().adapter == a {
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

// deferBust schedules a cache entry for busting when the transaction
// commits.
func (t *transaction) deferBust(cacheKey string) {
	t.pending[cacheKey] = struct{}{}
}

func (t *transaction) Begin(ctx context.Context) error {
	return t.inner.Begin(ctx)
}

// Commit locks the pending cache entries, commits the inner transaction and
// then deletes them, so readers never repopulate values the commit is about
// to overwrite. The delete runs even when the commit fails; otherwise the
// lock values would linger until LockTTL.
func (t *transaction) Commit(ctx context.Context) error {
	cacheKeys := make([]string, 0, len(t.pending))
	for ck := range t.pending {
		cacheKeys = append(cacheKeys, ck)
	}

	if err := t.adapter.lock(ctx, cacheKeys); err != nil {
		return err
	}
	if err := t.inner.Commit(ctx); err != nil {
		t.adapter.bust(ctx, cacheKeys)
		return err
	}
	return t.adapter.backend.DeleteMulti(ctx, cacheKeys)
}

func (t *transaction) Rollback(ctx context.Context) error {
	t.pending = map[string]struct{}{}
	return t.inner.Rollback(ctx)
}

func (t *transaction) End(ctx context.Context) {
	t.inner.End(ctx)
}

func (j *joined) Begin(ctx context.Context) error    { return j.inner.Begin(ctx) }
func (j *joined) Commit(ctx context.Context) error   { return j.inner.Commit(ctx) }
func (j *joined) Rollback(ctx context.Context) error { return j.inner.Rollback(ctx) }
func (j *joined) End(ctx context.Context)            { j.inner.End(ctx) }
