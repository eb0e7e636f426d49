package model

import (
	"context"
	"errors"
	"log/slog"
)

// Propagation controls how a transaction relates to one already running on
// the context.
type Propagation int

const (
	// Nested joins the enclosing transaction when there is one and starts a
	// new one otherwise. Joined scopes commit together with the outermost
	// scope.
	Nested Propagation = iota

	// Independent always starts a new transaction, even inside another one.
	Independent
)

// Transaction is a unit of work created by an adapter. The model layer
// drives its lifecycle; adapters route reads and writes through it by
// looking it up on the context with CurrentTransaction.
type Transaction interface {
	// Begin acquires whatever the transaction needs before any work runs.
	Begin(ctx context.Context) error

	// Commit applies the transaction's buffered writes. It returns a
	// *TransactionFailedError when the backend detected a conflict, in which
	// case the whole unit of work may be retried.
	Commit(ctx context.Context) error

	// Rollback discards the transaction's buffered writes.
	Rollback(ctx context.Context) error

	// End releases the transaction's resources. It runs exactly once, after
	// Commit or Rollback, regardless of outcome.
	End(ctx context.Context)
}

// WrappedTransaction is implemented by transactions that delegate to another
// adapter's transaction, such as the caching layer's. Adapters unwrap the
// context's transaction through it to find their own.
type WrappedTransaction interface {
	Unwrap() Transaction
}

type txStackKey struct{}

// withTransaction returns a context with tx pushed onto the transaction
// stack.
func withTransaction(ctx context.Context, tx Transaction) context.Context {
	stack, _ := ctx.Value(txStackKey{}).([]Transaction)
	next := make([]Transaction, len(stack), len(stack)+1)
	copy(next, stack)
	return context.WithValue(ctx, txStackKey{}, append(next, tx))
}

// CurrentTransaction returns the innermost transaction on the context, or
// nil when none is running.
func CurrentTransaction(ctx context.Context) Transaction {
	stack, _ := ctx.Value(txStackKey{}).([]Transaction)
	if len(stack) == 0 {
		return nil
	}
	return stack[len(stack)-1]
}

// InTransaction reports whether a transaction is running on the context.
func InTransaction(ctx context.Context) bool {
	return CurrentTransaction(ctx) != nil
}

// defaultTransactionRetries is how many times RunInTransaction re-runs the
// unit of work after a conflict before giving up.
const defaultTransactionRetries = 3

// TxOptions configures RunInTransaction.
type TxOptions struct {
	// Propagation controls interaction with an enclosing transaction.
	// Defaults to Nested.
	Propagation Propagation

	// Retries is the number of re-runs allowed after a conflict. Zero means
	// the default of 3; a negative value disables retries entirely so the
	// unit of work runs exactly once.
	Retries int

	// Adapter overrides the process default adapter for this transaction.
	Adapter Adapter
}

// RunInTransaction runs fn inside a transaction. The context passed to fn
// carries the transaction, so reads and writes made through it participate.
// When the backend reports a conflict the whole function is re-run, up to
// the retry budget; once the budget is spent a *RetriesExceededError wrapping
// the last conflict is returned. Any other error from fn rolls the
// transaction back and is returned as is.
func RunInTransaction(ctx context.Context, opts TxOptions, fn func(ctx context.Context) error) error {
	adapter := opts.Adapter
	if adapter == nil {
		adapter = CurrentAdapter()
	}
	if adapter == nil {
		return ErrNoAdapter
	}

	retries := opts.Retries
	if retries == 0 {
		retries = defaultTransactionRetries
	} else if retries < 0 {
		retries = 0
	}

	var lastConflict error
	for attempt := 0; attempt <= retries; attempt++ {
		if attempt > 0 {
			slog.Warn("retrying transaction after conflict",
				"attempt", attempt,
				"retries", retries,
				"error", lastConflict)
		}

		conflict, err := runOnce(ctx, adapter, opts.Propagation, fn)
		if err != nil {
			return err
		}
		if conflict == nil {
			return nil
		}
		lastConflict = conflict
	}
	return &RetriesExceededError{Cause: lastConflict}
}

// runOnce drives a single transaction attempt. A conflict that warrants a
// retry comes back in the first return value; any other failure in the
// second.
func runOnce(ctx context.Context, adapter Adapter, propagation Propagation, fn func(ctx context.Context) error) (conflict, err error) {
	tx, err := adapter.Transaction(ctx, propagation)
	if err != nil {
		return nil, err
	}
	if err := tx.Begin(ctx); err != nil {
		return nil, err
	}
	defer tx.End(ctx)

	txCtx := withTransaction(ctx, tx)
	if err := fn(txCtx); err != nil {
		if rbErr := tx.Rollback(txCtx); rbErr != nil {
			slog.Error("transaction rollback failed", "error", rbErr)
		}
		var failed *TransactionFailedError
		if errors.As(err, &failed) {
			return err, nil
		}
		return nil, err
	}

	if err := tx.Commit(txCtx); err != nil {
		var failed *TransactionFailedError
		if errors.As(err, &failed) {
			return err, nil
		}
		return nil, err
	}
	return nil, nil
}
