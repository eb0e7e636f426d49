package model

import (
	"context"
	"sync"
)

// RawProperty is one wire field of an entity: the persisted name and the
// already-prepared value.
type RawProperty struct {
	Name  string
	Value any
}

// PutRequest asks an adapter to persist a single entity.
type PutRequest struct {
	// Key is the entity's key; incomplete keys are completed by the adapter.
	Key *Key

	// Unindexed lists the wire field names that must be excluded from
	// indexing.
	Unindexed []string

	// Properties holds the prepared wire fields, in declaration order.
	Properties []RawProperty
}

// QueryOptions tunes a single adapter query call.
type QueryOptions struct {
	// BatchSize caps the number of results fetched per round trip.
	BatchSize int

	// Offset skips results before the first one returned.
	Offset int

	// Limit caps how many results the call may return. Zero means no limit.
	Limit int

	// Cursor resumes the query from a previously returned cursor.
	Cursor string

	// KeysOnly requests keys without entity data.
	KeysOnly bool
}

// QueryRow is one query result: a key and, unless the query was keys-only or
// projected away, the entity's data keyed by wire field name.
type QueryRow struct {
	Key  *Key
	Data map[string]any
}

// QueryResult is a single batch of query results plus the cursor that
// resumes the query immediately after the batch.
type QueryResult struct {
	Rows   []QueryRow
	Cursor string
}

// Adapter is the contract between the model layer and a storage backend.
// Implementations must keep batch results aligned with input order.
type Adapter interface {
	// GetMulti fetches entity data for each key. Missing entities are nil.
	GetMulti(ctx context.Context, keys []*Key) ([]map[string]any, error)

	// PutMulti persists the requested entities and returns their completed
	// keys, aligned with the input.
	PutMulti(ctx context.Context, reqs []PutRequest) ([]*Key, error)

	// DeleteMulti removes the entities identified by keys.
	DeleteMulti(ctx context.Context, keys []*Key) error

	// Query runs one batch of a query.
	Query(ctx context.Context, q Query, opts QueryOptions) (*QueryResult, error)

	// Transaction creates a transaction with the given propagation mode.
	// Implementations consult the context for an enclosing transaction when
	// the mode is Nested.
	Transaction(ctx context.Context, propagation Propagation) (Transaction, error)
}

var (
	adapterMu      sync.RWMutex
	defaultAdapter Adapter
)

// SetAdapter installs the process-wide default adapter and returns it.
// Models registered with their own adapter are unaffected.
func SetAdapter(a Adapter) Adapter {
	adapterMu.Lock()
	defer adapterMu.Unlock()
	defaultAdapter = a
	return a
}

// CurrentAdapter returns the process-wide default adapter, or nil if none
// has been set.
func CurrentAdapter() Adapter {
	adapterMu.RLock()
	defer adapterMu.RUnlock()
	return defaultAdapter
}
