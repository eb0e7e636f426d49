package model

import (
	"context"
	"fmt"
)

// resolveBatchAdapter picks the adapter for a batch from the first key's
// model and verifies every other key resolves to the same one. Mixing
// adapters in one batch is an error because nothing could make the call
// atomic across them.
func resolveBatchAdapter(keys []*Key) (Adapter, []*Model, error) {
	models := make([]*Model, len(keys))
	var adapter Adapter
	for i, key := range keys {
		m, err := LookupModel(key.Kind())
		if err != nil {
			return nil, nil, err
		}
		models[i] = m
		a := m.Adapter()
		if a == nil {
			return nil, nil, ErrNoAdapter
		}
		if adapter == nil {
			adapter = a
		} else if a != adapter {
			return nil, nil, fmt.Errorf("%w: %s uses a different adapter than %s",
				ErrAdapterMismatch, key.Kind(), keys[0].Kind())
		}
	}
	return adapter, models, nil
}

func checkComplete(keys []*Key) error {
	for _, key := range keys {
		if key.Incomplete() {
			return fmt.Errorf("%w: %s", ErrIncompleteKey, key)
		}
	}
	return nil
}

// GetMulti fetches the entities behind keys, in order. Keys with nothing
// stored yield nil at their position. All keys must be complete and resolve
// to the same adapter.
func GetMulti(ctx context.Context, keys []*Key) ([]*Entity, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	if err := checkComplete(keys); err != nil {
		return nil, err
	}
	adapter, models, err := resolveBatchAdapter(keys)
	if err != nil {
		return nil, err
	}

	for i, m := range models {
		if m.hooks.PreGet != nil {
			if err := m.hooks.PreGet(keys[i]); err != nil {
				return nil, err
			}
		}
	}

	rows, err := adapter.GetMulti(ctx, keys)
	if err != nil {
		return nil, err
	}
	if len(rows) != len(keys) {
		return nil, fmt.Errorf("arbor: adapter returned %d rows for %d keys", len(rows), len(keys))
	}

	entities := make([]*Entity, len(keys))
	for i, data := range rows {
		if data == nil {
			continue
		}
		entity, err := models[i].load(keys[i], data)
		if err != nil {
			return nil, err
		}
		entities[i] = entity
	}

	for i, m := range models {
		if entities[i] == nil || m.hooks.PostGet == nil {
			continue
		}
		if err := m.hooks.PostGet(entities[i]); err != nil {
			return nil, err
		}
	}
	return entities, nil
}

// PutMulti stores entities, assigning ids to incomplete keys in place, and
// returns the same slice. Pre-put hooks run for every entity before anything
// is written, so a veto from any of them aborts the whole batch.
func PutMulti(ctx context.Context, entities []*Entity) ([]*Entity, error) {
	if len(entities) == 0 {
		return entities, nil
	}

	keys := make([]*Key, len(entities))
	for i, e := range entities {
		keys[i] = e.key
	}
	adapter, models, err := resolveBatchAdapter(keys)
	if err != nil {
		return nil, err
	}

	for i, e := range entities {
		if models[i].hooks.PrePut != nil {
			if err := models[i].hooks.PrePut(e); err != nil {
				return nil, err
			}
		}
	}

	requests := make([]PutRequest, len(entities))
	for i, e := range entities {
		props, err := e.model.storeRaw(e)
		if err != nil {
			return nil, err
		}
		requests[i] = PutRequest{
			Key:        e.key,
			Unindexed:  e.UnindexedProperties(),
			Properties: props,
		}
	}

	stored, err := adapter.PutMulti(ctx, requests)
	if err != nil {
		return nil, err
	}
	if len(stored) != len(entities) {
		return nil, fmt.Errorf("arbor: adapter returned %d keys for %d entities", len(stored), len(entities))
	}
	for i, key := range stored {
		entities[i].key = key
	}

	for i, e := range entities {
		if models[i].hooks.PostPut != nil {
			if err := models[i].hooks.PostPut(e); err != nil {
				return nil, err
			}
		}
	}
	return entities, nil
}

// DeleteMulti removes the entities behind keys. Deleting a key that holds
// nothing is not an error. All keys must be complete and resolve to the same
// adapter, and every pre-delete hook runs before anything is removed.
func DeleteMulti(ctx context.Context, keys []*Key) error {
	if len(keys) == 0 {
		return nil
	}
	if err := checkComplete(keys); err != nil {
		return err
	}
	adapter, models, err := resolveBatchAdapter(keys)
	if err != nil {
		return err
	}

	for i, m := range models {
		if m.hooks.PreDelete != nil {
			if err := m.hooks.PreDelete(keys[i]); err != nil {
				return err
			}
		}
	}

	if err := adapter.DeleteMulti(ctx, keys); err != nil {
		return err
	}

	for i, m := range models {
		if m.hooks.PostDelete != nil {
			if err := m.hooks.PostDelete(keys[i]); err != nil {
				return err
			}
		}
	}
	return nil
}
