package model

import (
	"bytes"
	"context"
	"fmt"
	"time"
)

// Entity is a single instance of a registered model: a key plus a sparse
// wire-name to value mapping. Unset properties fall back to their defaults
// or computed values on access.
type Entity struct {
	model *Model
	key   *Key
	data  map[string]any
}

// New returns an empty entity of the model with an incomplete key.
func (m *Model) New() *Entity {
	return &Entity{
		model: m,
		key:   IncompleteKey(m.kind, nil),
		data:  map[string]any{},
	}
}

// Query returns a new query over the model's entities. Queries against
// polymorphic children are narrowed to matching subclasses at run time.
func (m *Model) Query() Query {
	q := NewQuery(m.kind)
	q.model = m
	return q
}

// Get fetches the model's entity with the given id (int64 or string), or
// nil if it does not exist.
func (m *Model) Get(ctx context.Context, id any, parent *Key) (*Entity, error) {
	var key *Key
	switch x := id.(type) {
	case int64:
		key = IDKey(m.kind, x, parent)
	case int:
		key = IDKey(m.kind, int64(x), parent)
	case string:
		key = NameKey(m.kind, x, parent)
	default:
		return nil, fmt.Errorf("%w: id of type %T", ErrInvalidValue, id)
	}
	return key.Get(ctx)
}

// load reconstructs an entity from adapter-level data. Polymorphic models
// instantiate the most-specific class recorded in the data.
func (m *Model) load(key *Key, data map[string]any) (*Entity, error) {
	target := m
	if m.polymorphic() {
		if chain, ok := data[kindsField]; ok {
			name, ok := leafKind(chain)
			if !ok {
				return nil, fmt.Errorf("arbor: malformed %q field for kind %q", kindsField, m.kind)
			}
			leaf, err := LookupModel(name)
			if err != nil {
				return nil, err
			}
			target = leaf
		}
	}

	e := target.New()
	e.key = key
	for _, prop := range target.props {
		if f, ok := prop.(flattener); ok {
			v, skip, err := f.loadFlat(data)
			if err != nil {
				return nil, err
			}
			if !skip {
				e.data[prop.Name()] = v
			}
			continue
		}

		v, skip, err := prop.load(e, data[prop.Name()])
		if err != nil {
			return nil, err
		}
		if !skip {
			e.data[prop.Name()] = v
		}
	}
	return e, nil
}

func leafKind(chain any) (string, bool) {
	switch names := chain.(type) {
	case []string:
		if len(names) > 0 {
			return names[0], true
		}
	case []any:
		if len(names) > 0 {
			name, ok := names[0].(string)
			return name, ok
		}
	}
	return "", false
}

// storeRaw prepares the entity's wire fields, in declaration order. Each
// property's store step runs exactly once; embeds expand into their dotted
// fields, and polymorphic entities carry their class chain.
func (m *Model) storeRaw(e *Entity) ([]RawProperty, error) {
	var raw []RawProperty
	for _, prop := range m.props {
		v := e.rawValue(prop)

		if f, ok := prop.(flattener); ok {
			err := f.storeFlat(e, v, func(name string, value any) {
				raw = append(raw, RawProperty{Name: name, Value: value})
			})
			if err != nil {
				return nil, err
			}
			continue
		}

		wire, err := prop.store(e, v)
		if err != nil {
			return nil, err
		}
		raw = append(raw, RawProperty{Name: prop.Name(), Value: wire})
	}

	if m.polymorphic() {
		raw = append(raw, RawProperty{Name: kindsField, Value: m.kinds})
	}
	return raw, nil
}

// rawValue returns the value store should see for prop: the assigned value,
// or the default when unset.
func (e *Entity) rawValue(prop Property) any {
	if v, ok := e.data[prop.Name()]; ok {
		return v
	}
	if def := prop.defaultValue(); def != nil {
		return def
	}
	if prop.opts().Repeated {
		return []any{}
	}
	return nil
}

// Model returns the entity's model.
func (e *Entity) Model() *Model { return e.model }

// Key returns the entity's key.
func (e *Entity) Key() *Key { return e.key }

// SetKey replaces the entity's key. The key's kind must match the model's
// storage kind.
func (e *Entity) SetKey(key *Key) error {
	if key.Kind() != e.model.kind {
		return fmt.Errorf("%w: key of kind %q for %q entity", ErrInvalidValue, key.Kind(), e.model.name)
	}
	e.key = key
	return nil
}

// Get returns the value of the named property: the assigned value, the
// default when unset, an empty list for unset repeated properties, or the
// computed value. It panics on unknown property names.
func (e *Entity) Get(field string) any {
	prop, ok := e.model.byField[field]
	if !ok {
		panic(fmt.Sprintf("arbor: model %q has no property %q", e.model.name, field))
	}

	if computed, ok := prop.(*computedProperty); ok {
		return computed.compute(e)
	}

	if v, found := e.data[prop.Name()]; found {
		return v
	}
	if def := prop.defaultValue(); def != nil {
		return def
	}
	if prop.opts().Repeated {
		return []any{}
	}
	return nil
}

// Set validates v and assigns it to the named property.
func (e *Entity) Set(field string, v any) error {
	prop, ok := e.model.byField[field]
	if !ok {
		return fmt.Errorf("%w: %q on model %q", ErrUnknownProperty, field, e.model.name)
	}
	validated, err := prop.Validate(v)
	if err != nil {
		return err
	}
	e.data[prop.Name()] = validated
	return nil
}

// MustSet is Set for static values; it panics on validation errors.
func (e *Entity) MustSet(field string, v any) *Entity {
	if err := e.Set(field, v); err != nil {
		panic(err)
	}
	return e
}

// Unset removes the named property's value. Later access falls back to the
// default, and computed properties recompute.
func (e *Entity) Unset(field string) {
	prop, ok := e.model.byField[field]
	if !ok {
		return
	}
	delete(e.data, prop.Name())
}

// UnindexedProperties returns the wire field names that must be excluded
// from indexing for this entity. The set is computed per entity because
// indexing may depend on a predicate over current values.
func (e *Entity) UnindexedProperties() []string {
	var names []string
	for _, prop := range e.model.props {
		if f, ok := prop.(flattener); ok {
			names = append(names, f.unindexedFlat(e, e.rawValue(prop))...)
			continue
		}
		if unindexedFor(prop, e) {
			names = append(names, prop.Name())
		}
	}
	return names
}

// Put persists the entity.
func (e *Entity) Put(ctx context.Context) error {
	_, err := PutMulti(ctx, []*Entity{e})
	return err
}

// Delete removes the entity from storage.
func (e *Entity) Delete(ctx context.Context) error {
	return DeleteMulti(ctx, []*Key{e.key})
}

// Equal reports whether two entities have the same concrete model, equal
// keys and equal values for every declared property. Comparison is
// structural, never by identity.
func (e *Entity) Equal(other *Entity) bool {
	if e == nil || other == nil {
		return e == other
	}
	if e.model != other.model {
		return false
	}
	if !e.key.Equal(other.key) {
		return false
	}
	for _, prop := range e.model.props {
		if !valueEqual(e.Get(prop.Field()), other.Get(prop.Field())) {
			return false
		}
	}
	return true
}

// valueEqual compares property values structurally across the model value
// domain.
func valueEqual(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}

	switch x := a.(type) {
	case *Key:
		y, ok := b.(*Key)
		return ok && x.Equal(y)
	case *Entity:
		y, ok := b.(*Entity)
		return ok && x.Equal(y)
	case time.Time:
		y, ok := b.(time.Time)
		return ok && x.Equal(y)
	case []byte:
		y, ok := b.([]byte)
		return ok && bytes.Equal(x, y)
	case []any:
		y, ok := b.([]any)
		if !ok || len(x) != len(y) {
			return false
		}
		for i := range x {
			if !valueEqual(x[i], y[i]) {
				return false
			}
		}
		return true
	case map[string]any:
		y, ok := b.(map[string]any)
		if !ok || len(x) != len(y) {
			return false
		}
		for k, v := range x {
			if !valueEqual(v, y[k]) {
				return false
			}
		}
		return true
	default:
		return a == b
	}
}
