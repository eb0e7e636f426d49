package model

import "fmt"

type computedProperty struct {
	*baseProperty
	fn func(*Entity) any
}

// Computed returns a property whose value is derived from the owning entity
// by fn. The value is computed on first access, cached on the instance and
// recomputed after Unset. Computed properties cannot be assigned, are never
// restored from storage, and are indexed and optional.
func Computed(field string, fn func(*Entity) any, o Opts) Property {
	if fn == nil {
		panic(fmt.Sprintf("arbor: Computed property %q requires a function", field))
	}
	o.Optional = true
	if o.IndexedIf == nil {
		o.Indexed = true
	}
	base := newBase(field, "Computed", o, func(v any) (any, bool) { return v, true })
	return &computedProperty{baseProperty: base, fn: fn}
}

// Validate rejects every assignment: computed values only ever come from the
// function.
func (p *computedProperty) Validate(v any) (any, error) {
	return nil, fmt.Errorf("%w: computed property %q", ErrReadOnly, p.field)
}

func (p *computedProperty) store(e *Entity, v any) (any, error) {
	return p.compute(e), nil
}

// load always skips: stored values are stale by definition and the next
// access recomputes.
func (p *computedProperty) load(e *Entity, v any) (any, bool, error) {
	return nil, true, nil
}

func (p *computedProperty) compute(e *Entity) any {
	if cached, ok := e.data[p.name]; ok {
		return cached
	}
	v := p.fn(e)
	e.data[p.name] = v
	return v
}
