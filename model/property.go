package model

import (
	"fmt"
	"time"
)

// Property is a typed attribute descriptor attached to a model at
// registration time. A property validates values on assignment, prepares
// them for storage and restores them on load.
//
// Properties are created with the typed constructors in this package (Bool,
// Integer, String, Msgpack, Embed, ...). Constructors panic on invalid
// configuration; invalid values are reported as errors at assignment or
// store time.
type Property interface {
	// Field returns the property's name on the model.
	Field() string

	// Name returns the property's persisted field name. It defaults to the
	// field name and can be overridden with Opts.Name.
	Name() string

	// Validate checks that v may be assigned to the property and returns
	// the value to assign, which may be a coerced form of v.
	Validate(v any) (any, error)

	opts() Opts
	defaultValue() any

	// store prepares v for persistence. It runs once per property at put
	// time, in declaration order, and may stamp derived values back onto e.
	store(e *Entity, v any) (any, error)

	// load prepares a stored value for assignment onto e. A true skip
	// result means the field must not be restored from storage.
	load(e *Entity, v any) (value any, skip bool, err error)
}

// Opts holds the options shared by all property types.
type Opts struct {
	// Name overrides the persisted field name.
	Name string

	// Default is returned by Entity.Get when the property is unset. It is
	// validated at construction.
	Default any

	// Indexed marks the property's values for indexing.
	Indexed bool

	// IndexedIf makes indexing dynamic: the property is indexed only when
	// the predicate returns true for the owning entity. Setting IndexedIf
	// implies Indexed.
	IndexedIf func(*Entity, Property) bool

	// Optional properties may hold nil. Required properties fail at store
	// time when no value was assigned.
	Optional bool

	// Repeated properties hold homogeneous lists of values.
	Repeated bool
}

func (o Opts) indexed() bool { return o.Indexed || o.IndexedIf != nil }

// baseProperty implements the shared validate/store/load pipeline. Typed
// constructors configure the single-value checker and the ordered transform
// steps.
type baseProperty struct {
	field     string
	name      string
	options   Opts
	typeName  string
	check     func(v any) (any, bool)
	steps     []transform
	validated func(v any) (any, error) // optional extra validation hook
}

func newBase(field, typeName string, o Opts, check func(any) (any, bool)) *baseProperty {
	p := &baseProperty{
		field:    field,
		name:     field,
		options:  o,
		typeName: typeName,
		check:    check,
	}
	if o.Name != "" {
		p.name = o.Name
	}
	if o.Default != nil {
		v, err := p.Validate(o.Default)
		if err != nil {
			panic(fmt.Sprintf("arbor: invalid default for property %q: %v", field, err))
		}
		p.options.Default = v
	}
	return p
}

func (p *baseProperty) Field() string     { return p.field }
func (p *baseProperty) Name() string      { return p.name }
func (p *baseProperty) opts() Opts        { return p.options }
func (p *baseProperty) defaultValue() any { return p.options.Default }

func (p *baseProperty) Validate(v any) (any, error) {
	v, err := p.validateType(v)
	if err != nil {
		return nil, err
	}
	if p.validated != nil && v != nil {
		return p.validated(v)
	}
	return v, nil
}

func (p *baseProperty) validateType(v any) (any, error) {
	if v == nil {
		if p.options.Optional {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: nil assigned to required %s property %q",
			ErrInvalidValue, p.typeName, p.field)
	}

	if checked, ok := p.check(v); ok && !p.options.Repeated {
		return checked, nil
	}

	if p.options.Repeated {
		values, ok := asList(v)
		if !ok {
			return nil, fmt.Errorf("%w: value of type %T assigned to repeated %s property %q",
				ErrInvalidValue, v, p.typeName, p.field)
		}
		out := make([]any, len(values))
		for i, elem := range values {
			checked, ok := p.check(elem)
			if !ok {
				return nil, fmt.Errorf("%w: element %d of type %T assigned to repeated %s property %q",
					ErrInvalidValue, i, elem, p.typeName, p.field)
			}
			out[i] = checked
		}
		return out, nil
	}

	return nil, fmt.Errorf("%w: value of type %T assigned to %s property %q",
		ErrInvalidValue, v, p.typeName, p.field)
}

func (p *baseProperty) store(e *Entity, v any) (any, error) {
	if v == nil {
		if !p.options.Optional {
			return nil, fmt.Errorf("%w: %q", ErrMissingValue, p.field)
		}
		return nil, nil
	}
	return applySteps(p.steps, v, p.options.Repeated, false)
}

func (p *baseProperty) load(e *Entity, v any) (any, bool, error) {
	if v == nil {
		return nil, false, nil
	}
	out, err := applySteps(p.steps, v, p.options.Repeated, true)
	return out, false, err
}

// asList normalizes the slice kinds a repeated property accepts into []any.
func asList(v any) ([]any, bool) {
	switch xs := v.(type) {
	case []any:
		return xs, true
	case []bool:
		return genericList(xs), true
	case []int:
		return genericList(xs), true
	case []int64:
		return genericList(xs), true
	case []float64:
		return genericList(xs), true
	case []string:
		return genericList(xs), true
	case [][]byte:
		return genericList(xs), true
	case []time.Time:
		return genericList(xs), true
	case []*Key:
		return genericList(xs), true
	case []*Entity:
		return genericList(xs), true
	default:
		return nil, false
	}
}

func genericList[T any](xs []T) []any {
	out := make([]any, len(xs))
	for i, x := range xs {
		out[i] = x
	}
	return out
}

// unindexedFor reports whether the property's values must be excluded from
// indexing on e.
func unindexedFor(p Property, e *Entity) bool {
	o := p.opts()
	if !o.indexed() {
		return true
	}
	if o.IndexedIf != nil && !o.IndexedIf(e, p) {
		return true
	}
	return false
}
