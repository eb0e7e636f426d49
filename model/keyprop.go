package model

import "fmt"

// KeyOpts configures a KeyRef property.
type KeyOpts struct {
	Opts

	// Kind restricts assignable keys to a single kind. Empty accepts any
	// kind.
	Kind string
}

// KeyRef returns a property holding references to other entities' keys.
// Entities may be assigned directly and are coerced to their keys. Assigning
// an incomplete key, or a key of the wrong kind when Kind is set, fails.
func KeyRef(field string, o KeyOpts) Property {
	p := newBase(field, "KeyRef", o.Opts, func(v any) (any, bool) {
		switch x := v.(type) {
		case *Key:
			return x, true
		case *Entity:
			return x.key, true
		default:
			return nil, false
		}
	})
	p.validated = func(v any) (any, error) {
		keys, ok := v.([]any)
		if !ok {
			keys = []any{v}
		}
		for _, elem := range keys {
			key, ok := elem.(*Key)
			if !ok {
				continue
			}
			if key.Incomplete() {
				return nil, fmt.Errorf("%w: incomplete key assigned to property %q",
					ErrInvalidValue, field)
			}
			if o.Kind != "" && key.Kind() != o.Kind {
				return nil, fmt.Errorf("%w: key of kind %q assigned to property %q (want kind %q)",
					ErrInvalidValue, key.Kind(), field, o.Kind)
			}
		}
		return v, nil
	}
	return p
}
