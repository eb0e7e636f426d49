package model

// Predicates for Opts.IndexedIf. Each one inspects the entity at store time
// and decides whether the property's value should be indexed.

// IsDefault indexes the property only when its value equals its default.
func IsDefault(e *Entity, p Property) bool {
	return valueEqual(e.Get(p.Field()), p.defaultValue())
}

// IsNotDefault indexes the property only when its value differs from its
// default.
func IsNotDefault(e *Entity, p Property) bool {
	return !IsDefault(e, p)
}

// IsEmpty indexes the property only when it has no value: unset, nil, an
// empty string or an empty list.
func IsEmpty(e *Entity, p Property) bool {
	switch v := e.Get(p.Field()).(type) {
	case nil:
		return true
	case string:
		return v == ""
	case []byte:
		return len(v) == 0
	case []any:
		return len(v) == 0
	default:
		return false
	}
}

// IsNotEmpty indexes the property only when it has a value.
func IsNotEmpty(e *Entity, p Property) bool {
	return !IsEmpty(e, p)
}

// IsNone indexes the property only when its value is nil.
func IsNone(e *Entity, p Property) bool {
	return e.Get(p.Field()) == nil
}

// IsNotNone indexes the property only when its value is not nil.
func IsNotNone(e *Entity, p Property) bool {
	return e.Get(p.Field()) != nil
}

// IsTrue indexes the property only when its value is true.
func IsTrue(e *Entity, p Property) bool {
	v, ok := e.Get(p.Field()).(bool)
	return ok && v
}

// IsFalse indexes the property only when its value is false.
func IsFalse(e *Entity, p Property) bool {
	v, ok := e.Get(p.Field()).(bool)
	return ok && !v
}
