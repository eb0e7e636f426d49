package model

import (
	"fmt"
	"time"
)

// DateTimeOpts configures a DateTime property.
type DateTimeOpts struct {
	Opts

	// AutoNowAdd stamps the current time onto the entity the first time it
	// is stored, when no value was assigned.
	AutoNowAdd bool

	// AutoNow stamps the current time onto the entity on every store.
	AutoNow bool
}

type dateTimeProperty struct {
	*baseProperty
	autoNowAdd bool
	autoNow    bool
	now        func() time.Time
}

// DateTime returns a property holding time values. Values are normalized to
// UTC before storage and the normalized value is stamped back onto the
// entity. Combining AutoNow or AutoNowAdd with Repeated panics.
func DateTime(field string, o DateTimeOpts) Property {
	if o.Repeated && (o.AutoNow || o.AutoNowAdd) {
		panic(fmt.Sprintf("arbor: DateTime property %q cannot combine AutoNow or AutoNowAdd with Repeated", field))
	}

	base := newBase(field, "DateTime", o.Opts, func(v any) (any, bool) {
		t, ok := v.(time.Time)
		return t, ok
	})
	return &dateTimeProperty{
		baseProperty: base,
		autoNowAdd:   o.AutoNowAdd,
		autoNow:      o.AutoNow,
		now:          time.Now,
	}
}

func (p *dateTimeProperty) store(e *Entity, v any) (any, error) {
	if p.autoNow || (v == nil && p.autoNowAdd) {
		v = p.now()
		e.data[p.name] = v
	}

	switch t := v.(type) {
	case time.Time:
		v = t.UTC()
		e.data[p.name] = v
	case []any:
		utc := make([]any, len(t))
		for i, elem := range t {
			ts, ok := elem.(time.Time)
			if !ok {
				return nil, fmt.Errorf("%w: element %d of type %T in repeated DateTime property %q",
					ErrInvalidValue, i, elem, p.field)
			}
			utc[i] = ts.UTC()
		}
		v = utc
		e.data[p.name] = v
	}

	return p.baseProperty.store(e, v)
}

func (p *dateTimeProperty) load(e *Entity, v any) (any, bool, error) {
	// Projection queries surface timestamps as microsecond integers.
	if micros, ok := v.(int64); ok {
		return time.UnixMicro(micros).UTC(), false, nil
	}
	return p.baseProperty.load(e, v)
}
