package model

import (
	"fmt"
	"strings"
)

// flattener is implemented by properties that expand into multiple wire
// fields instead of a single one.
type flattener interface {
	storeFlat(e *Entity, v any, emit func(name string, value any)) error
	loadFlat(data map[string]any) (any, bool, error)
	unindexedFlat(e *Entity, v any) []string
}

type embedProperty struct {
	field    string
	name     string
	options  Opts
	embedded *Model
}

// Embed returns a property whose value is an entity (or, when repeated, a
// list of entities) of the embedded model, flattened into the parent's field
// namespace under dotted names. Embeds are structural: configuring Default
// or an index panics. Name sets the dotted-path prefix.
func Embed(field string, embedded *Model, o Opts) Property {
	if embedded == nil {
		panic(fmt.Sprintf("arbor: Embed property %q requires a model", field))
	}
	if o.Default != nil {
		panic(fmt.Sprintf("arbor: Embed property %q cannot have a default", field))
	}
	if o.indexed() {
		panic(fmt.Sprintf("arbor: Embed property %q cannot be indexed", field))
	}

	name := field
	if o.Name != "" {
		name = o.Name
	}
	return &embedProperty{field: field, name: name, options: o, embedded: embedded}
}

func (p *embedProperty) Field() string     { return p.field }
func (p *embedProperty) Name() string      { return p.name }
func (p *embedProperty) opts() Opts        { return p.options }
func (p *embedProperty) defaultValue() any { return nil }

func (p *embedProperty) Validate(v any) (any, error) {
	if v == nil {
		if p.options.Optional {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: nil assigned to required Embed property %q", ErrInvalidValue, p.field)
	}

	if p.options.Repeated {
		values, ok := asList(v)
		if !ok {
			return nil, fmt.Errorf("%w: value of type %T assigned to repeated Embed property %q",
				ErrInvalidValue, v, p.field)
		}
		out := make([]any, len(values))
		for i, elem := range values {
			entity, ok := elem.(*Entity)
			if !ok || !entity.model.isKindOf(p.embedded) {
				return nil, fmt.Errorf("%w: element %d is not a %q entity in repeated Embed property %q",
					ErrInvalidValue, i, p.embedded.name, p.field)
			}
			out[i] = entity
		}
		return out, nil
	}

	entity, ok := v.(*Entity)
	if !ok || !entity.model.isKindOf(p.embedded) {
		return nil, fmt.Errorf("%w: value of type %T assigned to Embed property %q (want %q entity)",
			ErrInvalidValue, v, p.field, p.embedded.name)
	}
	return entity, nil
}

// store and load are never called directly for embeds; the model routes
// them through the flattener interface.
func (p *embedProperty) store(e *Entity, v any) (any, error) {
	return nil, fmt.Errorf("arbor: Embed property %q cannot be stored as a scalar", p.field)
}

func (p *embedProperty) load(e *Entity, v any) (any, bool, error) {
	return nil, true, nil
}

func (p *embedProperty) storeFlat(e *Entity, v any, emit func(name string, value any)) error {
	if v == nil {
		if !p.options.Optional {
			return fmt.Errorf("%w: %q", ErrMissingValue, p.field)
		}
		return nil
	}

	if p.options.Repeated {
		values, _ := v.([]any)
		// Column-oriented flattening: one parallel, same-length list per
		// nested wire field.
		columns := make(map[string][]any)
		var order []string
		for _, elem := range values {
			entity := elem.(*Entity)
			raw, err := entity.model.storeRaw(entity)
			if err != nil {
				return err
			}
			for _, sub := range raw {
				if _, seen := columns[sub.Name]; !seen {
					order = append(order, sub.Name)
				}
				columns[sub.Name] = append(columns[sub.Name], sub.Value)
			}
		}
		for _, name := range order {
			emit(p.name+"."+name, columns[name])
		}
		return nil
	}

	entity := v.(*Entity)
	raw, err := entity.model.storeRaw(entity)
	if err != nil {
		return err
	}
	for _, sub := range raw {
		emit(p.name+"."+sub.Name, sub.Value)
	}
	return nil
}

func (p *embedProperty) loadFlat(data map[string]any) (any, bool, error) {
	prefix := p.name + "."
	sub := make(map[string]any)
	for name, v := range data {
		if strings.HasPrefix(name, prefix) {
			sub[strings.TrimPrefix(name, prefix)] = v
		}
	}
	if len(sub) == 0 {
		return nil, true, nil
	}

	if !p.options.Repeated {
		entity, err := p.embedded.load(IncompleteKey(p.embedded.kind, nil), sub)
		if err != nil {
			return nil, false, err
		}
		return entity, false, nil
	}

	// Transpose the parallel per-field lists back into per-instance data.
	// Unequal column lengths mean the stored record is corrupt.
	count := -1
	for name, column := range sub {
		values, ok := column.([]any)
		if !ok {
			return nil, false, fmt.Errorf("arbor: repeated embed %q: field %q is not a list", p.field, name)
		}
		if count == -1 {
			count = len(values)
		} else if len(values) != count {
			return nil, false, fmt.Errorf("arbor: repeated embed %q: field %q has %d values, want %d",
				p.field, name, len(values), count)
		}
	}

	entities := make([]any, count)
	for i := 0; i < count; i++ {
		row := make(map[string]any, len(sub))
		for name, column := range sub {
			row[name] = column.([]any)[i]
		}
		entity, err := p.embedded.load(IncompleteKey(p.embedded.kind, nil), row)
		if err != nil {
			return nil, false, err
		}
		entities[i] = entity
	}
	return entities, false, nil
}

func (p *embedProperty) unindexedFlat(e *Entity, v any) []string {
	var nested *Entity
	switch x := v.(type) {
	case *Entity:
		nested = x
	case []any:
		if len(x) > 0 {
			nested, _ = x[0].(*Entity)
		}
	}

	var names []string
	if nested != nil {
		for _, sub := range nested.UnindexedProperties() {
			names = append(names, p.name+"."+sub)
		}
		return names
	}

	// Without a value, fall back to the embedded schema's static view.
	for _, sub := range p.embedded.props {
		if f, ok := sub.(flattener); ok {
			names = append(names, prefixAll(p.name, f.unindexedFlat(nil, nil))...)
			continue
		}
		if !sub.opts().indexed() {
			names = append(names, p.name+"."+sub.Name())
		}
	}
	return names
}

func prefixAll(prefix string, names []string) []string {
	out := make([]string, len(names))
	for i, name := range names {
		out[i] = prefix + "." + name
	}
	return out
}
