package model

import (
	"fmt"
	"sync"
)

// KindsField is the reserved wire field that carries the flattened class
// chain of polymorphic entities, most specific first. It is not public
// schema; adapters treat an equality filter on it as list containment.
const KindsField = "^k"

const kindsField = KindsField

var (
	registryMu sync.Mutex
	registry   = map[string]*Model{}
)

// Hooks are callbacks run around the batch operations. Pre hooks may veto an
// entire batch by returning an error before any backing-store call is made;
// post hook errors propagate after the store call has already succeeded.
type Hooks struct {
	PreGet     func(*Key) error
	PostGet    func(*Entity) error
	PrePut     func(*Entity) error
	PostPut    func(*Entity) error
	PreDelete  func(*Key) error
	PostDelete func(*Key) error
}

// Definition declares a model schema for Register.
type Definition struct {
	// Kind is the model's name and, outside polymorphic hierarchies, its
	// storage kind.
	Kind string

	// Parent inherits another model's properties. Same-named properties in
	// Properties override the parent's. If the parent belongs to a
	// polymorphic hierarchy the new model is a child of it and shares the
	// root's storage kind.
	Parent *Model

	// Polymorphic marks the model as the root of a polymorphic hierarchy.
	Polymorphic bool

	// Properties is the ordered list of the model's own properties.
	Properties []Property

	// Adapter overrides the process default adapter for this model.
	Adapter Adapter

	// Hooks are run around batch operations on this model's entities.
	Hooks Hooks
}

// Model is a registered schema: a storage kind plus an ordered set of
// properties, optionally part of a polymorphic hierarchy.
type Model struct {
	name    string
	kind    string
	isRoot  bool
	isChild bool
	kinds   []string
	parent  *Model
	props   []Property
	byField map[string]Property
	byName  map[string]Property
	adapter Adapter
	hooks   Hooks
}

// Register adds a model schema to the process-wide registry and returns it.
// It panics on duplicate kinds, duplicate property names and empty kinds:
// registration happens at definition time and misconfiguration is a
// programming error.
func Register(def Definition) *Model {
	if def.Kind == "" {
		panic("arbor: Register requires a kind")
	}

	m := &Model{
		name:    def.Kind,
		kind:    def.Kind,
		isRoot:  def.Polymorphic,
		kinds:   []string{def.Kind},
		parent:  def.Parent,
		byField: map[string]Property{},
		byName:  map[string]Property{},
		adapter: def.Adapter,
		hooks:   def.Hooks,
	}

	for _, p := range def.Properties {
		if _, dup := m.byField[p.Field()]; dup {
			panic(fmt.Sprintf("arbor: model %q declares property %q twice", def.Kind, p.Field()))
		}
		if _, dup := m.byName[p.Name()]; dup {
			panic(fmt.Sprintf("arbor: model %q declares wire field %q twice", def.Kind, p.Name()))
		}
		m.props = append(m.props, p)
		m.byField[p.Field()] = p
		m.byName[p.Name()] = p
	}

	if base := def.Parent; base != nil {
		m.kinds = append(m.kinds, base.kinds...)
		if base.polymorphic() {
			// Polymorphic bases infect everything below them: children
			// share the root's storage kind.
			m.isChild = true
			m.kind = base.kind
		}
		for _, p := range base.props {
			if _, overridden := m.byField[p.Field()]; overridden {
				continue
			}
			m.props = append(m.props, p)
			m.byField[p.Field()] = p
			m.byName[p.Name()] = p
		}
	}

	registryMu.Lock()
	defer registryMu.Unlock()

	if _, dup := registry[m.name]; dup {
		panic(fmt.Sprintf("arbor: multiple models registered as %q", m.name))
	}
	if existing, dup := registry[m.kind]; dup && !m.isChild && existing.name != m.name {
		panic(fmt.Sprintf("arbor: multiple models for kind %q", m.kind))
	}
	registry[m.name] = m
	return m
}

// LookupModel returns the model registered under name (the storage kind, or
// a polymorphic class name).
func LookupModel(name string) (*Model, error) {
	registryMu.Lock()
	defer registryMu.Unlock()
	m, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, name)
	}
	return m, nil
}

// unregister removes models from the registry. Tests use it to keep kinds
// from colliding across cases.
func unregister(names ...string) {
	registryMu.Lock()
	defer registryMu.Unlock()
	for _, name := range names {
		delete(registry, name)
	}
}

// Name returns the model's registered name.
func (m *Model) Name() string { return m.name }

// Kind returns the model's storage kind. For polymorphic children this is
// the hierarchy root's kind.
func (m *Model) Kind() string { return m.kind }

// Properties returns the model's ordered properties, own first, then
// inherited ones that were not overridden.
func (m *Model) Properties() []Property { return m.props }

// Adapter returns the model's adapter, falling back to the process default.
func (m *Model) Adapter() Adapter {
	if m.adapter != nil {
		return m.adapter
	}
	return CurrentAdapter()
}

func (m *Model) polymorphic() bool { return m.isRoot || m.isChild }

// isKindOf reports whether m is other or inherits from other.
func (m *Model) isKindOf(other *Model) bool {
	for cur := m; cur != nil; cur = cur.parent {
		if cur == other {
			return true
		}
	}
	return false
}
