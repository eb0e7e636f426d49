package model

import (
	"context"
	"fmt"
	"strings"
)

// Key is an immutable hierarchical entity identifier: a kind, an optional
// integer id or string name, an optional parent key and an optional
// namespace. A key with neither id nor name is incomplete and identifies an
// entity that has not been stored yet.
type Key struct {
	kind      string
	intID     int64
	name      string
	parent    *Key
	namespace string
}

// PathElem is one (kind, id) pair of a key's flattened ancestor path. Either
// ID or Name is set; both are zero for the trailing element of an incomplete
// key.
type PathElem struct {
	Kind string
	ID   int64
	Name string
}

// IDKey returns a key for kind with a numeric id. It panics if parent is
// incomplete: ancestor chains may only be built from stored entities.
func IDKey(kind string, id int64, parent *Key) *Key {
	checkParent(parent)
	return &Key{kind: kind, intID: id, parent: parent}
}

// NameKey returns a key for kind with a string name. It panics if parent is
// incomplete.
func NameKey(kind, name string, parent *Key) *Key {
	checkParent(parent)
	return &Key{kind: kind, name: name, parent: parent}
}

// IncompleteKey returns a key with no id. The backend assigns one when the
// entity is first put. It panics if parent is incomplete.
func IncompleteKey(kind string, parent *Key) *Key {
	checkParent(parent)
	return &Key{kind: kind, parent: parent}
}

func checkParent(parent *Key) {
	if parent != nil && parent.Incomplete() {
		panic("arbor: cannot use an incomplete Key as a parent")
	}
}

// FromPath rebuilds a key chain from alternating kind, id segments. Ids may
// be int, int64 or string; a trailing kind with no id yields an incomplete
// key. The namespace applies to every key in the chain. FromPath panics on
// malformed segments.
func FromPath(namespace string, segments ...any) *Key {
	var key *Key
	for i := 0; i < len(segments); i += 2 {
		kind, ok := segments[i].(string)
		if !ok {
			panic(fmt.Sprintf("arbor: FromPath segment %d: kind must be a string, got %T", i, segments[i]))
		}

		key = &Key{kind: kind, parent: key, namespace: namespace}
		if i+1 >= len(segments) {
			break
		}

		switch id := segments[i+1].(type) {
		case int:
			key.intID = int64(id)
		case int64:
			key.intID = id
		case string:
			key.name = id
		default:
			panic(fmt.Sprintf("arbor: FromPath segment %d: id must be an int or string, got %T", i+1, segments[i+1]))
		}
	}

	return key
}

// Kind returns the key's kind.
func (k *Key) Kind() string { return k.kind }

// IntID returns the key's numeric id, or 0 if it has a name or is
// incomplete.
func (k *Key) IntID() int64 { return k.intID }

// Name returns the key's string name, or "" if it has a numeric id or is
// incomplete.
func (k *Key) Name() string { return k.name }

// Parent returns the key's ancestor, or nil.
func (k *Key) Parent() *Key { return k.parent }

// Namespace returns the key's namespace, or "".
func (k *Key) Namespace() string { return k.namespace }

// InNamespace returns a copy of the key chain with every key placed in the
// given namespace.
func (k *Key) InNamespace(namespace string) *Key {
	if k == nil {
		return nil
	}
	clone := *k
	clone.namespace = namespace
	clone.parent = k.parent.InNamespace(namespace)
	return &clone
}

// Path returns the flattened ancestor chain of (kind, id) pairs, root first.
func (k *Key) Path() []PathElem {
	var prefix []PathElem
	if k.parent != nil {
		prefix = k.parent.Path()
	}
	return append(prefix, PathElem{Kind: k.kind, ID: k.intID, Name: k.name})
}

// FlatPath returns the path as alternating kind, id segments, suitable for
// FromPath. The trailing id is omitted for incomplete keys.
func (k *Key) FlatPath() []any {
	var segments []any
	for _, elem := range k.Path() {
		segments = append(segments, elem.Kind)
		switch {
		case elem.Name != "":
			segments = append(segments, elem.Name)
		case elem.ID != 0:
			segments = append(segments, elem.ID)
		}
	}
	return segments
}

// Incomplete reports whether the key is missing its terminal id.
func (k *Key) Incomplete() bool {
	return k.intID == 0 && k.name == ""
}

// Equal reports whether two keys have equal paths and namespaces. Keys are
// compared structurally, never by identity.
func (k *Key) Equal(other *Key) bool {
	if k == nil || other == nil {
		return k == other
	}
	if k.kind != other.kind || k.intID != other.intID || k.name != other.name ||
		k.namespace != other.namespace {
		return false
	}
	if k.parent == nil || other.parent == nil {
		return k.parent == other.parent
	}
	return k.parent.Equal(other.parent)
}

// String returns a stable textual form of the key, e.g.
// "ns:/Account,42/Invoice,'2024-001'". It is deterministic and is the basis
// for cache key derivation.
func (k *Key) String() string {
	var b strings.Builder
	if k.namespace != "" {
		b.WriteString(k.namespace)
		b.WriteByte(':')
	}
	for _, elem := range k.Path() {
		b.WriteByte('/')
		b.WriteString(elem.Kind)
		switch {
		case elem.Name != "":
			fmt.Fprintf(&b, ",'%s'", elem.Name)
		case elem.ID != 0:
			fmt.Fprintf(&b, ",%d", elem.ID)
		}
	}
	return b.String()
}

// Model returns the registered model for the key's kind.
func (k *Key) Model() (*Model, error) {
	return LookupModel(k.kind)
}

// Get fetches the entity identified by the key, or nil if it does not
// exist.
func (k *Key) Get(ctx context.Context) (*Entity, error) {
	entities, err := GetMulti(ctx, []*Key{k})
	if err != nil {
		return nil, err
	}
	return entities[0], nil
}

// Delete removes the entity identified by the key.
func (k *Key) Delete(ctx context.Context) error {
	return DeleteMulti(ctx, []*Key{k})
}
