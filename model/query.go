package model

import "strings"

// Operator compares a property against a filter value.
type Operator string

// The comparison operators adapters must support.
const (
	Equal              Operator = "="
	LessThan           Operator = "<"
	LessThanOrEqual    Operator = "<="
	GreaterThan        Operator = ">"
	GreaterThanOrEqual Operator = ">="
)

// Filter is one (field, operator, value) condition. Name is a wire field
// name and may be a dotted embed path. Equality against a list-valued field
// matches when the list contains the value.
type Filter struct {
	Name  string
	Op    Operator
	Value any
}

// Order sorts results by a wire field.
type Order struct {
	Name       string
	Descending bool
}

// Query is an immutable description of a search over one kind. All mutator
// methods return derived copies; a Query value can be shared and reused
// freely.
type Query struct {
	kind       string
	model      *Model
	ancestor   *Key
	namespace  string
	projection []string
	filters    []Filter
	orders     []Order
	offset     int
	limit      int
}

// NewQuery returns a query over the given kind with no limit.
func NewQuery(kind string) Query {
	return Query{kind: kind, limit: -1}
}

// Select limits the fields the query returns to the named wire fields.
func (q Query) Select(names ...string) Query {
	q.projection = append([]string(nil), names...)
	return q
}

// Where replaces the query's filters.
func (q Query) Where(name string, op Operator, value any) Query {
	q.filters = []Filter{{Name: name, Op: op, Value: value}}
	return q
}

// AndWhere appends a filter to the query's existing ones.
func (q Query) AndWhere(name string, op Operator, value any) Query {
	filters := make([]Filter, len(q.filters), len(q.filters)+1)
	copy(filters, q.filters)
	q.filters = append(filters, Filter{Name: name, Op: op, Value: value})
	return q
}

// OrderBy replaces the query's sort orders. A "-" prefix sorts descending:
// OrderBy("-created_at", "email").
func (q Query) OrderBy(names ...string) Query {
	orders := make([]Order, 0, len(names))
	for _, name := range names {
		if strings.HasPrefix(name, "-") {
			orders = append(orders, Order{Name: name[1:], Descending: true})
			continue
		}
		orders = append(orders, Order{Name: name})
	}
	q.orders = orders
	return q
}

// WithAncestor restricts results to descendants of the given key.
func (q Query) WithAncestor(ancestor *Key) Query {
	q.ancestor = ancestor
	return q
}

// WithNamespace restricts the query to a namespace.
func (q Query) WithNamespace(namespace string) Query {
	q.namespace = namespace
	return q
}

// WithOffset skips the first n results.
func (q Query) WithOffset(n int) Query {
	q.offset = n
	return q
}

// WithLimit caps the number of results. A negative limit means no limit.
func (q Query) WithLimit(n int) Query {
	q.limit = n
	return q
}

// Kind returns the queried kind.
func (q Query) Kind() string { return q.kind }

// Ancestor returns the ancestor restriction, or nil.
func (q Query) Ancestor() *Key { return q.ancestor }

// Namespace returns the namespace restriction.
func (q Query) Namespace() string { return q.namespace }

// Projection returns the projected field names.
func (q Query) Projection() []string { return q.projection }

// Filters returns the query's filters.
func (q Query) Filters() []Filter { return q.filters }

// Orders returns the query's sort orders.
func (q Query) Orders() []Order { return q.orders }

// Offset returns the number of results skipped.
func (q Query) Offset() int { return q.offset }

// Limit returns the result cap, negative when unlimited.
func (q Query) Limit() int { return q.limit }

// prepare rewrites the query for execution: queries against a polymorphic
// child are narrowed to entities whose class chain contains the child, so a
// base-model query still yields correctly-typed descendants.
func (q Query) prepare() Query {
	if q.model != nil && q.model.isChild {
		return q.AndWhere(kindsField, Equal, q.model.name)
	}
	return q
}
