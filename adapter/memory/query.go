package memory

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/jacentio/arbor/model"
)

// Query implements model.Adapter by scanning all records. Filters and sort
// orders only see indexed properties, matching how a real datastore index
// behaves.
func (a *Adapter) Query(ctx context.Context, q model.Query, opts model.QueryOptions) (*model.QueryResult, error) {
	ns := q.Namespace()
	if ns == "" {
		ns = model.NamespaceFromContext(ctx)
	}

	a.mu.Lock()
	matches := make([]*record, 0)
	for _, rec := range a.records {
		if matchRecord(rec, q, ns) {
			matches = append(matches, rec)
		}
	}
	a.mu.Unlock()

	sortRecords(matches, q.Orders())

	start := 0
	if opts.Cursor != "" {
		var err error
		if start, err = decodeCursor(opts.Cursor); err != nil {
			return nil, err
		}
	}
	start += opts.Offset
	if start > len(matches) {
		start = len(matches)
	}

	end := len(matches)
	if opts.BatchSize > 0 && start+opts.BatchSize < end {
		end = start + opts.BatchSize
	}

	result := &model.QueryResult{}
	for _, rec := range matches[start:end] {
		row := model.QueryRow{Key: rec.key}
		if !opts.KeysOnly {
			row.Data = copyProps(rec.props, q.Projection())
		}
		result.Rows = append(result.Rows, row)
	}
	if end < len(matches) {
		result.Cursor = encodeCursor(end)
	}
	return result, nil
}

func matchRecord(rec *record, q model.Query, ns string) bool {
	if rec.key.Kind() != q.Kind() || rec.key.Namespace() != ns {
		return false
	}
	if anc := q.Ancestor(); anc != nil && !hasAncestor(rec.key, anc) {
		return false
	}
	for _, f := range q.Filters() {
		if _, skip := rec.unindexed[f.Name]; skip {
			return false
		}
		v, ok := rec.props[f.Name]
		if !ok || !matchFilter(v, f) {
			return false
		}
	}
	// Sorting needs the property present and indexed on every result.
	for _, o := range q.Orders() {
		if _, skip := rec.unindexed[o.Name]; skip {
			return false
		}
		if _, ok := rec.props[o.Name]; !ok {
			return false
		}
	}
	return true
}

func hasAncestor(key, ancestor *model.Key) bool {
	if key.Namespace() != ancestor.Namespace() {
		return false
	}
	prefix := ancestor.FlatPath()
	path := key.FlatPath()
	if len(path) < len(prefix) {
		return false
	}
	for i, seg := range prefix {
		if path[i] != seg {
			return false
		}
	}
	return true
}

// matchFilter evaluates one filter against a stored value. Equality against
// a list-valued property matches when the list contains the filter value.
func matchFilter(stored any, f model.Filter) bool {
	if f.Op == model.Equal {
		switch xs := stored.(type) {
		case []any:
			for _, e := range xs {
				if c, ok := compareValues(e, f.Value); ok && c == 0 {
					return true
				}
			}
			return false
		case []string:
			for _, e := range xs {
				if e == f.Value {
					return true
				}
			}
			return false
		}
	}

	c, ok := compareValues(stored, f.Value)
	if !ok {
		return false
	}
	switch f.Op {
	case model.Equal:
		return c == 0
	case model.LessThan:
		return c < 0
	case model.LessThanOrEqual:
		return c <= 0
	case model.GreaterThan:
		return c > 0
	case model.GreaterThanOrEqual:
		return c >= 0
	default:
		return false
	}
}

// compareValues orders two stored values of compatible types. Numeric values
// compare across int64 and float64.
func compareValues(a, b any) (int, bool) {
	if af, aok := asFloat(a); aok {
		bf, bok := asFloat(b)
		if !bok {
			return 0, false
		}
		switch {
		case af < bf:
			return -1, true
		case af > bf:
			return 1, true
		default:
			return 0, true
		}
	}

	switch x := a.(type) {
	case string:
		y, ok := b.(string)
		if !ok {
			return 0, false
		}
		return cmpOrdered(x, y), true
	case bool:
		y, ok := b.(bool)
		if !ok {
			return 0, false
		}
		return cmpBool(x, y), true
	case time.Time:
		y, ok := b.(time.Time)
		if !ok {
			return 0, false
		}
		return x.Compare(y), true
	case []byte:
		y, ok := b.([]byte)
		if !ok {
			return 0, false
		}
		return bytes.Compare(x, y), true
	case *model.Key:
		y, ok := b.(*model.Key)
		if !ok {
			return 0, false
		}
		return cmpOrdered(x.String(), y.String()), true
	}
	return 0, false
}

func asFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case int64:
		return float64(x), true
	case int:
		return float64(x), true
	case float64:
		return x, true
	default:
		return 0, false
	}
}

func cmpOrdered(a, b string) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func cmpBool(a, b bool) int {
	switch {
	case a == b:
		return 0
	case !a:
		return -1
	default:
		return 1
	}
}

// sortRecords orders matches by the query's sort orders, breaking ties by
// key so results are deterministic and cursors stay stable.
func sortRecords(matches []*record, orders []model.Order) {
	sort.SliceStable(matches, func(i, j int) bool {
		a, b := matches[i], matches[j]
		for _, o := range orders {
			c, ok := compareValues(a.props[o.Name], b.props[o.Name])
			if !ok || c == 0 {
				continue
			}
			if o.Descending {
				return c > 0
			}
			return c < 0
		}
		return a.key.String() < b.key.String()
	})
}

func encodeCursor(pos int) string {
	return base64.URLEncoding.EncodeToString([]byte(strconv.Itoa(pos)))
}

func decodeCursor(cursor string) (int, error) {
	raw, err := base64.URLEncoding.DecodeString(cursor)
	if err != nil {
		return 0, fmt.Errorf("memory: bad cursor: %w", err)
	}
	pos, err := strconv.Atoi(string(raw))
	if err != nil || pos < 0 {
		return 0, fmt.Errorf("memory: bad cursor %q", cursor)
	}
	return pos, nil
}
