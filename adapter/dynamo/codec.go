package dynamo

import (
	"fmt"
	"math/rand"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/jacentio/arbor/model"
)

// Reserved item attributes. Property wire names may not collide with them.
const (
	attrPK        = "pk" // stringified key, the table's partition key
	attrKind      = "gk" // kind "#" namespace, the kind index partition key
	attrPath      = "gp" // encoded ancestor path, the kind index sort key
	attrNamespace = "ns"
	attrKeyPath   = "kp" // structural key path, for decoding
	attrVersion   = "_v"
	attrUnindexed = "_u" // unindexed properties, invisible to the kind index
)

var reservedAttrs = map[string]struct{}{
	attrPK: {}, attrKind: {}, attrPath: {}, attrNamespace: {},
	attrKeyPath: {}, attrVersion: {}, attrUnindexed: {},
}

// Path elements are terminated with a record separator so that begins_with
// on the sort key can only match whole elements, never a name prefix.
const (
	pathElemSep = "\x1e"
	pathKindSep = "\x1f"
)

// kindPartition returns the kind index partition key value for a kind in a
// namespace.
func kindPartition(kind, namespace string) string {
	return kind + "#" + namespace
}

// pathString encodes a key's ancestor path in a form that sorts
// lexicographically in path order. Numeric ids are zero padded; names carry
// a distinct tag so ids and names never interleave.
func pathString(key *model.Key) string {
	var b strings.Builder
	for _, elem := range key.Path() {
		b.WriteString(elem.Kind)
		b.WriteString(pathKindSep)
		if elem.Name != "" {
			b.WriteByte('n')
			b.WriteString(elem.Name)
		} else {
			fmt.Fprintf(&b, "i%020d", elem.ID)
		}
		b.WriteString(pathElemSep)
	}
	return b.String()
}

// encodeKeyPath stores the key structurally so items decode without parsing
// the display form.
func encodeKeyPath(key *model.Key) types.AttributeValue {
	flat := key.FlatPath()
	segs := make([]types.AttributeValue, len(flat))
	for i, seg := range flat {
		switch x := seg.(type) {
		case string:
			segs[i] = &types.AttributeValueMemberS{Value: x}
		case int64:
			segs[i] = &types.AttributeValueMemberN{Value: strconv.FormatInt(x, 10)}
		}
	}
	return &types.AttributeValueMemberL{Value: segs}
}

func decodeKeyPath(av types.AttributeValue, namespace string) (*model.Key, error) {
	list, ok := av.(*types.AttributeValueMemberL)
	if !ok {
		return nil, fmt.Errorf("dynamo: malformed key path attribute %T", av)
	}
	segments := make([]any, len(list.Value))
	for i, seg := range list.Value {
		switch x := seg.(type) {
		case *types.AttributeValueMemberS:
			segments[i] = x.Value
		case *types.AttributeValueMemberN:
			id, err := strconv.ParseInt(x.Value, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("dynamo: malformed key id %q", x.Value)
			}
			segments[i] = id
		default:
			return nil, fmt.Errorf("dynamo: malformed key path segment %T", seg)
		}
	}
	return model.FromPath(namespace, segments...), nil
}

// encodeValue converts a prepared property value to a DynamoDB attribute.
// Times are stored as microsecond timestamps and keys as their structural
// path, both of which the model layer knows how to rehydrate.
func encodeValue(v any) (types.AttributeValue, error) {
	switch x := v.(type) {
	case nil:
		return &types.AttributeValueMemberNULL{Value: true}, nil
	case bool:
		return &types.AttributeValueMemberBOOL{Value: x}, nil
	case int64:
		return &types.AttributeValueMemberN{Value: strconv.FormatInt(x, 10)}, nil
	case float64:
		return &types.AttributeValueMemberN{Value: formatFloat(x)}, nil
	case string:
		return &types.AttributeValueMemberS{Value: x}, nil
	case []byte:
		return &types.AttributeValueMemberB{Value: x}, nil
	case time.Time:
		return &types.AttributeValueMemberN{Value: strconv.FormatInt(x.UnixMicro(), 10)}, nil
	case *model.Key:
		m := map[string]types.AttributeValue{"__key__": encodeKeyPath(x)}
		if ns := x.Namespace(); ns != "" {
			m["__ns__"] = &types.AttributeValueMemberS{Value: ns}
		}
		return &types.AttributeValueMemberM{Value: m}, nil
	case []string:
		out := make([]types.AttributeValue, len(x))
		for i, e := range x {
			out[i] = &types.AttributeValueMemberS{Value: e}
		}
		return &types.AttributeValueMemberL{Value: out}, nil
	case []any:
		out := make([]types.AttributeValue, len(x))
		for i, e := range x {
			av, err := encodeValue(e)
			if err != nil {
				return nil, err
			}
			out[i] = av
		}
		return &types.AttributeValueMemberL{Value: out}, nil
	default:
		return nil, fmt.Errorf("dynamo: cannot store value of type %T", v)
	}
}

// formatFloat always renders a decimal point or exponent so decodeValue can
// tell floats and integers apart.
func formatFloat(f float64) string {
	s := strconv.FormatFloat(f, 'g', -1, 64)
	if !strings.ContainsAny(s, ".eE") && !strings.Contains(s, "Inf") && s != "NaN" {
		s += ".0"
	}
	return s
}

func decodeValue(av types.AttributeValue) (any, error) {
	switch x := av.(type) {
	case *types.AttributeValueMemberNULL:
		return nil, nil
	case *types.AttributeValueMemberBOOL:
		return x.Value, nil
	case *types.AttributeValueMemberN:
		if i, err := strconv.ParseInt(x.Value, 10, 64); err == nil {
			return i, nil
		}
		return strconv.ParseFloat(x.Value, 64)
	case *types.AttributeValueMemberS:
		return x.Value, nil
	case *types.AttributeValueMemberB:
		return x.Value, nil
	case *types.AttributeValueMemberL:
		out := make([]any, len(x.Value))
		for i, e := range x.Value {
			v, err := decodeValue(e)
			if err != nil {
				return nil, err
			}
			out[i] = v
		}
		return out, nil
	case *types.AttributeValueMemberM:
		if kp, ok := x.Value["__key__"]; ok {
			ns := ""
			if v, ok := x.Value["__ns__"].(*types.AttributeValueMemberS); ok {
				ns = v.Value
			}
			return decodeKeyPath(kp, ns)
		}
		out := make(map[string]any, len(x.Value))
		for name, e := range x.Value {
			v, err := decodeValue(e)
			if err != nil {
				return nil, err
			}
			out[name] = v
		}
		return out, nil
	default:
		return nil, fmt.Errorf("dynamo: cannot decode attribute of type %T", av)
	}
}

// newVersion returns a nonzero random version token. Every write stamps a
// fresh token, so a condition on the version observed at read time fails
// whenever any other write landed in between, blind overwrites included.
// Zero stays reserved for absent items.
func newVersion() int64 {
	for {
		if v := rand.Int63(); v != 0 {
			return v
		}
	}
}

// encodeItem builds the full DynamoDB item for a put request, stamped with
// the given version token.
func encodeItem(key *model.Key, req model.PutRequest, version int64) (map[string]types.AttributeValue, error) {
	ns := key.Namespace()
	item := map[string]types.AttributeValue{
		attrPK:      &types.AttributeValueMemberS{Value: key.String()},
		attrKind:    &types.AttributeValueMemberS{Value: kindPartition(key.Kind(), ns)},
		attrPath:    &types.AttributeValueMemberS{Value: pathString(key)},
		attrKeyPath: encodeKeyPath(key),
		attrVersion: &types.AttributeValueMemberN{Value: strconv.FormatInt(version, 10)},
	}
	if ns != "" {
		item[attrNamespace] = &types.AttributeValueMemberS{Value: ns}
	}

	unindexed := make(map[string]struct{}, len(req.Unindexed))
	for _, name := range req.Unindexed {
		unindexed[name] = struct{}{}
	}

	hidden := map[string]types.AttributeValue{}
	for _, p := range req.Properties {
		if _, reserved := reservedAttrs[p.Name]; reserved {
			return nil, fmt.Errorf("dynamo: property name %q is reserved", p.Name)
		}
		av, err := encodeValue(p.Value)
		if err != nil {
			return nil, fmt.Errorf("dynamo: property %q: %w", p.Name, err)
		}
		if _, skip := unindexed[p.Name]; skip {
			hidden[p.Name] = av
			continue
		}
		item[p.Name] = av
	}
	if len(hidden) > 0 {
		item[attrUnindexed] = &types.AttributeValueMemberM{Value: hidden}
	}
	return item, nil
}

// decodeItem rebuilds the key and property data of a stored item. The
// version comes back separately for transaction bookkeeping.
func decodeItem(item map[string]types.AttributeValue) (*model.Key, map[string]any, int64, error) {
	ns := ""
	if v, ok := item[attrNamespace].(*types.AttributeValueMemberS); ok {
		ns = v.Value
	}

	var key *model.Key
	if kp, ok := item[attrKeyPath]; ok {
		var err error
		if key, err = decodeKeyPath(kp, ns); err != nil {
			return nil, nil, 0, err
		}
	}

	var version int64
	if v, ok := item[attrVersion].(*types.AttributeValueMemberN); ok {
		version, _ = strconv.ParseInt(v.Value, 10, 64)
	}

	props := map[string]any{}
	for name, av := range item {
		if _, reserved := reservedAttrs[name]; reserved {
			continue
		}
		v, err := decodeValue(av)
		if err != nil {
			return nil, nil, 0, fmt.Errorf("dynamo: property %q: %w", name, err)
		}
		props[name] = v
	}
	if hidden, ok := item[attrUnindexed].(*types.AttributeValueMemberM); ok {
		for name, av := range hidden.Value {
			v, err := decodeValue(av)
			if err != nil {
				return nil, nil, 0, fmt.Errorf("dynamo: property %q: %w", name, err)
			}
			props[name] = v
		}
	}
	return key, props, version, nil
}
