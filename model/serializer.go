package model

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

// SerializerOpts configures a JSON or Msgpack property.
type SerializerOpts struct {
	Opts

	// Compressed stores the serialized bytes zlib-compressed.
	Compressed bool

	// CompressionLevel is the zlib level, -1 through 9. The zero value
	// selects the default level.
	CompressionLevel int
}

// JSON returns a property whose values are stored as JSON. Keys, times and
// entities may be embedded anywhere in the value; they are stored as tagged
// objects and reconstructed on load. JSON is a blob property: it can never
// be indexed.
func JSON(field string, o SerializerOpts) Property {
	mustBeBlob("JSON", field, o.Opts)
	p := newBase(field, "JSON", o.Opts, checkSerializable)
	p.steps = []transform{jsonStep{}}
	if o.Compressed {
		p.steps = append(p.steps, newCompressStep(compressionLevel(o.CompressionLevel)))
	}
	return p
}

// Msgpack returns a property whose values are stored msgpack-encoded. Keys
// and entities are stored as msgpack extension values, times natively.
// Msgpack is a blob property: it can never be indexed.
func Msgpack(field string, o SerializerOpts) Property {
	mustBeBlob("Msgpack", field, o.Opts)
	p := newBase(field, "Msgpack", o.Opts, checkSerializable)
	p.steps = []transform{msgpackStep{}}
	if o.Compressed {
		p.steps = append(p.steps, newCompressStep(compressionLevel(o.CompressionLevel)))
	}
	return p
}

// checkSerializable accepts the closed set of value shapes both serializers
// can round-trip.
func checkSerializable(v any) (any, bool) {
	switch x := v.(type) {
	case bool, int64, float64, string, []byte, time.Time, *Key, *Entity, nil:
		return v, true
	case int:
		return int64(x), true
	case int32:
		return int64(x), true
	case float32:
		return float64(x), true
	case []any:
		out := make([]any, len(x))
		for i, elem := range x {
			checked, ok := checkSerializable(elem)
			if !ok {
				return nil, false
			}
			out[i] = checked
		}
		return out, true
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, elem := range x {
			checked, ok := checkSerializable(elem)
			if !ok {
				return nil, false
			}
			out[k] = checked
		}
		return out, true
	default:
		return nil, false
	}
}

// --- Msgpack wire format ---

// Extension ids for values msgpack cannot represent natively. These are part
// of the persisted format and must not be renumbered.
const (
	extKey    = 1
	extEntity = 2
)

func init() {
	msgpack.RegisterExt(extKey, (*Key)(nil))
	msgpack.RegisterExt(extEntity, (*Entity)(nil))
}

type keyWire struct {
	Namespace string `msgpack:"ns"`
	Path      []any  `msgpack:"path"`
}

// MarshalMsgpack encodes the key as its namespace and flattened path.
func (k *Key) MarshalMsgpack() ([]byte, error) {
	return msgpack.Marshal(keyWire{Namespace: k.Namespace(), Path: k.FlatPath()})
}

// UnmarshalMsgpack rebuilds the key from its namespace and flattened path.
func (k *Key) UnmarshalMsgpack(data []byte) error {
	var wire keyWire
	if err := msgpack.Unmarshal(data, &wire); err != nil {
		return fmt.Errorf("%w: corrupt key extension: %v", ErrInvalidValue, err)
	}
	for i, segment := range wire.Path {
		wire.Path[i] = normalizeDecoded(segment)
	}
	rebuilt := FromPath(wire.Namespace, wire.Path...)
	*k = *rebuilt
	return nil
}

type entityWire struct {
	Kind string         `msgpack:"kind"`
	Key  *Key           `msgpack:"key"`
	Data map[string]any `msgpack:"data"`
}

// MarshalMsgpack encodes the entity as its model name, key and prepared
// field data.
func (e *Entity) MarshalMsgpack() ([]byte, error) {
	raw, err := e.model.storeRaw(e)
	if err != nil {
		return nil, err
	}
	data := make(map[string]any, len(raw))
	for _, prop := range raw {
		data[prop.Name] = prop.Value
	}
	return msgpack.Marshal(entityWire{Kind: e.model.name, Key: e.key, Data: data})
}

// UnmarshalMsgpack rebuilds the entity through its registered model.
func (e *Entity) UnmarshalMsgpack(data []byte) error {
	var wire entityWire
	if err := msgpack.Unmarshal(data, &wire); err != nil {
		return fmt.Errorf("%w: corrupt entity extension: %v", ErrInvalidValue, err)
	}

	m, err := LookupModel(wire.Kind)
	if err != nil {
		return err
	}
	for name, v := range wire.Data {
		wire.Data[name] = normalizeDecoded(v)
	}

	key := wire.Key
	if key == nil {
		key = IncompleteKey(m.kind, nil)
	}
	loaded, err := m.load(key, wire.Data)
	if err != nil {
		return err
	}
	*e = *loaded
	return nil
}

// MarshalRawData encodes adapter-level entity data (wire field name to
// value) to msgpack. The cache adapter stores entities in this form.
func MarshalRawData(data map[string]any) ([]byte, error) {
	return msgpack.Marshal(data)
}

// UnmarshalRawData decodes data produced by MarshalRawData.
func UnmarshalRawData(encoded []byte) (map[string]any, error) {
	var data map[string]any
	if err := msgpack.Unmarshal(encoded, &data); err != nil {
		return nil, fmt.Errorf("%w: corrupt cached entity: %v", ErrInvalidValue, err)
	}
	for name, v := range data {
		data[name] = normalizeDecoded(v)
	}
	return data, nil
}

// normalizeDecoded widens msgpack's sized integers and floats back into the
// int64/float64 value domain the model layer uses.
func normalizeDecoded(v any) any {
	switch x := v.(type) {
	case int:
		return int64(x)
	case int8:
		return int64(x)
	case int16:
		return int64(x)
	case int32:
		return int64(x)
	case uint:
		return int64(x)
	case uint8:
		return int64(x)
	case uint16:
		return int64(x)
	case uint32:
		return int64(x)
	case uint64:
		return int64(x)
	case float32:
		return float64(x)
	case []any:
		for i, elem := range x {
			x[i] = normalizeDecoded(elem)
		}
		return x
	case map[string]any:
		for k, elem := range x {
			x[k] = normalizeDecoded(elem)
		}
		return x
	default:
		return v
	}
}

type msgpackStep struct{}

func (msgpackStep) store(v any) (any, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	if err := enc.Encode(v); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidValue, err)
	}
	return buf.Bytes(), nil
}

func (msgpackStep) load(v any) (any, error) {
	data, ok := v.([]byte)
	if !ok {
		return nil, fmt.Errorf("%w: cannot msgpack-decode value of type %T", ErrInvalidValue, v)
	}
	var out any
	if err := msgpack.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidValue, err)
	}
	return normalizeDecoded(out), nil
}

// --- JSON wire format ---

// JSON tag names for values JSON cannot represent natively. These are part
// of the persisted format.
const (
	jsonKeyTag      = "__key__"
	jsonDateTimeTag = "__datetime__"
	jsonEntityTag   = "__entity__"
	jsonBytesTag    = "__bytes__"
)

type jsonStep struct{}

func (jsonStep) store(v any) (any, error) {
	tagged, err := encodeJSONValue(v)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(tagged)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidValue, err)
	}
	return data, nil
}

func (jsonStep) load(v any) (any, error) {
	var data []byte
	switch x := v.(type) {
	case []byte:
		data = x
	case string:
		data = []byte(x)
	default:
		return nil, fmt.Errorf("%w: cannot json-decode value of type %T", ErrInvalidValue, v)
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var out any
	if err := dec.Decode(&out); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidValue, err)
	}
	return decodeJSONValue(out)
}

func encodeJSONValue(v any) (any, error) {
	switch x := v.(type) {
	case nil, bool, int64, float64, string:
		return v, nil
	case []byte:
		return map[string]any{jsonBytesTag: base64.StdEncoding.EncodeToString(x)}, nil
	case time.Time:
		return map[string]any{jsonDateTimeTag: x.UTC().Format(time.RFC3339Nano)}, nil
	case *Key:
		return map[string]any{jsonKeyTag: map[string]any{
			"ns":   x.Namespace(),
			"path": x.FlatPath(),
		}}, nil
	case *Entity:
		raw, err := x.model.storeRaw(x)
		if err != nil {
			return nil, err
		}
		data := make(map[string]any, len(raw))
		for _, prop := range raw {
			encoded, err := encodeJSONValue(prop.Value)
			if err != nil {
				return nil, err
			}
			data[prop.Name] = encoded
		}
		return map[string]any{jsonEntityTag: map[string]any{
			"kind": x.model.name,
			"data": data,
		}}, nil
	case []any:
		out := make([]any, len(x))
		for i, elem := range x {
			encoded, err := encodeJSONValue(elem)
			if err != nil {
				return nil, err
			}
			out[i] = encoded
		}
		return out, nil
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, elem := range x {
			encoded, err := encodeJSONValue(elem)
			if err != nil {
				return nil, err
			}
			out[k] = encoded
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: cannot serialize value of type %T to JSON", ErrInvalidValue, v)
	}
}

func decodeJSONValue(v any) (any, error) {
	switch x := v.(type) {
	case json.Number:
		if n, err := x.Int64(); err == nil {
			return n, nil
		}
		return x.Float64()
	case []any:
		for i, elem := range x {
			decoded, err := decodeJSONValue(elem)
			if err != nil {
				return nil, err
			}
			x[i] = decoded
		}
		return x, nil
	case map[string]any:
		if tagged, err, ok := decodeJSONTag(x); ok {
			return tagged, err
		}
		for k, elem := range x {
			decoded, err := decodeJSONValue(elem)
			if err != nil {
				return nil, err
			}
			x[k] = decoded
		}
		return x, nil
	default:
		return v, nil
	}
}

// decodeJSONTag recognizes single-key tagged objects. Unknown "__" tags are
// rejected rather than silently passed through.
func decodeJSONTag(m map[string]any) (any, error, bool) {
	if len(m) != 1 {
		return nil, nil, false
	}
	for tag, payload := range m {
		switch tag {
		case jsonBytesTag:
			str, ok := payload.(string)
			if !ok {
				return nil, fmt.Errorf("%w: malformed %s payload", ErrInvalidValue, tag), true
			}
			data, err := base64.StdEncoding.DecodeString(str)
			if err != nil {
				return nil, fmt.Errorf("%w: malformed %s payload: %v", ErrInvalidValue, tag, err), true
			}
			return data, nil, true
		case jsonDateTimeTag:
			str, ok := payload.(string)
			if !ok {
				return nil, fmt.Errorf("%w: malformed %s payload", ErrInvalidValue, tag), true
			}
			t, err := time.Parse(time.RFC3339Nano, str)
			if err != nil {
				return nil, fmt.Errorf("%w: malformed %s payload: %v", ErrInvalidValue, tag, err), true
			}
			return t.UTC(), nil, true
		case jsonKeyTag:
			fields, ok := payload.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("%w: malformed %s payload", ErrInvalidValue, tag), true
			}
			ns, _ := fields["ns"].(string)
			path, ok := fields["path"].([]any)
			if !ok {
				return nil, fmt.Errorf("%w: malformed %s payload", ErrInvalidValue, tag), true
			}
			for i, segment := range path {
				decoded, err := decodeJSONValue(segment)
				if err != nil {
					return nil, err, true
				}
				path[i] = decoded
			}
			return FromPath(ns, path...), nil, true
		case jsonEntityTag:
			fields, ok := payload.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("%w: malformed %s payload", ErrInvalidValue, tag), true
			}
			kind, _ := fields["kind"].(string)
			m, err := LookupModel(kind)
			if err != nil {
				return nil, err, true
			}
			data, ok := fields["data"].(map[string]any)
			if !ok {
				return nil, fmt.Errorf("%w: malformed %s payload", ErrInvalidValue, tag), true
			}
			for name, elem := range data {
				decoded, err := decodeJSONValue(elem)
				if err != nil {
					return nil, err, true
				}
				data[name] = decoded
			}
			entity, err := m.load(IncompleteKey(m.kind, nil), data)
			return entity, err, true
		default:
			if len(tag) > 2 && tag[:2] == "__" {
				return nil, fmt.Errorf("%w: unknown tag %q", ErrInvalidValue, tag), true
			}
			return nil, nil, false
		}
	}
	return nil, nil, false
}
