package model

import (
	"fmt"

	"golang.org/x/text/encoding"
)

// maxIndexedLength is the byte ceiling, after encoding, for indexed string
// values.
const maxIndexedLength = 1500

// Bool returns a property holding boolean values.
func Bool(field string, o Opts) Property {
	return newBase(field, "Bool", o, func(v any) (any, bool) {
		b, ok := v.(bool)
		return b, ok
	})
}

// Integer returns a property holding integer values. Assigned int and int32
// values are coerced to int64.
func Integer(field string, o Opts) Property {
	return newBase(field, "Integer", o, checkInt)
}

func checkInt(v any) (any, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	default:
		return nil, false
	}
}

// Float returns a property holding floating point values.
func Float(field string, o Opts) Property {
	return newBase(field, "Float", o, func(v any) (any, bool) {
		switch f := v.(type) {
		case float64:
			return f, true
		case float32:
			return float64(f), true
		default:
			return nil, false
		}
	})
}

// StringOpts configures a String property.
type StringOpts struct {
	Opts

	// Encoding transcodes values before storage. Nil stores UTF-8 bytes
	// unchanged.
	Encoding encoding.Encoding
}

// String returns a property for indexable string values. Indexed values are
// limited to 1500 bytes after encoding; unindexed strings are unbounded.
func String(field string, o StringOpts) Property {
	step := encodeStep{enc: o.Encoding}
	p := newBase(field, "String", o.Opts, checkString)
	p.steps = []transform{step}
	if o.indexed() {
		p.validated = func(v any) (any, error) {
			values, ok := v.([]any)
			if !ok {
				values = []any{v}
			}
			for _, elem := range values {
				str, ok := elem.(string)
				if !ok {
					continue
				}
				if len(str) > maxIndexedLength && step.encodedLen(str) > maxIndexedLength {
					return nil, fmt.Errorf("%w: indexed string property %q exceeds %d bytes",
						ErrInvalidValue, field, maxIndexedLength)
				}
			}
			return v, nil
		}
	}
	return p
}

func checkString(v any) (any, bool) {
	s, ok := v.(string)
	return s, ok
}

// TextOpts configures a Text property.
type TextOpts struct {
	Opts

	// Encoding transcodes values before storage. Nil stores UTF-8 bytes
	// unchanged.
	Encoding encoding.Encoding

	// Compressed stores values zlib-compressed.
	Compressed bool

	// CompressionLevel is the zlib level, -1 through 9. The zero value
	// selects the default level.
	CompressionLevel int
}

// Text returns a property for long string values. Text is a blob property:
// it can never be indexed, and requesting an index panics.
func Text(field string, o TextOpts) Property {
	mustBeBlob("Text", field, o.Opts)
	p := newBase(field, "Text", o.Opts, checkString)
	p.steps = []transform{encodeStep{enc: o.Encoding}}
	if o.Compressed {
		p.steps = append(p.steps, newCompressStep(compressionLevel(o.CompressionLevel)))
	}
	return p
}

// BytesOpts configures a Bytes property.
type BytesOpts struct {
	Opts

	// Compressed stores values zlib-compressed.
	Compressed bool

	// CompressionLevel is the zlib level, -1 through 9. The zero value
	// selects the default level.
	CompressionLevel int
}

// Bytes returns a property for raw byte values. Bytes is a blob property:
// it can never be indexed, and requesting an index panics.
func Bytes(field string, o BytesOpts) Property {
	mustBeBlob("Bytes", field, o.Opts)
	p := newBase(field, "Bytes", o.Opts, func(v any) (any, bool) {
		b, ok := v.([]byte)
		return b, ok
	})
	if o.Compressed {
		p.steps = []transform{newCompressStep(compressionLevel(o.CompressionLevel))}
	}
	return p
}

// mustBeBlob panics when indexing is requested for a property type whose
// values cannot be indexed.
func mustBeBlob(typeName, field string, o Opts) {
	if o.indexed() {
		panic(fmt.Sprintf("arbor: %s property %q cannot be indexed", typeName, field))
	}
}

// compressionLevel maps the zero value onto zlib's default level so that
// zero-valued option structs behave like the defaults.
func compressionLevel(level int) int {
	if level == 0 {
		return -1
	}
	return level
}
