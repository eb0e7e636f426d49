package model

import (
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/zlib"
	"golang.org/x/text/encoding"
)

// transform is one step of a property's wire pipeline. Steps run in
// declaration order when storing and in reverse order when loading, per
// element for repeated properties.
type transform interface {
	store(v any) (any, error)
	load(v any) (any, error)
}

func applySteps(steps []transform, v any, repeated, loading bool) (any, error) {
	if len(steps) == 0 || v == nil {
		return v, nil
	}

	if values, ok := v.([]any); ok && repeated {
		out := make([]any, len(values))
		for i, elem := range values {
			applied, err := applySteps(steps, elem, false, loading)
			if err != nil {
				return nil, err
			}
			out[i] = applied
		}
		return out, nil
	}

	if loading {
		for i := len(steps) - 1; i >= 0; i-- {
			loaded, err := steps[i].load(v)
			if err != nil {
				return nil, err
			}
			v = loaded
		}
		return v, nil
	}

	for _, step := range steps {
		stored, err := step.store(v)
		if err != nil {
			return nil, err
		}
		v = stored
	}
	return v, nil
}

// compressStep compresses byte values with zlib at a fixed level.
type compressStep struct {
	level int
}

// newCompressStep panics when level is outside -1..9, mirroring zlib's
// accepted range. It is only called at property construction.
func newCompressStep(level int) compressStep {
	if level < zlib.DefaultCompression || level > zlib.BestCompression {
		panic(fmt.Sprintf("arbor: compression level must be between -1 and 9, got %d", level))
	}
	return compressStep{level: level}
}

func (s compressStep) store(v any) (any, error) {
	data, ok := v.([]byte)
	if !ok {
		return nil, fmt.Errorf("%w: cannot compress value of type %T", ErrInvalidValue, v)
	}

	var buf bytes.Buffer
	w, err := zlib.NewWriterLevel(&buf, s.level)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (s compressStep) load(v any) (any, error) {
	data, ok := v.([]byte)
	if !ok {
		return nil, fmt.Errorf("%w: cannot decompress value of type %T", ErrInvalidValue, v)
	}

	r, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: corrupt compressed value: %v", ErrInvalidValue, err)
	}
	defer r.Close()

	out, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("%w: corrupt compressed value: %v", ErrInvalidValue, err)
	}
	return out, nil
}

// encodeStep transcodes strings to bytes with a configurable text encoding.
// A nil encoding means UTF-8 passthrough.
type encodeStep struct {
	enc encoding.Encoding
}

func (s encodeStep) store(v any) (any, error) {
	str, ok := v.(string)
	if !ok {
		return nil, fmt.Errorf("%w: cannot encode value of type %T", ErrInvalidValue, v)
	}
	if s.enc == nil {
		return []byte(str), nil
	}
	out, err := s.enc.NewEncoder().Bytes([]byte(str))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidValue, err)
	}
	return out, nil
}

func (s encodeStep) load(v any) (any, error) {
	// Projection queries can surface byte fields as strings; pass those
	// through untouched.
	if str, ok := v.(string); ok {
		return str, nil
	}

	data, ok := v.([]byte)
	if !ok {
		return nil, fmt.Errorf("%w: cannot decode value of type %T", ErrInvalidValue, v)
	}
	if s.enc == nil {
		return string(data), nil
	}
	out, err := s.enc.NewDecoder().Bytes(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidValue, err)
	}
	return string(out), nil
}

// encodedLen returns the byte length of s under the step's encoding, used
// for indexed length ceilings.
func (s encodeStep) encodedLen(str string) int {
	if s.enc == nil {
		return len(str)
	}
	out, err := s.enc.NewEncoder().Bytes([]byte(str))
	if err != nil {
		return len(str)
	}
	return len(out)
}
