// Package structdiff diffs, classifies and merges JSON-like documents.
//
// Values are modelled as a closed set of tagged variants so every algorithm
// dispatches explicitly on the shape it is looking at.
package structdiff

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
)

// Value is one of Scalar, Sequence or *Mapping. A nil Value means absent,
// which is distinct from Scalar{V: nil} (JSON null).
type Value interface {
	isValue()
}

// Scalar holds a string, json.Number, float64, bool or nil.
type Scalar struct {
	V any
}

// Sequence is an ordered list of values.
type Sequence []Value

// Mapping is an object whose key order is preserved.
type Mapping struct {
	Keys   []string
	Fields map[string]Value
}

func (Scalar) isValue()   {}
func (Sequence) isValue() {}
func (*Mapping) isValue() {}

// NewMapping returns an empty mapping.
func NewMapping() *Mapping {
	return &Mapping{Fields: make(map[string]Value)}
}

// Get returns the field value or nil when absent.
func (m *Mapping) Get(key string) Value {
	if m == nil {
		return nil
	}
	return m.Fields[key]
}

// Set adds or replaces a field, appending new keys at the end.
func (m *Mapping) Set(key string, v Value) {
	if _, ok := m.Fields[key]; !ok {
		m.Keys = append(m.Keys, key)
	}
	m.Fields[key] = v
}

// Delete removes a field if present.
func (m *Mapping) Delete(key string) {
	if _, ok := m.Fields[key]; !ok {
		return
	}
	delete(m.Fields, key)
	for i, k := range m.Keys {
		if k == key {
			m.Keys = append(m.Keys[:i:i], m.Keys[i+1:]...)
			break
		}
	}
}

// Equal reports semantic equality. Mapping key order is ignored and numbers
// compare by value.
func Equal(a, b Value) bool {
	switch av := a.(type) {
	case nil:
		return b == nil
	case Scalar:
		bv, ok := b.(Scalar)
		return ok && scalarEqual(av.V, bv.V)
	case Sequence:
		bv, ok := b.(Sequence)
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !Equal(av[i], bv[i]) {
				return false
			}
		}
		return true
	case *Mapping:
		bv, ok := b.(*Mapping)
		if !ok || len(av.Fields) != len(bv.Fields) {
			return false
		}
		for k, v := range av.Fields {
			w, ok := bv.Fields[k]
			if !ok || !Equal(v, w) {
				return false
			}
		}
		return true
	}
	return false
}

func scalarEqual(a, b any) bool {
	if fa, ok := number(a); ok {
		fb, ok := number(b)
		return ok && fa == fb
	}
	return a == b
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

// Clone deep-copies v.
func Clone(v Value) Value {
	switch tv := v.(type) {
	case Sequence:
		out := make(Sequence, len(tv))
		for i := range tv {
			out[i] = Clone(tv[i])
		}
		return out
	case *Mapping:
		out := &Mapping{Keys: append([]string(nil), tv.Keys...), Fields: make(map[string]Value, len(tv.Fields))}
		for k, f := range tv.Fields {
			out.Fields[k] = Clone(f)
		}
		return out
	}
	return v
}

// Parse decodes JSON text into a Value, keeping object key order.
func Parse(data []byte) (Value, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	v, err := parseValue(dec)
	if err != nil {
		return nil, fmt.Errorf("parse structured value: %w", err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, errors.New("parse structured value: trailing data")
	}
	return v, nil
}

// ParseMapping decodes JSON text that must be an object.
func ParseMapping(data []byte) (*Mapping, error) {
	v, err := Parse(data)
	if err != nil {
		return nil, err
	}
	m, ok := v.(*Mapping)
	if !ok {
		return nil, errors.New("structured document must be a JSON object")
	}
	return m, nil
}

func parseValue(dec *json.Decoder) (Value, error) {
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	switch t := tok.(type) {
	case json.Delim:
		switch t {
		case '{':
			m := NewMapping()
			for dec.More() {
				kt, err := dec.Token()
				if err != nil {
					return nil, err
				}
				key, ok := kt.(string)
				if !ok {
					return nil, fmt.Errorf("unexpected object key %v", kt)
				}
				v, err := parseValue(dec)
				if err != nil {
					return nil, err
				}
				m.Set(key, v)
			}
			if _, err := dec.Token(); err != nil {
				return nil, err
			}
			return m, nil
		case '[':
			seq := Sequence{}
			for dec.More() {
				v, err := parseValue(dec)
				if err != nil {
					return nil, err
				}
				seq = append(seq, v)
			}
			if _, err := dec.Token(); err != nil {
				return nil, err
			}
			return seq, nil
		}
		return nil, fmt.Errorf("unexpected delimiter %v", t)
	default:
		return Scalar{V: t}, nil
	}
}

// Marshal encodes v as compact JSON.
func Marshal(v Value) ([]byte, error) {
	var buf bytes.Buffer
	if err := writeValue(&buf, v, "", 0); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// MarshalIndent encodes v with two-space indentation and no trailing newline.
// This is the canonical form written to the repository.
func MarshalIndent(v Value) ([]byte, error) {
	var buf bytes.Buffer
	if err := writeValue(&buf, v, "  ", 0); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Canonical returns the repository serialization of v as a string.
func Canonical(v Value) (string, error) {
	b, err := MarshalIndent(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func writeValue(buf *bytes.Buffer, v Value, indent string, depth int) error {
	newline := func(d int) {
		if indent == "" {
			return
		}
		buf.WriteByte('\n')
		for i := 0; i < d; i++ {
			buf.WriteString(indent)
		}
	}
	switch tv := v.(type) {
	case nil:
		return errors.New("cannot encode absent value")
	case Scalar:
		return writeScalar(buf, tv.V)
	case Sequence:
		if len(tv) == 0 {
			buf.WriteString("[]")
			return nil
		}
		buf.WriteByte('[')
		for i, item := range tv {
			if i > 0 {
				buf.WriteByte(',')
			}
			newline(depth + 1)
			if err := writeValue(buf, item, indent, depth+1); err != nil {
				return err
			}
		}
		newline(depth)
		buf.WriteByte(']')
	case *Mapping:
		if len(tv.Keys) == 0 {
			buf.WriteString("{}")
			return nil
		}
		buf.WriteByte('{')
		for i, k := range tv.Keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			newline(depth + 1)
			if err := writeScalar(buf, k); err != nil {
				return err
			}
			buf.WriteByte(':')
			if indent != "" {
				buf.WriteByte(' ')
			}
			if err := writeValue(buf, tv.Fields[k], indent, depth+1); err != nil {
				return err
			}
		}
		newline(depth)
		buf.WriteByte('}')
	default:
		return fmt.Errorf("unknown value type %T", v)
	}
	return nil
}

func writeScalar(buf *bytes.Buffer, v any) error {
	switch s := v.(type) {
	case nil:
		buf.WriteString("null")
		return nil
	case json.Number:
		buf.WriteString(s.String())
		return nil
	case bool:
		buf.WriteString(strconv.FormatBool(s))
		return nil
	}
	var tmp bytes.Buffer
	enc := json.NewEncoder(&tmp)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return err
	}
	buf.Write(bytes.TrimSuffix(tmp.Bytes(), []byte("\n")))
	return nil
}

// MarshalJSON lets values embed in other JSON documents such as history
// records.
func (s Scalar) MarshalJSON() ([]byte, error) { return Marshal(s) }

func (s Sequence) MarshalJSON() ([]byte, error) { return Marshal(s) }

func (m *Mapping) MarshalJSON() ([]byte, error) { return Marshal(m) }

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
