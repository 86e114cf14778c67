// Package cloud holds the wire-side model of the bridge: cloud objects,
// their JSON encoding, and the connection interfaces that move them to and
// from a remote backend.
package cloud

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"slices"
	"strconv"
	"strings"
	"unicode/utf16"
)

// Value is a sealed interface over JSON-shaped wire values. Only Null,
// String, Int, Float, Bool, Array and Object implement it.
type Value interface {
	cloudValue()
}

// Null is JSON null. Object values are never Go nil; absent keys are
// simply missing from the map.
type Null struct{}

func (Null) cloudValue() {}

func (Null) MarshalJSON() ([]byte, error) { return []byte("null"), nil }

type String string

func (String) cloudValue() {}

// Int is a JSON number without fraction or exponent.
type Int int64

func (Int) cloudValue() {}

// Float is a JSON number with a fraction or exponent, or one that does not
// fit in an int64.
type Float float64

func (Float) cloudValue() {}

type Bool bool

func (Bool) cloudValue() {}

type Array []Value

func (Array) cloudValue() {}

// Object is a cloud object: keys to values. Use SortedKeys for
// deterministic iteration.
type Object map[string]Value

func (Object) cloudValue() {}

// SortedKeys returns keys ordered by UTF-16 code units.
func (o Object) SortedKeys() []string {
	keys := make([]string, 0, len(o))
	for k := range o {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, compareUTF16)
	return keys
}

func compareUTF16(a, b string) int {
	a16 := utf16.Encode([]rune(a))
	b16 := utf16.Encode([]rune(b))
	return slices.Compare(a16, b16)
}

// Get resolves a dotted key path through nested objects.
func (o Object) Get(keyPath string) (Value, bool) {
	if o == nil {
		return nil, false
	}
	if v, ok := o[keyPath]; ok {
		return v, true
	}
	head, rest, nested := strings.Cut(keyPath, ".")
	if !nested {
		return nil, false
	}
	child, ok := o[head].(Object)
	if !ok {
		return nil, false
	}
	return child.Get(rest)
}

// Set stores v under a dotted key path, creating intermediate objects and
// replacing non-object intermediates.
func (o Object) Set(keyPath string, v Value) {
	head, rest, nested := strings.Cut(keyPath, ".")
	if !nested {
		o[keyPath] = v
		return
	}
	child, ok := o[head].(Object)
	if !ok {
		child = Object{}
		o[head] = child
	}
	child.Set(rest, v)
}

// Delete removes a dotted key path. Missing paths are ignored.
func (o Object) Delete(keyPath string) {
	if _, ok := o[keyPath]; ok {
		delete(o, keyPath)
		return
	}
	head, rest, nested := strings.Cut(keyPath, ".")
	if !nested {
		return
	}
	if child, ok := o[head].(Object); ok {
		child.Delete(rest)
	}
}

// Clone deep-copies the object.
func (o Object) Clone() Object {
	if o == nil {
		return nil
	}
	return Clone(o).(Object)
}

// Clone deep-copies any value.
func Clone(v Value) Value {
	switch val := v.(type) {
	case Object:
		out := make(Object, len(val))
		for k, e := range val {
			out[k] = Clone(e)
		}
		return out
	case Array:
		out := make(Array, len(val))
		for i, e := range val {
			out[i] = Clone(e)
		}
		return out
	default:
		return v
	}
}

// IsNull reports whether v is nil or Null.
func IsNull(v Value) bool {
	if v == nil {
		return true
	}
	_, ok := v.(Null)
	return ok
}

// Decode parses one JSON document into a Value.
func Decode(data []byte) (Value, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw any
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("decode cloud value: %w", err)
	}
	return FromGo(raw)
}

// DecodeObject parses a JSON object.
func DecodeObject(data []byte) (Object, error) {
	v, err := Decode(data)
	if err != nil {
		return nil, err
	}
	obj, ok := v.(Object)
	if !ok {
		return nil, fmt.Errorf("decode cloud object: expected JSON object, got %T", v)
	}
	return obj, nil
}

// DecodeObjects parses a JSON array of objects.
func DecodeObjects(data []byte) ([]Object, error) {
	v, err := Decode(data)
	if err != nil {
		return nil, err
	}
	arr, ok := v.(Array)
	if !ok {
		return nil, fmt.Errorf("decode cloud objects: expected JSON array, got %T", v)
	}
	out := make([]Object, 0, len(arr))
	for i, e := range arr {
		obj, ok := e.(Object)
		if !ok {
			return nil, fmt.Errorf("decode cloud objects: element %d is %T", i, e)
		}
		out = append(out, obj)
	}
	return out, nil
}

// FromGo converts decoded JSON or plain Go values into a Value.
func FromGo(v any) (Value, error) {
	switch val := v.(type) {
	case nil:
		return Null{}, nil
	case Value:
		return val, nil
	case string:
		return String(val), nil
	case bool:
		return Bool(val), nil
	case int:
		return Int(val), nil
	case int32:
		return Int(val), nil
	case int64:
		return Int(val), nil
	case uint32:
		return Int(val), nil
	case float32:
		return Float(val), nil
	case float64:
		return Float(val), nil
	case json.Number:
		return numberValue(string(val))
	case []any:
		out := make(Array, len(val))
		for i, e := range val {
			ev, err := FromGo(e)
			if err != nil {
				return nil, fmt.Errorf("[%d]: %w", i, err)
			}
			out[i] = ev
		}
		return out, nil
	case map[string]any:
		out := make(Object, len(val))
		for k, e := range val {
			ev, err := FromGo(e)
			if err != nil {
				return nil, fmt.Errorf("[%q]: %w", k, err)
			}
			out[k] = ev
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported cloud value type %T", v)
	}
}

func numberValue(s string) (Value, error) {
	if !strings.ContainsAny(s, ".eE") {
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			return Int(n), nil
		}
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid number %q: %w", s, err)
	}
	return Float(f), nil
}

// ToGo converts a Value into plain Go values: nil, string, int64, float64,
// bool, []any and map[string]any.
func ToGo(v Value) any {
	switch val := v.(type) {
	case nil, Null:
		return nil
	case String:
		return string(val)
	case Int:
		return int64(val)
	case Float:
		return float64(val)
	case Bool:
		return bool(val)
	case Array:
		out := make([]any, len(val))
		for i, e := range val {
			out[i] = ToGo(e)
		}
		return out
	case Object:
		out := make(map[string]any, len(val))
		for k, e := range val {
			out[k] = ToGo(e)
		}
		return out
	}
	return nil
}

// MarshalJSON encodes the object with sorted keys.
func (o Object) MarshalJSON() ([]byte, error) {
	return Marshal(o)
}

// UnmarshalJSON decodes a JSON object, keeping integer numbers as Int.
func (o *Object) UnmarshalJSON(data []byte) error {
	obj, err := DecodeObject(data)
	if err != nil {
		return err
	}
	*o = obj
	return nil
}

// Marshal encodes v as compact JSON with sorted object keys.
func Marshal(v Value) ([]byte, error) {
	var buf bytes.Buffer
	if err := writeValue(&buf, v, false); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeValue(buf *bytes.Buffer, v Value, canonical bool) error {
	switch val := v.(type) {
	case nil, Null:
		buf.WriteString("null")
	case String:
		s, err := encodeString(string(val), canonical)
		if err != nil {
			return err
		}
		buf.Write(s)
	case Int:
		buf.WriteString(strconv.FormatInt(int64(val), 10))
	case Float:
		s, err := formatFloat(float64(val))
		if err != nil {
			return err
		}
		buf.WriteString(s)
	case Bool:
		buf.WriteString(strconv.FormatBool(bool(val)))
	case Array:
		buf.WriteByte('[')
		for i, e := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeValue(buf, e, canonical); err != nil {
				return fmt.Errorf("[%d]: %w", i, err)
			}
		}
		buf.WriteByte(']')
	case Object:
		buf.WriteByte('{')
		for i, k := range val.SortedKeys() {
			if i > 0 {
				buf.WriteByte(',')
			}
			ks, err := encodeString(k, canonical)
			if err != nil {
				return err
			}
			buf.Write(ks)
			buf.WriteByte(':')
			if err := writeValue(buf, val[k], canonical); err != nil {
				return fmt.Errorf("[%q]: %w", k, err)
			}
		}
		buf.WriteByte('}')
	default:
		return fmt.Errorf("unknown cloud value type %T", v)
	}
	return nil
}

// formatFloat renders integral floats without a fraction and everything
// else in shortest round-trip form. NaN and infinities have no JSON form.
func formatFloat(f float64) (string, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return "", fmt.Errorf("cannot encode %v as JSON", f)
	}
	if f == math.Trunc(f) && math.Abs(f) < 1e21 {
		return strconv.FormatFloat(f, 'f', -1, 64), nil
	}
	return strconv.FormatFloat(f, 'g', -1, 64), nil
}
