package store

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// taggedValue is the persisted form of one stored value. The tag keeps
// int64, time and relationship values distinct from their JSON shapes.
type taggedValue struct {
	T string          `json:"t"`
	V json.RawMessage `json:"v"`
}

type refPayload struct {
	Entity string `json:"e"`
	Row    int64  `json:"r"`
}

// encodePayload serializes object values for a database row.
func encodePayload(values map[string]any) (string, error) {
	out := make(map[string]taggedValue, len(values))
	for k, v := range values {
		tv, err := encodeValue(v)
		if err != nil {
			return "", fmt.Errorf("encode %q: %w", k, err)
		}
		out[k] = tv
	}
	data, err := json.Marshal(out)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func encodeValue(v any) (taggedValue, error) {
	var tag string
	var payload any
	switch val := v.(type) {
	case int64:
		tag, payload = "int", strconv.FormatInt(val, 10)
	case float64:
		tag, payload = "float", val
	case bool:
		tag, payload = "bool", val
	case string:
		tag, payload = "string", val
	case time.Time:
		tag, payload = "date", val.UTC().Format(time.RFC3339Nano)
	case []byte:
		tag, payload = "bytes", base64.StdEncoding.EncodeToString(val)
	case ObjectID:
		tag, payload = "ref", refPayload{Entity: val.Entity, Row: val.Row}
	case []ObjectID:
		refs := make([]refPayload, len(val))
		for i, id := range val {
			refs[i] = refPayload{Entity: id.Entity, Row: id.Row}
		}
		tag, payload = "refs", refs
	default:
		tag, payload = "any", val
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return taggedValue{}, err
	}
	return taggedValue{T: tag, V: raw}, nil
}

// decodePayload is the inverse of encodePayload.
func decodePayload(payload string) (map[string]any, error) {
	var raw map[string]taggedValue
	if err := json.Unmarshal([]byte(payload), &raw); err != nil {
		return nil, err
	}
	out := make(map[string]any, len(raw))
	for k, tv := range raw {
		v, err := decodeValue(tv)
		if err != nil {
			return nil, fmt.Errorf("decode %q: %w", k, err)
		}
		out[k] = v
	}
	return out, nil
}

func decodeValue(tv taggedValue) (any, error) {
	switch tv.T {
	case "int":
		var s string
		if err := json.Unmarshal(tv.V, &s); err != nil {
			return nil, err
		}
		return strconv.ParseInt(s, 10, 64)
	case "float":
		var f float64
		err := json.Unmarshal(tv.V, &f)
		return f, err
	case "bool":
		var b bool
		err := json.Unmarshal(tv.V, &b)
		return b, err
	case "string":
		var s string
		err := json.Unmarshal(tv.V, &s)
		return s, err
	case "date":
		var s string
		if err := json.Unmarshal(tv.V, &s); err != nil {
			return nil, err
		}
		return time.Parse(time.RFC3339Nano, s)
	case "bytes":
		var s string
		if err := json.Unmarshal(tv.V, &s); err != nil {
			return nil, err
		}
		return base64.StdEncoding.DecodeString(s)
	case "ref":
		var r refPayload
		if err := json.Unmarshal(tv.V, &r); err != nil {
			return nil, err
		}
		return ObjectID{Entity: r.Entity, Row: r.Row}, nil
	case "refs":
		var refs []refPayload
		if err := json.Unmarshal(tv.V, &refs); err != nil {
			return nil, err
		}
		ids := make([]ObjectID, len(refs))
		for i, r := range refs {
			ids[i] = ObjectID{Entity: r.Entity, Row: r.Row}
		}
		return ids, nil
	case "any":
		dec := json.NewDecoder(bytes.NewReader(tv.V))
		dec.UseNumber()
		var v any
		if err := dec.Decode(&v); err != nil {
			return nil, err
		}
		return plainNumbers(v), nil
	}
	return nil, fmt.Errorf("unknown value tag %q", tv.T)
}

// plainNumbers replaces json.Number with int64 or float64.
func plainNumbers(v any) any {
	switch val := v.(type) {
	case json.Number:
		if n, err := val.Int64(); err == nil {
			return n
		}
		f, _ := val.Float64()
		return f
	case []any:
		for i, e := range val {
			val[i] = plainNumbers(e)
		}
		return val
	case map[string]any:
		for k, e := range val {
			val[k] = plainNumbers(e)
		}
		return val
	}
	return v
}
