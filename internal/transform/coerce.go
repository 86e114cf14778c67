package transform

import (
	"encoding/base64"
	"math"
	"time"

	"github.com/roach88/cloudbridge/internal/cloud"
	"github.com/roach88/cloudbridge/internal/schema"
)

// DefaultDateLayout formats dates as ISO 8601 in UTC with second precision.
const DefaultDateLayout = "2006-01-02T15:04:05Z"

// CloudValue converts a stored attribute value to its wire form. nil
// becomes Null. ok is false when the value does not fit the attribute
// type.
func (t *Transformer) CloudValue(value any, attr *schema.Attribute) (cloud.Value, bool) {
	if value == nil {
		return cloud.Null{}, true
	}
	switch attr.Type {
	case schema.TypeInteger:
		if n, ok := value.(int64); ok {
			return cloud.Int(n), true
		}
	case schema.TypeDouble:
		if f, ok := value.(float64); ok {
			if math.IsNaN(f) || math.IsInf(f, 0) {
				return nil, false
			}
			return cloud.Float(f), true
		}
	case schema.TypeBoolean:
		if b, ok := value.(bool); ok {
			return cloud.Bool(b), true
		}
	case schema.TypeString:
		if s, ok := value.(string); ok {
			return cloud.String(s), true
		}
	case schema.TypeDate:
		if d, ok := value.(time.Time); ok {
			return cloud.String(d.UTC().Format(t.dateLayout)), true
		}
	case schema.TypeBinary:
		if b, ok := value.([]byte); ok {
			return cloud.String(base64.StdEncoding.EncodeToString(b)), true
		}
	default:
		v, err := cloud.FromGo(value)
		if err != nil {
			return nil, false
		}
		return cloud.Clone(v), true
	}
	return nil, false
}

// PersistentValue converts a wire value to the stored form of attr. Null
// becomes nil. ok is false when the value cannot be coerced; callers leave
// the attribute unchanged in that case.
//
// Integers accept integral floats and truncate others toward zero.
// Booleans accept the numbers 0 and 1. Dates accept the configured layout
// and RFC 3339 with offsets and fractional seconds.
func (t *Transformer) PersistentValue(v cloud.Value, attr *schema.Attribute) (any, bool) {
	if cloud.IsNull(v) {
		return nil, true
	}
	switch attr.Type {
	case schema.TypeInteger:
		switch n := v.(type) {
		case cloud.Int:
			return int64(n), true
		case cloud.Float:
			f := math.Trunc(float64(n))
			if math.IsNaN(f) || f < math.MinInt64 || f >= math.MaxInt64 {
				return nil, false
			}
			return int64(f), true
		}
	case schema.TypeDouble:
		switch n := v.(type) {
		case cloud.Int:
			return float64(n), true
		case cloud.Float:
			return float64(n), true
		}
	case schema.TypeBoolean:
		switch b := v.(type) {
		case cloud.Bool:
			return bool(b), true
		case cloud.Int:
			if b == 0 || b == 1 {
				return b == 1, true
			}
		case cloud.Float:
			if b == 0 || b == 1 {
				return b == 1, true
			}
		}
	case schema.TypeString:
		if s, ok := v.(cloud.String); ok {
			return string(s), true
		}
	case schema.TypeDate:
		if s, ok := v.(cloud.String); ok {
			if d, ok := t.parseDate(string(s)); ok {
				return d, true
			}
		}
	case schema.TypeBinary:
		if s, ok := v.(cloud.String); ok {
			if b, err := base64.StdEncoding.DecodeString(string(s)); err == nil {
				return b, true
			}
		}
	default:
		return cloud.ToGo(cloud.Clone(v)), true
	}
	return nil, false
}

func (t *Transformer) parseDate(s string) (time.Time, bool) {
	for _, layout := range []string{t.dateLayout, time.RFC3339Nano} {
		if d, err := time.Parse(layout, s); err == nil {
			return d.UTC(), true
		}
	}
	return time.Time{}, false
}
