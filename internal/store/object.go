package store

import (
	"bytes"
	"fmt"
	"math"
	"reflect"
	"slices"
	"sort"
	"time"

	"github.com/roach88/cloudbridge/internal/schema"
)

// ObjectID identifies an object within one store. Row ids are never
// reused.
type ObjectID struct {
	Entity string
	Row    int64
}

// IsZero reports whether id is unset.
func (id ObjectID) IsZero() bool { return id.Row == 0 }

func (id ObjectID) String() string { return fmt.Sprintf("%s/%d", id.Entity, id.Row) }

// Object is a handle to one persistent record.
//
// Objects returned by store reads are immutable snapshots of the last
// commit. Objects returned by Tx.New and Tx.Edit are private to that
// transaction and are the only ones whose setters succeed.
type Object struct {
	id      ObjectID
	entity  *schema.Entity
	values  map[string]any
	version int64
	tx      *Tx
}

func (o *Object) ID() ObjectID            { return o.id }
func (o *Object) Entity() *schema.Entity { return o.entity }

// Version is the commit sequence that produced this snapshot, or 0 for an
// object that was never committed.
func (o *Object) Version() int64 { return o.version }

// Value returns the stored value of an attribute or relationship, or nil.
func (o *Object) Value(key string) any { return o.values[key] }

// Has reports whether key holds a non-nil value.
func (o *Object) Has(key string) bool { return o.values[key] != nil }

// Bool reads a boolean attribute; unset reads as false.
func (o *Object) Bool(key string) bool {
	b, _ := o.values[key].(bool)
	return b
}

// Keys returns the set keys in sorted order.
func (o *Object) Keys() []string {
	keys := make([]string, 0, len(o.values))
	for k, v := range o.values {
		if v != nil {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

// Values returns a shallow copy of all set values.
func (o *Object) Values() map[string]any {
	out := make(map[string]any, len(o.values))
	for k, v := range o.values {
		if v != nil {
			out[k] = v
		}
	}
	return out
}

// PrimaryKey is the value of the entity's restIdentifier attribute.
func (o *Object) PrimaryKey() any {
	return o.values[o.entity.RESTIdentifier()]
}

// RelatedID returns the target of a to-one relationship.
func (o *Object) RelatedID(name string) (ObjectID, bool) {
	id, ok := o.values[name].(ObjectID)
	return id, ok && !id.IsZero()
}

// RelatedIDs returns the targets of a to-many relationship, or of a to-one
// relationship as a one-element slice.
func (o *Object) RelatedIDs(name string) []ObjectID {
	switch v := o.values[name].(type) {
	case ObjectID:
		if v.IsZero() {
			return nil
		}
		return []ObjectID{v}
	case []ObjectID:
		return slices.Clone(v)
	}
	return nil
}

// IsEditable reports whether the object belongs to an open transaction.
func (o *Object) IsEditable() bool { return o.tx != nil && !o.tx.done }

// IsNew reports whether the object was created in its open transaction.
func (o *Object) IsNew() bool { return o.IsEditable() && o.tx.inserted[o.id] }

// IsPersisted reports whether the object has been committed at least once.
func (o *Object) IsPersisted() bool { return o.version > 0 }

func (o *Object) writable() error {
	if o.tx == nil {
		return ErrNotInTransaction
	}
	if o.tx.done {
		return ErrTxDone
	}
	if o.tx.deleted[o.id] {
		return fmt.Errorf("%w: %s", ErrObjectDeleted, o.id)
	}
	return nil
}

// Set stores an attribute value. nil clears it. Values are normalized to
// the attribute type: integers to int64, floats to float64, times to UTC.
func (o *Object) Set(key string, value any) error {
	if err := o.writable(); err != nil {
		return err
	}
	attr := o.entity.Attribute(key)
	if attr == nil {
		if o.entity.Relationship(key) != nil {
			return fmt.Errorf("%s.%s: use SetRelated for relationships", o.entity.Name, key)
		}
		return fmt.Errorf("%w: %s.%s", ErrUnknownProperty, o.entity.Name, key)
	}
	v, err := normalizeValue(attr, value)
	if err != nil {
		return err
	}
	if v == nil {
		delete(o.values, key)
	} else {
		o.values[key] = v
	}
	return nil
}

// SetRelated sets a to-one relationship. A nil target clears it.
func (o *Object) SetRelated(name string, target *Object) error {
	rel, err := o.relationship(name, false)
	if err != nil {
		return err
	}
	if target == nil {
		delete(o.values, name)
		return nil
	}
	if err := checkDestination(rel, target); err != nil {
		return err
	}
	o.values[name] = target.id
	return nil
}

// SetRelatedIDs replaces a to-many relationship. Duplicates are dropped.
func (o *Object) SetRelatedIDs(name string, ids []ObjectID) error {
	if _, err := o.relationship(name, true); err != nil {
		return err
	}
	if len(ids) == 0 {
		delete(o.values, name)
		return nil
	}
	out := make([]ObjectID, 0, len(ids))
	for _, id := range ids {
		if !id.IsZero() && !slices.Contains(out, id) {
			out = append(out, id)
		}
	}
	o.values[name] = out
	return nil
}

// AddRelated appends a target to a to-many relationship.
func (o *Object) AddRelated(name string, target *Object) error {
	rel, err := o.relationship(name, true)
	if err != nil {
		return err
	}
	if err := checkDestination(rel, target); err != nil {
		return err
	}
	ids := o.RelatedIDs(name)
	if slices.Contains(ids, target.id) {
		return nil
	}
	o.values[name] = append(ids, target.id)
	return nil
}

// RemoveRelated removes a target from a to-many relationship.
func (o *Object) RemoveRelated(name string, target *Object) error {
	if _, err := o.relationship(name, true); err != nil {
		return err
	}
	ids := slices.DeleteFunc(o.RelatedIDs(name), func(id ObjectID) bool { return id == target.id })
	if len(ids) == 0 {
		delete(o.values, name)
	} else {
		o.values[name] = ids
	}
	return nil
}

func (o *Object) relationship(name string, toMany bool) (*schema.Relationship, error) {
	if err := o.writable(); err != nil {
		return nil, err
	}
	rel := o.entity.Relationship(name)
	if rel == nil {
		return nil, fmt.Errorf("%w: %s.%s", ErrUnknownProperty, o.entity.Name, name)
	}
	if rel.ToMany != toMany {
		kind := "to-one"
		if rel.ToMany {
			kind = "to-many"
		}
		return nil, fmt.Errorf("%s.%s is %s", o.entity.Name, name, kind)
	}
	return rel, nil
}

func checkDestination(rel *schema.Relationship, target *Object) error {
	if target == nil {
		return fmt.Errorf("%s: nil target", rel.Name)
	}
	dest := rel.DestinationEntity()
	if dest != nil && !target.entity.IsKindOf(dest) {
		return fmt.Errorf("%s: %s is not a %s", rel.Name, target.entity.Name, dest.Name)
	}
	return nil
}

// normalizeValue coerces v to the canonical Go type for the attribute.
func normalizeValue(attr *schema.Attribute, v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	mismatch := func() error {
		return fmt.Errorf("%w: %s is %s, got %T", ErrTypeMismatch, attr.Name, attr.Type, v)
	}
	switch attr.Type {
	case schema.TypeInteger:
		if n, ok := asInt64(v); ok {
			return n, nil
		}
		return nil, mismatch()
	case schema.TypeDouble:
		switch f := v.(type) {
		case float64:
			return f, nil
		case float32:
			return float64(f), nil
		}
		if n, ok := asInt64(v); ok {
			return float64(n), nil
		}
		return nil, mismatch()
	case schema.TypeBoolean:
		if b, ok := v.(bool); ok {
			return b, nil
		}
		return nil, mismatch()
	case schema.TypeString:
		if s, ok := v.(string); ok {
			return s, nil
		}
		return nil, mismatch()
	case schema.TypeDate:
		if t, ok := v.(time.Time); ok {
			return t.UTC(), nil
		}
		return nil, mismatch()
	case schema.TypeBinary:
		if b, ok := v.([]byte); ok {
			return bytes.Clone(b), nil
		}
		return nil, mismatch()
	}
	return v, nil
}

func asInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int8:
		return int64(n), true
	case int16:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case uint8:
		return int64(n), true
	case uint16:
		return int64(n), true
	case uint32:
		return int64(n), true
	case uint:
		if uint64(n) <= math.MaxInt64 {
			return int64(n), true
		}
	case uint64:
		if n <= math.MaxInt64 {
			return int64(n), true
		}
	}
	return 0, false
}

// IndexKey normalizes a value for equality lookups: every integral number
// becomes int64, other floats float64, times their UTC RFC 3339 form and
// byte slices strings. IndexedObjects results are keyed by IndexKey.
func IndexKey(v any) any {
	if n, ok := asInt64(v); ok {
		return n
	}
	switch val := v.(type) {
	case float32:
		return IndexKey(float64(val))
	case float64:
		if val == math.Trunc(val) && math.Abs(val) < 1<<63 {
			return int64(val)
		}
		return val
	case time.Time:
		return val.UTC().Format(time.RFC3339Nano)
	case []byte:
		return string(val)
	}
	return v
}

// comparableKey reports whether k can be used as a map key.
func comparableKey(k any) bool {
	return k == nil || reflect.TypeOf(k).Comparable()
}

func indexKeyEqual(a, b any) bool {
	ka, kb := IndexKey(a), IndexKey(b)
	if !comparableKey(ka) || !comparableKey(kb) {
		return valuesEqual(ka, kb)
	}
	return ka == kb
}

// valuesEqual compares stored values.
func valuesEqual(a, b any) bool {
	switch av := a.(type) {
	case time.Time:
		bv, ok := b.(time.Time)
		return ok && av.Equal(bv)
	case []byte:
		bv, ok := b.([]byte)
		return ok && bytes.Equal(av, bv)
	}
	return reflect.DeepEqual(a, b)
}

func valueMapsEqual(a, b map[string]any) bool {
	for k, av := range a {
		if av == nil {
			continue
		}
		if !valuesEqual(av, b[k]) {
			return false
		}
	}
	for k, bv := range b {
		if bv != nil && a[k] == nil {
			return false
		}
	}
	return true
}

func cloneValues(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
