package store

import (
	"cmp"
	"fmt"
	"slices"
	"strings"
	"time"
)

// Predicate filters objects. It is a sealed interface: only the node
// types in this file implement it.
type Predicate interface {
	predicateNode()
	Match(o *Object) bool
	String() string
}

// Equals matches when the value under Key equals Value after IndexKey
// normalization. A nil Value matches unset keys.
type Equals struct {
	Key   string
	Value any
}

// In matches when the value under Key equals any of Values.
type In struct {
	Key    string
	Values []any
}

// And matches when every child matches. An empty And matches everything.
type And []Predicate

// Or matches when any child matches. An empty Or matches nothing.
type Or []Predicate

// Not negates its child.
type Not struct{ P Predicate }

// RelatedTo matches objects whose relationship points at ID. For to-many
// relationships the target must be among the related ids.
type RelatedTo struct {
	Relationship string
	ID           ObjectID
}

func (Equals) predicateNode()    {}
func (In) predicateNode()        {}
func (And) predicateNode()       {}
func (Or) predicateNode()        {}
func (Not) predicateNode()       {}
func (RelatedTo) predicateNode() {}

// Eq builds an Equals predicate.
func Eq(key string, value any) Predicate { return Equals{Key: key, Value: value} }

// OneOf builds an In predicate.
func OneOf(key string, values ...any) Predicate { return In{Key: key, Values: values} }

// HasPendingChanges matches objects flagged for offline reconciliation,
// either with unsent changes or with a pending deletion.
func HasPendingChanges() Predicate {
	return Or{Eq(PendingChangesKey, true), Eq(PendingDeletionKey, true)}
}

func (p Equals) Match(o *Object) bool {
	v := o.Value(p.Key)
	if p.Value == nil {
		return v == nil
	}
	return v != nil && indexKeyEqual(v, p.Value)
}

func (p In) Match(o *Object) bool {
	v := o.Value(p.Key)
	if v == nil {
		return false
	}
	for _, candidate := range p.Values {
		if candidate != nil && indexKeyEqual(v, candidate) {
			return true
		}
	}
	return false
}

func (p And) Match(o *Object) bool {
	for _, c := range p {
		if !c.Match(o) {
			return false
		}
	}
	return true
}

func (p Or) Match(o *Object) bool {
	for _, c := range p {
		if c.Match(o) {
			return true
		}
	}
	return false
}

func (p Not) Match(o *Object) bool { return !p.P.Match(o) }

func (p RelatedTo) Match(o *Object) bool {
	return slices.Contains(o.RelatedIDs(p.Relationship), p.ID)
}

func (p Equals) String() string { return fmt.Sprintf("%s == %v", p.Key, p.Value) }
func (p In) String() string     { return fmt.Sprintf("%s IN %v", p.Key, p.Values) }
func (p And) String() string    { return joinPredicates([]Predicate(p), " AND ") }
func (p Or) String() string     { return joinPredicates([]Predicate(p), " OR ") }
func (p Not) String() string    { return "NOT (" + p.P.String() + ")" }
func (p RelatedTo) String() string {
	return fmt.Sprintf("%s == %s", p.Relationship, p.ID)
}

func joinPredicates(ps []Predicate, sep string) string {
	parts := make([]string, len(ps))
	for i, p := range ps {
		parts[i] = p.String()
	}
	return "(" + strings.Join(parts, sep) + ")"
}

// compareValues orders two stored values. nil sorts first; values of
// different kinds compare by kind name.
func compareValues(a, b any) int {
	if a == nil || b == nil {
		switch {
		case a == nil && b == nil:
			return 0
		case a == nil:
			return -1
		default:
			return 1
		}
	}
	switch av := a.(type) {
	case time.Time:
		if bv, ok := b.(time.Time); ok {
			return av.Compare(bv)
		}
	case string:
		if bv, ok := b.(string); ok {
			return cmp.Compare(av, bv)
		}
	case bool:
		if bv, ok := b.(bool); ok {
			switch {
			case av == bv:
				return 0
			case !av:
				return -1
			default:
				return 1
			}
		}
	}
	if af, ok := asFloat(a); ok {
		if bf, ok := asFloat(b); ok {
			return cmp.Compare(af, bf)
		}
	}
	return cmp.Compare(fmt.Sprintf("%T", a), fmt.Sprintf("%T", b))
}

func asFloat(v any) (float64, bool) {
	if n, ok := asInt64(v); ok {
		return float64(n), true
	}
	switch f := v.(type) {
	case float64:
		return f, true
	case float32:
		return float64(f), true
	}
	return 0, false
}
