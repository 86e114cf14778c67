package schema

import (
	"errors"
	"fmt"
	"sort"
)

// Registry is the name-indexed arena of entities. It is immutable once
// built and safe for concurrent reads.
type Registry struct {
	entities []*Entity
	byName   map[string]*Entity
}

// NewRegistry registers entities in order and validates the graph.
// All problems are reported together.
func NewRegistry(entities ...*Entity) (*Registry, error) {
	r := &Registry{byName: make(map[string]*Entity, len(entities))}
	var errs []error
	for _, e := range entities {
		if e == nil {
			continue
		}
		if e.Name == "" {
			errs = append(errs, &Error{Code: ErrCodeMissingName, Message: "entity without a name"})
			continue
		}
		if _, dup := r.byName[e.Name]; dup {
			errs = append(errs, &Error{
				Code:    ErrCodeDuplicateEntity,
				Entity:  e.Name,
				Message: "entity registered twice",
			})
			continue
		}
		e.registry = r
		for _, a := range e.Attributes {
			a.entity = e
		}
		for _, rel := range e.Relationships {
			rel.entity = e
		}
		r.entities = append(r.entities, e)
		r.byName[e.Name] = e
	}
	errs = append(errs, r.validate()...)
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return r, nil
}

// MustRegistry is NewRegistry for static schemas; it panics on error.
func MustRegistry(entities ...*Entity) *Registry {
	r, err := NewRegistry(entities...)
	if err != nil {
		panic(err)
	}
	return r
}

// Entity returns the entity with the given name, or nil.
func (r *Registry) Entity(name string) *Entity {
	if r == nil {
		return nil
	}
	return r.byName[name]
}

// Entities returns all entities in registration order.
func (r *Registry) Entities() []*Entity {
	out := make([]*Entity, len(r.entities))
	copy(out, r.entities)
	return out
}

// EntitiesByName returns a copy of the name index.
func (r *Registry) EntitiesByName() map[string]*Entity {
	out := make(map[string]*Entity, len(r.byName))
	for k, v := range r.byName {
		out[k] = v
	}
	return out
}

// Names returns entity names sorted alphabetically.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.byName))
	for name := range r.byName {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// InverseRelationship resolves the inverse of the named relationship on
// entity, or nil.
func (r *Registry) InverseRelationship(entity *Entity, relationship string) *Relationship {
	if entity == nil {
		return nil
	}
	rel := entity.Relationship(relationship)
	if rel == nil {
		return nil
	}
	return rel.InverseRelationship()
}

func (r *Registry) validate() []error {
	var errs []error

	// Parent links must resolve and form a tree. Cycles are checked before
	// anything walks the parent chain.
	cyclic := make(map[string]bool)
	for _, e := range r.entities {
		if e.Parent == "" {
			continue
		}
		if r.byName[e.Parent] == nil {
			errs = append(errs, &Error{
				Code:    ErrCodeUnknownParent,
				Entity:  e.Name,
				Message: fmt.Sprintf("parent entity %q is not registered", e.Parent),
			})
			continue
		}
		seen := map[string]bool{e.Name: true}
		for p := r.byName[e.Parent]; p != nil; p = r.byName[p.Parent] {
			if seen[p.Name] {
				cyclic[e.Name] = true
				errs = append(errs, &Error{
					Code:    ErrCodeParentCycle,
					Entity:  e.Name,
					Message: "parent chain forms a cycle",
				})
				break
			}
			seen[p.Name] = true
		}
	}
	if len(cyclic) > 0 {
		return errs
	}
	if len(errs) > 0 {
		// Unknown parents make inherited lookups ambiguous; stop here.
		return errs
	}

	for _, e := range r.entities {
		names := make(map[string]bool)
		for _, a := range e.AllAttributes() {
			if a.Name == "" {
				errs = append(errs, &Error{Code: ErrCodeMissingName, Entity: e.Name, Message: "attribute without a name"})
				continue
			}
			if names[a.Name] {
				errs = append(errs, &Error{
					Code:     ErrCodeDuplicateProperty,
					Entity:   e.Name,
					Property: a.Name,
					Message:  "property declared more than once",
				})
			}
			names[a.Name] = true
		}
		for _, rel := range e.AllRelationships() {
			if rel.Name == "" {
				errs = append(errs, &Error{Code: ErrCodeMissingName, Entity: e.Name, Message: "relationship without a name"})
				continue
			}
			if names[rel.Name] {
				errs = append(errs, &Error{
					Code:     ErrCodeDuplicateProperty,
					Entity:   e.Name,
					Property: rel.Name,
					Message:  "property declared more than once",
				})
			}
			names[rel.Name] = true
		}
		for _, rel := range e.Relationships {
			errs = append(errs, r.validateRelationship(e, rel)...)
		}
	}
	return errs
}

func (r *Registry) validateRelationship(e *Entity, rel *Relationship) []error {
	dest := r.byName[rel.Destination]
	if dest == nil {
		return []error{&Error{
			Code:     ErrCodeUnknownEntity,
			Entity:   e.Name,
			Property: rel.Name,
			Message:  fmt.Sprintf("destination entity %q is not registered", rel.Destination),
		}}
	}
	if rel.Inverse == "" {
		return nil
	}
	inv := dest.Relationship(rel.Inverse)
	if inv == nil {
		return []error{&Error{
			Code:     ErrCodeBadInverse,
			Entity:   e.Name,
			Property: rel.Name,
			Message:  fmt.Sprintf("inverse %q not found on %s", rel.Inverse, dest.Name),
		}}
	}
	// The inverse must point back at this relationship and at an entity
	// this one is a kind of.
	back := r.byName[inv.Destination]
	if inv.Inverse != rel.Name || back == nil || !e.IsKindOf(back) {
		return []error{&Error{
			Code:     ErrCodeBadInverse,
			Entity:   e.Name,
			Property: rel.Name,
			Message: fmt.Sprintf("inverse %s.%s does not point back to %s.%s",
				dest.Name, inv.Name, e.Name, rel.Name),
		}}
	}
	return nil
}
