package schema

import (
	"fmt"
	"strconv"
	"strings"
)

// AttributeType is the storage type of an attribute.
type AttributeType int

const (
	TypeUnknown AttributeType = iota
	TypeInteger
	TypeDouble
	TypeBoolean
	TypeString
	TypeDate
	TypeBinary
	TypeTransformable
)

var attributeTypeNames = map[AttributeType]string{
	TypeUnknown:       "unknown",
	TypeInteger:       "integer",
	TypeDouble:        "double",
	TypeBoolean:       "boolean",
	TypeString:        "string",
	TypeDate:          "date",
	TypeBinary:        "binary",
	TypeTransformable: "transformable",
}

func (t AttributeType) String() string {
	if name, ok := attributeTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("AttributeType(%d)", int(t))
}

// ParseAttributeType maps a schema file type name to an AttributeType.
// "int" and "float" are accepted as aliases.
func ParseAttributeType(name string) (AttributeType, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "integer", "int":
		return TypeInteger, nil
	case "double", "float":
		return TypeDouble, nil
	case "boolean", "bool":
		return TypeBoolean, nil
	case "string":
		return TypeString, nil
	case "date":
		return TypeDate, nil
	case "binary":
		return TypeBinary, nil
	case "transformable":
		return TypeTransformable, nil
	case "unknown", "":
		return TypeUnknown, nil
	}
	return TypeUnknown, fmt.Errorf("unknown attribute type %q", name)
}

// Recognized UserInfo keys.
const (
	KeyRESTBaseURL    = "restBaseURL"
	KeyRESTIdentifier = "restIdentifier"
	KeyRESTPrefix     = "restPrefix"
	KeySTIKeyPath     = "stiKeyPath"
	KeySTIValue       = "stiValue"
	KeyRESTKeyPath    = "restKeyPath"
	KeyRESTDisabled   = "restDisabled"
	KeyRESTIncluded   = "restIncluded"
)

// DefaultIdentifier is the primary key attribute used when an entity does
// not name one with restIdentifier.
const DefaultIdentifier = "identifier"

// IncludeIdentifier as a restIncluded value embeds only related primary keys.
const IncludeIdentifier = "identifier"

// UserInfo is free-form metadata attached to entities and properties.
type UserInfo map[string]any

// String returns the value under key as a string, or "".
func (u UserInfo) String(key string) string {
	switch v := u[key].(type) {
	case nil:
		return ""
	case string:
		return v
	case fmt.Stringer:
		return v.String()
	default:
		return fmt.Sprint(v)
	}
}

// Bool interprets the value under key as a flag. Strings such as "YES",
// "true" and "1" and any non-zero number count as set.
func (u UserInfo) Bool(key string) bool {
	switch v := u[key].(type) {
	case bool:
		return v
	case string:
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "yes", "true", "1":
			return true
		}
		return false
	case int:
		return v != 0
	case int64:
		return v != 0
	case float64:
		return v != 0
	case nil:
		return false
	default:
		n, err := strconv.ParseFloat(fmt.Sprint(v), 64)
		return err == nil && n != 0
	}
}

// Property is implemented by *Attribute and *Relationship.
type Property interface {
	PropertyName() string
	Info() UserInfo
	// Owner is the entity that declares the property.
	Owner() *Entity
}

// Attribute is a scalar property of an entity.
type Attribute struct {
	Name     string
	Type     AttributeType
	UserInfo UserInfo

	entity *Entity
}

func (a *Attribute) PropertyName() string { return a.Name }
func (a *Attribute) Info() UserInfo       { return a.UserInfo }
func (a *Attribute) Owner() *Entity       { return a.entity }

// RESTKeyPath is the explicit cloud key path override, if any.
func (a *Attribute) RESTKeyPath() string { return a.UserInfo.String(KeyRESTKeyPath) }

// RESTDisabled reports whether the attribute is excluded from cloud objects.
func (a *Attribute) RESTDisabled() bool { return a.UserInfo.Bool(KeyRESTDisabled) }

// Relationship links an entity to a destination entity. Destination and
// Inverse hold names and are resolved through the owning registry.
type Relationship struct {
	Name          string
	Destination   string
	Inverse       string
	ToMany        bool
	CascadeDelete bool
	UserInfo      UserInfo

	entity *Entity
}

func (r *Relationship) PropertyName() string { return r.Name }
func (r *Relationship) Info() UserInfo       { return r.UserInfo }
func (r *Relationship) Owner() *Entity       { return r.entity }

// DestinationEntity resolves the destination by name. It returns nil for
// relationships that were never registered.
func (r *Relationship) DestinationEntity() *Entity {
	if r.entity == nil || r.entity.registry == nil {
		return nil
	}
	return r.entity.registry.Entity(r.Destination)
}

// InverseRelationship resolves the inverse on the destination entity.
func (r *Relationship) InverseRelationship() *Relationship {
	if r.Inverse == "" {
		return nil
	}
	dest := r.DestinationEntity()
	if dest == nil {
		return nil
	}
	return dest.Relationship(r.Inverse)
}

func (r *Relationship) RESTKeyPath() string  { return r.UserInfo.String(KeyRESTKeyPath) }
func (r *Relationship) RESTDisabled() bool   { return r.UserInfo.Bool(KeyRESTDisabled) }
func (r *Relationship) RESTBaseURL() string  { return r.UserInfo.String(KeyRESTBaseURL) }
func (r *Relationship) RESTIncluded() string { return r.UserInfo.String(KeyRESTIncluded) }

// IsIncluded reports whether related objects are embedded inline in the
// owner's cloud object.
func (r *Relationship) IsIncluded() bool {
	v := r.RESTIncluded()
	return v == IncludeIdentifier || r.UserInfo.Bool(KeyRESTIncluded)
}

// IncludesIdentifierOnly reports whether only related primary keys are
// embedded.
func (r *Relationship) IncludesIdentifierOnly() bool {
	return r.RESTIncluded() == IncludeIdentifier
}

// Entity describes one persistent type.
type Entity struct {
	Name          string
	Parent        string
	UserInfo      UserInfo
	Attributes    []*Attribute
	Relationships []*Relationship

	registry *Registry
}

// Registry returns the registry the entity belongs to.
func (e *Entity) Registry() *Registry { return e.registry }

// ParentEntity resolves the parent entity, or nil for a root entity.
func (e *Entity) ParentEntity() *Entity {
	if e.Parent == "" || e.registry == nil {
		return nil
	}
	return e.registry.Entity(e.Parent)
}

// Attribute looks up an attribute by name, including inherited ones.
func (e *Entity) Attribute(name string) *Attribute {
	for cur := e; cur != nil; cur = cur.ParentEntity() {
		for _, a := range cur.Attributes {
			if a.Name == name {
				return a
			}
		}
	}
	return nil
}

// Relationship looks up a relationship by name, including inherited ones.
func (e *Entity) Relationship(name string) *Relationship {
	for cur := e; cur != nil; cur = cur.ParentEntity() {
		for _, r := range cur.Relationships {
			if r.Name == name {
				return r
			}
		}
	}
	return nil
}

// Property looks up an attribute or relationship by name.
func (e *Entity) Property(name string) Property {
	if a := e.Attribute(name); a != nil {
		return a
	}
	if r := e.Relationship(name); r != nil {
		return r
	}
	return nil
}

// AllAttributes returns inherited attributes first, then the entity's own,
// in declaration order.
func (e *Entity) AllAttributes() []*Attribute {
	var chain []*Entity
	for cur := e; cur != nil; cur = cur.ParentEntity() {
		chain = append(chain, cur)
	}
	var out []*Attribute
	for i := len(chain) - 1; i >= 0; i-- {
		out = append(out, chain[i].Attributes...)
	}
	return out
}

// AllRelationships returns inherited relationships first, then the entity's
// own, in declaration order.
func (e *Entity) AllRelationships() []*Relationship {
	var chain []*Entity
	for cur := e; cur != nil; cur = cur.ParentEntity() {
		chain = append(chain, cur)
	}
	var out []*Relationship
	for i := len(chain) - 1; i >= 0; i-- {
		out = append(out, chain[i].Relationships...)
	}
	return out
}

// AttributesByName indexes AllAttributes by name.
func (e *Entity) AttributesByName() map[string]*Attribute {
	out := make(map[string]*Attribute)
	for _, a := range e.AllAttributes() {
		out[a.Name] = a
	}
	return out
}

// RelationshipsByName indexes AllRelationships by name.
func (e *Entity) RelationshipsByName() map[string]*Relationship {
	out := make(map[string]*Relationship)
	for _, r := range e.AllRelationships() {
		out[r.Name] = r
	}
	return out
}

// lookupInfo walks up the parent chain for an inheritable user info key.
func (e *Entity) lookupInfo(key string) string {
	for cur := e; cur != nil; cur = cur.ParentEntity() {
		if v := cur.UserInfo.String(key); v != "" {
			return v
		}
	}
	return ""
}

// RESTBaseURL is the collection path of the entity on the remote.
func (e *Entity) RESTBaseURL() string { return e.lookupInfo(KeyRESTBaseURL) }

// RESTIdentifier names the primary key attribute.
func (e *Entity) RESTIdentifier() string {
	if v := e.lookupInfo(KeyRESTIdentifier); v != "" {
		return v
	}
	return DefaultIdentifier
}

// IdentifierAttribute resolves RESTIdentifier to an attribute, or nil.
func (e *Entity) IdentifierAttribute() *Attribute {
	return e.Attribute(e.RESTIdentifier())
}

// RESTPrefix is the root key wrapping the entity's cloud objects, if any.
func (e *Entity) RESTPrefix() string { return e.UserInfo.String(KeyRESTPrefix) }

// STIKeyPath is the cloud key path of the single table inheritance
// discriminator. Subentities inherit it.
func (e *Entity) STIKeyPath() string { return e.lookupInfo(KeySTIKeyPath) }

// STIValue is the discriminator value selecting this entity.
func (e *Entity) STIValue() string { return e.UserInfo.String(KeySTIValue) }

// Subentities returns the direct children of e in registry order.
func (e *Entity) Subentities() []*Entity {
	if e.registry == nil {
		return nil
	}
	var out []*Entity
	for _, candidate := range e.registry.entities {
		if candidate.Parent == e.Name {
			out = append(out, candidate)
		}
	}
	return out
}

// STISubentities returns every descendant of e, depth first, that declares
// an stiValue.
func (e *Entity) STISubentities() []*Entity {
	var out []*Entity
	for _, sub := range e.Subentities() {
		if sub.STIValue() != "" {
			out = append(out, sub)
		}
		out = append(out, sub.STISubentities()...)
	}
	return out
}

// IsKindOf reports whether e is other or one of its descendants.
func (e *Entity) IsKindOf(other *Entity) bool {
	if other == nil {
		return false
	}
	for cur := e; cur != nil; cur = cur.ParentEntity() {
		if cur.Name == other.Name {
			return true
		}
	}
	return false
}

// Root returns the top of e's parent chain.
func (e *Entity) Root() *Entity {
	cur := e
	for p := cur.ParentEntity(); p != nil; p = cur.ParentEntity() {
		cur = p
	}
	return cur
}
