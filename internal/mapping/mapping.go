// Package mapping translates property names between the local schema and
// cloud key paths.
package mapping

import (
	"strings"
	"unicode"

	"github.com/roach88/cloudbridge/internal/schema"
)

// PropertyMapping converts between property names and cloud key paths.
// Implementations must be pure: the same input always yields the same
// output.
type PropertyMapping interface {
	// CloudKeyPath returns the cloud key path for a property, or "" when
	// the property is excluded from cloud objects.
	CloudKeyPath(p schema.Property) string
	// PersistentKeyPath maps a cloud key path back to a property name of
	// entity, or "" when the path belongs to a disabled property.
	PersistentKeyPath(entity *schema.Entity, cloudKeyPath string) string
}

// Identity uses property names unchanged.
type Identity struct{}

func (Identity) CloudKeyPath(p schema.Property) string {
	return cloudKeyPath(p, func(s string) string { return s })
}

func (Identity) PersistentKeyPath(entity *schema.Entity, cloudKeyPath string) string {
	return persistentKeyPath(entity, cloudKeyPath, func(s string) string { return s })
}

// Underscored maps camelCase property names to snake_case cloud keys.
type Underscored struct{}

func (Underscored) CloudKeyPath(p schema.Property) string {
	return cloudKeyPath(p, CamelToSnake)
}

func (Underscored) PersistentKeyPath(entity *schema.Entity, cloudKeyPath string) string {
	return persistentKeyPath(entity, cloudKeyPath, SnakeToCamel)
}

// ByName returns the built-in mapping with the given name.
func ByName(name string) (PropertyMapping, bool) {
	switch strings.ToLower(name) {
	case "identity", "":
		return Identity{}, true
	case "underscored", "snake", "snake_case":
		return Underscored{}, true
	}
	return nil, false
}

type overrider interface {
	RESTKeyPath() string
	RESTDisabled() bool
}

func cloudKeyPath(p schema.Property, convert func(string) string) string {
	if o, ok := p.(overrider); ok {
		if o.RESTDisabled() {
			return ""
		}
		if kp := o.RESTKeyPath(); kp != "" {
			return kp
		}
	}
	return mapSegments(p.PropertyName(), convert)
}

// persistentKeyPath inverts cloudKeyPath: a key path produced by a property
// of entity maps back to that property's name, and the key path a disabled
// property would have had maps to "". Unmatched paths are converted segment
// by segment, each segment first looked up among entity's properties.
func persistentKeyPath(entity *schema.Entity, cloudKeyPath string, convert func(string) string) string {
	if name, ok := lookupProperty(entity, cloudKeyPath, convert); ok {
		return name
	}
	if !strings.Contains(cloudKeyPath, ".") {
		return convert(cloudKeyPath)
	}
	parts := strings.Split(cloudKeyPath, ".")
	for i, part := range parts {
		if name, ok := lookupProperty(entity, part, convert); ok && name != "" {
			parts[i] = name
			continue
		}
		parts[i] = convert(part)
	}
	return strings.Join(parts, ".")
}

func lookupProperty(entity *schema.Entity, keyPath string, convert func(string) string) (string, bool) {
	if entity == nil {
		return "", false
	}
	props := make([]schema.Property, 0, len(entity.AllAttributes())+len(entity.AllRelationships()))
	for _, a := range entity.AllAttributes() {
		props = append(props, a)
	}
	for _, r := range entity.AllRelationships() {
		props = append(props, r)
	}
	for _, p := range props {
		if o, ok := p.(overrider); ok && o.RESTDisabled() {
			if enabledKeyPath(o, p, convert) == keyPath {
				return "", true
			}
			continue
		}
		if cloudKeyPath(p, convert) == keyPath {
			return p.PropertyName(), true
		}
	}
	return "", false
}

// enabledKeyPath is the key path p would map to if it were not disabled.
func enabledKeyPath(o overrider, p schema.Property, convert func(string) string) string {
	if kp := o.RESTKeyPath(); kp != "" {
		return kp
	}
	return mapSegments(p.PropertyName(), convert)
}

func mapSegments(path string, convert func(string) string) string {
	if !strings.Contains(path, ".") {
		return convert(path)
	}
	parts := strings.Split(path, ".")
	for i, part := range parts {
		parts[i] = convert(part)
	}
	return strings.Join(parts, ".")
}

// CamelToSnake converts "createdAt" to "created_at". Runs of capitals are
// kept together: "homepageURL" becomes "homepage_url", "URLString"
// becomes "url_string".
func CamelToSnake(s string) string {
	runes := []rune(s)
	var b strings.Builder
	b.Grow(len(s) + 4)
	for i, r := range runes {
		if unicode.IsUpper(r) {
			if i > 0 {
				prev := runes[i-1]
				nextLower := i+1 < len(runes) && unicode.IsLower(runes[i+1])
				if unicode.IsLower(prev) || unicode.IsDigit(prev) || (unicode.IsUpper(prev) && nextLower) {
					b.WriteByte('_')
				}
			}
			b.WriteRune(unicode.ToLower(r))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// SnakeToCamel converts "created_at" to "createdAt". Leading underscores
// are preserved.
func SnakeToCamel(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	upper := false
	leading := true
	for _, r := range s {
		if r == '_' {
			if leading {
				b.WriteRune(r)
				continue
			}
			upper = true
			continue
		}
		leading = false
		if upper {
			b.WriteRune(unicode.ToUpper(r))
			upper = false
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
