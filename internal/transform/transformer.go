package transform

import (
	"fmt"
	"log/slog"

	"github.com/roach88/cloudbridge/internal/cloud"
	"github.com/roach88/cloudbridge/internal/mapping"
	"github.com/roach88/cloudbridge/internal/schema"
)

// Option configures a Transformer.
type Option func(*Transformer)

// WithDateLayout sets the time layout used for outbound dates and tried
// first for inbound ones.
func WithDateLayout(layout string) Option {
	return func(t *Transformer) { t.dateLayout = layout }
}

// WithHooks installs lifecycle hooks.
func WithHooks(hooks HookSet) Option {
	return func(t *Transformer) { t.hooks = hooks }
}

// WithLogger sets the logger for degraded fields.
func WithLogger(l *slog.Logger) Option {
	return func(t *Transformer) { t.logger = l }
}

// Transformer converts between persistent and cloud objects. It is safe
// for concurrent use; all state is fixed at construction.
type Transformer struct {
	mapping    mapping.PropertyMapping
	dateLayout string
	hooks      HookSet
	logger     *slog.Logger
}

// New creates a Transformer. A nil mapping means mapping.Identity.
func New(m mapping.PropertyMapping, opts ...Option) *Transformer {
	if m == nil {
		m = mapping.Identity{}
	}
	t := &Transformer{
		mapping:    m,
		dateLayout: DefaultDateLayout,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Mapping returns the property mapping in use.
func (t *Transformer) Mapping() mapping.PropertyMapping { return t.mapping }

// Hooks returns the effective hooks of entity.
func (t *Transformer) Hooks(entity *schema.Entity) Hooks { return t.hooks.For(entity) }

// Result reports how one inbound cloud object was applied.
type Result struct {
	// Created is true when a new persistent object was inserted.
	Created bool
	// Skipped lists property names whose cloud values could not be
	// coerced. Properties of inline related objects are prefixed with the
	// relationship name.
	Skipped []string
}

func (r *Result) skip(key string) { r.Skipped = append(r.Skipped, key) }

func (r *Result) merge(prefix string, child Result) {
	for _, k := range child.Skipped {
		r.Skipped = append(r.Skipped, prefix+"."+k)
	}
}

// EntityForCloudObject picks the entity a cloud object describes. When
// entity declares an STI key path, the discriminator value is matched
// against every descendant's stiValue; no match falls back to entity.
func (t *Transformer) EntityForCloudObject(c cloud.Object, entity *schema.Entity) *schema.Entity {
	return entityFor(unwrapPrefix(entity, c), entity)
}

func entityFor(c cloud.Object, entity *schema.Entity) *schema.Entity {
	keyPath := entity.STIKeyPath()
	if keyPath == "" {
		return entity
	}
	raw, ok := c.Get(keyPath)
	if !ok {
		return entity
	}
	var value string
	switch v := raw.(type) {
	case cloud.String:
		value = string(v)
	case cloud.Int, cloud.Float, cloud.Bool:
		value = fmt.Sprint(cloud.ToGo(v))
	default:
		return entity
	}
	if entity.STIValue() == value {
		return entity
	}
	for _, sub := range entity.STISubentities() {
		if sub.STIValue() == value {
			return sub
		}
	}
	return entity
}

// PrimaryKey extracts the coerced primary key of c, or nil.
func (t *Transformer) PrimaryKey(c cloud.Object, entity *schema.Entity) any {
	return t.primaryKey(unwrapPrefix(entity, c), entity)
}

func (t *Transformer) primaryKey(c cloud.Object, entity *schema.Entity) any {
	attr := entity.IdentifierAttribute()
	if attr == nil {
		return nil
	}
	keyPath := t.mapping.CloudKeyPath(attr)
	if keyPath == "" {
		return nil
	}
	v, ok := c.Get(keyPath)
	if !ok {
		return nil
	}
	pk, ok := t.PersistentValue(v, attr)
	if !ok {
		return nil
	}
	return pk
}

// unwrapPrefix returns the object nested under entity's restPrefix, or c
// itself when there is no prefix or c is not wrapped.
func unwrapPrefix(entity *schema.Entity, c cloud.Object) cloud.Object {
	prefix := entity.RESTPrefix()
	if prefix == "" {
		return c
	}
	if inner, ok := c[prefix].(cloud.Object); ok {
		return inner
	}
	return c
}

func wrapPrefix(entity *schema.Entity, c cloud.Object) cloud.Object {
	prefix := entity.RESTPrefix()
	if prefix == "" {
		return c
	}
	return cloud.Object{prefix: c}
}
