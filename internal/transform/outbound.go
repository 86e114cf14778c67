package transform

import (
	"context"

	"github.com/roach88/cloudbridge/internal/cloud"
	"github.com/roach88/cloudbridge/internal/store"
)

// CloudObjectFromPersistentObject builds the wire form of obj. Related
// objects embedded inline are read through r, which may be a store or an
// open transaction.
func (t *Transformer) CloudObjectFromPersistentObject(ctx context.Context, r store.Reader, obj *store.Object) cloud.Object {
	return t.cloudObject(ctx, r, obj, map[store.ObjectID]bool{})
}

func (t *Transformer) cloudObject(ctx context.Context, r store.Reader, obj *store.Object, visited map[store.ObjectID]bool) cloud.Object {
	entity := obj.Entity()
	visited[obj.ID()] = true
	defer delete(visited, obj.ID())

	c := cloud.Object{}
	t.updateCloudObject(ctx, r, c, obj, visited)
	// The discriminator wins over an attribute mapped to the same key.
	if keyPath, value := entity.STIKeyPath(), entity.STIValue(); keyPath != "" && value != "" {
		c.Set(keyPath, cloud.String(value))
	}

	if h := t.hooks.For(entity); h.FinalizeCloudObject != nil {
		if replaced := h.FinalizeCloudObject(obj, c); replaced != nil {
			c = replaced
		}
	}
	return wrapPrefix(entity, c)
}

// UpdateCloudObject writes obj's attributes and inline relationships into
// c. c is not wrapped under restPrefix.
func (t *Transformer) UpdateCloudObject(ctx context.Context, r store.Reader, c cloud.Object, obj *store.Object) {
	t.updateCloudObject(ctx, r, c, obj, map[store.ObjectID]bool{obj.ID(): true})
}

func (t *Transformer) updateCloudObject(ctx context.Context, r store.Reader, c cloud.Object, obj *store.Object, visited map[store.ObjectID]bool) {
	entity := obj.Entity()
	h := t.hooks.For(entity)

	for _, attr := range entity.AllAttributes() {
		if store.IsBookkeepingKey(attr.Name) {
			continue
		}
		keyPath := t.mapping.CloudKeyPath(attr)
		if keyPath == "" {
			continue
		}
		if h.CloudValueForKey != nil {
			if v, ok := h.CloudValueForKey(obj, attr.Name); ok {
				c.Set(keyPath, v)
				continue
			}
		}
		v, ok := t.CloudValue(obj.Value(attr.Name), attr)
		if !ok {
			t.logger.Debug("attribute not representable in cloud object",
				"entity", entity.Name,
				"attribute", attr.Name)
			continue
		}
		c.Set(keyPath, v)
	}

	for _, rel := range entity.AllRelationships() {
		if !rel.IsIncluded() {
			continue
		}
		keyPath := t.mapping.CloudKeyPath(rel)
		if keyPath == "" {
			continue
		}
		if h.CloudValueForKey != nil {
			if v, ok := h.CloudValueForKey(obj, rel.Name); ok {
				c.Set(keyPath, v)
				continue
			}
		}
		identifierOnly := rel.IncludesIdentifierOnly()
		ids := obj.RelatedIDs(rel.Name)
		if !rel.ToMany {
			if len(ids) == 0 {
				c.Set(keyPath, cloud.Null{})
				continue
			}
			if v, ok := t.relatedValue(ctx, r, ids[0], identifierOnly, visited); ok {
				c.Set(keyPath, v)
			}
			continue
		}
		arr := make(cloud.Array, 0, len(ids))
		for _, id := range ids {
			if v, ok := t.relatedValue(ctx, r, id, identifierOnly, visited); ok {
				arr = append(arr, v)
			}
		}
		c.Set(keyPath, arr)
	}
}

// relatedValue embeds one related object, or its primary key when only
// identifiers are requested or the object is already being embedded
// higher up.
func (t *Transformer) relatedValue(ctx context.Context, r store.Reader, id store.ObjectID, identifierOnly bool, visited map[store.ObjectID]bool) (cloud.Value, bool) {
	target, err := r.Get(ctx, id)
	if err != nil {
		t.logger.Debug("related object missing", "id", id.String(), "error", err)
		return nil, false
	}
	if identifierOnly || visited[id] {
		attr := target.Entity().IdentifierAttribute()
		if attr == nil || !target.Has(attr.Name) {
			return nil, false
		}
		return t.CloudValue(target.Value(attr.Name), attr)
	}
	return t.cloudObject(ctx, r, target, visited), true
}
