package transform

import (
	"context"
	"errors"
	"fmt"

	"github.com/roach88/cloudbridge/internal/cloud"
	"github.com/roach88/cloudbridge/internal/schema"
	"github.com/roach88/cloudbridge/internal/store"
)

// PersistentObjectFromCloudObject upserts c inside tx as an object of
// entity, or of the STI subentity c names. An existing object with the
// same primary key is updated rather than duplicated.
//
// The returned error is always a store error; coercion problems are only
// reported in Result.
func (t *Transformer) PersistentObjectFromCloudObject(ctx context.Context, tx *store.Tx, c cloud.Object, entity *schema.Entity) (*store.Object, Result, error) {
	objs, results, err := t.PersistentObjectsFromCloudObjects(ctx, tx, []cloud.Object{c}, entity)
	if err != nil {
		return nil, Result{}, err
	}
	return objs[0], results[0], nil
}

type prepared struct {
	c      cloud.Object
	entity *schema.Entity
	pk     any
}

// PersistentObjectsFromCloudObjects upserts a batch. Existing objects are
// found with one IndexedObjects lookup; objects repeated within the batch
// resolve to the same persistent object. Results are in input order.
func (t *Transformer) PersistentObjectsFromCloudObjects(ctx context.Context, tx *store.Tx, cs []cloud.Object, entity *schema.Entity) ([]*store.Object, []Result, error) {
	items := make([]prepared, len(cs))
	var pks []any
	for i, raw := range cs {
		items[i] = t.prepare(raw, entity)
		if items[i].pk != nil {
			pks = append(pks, items[i].pk)
		}
	}

	index := map[any]*store.Object{}
	if len(pks) > 0 {
		found, err := tx.IndexedObjects(ctx, entity, pks, entity.RESTIdentifier())
		if err != nil {
			return nil, nil, fmt.Errorf("transform: lookup %s: %w", entity.Name, err)
		}
		index = found
	}

	objs := make([]*store.Object, len(items))
	results := make([]Result, len(items))
	for i, it := range items {
		var existing *store.Object
		if it.pk != nil {
			existing = index[store.IndexKey(it.pk)]
		}
		obj, res, err := t.apply(ctx, tx, existing, it.c, it.entity)
		if err != nil {
			return nil, nil, err
		}
		if it.pk != nil {
			index[store.IndexKey(it.pk)] = obj
		}
		objs[i], results[i] = obj, res
	}
	return objs, results, nil
}

// prepare unwraps the prefix, runs the class-level hook and resolves the
// concrete entity and primary key.
func (t *Transformer) prepare(raw cloud.Object, entity *schema.Entity) prepared {
	c := unwrapPrefix(entity, raw)
	sub := entityFor(c, entity)
	if h := t.hooks.For(sub); h.PrepareCloudObject != nil {
		if replaced := h.PrepareCloudObject(sub, c); replaced != nil {
			c = replaced
			sub = entityFor(c, entity)
		}
	}
	return prepared{c: c, entity: sub, pk: t.primaryKey(c, sub)}
}

func (t *Transformer) apply(ctx context.Context, tx *store.Tx, existing *store.Object, c cloud.Object, entity *schema.Entity) (*store.Object, Result, error) {
	var res Result
	var obj *store.Object
	var err error
	if existing != nil {
		obj, err = tx.Edit(existing)
	} else {
		obj, err = tx.New(entity)
		res.Created = true
	}
	if err != nil {
		return nil, Result{}, err
	}
	if err := t.applyValues(ctx, tx, obj, c, &res); err != nil {
		return nil, Result{}, err
	}
	if res.Created {
		if h := t.hooks.For(obj.Entity()); h.AwakeFromCloudFetch != nil {
			h.AwakeFromCloudFetch(obj)
		}
	}
	return obj, res, nil
}

// UpdatePersistentObject applies c to obj inside tx. Keys absent from c
// leave their properties untouched; Null clears them.
func (t *Transformer) UpdatePersistentObject(ctx context.Context, tx *store.Tx, obj *store.Object, c cloud.Object) (Result, error) {
	editable, err := tx.Edit(obj)
	if err != nil {
		return Result{}, err
	}
	var res Result
	err = t.applyValues(ctx, tx, editable, unwrapPrefix(obj.Entity(), c), &res)
	return res, err
}

func (t *Transformer) applyValues(ctx context.Context, tx *store.Tx, obj *store.Object, c cloud.Object, res *Result) error {
	entity := obj.Entity()
	h := t.hooks.For(entity)
	if h.PrepareForUpdate != nil {
		if replaced := h.PrepareForUpdate(obj, c); replaced != nil {
			c = replaced
		}
	}

	for _, attr := range entity.AllAttributes() {
		if store.IsBookkeepingKey(attr.Name) {
			continue
		}
		keyPath := t.mapping.CloudKeyPath(attr)
		if keyPath == "" {
			continue
		}
		v, ok := c.Get(keyPath)
		if !ok {
			continue
		}
		if h.SetCloudValue != nil && h.SetCloudValue(obj, v, attr.Name, c) {
			continue
		}
		pv, ok := t.PersistentValue(v, attr)
		if !ok {
			t.logger.Debug("cloud value not coercible",
				"entity", entity.Name,
				"attribute", attr.Name,
				"type", attr.Type.String())
			res.skip(attr.Name)
			continue
		}
		if err := obj.Set(attr.Name, pv); err != nil {
			if errors.Is(err, store.ErrTypeMismatch) {
				res.skip(attr.Name)
				continue
			}
			return err
		}
	}

	for _, rel := range entity.AllRelationships() {
		keyPath := t.mapping.CloudKeyPath(rel)
		if keyPath == "" {
			continue
		}
		v, ok := c.Get(keyPath)
		if !ok {
			continue
		}
		if h.SetCloudValue != nil && h.SetCloudValue(obj, v, rel.Name, c) {
			continue
		}
		if err := t.applyRelationship(ctx, tx, obj, rel, v, res); err != nil {
			return err
		}
	}

	if h.FinalizeUpdate != nil {
		h.FinalizeUpdate(obj, c)
	}
	return nil
}

func (t *Transformer) applyRelationship(ctx context.Context, tx *store.Tx, obj *store.Object, rel *schema.Relationship, v cloud.Value, res *Result) error {
	dest := rel.DestinationEntity()
	if dest == nil {
		res.skip(rel.Name)
		return nil
	}
	if cloud.IsNull(v) {
		if rel.ToMany {
			return obj.SetRelatedIDs(rel.Name, nil)
		}
		return obj.SetRelated(rel.Name, nil)
	}

	if !rel.ToMany {
		target, child, ok, err := t.relatedObject(ctx, tx, v, dest)
		if err != nil {
			return err
		}
		if !ok {
			res.skip(rel.Name)
			return nil
		}
		res.merge(rel.Name, child)
		return obj.SetRelated(rel.Name, target)
	}

	arr, ok := v.(cloud.Array)
	if !ok {
		res.skip(rel.Name)
		return nil
	}
	ids := make([]store.ObjectID, 0, len(arr))
	for i, elem := range arr {
		target, child, ok, err := t.relatedObject(ctx, tx, elem, dest)
		if err != nil {
			return err
		}
		if !ok {
			res.skip(fmt.Sprintf("%s[%d]", rel.Name, i))
			continue
		}
		res.merge(rel.Name, child)
		ids = append(ids, target.ID())
	}
	return obj.SetRelatedIDs(rel.Name, ids)
}

// relatedObject resolves one inline relationship value: a nested cloud
// object is upserted, a bare identifier is looked up and, when unknown,
// stubbed with only its primary key.
func (t *Transformer) relatedObject(ctx context.Context, tx *store.Tx, v cloud.Value, dest *schema.Entity) (*store.Object, Result, bool, error) {
	switch val := v.(type) {
	case cloud.Object:
		obj, res, err := t.PersistentObjectFromCloudObject(ctx, tx, val, dest)
		if err != nil {
			return nil, Result{}, false, err
		}
		return obj, res, true, nil
	case cloud.Int, cloud.Float, cloud.String:
		attr := dest.IdentifierAttribute()
		if attr == nil {
			return nil, Result{}, false, nil
		}
		pk, ok := t.PersistentValue(val, attr)
		if !ok || pk == nil {
			return nil, Result{}, false, nil
		}
		found, err := tx.IndexedObjects(ctx, dest, []any{pk}, attr.Name)
		if err != nil {
			return nil, Result{}, false, err
		}
		if existing, ok := found[store.IndexKey(pk)]; ok {
			return existing, Result{}, true, nil
		}
		stub, err := tx.New(dest)
		if err != nil {
			return nil, Result{}, false, err
		}
		if err := stub.Set(attr.Name, pk); err != nil {
			return nil, Result{}, false, err
		}
		return stub, Result{Created: true}, true, nil
	}
	return nil, Result{}, false, nil
}
