package store

import (
	"cmp"
	"context"
	"fmt"
	"slices"

	"github.com/google/uuid"

	"github.com/roach88/cloudbridge/internal/schema"
)

// Tx is a write transaction. It is not safe for concurrent use: the
// goroutine that opened it owns it until Commit or Rollback.
type Tx struct {
	store *Memory
	ctx   context.Context
	id    string

	objects  map[ObjectID]*Object
	order    []ObjectID
	inserted map[ObjectID]bool
	deleted  map[ObjectID]bool
	done     bool
}

var _ Reader = (*Tx)(nil)

func newTx(ctx context.Context, m *Memory) *Tx {
	return &Tx{
		store:    m,
		ctx:      ctx,
		id:       uuid.NewString(),
		objects:  make(map[ObjectID]*Object),
		inserted: make(map[ObjectID]bool),
		deleted:  make(map[ObjectID]bool),
	}
}

// ID identifies the transaction in logs.
func (tx *Tx) ID() string { return tx.id }

// Done reports whether the transaction has been committed or rolled back.
func (tx *Tx) Done() bool { return tx.done }

// New creates an object of entity. The object exists only inside tx until
// commit.
func (tx *Tx) New(entity *schema.Entity) (*Object, error) {
	if tx.done {
		return nil, ErrTxDone
	}
	if err := tx.store.checkEntity(entity); err != nil {
		return nil, err
	}
	id := ObjectID{Entity: entity.Name, Row: tx.store.nextRow.Add(1)}
	o := &Object{id: id, entity: entity, values: make(map[string]any), tx: tx}
	tx.track(o)
	tx.inserted[id] = true
	return o, nil
}

// Edit returns the transaction's editable copy of obj, making one on first
// use. Editing an object deleted in this transaction or in the store fails
// with ErrObjectDeleted.
func (tx *Tx) Edit(obj *Object) (*Object, error) {
	if tx.done {
		return nil, ErrTxDone
	}
	if obj == nil {
		return nil, fmt.Errorf("store: edit nil object")
	}
	return tx.edit(obj.id)
}

func (tx *Tx) edit(id ObjectID) (*Object, error) {
	if tx.deleted[id] {
		return nil, fmt.Errorf("%w: %s", ErrObjectDeleted, id)
	}
	if o, ok := tx.objects[id]; ok {
		return o, nil
	}
	snap, err := tx.store.Get(tx.ctx, id)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrObjectDeleted, id)
	}
	o := &Object{
		id:      id,
		entity:  snap.entity,
		values:  cloneValues(snap.values),
		version: snap.version,
		tx:      tx,
	}
	tx.track(o)
	return o, nil
}

func (tx *Tx) track(o *Object) {
	tx.objects[o.id] = o
	tx.order = append(tx.order, o.id)
}

// Delete marks objects for deletion and cascades along relationships
// flagged CascadeDelete. Objects already gone are ignored.
func (tx *Tx) Delete(objs ...*Object) error {
	if tx.done {
		return ErrTxDone
	}
	for _, o := range objs {
		if o == nil {
			continue
		}
		if err := tx.deleteID(o.id); err != nil {
			return err
		}
	}
	return nil
}

// Tombstone records a deletion that still has to reach the cloud. It walks
// the same cascade closure as Delete: objects for which keep reports true
// are flagged with PendingDeletionKey and stay stored, the others are
// deleted. Either way they disappear from Fetch and ObjectWithPrimaryKey.
func (tx *Tx) Tombstone(obj *Object, keep func(*Object) bool) error {
	if tx.done {
		return ErrTxDone
	}
	if obj == nil {
		return nil
	}
	closure, err := tx.cascadeClosure(obj.id, nil, map[ObjectID]bool{})
	if err != nil {
		return err
	}
	for _, cur := range closure {
		if !keep(cur) {
			tx.deleted[cur.id] = true
			continue
		}
		o, err := tx.edit(cur.id)
		if err != nil {
			return err
		}
		if err := o.Set(PendingDeletionKey, true); err != nil {
			return err
		}
	}
	return nil
}

// cascadeClosure lists id and everything Delete would cascade to, root
// first. Objects already gone are skipped.
func (tx *Tx) cascadeClosure(id ObjectID, out []*Object, seen map[ObjectID]bool) ([]*Object, error) {
	if seen[id] {
		return out, nil
	}
	seen[id] = true
	cur, err := tx.Get(tx.ctx, id)
	if err != nil {
		return out, nil
	}
	out = append(out, cur)
	for _, rel := range cur.entity.AllRelationships() {
		if !rel.CascadeDelete {
			continue
		}
		for _, target := range cur.RelatedIDs(rel.Name) {
			if out, err = tx.cascadeClosure(target, out, seen); err != nil {
				return nil, err
			}
		}
	}
	return out, nil
}

func (tx *Tx) deleteID(id ObjectID) error {
	if tx.deleted[id] {
		return nil
	}
	cur, err := tx.Get(tx.ctx, id)
	if err != nil {
		// Already deleted in the store.
		return nil
	}
	tx.deleted[id] = true
	for _, rel := range cur.entity.AllRelationships() {
		if !rel.CascadeDelete {
			continue
		}
		for _, target := range cur.RelatedIDs(rel.Name) {
			if err := tx.deleteID(target); err != nil {
				return err
			}
		}
	}
	return nil
}

// Get returns the transaction's view of id.
func (tx *Tx) Get(ctx context.Context, id ObjectID) (*Object, error) {
	if tx.deleted[id] {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if o, ok := tx.objects[id]; ok {
		return o, nil
	}
	return tx.store.Get(ctx, id)
}

// visible lists the transaction's view of entity's objects in row order.
func (tx *Tx) visible(entity *schema.Entity, exact bool) []*Object {
	committed := tx.store.committed(entity, exact)
	out := make([]*Object, 0, len(committed))
	for _, o := range committed {
		if tx.deleted[o.id] {
			continue
		}
		if own, ok := tx.objects[o.id]; ok {
			out = append(out, own)
			continue
		}
		out = append(out, o)
	}
	for _, id := range tx.order {
		if !tx.inserted[id] || tx.deleted[id] {
			continue
		}
		o := tx.objects[id]
		if matchesEntity(o.entity, entity, exact) {
			out = append(out, o)
		}
	}
	return out
}

func (tx *Tx) ObjectWithPrimaryKey(ctx context.Context, entity *schema.Entity, pk any) (*Object, error) {
	if err := tx.store.checkEntity(entity); err != nil {
		return nil, err
	}
	return objectWithPrimaryKey(tx.visible(entity, false), entity, pk), nil
}

func (tx *Tx) IndexedObjects(ctx context.Context, entity *schema.Entity, values []any, attribute string) (map[any]*Object, error) {
	if err := tx.store.checkEntity(entity); err != nil {
		return nil, err
	}
	return indexObjects(tx.visible(entity, false), values, attribute), nil
}

func (tx *Tx) Fetch(ctx context.Context, req FetchRequest) ([]*Object, error) {
	if err := tx.store.checkEntity(req.Entity); err != nil {
		return nil, err
	}
	return filterAndSort(tx.visible(req.Entity, req.ExactEntity), req), nil
}

// Rollback discards every change. Calling it after Commit is a no-op.
func (tx *Tx) Rollback() {
	if tx.done {
		return
	}
	tx.finish()
}

func (tx *Tx) finish() {
	tx.done = true
	tx.store.release()
}

// Commit publishes the transaction. Objects whose values did not change
// keep their version; if nothing changed no commit sequence is used and
// watchers are not notified.
func (tx *Tx) Commit() error {
	if tx.done {
		return ErrTxDone
	}
	cs, err := tx.prepare()
	if err != nil {
		tx.finish()
		return err
	}
	if cs.Empty() {
		tx.finish()
		return nil
	}
	cs.Seq = tx.store.clock.Next()
	for i := range cs.Upserts {
		cs.Upserts[i].Version = cs.Seq
	}
	if p := tx.store.persister; p != nil {
		if err := p.Persist(tx.ctx, cs); err != nil {
			tx.finish()
			tx.store.logger.Error("commit failed",
				"tx", tx.id,
				"seq", cs.Seq,
				"error", err)
			return fmt.Errorf("store: commit: %w", err)
		}
	}
	tx.store.publish(cs)
	tx.finish()

	tx.store.logger.Debug("committed",
		"tx", tx.id,
		"seq", cs.Seq,
		"upserts", len(cs.Upserts),
		"deletes", len(cs.Deletes))
	tx.store.notify(cs.Seq)
	return nil
}

// prepare maintains inverses and computes the change set.
func (tx *Tx) prepare() (ChangeSet, error) {
	if err := tx.syncInverses(); err != nil {
		return ChangeSet{}, err
	}

	var cs ChangeSet
	for _, id := range tx.order {
		if tx.deleted[id] {
			continue
		}
		o := tx.objects[id]
		if !tx.inserted[id] {
			prev, err := tx.store.Get(tx.ctx, id)
			if err == nil && valueMapsEqual(prev.values, o.values) {
				continue
			}
		}
		cs.Upserts = append(cs.Upserts, Record{ID: id, Values: compactValues(o.values)})
	}
	for id := range tx.deleted {
		if tx.inserted[id] {
			continue
		}
		cs.Deletes = append(cs.Deletes, id)
	}
	slices.SortFunc(cs.Deletes, func(a, b ObjectID) int { return cmp.Compare(a.Row, b.Row) })
	return cs, nil
}

func compactValues(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		if v != nil {
			out[k] = v
		}
	}
	return out
}

// syncInverses makes every relationship with an inverse agree with it.
// Changes are diffed against the committed state; edits made here to
// maintain inverses are idempotent, so later passes over those objects
// find nothing left to do.
func (tx *Tx) syncInverses() error {
	for i := 0; i < len(tx.order); i++ {
		id := tx.order[i]
		if tx.deleted[id] {
			continue
		}
		o := tx.objects[id]
		var before *Object
		if !tx.inserted[id] {
			before, _ = tx.store.Get(tx.ctx, id)
		}
		for _, rel := range o.entity.AllRelationships() {
			inv := rel.InverseRelationship()
			if inv == nil {
				continue
			}
			now := o.RelatedIDs(rel.Name)
			var was []ObjectID
			if before != nil {
				was = before.RelatedIDs(rel.Name)
			}
			for _, target := range was {
				if !slices.Contains(now, target) {
					if err := tx.unlink(target, inv, id); err != nil {
						return err
					}
				}
			}
			for _, target := range now {
				if err := tx.link(target, inv, id); err != nil {
					return err
				}
			}
		}
	}

	// Deleted objects disappear from everything that pointed at them.
	for id := range tx.deleted {
		snap, err := tx.store.Get(tx.ctx, id)
		if err != nil {
			continue
		}
		for _, rel := range snap.entity.AllRelationships() {
			inv := rel.InverseRelationship()
			if inv == nil {
				continue
			}
			for _, target := range snap.RelatedIDs(rel.Name) {
				if err := tx.unlink(target, inv, id); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// link makes target.rel include source. For a to-one rel this replaces
// the previous value, and the displaced object loses target from its side.
func (tx *Tx) link(target ObjectID, rel *schema.Relationship, source ObjectID) error {
	if tx.deleted[target] {
		return nil
	}
	t, err := tx.edit(target)
	if err != nil {
		return nil
	}
	if rel.ToMany {
		ids := t.RelatedIDs(rel.Name)
		if !slices.Contains(ids, source) {
			t.values[rel.Name] = append(ids, source)
		}
		return nil
	}
	prev, ok := t.RelatedID(rel.Name)
	if ok && prev == source {
		return nil
	}
	t.values[rel.Name] = source
	if ok {
		if back := rel.InverseRelationship(); back != nil {
			return tx.unlink(prev, back, target)
		}
	}
	return nil
}

// unlink removes source from target.rel.
func (tx *Tx) unlink(target ObjectID, rel *schema.Relationship, source ObjectID) error {
	if tx.deleted[target] {
		return nil
	}
	if cur, err := tx.Get(tx.ctx, target); err != nil || !slices.Contains(cur.RelatedIDs(rel.Name), source) {
		return nil
	}
	t, err := tx.edit(target)
	if err != nil {
		return nil
	}
	if !rel.ToMany {
		delete(t.values, rel.Name)
		return nil
	}
	ids := slices.DeleteFunc(t.RelatedIDs(rel.Name), func(id ObjectID) bool { return id == source })
	if len(ids) == 0 {
		delete(t.values, rel.Name)
	} else {
		t.values[rel.Name] = ids
	}
	return nil
}
