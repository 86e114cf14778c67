package bridge

import (
	"context"
	"errors"
	"fmt"

	"github.com/roach88/cloudbridge/internal/cloud"
	"github.com/roach88/cloudbridge/internal/schema"
	"github.com/roach88/cloudbridge/internal/store"
)

// pendingBatch holds the ids of one exact entity's pending objects by
// kind. Objects are re-read right before they are sent, so keys assigned
// by earlier batches are already in their cloud form.
type pendingBatch struct {
	entity  *schema.Entity
	creates []store.ObjectID
	saves   []store.ObjectID
	deletes []store.ObjectID
}

func (p pendingBatch) empty() bool {
	return len(p.creates) == 0 && len(p.saves) == 0 && len(p.deletes) == 0
}

// outgoing is a batch of objects read on the work context, paired with
// their cloud form.
type outgoing struct {
	objs  []*store.Object
	cloud []cloud.Object
}

// ReenableOnlineMode replays every pending change and goes back online
// when all of them were accepted. On failure the bridge stays offline;
// batches that already succeeded stay reconciled.
func (b *OfflineBridge) ReenableOnlineMode(ctx context.Context, completion Completion) error {
	op := b.begin(ctx, opReconcile, nil, nil)

	b.offline.mu.Lock()
	busy := b.offline.reenabling
	b.offline.reenabling = true
	b.offline.mu.Unlock()
	if busy {
		err := op.fail(ErrCodeOffline, ErrReconcileInProgress)
		return op.deliver(err, completion)
	}

	err := b.env.Post(b.work(), func(ctx context.Context) {
		batches, err := b.gather(ctx)
		if err != nil {
			b.endReconcile(op, op.fail(ErrCodeStore, err), completion)
			return
		}
		go func() {
			var sent int
			for _, batch := range batches {
				n, err := b.replay(op, batch)
				sent += n
				if err != nil {
					b.endReconcile(op, err, completion)
					return
				}
			}
			b.logger.Info("offline changes reconciled",
				"request_id", op.requestID,
				"entities", len(batches),
				"objects", sent)
			b.endReconcile(op, nil, completion)
		}()
	})
	if err != nil {
		b.offline.mu.Lock()
		b.offline.reenabling = false
		b.offline.mu.Unlock()
	}
	return err
}

func (b *OfflineBridge) endReconcile(op *operation, err error, completion Completion) {
	b.offline.mu.Lock()
	b.offline.reenabling = false
	if err == nil {
		b.offline.offline = false
	}
	b.offline.mu.Unlock()

	_ = b.env.Post(b.work(), func(ctx context.Context) { b.refreshPending(ctx) })
	op.deliver(err, completion)
}

// gather groups pending objects by exact entity. Tombstones that never
// reached the cloud are purged here since there is nothing to delete
// remotely.
func (b *OfflineBridge) gather(ctx context.Context) ([]pendingBatch, error) {
	objs, err := Pending(ctx, b.store, b.store.Entities())
	if err != nil {
		return nil, err
	}
	var batches []pendingBatch
	index := map[string]int{}
	var orphans []*store.Object
	for _, obj := range objs {
		name := obj.Entity().Name
		i, ok := index[name]
		if !ok {
			i = len(batches)
			index[name] = i
			batches = append(batches, pendingBatch{entity: obj.Entity()})
		}
		batch := &batches[i]
		switch {
		case obj.Bool(store.PendingDeletionKey) && obj.PrimaryKey() == nil:
			orphans = append(orphans, obj)
		case obj.Bool(store.PendingDeletionKey):
			batch.deletes = append(batch.deletes, obj.ID())
		case obj.PrimaryKey() == nil:
			batch.creates = append(batch.creates, obj.ID())
		default:
			batch.saves = append(batch.saves, obj.ID())
		}
	}
	if len(orphans) > 0 {
		if err := b.store.Delete(ctx, orphans...); err != nil {
			return nil, err
		}
	}

	out := batches[:0]
	for _, batch := range batches {
		if !batch.empty() {
			out = append(out, batch)
		}
	}
	return out, nil
}

// replay sends one entity's pending changes, merging after each bulk call
// so a later failure does not resend what the cloud already accepted. It
// runs outside both execution contexts.
func (b *OfflineBridge) replay(op *operation, batch pendingBatch) (int, error) {
	var sent int
	if len(batch.creates) > 0 {
		out, err := b.outgoing(op, batch.creates)
		if err != nil {
			return sent, err
		}
		if len(out.objs) > 0 {
			b.logCall(op, "bulk create", batch.entity, len(out.objs))
			replies, err := b.conn.BulkCreateCloudObjects(op.ctx, out.cloud, out.objs)
			if err != nil {
				return sent, err
			}
			if err := b.mergeBulk(op, batch.entity, out.objs, replies); err != nil {
				return sent, err
			}
			sent += len(out.objs)
		}
	}
	if len(batch.saves) > 0 {
		out, err := b.outgoing(op, batch.saves)
		if err != nil {
			return sent, err
		}
		if len(out.objs) > 0 {
			b.logCall(op, "bulk save", batch.entity, len(out.objs))
			replies, err := b.conn.BulkSaveCloudObjects(op.ctx, out.cloud, out.objs)
			if err != nil {
				return sent, err
			}
			if err := b.mergeBulk(op, batch.entity, out.objs, replies); err != nil {
				return sent, err
			}
			sent += len(out.objs)
		}
	}
	if len(batch.deletes) > 0 {
		out, err := b.outgoing(op, batch.deletes)
		if err != nil {
			return sent, err
		}
		if len(out.objs) > 0 {
			b.logCall(op, "bulk delete", batch.entity, len(out.objs))
			deleted, err := b.conn.BulkDeleteCloudObjects(op.ctx, out.cloud, out.objs)
			if err != nil {
				return sent, err
			}
			if err := b.mergeDeleted(op, out.objs, deleted); err != nil {
				return sent, err
			}
			sent += len(out.objs)
		}
	}
	return sent, nil
}

func (b *OfflineBridge) logCall(op *operation, call string, entity *schema.Entity, n int) {
	b.logger.Debug("replaying offline changes",
		"call", call,
		"entity", entity.Name,
		"objects", n,
		"request_id", op.requestID)
}

// outgoing reads ids on the work context and builds their cloud objects.
// Objects deleted since gathering are dropped.
func (b *OfflineBridge) outgoing(op *operation, ids []store.ObjectID) (outgoing, error) {
	var out outgoing
	err := b.env.Run(op.ctx, b.work(), func(ctx context.Context) error {
		for _, id := range ids {
			obj, err := b.store.Get(ctx, id)
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			if err != nil {
				return op.fail(ErrCodeStore, err)
			}
			out.objs = append(out.objs, obj)
			out.cloud = append(out.cloud, b.transformer.CloudObjectFromPersistentObject(ctx, b.store, obj))
		}
		return nil
	})
	return out, err
}

// mergeBulk applies bulk create or save replies, which are parallel to
// sent. An object edited again after it was read keeps its marker and
// only takes the server's primary key, so its newer state goes out with
// the next reconciliation.
func (b *OfflineBridge) mergeBulk(op *operation, entity *schema.Entity, sent []*store.Object, replies []cloud.Object) error {
	if len(replies) != len(sent) {
		return op.fail(ErrCodeTransport,
			fmt.Errorf("bulk reply for %s has %d objects, sent %d", entity.Name, len(replies), len(sent)))
	}
	return b.env.Run(op.ctx, b.work(), func(ctx context.Context) error {
		err := b.store.Transaction(ctx, func(ctx context.Context, tx *store.Tx) error {
			for i, obj := range sent {
				editable, err := tx.Edit(obj)
				if errors.Is(err, store.ErrObjectDeleted) {
					b.logger.Debug("reconciled object deleted locally",
						"object", obj.ID().String(),
						"request_id", op.requestID)
					continue
				}
				if err != nil {
					return err
				}
				if err := b.applyBulkReply(ctx, tx, op, obj, editable, replies[i]); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return op.fail(ErrCodeStore, err)
		}
		return nil
	})
}

func (b *OfflineBridge) applyBulkReply(ctx context.Context, tx *store.Tx, op *operation, sent, editable *store.Object, reply cloud.Object) error {
	if editable.Version() != sent.Version() {
		if reply == nil || editable.PrimaryKey() != nil {
			return nil
		}
		attr := editable.Entity().IdentifierAttribute()
		if pk := b.transformer.PrimaryKey(reply, editable.Entity()); pk != nil && attr != nil {
			return editable.Set(attr.Name, pk)
		}
		return nil
	}
	if reply != nil {
		res, err := b.transformer.UpdatePersistentObject(ctx, tx, editable, reply)
		if err != nil {
			return err
		}
		op.logSkipped(editable, res)
	}
	return editable.Set(store.PendingChangesKey, false)
}

// mergeDeleted removes every local object the cloud reported deleted.
// Identifiers are matched against the sent tombstones first and then
// looked up by primary key, since the row may already be gone or may have
// been deleted under another name.
func (b *OfflineBridge) mergeDeleted(op *operation, sent []*store.Object, deleted []cloud.DeletedObjectIdentifier) error {
	return b.env.Run(op.ctx, b.work(), func(ctx context.Context) error {
		err := b.store.Transaction(ctx, func(ctx context.Context, tx *store.Tx) error {
			matched := make([]bool, len(deleted))
			for _, obj := range sent {
				confirmed := false
				for j, id := range deleted {
					if !matched[j] && id.Matches(obj) {
						matched[j], confirmed = true, true
						break
					}
				}
				if !confirmed {
					b.logger.Warn("deletion not confirmed by cloud",
						"object", obj.ID().String(),
						"request_id", op.requestID)
					continue
				}
				if err := tx.Delete(obj); err != nil {
					return err
				}
			}
			for j, id := range deleted {
				if matched[j] {
					continue
				}
				if err := b.purge(ctx, tx, id); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return op.fail(ErrCodeStore, err)
		}
		return nil
	})
}

func (b *OfflineBridge) purge(ctx context.Context, tx *store.Tx, id cloud.DeletedObjectIdentifier) error {
	entity := b.store.EntityForType(id.EntityName)
	if entity == nil {
		return nil
	}
	pk := id.CloudIdentifier
	if v, ok := pk.(cloud.Value); ok {
		pk = cloud.ToGo(v)
	}
	if pk == nil {
		return nil
	}
	// Tombstones are invisible to ObjectWithPrimaryKey.
	attr := entity.IdentifierAttribute()
	if attr == nil {
		return nil
	}
	found, err := tx.IndexedObjects(ctx, entity, []any{pk}, attr.Name)
	if err != nil {
		return err
	}
	for _, obj := range found {
		if err := tx.Delete(obj); err != nil {
			return err
		}
	}
	return nil
}
