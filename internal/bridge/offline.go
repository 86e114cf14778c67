package bridge

import (
	"context"
	"sync"

	"github.com/roach88/cloudbridge/internal/cloud"
	"github.com/roach88/cloudbridge/internal/schema"
	"github.com/roach88/cloudbridge/internal/store"
	"github.com/roach88/cloudbridge/internal/threading"
)

// offlineState is the only mutable state the bridge guards itself. A nil
// *offlineState is a bridge that is always online.
type offlineState struct {
	mu         sync.Mutex
	offline    bool
	reenabling bool
}

func (s *offlineState) isOffline() bool {
	if s == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.offline
}

// takeOffline switches to offline mode when err reports an unreachable
// backend and tells the caller to queue the change locally.
func (s *offlineState) takeOffline(err error) bool {
	if s == nil || !cloud.IsUnreachable(err) {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.offline = true
	return true
}

// OfflineBridge is a Bridge that keeps working without the backend.
//
// While offline, create, save and delete skip the connection. Creates and
// saves set the pending-changes marker on the object; deletes remove
// objects that never reached the cloud and tombstone the rest with the
// pending-deletion marker, which hides them from fetches. A connection
// error wrapping cloud.ErrUnreachable switches the bridge offline and
// queues the failed change the same way.
//
// ReenableOnlineMode replays everything pending with one bulk call per
// entity and kind. Only the latest local state is sent: an object created
// offline and saved afterwards goes out once, as a create.
type OfflineBridge struct {
	*Bridge
	conn cloud.OfflineConnection
}

// NewOffline creates an OfflineBridge. It starts online.
func NewOffline(conn cloud.OfflineConnection, s store.Store, env *threading.Environment, opts ...Option) *OfflineBridge {
	b := New(conn, s, env, opts...)
	b.offline = &offlineState{}
	return &OfflineBridge{Bridge: b, conn: conn}
}

// EnableOfflineMode makes create, save and delete local-only until
// ReenableOnlineMode succeeds.
func (b *OfflineBridge) EnableOfflineMode() {
	b.offline.mu.Lock()
	defer b.offline.mu.Unlock()
	if !b.offline.offline {
		b.logger.Info("offline mode enabled")
	}
	b.offline.offline = true
}

// IsOffline reports whether changes are currently queued locally.
func (b *OfflineBridge) IsOffline() bool { return b.offline.isOffline() }

// IsReenabling reports whether a reconciliation is running.
func (b *OfflineBridge) IsReenabling() bool {
	b.offline.mu.Lock()
	defer b.offline.mu.Unlock()
	return b.offline.reenabling
}

// OfflineCapable reports whether entity declares both pending markers.
func OfflineCapable(entity *schema.Entity) bool {
	return entity != nil &&
		entity.Attribute(store.PendingChangesKey) != nil &&
		entity.Attribute(store.PendingDeletionKey) != nil
}

// Pending returns every object waiting for reconciliation, tombstones
// included, grouped by exact entity in registry order.
func Pending(ctx context.Context, r store.Reader, entities []*schema.Entity) ([]*store.Object, error) {
	var out []*store.Object
	for _, entity := range entities {
		if !OfflineCapable(entity) {
			continue
		}
		objs, err := r.Fetch(ctx, store.FetchRequest{
			Entity:                  entity,
			Predicate:               store.HasPendingChanges(),
			ExactEntity:             true,
			IncludePendingDeletions: true,
		})
		if err != nil {
			return nil, err
		}
		out = append(out, objs...)
	}
	return out, nil
}

// queueLocally is the offline form of create and save. cause is the
// connection error that took the bridge offline, if any; entities that
// cannot queue changes get it back unchanged.
func (b *Bridge) queueLocally(ctx context.Context, op *operation, local *store.Object, cause error, completion ObjectCompletion) {
	if !OfflineCapable(local.Entity()) {
		op.deliverObject(nil, b.notQueueable(op, cause), completion)
		return
	}
	err := b.store.Transaction(ctx, func(ctx context.Context, tx *store.Tx) error {
		obj, err := tx.Edit(local)
		if err != nil {
			return err
		}
		return obj.Set(store.PendingChangesKey, true)
	})
	if err != nil {
		op.deliverObject(nil, op.fail(ErrCodeStore, err), completion)
		return
	}
	obj, err := b.store.Get(ctx, local.ID())
	if err != nil {
		op.deliverObject(nil, op.fail(ErrCodeStore, err), completion)
		return
	}
	op.outcome = outcomeOffline
	b.refreshPending(ctx)
	op.deliverObject(obj, nil, completion)
}

// deleteLocally is the offline form of delete.
func (b *Bridge) deleteLocally(ctx context.Context, op *operation, local *store.Object, cause error, completion Completion) {
	if !OfflineCapable(local.Entity()) {
		op.deliver(b.notQueueable(op, cause), completion)
		return
	}
	// Cascaded objects the cloud knows about are tombstoned like the root.
	// The rest never left the store and are deleted outright.
	err := b.store.Transaction(ctx, func(ctx context.Context, tx *store.Tx) error {
		return tx.Tombstone(local, func(o *store.Object) bool {
			return o.PrimaryKey() != nil && OfflineCapable(o.Entity())
		})
	})
	if err != nil {
		op.deliver(op.fail(ErrCodeStore, err), completion)
		return
	}
	op.outcome = outcomeOffline
	b.refreshPending(ctx)
	op.deliver(nil, completion)
}

func (b *Bridge) notQueueable(op *operation, cause error) error {
	if cause != nil {
		return cause
	}
	return op.fail(ErrCodeOffline, ErrNotOfflineCapable)
}

func (b *Bridge) refreshPending(ctx context.Context) {
	if b.metrics == nil {
		return
	}
	objs, err := Pending(ctx, b.store, b.store.Entities())
	if err != nil {
		b.logger.Warn("counting pending objects failed", "error", err)
		return
	}
	b.metrics.setPending(len(objs))
}
