package store

import (
	"context"
	"errors"

	"github.com/roach88/cloudbridge/internal/schema"
)

var (
	// ErrNotInTransaction is returned by setters on committed snapshots.
	ErrNotInTransaction = errors.New("store: object is not editable outside a transaction")
	// ErrTxDone is returned when a committed or rolled back Tx is used.
	ErrTxDone = errors.New("store: transaction already finished")
	// ErrTransactionInProgress is returned by Begin when ctx already
	// carries an open transaction of the same store.
	ErrTransactionInProgress = errors.New("store: transaction already in progress")
	// ErrObjectDeleted is returned when editing a deleted object.
	ErrObjectDeleted = errors.New("store: object deleted")
	// ErrNotFound is returned by Get for unknown ids.
	ErrNotFound = errors.New("store: object not found")
	// ErrUnknownEntity is returned for entities outside the registry.
	ErrUnknownEntity = errors.New("store: unknown entity")
	// ErrUnknownProperty is returned when setting an undeclared key.
	ErrUnknownProperty = errors.New("store: unknown property")
	// ErrTypeMismatch is returned when a value does not fit the attribute.
	ErrTypeMismatch = errors.New("store: value does not match attribute type")
)

// Bookkeeping attributes used by the offline-capable bridge. Entities
// that declare both as boolean attributes can queue changes offline.
const (
	PendingChangesKey  = "hasPendingCloudBridgeChanges"
	PendingDeletionKey = "hasPendingCloudBridgeDeletion"
)

// IsBookkeepingKey reports whether key is a local-only bookkeeping
// attribute that never travels to the cloud.
func IsBookkeepingKey(key string) bool {
	return key == PendingChangesKey || key == PendingDeletionKey
}

// Reader is the read side shared by stores and transactions. A Tx reads
// its own uncommitted writes.
type Reader interface {
	Get(ctx context.Context, id ObjectID) (*Object, error)
	// ObjectWithPrimaryKey returns nil and no error when nothing matches.
	// Objects waiting for an offline deletion never match.
	ObjectWithPrimaryKey(ctx context.Context, entity *schema.Entity, pk any) (*Object, error)
	// IndexedObjects finds the objects of entity (and its subentities)
	// whose attribute equals one of values. The result is keyed by
	// IndexKey of the matched value and never contains extra objects.
	// Objects waiting for an offline deletion are included.
	IndexedObjects(ctx context.Context, entity *schema.Entity, values []any, attribute string) (map[any]*Object, error)
	Fetch(ctx context.Context, req FetchRequest) ([]*Object, error)
}

// Store is the persistent store interface consumed by the bridge.
type Store interface {
	Reader

	Registry() *schema.Registry
	Entities() []*schema.Entity
	EntitiesByName() map[string]*schema.Entity
	EntityForType(name string) *schema.Entity
	InverseRelationship(entity *schema.Entity, relationship string) *schema.Relationship

	// Begin opens a write transaction, waiting for the writer lock.
	Begin(ctx context.Context) (*Tx, error)
	// Transaction runs fn in a transaction and commits when fn returns
	// nil. When ctx already carries an open transaction of this store fn
	// joins it instead.
	Transaction(ctx context.Context, fn func(ctx context.Context, tx *Tx) error) error
	// Mutate edits one object in its own transaction and returns the
	// committed snapshot.
	Mutate(ctx context.Context, obj *Object, fn func(*Object) error) (*Object, error)
	// Delete removes objects, cascading per relationship rules. Deleting
	// an object twice is not an error.
	Delete(ctx context.Context, objs ...*Object) error

	Watch(req FetchRequest, block func([]*Object, Change), opts ...WatchOption) (*Token, error)
}

// SortDescriptor orders fetch results by one attribute.
type SortDescriptor struct {
	Key        string
	Descending bool
}

// FetchRequest describes a query over one entity.
type FetchRequest struct {
	Entity    *schema.Entity
	Predicate Predicate
	SortBy    []SortDescriptor
	Limit     int

	// ExactEntity excludes objects of subentities.
	ExactEntity bool
	// IncludePendingDeletions keeps objects whose pending deletion flag
	// is set. They are hidden by default.
	IncludePendingDeletions bool
}

type txKey struct{}

// ContextWithTx returns ctx carrying tx. Transaction does this for fn.
func ContextWithTx(ctx context.Context, tx *Tx) context.Context {
	return context.WithValue(ctx, txKey{}, tx)
}

// TxFromContext returns the open transaction carried by ctx, if any.
func TxFromContext(ctx context.Context) *Tx {
	if ctx == nil {
		return nil
	}
	tx, _ := ctx.Value(txKey{}).(*Tx)
	if tx == nil || tx.done {
		return nil
	}
	return tx
}
