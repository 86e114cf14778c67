package cloud

import (
	"context"
	"errors"
	"fmt"

	"github.com/roach88/cloudbridge/internal/schema"
	"github.com/roach88/cloudbridge/internal/store"
)

// ErrUnreachable is reported by connections when the backend cannot be
// reached at all. The offline-capable bridge treats it as a signal to
// queue the change locally.
var ErrUnreachable = errors.New("cloud: backend unreachable")

// IsUnreachable reports whether err wraps ErrUnreachable.
func IsUnreachable(err error) bool {
	return errors.Is(err, ErrUnreachable)
}

// UserInfo carries connection-specific options through bridge calls, such
// as a URL override. The bridge never interprets it.
type UserInfo map[string]any

// Connection talks to one cloud backend. Implementations block until the
// remote call completes and return transport failures as errors; the
// bridge calls them outside any store transaction.
type Connection interface {
	FetchCloudObjects(ctx context.Context, entity *schema.Entity, predicate store.Predicate, userInfo UserInfo) ([]Object, error)
	CreateCloudObject(ctx context.Context, obj Object, persistent *store.Object, userInfo UserInfo) (Object, error)
	LatestCloudObject(ctx context.Context, persistent *store.Object, userInfo UserInfo) (Object, error)
	SaveCloudObject(ctx context.Context, obj Object, persistent *store.Object, userInfo UserInfo) (Object, error)
	DeleteCloudObject(ctx context.Context, obj Object, persistent *store.Object, userInfo UserInfo) error
}

// OfflineConnection adds the bulk calls used to replay queued changes.
// objs and persistent are parallel slices of one entity type.
type OfflineConnection interface {
	Connection
	BulkCreateCloudObjects(ctx context.Context, objs []Object, persistent []*store.Object) ([]Object, error)
	BulkSaveCloudObjects(ctx context.Context, objs []Object, persistent []*store.Object) ([]Object, error)
	BulkDeleteCloudObjects(ctx context.Context, objs []Object, persistent []*store.Object) ([]DeletedObjectIdentifier, error)
}

// DeletedObjectIdentifier names a remotely deleted object by its cloud
// primary key, so bulk delete results can be matched to local rows that
// may already be gone.
type DeletedObjectIdentifier struct {
	CloudIdentifier any
	EntityName      string
}

// Matches reports whether the identifier refers to obj.
func (d DeletedObjectIdentifier) Matches(obj *store.Object) bool {
	if obj == nil || obj.Entity() == nil || obj.Entity().Name != d.EntityName {
		return false
	}
	pk, id := obj.PrimaryKey(), d.CloudIdentifier
	if v, ok := id.(Value); ok {
		id = ToGo(v)
	}
	if pk == nil || id == nil {
		return false
	}
	return fmt.Sprint(store.IndexKey(pk)) == fmt.Sprint(store.IndexKey(id))
}

func (d DeletedObjectIdentifier) String() string {
	return fmt.Sprintf("%s(%v)", d.EntityName, d.CloudIdentifier)
}
