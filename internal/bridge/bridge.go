package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/roach88/cloudbridge/internal/cloud"
	"github.com/roach88/cloudbridge/internal/mapping"
	"github.com/roach88/cloudbridge/internal/schema"
	"github.com/roach88/cloudbridge/internal/store"
	"github.com/roach88/cloudbridge/internal/threading"
	"github.com/roach88/cloudbridge/internal/transform"
)

// Hooks are the per-entity lifecycle callbacks the bridge runs while
// converting objects.
type Hooks = transform.Hooks

// HookSet registers Hooks by entity name.
type HookSet = transform.HookSet

// Operation names used in logs, metrics and errors.
const (
	opFetch             = "fetch"
	opFetchRelationship = "fetch_relationship"
	opCreate            = "create"
	opReload            = "reload"
	opSave              = "save"
	opDelete            = "delete"
	opReconcile         = "reconcile"
)

// FetchCompletion receives the merged objects of a fetch.
type FetchCompletion func(ctx context.Context, objs []*store.Object, err error)

// ObjectCompletion receives the merged object of a create, reload or save.
type ObjectCompletion func(ctx context.Context, obj *store.Object, err error)

// Completion receives the outcome of a delete or a reconciliation.
type Completion func(ctx context.Context, err error)

// Option configures a Bridge.
type Option func(*Bridge)

// WithTransformer sets the transformer. It takes precedence over
// WithMapping, WithHooks and WithDateLayout.
func WithTransformer(t *transform.Transformer) Option {
	return func(b *Bridge) { b.transformer = t }
}

// WithMapping sets the property mapping of the default transformer.
func WithMapping(m mapping.PropertyMapping) Option {
	return func(b *Bridge) { b.mapping = m }
}

// WithHooks registers lifecycle hooks on the default transformer.
func WithHooks(hooks HookSet) Option {
	return func(b *Bridge) { b.hooks = hooks }
}

// WithDateLayout sets the date layout of the default transformer.
func WithDateLayout(layout string) Option {
	return func(b *Bridge) { b.dateLayout = layout }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Bridge) { b.logger = l }
}

// WithMetrics records operation metrics.
func WithMetrics(m *Metrics) Option {
	return func(b *Bridge) { b.metrics = m }
}

// WithRequestIDs sets the request id generator. Defaults to UUIDv7.
func WithRequestIDs(g RequestIDGenerator) Option {
	return func(b *Bridge) { b.ids = g }
}

// WithTransformsOnMain runs transformation and merge transactions on the
// main context instead of the background context.
func WithTransformsOnMain(on bool) Option {
	return func(b *Bridge) { b.transformsOnMain = on }
}

// CallOption configures one operation.
type CallOption func(*callOptions)

type callOptions struct {
	userInfo   cloud.UserInfo
	completeOn threading.ContextID
}

// WithUserInfo passes a free-form bag through to the connection.
func WithUserInfo(info cloud.UserInfo) CallOption {
	return func(o *callOptions) { o.userInfo = info }
}

// CompleteOn delivers the completion on id instead of the caller's
// context.
func CompleteOn(id threading.ContextID) CallOption {
	return func(o *callOptions) { o.completeOn = id }
}

// Bridge synchronizes store objects with a cloud connection.
//
// Every operation runs in four steps: the caller's objects move to the
// work context, the connection is called on its own goroutine, the reply
// is merged in one store transaction on the work context, and the result
// moves back to the caller's context where the completion runs. No
// transaction is open while the connection is called.
//
// Completions are delivered exactly once. Errors from the connection are
// passed through unchanged; everything else is an *Error. The returned
// error of an operation method is non-nil only when the operation could
// not be scheduled, in which case the completion is never called.
type Bridge struct {
	conn        cloud.Connection
	store       store.Store
	env         *threading.Environment
	transformer *transform.Transformer
	logger      *slog.Logger
	metrics     *Metrics
	ids         RequestIDGenerator

	mapping          mapping.PropertyMapping
	hooks            HookSet
	dateLayout       string
	transformsOnMain bool

	// offline is set by NewOffline.
	offline *offlineState
}

// New creates a Bridge over conn and s. env must resolve objects from s.
func New(conn cloud.Connection, s store.Store, env *threading.Environment, opts ...Option) *Bridge {
	b := &Bridge{
		conn:   conn,
		store:  s,
		env:    env,
		logger: slog.Default(),
		ids:    UUIDv7Generator{},
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.transformer == nil {
		topts := []transform.Option{transform.WithHooks(b.hooks), transform.WithLogger(b.logger)}
		if b.dateLayout != "" {
			topts = append(topts, transform.WithDateLayout(b.dateLayout))
		}
		b.transformer = transform.New(b.mapping, topts...)
	}
	return b
}

// Store returns the store the bridge merges into.
func (b *Bridge) Store() store.Store { return b.store }

// Transformer returns the transformer used for conversions.
func (b *Bridge) Transformer() *transform.Transformer { return b.transformer }

// Fetch fetches every object of entity from the cloud and merges them.
func (b *Bridge) Fetch(ctx context.Context, entity *schema.Entity, completion FetchCompletion, opts ...CallOption) error {
	return b.FetchWithPredicate(ctx, entity, nil, completion, opts...)
}

// FetchWithUserInfo fetches with a predicate and a user info bag.
func (b *Bridge) FetchWithUserInfo(ctx context.Context, entity *schema.Entity, predicate store.Predicate, userInfo cloud.UserInfo, completion FetchCompletion) error {
	return b.FetchWithPredicate(ctx, entity, predicate, completion, WithUserInfo(userInfo))
}

// FetchWithPredicate fetches the objects of entity matching predicate and
// merges them. Results are in reply order without duplicates; objects
// pending local deletion are left out.
func (b *Bridge) FetchWithPredicate(ctx context.Context, entity *schema.Entity, predicate store.Predicate, completion FetchCompletion, opts ...CallOption) error {
	op := b.begin(ctx, opFetch, entity, opts)
	if err := b.checkEntity(entity); err != nil {
		return op.deliverObjects(nil, op.fail(ErrCodeSchema, err), completion)
	}
	return b.env.Post(b.work(), func(context.Context) {
		callRemote(op, func(ctx context.Context) ([]cloud.Object, error) {
			return b.conn.FetchCloudObjects(ctx, entity, predicate, op.userInfo)
		}, func(ctx context.Context, cs []cloud.Object, err error) {
			if err != nil {
				op.deliverObjects(nil, err, completion)
				return
			}
			objs, err := b.mergeFetched(ctx, op, cs, entity, nil)
			op.deliverObjects(objs, err, completion)
		})
	})
}

// FetchRelationship fetches the objects related to obj through the named
// relationship by querying the destination entity for objects whose
// inverse points at obj. The inverse must be to-one. Fetched objects are
// linked to obj even when the reply does not include the inverse.
func (b *Bridge) FetchRelationship(ctx context.Context, obj *store.Object, relationship string, completion FetchCompletion, opts ...CallOption) error {
	if obj == nil {
		return errNilObject
	}
	rel := obj.Entity().Relationship(relationship)
	var dest *schema.Entity
	if rel != nil {
		dest = rel.DestinationEntity()
	}
	op := b.begin(ctx, opFetchRelationship, dest, opts)
	if rel == nil || dest == nil {
		return op.deliverObjects(nil, op.fail(ErrCodeSchema,
			fmt.Errorf("%s has no relationship %q", obj.Entity().Name, relationship)), completion)
	}
	inverse := rel.InverseRelationship()
	if inverse == nil || inverse.ToMany {
		return op.deliverObjects(nil, op.fail(ErrCodeSchema,
			fmt.Errorf("%s.%s needs a to-one inverse", obj.Entity().Name, relationship)), completion)
	}

	return b.env.Move(obj, b.work(), func(ctx context.Context, v any, err error) {
		if err != nil {
			op.deliverObjects(nil, op.fail(ErrCodeTransfer, err), completion)
			return
		}
		parent := v.(*store.Object)
		predicate := store.RelatedTo{Relationship: inverse.Name, ID: parent.ID()}
		callRemote(op, func(ctx context.Context) ([]cloud.Object, error) {
			return b.conn.FetchCloudObjects(ctx, dest, predicate, op.userInfo)
		}, func(ctx context.Context, cs []cloud.Object, err error) {
			if err != nil {
				op.deliverObjects(nil, err, completion)
				return
			}
			link := func(child *store.Object) error { return child.SetRelated(inverse.Name, parent) }
			objs, err := b.mergeFetched(ctx, op, cs, dest, link)
			op.deliverObjects(objs, err, completion)
		})
	})
}

// FetchObjectForRelationship is FetchRelationship for a to-one
// relationship; completion receives the first fetched object or nil.
func (b *Bridge) FetchObjectForRelationship(ctx context.Context, obj *store.Object, relationship string, completion ObjectCompletion, opts ...CallOption) error {
	return b.FetchRelationship(ctx, obj, relationship, func(ctx context.Context, objs []*store.Object, err error) {
		var first *store.Object
		if len(objs) > 0 {
			first = objs[0]
		}
		completion(ctx, first, err)
	}, opts...)
}

// Create sends obj to the cloud and merges the reply, which typically
// assigns the primary key, into obj.
func (b *Bridge) Create(ctx context.Context, obj *store.Object, completion ObjectCompletion, opts ...CallOption) error {
	return b.send(ctx, opCreate, obj, completion, opts)
}

// Save sends obj's current state to the cloud and merges the reply.
func (b *Bridge) Save(ctx context.Context, obj *store.Object, completion ObjectCompletion, opts ...CallOption) error {
	return b.send(ctx, opSave, obj, completion, opts)
}

// Reload fetches the latest cloud state of obj and merges it.
func (b *Bridge) Reload(ctx context.Context, obj *store.Object, completion ObjectCompletion, opts ...CallOption) error {
	return b.send(ctx, opReload, obj, completion, opts)
}

// MutateObject commits fn's changes to obj and then saves it.
func (b *Bridge) MutateObject(ctx context.Context, obj *store.Object, fn func(*store.Object) error, completion ObjectCompletion, opts ...CallOption) error {
	if obj == nil {
		return errNilObject
	}
	op := b.begin(ctx, opSave, obj.Entity(), opts)
	return b.env.Post(b.work(), func(ctx context.Context) {
		updated, err := b.store.Mutate(ctx, obj, fn)
		if err != nil {
			op.deliverObject(nil, op.fail(ErrCodeStore, err), completion)
			return
		}
		b.sendResolved(ctx, op, updated, completion)
	})
}

var errNilObject = errors.New("bridge: nil object")

func (b *Bridge) send(ctx context.Context, name string, obj *store.Object, completion ObjectCompletion, opts []CallOption) error {
	if obj == nil {
		return errNilObject
	}
	op := b.begin(ctx, name, obj.Entity(), opts)
	return b.env.Move(obj, b.work(), func(ctx context.Context, v any, err error) {
		if err != nil {
			op.deliverObject(nil, op.fail(ErrCodeTransfer, err), completion)
			return
		}
		b.sendResolved(ctx, op, v.(*store.Object), completion)
	})
}

// sendResolved runs the remote and merge steps of create, save and reload
// for an object already resolved on the work context.
func (b *Bridge) sendResolved(ctx context.Context, op *operation, local *store.Object, completion ObjectCompletion) {
	queueable := op.name != opReload
	if queueable && b.offline.isOffline() {
		b.queueLocally(ctx, op, local, nil, completion)
		return
	}

	var c cloud.Object
	if queueable {
		c = b.transformer.CloudObjectFromPersistentObject(ctx, b.store, local)
	}
	callRemote(op, func(ctx context.Context) (cloud.Object, error) {
		switch op.name {
		case opCreate:
			return b.conn.CreateCloudObject(ctx, c, local, op.userInfo)
		case opSave:
			return b.conn.SaveCloudObject(ctx, c, local, op.userInfo)
		default:
			return b.conn.LatestCloudObject(ctx, local, op.userInfo)
		}
	}, func(ctx context.Context, reply cloud.Object, err error) {
		if err != nil {
			if queueable && b.offline.takeOffline(err) {
				b.logger.Warn("connection unreachable, switching to offline mode",
					"op", op.name,
					"request_id", op.requestID,
					"error", err)
				b.queueLocally(ctx, op, local, err, completion)
				return
			}
			op.deliverObject(nil, err, completion)
			return
		}
		merged, err := b.mergeReply(ctx, op, local, reply, queueable)
		op.deliverObject(merged, err, completion)
	})
}

// Delete deletes obj in the cloud and, once that succeeded, locally.
func (b *Bridge) Delete(ctx context.Context, obj *store.Object, completion Completion, opts ...CallOption) error {
	if obj == nil {
		return errNilObject
	}
	op := b.begin(ctx, opDelete, obj.Entity(), opts)
	return b.env.Move(obj, b.work(), func(ctx context.Context, v any, err error) {
		if err != nil {
			op.deliver(op.fail(ErrCodeTransfer, err), completion)
			return
		}
		local := v.(*store.Object)
		if b.offline.isOffline() {
			b.deleteLocally(ctx, op, local, nil, completion)
			return
		}
		c := b.transformer.CloudObjectFromPersistentObject(ctx, b.store, local)
		callRemote(op, func(ctx context.Context) (struct{}, error) {
			return struct{}{}, b.conn.DeleteCloudObject(ctx, c, local, op.userInfo)
		}, func(ctx context.Context, _ struct{}, err error) {
			if err != nil {
				if b.offline.takeOffline(err) {
					b.logger.Warn("connection unreachable, switching to offline mode",
						"op", op.name,
						"request_id", op.requestID,
						"error", err)
					b.deleteLocally(ctx, op, local, err, completion)
					return
				}
				op.deliver(err, completion)
				return
			}
			err = b.store.Transaction(ctx, func(ctx context.Context, tx *store.Tx) error {
				return tx.Delete(local)
			})
			if err != nil {
				err = op.fail(ErrCodeStore, err)
			}
			op.deliver(err, completion)
		})
	})
}

func (b *Bridge) checkEntity(entity *schema.Entity) error {
	if entity == nil {
		return errors.New("nil entity")
	}
	if b.store.EntityForType(entity.Name) == nil {
		return fmt.Errorf("unknown entity %q", entity.Name)
	}
	return nil
}

// work returns the context transformations and merges run on.
func (b *Bridge) work() threading.ContextID {
	if b.transformsOnMain {
		return threading.Main
	}
	return threading.Background
}
