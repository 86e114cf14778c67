package bridge

import (
	"context"
	"time"

	"github.com/roach88/cloudbridge/internal/cloud"
	"github.com/roach88/cloudbridge/internal/schema"
	"github.com/roach88/cloudbridge/internal/store"
	"github.com/roach88/cloudbridge/internal/threading"
	"github.com/roach88/cloudbridge/internal/transform"
)

// operation carries the bookkeeping of one bridge call from dispatch to
// completion.
type operation struct {
	b         *Bridge
	ctx       context.Context
	name      string
	entity    string
	requestID string
	caller    threading.ContextID
	userInfo  cloud.UserInfo
	started   time.Time
	outcome   string
}

func (b *Bridge) begin(ctx context.Context, name string, entity *schema.Entity, opts []CallOption) *operation {
	var co callOptions
	for _, opt := range opts {
		opt(&co)
	}
	caller := co.completeOn
	if caller == 0 {
		if id, ok := threading.FromContext(ctx); ok {
			caller = id
		} else {
			caller = threading.Main
		}
	}
	op := &operation{
		b:         b,
		ctx:       threading.Detach(ctx),
		name:      name,
		requestID: b.ids.Generate(),
		caller:    caller,
		userInfo:  co.userInfo,
		started:   time.Now(),
		outcome:   outcomeOK,
	}
	if entity != nil {
		op.entity = entity.Name
	}
	b.logger.Debug("operation started",
		"op", name,
		"entity", op.entity,
		"request_id", op.requestID,
		"caller", caller.String())
	return op
}

func (op *operation) fail(code ErrorCode, err error) error {
	return &Error{
		Code:      code,
		Op:        op.name,
		Entity:    op.entity,
		RequestID: op.requestID,
		Err:       err,
	}
}

// callRemote invokes call on a goroutine owned by neither execution
// context and posts its result to the work context.
func callRemote[T any](op *operation, call func(ctx context.Context) (T, error), then func(ctx context.Context, result T, err error)) {
	b := op.b
	go func() {
		result, err := call(op.ctx)
		if perr := b.env.Post(b.work(), func(ctx context.Context) { then(ctx, result, err) }); perr != nil {
			b.logger.Error("dropping connection reply",
				"op", op.name,
				"request_id", op.requestID,
				"error", perr)
		}
	}()
}

func (op *operation) finish(err error) {
	outcome := op.outcome
	if err != nil {
		outcome = outcomeError
	}
	elapsed := time.Since(op.started)
	op.b.metrics.observe(op.name, outcome, elapsed)
	if err != nil {
		op.b.logger.Warn("operation failed",
			"op", op.name,
			"entity", op.entity,
			"request_id", op.requestID,
			"error", err)
		return
	}
	op.b.logger.Debug("operation finished",
		"op", op.name,
		"entity", op.entity,
		"request_id", op.requestID,
		"outcome", outcome,
		"elapsed", elapsed)
}

// deliver runs completion on the caller's context.
func (op *operation) deliver(err error, completion Completion) error {
	op.finish(err)
	return op.post(func(ctx context.Context) {
		if completion != nil {
			completion(ctx, err)
		}
	})
}

// deliverObjects moves objs to the caller's context and runs completion
// there with the caller's own snapshots.
func (op *operation) deliverObjects(objs []*store.Object, err error, completion FetchCompletion) error {
	if err != nil {
		op.finish(err)
		return op.post(func(ctx context.Context) {
			if completion != nil {
				completion(ctx, nil, err)
			}
		})
	}
	op.finish(nil)
	return op.move(objs, func(ctx context.Context, v any, err error) {
		if completion == nil {
			return
		}
		if err != nil {
			completion(ctx, nil, op.fail(ErrCodeTransfer, err))
			return
		}
		completion(ctx, v.([]*store.Object), nil)
	})
}

func (op *operation) deliverObject(obj *store.Object, err error, completion ObjectCompletion) error {
	if err != nil || obj == nil {
		op.finish(err)
		return op.post(func(ctx context.Context) {
			if completion != nil {
				completion(ctx, nil, err)
			}
		})
	}
	op.finish(nil)
	return op.move(obj, func(ctx context.Context, v any, err error) {
		if completion == nil {
			return
		}
		if err != nil {
			completion(ctx, nil, op.fail(ErrCodeTransfer, err))
			return
		}
		completion(ctx, v.(*store.Object), nil)
	})
}

func (op *operation) post(fn func(ctx context.Context)) error {
	err := op.b.env.Post(op.caller, fn)
	if err != nil {
		op.b.logger.Error("dropping completion",
			"op", op.name,
			"request_id", op.requestID,
			"error", err)
	}
	return err
}

func (op *operation) move(value any, completion func(ctx context.Context, v any, err error)) error {
	err := op.b.env.Move(value, op.caller, completion)
	if err != nil {
		op.b.logger.Error("dropping completion",
			"op", op.name,
			"request_id", op.requestID,
			"error", err)
	}
	return err
}

func (op *operation) logSkipped(obj *store.Object, res transform.Result) {
	if len(res.Skipped) == 0 {
		return
	}
	op.b.logger.Warn("cloud values not applied",
		"op", op.name,
		"entity", obj.Entity().Name,
		"object", obj.ID().String(),
		"request_id", op.requestID,
		"keys", res.Skipped)
}

// mergeFetched upserts cs in one transaction. link, when set, runs on
// every merged object before commit.
func (b *Bridge) mergeFetched(ctx context.Context, op *operation, cs []cloud.Object, entity *schema.Entity, link func(*store.Object) error) ([]*store.Object, error) {
	var ids []store.ObjectID
	err := b.store.Transaction(ctx, func(ctx context.Context, tx *store.Tx) error {
		objs, results, err := b.transformer.PersistentObjectsFromCloudObjects(ctx, tx, cs, entity)
		if err != nil {
			return err
		}
		seen := make(map[store.ObjectID]bool, len(objs))
		for i, obj := range objs {
			op.logSkipped(obj, results[i])
			if link != nil {
				if err := link(obj); err != nil {
					return err
				}
			}
			if !seen[obj.ID()] {
				seen[obj.ID()] = true
				ids = append(ids, obj.ID())
			}
		}
		return nil
	})
	if err != nil {
		return nil, op.fail(ErrCodeStore, err)
	}

	objs := make([]*store.Object, 0, len(ids))
	for _, id := range ids {
		obj, err := b.store.Get(ctx, id)
		if err != nil {
			return nil, op.fail(ErrCodeStore, err)
		}
		if obj.Bool(store.PendingDeletionKey) {
			continue
		}
		objs = append(objs, obj)
	}
	return objs, nil
}

// mergeReply applies a create, save or reload reply to local. A nil reply
// leaves the values alone. clearPending drops the pending-change marker,
// since the cloud now has the local state.
func (b *Bridge) mergeReply(ctx context.Context, op *operation, local *store.Object, reply cloud.Object, clearPending bool) (*store.Object, error) {
	err := b.store.Transaction(ctx, func(ctx context.Context, tx *store.Tx) error {
		obj, err := tx.Edit(local)
		if err != nil {
			return err
		}
		if reply != nil {
			res, err := b.transformer.UpdatePersistentObject(ctx, tx, obj, reply)
			if err != nil {
				return err
			}
			op.logSkipped(obj, res)
		}
		if clearPending && obj.Bool(store.PendingChangesKey) {
			return obj.Set(store.PendingChangesKey, false)
		}
		return nil
	})
	if err != nil {
		return nil, op.fail(ErrCodeStore, err)
	}
	merged, err := b.store.Get(ctx, local.ID())
	if err != nil {
		return nil, op.fail(ErrCodeStore, err)
	}
	return merged, nil
}
