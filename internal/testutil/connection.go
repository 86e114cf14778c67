package testutil

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/roach88/cloudbridge/internal/cloud"
	"github.com/roach88/cloudbridge/internal/mapping"
	"github.com/roach88/cloudbridge/internal/schema"
	"github.com/roach88/cloudbridge/internal/store"
)

// Method names recorded in Call.Method.
const (
	MethodFetch      = "FetchCloudObjects"
	MethodCreate     = "CreateCloudObject"
	MethodLatest     = "LatestCloudObject"
	MethodSave       = "SaveCloudObject"
	MethodDelete     = "DeleteCloudObject"
	MethodBulkCreate = "BulkCreateCloudObjects"
	MethodBulkSave   = "BulkSaveCloudObjects"
	MethodBulkDelete = "BulkDeleteCloudObjects"
)

// ErrNotOnServer is returned for reads, saves and deletes of objects the
// scripted server does not hold.
var ErrNotOnServer = errors.New("scripted: object not on server")

// Call records one connection call.
type Call struct {
	Method    string
	Entity    string
	Count     int
	Predicate store.Predicate
	UserInfo  cloud.UserInfo
}

// ScriptedConnection is an in-memory cloud.OfflineConnection. It keeps
// objects per root entity keyed by primary key, assigns ids from a
// Sequence on create, and records every call.
//
// Thread-safety: all methods are safe for concurrent use.
type ScriptedConnection struct {
	mapping mapping.PropertyMapping
	ids     *Sequence

	mu          sync.Mutex
	objects     map[string]map[string]cloud.Object
	order       map[string][]string
	calls       []Call
	failures    map[string][]error
	unreachable bool
	gate        chan struct{}
	onFetch     func(entity *schema.Entity, predicate store.Predicate) ([]cloud.Object, error)
}

var _ cloud.OfflineConnection = (*ScriptedConnection)(nil)

// NewScriptedConnection creates an empty server. m must match the
// mapping of the bridge under test; nil means mapping.Identity.
func NewScriptedConnection(m mapping.PropertyMapping) *ScriptedConnection {
	if m == nil {
		m = mapping.Identity{}
	}
	return &ScriptedConnection{
		mapping:  m,
		ids:      NewSequence(1000),
		objects:  map[string]map[string]cloud.Object{},
		order:    map[string][]string{},
		failures: map[string][]error{},
	}
}

// Seed stores objects on the server as entity. Objects without a primary
// key get one.
func (c *ScriptedConnection) Seed(entity *schema.Entity, objs ...cloud.Object) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, obj := range objs {
		c.put(entity, c.withID(entity, obj.Clone()))
	}
}

// Stored returns the server copy of entity's object with primary key pk.
func (c *ScriptedConnection) Stored(entity *schema.Entity, pk any) (cloud.Object, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	obj, ok := c.objects[entity.Root().Name][keyString(pk)]
	if !ok {
		return nil, false
	}
	return obj.Clone(), true
}

// Len returns how many objects of entity's root the server holds.
func (c *ScriptedConnection) Len(entity *schema.Entity) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.objects[entity.Root().Name])
}

// Calls returns a copy of the recorded calls.
func (c *ScriptedConnection) Calls() []Call {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Call(nil), c.calls...)
}

// CallCount returns how often method was called.
func (c *ScriptedConnection) CallCount(method string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, call := range c.calls {
		if call.Method == method {
			n++
		}
	}
	return n
}

// ResetCalls forgets recorded calls.
func (c *ScriptedConnection) ResetCalls() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = nil
}

// FailNext makes the next call of method return err.
func (c *ScriptedConnection) FailNext(method string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures[method] = append(c.failures[method], err)
}

// SetUnreachable makes every call fail with cloud.ErrUnreachable.
func (c *ScriptedConnection) SetUnreachable(on bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.unreachable = on
}

// OnFetch replaces the default fetch, which returns every stored object
// of the entity's root and ignores the predicate.
func (c *ScriptedConnection) OnFetch(fn func(entity *schema.Entity, predicate store.Predicate) ([]cloud.Object, error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onFetch = fn
}

// Hold blocks every following call until release is called or the
// call's context ends.
func (c *ScriptedConnection) Hold() (release func()) {
	gate := make(chan struct{})
	c.mu.Lock()
	c.gate = gate
	c.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			if c.gate == gate {
				c.gate = nil
			}
			c.mu.Unlock()
			close(gate)
		})
	}
}

// begin records a call and returns the failure scripted for it.
func (c *ScriptedConnection) begin(ctx context.Context, call Call) error {
	c.mu.Lock()
	c.calls = append(c.calls, call)
	gate := c.gate
	c.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.unreachable {
		return fmt.Errorf("scripted %s: %w", call.Method, cloud.ErrUnreachable)
	}
	if queued := c.failures[call.Method]; len(queued) > 0 {
		c.failures[call.Method] = queued[1:]
		return queued[0]
	}
	return nil
}

func (c *ScriptedConnection) FetchCloudObjects(ctx context.Context, entity *schema.Entity, predicate store.Predicate, userInfo cloud.UserInfo) ([]cloud.Object, error) {
	if err := c.begin(ctx, Call{Method: MethodFetch, Entity: entity.Name, Predicate: predicate, UserInfo: userInfo}); err != nil {
		return nil, err
	}
	c.mu.Lock()
	onFetch := c.onFetch
	c.mu.Unlock()
	if onFetch != nil {
		return onFetch(entity, predicate)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	root := entity.Root().Name
	out := make([]cloud.Object, 0, len(c.order[root]))
	for _, key := range c.order[root] {
		out = append(out, c.objects[root][key].Clone())
	}
	return out, nil
}

func (c *ScriptedConnection) CreateCloudObject(ctx context.Context, obj cloud.Object, persistent *store.Object, userInfo cloud.UserInfo) (cloud.Object, error) {
	if err := c.begin(ctx, Call{Method: MethodCreate, Entity: persistent.Entity().Name, Count: 1, UserInfo: userInfo}); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.create(persistent.Entity(), obj), nil
}

func (c *ScriptedConnection) LatestCloudObject(ctx context.Context, persistent *store.Object, userInfo cloud.UserInfo) (cloud.Object, error) {
	if err := c.begin(ctx, Call{Method: MethodLatest, Entity: persistent.Entity().Name, Count: 1, UserInfo: userInfo}); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	stored, ok := c.objects[persistent.Entity().Root().Name][keyString(persistent.PrimaryKey())]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotOnServer, persistent.ID())
	}
	return stored.Clone(), nil
}

func (c *ScriptedConnection) SaveCloudObject(ctx context.Context, obj cloud.Object, persistent *store.Object, userInfo cloud.UserInfo) (cloud.Object, error) {
	if err := c.begin(ctx, Call{Method: MethodSave, Entity: persistent.Entity().Name, Count: 1, UserInfo: userInfo}); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.save(persistent.Entity(), obj)
}

func (c *ScriptedConnection) DeleteCloudObject(ctx context.Context, obj cloud.Object, persistent *store.Object, userInfo cloud.UserInfo) error {
	if err := c.begin(ctx, Call{Method: MethodDelete, Entity: persistent.Entity().Name, Count: 1, UserInfo: userInfo}); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := c.remove(persistent.Entity(), obj)
	return err
}

func (c *ScriptedConnection) BulkCreateCloudObjects(ctx context.Context, objs []cloud.Object, persistent []*store.Object) ([]cloud.Object, error) {
	if err := c.begin(ctx, Call{Method: MethodBulkCreate, Entity: entityOf(persistent), Count: len(objs)}); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]cloud.Object, len(objs))
	for i, obj := range objs {
		out[i] = c.create(persistent[i].Entity(), obj)
	}
	return out, nil
}

func (c *ScriptedConnection) BulkSaveCloudObjects(ctx context.Context, objs []cloud.Object, persistent []*store.Object) ([]cloud.Object, error) {
	if err := c.begin(ctx, Call{Method: MethodBulkSave, Entity: entityOf(persistent), Count: len(objs)}); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]cloud.Object, len(objs))
	for i, obj := range objs {
		saved, err := c.save(persistent[i].Entity(), obj)
		if err != nil {
			return nil, err
		}
		out[i] = saved
	}
	return out, nil
}

func (c *ScriptedConnection) BulkDeleteCloudObjects(ctx context.Context, objs []cloud.Object, persistent []*store.Object) ([]cloud.DeletedObjectIdentifier, error) {
	if err := c.begin(ctx, Call{Method: MethodBulkDelete, Entity: entityOf(persistent), Count: len(objs)}); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]cloud.DeletedObjectIdentifier, 0, len(objs))
	for i, obj := range objs {
		entity := persistent[i].Entity()
		pk, err := c.remove(entity, obj)
		if errors.Is(err, ErrNotOnServer) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, cloud.DeletedObjectIdentifier{CloudIdentifier: pk, EntityName: entity.Name})
	}
	return out, nil
}

// The helpers below expect c.mu to be held.

func (c *ScriptedConnection) create(entity *schema.Entity, obj cloud.Object) cloud.Object {
	stored := c.withID(entity, unwrap(entity, obj).Clone())
	c.put(entity, stored)
	return wrap(entity, stored.Clone())
}

func (c *ScriptedConnection) save(entity *schema.Entity, obj cloud.Object) (cloud.Object, error) {
	inner := unwrap(entity, obj)
	pk, ok := c.pk(entity, inner)
	if !ok {
		return nil, fmt.Errorf("%w: %s without primary key", ErrNotOnServer, entity.Name)
	}
	root := entity.Root().Name
	if _, ok := c.objects[root][keyString(pk)]; !ok {
		return nil, fmt.Errorf("%w: %s(%v)", ErrNotOnServer, entity.Name, pk)
	}
	stored := inner.Clone()
	c.put(entity, stored)
	return wrap(entity, stored.Clone()), nil
}

func (c *ScriptedConnection) remove(entity *schema.Entity, obj cloud.Object) (cloud.Value, error) {
	pk, ok := c.pk(entity, unwrap(entity, obj))
	if !ok {
		return nil, fmt.Errorf("%w: %s without primary key", ErrNotOnServer, entity.Name)
	}
	root := entity.Root().Name
	key := keyString(pk)
	if _, ok := c.objects[root][key]; !ok {
		return nil, fmt.Errorf("%w: %s(%v)", ErrNotOnServer, entity.Name, pk)
	}
	delete(c.objects[root], key)
	order := c.order[root][:0]
	for _, k := range c.order[root] {
		if k != key {
			order = append(order, k)
		}
	}
	c.order[root] = order
	return pk, nil
}

func (c *ScriptedConnection) put(entity *schema.Entity, obj cloud.Object) {
	pk, _ := c.pk(entity, obj)
	root := entity.Root().Name
	key := keyString(pk)
	if c.objects[root] == nil {
		c.objects[root] = map[string]cloud.Object{}
	}
	if _, exists := c.objects[root][key]; !exists {
		c.order[root] = append(c.order[root], key)
	}
	c.objects[root][key] = obj
}

func (c *ScriptedConnection) withID(entity *schema.Entity, obj cloud.Object) cloud.Object {
	if _, ok := c.pk(entity, obj); ok {
		return obj
	}
	attr := entity.IdentifierAttribute()
	if attr == nil {
		return obj
	}
	n := c.ids.Next()
	var id cloud.Value = cloud.Int(n)
	if attr.Type == schema.TypeString {
		id = cloud.String(fmt.Sprint(n))
	}
	obj.Set(c.mapping.CloudKeyPath(attr), id)
	return obj
}

func (c *ScriptedConnection) pk(entity *schema.Entity, obj cloud.Object) (cloud.Value, bool) {
	attr := entity.IdentifierAttribute()
	if attr == nil {
		return nil, false
	}
	v, ok := obj.Get(c.mapping.CloudKeyPath(attr))
	if !ok || cloud.IsNull(v) {
		return nil, false
	}
	return v, true
}

func unwrap(entity *schema.Entity, obj cloud.Object) cloud.Object {
	if prefix := entity.RESTPrefix(); prefix != "" {
		if inner, ok := obj[prefix].(cloud.Object); ok {
			return inner
		}
	}
	return obj
}

func wrap(entity *schema.Entity, obj cloud.Object) cloud.Object {
	if prefix := entity.RESTPrefix(); prefix != "" {
		return cloud.Object{prefix: obj}
	}
	return obj
}

func keyString(pk any) string {
	if v, ok := pk.(cloud.Value); ok {
		pk = cloud.ToGo(v)
	}
	return fmt.Sprint(store.IndexKey(pk))
}

func entityOf(objs []*store.Object) string {
	if len(objs) == 0 {
		return ""
	}
	return objs[0].Entity().Name
}
