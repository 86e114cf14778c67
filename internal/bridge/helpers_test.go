package bridge

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/roach88/cloudbridge/internal/mapping"
	"github.com/roach88/cloudbridge/internal/schema"
	"github.com/roach88/cloudbridge/internal/store"
	"github.com/roach88/cloudbridge/internal/testutil"
	"github.com/roach88/cloudbridge/internal/threading"
)

const waitTimeout = 5 * time.Second

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testRegistry(t *testing.T) *schema.Registry {
	t.Helper()
	pending := func() []*schema.Attribute {
		return []*schema.Attribute{
			{Name: store.PendingChangesKey, Type: schema.TypeBoolean},
			{Name: store.PendingDeletionKey, Type: schema.TypeBoolean},
		}
	}
	r, err := schema.NewRegistry(
		&schema.Entity{
			Name:     "Widget",
			UserInfo: schema.UserInfo{schema.KeyRESTBaseURL: "/widgets"},
			Attributes: append([]*schema.Attribute{
				{Name: "identifier", Type: schema.TypeInteger, UserInfo: schema.UserInfo{schema.KeyRESTKeyPath: "id"}},
				{Name: "name", Type: schema.TypeString},
				{Name: "createdAt", Type: schema.TypeDate},
			}, pending()...),
			Relationships: []*schema.Relationship{
				{Name: "parts", Destination: "Part", Inverse: "widget", ToMany: true, CascadeDelete: true},
			},
		},
		&schema.Entity{
			Name:     "Part",
			UserInfo: schema.UserInfo{schema.KeyRESTBaseURL: "/parts"},
			Attributes: append([]*schema.Attribute{
				{Name: "identifier", Type: schema.TypeInteger},
				{Name: "label", Type: schema.TypeString},
			}, pending()...),
			Relationships: []*schema.Relationship{
				{Name: "widget", Destination: "Widget", Inverse: "parts"},
			},
		},
		&schema.Entity{
			Name: "Gadget",
			Attributes: []*schema.Attribute{
				{Name: "identifier", Type: schema.TypeInteger},
				{Name: "name", Type: schema.TypeString},
			},
		},
	)
	require.NoError(t, err)
	return r
}

type fixture struct {
	store   *store.Memory
	env     *threading.Environment
	conn    *testutil.ScriptedConnection
	bridge  *OfflineBridge
	metrics *Metrics
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	return newFixtureWithStore(t, store.NewMemory(testRegistry(t), store.WithLogger(testLogger())), opts...)
}

func newFixtureWithStore(t *testing.T, s *store.Memory, opts ...Option) *fixture {
	t.Helper()
	env := threading.New(s, threading.WithLogger(testLogger()))
	t.Cleanup(env.Close)
	conn := testutil.NewScriptedConnection(mapping.Underscored{})
	metrics := NewMetrics(prometheus.NewRegistry())
	base := []Option{
		WithMapping(mapping.Underscored{}),
		WithLogger(testLogger()),
		WithMetrics(metrics),
		WithRequestIDs(testutil.NewRequestIDs("")),
	}
	b := NewOffline(conn, s, env, append(base, opts...)...)
	return &fixture{store: s, env: env, conn: conn, bridge: b, metrics: metrics}
}

func (f *fixture) entity(name string) *schema.Entity { return f.store.EntityForType(name) }

// create commits one object and returns its snapshot.
func (f *fixture) create(t *testing.T, entity string, values map[string]any) *store.Object {
	t.Helper()
	ctx := context.Background()
	var id store.ObjectID
	err := f.store.Transaction(ctx, func(ctx context.Context, tx *store.Tx) error {
		o, err := tx.New(f.entity(entity))
		if err != nil {
			return err
		}
		for k, v := range values {
			if err := o.Set(k, v); err != nil {
				return err
			}
		}
		id = o.ID()
		return nil
	})
	require.NoError(t, err)
	return f.get(t, id)
}

func (f *fixture) get(t *testing.T, id store.ObjectID) *store.Object {
	t.Helper()
	o, err := f.store.Get(context.Background(), id)
	require.NoError(t, err)
	return o
}

// flush waits until everything queued on the work context so far has run.
func (f *fixture) flush(t *testing.T) {
	t.Helper()
	require.NoError(t, f.env.Run(context.Background(), f.bridge.work(), func(context.Context) error { return nil }))
}

type objectsResult struct {
	on   threading.ContextID
	objs []*store.Object
	err  error
}

type objectResult struct {
	on  threading.ContextID
	obj *store.Object
	err error
}

type errResult struct {
	on  threading.ContextID
	err error
}

func contextOf(ctx context.Context) threading.ContextID {
	id, _ := threading.FromContext(ctx)
	return id
}

func awaitObjects(t *testing.T, start func(FetchCompletion) error) objectsResult {
	t.Helper()
	ch := make(chan objectsResult, 1)
	require.NoError(t, start(func(ctx context.Context, objs []*store.Object, err error) {
		ch <- objectsResult{on: contextOf(ctx), objs: objs, err: err}
	}))
	select {
	case r := <-ch:
		return r
	case <-time.After(waitTimeout):
		t.Fatal("completion not called")
		return objectsResult{}
	}
}

func awaitObject(t *testing.T, start func(ObjectCompletion) error) objectResult {
	t.Helper()
	ch := make(chan objectResult, 1)
	require.NoError(t, start(func(ctx context.Context, obj *store.Object, err error) {
		ch <- objectResult{on: contextOf(ctx), obj: obj, err: err}
	}))
	select {
	case r := <-ch:
		return r
	case <-time.After(waitTimeout):
		t.Fatal("completion not called")
		return objectResult{}
	}
}

func awaitErr(t *testing.T, start func(Completion) error) errResult {
	t.Helper()
	ch := make(chan errResult, 1)
	require.NoError(t, start(func(ctx context.Context, err error) {
		ch <- errResult{on: contextOf(ctx), err: err}
	}))
	select {
	case r := <-ch:
		return r
	case <-time.After(waitTimeout):
		t.Fatal("completion not called")
		return errResult{}
	}
}

type persistFunc func(ctx context.Context, cs store.ChangeSet) error

func (f persistFunc) Persist(ctx context.Context, cs store.ChangeSet) error { return f(ctx, cs) }
