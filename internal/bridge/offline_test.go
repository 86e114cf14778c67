package bridge

import (
	"context"
	"errors"
	"testing"
	"time"

	promtestutil "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/cloudbridge/internal/cloud"
	"github.com/roach88/cloudbridge/internal/store"
	"github.com/roach88/cloudbridge/internal/testutil"
)

func (f *fixture) pending(t *testing.T) []*store.Object {
	t.Helper()
	objs, err := Pending(context.Background(), f.store, f.store.Entities())
	require.NoError(t, err)
	return objs
}

func (f *fixture) reconcile(t *testing.T) error {
	t.Helper()
	return awaitErr(t, func(done Completion) error {
		return f.bridge.ReenableOnlineMode(context.Background(), done)
	}).err
}

func TestOfflineSaveQueuesLocally(t *testing.T) {
	f := newFixture(t)
	f.bridge.EnableOfflineMode()
	assert.True(t, f.bridge.IsOffline())
	local := f.create(t, "Widget", map[string]any{"identifier": 7, "name": "a"})

	r := awaitObject(t, func(done ObjectCompletion) error {
		return f.bridge.Save(context.Background(), local, done)
	})
	require.NoError(t, r.err)
	assert.True(t, r.obj.Bool(store.PendingChangesKey))
	assert.Empty(t, f.conn.Calls())
	assert.Len(t, f.pending(t), 1)
	assert.Equal(t, 1.0, promtestutil.ToFloat64(f.metrics.operations.WithLabelValues(opSave, outcomeOffline)))
	assert.Equal(t, 1.0, promtestutil.ToFloat64(f.metrics.pending))
}

func TestUnreachableSwitchesToOffline(t *testing.T) {
	f := newFixture(t)
	f.conn.SetUnreachable(true)
	local := f.create(t, "Widget", map[string]any{"name": "a"})

	r := awaitObject(t, func(done ObjectCompletion) error {
		return f.bridge.Create(context.Background(), local, done)
	})
	require.NoError(t, r.err)
	assert.True(t, f.bridge.IsOffline())
	assert.True(t, r.obj.Bool(store.PendingChangesKey))
	assert.Equal(t, 1, f.conn.CallCount(testutil.MethodCreate))

	// Later changes skip the connection.
	f.conn.ResetCalls()
	r = awaitObject(t, func(done ObjectCompletion) error {
		return f.bridge.Save(context.Background(), r.obj, done)
	})
	require.NoError(t, r.err)
	assert.Empty(t, f.conn.Calls())
}

func TestReloadIsNeverQueued(t *testing.T) {
	f := newFixture(t)
	f.bridge.EnableOfflineMode()
	f.conn.Seed(f.entity("Widget"), cloud.Object{"id": cloud.Int(7), "name": cloud.String("server")})
	local := f.create(t, "Widget", map[string]any{"identifier": 7})

	r := awaitObject(t, func(done ObjectCompletion) error {
		return f.bridge.Reload(context.Background(), local, done)
	})
	require.NoError(t, r.err)
	assert.Equal(t, "server", r.obj.Value("name"))
	assert.False(t, r.obj.Bool(store.PendingChangesKey))
}

func TestOnlineOnlyEntityOffline(t *testing.T) {
	f := newFixture(t)
	gadget := f.create(t, "Gadget", map[string]any{"identifier": 1})

	f.conn.SetUnreachable(true)
	r := awaitObject(t, func(done ObjectCompletion) error {
		return f.bridge.Save(context.Background(), gadget, done)
	})
	assert.True(t, cloud.IsUnreachable(r.err), "the connection error comes back unchanged")
	assert.True(t, f.bridge.IsOffline())

	r = awaitObject(t, func(done ObjectCompletion) error {
		return f.bridge.Save(context.Background(), gadget, done)
	})
	assert.True(t, IsOfflineError(r.err))
	assert.ErrorIs(t, r.err, ErrNotOfflineCapable)

	d := awaitErr(t, func(done Completion) error {
		return f.bridge.Delete(context.Background(), gadget, done)
	})
	assert.ErrorIs(t, d.err, ErrNotOfflineCapable)
	f.get(t, gadget.ID())
}

func TestOfflineDelete(t *testing.T) {
	f := newFixture(t)
	widget := f.entity("Widget")
	f.bridge.EnableOfflineMode()
	synced := f.create(t, "Widget", map[string]any{"identifier": 7})
	draft := f.create(t, "Widget", map[string]any{"name": "never sent"})

	for _, obj := range []*store.Object{synced, draft} {
		r := awaitErr(t, func(done Completion) error {
			return f.bridge.Delete(context.Background(), obj, done)
		})
		require.NoError(t, r.err)
	}
	assert.Empty(t, f.conn.Calls())

	_, err := f.store.Get(context.Background(), draft.ID())
	assert.ErrorIs(t, err, store.ErrNotFound, "objects without a primary key are deleted outright")
	assert.True(t, f.get(t, synced.ID()).Bool(store.PendingDeletionKey))
	byKey, err := f.store.ObjectWithPrimaryKey(context.Background(), widget, 7)
	require.NoError(t, err)
	assert.Nil(t, byKey, "tombstones do not resolve by primary key")

	visible, err := f.store.Fetch(context.Background(), store.FetchRequest{Entity: widget})
	require.NoError(t, err)
	assert.Empty(t, visible)

	// A fetch still merges the server copy but keeps the tombstone hidden.
	f.conn.Seed(widget, cloud.Object{"id": cloud.Int(7)}, cloud.Object{"id": cloud.Int(8)})
	r := awaitObjects(t, func(done FetchCompletion) error {
		return f.bridge.Fetch(context.Background(), widget, done)
	})
	require.NoError(t, r.err)
	require.Len(t, r.objs, 1)
	assert.Equal(t, int64(8), r.objs[0].PrimaryKey())
}

func TestOfflineDeleteHidesCascadedObjects(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	widget, part := f.entity("Widget"), f.entity("Part")
	f.conn.Seed(widget, cloud.Object{"id": cloud.Int(7)})
	f.conn.Seed(part, cloud.Object{"identifier": cloud.Int(70)})
	w := f.create(t, "Widget", map[string]any{"identifier": 7})
	synced := f.create(t, "Part", map[string]any{"identifier": 70})
	draft := f.create(t, "Part", map[string]any{"label": "never sent"})
	w, err := f.store.Mutate(ctx, w, func(o *store.Object) error {
		return o.SetRelatedIDs("parts", []store.ObjectID{synced.ID(), draft.ID()})
	})
	require.NoError(t, err)
	f.bridge.EnableOfflineMode()

	r := awaitErr(t, func(done Completion) error {
		return f.bridge.Delete(ctx, w, done)
	})
	require.NoError(t, r.err)
	assert.Empty(t, f.conn.Calls())

	found, err := f.store.ObjectWithPrimaryKey(ctx, widget, 7)
	require.NoError(t, err)
	assert.Nil(t, found)
	parts, err := f.store.Fetch(ctx, store.FetchRequest{Entity: part})
	require.NoError(t, err)
	assert.Empty(t, parts, "cascaded parts disappear like the widget")

	assert.True(t, f.get(t, synced.ID()).Bool(store.PendingDeletionKey))
	_, err = f.store.Get(ctx, draft.ID())
	assert.ErrorIs(t, err, store.ErrNotFound)

	require.NoError(t, f.reconcile(t))
	calls := f.conn.Calls()
	require.Len(t, calls, 1, "the confirmed widget deletion also purges its parts")
	assert.Equal(t, testutil.MethodBulkDelete, calls[0].Method)
	assert.Equal(t, "Widget", calls[0].Entity)
	for _, id := range []store.ObjectID{w.ID(), synced.ID()} {
		_, err := f.store.Get(ctx, id)
		assert.ErrorIs(t, err, store.ErrNotFound, id.String())
	}
	assert.Empty(t, f.pending(t))
}

func TestReenableOnlineModeReplaysPendingChanges(t *testing.T) {
	f := newFixture(t)
	widget, part := f.entity("Widget"), f.entity("Part")
	f.conn.Seed(widget,
		cloud.Object{"id": cloud.Int(7), "name": cloud.String("old")},
		cloud.Object{"id": cloud.Int(8), "name": cloud.String("doomed")})
	seven := f.create(t, "Widget", map[string]any{"identifier": 7, "name": "old"})
	eight := f.create(t, "Widget", map[string]any{"identifier": 8, "name": "doomed"})

	f.bridge.EnableOfflineMode()
	var created []store.ObjectID
	for _, item := range []struct {
		entity string
		values map[string]any
	}{
		{"Widget", map[string]any{"name": "fresh 1"}},
		{"Widget", map[string]any{"name": "fresh 2"}},
		{"Part", map[string]any{"label": "bolt"}},
	} {
		local := f.create(t, item.entity, item.values)
		r := awaitObject(t, func(done ObjectCompletion) error {
			return f.bridge.Create(context.Background(), local, done)
		})
		require.NoError(t, r.err)
		created = append(created, local.ID())
	}
	r := awaitObject(t, func(done ObjectCompletion) error {
		return f.bridge.MutateObject(context.Background(), seven, func(o *store.Object) error {
			return o.Set("name", "new")
		}, done)
	})
	require.NoError(t, r.err)
	d := awaitErr(t, func(done Completion) error {
		return f.bridge.Delete(context.Background(), eight, done)
	})
	require.NoError(t, d.err)
	require.Len(t, f.pending(t), 5)
	assert.Empty(t, f.conn.Calls())

	require.NoError(t, f.reconcile(t))
	assert.False(t, f.bridge.IsOffline())
	assert.False(t, f.bridge.IsReenabling())

	calls := f.conn.Calls()
	require.Len(t, calls, 4)
	assert.Equal(t, testutil.Call{Method: testutil.MethodBulkCreate, Entity: "Widget", Count: 2}, calls[0])
	assert.Equal(t, testutil.Call{Method: testutil.MethodBulkSave, Entity: "Widget", Count: 1}, calls[1])
	assert.Equal(t, testutil.Call{Method: testutil.MethodBulkDelete, Entity: "Widget", Count: 1}, calls[2])
	assert.Equal(t, testutil.Call{Method: testutil.MethodBulkCreate, Entity: "Part", Count: 1}, calls[3])

	assert.Empty(t, f.pending(t))
	var pks []any
	for _, id := range created {
		obj := f.get(t, id)
		assert.False(t, obj.Bool(store.PendingChangesKey))
		pks = append(pks, obj.PrimaryKey())
	}
	assert.ElementsMatch(t, []any{int64(1001), int64(1002), int64(1003)}, pks)

	stored, ok := f.conn.Stored(widget, 7)
	require.True(t, ok)
	assert.Equal(t, cloud.String("new"), stored["name"])
	_, ok = f.conn.Stored(widget, 8)
	assert.False(t, ok)
	_, err := f.store.Get(context.Background(), eight.ID())
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.Equal(t, 3, f.conn.Len(widget))
	assert.Equal(t, 1, f.conn.Len(part))

	f.flush(t)
	assert.Equal(t, 0.0, promtestutil.ToFloat64(f.metrics.pending))
}

func TestCreateThenSaveOfflineIsSentOnce(t *testing.T) {
	f := newFixture(t)
	f.bridge.EnableOfflineMode()
	local := f.create(t, "Widget", map[string]any{"name": "v1"})

	r := awaitObject(t, func(done ObjectCompletion) error {
		return f.bridge.Create(context.Background(), local, done)
	})
	require.NoError(t, r.err)
	r = awaitObject(t, func(done ObjectCompletion) error {
		return f.bridge.MutateObject(context.Background(), r.obj, func(o *store.Object) error {
			return o.Set("name", "v2")
		}, done)
	})
	require.NoError(t, r.err)

	require.NoError(t, f.reconcile(t))
	assert.Equal(t, []testutil.Call{{Method: testutil.MethodBulkCreate, Entity: "Widget", Count: 1}}, f.conn.Calls())
	stored, ok := f.conn.Stored(f.entity("Widget"), 1001)
	require.True(t, ok)
	assert.Equal(t, cloud.String("v2"), stored["name"])
}

func TestReconcileFailureStaysOffline(t *testing.T) {
	f := newFixture(t)
	f.bridge.EnableOfflineMode()
	local := f.create(t, "Widget", map[string]any{"name": "a"})
	r := awaitObject(t, func(done ObjectCompletion) error {
		return f.bridge.Create(context.Background(), local, done)
	})
	require.NoError(t, r.err)

	boom := errors.New("503")
	f.conn.FailNext(testutil.MethodBulkCreate, boom)
	assert.Equal(t, boom, f.reconcile(t))
	assert.True(t, f.bridge.IsOffline())
	assert.False(t, f.bridge.IsReenabling())
	assert.Len(t, f.pending(t), 1)

	require.NoError(t, f.reconcile(t))
	assert.False(t, f.bridge.IsOffline())
	assert.Empty(t, f.pending(t))
}

func TestReconcileInProgress(t *testing.T) {
	f := newFixture(t)
	f.bridge.EnableOfflineMode()
	local := f.create(t, "Widget", map[string]any{"name": "a"})
	r := awaitObject(t, func(done ObjectCompletion) error {
		return f.bridge.Create(context.Background(), local, done)
	})
	require.NoError(t, r.err)

	release := f.conn.Hold()
	first := make(chan error, 1)
	require.NoError(t, f.bridge.ReenableOnlineMode(context.Background(), func(_ context.Context, err error) {
		first <- err
	}))
	assert.True(t, f.bridge.IsReenabling())

	err := f.reconcile(t)
	assert.True(t, IsOfflineError(err))
	assert.ErrorIs(t, err, ErrReconcileInProgress)

	release()
	select {
	case err := <-first:
		require.NoError(t, err)
	case <-time.After(waitTimeout):
		t.Fatal("reconciliation did not finish")
	}
	assert.False(t, f.bridge.IsOffline())
}

func TestEditDuringReconcileStaysPending(t *testing.T) {
	f := newFixture(t)
	f.bridge.EnableOfflineMode()
	local := f.create(t, "Widget", map[string]any{"name": "v1"})
	r := awaitObject(t, func(done ObjectCompletion) error {
		return f.bridge.Create(context.Background(), local, done)
	})
	require.NoError(t, r.err)

	release := f.conn.Hold()
	done := make(chan error, 1)
	require.NoError(t, f.bridge.ReenableOnlineMode(context.Background(), func(_ context.Context, err error) {
		done <- err
	}))
	require.Eventually(t, func() bool {
		return f.conn.CallCount(testutil.MethodBulkCreate) == 1
	}, waitTimeout, 5*time.Millisecond)

	_, err := f.store.Mutate(context.Background(), f.get(t, local.ID()), func(o *store.Object) error {
		return o.Set("name", "v2")
	})
	require.NoError(t, err)
	release()
	require.NoError(t, <-done)

	obj := f.get(t, local.ID())
	assert.Equal(t, int64(1001), obj.PrimaryKey())
	assert.Equal(t, "v2", obj.Value("name"))
	assert.True(t, obj.Bool(store.PendingChangesKey))

	// The newer state goes out as a save next time.
	f.bridge.EnableOfflineMode()
	f.conn.ResetCalls()
	require.NoError(t, f.reconcile(t))
	assert.Equal(t, []testutil.Call{{Method: testutil.MethodBulkSave, Entity: "Widget", Count: 1}}, f.conn.Calls())
	stored, _ := f.conn.Stored(f.entity("Widget"), 1001)
	assert.Equal(t, cloud.String("v2"), stored["name"])
}

func TestReconcilePurgesUnsentTombstones(t *testing.T) {
	f := newFixture(t)
	local := f.create(t, "Widget", map[string]any{"name": "a"})
	_, err := f.store.Mutate(context.Background(), local, func(o *store.Object) error {
		return o.Set(store.PendingDeletionKey, true)
	})
	require.NoError(t, err)
	f.bridge.EnableOfflineMode()

	require.NoError(t, f.reconcile(t))
	assert.Empty(t, f.conn.Calls())
	_, err = f.store.Get(context.Background(), local.ID())
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestPendingSkipsOnlineOnlyEntities(t *testing.T) {
	f := newFixture(t)
	f.create(t, "Gadget", map[string]any{"identifier": 1})
	f.create(t, "Part", map[string]any{store.PendingChangesKey: true})
	f.create(t, "Widget", map[string]any{store.PendingChangesKey: true})
	f.create(t, "Widget", map[string]any{"name": "clean"})

	objs := f.pending(t)
	require.Len(t, objs, 2)
	assert.Equal(t, "Widget", objs[0].Entity().Name)
	assert.Equal(t, "Part", objs[1].Entity().Name)

	assert.True(t, OfflineCapable(f.entity("Widget")))
	assert.False(t, OfflineCapable(f.entity("Gadget")))
}
