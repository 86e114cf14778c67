package threading

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/cloudbridge/internal/cloud"
	"github.com/roach88/cloudbridge/internal/schema"
	"github.com/roach88/cloudbridge/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testStore(t *testing.T) *store.Memory {
	t.Helper()
	reg := schema.MustRegistry(&schema.Entity{
		Name:       "Widget",
		Attributes: []*schema.Attribute{{Name: "identifier", Type: schema.TypeInteger}},
	})
	return store.NewMemory(reg, store.WithLogger(testLogger()))
}

func newEnv(t *testing.T, r Resolver) *Environment {
	t.Helper()
	env := New(r, WithLogger(testLogger()))
	t.Cleanup(env.Close)
	return env
}

type moveResult struct {
	ctx   ContextID
	value any
	err   error
}

func move(t *testing.T, env *Environment, value any, to ContextID) moveResult {
	t.Helper()
	ch := make(chan moveResult, 1)
	require.NoError(t, env.Move(value, to, func(ctx context.Context, v any, err error) {
		id, _ := FromContext(ctx)
		ch <- moveResult{ctx: id, value: v, err: err}
	}))
	select {
	case r := <-ch:
		return r
	case <-time.After(time.Second):
		t.Fatal("move did not complete")
		return moveResult{}
	}
}

func TestPostRunsInOrderOnItsContext(t *testing.T) {
	env := newEnv(t, nil)

	var mu sync.Mutex
	var seen []int
	var contexts []ContextID
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		require.NoError(t, env.Post(Background, func(ctx context.Context) {
			defer wg.Done()
			id, _ := FromContext(ctx)
			mu.Lock()
			seen = append(seen, i)
			contexts = append(contexts, id)
			mu.Unlock()
		}))
	}
	wg.Wait()

	for i := range seen {
		assert.Equal(t, i, seen[i])
		assert.Equal(t, Background, contexts[i])
	}
}

func TestRunInlineOnSameContext(t *testing.T) {
	env := newEnv(t, nil)

	err := env.Run(context.Background(), Main, func(ctx context.Context) error {
		// Running on Main again must not deadlock.
		return env.Run(ctx, Main, func(inner context.Context) error {
			id, ok := FromContext(inner)
			assert.True(t, ok)
			assert.Equal(t, Main, id)
			return nil
		})
	})
	require.NoError(t, err)
}

func TestPanicDoesNotStopExecutor(t *testing.T) {
	env := newEnv(t, nil)
	require.NoError(t, env.Post(Main, func(context.Context) { panic("boom") }))

	err := env.Run(context.Background(), Main, func(context.Context) error { return nil })
	assert.NoError(t, err)
}

func TestCloseDrainsAndRejects(t *testing.T) {
	env := New(nil, WithLogger(testLogger()))

	ran := make(chan struct{}, 3)
	for i := 0; i < 3; i++ {
		require.NoError(t, env.Post(Background, func(context.Context) {
			time.Sleep(time.Millisecond)
			ran <- struct{}{}
		}))
	}
	env.Close()
	assert.Len(t, ran, 3)

	assert.ErrorIs(t, env.Post(Main, func(context.Context) {}), ErrClosed)
	env.Close()
}

func TestMovePrimitivesAndCollections(t *testing.T) {
	env := newEnv(t, nil)
	now := time.Now()

	r := move(t, env, 42, Main)
	require.NoError(t, r.err)
	assert.Equal(t, Main, r.ctx)
	assert.Equal(t, 42, r.value)

	r = move(t, env, now, Background)
	require.NoError(t, r.err)
	assert.Equal(t, Background, r.ctx)
	assert.Equal(t, now, r.value)

	src := []byte{1, 2}
	r = move(t, env, src, Main)
	require.NoError(t, r.err)
	src[0] = 9
	assert.Equal(t, []byte{1, 2}, r.value, "byte slices are copied")

	nested := map[string]any{"a": []any{"x", 1.5, nil}, "b": true}
	r = move(t, env, nested, Main)
	require.NoError(t, r.err)
	assert.Equal(t, nested, r.value)

	obj := cloud.Object{"name": cloud.String("a")}
	r = move(t, env, obj, Main)
	require.NoError(t, r.err)
	obj["name"] = cloud.String("b")
	assert.Equal(t, cloud.Object{"name": cloud.String("a")}, r.value)

	r = move(t, env, []cloud.Object{{"n": cloud.Int(1)}}, Main)
	require.NoError(t, r.err)
	assert.Equal(t, []cloud.Object{{"n": cloud.Int(1)}}, r.value)
}

func TestMoveRejectsUnsupportedValues(t *testing.T) {
	env := newEnv(t, nil)

	r := move(t, env, make(chan int), Main)
	assert.ErrorIs(t, r.err, ErrNotTransferable)
	assert.Equal(t, Main, r.ctx, "errors are delivered on the requested context")

	r = move(t, env, []any{struct{}{}}, Main)
	assert.ErrorIs(t, r.err, ErrNotTransferable)
}

func TestMoveReresolvesStoreObjects(t *testing.T) {
	s := testStore(t)
	env := newEnv(t, s)
	ctx := context.Background()

	var id store.ObjectID
	err := s.Transaction(ctx, func(ctx context.Context, tx *store.Tx) error {
		o, err := tx.New(s.EntityForType("Widget"))
		require.NoError(t, err)
		id = o.ID()

		// Never committed: nothing to re-fetch elsewhere.
		r := move(t, env, o, Main)
		assert.ErrorIs(t, r.err, ErrNotTransferable)
		return o.Set("identifier", 1)
	})
	require.NoError(t, err)

	stale, err := s.Get(ctx, id)
	require.NoError(t, err)
	_, err = s.Mutate(ctx, stale, func(o *store.Object) error { return o.Set("identifier", 2) })
	require.NoError(t, err)

	r := move(t, env, []*store.Object{stale}, Main)
	require.NoError(t, r.err)
	moved := r.value.([]*store.Object)
	require.Len(t, moved, 1)
	assert.Equal(t, int64(2), moved[0].Value("identifier"), "destination sees the latest commit")
	assert.NotSame(t, stale, moved[0])

	require.NoError(t, s.Delete(ctx, stale))
	r = move(t, env, stale, Background)
	assert.ErrorIs(t, r.err, store.ErrNotFound)
}

func TestContextIDString(t *testing.T) {
	assert.Equal(t, "main", Main.String())
	assert.Equal(t, "background", Background.String())
	assert.Equal(t, "ContextID(9)", ContextID(9).String())
	_, ok := FromContext(context.Background())
	assert.False(t, ok)
}

func TestDetachClearsContextID(t *testing.T) {
	env := newEnv(t, testStore(t))
	var detachedRan bool
	err := env.Run(context.Background(), Background, func(ctx context.Context) error {
		detached := Detach(ctx)
		_, ok := FromContext(detached)
		assert.False(t, ok)

		// A detached goroutine waiting on Background must go through the
		// queue rather than run inline.
		done := make(chan error, 1)
		go func() {
			done <- env.Run(detached, Main, func(ctx context.Context) error {
				id, _ := FromContext(ctx)
				assert.Equal(t, Main, id)
				detachedRan = true
				return nil
			})
		}()
		return <-done
	})
	require.NoError(t, err)
	assert.True(t, detachedRan)
}
