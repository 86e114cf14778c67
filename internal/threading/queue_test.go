package threading

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTaskQueue_FIFO(t *testing.T) {
	q := newTaskQueue()
	var got []int
	for i := 1; i <= 3; i++ {
		require.True(t, q.Enqueue(func(context.Context) { got = append(got, i) }))
	}
	assert.Equal(t, 3, q.Len())

	for {
		task, ok := q.TryDequeue()
		if !ok {
			break
		}
		task(context.Background())
	}
	assert.Equal(t, []int{1, 2, 3}, got)
	assert.Equal(t, 0, q.Len())
}

func TestTaskQueue_CloseWakesWaiter(t *testing.T) {
	q := newTaskQueue()
	woke := make(chan struct{})
	go func() {
		<-q.Wait()
		close(woke)
	}()

	q.Close()
	select {
	case <-woke:
	case <-time.After(time.Second):
		t.Fatal("waiter not woken by Close")
	}
	assert.False(t, q.Enqueue(func(context.Context) {}))
	assert.True(t, q.Drained())
	q.Close()
}

func TestTaskQueue_DrainsAfterClose(t *testing.T) {
	q := newTaskQueue()
	q.Enqueue(func(context.Context) {})
	q.Close()
	assert.False(t, q.Drained())
	_, ok := q.TryDequeue()
	assert.True(t, ok)
	assert.True(t, q.Drained())
}
