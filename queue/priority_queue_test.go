package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPriorityOrderingWithinCapacity(t *testing.T) {
	q := New(10, 1)
	ctx := context.Background()
	require.NoError(t, q.Push(ctx, 0, "low-1"))
	require.NoError(t, q.Push(ctx, 10, "high-1"))
	require.NoError(t, q.Push(ctx, 0, "low-2"))
	require.NoError(t, q.Push(ctx, 10, "high-2"))

	var got []string
	for i := 0; i < 4; i++ {
		v, err := q.Pop(ctx)
		require.NoError(t, err)
		got = append(got, v.(string))
	}
	assert.Equal(t, []string{"high-1", "high-2", "low-1", "low-2"}, got)
}

func TestPushBlocksUntilCapacityFrees(t *testing.T) {
	q := New(1, 1)
	ctx := context.Background()
	require.NoError(t, q.Push(ctx, 0, "first"))

	pushed := make(chan struct{})
	go func() {
		require.NoError(t, q.Push(ctx, 0, "second"))
		close(pushed)
	}()

	select {
	case <-pushed:
		t.Fatal("second push admitted before capacity freed")
	case <-time.After(50 * time.Millisecond):
	}

	v, err := q.Pop(ctx)
	require.NoError(t, err)
	assert.Equal(t, "first", v)

	select {
	case <-pushed:
	case <-time.After(time.Second):
		t.Fatal("second push never admitted after capacity freed")
	}
}

func TestTryPushReturnsErrFullWhenSaturated(t *testing.T) {
	q := New(1, 1)
	require.NoError(t, q.TryPush(0, "a"))
	err := q.TryPush(0, "b")
	assert.ErrorIs(t, err, ErrFull)
}

func TestPushRespectsContextCancellation(t *testing.T) {
	q := New(1, 1)
	require.NoError(t, q.TryPush(0, "full"))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := q.Push(ctx, 0, "blocked")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestCloseUnblocksPendingPop(t *testing.T) {
	q := New(1, 1)
	done := make(chan error, 1)
	go func() {
		_, err := q.Pop(context.Background())
		done <- err
	}()
	time.Sleep(20 * time.Millisecond)
	q.Close()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("Pop did not unblock on Close")
	}
}

func TestRunWorkersBoundsConcurrency(t *testing.T) {
	q := New(100, 2)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	var active, maxActive int
	var processed sync.WaitGroup
	processed.Add(20)

	wg := q.RunWorkers(ctx, func(_ context.Context, _ any) {
		mu.Lock()
		active++
		if active > maxActive {
			maxActive = active
		}
		mu.Unlock()

		time.Sleep(10 * time.Millisecond)

		mu.Lock()
		active--
		mu.Unlock()
		processed.Done()
	})

	for i := 0; i < 20; i++ {
		require.NoError(t, q.Push(context.Background(), 0, i))
	}
	processed.Wait()
	cancel()
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.LessOrEqual(t, maxActive, 2)
}
