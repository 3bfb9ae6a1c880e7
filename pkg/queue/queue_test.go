package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/galaxyhq/galaxy/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAssignRunsTasksInFIFOOrder(t *testing.T) {
	var mu sync.Mutex
	var order []string

	release := make(chan struct{})
	first := true

	q := New(func(ctx context.Context, task *types.Task) types.ExecutionResult {
		mu.Lock()
		order = append(order, task.ID)
		mu.Unlock()
		if first {
			first = false
			<-release
		}
		return types.Succeeded(task.ID, "dev-1", nil)
	})

	f1 := q.Assign(context.Background(), "dev-1", &types.Task{ID: "t1"})
	f2 := q.Assign(context.Background(), "dev-1", &types.Task{ID: "t2"})

	// t2 must not start until t1's send() returns.
	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	assert.Equal(t, []string{"t1"}, order)
	mu.Unlock()

	close(release)

	r1, ok := f1.Wait(context.Background())
	require.True(t, ok)
	assert.Equal(t, types.TaskCompleted, r1.Status)

	r2, ok := f2.Wait(context.Background())
	require.True(t, ok)
	assert.Equal(t, types.TaskCompleted, r2.Status)

	mu.Lock()
	assert.Equal(t, []string{"t1", "t2"}, order)
	mu.Unlock()
}

func TestDisconnectionClearsQueueAndFailsFutures(t *testing.T) {
	calls := 0
	q := New(func(ctx context.Context, task *types.Task) types.ExecutionResult {
		calls++
		if calls == 1 {
			return types.Failed(task.ID, "dev-1", "connection lost", types.ErrorConnection)
		}
		t.Fatalf("send should not be called again for %s after disconnect", task.ID)
		return types.ExecutionResult{}
	})

	f1 := q.Assign(context.Background(), "dev-1", &types.Task{ID: "t1"})
	f2 := q.Assign(context.Background(), "dev-1", &types.Task{ID: "t2"})

	r1, ok := f1.Wait(context.Background())
	require.True(t, ok)
	assert.True(t, r1.Disconnected)

	r2, ok := f2.Wait(context.Background())
	require.True(t, ok)
	assert.True(t, r2.Disconnected)
	assert.Equal(t, types.ErrorConnection, r2.ErrorCategory)

	assert.Equal(t, 0, q.Len("dev-1"))
}

func TestLenReflectsQueueDepth(t *testing.T) {
	block := make(chan struct{})
	q := New(func(ctx context.Context, task *types.Task) types.ExecutionResult {
		<-block
		return types.Succeeded(task.ID, "dev-1", nil)
	})

	q.Assign(context.Background(), "dev-1", &types.Task{ID: "t1"})
	q.Assign(context.Background(), "dev-1", &types.Task{ID: "t2"})
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, 1, q.Len("dev-1"))
	close(block)
}
