package orchestrator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/galaxyhq/galaxy/pkg/constellation"
	"github.com/galaxyhq/galaxy/pkg/events"
	"github.com/galaxyhq/galaxy/pkg/modsync"
	"github.com/galaxyhq/galaxy/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collectEvents(bus *events.Bus) (*[]types.Event, *sync.Mutex) {
	var mu sync.Mutex
	var collected []types.Event
	bus.Subscribe(func(ev types.Event) {
		mu.Lock()
		collected = append(collected, ev)
		mu.Unlock()
	})
	return &collected, &mu
}

// scenario 1: linear chain A -> B -> C, single device, all succeed.
func TestLinearChainOnSingleDevice(t *testing.T) {
	bus := events.New()
	defer bus.Close()
	collected, mu := collectEvents(bus)

	c := constellation.New("c1", "linear")
	require.NoError(t, c.AddTask(&types.Task{ID: "A", Status: types.TaskPending}))
	require.NoError(t, c.AddTask(&types.Task{ID: "B", Status: types.TaskPending}))
	require.NoError(t, c.AddTask(&types.Task{ID: "C", Status: types.TaskPending}))
	require.NoError(t, c.AddDependency(&types.Dependency{ID: "d1", FromTaskID: "A", ToTaskID: "B", Kind: types.DependencySuccessOnly}))
	require.NoError(t, c.AddDependency(&types.Dependency{ID: "d2", FromTaskID: "B", ToTaskID: "C", Kind: types.DependencySuccessOnly}))

	assign := func(ctx context.Context, deviceID string, task *types.Task) types.ExecutionResult {
		return types.Succeeded(task.ID, deviceID, nil)
	}

	// No planner is attached, so each completion's pending modification is
	// resolved only by PendingTimeout; keep it short.
	sync := modsync.New(modsync.Config{PendingTimeout: 10 * time.Millisecond, BarrierTimeout: time.Second})
	bus.Subscribe(sync.HandleEvent)
	o := New(DefaultConfig(), bus, sync, assign)

	assignments := map[string]string{"A": "D1", "B": "D1", "C": "D1"}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, o.Run(ctx, c, assignments, nil, nil))

	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()

	var kinds []types.EventKind
	for _, ev := range *collected {
		kinds = append(kinds, ev.Kind)
	}
	assert.Contains(t, kinds, types.EventConstellationStarted)
	assert.Contains(t, kinds, types.EventConstellationCompleted)

	stats := c.Statistics()
	assert.Equal(t, 3, stats[string(types.TaskCompleted)])
}

// scenario 2: parallel fan-out after root completes.
func TestParallelFanOut(t *testing.T) {
	bus := events.New()
	defer bus.Close()

	c := constellation.New("c1", "fanout")
	require.NoError(t, c.AddTask(&types.Task{ID: "root", Status: types.TaskPending}))
	require.NoError(t, c.AddTask(&types.Task{ID: "leafA", Status: types.TaskPending}))
	require.NoError(t, c.AddTask(&types.Task{ID: "leafB", Status: types.TaskPending}))
	require.NoError(t, c.AddTask(&types.Task{ID: "leafC", Status: types.TaskPending}))
	for _, leaf := range []string{"leafA", "leafB", "leafC"} {
		require.NoError(t, c.AddDependency(&types.Dependency{ID: "d-" + leaf, FromTaskID: "root", ToTaskID: leaf, Kind: types.DependencySuccessOnly}))
	}

	assign := func(ctx context.Context, deviceID string, task *types.Task) types.ExecutionResult {
		return types.Succeeded(task.ID, deviceID, nil)
	}
	devices := []*types.Device{
		{ID: "D1", Status: types.DeviceIdle},
		{ID: "D2", Status: types.DeviceIdle},
		{ID: "D3", Status: types.DeviceIdle},
	}

	// No planner is attached, so each completion's pending modification is
	// resolved only by PendingTimeout; keep it short.
	sync := modsync.New(modsync.Config{PendingTimeout: 10 * time.Millisecond, BarrierTimeout: time.Second})
	bus.Subscribe(sync.HandleEvent)
	o := New(DefaultConfig(), bus, sync, assign)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, o.Run(ctx, c, map[string]string{"root": "D1"}, RoundRobin(), devices))

	stats := c.Statistics()
	assert.Equal(t, 4, stats[string(types.TaskCompleted)])
}

// scenario 6: queue ordering is enforced by pkg/queue, not the
// orchestrator; here we confirm the orchestrator itself does not dispatch
// a task more than once even across overlapping ready-set evaluations.
func TestTaskDispatchedExactlyOnce(t *testing.T) {
	bus := events.New()
	defer bus.Close()

	c := constellation.New("c1", "single")
	require.NoError(t, c.AddTask(&types.Task{ID: "T1", Status: types.TaskPending}))

	var calls int
	var mu sync.Mutex
	assign := func(ctx context.Context, deviceID string, task *types.Task) types.ExecutionResult {
		mu.Lock()
		calls++
		mu.Unlock()
		return types.Succeeded(task.ID, deviceID, nil)
	}

	// No planner is attached, so each completion's pending modification is
	// resolved only by PendingTimeout; keep it short.
	sync := modsync.New(modsync.Config{PendingTimeout: 10 * time.Millisecond, BarrierTimeout: time.Second})
	bus.Subscribe(sync.HandleEvent)
	o := New(DefaultConfig(), bus, sync, assign)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, o.Run(ctx, c, map[string]string{"T1": "D1"}, nil, nil))

	mu.Lock()
	assert.Equal(t, 1, calls)
	mu.Unlock()
}

func TestEmptyConstellationCompletesImmediately(t *testing.T) {
	bus := events.New()
	defer bus.Close()
	c := constellation.New("c1", "empty")

	sync := modsync.New(modsync.DefaultConfig())
	o := New(DefaultConfig(), bus, sync, func(ctx context.Context, deviceID string, task *types.Task) types.ExecutionResult {
		t.Fatal("assign should never be called for an empty constellation")
		return types.ExecutionResult{}
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, o.Run(ctx, c, nil, nil, nil))
}
