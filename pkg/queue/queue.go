// Package queue implements the per-device task queue: FIFO ordering with
// at-most-one task in flight per device, and futures that resolve either
// when the device replies or when the device disconnects mid-queue.
package queue

import (
	"context"
	"sync"

	"github.com/galaxyhq/galaxy/pkg/types"
)

// Sender performs the actual device I/O for one task and always returns an
// ExecutionResult value (see pkg/transport.Transport.SendTask).
type Sender func(ctx context.Context, task *types.Task) types.ExecutionResult

// Future resolves to the ExecutionResult of one queued task.
type Future struct {
	signal *types.OneShot[types.ExecutionResult]
}

// Wait blocks until the task completes or ctx is cancelled.
func (f *Future) Wait(ctx context.Context) (types.ExecutionResult, bool) {
	return f.signal.Wait(ctx)
}

type entry struct {
	task   *types.Task
	future *Future
}

// deviceQueue is the FIFO state for a single device.
type deviceQueue struct {
	mu      sync.Mutex
	pending []entry
	running bool
}

// Queue owns one deviceQueue per device id.
type Queue struct {
	send Sender

	mu      sync.Mutex
	devices map[string]*deviceQueue
}

// New returns a Queue that dispatches via send.
func New(send Sender) *Queue {
	return &Queue{send: send, devices: make(map[string]*deviceQueue)}
}

func (q *Queue) deviceFor(deviceID string) *deviceQueue {
	q.mu.Lock()
	defer q.mu.Unlock()
	dq, ok := q.devices[deviceID]
	if !ok {
		dq = &deviceQueue{}
		q.devices[deviceID] = dq
	}
	return dq
}

// Assign enqueues a task for the given device and returns a Future that
// resolves once it runs. If the device is idle the task starts
// immediately; otherwise it waits behind whatever is already queued.
func (q *Queue) Assign(ctx context.Context, deviceID string, task *types.Task) *Future {
	future := &Future{signal: types.NewOneShot[types.ExecutionResult]()}
	dq := q.deviceFor(deviceID)

	dq.mu.Lock()
	dq.pending = append(dq.pending, entry{task: task, future: future})
	startNow := !dq.running
	if startNow {
		dq.running = true
	}
	dq.mu.Unlock()

	if startNow {
		go q.drain(ctx, deviceID, dq)
	}
	return future
}

// drain runs the device's queue to empty, one task at a time.
func (q *Queue) drain(ctx context.Context, deviceID string, dq *deviceQueue) {
	for {
		dq.mu.Lock()
		if len(dq.pending) == 0 {
			dq.running = false
			dq.mu.Unlock()
			return
		}
		next := dq.pending[0]
		dq.pending = dq.pending[1:]
		dq.mu.Unlock()

		result := q.send(ctx, next.task)
		next.future.signal.Fire(result)

		if result.Disconnected {
			q.Clear(deviceID)
			return
		}
	}
}

// Clear drains a device's queue immediately, resolving every still-pending
// future with a FAILED/connection_error outcome. Used when a disconnection
// is detected out-of-band, e.g. by the heartbeat monitor.
func (q *Queue) Clear(deviceID string) {
	dq := q.deviceFor(deviceID)
	dq.mu.Lock()
	pending := dq.pending
	dq.pending = nil
	dq.running = false
	dq.mu.Unlock()

	for _, e := range pending {
		failed := types.Failed(e.task.ID, deviceID, "device disconnected", types.ErrorConnection)
		e.future.signal.Fire(failed)
	}
}

// Len returns how many tasks are currently waiting in a device's queue. The
// task in flight has already left the queue and is not counted.
func (q *Queue) Len(deviceID string) int {
	dq := q.deviceFor(deviceID)
	dq.mu.Lock()
	defer dq.mu.Unlock()
	return len(dq.pending)
}
