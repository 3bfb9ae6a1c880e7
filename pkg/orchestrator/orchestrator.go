// Package orchestrator drives a single constellation to terminal state: the
// six-step loop of spec.md §4.7 — cancellation gate, barrier wait, state
// merge, assignment validation, dispatch, await — implemented with
// golang.org/x/sync/errgroup managing the in-flight execution units.
package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/galaxyhq/galaxy/pkg/constellation"
	"github.com/galaxyhq/galaxy/pkg/events"
	"github.com/galaxyhq/galaxy/pkg/log"
	"github.com/galaxyhq/galaxy/pkg/modsync"
	"github.com/galaxyhq/galaxy/pkg/types"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Assigner performs the actual device dispatch for one task, returning an
// ExecutionResult value. In production this is the fleet manager's Assign;
// tests supply a fake.
type Assigner func(ctx context.Context, deviceID string, task *types.Task) types.ExecutionResult

// Strategy chooses a device for a task that has no manual assignment.
// Returning "" means no eligible device was found.
type Strategy func(task *types.Task, devices []*types.Device) string

// RoundRobin cycles through devices whose declared capabilities satisfy
// the task's RequiredCapabilities, advancing a shared cursor across calls
// so consecutive unassigned tasks fan out rather than piling onto one
// device.
func RoundRobin() Strategy {
	var mu sync.Mutex
	cursor := 0
	return func(task *types.Task, devices []*types.Device) string {
		mu.Lock()
		defer mu.Unlock()

		var eligible []*types.Device
		for _, d := range devices {
			if d.SatisfiesCapabilities(task.RequiredCapabilities) {
				eligible = append(eligible, d)
			}
		}
		if len(eligible) == 0 {
			return ""
		}
		sort.Slice(eligible, func(i, j int) bool { return eligible[i].ID < eligible[j].ID })
		chosen := eligible[cursor%len(eligible)]
		cursor++
		return chosen.ID
	}
}

// Config holds loop settings. Run does not read BarrierWaitTimeout: the
// barrier wait is bounded only by the synchronizer's own BarrierTimeout
// and PendingTimeout.
type Config struct {
	BarrierWaitTimeout time.Duration
}

// DefaultConfig returns sensible loop timing.
func DefaultConfig() Config {
	return Config{BarrierWaitTimeout: 600 * time.Second}
}

// Orchestrator runs constellations to completion.
type Orchestrator struct {
	cfg    Config
	bus    *events.Bus
	sync   *modsync.Synchronizer
	assign Assigner
}

// New returns an Orchestrator wired to the given bus, synchronizer, and
// device assigner.
func New(cfg Config, bus *events.Bus, sync *modsync.Synchronizer, assign Assigner) *Orchestrator {
	return &Orchestrator{cfg: cfg, bus: bus, sync: sync, assign: assign}
}

// Run drives c to terminal state. assignments maps task id to a manual
// device id; tasks absent from it fall back to strategy. A task with
// neither a manual assignment nor a strategy-chosen device is a validation
// error that fails that one task rather than aborting the run.
func (o *Orchestrator) Run(ctx context.Context, c *constellation.Constellation, assignments map[string]string, strategy Strategy, devices []*types.Device) error {
	logger := log.WithConstellationID(c.ID())
	start := time.Now()

	o.bus.Publish(types.Event{Kind: types.EventConstellationStarted, ConstellationID: c.ID(), SourceID: c.ID()})

	g, gctx := errgroup.WithContext(ctx)
	inFlight := make(map[string]chan struct{})
	var inFlightMu sync.Mutex
	results := make(chan struct{}, 1)

	for {
		select {
		case <-ctx.Done():
			// in-flight execute() goroutines observe gctx cancellation inside
			// o.assign and return promptly; drain them before publishing the
			// terminal event, per spec.md §5's cancellation semantics.
			o.awaitAllInFlight(&inFlightMu, inFlight)
			o.finish(c, logger, start, true)
			return nil
		default:
		}

		if !o.sync.WaitForPendingModifications() {
			logger.Warn().Msg("proceeding past barrier timeout")
		}

		c = o.sync.Merge(c)

		if c.IsComplete() {
			o.awaitAllInFlight(&inFlightMu, inFlight)
			o.finish(c, logger, start, false)
			return nil
		}

		ready := c.ReadyTasks()
		for _, task := range ready {
			deviceID, err := o.resolveDevice(task, assignments, strategy, devices)
			if err != nil {
				_, markErr := c.MarkTaskTerminal(types.Failed(task.ID, "", err.Error(), types.ErrorExecution), time.Now())
				if markErr == nil {
					o.bus.Publish(types.Event{Kind: types.EventTaskFailed, TaskID: task.ID, ConstellationID: c.ID(), Err: err.Error()})
				}
				continue
			}

			inFlightMu.Lock()
			if _, already := inFlight[task.ID]; already {
				inFlightMu.Unlock()
				continue
			}
			done := make(chan struct{})
			inFlight[task.ID] = done
			inFlightMu.Unlock()

			taskID, cons := task.ID, c
			g.Go(func() error {
				defer close(done)
				o.execute(gctx, cons, taskID, deviceID)
				select {
				case results <- struct{}{}:
				default:
				}
				return nil
			})
		}

		select {
		case <-ctx.Done():
		case <-results:
		case <-time.After(50 * time.Millisecond):
			// nothing dispatched and nothing finished; avoid a tight spin
			// while waiting on an external planner to unblock WAITING_DEPENDENCY tasks.
		}
	}
}

func (o *Orchestrator) resolveDevice(task *types.Task, assignments map[string]string, strategy Strategy, devices []*types.Device) (string, error) {
	if deviceID, ok := assignments[task.ID]; ok {
		return deviceID, nil
	}
	if strategy == nil {
		return "", fmt.Errorf("task %s: %w (no manual assignment and no strategy configured)", task.ID, types.ErrInvalidAssignment)
	}
	deviceID := strategy(task, devices)
	if deviceID == "" {
		return "", fmt.Errorf("task %s: %w", task.ID, types.ErrInvalidAssignment)
	}
	return deviceID, nil
}

// execute is one dispatch's execution unit: mark RUNNING, publish
// TASK_STARTED, assign, mark terminal, publish TASK_COMPLETED/FAILED.
func (o *Orchestrator) execute(ctx context.Context, c *constellation.Constellation, taskID, deviceID string) {
	_ = c.MarkTaskStarted(taskID, deviceID, time.Now())
	o.bus.Publish(types.Event{Kind: types.EventTaskStarted, TaskID: taskID, DeviceID: deviceID, ConstellationID: c.ID()})

	task, err := c.Task(taskID)
	if err != nil {
		return
	}
	result := o.assign(ctx, deviceID, task)

	newlyReady, err := c.MarkTaskTerminal(result, time.Now())
	if err != nil {
		return
	}

	kind := types.EventTaskCompleted
	if result.Status != types.TaskCompleted {
		kind = types.EventTaskFailed
	}
	o.bus.Publish(types.Event{
		Kind:            kind,
		TaskID:          taskID,
		DeviceID:        deviceID,
		ConstellationID: c.ID(),
		TaskStatus:      result.Status,
		Result:          result.Result,
		Err:             result.Error,
		NewlyReady:      newlyReady,
	})
}

func (o *Orchestrator) awaitAllInFlight(mu *sync.Mutex, inFlight map[string]chan struct{}) {
	mu.Lock()
	pending := make([]chan struct{}, 0, len(inFlight))
	for _, ch := range inFlight {
		pending = append(pending, ch)
	}
	mu.Unlock()
	for _, ch := range pending {
		<-ch
	}
}

func (o *Orchestrator) finish(c *constellation.Constellation, logger zerolog.Logger, start time.Time, cancelled bool) {
	stats := c.Statistics()
	duration := time.Since(start)
	kind := types.EventConstellationCompleted
	switch {
	case cancelled:
		kind = types.EventConstellationCancelled
	case !c.Succeeded():
		kind = types.EventConstellationFailed
	}
	o.bus.Publish(types.Event{
		Kind:            kind,
		ConstellationID: c.ID(),
		Statistics:      stats,
		Duration:        duration,
	})
}
