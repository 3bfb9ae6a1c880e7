// Package constellation implements the DAG model at the heart of Galaxy: a
// constellation is a set of tasks ("stars") connected by dependencies
// ("lines"), and this package is responsible for validating the graph,
// computing ready sets, and propagating terminal outcomes through it.
//
// The mutation API mirrors the broker/registry shape used across the rest
// of the module (a single RWMutex-guarded owner exposing narrow, validated
// methods) rather than exposing the underlying maps.
package constellation

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/galaxyhq/galaxy/pkg/types"
)

// Constellation is a mutable DAG of tasks. All methods are safe for
// concurrent use.
type Constellation struct {
	mu sync.RWMutex

	id   string
	name string

	tasks map[string]*types.Task
	deps  map[string]*types.Dependency

	// outEdges[taskID] = dependency ids whose FromTaskID == taskID
	outEdges map[string][]string
	// inEdges[taskID] = dependency ids whose ToTaskID == taskID
	inEdges map[string][]string

	modificationCount int
}

// New returns an empty constellation.
func New(id, name string) *Constellation {
	return &Constellation{
		id:       id,
		name:     name,
		tasks:    make(map[string]*types.Task),
		deps:     make(map[string]*types.Dependency),
		outEdges: make(map[string][]string),
		inEdges:  make(map[string][]string),
	}
}

// ID returns the constellation's identifier.
func (c *Constellation) ID() string { return c.id }

// Name returns the constellation's display name.
func (c *Constellation) Name() string { return c.name }

// AddTask inserts a copy of task, keeping its Status and defaulting an
// empty Status to TaskPending. Returns types.ErrTaskAlreadyExists if the id
// is already in use.
func (c *Constellation) AddTask(task *types.Task) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.tasks[task.ID]; exists {
		return fmt.Errorf("%w: %s", types.ErrTaskAlreadyExists, task.ID)
	}
	stored := task.Clone()
	if stored.Status == "" {
		stored.Status = types.TaskPending
	}
	c.tasks[stored.ID] = stored
	c.modificationCount++
	return nil
}

// RemoveTask deletes a task and every dependency touching it.
func (c *Constellation) RemoveTask(taskID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.tasks[taskID]; !exists {
		return fmt.Errorf("%w: %s", types.ErrTaskNotFound, taskID)
	}
	for _, depID := range append(append([]string{}, c.outEdges[taskID]...), c.inEdges[taskID]...) {
		c.removeDependencyLocked(depID)
	}
	delete(c.tasks, taskID)
	delete(c.outEdges, taskID)
	delete(c.inEdges, taskID)
	c.modificationCount++
	return nil
}

// AddDependency adds a directed edge from -> to. It rejects self-loops,
// references to unknown tasks, and edges that would create a cycle.
func (c *Constellation) AddDependency(dep *types.Dependency) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if dep.FromTaskID == dep.ToTaskID {
		return fmt.Errorf("%w: %s", types.ErrSelfDependency, dep.FromTaskID)
	}
	if _, ok := c.tasks[dep.FromTaskID]; !ok {
		return fmt.Errorf("%w: %s", types.ErrUnknownDependency, dep.FromTaskID)
	}
	if _, ok := c.tasks[dep.ToTaskID]; !ok {
		return fmt.Errorf("%w: %s", types.ErrUnknownDependency, dep.ToTaskID)
	}

	c.outEdges[dep.FromTaskID] = append(c.outEdges[dep.FromTaskID], dep.ID)
	c.inEdges[dep.ToTaskID] = append(c.inEdges[dep.ToTaskID], dep.ID)
	c.deps[dep.ID] = dep

	if c.hasCycleLocked() {
		c.removeDependencyLocked(dep.ID)
		return fmt.Errorf("%w: %s -> %s", types.ErrCycle, dep.FromTaskID, dep.ToTaskID)
	}

	c.modificationCount++
	return nil
}

// RemoveDependency deletes an edge by id.
func (c *Constellation) RemoveDependency(depID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.deps[depID]; !ok {
		return nil
	}
	c.removeDependencyLocked(depID)
	c.modificationCount++
	return nil
}

func (c *Constellation) removeDependencyLocked(depID string) {
	dep, ok := c.deps[depID]
	if !ok {
		return
	}
	c.outEdges[dep.FromTaskID] = removeString(c.outEdges[dep.FromTaskID], depID)
	c.inEdges[dep.ToTaskID] = removeString(c.inEdges[dep.ToTaskID], depID)
	delete(c.deps, depID)
}

func removeString(s []string, v string) []string {
	out := s[:0]
	for _, x := range s {
		if x != v {
			out = append(out, x)
		}
	}
	return out
}

// Validate reports whether the graph is currently acyclic and every
// dependency references existing tasks. AddDependency already prevents
// these conditions from arising, so Validate exists for callers that build
// a constellation outside of this package's mutators (e.g. a planner
// restoring a snapshot) and want a single check before use.
func (c *Constellation) Validate() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for _, dep := range c.deps {
		if _, ok := c.tasks[dep.FromTaskID]; !ok {
			return fmt.Errorf("%w: %s", types.ErrUnknownDependency, dep.FromTaskID)
		}
		if _, ok := c.tasks[dep.ToTaskID]; !ok {
			return fmt.Errorf("%w: %s", types.ErrUnknownDependency, dep.ToTaskID)
		}
	}
	if c.hasCycleLocked() {
		return types.ErrCycle
	}
	return nil
}

// hasCycleLocked runs a white/gray/black DFS over the whole graph. Caller
// must hold mu (read or write).
func (c *Constellation) hasCycleLocked() bool {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(c.tasks))
	var visit func(id string) bool
	visit = func(id string) bool {
		color[id] = gray
		for _, depID := range c.outEdges[id] {
			dep := c.deps[depID]
			next := dep.ToTaskID
			switch color[next] {
			case gray:
				return true
			case white:
				if visit(next) {
					return true
				}
			}
		}
		color[id] = black
		return false
	}
	for id := range c.tasks {
		if color[id] == white {
			if visit(id) {
				return true
			}
		}
	}
	return false
}

// Task returns a copy of the task by id.
func (c *Constellation) Task(taskID string) (*types.Task, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.tasks[taskID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", types.ErrTaskNotFound, taskID)
	}
	return t.Clone(), nil
}

// Tasks returns a copy of every task, unordered.
func (c *Constellation) Tasks() []*types.Task {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*types.Task, 0, len(c.tasks))
	for _, t := range c.tasks {
		out = append(out, t.Clone())
	}
	return out
}

// Dependencies returns a copy of every dependency edge.
func (c *Constellation) Dependencies() []*types.Dependency {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*types.Dependency, 0, len(c.deps))
	for _, d := range c.deps {
		cp := *d
		out = append(out, &cp)
	}
	return out
}

// ReadyTasks returns every TaskPending task whose incoming dependencies are
// all satisfied, sorted highest Priority first and then by ID for
// determinism. A task with unmet dependencies is flipped to
// TaskWaitingDependency as a side effect, mirroring the lazy status
// transition described in spec.md §4.1.
func (c *Constellation) ReadyTasks() []*types.Task {
	c.mu.Lock()
	defer c.mu.Unlock()

	var ready []*types.Task
	for id, task := range c.tasks {
		if task.Status != types.TaskPending && task.Status != types.TaskWaitingDependency {
			continue
		}
		if c.dependenciesSatisfiedLocked(id) {
			task.Status = types.TaskPending
			ready = append(ready, task.Clone())
		} else {
			task.Status = types.TaskWaitingDependency
		}
	}
	sort.Slice(ready, func(i, j int) bool {
		if ready[i].Priority != ready[j].Priority {
			return ready[i].Priority > ready[j].Priority
		}
		return ready[i].ID < ready[j].ID
	})
	return ready
}

func (c *Constellation) dependenciesSatisfiedLocked(taskID string) bool {
	for _, depID := range c.inEdges[taskID] {
		dep := c.deps[depID]
		from := c.tasks[dep.FromTaskID]
		if from == nil || !dep.SatisfiedBy(from.Status, from.Result) {
			return false
		}
	}
	return true
}

// MarkTaskStarted transitions a task to TaskRunning.
func (c *Constellation) MarkTaskStarted(taskID, deviceID string, startedAt time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.tasks[taskID]
	if !ok {
		return fmt.Errorf("%w: %s", types.ErrTaskNotFound, taskID)
	}
	t.Status = types.TaskRunning
	t.DeviceID = deviceID
	t.StartedAt = startedAt
	return nil
}

// MarkTaskTerminal records a terminal ExecutionResult against a task and
// returns the set of task ids that newly became ready as a consequence
// (their dependencies are now all satisfied).
func (c *Constellation) MarkTaskTerminal(result types.ExecutionResult, endedAt time.Time) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	t, ok := c.tasks[result.TaskID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", types.ErrTaskNotFound, result.TaskID)
	}
	t.Status = result.Status
	t.Result = result.Result
	t.Error = result.Error
	t.EndedAt = endedAt

	var newlyReady []string
	for id, other := range c.tasks {
		if other.Status != types.TaskWaitingDependency && other.Status != types.TaskPending {
			continue
		}
		if c.dependenciesSatisfiedLocked(id) {
			if other.Status == types.TaskWaitingDependency {
				newlyReady = append(newlyReady, id)
			}
			other.Status = types.TaskPending
		}
	}
	sort.Strings(newlyReady)
	return newlyReady, nil
}

// IsComplete reports whether the constellation has nothing left to
// schedule: no task is RUNNING, and no PENDING/WAITING_DEPENDENCY task
// has its dependencies satisfied (i.e. the ready set is empty). This is
// deliberately not "every task is terminal" — a failed task whose
// dependents require SUCCESS_ONLY or CONDITION_WITH_KEYWORD leaves those
// dependents permanently unsatisfied at WAITING_DEPENDENCY, per spec.md
// §7 ("a task that fails does not fail the constellation — only the
// structural consequence of the failure does"), and that case must still
// be reported complete.
func (c *Constellation) IsComplete() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for id, t := range c.tasks {
		if t.Status == types.TaskRunning {
			return false
		}
		if (t.Status == types.TaskPending || t.Status == types.TaskWaitingDependency) && c.dependenciesSatisfiedLocked(id) {
			return false
		}
	}
	return true
}

// Succeeded reports whether every task completed successfully. Meaningless
// unless IsComplete is also true.
func (c *Constellation) Succeeded() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, t := range c.tasks {
		if t.Status != types.TaskCompleted {
			return false
		}
	}
	return true
}

// Statistics returns a count of tasks per status.
func (c *Constellation) Statistics() map[string]int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	stats := make(map[string]int)
	for _, t := range c.tasks {
		stats[string(t.Status)]++
	}
	return stats
}

// ModificationCount returns how many structural mutations (add/remove task
// or dependency) this constellation has accepted since creation.
func (c *Constellation) ModificationCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.modificationCount
}

// TopologicalOrder returns task ids in a valid topological order. It is
// used for deterministic snapshot rendering and tests, not for scheduling
// (scheduling consults ReadyTasks, which accounts for runtime status too).
func (c *Constellation) TopologicalOrder() ([]string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	inDegree := make(map[string]int, len(c.tasks))
	for id := range c.tasks {
		inDegree[id] = len(c.inEdges[id])
	}
	var queue []string
	for id, deg := range inDegree {
		if deg == 0 {
			queue = append(queue, id)
		}
	}
	sort.Strings(queue)

	var order []string
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		order = append(order, id)

		var freed []string
		for _, depID := range c.outEdges[id] {
			dep := c.deps[depID]
			inDegree[dep.ToTaskID]--
			if inDegree[dep.ToTaskID] == 0 {
				freed = append(freed, dep.ToTaskID)
			}
		}
		sort.Strings(freed)
		queue = append(queue, freed...)
	}

	if len(order) != len(c.tasks) {
		return nil, types.ErrCycle
	}
	return order, nil
}
