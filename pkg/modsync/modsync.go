// Package modsync implements the concurrency barrier between the
// orchestrator, which writes runtime fields onto a constellation as tasks
// finish, and an external planner, which rewrites the constellation's
// structure in response. Without this barrier the orchestrator could
// schedule a task the planner is in the middle of deleting, or read a
// dependency set the planner is about to replace.
package modsync

import (
	"context"
	"sync"
	"time"

	"github.com/galaxyhq/galaxy/pkg/constellation"
	"github.com/galaxyhq/galaxy/pkg/log"
	"github.com/galaxyhq/galaxy/pkg/types"
)

// Config controls the safety timeouts described in spec.md §4.8.
type Config struct {
	// PendingTimeout bounds how long a single pending-modification signal
	// waits before auto-resolving.
	PendingTimeout time.Duration
	// BarrierTimeout bounds the overall wait_for_pending_modifications call.
	BarrierTimeout time.Duration
}

// DefaultConfig matches spec.md §4.8's stated default of 600s.
func DefaultConfig() Config {
	return Config{PendingTimeout: 600 * time.Second, BarrierTimeout: 600 * time.Second}
}

type pendingSignal struct {
	signal    *types.OneShot[struct{}]
	createdAt time.Time
}

// Synchronizer is the barrier. It is driven by subscribing it to the event
// bus (see HandleEvent) and consulted by the orchestrator loop via
// WaitForPendingModifications and Merge.
type Synchronizer struct {
	cfg Config

	mu               sync.Mutex
	pending          map[string]*pendingSignal
	captured         *constellation.Constellation
	capturedID       string
	modificationCount map[string]int
}

// New returns a Synchronizer with the given config.
func New(cfg Config) *Synchronizer {
	return &Synchronizer{
		cfg:               cfg,
		pending:           make(map[string]*pendingSignal),
		modificationCount: make(map[string]int),
	}
}

// HandleEvent feeds one bus event into the synchronizer's state machine.
// It is meant to be registered as an event.Bus observer callback.
func (s *Synchronizer) HandleEvent(ev types.Event) {
	switch ev.Kind {
	case types.EventTaskCompleted, types.EventTaskFailed:
		s.arm(ev.TaskID)
	case types.EventConstellationStarted:
		s.mu.Lock()
		s.capturedID = ev.ConstellationID
		s.mu.Unlock()
	case types.EventConstellationModified:
		if next, ok := ev.NewConstellation.(*constellation.Constellation); ok && next != nil {
			s.SetCaptured(ev.ConstellationID, next)
		}
		s.resolve(ev.OnTaskID)
		s.mu.Lock()
		s.modificationCount[ev.ConstellationID]++
		s.mu.Unlock()
	}
}

// arm creates a pending signal for taskID if one does not already exist,
// and starts its own timeout goroutine so a silent planner can never
// deadlock the orchestrator.
func (s *Synchronizer) arm(taskID string) {
	s.mu.Lock()
	if _, exists := s.pending[taskID]; exists {
		s.mu.Unlock()
		return
	}
	sig := &pendingSignal{signal: types.NewOneShot[struct{}](), createdAt: time.Now()}
	s.pending[taskID] = sig
	s.mu.Unlock()

	go func() {
		timer := time.NewTimer(s.cfg.PendingTimeout)
		defer timer.Stop()
		<-timer.C
		s.mu.Lock()
		if current, ok := s.pending[taskID]; ok && current == sig {
			delete(s.pending, taskID)
			log.WithTaskID(taskID).Warn().Msg("pending modification auto-resolved after timeout: safety violation, planner did not respond")
		}
		s.mu.Unlock()
		sig.signal.Fire(struct{}{})
	}()
}

// resolve fires the pending signal for each task id, if one exists.
func (s *Synchronizer) resolve(taskIDs []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range taskIDs {
		if sig, ok := s.pending[id]; ok {
			delete(s.pending, id)
			sig.signal.Fire(struct{}{})
		}
	}
}

// SetCaptured installs the constellation the planner most recently
// published, replacing whatever was captured before. HandleEvent calls this
// automatically when a CONSTELLATION_MODIFIED event carries a
// NewConstellation payload; it remains exported so a caller wiring a planner
// through something other than the event bus can install one directly.
func (s *Synchronizer) SetCaptured(id string, c *constellation.Constellation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.capturedID = id
	s.captured = c
}

// WaitForPendingModifications blocks until every currently pending
// modification signal has resolved, re-checking for newly armed signals as
// it goes, or until the overall barrier timeout elapses. On overall
// timeout it clears the pending set and returns false; the caller must
// treat that as a logged safety condition, not an error.
func (s *Synchronizer) WaitForPendingModifications() bool {
	deadline := time.Now().Add(s.cfg.BarrierTimeout)
	for {
		snapshot := s.snapshotPending()
		if len(snapshot) == 0 {
			return true
		}
		for _, sig := range snapshot {
			remaining := time.Until(deadline)
			if remaining <= 0 {
				s.clearPending()
				log.Warn("barrier wait exceeded overall timeout, clearing pending modifications")
				return false
			}
			ctx, cancel := context.WithTimeout(context.Background(), remaining)
			_, ok := sig.signal.Wait(ctx)
			cancel()
			if !ok {
				s.clearPending()
				log.Warn("barrier wait exceeded overall timeout, clearing pending modifications")
				return false
			}
		}
	}
}

func (s *Synchronizer) snapshotPending() []*pendingSignal {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*pendingSignal, 0, len(s.pending))
	for _, sig := range s.pending {
		out = append(out, sig)
	}
	return out
}

func (s *Synchronizer) clearPending() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = make(map[string]*pendingSignal)
}

// Merge reconciles the orchestrator's local (runtime) view with the
// planner's captured (structural) view, preferring the captured
// constellation as the structural base and copying runtime fields —
// status, result, error, timestamps — from local wherever local's status
// is more advanced per the PENDING < WAITING_DEPENDENCY < RUNNING <
// terminal ordering. If nothing has been captured yet, local is returned
// unchanged.
func (s *Synchronizer) Merge(local *constellation.Constellation) *constellation.Constellation {
	s.mu.Lock()
	captured := s.captured
	s.mu.Unlock()

	if captured == nil {
		return local
	}

	// PENDING and WAITING_DEPENDENCY are derived from graph structure by
	// ReadyTasks, so only RUNNING and terminal states — the two statuses a
	// plain structural copy could never reconstruct — need an explicit
	// runtime-field copy here.
	for _, localTask := range local.Tasks() {
		capturedTask, err := captured.Task(localTask.ID)
		if err != nil {
			// task no longer exists in the planner's structural view
			continue
		}
		if !localTask.Status.MoreAdvancedThan(capturedTask.Status) {
			continue
		}
		switch {
		case localTask.Status.IsTerminal():
			_ = captured.MarkTaskStarted(localTask.ID, localTask.DeviceID, localTask.StartedAt)
			_, _ = captured.MarkTaskTerminal(types.ExecutionResult{
				TaskID: localTask.ID,
				Status: localTask.Status,
				Result: localTask.Result,
				Error:  localTask.Error,
			}, localTask.EndedAt)
		case localTask.Status == types.TaskRunning:
			_ = captured.MarkTaskStarted(localTask.ID, localTask.DeviceID, localTask.StartedAt)
		}
	}
	return captured
}

// ModificationCount returns how many CONSTELLATION_MODIFIED events have
// been observed for a given constellation id.
func (s *Synchronizer) ModificationCount(constellationID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.modificationCount[constellationID]
}
