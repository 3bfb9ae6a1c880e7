// Package registry is the single source of truth for known devices: their
// connection status, capabilities, heartbeat timestamps, and retry
// counters. It is deliberately dumb — it holds state and enforces the
// invariants spec.md §3 attaches to a Device, and leaves connecting,
// dispatching, and heartbeating to pkg/transport, pkg/queue, and
// pkg/heartbeat.
package registry

import (
	"fmt"
	"sync"
	"time"

	"github.com/galaxyhq/galaxy/pkg/types"
)

// Registry stores every known device, keyed by id.
type Registry struct {
	mu      sync.RWMutex
	devices map[string]*types.Device
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{devices: make(map[string]*types.Device)}
}

// Register adds a device in DeviceRegistered state. Calling Register again
// for the same id is idempotent: it updates endpoint/OS/capabilities/metadata
// but leaves status and retry counters untouched, so a planner re-declaring
// a known device doesn't reset its connection state.
func (r *Registry) Register(d *types.Device) *types.Device {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.devices[d.ID]
	if !ok {
		clone := d.Clone()
		if clone.Status == "" {
			clone.Status = types.DeviceRegistered
		}
		r.devices[d.ID] = clone
		return clone.Clone()
	}

	existing.Endpoint = d.Endpoint
	existing.OS = d.OS
	existing.Capabilities = d.Clone().Capabilities
	existing.Metadata = d.Clone().Metadata
	return existing.Clone()
}

// Get returns a copy of the device, or types.ErrDeviceNotFound.
func (r *Registry) Get(id string) (*types.Device, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.devices[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", types.ErrDeviceNotFound, id)
	}
	return d.Clone(), nil
}

// List returns a copy of every registered device. When connectedOnly is
// true it returns only devices with a live transport — CONNECTED, IDLE, or
// BUSY — matching spec.md §4.2's list(connected_only?) signature.
func (r *Registry) List(connectedOnly bool) []*types.Device {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*types.Device, 0, len(r.devices))
	for _, d := range r.devices {
		if connectedOnly && !isLive(d.Status) {
			continue
		}
		out = append(out, d.Clone())
	}
	return out
}

func isLive(status types.DeviceStatus) bool {
	switch status {
	case types.DeviceConnected, types.DeviceIdle, types.DeviceBusy:
		return true
	default:
		return false
	}
}

// SetStatus transitions a device to a new status. It does not itself
// enforce the busy/current-task invariant; callers that move a device into
// DeviceBusy should use SetBusy, and callers that move it out should use
// SetIdle, so the invariant lives in one place.
func (r *Registry) SetStatus(id string, status types.DeviceStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.devices[id]
	if !ok {
		return fmt.Errorf("%w: %s", types.ErrDeviceNotFound, id)
	}
	d.Status = status
	return nil
}

// SetBusy marks a device busy and records the task it is now running.
func (r *Registry) SetBusy(id, taskID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.devices[id]
	if !ok {
		return fmt.Errorf("%w: %s", types.ErrDeviceNotFound, id)
	}
	d.Status = types.DeviceBusy
	d.CurrentTaskID = taskID
	return nil
}

// SetIdle marks a device idle and clears its current task.
func (r *Registry) SetIdle(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.devices[id]
	if !ok {
		return fmt.Errorf("%w: %s", types.ErrDeviceNotFound, id)
	}
	d.Status = types.DeviceIdle
	d.CurrentTaskID = ""
	return nil
}

// NoteHeartbeat records a liveness ping and resets the connection attempt
// counter, since a successful heartbeat is evidence the connection is
// healthy.
func (r *Registry) NoteHeartbeat(id string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.devices[id]
	if !ok {
		return fmt.Errorf("%w: %s", types.ErrDeviceNotFound, id)
	}
	d.LastHeartbeat = at
	d.ConnectionAttempts = 0
	return nil
}

// IncrementAttempts bumps the connection attempt counter and returns the
// new value.
func (r *Registry) IncrementAttempts(id string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.devices[id]
	if !ok {
		return 0, fmt.Errorf("%w: %s", types.ErrDeviceNotFound, id)
	}
	d.ConnectionAttempts++
	return d.ConnectionAttempts, nil
}

// ResetAttempts zeroes the connection attempt counter.
func (r *Registry) ResetAttempts(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.devices[id]
	if !ok {
		return fmt.Errorf("%w: %s", types.ErrDeviceNotFound, id)
	}
	d.ConnectionAttempts = 0
	return nil
}

// Snapshot returns a point-in-time copy of every device, suitable for
// attaching to a DeviceEvent without risking a later mutation leaking
// through a shared pointer.
func (r *Registry) Snapshot() []*types.Device {
	return r.List(false)
}

// FindByCapabilities returns every connected-or-idle device satisfying the
// given capability tags.
func (r *Registry) FindByCapabilities(required []string) []*types.Device {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*types.Device
	for _, d := range r.devices {
		if d.Status != types.DeviceIdle && d.Status != types.DeviceConnected {
			continue
		}
		if d.SatisfiesCapabilities(required) {
			out = append(out, d.Clone())
		}
	}
	return out
}
