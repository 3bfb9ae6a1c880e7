// Package fleet is the Device Fleet Manager facade: a thin composition of
// the registry, transport, heartbeat monitor, and per-device queues,
// patterned on the teacher's worker.Worker struct as a facade over its
// sub-handlers.
package fleet

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/galaxyhq/galaxy/pkg/events"
	"github.com/galaxyhq/galaxy/pkg/heartbeat"
	"github.com/galaxyhq/galaxy/pkg/log"
	"github.com/galaxyhq/galaxy/pkg/queue"
	"github.com/galaxyhq/galaxy/pkg/registry"
	"github.com/galaxyhq/galaxy/pkg/transport"
	"github.com/galaxyhq/galaxy/pkg/types"
)

// Config controls the fleet manager's sub-components.
type Config struct {
	Heartbeat heartbeat.Config
}

// DefaultConfig returns the fleet manager's default sub-configuration.
func DefaultConfig() Config {
	return Config{Heartbeat: heartbeat.DefaultConfig()}
}

// Manager is the Device Fleet Manager.
type Manager struct {
	cfg       Config
	registry  *registry.Registry
	bus       *events.Bus
	heartbeat *heartbeat.Monitor
	queue     *queue.Queue

	transportsMu sync.Mutex
	transports   map[string]*transport.Transport
}

// New returns a Manager publishing device lifecycle events on bus.
func New(cfg Config, bus *events.Bus) *Manager {
	m := &Manager{
		cfg:        cfg,
		registry:   registry.New(),
		bus:        bus,
		transports: make(map[string]*transport.Transport),
	}
	m.queue = queue.New(m.sendTask)
	m.heartbeat = heartbeat.New(cfg.Heartbeat, m.registry, m.dial, m.onDisconnect)
	return m
}

// RegisterDevice adds a device to the registry without connecting it.
func (m *Manager) RegisterDevice(d *types.Device) *types.Device {
	registered := m.registry.Register(d)
	m.publishDeviceEvent(types.EventDeviceStatusChanged, registered.ID)
	return registered
}

// ConnectDevice dials the device's endpoint, completes the
// REGISTER/DEVICE_INFO handshake, records the result in the registry, and
// starts its heartbeat ticker.
func (m *Manager) ConnectDevice(ctx context.Context, deviceID string) error {
	dev, err := m.registry.Get(deviceID)
	if err != nil {
		return err
	}

	_ = m.registry.SetStatus(deviceID, types.DeviceConnecting)
	if _, err := m.registry.IncrementAttempts(deviceID); err != nil {
		return err
	}

	tr := transport.New(deviceID)
	deviceOS, caps, err := tr.Connect(ctx, dev.Endpoint)
	if err != nil {
		_ = m.registry.SetStatus(deviceID, types.DeviceFailed)
		return fmt.Errorf("connect device %s: %w", deviceID, err)
	}

	m.transportsMu.Lock()
	m.transports[deviceID] = tr
	m.transportsMu.Unlock()

	capSet := make(map[string]struct{}, len(caps))
	for _, c := range caps {
		capSet[c] = struct{}{}
	}
	dev.OS = deviceOS
	dev.Capabilities = capSet
	m.registry.Register(dev)
	_ = m.registry.SetStatus(deviceID, types.DeviceIdle)
	_ = m.registry.ResetAttempts(deviceID)

	m.heartbeat.WatchDevice(deviceID, tr)
	m.publishDeviceEvent(types.EventDeviceConnected, deviceID)
	return nil
}

// DisconnectDevice tears down a device's connection deliberately (as
// opposed to the heartbeat monitor detecting one going away on its own).
func (m *Manager) DisconnectDevice(deviceID string) {
	m.heartbeat.StopWatching(deviceID)
	m.transportsMu.Lock()
	tr, ok := m.transports[deviceID]
	delete(m.transports, deviceID)
	m.transportsMu.Unlock()
	if ok {
		tr.Disconnect()
	}
	m.queue.Clear(deviceID)
	_ = m.registry.SetStatus(deviceID, types.DeviceDisconnected)
	m.publishDeviceEvent(types.EventDeviceDisconnected, deviceID)
}

// AssignTaskToDevice enqueues a task for dispatch to a device and returns
// a future resolving to its ExecutionResult.
func (m *Manager) AssignTaskToDevice(ctx context.Context, deviceID string, task *types.Task) *queue.Future {
	return m.queue.Assign(ctx, deviceID, task)
}

// Assign dispatches a task and blocks for its result, adapting the queue's
// future-based API to the synchronous shape orchestrator.Assigner expects.
func (m *Manager) Assign(ctx context.Context, deviceID string, task *types.Task) types.ExecutionResult {
	future := m.AssignTaskToDevice(ctx, deviceID, task)
	result, ok := future.Wait(ctx)
	if !ok {
		return types.Failed(task.ID, deviceID, "assignment cancelled", types.ErrorExecution)
	}
	return result
}

// Devices returns a snapshot of every registered device. Set connectedOnly
// to restrict the result to devices with a live transport.
func (m *Manager) Devices(connectedOnly bool) []*types.Device {
	return m.registry.List(connectedOnly)
}

// Shutdown cancels every reconnect worker, stops every heartbeat ticker,
// closes every transport, and resolves every queued future to FAILED.
func (m *Manager) Shutdown() {
	m.transportsMu.Lock()
	ids := make([]string, 0, len(m.transports))
	for id := range m.transports {
		ids = append(ids, id)
	}
	m.transportsMu.Unlock()

	for _, id := range ids {
		m.DisconnectDevice(id)
	}
}

func (m *Manager) sendTask(ctx context.Context, task *types.Task) types.ExecutionResult {
	m.transportsMu.Lock()
	tr, ok := m.transports[task.DeviceID]
	m.transportsMu.Unlock()
	if !ok {
		return types.Failed(task.ID, task.DeviceID, "device not connected", types.ErrorConnection)
	}
	_ = m.registry.SetBusy(task.DeviceID, task.ID)
	result := tr.SendTask(ctx, task)
	_ = m.registry.SetIdle(task.DeviceID)
	return result
}

func (m *Manager) dial(ctx context.Context, deviceID, endpoint string) (*transport.Transport, string, []string, error) {
	tr := transport.New(deviceID)
	deviceOS, caps, err := tr.Connect(ctx, endpoint)
	if err != nil {
		return nil, "", nil, err
	}
	m.transportsMu.Lock()
	m.transports[deviceID] = tr
	m.transportsMu.Unlock()
	return tr, deviceOS, caps, nil
}

func (m *Manager) onDisconnect(deviceID string) {
	m.queue.Clear(deviceID)
	m.publishDeviceEvent(types.EventDeviceDisconnected, deviceID)
	log.WithDeviceID(deviceID).Warn().Msg("device disconnected")
}

func (m *Manager) publishDeviceEvent(kind types.EventKind, deviceID string) {
	dev, err := m.registry.Get(deviceID)
	status := types.DeviceDisconnected
	if err == nil {
		status = dev.Status
	}
	m.bus.Publish(types.Event{
		Kind:             kind,
		DeviceID:         deviceID,
		DeviceStatus:     status,
		SourceID:         deviceID,
		Timestamp:        time.Now(),
		RegistrySnapshot: m.registry.Snapshot(),
	})
}
