package types

import "time"

// EventKind enumerates every event the bus carries. Kinds are grouped the
// same way spec.md §3 groups them: task-level, constellation-level,
// device-level, and agent-output events.
type EventKind string

const (
	EventTaskStarted   EventKind = "task_started"
	EventTaskCompleted EventKind = "task_completed"
	EventTaskFailed    EventKind = "task_failed"

	EventConstellationStarted   EventKind = "constellation_started"
	EventConstellationCompleted EventKind = "constellation_completed"
	EventConstellationFailed    EventKind = "constellation_failed"
	EventConstellationCancelled EventKind = "constellation_cancelled"
	EventConstellationModified  EventKind = "constellation_modified"

	EventDeviceConnected      EventKind = "device_connected"
	EventDeviceDisconnected   EventKind = "device_disconnected"
	EventDeviceStatusChanged  EventKind = "device_status_changed"

	EventAgentResponse EventKind = "agent_response"
	EventAgentAction   EventKind = "agent_action"
)

// Event is the stable envelope every observer sees off the bus (spec.md
// §6.4). It is a single struct rather than a Go sum-type interface so that
// the wire schema (kind + source + timestamp + variant fields) stays fixed
// regardless of which fields a given Kind populates; unused fields are left
// zero-valued, matching the "dynamic attribute bag kept typed at the
// boundary" guidance of spec.md §9.
type Event struct {
	Kind      EventKind
	SourceID  string
	Timestamp time.Time
	Attrs     map[string]any

	// TaskEvent fields.
	TaskID     string
	TaskStatus TaskStatus
	Result     map[string]any
	Err        string

	// ConstellationEvent fields.
	ConstellationID    string
	ConstellationState string
	NewlyReady         []string
	Before             *ConstellationRef
	After              *ConstellationRef
	Statistics         map[string]int
	Duration           time.Duration
	OnTaskID           []string
	ModificationType   string

	// NewConstellation carries the actual rebuilt graph for a
	// CONSTELLATION_MODIFIED event (spec.md §4.8's new_constellation). It is
	// typed any rather than *constellation.Constellation because pkg/types
	// sits below pkg/constellation in the import graph; publishers set it to
	// a *constellation.Constellation and pkg/modsync, which already imports
	// that package, type-asserts it back. Before/After stay id/count refs for
	// observers that only need to know a modification happened, not replay it.
	NewConstellation any

	// DeviceEvent fields.
	DeviceID       string
	DeviceStatus   DeviceStatus
	RegistrySnapshot []*Device

	// AgentEvent fields.
	AgentName  string
	AgentType  string
	OutputType string
	OutputData map[string]any
}

// ConstellationRef is an opaque before/after reference attached to a
// CONSTELLATION_MODIFIED event. It deliberately carries only an id and a
// task/dependency count rather than the full graph, so that event consumers
// never mutate a constellation by holding onto an event.
type ConstellationRef struct {
	ID          string
	TaskCount   int
	EdgeCount   int
}
