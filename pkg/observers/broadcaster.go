package observers

import (
	"sync"

	"github.com/galaxyhq/galaxy/pkg/log"
	"github.com/galaxyhq/galaxy/pkg/types"
)

// SnapshotSink receives a registry snapshot. A sink whose buffer is full
// when a snapshot arrives is removed from the broadcaster and its channel
// is closed.
type SnapshotSink chan []*types.Device

const sinkBuffer = 16

// SnapshotBroadcaster fans every DeviceEvent's attached registry snapshot
// out to a set of sinks, for example a web UI's push channel. It never
// blocks the bus: a sink whose buffer is full misses that update and is
// dropped from the set.
type SnapshotBroadcaster struct {
	mu    sync.Mutex
	sinks map[string]SnapshotSink
}

// NewSnapshotBroadcaster returns a ready-to-subscribe SnapshotBroadcaster.
func NewSnapshotBroadcaster() *SnapshotBroadcaster {
	return &SnapshotBroadcaster{sinks: make(map[string]SnapshotSink)}
}

// AddSink registers a new sink under id, returning the channel it should
// read from. Registering the same id twice replaces the previous sink.
func (b *SnapshotBroadcaster) AddSink(id string) SnapshotSink {
	b.mu.Lock()
	defer b.mu.Unlock()
	sink := make(SnapshotSink, sinkBuffer)
	b.sinks[id] = sink
	return sink
}

// RemoveSink unregisters a sink and closes its channel.
func (b *SnapshotBroadcaster) RemoveSink(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sink, ok := b.sinks[id]
	if !ok {
		return
	}
	delete(b.sinks, id)
	close(sink)
}

// HandleEvent is a events.Handler suitable for events.Bus.Subscribe. Only
// DeviceEvents carry a registry snapshot; every other kind is ignored.
func (b *SnapshotBroadcaster) HandleEvent(ev types.Event) {
	if ev.RegistrySnapshot == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, sink := range b.sinks {
		select {
		case sink <- ev.RegistrySnapshot:
		default:
			log.WithComponent("observers").Warn().Str("sink", id).Msg("snapshot sink buffer full, dropping sink")
			delete(b.sinks, id)
			close(sink)
		}
	}
}

// SinkCount returns the number of registered sinks.
func (b *SnapshotBroadcaster) SinkCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.sinks)
}
