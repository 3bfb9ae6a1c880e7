package observers

import (
	"testing"

	"github.com/galaxyhq/galaxy/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBroadcasterForwardsSnapshotsToRegisteredSinks(t *testing.T) {
	b := NewSnapshotBroadcaster()
	sink := b.AddSink("ui-1")
	assert.Equal(t, 1, b.SinkCount())

	snapshot := []*types.Device{{ID: "d1"}}
	b.HandleEvent(types.Event{Kind: types.EventDeviceConnected, RegistrySnapshot: snapshot})

	select {
	case got := <-sink:
		require.Len(t, got, 1)
		assert.Equal(t, "d1", got[0].ID)
	default:
		t.Fatal("expected a snapshot on the sink channel")
	}
}

func TestBroadcasterIgnoresEventsWithoutSnapshot(t *testing.T) {
	b := NewSnapshotBroadcaster()
	sink := b.AddSink("ui-1")
	b.HandleEvent(types.Event{Kind: types.EventTaskCompleted})
	select {
	case <-sink:
		t.Fatal("did not expect a snapshot for a non-device event")
	default:
	}
}

func TestBroadcasterDropsUpdateWhenSinkBufferFull(t *testing.T) {
	b := NewSnapshotBroadcaster()
	sink := b.AddSink("ui-1")
	for i := 0; i < sinkBuffer+5; i++ {
		b.HandleEvent(types.Event{Kind: types.EventDeviceConnected, RegistrySnapshot: []*types.Device{{ID: "d1"}}})
	}
	assert.LessOrEqual(t, len(sink), sinkBuffer)
}

func TestRemoveSinkStopsDelivery(t *testing.T) {
	b := NewSnapshotBroadcaster()
	b.AddSink("ui-1")
	b.RemoveSink("ui-1")
	assert.Equal(t, 0, b.SinkCount())
}
