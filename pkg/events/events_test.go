package events

import (
	"sync"
	"testing"
	"time"

	"github.com/galaxyhq/galaxy/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishDeliversToMatchingSubscribersOnly(t *testing.T) {
	b := New()
	defer b.Close()

	var taskMu sync.Mutex
	var taskEvents []types.Event
	b.Subscribe(func(ev types.Event) {
		taskMu.Lock()
		taskEvents = append(taskEvents, ev)
		taskMu.Unlock()
	}, types.EventTaskCompleted)

	var allMu sync.Mutex
	var allEvents []types.Event
	b.Subscribe(func(ev types.Event) {
		allMu.Lock()
		allEvents = append(allEvents, ev)
		allMu.Unlock()
	})

	b.Publish(types.Event{Kind: types.EventTaskCompleted, TaskID: "t1"})
	b.Publish(types.Event{Kind: types.EventDeviceConnected, DeviceID: "d1"})

	require.Eventually(t, func() bool {
		allMu.Lock()
		defer allMu.Unlock()
		return len(allEvents) == 2
	}, time.Second, time.Millisecond)

	taskMu.Lock()
	assert.Len(t, taskEvents, 1)
	assert.Equal(t, "t1", taskEvents[0].TaskID)
	taskMu.Unlock()
}

func TestPublishOrderPreservedPerSubscriber(t *testing.T) {
	b := New()
	defer b.Close()

	var mu sync.Mutex
	var order []string
	b.Subscribe(func(ev types.Event) {
		mu.Lock()
		order = append(order, ev.TaskID)
		mu.Unlock()
	})

	var want []string
	for i := 0; i < 50; i++ {
		id := string(rune('a' + i%26))
		want = append(want, id)
		b.Publish(types.Event{Kind: types.EventTaskCompleted, TaskID: id})
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 50
	}, time.Second, time.Millisecond)

	mu.Lock()
	assert.Equal(t, want, order)
	mu.Unlock()
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := New()
	defer b.Close()

	var count int
	var mu sync.Mutex
	id := b.Subscribe(func(ev types.Event) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	b.Publish(types.Event{Kind: types.EventTaskCompleted})
	time.Sleep(10 * time.Millisecond)
	b.Unsubscribe(id)
	b.Publish(types.Event{Kind: types.EventTaskCompleted})
	time.Sleep(10 * time.Millisecond)

	mu.Lock()
	assert.Equal(t, 1, count)
	mu.Unlock()
}

func TestHandlerPanicDoesNotCrashBus(t *testing.T) {
	b := New()
	defer b.Close()

	var recovered bool
	var mu sync.Mutex
	b.Subscribe(func(ev types.Event) {
		panic("boom")
	})
	b.Subscribe(func(ev types.Event) {
		mu.Lock()
		recovered = true
		mu.Unlock()
	})

	b.Publish(types.Event{Kind: types.EventTaskCompleted})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return recovered
	}, time.Second, time.Millisecond)
}

func TestSubscriberCount(t *testing.T) {
	b := New()
	defer b.Close()
	assert.Equal(t, 0, b.SubscriberCount())
	id := b.Subscribe(func(types.Event) {})
	assert.Equal(t, 1, b.SubscriberCount())
	b.Unsubscribe(id)
	assert.Equal(t, 0, b.SubscriberCount())
}
