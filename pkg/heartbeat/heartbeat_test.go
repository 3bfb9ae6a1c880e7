package heartbeat

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/galaxyhq/galaxy/pkg/registry"
	"github.com/galaxyhq/galaxy/pkg/transport"
	"github.com/galaxyhq/galaxy/pkg/types"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// unresponsiveDevice accepts the connection but never answers HEARTBEAT,
// forcing every Heartbeat() call to time out.
func unresponsiveDevice(t *testing.T) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()
		var msg transport.Message
		for {
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			if msg.Kind == transport.KindDeviceInfoReq {
				_ = conn.WriteJSON(transport.Message{Kind: transport.KindDeviceInfo, CorrelationID: msg.CorrelationID})
			}
			// HEARTBEAT is intentionally never acked.
		}
	}))
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestMissedHeartbeatsTriggerDisconnect(t *testing.T) {
	srv := unresponsiveDevice(t)
	defer srv.Close()

	reg := registry.New()
	reg.Register(&types.Device{ID: "dev-1", Endpoint: wsURL(srv)})

	tr := transport.New("dev-1")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, _, err := tr.Connect(ctx, wsURL(srv))
	require.NoError(t, err)

	var dropped atomic.Bool
	var mu sync.Mutex
	var droppedID string

	cfg := Config{
		Interval:    50 * time.Millisecond,
		MissedLimit: 2,
		MaxRetries:  1,
		BackoffBase: 10 * time.Millisecond,
		BackoffMax:  20 * time.Millisecond,
	}
	dial := func(ctx context.Context, deviceID, endpoint string) (*transport.Transport, string, []string, error) {
		return nil, "", nil, assertErr
	}
	mon := New(cfg, reg, dial, func(id string) {
		dropped.Store(true)
		mu.Lock()
		droppedID = id
		mu.Unlock()
	})

	mon.WatchDevice("dev-1", tr)

	require.Eventually(t, func() bool { return dropped.Load() }, 3*time.Second, 10*time.Millisecond)
	mu.Lock()
	assert.Equal(t, "dev-1", droppedID)
	mu.Unlock()

	dev, err := reg.Get("dev-1")
	require.NoError(t, err)
	assert.False(t, dev.Status == types.DeviceConnected)
}

var assertErr = errTest{}

type errTest struct{}

func (errTest) Error() string { return "dial always fails in this test" }

// TestReconnectLoopUsesFixedDelayNotExponentialBackoff asserts spec.md §4.4's
// "fixed delay between attempts" by recording the gap between each failing
// dial and checking none of them grow past a couple of BackoffBase periods.
func TestReconnectLoopUsesFixedDelayNotExponentialBackoff(t *testing.T) {
	reg := registry.New()
	reg.Register(&types.Device{ID: "dev-1", Endpoint: "ws://unused"})

	var mu sync.Mutex
	var attempts []time.Time
	dial := func(ctx context.Context, deviceID, endpoint string) (*transport.Transport, string, []string, error) {
		mu.Lock()
		attempts = append(attempts, time.Now())
		mu.Unlock()
		return nil, "", nil, assertErr
	}

	cfg := Config{
		Interval:    time.Second,
		MissedLimit: 3,
		MaxRetries:  4,
		BackoffBase: 20 * time.Millisecond,
		BackoffMax:  200 * time.Millisecond,
	}
	mon := New(cfg, reg, dial, nil)
	mon.startReconnectWorker("dev-1")

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(attempts) >= 4
	}, 3*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	for i := 1; i < len(attempts); i++ {
		gap := attempts[i].Sub(attempts[i-1])
		// A true exponential schedule would have attempt 4's gap roughly
		// 4x attempt 1's; with a fixed delay every gap stays close to
		// BackoffBase regardless of attempt number.
		assert.Less(t, gap, 3*cfg.BackoffBase)
	}
}
