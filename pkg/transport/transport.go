// Package transport owns the single WebSocket connection to one device:
// the handshake, request/reply correlation, and translation of connection
// failures into ExecutionResult values rather than Go errors.
package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/galaxyhq/galaxy/pkg/log"
	"github.com/galaxyhq/galaxy/pkg/types"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// ReplyTimeout bounds how long SendTask waits for a TASK_RESULT before
// treating the device as unresponsive.
const ReplyTimeout = 2 * time.Minute

// Transport manages one device's websocket connection.
type Transport struct {
	deviceID string

	connMu sync.Mutex
	conn   *websocket.Conn

	pendingMu sync.Mutex
	pending   map[string]*types.OneShot[Message]
}

// New returns a Transport for the given device id. Connect must be called
// before SendTask.
func New(deviceID string) *Transport {
	return &Transport{
		deviceID: deviceID,
		pending:  make(map[string]*types.OneShot[Message]),
	}
}

// Connect dials the device endpoint, installs the reader loop before
// sending REGISTER (so no reply can race the loop's startup), then
// exchanges DEVICE_INFO_REQUEST/DEVICE_INFO and returns the device's
// reported OS and capabilities.
func (t *Transport) Connect(ctx context.Context, endpoint string) (os string, capabilities []string, err error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return "", nil, fmt.Errorf("dial device %s: %w", t.deviceID, err)
	}

	t.connMu.Lock()
	t.conn = conn
	t.connMu.Unlock()

	go t.readLoop()

	if err := t.send(Message{Kind: KindRegister, DeviceID: t.deviceID}); err != nil {
		t.closeLocked()
		return "", nil, err
	}

	reqID := uuid.NewString()
	signal := t.arm(reqID)
	if err := t.send(Message{Kind: KindDeviceInfoReq, CorrelationID: reqID, DeviceID: t.deviceID}); err != nil {
		t.disarm(reqID)
		t.closeLocked()
		return "", nil, err
	}

	reply, ok := signal.Wait(ctx)
	if !ok {
		t.disarm(reqID)
		t.closeLocked()
		return "", nil, fmt.Errorf("device %s: timed out waiting for DEVICE_INFO", t.deviceID)
	}
	return reply.OS, reply.Capabilities, nil
}

// IsConnected reports whether the underlying connection is still set. A
// connection can go stale between heartbeats; callers combine this with
// heartbeat liveness for the full picture.
func (t *Transport) IsConnected() bool {
	t.connMu.Lock()
	defer t.connMu.Unlock()
	return t.conn != nil
}

// Disconnect closes the connection and fails every pending correlation
// with a connection_error ExecutionResult-shaped reply so SendTask callers
// currently blocked in Wait unblock immediately.
func (t *Transport) Disconnect() {
	t.closeLocked()

	t.pendingMu.Lock()
	defer t.pendingMu.Unlock()
	for id, sig := range t.pending {
		sig.Fire(Message{Kind: KindTaskResult, CorrelationID: id, Error: "device disconnected"})
		delete(t.pending, id)
	}
}

func (t *Transport) closeLocked() {
	t.connMu.Lock()
	defer t.connMu.Unlock()
	if t.conn != nil {
		_ = t.conn.Close()
		t.conn = nil
	}
}

// Heartbeat sends a HEARTBEAT and waits for HEARTBEAT_ACK, bounded by ctx.
func (t *Transport) Heartbeat(ctx context.Context) error {
	id := uuid.NewString()
	signal := t.arm(id)
	if err := t.send(Message{Kind: KindHeartbeat, CorrelationID: id, DeviceID: t.deviceID}); err != nil {
		t.disarm(id)
		return err
	}
	if _, ok := signal.Wait(ctx); !ok {
		t.disarm(id)
		return fmt.Errorf("device %s: heartbeat timed out", t.deviceID)
	}
	return nil
}

// SendTask dispatches a task and blocks until TASK_RESULT arrives, ctx is
// cancelled, the reply timeout elapses, or the connection drops. It never
// returns an error: every outcome is expressed as an ExecutionResult with
// the appropriate ErrorCategory, per spec.md §7.
func (t *Transport) SendTask(ctx context.Context, task *types.Task) types.ExecutionResult {
	if !t.IsConnected() {
		return types.Failed(task.ID, t.deviceID, "device not connected", types.ErrorConnection)
	}

	corrID := uuid.NewString()
	signal := t.arm(corrID)

	if err := t.send(Message{
		Kind:          KindTaskRequest,
		CorrelationID: corrID,
		DeviceID:      t.deviceID,
		TaskID:        task.ID,
	}); err != nil {
		t.disarm(corrID)
		return types.Failed(task.ID, t.deviceID, err.Error(), types.ErrorConnection)
	}

	waitCtx, cancel := context.WithTimeout(ctx, ReplyTimeout)
	defer cancel()

	reply, ok := signal.Wait(waitCtx)
	if !ok {
		t.disarm(corrID)
		if ctx.Err() != nil {
			return types.Failed(task.ID, t.deviceID, "task cancelled", types.ErrorExecution)
		}
		return types.Failed(task.ID, t.deviceID, "timed out waiting for task result", types.ErrorTimeout)
	}

	if reply.Error != "" {
		category := types.ErrorExecution
		if reply.Kind == KindTaskResult && reply.DeviceID == "" && reply.Result == nil {
			category = types.ErrorConnection
		}
		return types.Failed(task.ID, t.deviceID, reply.Error, category)
	}
	return types.Succeeded(task.ID, t.deviceID, reply.Result)
}

func (t *Transport) arm(correlationID string) *types.OneShot[Message] {
	sig := types.NewOneShot[Message]()
	t.pendingMu.Lock()
	t.pending[correlationID] = sig
	t.pendingMu.Unlock()
	return sig
}

func (t *Transport) disarm(correlationID string) {
	t.pendingMu.Lock()
	delete(t.pending, correlationID)
	t.pendingMu.Unlock()
}

func (t *Transport) send(msg Message) error {
	t.connMu.Lock()
	defer t.connMu.Unlock()
	if t.conn == nil {
		return fmt.Errorf("device %s: not connected", t.deviceID)
	}
	return t.conn.WriteJSON(msg)
}

// readLoop is the single reader for this connection. Installed before any
// message is sent, so REGISTER_ACK or DEVICE_INFO cannot arrive before
// something is listening for it.
func (t *Transport) readLoop() {
	logger := log.WithDeviceID(t.deviceID)
	for {
		t.connMu.Lock()
		conn := t.conn
		t.connMu.Unlock()
		if conn == nil {
			return
		}

		var msg Message
		if err := conn.ReadJSON(&msg); err != nil {
			logger.Warn().Err(err).Msg("device read loop ended")
			t.Disconnect()
			return
		}

		switch msg.Kind {
		case KindTaskProgress:
			// progress notifications are observational only; no correlation
			// resolution happens here.
		default:
			if msg.CorrelationID == "" {
				continue
			}
			t.pendingMu.Lock()
			sig, ok := t.pending[msg.CorrelationID]
			if ok {
				delete(t.pending, msg.CorrelationID)
			}
			t.pendingMu.Unlock()
			if ok {
				sig.Fire(msg)
			}
		}
	}
}
