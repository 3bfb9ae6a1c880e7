package transport

import "encoding/json"

// MessageKind enumerates the wire messages exchanged with a device over
// its WebSocket connection.
type MessageKind string

const (
	KindRegister         MessageKind = "REGISTER"
	KindRegisterAck      MessageKind = "REGISTER_ACK"
	KindDeviceInfoReq    MessageKind = "DEVICE_INFO_REQUEST"
	KindDeviceInfo       MessageKind = "DEVICE_INFO"
	KindHeartbeat        MessageKind = "HEARTBEAT"
	KindHeartbeatAck     MessageKind = "HEARTBEAT_ACK"
	KindTaskRequest      MessageKind = "TASK_REQUEST"
	KindTaskResult       MessageKind = "TASK_RESULT"
	KindTaskProgress     MessageKind = "TASK_PROGRESS"
)

// Message is the closed sum type framed directly as JSON over the
// websocket connection, with no extra length-prefix framing. CorrelationID
// ties a TASK_REQUEST to its eventual TASK_RESULT (and any TASK_PROGRESS in
// between); REGISTER/DEVICE_INFO/HEARTBEAT exchanges use it the same way.
type Message struct {
	Kind          MessageKind     `json:"kind"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	DeviceID      string          `json:"device_id,omitempty"`
	TaskID        string          `json:"task_id,omitempty"`
	OS            string          `json:"os,omitempty"`
	Capabilities  []string        `json:"capabilities,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	Result        map[string]any  `json:"result,omitempty"`
	Error         string          `json:"error,omitempty"`
	Progress      string          `json:"progress,omitempty"`
}
