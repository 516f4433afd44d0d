package ws

import (
	"github.com/agentcom/agentcom/pkg/types"
)

// ProtocolVersion is the wire protocol the hub speaks. Agents
// announcing a different version are closed during identify.
const ProtocolVersion = 1

// MessageType discriminates protocol messages in both directions.
type MessageType string

const (
	// Client to server.
	MsgIdentify       MessageType = "identify"
	MsgTaskAccepted   MessageType = "task_accepted"
	MsgTaskRejected   MessageType = "task_rejected"
	MsgTaskProgress   MessageType = "task_progress"
	MsgTaskComplete   MessageType = "task_complete"
	MsgTaskFailed     MessageType = "task_failed"
	MsgTaskRecovering MessageType = "task_recovering"
	MsgOllamaReport   MessageType = "ollama_report"
	MsgResourceReport MessageType = "resource_report"

	// Server to client.
	MsgIdentified   MessageType = "identified"
	MsgTaskAssign   MessageType = "task_assign"
	MsgTaskReassign MessageType = "task_reassign"
	MsgError        MessageType = "error"

	// Both directions.
	MsgPing MessageType = "ping"
	MsgPong MessageType = "pong"
)

// Message is the single wire envelope. Fields are populated per type;
// unknown fields are ignored on decode.
type Message struct {
	Type MessageType `json:"type"`

	// identify
	AgentID         string   `json:"agent_id,omitempty"`
	Token           string   `json:"token,omitempty"`
	Capabilities    []string `json:"capabilities,omitempty"`
	ProtocolVersion int      `json:"protocol_version,omitempty"`

	// task lifecycle
	TaskID     string         `json:"task_id,omitempty"`
	Generation uint64         `json:"generation,omitempty"`
	Task       *types.Task    `json:"task,omitempty"`
	Result     map[string]any `json:"result,omitempty"`
	Reason     string         `json:"reason,omitempty"`
	LastStatus string         `json:"last_status,omitempty"`

	// sidecar reports
	Endpoint  string               `json:"endpoint,omitempty"`
	Resources *types.HostResources `json:"resources,omitempty"`

	// error
	Message string `json:"message,omitempty"`
}
