// ABOUTME: Wire message envelopes shared between the hub and fleet agents.
// ABOUTME: JSON frames carried over the agent and viewer WebSocket connections.

package protocol

import (
	"encoding/json"
	"fmt"
)

// Message type constants. Agent-originated frame names follow the event names
// the reporting agents already use (agent_metrics, agent_processes).
const (
	TypeRegister      = "register"
	TypeRegistered    = "registered"
	TypeMetrics       = "agent_metrics"
	TypeProcesses     = "agent_processes"
	TypeCommand       = "command"
	TypeCommandResult = "command_result"

	// Viewer-bound broadcast frames.
	TypeAgentUpdate   = "agent_update"
	TypeProcessUpdate = "process_update"

	TypeError = "error"
)

// Command kinds the hub can dispatch to an agent.
const (
	CommandCleanup     = "cleanup"
	CommandKillProcess = "kill_process"
)

// Safety classification values attached to process records.
const (
	SafetySafe    = "safe"
	SafetyUnsafe  = "unsafe"
	SafetyUnknown = "unknown"
)

// DefaultSafetyReason is reported for processes that have not been classified.
const DefaultSafetyReason = "Not yet analyzed"

// Envelope is the outer frame for every WebSocket message.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewEnvelope wraps a payload value in an Envelope of the given type.
func NewEnvelope(typ string, payload any) (*Envelope, error) {
	if payload == nil {
		return &Envelope{Type: typ}, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encoding %s payload: %w", typ, err)
	}
	return &Envelope{Type: typ, Payload: raw}, nil
}

// Decode unmarshals the envelope payload into v.
func (e *Envelope) Decode(v any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("%s message has no payload", e.Type)
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("decoding %s payload: %w", e.Type, err)
	}
	return nil
}

// Register is the first frame an agent must send after connecting.
type Register struct {
	AgentID string `json:"agent_id"`
	Name    string `json:"name,omitempty"`
	Token   string `json:"token"`
}

// Registered acknowledges a successful agent registration.
type Registered struct {
	ServerID string `json:"server_id"`
	AgentID  string `json:"agent_id"`
}

// Metrics is a periodic heartbeat snapshot from an agent.
type Metrics struct {
	ID            string  `json:"id"`
	Name          string  `json:"name,omitempty"`
	Status        string  `json:"status"`
	CPU           float64 `json:"cpu"`
	Memory        float64 `json:"memory"`
	Disk          float64 `json:"disk"`
	Processes     int     `json:"processes"`
	LastHeartbeat string  `json:"last_heartbeat,omitempty"`
}

// ProcessInfo describes one observed process. The safety fields are filled in
// by the hub during enrichment, never by the agent.
type ProcessInfo struct {
	PID          int32   `json:"pid"`
	Name         string  `json:"name"`
	CPUUsage     float64 `json:"cpu_usage"`
	MemoryUsage  float64 `json:"memory_usage"`
	Status       string  `json:"status,omitempty"`
	SafetyFlag   string  `json:"safety_flag,omitempty"`
	SafetyReason string  `json:"safety_reason,omitempty"`
}

// ProcessList is a periodic process inventory from an agent.
type ProcessList struct {
	AgentID   string        `json:"agent_id"`
	Processes []ProcessInfo `json:"processes"`
}

// Command is dispatched by the hub to a specific agent.
type Command struct {
	RequestID string          `json:"request_id"`
	Kind      string          `json:"kind"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// KillProcessPayload is the payload for a kill_process command.
type KillProcessPayload struct {
	PID int32 `json:"pid"`
}

// CommandResult carries an agent's asynchronous reply to a Command.
type CommandResult struct {
	RequestID string          `json:"request_id"`
	OK        bool            `json:"ok"`
	Error     string          `json:"error,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// CleanupResult is the Data payload of a successful cleanup command.
type CleanupResult struct {
	FreedBytes map[string]int64 `json:"freed_bytes"`
	TotalBytes int64            `json:"total_bytes"`
}

// KillResult is the Data payload of a kill_process command.
type KillResult struct {
	PID    int32 `json:"pid"`
	Killed bool  `json:"killed"`
}

// AgentUpdate is broadcast to viewers on every accepted heartbeat and on
// offline transitions.
type AgentUpdate struct {
	ID            string  `json:"id"`
	Name          string  `json:"name,omitempty"`
	Status        string  `json:"status"`
	CPU           float64 `json:"cpu"`
	Memory        float64 `json:"memory"`
	Disk          float64 `json:"disk"`
	Processes     int     `json:"processes"`
	LastHeartbeat string  `json:"last_heartbeat"`
}

// ProcessUpdate is broadcast to viewers after process enrichment.
type ProcessUpdate struct {
	AgentID   string        `json:"agent_id"`
	Processes []ProcessInfo `json:"processes"`
}
