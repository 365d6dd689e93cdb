// ABOUTME: Represents a single connected agent and its WebSocket connection handle.
// ABOUTME: Serializes outbound frames so one connection can be shared by many callers.

package session

import (
	"log/slog"
	"sync"
	"time"

	"github.com/opsentrix/fleet-hub/internal/protocol"
)

// Wire abstracts the underlying WebSocket connection so the registry and
// correlator can be tested without a network. *websocket.Conn satisfies it.
type Wire interface {
	WriteJSON(v interface{}) error
	Close() error
}

// Connection is the hub-side send handle for one connected agent.
type Connection struct {
	AgentID string

	wire   Wire
	mu     sync.Mutex
	logger *slog.Logger
}

// NewConnection creates a send handle for a connected agent.
func NewConnection(agentID string, wire Wire, logger *slog.Logger) *Connection {
	return &Connection{
		AgentID: agentID,
		wire:    wire,
		logger:  logger,
	}
}

// Send transmits an envelope to the agent. Writes are serialized; gorilla
// connections do not support concurrent writers.
func (c *Connection) Send(env *protocol.Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.wire.WriteJSON(env)
}

// Close closes the underlying connection.
func (c *Connection) Close() error {
	return c.wire.Close()
}

// Session is the registry's record of a currently connected agent.
type Session struct {
	AgentID       string
	Name          string
	Conn          *Connection
	LastHeartbeat time.Time
	LastMetrics   protocol.Metrics
}

// Summary is a read-only view of a session used for fleet status reporting.
type Summary struct {
	AgentID       string    `json:"agent_id"`
	Name          string    `json:"name,omitempty"`
	Status        string    `json:"status"`
	CPU           float64   `json:"cpu"`
	Memory        float64   `json:"memory"`
	Disk          float64   `json:"disk"`
	Processes     int       `json:"processes"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
	Connected     bool      `json:"connected"`
}
