// ABOUTME: Store interface and data types for fleet-hub persistence
// ABOUTME: Defines AgentSnapshot, ProcessRecord and the Store interface for database operations

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// Agent status values persisted with snapshots.
const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

// AgentSnapshot is the durable record of an agent's latest telemetry.
// Summary is an append-only log of one line per persisted snapshot.
type AgentSnapshot struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	Email         string    `json:"email,omitempty"`
	CPU           float64   `json:"cpu"`
	Memory        float64   `json:"memory"`
	Disk          float64   `json:"disk"`
	ProcessCount  int       `json:"process_count"`
	Status        string    `json:"status"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
	Summary       string    `json:"summary,omitempty"`
	AlertMessage  string    `json:"alert_message,omitempty"`
	DailyInsights string    `json:"daily_insights,omitempty"`
	InsightDate   string    `json:"insight_date,omitempty"`
}

// ProcessRecord is one persisted process observation, including the safety
// classification attached by the async classifier.
type ProcessRecord struct {
	AgentID     string
	PID         int32
	Name        string
	CPUUsage    float64
	MemoryUsage float64
	Status      string
	AIFlag      string
	AIReason    string
	CreatedAt   time.Time
}

// SafetyInfo is a cached safety classification for a process name.
type SafetyInfo struct {
	Flag   string
	Reason string
}

// Store defines the interface for agent snapshot and process persistence
type Store interface {
	// SaveSnapshot upserts the agent row and appends one line to its
	// summary log.
	SaveSnapshot(ctx context.Context, snap *AgentSnapshot) error

	// GetAgent returns the persisted snapshot for an agent, or ErrNotFound.
	GetAgent(ctx context.Context, agentID string) (*AgentSnapshot, error)

	// ListAgents returns all persisted agents ordered by ID.
	ListAgents(ctx context.Context) ([]*AgentSnapshot, error)

	// SaveProcessBatch replaces the stored process list for an agent and
	// returns the number of records written.
	SaveProcessBatch(ctx context.Context, agentID string, procs []ProcessRecord) (int, error)

	// GetCachedSafety returns the latest safety classification per process
	// name for an agent, keyed by trimmed lowercase name.
	GetCachedSafety(ctx context.Context, agentID string) (map[string]SafetyInfo, error)

	// UpdateProcessSafety sets the classification for every stored process
	// of the agent matching the given name (case-insensitive, trimmed).
	UpdateProcessSafety(ctx context.Context, agentID, processName, flag, reason string) error

	// SaveInsight stores generated insight prose with its date.
	SaveInsight(ctx context.Context, agentID, text, date string) error

	// UpdateAlertMessage stores the current alert issue string, used to
	// dedupe repeat notifications.
	UpdateAlertMessage(ctx context.Context, agentID, message string) error

	Close() error
}
