// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides agent snapshot and process persistence with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if path != ":memory:" {
		// Ensure parent directory exists
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	// Enable foreign keys
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	return s, nil
}

// createSchema creates the tables if they do not exist.
func (s *SQLiteStore) createSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS agents (
		id             TEXT PRIMARY KEY,
		name           TEXT NOT NULL DEFAULT '',
		email          TEXT NOT NULL DEFAULT '',
		cpu            REAL NOT NULL DEFAULT 0,
		memory         REAL NOT NULL DEFAULT 0,
		disk           REAL NOT NULL DEFAULT 0,
		process_count  INTEGER NOT NULL DEFAULT 0,
		status         TEXT NOT NULL DEFAULT 'offline',
		last_heartbeat TIMESTAMP,
		summary        TEXT NOT NULL DEFAULT '',
		alert_message  TEXT NOT NULL DEFAULT '',
		daily_insights TEXT NOT NULL DEFAULT '',
		insight_date   TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS processes (
		id           INTEGER PRIMARY KEY AUTOINCREMENT,
		agent_id     TEXT NOT NULL,
		pid          INTEGER NOT NULL,
		name         TEXT NOT NULL,
		cpu_usage    REAL NOT NULL DEFAULT 0,
		memory_usage REAL NOT NULL DEFAULT 0,
		status       TEXT NOT NULL DEFAULT '',
		ai_flag      TEXT NOT NULL DEFAULT 'unknown',
		ai_reason    TEXT NOT NULL DEFAULT 'Not yet analyzed',
		created_at   TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_processes_agent ON processes(agent_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// SaveSnapshot upserts the agent row and appends one summary line.
func (s *SQLiteStore) SaveSnapshot(ctx context.Context, snap *AgentSnapshot) error {
	line := fmt.Sprintf("%s cpu=%.1f mem=%.1f disk=%.1f procs=%d status=%s\n",
		snap.LastHeartbeat.UTC().Format(time.RFC3339),
		snap.CPU, snap.Memory, snap.Disk, snap.ProcessCount, snap.Status)

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO agents (id, name, email, cpu, memory, disk, process_count, status, last_heartbeat, summary)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name           = CASE WHEN excluded.name != '' THEN excluded.name ELSE agents.name END,
			email          = CASE WHEN excluded.email != '' THEN excluded.email ELSE agents.email END,
			cpu            = excluded.cpu,
			memory         = excluded.memory,
			disk           = excluded.disk,
			process_count  = excluded.process_count,
			status         = excluded.status,
			last_heartbeat = excluded.last_heartbeat,
			summary        = agents.summary || excluded.summary`,
		snap.ID, snap.Name, snap.Email, snap.CPU, snap.Memory, snap.Disk,
		snap.ProcessCount, snap.Status, snap.LastHeartbeat.UTC(), line)
	if err != nil {
		return fmt.Errorf("saving snapshot for %s: %w", snap.ID, err)
	}
	return nil
}

// GetAgent returns the persisted snapshot for an agent.
func (s *SQLiteStore) GetAgent(ctx context.Context, agentID string) (*AgentSnapshot, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, email, cpu, memory, disk, process_count, status,
		       last_heartbeat, summary, alert_message, daily_insights, insight_date
		FROM agents WHERE id = ?`, agentID)

	snap, err := scanAgent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting agent %s: %w", agentID, err)
	}
	return snap, nil
}

// ListAgents returns all persisted agents ordered by ID.
func (s *SQLiteStore) ListAgents(ctx context.Context) ([]*AgentSnapshot, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, email, cpu, memory, disk, process_count, status,
		       last_heartbeat, summary, alert_message, daily_insights, insight_date
		FROM agents ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("listing agents: %w", err)
	}
	defer rows.Close()

	var agents []*AgentSnapshot
	for rows.Next() {
		snap, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning agent row: %w", err)
		}
		agents = append(agents, snap)
	}
	return agents, rows.Err()
}

// scanner covers both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanAgent(sc scanner) (*AgentSnapshot, error) {
	var snap AgentSnapshot
	var hb sql.NullTime
	err := sc.Scan(&snap.ID, &snap.Name, &snap.Email, &snap.CPU, &snap.Memory,
		&snap.Disk, &snap.ProcessCount, &snap.Status, &hb, &snap.Summary,
		&snap.AlertMessage, &snap.DailyInsights, &snap.InsightDate)
	if err != nil {
		return nil, err
	}
	if hb.Valid {
		snap.LastHeartbeat = hb.Time
	}
	return &snap, nil
}

// SaveProcessBatch replaces the stored process list for an agent.
func (s *SQLiteStore) SaveProcessBatch(ctx context.Context, agentID string, procs []ProcessRecord) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("starting process batch: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM processes WHERE agent_id = ?`, agentID); err != nil {
		return 0, fmt.Errorf("clearing process batch for %s: %w", agentID, err)
	}

	now := time.Now().UTC()
	for _, p := range procs {
		flag := p.AIFlag
		if flag == "" {
			flag = "unknown"
		}
		reason := p.AIReason
		if reason == "" {
			reason = "Not yet analyzed"
		}
		createdAt := p.CreatedAt
		if createdAt.IsZero() {
			createdAt = now
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO processes (agent_id, pid, name, cpu_usage, memory_usage, status, ai_flag, ai_reason, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			agentID, p.PID, p.Name, p.CPUUsage, p.MemoryUsage, p.Status, flag, reason, createdAt); err != nil {
			return 0, fmt.Errorf("inserting process %s: %w", p.Name, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing process batch: %w", err)
	}
	return len(procs), nil
}

// GetCachedSafety returns the latest classification per process name,
// keyed by trimmed lowercase name.
func (s *SQLiteStore) GetCachedSafety(ctx context.Context, agentID string) (map[string]SafetyInfo, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT name, ai_flag, ai_reason FROM processes
		WHERE agent_id = ? ORDER BY created_at`, agentID)
	if err != nil {
		return nil, fmt.Errorf("querying cached safety for %s: %w", agentID, err)
	}
	defer rows.Close()

	out := make(map[string]SafetyInfo)
	for rows.Next() {
		var name, flag, reason string
		if err := rows.Scan(&name, &flag, &reason); err != nil {
			return nil, fmt.Errorf("scanning safety row: %w", err)
		}
		out[NormalizeProcessName(name)] = SafetyInfo{Flag: flag, Reason: reason}
	}
	return out, rows.Err()
}

// UpdateProcessSafety sets the classification for matching process rows.
func (s *SQLiteStore) UpdateProcessSafety(ctx context.Context, agentID, processName, flag, reason string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE processes SET ai_flag = ?, ai_reason = ?
		WHERE agent_id = ? AND lower(trim(name)) = ?`,
		flag, reason, agentID, NormalizeProcessName(processName))
	if err != nil {
		return fmt.Errorf("updating safety for %s/%s: %w", agentID, processName, err)
	}
	return nil
}

// SaveInsight stores generated insight prose with its date.
func (s *SQLiteStore) SaveInsight(ctx context.Context, agentID, text, date string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE agents SET daily_insights = ?, insight_date = ? WHERE id = ?`,
		text, date, agentID)
	if err != nil {
		return fmt.Errorf("saving insight for %s: %w", agentID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateAlertMessage stores the current alert issue string for an agent.
func (s *SQLiteStore) UpdateAlertMessage(ctx context.Context, agentID, message string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE agents SET alert_message = ? WHERE id = ?`, message, agentID)
	if err != nil {
		return fmt.Errorf("updating alert message for %s: %w", agentID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// NormalizeProcessName trims and lowercases a process name for cache keys.
func NormalizeProcessName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
