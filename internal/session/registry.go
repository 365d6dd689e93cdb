// ABOUTME: Manages live agent sessions, keyed by agent ID, under a single mutex.
// ABOUTME: Central shared state for heartbeat tracking, lookup, and eviction.

package session

import (
	"log/slog"
	"sync"
	"time"

	"github.com/opsentrix/fleet-hub/internal/protocol"
)

// Registry tracks all currently connected agents. Every method is safe for
// concurrent use. No I/O happens while the lock is held; callers receive
// copies and act on them after the critical section.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	logger   *slog.Logger

	// now is swappable for tests
	now func() time.Time
}

// NewRegistry creates an empty session registry.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
		logger:   logger,
		now:      time.Now,
	}
}

// Register inserts or replaces the connection handle for an agent. A
// reconnect replaces the prior handle; the stale one is closed outside the
// lock. Registration is idempotent and never fails.
func (r *Registry) Register(agentID string, conn *Connection) {
	r.mu.Lock()
	sess, exists := r.sessions[agentID]
	var stale *Connection
	if exists {
		stale = sess.Conn
		sess.Conn = conn
		// A fresh connection counts as liveness; without this a reconnect
		// just before the timeout is evicted by the next scan.
		sess.LastHeartbeat = r.now()
	} else {
		r.sessions[agentID] = &Session{
			AgentID:       agentID,
			Conn:          conn,
			LastHeartbeat: r.now(),
		}
	}
	total := len(r.sessions)
	r.mu.Unlock()

	if stale != nil && stale != conn {
		_ = stale.Close()
	}

	r.logger.Info("=== AGENT CONNECTED ===",
		"agent_id", agentID,
		"reconnect", exists,
		"total_agents", total,
	)
}

// RecordHeartbeat updates the session's heartbeat timestamp and latest
// metrics. A session is created implicitly if none exists (first metrics
// message before explicit registration).
func (r *Registry) RecordHeartbeat(agentID string, m protocol.Metrics) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess, ok := r.sessions[agentID]
	if !ok {
		sess = &Session{AgentID: agentID}
		r.sessions[agentID] = sess
	}
	sess.LastHeartbeat = r.now()
	sess.LastMetrics = m
	if m.Name != "" {
		sess.Name = m.Name
	}
}

// Lookup returns a copy of the session for the given agent. The embedded
// Connection pointer is safe to use concurrently.
func (r *Registry) Lookup(agentID string) (Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sess, ok := r.sessions[agentID]
	if !ok {
		return Session{}, false
	}
	return *sess, true
}

// Remove deletes the session for an agent, regardless of which connection
// owns it. Removing an unknown agent is a no-op.
func (r *Registry) Remove(agentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removeLocked(agentID)
}

// RemoveConn deletes the session only if it is still owned by the given
// connection, and returns a copy of the removed session. A read loop that
// exits after a reconnect replaced its handle must not evict the successor.
func (r *Registry) RemoveConn(agentID string, conn *Connection) (Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess, ok := r.sessions[agentID]
	if !ok || sess.Conn != conn {
		return Session{}, false
	}
	removed := *sess
	r.removeLocked(agentID)
	return removed, true
}

func (r *Registry) removeLocked(agentID string) {
	if _, ok := r.sessions[agentID]; !ok {
		return
	}
	delete(r.sessions, agentID)
	r.logger.Info("=== AGENT DISCONNECTED ===",
		"agent_id", agentID,
		"total_agents", len(r.sessions),
	)
}

// ExpireStale removes every session whose heartbeat age exceeds the timeout
// and returns copies of the evicted sessions. Removal and collection happen
// in one critical section, so each stale session is returned exactly once;
// connection handles are closed after the lock is released.
func (r *Registry) ExpireStale(timeout time.Duration) []Session {
	now := r.now()

	r.mu.Lock()
	var evicted []Session
	for id, sess := range r.sessions {
		if now.Sub(sess.LastHeartbeat) > timeout {
			evicted = append(evicted, *sess)
			delete(r.sessions, id)
		}
	}
	r.mu.Unlock()

	for _, sess := range evicted {
		if sess.Conn != nil {
			_ = sess.Conn.Close()
		}
	}
	return evicted
}

// ListAll returns summaries of every live session.
func (r *Registry) ListAll() []Summary {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Summary, 0, len(r.sessions))
	for _, sess := range r.sessions {
		out = append(out, Summary{
			AgentID:       sess.AgentID,
			Name:          sess.Name,
			Status:        sess.LastMetrics.Status,
			CPU:           sess.LastMetrics.CPU,
			Memory:        sess.LastMetrics.Memory,
			Disk:          sess.LastMetrics.Disk,
			Processes:     sess.LastMetrics.Processes,
			LastHeartbeat: sess.LastHeartbeat,
			Connected:     sess.Conn != nil,
		})
	}
	return out
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
