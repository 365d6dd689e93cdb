// ABOUTME: Background liveness monitor that evicts agents with stale heartbeats.
// ABOUTME: Timeout is binary: an agent is either live or evicted as offline.

package session

import (
	"context"
	"log/slog"
	"time"
)

// OfflineFunc is invoked once per evicted session, outside the registry lock.
// Implementations persist the final offline snapshot and notify viewers;
// their failures must not prevent eviction, which has already happened.
type OfflineFunc func(ctx context.Context, sess Session)

// Monitor periodically scans the registry and evicts agents whose heartbeat
// age exceeds the timeout.
type Monitor struct {
	registry  *Registry
	interval  time.Duration
	timeout   time.Duration
	onOffline OfflineFunc
	logger    *slog.Logger
}

// NewMonitor creates a liveness monitor. The timeout should be at least
// twice the scan interval; config validation enforces this.
func NewMonitor(registry *Registry, interval, timeout time.Duration, onOffline OfflineFunc, logger *slog.Logger) *Monitor {
	return &Monitor{
		registry:  registry,
		interval:  interval,
		timeout:   timeout,
		onOffline: onOffline,
		logger:    logger,
	}
}

// Run scans on a fixed interval until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.logger.Info("liveness monitor started",
		"scan_interval", m.interval,
		"heartbeat_timeout", m.timeout,
	)

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("liveness monitor stopped")
			return
		case <-ticker.C:
			m.Scan(ctx)
		}
	}
}

// Scan evicts every stale session and emits one offline transition each.
func (m *Monitor) Scan(ctx context.Context) {
	evicted := m.registry.ExpireStale(m.timeout)
	for _, sess := range evicted {
		m.logger.Warn("agent missed heartbeat, marking offline",
			"agent_id", sess.AgentID,
			"last_heartbeat", sess.LastHeartbeat,
		)
		if m.onOffline != nil {
			m.onOffline(ctx, sess)
		}
	}
}
