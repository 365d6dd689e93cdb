// ABOUTME: Processing pipeline for frames arriving from agent connections.
// ABOUTME: Updates liveness, fans out to viewers, checkpoints to the store, and triggers analysis.

package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/opsentrix/fleet-hub/internal/alert"
	"github.com/opsentrix/fleet-hub/internal/broadcast"
	"github.com/opsentrix/fleet-hub/internal/classify"
	"github.com/opsentrix/fleet-hub/internal/insight"
	"github.com/opsentrix/fleet-hub/internal/protocol"
	"github.com/opsentrix/fleet-hub/internal/session"
	"github.com/opsentrix/fleet-hub/internal/store"
)

// ConnState tracks per-connection checkpoint bookkeeping. It is owned by the
// connection's read loop and must not be shared across goroutines.
type ConnState struct {
	metricsStored   bool
	processesStored bool
	lastProcesses   time.Time
}

// Pipeline handles decoded agent frames. Fan-out happens on every frame;
// metrics persist on the first frame after connect and whenever readings
// breach alert thresholds. Periodic persistence is CheckpointFleet's job.
type Pipeline struct {
	registry    *session.Registry
	store       store.Store
	broadcaster *broadcast.Broadcaster
	alerts      *alert.Checker
	thresholds  alert.Thresholds
	insights    *insight.Service
	classifier  *classify.Service
	safety      *SafetyCache

	processCheckpoint time.Duration

	logger *slog.Logger
	now    func() time.Time
}

// Options carries the pipeline's collaborators. Alerts, insights, and
// classifier may be nil to disable the corresponding behavior.
type Options struct {
	Registry    *session.Registry
	Store       store.Store
	Broadcaster *broadcast.Broadcaster
	Alerts      *alert.Checker
	Thresholds  alert.Thresholds
	Insights    *insight.Service
	Classifier  *classify.Service

	ProcessCheckpoint time.Duration
}

// NewPipeline creates a frame pipeline.
func NewPipeline(opts Options, logger *slog.Logger) *Pipeline {
	return &Pipeline{
		registry:          opts.Registry,
		store:             opts.Store,
		broadcaster:       opts.Broadcaster,
		alerts:            opts.Alerts,
		thresholds:        opts.Thresholds,
		insights:          opts.Insights,
		classifier:        opts.Classifier,
		safety:            NewSafetyCache(opts.Store),
		processCheckpoint: opts.ProcessCheckpoint,
		logger:            logger.With("component", "ingest"),
		now:               time.Now,
	}
}

// HandleMetrics processes one metrics frame from an agent connection.
func (p *Pipeline) HandleMetrics(ctx context.Context, st *ConnState, m protocol.Metrics) error {
	if m.ID == "" {
		return fmt.Errorf("metrics frame missing agent id")
	}

	now := p.now()
	m.Status = store.StatusOnline
	m.LastHeartbeat = now.UTC().Format(time.RFC3339)

	p.registry.RecordHeartbeat(m.ID, m)
	p.broadcaster.Publish(broadcast.Event{
		Type:    protocol.TypeAgentUpdate,
		AgentID: m.ID,
		Payload: m,
	})

	first := !st.metricsStored
	breach := p.alerts != nil && p.thresholds.Breached(m.CPU, m.Memory, m.Disk)

	if !first && !breach {
		return nil
	}

	snap := snapshotFromMetrics(m, store.StatusOnline, now)
	if first {
		// The first persist appends a history line; breach persists keep the
		// readings fresh without growing the summary every frame.
		snap.Summary = summaryLine(now, m)
	}
	if err := p.store.SaveSnapshot(ctx, snap); err != nil {
		return fmt.Errorf("persisting snapshot for %s: %w", m.ID, err)
	}
	st.metricsStored = true

	if p.alerts != nil {
		p.alerts.Check(ctx, m.ID)
	}
	if first && p.insights != nil {
		go p.insights.GenerateFor(context.WithoutCancel(ctx), m.ID)
	}
	return nil
}

// HandleProcesses processes one process inventory frame.
func (p *Pipeline) HandleProcesses(ctx context.Context, st *ConnState, pl protocol.ProcessList) error {
	if pl.AgentID == "" {
		return fmt.Errorf("process frame missing agent id")
	}

	if err := p.safety.Enrich(ctx, pl.AgentID, pl.Processes); err != nil {
		p.logger.Error("enriching process list", "agent_id", pl.AgentID, "error", err)
	}

	p.broadcaster.Publish(broadcast.Event{
		Type:    protocol.TypeProcessUpdate,
		AgentID: pl.AgentID,
		Payload: pl,
	})

	now := p.now()
	if st.processesStored && now.Sub(st.lastProcesses) < p.processCheckpoint {
		return nil
	}

	records := make([]store.ProcessRecord, 0, len(pl.Processes))
	for _, proc := range pl.Processes {
		records = append(records, store.ProcessRecord{
			PID:         proc.PID,
			Name:        proc.Name,
			CPUUsage:    proc.CPUUsage,
			MemoryUsage: proc.MemoryUsage,
			Status:      proc.Status,
			AIFlag:      proc.SafetyFlag,
			AIReason:    proc.SafetyReason,
		})
	}
	if _, err := p.store.SaveProcessBatch(ctx, pl.AgentID, records); err != nil {
		return fmt.Errorf("persisting process batch for %s: %w", pl.AgentID, err)
	}
	st.processesStored = true
	st.lastProcesses = now

	if p.classifier != nil {
		if unknowns := unclassified(pl.Processes); len(unknowns) > 0 {
			go func() {
				ctx := context.WithoutCancel(ctx)
				p.classifier.ClassifyBatch(ctx, pl.AgentID, unknowns)
				p.safety.Invalidate(pl.AgentID)
			}()
		}
	}
	return nil
}

// CheckpointFleet persists the latest readings of every live session with a
// history line appended. The hub runs this on the metrics checkpoint
// interval; per-session failures are logged and do not stop the sweep.
func (p *Pipeline) CheckpointFleet(ctx context.Context) {
	now := p.now()
	persisted := 0
	for _, s := range p.registry.ListAll() {
		m := protocol.Metrics{
			ID:        s.AgentID,
			Name:      s.Name,
			CPU:       s.CPU,
			Memory:    s.Memory,
			Disk:      s.Disk,
			Processes: s.Processes,
		}
		snap := snapshotFromMetrics(m, store.StatusOnline, s.LastHeartbeat)
		snap.Summary = summaryLine(now, m)
		if err := p.store.SaveSnapshot(ctx, snap); err != nil {
			p.logger.Error("checkpointing snapshot", "agent_id", s.AgentID, "error", err)
			continue
		}
		persisted++
	}
	if persisted > 0 {
		p.logger.Info("fleet checkpoint complete", "agents", persisted)
	}
}

// HandleOffline persists an offline snapshot for a session that disconnected
// or timed out, and tells viewers about it.
func (p *Pipeline) HandleOffline(ctx context.Context, sess session.Session) {
	m := sess.LastMetrics
	m.ID = sess.AgentID
	m.Status = store.StatusOffline
	m.LastHeartbeat = sess.LastHeartbeat.UTC().Format(time.RFC3339)

	snap := snapshotFromMetrics(m, store.StatusOffline, sess.LastHeartbeat)
	snap.Summary = fmt.Sprintf("[%s] agent went offline\n", p.now().UTC().Format("2006-01-02 15:04:05"))
	if err := p.store.SaveSnapshot(ctx, snap); err != nil {
		p.logger.Error("persisting offline snapshot", "agent_id", sess.AgentID, "error", err)
	}

	p.broadcaster.Publish(broadcast.Event{
		Type:    protocol.TypeAgentUpdate,
		AgentID: sess.AgentID,
		Payload: m,
	})
}

// unclassified returns the processes still carrying the unknown verdict.
func unclassified(procs []protocol.ProcessInfo) []protocol.ProcessInfo {
	var out []protocol.ProcessInfo
	for _, proc := range procs {
		if proc.SafetyFlag == protocol.SafetyUnknown || proc.SafetyFlag == "" {
			out = append(out, proc)
		}
	}
	return out
}

func snapshotFromMetrics(m protocol.Metrics, status string, heartbeat time.Time) *store.AgentSnapshot {
	return &store.AgentSnapshot{
		ID:            m.ID,
		Name:          m.Name,
		CPU:           m.CPU,
		Memory:        m.Memory,
		Disk:          m.Disk,
		ProcessCount:  m.Processes,
		Status:        status,
		LastHeartbeat: heartbeat,
	}
}

func summaryLine(now time.Time, m protocol.Metrics) string {
	return fmt.Sprintf("[%s] CPU %.1f%% | MEM %.1f%% | DISK %.1f%% | PROCS %d\n",
		now.UTC().Format("2006-01-02 15:04:05"), m.CPU, m.Memory, m.Disk, m.Processes)
}
