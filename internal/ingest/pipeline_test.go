// ABOUTME: Tests for the frame pipeline: fan-out, checkpointing, alerts, enrichment.
// ABOUTME: Uses a real temp SQLite store plus the in-memory registry and broadcaster.

package ingest

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsentrix/fleet-hub/internal/alert"
	"github.com/opsentrix/fleet-hub/internal/broadcast"
	"github.com/opsentrix/fleet-hub/internal/protocol"
	"github.com/opsentrix/fleet-hub/internal/session"
	"github.com/opsentrix/fleet-hub/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type recordingNotifier struct {
	calls   int
	subject string
}

func (n *recordingNotifier) SendAlert(_ context.Context, to, subject, body string) error {
	n.calls++
	n.subject = subject
	return nil
}

type fixture struct {
	pipeline    *Pipeline
	registry    *session.Registry
	store       store.Store
	broadcaster *broadcast.Broadcaster
	notifier    *recordingNotifier
	clock       *fakeClock
}

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := testLogger()

	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "ingest.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	registry := session.NewRegistry(logger)
	broadcaster := broadcast.NewBroadcaster(logger)
	notifier := &recordingNotifier{}
	thresholds := alert.Thresholds{CPU: 90, Memory: 90, Disk: 85}

	p := NewPipeline(Options{
		Registry:          registry,
		Store:             s,
		Broadcaster:       broadcaster,
		Alerts:            alert.NewChecker(s, notifier, thresholds, logger),
		Thresholds:        thresholds,
		ProcessCheckpoint: 2 * time.Minute,
	}, logger)

	clock := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	p.now = clock.now

	return &fixture{
		pipeline:    p,
		registry:    registry,
		store:       s,
		broadcaster: broadcaster,
		notifier:    notifier,
		clock:       clock,
	}
}

func metricsFrame(cpu float64) protocol.Metrics {
	return protocol.Metrics{
		ID: "agt_1", Name: "web-1", CPU: cpu, Memory: 40, Disk: 30, Processes: 120,
	}
}

func TestHandleMetrics(t *testing.T) {
	ctx := context.Background()

	t.Run("records heartbeat and fans out", func(t *testing.T) {
		f := newFixture(t)
		events, _ := f.broadcaster.Subscribe(ctx)

		require.NoError(t, f.pipeline.HandleMetrics(ctx, &ConnState{}, metricsFrame(50)))

		sess, ok := f.registry.Lookup("agt_1")
		require.True(t, ok)
		assert.Equal(t, 50.0, sess.LastMetrics.CPU)

		ev := <-events
		assert.Equal(t, protocol.TypeAgentUpdate, ev.Type)
		assert.Equal(t, "agt_1", ev.AgentID)
		m := ev.Payload.(protocol.Metrics)
		assert.Equal(t, store.StatusOnline, m.Status)
		assert.NotEmpty(t, m.LastHeartbeat)
	})

	t.Run("first frame persists a snapshot", func(t *testing.T) {
		f := newFixture(t)
		require.NoError(t, f.pipeline.HandleMetrics(ctx, &ConnState{}, metricsFrame(50)))

		agent, err := f.store.GetAgent(ctx, "agt_1")
		require.NoError(t, err)
		assert.Equal(t, store.StatusOnline, agent.Status)
		assert.Equal(t, 50.0, agent.CPU)
		assert.Contains(t, agent.Summary, "CPU 50.0%")
	})

	t.Run("later unremarkable frames are not persisted", func(t *testing.T) {
		f := newFixture(t)
		st := &ConnState{}
		require.NoError(t, f.pipeline.HandleMetrics(ctx, st, metricsFrame(50)))

		f.clock.advance(time.Minute)
		require.NoError(t, f.pipeline.HandleMetrics(ctx, st, metricsFrame(60)))

		agent, err := f.store.GetAgent(ctx, "agt_1")
		require.NoError(t, err)
		assert.Equal(t, 50.0, agent.CPU)
	})

	t.Run("threshold breach persists immediately and alerts", func(t *testing.T) {
		f := newFixture(t)
		st := &ConnState{}
		require.NoError(t, f.pipeline.HandleMetrics(ctx, st, metricsFrame(50)))

		f.clock.advance(time.Minute)
		require.NoError(t, f.pipeline.HandleMetrics(ctx, st, metricsFrame(95)))

		agent, err := f.store.GetAgent(ctx, "agt_1")
		require.NoError(t, err)
		assert.Equal(t, 95.0, agent.CPU)
		assert.Equal(t, "CPU: HIGH", agent.AlertMessage)

		// Breach persists do not append history lines.
		assert.NotContains(t, agent.Summary, "CPU 95.0%")
	})

	t.Run("repeated breach does not duplicate alert", func(t *testing.T) {
		f := newFixture(t)
		require.NoError(t, f.store.SaveSnapshot(ctx, &store.AgentSnapshot{
			ID: "agt_1", Email: "ops@example.com", Status: store.StatusOnline,
		}))

		st := &ConnState{}
		require.NoError(t, f.pipeline.HandleMetrics(ctx, st, metricsFrame(95)))
		f.clock.advance(5 * time.Second)
		require.NoError(t, f.pipeline.HandleMetrics(ctx, st, metricsFrame(96)))

		assert.Equal(t, 1, f.notifier.calls)
		assert.Contains(t, f.notifier.subject, "CPU: HIGH")
	})

	t.Run("rejects missing agent id", func(t *testing.T) {
		f := newFixture(t)
		err := f.pipeline.HandleMetrics(ctx, &ConnState{}, protocol.Metrics{CPU: 50})
		assert.Error(t, err)
	})

	t.Run("per-agent event order is preserved", func(t *testing.T) {
		f := newFixture(t)
		events, _ := f.broadcaster.Subscribe(ctx)
		st := &ConnState{}

		for i := 0; i < 5; i++ {
			require.NoError(t, f.pipeline.HandleMetrics(ctx, st, metricsFrame(float64(10*i))))
		}
		for i := 0; i < 5; i++ {
			ev := <-events
			assert.Equal(t, float64(10*i), ev.Payload.(protocol.Metrics).CPU)
		}
	})
}

func processFrame(names ...string) protocol.ProcessList {
	pl := protocol.ProcessList{AgentID: "agt_1"}
	for i, name := range names {
		pl.Processes = append(pl.Processes, protocol.ProcessInfo{
			PID: int32(100 + i), Name: name, CPUUsage: 1.5, MemoryUsage: 2.0,
		})
	}
	return pl
}

func TestHandleProcesses(t *testing.T) {
	ctx := context.Background()

	t.Run("enriches with defaults and fans out", func(t *testing.T) {
		f := newFixture(t)
		events, _ := f.broadcaster.Subscribe(ctx)

		require.NoError(t, f.pipeline.HandleProcesses(ctx, &ConnState{}, processFrame("nginx")))

		ev := <-events
		assert.Equal(t, protocol.TypeProcessUpdate, ev.Type)
		pl := ev.Payload.(protocol.ProcessList)
		require.Len(t, pl.Processes, 1)
		assert.Equal(t, protocol.SafetyUnknown, pl.Processes[0].SafetyFlag)
		assert.Equal(t, protocol.DefaultSafetyReason, pl.Processes[0].SafetyReason)
	})

	t.Run("verdict lookup failure still fans out with defaults", func(t *testing.T) {
		f := newFixture(t)
		f.pipeline.safety = NewSafetyCache(brokenSafetyStore{})
		events, _ := f.broadcaster.Subscribe(ctx)

		require.NoError(t, f.pipeline.HandleProcesses(ctx, &ConnState{}, processFrame("nginx")))

		ev := <-events
		pl := ev.Payload.(protocol.ProcessList)
		require.Len(t, pl.Processes, 1)
		assert.Equal(t, protocol.SafetyUnknown, pl.Processes[0].SafetyFlag)
		assert.Equal(t, protocol.DefaultSafetyReason, pl.Processes[0].SafetyReason)
	})

	t.Run("enriches with stored verdicts", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.store.SaveProcessBatch(ctx, "agt_1", []store.ProcessRecord{
			{PID: 100, Name: "nginx"},
		})
		require.NoError(t, err)
		require.NoError(t, f.store.UpdateProcessSafety(ctx, "agt_1", "nginx", "safe", "Common web server"))

		events, _ := f.broadcaster.Subscribe(ctx)
		require.NoError(t, f.pipeline.HandleProcesses(ctx, &ConnState{}, processFrame("nginx")))

		ev := <-events
		pl := ev.Payload.(protocol.ProcessList)
		assert.Equal(t, "safe", pl.Processes[0].SafetyFlag)
		assert.Equal(t, "Common web server", pl.Processes[0].SafetyReason)
	})

	t.Run("first frame persists the batch", func(t *testing.T) {
		f := newFixture(t)
		require.NoError(t, f.pipeline.HandleProcesses(ctx, &ConnState{}, processFrame("nginx", "postgres")))

		safety, err := f.store.GetCachedSafety(ctx, "agt_1")
		require.NoError(t, err)
		assert.Len(t, safety, 2)
	})

	t.Run("frames inside the process checkpoint window are not persisted", func(t *testing.T) {
		f := newFixture(t)
		st := &ConnState{}
		require.NoError(t, f.pipeline.HandleProcesses(ctx, st, processFrame("nginx")))

		f.clock.advance(30 * time.Second)
		require.NoError(t, f.pipeline.HandleProcesses(ctx, st, processFrame("nginx", "postgres")))

		safety, err := f.store.GetCachedSafety(ctx, "agt_1")
		require.NoError(t, err)
		assert.Len(t, safety, 1)
	})

	t.Run("process checkpoint replaces the batch", func(t *testing.T) {
		f := newFixture(t)
		st := &ConnState{}
		require.NoError(t, f.pipeline.HandleProcesses(ctx, st, processFrame("nginx")))

		f.clock.advance(3 * time.Minute)
		require.NoError(t, f.pipeline.HandleProcesses(ctx, st, processFrame("postgres")))

		safety, err := f.store.GetCachedSafety(ctx, "agt_1")
		require.NoError(t, err)
		require.Len(t, safety, 1)
		_, ok := safety["postgres"]
		assert.True(t, ok)
	})

	t.Run("rejects missing agent id", func(t *testing.T) {
		f := newFixture(t)
		err := f.pipeline.HandleProcesses(ctx, &ConnState{}, protocol.ProcessList{})
		assert.Error(t, err)
	})
}

func TestCheckpointFleet(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	st := &ConnState{}
	require.NoError(t, f.pipeline.HandleMetrics(ctx, st, metricsFrame(50)))

	f.clock.advance(2 * time.Hour)
	require.NoError(t, f.pipeline.HandleMetrics(ctx, st, metricsFrame(60)))
	f.pipeline.CheckpointFleet(ctx)

	agent, err := f.store.GetAgent(ctx, "agt_1")
	require.NoError(t, err)
	assert.Equal(t, 60.0, agent.CPU)
	assert.Contains(t, agent.Summary, "CPU 50.0%")
	assert.Contains(t, agent.Summary, "CPU 60.0%")
}

func TestHandleOffline(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	st := &ConnState{}
	require.NoError(t, f.pipeline.HandleMetrics(ctx, st, metricsFrame(50)))

	events, _ := f.broadcaster.Subscribe(ctx)
	sess, ok := f.registry.Lookup("agt_1")
	require.True(t, ok)
	f.pipeline.HandleOffline(ctx, sess)

	agent, err := f.store.GetAgent(ctx, "agt_1")
	require.NoError(t, err)
	assert.Equal(t, store.StatusOffline, agent.Status)
	assert.Contains(t, agent.Summary, "agent went offline")

	ev := <-events
	assert.Equal(t, protocol.TypeAgentUpdate, ev.Type)
	m := ev.Payload.(protocol.Metrics)
	assert.Equal(t, store.StatusOffline, m.Status)
}
