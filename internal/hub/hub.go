// ABOUTME: Top-level hub wiring: store, registry, pipeline, monitor, HTTP server.
// ABOUTME: Owns the run loop and graceful shutdown ordering.

package hub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/opsentrix/fleet-hub/internal/alert"
	"github.com/opsentrix/fleet-hub/internal/broadcast"
	"github.com/opsentrix/fleet-hub/internal/classify"
	"github.com/opsentrix/fleet-hub/internal/config"
	"github.com/opsentrix/fleet-hub/internal/ingest"
	"github.com/opsentrix/fleet-hub/internal/insight"
	"github.com/opsentrix/fleet-hub/internal/session"
	"github.com/opsentrix/fleet-hub/internal/store"
)

const shutdownGrace = 10 * time.Second

// Hub ties the whole telemetry service together.
type Hub struct {
	cfg    *config.Config
	logger *slog.Logger

	store       store.Store
	registry    *session.Registry
	broadcaster *broadcast.Broadcaster
	correlator  *session.Correlator
	monitor     *session.Monitor
	pipeline    *ingest.Pipeline
	metrics     *Metrics

	httpServer *http.Server
	serverID   string
}

// New builds a hub from configuration. The store is opened here; callers own
// nothing until Run.
func New(cfg *config.Config, logger *slog.Logger) (*Hub, error) {
	st, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}

	registry := session.NewRegistry(logger)
	broadcaster := broadcast.NewBroadcaster(logger)
	correlator := session.NewCorrelator(registry, cfg.Agents.CommandTimeout, logger)

	var generator insight.Generator
	if cfg.Insights.Enabled {
		generator = insight.NewClient(cfg.Insights.BaseURL, cfg.Insights.APIKey, cfg.Insights.Model)
	}
	insights := insight.NewService(st, generator, logger)

	var classifier classify.Classifier
	if generator != nil {
		classifier = classify.NewLLMClassifier(generator)
	}
	classifySvc := classify.NewService(st, classifier, logger)

	thresholds := alert.Thresholds{
		CPU:    cfg.Alerts.CPUPercent,
		Memory: cfg.Alerts.MemPercent,
		Disk:   cfg.Alerts.DiskPercent,
	}
	var alerts *alert.Checker
	if cfg.Alerts.Enabled {
		notifier := alert.NewSMTPNotifier(
			cfg.Alerts.SMTPAddr,
			cfg.Alerts.SMTPUsername,
			cfg.Alerts.SMTPPassword,
			cfg.Alerts.From,
			logger,
		)
		alerts = alert.NewChecker(st, notifier, thresholds, logger)
	}

	pipeline := ingest.NewPipeline(ingest.Options{
		Registry:          registry,
		Store:             st,
		Broadcaster:       broadcaster,
		Alerts:            alerts,
		Thresholds:        thresholds,
		Insights:          insights,
		Classifier:        classifySvc,
		ProcessCheckpoint: cfg.Agents.ProcessCheckpoint,
	}, logger)

	monitor := session.NewMonitor(
		registry,
		cfg.Agents.ScanInterval,
		cfg.Agents.HeartbeatTimeout,
		pipeline.HandleOffline,
		logger,
	)

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := NewMetrics(reg,
		func() float64 { return float64(registry.Len()) },
		func() float64 { return float64(broadcaster.SubscriberCount()) },
	)
	broadcaster.OnDrop = func(broadcast.Event) { metrics.EventsDropped.Inc() }

	h := &Hub{
		cfg:         cfg,
		logger:      logger,
		store:       st,
		registry:    registry,
		broadcaster: broadcaster,
		correlator:  correlator,
		monitor:     monitor,
		pipeline:    pipeline,
		metrics:     metrics,
		serverID:    uuid.New().String(),
	}

	h.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           h.routes(reg),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return h, nil
}

func (h *Hub) routes(promReg *prometheus.Registry) http.Handler {
	ws := &wsHandler{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Agents and dashboards connect from anywhere on the fleet network.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		registry:    h.registry,
		pipeline:    h.pipeline,
		correlator:  h.correlator,
		broadcaster: h.broadcaster,
		agentToken:  h.cfg.Auth.AgentToken,
		serverID:    h.serverID,
		readTimeout: 3 * h.cfg.Agents.HeartbeatTimeout,
		metrics:     h.metrics,
		logger:      h.logger.With("component", "ws"),
	}

	api := &apiHandler{
		registry:    h.registry,
		store:       h.store,
		correlator:  h.correlator,
		broadcaster: h.broadcaster,
		cmdTimeout:  h.cfg.Agents.CommandTimeout,
		metrics:     h.metrics,
		logger:      h.logger.With("component", "api"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws/agent", ws.serveAgent)
	mux.HandleFunc("GET /ws/viewer", ws.serveViewer)

	mux.HandleFunc("GET /api/fleet", api.handleFleet)
	mux.HandleFunc("GET /api/agents/{id}", api.handleAgentDetail)
	mux.HandleFunc("POST /api/agents/{id}/cleanup", api.handleCleanup)
	mux.HandleFunc("POST /api/agents/{id}/processes/{pid}/kill", api.handleKillProcess)

	mux.HandleFunc("GET /health", api.handleHealth)
	mux.HandleFunc("GET /health/ready", api.handleReady)

	if h.cfg.Metrics.Enabled {
		mux.Handle("GET "+h.cfg.Metrics.Path, promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}))
	}
	return mux
}

// Run starts the HTTP server and liveness monitor and blocks until ctx is
// cancelled or the server fails.
func (h *Hub) Run(ctx context.Context) error {
	bgCtx, stopBackground := context.WithCancel(context.Background())
	defer stopBackground()
	go h.monitor.Run(bgCtx)
	go h.checkpointLoop(bgCtx)

	errCh := make(chan error, 1)
	go func() {
		h.logger.Info("hub listening",
			"addr", h.cfg.Server.HTTPAddr,
			"server_id", h.serverID,
		)
		if err := h.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		h.shutdown()
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
		h.logger.Info("shutdown requested")
		h.shutdown()
		return nil
	}
}

// checkpointLoop persists every live session at the metrics checkpoint
// interval, so long-lived quiet periods still leave history lines.
func (h *Hub) checkpointLoop(ctx context.Context) {
	ticker := time.NewTicker(h.cfg.Agents.CheckpointInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.pipeline.CheckpointFleet(ctx)
		}
	}
}

// shutdown stops intake first, then flushes viewers and closes the store.
func (h *Hub) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()

	if err := h.httpServer.Shutdown(ctx); err != nil {
		h.logger.Warn("http shutdown", "error", err)
	}
	h.broadcaster.Close()
	if err := h.store.Close(); err != nil {
		h.logger.Warn("closing store", "error", err)
	}
	h.logger.Info("hub stopped")
}
