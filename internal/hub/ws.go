// ABOUTME: WebSocket endpoints for agent ingestion and viewer fan-out.
// ABOUTME: Agents register with a token on their first frame; viewers just subscribe.

package hub

import (
	"context"
	"crypto/subtle"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/opsentrix/fleet-hub/internal/broadcast"
	"github.com/opsentrix/fleet-hub/internal/ingest"
	"github.com/opsentrix/fleet-hub/internal/protocol"
	"github.com/opsentrix/fleet-hub/internal/session"
)

var (
	errRegisterFirst  = errors.New("first frame must be a valid register message")
	errMissingAgentID = errors.New("register frame missing agent_id")
	errBadToken       = errors.New("invalid agent token")
)

const (
	// registerTimeout bounds how long a fresh connection may stall before
	// sending its register frame.
	registerTimeout = 10 * time.Second

	viewerWriteWait = 10 * time.Second
	viewerPingEvery = 30 * time.Second
)

type wsHandler struct {
	upgrader    websocket.Upgrader
	registry    *session.Registry
	pipeline    *ingest.Pipeline
	correlator  *session.Correlator
	broadcaster *broadcast.Broadcaster
	agentToken  string
	serverID    string
	readTimeout time.Duration
	metrics     *Metrics
	logger      *slog.Logger
}

// serveAgent handles the persistent agent connection: one register frame,
// then a stream of metrics, process, and command-result frames.
func (h *wsHandler) serveAgent(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("agent upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	defer ws.Close()

	reg, err := h.readRegister(ws)
	if err != nil {
		h.logger.Warn("agent registration rejected", "remote", r.RemoteAddr, "error", err)
		h.sendError(ws, err.Error())
		return
	}

	conn := session.NewConnection(reg.AgentID, ws, h.logger)
	h.registry.Register(reg.AgentID, conn)

	ack, _ := protocol.NewEnvelope(protocol.TypeRegistered, protocol.Registered{
		ServerID: h.serverID,
		AgentID:  reg.AgentID,
	})
	if err := conn.Send(ack); err != nil {
		h.logger.Warn("sending registration ack", "agent_id", reg.AgentID, "error", err)
	}

	h.readLoop(r.Context(), ws, conn, reg.AgentID)

	// Only the connection that still owns the session persists the offline
	// transition; a replaced handle exits quietly.
	if sess, ok := h.registry.RemoveConn(reg.AgentID, conn); ok {
		h.pipeline.HandleOffline(context.WithoutCancel(r.Context()), sess)
	}
}

func (h *wsHandler) readRegister(ws *websocket.Conn) (*protocol.Register, error) {
	_ = ws.SetReadDeadline(time.Now().Add(registerTimeout))
	defer ws.SetReadDeadline(time.Time{})

	var env protocol.Envelope
	if err := ws.ReadJSON(&env); err != nil {
		return nil, errRegisterFirst
	}
	if env.Type != protocol.TypeRegister {
		return nil, errRegisterFirst
	}

	var reg protocol.Register
	if err := env.Decode(&reg); err != nil {
		return nil, errRegisterFirst
	}
	if reg.AgentID == "" {
		return nil, errMissingAgentID
	}
	if subtle.ConstantTimeCompare([]byte(reg.Token), []byte(h.agentToken)) != 1 {
		return nil, errBadToken
	}
	return &reg, nil
}

func (h *wsHandler) readLoop(ctx context.Context, ws *websocket.Conn, conn *session.Connection, agentID string) {
	// The liveness monitor evicts the session first; the read deadline just
	// reaps dead TCP connections that linger past it.
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(h.readTimeout))
	})

	st := &ingest.ConnState{}
	for {
		_ = ws.SetReadDeadline(time.Now().Add(h.readTimeout))
		var env protocol.Envelope
		if err := ws.ReadJSON(&env); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.logger.Warn("agent connection lost", "agent_id", agentID, "error", err)
			}
			return
		}

		h.metrics.FramesTotal.WithLabelValues(env.Type).Inc()

		switch env.Type {
		case protocol.TypeMetrics:
			var m protocol.Metrics
			if err := env.Decode(&m); err != nil {
				h.frameError(agentID, env.Type, err)
				continue
			}
			if m.ID == "" {
				m.ID = agentID
			}
			if err := h.pipeline.HandleMetrics(ctx, st, m); err != nil {
				h.frameError(agentID, env.Type, err)
			}

		case protocol.TypeProcesses:
			var pl protocol.ProcessList
			if err := env.Decode(&pl); err != nil {
				h.frameError(agentID, env.Type, err)
				continue
			}
			if pl.AgentID == "" {
				pl.AgentID = agentID
			}
			if err := h.pipeline.HandleProcesses(ctx, st, pl); err != nil {
				h.frameError(agentID, env.Type, err)
			}

		case protocol.TypeCommandResult:
			var result protocol.CommandResult
			if err := env.Decode(&result); err != nil {
				h.frameError(agentID, env.Type, err)
				continue
			}
			h.correlator.Resolve(result)

		default:
			h.logger.Debug("ignoring unknown frame", "agent_id", agentID, "type", env.Type)
		}
	}
}

func (h *wsHandler) frameError(agentID, frameType string, err error) {
	h.metrics.FrameErrors.WithLabelValues(frameType).Inc()
	h.logger.Error("processing frame", "agent_id", agentID, "type", frameType, "error", err)
}

func (h *wsHandler) sendError(ws *websocket.Conn, msg string) {
	env, err := protocol.NewEnvelope(protocol.TypeError, map[string]string{"error": msg})
	if err != nil {
		return
	}
	_ = ws.SetWriteDeadline(time.Now().Add(viewerWriteWait))
	_ = ws.WriteJSON(env)
}

// serveViewer streams fleet events to a dashboard connection until it closes.
func (h *wsHandler) serveViewer(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("viewer upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	defer ws.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	events, subID := h.broadcaster.Subscribe(ctx)
	h.logger.Info("viewer connected", "sub_id", subID, "remote", r.RemoteAddr)
	defer h.logger.Info("viewer disconnected", "sub_id", subID)

	// Reader exists only to observe the close handshake.
	go func() {
		defer cancel()
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(viewerPingEvery)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			_ = ws.SetWriteDeadline(time.Now().Add(viewerWriteWait))
			if err := ws.WriteJSON(ev); err != nil {
				return
			}
		case <-ping.C:
			_ = ws.SetWriteDeadline(time.Now().Add(viewerWriteWait))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
