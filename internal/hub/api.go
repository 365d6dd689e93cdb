// ABOUTME: REST endpoints for fleet status, agent detail, and remote commands.
// ABOUTME: Command endpoints block on the correlator and map its errors to HTTP codes.

package hub

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/opsentrix/fleet-hub/internal/broadcast"
	"github.com/opsentrix/fleet-hub/internal/protocol"
	"github.com/opsentrix/fleet-hub/internal/session"
	"github.com/opsentrix/fleet-hub/internal/store"
)

type apiHandler struct {
	registry    *session.Registry
	store       store.Store
	correlator  *session.Correlator
	broadcaster *broadcast.Broadcaster
	cmdTimeout  time.Duration
	metrics     *Metrics
	logger      *slog.Logger
}

// fleetResponse is the GET /api/fleet body.
type fleetResponse struct {
	Agents []session.Summary `json:"agents"`
	Total  int               `json:"total"`
}

// agentDetail merges the persisted snapshot with live session state.
type agentDetail struct {
	store.AgentSnapshot
	Connected bool `json:"connected"`
}

// handleFleet merges live session state over the persisted fleet, so agents
// that are currently offline still show up with their last known readings.
func (h *apiHandler) handleFleet(w http.ResponseWriter, r *http.Request) {
	live := make(map[string]session.Summary)
	for _, s := range h.registry.ListAll() {
		live[s.AgentID] = s
	}

	persisted, err := h.store.ListAgents(r.Context())
	if err != nil {
		h.logger.Error("listing agents", "error", err)
		writeError(w, http.StatusInternalServerError, "listing agents failed")
		return
	}

	agents := make([]session.Summary, 0, len(persisted)+len(live))
	for _, snap := range persisted {
		if s, ok := live[snap.ID]; ok {
			agents = append(agents, s)
			delete(live, snap.ID)
			continue
		}
		agents = append(agents, session.Summary{
			AgentID:       snap.ID,
			Name:          snap.Name,
			Status:        store.StatusOffline,
			CPU:           snap.CPU,
			Memory:        snap.Memory,
			Disk:          snap.Disk,
			Processes:     snap.ProcessCount,
			LastHeartbeat: snap.LastHeartbeat,
		})
	}
	// Sessions that connected but have not been persisted yet.
	for _, s := range live {
		agents = append(agents, s)
	}
	sort.Slice(agents, func(i, j int) bool { return agents[i].AgentID < agents[j].AgentID })
	writeJSON(w, http.StatusOK, fleetResponse{Agents: agents, Total: len(agents)})
}

func (h *apiHandler) handleAgentDetail(w http.ResponseWriter, r *http.Request) {
	agentID := r.PathValue("id")

	snap, err := h.store.GetAgent(r.Context(), agentID)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "unknown agent")
		return
	}
	if err != nil {
		h.logger.Error("loading agent", "agent_id", agentID, "error", err)
		writeError(w, http.StatusInternalServerError, "loading agent failed")
		return
	}

	_, connected := h.registry.Lookup(agentID)
	writeJSON(w, http.StatusOK, agentDetail{AgentSnapshot: *snap, Connected: connected})
}

// handleCleanup dispatches a cleanup command and blocks until the agent
// responds or the deadline fires.
func (h *apiHandler) handleCleanup(w http.ResponseWriter, r *http.Request) {
	agentID := r.PathValue("id")

	result, err := h.runCommand(r, agentID, protocol.CommandCleanup, nil)
	if err != nil {
		h.writeCommandError(w, agentID, protocol.CommandCleanup, err)
		return
	}

	var cleanup protocol.CleanupResult
	if len(result.Data) > 0 {
		if err := json.Unmarshal(result.Data, &cleanup); err != nil {
			h.logger.Warn("undecodable cleanup result", "agent_id", agentID, "error", err)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"agent_id":    agentID,
		"ok":          result.OK,
		"error":       result.Error,
		"freed_bytes": cleanup.FreedBytes,
		"total_bytes": cleanup.TotalBytes,
	})
}

// handleKillProcess dispatches a kill command, waits for the outcome, and
// additionally fans the result out so dashboards refresh their process view.
func (h *apiHandler) handleKillProcess(w http.ResponseWriter, r *http.Request) {
	agentID := r.PathValue("id")
	pid, err := strconv.ParseInt(r.PathValue("pid"), 10, 32)
	if err != nil || pid <= 0 {
		writeError(w, http.StatusBadRequest, "invalid pid")
		return
	}

	payload := protocol.KillProcessPayload{PID: int32(pid)}
	result, err := h.runCommand(r, agentID, protocol.CommandKillProcess, payload)
	if err != nil {
		h.writeCommandError(w, agentID, protocol.CommandKillProcess, err)
		return
	}

	var kill protocol.KillResult
	if len(result.Data) > 0 {
		if err := json.Unmarshal(result.Data, &kill); err != nil {
			h.logger.Warn("undecodable kill result", "agent_id", agentID, "error", err)
		}
	}

	h.broadcaster.Publish(broadcast.Event{
		Type:    protocol.TypeCommandResult,
		AgentID: agentID,
		Payload: result,
	})

	writeJSON(w, http.StatusOK, map[string]any{
		"agent_id": agentID,
		"ok":       result.OK,
		"error":    result.Error,
		"pid":      kill.PID,
		"killed":   kill.Killed,
	})
}

func (h *apiHandler) runCommand(r *http.Request, agentID, kind string, payload any) (protocol.CommandResult, error) {
	start := time.Now()
	result, err := h.correlator.SendCommand(r.Context(), agentID, kind, payload, h.cmdTimeout)
	h.metrics.CommandDuration.Observe(time.Since(start).Seconds())
	h.metrics.CommandsTotal.WithLabelValues(kind, commandOutcome(err)).Inc()
	return result, err
}

func (h *apiHandler) writeCommandError(w http.ResponseWriter, agentID, kind string, err error) {
	switch {
	case errors.Is(err, session.ErrAgentNotConnected):
		writeError(w, http.StatusServiceUnavailable, "agent not connected")
	case errors.Is(err, session.ErrCommandTimeout):
		writeError(w, http.StatusGatewayTimeout, "agent did not respond in time")
	default:
		h.logger.Error("command failed", "agent_id", agentID, "kind", kind, "error", err)
		writeError(w, http.StatusInternalServerError, "command failed")
	}
}

func commandOutcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, session.ErrCommandTimeout):
		return "timeout"
	case errors.Is(err, session.ErrAgentNotConnected):
		return "not_connected"
	default:
		return "error"
	}
}

func (h *apiHandler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"agents": h.registry.Len(),
	})
}

func (h *apiHandler) handleReady(w http.ResponseWriter, r *http.Request) {
	// Readiness means the store answers queries.
	if _, err := h.store.ListAgents(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
