// ABOUTME: Builds metrics summaries and stores generated insight prose.
// ABOUTME: Runs asynchronously; generation failures are logged, never surfaced.

package insight

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/opsentrix/fleet-hub/internal/store"
)

// Service generates and persists daily insights for agents.
type Service struct {
	store     store.Store
	generator Generator
	logger    *slog.Logger
}

// NewService creates an insight service. A nil generator disables generation;
// GenerateFor becomes a no-op.
func NewService(s store.Store, g Generator, logger *slog.Logger) *Service {
	return &Service{
		store:     s,
		generator: g,
		logger:    logger.With("component", "insight"),
	}
}

// GenerateFor loads the persisted agent, builds a summary, calls the
// generator, and stores the result with today's date. Intended to be run in
// its own goroutine; all failures are logged only.
func (s *Service) GenerateFor(ctx context.Context, agentID string) {
	if s.generator == nil {
		return
	}

	agent, err := s.store.GetAgent(ctx, agentID)
	if err != nil {
		s.logger.Error("loading agent for insight", "agent_id", agentID, "error", err)
		return
	}

	prose, err := s.generator.Generate(ctx, BuildSummary(agent))
	if err != nil {
		s.logger.Error("generating insight", "agent_id", agentID, "error", err)
		return
	}

	date := time.Now().UTC().Format("2006-01-02")
	if err := s.store.SaveInsight(ctx, agentID, prose, date); err != nil {
		s.logger.Error("saving insight", "agent_id", agentID, "error", err)
		return
	}

	s.logger.Info("insight stored", "agent_id", agentID, "date", date)
}

// BuildSummary renders an agent snapshot as the plain-text summary handed to
// the generator.
func BuildSummary(agent *store.AgentSnapshot) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are reviewing resource telemetry for server agent %q (%s).\n", agent.Name, agent.ID)
	fmt.Fprintf(&b, "Latest reading: CPU %.1f%%, memory %.1f%%, disk %.1f%%, %d processes, status %s.\n",
		agent.CPU, agent.Memory, agent.Disk, agent.ProcessCount, agent.Status)

	if agent.Summary != "" {
		history := recentSummaryLines(agent.Summary, 20)
		fmt.Fprintf(&b, "Recent history (oldest first):\n%s\n", history)
	}

	b.WriteString("Write a short operator-facing insight: notable trends, likely causes, and one recommended action. Plain prose, no headings.")
	return b.String()
}

// recentSummaryLines returns the last n lines of the append-only summary log.
func recentSummaryLines(summary string, n int) string {
	lines := strings.Split(strings.TrimSpace(summary), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}
