// ABOUTME: Resource threshold checks that trigger outbound alert notifications.
// ABOUTME: Dedupes by comparing the issue string against the persisted alert message.

package alert

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/opsentrix/fleet-hub/internal/store"
)

// Notifier delivers an alert to a destination. Fire-and-forget from the
// hub's perspective.
type Notifier interface {
	SendAlert(ctx context.Context, to, subject, body string) error
}

// Thresholds are the resource levels that trigger an alert.
type Thresholds struct {
	CPU    float64
	Memory float64
	Disk   float64
}

// Breached reports whether any reading is at or above its threshold.
func (t Thresholds) Breached(cpu, mem, disk float64) bool {
	return cpu >= t.CPU || mem >= t.Memory || disk >= t.Disk
}

// Checker evaluates persisted agent snapshots against thresholds and sends a
// notification when the set of breached resources changes.
type Checker struct {
	store      store.Store
	notifier   Notifier
	thresholds Thresholds
	logger     *slog.Logger
}

// NewChecker creates a threshold checker. A nil notifier disables delivery
// but still records the alert message for dedup.
func NewChecker(s store.Store, n Notifier, th Thresholds, logger *slog.Logger) *Checker {
	return &Checker{
		store:      s,
		notifier:   n,
		thresholds: th,
		logger:     logger.With("component", "alert"),
	}
}

// Check reads the persisted snapshot for the agent and sends an alert if any
// threshold is breached and the issue set differs from the last alert.
// All failures are logged only; ingestion must never block on alerting.
func (c *Checker) Check(ctx context.Context, agentID string) {
	agent, err := c.store.GetAgent(ctx, agentID)
	if errors.Is(err, store.ErrNotFound) {
		return
	}
	if err != nil {
		c.logger.Error("loading agent for alert check", "agent_id", agentID, "error", err)
		return
	}

	issues, detail := c.evaluate(agent)
	if len(issues) == 0 || agent.Status != store.StatusOnline {
		return
	}

	alertMessage := strings.Join(issues, " | ")
	if agent.AlertMessage == alertMessage {
		// Same condition already alerted; do not repeat.
		return
	}

	if err := c.store.UpdateAlertMessage(ctx, agentID, alertMessage); err != nil {
		c.logger.Error("recording alert message", "agent_id", agentID, "error", err)
		return
	}

	c.logger.Warn("resource thresholds breached",
		"agent_id", agentID,
		"issues", alertMessage,
	)

	if c.notifier == nil || agent.Email == "" {
		return
	}

	subject := fmt.Sprintf("Opsentrix Alert: %s", alertMessage)
	body := buildBody(agent, detail)
	if err := c.notifier.SendAlert(ctx, agent.Email, subject, body); err != nil {
		c.logger.Error("sending alert", "agent_id", agentID, "to", agent.Email, "error", err)
	}
}

// evaluate returns the breached issue labels and the matching detail lines.
func (c *Checker) evaluate(agent *store.AgentSnapshot) (issues, detail []string) {
	if agent.CPU >= c.thresholds.CPU {
		issues = append(issues, "CPU: HIGH")
		detail = append(detail, fmt.Sprintf("CPU Usage: %.1f%%", agent.CPU))
	}
	if agent.Memory >= c.thresholds.Memory {
		issues = append(issues, "MEMORY: HIGH")
		detail = append(detail, fmt.Sprintf("Memory Usage: %.1f%%", agent.Memory))
	}
	if agent.Disk >= c.thresholds.Disk {
		issues = append(issues, "DISK: HIGH")
		detail = append(detail, fmt.Sprintf("Disk Usage: %.1f%%", agent.Disk))
	}
	return issues, detail
}

// buildBody renders the alert body as Markdown; the mailer converts it to
// HTML for delivery.
func buildBody(agent *store.AgentSnapshot, detail []string) string {
	var b strings.Builder
	b.WriteString("## High Resource Usage Detected\n\n")
	fmt.Fprintf(&b, "**Agent Name:** %s\n\n", agent.Name)
	fmt.Fprintf(&b, "**Agent ID:** %s\n\n", agent.ID)
	for _, line := range detail {
		fmt.Fprintf(&b, "- %s\n", line)
	}
	b.WriteString("\nPlease take immediate action to resolve the high usage.\n")
	return b.String()
}
