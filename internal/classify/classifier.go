// ABOUTME: Asynchronous process safety classification backed by a text-completion model.
// ABOUTME: Produces per-process safe/unsafe/unknown verdicts and persists them.

package classify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/opsentrix/fleet-hub/internal/insight"
	"github.com/opsentrix/fleet-hub/internal/protocol"
	"github.com/opsentrix/fleet-hub/internal/store"
)

// Verdict is one per-process classification result.
type Verdict struct {
	Name   string `json:"name"`
	Flag   string `json:"flag"`
	Reason string `json:"reason"`
}

// Classifier produces safety verdicts for a list of observed processes.
type Classifier interface {
	Classify(ctx context.Context, procs []protocol.ProcessInfo) ([]Verdict, error)
}

// LLMClassifier classifies processes by prompting a completion model for a
// JSON verdict list.
type LLMClassifier struct {
	generator insight.Generator
}

// NewLLMClassifier wraps a completion generator as a Classifier.
func NewLLMClassifier(g insight.Generator) *LLMClassifier {
	return &LLMClassifier{generator: g}
}

// Classify prompts the model with the process inventory and parses its JSON
// reply. Unrecognized flags are coerced to unknown.
func (c *LLMClassifier) Classify(ctx context.Context, procs []protocol.ProcessInfo) ([]Verdict, error) {
	if len(procs) == 0 {
		return nil, nil
	}

	raw, err := c.generator.Generate(ctx, buildPrompt(procs))
	if err != nil {
		return nil, fmt.Errorf("classifying processes: %w", err)
	}

	verdicts, err := parseVerdicts(raw)
	if err != nil {
		return nil, err
	}

	for i := range verdicts {
		switch verdicts[i].Flag {
		case protocol.SafetySafe, protocol.SafetyUnsafe, protocol.SafetyUnknown:
		default:
			verdicts[i].Flag = protocol.SafetyUnknown
		}
	}
	return verdicts, nil
}

func buildPrompt(procs []protocol.ProcessInfo) string {
	var b strings.Builder
	b.WriteString("Classify each server process below as safe, unsafe, or unknown. ")
	b.WriteString("Reply with ONLY a JSON array of objects with keys name, flag, reason.\n\nProcesses:\n")
	for _, p := range procs {
		fmt.Fprintf(&b, "- %s (pid %d, cpu %.1f%%, mem %.1f%%)\n", p.Name, p.PID, p.CPUUsage, p.MemoryUsage)
	}
	return b.String()
}

// parseVerdicts decodes the model reply, tolerating a fenced code block.
func parseVerdicts(raw string) ([]Verdict, error) {
	trimmed := strings.TrimSpace(raw)
	if strings.HasPrefix(trimmed, "```") {
		trimmed = strings.TrimPrefix(trimmed, "```json")
		trimmed = strings.TrimPrefix(trimmed, "```")
		trimmed = strings.TrimSuffix(strings.TrimSpace(trimmed), "```")
		trimmed = strings.TrimSpace(trimmed)
	}

	var verdicts []Verdict
	if err := json.Unmarshal([]byte(trimmed), &verdicts); err != nil {
		return nil, fmt.Errorf("parsing classifier reply: %w", err)
	}
	return verdicts, nil
}

// Service runs classification for persisted process batches and writes the
// verdicts back to the store. Failures are logged; records keep their
// unknown default.
type Service struct {
	store      store.Store
	classifier Classifier
	logger     *slog.Logger
}

// NewService creates a classification service. A nil classifier disables
// classification.
func NewService(s store.Store, c Classifier, logger *slog.Logger) *Service {
	return &Service{
		store:      s,
		classifier: c,
		logger:     logger.With("component", "classify"),
	}
}

// ClassifyBatch classifies the batch and persists each verdict. Intended to
// run in its own goroutine after a process checkpoint.
func (s *Service) ClassifyBatch(ctx context.Context, agentID string, procs []protocol.ProcessInfo) {
	if s.classifier == nil || len(procs) == 0 {
		return
	}

	verdicts, err := s.classifier.Classify(ctx, procs)
	if err != nil {
		s.logger.Error("classification failed", "agent_id", agentID, "error", err)
		return
	}

	stored := 0
	for _, v := range verdicts {
		if v.Name == "" {
			continue
		}
		if err := s.store.UpdateProcessSafety(ctx, agentID, v.Name, v.Flag, v.Reason); err != nil {
			s.logger.Error("storing verdict", "agent_id", agentID, "process", v.Name, "error", err)
			continue
		}
		stored++
	}

	s.logger.Info("process batch classified",
		"agent_id", agentID,
		"processes", len(procs),
		"verdicts_stored", stored,
	)
}
