// ABOUTME: Matches asynchronous agent command replies to their originating requests.
// ABOUTME: Pending entries race a deadline timer; map removal is the single arbiter.

package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/opsentrix/fleet-hub/internal/protocol"
)

// ErrAgentNotConnected indicates a command targeted an agent with no live session.
var ErrAgentNotConnected = errors.New("agent not connected")

// ErrCommandTimeout indicates no response arrived within the command deadline.
var ErrCommandTimeout = errors.New("command timed out")

// Correlator dispatches commands to agents over their live connections and
// resolves each request exactly once: either a matching response arrives or
// the deadline fires. Whichever path takes the pending entry out of the map
// first wins; the loser observes absence and no-ops.
type Correlator struct {
	registry       *Registry
	defaultTimeout time.Duration
	logger         *slog.Logger

	mu      sync.Mutex
	pending map[string]*pendingCommand
}

type pendingCommand struct {
	requestID string
	issuedAt  time.Time
	timer     *time.Timer
	done      chan outcome
}

type outcome struct {
	result protocol.CommandResult
	err    error
}

// NewCorrelator creates a correlator that resolves agents through the registry.
func NewCorrelator(registry *Registry, defaultTimeout time.Duration, logger *slog.Logger) *Correlator {
	if defaultTimeout <= 0 {
		defaultTimeout = 30 * time.Second
	}
	return &Correlator{
		registry:       registry,
		defaultTimeout: defaultTimeout,
		logger:         logger,
		pending:        make(map[string]*pendingCommand),
	}
}

// SendCommand sends a command to the given agent and blocks until a matching
// response arrives, the timeout elapses, or ctx is cancelled. A zero timeout
// uses the correlator default. Fails immediately with ErrAgentNotConnected if
// the agent has no live session; in that case no pending entry is created.
func (c *Correlator) SendCommand(ctx context.Context, agentID, kind string, payload any, timeout time.Duration) (protocol.CommandResult, error) {
	sess, ok := c.registry.Lookup(agentID)
	if !ok || sess.Conn == nil {
		return protocol.CommandResult{}, ErrAgentNotConnected
	}

	if timeout <= 0 {
		timeout = c.defaultTimeout
	}

	requestID := newRequestID(kind, agentID)
	cmd := protocol.Command{RequestID: requestID, Kind: kind}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return protocol.CommandResult{}, fmt.Errorf("encoding %s payload: %w", kind, err)
		}
		cmd.Payload = raw
	}

	pc := &pendingCommand{
		requestID: requestID,
		issuedAt:  time.Now(),
		done:      make(chan outcome, 1),
	}

	// The timer is armed and the entry published under one critical section:
	// take (used by Resolve and the timer itself) must never see an entry
	// whose timer field is still unset.
	c.mu.Lock()
	pc.timer = time.AfterFunc(timeout, func() {
		if taken := c.take(requestID); taken != nil {
			taken.done <- outcome{err: ErrCommandTimeout}
		}
	})
	c.pending[requestID] = pc
	c.mu.Unlock()

	env, err := protocol.NewEnvelope(protocol.TypeCommand, cmd)
	if err == nil {
		err = sess.Conn.Send(env)
	}
	if err != nil {
		if taken := c.take(requestID); taken != nil {
			taken.timer.Stop()
		}
		return protocol.CommandResult{}, fmt.Errorf("sending %s command to %s: %w", kind, agentID, err)
	}

	c.logger.Debug("command dispatched",
		"agent_id", agentID,
		"kind", kind,
		"request_id", requestID,
		"timeout", timeout,
	)

	select {
	case out := <-pc.done:
		return out.result, out.err
	case <-ctx.Done():
		// Caller gave up: treat as an immediate local timeout trigger.
		if taken := c.take(requestID); taken != nil {
			taken.timer.Stop()
			return protocol.CommandResult{}, ctx.Err()
		}
		// Already resolved by the response or timer path; the outcome is
		// sitting in the buffered channel.
		out := <-pc.done
		return out.result, out.err
	}
}

// Resolve fulfills the pending command matching the response's request ID.
// Late or duplicate responses are discarded silently.
func (c *Correlator) Resolve(result protocol.CommandResult) {
	pc := c.take(result.RequestID)
	if pc == nil {
		c.logger.Debug("discarding response for unknown request",
			"request_id", result.RequestID,
		)
		return
	}
	pc.timer.Stop()
	pc.done <- outcome{result: result}
}

// PendingCount returns the number of in-flight commands.
func (c *Correlator) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// take removes and returns the pending entry for requestID, or nil if another
// path already removed it. This is the exactly-once arbiter.
func (c *Correlator) take(requestID string) *pendingCommand {
	c.mu.Lock()
	defer c.mu.Unlock()

	pc, ok := c.pending[requestID]
	if !ok {
		return nil
	}
	delete(c.pending, requestID)
	return pc
}

// newRequestID builds a request identifier of the form <kind>_<agentID>_<nanos>.
func newRequestID(kind, agentID string) string {
	return fmt.Sprintf("%s_%s_%d", kind, agentID, time.Now().UnixNano())
}
