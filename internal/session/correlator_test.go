// ABOUTME: Tests for command correlation: dispatch, response matching, deadlines.
// ABOUTME: Covers the exactly-once race between response arrival and timeout.

package session

import (
	"context"
	"encoding/json"
	"errors"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/opsentrix/fleet-hub/internal/protocol"
)

func newTestCorrelator(t *testing.T, timeout time.Duration) (*Correlator, *Registry, *fakeWire) {
	t.Helper()
	r := NewRegistry(testLogger())
	conn, wire := newTestConn("agent-1")
	r.Register("agent-1", conn)
	return NewCorrelator(r, timeout, testLogger()), r, wire
}

// sentCommand decodes the command frame most recently written to the wire.
func sentCommand(t *testing.T, wire *fakeWire) protocol.Command {
	t.Helper()
	env := wire.lastFrame()
	if env == nil {
		t.Fatal("no frame written to wire")
	}
	if env.Type != protocol.TypeCommand {
		t.Fatalf("frame type = %q, want %q", env.Type, protocol.TypeCommand)
	}
	var cmd protocol.Command
	if err := env.Decode(&cmd); err != nil {
		t.Fatalf("decoding command: %v", err)
	}
	return cmd
}

func TestCorrelator_SendCommand(t *testing.T) {
	t.Run("response resolves the request", func(t *testing.T) {
		c, _, wire := newTestCorrelator(t, time.Second)

		done := make(chan struct{})
		var result protocol.CommandResult
		var err error
		go func() {
			defer close(done)
			result, err = c.SendCommand(context.Background(), "agent-1", protocol.CommandCleanup, nil, 0)
		}()

		// Wait for the command frame, then answer it.
		var cmd protocol.Command
		waitFor(t, func() bool {
			if wire.lastFrame() == nil {
				return false
			}
			cmd = sentCommand(t, wire)
			return true
		})

		c.Resolve(protocol.CommandResult{
			RequestID: cmd.RequestID,
			OK:        true,
			Data:      json.RawMessage(`{"total_bytes": 1024}`),
		})

		<-done
		if err != nil {
			t.Fatalf("SendCommand returned %v", err)
		}
		if !result.OK {
			t.Error("result.OK = false, want true")
		}
		if c.PendingCount() != 0 {
			t.Errorf("PendingCount() = %d, want 0", c.PendingCount())
		}
	})

	t.Run("payload is encoded into the frame", func(t *testing.T) {
		c, _, wire := newTestCorrelator(t, time.Second)

		go c.SendCommand(context.Background(), "agent-1", protocol.CommandKillProcess, protocol.KillProcessPayload{PID: 4242}, 0)

		var cmd protocol.Command
		waitFor(t, func() bool {
			if wire.lastFrame() == nil {
				return false
			}
			cmd = sentCommand(t, wire)
			return true
		})

		var payload protocol.KillProcessPayload
		if err := json.Unmarshal(cmd.Payload, &payload); err != nil {
			t.Fatalf("decoding payload: %v", err)
		}
		if payload.PID != 4242 {
			t.Errorf("payload.PID = %d, want 4242", payload.PID)
		}
		c.Resolve(protocol.CommandResult{RequestID: cmd.RequestID, OK: true})
	})

	t.Run("deadline fires when no response arrives", func(t *testing.T) {
		c, _, _ := newTestCorrelator(t, time.Second)

		_, err := c.SendCommand(context.Background(), "agent-1", protocol.CommandCleanup, nil, 20*time.Millisecond)
		if !errors.Is(err, ErrCommandTimeout) {
			t.Fatalf("err = %v, want ErrCommandTimeout", err)
		}
		if c.PendingCount() != 0 {
			t.Errorf("PendingCount() = %d, want 0 after timeout", c.PendingCount())
		}
	})

	t.Run("unknown agent fails fast with no pending entry", func(t *testing.T) {
		c, _, _ := newTestCorrelator(t, time.Second)

		_, err := c.SendCommand(context.Background(), "ghost", protocol.CommandCleanup, nil, 0)
		if !errors.Is(err, ErrAgentNotConnected) {
			t.Fatalf("err = %v, want ErrAgentNotConnected", err)
		}
		if c.PendingCount() != 0 {
			t.Errorf("PendingCount() = %d, want 0", c.PendingCount())
		}
	})

	t.Run("send failure cleans up the pending entry", func(t *testing.T) {
		c, _, wire := newTestCorrelator(t, time.Second)
		wire.sendErr = errors.New("broken pipe")

		_, err := c.SendCommand(context.Background(), "agent-1", protocol.CommandCleanup, nil, 0)
		if err == nil {
			t.Fatal("expected send error")
		}
		if c.PendingCount() != 0 {
			t.Errorf("PendingCount() = %d, want 0", c.PendingCount())
		}
	})

	t.Run("context cancellation unblocks the caller", func(t *testing.T) {
		c, _, _ := newTestCorrelator(t, time.Second)
		ctx, cancel := context.WithCancel(context.Background())

		errCh := make(chan error, 1)
		go func() {
			_, err := c.SendCommand(ctx, "agent-1", protocol.CommandCleanup, nil, time.Minute)
			errCh <- err
		}()

		waitFor(t, func() bool { return c.PendingCount() == 1 })
		cancel()

		select {
		case err := <-errCh:
			if !errors.Is(err, context.Canceled) {
				t.Fatalf("err = %v, want context.Canceled", err)
			}
		case <-time.After(time.Second):
			t.Fatal("SendCommand did not return after cancellation")
		}
		if c.PendingCount() != 0 {
			t.Errorf("PendingCount() = %d, want 0", c.PendingCount())
		}
	})

	t.Run("late response is discarded silently", func(t *testing.T) {
		c, _, _ := newTestCorrelator(t, time.Second)

		_, err := c.SendCommand(context.Background(), "agent-1", protocol.CommandCleanup, nil, 10*time.Millisecond)
		if !errors.Is(err, ErrCommandTimeout) {
			t.Fatalf("err = %v, want ErrCommandTimeout", err)
		}
		// Must not panic or resurrect the entry.
		c.Resolve(protocol.CommandResult{RequestID: "cleanup_agent-1_0", OK: true})
		if c.PendingCount() != 0 {
			t.Errorf("PendingCount() = %d, want 0", c.PendingCount())
		}
	})
}

// TestCorrelator_ResponseTimeoutRace hammers the race between a response
// arriving and the deadline firing at the same instant. Exactly one of the
// two may win; the caller always gets exactly one outcome.
func TestCorrelator_ResponseTimeoutRace(t *testing.T) {
	c, _, wire := newTestCorrelator(t, time.Second)

	for i := 0; i < 50; i++ {
		errCh := make(chan error, 1)
		go func() {
			_, err := c.SendCommand(context.Background(), "agent-1", protocol.CommandCleanup, nil, 2*time.Millisecond)
			errCh <- err
		}()

		var cmd protocol.Command
		waitFor(t, func() bool {
			if wire.lastFrame() == nil {
				return false
			}
			cmd = sentCommand(t, wire)
			return true
		})

		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			time.Sleep(2 * time.Millisecond)
			c.Resolve(protocol.CommandResult{RequestID: cmd.RequestID, OK: true})
		}()

		select {
		case err := <-errCh:
			if err != nil && !errors.Is(err, ErrCommandTimeout) {
				t.Fatalf("iteration %d: err = %v", i, err)
			}
		case <-time.After(time.Second):
			t.Fatalf("iteration %d: caller never unblocked", i)
		}
		wg.Wait()

		if c.PendingCount() != 0 {
			t.Fatalf("iteration %d: PendingCount() = %d, want 0", i, c.PendingCount())
		}
		wire.mu.Lock()
		wire.frames = nil
		wire.mu.Unlock()
	}
}

// TestCorrelator_EarlyResponse answers each command the instant its pending
// entry becomes visible, racing registration itself. The resolve path must
// always find a fully initialized entry.
func TestCorrelator_EarlyResponse(t *testing.T) {
	c, _, _ := newTestCorrelator(t, time.Second)

	for i := 0; i < 100; i++ {
		stop := make(chan struct{})
		go func() {
			for {
				select {
				case <-stop:
					return
				default:
				}
				c.mu.Lock()
				var id string
				for reqID := range c.pending {
					id = reqID
				}
				c.mu.Unlock()
				if id != "" {
					c.Resolve(protocol.CommandResult{RequestID: id, OK: true})
					return
				}
				runtime.Gosched()
			}
		}()

		result, err := c.SendCommand(context.Background(), "agent-1", protocol.CommandCleanup, nil, time.Second)
		close(stop)
		if err != nil {
			t.Fatalf("iteration %d: SendCommand returned %v", i, err)
		}
		if !result.OK {
			t.Fatalf("iteration %d: result.OK = false", i)
		}
		if c.PendingCount() != 0 {
			t.Fatalf("iteration %d: PendingCount() = %d, want 0", i, c.PendingCount())
		}
	}
}

// waitFor polls cond until it is true or the deadline passes.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition never became true")
}
