// ABOUTME: Simulated fleet agent for local development and E2E testing.
// ABOUTME: Usage: fleet-agent [-addr localhost:8080] [-id dev-agent] [-token TOKEN]

package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"time"

	"github.com/gorilla/websocket"

	"github.com/opsentrix/fleet-hub/internal/protocol"
)

func main() {
	addr := flag.String("addr", "localhost:8080", "hub HTTP address")
	agentID := flag.String("id", "dev-agent", "agent ID")
	name := flag.String("name", "Dev Agent", "agent display name")
	token := flag.String("token", os.Getenv("FLEETHUB_AGENT_TOKEN"), "agent auth token")
	interval := flag.Duration("interval", 3*time.Second, "metrics reporting interval")
	flag.Parse()

	if err := run(*addr, *agentID, *name, *token, *interval); err != nil {
		log.Fatal(err)
	}
}

func run(addr, agentID, name, token string, interval time.Duration) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	url := fmt.Sprintf("ws://%s/ws/agent", addr)
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("dialing %s: %w", url, err)
	}
	defer ws.Close()

	if err := send(ws, protocol.TypeRegister, protocol.Register{
		AgentID: agentID,
		Name:    name,
		Token:   token,
	}); err != nil {
		return fmt.Errorf("registering: %w", err)
	}

	var ack protocol.Envelope
	if err := ws.ReadJSON(&ack); err != nil {
		return fmt.Errorf("reading registration reply: %w", err)
	}
	if ack.Type != protocol.TypeRegistered {
		return fmt.Errorf("registration rejected: %s", string(ack.Payload))
	}
	fmt.Fprintf(os.Stderr, "registered as %s\n", agentID)

	// Writes come from two goroutines (reporter and command replies); the
	// channel serializes them onto the single connection.
	outbound := make(chan *protocol.Envelope, 16)

	go commandLoop(ws, outbound)
	go reporter(ctx, agentID, name, interval, outbound)

	for {
		select {
		case <-ctx.Done():
			return nil
		case env := <-outbound:
			if err := ws.WriteJSON(env); err != nil {
				return fmt.Errorf("writing frame: %w", err)
			}
		}
	}
}

func send(ws *websocket.Conn, typ string, payload any) error {
	env, err := protocol.NewEnvelope(typ, payload)
	if err != nil {
		return err
	}
	return ws.WriteJSON(env)
}

// commandLoop reads hub frames and answers commands with simulated results.
func commandLoop(ws *websocket.Conn, outbound chan<- *protocol.Envelope) {
	for {
		var env protocol.Envelope
		if err := ws.ReadJSON(&env); err != nil {
			return
		}
		if env.Type != protocol.TypeCommand {
			continue
		}

		var cmd protocol.Command
		if err := env.Decode(&cmd); err != nil {
			continue
		}

		result := protocol.CommandResult{RequestID: cmd.RequestID, OK: true}
		switch cmd.Kind {
		case protocol.CommandCleanup:
			freed := map[string]int64{
				"tmp":   rand.Int63n(512 << 20),
				"cache": rand.Int63n(256 << 20),
				"logs":  rand.Int63n(128 << 20),
			}
			var total int64
			for _, n := range freed {
				total += n
			}
			result.Data, _ = json.Marshal(protocol.CleanupResult{FreedBytes: freed, TotalBytes: total})
			fmt.Fprintf(os.Stderr, "cleanup: freed %d bytes\n", total)

		case protocol.CommandKillProcess:
			var payload protocol.KillProcessPayload
			if err := json.Unmarshal(cmd.Payload, &payload); err != nil {
				result.OK = false
				result.Error = "bad kill payload"
				break
			}
			result.Data, _ = json.Marshal(protocol.KillResult{PID: payload.PID, Killed: true})
			fmt.Fprintf(os.Stderr, "killed pid %d\n", payload.PID)

		default:
			result.OK = false
			result.Error = fmt.Sprintf("unsupported command: %s", cmd.Kind)
		}

		reply, err := protocol.NewEnvelope(protocol.TypeCommandResult, result)
		if err != nil {
			continue
		}
		outbound <- reply
	}
}

// reporter pushes simulated metrics and process frames on the interval.
func reporter(ctx context.Context, agentID, name string, interval time.Duration, outbound chan<- *protocol.Envelope) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// Slow random walk so dashboards show movement.
	cpu, mem, disk := 25.0, 40.0, 55.0
	tick := 0

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cpu = drift(cpu, 8)
			mem = drift(mem, 4)
			disk = drift(disk, 1)

			env, err := protocol.NewEnvelope(protocol.TypeMetrics, protocol.Metrics{
				ID:        agentID,
				Name:      name,
				Status:    "online",
				CPU:       cpu,
				Memory:    mem,
				Disk:      disk,
				Processes: 80 + rand.Intn(40),
			})
			if err == nil {
				outbound <- env
			}

			// Processes change slowly; report every fifth tick.
			tick++
			if tick%5 == 1 {
				env, err := protocol.NewEnvelope(protocol.TypeProcesses, protocol.ProcessList{
					AgentID:   agentID,
					Processes: simulatedProcesses(),
				})
				if err == nil {
					outbound <- env
				}
			}
		}
	}
}

func drift(v, step float64) float64 {
	v += (rand.Float64() - 0.5) * 2 * step
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

func simulatedProcesses() []protocol.ProcessInfo {
	base := []protocol.ProcessInfo{
		{PID: 1, Name: "systemd", Status: "sleeping"},
		{PID: 842, Name: "sshd", Status: "sleeping"},
		{PID: 1201, Name: "nginx", Status: "running"},
		{PID: 1455, Name: "postgres", Status: "running"},
		{PID: 2310, Name: "node", Status: "running"},
	}
	for i := range base {
		base[i].CPUUsage = rand.Float64() * 20
		base[i].MemoryUsage = rand.Float64() * 10
	}
	return base
}
