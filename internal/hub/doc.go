// ABOUTME: Package documentation for the hub orchestration layer.
// ABOUTME: Explains endpoint layout and shutdown ordering.

// Package hub wires the telemetry service together and serves its endpoints.
//
// # Endpoints
//
//   - /ws/agent: persistent agent connections. The first frame must be a
//     register message carrying the shared agent token; after that the hub
//     accepts metrics, process, and command-result frames until the socket
//     closes.
//   - /ws/viewer: dashboard connections. Viewers receive every fleet event
//     published after they subscribe; there is no replay.
//   - /api/*: REST surface for fleet status, agent detail, and remote
//     commands (cleanup, kill process). Command endpoints block until the
//     agent responds or the command deadline fires.
//   - /health, /health/ready, /metrics: operational endpoints.
//
// # Shutdown
//
// Run blocks until its context is cancelled, then stops intake (HTTP
// listener), drops viewer subscriptions, and closes the store, in that
// order. Agent sessions end with the listener; their offline snapshots were
// already persisted by the liveness monitor or will be on reconnect.
package hub
