// Package session manages live agent sessions for the fleet hub.
//
// # Registry
//
// The Registry tracks all currently connected agents:
//
//	reg := session.NewRegistry(logger)
//
// Key operations:
//
//   - Register(agentID, conn): Insert or replace a connection handle
//   - RecordHeartbeat(agentID, metrics): Update liveness and latest metrics
//   - Lookup(agentID): Get a session copy for command dispatch
//   - RemoveConn(agentID, conn): Remove a session on disconnect
//   - ExpireStale(timeout): Atomically collect and evict stale sessions
//   - ListAll(): Summaries for fleet status reporting
//
// At most one connection handle exists per agent ID; a reconnect replaces
// (and closes) the prior handle. Sessions are created on registration or
// implicitly on a first heartbeat, and destroyed on disconnect or liveness
// timeout.
//
// # Command/Response Correlation
//
// When sending a command to an agent, the Correlator:
//
//  1. Looks up the agent's live connection via the Registry
//  2. Generates a request ID of the form <kind>_<agentID>_<nanos>
//  3. Stores a pending entry with a deadline timer
//  4. Sends the command frame tagged with the request ID
//  5. Blocks the caller until response, timeout, or context cancellation
//
// Exactly one resolution path executes per request: the response handler and
// the deadline timer both try to remove the pending entry from the map, and
// only the one that finds it present proceeds. Late and duplicate responses
// are discarded silently.
//
// # Liveness Monitoring
//
// The Monitor scans the registry on a fixed interval (default 5s) and evicts
// agents whose heartbeat age exceeds the timeout (default 10s). Eviction
// triggers a best-effort offline snapshot persist and a viewer broadcast;
// storage failures are logged and never block eviction.
//
// # Thread Safety
//
// Registry and Correlator each guard their map with a single mutex. No I/O
// is performed while a lock is held: eviction and broadcast act on copies
// taken inside the critical section.
package session
