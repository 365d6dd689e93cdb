// ABOUTME: Package documentation for fleet-hub persistence.
// ABOUTME: Describes the snapshot and process tables and their update semantics.

// Package store persists agent snapshots and process observations in SQLite.
//
// Snapshots are upserts: one row per agent, with an append-only summary log
// so history survives each overwrite. Process batches are replace-on-write;
// each checkpoint deletes the agent's previous list. Safety classifications
// are keyed by process name and reapplied through the cached-safety lookup,
// so a replace does not lose verdicts for recurring processes.
package store
