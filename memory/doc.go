// Package memory contains core.SnapshotStore implementations. A snapshot
// store keeps one merged document per workspace that accumulates the
// terminal summaries of past runs: top-level keys of a new snapshot overwrite
// the previous values, list fields append and keep only the most recent
// entries.
//
// Select an implementation at wiring time and depend on core.SnapshotStore
// elsewhere.
package memory
