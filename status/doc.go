// Package status contains StatusStore implementations: an append-only JSONL
// transition log per run with an in-RAM latest-per-task projection, and a
// volatile in-memory variant for tests.
//
// The tracker is a pure observation surface. It never triggers retries,
// never blocks a task and never resolves dependencies; an external
// controller polls it to make flow level decisions. Externally injected
// transitions are tolerated between engine updates: the log keeps every
// record, and the latest projection is won by the newest timestamp.
package status
