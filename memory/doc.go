// Package memory contains concrete MemoryStore implementations. The store
// interface and Scope type reside in the core package; depend on
// core.MemoryStore in your code and select an implementation at wiring time.
//
// FileStore is the default durable backend: an append-only JSONL log per
// scope with an authoritative in-RAM cache. InMemoryStore is a volatile
// store for tests and examples. The postgres subpackage provides a remote
// backend behind the same contract.
package memory
