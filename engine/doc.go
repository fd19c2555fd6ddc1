// Package engine is the composition root: it wires the stores, the scheduler
// and the work unit invoker behind a flow registry, and manages run
// lifecycles including cancellation and resumption of blocked runs.
package engine
