// Package scheduler drives flow runs: it turns an ordered task list into an
// execution plan, resolves each step's prerequisites, and walks every task
// through the prep, execute and post phases with retry, timeout and fallback
// handling. Consecutive independent parallel tasks execute concurrently;
// everything else runs strictly in declaration order.
//
// The scheduler owns all run mutation. Work units, stores and observers never
// touch the FlowRun directly.
package scheduler
