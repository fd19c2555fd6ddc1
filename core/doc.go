// Package core defines the shared contracts of the FlowMesh engine: task
// specifications, flow runs, structured results, scoped memory access, the
// document repository and status tracking interfaces, and the error taxonomy
// used across components.
//
// Concrete implementations live in sibling packages (memory, document,
// status, workunit); depend on the interfaces declared here and select an
// implementation at wiring time. This keeps domain contracts centralized
// while allowing pluggable backends without dependency cycles.
package core
