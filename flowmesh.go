// Package flowmesh provides a high-level façade over the core engine and
// store abstractions (memory, documents, status & logging) enabling rapid
// construction of agent task flows. Most applications interact with this
// package by:
//  1. Creating a FlowMesh via New() (optionally overriding default in-memory stores)
//  2. Registering one or more flows (YAML definitions or task specs built in code)
//  3. Running flows per session and resuming the ones that block
//
// The façade delegates orchestration to engine.Engine while keeping setup and
// usage ergonomics concise. All defaults are safe for local development and
// testing; production deployments typically supply the file or PostgreSQL
// backed stores and a structured logger.
package flowmesh

import (
	"context"

	"github.com/flowmesh/flowmesh/core"
	"github.com/flowmesh/flowmesh/definition"
	"github.com/flowmesh/flowmesh/engine"
	"github.com/flowmesh/flowmesh/logging"
	"github.com/flowmesh/flowmesh/scheduler"
)

// Options configures the FlowMesh instance.
type Options struct {
	// Stores (defaults to in-memory implementations if not provided)
	MemoryStore   core.MemoryStore
	DocumentStore core.DocumentStore
	StatusStore   core.StatusStore

	// Policy selects the missing-document behavior (wait, skip, error).
	Policy scheduler.MissingDocPolicy

	// Fallback produces degraded results after retry exhaustion.
	Fallback core.FallbackFunc

	// Observer receives scheduling events (metrics, external controllers).
	Observer scheduler.Observer

	// Logger (defaults to NoOp logger if nil)
	Logger logging.Logger
}

// FlowMesh is the high-level façade aggregating the underlying engine and stores.
type FlowMesh struct {
	engine *engine.Engine
}

// New creates a new FlowMesh executing work units through the given invoker.
// Any unset store is initialized with an in-memory implementation.
func New(invoker core.Invoker, optFns ...func(o *Options)) *FlowMesh {
	opts := Options{
		Policy:   scheduler.PolicyWait,
		Observer: scheduler.NoOpObserver{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	e := engine.New(invoker, func(o *engine.Options) {
		o.MemoryStore = opts.MemoryStore
		o.DocumentStore = opts.DocumentStore
		o.StatusStore = opts.StatusStore
		o.Policy = opts.Policy
		o.Fallback = opts.Fallback
		o.Observer = opts.Observer
		o.Logger = opts.Logger
	})

	return &FlowMesh{engine: e}
}

// Register adds a flow built in code under a name.
func (m *FlowMesh) Register(name string, tasks []core.TaskSpec) error {
	return m.engine.Register(name, tasks)
}

// RegisterFlow adds a loaded YAML definition under its own name.
func (m *FlowMesh) RegisterFlow(flow *definition.Flow) error {
	return m.engine.RegisterFlow(flow)
}

// Run executes a registered flow for a session.
func (m *FlowMesh) Run(ctx context.Context, flowName, sessionID string) (*core.FlowRun, core.FlowResult, error) {
	return m.engine.Run(ctx, flowName, sessionID)
}

// Resume re-enters a blocked run after its missing prerequisites have been
// supplied.
func (m *FlowMesh) Resume(ctx context.Context, run *core.FlowRun) (core.FlowResult, error) {
	return m.engine.Resume(ctx, run)
}

// Cancel aborts an in-flight run by id.
func (m *FlowMesh) Cancel(runID string) bool {
	return m.engine.Cancel(runID)
}
