package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/flowmesh/flowmesh/core"
	"github.com/flowmesh/flowmesh/definition"
	"github.com/flowmesh/flowmesh/document"
	"github.com/flowmesh/flowmesh/logging"
	"github.com/flowmesh/flowmesh/memory"
	"github.com/flowmesh/flowmesh/resolver"
	"github.com/flowmesh/flowmesh/scheduler"
	"github.com/flowmesh/flowmesh/status"
)

// Options configures an Engine. All stores have in-memory defaults suitable
// for development and tests; production setups provide file or database
// backed implementations.
type Options struct {
	// MemoryStore defaults to the in-memory implementation.
	MemoryStore core.MemoryStore

	// DocumentStore defaults to the in-memory implementation.
	DocumentStore core.DocumentStore

	// StatusStore defaults to the in-memory tracker.
	StatusStore core.StatusStore

	// Policy selects the scheduler's missing-document behavior.
	Policy scheduler.MissingDocPolicy

	// Fallback, when set, produces degraded results after retry exhaustion.
	Fallback core.FallbackFunc

	// Observer receives scheduling events; defaults to the no-op observer.
	Observer scheduler.Observer

	// Logger defaults to the no-op logger.
	Logger logging.Logger
}

// Engine owns the flow registry and drives runs through the scheduler. It is
// safe for concurrent use; each run executes independently.
type Engine struct {
	mem    core.MemoryStore
	sched  *scheduler.Scheduler
	logger logging.Logger

	mu    sync.RWMutex
	flows map[string][]core.TaskSpec

	activeMu sync.Mutex
	active   map[string]context.CancelFunc
}

// New creates an Engine executing work units through the given invoker.
func New(invoker core.Invoker, optFns ...func(o *Options)) *Engine {
	opts := Options{
		Policy:   scheduler.PolicyWait,
		Observer: scheduler.NoOpObserver{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.MemoryStore == nil {
		opts.MemoryStore = memory.NewInMemoryStore()
	}
	if opts.DocumentStore == nil {
		opts.DocumentStore = document.NewInMemoryStore()
	}
	if opts.StatusStore == nil {
		opts.StatusStore = status.NewInMemoryTracker()
	}
	logger := logging.OrNoOp(opts.Logger)

	sched := scheduler.New(invoker, opts.MemoryStore, opts.DocumentStore, opts.StatusStore,
		func(o *scheduler.Options) {
			o.Policy = opts.Policy
			o.Fallback = opts.Fallback
			o.Logger = logger
			o.Observer = opts.Observer
		},
	)

	return &Engine{
		mem:    opts.MemoryStore,
		sched:  sched,
		logger: logger,
		flows:  map[string][]core.TaskSpec{},
		active: map[string]context.CancelFunc{},
	}
}

// Register adds a flow under a name. Structural validation happens here so a
// registered flow never fails validation at run time: every spec is checked
// individually, ids must be unique and the dependency graph acyclic.
func (e *Engine) Register(name string, tasks []core.TaskSpec) error {
	if name == "" {
		return &core.ValidationError{Subject: "flow", Reason: "flow name must not be empty"}
	}
	if len(tasks) == 0 {
		return &core.ValidationError{Subject: name, Reason: "flow defines no tasks"}
	}

	seen := map[string]bool{}
	for _, t := range tasks {
		if err := t.Validate(); err != nil {
			return err
		}
		if seen[t.ID] {
			return &core.ValidationError{Subject: t.ID, Reason: "duplicate task id"}
		}
		seen[t.ID] = true
	}
	if err := resolver.DetectCycles(tasks); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.flows[name] = tasks
	e.logger.Info("flow registered", "flow", name, "tasks", len(tasks))
	return nil
}

// RegisterFlow adds an already loaded definition under its own name.
func (e *Engine) RegisterFlow(flow *definition.Flow) error {
	return e.Register(flow.Name, flow.Tasks)
}

// Run executes a registered flow for a session. It returns the mutated
// FlowRun alongside the result so a blocked run can later be handed to
// Resume. The memory cache is flushed when the run ends regardless of the
// outcome.
func (e *Engine) Run(ctx context.Context, flowName, sessionID string) (*core.FlowRun, core.FlowResult, error) {
	e.mu.RLock()
	tasks, ok := e.flows[flowName]
	e.mu.RUnlock()
	if !ok {
		return nil, core.FlowResult{}, &core.ValidationError{Subject: flowName, Reason: "flow is not registered"}
	}

	run := core.NewFlowRun(core.NewID(), sessionID, tasks)
	res, err := e.drive(ctx, run)
	return run, res, err
}

// Resume re-enters a blocked run. Completed and failed tasks are never
// re-executed; execution picks up at the first unresolved step.
func (e *Engine) Resume(ctx context.Context, run *core.FlowRun) (core.FlowResult, error) {
	if run.Status != core.RunBlocked {
		return core.FlowResult{}, &core.ValidationError{
			Subject: run.RunID,
			Reason:  fmt.Sprintf("only blocked runs can be resumed, status is %q", run.Status),
		}
	}
	return e.drive(ctx, run)
}

// Cancel aborts an in-flight run. It reports whether the run was active.
func (e *Engine) Cancel(runID string) bool {
	e.activeMu.Lock()
	cancel, ok := e.active[runID]
	e.activeMu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

func (e *Engine) drive(ctx context.Context, run *core.FlowRun) (core.FlowResult, error) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	e.activeMu.Lock()
	e.active[run.RunID] = cancel
	e.activeMu.Unlock()

	defer func() {
		e.activeMu.Lock()
		delete(e.active, run.RunID)
		e.activeMu.Unlock()

		if err := e.mem.Flush(); err != nil {
			e.logger.Error("memory flush failed", "run", run.RunID, "error", err)
		}
	}()

	return e.sched.Run(runCtx, run)
}
