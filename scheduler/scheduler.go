package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/flowmesh/flowmesh/core"
	"github.com/flowmesh/flowmesh/document"
	"github.com/flowmesh/flowmesh/logging"
	"github.com/flowmesh/flowmesh/resolver"
)

// MissingDocPolicy decides what happens when a task's required documents do
// not exist at resolution time. Missing predecessor tasks always block
// regardless of policy; only document availability is negotiable.
type MissingDocPolicy string

const (
	// PolicyWait halts the run in the blocked state before executing any task
	// of the affected step. The default.
	PolicyWait MissingDocPolicy = "wait"

	// PolicySkip executes the task anyway, substituting empty content for
	// each missing document.
	PolicySkip MissingDocPolicy = "skip"

	// PolicyError fails the task immediately without an execute attempt; the
	// run continues so independent tasks still make progress.
	PolicyError MissingDocPolicy = "error"
)

// Observer receives scheduling events for metrics and external controllers.
// Observers must not block and carry no decision logic.
type Observer interface {
	TaskTransition(runID, taskID string, state core.TaskState)
	TaskRetried(runID, taskID string, attempt int)
	TaskFinished(runID, taskID string, state core.TaskState, elapsed time.Duration)
	RunFinished(runID string, status core.RunStatus, elapsed time.Duration)
}

// NoOpObserver discards every event.
type NoOpObserver struct{}

func (NoOpObserver) TaskTransition(string, string, core.TaskState)              {}
func (NoOpObserver) TaskRetried(string, string, int)                            {}
func (NoOpObserver) TaskFinished(string, string, core.TaskState, time.Duration) {}
func (NoOpObserver) RunFinished(string, core.RunStatus, time.Duration)          {}

// Options configures a Scheduler.
type Options struct {
	// Policy selects the missing-document behavior. Defaults to PolicyWait.
	Policy MissingDocPolicy

	// Fallback, when set, produces a degraded result after the retry budget
	// is exhausted. A completed fallback result counts as task success with
	// the Degraded flag set.
	Fallback core.FallbackFunc

	// Logger defaults to the no-op logger.
	Logger logging.Logger

	// Observer defaults to NoOpObserver.
	Observer Observer
}

// Scheduler executes flow runs against a work unit invoker and the three
// stores. It is safe for sequential reuse across runs; a single FlowRun must
// only ever be driven by one Run call at a time.
type Scheduler struct {
	invoker  core.Invoker
	mem      core.MemoryStore
	docs     core.DocumentStore
	status   core.StatusStore
	policy   MissingDocPolicy
	fallback core.FallbackFunc
	logger   logging.Logger
	observer Observer
}

// New creates a Scheduler over the given invoker and stores.
func New(invoker core.Invoker, mem core.MemoryStore, docs core.DocumentStore, status core.StatusStore, optFns ...func(o *Options)) *Scheduler {
	opts := Options{
		Policy:   PolicyWait,
		Observer: NoOpObserver{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Scheduler{
		invoker:  invoker,
		mem:      mem,
		docs:     docs,
		status:   status,
		policy:   opts.Policy,
		fallback: opts.Fallback,
		logger:   logging.OrNoOp(opts.Logger),
		observer: opts.Observer,
	}
}

// outcomeKind classifies how one task execution ended.
type outcomeKind int

const (
	outcomeCompleted outcomeKind = iota
	outcomeFailed
	outcomeNeedsInput
)

// outcome is the per-task execution report handed back to the scheduling
// thread, which is the only place the FlowRun is mutated.
type outcome struct {
	spec   core.TaskSpec
	kind   outcomeKind
	result core.Result
	err    error

	// fatal escalates the whole run, typically on a StorageError in the
	// post phase.
	fatal bool
}

// member is a resolved, executable step member. Under the skip policy the
// missing set names documents to substitute with empty content.
type member struct {
	spec    core.TaskSpec
	missing map[string]bool
}

// Run drives the plan from the run's cursor to a terminal or blocked state.
// Re-invoking Run on a blocked run resumes at the first unresolved step;
// tasks already completed or failed are never re-executed.
func (s *Scheduler) Run(ctx context.Context, run *core.FlowRun) (core.FlowResult, error) {
	start := time.Now()
	run.Status = core.RunRunning
	plan := Plan(run.Tasks)

	s.logger.Info("run started", "run", run.RunID, "session", run.SessionID, "steps", len(plan), "cursor", run.Cursor)

	for i := run.Cursor; i < len(plan); i++ {
		step := plan[i]
		run.Cursor = i

		members, pending, halted, err := s.resolveStep(run, step)
		if err != nil {
			run.Status = core.RunFailed
			s.finish(run, start)
			if _, ok := err.(*gateError); ok {
				// A required predecessor failed permanently. That is a flow
				// outcome visible in the results, not an infrastructure error.
				return s.flowResult(run, core.Pending{}), nil
			}
			return s.flowResult(run, core.Pending{}), err
		}
		if halted {
			run.Status = core.RunBlocked
			s.finish(run, start)
			return s.flowResult(run, pending), nil
		}
		if len(members) == 0 {
			run.Cursor = i + 1
			continue
		}

		var outcomes []outcome
		if len(members) == 1 {
			outcomes = []outcome{s.runTask(ctx, run.RunID, run.SessionID, members[0])}
		} else {
			outcomes = s.runConcurrent(ctx, run.RunID, run.SessionID, members)
		}

		var fatal error
		var needs []outcome
		for _, o := range outcomes {
			switch o.kind {
			case outcomeCompleted:
				if err := run.MarkCompleted(o.spec, o.result); err != nil {
					fatal = err
				}
			case outcomeFailed:
				run.MarkFailed(o.spec, o.result)
				if o.fatal && fatal == nil {
					fatal = o.err
				}
			case outcomeNeedsInput:
				needs = append(needs, o)
			}
		}

		if fatal != nil {
			run.Status = core.RunFailed
			s.finish(run, start)
			return s.flowResult(run, core.Pending{}), fatal
		}
		if len(needs) > 0 {
			// The step stays unresolved; supplying the inputs and re-running
			// resumes here with completed siblings already marked.
			pend := core.Pending{}
			for _, o := range needs {
				if len(o.result.MissingInputs) > 0 {
					pend.Inputs = append(pend.Inputs, o.result.MissingInputs...)
				} else {
					pend.Inputs = append(pend.Inputs, o.spec.ID)
				}
			}
			pend.Inputs = dedupe(pend.Inputs)
			run.Status = core.RunBlocked
			s.finish(run, start)
			return s.flowResult(run, pend), nil
		}

		// A cancelled run must not read as completed even when the failed
		// tasks gate nothing downstream.
		if cErr := ctx.Err(); cErr != nil {
			run.Status = core.RunFailed
			s.finish(run, start)
			return s.flowResult(run, core.Pending{}), cErr
		}

		run.Cursor = i + 1
	}

	run.Status = core.RunCompleted
	s.finish(run, start)
	return s.flowResult(run, core.Pending{}), nil
}

// gateError wraps the dependency error raised when a step's predecessor has
// failed permanently, distinguishing it from run-level storage failures.
type gateError struct{ err error }

func (e *gateError) Error() string { return e.err.Error() }
func (e *gateError) Unwrap() error { return e.err }

// resolveStep resolves every non-terminal member of a step before anything
// executes. It returns the executable members, or pending state when the run
// must halt blocked, or an error when a failed predecessor gates the step.
func (s *Scheduler) resolveStep(run *core.FlowRun, step Step) ([]member, core.Pending, bool, error) {
	var members []member
	var pendDocs, pendTasks []string

	for _, spec := range step.Tasks {
		if run.Completed[spec.ID] || run.Failed[spec.ID] {
			continue
		}

		res, err := resolver.Resolve(spec, run, s.docs)
		if err != nil {
			return nil, core.Pending{}, false, err
		}

		switch res.State {
		case resolver.Unsatisfiable:
			derr := &core.DependencyError{TaskID: spec.ID, MissingTasks: res.FailedTasks}
			summary := fmt.Sprintf("required predecessors failed permanently: %s", strings.Join(res.FailedTasks, ", "))
			if rErr := s.record(run.RunID, spec.ID, core.TaskFailed, summary); rErr != nil {
				return nil, core.Pending{}, false, rErr
			}
			run.MarkFailed(spec, core.Result{State: core.StateFailed, Summary: summary})
			s.logger.Error("step unsatisfiable", "run", run.RunID, "task", spec.ID, "failed", res.FailedTasks)
			return nil, core.Pending{}, false, &gateError{err: derr}

		case resolver.Blocked:
			// Missing predecessors always block. Missing documents follow
			// the configured policy.
			switch {
			case len(res.MissingTasks) > 0 || s.policy == PolicyWait:
				pendDocs = append(pendDocs, res.MissingDocs...)
				pendTasks = append(pendTasks, res.MissingTasks...)
			case s.policy == PolicyError:
				derr := &core.DependencyError{TaskID: spec.ID, MissingDocs: res.MissingDocs}
				if rErr := s.record(run.RunID, spec.ID, core.TaskFailed, derr.Error()); rErr != nil {
					return nil, core.Pending{}, false, rErr
				}
				run.MarkFailed(spec, core.Result{State: core.StateFailed, Summary: derr.Error()})
				s.logger.Warn("task failed on missing documents", "run", run.RunID, "task", spec.ID, "docs", res.MissingDocs)
			default: // PolicySkip
				missing := make(map[string]bool, len(res.MissingDocs))
				for _, id := range res.MissingDocs {
					missing[id] = true
				}
				if rErr := s.record(run.RunID, spec.ID, core.TaskReady, ""); rErr != nil {
					return nil, core.Pending{}, false, rErr
				}
				members = append(members, member{spec: spec, missing: missing})
			}

		case resolver.Ready:
			if rErr := s.record(run.RunID, spec.ID, core.TaskReady, ""); rErr != nil {
				return nil, core.Pending{}, false, rErr
			}
			members = append(members, member{spec: spec})
		}
	}

	if len(pendDocs) > 0 || len(pendTasks) > 0 {
		pend := core.Pending{Docs: dedupe(pendDocs), Tasks: dedupe(pendTasks)}
		for _, spec := range step.Tasks {
			if run.Completed[spec.ID] || run.Failed[spec.ID] {
				continue
			}
			if rErr := s.record(run.RunID, spec.ID, core.TaskPending, ""); rErr != nil {
				return nil, core.Pending{}, false, rErr
			}
		}
		s.logger.Info("run blocked", "run", run.RunID, "docs", pend.Docs, "tasks", pend.Tasks)
		return nil, pend, true, nil
	}

	return members, core.Pending{}, false, nil
}

// runConcurrent fans a batch out on goroutines and collects the outcomes.
// A sibling failure never cancels the others; the step budget is the largest
// member timeout, and members still running when it expires are abandoned
// with a timeout failure while their context is cancelled.
func (s *Scheduler) runConcurrent(ctx context.Context, runID, sessionID string, members []member) []outcome {
	budget := maxTimeout(members)
	stepCtx := ctx
	cancel := context.CancelFunc(func() {})
	if budget > 0 {
		stepCtx, cancel = context.WithTimeout(ctx, budget)
	}
	defer cancel()

	ch := make(chan outcome, len(members))
	var wg sync.WaitGroup
	for _, m := range members {
		wg.Add(1)
		go func(m member) {
			defer wg.Done()
			ch <- s.runTask(stepCtx, runID, sessionID, m)
		}(m)
	}
	go func() {
		wg.Wait()
		close(ch)
	}()

	outcomes := make([]outcome, 0, len(members))
	done := map[string]bool{}
	for len(outcomes) < len(members) {
		select {
		case o, ok := <-ch:
			if !ok {
				return outcomes
			}
			done[o.spec.ID] = true
			outcomes = append(outcomes, o)
		case <-stepCtx.Done():
			cancel()
			for _, m := range members {
				if done[m.spec.ID] {
					continue
				}
				terr := &core.TimeoutError{TaskID: m.spec.ID, Timeout: budget}
				s.logger.Warn("abandoning task after step budget", "run", runID, "task", m.spec.ID)
				outcomes = append(outcomes, outcome{
					spec:   m.spec,
					kind:   outcomeFailed,
					result: core.Result{State: core.StateFailed, Summary: terr.Error()},
					err:    terr,
				})
			}
			return outcomes
		}
	}
	return outcomes
}

// runTask walks one task through prep, execute with retries, fallback and
// post. It never touches the FlowRun; the report travels back as an outcome.
func (s *Scheduler) runTask(ctx context.Context, runID, sessionID string, m member) outcome {
	spec := m.spec
	taskStart := time.Now()

	report := func(o outcome) outcome {
		state := core.TaskCompleted
		switch o.kind {
		case outcomeFailed:
			state = core.TaskFailed
		case outcomeNeedsInput:
			state = core.TaskNeedsInput
		}
		s.observer.TaskFinished(runID, spec.ID, state, time.Since(taskStart))
		return o
	}

	if err := s.record(runID, spec.ID, core.TaskRunning, ""); err != nil {
		return report(outcome{spec: spec, kind: outcomeFailed, result: failedResult(err), err: err, fatal: true})
	}

	in, err := s.prep(spec, sessionID, m.missing)
	if err != nil {
		if rErr := s.record(runID, spec.ID, core.TaskFailed, err.Error()); rErr != nil {
			err = rErr
		}
		return report(outcome{spec: spec, kind: outcomeFailed, result: failedResult(err), err: err, fatal: true})
	}

	res, lastErr := s.execute(ctx, runID, spec, in)

	if res.State == core.StateNeedsInput {
		summary := res.Summary
		if summary == "" {
			summary = fmt.Sprintf("waiting for inputs: %s", strings.Join(res.MissingInputs, ", "))
		}
		if rErr := s.record(runID, spec.ID, core.TaskNeedsInput, summary); rErr != nil {
			return report(outcome{spec: spec, kind: outcomeFailed, result: failedResult(rErr), err: rErr, fatal: true})
		}
		return report(outcome{spec: spec, kind: outcomeNeedsInput, result: res})
	}

	if res.State != core.StateCompleted && s.fallback != nil {
		// One shot, after the whole retry budget.
		fb := s.fallback(spec.ID, lastErr)
		if fb.Valid() && fb.State == core.StateCompleted {
			fb.Degraded = true
			res, lastErr = fb, nil
			s.logger.Info("fallback produced degraded result", "run", runID, "task", spec.ID)
		}
	}

	if res.State != core.StateCompleted {
		if lastErr == nil {
			lastErr = &core.ExecutionError{TaskID: spec.ID, Err: errors.New(res.Summary)}
		}
		if rErr := s.record(runID, spec.ID, core.TaskFailed, lastErr.Error()); rErr != nil {
			return report(outcome{spec: spec, kind: outcomeFailed, result: failedResult(rErr), err: rErr, fatal: true})
		}
		s.logger.Error("task failed permanently", "run", runID, "task", spec.ID, "error", lastErr)
		return report(outcome{spec: spec, kind: outcomeFailed, result: failedResult(lastErr), err: lastErr})
	}

	if err := s.post(runID, sessionID, spec, res); err != nil {
		var sErr *core.StorageError
		fatal := errors.As(err, &sErr)
		if rErr := s.record(runID, spec.ID, core.TaskFailed, err.Error()); rErr != nil {
			err, fatal = rErr, true
		}
		return report(outcome{spec: spec, kind: outcomeFailed, result: failedResult(err), err: err, fatal: fatal})
	}

	if rErr := s.record(runID, spec.ID, core.TaskCompleted, res.Summary); rErr != nil {
		return report(outcome{spec: spec, kind: outcomeFailed, result: failedResult(rErr), err: rErr, fatal: true})
	}
	return report(outcome{spec: spec, kind: outcomeCompleted, result: res})
}

// prep assembles the work unit input: resolved document contents plus a
// snapshot of the task's memory scope.
func (s *Scheduler) prep(spec core.TaskSpec, sessionID string, missing map[string]bool) (core.Input, error) {
	contents := make(map[string]string, len(spec.RequiredDocs))
	for _, id := range spec.RequiredDocs {
		if missing[id] {
			contents[id] = ""
			continue
		}
		content, err := s.docs.Read(id)
		if err != nil {
			if errors.Is(err, document.ErrNotFound) {
				// The document vanished between resolution and prep; treat it
				// like a skip substitution rather than failing the task.
				s.logger.Warn("document disappeared after resolution", "task", spec.ID, "doc", id)
				contents[id] = ""
				continue
			}
			return core.Input{}, err
		}
		contents[id] = content
	}

	snap, err := s.mem.Snapshot(spec.ScopeFor(sessionID))
	if err != nil {
		return core.Input{}, err
	}

	return core.Input{
		TaskID:    spec.ID,
		SessionID: sessionID,
		Documents: contents,
		Memory:    snap,
	}, nil
}

// execute runs the invoke loop: the first attempt plus up to MaxRetries
// re-attempts, with monotonic backoff of attempt*RetryDelay between them.
// Only the execute phase repeats; prep and post run once.
func (s *Scheduler) execute(ctx context.Context, runID string, spec core.TaskSpec, in core.Input) (core.Result, error) {
	var lastErr error

	for attempt := 1; attempt <= spec.MaxRetries+1; attempt++ {
		if attempt > 1 {
			s.observer.TaskRetried(runID, spec.ID, attempt-1)
			s.logger.Debug("retrying task", "run", runID, "task", spec.ID, "attempt", attempt)
			if err := sleep(ctx, time.Duration(attempt-1)*spec.RetryDelay); err != nil {
				return core.Result{State: core.StateFailed}, &core.ExecutionError{TaskID: spec.ID, Attempt: attempt, Err: err}
			}
		}

		res, err := s.invokeOnce(ctx, spec, in, attempt)
		if err != nil {
			lastErr = err
			continue
		}
		if res.State == core.StateNeedsInput || res.State == core.StateCompleted {
			return res, nil
		}
		// StateFailed: consume a retry.
		lastErr = &core.ExecutionError{TaskID: spec.ID, Attempt: attempt, Err: errors.New(orUnknown(res.Summary))}
	}

	return core.Result{State: core.StateFailed}, lastErr
}

// invokeOnce performs a single bounded execute attempt.
func (s *Scheduler) invokeOnce(ctx context.Context, spec core.TaskSpec, in core.Input, attempt int) (core.Result, error) {
	attemptCtx := ctx
	cancel := context.CancelFunc(func() {})
	if spec.Timeout > 0 {
		attemptCtx, cancel = context.WithTimeout(ctx, spec.Timeout)
	}
	defer cancel()

	res, err := s.invoker.Invoke(attemptCtx, in)
	if err != nil {
		if errors.Is(attemptCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return core.Result{}, &core.TimeoutError{TaskID: spec.ID, Timeout: spec.Timeout, Attempt: attempt}
		}
		return core.Result{}, &core.ExecutionError{TaskID: spec.ID, Attempt: attempt, Err: err}
	}
	if !res.Valid() {
		return core.Result{}, &core.ExecutionError{
			TaskID:  spec.ID,
			Attempt: attempt,
			Err:     fmt.Errorf("work unit returned invalid result state %q", res.State),
		}
	}
	return res, nil
}

// post persists the continuation state of a completed task: the result in the
// task's memory scope and, when configured, the output document.
func (s *Scheduler) post(runID, sessionID string, spec core.TaskSpec, res core.Result) error {
	scope := spec.ScopeFor(sessionID)
	if err := s.mem.Set(scope, "last_result", res.Summary); err != nil {
		return err
	}
	if err := s.mem.Set(scope, "result", res); err != nil {
		return err
	}
	if spec.OutputDoc != "" {
		if err := s.docs.Write(spec.OutputDoc, res.Content); err != nil {
			return err
		}
	}
	return nil
}

func (s *Scheduler) record(runID, taskID string, state core.TaskState, summary string) error {
	err := s.status.Record(core.StatusRecord{RunID: runID, TaskID: taskID, State: state, Summary: summary})
	if err != nil {
		return err
	}
	s.observer.TaskTransition(runID, taskID, state)
	return nil
}

func (s *Scheduler) finish(run *core.FlowRun, start time.Time) {
	s.observer.RunFinished(run.RunID, run.Status, time.Since(start))
	s.logger.Info("run finished", "run", run.RunID, "status", run.Status)
}

func (s *Scheduler) flowResult(run *core.FlowRun, pend core.Pending) core.FlowResult {
	return core.FlowResult{Status: run.Status, Results: run.Results, Pending: pend}
}

func failedResult(err error) core.Result {
	return core.Result{State: core.StateFailed, Summary: err.Error()}
}

func maxTimeout(members []member) time.Duration {
	var max time.Duration
	for _, m := range members {
		if m.spec.Timeout == 0 {
			return 0
		}
		if m.spec.Timeout > max {
			max = m.spec.Timeout
		}
	}
	return max
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func orUnknown(s string) string {
	if s == "" {
		return "work unit reported failure"
	}
	return s
}

func dedupe(ids []string) []string {
	seen := map[string]bool{}
	out := ids[:0]
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
