package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowmesh/flowmesh/core"
	"github.com/flowmesh/flowmesh/document"
	"github.com/flowmesh/flowmesh/memory"
	"github.com/flowmesh/flowmesh/status"
)

// stubInvoker records every invocation and delegates to a swappable function.
type stubInvoker struct {
	mu     sync.Mutex
	calls  map[string]int
	inputs map[string]core.Input
	fn     func(ctx context.Context, in core.Input) (core.Result, error)
}

func newStubInvoker(fn func(ctx context.Context, in core.Input) (core.Result, error)) *stubInvoker {
	return &stubInvoker{calls: map[string]int{}, inputs: map[string]core.Input{}, fn: fn}
}

func (s *stubInvoker) Invoke(ctx context.Context, in core.Input) (core.Result, error) {
	s.mu.Lock()
	s.calls[in.TaskID]++
	s.inputs[in.TaskID] = in
	fn := s.fn
	s.mu.Unlock()
	return fn(ctx, in)
}

func (s *stubInvoker) callCount(taskID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[taskID]
}

func (s *stubInvoker) input(taskID string) core.Input {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inputs[taskID]
}

func completed(content string) func(ctx context.Context, in core.Input) (core.Result, error) {
	return func(ctx context.Context, in core.Input) (core.Result, error) {
		return core.Result{State: core.StateCompleted, Content: content, Summary: in.TaskID + " done"}, nil
	}
}

type fixture struct {
	mem     *memory.InMemoryStore
	docs    *document.InMemoryStore
	tracker *status.InMemoryTracker
}

func newFixture() *fixture {
	return &fixture{
		mem:     memory.NewInMemoryStore(),
		docs:    document.NewInMemoryStore(),
		tracker: status.NewInMemoryTracker(),
	}
}

func (f *fixture) scheduler(inv core.Invoker, optFns ...func(o *Options)) *Scheduler {
	return New(inv, f.mem, f.docs, f.tracker, optFns...)
}

func TestScheduler_SequentialFlowCompletes(t *testing.T) {
	f := newFixture()
	inv := newStubInvoker(completed("output"))
	sched := f.scheduler(inv)

	run := core.NewFlowRun("r1", "s1", []core.TaskSpec{
		{ID: "analyze", MemoryScope: core.ScopeIsolated, OutputDoc: "analysis"},
		{ID: "report", MemoryScope: core.ScopeIsolated, RequiredTasks: []string{"analyze"}, RequiredDocs: []string{"analysis"}},
	})

	res, err := sched.Run(context.Background(), run)
	require.NoError(t, err)
	assert.Equal(t, core.RunCompleted, res.Status)
	assert.True(t, run.Completed["analyze"])
	assert.True(t, run.Completed["report"])
	assert.Equal(t, 1, inv.callCount("analyze"))
	assert.Equal(t, 1, inv.callCount("report"))

	// The second task saw the first task's output document.
	assert.Equal(t, "output", inv.input("report").Documents["analysis"])

	// Post wrote the continuation state into the task's memory scope.
	last, ok, err := f.mem.Get(core.IsolatedScope("analyze", "s1"), "last_result")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "analyze done", last)

	rec, ok := f.tracker.Latest("r1", "report")
	require.True(t, ok)
	assert.Equal(t, core.TaskCompleted, rec.State)
}

func TestScheduler_FailedTaskGatesLaterStep(t *testing.T) {
	// [a] -> [b, c parallel, both require a] -> [d requires b, c]; a fails
	// every attempt and there is no fallback.
	f := newFixture()
	inv := newStubInvoker(func(ctx context.Context, in core.Input) (core.Result, error) {
		return core.Result{}, errors.New("boom")
	})
	sched := f.scheduler(inv)

	run := core.NewFlowRun("r1", "s1", []core.TaskSpec{
		{ID: "a", MemoryScope: core.ScopeIsolated, MaxRetries: 1, RetryDelay: time.Millisecond},
		{ID: "b", MemoryScope: core.ScopeIsolated, Parallel: true, RequiredTasks: []string{"a"}},
		{ID: "c", MemoryScope: core.ScopeIsolated, Parallel: true, RequiredTasks: []string{"a"}},
		{ID: "d", MemoryScope: core.ScopeIsolated, RequiredTasks: []string{"b", "c"}},
	})

	res, err := sched.Run(context.Background(), run)
	require.NoError(t, err)
	assert.Equal(t, core.RunFailed, res.Status)

	assert.Equal(t, 2, inv.callCount("a")) // first attempt + one retry
	assert.Equal(t, 0, inv.callCount("b"))
	assert.Equal(t, 0, inv.callCount("c"))
	assert.Equal(t, 0, inv.callCount("d"))

	assert.True(t, run.Failed["a"])
	assert.Empty(t, run.Completed)
}

func TestScheduler_WaitPolicyBlocksOnMissingDoc(t *testing.T) {
	f := newFixture()
	inv := newStubInvoker(completed("out"))
	sched := f.scheduler(inv)

	run := core.NewFlowRun("r1", "s1", []core.TaskSpec{
		{ID: "x", MemoryScope: core.ScopeIsolated, RequiredDocs: []string{"brief"}},
	})

	res, err := sched.Run(context.Background(), run)
	require.NoError(t, err)
	assert.Equal(t, core.RunBlocked, res.Status)
	assert.Equal(t, []string{"brief"}, res.Pending.Docs)
	assert.Empty(t, run.Completed)
	assert.Equal(t, 0, inv.callCount("x"))

	// Supplying the document and re-running resumes from the blocked step.
	require.NoError(t, f.docs.Write("brief", "the brief"))
	res, err = sched.Run(context.Background(), run)
	require.NoError(t, err)
	assert.Equal(t, core.RunCompleted, res.Status)
	assert.Equal(t, 1, inv.callCount("x"))
	assert.Equal(t, "the brief", inv.input("x").Documents["brief"])
}

func TestScheduler_SkipPolicySubstitutesEmptyContent(t *testing.T) {
	f := newFixture()
	inv := newStubInvoker(completed("out"))
	sched := f.scheduler(inv, func(o *Options) { o.Policy = PolicySkip })

	run := core.NewFlowRun("r1", "s1", []core.TaskSpec{
		{ID: "x", MemoryScope: core.ScopeIsolated, RequiredDocs: []string{"brief"}},
	})

	res, err := sched.Run(context.Background(), run)
	require.NoError(t, err)
	assert.Equal(t, core.RunCompleted, res.Status)
	assert.Equal(t, 1, inv.callCount("x"))

	content, present := inv.input("x").Documents["brief"]
	assert.True(t, present)
	assert.Empty(t, content)
}

func TestScheduler_ErrorPolicyFailsTaskAndContinues(t *testing.T) {
	f := newFixture()
	inv := newStubInvoker(completed("out"))
	sched := f.scheduler(inv, func(o *Options) { o.Policy = PolicyError })

	run := core.NewFlowRun("r1", "s1", []core.TaskSpec{
		{ID: "x", MemoryScope: core.ScopeIsolated, RequiredDocs: []string{"brief"}},
		{ID: "y", MemoryScope: core.ScopeIsolated},
	})

	res, err := sched.Run(context.Background(), run)
	require.NoError(t, err)

	// x never gates y, so the run still completes with x's failure visible.
	assert.Equal(t, core.RunCompleted, res.Status)
	assert.True(t, run.Failed["x"])
	assert.True(t, run.Completed["y"])
	assert.Equal(t, 0, inv.callCount("x"))
	assert.Contains(t, res.Results["x"].Summary, "brief")
}

func TestScheduler_ParallelSiblingFailureDoesNotCancelSiblings(t *testing.T) {
	f := newFixture()
	inv := newStubInvoker(func(ctx context.Context, in core.Input) (core.Result, error) {
		if in.TaskID == "flaky" {
			return core.Result{}, errors.New("boom")
		}
		return core.Result{State: core.StateCompleted, Content: "steady output", Summary: "ok"}, nil
	})
	sched := f.scheduler(inv)

	run := core.NewFlowRun("r1", "s1", []core.TaskSpec{
		{ID: "flaky", MemoryScope: core.ScopeIsolated, Parallel: true},
		{ID: "steady", MemoryScope: core.ScopeIsolated, Parallel: true},
	})

	res, err := sched.Run(context.Background(), run)
	require.NoError(t, err)

	// Nothing downstream requires the failed sibling, so the run completes.
	assert.Equal(t, core.RunCompleted, res.Status)
	assert.True(t, run.Failed["flaky"])
	assert.True(t, run.Completed["steady"])
	assert.Equal(t, "steady output", res.Results["steady"].Content)
	assert.Equal(t, core.StateFailed, res.Results["flaky"].State)
}

func TestScheduler_ParallelSiblingFailureGatesDependentStep(t *testing.T) {
	f := newFixture()
	inv := newStubInvoker(func(ctx context.Context, in core.Input) (core.Result, error) {
		if in.TaskID == "flaky" {
			return core.Result{}, errors.New("boom")
		}
		return core.Result{State: core.StateCompleted}, nil
	})
	sched := f.scheduler(inv)

	run := core.NewFlowRun("r1", "s1", []core.TaskSpec{
		{ID: "flaky", MemoryScope: core.ScopeIsolated, Parallel: true},
		{ID: "steady", MemoryScope: core.ScopeIsolated, Parallel: true},
		{ID: "merge", MemoryScope: core.ScopeIsolated, RequiredTasks: []string{"flaky", "steady"}},
	})

	res, err := sched.Run(context.Background(), run)
	require.NoError(t, err)

	assert.Equal(t, core.RunFailed, res.Status)
	assert.True(t, run.Completed["steady"])
	assert.Equal(t, 0, inv.callCount("merge"))
	assert.Contains(t, res.Results["merge"].Summary, "flaky")
}

func TestScheduler_RetriesThenFallbackDegrades(t *testing.T) {
	f := newFixture()
	inv := newStubInvoker(func(ctx context.Context, in core.Input) (core.Result, error) {
		return core.Result{}, errors.New("model unavailable")
	})
	obs := &recordingObserver{}
	sched := f.scheduler(inv,
		func(o *Options) {
			o.Fallback = func(taskID string, lastErr error) core.Result {
				return core.Result{State: core.StateCompleted, Content: "canned", Summary: "degraded answer"}
			}
			o.Observer = obs
		},
	)

	run := core.NewFlowRun("r1", "s1", []core.TaskSpec{
		{ID: "x", MemoryScope: core.ScopeIsolated, MaxRetries: 2, RetryDelay: time.Millisecond},
	})

	res, err := sched.Run(context.Background(), run)
	require.NoError(t, err)

	assert.Equal(t, core.RunCompleted, res.Status)
	assert.Equal(t, 3, inv.callCount("x")) // first attempt + two retries
	assert.Equal(t, 2, obs.retryCount())

	result := res.Results["x"]
	assert.Equal(t, core.StateCompleted, result.State)
	assert.True(t, result.Degraded)
	assert.Equal(t, "canned", result.Content)
}

func TestScheduler_TimeoutConsumesRetryBudget(t *testing.T) {
	f := newFixture()
	inv := newStubInvoker(func(ctx context.Context, in core.Input) (core.Result, error) {
		select {
		case <-ctx.Done():
			return core.Result{}, ctx.Err()
		case <-time.After(time.Second):
			return core.Result{State: core.StateCompleted}, nil
		}
	})
	sched := f.scheduler(inv)

	run := core.NewFlowRun("r1", "s1", []core.TaskSpec{
		{ID: "slow", MemoryScope: core.ScopeIsolated, MaxRetries: 1, RetryDelay: time.Millisecond, Timeout: 20 * time.Millisecond},
	})

	res, err := sched.Run(context.Background(), run)
	require.NoError(t, err)

	assert.Equal(t, 2, inv.callCount("slow"))
	assert.True(t, run.Failed["slow"])
	assert.Contains(t, res.Results["slow"].Summary, "timeout")
}

func TestScheduler_NeedsInputBlocksAndResumes(t *testing.T) {
	f := newFixture()
	var supplied bool
	var mu sync.Mutex
	inv := newStubInvoker(func(ctx context.Context, in core.Input) (core.Result, error) {
		mu.Lock()
		defer mu.Unlock()
		if !supplied {
			return core.Result{State: core.StateNeedsInput, MissingInputs: []string{"api_key"}}, nil
		}
		return core.Result{State: core.StateCompleted, Summary: "ok"}, nil
	})
	sched := f.scheduler(inv)

	run := core.NewFlowRun("r1", "s1", []core.TaskSpec{
		{ID: "x", MemoryScope: core.ScopeIsolated},
	})

	res, err := sched.Run(context.Background(), run)
	require.NoError(t, err)
	assert.Equal(t, core.RunBlocked, res.Status)
	assert.Equal(t, []string{"api_key"}, res.Pending.Inputs)
	assert.False(t, run.Completed["x"])

	rec, ok := f.tracker.Latest("r1", "x")
	require.True(t, ok)
	assert.Equal(t, core.TaskNeedsInput, rec.State)

	mu.Lock()
	supplied = true
	mu.Unlock()

	res, err = sched.Run(context.Background(), run)
	require.NoError(t, err)
	assert.Equal(t, core.RunCompleted, res.Status)
	assert.True(t, run.Completed["x"])
	assert.Equal(t, 2, inv.callCount("x"))
}

func TestScheduler_PostWritesOutputDocument(t *testing.T) {
	f := newFixture()
	inv := newStubInvoker(completed("final text"))
	sched := f.scheduler(inv)

	run := core.NewFlowRun("r1", "s1", []core.TaskSpec{
		{ID: "writer", MemoryScope: core.ScopeIsolated, OutputDoc: "draft"},
	})

	_, err := sched.Run(context.Background(), run)
	require.NoError(t, err)

	content, err := f.docs.Read("draft")
	require.NoError(t, err)
	assert.Equal(t, "final text", content)
}

func TestScheduler_SharedScopeVisibleAcrossTasks(t *testing.T) {
	f := newFixture()
	inv := newStubInvoker(func(ctx context.Context, in core.Input) (core.Result, error) {
		if in.TaskID == "reader" {
			v, ok := in.Memory["last_result"]
			if !ok {
				return core.Result{State: core.StateFailed, Summary: "writer result not visible"}, nil
			}
			return core.Result{State: core.StateCompleted, Content: v.(string)}, nil
		}
		return core.Result{State: core.StateCompleted, Summary: "handoff"}, nil
	})
	sched := f.scheduler(inv)

	run := core.NewFlowRun("r1", "s1", []core.TaskSpec{
		{ID: "writer", MemoryScope: core.ScopeShared, Namespace: "team"},
		{ID: "reader", MemoryScope: core.ScopeShared, Namespace: "team", RequiredTasks: []string{"writer"}},
	})

	res, err := sched.Run(context.Background(), run)
	require.NoError(t, err)
	assert.Equal(t, core.RunCompleted, res.Status)
	assert.Equal(t, "handoff", res.Results["reader"].Content)
}

// recordingObserver counts retry events for assertions.
type recordingObserver struct {
	NoOpObserver
	mu      sync.Mutex
	retries int
}

func (o *recordingObserver) TaskRetried(runID, taskID string, attempt int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.retries++
}

func (o *recordingObserver) retryCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.retries
}
