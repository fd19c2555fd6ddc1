package resolver

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowmesh/flowmesh/core"
	"github.com/flowmesh/flowmesh/document"
)

func newRun(tasks ...core.TaskSpec) *core.FlowRun {
	return core.NewFlowRun("run-1", "story-1", tasks)
}

func TestResolve_ReadyWhenAllRequirementsMet(t *testing.T) {
	docs := document.NewInMemoryStore()
	require.NoError(t, docs.Write("brief", "content"))

	dep := core.TaskSpec{ID: "analyst", MemoryScope: core.ScopeIsolated}
	spec := core.TaskSpec{
		ID:            "pm",
		MemoryScope:   core.ScopeIsolated,
		RequiredDocs:  []string{"brief"},
		RequiredTasks: []string{"analyst"},
	}
	run := newRun(dep, spec)
	require.NoError(t, run.MarkCompleted(dep, core.Result{State: core.StateCompleted}))

	res, err := Resolve(spec, run, docs)
	require.NoError(t, err)
	assert.Equal(t, Ready, res.State)
	assert.Empty(t, res.MissingDocs)
	assert.Empty(t, res.MissingTasks)
}

func TestResolve_NeverReadyEarly(t *testing.T) {
	docs := document.NewInMemoryStore()

	spec := core.TaskSpec{
		ID:            "pm",
		MemoryScope:   core.ScopeIsolated,
		RequiredDocs:  []string{"brief", "spec"},
		RequiredTasks: []string{"analyst", "architect"},
	}
	run := newRun(core.TaskSpec{ID: "analyst", MemoryScope: core.ScopeIsolated}, spec)

	res, err := Resolve(spec, run, docs)
	require.NoError(t, err)
	assert.Equal(t, Blocked, res.State)
	// The exact missing ids are reported, not a boolean.
	assert.Equal(t, []string{"brief", "spec"}, res.MissingDocs)
	assert.Equal(t, []string{"analyst", "architect"}, res.MissingTasks)

	// Satisfying only part of the requirements keeps the task blocked.
	require.NoError(t, docs.Write("brief", "x"))
	res, err = Resolve(spec, run, docs)
	require.NoError(t, err)
	assert.Equal(t, Blocked, res.State)
	assert.Equal(t, []string{"spec"}, res.MissingDocs)
}

func TestResolve_UnsatisfiableOnFailedPredecessor(t *testing.T) {
	docs := document.NewInMemoryStore()

	failed := core.TaskSpec{ID: "analyst", MemoryScope: core.ScopeIsolated}
	spec := core.TaskSpec{ID: "pm", MemoryScope: core.ScopeIsolated, RequiredTasks: []string{"analyst"}}
	run := newRun(failed, spec)
	run.MarkFailed(failed, core.Result{State: core.StateFailed})

	res, err := Resolve(spec, run, docs)
	require.NoError(t, err)
	assert.Equal(t, Unsatisfiable, res.State)
	assert.Equal(t, []string{"analyst"}, res.FailedTasks)
}

func TestResolve_NoRequirements(t *testing.T) {
	docs := document.NewInMemoryStore()
	spec := core.TaskSpec{ID: "solo", MemoryScope: core.ScopeIsolated}

	res, err := Resolve(spec, newRun(spec), docs)
	require.NoError(t, err)
	assert.Equal(t, Ready, res.State)
}

func TestDetectCycles_FindsCycle(t *testing.T) {
	specs := []core.TaskSpec{
		{ID: "agent1", MemoryScope: core.ScopeIsolated, RequiredTasks: []string{"agent2"}},
		{ID: "agent2", MemoryScope: core.ScopeIsolated, RequiredTasks: []string{"agent3"}},
		{ID: "agent3", MemoryScope: core.ScopeIsolated, RequiredTasks: []string{"agent1"}},
	}

	err := DetectCycles(specs)
	var verr *core.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Reason, "circular dependency")
	assert.Contains(t, verr.Reason, "agent1")
}

func TestDetectCycles_SelfReference(t *testing.T) {
	specs := []core.TaskSpec{
		{ID: "agent1", MemoryScope: core.ScopeIsolated, RequiredTasks: []string{"agent1"}},
	}
	var verr *core.ValidationError
	require.ErrorAs(t, DetectCycles(specs), &verr)
}

func TestDetectCycles_AcyclicChainPasses(t *testing.T) {
	specs := []core.TaskSpec{
		{ID: "agent1", MemoryScope: core.ScopeIsolated, RequiredTasks: []string{"agent2"}},
		{ID: "agent2", MemoryScope: core.ScopeIsolated, RequiredTasks: []string{"agent3"}},
		{ID: "agent3", MemoryScope: core.ScopeIsolated},
	}
	require.NoError(t, DetectCycles(specs))
}

func TestDetectCycles_UnknownPredecessor(t *testing.T) {
	specs := []core.TaskSpec{
		{ID: "agent1", MemoryScope: core.ScopeIsolated, RequiredTasks: []string{"ghost"}},
	}
	var verr *core.ValidationError
	require.ErrorAs(t, DetectCycles(specs), &verr)
	assert.Equal(t, "ghost", verr.Subject)
}

func TestDetectCycles_DiamondIsNotACycle(t *testing.T) {
	specs := []core.TaskSpec{
		{ID: "a", MemoryScope: core.ScopeIsolated},
		{ID: "b", MemoryScope: core.ScopeIsolated, RequiredTasks: []string{"a"}},
		{ID: "c", MemoryScope: core.ScopeIsolated, RequiredTasks: []string{"a"}},
		{ID: "d", MemoryScope: core.ScopeIsolated, RequiredTasks: []string{"b", "c"}},
	}
	require.NoError(t, DetectCycles(specs))
}
