package core

import "fmt"

// RunStatus is the flow level state of one run.
type RunStatus string

const (
	// RunRunning is the in-flight state between planning and a terminal state.
	RunRunning RunStatus = "running"

	// RunCompleted means every task reached a terminal state and none of the
	// failures gated a later step.
	RunCompleted RunStatus = "completed"

	// RunBlocked means the run halted on unmet prerequisites. Blocked runs
	// are actionable: supply the missing documents or inputs and resume.
	RunBlocked RunStatus = "blocked"

	// RunFailed is terminal for this run.
	RunFailed RunStatus = "failed"
)

// FlowRun is one execution of a flow's task list for one session. It is
// created at run start and mutated only by the Scheduler; no other component
// may touch it directly.
type FlowRun struct {
	RunID     string
	SessionID string

	// Tasks is the ordered task list the plan is derived from.
	Tasks []TaskSpec

	// Completed holds ids of tasks that finished successfully (including
	// degraded fallback completions).
	Completed map[string]bool

	// Failed holds ids of tasks that exhausted retries and fallback. A later
	// task requiring one of these can never become ready.
	Failed map[string]bool

	// Results maps task id to its last structured result. Each id is written
	// exactly once per run.
	Results map[string]Result

	Status RunStatus

	// Cursor is the index of the first unresolved step; a re-invocation of
	// Run on a blocked run resumes here without re-executing earlier steps.
	Cursor int
}

// NewFlowRun constructs a run in the running state with empty bookkeeping.
func NewFlowRun(runID, sessionID string, tasks []TaskSpec) *FlowRun {
	return &FlowRun{
		RunID:     runID,
		SessionID: sessionID,
		Tasks:     tasks,
		Completed: map[string]bool{},
		Failed:    map[string]bool{},
		Results:   map[string]Result{},
		Status:    RunRunning,
	}
}

// Task returns the spec for the given id.
func (r *FlowRun) Task(id string) (TaskSpec, bool) {
	for _, t := range r.Tasks {
		if t.ID == id {
			return t, true
		}
	}
	return TaskSpec{}, false
}

// MarkCompleted records a successful terminal result for the task. It
// enforces the ordering invariant: a task id never enters the completed set
// before all of its required predecessors.
func (r *FlowRun) MarkCompleted(spec TaskSpec, res Result) error {
	for _, dep := range spec.RequiredTasks {
		if !r.Completed[dep] {
			return fmt.Errorf("task %s completed before predecessor %s", spec.ID, dep)
		}
	}
	r.Completed[spec.ID] = true
	r.Results[spec.ID] = res
	return nil
}

// MarkFailed records a permanently failed task. The result is still merged so
// callers can inspect the failure.
func (r *FlowRun) MarkFailed(spec TaskSpec, res Result) {
	r.Failed[spec.ID] = true
	r.Results[spec.ID] = res
}

// Pending enumerates the unmet prerequisites reported with a blocked run.
type Pending struct {
	Docs   []string `json:"docs,omitempty"`
	Tasks  []string `json:"tasks,omitempty"`
	Inputs []string `json:"inputs,omitempty"`
}

// Empty reports whether nothing is pending.
func (p Pending) Empty() bool {
	return len(p.Docs) == 0 && len(p.Tasks) == 0 && len(p.Inputs) == 0
}

// FlowResult is the outcome of one scheduler invocation. Results holds the
// union of all terminal per-task results keyed by task id; Pending is only
// populated for blocked runs.
type FlowResult struct {
	Status  RunStatus
	Results map[string]Result
	Pending Pending
}
