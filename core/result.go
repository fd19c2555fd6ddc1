package core

import "context"

// ResultState is the terminal state a work unit reports for one execution.
type ResultState string

const (
	// StateCompleted means the work unit produced its output.
	StateCompleted ResultState = "completed"

	// StateNeedsInput means the work unit cannot proceed without additional
	// externally supplied inputs. The scheduler reports it like a blocked
	// dependency, but it originates from the work unit itself.
	StateNeedsInput ResultState = "needs_input"

	// StateFailed means the attempt failed; subject to the retry budget.
	StateFailed ResultState = "failed"
)

// Result is the structured outcome of a work unit execution. The engine
// treats Content as opaque; only State, Summary and MissingInputs carry
// scheduling meaning.
type Result struct {
	State         ResultState    `json:"state"`
	Content       string         `json:"content,omitempty"`
	Summary       string         `json:"summary,omitempty"`
	MissingInputs []string       `json:"missing_inputs,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`

	// Degraded marks a fallback-produced result. The task still counts as
	// completed; callers see the flag in the results map.
	Degraded bool `json:"degraded,omitempty"`
}

// Valid reports whether the result carries a known state. A retried execute
// must always yield a valid result; anything else is an ExecutionError.
func (r Result) Valid() bool {
	switch r.State {
	case StateCompleted, StateNeedsInput, StateFailed:
		return true
	}
	return false
}

// Input is the bundle handed to a work unit: the task identity, the resolved
// dependency document contents and a snapshot of the task's memory scope.
type Input struct {
	TaskID    string
	SessionID string

	// Documents maps required document id to its content. Under the skip
	// policy a missing document appears with empty content.
	Documents map[string]string

	// Memory is a read-only snapshot of the task's scope at prep time.
	Memory map[string]any
}

// Invoker executes the opaque work unit of a task. Implementations must be
// safe to re-invoke with identical inputs after a retry and should observe
// ctx cancellation so abandoned attempts can release resources.
type Invoker interface {
	Invoke(ctx context.Context, in Input) (Result, error)
}

// FallbackFunc produces a degraded but well formed result after the retry
// budget is exhausted. It runs at most once per task and must not fail; a
// structurally invalid result marks the task failed.
type FallbackFunc func(taskID string, lastErr error) Result
