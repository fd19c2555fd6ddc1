package core

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ScopeKind selects how a memory key is qualified.
type ScopeKind string

const (
	// ScopeIsolated qualifies keys by task id and session id so no two
	// tasks or sessions ever collide.
	ScopeIsolated ScopeKind = "isolated"

	// ScopeShared qualifies keys by an explicit namespace, intentionally
	// visible across tasks and sessions.
	ScopeShared ScopeKind = "shared"
)

// Scope is the key namespace partition used by the MemoryStore. An isolated
// scope carries the owning task and session ids; a shared scope carries only
// its namespace.
type Scope struct {
	Kind      ScopeKind
	TaskID    string
	SessionID string
	Namespace string
}

// IsolatedScope builds a scope private to one task within one session.
func IsolatedScope(taskID, sessionID string) Scope {
	return Scope{Kind: ScopeIsolated, TaskID: taskID, SessionID: sessionID}
}

// SharedScope builds a scope visible to every task under the namespace.
func SharedScope(namespace string) Scope {
	return Scope{Kind: ScopeShared, Namespace: namespace}
}

// Qualify returns the canonical storage prefix for the scope. Isolated scopes
// qualify as "isolated:<task>:<session>", shared scopes as "shared:<ns>".
func (s Scope) Qualify() string {
	if s.Kind == ScopeShared {
		return fmt.Sprintf("shared:%s", s.Namespace)
	}
	return fmt.Sprintf("isolated:%s:%s", s.TaskID, s.SessionID)
}

// Validate reports a ValidationError when the scope is missing its
// qualifiers.
func (s Scope) Validate() error {
	switch s.Kind {
	case ScopeIsolated:
		if s.TaskID == "" || s.SessionID == "" {
			return &ValidationError{Subject: "scope", Reason: "isolated scope requires task and session ids"}
		}
	case ScopeShared:
		if s.Namespace == "" {
			return &ValidationError{Subject: "scope", Reason: "shared scope requires a namespace"}
		}
	default:
		return &ValidationError{Subject: "scope", Reason: fmt.Sprintf("unknown scope kind %q", s.Kind)}
	}
	return nil
}

// TaskSpec is the immutable description of one schedulable task, produced by
// the definition loader. It is never mutated after creation and is owned
// exclusively by the Scheduler for the duration of a run.
type TaskSpec struct {
	// ID is unique within a flow.
	ID string

	// RequiredDocs lists document ids that must exist before the task may run.
	RequiredDocs []string

	// RequiredTasks lists predecessor task ids that must have completed.
	RequiredTasks []string

	// MemoryScope selects isolated or shared memory for the task.
	MemoryScope ScopeKind

	// Namespace qualifies shared memory; ignored for isolated scopes.
	Namespace string

	// Parallel marks the task safe to batch with adjacent parallel tasks.
	Parallel bool

	// MaxRetries bounds execute re-attempts after the first failure.
	MaxRetries int

	// RetryDelay is the backoff base; attempt n waits n*RetryDelay.
	RetryDelay time.Duration

	// Timeout bounds a single execute attempt. Zero means no deadline.
	Timeout time.Duration

	// OutputDoc, when set, names the document the task's post step writes.
	OutputDoc string
}

// ScopeFor resolves the task's memory scope descriptor for a session.
func (t TaskSpec) ScopeFor(sessionID string) Scope {
	if t.MemoryScope == ScopeShared {
		ns := t.Namespace
		if ns == "" {
			ns = t.ID
		}
		return SharedScope(ns)
	}
	return IsolatedScope(t.ID, sessionID)
}

// Validate checks the structural invariants of a single spec. Uniqueness of
// ids across a flow is checked by the definition loader and the engine.
func (t TaskSpec) Validate() error {
	if strings.TrimSpace(t.ID) == "" {
		return &ValidationError{Subject: "task", Reason: "task id must not be empty"}
	}
	if t.MaxRetries < 0 {
		return &ValidationError{Subject: t.ID, Reason: "retry budget must not be negative"}
	}
	if t.MemoryScope != ScopeIsolated && t.MemoryScope != ScopeShared {
		return &ValidationError{Subject: t.ID, Reason: fmt.Sprintf("unknown memory scope %q", t.MemoryScope)}
	}
	return nil
}

// NewID generates a unique identifier for runs and records.
func NewID() string { return uuid.NewString() }
