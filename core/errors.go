package core

import (
	"fmt"
	"strings"
	"time"
)

// The engine's error taxonomy. ValidationError is fatal at load time and the
// flow never runs. DependencyError, TimeoutError and ExecutionError are
// scoped to one task and absorbed by the retry/fallback policy. StorageError
// escalates the whole run immediately since append-only integrity cannot be
// repaired locally.

// ValidationError reports malformed identifiers or cyclic dependencies.
type ValidationError struct {
	Subject string
	Reason  string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed for %s: %s", e.Subject, e.Reason)
}

// DependencyError marks a task failed under the "error" missing-doc policy.
type DependencyError struct {
	TaskID       string
	MissingDocs  []string
	MissingTasks []string
}

func (e *DependencyError) Error() string {
	parts := []string{}
	if len(e.MissingDocs) > 0 {
		parts = append(parts, fmt.Sprintf("docs [%s]", strings.Join(e.MissingDocs, ", ")))
	}
	if len(e.MissingTasks) > 0 {
		parts = append(parts, fmt.Sprintf("tasks [%s]", strings.Join(e.MissingTasks, ", ")))
	}
	return fmt.Sprintf("task %s has unmet dependencies: %s", e.TaskID, strings.Join(parts, ", "))
}

// TimeoutError records an execute attempt that exceeded its budget. It
// consumes one retry like any other failed attempt.
type TimeoutError struct {
	TaskID  string
	Timeout time.Duration
	Attempt int
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("task %s attempt %d exceeded timeout %s", e.TaskID, e.Attempt, e.Timeout)
}

// ExecutionError wraps a work unit failure for one attempt.
type ExecutionError struct {
	TaskID  string
	Attempt int
	Err     error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("task %s attempt %d failed: %v", e.TaskID, e.Attempt, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// StorageError wraps a durable write failure.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s failed: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }
