package core

import "time"

// MemoryStore is scoped key/value storage with an in-process cache backed by
// durable append-only persistence. Implementations must guarantee at most one
// concurrent writer per scope+key and read-after-write consistency: a Get
// following a Set on the same key observes that value from any task.
type MemoryStore interface {
	// Get returns the current value for the key, or ok=false when the key has
	// never been set in the scope.
	Get(scope Scope, key string) (value any, ok bool, err error)

	// Set appends a new durable entry and updates the cache. Failures surface
	// as StorageError and are never retried silently.
	Set(scope Scope, key string, value any) error

	// Snapshot returns the current value of every key in the scope. The
	// scheduler hands this to work units as the task's prep-time memory view.
	Snapshot(scope Scope) (map[string]any, error)

	// Flush clears the in-RAM cache. Called once at run end; it exists to
	// bound memory growth in a long-lived process, not for correctness.
	Flush() error
}

// DocumentStore is the addressable artifact repository tasks read
// dependencies from and write outputs to. Write is a full overwrite; the
// store serializes concurrent writes to the same id.
type DocumentStore interface {
	Exists(id string) (bool, error)
	Read(id string) (string, error)
	Write(id, content string) error
}

// TaskState is the per-task lifecycle state recorded by the status tracker.
type TaskState string

const (
	TaskPending    TaskState = "pending"
	TaskReady      TaskState = "ready"
	TaskRunning    TaskState = "running"
	TaskNeedsInput TaskState = "needs_input"
	TaskCompleted  TaskState = "completed"
	TaskFailed     TaskState = "failed"
)

// StatusRecord is one observable lifecycle transition of a task.
type StatusRecord struct {
	RunID     string    `json:"run"`
	TaskID    string    `json:"task"`
	Seq       int64     `json:"seq"`
	State     TaskState `json:"state"`
	Summary   string    `json:"summary,omitempty"`
	Timestamp time.Time `json:"ts"`
}

// StatusStore is a pure observation surface: an append-only transition log
// plus a derived latest-per-task projection. It carries no decision logic;
// retries, blocking and resolution live in the scheduler and resolver.
//
// External controllers may inject their own records between engine updates.
// The log keeps every transition; the latest projection is won by the record
// with the newest timestamp.
type StatusStore interface {
	Record(rec StatusRecord) error
	Latest(runID, taskID string) (StatusRecord, bool)
	All(runID string) map[string]StatusRecord
}
