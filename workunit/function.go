package workunit

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/flowmesh/flowmesh/core"
)

// Func adapts a plain function into a core.Invoker. A panic inside the
// function is recovered and surfaces as an ExecutionError so the scheduler's
// retry policy applies to it like any other failed attempt.
type Func func(ctx context.Context, in core.Input) (core.Result, error)

// Invoke implements core.Invoker.
func (f Func) Invoke(ctx context.Context, in core.Input) (res core.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &core.ExecutionError{
				TaskID: in.TaskID,
				Err:    fmt.Errorf("panic recovered: %v\n%s", r, debug.Stack()),
			}
		}
	}()
	return f(ctx, in)
}

// Router dispatches invocations to per-task invokers with an optional
// default. It lets one scheduler drive flows whose tasks are backed by
// different work unit kinds.
type Router struct {
	mu    sync.RWMutex
	units map[string]core.Invoker
	def   core.Invoker
}

// NewRouter returns an empty router.
func NewRouter() *Router {
	return &Router{units: map[string]core.Invoker{}}
}

// Register binds an invoker to a task id, replacing any previous binding.
func (r *Router) Register(taskID string, inv core.Invoker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.units[taskID] = inv
}

// SetDefault installs the invoker used for tasks without an explicit binding.
func (r *Router) SetDefault(inv core.Invoker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.def = inv
}

// Invoke implements core.Invoker by routing on the task id.
func (r *Router) Invoke(ctx context.Context, in core.Input) (core.Result, error) {
	r.mu.RLock()
	inv, ok := r.units[in.TaskID]
	if !ok {
		inv = r.def
	}
	r.mu.RUnlock()

	if inv == nil {
		return core.Result{}, &core.ExecutionError{
			TaskID: in.TaskID,
			Err:    fmt.Errorf("no work unit registered for task %s", in.TaskID),
		}
	}
	return inv.Invoke(ctx, in)
}

var (
	_ core.Invoker = (Func)(nil)
	_ core.Invoker = (*Router)(nil)
)
