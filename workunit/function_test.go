package workunit

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowmesh/flowmesh/core"
)

func TestFunc_Invoke(t *testing.T) {
	f := Func(func(ctx context.Context, in core.Input) (core.Result, error) {
		return core.Result{State: core.StateCompleted, Content: in.TaskID}, nil
	})

	res, err := f.Invoke(context.Background(), core.Input{TaskID: "t1"})
	require.NoError(t, err)
	assert.Equal(t, core.StateCompleted, res.State)
	assert.Equal(t, "t1", res.Content)
}

func TestFunc_RecoverPanic(t *testing.T) {
	f := Func(func(ctx context.Context, in core.Input) (core.Result, error) {
		panic("work unit exploded")
	})

	_, err := f.Invoke(context.Background(), core.Input{TaskID: "t1"})
	var execErr *core.ExecutionError
	require.ErrorAs(t, err, &execErr)
	assert.Equal(t, "t1", execErr.TaskID)
	assert.Contains(t, execErr.Err.Error(), "work unit exploded")
}

func TestRouter_DispatchesByTaskID(t *testing.T) {
	r := NewRouter()
	r.Register("a", Func(func(ctx context.Context, in core.Input) (core.Result, error) {
		return core.Result{State: core.StateCompleted, Content: "from a"}, nil
	}))
	r.SetDefault(Func(func(ctx context.Context, in core.Input) (core.Result, error) {
		return core.Result{State: core.StateCompleted, Content: "from default"}, nil
	}))

	res, err := r.Invoke(context.Background(), core.Input{TaskID: "a"})
	require.NoError(t, err)
	assert.Equal(t, "from a", res.Content)

	res, err = r.Invoke(context.Background(), core.Input{TaskID: "unbound"})
	require.NoError(t, err)
	assert.Equal(t, "from default", res.Content)
}

func TestRouter_NoBindingNoDefault(t *testing.T) {
	r := NewRouter()
	_, err := r.Invoke(context.Background(), core.Input{TaskID: "ghost"})

	var execErr *core.ExecutionError
	require.ErrorAs(t, err, &execErr)
	assert.False(t, errors.Is(err, context.Canceled))
}
