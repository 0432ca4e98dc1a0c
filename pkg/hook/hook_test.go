package hook_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/latticehq/lattice/pkg/action"
	"github.com/latticehq/lattice/pkg/hook"
)

func testContext(id string) *hook.Context {
	return &hook.Context{
		Tenant:  1,
		Trigger: action.TriggerOnReceive,
		Action:  &action.Action{ID: id, Type: "CONN", Status: action.StatusConfirmation},
	}
}

func named(name string, fn func(context.Context, *hook.Context) (hook.Result, error)) hook.Handler {
	return hook.HandlerFunc{HandlerName: name, Fn: fn}
}

func TestNativeHandlersRunBeforeDeclarative(t *testing.T) {
	d := hook.NewDispatcher(hook.NewMemoryMarkerStore(), nil)
	var order []string
	record := func(name string) hook.Handler {
		return named(name, func(context.Context, *hook.Context) (hook.Result, error) {
			order = append(order, name)
			return hook.Result{}, nil
		})
	}

	// Declarative registered first; natives must still run ahead of it.
	d.Register("CONN", action.TriggerOnReceive, hook.KindDeclarative, record("rules"))
	d.Register("CONN", action.TriggerOnReceive, hook.KindNative, record("native-1"))
	d.Register("CONN", action.TriggerOnReceive, hook.KindNative, record("native-2"))

	_, err := d.Dispatch(context.Background(), testContext("a1~one"))
	require.NoError(t, err)
	assert.Equal(t, []string{"native-1", "native-2", "rules"}, order)
}

func TestDispatchIdempotentPerActionAndTrigger(t *testing.T) {
	d := hook.NewDispatcher(hook.NewMemoryMarkerStore(), nil)
	calls := 0
	d.Register("CONN", action.TriggerOnReceive, hook.KindNative,
		named("counter", func(context.Context, *hook.Context) (hook.Result, error) {
			calls++
			override := action.StatusActive
			return hook.Result{StatusOverride: &override}, nil
		}))

	res, err := d.Dispatch(context.Background(), testContext("a1~dup"))
	require.NoError(t, err)
	require.NotNil(t, res.StatusOverride)

	// Redelivery of the same action: dispatch is skipped entirely.
	res, err = d.Dispatch(context.Background(), testContext("a1~dup"))
	require.NoError(t, err)
	assert.Nil(t, res.StatusOverride)
	assert.Equal(t, 1, calls)

	// A different trigger for the same action still dispatches.
	hc := testContext("a1~dup")
	hc.Trigger = action.TriggerOnAccept
	d.Register("CONN", action.TriggerOnAccept, hook.KindNative,
		named("counter2", func(context.Context, *hook.Context) (hook.Result, error) {
			calls++
			return hook.Result{}, nil
		}))
	_, err = d.Dispatch(context.Background(), hc)
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestHandlerFailureDoesNotAbortDispatch(t *testing.T) {
	d := hook.NewDispatcher(hook.NewMemoryMarkerStore(), nil)
	ran := false
	d.Register("CONN", action.TriggerOnReceive, hook.KindNative,
		named("failing", func(context.Context, *hook.Context) (hook.Result, error) {
			return hook.Result{}, errors.New("boom")
		}))
	d.Register("CONN", action.TriggerOnReceive, hook.KindNative,
		named("panicking", func(context.Context, *hook.Context) (hook.Result, error) {
			panic("boom")
		}))
	d.Register("CONN", action.TriggerOnReceive, hook.KindNative,
		named("survivor", func(context.Context, *hook.Context) (hook.Result, error) {
			ran = true
			return hook.Result{Note: "ok"}, nil
		}))

	res, err := d.Dispatch(context.Background(), testContext("a1~resilient"))
	require.NoError(t, err, "handler failures are recovered, not propagated")
	assert.True(t, ran)
	assert.Equal(t, "ok", res.Note)
}

func TestResultMergeLastOverrideWins(t *testing.T) {
	d := hook.NewDispatcher(hook.NewMemoryMarkerStore(), nil)
	set := func(s action.Status) hook.Handler {
		return named("set-"+s.String(), func(context.Context, *hook.Context) (hook.Result, error) {
			return hook.Result{StatusOverride: &s}, nil
		})
	}
	d.Register("CONN", action.TriggerOnReceive, hook.KindNative, set(action.StatusConfirmation))
	d.Register("CONN", action.TriggerOnReceive, hook.KindNative, set(action.StatusActive))

	res, err := d.Dispatch(context.Background(), testContext("a1~merge"))
	require.NoError(t, err)
	require.NotNil(t, res.StatusOverride)
	assert.Equal(t, action.StatusActive, *res.StatusOverride)
}

func TestDispatchNoHandlersIsNoOp(t *testing.T) {
	d := hook.NewDispatcher(hook.NewMemoryMarkerStore(), nil)
	res, err := d.Dispatch(context.Background(), testContext("a1~none"))
	require.NoError(t, err)
	assert.Nil(t, res.StatusOverride)
	assert.False(t, res.Reject)
}
