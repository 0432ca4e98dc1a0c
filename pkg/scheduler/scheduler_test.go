package scheduler_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/latticehq/lattice/pkg/scheduler"
)

func task(name string, fn func(ctx context.Context) error) scheduler.Task {
	return scheduler.TaskFunc{TaskName: name, Fn: fn}
}

func TestSubmitRunsTask(t *testing.T) {
	p := scheduler.NewPool(2, nil)
	defer p.Close()

	done := make(chan struct{})
	require.NoError(t, p.Submit(task("ping", func(context.Context) error {
		close(done)
		return nil
	})))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("task never ran")
	}
}

func TestSubmitAtDelaysExecution(t *testing.T) {
	p := scheduler.NewPool(1, nil)
	defer p.Close()

	start := time.Now()
	delay := 150 * time.Millisecond
	done := make(chan time.Time, 1)
	require.NoError(t, p.SubmitAt(task("later", func(context.Context) error {
		done <- time.Now()
		return nil
	}), start.Add(delay)))

	select {
	case ran := <-done:
		assert.GreaterOrEqual(t, ran.Sub(start), delay)
	case <-time.After(2 * time.Second):
		t.Fatal("delayed task never ran")
	}
}

func TestDelayedTaskDoesNotBlockImmediateWork(t *testing.T) {
	p := scheduler.NewPool(1, nil)
	defer p.Close()

	slow := make(chan struct{}, 1)
	fast := make(chan struct{}, 1)
	require.NoError(t, p.SubmitAt(task("slow", func(context.Context) error {
		slow <- struct{}{}
		return nil
	}), time.Now().Add(300*time.Millisecond)))
	require.NoError(t, p.Submit(task("fast", func(context.Context) error {
		fast <- struct{}{}
		return nil
	})))

	select {
	case <-fast:
	case <-slow:
		t.Fatal("future task ran before the immediate one")
	case <-time.After(2 * time.Second):
		t.Fatal("immediate task never ran")
	}

	select {
	case <-slow:
	case <-time.After(2 * time.Second):
		t.Fatal("delayed task never ran")
	}
}

func TestTaskPanicDoesNotKillWorkers(t *testing.T) {
	p := scheduler.NewPool(1, nil)
	defer p.Close()

	var survived atomic.Bool
	done := make(chan struct{})
	require.NoError(t, p.Submit(task("bad", func(context.Context) error {
		panic("boom")
	})))
	require.NoError(t, p.Submit(task("good", func(context.Context) error {
		survived.Store(true)
		close(done)
		return nil
	})))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not survive the panic")
	}
	assert.True(t, survived.Load())
}

func TestCloseRejectsNewWork(t *testing.T) {
	p := scheduler.NewPool(1, nil)
	p.Close()

	err := p.Submit(task("late", func(context.Context) error { return nil }))
	assert.ErrorIs(t, err, scheduler.ErrClosed)
	assert.NotPanics(t, p.Close, "Close is idempotent")
}
