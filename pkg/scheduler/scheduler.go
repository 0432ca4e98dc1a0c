// Package scheduler runs pipeline tasks on a shared worker pool. Tasks
// can be submitted for immediate execution or for a future time; delayed
// tasks are released by a timer, not by polling.
package scheduler

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Task is one unit of pipeline work.
type Task interface {
	Name() string
	Run(ctx context.Context) error
}

// TaskFunc adapts a function to Task.
type TaskFunc struct {
	TaskName string
	Fn       func(ctx context.Context) error
}

func (t TaskFunc) Name() string                { return t.TaskName }
func (t TaskFunc) Run(ctx context.Context) error { return t.Fn(ctx) }

// Scheduler is the contract pipeline stages depend on.
type Scheduler interface {
	// Submit queues task for execution as soon as a worker is free.
	Submit(task Task) error
	// SubmitAt queues task for execution no earlier than at.
	SubmitAt(task Task, at time.Time) error
}

// ErrClosed is returned by submissions after Close.
var ErrClosed = errors.New("scheduler closed")

type item struct {
	task  Task
	runAt time.Time
	seq   uint64
}

type itemHeap []*item

func (h itemHeap) Len() int { return len(h) }

func (h itemHeap) Less(i, j int) bool {
	if !h[i].runAt.Equal(h[j].runAt) {
		return h[i].runAt.Before(h[j].runAt)
	}
	return h[i].seq < h[j].seq
}

func (h itemHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *itemHeap) Push(x any) { *h = append(*h, x.(*item)) }

func (h *itemHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// Pool is an in-process Scheduler backed by a fixed worker pool and a
// time-ordered queue.
type Pool struct {
	mu      sync.Mutex
	queue   itemHeap
	nextSeq uint64
	wake    chan struct{}
	closed  bool

	ready  chan Task
	cancel context.CancelFunc
	wg     sync.WaitGroup
	log    *slog.Logger
}

// NewPool starts workers goroutines plus one dispatcher.
func NewPool(workers int, log *slog.Logger) *Pool {
	if workers < 1 {
		workers = 4
	}
	if log == nil {
		log = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		wake:   make(chan struct{}, 1),
		ready:  make(chan Task),
		cancel: cancel,
		log:    log,
	}
	heap.Init(&p.queue)

	p.wg.Add(1)
	go p.dispatch(ctx)
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.work(ctx)
	}
	return p
}

func (p *Pool) Submit(task Task) error { return p.SubmitAt(task, time.Now()) }

func (p *Pool) SubmitAt(task Task, at time.Time) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	p.nextSeq++
	heap.Push(&p.queue, &item{task: task, runAt: at, seq: p.nextSeq})
	p.mu.Unlock()

	select {
	case p.wake <- struct{}{}:
	default:
	}
	return nil
}

// dispatch releases due tasks to the workers, sleeping until the next
// deadline when the queue's head is in the future.
func (p *Pool) dispatch(ctx context.Context) {
	defer p.wg.Done()
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		p.mu.Lock()
		var next Task
		wait := time.Hour
		if len(p.queue) > 0 {
			head := p.queue[0]
			if d := time.Until(head.runAt); d <= 0 {
				next = heap.Pop(&p.queue).(*item).task
			} else {
				wait = d
			}
		}
		p.mu.Unlock()

		if next != nil {
			select {
			case p.ready <- next:
			case <-ctx.Done():
				return
			}
			continue
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)
		select {
		case <-p.wake:
		case <-timer.C:
		case <-ctx.Done():
			return
		}
	}
}

func (p *Pool) work(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case task := <-p.ready:
			p.run(ctx, task)
		case <-ctx.Done():
			return
		}
	}
}

func (p *Pool) run(ctx context.Context, task Task) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("task panicked", "task", task.Name(), "panic", fmt.Sprint(r))
		}
	}()
	if err := task.Run(ctx); err != nil {
		p.log.Error("task failed", "task", task.Name(), "error", err)
	}
}

// Close stops accepting work and terminates the workers. Queued tasks
// that have not started are dropped.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()
	p.cancel()
	p.wg.Wait()
}
