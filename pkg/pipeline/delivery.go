package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"

	"github.com/latticehq/lattice/pkg/action"
)

// JobState is a delivery job's position in the outbound state machine:
// Queued → Delivering → Delivered | Failed, with Cancelled reachable from
// any non-terminal state once the parent action is deleted.
type JobState int

const (
	JobQueued JobState = iota
	JobDelivering
	JobDelivered
	JobFailed
	JobCancelled
)

func (s JobState) String() string {
	switch s {
	case JobQueued:
		return "queued"
	case JobDelivering:
		return "delivering"
	case JobDelivered:
		return "delivered"
	case JobFailed:
		return "failed"
	case JobCancelled:
		return "cancelled"
	}
	return "unknown"
}

// DeliveryJob pushes one signed token to one destination inbox.
type DeliveryJob struct {
	ID          string
	Tenant      action.TenantID
	ActionID    string
	Destination string

	token   string
	attempt int
	state   atomic.Int32
	lastErr error
	backoff *backoff.ExponentialBackOff
}

// State reports the job's current state. Callers may poll it while the
// scheduler is still delivering.
func (j *DeliveryJob) State() JobState { return JobState(j.state.Load()) }

// enqueueDelivery registers a job and submits its first attempt.
func (e *Engine) enqueueDelivery(tenant action.TenantID, actionID, tok, destination string) *DeliveryJob {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 2 * time.Second
	bo.MaxInterval = 5 * time.Minute

	job := &DeliveryJob{
		ID:          uuid.NewString(),
		Tenant:      tenant,
		ActionID:    actionID,
		Destination: destination,
		token:       tok,
		backoff:     bo,
	}
	job.state.Store(int32(JobQueued))
	e.jobMu.Lock()
	e.jobs[job.ID] = job
	e.jobMu.Unlock()

	if err := e.sched.Submit(&deliveryTask{engine: e, job: job}); err != nil {
		e.log.Error("delivery submit failed", "job_id", job.ID, "error", err)
	}
	return job
}

// Job returns a delivery job by id.
func (e *Engine) Job(id string) (*DeliveryJob, bool) {
	e.jobMu.RLock()
	defer e.jobMu.RUnlock()
	job, ok := e.jobs[id]
	return job, ok
}

// JobsForAction returns the delivery jobs fanned out for an action.
func (e *Engine) JobsForAction(actionID string) []*DeliveryJob {
	e.jobMu.RLock()
	defer e.jobMu.RUnlock()
	var out []*DeliveryJob
	for _, job := range e.jobs {
		if job.ActionID == actionID {
			out = append(out, job)
		}
	}
	return out
}

func (e *Engine) setJobState(job *DeliveryJob, state JobState, err error) {
	job.state.Store(int32(state))
	e.jobMu.Lock()
	job.lastErr = err
	e.jobMu.Unlock()
}

type deliveryTask struct {
	engine *Engine
	job    *DeliveryJob
}

func (t *deliveryTask) Name() string {
	return fmt.Sprintf("delivery/%s→%s", t.job.ActionID, t.job.Destination)
}

// Run performs one delivery attempt. Transient failures reschedule the
// task with exponential backoff until the attempt cap; permanent failures
// and cap exhaustion mark the job failed and surface it to the issuer. A
// job whose parent action has been deleted is cancelled and never
// rescheduled.
func (t *deliveryTask) Run(ctx context.Context) error {
	e, job := t.engine, t.job

	parent, err := e.meta.GetAction(ctx, job.Tenant, job.ActionID)
	if err == nil && parent.Status == action.StatusDeleted {
		e.setJobState(job, JobCancelled, nil)
		e.log.Info("delivery cancelled, parent deleted",
			"job_id", job.ID, "action_id", job.ActionID)
		return nil
	}

	e.setJobState(job, JobDelivering, nil)
	job.attempt++

	deliverErr := e.trans.Deliver(ctx, job.Destination, job.token)
	if deliverErr == nil {
		e.setJobState(job, JobDelivered, nil)
		e.log.Info("action delivered",
			"job_id", job.ID, "action_id", job.ActionID,
			"destination", job.Destination, "attempt", job.attempt)
		return nil
	}

	if errors.Is(deliverErr, action.ErrDeliveryTransient) && job.attempt < e.maxAttempts {
		delay := job.backoff.NextBackOff()
		e.setJobState(job, JobQueued, deliverErr)
		e.log.Warn("delivery attempt failed, retrying",
			"job_id", job.ID, "destination", job.Destination,
			"attempt", job.attempt, "retry_in", delay, "error", deliverErr)
		if err := e.sched.SubmitAt(t, time.Now().Add(delay)); err != nil {
			e.setJobState(job, JobFailed, err)
			return fmt.Errorf("reschedule delivery %s: %w", job.ID, err)
		}
		return nil
	}

	e.setJobState(job, JobFailed, deliverErr)
	e.log.Error("delivery failed permanently",
		"job_id", job.ID, "action_id", job.ActionID,
		"destination", job.Destination, "attempts", job.attempt, "error", deliverErr)
	if err := e.notifier.Notify(ctx, job.Tenant, job.ActionID,
		fmt.Sprintf("delivery to %s failed: %v", job.Destination, deliverErr)); err != nil {
		e.log.Error("delivery failure notification failed", "job_id", job.ID, "error", err)
	}
	return nil
}
