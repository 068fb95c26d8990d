package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

var (
	// ErrDuplicateJob means the job ID is already queued or processing.
	ErrDuplicateJob = errors.New("duplicate job")
	// ErrJobNotFound means no record exists for the job ID.
	ErrJobNotFound = errors.New("job not found")
	// ErrJobNotFailed means the job's last recorded outcome was not failure.
	ErrJobNotFailed = errors.New("job not failed")
)

// Retryable lets an error opt into automatic retry. Errors that do not
// implement it, or report false, fail the job on first occurrence.
type Retryable interface {
	Retryable() bool
}

// IsRetryable reports whether err (or anything it wraps) marks itself
// retryable.
func IsRetryable(err error) bool {
	var r Retryable
	return errors.As(err, &r) && r.Retryable()
}

// Outcome tells the broker what to do with a handled delivery.
type Outcome int

const (
	// OutcomeDone removes the delivery; the job reached a terminal record.
	OutcomeDone Outcome = iota
	// OutcomeRetry re-publishes the delivery for another attempt.
	OutcomeRetry
)

// Attempt tells a handler where its delivery sits in the retry budget.
type Attempt struct {
	// Number is the 1-based attempt count for this job.
	Number int
	// Final reports that no automatic retry remains after this attempt.
	Final bool
}

// Handler executes one task.
type Handler func(ctx context.Context, task Task, attempt Attempt) error

// Broker moves task payloads; the ledger owns job state.
type Broker interface {
	Publish(ctx context.Context, task Task) error
	Start(ctx context.Context, concurrency int, handle func(ctx context.Context, task Task) Outcome)
}

// JobQueue combines the Redis ledger with a broker (Redis Streams or AMQP).
// At most one execution of a given job ID is in flight at a time, enforced by
// the deterministic job ID plus duplicate-enqueue rejection.
type JobQueue struct {
	ledger     *Ledger
	broker     Broker
	maxRetries int
	retryDelay time.Duration
}

// JobQueueConfig holds tuning for a JobQueue.
type JobQueueConfig struct {
	MaxRetries int
	RetryDelay time.Duration
}

// NewJobQueue wires a ledger and broker together.
func NewJobQueue(ledger *Ledger, broker Broker, cfg JobQueueConfig) (*JobQueue, error) {
	if ledger == nil {
		return nil, errors.New("ledger required")
	}
	if broker == nil {
		return nil, errors.New("broker required")
	}
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	retryDelay := cfg.RetryDelay
	if retryDelay <= 0 {
		retryDelay = 2 * time.Second
	}
	return &JobQueue{
		ledger:     ledger,
		broker:     broker,
		maxRetries: maxRetries,
		retryDelay: retryDelay,
	}, nil
}

// Enqueue registers and publishes a task. Fails with ErrDuplicateJob while a
// job with the same ID is pending or running.
func (q *JobQueue) Enqueue(ctx context.Context, task Task) error {
	if err := task.Validate(); err != nil {
		return err
	}
	if err := q.ledger.TryCreate(ctx, task); err != nil {
		return err
	}
	if err := q.broker.Publish(ctx, task); err != nil {
		// Leave no active record behind if the broker never saw the task.
		_ = q.ledger.Delete(ctx, task.ID)
		return fmt.Errorf("publish task: %w", err)
	}
	return nil
}

// MarkSuccess records terminal success for a job.
func (q *JobQueue) MarkSuccess(ctx context.Context, jobID, result string) error {
	return q.ledger.MarkSuccess(ctx, jobID, result)
}

// MarkFailure records terminal failure for a job.
func (q *JobQueue) MarkFailure(ctx context.Context, jobID, errMsg string) error {
	return q.ledger.MarkFailure(ctx, jobID, errMsg)
}

// GetJob returns the ledger record for a job ID.
func (q *JobQueue) GetJob(ctx context.Context, jobID string) (JobRecord, bool, error) {
	return q.ledger.Get(ctx, jobID)
}

// ScanFailed lazily visits failed jobs; safe to re-run.
func (q *JobQueue) ScanFailed(ctx context.Context, visit func(JobRecord) bool) error {
	return q.ledger.ScanFailed(ctx, visit)
}

// Retry consumes a failed job's stale terminal record and re-enqueues the
// original task under the same job ID so progress history stays correlated.
func (q *JobQueue) Retry(ctx context.Context, jobID string) error {
	rec, ok, err := q.ledger.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	if rec.Status != StatusFailed {
		return fmt.Errorf("%w: %s is %s", ErrJobNotFailed, jobID, rec.Status)
	}
	if err := q.ledger.Delete(ctx, jobID); err != nil {
		return err
	}
	return q.Enqueue(ctx, rec.Task)
}

// Start launches the worker pool. Transient handler errors are retried up to
// the attempt ceiling with a delay; everything else is terminal immediately.
func (q *JobQueue) Start(ctx context.Context, concurrency int, handler Handler) {
	q.broker.Start(ctx, concurrency, func(ctx context.Context, task Task) Outcome {
		rec, err := q.ledger.MarkProcessing(ctx, task.ID)
		if err != nil {
			slog.Error("mark job processing", "jobId", task.ID, "err", err)
			return OutcomeDone
		}
		attempt := Attempt{Number: rec.Attempts, Final: rec.Attempts >= q.maxRetries}
		err = handler(ctx, task, attempt)
		if err == nil {
			if err := q.ledger.MarkSuccess(ctx, task.ID, ""); err != nil {
				slog.Error("mark job success", "jobId", task.ID, "err", err)
			}
			return OutcomeDone
		}
		if IsRetryable(err) && !attempt.Final {
			slog.Warn("job attempt failed, retrying",
				"jobId", task.ID, "attempt", rec.Attempts, "err", err)
			if markErr := q.ledger.MarkQueued(ctx, task.ID, err.Error()); markErr != nil {
				slog.Error("mark job queued", "jobId", task.ID, "err", markErr)
			}
			select {
			case <-ctx.Done():
				return OutcomeDone
			case <-time.After(q.retryDelay):
			}
			return OutcomeRetry
		}
		slog.Error("job failed", "jobId", task.ID, "attempts", rec.Attempts, "err", err)
		if markErr := q.ledger.MarkFailure(ctx, task.ID, err.Error()); markErr != nil {
			slog.Error("mark job failure", "jobId", task.ID, "err", markErr)
		}
		return OutcomeDone
	})
}
