package queue

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"warroom/internal/domain"
	"warroom/internal/events"
	"warroom/internal/repo"
)

// Queue is the durable job queue. Jobs live in sqlite; claims are
// compare-and-swap updates so two workers can never process the same job.
type Queue struct {
	DB          *sql.DB
	Repo        repo.Repo
	Events      events.Writer
	MaxAttempts int
	BackoffBase time.Duration
	BackoffCap  time.Duration
	Lease       time.Duration
	Now         func() time.Time
}

func (q *Queue) now() time.Time {
	if q.Now != nil {
		return q.Now()
	}
	return time.Now()
}

func ts(t time.Time) string { return t.UTC().Format(time.RFC3339) }

// Enqueue inserts a job inside the caller's transaction. A zero ID gets a
// random one; deterministic ids (escalation checks) pass their own and rely
// on INSERT OR IGNORE for exactly-once. Returns false when the job already
// existed.
func (q *Queue) Enqueue(ctx context.Context, tx *sql.Tx, j domain.Job) (bool, error) {
	now := ts(q.now())
	if j.ID == "" {
		j.ID = uuid.NewString()
	}
	if j.Queue == "" {
		j.Queue = "default"
	}
	if j.State == "" {
		j.State = domain.JobPending
	}
	if j.MaxAttempts == 0 {
		j.MaxAttempts = q.MaxAttempts
	}
	if j.ScheduledNotBefore == "" {
		j.ScheduledNotBefore = now
	}
	j.CreatedAt = now
	j.UpdatedAt = now
	inserted, err := q.Repo.InsertJob(ctx, tx, j)
	if err != nil {
		return false, fmt.Errorf("enqueue %s job: %w", j.Type, err)
	}
	if !inserted {
		return false, nil
	}
	err = q.Events.Append(ctx, tx, "job.enqueued", j.ActivationID, "job", j.ID, "system", events.EventPayload{
		"type": j.Type, "not_before": j.ScheduledNotBefore,
	})
	return true, err
}

// Claim attempts to take ownership of one due job for workerID. Returns
// ErrNoJob when nothing is due. The claim and its audit event commit
// together.
var ErrNoJob = fmt.Errorf("no job due")

func (q *Queue) Claim(ctx context.Context, workerID string) (domain.Job, error) {
	now := q.now()
	due, err := q.Repo.NextDueJobs(ctx, ts(now), 5)
	if err != nil {
		return domain.Job{}, err
	}
	for _, j := range due {
		tx, err := q.DB.BeginTx(ctx, nil)
		if err != nil {
			return domain.Job{}, err
		}
		expires := ts(now.Add(q.Lease))
		ok, err := q.Repo.ClaimJob(ctx, tx, j.ID, workerID, expires, ts(now))
		if err != nil {
			tx.Rollback()
			return domain.Job{}, err
		}
		if !ok {
			// Another worker got there first; try the next candidate.
			tx.Rollback()
			continue
		}
		if err := q.Events.Append(ctx, tx, "job.claimed", j.ActivationID, "job", j.ID, workerID, events.EventPayload{
			"attempt": j.Attempts + 1,
		}); err != nil {
			tx.Rollback()
			return domain.Job{}, err
		}
		if err := tx.Commit(); err != nil {
			return domain.Job{}, err
		}
		j.State = domain.JobProcessing
		j.Attempts++
		return j, nil
	}
	return domain.Job{}, ErrNoJob
}

// Complete marks a claimed job done.
func (q *Queue) Complete(ctx context.Context, j domain.Job, workerID string) error {
	now := ts(q.now())
	tx, err := q.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	ok, err := q.Repo.CompleteJob(ctx, tx, j.ID, now)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("job %s no longer processing", j.ID)
	}
	if err := q.Events.Append(ctx, tx, "job.completed", j.ActivationID, "job", j.ID, workerID, nil); err != nil {
		return err
	}
	return tx.Commit()
}

// RescheduleError is returned by a handler whose work cannot run until a
// known future time (an availability window, a rate limiter's reset). The
// pool defers the job to At without consuming the retry budget.
type RescheduleError struct {
	At    time.Time
	Cause error
}

func (e *RescheduleError) Error() string {
	return fmt.Sprintf("reschedule at %s: %v", e.At.UTC().Format(time.RFC3339), e.Cause)
}

func (e *RescheduleError) Unwrap() error { return e.Cause }

// Defer returns a claimed job to pending at a future time, handing the
// attempt back. The deferral and its audit event commit together.
func (q *Queue) Defer(ctx context.Context, j domain.Job, workerID string, at time.Time, cause error) error {
	now := ts(q.now())
	tx, err := q.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	ok, err := q.Repo.DeferJob(ctx, tx, j.ID, ts(at), cause.Error(), now)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("job %s no longer processing", j.ID)
	}
	if err := q.Events.Append(ctx, tx, "job.deferred", j.ActivationID, "job", j.ID, workerID, events.EventPayload{
		"reason": cause.Error(), "not_before": ts(at),
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// Fail records a handler error. Transient errors below the attempt cap
// reschedule with exponential backoff; permanent errors and exhausted
// attempts park the job as failed for an operator.
func (q *Queue) Fail(ctx context.Context, j domain.Job, workerID string, cause error, permanent bool) error {
	now := q.now()
	tx, err := q.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if permanent || j.Attempts >= j.MaxAttempts {
		ok, err := q.Repo.FailJob(ctx, tx, j.ID, cause.Error(), ts(now))
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("job %s no longer processing", j.ID)
		}
		if err := q.Events.Append(ctx, tx, "job.failed", j.ActivationID, "job", j.ID, workerID, events.EventPayload{
			"error": cause.Error(), "attempts": j.Attempts, "permanent": permanent,
		}); err != nil {
			return err
		}
		return tx.Commit()
	}
	notBefore := ts(now.Add(q.Backoff(j.Attempts)))
	ok, err := q.Repo.RetryJob(ctx, tx, j.ID, notBefore, cause.Error(), ts(now))
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("job %s no longer processing", j.ID)
	}
	if err := q.Events.Append(ctx, tx, "job.retried", j.ActivationID, "job", j.ID, workerID, events.EventPayload{
		"error": cause.Error(), "attempt": j.Attempts, "not_before": notBefore,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// Backoff returns the delay before the attempt after n completed attempts:
// base doubled per attempt, capped. Strictly increasing until the cap.
func (q *Queue) Backoff(attempts int) time.Duration {
	d := q.BackoffBase
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= q.BackoffCap {
			return q.BackoffCap
		}
	}
	if d > q.BackoffCap {
		return q.BackoffCap
	}
	return d
}

// ReapExpired returns lapsed claims to pending so another worker can pick
// them up. Runs periodically from the pool.
func (q *Queue) ReapExpired(ctx context.Context) (int, error) {
	now := ts(q.now())
	ids, err := q.Repo.ReclaimExpired(ctx, now)
	if err != nil {
		return len(ids), err
	}
	for _, id := range ids {
		j, gerr := q.Repo.GetJob(ctx, id)
		actID := ""
		if gerr == nil {
			actID = j.ActivationID
		}
		tx, err := q.DB.BeginTx(ctx, nil)
		if err != nil {
			return len(ids), err
		}
		if err := q.Events.Append(ctx, tx, "job.reclaimed", actID, "job", id, "system", nil); err != nil {
			tx.Rollback()
			return len(ids), err
		}
		if err := tx.Commit(); err != nil {
			return len(ids), err
		}
	}
	return len(ids), nil
}

// Sweep deletes terminal jobs older than the retention window. Failed jobs
// are kept until an operator resolves them.
func (q *Queue) Sweep(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := ts(q.now().Add(-retention))
	return q.Repo.SweepJobs(ctx, cutoff)
}
