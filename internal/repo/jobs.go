package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"warroom/internal/domain"
)

const jobCols = `id,queue,type,activation_id,payload_json,priority,state,attempts,max_attempts,scheduled_not_before,claimed_by,claim_expires_at,last_error,resolved_by,created_at,updated_at`

// InsertJob persists a job. INSERT OR IGNORE keeps deterministic job ids
// idempotent: re-enqueuing the same id is a no-op. Returns false when the
// job already existed.
func (r Repo) InsertJob(ctx context.Context, tx *sql.Tx, j domain.Job) (bool, error) {
	exec := func(query string, args ...any) (sql.Result, error) {
		if tx != nil {
			return tx.ExecContext(ctx, query, args...)
		}
		return r.DB.ExecContext(ctx, query, args...)
	}
	res, err := exec(`INSERT OR IGNORE INTO jobs(id,queue,type,activation_id,payload_json,priority,state,attempts,max_attempts,scheduled_not_before,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		j.ID, j.Queue, j.Type, j.ActivationID, j.Payload, j.Priority, j.State, j.Attempts, j.MaxAttempts, j.ScheduledNotBefore, j.CreatedAt, j.UpdatedAt)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func scanJob(scan func(dest ...any) error) (domain.Job, error) {
	var j domain.Job
	var claimedBy, claimExpires, lastError, resolvedBy sql.NullString
	err := scan(&j.ID, &j.Queue, &j.Type, &j.ActivationID, &j.Payload, &j.Priority, &j.State, &j.Attempts, &j.MaxAttempts,
		&j.ScheduledNotBefore, &claimedBy, &claimExpires, &lastError, &resolvedBy, &j.CreatedAt, &j.UpdatedAt)
	if err == sql.ErrNoRows {
		return j, ErrNotFound
	}
	if err != nil {
		return j, err
	}
	if claimedBy.Valid {
		j.ClaimedBy = &claimedBy.String
	}
	if claimExpires.Valid {
		j.ClaimExpiresAt = &claimExpires.String
	}
	if lastError.Valid {
		j.LastError = &lastError.String
	}
	if resolvedBy.Valid {
		j.ResolvedBy = &resolvedBy.String
	}
	return j, nil
}

func (r Repo) GetJob(ctx context.Context, id string) (domain.Job, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+jobCols+` FROM jobs WHERE id=?`, id)
	return scanJob(row.Scan)
}

type JobFilters struct {
	ActivationID string
	State        string
	Type         string
	Limit        int
}

func (r Repo) ListJobs(ctx context.Context, f JobFilters) ([]domain.Job, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.ActivationID != "" {
		clauses = append(clauses, "activation_id=?")
		args = append(args, f.ActivationID)
	}
	if f.State != "" {
		clauses = append(clauses, "state=?")
		args = append(args, f.State)
	}
	if f.Type != "" {
		clauses = append(clauses, "type=?")
		args = append(args, f.Type)
	}
	query := `SELECT ` + jobCols + ` FROM jobs WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Job
	for rows.Next() {
		j, err := scanJob(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, j)
	}
	return res, rows.Err()
}

// NextDueJobs returns candidate pending jobs due at or before now, best
// first. Claiming is a separate conditional update; callers must tolerate
// losing the race on any candidate.
func (r Repo) NextDueJobs(ctx context.Context, now string, limit int) ([]domain.Job, error) {
	if limit <= 0 {
		limit = 5
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT `+jobCols+` FROM jobs
WHERE state='pending' AND scheduled_not_before<=?
ORDER BY priority DESC, scheduled_not_before ASC, id ASC LIMIT ?`, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Job
	for rows.Next() {
		j, err := scanJob(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, j)
	}
	return res, rows.Err()
}

// ClaimJob performs the compare-and-swap from pending to processing. Exactly
// one concurrent caller can win; the rest see false.
func (r Repo) ClaimJob(ctx context.Context, tx *sql.Tx, jobID, workerID, claimExpiresAt, now string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE jobs
SET state='processing', claimed_by=?, claim_expires_at=?, attempts=attempts+1, updated_at=?
WHERE id=? AND state='pending'`, workerID, claimExpiresAt, now, jobID)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// CompleteJob finishes a processing job. Conditional on state so a reclaimed
// job cannot be completed twice.
func (r Repo) CompleteJob(ctx context.Context, tx *sql.Tx, jobID, now string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE jobs
SET state='completed', claimed_by=NULL, claim_expires_at=NULL, updated_at=?
WHERE id=? AND state='processing'`, now, jobID)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// RetryJob returns a processing job to pending with a new not-before.
func (r Repo) RetryJob(ctx context.Context, tx *sql.Tx, jobID, notBefore, lastError, now string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE jobs
SET state='pending', claimed_by=NULL, claim_expires_at=NULL, scheduled_not_before=?, last_error=?, updated_at=?
WHERE id=? AND state='processing'`, notBefore, lastError, now, jobID)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// DeferJob returns a processing job to pending at a known future time and
// gives the attempt back. Used when the obstacle is a schedule (availability
// window), not a failure.
func (r Repo) DeferJob(ctx context.Context, tx *sql.Tx, jobID, notBefore, reason, now string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE jobs
SET state='pending', claimed_by=NULL, claim_expires_at=NULL, attempts=attempts-1, scheduled_not_before=?, last_error=?, updated_at=?
WHERE id=? AND state='processing'`, notBefore, reason, now, jobID)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// FailJob marks a processing job terminally failed.
func (r Repo) FailJob(ctx context.Context, tx *sql.Tx, jobID, lastError, now string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE jobs
SET state='failed', claimed_by=NULL, claim_expires_at=NULL, last_error=?, updated_at=?
WHERE id=? AND state='processing'`, lastError, now, jobID)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// ReclaimExpired returns jobs whose claim lease lapsed (worker crash) to
// pending and reports their ids.
func (r Repo) ReclaimExpired(ctx context.Context, now string) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id FROM jobs WHERE state='processing' AND claim_expires_at IS NOT NULL AND claim_expires_at<=?`, now)
	if err != nil {
		return nil, err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	var reclaimed []string
	for _, id := range ids {
		res, err := r.DB.ExecContext(ctx, `UPDATE jobs
SET state='pending', claimed_by=NULL, claim_expires_at=NULL, updated_at=?
WHERE id=? AND state='processing' AND claim_expires_at<=?`, now, id, now)
		if err != nil {
			return reclaimed, err
		}
		if n, _ := res.RowsAffected(); n > 0 {
			reclaimed = append(reclaimed, id)
		}
	}
	return reclaimed, nil
}

// CancelPendingJobs cancels all pending jobs of an activation (abort path).
func (r Repo) CancelPendingJobs(ctx context.Context, tx *sql.Tx, activationID, now string) (int64, error) {
	res, err := tx.ExecContext(ctx, `UPDATE jobs SET state='canceled', updated_at=? WHERE activation_id=? AND state='pending'`, now, activationID)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// ResolveFailedJob records an operator resolving a terminal failure.
// Failed jobs stay queryable forever; resolution only marks who looked.
func (r Repo) ResolveFailedJob(ctx context.Context, tx *sql.Tx, jobID, actorID, now string) error {
	res, err := tx.ExecContext(ctx, `UPDATE jobs SET resolved_by=?, updated_at=? WHERE id=? AND state='failed'`, actorID, now, jobID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("job %s is not in failed state", jobID)
	}
	return nil
}

// SweepJobs garbage-collects completed and canceled jobs older than the
// cutoff, with their attempt logs. Failed jobs are exempt until resolved.
func (r Repo) SweepJobs(ctx context.Context, cutoff string) (int64, error) {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()
	const sweepable = `(state='completed' OR state='canceled' OR (state='failed' AND resolved_by IS NOT NULL)) AND updated_at<?`
	if _, err := tx.ExecContext(ctx, `DELETE FROM delivery_attempts WHERE job_id IN (SELECT id FROM jobs WHERE `+sweepable+`)`, cutoff); err != nil {
		return 0, err
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM jobs WHERE `+sweepable, cutoff)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return n, tx.Commit()
}
