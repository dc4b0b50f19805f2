// Package queue implements the durable priority job queue on top of the
// store's jobs table. Workers claim jobs with an optimistic update so two
// workers can never run the same job.
package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/Whamp/pi-brain-sub000/internal/errclass"
	"github.com/Whamp/pi-brain-sub000/internal/ids"
	"github.com/Whamp/pi-brain-sub000/internal/types"
)

// Queue wraps the jobs table. It shares the store's single connection pool.
type Queue struct {
	db     *sql.DB
	log    *slog.Logger
	policy errclass.RetryPolicy
	wake   chan struct{}
}

// New creates a queue over the store's database handle.
func New(db *sql.DB, policy errclass.RetryPolicy, log *slog.Logger) *Queue {
	return &Queue{
		db:     db,
		log:    log,
		policy: policy,
		wake:   make(chan struct{}, 1),
	}
}

// Wake returns a channel that receives a signal whenever new work is
// enqueued. Workers select on it alongside their poll ticker so fresh jobs
// start without waiting out the interval.
func (q *Queue) Wake() <-chan struct{} { return q.wake }

func (q *Queue) notify() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Enqueue inserts a job, deduplicating against an existing pending or
// running job of the same type over the same segment. Returns the job id
// actually in the queue and whether a new row was inserted.
func (q *Queue) Enqueue(ctx context.Context, job *types.Job) (string, bool, error) {
	if job.ID == "" {
		job.ID = ids.JobID()
	}
	if job.Status == "" {
		job.Status = types.JobPending
	}
	if job.Priority == 0 {
		job.Priority = priorityFor(job.Type)
	}
	if job.MaxRetries == 0 {
		job.MaxRetries = q.policy.MaxRetries
	}
	now := time.Now().UTC()
	if job.QueuedAt.IsZero() {
		job.QueuedAt = now
	}
	if job.AvailableAt.IsZero() {
		job.AvailableAt = now
	}

	payload, err := json.Marshal(job.Context)
	if err != nil {
		return "", false, fmt.Errorf("failed to marshal job context: %w", err)
	}

	// Dedup: an equivalent job already waiting or running absorbs this one.
	var existingID string
	err = q.db.QueryRowContext(ctx, `
		SELECT id FROM jobs
		WHERE job_type = ? AND status IN ('pending', 'running')
			AND json_extract(context, '$.sessionFile') = ?
			AND json_extract(context, '$.segmentStart') = ?
			AND json_extract(context, '$.segmentEnd') = ?
		LIMIT 1
	`, string(job.Type), job.Context.SessionFile, job.Context.SegmentStart, job.Context.SegmentEnd).Scan(&existingID)
	if err == nil {
		return existingID, false, nil
	}
	if err != sql.ErrNoRows {
		return "", false, fmt.Errorf("failed to check for duplicate job: %w", err)
	}

	_, err = q.db.ExecContext(ctx, `
		INSERT INTO jobs (id, job_type, status, priority, context, retry_count, max_retries, queued_at, available_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, job.ID, string(job.Type), string(job.Status), int(job.Priority), string(payload),
		job.RetryCount, job.MaxRetries, job.QueuedAt, job.AvailableAt)
	if err != nil {
		return "", false, fmt.Errorf("failed to enqueue job: %w", err)
	}

	q.notify()
	return job.ID, true, nil
}

// EnqueueMany enqueues a batch, returning how many were newly inserted.
func (q *Queue) EnqueueMany(ctx context.Context, jobs []*types.Job) (int, error) {
	inserted := 0
	for _, job := range jobs {
		_, created, err := q.Enqueue(ctx, job)
		if err != nil {
			return inserted, err
		}
		if created {
			inserted++
		}
	}
	return inserted, nil
}

func priorityFor(t types.JobType) types.Priority {
	switch t {
	case types.JobReanalysis:
		return types.PriorityReanalysis
	case types.JobConnectionDiscovery:
		return types.PriorityConnectionDiscovery
	default:
		return types.PriorityInitial
	}
}

// ClaimNext atomically claims the best available job for a worker. The
// claim is an optimistic UPDATE guarded on status, so a concurrent claimer
// losing the race simply retries against the next candidate. Returns nil
// when the queue has nothing runnable.
func (q *Queue) ClaimNext(ctx context.Context, workerName string) (*types.Job, error) {
	for attempt := 0; attempt < 5; attempt++ {
		now := time.Now().UTC()
		job, err := q.nextCandidate(ctx, now)
		if err != nil {
			return nil, err
		}
		if job == nil {
			return nil, nil
		}

		res, err := q.db.ExecContext(ctx, `
			UPDATE jobs SET status = 'running', claimed_by = ?, claimed_at = ?
			WHERE id = ? AND status = 'pending'
		`, workerName, now, job.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to claim job %s: %w", job.ID, err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return nil, err
		}
		if affected == 1 {
			job.Status = types.JobRunning
			job.ClaimedBy = workerName
			job.ClaimedAt = &now
			return job, nil
		}
		// Lost the race; another worker took it.
	}
	return nil, nil
}

func (q *Queue) nextCandidate(ctx context.Context, now time.Time) (*types.Job, error) {
	row := q.db.QueryRowContext(ctx, `
		SELECT id, job_type, status, priority, context, retry_count, max_retries, queued_at, available_at, claimed_by, last_error
		FROM jobs
		WHERE status = 'pending' AND available_at <= ?
		ORDER BY priority ASC, queued_at ASC
		LIMIT 1
	`, now)
	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to select next job: %w", err)
	}
	return job, nil
}

// Complete marks a running job done.
func (q *Queue) Complete(ctx context.Context, jobID string) error {
	res, err := q.db.ExecContext(ctx,
		`UPDATE jobs SET status = 'completed', claimed_by = '' WHERE id = ? AND status = 'running'`, jobID)
	if err != nil {
		return fmt.Errorf("failed to complete job %s: %w", jobID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("job %s was not running", jobID)
	}
	return nil
}

// Fail records a job failure. Retryable failures go back to pending with an
// exponential-backoff availableAt; the rest are marked failed permanently.
// Returns whether the job will be retried.
func (q *Queue) Fail(ctx context.Context, job *types.Job, cause error) (bool, error) {
	classified := errclass.ClassifyWithContext(cause, job.RetryCount, job.MaxRetries)
	stored := errclass.FormatStoredError(classified, time.Now(), "")

	if classified.ShouldRetry {
		delay := errclass.RetryDelay(job.RetryCount, q.policy)
		availableAt := time.Now().UTC().Add(delay)
		_, err := q.db.ExecContext(ctx, `
			UPDATE jobs SET status = 'pending', claimed_by = '', claimed_at = NULL,
				retry_count = retry_count + 1, available_at = ?, last_error = ?
			WHERE id = ? AND status = 'running'
		`, availableAt, stored, job.ID)
		if err != nil {
			return false, fmt.Errorf("failed to requeue job %s: %w", job.ID, err)
		}
		q.log.Warn("job failed, will retry",
			"job", job.ID, "type", job.Type, "reason", classified.Reason,
			"retry", job.RetryCount+1, "next_attempt", availableAt)
		return true, nil
	}

	_, err := q.db.ExecContext(ctx, `
		UPDATE jobs SET status = 'failed', claimed_by = '', last_error = ?
		WHERE id = ? AND status = 'running'
	`, stored, job.ID)
	if err != nil {
		return false, fmt.Errorf("failed to mark job %s failed: %w", job.ID, err)
	}
	q.log.Error("job failed permanently",
		"job", job.ID, "type", job.Type, "category", classified.Category,
		"reason", classified.Reason, "error", classified.Message)
	return false, nil
}

// ResetOrphaned returns jobs stuck in running back to pending. Called once
// at startup: a running row with no live worker means the previous daemon
// died mid-job.
func (q *Queue) ResetOrphaned(ctx context.Context) (int, error) {
	res, err := q.db.ExecContext(ctx,
		`UPDATE jobs SET status = 'pending', claimed_by = '', claimed_at = NULL WHERE status = 'running'`)
	if err != nil {
		return 0, fmt.Errorf("failed to reset orphaned jobs: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if affected > 0 {
		q.log.Info("reset orphaned jobs to pending", "count", affected)
	}
	return int(affected), nil
}

// Get loads one job by id.
func (q *Queue) Get(ctx context.Context, jobID string) (*types.Job, error) {
	row := q.db.QueryRowContext(ctx, `
		SELECT id, job_type, status, priority, context, retry_count, max_retries, queued_at, available_at, claimed_by, last_error
		FROM jobs WHERE id = ?
	`, jobID)
	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("job %s not found", jobID)
	}
	return job, err
}

// Stats summarizes queue health for the status surface.
type Stats struct {
	Pending          int           `json:"pending"`
	Running          int           `json:"running"`
	Completed        int           `json:"completed"`
	Failed           int           `json:"failed"`
	OldestPendingAge time.Duration `json:"oldestPendingAge"`
}

// GetStats counts jobs by status and measures the oldest pending wait.
func (q *Queue) GetStats(ctx context.Context) (*Stats, error) {
	rows, err := q.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count jobs: %w", err)
	}
	defer rows.Close()

	st := &Stats{}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		switch types.JobStatus(status) {
		case types.JobPending:
			st.Pending = count
		case types.JobRunning:
			st.Running = count
		case types.JobCompleted:
			st.Completed = count
		case types.JobFailed:
			st.Failed = count
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var oldest sql.NullTime
	err = q.db.QueryRowContext(ctx,
		`SELECT MIN(queued_at) FROM jobs WHERE status = 'pending'`).Scan(&oldest)
	if err != nil && err != sql.ErrNoRows {
		return nil, err
	}
	if oldest.Valid {
		st.OldestPendingAge = time.Since(oldest.Time)
	}
	return st, nil
}

// PruneCompleted deletes completed jobs older than the retention window.
func (q *Queue) PruneCompleted(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	res, err := q.db.ExecContext(ctx,
		`DELETE FROM jobs WHERE status = 'completed' AND queued_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune completed jobs: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(affected), nil
}

type rowScanner interface{ Scan(dest ...any) error }

func scanJob(r rowScanner) (*types.Job, error) {
	job := &types.Job{}
	var jobType, status, payload string
	var priority int
	err := r.Scan(&job.ID, &jobType, &status, &priority, &payload,
		&job.RetryCount, &job.MaxRetries, &job.QueuedAt, &job.AvailableAt,
		&job.ClaimedBy, &job.LastError)
	if err != nil {
		return nil, err
	}
	job.Type = types.JobType(jobType)
	job.Status = types.JobStatus(status)
	job.Priority = types.Priority(priority)
	if err := json.Unmarshal([]byte(payload), &job.Context); err != nil {
		return nil, fmt.Errorf("failed to parse job context: %w", err)
	}
	return job, nil
}
