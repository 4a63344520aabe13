package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ericfisherdev/forge-collector/internal/store"
)

// JobRepo implements store.JobStore.
type JobRepo struct {
	db *DB
}

var _ store.JobStore = (*JobRepo)(nil)

// NewJobRepo constructs a JobRepo backed by db.
func NewJobRepo(db *DB) *JobRepo {
	return &JobRepo{db: db}
}

// Create inserts a pending job for owner/name with a freshly generated
// UUID, or returns store.ErrJobAlreadyExists if full_name is already
// tracked.
func (r *JobRepo) Create(ctx context.Context, owner, name string, priority store.JobPriority) (*store.CollectionJob, error) {
	fullName := owner + "/" + name
	now := time.Now().UTC()

	job := store.CollectionJob{
		ID:        uuid.NewString(),
		Owner:     owner,
		Name:      name,
		FullName:  fullName,
		Status:    store.JobStatusPending,
		Priority:  priority,
		CreatedAt: now,
		UpdatedAt: now,
	}

	_, err := r.db.Writer.ExecContext(ctx, `
		INSERT INTO collection_jobs (
			id, owner, name, full_name, status, priority,
			last_attempt_at, last_completed_at, failure_count, error_message,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, NULL, NULL, 0, '', ?, ?)
	`, job.ID, job.Owner, job.Name, job.FullName, string(job.Status), int(job.Priority), formatTime(now), formatTime(now))
	if err != nil {
		if isUniqueConstraintErr(err) {
			return nil, store.ErrJobAlreadyExists
		}
		return nil, fmt.Errorf("create job %s: %w", fullName, err)
	}

	return &job, nil
}

// GetByFullName returns the job matching fullName, or
// store.ErrJobNotFound if none exists.
func (r *JobRepo) GetByFullName(ctx context.Context, fullName string) (*store.CollectionJob, error) {
	row := r.db.Reader.QueryRowContext(ctx, jobSelectColumns+`
		FROM collection_jobs WHERE full_name = ?
	`, fullName)

	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", fullName, err)
	}

	return job, nil
}

// ListAll returns every tracked job.
func (r *JobRepo) ListAll(ctx context.Context) ([]store.CollectionJob, error) {
	rows, err := r.db.Reader.QueryContext(ctx, jobSelectColumns+`
		FROM collection_jobs ORDER BY full_name
	`)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	return scanJobs(rows)
}

// PullPending claims up to limit pending jobs, ordered by urgency
// (priority ASC, created_at ASC), atomically flipping each to
// in_progress within a single transaction so concurrent workers never
// double-claim a job.
func (r *JobRepo) PullPending(ctx context.Context, limit int) ([]store.CollectionJob, error) {
	tx, err := r.db.Writer.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin pull-pending tx: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, jobSelectColumns+`
		FROM collection_jobs WHERE status = 'pending'
		ORDER BY priority ASC, created_at ASC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("select pending jobs: %w", err)
	}
	jobs, err := scanJobs(rows)
	rows.Close()
	if err != nil {
		return nil, fmt.Errorf("scan pending jobs: %w", err)
	}

	now := formatTime(time.Now().UTC())
	for i := range jobs {
		jobs[i].Status = store.JobStatusInProgress
		jobs[i].UpdatedAt, _ = parseTime(now)
		if _, err := tx.ExecContext(ctx, `
			UPDATE collection_jobs SET status = 'in_progress', last_attempt_at = ?, updated_at = ?
			WHERE id = ?
		`, now, now, jobs[i].ID); err != nil {
			return nil, fmt.Errorf("claim job %s: %w", jobs[i].ID, err)
		}
		lastAttempt, _ := parseTime(now)
		jobs[i].LastAttemptAt = &lastAttempt
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit pull-pending tx: %w", err)
	}

	return jobs, nil
}

// MarkCompleted transitions the job to completed, resetting its
// failure count and clearing any error message.
func (r *JobRepo) MarkCompleted(ctx context.Context, id string) error {
	now := formatTime(time.Now().UTC())
	res, err := r.db.Writer.ExecContext(ctx, `
		UPDATE collection_jobs SET
			status = 'completed',
			last_completed_at = ?,
			failure_count = 0,
			error_message = '',
			updated_at = ?
		WHERE id = ?
	`, now, now, id)
	if err != nil {
		return fmt.Errorf("mark job %s completed: %w", id, err)
	}
	return checkJobFound(res, id)
}

// MarkTransientFailure returns the job to pending and increments its
// failure count.
func (r *JobRepo) MarkTransientFailure(ctx context.Context, id string, errMsg string) error {
	now := formatTime(time.Now().UTC())
	res, err := r.db.Writer.ExecContext(ctx, `
		UPDATE collection_jobs SET
			status = 'pending',
			failure_count = failure_count + 1,
			error_message = ?,
			updated_at = ?
		WHERE id = ?
	`, store.TruncateErrorMessage(errMsg), now, id)
	if err != nil {
		return fmt.Errorf("mark job %s transient failure: %w", id, err)
	}
	return checkJobFound(res, id)
}

// MarkPermanentFailure moves the job to its terminal error state.
func (r *JobRepo) MarkPermanentFailure(ctx context.Context, id string, errMsg string) error {
	now := formatTime(time.Now().UTC())
	res, err := r.db.Writer.ExecContext(ctx, `
		UPDATE collection_jobs SET
			status = 'error',
			failure_count = failure_count + 1,
			error_message = ?,
			updated_at = ?
		WHERE id = ?
	`, store.TruncateErrorMessage(errMsg), now, id)
	if err != nil {
		return fmt.Errorf("mark job %s permanent failure: %w", id, err)
	}
	return checkJobFound(res, id)
}

func checkJobFound(res sql.Result, id string) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return store.ErrJobNotFound
	}
	return nil
}

const jobSelectColumns = `
	SELECT id, owner, name, full_name, status, priority,
		last_attempt_at, last_completed_at, failure_count, error_message,
		created_at, updated_at
`

func scanJobs(rows *sql.Rows) ([]store.CollectionJob, error) {
	var out []store.CollectionJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		out = append(out, *job)
	}
	return out, rows.Err()
}

func scanJob(s scanner) (*store.CollectionJob, error) {
	var job store.CollectionJob
	var status string
	var priority int
	var lastAttemptAt, lastCompletedAt sql.NullString
	var createdAt, updatedAt string

	if err := s.Scan(
		&job.ID, &job.Owner, &job.Name, &job.FullName, &status, &priority,
		&lastAttemptAt, &lastCompletedAt, &job.FailureCount, &job.ErrorMessage,
		&createdAt, &updatedAt,
	); err != nil {
		return nil, err
	}

	job.Status = store.JobStatus(status)
	job.Priority = store.JobPriority(priority)

	var err error
	if job.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if job.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("parse updated_at: %w", err)
	}
	if lastAttemptAt.Valid {
		t, err := parseTime(lastAttemptAt.String)
		if err != nil {
			return nil, fmt.Errorf("parse last_attempt_at: %w", err)
		}
		job.LastAttemptAt = &t
	}
	if lastCompletedAt.Valid {
		t, err := parseTime(lastCompletedAt.String)
		if err != nil {
			return nil, fmt.Errorf("parse last_completed_at: %w", err)
		}
		job.LastCompletedAt = &t
	}

	return &job, nil
}
