package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

var ErrInvalidJob = errors.New("invalid job")

// JobStore is the durable backing for the dispatcher. The Postgres
// implementation shares the store's connection pool; tests use an in-memory
// fake.
type JobStore interface {
	// Enqueue inserts the job, or returns the existing one when the
	// message id was already enqueued.
	Enqueue(ctx context.Context, job *Job) (*Job, error)
	// ClaimDue atomically moves up to limit due pending jobs to active and
	// returns them, incrementing their attempt counters.
	ClaimDue(ctx context.Context, limit int, now time.Time) ([]Job, error)
	MarkCompleted(ctx context.Context, id string, now time.Time) error
	MarkFailed(ctx context.Context, id, errMsg string, now time.Time) error
	// Requeue schedules a retry at runAt, recording the failure reason.
	Requeue(ctx context.Context, id string, runAt time.Time, errMsg string, now time.Time) error
	// Release returns a claimed job to pending without consuming a retry
	// attempt. Used when the job never reached a handler.
	Release(ctx context.Context, id string, runAt, now time.Time) error
	// RequeueStalled returns active jobs whose worker died back to pending.
	RequeueStalled(ctx context.Context, olderThan, now time.Time) (int, error)
	// Purge removes completed and failed jobs past their retention windows.
	Purge(ctx context.Context, completedBefore, failedBefore time.Time) (int, error)
	Stats(ctx context.Context, now time.Time) (Stats, error)
	Ping(ctx context.Context) error
}

// PostgresJobStore keeps jobs in a queue_jobs table.
type PostgresJobStore struct {
	db *bun.DB
}

func NewPostgresJobStore(db *bun.DB) *PostgresJobStore {
	return &PostgresJobStore{db: db}
}

func (s *PostgresJobStore) CreateSchema(ctx context.Context) error {
	if _, err := s.db.NewCreateTable().
		Model((*Job)(nil)).
		IfNotExists().
		Exec(ctx); err != nil {
		return fmt.Errorf("create queue_jobs table: %w", err)
	}
	if _, err := s.db.NewCreateIndex().
		Model((*Job)(nil)).
		IfNotExists().
		Index("idx_queue_jobs_status_run_at").
		Column("status", "run_at").
		Exec(ctx); err != nil {
		return fmt.Errorf("create queue_jobs index: %w", err)
	}
	return nil
}

func (s *PostgresJobStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresJobStore) Enqueue(ctx context.Context, job *Job) (*Job, error) {
	if job == nil || strings.TrimSpace(job.MessageID) == "" {
		return nil, fmt.Errorf("%w: message id is empty", ErrInvalidJob)
	}
	if strings.TrimSpace(job.Phone) == "" {
		return nil, fmt.Errorf("%w: phone is empty", ErrInvalidJob)
	}

	now := time.Now().UTC()
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	job.Status = StatusPending
	if job.MaxAttempts <= 0 {
		job.MaxAttempts = 3
	}
	if job.RunAt.IsZero() {
		job.RunAt = now
	}
	job.CreatedAt = now
	job.UpdatedAt = now

	res, err := s.db.NewInsert().
		Model(job).
		On("CONFLICT (message_id) DO NOTHING").
		Exec(ctx)
	if err != nil {
		return nil, fmt.Errorf("enqueue job: %w", err)
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		existing := new(Job)
		err := s.db.NewSelect().
			Model(existing).
			Where("message_id = ?", job.MessageID).
			Scan(ctx)
		if errors.Is(err, sql.ErrNoRows) {
			// Conflict row purged between insert and read; treat the input
			// as the canonical job.
			return job, nil
		}
		if err != nil {
			return nil, fmt.Errorf("load existing job: %w", err)
		}
		return existing, nil
	}
	return job, nil
}

func (s *PostgresJobStore) ClaimDue(ctx context.Context, limit int, now time.Time) ([]Job, error) {
	if limit <= 0 {
		limit = 10
	}

	due := s.db.NewSelect().
		Model((*Job)(nil)).
		Column("id").
		Where("status = ?", StatusPending).
		Where("run_at <= ?", now).
		OrderExpr("run_at ASC, created_at ASC").
		Limit(limit).
		For("UPDATE SKIP LOCKED")

	var claimed []Job
	_, err := s.db.NewUpdate().
		Model((*Job)(nil)).
		Set("status = ?", StatusActive).
		Set("attempts = attempts + 1").
		Set("updated_at = ?", now).
		Where("id IN (?)", due).
		Returning("*").
		Exec(ctx, &claimed)
	if err != nil {
		return nil, fmt.Errorf("claim due jobs: %w", err)
	}
	return claimed, nil
}

func (s *PostgresJobStore) MarkCompleted(ctx context.Context, id string, now time.Time) error {
	_, err := s.db.NewUpdate().
		Model((*Job)(nil)).
		Set("status = ?", StatusCompleted).
		Set("updated_at = ?", now).
		Where("id = ?", id).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("mark job completed: %w", err)
	}
	return nil
}

func (s *PostgresJobStore) MarkFailed(ctx context.Context, id, errMsg string, now time.Time) error {
	_, err := s.db.NewUpdate().
		Model((*Job)(nil)).
		Set("status = ?", StatusFailed).
		Set("last_error = ?", truncateError(errMsg)).
		Set("updated_at = ?", now).
		Where("id = ?", id).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("mark job failed: %w", err)
	}
	return nil
}

func (s *PostgresJobStore) Requeue(ctx context.Context, id string, runAt time.Time, errMsg string, now time.Time) error {
	_, err := s.db.NewUpdate().
		Model((*Job)(nil)).
		Set("status = ?", StatusPending).
		Set("run_at = ?", runAt).
		Set("last_error = ?", truncateError(errMsg)).
		Set("updated_at = ?", now).
		Where("id = ?", id).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("requeue job: %w", err)
	}
	return nil
}

func (s *PostgresJobStore) Release(ctx context.Context, id string, runAt, now time.Time) error {
	_, err := s.db.NewUpdate().
		Model((*Job)(nil)).
		Set("status = ?", StatusPending).
		Set("attempts = GREATEST(attempts - 1, 0)").
		Set("run_at = ?", runAt).
		Set("updated_at = ?", now).
		Where("id = ?", id).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("release job: %w", err)
	}
	return nil
}

func (s *PostgresJobStore) RequeueStalled(ctx context.Context, olderThan, now time.Time) (int, error) {
	res, err := s.db.NewUpdate().
		Model((*Job)(nil)).
		Set("status = ?", StatusPending).
		Set("run_at = ?", now).
		Set("updated_at = ?", now).
		Where("status = ?", StatusActive).
		Where("updated_at < ?", olderThan).
		Exec(ctx)
	if err != nil {
		return 0, fmt.Errorf("requeue stalled jobs: %w", err)
	}
	rows, _ := res.RowsAffected()
	return int(rows), nil
}

func (s *PostgresJobStore) Purge(ctx context.Context, completedBefore, failedBefore time.Time) (int, error) {
	res, err := s.db.NewDelete().
		Model((*Job)(nil)).
		Where("(status = ? AND updated_at < ?) OR (status = ? AND updated_at < ?)",
			StatusCompleted, completedBefore, StatusFailed, failedBefore).
		Exec(ctx)
	if err != nil {
		return 0, fmt.Errorf("purge jobs: %w", err)
	}
	rows, _ := res.RowsAffected()
	return int(rows), nil
}

func (s *PostgresJobStore) Stats(ctx context.Context, now time.Time) (Stats, error) {
	var stats Stats

	type row struct {
		Status Status `bun:"status"`
		Count  int    `bun:"count"`
	}
	var rows []row
	err := s.db.NewSelect().
		Model((*Job)(nil)).
		ColumnExpr("status, count(*) AS count").
		GroupExpr("status").
		Scan(ctx, &rows)
	if err != nil {
		return Stats{}, fmt.Errorf("queue stats: %w", err)
	}
	for _, r := range rows {
		switch r.Status {
		case StatusPending:
			stats.Waiting += r.Count
		case StatusActive:
			stats.Active += r.Count
		case StatusCompleted:
			stats.Completed += r.Count
		case StatusFailed:
			stats.Failed += r.Count
		}
	}

	delayed, err := s.db.NewSelect().
		Model((*Job)(nil)).
		Where("status = ?", StatusPending).
		Where("run_at > ?", now).
		Count(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("queue delayed count: %w", err)
	}
	stats.Delayed = delayed
	stats.Waiting -= delayed
	if stats.Waiting < 0 {
		stats.Waiting = 0
	}
	return stats, nil
}

func truncateError(msg string) string {
	const max = 1000
	if len(msg) > max {
		return msg[:max]
	}
	return msg
}
