package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"hindsight/internal/model"
)

const jobColumns = `id, queue, type, priority, state, payload, progress,
	attempts, max_attempts, last_error, project_id, session_id, parent_id,
	scheduled_at, started_at, finished_at, created_at, updated_at`

func scanJob(row interface{ Scan(...any) error }) (*model.Job, error) {
	var j model.Job
	err := row.Scan(&j.ID, &j.Queue, &j.Type, &j.Priority, &j.State, &j.Payload, &j.Progress,
		&j.Attempts, &j.MaxAttempts, &j.LastError, &j.ProjectID, &j.SessionID, &j.ParentID,
		&j.ScheduledAt, &j.StartedAt, &j.FinishedAt, &j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	return &j, nil
}

// InsertJob enqueues a job. Zero scheduled_at means run immediately.
func (s *Store) InsertJob(ctx context.Context, j *model.Job) (*model.Job, error) {
	if j.ID == uuid.Nil {
		j.ID = uuid.New()
	}
	if j.Payload == nil {
		j.Payload = []byte("{}")
	}
	scheduled := j.ScheduledAt
	if scheduled.IsZero() {
		scheduled = time.Now()
	}
	row := s.DB.QueryRowContext(ctx, `
		INSERT INTO jobs (id, queue, type, priority, state, payload, max_attempts, project_id, session_id, parent_id, scheduled_at)
		VALUES ($1, $2, $3, $4, 'pending', $5, $6, $7, $8, $9, $10)
		RETURNING `+jobColumns,
		j.ID, j.Queue, j.Type, j.Priority, j.Payload, j.MaxAttempts, j.ProjectID, j.SessionID, j.ParentID, scheduled)
	return scanJob(row)
}

// GetJob fetches one job by id.
func (s *Store) GetJob(ctx context.Context, id uuid.UUID) (*model.Job, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	return scanJob(row)
}

// ClaimNextJob atomically claims the next runnable job across the given
// queues, listed highest queue priority first: queue order, then job
// priority, FIFO within a priority, skipping rows other workers hold.
// Returns ErrNotFound when every queue is drained.
func (s *Store) ClaimNextJob(ctx context.Context, queues []string) (*model.Job, error) {
	row := s.DB.QueryRowContext(ctx, `
		UPDATE jobs
		SET state = 'running', attempts = attempts + 1, started_at = now(), updated_at = now()
		WHERE id = (
			SELECT id FROM jobs
			WHERE queue = ANY($1) AND state = 'pending' AND scheduled_at <= now()
			ORDER BY array_position($1::text[], queue), priority DESC, created_at
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+jobColumns, queues)
	return scanJob(row)
}

// CompleteJob finalizes a successful job.
func (s *Store) CompleteJob(ctx context.Context, id uuid.UUID) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE jobs SET state = 'completed', progress = 100, finished_at = now(), updated_at = now()
		WHERE id = $1`, id)
	return err
}

// RetryJob reschedules a failed attempt with a backoff delay, or marks the
// job failed when attempts are exhausted. Returns the resulting state.
func (s *Store) RetryJob(ctx context.Context, id uuid.UUID, lastError string, backoff time.Duration) (model.JobState, error) {
	row := s.DB.QueryRowContext(ctx, `
		UPDATE jobs
		SET state = CASE WHEN attempts >= max_attempts THEN 'failed' ELSE 'pending' END,
		    scheduled_at = now() + $3::interval,
		    last_error = $2,
		    finished_at = CASE WHEN attempts >= max_attempts THEN now() ELSE NULL END,
		    updated_at = now()
		WHERE id = $1
		RETURNING state`,
		id, lastError, fmt.Sprintf("%d seconds", int(backoff.Seconds())))
	var state model.JobState
	if err := row.Scan(&state); err != nil {
		return "", notFound(err)
	}
	return state, nil
}

// CancelJob cancels a pending or running job. Running handlers observe the
// cancellation at their next progress checkpoint.
func (s *Store) CancelJob(ctx context.Context, id uuid.UUID) (*model.Job, error) {
	row := s.DB.QueryRowContext(ctx, `
		UPDATE jobs SET state = 'cancelled', finished_at = now(), updated_at = now()
		WHERE id = $1 AND state IN ('pending', 'running')
		RETURNING `+jobColumns, id)
	return scanJob(row)
}

// SetJobProgress updates the 0..100 progress figure and reports whether the
// job was cancelled meanwhile, so handlers can stop early.
func (s *Store) SetJobProgress(ctx context.Context, id uuid.UUID, progress int) (cancelled bool, err error) {
	if progress < 0 {
		progress = 0
	}
	if progress > 100 {
		progress = 100
	}
	var state model.JobState
	err = s.DB.QueryRowContext(ctx, `
		UPDATE jobs SET progress = GREATEST(progress, $2), updated_at = now()
		WHERE id = $1
		RETURNING state`, id, progress).Scan(&state)
	if err != nil {
		return false, notFound(err)
	}
	return state == model.JobCancelled, nil
}

// MarkJobDead parks a job whose failure is not retriable and files the dead
// letter.
func (s *Store) MarkJobDead(ctx context.Context, j *model.Job, reasonCategory, lastError string) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		UPDATE jobs SET state = 'dead', last_error = $2, finished_at = now(), updated_at = now()
		WHERE id = $1`, j.ID, lastError); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO dead_letters (id, job_id, reason_category, last_error, first_failed_at, attempts)
		VALUES ($1, $2, $3, $4, now(), $5)`,
		uuid.New(), j.ID, reasonCategory, lastError, j.Attempts); err != nil {
		return err
	}
	return tx.Commit()
}

// StuckJobs returns running jobs whose hard timeout has passed. Crashed
// workers leak running rows; the maintenance loop reclaims them, releasing
// jobs with attempt budget left and parking the exhausted ones.
func (s *Store) StuckJobs(ctx context.Context, hardTimeout time.Duration) ([]*model.Job, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE state = 'running' AND started_at < now() - $1::interval
		ORDER BY started_at`,
		fmt.Sprintf("%d seconds", int(hardTimeout.Seconds())))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// ReleaseJob returns a running job to the pending pool. The claim already
// counted the attempt, so a job that wedges every run still drains its
// attempt budget.
func (s *Store) ReleaseJob(ctx context.Context, id uuid.UUID, note string) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE jobs SET state = 'pending', last_error = $2, started_at = NULL, updated_at = now()
		WHERE id = $1 AND state = 'running'`, id, note)
	return err
}

// QueueDepths reports pending counts per queue.
func (s *Store) QueueDepths(ctx context.Context) (map[string]int64, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT queue, count(*) FROM jobs WHERE state = 'pending' GROUP BY queue`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[string]int64{}
	for rows.Next() {
		var queue string
		var n int64
		if err := rows.Scan(&queue, &n); err != nil {
			return nil, err
		}
		out[queue] = n
	}
	return out, rows.Err()
}

// ListJobs returns jobs for a project, newest first.
func (s *Store) ListJobs(ctx context.Context, projectID uuid.UUID, limit int) ([]*model.Job, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.DB.QueryContext(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE project_id = $1 ORDER BY created_at DESC LIMIT $2`, projectID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// PurgeTerminal deletes terminal jobs, committed intents and old dead
// letters beyond their retention windows. Returns total rows removed.
func (s *Store) PurgeTerminal(ctx context.Context, jobAge, intentAge, deadLetterAge time.Duration) (int64, error) {
	var total int64
	res, err := s.DB.ExecContext(ctx, `
		DELETE FROM jobs
		WHERE state IN ('completed', 'failed', 'cancelled', 'dead')
		  AND finished_at < now() - $1::interval`, fmt.Sprintf("%d seconds", int(jobAge.Seconds())))
	if err != nil {
		return total, err
	}
	n, _ := res.RowsAffected()
	total += n

	res, err = s.DB.ExecContext(ctx, `
		DELETE FROM dual_write_intents
		WHERE state = 'committed' AND submitted_at < now() - $1::interval`, fmt.Sprintf("%d seconds", int(intentAge.Seconds())))
	if err != nil {
		return total, err
	}
	n, _ = res.RowsAffected()
	total += n

	res, err = s.DB.ExecContext(ctx, `
		DELETE FROM index_events
		WHERE published_at IS NOT NULL AND published_at < now() - $1::interval`, fmt.Sprintf("%d seconds", int(intentAge.Seconds())))
	if err != nil {
		return total, err
	}
	n, _ = res.RowsAffected()
	total += n

	res, err = s.DB.ExecContext(ctx, `
		DELETE FROM dead_letters WHERE first_failed_at < now() - $1::interval`, fmt.Sprintf("%d seconds", int(deadLetterAge.Seconds())))
	if err != nil {
		return total, err
	}
	n, _ = res.RowsAffected()
	total += n
	return total, nil
}
