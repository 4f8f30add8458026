package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/sqlc-dev/pqtype"

	"hindsight/internal/model"
)

const sessionColumns = `id, project_id, from_date, to_date, state, discovered,
	filtered_by_reason, extracted_ok, extracted_failed, started_at, finished_at`

func scanSession(row interface{ Scan(...any) error }) (*model.Session, error) {
	var sess model.Session
	var filtered pqtype.NullRawMessage
	err := row.Scan(&sess.ID, &sess.ProjectID, &sess.FromDate, &sess.ToDate, &sess.State,
		&sess.Discovered, &filtered, &sess.ExtractedOK, &sess.ExtractedFailed,
		&sess.StartedAt, &sess.FinishedAt)
	if err != nil {
		return nil, notFound(err)
	}
	sess.FilteredByReason = map[string]int64{}
	if filtered.Valid && len(filtered.RawMessage) > 0 {
		if err := json.Unmarshal(filtered.RawMessage, &sess.FilteredByReason); err != nil {
			return nil, fmt.Errorf("decode filtered_by_reason: %w", err)
		}
	}
	return &sess, nil
}

// CreateSession opens a new scraping session for a project run.
func (s *Store) CreateSession(ctx context.Context, projectID uuid.UUID, fromDate, toDate string) (*model.Session, error) {
	row := s.DB.QueryRowContext(ctx, `
		INSERT INTO sessions (id, project_id, from_date, to_date, state)
		VALUES ($1, $2, $3, $4, 'pending')
		RETURNING `+sessionColumns,
		uuid.New(), projectID, fromDate, toDate)
	return scanSession(row)
}

// GetSession fetches one session by id.
func (s *Store) GetSession(ctx context.Context, id uuid.UUID) (*model.Session, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = $1`, id)
	return scanSession(row)
}

// ListSessions returns a project's sessions, newest first.
func (s *Store) ListSessions(ctx context.Context, projectID uuid.UUID, limit int) ([]*model.Session, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.DB.QueryContext(ctx, `
		SELECT `+sessionColumns+` FROM sessions
		WHERE project_id = $1 ORDER BY started_at DESC LIMIT $2`, projectID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// SetSessionState moves a session through its lifecycle. Terminal states
// also set finished_at.
func (s *Store) SetSessionState(ctx context.Context, id uuid.UUID, state model.SessionState) error {
	finishing := state == model.SessionCompleted || state == model.SessionFailed
	res, err := s.DB.ExecContext(ctx, `
		UPDATE sessions
		SET state = $2, finished_at = CASE WHEN $3 THEN now() ELSE finished_at END, updated_at = now()
		WHERE id = $1`, id, state, finishing)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	if state == model.SessionCompleted {
		// First completed run moves the project out of no_index.
		_, err = s.DB.ExecContext(ctx, `
			UPDATE projects SET status = 'active', updated_at = now()
			WHERE status = 'no_index' AND id = (SELECT project_id FROM sessions WHERE id = $1)`, id)
		return err
	}
	return nil
}

// ApplySessionDeltas increments session counters atomically. The row is
// locked for the merge so concurrent target workers never lose filter
// reason increments.
func (s *Store) ApplySessionDeltas(ctx context.Context, id uuid.UUID, d model.SessionDeltas) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var filtered []byte
	if err := tx.QueryRowContext(ctx,
		`SELECT filtered_by_reason FROM sessions WHERE id = $1 FOR UPDATE`, id).Scan(&filtered); err != nil {
		return notFound(err)
	}
	reasons := map[string]int64{}
	if len(filtered) > 0 {
		if err := json.Unmarshal(filtered, &reasons); err != nil {
			return fmt.Errorf("decode filtered_by_reason: %w", err)
		}
	}
	for reason, n := range d.FilteredByReason {
		reasons[reason] += n
	}
	merged, err := json.Marshal(reasons)
	if err != nil {
		return fmt.Errorf("encode filtered_by_reason: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE sessions
		SET discovered = discovered + $2,
		    extracted_ok = extracted_ok + $3,
		    extracted_failed = extracted_failed + $4,
		    filtered_by_reason = $5,
		    updated_at = now()
		WHERE id = $1`,
		id, d.Discovered, d.ExtractedOK, d.ExtractedFailed, merged); err != nil {
		return err
	}
	return tx.Commit()
}
