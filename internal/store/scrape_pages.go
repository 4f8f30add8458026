package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sqlc-dev/pqtype"

	"hindsight/internal/model"
)

const scrapePageColumns = `id, target_id, project_id, original_url, capture_timestamp,
	mime_type, status_code, digest, length, status, priority_score,
	filter_reason, filter_category, filter_details, matched_pattern, filter_confidence,
	related_page_id, is_manually_overridden, original_filter_decision,
	can_be_manually_processed, last_error, session_id, created_at, updated_at`

func scanScrapePage(row interface{ Scan(...any) error }) (*model.ScrapePage, error) {
	var p model.ScrapePage
	var details pqtype.NullRawMessage
	err := row.Scan(&p.ID, &p.TargetID, &p.ProjectID, &p.OriginalURL, &p.CaptureTimestamp,
		&p.MimeType, &p.StatusCode, &p.Digest, &p.Length, &p.Status, &p.PriorityScore,
		&p.FilterReason, &p.FilterCategory, &details, &p.MatchedPattern, &p.FilterConfidence,
		&p.RelatedPageID, &p.IsManuallyOverridden, &p.OriginalFilterDecision,
		&p.CanBeManuallyProcessed, &p.LastError, &p.SessionID, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	if details.Valid && len(details.RawMessage) > 0 {
		p.FilterDetails = &model.FilterDetails{}
		if err := json.Unmarshal(details.RawMessage, p.FilterDetails); err != nil {
			return nil, fmt.Errorf("decode filter details: %w", err)
		}
	}
	return &p, nil
}

// InsertScrapePages persists discovered captures in one transaction, with a
// dual-write intent per new row. Re-discovered captures are skipped, so a
// re-run of the same window inserts nothing. Returns the inserted count.
func (s *Store) InsertScrapePages(ctx context.Context, pages []*model.ScrapePage) (int, error) {
	if len(pages) == 0 {
		return 0, nil
	}
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	inserted := 0
	for _, p := range pages {
		var details []byte
		if p.FilterDetails != nil {
			if details, err = json.Marshal(p.FilterDetails); err != nil {
				return 0, fmt.Errorf("encode filter details: %w", err)
			}
		}
		if p.ID == uuid.Nil {
			p.ID = uuid.New()
		}
		res, err := tx.ExecContext(ctx, `
			INSERT INTO scrape_pages (id, target_id, project_id, original_url, capture_timestamp,
				mime_type, status_code, digest, length, status, priority_score,
				filter_reason, filter_category, filter_details, matched_pattern, filter_confidence,
				related_page_id, can_be_manually_processed, session_id)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
			ON CONFLICT (target_id, original_url, capture_timestamp) DO NOTHING`,
			p.ID, p.TargetID, p.ProjectID, p.OriginalURL, p.CaptureTimestamp,
			p.MimeType, p.StatusCode, p.Digest, p.Length, p.Status, p.PriorityScore,
			p.FilterReason, p.FilterCategory, details, p.MatchedPattern, p.FilterConfidence,
			p.RelatedPageID, p.CanBeManuallyProcessed, p.SessionID)
		if err != nil {
			return 0, err
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			continue
		}
		inserted++
		if err := enqueueIntentTx(ctx, tx, model.IntentCreate, "scrape_pages", p.ID.String()); err != nil {
			return 0, err
		}
	}
	return inserted, tx.Commit()
}

// GetScrapePage fetches one scrape page by id.
func (s *Store) GetScrapePage(ctx context.Context, id uuid.UUID) (*model.ScrapePage, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+scrapePageColumns+` FROM scrape_pages WHERE id = $1`, id)
	return scanScrapePage(row)
}

// ScrapePageFilter narrows ListScrapePages.
type ScrapePageFilter struct {
	ProjectID  uuid.UUID
	TargetID   *uuid.UUID
	SessionID  *uuid.UUID
	Statuses   []model.PageStatus
	Categories []model.FilterCategory

	IsManuallyOverridden *bool
	PriorityMin          *int
	PriorityMax          *int
	// Search matches a substring of original_url, case-insensitively.
	Search    string
	HasErrors *bool
	// DateFrom/DateTo bound capture_timestamp; shorter prefixes of the
	// 14-char form are padded lexically by the string comparison.
	DateFrom string
	DateTo   string
	// ShowOnlyProcessable keeps pages the filter marked eligible for manual
	// processing.
	ShowOnlyProcessable bool
	// Cursor is the (created_at, id) keyset position of the last row of the
	// previous page; zero value starts from the beginning.
	CursorCreatedAt time.Time
	CursorID        uuid.UUID
	Limit           int
}

// ListScrapePages returns filtered pages in stable (created_at, id) order
// with keyset pagination.
func (s *Store) ListScrapePages(ctx context.Context, f ScrapePageFilter) ([]*model.ScrapePage, error) {
	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	query := `SELECT ` + scrapePageColumns + ` FROM scrape_pages WHERE project_id = $1`
	args := []any{f.ProjectID}
	n := 1
	add := func(clause string, v any) {
		n++
		query += fmt.Sprintf(" AND "+clause, n)
		args = append(args, v)
	}
	if f.TargetID != nil {
		add("target_id = $%d", *f.TargetID)
	}
	if f.SessionID != nil {
		add("session_id = $%d", *f.SessionID)
	}
	if len(f.Statuses) > 0 {
		placeholders := make([]string, len(f.Statuses))
		for i, st := range f.Statuses {
			n++
			placeholders[i] = fmt.Sprintf("$%d", n)
			args = append(args, st)
		}
		query += " AND status IN (" + strings.Join(placeholders, ", ") + ")"
	}
	if len(f.Categories) > 0 {
		placeholders := make([]string, len(f.Categories))
		for i, cat := range f.Categories {
			n++
			placeholders[i] = fmt.Sprintf("$%d", n)
			args = append(args, cat)
		}
		query += " AND filter_category IN (" + strings.Join(placeholders, ", ") + ")"
	}
	if f.IsManuallyOverridden != nil {
		add("is_manually_overridden = $%d", *f.IsManuallyOverridden)
	}
	if f.PriorityMin != nil {
		add("priority_score >= $%d", *f.PriorityMin)
	}
	if f.PriorityMax != nil {
		add("priority_score <= $%d", *f.PriorityMax)
	}
	if f.Search != "" {
		add("original_url ILIKE $%d", "%"+f.Search+"%")
	}
	if f.HasErrors != nil {
		if *f.HasErrors {
			query += " AND last_error <> ''"
		} else {
			query += " AND last_error = ''"
		}
	}
	if f.DateFrom != "" {
		add("capture_timestamp >= $%d", f.DateFrom)
	}
	if f.DateTo != "" {
		// Pad so a day-level bound includes that whole day.
		add("capture_timestamp <= $%d", f.DateTo+strings.Repeat("9", 14-len(f.DateTo)))
	}
	if f.ShowOnlyProcessable {
		query += " AND can_be_manually_processed AND NOT is_manually_overridden"
	}
	if !f.CursorCreatedAt.IsZero() {
		query += fmt.Sprintf(" AND (created_at, id) > ($%d, $%d)", n+1, n+2)
		args = append(args, f.CursorCreatedAt, f.CursorID)
		n += 2
	}
	query += fmt.Sprintf(" ORDER BY created_at, id LIMIT $%d", n+1)
	args = append(args, limit)

	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.ScrapePage
	for rows.Next() {
		p, err := scanScrapePage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// CountScrapePagesByStatus aggregates a project's pages per status.
func (s *Store) CountScrapePagesByStatus(ctx context.Context, projectID uuid.UUID) (map[model.PageStatus]int64, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT status, count(*) FROM scrape_pages WHERE project_id = $1 GROUP BY status`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[model.PageStatus]int64{}
	for rows.Next() {
		var status model.PageStatus
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		out[status] = count
	}
	return out, rows.Err()
}

// ClaimPendingPages atomically moves up to limit pending pages of a target
// to in_progress, highest priority first, FIFO within a priority. Skipped
// locks keep concurrent extract workers from claiming the same rows.
func (s *Store) ClaimPendingPages(ctx context.Context, targetID uuid.UUID, limit int) ([]*model.ScrapePage, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.DB.QueryContext(ctx, `
		UPDATE scrape_pages
		SET status = 'in_progress', updated_at = now()
		WHERE id IN (
			SELECT id FROM scrape_pages
			WHERE target_id = $1 AND status = 'pending'
			ORDER BY priority_score DESC, created_at
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+scrapePageColumns, targetID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.ScrapePage
	for rows.Next() {
		p, err := scanScrapePage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// CountSessionOpenPages counts a session's pages that still need extraction
// work. Zero means every page reached a terminal or manual status.
func (s *Store) CountSessionOpenPages(ctx context.Context, sessionID uuid.UUID) (int64, error) {
	var n int64
	err := s.DB.QueryRowContext(ctx, `
		SELECT count(*) FROM scrape_pages
		WHERE session_id = $1 AND status IN ('pending', 'in_progress')`, sessionID).Scan(&n)
	return n, err
}

// setLastErrorTx records the failure detail alongside a failed transition.
func setLastErrorTx(ctx context.Context, tx *sql.Tx, id uuid.UUID, lastError string) error {
	_, err := tx.ExecContext(ctx, `UPDATE scrape_pages SET last_error = $2 WHERE id = $1`, id, lastError)
	return err
}
