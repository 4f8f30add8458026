package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/google/uuid"

	"hindsight/internal/model"
)

const pageColumns = `id, target_id, project_id, original_url, first_seen_timestamp,
	last_seen_timestamp, content_digest, extracted_title, extracted_text,
	extracted_markdown, language, word_count, char_count, extraction_method,
	extraction_confidence, quality_score, metadata, created_at, updated_at`

func scanPage(row interface{ Scan(...any) error }) (*model.Page, error) {
	var p model.Page
	var meta []byte
	err := row.Scan(&p.ID, &p.TargetID, &p.ProjectID, &p.OriginalURL, &p.FirstSeenTimestamp,
		&p.LastSeenTimestamp, &p.ContentDigest, &p.ExtractedTitle, &p.ExtractedText,
		&p.ExtractedMarkdown, &p.Language, &p.WordCount, &p.CharCount, &p.ExtractionMethod,
		&p.ExtractionConfidence, &p.QualityScore, &meta, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &p.Metadata); err != nil {
			return nil, fmt.Errorf("decode page metadata: %w", err)
		}
	}
	return &p, nil
}

// UpsertPage materializes extracted content. Pages are unique per
// (target, content digest): a re-extraction of known content only widens
// the seen-timestamp window. The dual-write intent commits with the row.
func (s *Store) UpsertPage(ctx context.Context, p *model.Page) (*model.Page, error) {
	meta, err := json.Marshal(p.Metadata)
	if err != nil {
		return nil, fmt.Errorf("encode page metadata: %w", err)
	}
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `
		INSERT INTO pages (id, target_id, project_id, original_url, first_seen_timestamp,
			last_seen_timestamp, content_digest, extracted_title, extracted_text,
			extracted_markdown, language, word_count, char_count, extraction_method,
			extraction_confidence, quality_score, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
		ON CONFLICT (target_id, content_digest) DO UPDATE SET
			first_seen_timestamp = LEAST(pages.first_seen_timestamp, EXCLUDED.first_seen_timestamp),
			last_seen_timestamp  = GREATEST(pages.last_seen_timestamp, EXCLUDED.last_seen_timestamp),
			updated_at = now()
		RETURNING `+pageColumns+`, (xmax = 0) AS inserted`,
		p.ID, p.TargetID, p.ProjectID, p.OriginalURL, p.FirstSeenTimestamp,
		p.LastSeenTimestamp, p.ContentDigest, p.ExtractedTitle, p.ExtractedText,
		p.ExtractedMarkdown, p.Language, p.WordCount, p.CharCount, p.ExtractionMethod,
		p.ExtractionConfidence, p.QualityScore, meta)

	var stored model.Page
	var storedMeta []byte
	var inserted bool
	if err := row.Scan(&stored.ID, &stored.TargetID, &stored.ProjectID, &stored.OriginalURL,
		&stored.FirstSeenTimestamp, &stored.LastSeenTimestamp, &stored.ContentDigest,
		&stored.ExtractedTitle, &stored.ExtractedText, &stored.ExtractedMarkdown,
		&stored.Language, &stored.WordCount, &stored.CharCount, &stored.ExtractionMethod,
		&stored.ExtractionConfidence, &stored.QualityScore, &storedMeta,
		&stored.CreatedAt, &stored.UpdatedAt, &inserted); err != nil {
		return nil, err
	}
	if len(storedMeta) > 0 {
		if err := json.Unmarshal(storedMeta, &stored.Metadata); err != nil {
			return nil, fmt.Errorf("decode page metadata: %w", err)
		}
	}

	op := model.IntentUpdate
	if inserted {
		op = model.IntentCreate
	}
	if err := enqueueIntentTx(ctx, tx, op, "pages", stored.ID.String()); err != nil {
		return nil, err
	}
	if err := appendIndexEventTx(ctx, tx, indexEventForPage(&stored)); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &stored, s.confirmSync(ctx, "pages", stored.ID.String())
}

// GetPage fetches one page by id.
func (s *Store) GetPage(ctx context.Context, id uuid.UUID) (*model.Page, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+pageColumns+` FROM pages WHERE id = $1`, id)
	return scanPage(row)
}

// FindPageByDigest returns the page with the given content digest within a
// project, or nil when the content is new.
func (s *Store) FindPageByDigest(ctx context.Context, projectID uuid.UUID, digest string) (*model.Page, error) {
	row := s.DB.QueryRowContext(ctx, `
		SELECT `+pageColumns+` FROM pages
		WHERE project_id = $1 AND content_digest = $2
		ORDER BY created_at LIMIT 1`, projectID, digest)
	p, err := scanPage(row)
	if err == ErrNotFound {
		return nil, nil
	}
	return p, err
}

// ListPages returns a project's materialized pages, newest first.
func (s *Store) ListPages(ctx context.Context, projectID uuid.UUID, limit, offset int) ([]*model.Page, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := s.DB.QueryContext(ctx, `
		SELECT `+pageColumns+` FROM pages
		WHERE project_id = $1 ORDER BY updated_at DESC LIMIT $2 OFFSET $3`,
		projectID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.Page
	for rows.Next() {
		p, err := scanPage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// RecentSimhashes returns the simhash values of a project's most recently
// updated pages. Pages without a recorded simhash are skipped.
func (s *Store) RecentSimhashes(ctx context.Context, projectID uuid.UUID, limit int) ([]uint64, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := s.DB.QueryContext(ctx, `
		SELECT metadata->>'simhash' FROM pages
		WHERE project_id = $1 AND metadata ? 'simhash'
		ORDER BY updated_at DESC LIMIT $2`, projectID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []uint64
	for rows.Next() {
		var raw sql.NullString
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		if !raw.Valid {
			continue
		}
		h, err := strconv.ParseUint(raw.String, 10, 64)
		if err != nil {
			continue
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

// DeletePage removes a page and emits a delete intent so the analytical
// side tombstones its replica row.
func (s *Store) DeletePage(ctx context.Context, id uuid.UUID) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `DELETE FROM pages WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	if err := enqueueIntentTx(ctx, tx, model.IntentDelete, "pages", id.String()); err != nil {
		return err
	}
	if err := appendIndexEventTx(ctx, tx, model.IndexEvent{Op: model.IndexDelete, PageID: id}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	return s.confirmSync(ctx, "pages", id.String())
}
