package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"hindsight/internal/model"
)

// indexEventForPage builds the search-index upsert event for a materialized
// page. Consumers deduplicate on (page_id, content_digest).
func indexEventForPage(p *model.Page) model.IndexEvent {
	return model.IndexEvent{
		Op:                model.IndexUpsert,
		PageID:            p.ID,
		TargetRef:         p.TargetID,
		OriginalURL:       p.OriginalURL,
		ContentDigest:     p.ContentDigest,
		Title:             p.ExtractedTitle,
		Text:              p.ExtractedText,
		Metadata:          p.Metadata,
		QualityScore:      p.QualityScore,
		LastSeenTimestamp: p.LastSeenTimestamp,
	}
}

// appendIndexEventTx files a search-index event in the caller's transaction,
// so an event exists exactly when the page write it describes committed.
func appendIndexEventTx(ctx context.Context, tx *sql.Tx, ev model.IndexEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode index event: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO index_events (id, op, page_id, payload)
		VALUES ($1, $2, $3, $4)`,
		uuid.New(), ev.Op, ev.PageID, payload)
	return err
}

// IndexOutboxEntry is one undelivered search-index event.
type IndexOutboxEntry struct {
	ID        uuid.UUID        `json:"id"`
	Event     model.IndexEvent `json:"event"`
	CreatedAt time.Time        `json:"created_at"`
}

// PendingIndexEvents returns undelivered index events, oldest first. The
// search indexer pulls these and acknowledges each one; delivery is
// at-least-once.
func (s *Store) PendingIndexEvents(ctx context.Context, limit int) ([]IndexOutboxEntry, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := s.DB.QueryContext(ctx, `
		SELECT id, payload, created_at FROM index_events
		WHERE published_at IS NULL
		ORDER BY created_at, id LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []IndexOutboxEntry
	for rows.Next() {
		var e IndexOutboxEntry
		var payload []byte
		if err := rows.Scan(&e.ID, &payload, &e.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(payload, &e.Event); err != nil {
			return nil, fmt.Errorf("decode index event %s: %w", e.ID, err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// MarkIndexEventPublished acknowledges delivery of one pulled event.
func (s *Store) MarkIndexEventPublished(ctx context.Context, id uuid.UUID) error {
	res, err := s.DB.ExecContext(ctx, `
		UPDATE index_events SET published_at = now()
		WHERE id = $1 AND published_at IS NULL`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// PendingIndexEventCount reports the index outbox backlog.
func (s *Store) PendingIndexEventCount(ctx context.Context) (int64, error) {
	var n int64
	err := s.DB.QueryRowContext(ctx,
		`SELECT count(*) FROM index_events WHERE published_at IS NULL`).Scan(&n)
	return n, err
}
