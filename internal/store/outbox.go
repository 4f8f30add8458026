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

// enqueueIntentTx appends a dual-write intent inside the caller's
// transaction, so the intent commits atomically with the row change it
// mirrors. The payload and its hash come from the row's canonical jsonb
// form, which is what the consistency validator hashes on both sides.
func enqueueIntentTx(ctx context.Context, tx *sql.Tx, op model.IntentOp, table, primaryKey string) error {
	if op == model.IntentDelete {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO dual_write_intents (id, op, table_name, primary_key, payload, payload_hash, state)
			VALUES ($1, 'delete', $2, $3, '{}', '', 'pending')`,
			uuid.New(), table, primaryKey)
		return err
	}
	if !monitoredTable(table) {
		return fmt.Errorf("table %q is not monitored", table)
	}
	res, err := tx.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO dual_write_intents (id, op, table_name, primary_key, payload, payload_hash, state)
		SELECT $1, $2, $3, $4, to_jsonb(t), encode(digest(to_jsonb(t)::text, 'sha256'), 'hex'), 'pending'
		FROM %s t WHERE t.id = $4::uuid`, table),
		uuid.New(), op, table, primaryKey)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("intent source row %s/%s not found", table, primaryKey)
	}
	return nil
}

// EnqueueIntent appends a standalone dual-write intent from a raw jsonb
// payload. Used by the CDC bridge for rows that missed their transactional
// intent. The hash is computed over the canonical jsonb text.
func (s *Store) EnqueueIntent(ctx context.Context, op model.IntentOp, table, primaryKey string, payload json.RawMessage) error {
	if op == model.IntentDelete {
		_, err := s.DB.ExecContext(ctx, `
			INSERT INTO dual_write_intents (id, op, table_name, primary_key, payload, payload_hash, state)
			VALUES ($1, 'delete', $2, $3, '{}', '', 'pending')`,
			uuid.New(), table, primaryKey)
		return err
	}
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO dual_write_intents (id, op, table_name, primary_key, payload, payload_hash, state)
		VALUES ($1, $2, $3, $4, $5::jsonb, encode(digest($5::jsonb::text, 'sha256'), 'hex'), 'pending')`,
		uuid.New(), op, table, primaryKey, []byte(payload))
	return err
}

const intentColumns = `id, op, table_name, primary_key, payload, payload_hash,
	submitted_at, state, attempts, lease_until, last_error`

func scanIntent(row interface{ Scan(...any) error }) (*model.DualWriteIntent, error) {
	var in model.DualWriteIntent
	err := row.Scan(&in.ID, &in.Op, &in.Table, &in.PrimaryKey, &in.Payload, &in.PayloadHash,
		&in.SubmittedAt, &in.State, &in.Attempts, &in.LeaseUntil, &in.LastError)
	if err != nil {
		return nil, notFound(err)
	}
	return &in, nil
}

// ClaimIntents leases up to limit pending intents in submission order.
// Expired leases are reclaimed, so a crashed synchronizer's batch is
// re-delivered after the lease window.
func (s *Store) ClaimIntents(ctx context.Context, limit int, lease time.Duration) ([]*model.DualWriteIntent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.DB.QueryContext(ctx, `
		UPDATE dual_write_intents
		SET lease_until = now() + $2::interval, attempts = attempts + 1
		WHERE id IN (
			SELECT id FROM dual_write_intents
			WHERE state = 'pending' AND (lease_until IS NULL OR lease_until < now())
			ORDER BY submitted_at
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+intentColumns,
		limit, fmt.Sprintf("%d seconds", int(lease.Seconds())))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.DualWriteIntent
	for rows.Next() {
		in, err := scanIntent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, in)
	}
	return out, rows.Err()
}

// MarkIntentCommitted finalizes a successfully replicated intent.
func (s *Store) MarkIntentCommitted(ctx context.Context, id uuid.UUID) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE dual_write_intents SET state = 'committed', lease_until = NULL WHERE id = $1`, id)
	return err
}

// ReleaseIntent returns a failed intent to the pending pool with its error
// recorded; the next sweep retries it.
func (s *Store) ReleaseIntent(ctx context.Context, id uuid.UUID, lastError string) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE dual_write_intents SET lease_until = NULL, last_error = $2 WHERE id = $1`, id, lastError)
	return err
}

// FailIntent parks an intent that exhausted its retry budget and files a
// dead letter, atomically.
func (s *Store) FailIntent(ctx context.Context, in *model.DualWriteIntent, reasonCategory, lastError string) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		UPDATE dual_write_intents SET state = 'failed', lease_until = NULL, last_error = $2 WHERE id = $1`,
		in.ID, lastError); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO dead_letters (id, intent_id, reason_category, last_error, first_failed_at, attempts)
		VALUES ($1, $2, $3, $4, now(), $5)`,
		uuid.New(), in.ID, reasonCategory, lastError, in.Attempts); err != nil {
		return err
	}
	return tx.Commit()
}

// PendingIntentCount reports the outbox backlog.
func (s *Store) PendingIntentCount(ctx context.Context) (int64, error) {
	var n int64
	err := s.DB.QueryRowContext(ctx,
		`SELECT count(*) FROM dual_write_intents WHERE state = 'pending'`).Scan(&n)
	return n, err
}

// WaitIntentCommitted polls until the intent reaches a terminal state or
// the deadline passes. Strong consistency writes block on this.
func (s *Store) WaitIntentCommitted(ctx context.Context, table, primaryKey string, wait time.Duration) (bool, error) {
	deadline := time.Now().Add(wait)
	for {
		var state string
		err := s.DB.QueryRowContext(ctx, `
			SELECT state FROM dual_write_intents
			WHERE table_name = $1 AND primary_key = $2
			ORDER BY submitted_at DESC LIMIT 1`, table, primaryKey).Scan(&state)
		if err != nil && err != sql.ErrNoRows {
			return false, err
		}
		if state == string(model.IntentCommitted) {
			return true, nil
		}
		if state == string(model.IntentFailed) || time.Now().After(deadline) {
			return false, nil
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
}

// InsertJobDeadLetter files a dead letter for a job that exhausted retries.
func (s *Store) InsertJobDeadLetter(ctx context.Context, jobID uuid.UUID, reasonCategory, lastError string, attempts int) error {
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO dead_letters (id, job_id, reason_category, last_error, first_failed_at, attempts)
		VALUES ($1, $2, $3, $4, now(), $5)`,
		uuid.New(), jobID, reasonCategory, lastError, attempts)
	return err
}

// DeadLetterDepth reports the DLQ size; health degrades past a threshold.
func (s *Store) DeadLetterDepth(ctx context.Context) (int64, error) {
	var n int64
	err := s.DB.QueryRowContext(ctx, `SELECT count(*) FROM dead_letters`).Scan(&n)
	return n, err
}

// ListDeadLetters returns the most recent dead letters.
func (s *Store) ListDeadLetters(ctx context.Context, limit int) ([]*model.DeadLetter, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.DB.QueryContext(ctx, `
		SELECT id, intent_id, job_id, reason_category, last_error, first_failed_at, attempts
		FROM dead_letters ORDER BY first_failed_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.DeadLetter
	for rows.Next() {
		var dl model.DeadLetter
		if err := rows.Scan(&dl.ID, &dl.IntentID, &dl.JobID, &dl.ReasonCategory,
			&dl.LastError, &dl.FirstFailedAt, &dl.Attempts); err != nil {
			return nil, err
		}
		out = append(out, &dl)
	}
	return out, rows.Err()
}

// GetCheckpoint returns the CDC low-water mark for a table, or nil when
// the table has never been swept.
func (s *Store) GetCheckpoint(ctx context.Context, table string) (*model.CDCCheckpoint, error) {
	var cp model.CDCCheckpoint
	err := s.DB.QueryRowContext(ctx, `
		SELECT table_name, last_synced_at, updated_at FROM cdc_checkpoints WHERE table_name = $1`,
		table).Scan(&cp.TableName, &cp.LastSyncedAt, &cp.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &cp, nil
}

// SetCheckpoint advances the CDC low-water mark for a table.
func (s *Store) SetCheckpoint(ctx context.Context, table string, at time.Time) error {
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO cdc_checkpoints (table_name, last_synced_at, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (table_name) DO UPDATE SET last_synced_at = EXCLUDED.last_synced_at, updated_at = now()`,
		table, at)
	return err
}

// ChangedRow is the (primary key, updated_at) projection the CDC bridge
// reconciles against the analytical side.
type ChangedRow struct {
	PrimaryKey string
	UpdatedAt  time.Time
	Payload    json.RawMessage
}

// ChangedRowsSince returns rows of a monitored table whose updated_at is at
// or after since, oldest first, with their full JSON payload.
func (s *Store) ChangedRowsSince(ctx context.Context, table string, since time.Time, limit int) ([]ChangedRow, error) {
	if limit <= 0 {
		limit = 500
	}
	if !monitoredTable(table) {
		return nil, fmt.Errorf("table %q is not monitored", table)
	}
	rows, err := s.DB.QueryContext(ctx, fmt.Sprintf(`
		SELECT id::text, updated_at, to_jsonb(t) FROM %s t
		WHERE updated_at >= $1
		ORDER BY updated_at, id
		LIMIT $2`, table), since, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ChangedRow
	for rows.Next() {
		var cr ChangedRow
		if err := rows.Scan(&cr.PrimaryKey, &cr.UpdatedAt, &cr.Payload); err != nil {
			return nil, err
		}
		out = append(out, cr)
	}
	return out, rows.Err()
}

// CountRows reports the row count of a monitored table.
func (s *Store) CountRows(ctx context.Context, table string) (int64, error) {
	if !monitoredTable(table) {
		return 0, fmt.Errorf("table %q is not monitored", table)
	}
	var n int64
	err := s.DB.QueryRowContext(ctx, fmt.Sprintf(`SELECT count(*) FROM %s`, table)).Scan(&n)
	return n, err
}

// SampleRows returns up to limit recent rows of a monitored table with
// their JSON payload, for field-hash comparison by the validator.
func (s *Store) SampleRows(ctx context.Context, table string, limit int) ([]ChangedRow, error) {
	if limit <= 0 {
		limit = 100
	}
	if !monitoredTable(table) {
		return nil, fmt.Errorf("table %q is not monitored", table)
	}
	rows, err := s.DB.QueryContext(ctx, fmt.Sprintf(`
		SELECT id::text, updated_at, to_jsonb(t) FROM %s t
		ORDER BY updated_at DESC
		LIMIT $1`, table), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ChangedRow
	for rows.Next() {
		var cr ChangedRow
		if err := rows.Scan(&cr.PrimaryKey, &cr.UpdatedAt, &cr.Payload); err != nil {
			return nil, err
		}
		out = append(out, cr)
	}
	return out, rows.Err()
}

// RowPayload returns the canonical jsonb form of one monitored row.
func (s *Store) RowPayload(ctx context.Context, table, primaryKey string) (json.RawMessage, error) {
	if !monitoredTable(table) {
		return nil, fmt.Errorf("table %q is not monitored", table)
	}
	var payload json.RawMessage
	err := s.DB.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT to_jsonb(t) FROM %s t WHERE t.id = $1::uuid`, table), primaryKey).Scan(&payload)
	if err != nil {
		return nil, notFound(err)
	}
	return payload, nil
}

// SampleRowHashes returns canonical jsonb hashes for up to limit recent
// rows of a monitored table, keyed by primary key. The replica stores the
// same hash with each applied intent, so equal hashes mean equal rows.
func (s *Store) SampleRowHashes(ctx context.Context, table string, limit int) (map[string]string, error) {
	if limit <= 0 {
		limit = 100
	}
	if !monitoredTable(table) {
		return nil, fmt.Errorf("table %q is not monitored", table)
	}
	rows, err := s.DB.QueryContext(ctx, fmt.Sprintf(`
		SELECT id::text, encode(digest(to_jsonb(t)::text, 'sha256'), 'hex')
		FROM %s t
		ORDER BY updated_at DESC
		LIMIT $1`, table), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[string]string{}
	for rows.Next() {
		var key, hash string
		if err := rows.Scan(&key, &hash); err != nil {
			return nil, err
		}
		out[key] = hash
	}
	return out, rows.Err()
}

// MissingRows returns the subset of keys with no row in a monitored table.
// The validator feeds it live analytical keys to find zombies whose
// primary row was deleted without the delete replicating.
func (s *Store) MissingRows(ctx context.Context, table string, keys []string) ([]string, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	if !monitoredTable(table) {
		return nil, fmt.Errorf("table %q is not monitored", table)
	}
	rows, err := s.DB.QueryContext(ctx, fmt.Sprintf(`
		SELECT k FROM unnest($1::text[]) AS k
		WHERE NOT EXISTS (SELECT 1 FROM %s t WHERE t.id = k::uuid)`, table), keys)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, err
		}
		out = append(out, key)
	}
	return out, rows.Err()
}

// DanglingPageRefs returns completed scrape pages whose linked page row no
// longer exists.
func (s *Store) DanglingPageRefs(ctx context.Context, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.DB.QueryContext(ctx, `
		SELECT sp.id::text FROM scrape_pages sp
		WHERE sp.related_page_id IS NOT NULL
		  AND NOT EXISTS (SELECT 1 FROM pages p WHERE p.id = sp.related_page_id)
		LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, err
		}
		out = append(out, key)
	}
	return out, rows.Err()
}

// monitoredTable whitelists table names before they are interpolated into
// SQL; the monitored set is closed.
func monitoredTable(name string) bool {
	switch name {
	case "scrape_pages", "pages", "sessions":
		return true
	}
	return false
}
