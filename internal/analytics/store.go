package analytics

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"hindsight/internal/model"
)

// Store writes replicated rows to the analytical database. Rows live in a
// single denormalized table keyed by (source table, primary key); deletes
// are tombstones so the validator can tell "deleted" from "never arrived".
type Store struct {
	DB *sql.DB
}

// New wraps an existing analytical DB handle.
func New(db *sql.DB) *Store {
	return &Store{DB: db}
}

// Open dials the analytical database.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open analytics db: %w", err)
	}
	return New(db), nil
}

// Apply replicates one intent. Conflicts resolve by submission time: an
// intent older than the stored row is a stale retry and is skipped. Equal
// payload hashes short-circuit as no-ops either way.
func (s *Store) Apply(ctx context.Context, in *model.DualWriteIntent) error {
	switch in.Op {
	case model.IntentDelete:
		_, err := s.DB.ExecContext(ctx, `
			INSERT INTO analytics_rows (table_name, primary_key, payload, payload_hash, submitted_at, deleted)
			VALUES ($1, $2, '{}', '', $3, TRUE)
			ON CONFLICT (table_name, primary_key) DO UPDATE SET
				deleted = TRUE, synced_at = now(), submitted_at = EXCLUDED.submitted_at
			WHERE analytics_rows.submitted_at <= EXCLUDED.submitted_at`,
			in.Table, in.PrimaryKey, in.SubmittedAt)
		return err
	case model.IntentCreate, model.IntentUpdate:
		_, err := s.DB.ExecContext(ctx, `
			INSERT INTO analytics_rows (table_name, primary_key, payload, payload_hash, submitted_at)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (table_name, primary_key) DO UPDATE SET
				payload = EXCLUDED.payload,
				payload_hash = EXCLUDED.payload_hash,
				submitted_at = EXCLUDED.submitted_at,
				deleted = FALSE,
				synced_at = now()
			WHERE analytics_rows.submitted_at <= EXCLUDED.submitted_at
			  AND analytics_rows.payload_hash <> EXCLUDED.payload_hash`,
			in.Table, in.PrimaryKey, in.Payload, in.PayloadHash, in.SubmittedAt)
		return err
	default:
		return fmt.Errorf("unknown intent op %q", in.Op)
	}
}

// Row is one replicated analytical row.
type Row struct {
	TableName   string
	PrimaryKey  string
	Payload     json.RawMessage
	PayloadHash string
	SubmittedAt time.Time
	SyncedAt    time.Time
	Deleted     bool
}

// GetRow fetches one replica row, or nil when it never arrived.
func (s *Store) GetRow(ctx context.Context, table, primaryKey string) (*Row, error) {
	var r Row
	err := s.DB.QueryRowContext(ctx, `
		SELECT table_name, primary_key, payload, payload_hash, submitted_at, synced_at, deleted
		FROM analytics_rows WHERE table_name = $1 AND primary_key = $2`,
		table, primaryKey).
		Scan(&r.TableName, &r.PrimaryKey, &r.Payload, &r.PayloadHash, &r.SubmittedAt, &r.SyncedAt, &r.Deleted)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// CountRows reports live (non-tombstoned) replica rows for a source table.
func (s *Store) CountRows(ctx context.Context, table string) (int64, error) {
	var n int64
	err := s.DB.QueryRowContext(ctx, `
		SELECT count(*) FROM analytics_rows WHERE table_name = $1 AND NOT deleted`, table).Scan(&n)
	return n, err
}

// HashesFor returns payload hashes for a set of primary keys, for sampled
// field comparison by the consistency validator.
func (s *Store) HashesFor(ctx context.Context, table string, keys []string) (map[string]string, error) {
	out := make(map[string]string, len(keys))
	if len(keys) == 0 {
		return out, nil
	}
	rows, err := s.DB.QueryContext(ctx, `
		SELECT primary_key, payload_hash FROM analytics_rows
		WHERE table_name = $1 AND primary_key = ANY($2) AND NOT deleted`,
		table, keys)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var key, hash string
		if err := rows.Scan(&key, &hash); err != nil {
			return nil, err
		}
		out[key] = hash
	}
	return out, rows.Err()
}

// SampleLiveKeys returns up to limit recently synced live primary keys for
// a source table. The validator checks these against the primary to find
// rows that should have been tombstoned.
func (s *Store) SampleLiveKeys(ctx context.Context, table string, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.DB.QueryContext(ctx, `
		SELECT primary_key FROM analytics_rows
		WHERE table_name = $1 AND NOT deleted
		ORDER BY synced_at DESC LIMIT $2`, table, limit)
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

// Ping verifies the analytical side is reachable; used by deep health
// checks.
func (s *Store) Ping(ctx context.Context) error {
	return s.DB.PingContext(ctx)
}
