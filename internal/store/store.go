package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("not found")

// ErrReplicationTimeout is returned by strong-consistency writes whose
// intent did not commit on the analytical side within the wait window. The
// operational write itself is durable and still replicates eventually.
var ErrReplicationTimeout = errors.New("replication not confirmed in time")

// Store wraps access to the operational database via a shared *sql.DB.
type Store struct {
	DB *sql.DB

	// SyncLevel gates write confirmation: under "strong", mutations block
	// until their intent commits on the analytical side, bounded by
	// SyncWait. Other levels return as soon as the operational commit lands.
	SyncLevel string
	SyncWait  time.Duration
}

// New creates a Store over a shared *sql.DB with pooling.
func New(database *sql.DB) *Store {
	return &Store{DB: database}
}

// Open dials the operational database.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	return New(db), nil
}

// confirmSync blocks strong-consistency writers on the analytical commit of
// the row's latest intent. A no-op under eventual and weak levels.
func (s *Store) confirmSync(ctx context.Context, table, primaryKey string) error {
	if s.SyncLevel != "strong" {
		return nil
	}
	committed, err := s.WaitIntentCommitted(ctx, table, primaryKey, s.SyncWait)
	if err != nil {
		return err
	}
	if !committed {
		return ErrReplicationTimeout
	}
	return nil
}

// hashAPIKey hashes a raw API key string using SHA-256 and returns a hex string.
func hashAPIKey(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// isUniqueViolation reports whether err is a Postgres unique constraint
// violation. Idempotent inserts treat these as already-done.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}
