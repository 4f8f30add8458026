package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
)

// APIKey is a stored API key record; the raw key is never persisted.
type APIKey struct {
	ID         uuid.UUID
	KeyHash    string
	Name       string
	Disabled   bool
	CreatedAt  time.Time
	LastUsedAt *time.Time
}

// GetAPIKeyByRawKey looks up an API key by its raw value and bumps
// last_used_at.
func (s *Store) GetAPIKeyByRawKey(ctx context.Context, rawKey string) (*APIKey, error) {
	hash := hashAPIKey(rawKey)
	var k APIKey
	err := s.DB.QueryRowContext(ctx, `
		UPDATE api_keys SET last_used_at = now()
		WHERE key_hash = $1 AND NOT disabled
		RETURNING id, key_hash, name, disabled, created_at, last_used_at`,
		hash).Scan(&k.ID, &k.KeyHash, &k.Name, &k.Disabled, &k.CreatedAt, &k.LastUsedAt)
	if err != nil {
		return nil, notFound(err)
	}
	return &k, nil
}

// EnsureAdminAPIKey makes sure the configured bootstrap key exists. Used at
// startup so a fresh deployment is reachable.
func (s *Store) EnsureAdminAPIKey(ctx context.Context, rawKey, name string) (*APIKey, error) {
	hash := hashAPIKey(rawKey)
	var k APIKey
	err := s.DB.QueryRowContext(ctx, `
		SELECT id, key_hash, name, disabled, created_at, last_used_at
		FROM api_keys WHERE key_hash = $1`, hash).
		Scan(&k.ID, &k.KeyHash, &k.Name, &k.Disabled, &k.CreatedAt, &k.LastUsedAt)
	if err == nil {
		return &k, nil
	}
	if err != sql.ErrNoRows {
		return nil, err
	}
	err = s.DB.QueryRowContext(ctx, `
		INSERT INTO api_keys (id, key_hash, name)
		VALUES ($1, $2, $3)
		RETURNING id, key_hash, name, disabled, created_at, last_used_at`,
		uuid.New(), hash, name).
		Scan(&k.ID, &k.KeyHash, &k.Name, &k.Disabled, &k.CreatedAt, &k.LastUsedAt)
	if err != nil {
		return nil, err
	}
	return &k, nil
}

// CreateRandomAPIKey mints a new key with the hs_ prefix and returns the
// raw value exactly once, plus the stored record.
func (s *Store) CreateRandomAPIKey(ctx context.Context, name string) (string, *APIKey, error) {
	raw := "hs_" + uuid.New().String()
	hash := hashAPIKey(raw)
	var k APIKey
	err := s.DB.QueryRowContext(ctx, `
		INSERT INTO api_keys (id, key_hash, name)
		VALUES ($1, $2, $3)
		RETURNING id, key_hash, name, disabled, created_at, last_used_at`,
		uuid.New(), hash, name).
		Scan(&k.ID, &k.KeyHash, &k.Name, &k.Disabled, &k.CreatedAt, &k.LastUsedAt)
	if err != nil {
		return "", nil, err
	}
	return raw, &k, nil
}
