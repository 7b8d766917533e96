package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/keyforge/keyforge/internal/model"
)

const apiKeyColumns = `id, key_hash, key_prefix, label, is_active, expires_at, created_at, last_used`

// CreateAPIKey stores a new server key record. The caller hashes the raw key
// first; only the hash and a display prefix are persisted.
func (s *Store) CreateAPIKey(ctx context.Context, key *model.APIKey) error {
	key.CreatedAt = time.Now().UTC()

	const q = `INSERT INTO api_keys (key_hash, key_prefix, label, is_active, expires_at, created_at)
		VALUES (:key_hash, :key_prefix, :label, :is_active, :expires_at, :created_at)`
	if _, err := s.db.NamedExecContext(ctx, q, key); err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("insert api key: %w", err)
	}

	if err := s.db.GetContext(ctx, key, s.rebind(
		`SELECT `+apiKeyColumns+` FROM api_keys WHERE key_hash = ?`), key.KeyHash); err != nil {
		return fmt.Errorf("read created api key: %w", err)
	}
	return nil
}

// GetAPIKeyByHash looks up a server key by its SHA-256 hash.
func (s *Store) GetAPIKeyByHash(ctx context.Context, hash string) (*model.APIKey, error) {
	var key model.APIKey
	err := s.db.GetContext(ctx, &key, s.rebind(
		`SELECT `+apiKeyColumns+` FROM api_keys WHERE key_hash = ?`), hash)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get api key: %w", err)
	}
	return &key, nil
}

// ListAPIKeys returns all server keys, newest first.
func (s *Store) ListAPIKeys(ctx context.Context) ([]model.APIKey, error) {
	var keys []model.APIKey
	err := s.db.SelectContext(ctx, &keys,
		`SELECT `+apiKeyColumns+` FROM api_keys ORDER BY created_at DESC, id DESC`)
	if err != nil {
		return nil, fmt.Errorf("list api keys: %w", err)
	}
	return keys, nil
}

// TouchAPIKey updates the last-used timestamp. Best effort; auth does not
// fail if this write does.
func (s *Store) TouchAPIKey(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, s.rebind(
		`UPDATE api_keys SET last_used = ? WHERE id = ?`), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("touch api key: %w", err)
	}
	return nil
}

// SetAPIKeyActive enables or disables a server key.
func (s *Store) SetAPIKeyActive(ctx context.Context, id int64, active bool) error {
	result, err := s.db.ExecContext(ctx, s.rebind(
		`UPDATE api_keys SET is_active = ? WHERE id = ?`), active, id)
	if err != nil {
		return fmt.Errorf("update api key: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteAPIKey removes a server key.
func (s *Store) DeleteAPIKey(ctx context.Context, id int64) error {
	result, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM api_keys WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("delete api key: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
