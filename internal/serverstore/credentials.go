package serverstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/replicant-sync/replicant/internal/replerr"
)

// Credential is an issued api_key/secret pair used for the HMAC auth
// handshake. Secret is never sent back over the wire after issuance.
type Credential struct {
	APIKey     string
	Secret     string
	Name       string
	IsActive   bool
	LastUsedAt *time.Time
}

// InsertCredential stores a newly issued api_key/secret pair.
func (s *Store) InsertCredential(ctx context.Context, apiKey, secret, name string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO credentials (api_key, secret, name, is_active) VALUES ($1, $2, $3, TRUE)`,
		apiKey, secret, name)
	if err != nil {
		return fmt.Errorf("serverstore: insert credential: %w", err)
	}
	return nil
}

// LookupCredential returns the secret and active flag for apiKey, or
// replerr.InvalidAuth if no such key exists.
func (s *Store) LookupCredential(ctx context.Context, apiKey string) (secret string, active bool, err error) {
	err = s.db.QueryRowContext(ctx, `
		SELECT secret, is_active FROM credentials WHERE api_key = $1`, apiKey).Scan(&secret, &active)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, replerr.InvalidAuth
	}
	if err != nil {
		return "", false, fmt.Errorf("serverstore: lookup credential: %w", err)
	}
	return secret, active, nil
}

// TouchCredential updates last_used_at to now, called on every successful
// authentication.
func (s *Store) TouchCredential(ctx context.Context, apiKey string, now time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE credentials SET last_used_at = $1 WHERE api_key = $2`, now, apiKey)
	if err != nil {
		return fmt.Errorf("serverstore: touch credential: %w", err)
	}
	return nil
}
