package serverstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/replicant-sync/replicant/internal/replerr"
)

// CreateUser inserts a new user row for email and returns its id.
func (s *Store) CreateUser(ctx context.Context, email string) (uuid.UUID, error) {
	id := uuid.New()
	_, err := s.db.ExecContext(ctx, `INSERT INTO users (id, email) VALUES ($1, $2)`, id, email)
	if err != nil {
		return uuid.Nil, fmt.Errorf("serverstore: create user: %w", err)
	}
	return id, nil
}

// GetUserByEmail returns the user id for email, or replerr.NotFound.
func (s *Store) GetUserByEmail(ctx context.Context, email string) (uuid.UUID, error) {
	var id uuid.UUID
	err := s.db.QueryRowContext(ctx, `SELECT id FROM users WHERE email = $1`, email).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return uuid.Nil, replerr.NotFound
	}
	if err != nil {
		return uuid.Nil, fmt.Errorf("serverstore: get user by email: %w", err)
	}
	return id, nil
}

// EnsureUser upserts a user by email, returning the existing id if present,
// used by the authentication handshake which upserts the user on first
// successful auth.
func (s *Store) EnsureUser(ctx context.Context, email string) (uuid.UUID, error) {
	id, err := s.GetUserByEmail(ctx, email)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, replerr.NotFound) {
		return uuid.Nil, err
	}
	return s.CreateUser(ctx, email)
}
