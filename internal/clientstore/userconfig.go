package clientstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// UserConfig is the client's single-row identity and sync watermark.
type UserConfig struct {
	UserID           uuid.UUID
	ClientID         uuid.UUID
	ServerURL        string
	LastSyncSequence int64
}

// EnsureUserConfig is idempotent: it creates user_id and client_id on first
// call for serverURL, and returns the existing row on every later call.
func (s *Store) EnsureUserConfig(ctx context.Context, serverURL string) (*UserConfig, error) {
	cfg, err := s.GetUserConfig(ctx)
	if err == nil {
		return cfg, nil
	}

	cfg = &UserConfig{
		UserID:    uuid.New(),
		ClientID:  uuid.New(),
		ServerURL: serverURL,
	}
	_, err = s.execContext(ctx, `
		INSERT INTO user_config (id, user_id, client_id, server_url, last_sync_sequence)
		VALUES (1, ?, ?, ?, 0)`, cfg.UserID.String(), cfg.ClientID.String(), serverURL)
	if err != nil {
		return nil, fmt.Errorf("clientstore: create user config: %w", err)
	}
	return cfg, nil
}

// GetUserConfig reads the single user_config row.
func (s *Store) GetUserConfig(ctx context.Context) (*UserConfig, error) {
	var (
		userID, clientID, serverURL string
		lastSyncSequence            int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id, client_id, server_url, last_sync_sequence FROM user_config WHERE id = 1`).
		Scan(&userID, &clientID, &serverURL, &lastSyncSequence)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, sql.ErrNoRows
	}
	if err != nil {
		return nil, fmt.Errorf("clientstore: get user config: %w", err)
	}

	uid, err := uuid.Parse(userID)
	if err != nil {
		return nil, fmt.Errorf("clientstore: parse user_id: %w", err)
	}
	cid, err := uuid.Parse(clientID)
	if err != nil {
		return nil, fmt.Errorf("clientstore: parse client_id: %w", err)
	}
	return &UserConfig{UserID: uid, ClientID: cid, ServerURL: serverURL, LastSyncSequence: lastSyncSequence}, nil
}

// AdvanceSyncWatermark records the last sequence number successfully
// consumed from the server's change log, so reconnects resume from there.
func (s *Store) AdvanceSyncWatermark(ctx context.Context, sequence int64) error {
	_, err := s.execContext(ctx, `UPDATE user_config SET last_sync_sequence = ? WHERE id = 1`, sequence)
	if err != nil {
		return fmt.Errorf("clientstore: advance sync watermark: %w", err)
	}
	return nil
}
