package matrix

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/id"
)

// dbSyncStore implements mautrix.SyncStore backed by SQLite so the sync
// token survives restarts. Rows live in the matrix_sync_state table keyed
// by (user_id, key).
type dbSyncStore struct {
	db *sql.DB
}

var _ mautrix.SyncStore = (*dbSyncStore)(nil)

func newDBSyncStore(db *sql.DB) *dbSyncStore {
	return &dbSyncStore{db: db}
}

func (s *dbSyncStore) get(ctx context.Context, userID id.UserID, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM matrix_sync_state WHERE user_id = ? AND key = ?`,
		userID.String(), key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return value, err
}

func (s *dbSyncStore) set(ctx context.Context, userID id.UserID, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO matrix_sync_state (user_id, key, value) VALUES (?, ?, ?)
		 ON CONFLICT(user_id, key) DO UPDATE SET value = excluded.value`,
		userID.String(), key, value)
	return err
}

// SaveFilterID stores the filter ID assigned by the homeserver.
func (s *dbSyncStore) SaveFilterID(ctx context.Context, userID id.UserID, filterID string) error {
	if err := s.set(ctx, userID, "filter_id", filterID); err != nil {
		return fmt.Errorf("failed to save filter ID: %w", err)
	}
	return nil
}

// LoadFilterID retrieves the stored filter ID, or "" if none exists.
func (s *dbSyncStore) LoadFilterID(ctx context.Context, userID id.UserID) (string, error) {
	value, err := s.get(ctx, userID, "filter_id")
	if err != nil {
		return "", fmt.Errorf("failed to load filter ID: %w", err)
	}
	return value, nil
}

// SaveNextBatch stores the sync token returned by the last /sync response.
func (s *dbSyncStore) SaveNextBatch(ctx context.Context, userID id.UserID, nextBatchToken string) error {
	if err := s.set(ctx, userID, "next_batch", nextBatchToken); err != nil {
		return fmt.Errorf("failed to save next batch token: %w", err)
	}
	return nil
}

// LoadNextBatch retrieves the stored sync token, or "" for a fresh sync.
func (s *dbSyncStore) LoadNextBatch(ctx context.Context, userID id.UserID) (string, error) {
	value, err := s.get(ctx, userID, "next_batch")
	if err != nil {
		return "", fmt.Errorf("failed to load next batch token: %w", err)
	}
	return value, nil
}
