package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/ashureev/replyhelper/internal/domain"
	"github.com/ashureev/replyhelper/internal/shared"
	_ "modernc.org/sqlite"
)

const (
	saveRetryAttempts = 3
	saveRetryDelay    = 100 * time.Millisecond
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (Repository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Pragmas are applied by the driver to every pooled connection.
	dsn := dbPath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS conversation_state (
		state_key TEXT PRIMARY KEY,
		did_welcome INTEGER NOT NULL DEFAULT 0,
		name TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_conversation_state_updated ON conversation_state(updated_at);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// GetConversationState retrieves state by key.
func (s *SQLiteStore) GetConversationState(ctx context.Context, key string) (*domain.ConversationState, error) {
	query := `
		SELECT state_key, did_welcome, name, created_at, updated_at
		FROM conversation_state WHERE state_key = ?`

	row := s.db.QueryRowContext(ctx, query, key)

	var state domain.ConversationState
	var createdAt, updatedAt int64

	err := row.Scan(
		&state.Key, &state.Welcome.DidBotWelcomeUser, &state.Profile.Name,
		&createdAt, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan conversation state: %w", err)
	}

	state.CreatedAt = time.Unix(createdAt, 0)
	state.UpdatedAt = time.Unix(updatedAt, 0)
	return &state, nil
}

// SaveConversationState creates or updates state.
// MAX() keeps the greeted flag monotone even if an older copy is saved last.
func (s *SQLiteStore) SaveConversationState(ctx context.Context, state *domain.ConversationState) error {
	query := `
		INSERT INTO conversation_state (state_key, did_welcome, name, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(state_key) DO UPDATE SET
			did_welcome = MAX(conversation_state.did_welcome, excluded.did_welcome),
			name = excluded.name,
			updated_at = excluded.updated_at`

	createdAt := state.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	err := shared.RetryOnConflict(ctx, saveRetryAttempts, saveRetryDelay, "save_conversation_state", func() error {
		_, err := s.db.ExecContext(ctx, query,
			state.Key, state.Welcome.DidBotWelcomeUser, state.Profile.Name,
			createdAt.Unix(), time.Now().Unix(),
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("upsert conversation state: %w", err)
	}
	return nil
}

// DeleteConversationState removes state by key.
func (s *SQLiteStore) DeleteConversationState(ctx context.Context, key string) error {
	err := shared.RetryOnConflict(ctx, saveRetryAttempts, saveRetryDelay, "delete_conversation_state", func() error {
		_, err := s.db.ExecContext(ctx, `DELETE FROM conversation_state WHERE state_key = ?`, key)
		return err
	})
	if err != nil {
		return fmt.Errorf("delete conversation state: %w", err)
	}
	return nil
}

// CleanupExpiredState removes state older than ttl.
func (s *SQLiteStore) CleanupExpiredState(ctx context.Context, ttl time.Duration) (int64, error) {
	threshold := time.Now().Add(-ttl).Unix()
	result, err := s.db.ExecContext(ctx, `DELETE FROM conversation_state WHERE updated_at < ?`, threshold)
	if err != nil {
		return 0, fmt.Errorf("cleanup expired state: %w", err)
	}
	return result.RowsAffected()
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}
