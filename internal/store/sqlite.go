package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/relaybot/relaybot/internal/domain"
	"github.com/relaybot/relaybot/internal/shared"
)

// SQLiteStore implements ConversationStore using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite-backed conversation store.
func NewSQLite(dbPath string) (ConversationStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Open database with WAL mode for better concurrency.
	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
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
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS conversation_records (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		bot_id TEXT NOT NULL,
		contact TEXT NOT NULL,
		direction TEXT NOT NULL,
		body TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_records_session_contact
		ON conversation_records(tenant_id, bot_id, contact, created_at);
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

// Append persists a single conversation record. Concurrent pollers for
// different sessions share one writer, so busy errors are retried.
func (s *SQLiteStore) Append(ctx context.Context, rec *domain.ConversationRecord) error {
	if err := rec.Validate(); err != nil {
		return fmt.Errorf("validate record: %w", err)
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}

	query := `
	INSERT INTO conversation_records (id, tenant_id, bot_id, contact, direction, body, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?)`

	err := shared.RetryOnConflict(ctx, 3, 100*time.Millisecond, func() error {
		_, execErr := s.db.ExecContext(ctx, query,
			rec.ID, rec.TenantID, rec.BotID, rec.Contact,
			string(rec.Direction), rec.Text, rec.Timestamp.Unix(),
		)
		return execErr
	})
	if err != nil {
		return fmt.Errorf("append conversation record: %w", err)
	}
	return nil
}

// RecentByContact returns the last limit records for a contact, oldest first.
func (s *SQLiteStore) RecentByContact(ctx context.Context, key domain.SessionKey, contact string, limit int) ([]*domain.ConversationRecord, error) {
	if limit <= 0 {
		return nil, nil
	}

	query := `
		SELECT id, tenant_id, bot_id, contact, direction, body, created_at
		FROM conversation_records
		WHERE tenant_id = ? AND bot_id = ? AND contact = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?`

	rows, err := s.db.QueryContext(ctx, query, key.TenantID, key.BotID, contact, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent records: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close recent records rows", "error", closeErr)
		}
	}()

	var recs []*domain.ConversationRecord
	for rows.Next() {
		var rec domain.ConversationRecord
		var direction string
		var createdAt int64

		if err := rows.Scan(
			&rec.ID, &rec.TenantID, &rec.BotID, &rec.Contact,
			&direction, &rec.Text, &createdAt,
		); err != nil {
			return nil, fmt.Errorf("scan record row: %w", err)
		}

		rec.Direction = domain.Direction(direction)
		rec.Timestamp = time.Unix(createdAt, 0)
		recs = append(recs, &rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate recent records: %w", err)
	}

	// Query returns newest first; callers want chronological order.
	for i, j := 0, len(recs)-1; i < j; i, j = i+1, j-1 {
		recs[i], recs[j] = recs[j], recs[i]
	}

	return recs, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}
