// Copyright 2025 The NLP Odyssey Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package history

import (
	"cmp"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore is a SQLite-based implementation of transcript Store.
//
// By default it uses an in-memory database that is lost when the process
// ends. For persistent storage, provide a file path.
type SQLiteStore struct {
	sessionID     string
	dbDSN         string
	sessionsTable string
	itemsTable    string
	db            *sql.DB
	mu            sync.Mutex
}

type SQLiteStoreParams struct {
	// Unique identifier for the conversation session.
	// Defaults to a random UUID.
	SessionID string

	// Optional database data source name.
	// Defaults to "file::memory:?cache=shared" (in-memory database).
	DBDataSourceName string

	// Optional name of the table to store session metadata.
	// Defaults to "voice_sessions".
	SessionsTable string

	// Optional name of the table to store transcript items.
	// Defaults to "voice_transcript_items".
	ItemsTable string
}

// NewSQLiteStore initializes the SQLite transcript store.
func NewSQLiteStore(ctx context.Context, params SQLiteStoreParams) (_ *SQLiteStore, err error) {
	s := &SQLiteStore{
		sessionID:     cmp.Or(params.SessionID, uuid.NewString()),
		dbDSN:         cmp.Or(params.DBDataSourceName, "file::memory:?cache=shared"),
		sessionsTable: cmp.Or(params.SessionsTable, "voice_sessions"),
		itemsTable:    cmp.Or(params.ItemsTable, "voice_transcript_items"),
	}

	defer func() {
		if err != nil {
			if e := s.Close(); e != nil {
				err = errors.Join(err, e)
			}
		}
	}()

	s.db, err = sql.Open("sqlite3", s.dbDSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite3 database: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `PRAGMA journal_mode=WAL`)
	if err != nil {
		return nil, fmt.Errorf("failed to set journal mode: %w", err)
	}

	if err = s.initDB(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) SessionID(context.Context) string {
	return s.sessionID
}

func (s *SQLiteStore) GetItems(ctx context.Context, limit int) (_ []TranscriptItem, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var rows *sql.Rows
	if limit <= 0 {
		rows, err = s.db.QueryContext(ctx, fmt.Sprintf(`
			SELECT item_data FROM "%s"
			WHERE session_id = ?
			ORDER BY created_at ASC, id ASC
		`, s.itemsTable), s.sessionID)
	} else {
		rows, err = s.db.QueryContext(ctx, fmt.Sprintf(`
			SELECT item_data FROM "%s"
			WHERE session_id = ?
			ORDER BY created_at DESC, id DESC
			LIMIT ?
		`, s.itemsTable), s.sessionID, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("error querying transcript items: %w", err)
	}
	defer func() {
		if e := rows.Close(); e != nil {
			err = errors.Join(err, fmt.Errorf("error closing sql.Rows: %w", e))
		}
	}()

	var items []TranscriptItem
	for rows.Next() {
		var itemData string
		if err = rows.Scan(&itemData); err != nil {
			return nil, fmt.Errorf("sql rows scan error: %w", err)
		}

		var item TranscriptItem
		if err := json.Unmarshal([]byte(itemData), &item); err != nil {
			continue // Skip invalid JSON entries
		}
		items = append(items, item)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("sql rows scan error: %w", err)
	}

	// Reverse to get chronological order when using DESC
	if limit > 0 {
		slices.Reverse(items)
	}
	return items, nil
}

func (s *SQLiteStore) AddItems(ctx context.Context, items []TranscriptItem) error {
	if len(items) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Ensure session exists
	_, err := s.db.ExecContext(
		ctx,
		fmt.Sprintf(`INSERT OR IGNORE INTO "%s" (session_id) VALUES (?)`, s.sessionsTable),
		s.sessionID,
	)
	if err != nil {
		return err
	}

	for _, item := range items {
		jsonItem, err := json.Marshal(item)
		if err != nil {
			return fmt.Errorf("error JSON marshaling item: %w", err)
		}
		_, err = s.db.ExecContext(
			ctx,
			fmt.Sprintf(`INSERT INTO "%s" (session_id, item_data) VALUES (?, ?)`, s.itemsTable),
			s.sessionID, string(jsonItem),
		)
		if err != nil {
			return fmt.Errorf("error inserting transcript item: %w", err)
		}
	}

	_, err = s.db.ExecContext(
		ctx,
		fmt.Sprintf(`UPDATE "%s" SET updated_at = CURRENT_TIMESTAMP WHERE session_id = ?`, s.sessionsTable),
		s.sessionID,
	)
	if err != nil {
		return fmt.Errorf("error updating session timestamp: %w", err)
	}
	return nil
}

func (s *SQLiteStore) PopItem(ctx context.Context) (*TranscriptItem, error) {
	var itemData string
	err := s.db.QueryRowContext(
		ctx,
		// DELETE with RETURNING atomically deletes and returns the most recent item
		fmt.Sprintf(`
			DELETE FROM "%s"
			WHERE id = (
				SELECT id FROM "%s"
				WHERE session_id = ?
				ORDER BY created_at DESC, id DESC
				LIMIT 1
			)
			RETURNING item_data
		`, s.itemsTable, s.itemsTable),
		s.sessionID,
	).Scan(&itemData)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var item TranscriptItem
	if err := json.Unmarshal([]byte(itemData), &item); err != nil {
		return nil, nil // Corrupted entry, already deleted
	}
	return &item, nil
}

func (s *SQLiteStore) ClearSession(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(
		ctx,
		fmt.Sprintf(`DELETE FROM "%s" WHERE session_id = ?`, s.itemsTable),
		s.sessionID,
	)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(
		ctx,
		fmt.Sprintf(`DELETE FROM "%s" WHERE session_id = ?`, s.sessionsTable),
		s.sessionID,
	)
	return err
}

func (s *SQLiteStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Initialize the database schema.
func (s *SQLiteStore) initDB(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS "%s" (
			session_id TEXT PRIMARY KEY,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)
	`, s.sessionsTable))
	if err != nil {
		return fmt.Errorf("error creating sessions table: %w", err)
	}

	_, err = s.db.ExecContext(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS "%s" (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL,
			item_data TEXT NOT NULL,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			FOREIGN KEY (session_id) REFERENCES "%s" (session_id) ON DELETE CASCADE
		)
	`, s.itemsTable, s.sessionsTable))
	if err != nil {
		return fmt.Errorf("error creating transcript items table: %w", err)
	}

	_, err = s.db.ExecContext(ctx, fmt.Sprintf(`
		CREATE INDEX IF NOT EXISTS "idx_%s_session_time"
		ON "%s" (session_id, created_at)
	`, s.itemsTable, s.itemsTable))
	if err != nil {
		return fmt.Errorf("error creating transcript items index: %w", err)
	}
	return nil
}
