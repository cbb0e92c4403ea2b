package record

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS usage_records (
		id TEXT PRIMARY KEY,
		chat_id TEXT NOT NULL,
		app_id TEXT NOT NULL,
		model_id TEXT NOT NULL,
		provider TEXT NOT NULL,
		user_id TEXT NOT NULL DEFAULT '',
		input_tokens INTEGER NOT NULL,
		output_tokens INTEGER NOT NULL,
		rounds INTEGER NOT NULL,
		finish_reason TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS feedback_records (
		id TEXT PRIMARY KEY,
		chat_id TEXT NOT NULL,
		app_id TEXT NOT NULL,
		user_id TEXT NOT NULL DEFAULT '',
		rating TEXT NOT NULL,
		comment TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_usage_chat ON usage_records (chat_id, created_at)`,
}

const (
	sqliteInsertUsage = `INSERT INTO usage_records
		(id, chat_id, app_id, model_id, provider, user_id, input_tokens, output_tokens, rounds, finish_reason, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	sqliteInsertFeedback = `INSERT INTO feedback_records
		(id, chat_id, app_id, user_id, rating, comment, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`
)

// NewSQLite opens (or creates) the SQLite database at the given path.
// The writer goroutine is the only concurrent user, so the default
// connection settings are left alone apart from busy waiting.
func NewSQLite(dsn string) (Store, error) {
	if dsn == "" {
		return nil, fmt.Errorf("record.dsn is required for the sqlite driver")
	}

	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)", dsn))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	return newSQLStore(db, sqliteSchema, sqliteInsertUsage, sqliteInsertFeedback)
}
