package record

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS usage_records (
		id UUID PRIMARY KEY,
		chat_id TEXT NOT NULL,
		app_id TEXT NOT NULL,
		model_id TEXT NOT NULL,
		provider TEXT NOT NULL,
		user_id TEXT NOT NULL DEFAULT '',
		input_tokens BIGINT NOT NULL,
		output_tokens BIGINT NOT NULL,
		rounds INT NOT NULL,
		finish_reason TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS feedback_records (
		id UUID PRIMARY KEY,
		chat_id TEXT NOT NULL,
		app_id TEXT NOT NULL,
		user_id TEXT NOT NULL DEFAULT '',
		rating TEXT NOT NULL,
		comment TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_usage_chat ON usage_records (chat_id, created_at)`,
}

const (
	postgresInsertUsage = `INSERT INTO usage_records
		(id, chat_id, app_id, model_id, provider, user_id, input_tokens, output_tokens, rounds, finish_reason, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`

	postgresInsertFeedback = `INSERT INTO feedback_records
		(id, chat_id, app_id, user_id, rating, comment, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`
)

// NewPostgres connects to the PostgreSQL database named by the DSN.
func NewPostgres(dsn string) (Store, error) {
	if dsn == "" {
		return nil, fmt.Errorf("record.dsn is required for the postgres driver")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	return newSQLStore(db, postgresSchema, postgresInsertUsage, postgresInsertFeedback)
}
