package record

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const openTimeout = 10 * time.Second

// sqlStore persists records through database/sql. The two drivers share
// this struct; they differ only in DDL and placeholder syntax, which the
// constructors pass in.
type sqlStore struct {
	db *sql.DB

	insertUsage    *sql.Stmt
	insertFeedback *sql.Stmt
}

// newSQLStore pings the database, applies the schema, and prepares the
// insert statements.
func newSQLStore(db *sql.DB, schema []string, usageSQL, feedbackSQL string) (*sqlStore, error) {
	ctx, cancel := context.WithTimeout(context.Background(), openTimeout)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	for _, ddl := range schema {
		if _, err := db.ExecContext(ctx, ddl); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply schema: %w", err)
		}
	}

	store := &sqlStore{db: db}
	var err error
	if store.insertUsage, err = db.Prepare(usageSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to prepare usage insert: %w", err)
	}
	if store.insertFeedback, err = db.Prepare(feedbackSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to prepare feedback insert: %w", err)
	}
	return store, nil
}

// InsertUsage writes one usage row.
func (s *sqlStore) InsertUsage(ctx context.Context, rec UsageRecord) error {
	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := s.insertUsage.ExecContext(ctx,
		uuid.NewString(),
		rec.ChatID, rec.AppID, rec.ModelID, rec.Provider, rec.UserID,
		rec.InputTokens, rec.OutputTokens, rec.Rounds,
		rec.FinishReason, createdAt,
	)
	return err
}

// InsertFeedback writes one feedback row.
func (s *sqlStore) InsertFeedback(ctx context.Context, rec FeedbackRecord) error {
	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := s.insertFeedback.ExecContext(ctx,
		uuid.NewString(),
		rec.ChatID, rec.AppID, rec.UserID,
		rec.Rating, rec.Comment, createdAt,
	)
	return err
}

// Close releases the prepared statements and the pool.
func (s *sqlStore) Close() error {
	var errs []error
	if s.insertUsage != nil {
		if err := s.insertUsage.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if s.insertFeedback != nil {
		if err := s.insertFeedback.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := s.db.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
