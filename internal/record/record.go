// Package record persists usage and feedback rows. Writes are fire and
// forget: the orchestrator and the gateway enqueue records onto a
// bounded queue and move on, a single writer goroutine drains it, and
// records are dropped (and counted) when the queue is full. Chat
// behavior never waits on the database.
package record

import (
	"context"
	"time"

	"github.com/parleyhq/parley/internal/config"
	"github.com/parleyhq/parley/internal/fault"
	"github.com/parleyhq/parley/internal/observability"
)

// UsageRecord is one completed turn's token accounting.
type UsageRecord struct {
	ChatID       string
	AppID        string
	ModelID      string
	Provider     string
	UserID       string
	InputTokens  int64
	OutputTokens int64
	Rounds       int
	FinishReason string
	CreatedAt    time.Time
}

// FeedbackRecord is one client rating of a chat.
type FeedbackRecord struct {
	ChatID    string
	AppID     string
	UserID    string
	Rating    string
	Comment   string
	CreatedAt time.Time
}

// Recorder is the write facade the rest of the gateway sees.
type Recorder interface {
	// RecordUsage enqueues one usage row. It never blocks.
	RecordUsage(rec UsageRecord)

	// RecordFeedback enqueues one feedback row. It never blocks.
	RecordFeedback(rec FeedbackRecord)

	// Dropped reports how many records were discarded on a full queue.
	Dropped() uint64

	// Close drains the queue and releases the store.
	Close() error
}

// Store is one synchronous persistence backend behind the async facade.
type Store interface {
	InsertUsage(ctx context.Context, rec UsageRecord) error
	InsertFeedback(ctx context.Context, rec FeedbackRecord) error
	Close() error
}

// Open builds the recorder for the configured driver.
func Open(cfg config.RecordConfig, log *observability.Logger) (Recorder, error) {
	switch cfg.Driver {
	case "", "none":
		return Noop{}, nil
	case "sqlite":
		store, err := NewSQLite(cfg.DSN)
		if err != nil {
			return nil, err
		}
		return NewAsync(store, cfg.QueueSize, log), nil
	case "postgres":
		store, err := NewPostgres(cfg.DSN)
		if err != nil {
			return nil, err
		}
		return NewAsync(store, cfg.QueueSize, log), nil
	}
	return nil, fault.New(fault.CodeConfiguration, "unknown record.driver %q", cfg.Driver)
}
