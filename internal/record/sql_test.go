package record

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
)

// mockStore builds an sqlStore over a sqlmock connection, consuming the
// ping, schema, and prepare expectations newSQLStore issues.
func mockStore(t *testing.T) (*sqlStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}

	mock.ExpectPing()
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS usage_records").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS feedback_records").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE INDEX IF NOT EXISTS idx_usage_chat").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectPrepare("INSERT INTO usage_records")
	mock.ExpectPrepare("INSERT INTO feedback_records")

	store, err := newSQLStore(db, sqliteSchema, sqliteInsertUsage, sqliteInsertFeedback)
	if err != nil {
		t.Fatalf("newSQLStore: %v", err)
	}
	return store, mock
}

func TestSQLStoreInsertUsage(t *testing.T) {
	store, mock := mockStore(t)
	defer store.Close()

	createdAt := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	mock.ExpectExec("INSERT INTO usage_records").
		WithArgs(sqlmock.AnyArg(), "c1", "support", "gpt-4o", "openai", "u1",
			int64(120), int64(48), 2, "stop", createdAt).
		WillReturnResult(sqlmock.NewResult(1, 1))

	err := store.InsertUsage(context.Background(), UsageRecord{
		ChatID:       "c1",
		AppID:        "support",
		ModelID:      "gpt-4o",
		Provider:     "openai",
		UserID:       "u1",
		InputTokens:  120,
		OutputTokens: 48,
		Rounds:       2,
		FinishReason: "stop",
		CreatedAt:    createdAt,
	})
	if err != nil {
		t.Fatalf("InsertUsage: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestSQLStoreInsertFeedbackDefaultsCreatedAt(t *testing.T) {
	store, mock := mockStore(t)
	defer store.Close()

	mock.ExpectExec("INSERT INTO feedback_records").
		WithArgs(sqlmock.AnyArg(), "c1", "support", "u1", "up", "fast and correct", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	err := store.InsertFeedback(context.Background(), FeedbackRecord{
		ChatID:  "c1",
		AppID:   "support",
		UserID:  "u1",
		Rating:  "up",
		Comment: "fast and correct",
	})
	if err != nil {
		t.Fatalf("InsertFeedback: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestOpenDriverSelection(t *testing.T) {
	tests := []struct {
		name    string
		driver  string
		wantErr bool
	}{
		{name: "default none", driver: ""},
		{name: "none", driver: "none"},
		{name: "unknown", driver: "oracle", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, err := Open(configFor(tt.driver), nil)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("Open: %v", err)
			}
			if _, ok := rec.(Noop); !ok {
				t.Errorf("driver %q resolved to %T, want Noop", tt.driver, rec)
			}
		})
	}
}
