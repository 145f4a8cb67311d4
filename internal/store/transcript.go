// Package store persists conversation turns for audit and export.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/miradorstack/fleet-assistant/internal/models"
)

// TurnRecord is the persisted form of a conversation turn. Summary columns
// are duplicated out of Document for querying.
type TurnRecord struct {
	ID             string    `gorm:"primaryKey;size:36"`
	SessionID      string    `gorm:"size:64;index;not null"`
	Question       string    `gorm:"type:text"`
	Answer         string    `gorm:"type:text"`
	PayloadTokens  int
	TokenBudget    int
	DroppedEntries int
	TrimCount      int
	PlanUnparsable bool
	BudgetExceeded bool
	DegradedNoLLM  bool
	DurationMs     int64
	Document       string    `gorm:"type:text"`
	CreatedAt      time.Time `gorm:"index"`
}

// TableName pins the table name independent of the struct name.
func (TurnRecord) TableName() string { return "conversation_turns" }

// TranscriptStore reads and writes TurnRecords.
type TranscriptStore struct {
	db *gorm.DB
}

// Open opens (creating if needed) the SQLite database at path and migrates it.
// Use ":memory:" for an ephemeral store.
func Open(path string) (*TranscriptStore, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	if path == ":memory:" {
		// Every pooled connection would otherwise get its own empty database.
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("store: open %s: %w", path, err)
		}
		sqlDB.SetMaxOpenConns(1)
	}
	return New(db)
}

// New wraps an existing connection and migrates the schema.
func New(db *gorm.DB) (*TranscriptStore, error) {
	if err := db.AutoMigrate(&TurnRecord{}); err != nil {
		return nil, fmt.Errorf("store: auto-migrate: %w", err)
	}
	return &TranscriptStore{db: db}, nil
}

// Save inserts or replaces a turn.
func (s *TranscriptStore) Save(ctx context.Context, turn models.ConversationTurn) error {
	doc, err := json.Marshal(turn)
	if err != nil {
		return fmt.Errorf("store: encode turn %s: %w", turn.ID, err)
	}
	rec := TurnRecord{
		ID:             turn.ID,
		SessionID:      turn.SessionID,
		Question:       turn.Question,
		Answer:         turn.Answer,
		PayloadTokens:  turn.PayloadTokens,
		TokenBudget:    turn.TokenBudget,
		DroppedEntries: turn.DroppedEntries,
		TrimCount:      len(turn.Trims),
		PlanUnparsable: turn.PlanUnparsable,
		BudgetExceeded: turn.BudgetExceeded,
		DegradedNoLLM:  turn.DegradedNoLLM,
		DurationMs:     turn.Duration.Milliseconds(),
		Document:       string(doc),
		CreatedAt:      turn.CreatedAt,
	}
	if err := s.db.WithContext(ctx).Save(&rec).Error; err != nil {
		return fmt.Errorf("store: save turn %s: %w", turn.ID, err)
	}
	return nil
}

// List returns a session's turns oldest first. limit <= 0 returns all.
func (s *TranscriptStore) List(ctx context.Context, sessionID string, limit int) ([]models.ConversationTurn, error) {
	var recs []TurnRecord
	q := s.db.WithContext(ctx).Where("session_id = ?", sessionID).Order("created_at ASC").Order("id ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("store: list session %s: %w", sessionID, err)
	}

	turns := make([]models.ConversationTurn, 0, len(recs))
	for _, rec := range recs {
		var turn models.ConversationTurn
		if err := json.Unmarshal([]byte(rec.Document), &turn); err != nil {
			return nil, fmt.Errorf("store: decode turn %s: %w", rec.ID, err)
		}
		turns = append(turns, turn)
	}
	return turns, nil
}

// DeleteSession removes every turn of a session.
func (s *TranscriptStore) DeleteSession(ctx context.Context, sessionID string) (int64, error) {
	res := s.db.WithContext(ctx).Where("session_id = ?", sessionID).Delete(&TurnRecord{})
	if res.Error != nil {
		return 0, fmt.Errorf("store: delete session %s: %w", sessionID, res.Error)
	}
	return res.RowsAffected, nil
}

// Close releases the underlying connection pool.
func (s *TranscriptStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
