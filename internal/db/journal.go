package db

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"servicechat/internal/models"
)

// ErrNotFound is returned when a journal entry does not exist.
var ErrNotFound = errors.New("journal entry not found")

// Journal persists sends the backend did not accept so they can be resent.
type Journal struct {
	db *gorm.DB
}

// NewJournal wraps an open database. The FailedSend table must exist; Open
// migrates it when passed &models.FailedSend{}.
func NewJournal(database *gorm.DB) (*Journal, error) {
	if database == nil {
		return nil, fmt.Errorf("database instance (gorm.DB) cannot be nil for Journal")
	}
	return &Journal{db: database}, nil
}

// OpenJournal opens dsn, migrates the journal table and returns a Journal.
func OpenJournal(dsn string) (*Journal, error) {
	database, err := Open(dsn, &models.FailedSend{})
	if err != nil {
		return nil, err
	}
	return NewJournal(database)
}

// Close closes the underlying database connection.
func (j *Journal) Close() error {
	sqlDB, err := j.db.DB()
	if err != nil {
		return fmt.Errorf("failed to get database handle: %w", err)
	}
	return sqlDB.Close()
}

// Record stores a failed send and returns the stored row.
func (j *Journal) Record(entry models.FailedSend) (*models.FailedSend, error) {
	entry.ID = 0
	entry.Status = models.SendStatusFailed
	if entry.Attempts <= 0 {
		entry.Attempts = 1
	}
	if err := j.db.Create(&entry).Error; err != nil {
		log.Error().Err(err).Int64("chatID", entry.ChatID).Msg("Failed to record failed send")
		return nil, fmt.Errorf("failed to record failed send: %w", err)
	}
	log.Info().Uint("journalID", entry.ID).Int64("chatID", entry.ChatID).Msg("Failed send recorded")
	return &entry, nil
}

// Get loads one entry.
func (j *Journal) Get(id uint) (*models.FailedSend, error) {
	var entry models.FailedSend
	err := j.db.First(&entry, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("journal entry %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load journal entry %d: %w", id, err)
	}
	return &entry, nil
}

// Pending lists entries still waiting for a successful resend, oldest first.
// A zero chatID lists every conversation.
func (j *Journal) Pending(chatID int64) ([]models.FailedSend, error) {
	var entries []models.FailedSend
	q := j.db.Where("status = ?", models.SendStatusFailed)
	if chatID != 0 {
		q = q.Where("chat_id = ?", chatID)
	}
	if err := q.Order("id asc").Find(&entries).Error; err != nil {
		return nil, fmt.Errorf("failed to list failed sends: %w", err)
	}
	return entries, nil
}

// MarkSent closes an entry after a resend succeeded.
func (j *Journal) MarkSent(id uint, messageID int64) error {
	res := j.db.Model(&models.FailedSend{}).Where("id = ?", id).Updates(map[string]interface{}{
		"status":          models.SendStatusSent,
		"sent_message_id": messageID,
		"last_error":      "",
	})
	if res.Error != nil {
		return fmt.Errorf("failed to mark journal entry %d sent: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("journal entry %d: %w", id, ErrNotFound)
	}
	log.Info().Uint("journalID", id).Int64("messageID", messageID).Msg("Failed send marked delivered")
	return nil
}

// MarkAttempt bumps the attempt counter after another failed resend.
func (j *Journal) MarkAttempt(id uint, cause error) error {
	lastError := ""
	if cause != nil {
		lastError = cause.Error()
	}
	res := j.db.Model(&models.FailedSend{}).Where("id = ?", id).Updates(map[string]interface{}{
		"attempts":   gorm.Expr("attempts + 1"),
		"last_error": lastError,
	})
	if res.Error != nil {
		return fmt.Errorf("failed to update journal entry %d: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("journal entry %d: %w", id, ErrNotFound)
	}
	return nil
}
