package models

import (
	"time"
)

// Journal statuses of a FailedSend row.
const (
	SendStatusFailed = "failed"
	SendStatusSent   = "sent"
)

// FailedSend records a chat send that the backend rejected or that timed
// out, so the user can resend it later.
type FailedSend struct {
	ID               uint      `gorm:"primaryKey"`
	ChatID           int64     `gorm:"index;comment:Conversation the message was meant for"`
	SenderID         int64     `gorm:"comment:Participant that attempted the send"`
	Content          string    `gorm:"type:text"`
	Type             string    `gorm:"comment:TEXT or CUSTOM_QUESTION"`
	CustomQuestionID *int64    `gorm:"comment:Canned question id for CUSTOM_QUESTION sends"`
	Attempts         int       `gorm:"default:1;comment:Number of send attempts so far"`
	LastError        string    `gorm:"type:text"`
	Status           string    `gorm:"index;comment:failed or sent"`
	SentMessageID    int64     `gorm:"comment:Server id once a resend succeeded"`
	CreatedAt        time.Time `gorm:"autoCreateTime"`
	UpdatedAt        time.Time `gorm:"autoUpdateTime"`
}
