package services

import (
	"context"

	"servicechat/internal/adapters/chatapi"
	"servicechat/internal/adapters/realtime"
	"servicechat/internal/models"
)

// ChatAPI is the REST collaborator. *chatapi.Client implements it.
type ChatAPI interface {
	ListConversations(ctx context.Context, selfID int64) ([]models.Conversation, error)
	FetchMessages(ctx context.Context, chatID int64, page, size int) ([]models.Message, error)
	SendMessage(ctx context.Context, req chatapi.SendMessageRequest) (*models.Message, error)
	EditMessage(ctx context.Context, messageID, userID int64, content string) (*models.Message, error)
	DeleteMessage(ctx context.Context, messageID, userID int64) error
	CreateConversation(ctx context.Context, customerID, employeeID int64) (*models.Conversation, error)
	ListCustomQuestions(ctx context.Context) ([]models.CustomQuestion, error)
}

// Transport is the push connection. *realtime.Client implements it.
type Transport interface {
	Connect(ctx context.Context) error
	Disconnect()
	State() realtime.State
	ReconnectAttempts() int
	OnStateChange(fn func(realtime.State))
	Subscribe(conversationID int64, h realtime.Handler) realtime.Unsubscribe
}

// Journal stores sends the backend rejected. *db.Journal implements it.
type Journal interface {
	Record(entry models.FailedSend) (*models.FailedSend, error)
	Get(id uint) (*models.FailedSend, error)
	Pending(chatID int64) ([]models.FailedSend, error)
	MarkSent(id uint, messageID int64) error
	MarkAttempt(id uint, cause error) error
}

// Mirror receives chat events for out-of-band delivery.
// *delivery.Manager implements it.
type Mirror interface {
	Publish(eventType string, conversationID int64, payload interface{}) (string, error)
}

var (
	_ ChatAPI   = (*chatapi.Client)(nil)
	_ Transport = (*realtime.Client)(nil)
)
