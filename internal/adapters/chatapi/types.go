package chatapi

import "servicechat/internal/models"

// SendMessageRequest is the body of POST /chat/send.
type SendMessageRequest struct {
	ChatID           int64              `json:"chatId"`
	SenderID         int64              `json:"senderId"`
	Content          string             `json:"content"`
	Type             models.MessageType `json:"type"`
	CustomQuestionID *int64             `json:"customQuestionId,omitempty"`
}

// Endpoint paths of the chat collaborator, relative to the base URL.
const (
	pathConversations   = "/chat/conversations/{selfId}"
	pathMessages        = "/chat/messages/{chatId}"
	pathSend            = "/chat/send"
	pathEdit            = "/chat/edit/{messageId}"
	pathDelete          = "/chat/delete/{messageId}"
	pathCreate          = "/chat/create"
	pathCustomQuestions = "/chat/custom-questions"
)
