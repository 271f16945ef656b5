package services

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"servicechat/internal/models"
)

// Page is one fetched history page.
type Page struct {
	Index    int
	Messages []models.Message
	// HasMore is a hint: a full page suggests older messages exist, a short
	// page means the history is exhausted.
	HasMore bool
}

// HistoryService fetches paginated message history.
type HistoryService struct {
	api      ChatAPI
	pageSize int
}

// NewHistoryService creates a new HistoryService.
func NewHistoryService(api ChatAPI, pageSize int) (*HistoryService, error) {
	if api == nil {
		return nil, fmt.Errorf("chat API client cannot be nil for HistoryService")
	}
	if pageSize <= 0 {
		return nil, fmt.Errorf("page size must be positive, got %d", pageSize)
	}
	return &HistoryService{api: api, pageSize: pageSize}, nil
}

// FetchPage returns page index of chatID. Page 0 is the newest.
func (h *HistoryService) FetchPage(ctx context.Context, chatID int64, index int) (Page, error) {
	if index < 0 {
		return Page{}, fmt.Errorf("page index cannot be negative, got %d", index)
	}
	messages, err := h.api.FetchMessages(ctx, chatID, index, h.pageSize)
	if err != nil {
		log.Error().Err(err).Int64("chatID", chatID).Int("page", index).Msg("Failed to fetch message history")
		return Page{}, err
	}
	for i := range messages {
		if messages[i].ChatID == 0 {
			messages[i].ChatID = chatID
		}
	}

	page := Page{
		Index:    index,
		Messages: messages,
		HasMore:  len(messages) >= h.pageSize,
	}
	log.Debug().Int64("chatID", chatID).Int("page", index).Int("messageCount", len(messages)).Bool("hasMore", page.HasMore).Msg("History page loaded")
	return page, nil
}
