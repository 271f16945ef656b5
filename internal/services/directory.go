package services

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"servicechat/internal/models"
)

// DirectoryService lists the conversations of a participant and resolves
// the other party of each one.
type DirectoryService struct {
	api ChatAPI
}

// NewDirectoryService creates a new DirectoryService.
func NewDirectoryService(api ChatAPI) (*DirectoryService, error) {
	if api == nil {
		return nil, fmt.Errorf("chat API client cannot be nil for DirectoryService")
	}
	return &DirectoryService{api: api}, nil
}

// ListConversations returns selfID's conversations in server order with
// the OtherParty fields resolved. It does not retry.
func (s *DirectoryService) ListConversations(ctx context.Context, selfID int64) ([]models.Conversation, error) {
	conversations, err := s.api.ListConversations(ctx, selfID)
	if err != nil {
		log.Error().Err(err).Int64("selfID", selfID).Msg("Failed to list conversations")
		return nil, err
	}

	normalized := make([]models.Conversation, len(conversations))
	for i, c := range conversations {
		normalized[i] = c.WithOtherParty(selfID)
	}

	log.Info().Int64("selfID", selfID).Int("conversationCount", len(normalized)).Msg("Conversation directory loaded")
	return normalized, nil
}

// CreateConversation opens a conversation between customerID and
// employeeID and returns it normalized against selfID.
func (s *DirectoryService) CreateConversation(ctx context.Context, selfID, customerID, employeeID int64) (models.Conversation, error) {
	if customerID <= 0 || employeeID <= 0 {
		return models.Conversation{}, fmt.Errorf("customer and employee ids must be positive, got %d and %d", customerID, employeeID)
	}
	created, err := s.api.CreateConversation(ctx, customerID, employeeID)
	if err != nil {
		return models.Conversation{}, err
	}
	conv := created.WithOtherParty(selfID)

	log.Info().Int64("conversationID", conv.ID).Int64("customerID", customerID).Int64("employeeID", employeeID).Msg("Conversation opened")
	return conv, nil
}
