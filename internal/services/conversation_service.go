package services

import (
	"context"

	"github.com/aihub/chat-backend/internal/models"
	"github.com/aihub/chat-backend/internal/repository"
	"github.com/google/uuid"
)

// ConversationService 对话列表、历史与删除
type ConversationService struct {
	conversations repository.ConversationRepository
	messages      repository.MessageRepository
}

func NewConversationService(conversations repository.ConversationRepository, messages repository.MessageRepository) *ConversationService {
	return &ConversationService{conversations: conversations, messages: messages}
}

// List 按 updated_at 倒序
func (s *ConversationService) List(ctx context.Context, userID uint, includeHidden bool) ([]models.Conversation, error) {
	return s.conversations.ListForUser(ctx, userID, includeHidden)
}

// Messages 校验归属后返回完整历史
func (s *ConversationService) Messages(ctx context.Context, userID uint, id uuid.UUID) ([]models.Message, error) {
	if _, err := s.conversations.GetForUser(ctx, id, userID); err != nil {
		return nil, err
	}
	return s.messages.ListForConversation(ctx, id)
}

func (s *ConversationService) Delete(ctx context.Context, userID uint, id uuid.UUID) error {
	return s.conversations.SoftDelete(ctx, id, userID)
}
