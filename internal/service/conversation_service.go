package service

import (
	"context"
	"fmt"

	"smart-qa-go/internal/model"
	"smart-qa-go/internal/repository"
	"smart-qa-go/pkg/log"
)

// ConversationService 提供对话与消息的查询和管理。
type ConversationService interface {
	List(user *model.User) ([]model.Conversation, error)
	GetMessages(user *model.User, conversationID uint) ([]model.Message, error)
	Rename(user *model.User, conversationID uint, title string) error
	Delete(ctx context.Context, user *model.User, conversationID uint) error
}

type conversationService struct {
	convRepo     repository.ConversationRepository
	historyCache repository.HistoryCache
}

// NewConversationService 创建一个新的 ConversationService 实例。
func NewConversationService(convRepo repository.ConversationRepository, historyCache repository.HistoryCache) ConversationService {
	return &conversationService{convRepo: convRepo, historyCache: historyCache}
}

func (s *conversationService) findOwned(user *model.User, conversationID uint) (*model.Conversation, error) {
	conv, err := s.convRepo.FindConversation(conversationID)
	if err != nil {
		return nil, fmt.Errorf("查找对话 %d 失败: %w", conversationID, err)
	}
	if conv.UserID != user.ID {
		return nil, ErrPermissionDenied
	}
	return conv, nil
}

func (s *conversationService) List(user *model.User) ([]model.Conversation, error) {
	return s.convRepo.FindByUser(user.ID)
}

func (s *conversationService) GetMessages(user *model.User, conversationID uint) ([]model.Message, error) {
	if _, err := s.findOwned(user, conversationID); err != nil {
		return nil, err
	}
	return s.convRepo.FindMessages(conversationID)
}

func (s *conversationService) Rename(user *model.User, conversationID uint, title string) error {
	if _, err := s.findOwned(user, conversationID); err != nil {
		return err
	}
	return s.convRepo.UpdateTitle(conversationID, makeTitle(title))
}

// Delete 删除对话与其全部消息，并使历史缓存失效。
func (s *conversationService) Delete(ctx context.Context, user *model.User, conversationID uint) error {
	if _, err := s.findOwned(user, conversationID); err != nil {
		return err
	}
	if err := s.convRepo.DeleteConversation(conversationID); err != nil {
		return err
	}
	if err := s.historyCache.Invalidate(ctx, conversationID); err != nil {
		log.Warnf("[ConversationService] 历史缓存失效失败, conversation: %d: %v", conversationID, err)
	}
	return nil
}
