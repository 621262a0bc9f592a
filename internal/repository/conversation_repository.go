// Package repository 提供了数据访问层的实现。
package repository

import (
	"gorm.io/gorm"

	"smart-qa-go/internal/model"
)

// ConversationRepository 定义了对话与消息的持久化操作。
type ConversationRepository interface {
	CreateConversation(conv *model.Conversation) error
	FindConversation(id uint) (*model.Conversation, error)
	FindByUser(userID uint) ([]model.Conversation, error)
	UpdateTitle(id uint, title string) error
	// DeleteConversation 删除对话及其全部消息。
	DeleteConversation(id uint) error

	CreateMessage(msg *model.Message) error
	FindMessages(conversationID uint) ([]model.Message, error)
	// FindRecentMessages 返回最近 limit 条消息，按时间升序。
	FindRecentMessages(conversationID uint, limit int) ([]model.Message, error)
}

type conversationRepository struct {
	db *gorm.DB
}

// NewConversationRepository 创建一个新的 ConversationRepository 实例。
func NewConversationRepository(db *gorm.DB) ConversationRepository {
	return &conversationRepository{db: db}
}

func (r *conversationRepository) CreateConversation(conv *model.Conversation) error {
	return r.db.Create(conv).Error
}

func (r *conversationRepository) FindConversation(id uint) (*model.Conversation, error) {
	var conv model.Conversation
	if err := r.db.First(&conv, id).Error; err != nil {
		return nil, err
	}
	return &conv, nil
}

func (r *conversationRepository) FindByUser(userID uint) ([]model.Conversation, error) {
	var convs []model.Conversation
	err := r.db.Where("user_id = ?", userID).Order("updated_at DESC").Find(&convs).Error
	return convs, err
}

func (r *conversationRepository) UpdateTitle(id uint, title string) error {
	return r.db.Model(&model.Conversation{}).Where("id = ?", id).
		Update("title", title).Error
}

func (r *conversationRepository) DeleteConversation(id uint) error {
	return r.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("conversation_id = ?", id).Delete(&model.Message{}).Error; err != nil {
			return err
		}
		return tx.Delete(&model.Conversation{}, id).Error
	})
}

func (r *conversationRepository) CreateMessage(msg *model.Message) error {
	return r.db.Create(msg).Error
}

func (r *conversationRepository) FindMessages(conversationID uint) ([]model.Message, error) {
	var msgs []model.Message
	err := r.db.Where("conversation_id = ?", conversationID).
		Order("created_at ASC, id ASC").Find(&msgs).Error
	return msgs, err
}

func (r *conversationRepository) FindRecentMessages(conversationID uint, limit int) ([]model.Message, error) {
	var msgs []model.Message
	err := r.db.Where("conversation_id = ?", conversationID).
		Order("created_at DESC, id DESC").Limit(limit).Find(&msgs).Error
	if err != nil {
		return nil, err
	}
	// 反转为时间升序
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}
