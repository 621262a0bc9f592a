package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"smart-qa-go/internal/model"
)

// HistoryCache 在 Redis 中缓存对话的近期消息，减少聊天链路上的 MySQL 读。
type HistoryCache interface {
	Get(ctx context.Context, conversationID uint) ([]model.ChatMessage, error)
	Set(ctx context.Context, conversationID uint, messages []model.ChatMessage) error
	Invalidate(ctx context.Context, conversationID uint) error
}

type redisHistoryCache struct {
	redisClient *redis.Client
}

// NewHistoryCache 创建一个新的 HistoryCache 实例。
func NewHistoryCache(redisClient *redis.Client) HistoryCache {
	return &redisHistoryCache{redisClient: redisClient}
}

func historyKey(conversationID uint) string {
	return fmt.Sprintf("conversation:%d:history", conversationID)
}

// Get 从 Redis 获取对话历史，缓存未命中时返回 nil 而不是错误。
func (c *redisHistoryCache) Get(ctx context.Context, conversationID uint) ([]model.ChatMessage, error) {
	jsonData, err := c.redisClient.Get(ctx, historyKey(conversationID)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get conversation history: %w", err)
	}
	var messages []model.ChatMessage
	if err := json.Unmarshal([]byte(jsonData), &messages); err != nil {
		return nil, fmt.Errorf("failed to unmarshal conversation history: %w", err)
	}
	return messages, nil
}

// Set 在 Redis 中更新对话历史，只保留最近 20 条。
func (c *redisHistoryCache) Set(ctx context.Context, conversationID uint, messages []model.ChatMessage) error {
	if len(messages) > 20 {
		messages = messages[len(messages)-20:]
	}
	jsonData, err := json.Marshal(messages)
	if err != nil {
		return fmt.Errorf("failed to marshal conversation history: %w", err)
	}
	if err := c.redisClient.Set(ctx, historyKey(conversationID), jsonData, 7*24*time.Hour).Err(); err != nil {
		return fmt.Errorf("failed to set conversation history: %w", err)
	}
	return nil
}

func (c *redisHistoryCache) Invalidate(ctx context.Context, conversationID uint) error {
	return c.redisClient.Del(ctx, historyKey(conversationID)).Err()
}
