// Package model 包含了应用的数据模型定义。
package model

import "time"

// Conversation 代表一次多轮对话，标题取首问的前 50 个字符。
type Conversation struct {
	ID              uint      `gorm:"primaryKey" json:"id"`
	UserID          uint      `gorm:"index;not null" json:"userId"`
	KnowledgeBaseID *uint     `gorm:"index" json:"knowledgeBaseId,omitempty"`
	Title           string    `gorm:"size:255" json:"title"`
	CreatedAt       time.Time `gorm:"autoCreateTime" json:"createdAt"`
	UpdatedAt       time.Time `gorm:"autoUpdateTime" json:"updatedAt"`
}

func (Conversation) TableName() string {
	return "conversations"
}

// Message 代表对话中的一条消息。助手消息携带置信度与溯源元数据，
// 只有完整生成结束的回答才会落库。
type Message struct {
	ID                   uint      `gorm:"primaryKey" json:"id"`
	ConversationID       uint      `gorm:"index;not null" json:"conversationId"`
	Role                 string    `gorm:"size:16;not null" json:"role"` // "user" 或 "assistant"
	Content              string    `gorm:"type:text;not null" json:"content"`
	Tokens               int       `json:"tokens"`
	Model                string    `gorm:"size:128" json:"model,omitempty"`
	Confidence           *float64  `json:"confidence,omitempty"`
	RetrievedContext     string    `gorm:"type:text" json:"retrievedContext,omitempty"`
	MaxConfidenceContext string    `gorm:"type:text" json:"maxConfidenceContext,omitempty"`
	Sources              string    `gorm:"type:text" json:"sources,omitempty"`   // JSON 序列化的 []SourceItem
	ToolsUsed            string    `gorm:"type:text" json:"toolsUsed,omitempty"` // JSON 序列化的 []string
	CreatedAt            time.Time `gorm:"autoCreateTime" json:"createdAt"`
}

func (Message) TableName() string {
	return "messages"
}

// ChatMessage 代表存储在 Redis 历史缓存中的单条对话消息。
type ChatMessage struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}
