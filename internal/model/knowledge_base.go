package model

import (
	"time"

	"smart-qa-go/internal/config"
)

// KnowledgeBase 代表一个知识库。切分与检索相关字段为可空覆盖项，
// 为 NULL 时继承全局配置，见 config.Resolve。
type KnowledgeBase struct {
	ID          uint   `gorm:"primaryKey" json:"id"`
	UserID      uint   `gorm:"index;not null" json:"userId"`
	Name        string `gorm:"size:128;not null" json:"name"`
	Description string `gorm:"type:text" json:"description"`

	ChunkSize           *int     `gorm:"column:chunk_size" json:"chunkSize,omitempty"`
	ChunkOverlap        *int     `gorm:"column:chunk_overlap" json:"chunkOverlap,omitempty"`
	ChunkMaxExpandRatio *float64 `gorm:"column:chunk_max_expand_ratio" json:"chunkMaxExpandRatio,omitempty"`
	EmbeddingModel      *string  `gorm:"size:128" json:"embeddingModel,omitempty"`
	LLMModel            *string  `gorm:"column:llm_model;size:128" json:"llmModel,omitempty"`
	Temperature         *float64 `json:"temperature,omitempty"`
	TopK                *int     `gorm:"column:top_k" json:"topK,omitempty"`
	EnableRerank        *bool    `json:"enableRerank,omitempty"`
	EnableHybrid        *bool    `json:"enableHybrid,omitempty"`

	CreatedAt time.Time `gorm:"autoCreateTime" json:"createdAt"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updatedAt"`
}

func (KnowledgeBase) TableName() string {
	return "knowledge_bases"
}

// Overrides 将知识库的可空覆盖字段转成配置层的覆盖结构。
func (kb *KnowledgeBase) Overrides() config.KBOverrides {
	if kb == nil {
		return config.KBOverrides{}
	}
	return config.KBOverrides{
		ChunkSize:           kb.ChunkSize,
		ChunkOverlap:        kb.ChunkOverlap,
		ChunkMaxExpandRatio: kb.ChunkMaxExpandRatio,
		EmbeddingModel:      kb.EmbeddingModel,
		LLMModel:            kb.LLMModel,
		Temperature:         kb.Temperature,
		TopK:                kb.TopK,
		EnableRerank:        kb.EnableRerank,
		EnableHybrid:        kb.EnableHybrid,
	}
}
