package model

import "time"

// Chunk 代表文档切分后的一个文本块。chunk_index 在同一文件内从 0 连续递增。
type Chunk struct {
	ID              uint      `gorm:"primaryKey" json:"id"`
	FileID          uint      `gorm:"index:idx_chunks_file;not null" json:"fileId"`
	KnowledgeBaseID uint      `gorm:"index;not null" json:"knowledgeBaseId"`
	Content         string    `gorm:"type:text;not null" json:"content"`
	ChunkIndex      int       `gorm:"index:idx_chunks_file;not null" json:"chunkIndex"`
	VectorID        string    `gorm:"size:64" json:"vectorId"`
	CreatedAt       time.Time `gorm:"autoCreateTime" json:"createdAt"`
}

func (Chunk) TableName() string {
	return "chunks"
}
