package model

import "time"

// 文件索引状态。
const (
	FileStatusPending  = "PENDING"
	FileStatusIndexing = "INDEXING"
	FileStatusIndexed  = "INDEXED"
	FileStatusFailed   = "FAILED"
)

// File 代表知识库中一个已注册的源文件，实际内容存放在 MinIO。
type File struct {
	ID               uint      `gorm:"primaryKey" json:"id"`
	KnowledgeBaseID  uint      `gorm:"index;not null" json:"knowledgeBaseId"`
	OriginalFilename string    `gorm:"size:255;not null" json:"originalFilename"`
	ObjectKey        string    `gorm:"size:512;not null" json:"objectKey"`
	ContentType      string    `gorm:"size:128" json:"contentType"`
	Size             int64     `json:"size"`
	Status           string    `gorm:"size:16;default:PENDING" json:"status"`
	FailReason       string    `gorm:"type:text" json:"failReason,omitempty"`
	CreatedAt        time.Time `gorm:"autoCreateTime" json:"createdAt"`
	UpdatedAt        time.Time `gorm:"autoUpdateTime" json:"updatedAt"`
}

func (File) TableName() string {
	return "files"
}
