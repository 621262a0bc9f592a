package model

// ChunkDocument 代表存储在 Elasticsearch 中的块文档结构。
// 同一索引同时服务向量 kNN 与 BM25 词法检索。
type ChunkDocument struct {
	VectorID        string    `json:"vector_id"` // 唯一标识，例如 "<file_id>_<chunk_index>"
	ChunkID         uint      `json:"chunk_id"`
	FileID          uint      `json:"file_id"`
	KnowledgeBaseID uint      `json:"knowledge_base_id"`
	ChunkIndex      int       `json:"chunk_index"`
	Content         string    `json:"content"`
	Vector          []float32 `json:"vector"`
	ModelVersion    string    `json:"model_version"`
	IsImage         bool      `json:"is_image"`
}
