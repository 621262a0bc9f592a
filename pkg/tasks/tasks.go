// Package tasks defines the structure for tasks that are sent to Kafka.
package tasks

// ReindexTask represents a request to rebuild the index of a single file
// within one knowledge base.
type ReindexTask struct {
	KnowledgeBaseID uint   `json:"knowledge_base_id"`
	FileID          uint   `json:"file_id"`
	ObjectKey       string `json:"object_key"`
	Filename        string `json:"filename"`
	IsImage         bool   `json:"is_image"`
}
