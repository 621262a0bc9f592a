package repository

import (
	"gorm.io/gorm"

	"smart-qa-go/internal/model"
)

// ChunkRepository 定义了文本块的持久化操作。
type ChunkRepository interface {
	// ReplaceFileChunks 在单个事务内删除文件旧块并写入新块，
	// 只影响指定知识库下的指定文件。
	ReplaceFileChunks(kbID, fileID uint, chunks []model.Chunk) error
	FindByIDs(ids []uint) ([]model.Chunk, error)
	// FindNeighbors 查找同一文件内指定 chunk_index 邻域内的块，按 chunk_index 升序。
	FindNeighbors(fileID uint, center, window int) ([]model.Chunk, error)
	// FindByFile 返回文件的全部块，按 chunk_index 升序。
	FindByFile(kbID, fileID uint) ([]model.Chunk, error)
	DeleteByFile(kbID, fileID uint) error
	CountByKnowledgeBase(kbID uint) (int64, error)
}

type chunkRepository struct {
	db *gorm.DB
}

// NewChunkRepository 创建一个新的 ChunkRepository 实例。
func NewChunkRepository(db *gorm.DB) ChunkRepository {
	return &chunkRepository{db: db}
}

func (r *chunkRepository) ReplaceFileChunks(kbID, fileID uint, chunks []model.Chunk) error {
	return r.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("knowledge_base_id = ? AND file_id = ?", kbID, fileID).
			Delete(&model.Chunk{}).Error; err != nil {
			return err
		}
		if len(chunks) == 0 {
			return nil
		}
		return tx.CreateInBatches(chunks, 200).Error
	})
}

func (r *chunkRepository) FindByIDs(ids []uint) ([]model.Chunk, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var chunks []model.Chunk
	err := r.db.Where("id IN ?", ids).Find(&chunks).Error
	return chunks, err
}

func (r *chunkRepository) FindNeighbors(fileID uint, center, window int) ([]model.Chunk, error) {
	var chunks []model.Chunk
	err := r.db.Where("file_id = ? AND chunk_index BETWEEN ? AND ?",
		fileID, center-window, center+window).
		Order("chunk_index ASC").Find(&chunks).Error
	return chunks, err
}

func (r *chunkRepository) FindByFile(kbID, fileID uint) ([]model.Chunk, error) {
	var chunks []model.Chunk
	err := r.db.Where("knowledge_base_id = ? AND file_id = ?", kbID, fileID).
		Order("chunk_index ASC").Find(&chunks).Error
	return chunks, err
}

func (r *chunkRepository) DeleteByFile(kbID, fileID uint) error {
	return r.db.Where("knowledge_base_id = ? AND file_id = ?", kbID, fileID).
		Delete(&model.Chunk{}).Error
}

func (r *chunkRepository) CountByKnowledgeBase(kbID uint) (int64, error) {
	var count int64
	err := r.db.Model(&model.Chunk{}).Where("knowledge_base_id = ?", kbID).Count(&count).Error
	return count, err
}
