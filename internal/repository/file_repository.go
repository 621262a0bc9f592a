package repository

import (
	"gorm.io/gorm"

	"smart-qa-go/internal/model"
)

// FileRepository 定义了知识库文件元数据的持久化操作。
type FileRepository interface {
	Create(file *model.File) error
	FindByID(id uint) (*model.File, error)
	FindByIDs(ids []uint) ([]model.File, error)
	FindByKnowledgeBase(kbID uint) ([]model.File, error)
	UpdateStatus(id uint, status, failReason string) error
	Delete(id uint) error
}

type fileRepository struct {
	db *gorm.DB
}

// NewFileRepository 创建一个新的 FileRepository 实例。
func NewFileRepository(db *gorm.DB) FileRepository {
	return &fileRepository{db: db}
}

func (r *fileRepository) Create(file *model.File) error {
	return r.db.Create(file).Error
}

func (r *fileRepository) FindByID(id uint) (*model.File, error) {
	var file model.File
	if err := r.db.First(&file, id).Error; err != nil {
		return nil, err
	}
	return &file, nil
}

// FindByIDs 批量查找文件，用于组装溯源信息时回填原始文件名。
func (r *fileRepository) FindByIDs(ids []uint) ([]model.File, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var files []model.File
	err := r.db.Where("id IN ?", ids).Find(&files).Error
	return files, err
}

func (r *fileRepository) FindByKnowledgeBase(kbID uint) ([]model.File, error) {
	var files []model.File
	err := r.db.Where("knowledge_base_id = ?", kbID).Order("created_at DESC").Find(&files).Error
	return files, err
}

func (r *fileRepository) UpdateStatus(id uint, status, failReason string) error {
	return r.db.Model(&model.File{}).Where("id = ?", id).
		Updates(map[string]interface{}{"status": status, "fail_reason": failReason}).Error
}

func (r *fileRepository) Delete(id uint) error {
	return r.db.Delete(&model.File{}, id).Error
}
