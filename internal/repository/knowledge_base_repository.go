package repository

import (
	"gorm.io/gorm"

	"smart-qa-go/internal/model"
)

// KnowledgeBaseRepository 定义了知识库数据的持久化操作。
type KnowledgeBaseRepository interface {
	Create(kb *model.KnowledgeBase) error
	FindByID(id uint) (*model.KnowledgeBase, error)
	FindByUser(userID uint) ([]model.KnowledgeBase, error)
	Update(kb *model.KnowledgeBase) error
	Delete(id uint) error
}

type knowledgeBaseRepository struct {
	db *gorm.DB
}

// NewKnowledgeBaseRepository 创建一个新的 KnowledgeBaseRepository 实例。
func NewKnowledgeBaseRepository(db *gorm.DB) KnowledgeBaseRepository {
	return &knowledgeBaseRepository{db: db}
}

func (r *knowledgeBaseRepository) Create(kb *model.KnowledgeBase) error {
	return r.db.Create(kb).Error
}

func (r *knowledgeBaseRepository) FindByID(id uint) (*model.KnowledgeBase, error) {
	var kb model.KnowledgeBase
	if err := r.db.First(&kb, id).Error; err != nil {
		return nil, err
	}
	return &kb, nil
}

func (r *knowledgeBaseRepository) FindByUser(userID uint) ([]model.KnowledgeBase, error) {
	var kbs []model.KnowledgeBase
	err := r.db.Where("user_id = ?", userID).Order("created_at DESC").Find(&kbs).Error
	return kbs, err
}

func (r *knowledgeBaseRepository) Update(kb *model.KnowledgeBase) error {
	return r.db.Save(kb).Error
}

// Delete 删除知识库本身，其下的文件与块由上层服务负责级联清理。
func (r *knowledgeBaseRepository) Delete(id uint) error {
	return r.db.Delete(&model.KnowledgeBase{}, id).Error
}
