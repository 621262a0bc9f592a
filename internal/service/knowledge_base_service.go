package service

import (
	"context"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"

	"smart-qa-go/internal/config"
	"smart-qa-go/internal/model"
	"smart-qa-go/internal/repository"
	"smart-qa-go/pkg/kafka"
	"smart-qa-go/pkg/log"
	"smart-qa-go/pkg/storage"
	"smart-qa-go/pkg/tasks"
)

// ObjectUploader 是文件对象写入与删除的抽象，生产实现基于 MinIO。
type ObjectUploader interface {
	PutObject(ctx context.Context, objectKey, contentType string, size int64, r io.Reader) error
	RemoveObject(ctx context.Context, objectKey string) error
}

// IndexCleaner 负责清理搜索索引中某个文件的全部块，es.SearchIndex 是生产实现。
type IndexCleaner interface {
	DeleteFileChunks(ctx context.Context, kbID, fileID uint) error
}

// KnowledgeBaseStats 是单个知识库的统计信息。
type KnowledgeBaseStats struct {
	FileCount  int   `json:"fileCount"`
	ChunkCount int64 `json:"chunkCount"`
}

// KnowledgeBaseService 接口定义了知识库与其文件的全部业务操作。
type KnowledgeBaseService interface {
	Create(user *model.User, kb *model.KnowledgeBase) error
	Get(user *model.User, id uint) (*model.KnowledgeBase, error)
	List(user *model.User) ([]model.KnowledgeBase, error)
	Update(user *model.User, kb *model.KnowledgeBase) error
	Delete(ctx context.Context, user *model.User, id uint) error

	// ResolveSettings 返回知识库级覆盖与全局默认合并后的生效配置。
	ResolveSettings(user *model.User, id uint) (config.Settings, error)
	Stats(user *model.User, id uint) (*KnowledgeBaseStats, error)

	// UploadFile 将文件写入对象存储、登记元数据并投递索引重建任务。
	UploadFile(ctx context.Context, user *model.User, kbID uint, filename, contentType string, size int64, r io.Reader) (*model.File, error)
	ReindexFile(user *model.User, kbID, fileID uint) error
	DeleteFile(ctx context.Context, user *model.User, kbID, fileID uint) error
	ListFiles(user *model.User, kbID uint) ([]model.File, error)
	ListFileChunks(user *model.User, kbID, fileID uint) ([]model.Chunk, error)
}

type knowledgeBaseService struct {
	kbRepo    repository.KnowledgeBaseRepository
	fileRepo  repository.FileRepository
	chunkRepo repository.ChunkRepository
	uploader  ObjectUploader
	indexer   IndexCleaner
	produce   func(task tasks.ReindexTask) error
}

// NewKnowledgeBaseService 创建一个新的 KnowledgeBaseService 实例。
// produce 为 nil 时使用 Kafka 生产者投递重建任务。
func NewKnowledgeBaseService(
	kbRepo repository.KnowledgeBaseRepository,
	fileRepo repository.FileRepository,
	chunkRepo repository.ChunkRepository,
	uploader ObjectUploader,
	indexer IndexCleaner,
	produce func(task tasks.ReindexTask) error,
) KnowledgeBaseService {
	if produce == nil {
		produce = kafka.ProduceReindexTask
	}
	return &knowledgeBaseService{
		kbRepo:    kbRepo,
		fileRepo:  fileRepo,
		chunkRepo: chunkRepo,
		uploader:  uploader,
		indexer:   indexer,
		produce:   produce,
	}
}

// requireOwner 校验用户对知识库的访问权限，ADMIN 不受归属限制。
func requireOwner(user *model.User, kb *model.KnowledgeBase) error {
	if kb.UserID != user.ID && user.Role != "ADMIN" {
		return ErrPermissionDenied
	}
	return nil
}

func (s *knowledgeBaseService) findOwned(user *model.User, id uint) (*model.KnowledgeBase, error) {
	kb, err := s.kbRepo.FindByID(id)
	if err != nil {
		return nil, fmt.Errorf("查找知识库 %d 失败: %w", id, err)
	}
	if err := requireOwner(user, kb); err != nil {
		return nil, err
	}
	return kb, nil
}

func (s *knowledgeBaseService) Create(user *model.User, kb *model.KnowledgeBase) error {
	kb.UserID = user.ID
	// 建库前校验覆盖项，避免写入一个永远无法索引文件的配置
	if _, err := config.Resolve(kb.Overrides()); err != nil {
		return err
	}
	return s.kbRepo.Create(kb)
}

func (s *knowledgeBaseService) Get(user *model.User, id uint) (*model.KnowledgeBase, error) {
	return s.findOwned(user, id)
}

func (s *knowledgeBaseService) List(user *model.User) ([]model.KnowledgeBase, error) {
	return s.kbRepo.FindByUser(user.ID)
}

func (s *knowledgeBaseService) Update(user *model.User, kb *model.KnowledgeBase) error {
	existing, err := s.findOwned(user, kb.ID)
	if err != nil {
		return err
	}
	kb.UserID = existing.UserID
	if _, err := config.Resolve(kb.Overrides()); err != nil {
		return err
	}
	return s.kbRepo.Update(kb)
}

// Delete 删除知识库及其全部文件、块与索引数据。
func (s *knowledgeBaseService) Delete(ctx context.Context, user *model.User, id uint) error {
	kb, err := s.findOwned(user, id)
	if err != nil {
		return err
	}

	files, err := s.fileRepo.FindByKnowledgeBase(kb.ID)
	if err != nil {
		return fmt.Errorf("查找知识库文件失败: %w", err)
	}
	for _, f := range files {
		if err := s.removeFileData(ctx, kb.ID, &f); err != nil {
			return err
		}
	}
	return s.kbRepo.Delete(kb.ID)
}

func (s *knowledgeBaseService) ResolveSettings(user *model.User, id uint) (config.Settings, error) {
	kb, err := s.findOwned(user, id)
	if err != nil {
		return config.Settings{}, err
	}
	return config.Resolve(kb.Overrides())
}

func (s *knowledgeBaseService) Stats(user *model.User, id uint) (*KnowledgeBaseStats, error) {
	kb, err := s.findOwned(user, id)
	if err != nil {
		return nil, err
	}
	files, err := s.fileRepo.FindByKnowledgeBase(kb.ID)
	if err != nil {
		return nil, err
	}
	chunks, err := s.chunkRepo.CountByKnowledgeBase(kb.ID)
	if err != nil {
		return nil, err
	}
	return &KnowledgeBaseStats{FileCount: len(files), ChunkCount: chunks}, nil
}

func (s *knowledgeBaseService) UploadFile(ctx context.Context, user *model.User, kbID uint, filename, contentType string, size int64, r io.Reader) (*model.File, error) {
	kb, err := s.findOwned(user, kbID)
	if err != nil {
		return nil, err
	}

	// 对象键用 uuid 避免同名文件互相覆盖
	objectKey := fmt.Sprintf("kb-%d/%s%s", kb.ID, uuid.New().String(), strings.ToLower(path.Ext(filename)))
	if err := s.uploader.PutObject(ctx, objectKey, contentType, size, r); err != nil {
		return nil, fmt.Errorf("上传文件到对象存储失败: %w", err)
	}

	file := &model.File{
		KnowledgeBaseID:  kb.ID,
		OriginalFilename: filename,
		ObjectKey:        objectKey,
		ContentType:      contentType,
		Size:             size,
		Status:           model.FileStatusPending,
	}
	if err := s.fileRepo.Create(file); err != nil {
		return nil, fmt.Errorf("登记文件元数据失败: %w", err)
	}

	if err := s.produceReindex(kb.ID, file); err != nil {
		// 任务投递失败不回滚上传，标记失败后可手动重建
		log.Errorf("[KnowledgeBaseService] 投递索引任务失败, file: %d, error: %v", file.ID, err)
		if uerr := s.fileRepo.UpdateStatus(file.ID, model.FileStatusFailed, "投递索引任务失败"); uerr != nil {
			log.Errorf("[KnowledgeBaseService] 更新文件状态失败: %v", uerr)
		}
		return file, fmt.Errorf("投递索引任务失败: %w", err)
	}
	return file, nil
}

// ReindexFile 重新投递一个文件的索引重建任务。
func (s *knowledgeBaseService) ReindexFile(user *model.User, kbID, fileID uint) error {
	kb, err := s.findOwned(user, kbID)
	if err != nil {
		return err
	}
	file, err := s.fileRepo.FindByID(fileID)
	if err != nil {
		return fmt.Errorf("查找文件 %d 失败: %w", fileID, err)
	}
	if file.KnowledgeBaseID != kb.ID {
		return ErrPermissionDenied
	}
	if err := s.fileRepo.UpdateStatus(file.ID, model.FileStatusPending, ""); err != nil {
		return err
	}
	return s.produceReindex(kb.ID, file)
}

func (s *knowledgeBaseService) DeleteFile(ctx context.Context, user *model.User, kbID, fileID uint) error {
	kb, err := s.findOwned(user, kbID)
	if err != nil {
		return err
	}
	file, err := s.fileRepo.FindByID(fileID)
	if err != nil {
		return fmt.Errorf("查找文件 %d 失败: %w", fileID, err)
	}
	if file.KnowledgeBaseID != kb.ID {
		return ErrPermissionDenied
	}
	return s.removeFileData(ctx, kb.ID, file)
}

// removeFileData 清理一个文件在索引、块表、对象存储与元数据表中的全部痕迹。
func (s *knowledgeBaseService) removeFileData(ctx context.Context, kbID uint, file *model.File) error {
	if err := s.indexer.DeleteFileChunks(ctx, kbID, file.ID); err != nil {
		return fmt.Errorf("清理文件索引失败: %w", err)
	}
	if err := s.chunkRepo.DeleteByFile(kbID, file.ID); err != nil {
		return fmt.Errorf("删除文件块失败: %w", err)
	}
	if err := s.uploader.RemoveObject(ctx, file.ObjectKey); err != nil {
		// 对象存储残留不阻塞删除，记录后人工清理
		log.Warnf("[KnowledgeBaseService] 删除对象 %s 失败: %v", file.ObjectKey, err)
	}
	return s.fileRepo.Delete(file.ID)
}

func (s *knowledgeBaseService) ListFiles(user *model.User, kbID uint) ([]model.File, error) {
	kb, err := s.findOwned(user, kbID)
	if err != nil {
		return nil, err
	}
	return s.fileRepo.FindByKnowledgeBase(kb.ID)
}

// ListFileChunks 返回文件的全部块，按 chunk_index 升序，供排查切分效果使用。
func (s *knowledgeBaseService) ListFileChunks(user *model.User, kbID, fileID uint) ([]model.Chunk, error) {
	kb, err := s.findOwned(user, kbID)
	if err != nil {
		return nil, err
	}
	file, err := s.fileRepo.FindByID(fileID)
	if err != nil {
		return nil, fmt.Errorf("查找文件 %d 失败: %w", fileID, err)
	}
	if file.KnowledgeBaseID != kb.ID {
		return nil, ErrPermissionDenied
	}
	return s.chunkRepo.FindByFile(kb.ID, file.ID)
}

func (s *knowledgeBaseService) produceReindex(kbID uint, file *model.File) error {
	return s.produce(tasks.ReindexTask{
		KnowledgeBaseID: kbID,
		FileID:          file.ID,
		ObjectKey:       file.ObjectKey,
		Filename:        file.OriginalFilename,
		IsImage:         isImageFilename(file.OriginalFilename),
	})
}

var imageExtensions = map[string]bool{
	".jpg": true, ".jpeg": true, ".png": true,
	".gif": true, ".bmp": true, ".webp": true,
}

func isImageFilename(filename string) bool {
	return imageExtensions[strings.ToLower(path.Ext(filename))]
}

// minioUploader 是 ObjectUploader 的 MinIO 实现，桶名来自全局配置。
type minioUploader struct {
	bucket string
}

// NewMinioUploader 创建基于全局 MinIO 客户端的 ObjectUploader。
func NewMinioUploader(bucket string) ObjectUploader {
	return &minioUploader{bucket: bucket}
}

func (u *minioUploader) PutObject(ctx context.Context, objectKey, contentType string, size int64, r io.Reader) error {
	_, err := storage.MinioClient.PutObject(ctx, u.bucket, objectKey, r, size, minio.PutObjectOptions{
		ContentType: contentType,
	})
	return err
}

func (u *minioUploader) RemoveObject(ctx context.Context, objectKey string) error {
	return storage.MinioClient.RemoveObject(ctx, u.bucket, objectKey, minio.RemoveObjectOptions{})
}
