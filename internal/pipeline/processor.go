package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"
	"unicode/utf8"

	"github.com/minio/minio-go/v7"

	"smart-qa-go/internal/config"
	"smart-qa-go/internal/model"
	"smart-qa-go/internal/repository"
	"smart-qa-go/pkg/embedding"
	"smart-qa-go/pkg/log"
	"smart-qa-go/pkg/storage"
	"smart-qa-go/pkg/tasks"
)

// TextExtractor 从原始文件内容中提取纯文本，tika.Client 是生产实现。
type TextExtractor interface {
	ExtractText(fileReader io.Reader, fileName string) (string, error)
}

// ObjectStore 按对象键读取文件内容。
type ObjectStore interface {
	FetchObject(ctx context.Context, objectKey string) ([]byte, error)
	PresignURL(objectKey string) (string, error)
}

// ChunkIndexer 是块文档的搜索索引写入口，es.SearchIndex 是生产实现。
type ChunkIndexer interface {
	IndexChunk(ctx context.Context, doc model.ChunkDocument) error
	DeleteFileChunks(ctx context.Context, kbID, fileID uint) error
}

// Locker provides per (knowledge base, file) mutual exclusion for reindex runs.
type Locker interface {
	Acquire(ctx context.Context, kbID, fileID uint) (bool, error)
	Release(ctx context.Context, kbID, fileID uint) error
}

// Processor 封装了文件重建索引的所有依赖和逻辑。
type Processor struct {
	extractor       TextExtractor
	embeddingClient embedding.Client
	objectStore     ObjectStore
	indexer         ChunkIndexer
	locks           Locker
	chunkRepo       repository.ChunkRepository
	fileRepo        repository.FileRepository
	kbRepo          repository.KnowledgeBaseRepository
}

// NewProcessor 创建一个新的 Processor 实例。
func NewProcessor(
	extractor TextExtractor,
	embeddingClient embedding.Client,
	objectStore ObjectStore,
	indexer ChunkIndexer,
	locks Locker,
	chunkRepo repository.ChunkRepository,
	fileRepo repository.FileRepository,
	kbRepo repository.KnowledgeBaseRepository,
) *Processor {
	return &Processor{
		extractor:       extractor,
		embeddingClient: embeddingClient,
		objectStore:     objectStore,
		indexer:         indexer,
		locks:           locks,
		chunkRepo:       chunkRepo,
		fileRepo:        fileRepo,
		kbRepo:          kbRepo,
	}
}

// Process 重建单个文件的索引：提取文本、切块、落库、向量化并写入搜索索引。
// 同一 (知识库, 文件) 的重建由分布式锁互斥，只影响该文件的块。
func (p *Processor) Process(ctx context.Context, task tasks.ReindexTask) error {
	log.Infof("[Processor] 开始重建索引, KB: %d, File: %d, Filename: %s", task.KnowledgeBaseID, task.FileID, task.Filename)

	acquired, err := p.locks.Acquire(ctx, task.KnowledgeBaseID, task.FileID)
	if err != nil {
		return fmt.Errorf("获取重建锁失败: %w", err)
	}
	if !acquired {
		return fmt.Errorf("文件 %d 的重建任务已在执行中", task.FileID)
	}
	defer func() {
		if err := p.locks.Release(context.Background(), task.KnowledgeBaseID, task.FileID); err != nil {
			log.Warnf("[Processor] 释放重建锁失败: %v", err)
		}
	}()

	if err := p.fileRepo.UpdateStatus(task.FileID, model.FileStatusIndexing, ""); err != nil {
		log.Warnf("[Processor] 更新文件状态为 INDEXING 失败: %v", err)
	}

	if err := p.process(ctx, task); err != nil {
		if uerr := p.fileRepo.UpdateStatus(task.FileID, model.FileStatusFailed, err.Error()); uerr != nil {
			log.Warnf("[Processor] 更新文件状态为 FAILED 失败: %v", uerr)
		}
		return err
	}

	if err := p.fileRepo.UpdateStatus(task.FileID, model.FileStatusIndexed, ""); err != nil {
		log.Warnf("[Processor] 更新文件状态为 INDEXED 失败: %v", err)
	}
	log.Infof("[Processor] 重建索引完成, KB: %d, File: %d", task.KnowledgeBaseID, task.FileID)
	return nil
}

func (p *Processor) process(ctx context.Context, task tasks.ReindexTask) error {
	// 1. 解析生效的切分配置（知识库覆盖 > 全局默认）
	kb, err := p.kbRepo.FindByID(task.KnowledgeBaseID)
	if err != nil {
		return fmt.Errorf("查找知识库 %d 失败: %w", task.KnowledgeBaseID, err)
	}
	settings, err := config.Resolve(kb.Overrides())
	if err != nil {
		return fmt.Errorf("解析知识库 %d 的配置失败: %w", task.KnowledgeBaseID, err)
	}

	if task.IsImage {
		return p.processImage(ctx, task)
	}

	// 2. 下载并提取文本
	data, err := p.objectStore.FetchObject(ctx, task.ObjectKey)
	if err != nil {
		return fmt.Errorf("下载文件内容失败: %w", err)
	}
	if len(data) == 0 {
		return errors.New("文件内容为空")
	}

	textContent, err := p.extractor.ExtractText(bytes.NewReader(data), task.Filename)
	if err != nil {
		return fmt.Errorf("提取文本失败: %w", err)
	}
	if textContent == "" {
		return errors.New("提取的文本内容为空")
	}
	log.Infof("[Processor] 文本提取成功, 内容长度: %d 字符", utf8.RuneCountInString(textContent))

	// 3. 切块
	texts, err := ChunkText(textContent, settings.ChunkSize, settings.ChunkOverlap, settings.ChunkMaxExpandRatio)
	if err != nil {
		return fmt.Errorf("文本切块失败: %w", err)
	}
	if len(texts) == 0 {
		return errors.New("未生成任何文本分块")
	}
	log.Infof("[Processor] 文本分块完成, 共 %d 块 (size=%d, overlap=%d)", len(texts), settings.ChunkSize, settings.ChunkOverlap)

	// 4. 替换数据库中该文件的块记录，chunk_index 从 0 连续递增
	chunks := make([]model.Chunk, 0, len(texts))
	for i, text := range texts {
		chunks = append(chunks, model.Chunk{
			FileID:          task.FileID,
			KnowledgeBaseID: task.KnowledgeBaseID,
			Content:         text,
			ChunkIndex:      i,
			VectorID:        fmt.Sprintf("%d_%d", task.FileID, i),
		})
	}
	if err := p.chunkRepo.ReplaceFileChunks(task.KnowledgeBaseID, task.FileID, chunks); err != nil {
		return fmt.Errorf("替换文件块记录失败: %w", err)
	}

	// 5. 清理搜索索引中的旧文档后逐块向量化写入
	if err := p.indexer.DeleteFileChunks(ctx, task.KnowledgeBaseID, task.FileID); err != nil {
		return fmt.Errorf("清理旧索引文档失败: %w", err)
	}
	for _, chunk := range chunks {
		vector, err := p.embeddingClient.CreateEmbedding(ctx, chunk.Content)
		if err != nil {
			return fmt.Errorf("块 %d 向量化失败: %w", chunk.ChunkIndex, err)
		}
		doc := model.ChunkDocument{
			VectorID:        chunk.VectorID,
			ChunkID:         chunk.ID,
			FileID:          chunk.FileID,
			KnowledgeBaseID: chunk.KnowledgeBaseID,
			ChunkIndex:      chunk.ChunkIndex,
			Content:         chunk.Content,
			Vector:          vector,
			ModelVersion:    settings.EmbeddingModel,
		}
		if err := p.indexer.IndexChunk(ctx, doc); err != nil {
			return fmt.Errorf("块 %d 写入索引失败: %w", chunk.ChunkIndex, err)
		}
	}
	return nil
}

// processImage 为图片文件建立单块索引，向量来自多模态 Embedding，
// 图文共用向量空间因此可被文本查询召回。
func (p *Processor) processImage(ctx context.Context, task tasks.ReindexTask) error {
	url, err := p.objectStore.PresignURL(task.ObjectKey)
	if err != nil {
		return fmt.Errorf("生成图片访问地址失败: %w", err)
	}
	vector, err := p.embeddingClient.CreateImageEmbedding(ctx, url)
	if err != nil {
		return fmt.Errorf("图片向量化失败: %w", err)
	}

	content := fmt.Sprintf("[图片] %s", task.Filename)
	chunks := []model.Chunk{{
		FileID:          task.FileID,
		KnowledgeBaseID: task.KnowledgeBaseID,
		Content:         content,
		ChunkIndex:      0,
		VectorID:        fmt.Sprintf("%d_0", task.FileID),
	}}
	if err := p.chunkRepo.ReplaceFileChunks(task.KnowledgeBaseID, task.FileID, chunks); err != nil {
		return fmt.Errorf("替换图片块记录失败: %w", err)
	}

	if err := p.indexer.DeleteFileChunks(ctx, task.KnowledgeBaseID, task.FileID); err != nil {
		return fmt.Errorf("清理旧索引文档失败: %w", err)
	}
	doc := model.ChunkDocument{
		VectorID:        chunks[0].VectorID,
		ChunkID:         chunks[0].ID,
		FileID:          task.FileID,
		KnowledgeBaseID: task.KnowledgeBaseID,
		ChunkIndex:      0,
		Content:         content,
		Vector:          vector,
		IsImage:         true,
	}
	if err := p.indexer.IndexChunk(ctx, doc); err != nil {
		return fmt.Errorf("图片块写入索引失败: %w", err)
	}
	return nil
}

// minioObjectStore 是 ObjectStore 的 MinIO 实现。
type minioObjectStore struct {
	cfg config.MinIOConfig
}

// NewMinioObjectStore 创建基于 MinIO 的 ObjectStore。
func NewMinioObjectStore(cfg config.MinIOConfig) ObjectStore {
	return &minioObjectStore{cfg: cfg}
}

func (s *minioObjectStore) FetchObject(ctx context.Context, objectKey string) ([]byte, error) {
	object, err := storage.MinioClient.GetObject(ctx, s.cfg.BucketName, objectKey, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("从 MinIO 下载文件失败: %w", err)
	}
	defer object.Close()

	buf := new(bytes.Buffer)
	if _, err := buf.ReadFrom(object); err != nil {
		return nil, fmt.Errorf("读取 MinIO 对象流失败: %w", err)
	}
	return buf.Bytes(), nil
}

func (s *minioObjectStore) PresignURL(objectKey string) (string, error) {
	return storage.GetPresignedURL(s.cfg.BucketName, objectKey, 15*time.Minute)
}
