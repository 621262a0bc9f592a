package handler

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"smart-qa-go/internal/config"
	"smart-qa-go/internal/model"
	"smart-qa-go/internal/service"
	"smart-qa-go/pkg/log"
)

// KnowledgeBaseHandler 负责知识库与其文件的 API 请求。
type KnowledgeBaseHandler struct {
	kbService service.KnowledgeBaseService
}

// NewKnowledgeBaseHandler 创建一个新的 KnowledgeBaseHandler 实例。
func NewKnowledgeBaseHandler(kbService service.KnowledgeBaseService) *KnowledgeBaseHandler {
	return &KnowledgeBaseHandler{kbService: kbService}
}

// respondServiceError 按错误类型映射 HTTP 状态码。
func respondServiceError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, service.ErrPermissionDenied):
		c.JSON(http.StatusForbidden, gin.H{"code": http.StatusForbidden, "message": "无权访问该资源"})
	case errors.Is(err, config.ErrInvalidConfig):
		c.JSON(http.StatusBadRequest, gin.H{"code": http.StatusBadRequest, "message": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"code": http.StatusInternalServerError, "message": err.Error()})
	}
}

func pathID(c *gin.Context, name string) (uint, bool) {
	id, err := strconv.ParseUint(c.Param(name), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": http.StatusBadRequest, "message": "无效的路径参数 " + name})
		return 0, false
	}
	return uint(id), true
}

// CreateKnowledgeBaseRequest 定义了创建知识库的请求体，覆盖项均可省略。
type CreateKnowledgeBaseRequest struct {
	Name                string   `json:"name" binding:"required"`
	Description         string   `json:"description"`
	ChunkSize           *int     `json:"chunkSize"`
	ChunkOverlap        *int     `json:"chunkOverlap"`
	ChunkMaxExpandRatio *float64 `json:"chunkMaxExpandRatio"`
	EmbeddingModel      *string  `json:"embeddingModel"`
	LLMModel            *string  `json:"llmModel"`
	Temperature         *float64 `json:"temperature"`
	TopK                *int     `json:"topK"`
	EnableRerank        *bool    `json:"enableRerank"`
	EnableHybrid        *bool    `json:"enableHybrid"`
}

func (r *CreateKnowledgeBaseRequest) toModel() *model.KnowledgeBase {
	return &model.KnowledgeBase{
		Name:                r.Name,
		Description:         r.Description,
		ChunkSize:           r.ChunkSize,
		ChunkOverlap:        r.ChunkOverlap,
		ChunkMaxExpandRatio: r.ChunkMaxExpandRatio,
		EmbeddingModel:      r.EmbeddingModel,
		LLMModel:            r.LLMModel,
		Temperature:         r.Temperature,
		TopK:                r.TopK,
		EnableRerank:        r.EnableRerank,
		EnableHybrid:        r.EnableHybrid,
	}
}

// Create 创建一个新的知识库。
func (h *KnowledgeBaseHandler) Create(c *gin.Context) {
	var req CreateKnowledgeBaseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": http.StatusBadRequest, "message": "无效的请求负载：name 不能为空"})
		return
	}

	kb := req.toModel()
	if err := h.kbService.Create(currentUser(c), kb); err != nil {
		respondServiceError(c, err)
		return
	}
	log.Infof("知识库 '%s' 创建成功, id: %d", kb.Name, kb.ID)
	c.JSON(http.StatusOK, gin.H{"code": http.StatusOK, "data": kb, "message": "success"})
}

// List 列出当前用户的全部知识库。
func (h *KnowledgeBaseHandler) List(c *gin.Context) {
	kbs, err := h.kbService.List(currentUser(c))
	if err != nil {
		respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": http.StatusOK, "data": kbs, "message": "success"})
}

// Get 返回单个知识库详情。
func (h *KnowledgeBaseHandler) Get(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	kb, err := h.kbService.Get(currentUser(c), id)
	if err != nil {
		respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": http.StatusOK, "data": kb, "message": "success"})
}

// Update 更新知识库信息与配置覆盖项。
func (h *KnowledgeBaseHandler) Update(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req CreateKnowledgeBaseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": http.StatusBadRequest, "message": "无效的请求负载"})
		return
	}

	kb := req.toModel()
	kb.ID = id
	if err := h.kbService.Update(currentUser(c), kb); err != nil {
		respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": http.StatusOK, "data": kb, "message": "success"})
}

// Delete 删除知识库及其全部数据。
func (h *KnowledgeBaseHandler) Delete(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	if err := h.kbService.Delete(c.Request.Context(), currentUser(c), id); err != nil {
		respondServiceError(c, err)
		return
	}
	log.Infof("知识库 %d 已删除", id)
	c.JSON(http.StatusOK, gin.H{"code": http.StatusOK, "message": "知识库已删除"})
}

// Settings 返回知识库合并后的生效配置。
func (h *KnowledgeBaseHandler) Settings(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	settings, err := h.kbService.ResolveSettings(currentUser(c), id)
	if err != nil {
		respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": http.StatusOK, "data": settings, "message": "success"})
}

// Stats 返回知识库的文件与块统计。
func (h *KnowledgeBaseHandler) Stats(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	stats, err := h.kbService.Stats(currentUser(c), id)
	if err != nil {
		respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": http.StatusOK, "data": stats, "message": "success"})
}

// UploadFile 接收 multipart 文件，写入对象存储并触发异步索引。
func (h *KnowledgeBaseHandler) UploadFile(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}

	fileHeader, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": http.StatusBadRequest, "message": "缺少 file 表单字段"})
		return
	}
	src, err := fileHeader.Open()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"code": http.StatusInternalServerError, "message": "读取上传文件失败"})
		return
	}
	defer src.Close()

	file, err := h.kbService.UploadFile(c.Request.Context(), currentUser(c), id,
		fileHeader.Filename, fileHeader.Header.Get("Content-Type"), fileHeader.Size, src)
	if err != nil {
		respondServiceError(c, err)
		return
	}

	log.Infof("文件 '%s' 已上传至知识库 %d, file id: %d", file.OriginalFilename, id, file.ID)
	c.JSON(http.StatusOK, gin.H{"code": http.StatusOK, "data": file, "message": "文件已上传，索引构建中"})
}

// ListFiles 列出知识库下的全部文件及其索引状态。
func (h *KnowledgeBaseHandler) ListFiles(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	files, err := h.kbService.ListFiles(currentUser(c), id)
	if err != nil {
		respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": http.StatusOK, "data": files, "message": "success"})
}

// ListFileChunks 返回文件切分后的全部块，按块序排列。
func (h *KnowledgeBaseHandler) ListFileChunks(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	fileID, ok := pathID(c, "fileId")
	if !ok {
		return
	}
	chunks, err := h.kbService.ListFileChunks(currentUser(c), id, fileID)
	if err != nil {
		respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": http.StatusOK, "data": chunks, "message": "success"})
}

// ReindexFile 重新触发单个文件的索引重建。
func (h *KnowledgeBaseHandler) ReindexFile(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	fileID, ok := pathID(c, "fileId")
	if !ok {
		return
	}
	if err := h.kbService.ReindexFile(currentUser(c), id, fileID); err != nil {
		respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": http.StatusOK, "message": "重建任务已投递"})
}

// DeleteFile 删除知识库下的单个文件及其索引数据。
func (h *KnowledgeBaseHandler) DeleteFile(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	fileID, ok := pathID(c, "fileId")
	if !ok {
		return
	}
	if err := h.kbService.DeleteFile(c.Request.Context(), currentUser(c), id, fileID); err != nil {
		respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": http.StatusOK, "message": "文件已删除"})
}
