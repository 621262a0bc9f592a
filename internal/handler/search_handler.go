package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"smart-qa-go/internal/service"
	"smart-qa-go/pkg/log"
)

// SearchHandler 负责纯检索（不经过生成）的 API 请求。
type SearchHandler struct {
	searchService service.SearchService
}

// NewSearchHandler 创建一个新的 SearchHandler 实例。
func NewSearchHandler(searchService service.SearchService) *SearchHandler {
	return &SearchHandler{searchService: searchService}
}

// SearchRequest 定义了检索 API 的请求体结构。
type SearchRequest struct {
	Query           string `json:"query" binding:"required"`
	KnowledgeBaseID *uint  `json:"knowledgeBaseId"`
	TopK            int    `json:"topK"`
}

// Search 在用户可见的知识库范围内执行混合检索。
func (h *SearchHandler) Search(c *gin.Context) {
	var req SearchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": http.StatusBadRequest, "message": "无效的请求负载：query 不能为空"})
		return
	}

	results, err := h.searchService.Search(c.Request.Context(), currentUser(c), req.Query, req.KnowledgeBaseID, req.TopK)
	if err != nil {
		if errors.Is(err, service.ErrRetrievalUnavailable) {
			log.Errorf("Search: 检索服务不可用: %v", err)
			c.JSON(http.StatusServiceUnavailable, gin.H{"code": http.StatusServiceUnavailable, "message": "检索服务暂时不可用"})
			return
		}
		respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": http.StatusOK, "data": results, "message": "success"})
}
