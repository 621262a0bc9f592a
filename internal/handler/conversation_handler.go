package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"smart-qa-go/internal/service"
	"smart-qa-go/pkg/log"
)

// ConversationHandler 负责对话管理相关的 API 请求。
type ConversationHandler struct {
	convService service.ConversationService
}

// NewConversationHandler 创建一个新的 ConversationHandler 实例。
func NewConversationHandler(convService service.ConversationService) *ConversationHandler {
	return &ConversationHandler{convService: convService}
}

// List 列出当前用户的全部对话。
func (h *ConversationHandler) List(c *gin.Context) {
	convs, err := h.convService.List(currentUser(c))
	if err != nil {
		respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": http.StatusOK, "data": convs, "message": "success"})
}

// GetMessages 返回一个对话的全部消息，按时间升序。
func (h *ConversationHandler) GetMessages(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	messages, err := h.convService.GetMessages(currentUser(c), id)
	if err != nil {
		respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": http.StatusOK, "data": messages, "message": "success"})
}

// RenameRequest 定义了重命名对话的请求体结构。
type RenameRequest struct {
	Title string `json:"title" binding:"required"`
}

// Rename 修改对话标题。
func (h *ConversationHandler) Rename(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req RenameRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": http.StatusBadRequest, "message": "无效的请求负载：title 不能为空"})
		return
	}
	if err := h.convService.Rename(currentUser(c), id, req.Title); err != nil {
		respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": http.StatusOK, "message": "success"})
}

// Delete 删除对话及其全部消息。
func (h *ConversationHandler) Delete(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	if err := h.convService.Delete(c.Request.Context(), currentUser(c), id); err != nil {
		respondServiceError(c, err)
		return
	}
	log.Infof("对话 %d 已删除", id)
	c.JSON(http.StatusOK, gin.H{"code": http.StatusOK, "message": "对话已删除"})
}
