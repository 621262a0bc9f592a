package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"smart-qa-go/internal/model"
	"smart-qa-go/internal/service"
	"smart-qa-go/pkg/log"
	"smart-qa-go/pkg/token"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // 允许所有来源
	},
}

// ChatHandler 负责问答的三种接入方式：同步、SSE 流式与 WebSocket。
type ChatHandler struct {
	chatService service.ChatService
	userService service.UserService
	jwtManager  *token.JWTManager
}

// NewChatHandler 创建一个新的 ChatHandler 实例。
func NewChatHandler(chatService service.ChatService, userService service.UserService, jwtManager *token.JWTManager) *ChatHandler {
	return &ChatHandler{
		chatService: chatService,
		userService: userService,
		jwtManager:  jwtManager,
	}
}

// Completions 处理同步问答请求，一次性返回完整回答。
func (h *ChatHandler) Completions(c *gin.Context) {
	var req model.ChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": http.StatusBadRequest, "message": "无效的请求负载：content 不能为空"})
		return
	}

	resp, err := h.chatService.Answer(c.Request.Context(), currentUser(c), req)
	if err != nil {
		if errors.Is(err, service.ErrRetrievalUnavailable) {
			c.JSON(http.StatusServiceUnavailable, gin.H{"code": http.StatusServiceUnavailable, "message": "检索服务暂时不可用"})
			return
		}
		respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": http.StatusOK, "data": resp, "message": "success"})
}

// sseEventWriter 将流式事件以 Server-Sent Events 格式写出。
type sseEventWriter struct {
	w       gin.ResponseWriter
	flusher http.Flusher
}

func (s *sseEventWriter) WriteEvent(ev model.StreamEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", data); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// StreamCompletions 处理 SSE 流式问答请求。
// 正文 token 逐条下发，结束时发送 done 事件与 [DONE] 哨兵。
func (h *ChatHandler) StreamCompletions(c *gin.Context) {
	var req model.ChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": http.StatusBadRequest, "message": "无效的请求负载：content 不能为空"})
		return
	}

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"code": http.StatusInternalServerError, "message": "当前连接不支持流式响应"})
		return
	}

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no")
	c.Writer.WriteHeader(http.StatusOK)
	flusher.Flush()

	writer := &sseEventWriter{w: c.Writer, flusher: flusher}
	if err := h.chatService.StreamAnswer(c.Request.Context(), currentUser(c), req, writer); err != nil {
		// 错误事件已由编排层写出，这里只记录
		log.Errorf("StreamCompletions: 流式问答失败: %v", err)
		return
	}

	fmt.Fprint(c.Writer, "data: [DONE]\n\n")
	flusher.Flush()
}

// wsEventWriter 将流式事件以 JSON 文本帧写入 WebSocket 连接。
type wsEventWriter struct {
	conn *websocket.Conn
}

func (w *wsEventWriter) WriteEvent(ev model.StreamEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return w.conn.WriteMessage(websocket.TextMessage, data)
}

// HandleWebSocket 处理 WebSocket 问答连接。
// 鉴权通过路径中的 token 完成，每条入站消息是一个 JSON 格式的问答请求。
func (h *ChatHandler) HandleWebSocket(c *gin.Context) {
	tokenString := c.Param("token")
	claims, err := h.jwtManager.VerifyToken(tokenString)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"code": http.StatusUnauthorized, "message": "无效的 token"})
		return
	}
	user, err := h.userService.GetProfile(claims.Username)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"code": http.StatusInternalServerError, "message": "无法获取用户信息"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error("WebSocket 升级失败", err)
		return
	}
	defer conn.Close()

	log.Infof("WebSocket 连接已建立，用户: %s", user.Username)
	writer := &wsEventWriter{conn: conn}

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			log.Warnf("从 WebSocket 读取消息失败: %v", err)
			break
		}

		var req model.ChatRequest
		if err := json.Unmarshal(message, &req); err != nil || req.Content == "" {
			_ = writer.WriteEvent(model.StreamEvent{
				Type:    model.EventError,
				Message: "无效的消息格式，需要 JSON 格式的问答请求",
			})
			continue
		}

		if err := h.chatService.StreamAnswer(c.Request.Context(), user, req, writer); err != nil {
			log.Errorf("WebSocket 问答失败, user: %s: %v", user.Username, err)
		}
	}
}
