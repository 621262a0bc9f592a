package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"smart-qa-go/internal/config"
	"smart-qa-go/internal/model"
	"smart-qa-go/internal/repository"
	"smart-qa-go/pkg/llm"
	"smart-qa-go/pkg/log"
)

// EventWriter 是流式事件的出口。SSE 与 WebSocket 各有一个实现，
// 非流式接口用收集器实现对接同一条链路。
type EventWriter interface {
	WriteEvent(ev model.StreamEvent) error
}

// ToolRunner 是聊天编排可用的工具集合，mcptool.Registry 是生产实现。
type ToolRunner interface {
	Definitions() []llm.Tool
	Call(ctx context.Context, name, argsJSON string) (string, error)
}

// ChatService 定义了问答编排的接口。
type ChatService interface {
	// StreamAnswer 执行完整的检索-生成链路并把事件写入 w。
	// 客户端断开（ctx 取消）时放弃本轮，不落库。
	StreamAnswer(ctx context.Context, user *model.User, req model.ChatRequest, w EventWriter) error
	// Answer 是非流式入口，内部复用流式链路。
	Answer(ctx context.Context, user *model.User, req model.ChatRequest) (*model.ChatResponse, error)
}

type chatService struct {
	retrieval    RetrievalService
	assembler    *ContextAssembler
	llmClient    llm.Client
	tools        ToolRunner
	convRepo     repository.ConversationRepository
	historyCache repository.HistoryCache
	kbRepo       repository.KnowledgeBaseRepository
}

// NewChatService 创建一个新的 ChatService 实例。
func NewChatService(
	retrieval RetrievalService,
	assembler *ContextAssembler,
	llmClient llm.Client,
	tools ToolRunner,
	convRepo repository.ConversationRepository,
	historyCache repository.HistoryCache,
	kbRepo repository.KnowledgeBaseRepository,
) ChatService {
	return &chatService{
		retrieval:    retrieval,
		assembler:    assembler,
		llmClient:    llmClient,
		tools:        tools,
		convRepo:     convRepo,
		historyCache: historyCache,
		kbRepo:       kbRepo,
	}
}

// 编排状态，仅用于日志与问题定位。
const (
	stateInit         = "INIT"
	stateRetrieving   = "RETRIEVING"
	stateContextReady = "CONTEXT_READY"
	stateStreaming    = "STREAMING"
	stateDone         = "DONE"
	stateError        = "ERROR"
)

func (s *chatService) StreamAnswer(ctx context.Context, user *model.User, req model.ChatRequest, w EventWriter) error {
	state := stateInit
	log.Infof("[ChatService] 开始问答, user: %s, kb: %v, state: %s", user.Username, req.KnowledgeBaseID, state)

	// 1. 解析知识库范围与生效配置
	kbIDs, settings, err := s.resolveScope(user, req.KnowledgeBaseID)
	if err != nil {
		return s.fail(ctx, w, state, err)
	}

	// 2. 获取或创建对话
	conv, err := s.resolveConversation(user, req)
	if err != nil {
		return s.fail(ctx, w, state, err)
	}

	// 3. 检索
	state = stateRetrieving
	result, err := s.retrieval.Retrieve(ctx, req.Content, kbIDs, settings)
	if err != nil {
		return s.fail(ctx, w, state, err)
	}
	if result.Degraded(model.DegradedLexical) {
		log.Warnf("[ChatService] 词法通道降级, 本轮为纯向量检索, conversation: %d", conv.ID)
	}

	// 4. 组装上下文并估计置信度
	assembled := s.assembler.Assemble(result.Candidates)
	confidence := EstimateConfidence(assembled, result.Reranked)
	state = stateContextReady
	log.Infof("[ChatService] 上下文就绪, 候选 %d 块, confidence: %.3f, state: %s",
		len(assembled.Entries), confidence.Confidence, state)

	// 5. 空知识库或零命中：直接以固定文案完成，不调用 LLM
	if len(assembled.Entries) == 0 {
		return s.finishEmpty(ctx, w, user, conv, req.Content, confidence)
	}

	// 6. 流式生成（含工具调用循环）
	state = stateStreaming
	answer, toolsUsed, err := s.generate(ctx, w, conv, req.Content, assembled, settings, confidence.Disclose)
	if err != nil {
		return s.fail(ctx, w, state, err)
	}

	// 7. 完成事件与落库
	state = stateDone
	log.Infof("[ChatService] 问答完成, conversation: %d, tools: %v, state: %s", conv.ID, toolsUsed, state)
	return s.finish(ctx, w, user, conv, req.Content, answer, toolsUsed, confidence, settings)
}

// fail 发送错误事件。客户端已断开时跳过写出。
func (s *chatService) fail(ctx context.Context, w EventWriter, state string, err error) error {
	log.Errorf("[ChatService] 问答失败于 %s: %v", state, err)
	if ctx.Err() != nil {
		// 断开的客户端收不到任何事件，本轮直接丢弃
		return err
	}
	if werr := w.WriteEvent(model.StreamEvent{Type: model.EventError, Message: err.Error()}); werr != nil {
		log.Warnf("[ChatService] 写错误事件失败: %v", werr)
	}
	return err
}

// resolveScope 确定检索的知识库范围与生效配置。
// 指定知识库时校验归属；未指定时检索用户的全部知识库。
func (s *chatService) resolveScope(user *model.User, kbID *uint) ([]uint, config.Settings, error) {
	if kbID != nil {
		kb, err := s.kbRepo.FindByID(*kbID)
		if err != nil {
			return nil, config.Settings{}, fmt.Errorf("查找知识库 %d 失败: %w", *kbID, err)
		}
		if kb.UserID != user.ID && user.Role != "ADMIN" {
			return nil, config.Settings{}, ErrPermissionDenied
		}
		settings, err := config.Resolve(kb.Overrides())
		if err != nil {
			return nil, config.Settings{}, err
		}
		return []uint{kb.ID}, settings, nil
	}

	settings, err := config.Resolve(config.KBOverrides{})
	if err != nil {
		return nil, config.Settings{}, err
	}
	kbs, err := s.kbRepo.FindByUser(user.ID)
	if err != nil {
		return nil, config.Settings{}, fmt.Errorf("查找用户知识库失败: %w", err)
	}
	ids := make([]uint, 0, len(kbs))
	for _, kb := range kbs {
		ids = append(ids, kb.ID)
	}
	return ids, settings, nil
}

func (s *chatService) resolveConversation(user *model.User, req model.ChatRequest) (*model.Conversation, error) {
	if req.ConversationID != nil {
		conv, err := s.convRepo.FindConversation(*req.ConversationID)
		if err != nil {
			return nil, fmt.Errorf("查找对话 %d 失败: %w", *req.ConversationID, err)
		}
		if conv.UserID != user.ID {
			return nil, ErrPermissionDenied
		}
		return conv, nil
	}

	conv := &model.Conversation{
		UserID:          user.ID,
		KnowledgeBaseID: req.KnowledgeBaseID,
		Title:           makeTitle(req.Content),
	}
	if err := s.convRepo.CreateConversation(conv); err != nil {
		return nil, fmt.Errorf("创建对话失败: %w", err)
	}
	return conv, nil
}

// makeTitle 取首问的前 50 个字符作为对话标题。
func makeTitle(question string) string {
	runes := []rune(strings.TrimSpace(question))
	if len(runes) > 50 {
		return string(runes[:50])
	}
	return string(runes)
}

// generate 执行流式生成，工具调用轮次受 mcp.max_tool_iterations 约束。
// 正文 token 逐个写出；模型请求工具时正文暂停，工具结果回填后继续。
func (s *chatService) generate(ctx context.Context, w EventWriter, conv *model.Conversation, question string, assembled *model.AssembledContext, settings config.Settings, lowConfidence bool) (string, []string, error) {
	history, err := s.loadHistory(ctx, conv.ID)
	if err != nil {
		log.Warnf("[ChatService] 加载对话历史失败, 以空历史继续: %v", err)
		history = nil
	}

	messages := s.composeMessages(assembled.ContextText, history, question, lowConfidence)

	maxIter := config.Conf.MCP.MaxToolIterations
	if maxIter <= 0 {
		maxIter = 5
	}
	temperature := settings.Temperature
	gen := &llm.GenerationParams{}
	if temperature != 0 {
		gen.Temperature = &temperature
	}

	var answer strings.Builder
	onToken := func(token string) error {
		answer.WriteString(token)
		return w.WriteEvent(model.StreamEvent{Type: model.EventToken, Content: token})
	}

	toolDefs := s.tools.Definitions()
	var toolsUsed []string
	usedSet := make(map[string]bool)

	for iter := 0; ; iter++ {
		defs := toolDefs
		if iter >= maxIter {
			// 超过工具轮次上限后不再向模型提供工具，强制产出最终回答
			defs = nil
		}

		res, err := s.llmClient.StreamChat(ctx, settings.LLMModel, messages, defs, gen, onToken)
		if err != nil {
			return "", nil, fmt.Errorf("生成回答失败: %w", err)
		}
		if len(res.ToolCalls) == 0 {
			break
		}

		messages = append(messages, llm.Message{
			Role:      "assistant",
			Content:   res.Content,
			ToolCalls: res.ToolCalls,
		})
		for _, tc := range res.ToolCalls {
			name := tc.Function.Name
			if !usedSet[name] {
				usedSet[name] = true
				toolsUsed = append(toolsUsed, name)
			}
			output, err := s.tools.Call(ctx, name, tc.Function.Arguments)
			if err != nil {
				// 工具失败以结果文本回传模型，不中断生成
				log.Warnf("[ChatService] 工具 %s 调用失败: %v", name, err)
				output = fmt.Sprintf("工具调用失败: %v", err)
			}
			messages = append(messages, llm.Message{
				Role:       "tool",
				ToolCallID: tc.ID,
				Content:    output,
			})
		}
	}

	return answer.String(), toolsUsed, nil
}

// composeMessages 构建 system 提示、历史与当前问题的消息序列。
func (s *chatService) composeMessages(contextText string, history []model.ChatMessage, question string, lowConfidence bool) []llm.Message {
	prompt := config.Conf.LLM.Prompt
	rules := prompt.Rules
	if rules == "" {
		rules = "你是一个知识库问答助手，请严格依据参考资料回答问题；资料不足时明确说明。"
	}
	refStart := prompt.RefStart
	if refStart == "" {
		refStart = "<参考资料>"
	}
	refEnd := prompt.RefEnd
	if refEnd == "" {
		refEnd = "</参考资料>"
	}

	system := fmt.Sprintf("%s\n\n%s\n%s\n%s", rules, refStart, contextText, refEnd)
	if lowConfidence {
		system += "\n\n注意：参考资料与问题的相关性较低，允许结合你自己的知识补充回答，并向用户说明哪些内容来自资料之外。"
	}

	messages := make([]llm.Message, 0, len(history)+2)
	messages = append(messages, llm.Message{Role: "system", Content: system})
	for _, h := range history {
		messages = append(messages, llm.Message{Role: h.Role, Content: h.Content})
	}
	messages = append(messages, llm.Message{Role: "user", Content: question})
	return messages
}

func (s *chatService) loadHistory(ctx context.Context, conversationID uint) ([]model.ChatMessage, error) {
	cached, err := s.historyCache.Get(ctx, conversationID)
	if err == nil && cached != nil {
		return cached, nil
	}
	if err != nil {
		log.Warnf("[ChatService] 读取历史缓存失败, 回源 MySQL: %v", err)
	}

	msgs, err := s.convRepo.FindRecentMessages(conversationID, 20)
	if err != nil {
		return nil, err
	}
	history := make([]model.ChatMessage, 0, len(msgs))
	for _, m := range msgs {
		history = append(history, model.ChatMessage{Role: m.Role, Content: m.Content, Timestamp: m.CreatedAt})
	}
	if err := s.historyCache.Set(ctx, conversationID, history); err != nil {
		log.Warnf("[ChatService] 写历史缓存失败: %v", err)
	}
	return history, nil
}

// finishEmpty 处理零命中：发送固定文案 token 与 done 事件并落库。
func (s *chatService) finishEmpty(ctx context.Context, w EventWriter, user *model.User, conv *model.Conversation, question string, confidence model.ConfidenceResult) error {
	noResult := config.Conf.LLM.Prompt.NoResultText
	if noResult == "" {
		noResult = "知识库中没有找到与问题相关的内容。"
	}
	if err := w.WriteEvent(model.StreamEvent{Type: model.EventToken, Content: noResult}); err != nil {
		return err
	}
	return s.finish(ctx, w, user, conv, question, noResult, nil, confidence, config.Settings{})
}

// finish 发送 done 事件并持久化本轮消息。只有走到这里的回答才会落库。
func (s *chatService) finish(ctx context.Context, w EventWriter, user *model.User, conv *model.Conversation, question, answer string, toolsUsed []string, confidence model.ConfidenceResult, settings config.Settings) error {
	conf := confidence.Confidence
	done := model.StreamEvent{
		Type:           model.EventDone,
		ConversationID: conv.ID,
		Confidence:     &conf,
		Sources:        confidence.Sources,
		ToolsUsed:      toolsUsed,
	}
	// 低置信度时披露检索上下文，便于用户自行核对
	if confidence.Disclose {
		done.RetrievedContext = confidence.RetrievedContext
	}
	if err := w.WriteEvent(done); err != nil {
		return fmt.Errorf("写完成事件失败: %w", err)
	}

	// 使用后台上下文落库：既然回答已完整送达，请求取消不应丢数据
	s.persistTurn(context.Background(), user, conv, question, answer, toolsUsed, confidence, settings)
	return nil
}

func (s *chatService) persistTurn(ctx context.Context, user *model.User, conv *model.Conversation, question, answer string, toolsUsed []string, confidence model.ConfidenceResult, settings config.Settings) {
	if err := s.convRepo.CreateMessage(&model.Message{
		ConversationID: conv.ID,
		Role:           "user",
		Content:        question,
	}); err != nil {
		log.Errorf("[ChatService] 保存用户消息失败: %v", err)
	}

	conf := confidence.Confidence
	msg := &model.Message{
		ConversationID:       conv.ID,
		Role:                 "assistant",
		Content:              answer,
		Model:                settings.LLMModel,
		Confidence:           &conf,
		MaxConfidenceContext: confidence.MaxConfidenceContext,
	}
	if confidence.Disclose {
		msg.RetrievedContext = confidence.RetrievedContext
	}
	if len(confidence.Sources) > 0 {
		if data, err := json.Marshal(confidence.Sources); err == nil {
			msg.Sources = string(data)
		}
	}
	if len(toolsUsed) > 0 {
		if data, err := json.Marshal(toolsUsed); err == nil {
			msg.ToolsUsed = string(data)
		}
	}
	if err := s.convRepo.CreateMessage(msg); err != nil {
		log.Errorf("[ChatService] 保存助手消息失败: %v", err)
	}

	// 刷新历史缓存
	history, err := s.historyCache.Get(ctx, conv.ID)
	if err != nil {
		history = nil
	}
	now := time.Now()
	history = append(history,
		model.ChatMessage{Role: "user", Content: question, Timestamp: now},
		model.ChatMessage{Role: "assistant", Content: answer, Timestamp: now},
	)
	if err := s.historyCache.Set(ctx, conv.ID, history); err != nil {
		log.Warnf("[ChatService] 刷新历史缓存失败: %v", err)
	}
}

// collectingWriter 把流式事件收集为一次性响应，供非流式接口复用链路。
type collectingWriter struct {
	answer strings.Builder
	done   *model.StreamEvent
}

func (c *collectingWriter) WriteEvent(ev model.StreamEvent) error {
	switch ev.Type {
	case model.EventToken:
		c.answer.WriteString(ev.Content)
	case model.EventDone:
		done := ev
		c.done = &done
	}
	return nil
}

func (s *chatService) Answer(ctx context.Context, user *model.User, req model.ChatRequest) (*model.ChatResponse, error) {
	collector := &collectingWriter{}
	if err := s.StreamAnswer(ctx, user, req, collector); err != nil {
		return nil, err
	}
	if collector.done == nil {
		return nil, fmt.Errorf("流式链路未产生完成事件")
	}

	resp := &model.ChatResponse{
		ConversationID:   collector.done.ConversationID,
		Answer:           collector.answer.String(),
		Sources:          collector.done.Sources,
		RetrievedContext: collector.done.RetrievedContext,
		ToolsUsed:        collector.done.ToolsUsed,
	}
	if collector.done.Confidence != nil {
		resp.Confidence = *collector.done.Confidence
	}
	return resp, nil
}
