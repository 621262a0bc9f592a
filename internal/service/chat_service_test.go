package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"smart-qa-go/internal/config"
	"smart-qa-go/internal/model"
	"smart-qa-go/pkg/llm"
)

func init() {
	config.Conf.Chunking = config.ChunkingConfig{Size: 1000, Overlap: 100, MaxExpandRatio: 1.2}
	config.Conf.Embedding.Model = "test-embedding"
	config.Conf.LLM.Model = "test-llm"
	config.Conf.Rerank.Enabled = false
}

type fakeRetrievalService struct {
	result   *model.RetrievalResult
	err      error
	gotQuery string
	gotKBIDs []uint
}

func (f *fakeRetrievalService) Retrieve(_ context.Context, query string, kbIDs []uint, _ config.Settings) (*model.RetrievalResult, error) {
	f.gotQuery = query
	f.gotKBIDs = kbIDs
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

// scriptedLLM 按脚本回放流式调用：先通过 onToken 发 tokens，再返回 result。
// 调用次数超出脚本时复用最后一幕。
type scriptedLLM struct {
	script      []llmTurn
	calls       int
	gotMessages [][]llm.Message
	gotTools    [][]llm.Tool
}

type llmTurn struct {
	tokens []string
	result llm.StreamResult
	err    error
}

func (s *scriptedLLM) StreamChat(_ context.Context, _ string, messages []llm.Message, tools []llm.Tool, _ *llm.GenerationParams, onToken llm.TokenFunc) (*llm.StreamResult, error) {
	s.gotMessages = append(s.gotMessages, messages)
	s.gotTools = append(s.gotTools, tools)
	idx := s.calls
	s.calls++
	if idx >= len(s.script) {
		idx = len(s.script) - 1
	}
	turn := s.script[idx]
	if turn.err != nil {
		return nil, turn.err
	}
	for _, tok := range turn.tokens {
		if err := onToken(tok); err != nil {
			return nil, err
		}
	}
	result := turn.result
	return &result, nil
}

// greedyToolLLM 只要拿到工具定义就请求一次工具调用，
// 没有工具定义时才产出最终回答。
type greedyToolLLM struct {
	calls int
}

func (g *greedyToolLLM) StreamChat(_ context.Context, _ string, _ []llm.Message, tools []llm.Tool, _ *llm.GenerationParams, onToken llm.TokenFunc) (*llm.StreamResult, error) {
	g.calls++
	if len(tools) > 0 {
		return &llm.StreamResult{
			ToolCalls: []llm.ToolCall{{
				ID:   fmt.Sprintf("call-%d", g.calls),
				Type: "function",
				Function: llm.FunctionCall{
					Name:      tools[0].Function.Name,
					Arguments: `{"query":"again"}`,
				},
			}},
			FinishReason: "tool_calls",
		}, nil
	}
	if err := onToken("最终回答"); err != nil {
		return nil, err
	}
	return &llm.StreamResult{Content: "最终回答", FinishReason: "stop"}, nil
}

type fakeToolRunner struct {
	defs   []llm.Tool
	calls  []string
	output string
	err    error
}

func (f *fakeToolRunner) Definitions() []llm.Tool { return f.defs }

func (f *fakeToolRunner) Call(_ context.Context, name, _ string) (string, error) {
	f.calls = append(f.calls, name)
	return f.output, f.err
}

type fakeConvRepo struct {
	nextID   uint
	convs    map[uint]*model.Conversation
	messages []model.Message
}

func newFakeConvRepo() *fakeConvRepo {
	return &fakeConvRepo{nextID: 100, convs: make(map[uint]*model.Conversation)}
}

func (f *fakeConvRepo) CreateConversation(conv *model.Conversation) error {
	f.nextID++
	conv.ID = f.nextID
	stored := *conv
	f.convs[conv.ID] = &stored
	return nil
}

func (f *fakeConvRepo) FindConversation(id uint) (*model.Conversation, error) {
	conv, ok := f.convs[id]
	if !ok {
		return nil, errors.New("conversation not found")
	}
	found := *conv
	return &found, nil
}

func (f *fakeConvRepo) FindByUser(userID uint) ([]model.Conversation, error) {
	var out []model.Conversation
	for _, c := range f.convs {
		if c.UserID == userID {
			out = append(out, *c)
		}
	}
	return out, nil
}

func (f *fakeConvRepo) UpdateTitle(id uint, title string) error {
	if c, ok := f.convs[id]; ok {
		c.Title = title
	}
	return nil
}

func (f *fakeConvRepo) DeleteConversation(id uint) error {
	delete(f.convs, id)
	return nil
}

func (f *fakeConvRepo) CreateMessage(msg *model.Message) error {
	f.messages = append(f.messages, *msg)
	return nil
}

func (f *fakeConvRepo) FindMessages(conversationID uint) ([]model.Message, error) {
	var out []model.Message
	for _, m := range f.messages {
		if m.ConversationID == conversationID {
			out = append(out, m)
		}
	}
	return out, nil
}

func (f *fakeConvRepo) FindRecentMessages(conversationID uint, limit int) ([]model.Message, error) {
	msgs, _ := f.FindMessages(conversationID)
	if len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return msgs, nil
}

type fakeHistoryCache struct {
	store map[uint][]model.ChatMessage
	err   error
}

func newFakeHistoryCache() *fakeHistoryCache {
	return &fakeHistoryCache{store: make(map[uint][]model.ChatMessage)}
}

func (f *fakeHistoryCache) Get(_ context.Context, conversationID uint) ([]model.ChatMessage, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.store[conversationID], nil
}

func (f *fakeHistoryCache) Set(_ context.Context, conversationID uint, messages []model.ChatMessage) error {
	if f.err != nil {
		return f.err
	}
	f.store[conversationID] = messages
	return nil
}

func (f *fakeHistoryCache) Invalidate(_ context.Context, conversationID uint) error {
	delete(f.store, conversationID)
	return nil
}

type fakeKBStore struct {
	kbs map[uint]*model.KnowledgeBase
}

func (f *fakeKBStore) Create(kb *model.KnowledgeBase) error { return nil }

func (f *fakeKBStore) FindByID(id uint) (*model.KnowledgeBase, error) {
	kb, ok := f.kbs[id]
	if !ok {
		return nil, errors.New("knowledge base not found")
	}
	found := *kb
	return &found, nil
}

func (f *fakeKBStore) FindByUser(userID uint) ([]model.KnowledgeBase, error) {
	var out []model.KnowledgeBase
	for _, kb := range f.kbs {
		if kb.UserID == userID {
			out = append(out, *kb)
		}
	}
	return out, nil
}

func (f *fakeKBStore) Update(_ *model.KnowledgeBase) error { return nil }

func (f *fakeKBStore) Delete(_ uint) error { return nil }

type eventRecorder struct {
	events []model.StreamEvent
}

func (r *eventRecorder) WriteEvent(ev model.StreamEvent) error {
	r.events = append(r.events, ev)
	return nil
}

func (r *eventRecorder) tokenText() string {
	var b strings.Builder
	for _, ev := range r.events {
		if ev.Type == model.EventToken {
			b.WriteString(ev.Content)
		}
	}
	return b.String()
}

func (r *eventRecorder) doneEvent() *model.StreamEvent {
	for i := range r.events {
		if r.events[i].Type == model.EventDone {
			return &r.events[i]
		}
	}
	return nil
}

func (r *eventRecorder) errorEvent() *model.StreamEvent {
	for i := range r.events {
		if r.events[i].Type == model.EventError {
			return &r.events[i]
		}
	}
	return nil
}

type chatFixture struct {
	retrieval *fakeRetrievalService
	tools     *fakeToolRunner
	convs     *fakeConvRepo
	cache     *fakeHistoryCache
	kbs       *fakeKBStore
	svc       ChatService
}

func newChatFixture(llmClient llm.Client) *chatFixture {
	f := &chatFixture{
		retrieval: &fakeRetrievalService{result: &model.RetrievalResult{}},
		tools:     &fakeToolRunner{output: "tool output"},
		convs:     newFakeConvRepo(),
		cache:     newFakeHistoryCache(),
		kbs: &fakeKBStore{kbs: map[uint]*model.KnowledgeBase{
			1: {ID: 1, UserID: 1, Name: "kb-one"},
			2: {ID: 2, UserID: 1, Name: "kb-two"},
			9: {ID: 9, UserID: 42, Name: "foreign"},
		}},
	}
	assembler := NewContextAssembler(&fakeChunkNeighborRepo{}, &fakeFileNameRepo{})
	f.svc = NewChatService(f.retrieval, assembler, llmClient, f.tools, f.convs, f.cache, f.kbs)
	return f
}

func testUser() *model.User {
	return &model.User{ID: 1, Username: "alice", Role: "USER"}
}

func kbRef(id uint) *uint { return &id }

func singleCandidateResult(fused float64) *model.RetrievalResult {
	return &model.RetrievalResult{
		Candidates: []model.RetrievalCandidate{
			candidate(1, 7, 0, "检索到的内容", fused),
		},
	}
}

func TestStreamAnswer_StreamsTokensThenDone(t *testing.T) {
	client := &scriptedLLM{script: []llmTurn{{
		tokens: []string{"你好", "，", "世界"},
		result: llm.StreamResult{Content: "你好，世界", FinishReason: "stop"},
	}}}
	f := newChatFixture(client)
	f.retrieval.result = singleCandidateResult(0.9)
	rec := &eventRecorder{}

	err := f.svc.StreamAnswer(context.Background(), testUser(), model.ChatRequest{
		Content:         "混合检索是怎么融合的？",
		KnowledgeBaseID: kbRef(1),
	}, rec)

	require.NoError(t, err)
	assert.Equal(t, "你好，世界", rec.tokenText())

	done := rec.doneEvent()
	require.NotNil(t, done)
	// done 是最后一个事件
	assert.Equal(t, model.EventDone, rec.events[len(rec.events)-1].Type)
	assert.NotZero(t, done.ConversationID)
	require.NotNil(t, done.Confidence)
	assert.InDelta(t, 0.9, *done.Confidence, 1e-9)
	require.Len(t, done.Sources, 1)
	// 高置信度时不披露检索上下文
	assert.Empty(t, done.RetrievedContext)

	// 用户与助手消息均已落库
	require.Len(t, f.convs.messages, 2)
	assert.Equal(t, "user", f.convs.messages[0].Role)
	assert.Equal(t, "混合检索是怎么融合的？", f.convs.messages[0].Content)
	assert.Equal(t, "assistant", f.convs.messages[1].Role)
	assert.Equal(t, "你好，世界", f.convs.messages[1].Content)
	require.NotNil(t, f.convs.messages[1].Confidence)
}

func TestStreamAnswer_CreatesConversationWithTitle(t *testing.T) {
	client := &scriptedLLM{script: []llmTurn{{result: llm.StreamResult{Content: "回答"}}}}
	f := newChatFixture(client)
	f.retrieval.result = singleCandidateResult(0.9)
	rec := &eventRecorder{}

	question := strings.Repeat("问", 60)
	err := f.svc.StreamAnswer(context.Background(), testUser(), model.ChatRequest{
		Content:         question,
		KnowledgeBaseID: kbRef(1),
	}, rec)

	require.NoError(t, err)
	done := rec.doneEvent()
	require.NotNil(t, done)
	conv, err := f.convs.FindConversation(done.ConversationID)
	require.NoError(t, err)
	assert.Equal(t, strings.Repeat("问", 50), conv.Title)
}

func TestStreamAnswer_LowConfidenceDisclosesContext(t *testing.T) {
	client := &scriptedLLM{script: []llmTurn{{result: llm.StreamResult{Content: "回答"}}}}
	f := newChatFixture(client)
	f.retrieval.result = singleCandidateResult(0.3)
	rec := &eventRecorder{}

	err := f.svc.StreamAnswer(context.Background(), testUser(), model.ChatRequest{
		Content:         "问题",
		KnowledgeBaseID: kbRef(1),
	}, rec)

	require.NoError(t, err)
	done := rec.doneEvent()
	require.NotNil(t, done)
	assert.Equal(t, "检索到的内容", done.RetrievedContext)
	// 落库的助手消息同样携带被披露的上下文
	require.Len(t, f.convs.messages, 2)
	assert.Equal(t, "检索到的内容", f.convs.messages[1].RetrievedContext)
}

func TestStreamAnswer_EmptyRetrievalShortCircuits(t *testing.T) {
	client := &scriptedLLM{script: []llmTurn{{result: llm.StreamResult{Content: "不应被调用"}}}}
	f := newChatFixture(client)
	f.retrieval.result = &model.RetrievalResult{}
	rec := &eventRecorder{}

	err := f.svc.StreamAnswer(context.Background(), testUser(), model.ChatRequest{
		Content:         "无关问题",
		KnowledgeBaseID: kbRef(1),
	}, rec)

	require.NoError(t, err)
	// 零命中时直接回复固定文案，不调用 LLM
	assert.Zero(t, client.calls)
	assert.NotEmpty(t, rec.tokenText())

	done := rec.doneEvent()
	require.NotNil(t, done)
	require.NotNil(t, done.Confidence)
	assert.Zero(t, *done.Confidence)
	require.Len(t, f.convs.messages, 2)
}

func TestStreamAnswer_RetrievalUnavailableEmitsError(t *testing.T) {
	client := &scriptedLLM{script: []llmTurn{{result: llm.StreamResult{}}}}
	f := newChatFixture(client)
	f.retrieval.err = fmt.Errorf("%w: all channels down", ErrRetrievalUnavailable)
	rec := &eventRecorder{}

	err := f.svc.StreamAnswer(context.Background(), testUser(), model.ChatRequest{
		Content:         "问题",
		KnowledgeBaseID: kbRef(1),
	}, rec)

	require.ErrorIs(t, err, ErrRetrievalUnavailable)
	require.NotNil(t, rec.errorEvent())
	assert.Nil(t, rec.doneEvent())
	assert.Empty(t, f.convs.messages)
}

func TestStreamAnswer_ForeignKnowledgeBaseDenied(t *testing.T) {
	client := &scriptedLLM{script: []llmTurn{{result: llm.StreamResult{}}}}
	f := newChatFixture(client)
	rec := &eventRecorder{}

	err := f.svc.StreamAnswer(context.Background(), testUser(), model.ChatRequest{
		Content:         "问题",
		KnowledgeBaseID: kbRef(9),
	}, rec)

	require.ErrorIs(t, err, ErrPermissionDenied)
	assert.Empty(t, f.convs.messages)
}

func TestStreamAnswer_UnspecifiedKBSearchesAllUserKBs(t *testing.T) {
	client := &scriptedLLM{script: []llmTurn{{result: llm.StreamResult{Content: "回答"}}}}
	f := newChatFixture(client)
	f.retrieval.result = singleCandidateResult(0.9)
	rec := &eventRecorder{}

	err := f.svc.StreamAnswer(context.Background(), testUser(), model.ChatRequest{Content: "问题"}, rec)

	require.NoError(t, err)
	assert.ElementsMatch(t, []uint{1, 2}, f.retrieval.gotKBIDs)
}

func TestStreamAnswer_ToolLoopBounded(t *testing.T) {
	old := config.Conf.MCP.MaxToolIterations
	config.Conf.MCP.MaxToolIterations = 2
	defer func() { config.Conf.MCP.MaxToolIterations = old }()

	client := &greedyToolLLM{}
	f := newChatFixture(client)
	f.retrieval.result = singleCandidateResult(0.9)
	f.tools.defs = []llm.Tool{{
		Type:     "function",
		Function: llm.ToolFunction{Name: "file_write", Description: "写文件"},
	}}
	rec := &eventRecorder{}

	err := f.svc.StreamAnswer(context.Background(), testUser(), model.ChatRequest{
		Content:         "帮我写个文件",
		KnowledgeBaseID: kbRef(1),
	}, rec)

	require.NoError(t, err)
	// 两轮工具调用后第三轮不再提供工具，模型被迫产出最终回答
	assert.Equal(t, 3, client.calls)
	assert.Len(t, f.tools.calls, 2)
	assert.Equal(t, "最终回答", rec.tokenText())

	done := rec.doneEvent()
	require.NotNil(t, done)
	// 同一工具多次调用只记录一次
	assert.Equal(t, []string{"file_write"}, done.ToolsUsed)
}

func TestStreamAnswer_ToolFailureFedBackToModel(t *testing.T) {
	client := &scriptedLLM{script: []llmTurn{
		{result: llm.StreamResult{
			ToolCalls: []llm.ToolCall{{
				ID:       "call-1",
				Type:     "function",
				Function: llm.FunctionCall{Name: "file_write", Arguments: "{}"},
			}},
			FinishReason: "tool_calls",
		}},
		{tokens: []string{"工具不可用时的回答"}, result: llm.StreamResult{Content: "工具不可用时的回答"}},
	}}
	f := newChatFixture(client)
	f.retrieval.result = singleCandidateResult(0.9)
	f.tools.defs = []llm.Tool{{
		Type:     "function",
		Function: llm.ToolFunction{Name: "file_write"},
	}}
	f.tools.err = errors.New("minio unreachable")
	rec := &eventRecorder{}

	err := f.svc.StreamAnswer(context.Background(), testUser(), model.ChatRequest{
		Content:         "问题",
		KnowledgeBaseID: kbRef(1),
	}, rec)

	require.NoError(t, err)
	require.Equal(t, 2, client.calls)

	// 第二轮消息序列里包含 tool 角色的失败结果，生成未被中断
	second := client.gotMessages[1]
	toolMsg := second[len(second)-1]
	assert.Equal(t, "tool", toolMsg.Role)
	assert.Equal(t, "call-1", toolMsg.ToolCallID)
	assert.Contains(t, toolMsg.Content, "工具调用失败")
	assert.Equal(t, "工具不可用时的回答", rec.tokenText())
}

func TestStreamAnswer_ClientDisconnectSkipsPersist(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	client := &scriptedLLM{script: []llmTurn{{err: context.Canceled}}}
	f := newChatFixture(client)
	f.retrieval.result = singleCandidateResult(0.9)
	rec := &eventRecorder{}

	cancel()
	err := f.svc.StreamAnswer(ctx, testUser(), model.ChatRequest{
		Content:         "问题",
		KnowledgeBaseID: kbRef(1),
	}, rec)

	require.Error(t, err)
	// 断开后不补发错误事件，也不落库半成品回答
	assert.Nil(t, rec.errorEvent())
	assert.Nil(t, rec.doneEvent())
	assert.Empty(t, f.convs.messages)
}

func TestStreamAnswer_HistoryIncludedInPrompt(t *testing.T) {
	client := &scriptedLLM{script: []llmTurn{{result: llm.StreamResult{Content: "回答"}}}}
	f := newChatFixture(client)
	f.retrieval.result = singleCandidateResult(0.9)

	conv := &model.Conversation{UserID: 1, Title: "既有对话"}
	require.NoError(t, f.convs.CreateConversation(conv))
	f.cache.store[conv.ID] = []model.ChatMessage{
		{Role: "user", Content: "上一个问题"},
		{Role: "assistant", Content: "上一个回答"},
	}
	rec := &eventRecorder{}

	err := f.svc.StreamAnswer(context.Background(), testUser(), model.ChatRequest{
		Content:         "追问",
		KnowledgeBaseID: kbRef(1),
		ConversationID:  &conv.ID,
	}, rec)

	require.NoError(t, err)
	require.Len(t, client.gotMessages, 1)
	msgs := client.gotMessages[0]
	require.Len(t, msgs, 4)
	assert.Equal(t, "system", msgs[0].Role)
	assert.Contains(t, msgs[0].Content, "检索到的内容")
	assert.Equal(t, "上一个问题", msgs[1].Content)
	assert.Equal(t, "上一个回答", msgs[2].Content)
	assert.Equal(t, "追问", msgs[3].Content)
}

func TestStreamAnswer_HistoryCacheMissFallsBackToDB(t *testing.T) {
	client := &scriptedLLM{script: []llmTurn{{result: llm.StreamResult{Content: "回答"}}}}
	f := newChatFixture(client)
	f.retrieval.result = singleCandidateResult(0.9)

	conv := &model.Conversation{UserID: 1, Title: "既有对话"}
	require.NoError(t, f.convs.CreateConversation(conv))
	f.convs.messages = []model.Message{
		{ConversationID: conv.ID, Role: "user", Content: "库里的历史问题"},
		{ConversationID: conv.ID, Role: "assistant", Content: "库里的历史回答"},
	}
	rec := &eventRecorder{}

	err := f.svc.StreamAnswer(context.Background(), testUser(), model.ChatRequest{
		Content:         "追问",
		KnowledgeBaseID: kbRef(1),
		ConversationID:  &conv.ID,
	}, rec)

	require.NoError(t, err)
	msgs := client.gotMessages[0]
	require.Len(t, msgs, 4)
	assert.Equal(t, "库里的历史问题", msgs[1].Content)
	// 回源后写入缓存
	assert.NotEmpty(t, f.cache.store[conv.ID])
}

func TestAnswer_CollectsStreamIntoResponse(t *testing.T) {
	client := &scriptedLLM{script: []llmTurn{{
		tokens: []string{"完整", "回答"},
		result: llm.StreamResult{Content: "完整回答", FinishReason: "stop"},
	}}}
	f := newChatFixture(client)
	f.retrieval.result = singleCandidateResult(0.9)

	resp, err := f.svc.Answer(context.Background(), testUser(), model.ChatRequest{
		Content:         "问题",
		KnowledgeBaseID: kbRef(1),
	})

	require.NoError(t, err)
	assert.Equal(t, "完整回答", resp.Answer)
	assert.NotZero(t, resp.ConversationID)
	assert.InDelta(t, 0.9, resp.Confidence, 1e-9)
	require.Len(t, resp.Sources, 1)
}

func TestStreamAnswer_LowConfidencePromptAllowsOwnKnowledge(t *testing.T) {
	client := &scriptedLLM{script: []llmTurn{{result: llm.StreamResult{Content: "回答"}}}}
	f := newChatFixture(client)
	f.retrieval.result = singleCandidateResult(0.3)
	rec := &eventRecorder{}

	err := f.svc.StreamAnswer(context.Background(), testUser(), model.ChatRequest{
		Content:         "问题",
		KnowledgeBaseID: kbRef(1),
	}, rec)

	require.NoError(t, err)
	require.Len(t, client.gotMessages, 1)
	system := client.gotMessages[0][0]
	assert.Equal(t, "system", system.Role)
	assert.Contains(t, system.Content, "相关性较低")
}

func TestStreamAnswer_HighConfidencePromptHasNoBlendDirective(t *testing.T) {
	client := &scriptedLLM{script: []llmTurn{{result: llm.StreamResult{Content: "回答"}}}}
	f := newChatFixture(client)
	f.retrieval.result = singleCandidateResult(0.9)
	rec := &eventRecorder{}

	err := f.svc.StreamAnswer(context.Background(), testUser(), model.ChatRequest{
		Content:         "问题",
		KnowledgeBaseID: kbRef(1),
	}, rec)

	require.NoError(t, err)
	assert.NotContains(t, client.gotMessages[0][0].Content, "相关性较低")
}
