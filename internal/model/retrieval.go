package model

// Degradation 标记检索链路中被降级的环节。
type Degradation string

const (
	// DegradedLexical 词法检索失败，结果退化为纯向量召回。
	DegradedLexical Degradation = "lexical"
	// DegradedVector 向量检索失败，结果退化为纯词法召回。
	DegradedVector Degradation = "vector"
	// DegradedRerank 重排序服务失败，保持融合排序。
	DegradedRerank Degradation = "rerank"
)

// RetrievalCandidate 代表混合检索产出的一个候选块及其各阶段得分。
type RetrievalCandidate struct {
	ChunkID         uint     `json:"chunkId"`
	FileID          uint     `json:"fileId"`
	KnowledgeBaseID uint     `json:"knowledgeBaseId"`
	ChunkIndex      int      `json:"chunkIndex"`
	Content         string   `json:"content"`
	VectorScore     *float64 `json:"vectorScore,omitempty"`
	LexicalScore    *float64 `json:"lexicalScore,omitempty"`
	RerankScore     *float64 `json:"rerankScore,omitempty"`
	FusedScore      float64  `json:"fusedScore"`
}

// RetrievalResult 是检索阶段的完整产出，降级信息随结果上抛而不是被吞掉。
type RetrievalResult struct {
	Candidates   []RetrievalCandidate
	Degradations []Degradation
	Reranked     bool
}

// Degraded 返回指定环节是否被降级。
func (r *RetrievalResult) Degraded(d Degradation) bool {
	for _, x := range r.Degradations {
		if x == d {
			return true
		}
	}
	return false
}

// SourceItem 是返回给前端的单条溯源信息。
type SourceItem struct {
	FileID           uint   `json:"file_id"`
	OriginalFilename string `json:"original_filename"`
	KnowledgeBaseID  uint   `json:"knowledge_base_id"`
	ChunkIndex       int    `json:"chunk_index"`
	Snippet          string `json:"snippet"`
}

// ContextEntry 是上下文组装后保留的一个块，内容可能已被邻块扩展。
type ContextEntry struct {
	RetrievalCandidate
	Filename string
}

// AssembledContext 是上下文组装阶段的产出。
type AssembledContext struct {
	Entries     []ContextEntry
	ContextText string
}

// ConfidenceResult 是置信度估计的产出。RetrievedContext 始终填充，
// 是否向客户端披露由 Disclose 决定。
type ConfidenceResult struct {
	Confidence           float64
	MaxConfidenceContext string
	RetrievedContext     string
	Sources              []SourceItem
	Disclose             bool
}

// ChatRequest 是问答接口的请求体。
type ChatRequest struct {
	Content         string `json:"content" binding:"required"`
	KnowledgeBaseID *uint  `json:"knowledge_base_id,omitempty"`
	ConversationID  *uint  `json:"conversation_id,omitempty"`
}

// ChatResponse 是非流式问答接口的响应体。
type ChatResponse struct {
	ConversationID   uint         `json:"conversation_id"`
	Answer           string       `json:"answer"`
	Confidence       float64      `json:"confidence"`
	Sources          []SourceItem `json:"sources,omitempty"`
	RetrievedContext string       `json:"retrieved_context,omitempty"`
	ToolsUsed        []string     `json:"tools_used,omitempty"`
}

// 流式事件类型。
const (
	EventToken = "token"
	EventDone  = "done"
	EventError = "error"
)

// StreamEvent 是流式回答的单个事件，序列化为 SSE 的 data 行或 WebSocket 消息。
type StreamEvent struct {
	Type             string       `json:"type"`
	Content          string       `json:"content,omitempty"`
	ConversationID   uint         `json:"conversation_id,omitempty"`
	Confidence       *float64     `json:"confidence,omitempty"`
	Sources          []SourceItem `json:"sources,omitempty"`
	RetrievedContext string       `json:"retrieved_context,omitempty"`
	ToolsUsed        []string     `json:"tools_used,omitempty"`
	Message          string       `json:"message,omitempty"`
}

// SearchResult 是搜索接口返回给前端的单条结果。
type SearchResult struct {
	ChunkID          uint    `json:"chunkId"`
	FileID           uint    `json:"fileId"`
	OriginalFilename string  `json:"originalFilename"`
	ChunkIndex       int     `json:"chunkIndex"`
	Content          string  `json:"content"`
	Score            float64 `json:"score"`
}
