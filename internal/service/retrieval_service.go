package service

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"smart-qa-go/internal/config"
	"smart-qa-go/internal/model"
	"smart-qa-go/pkg/embedding"
	"smart-qa-go/pkg/es"
	"smart-qa-go/pkg/log"
	"smart-qa-go/pkg/rerank"
)

// VectorIndex 是向量召回通道的抽象，es.SearchIndex 是生产实现。
type VectorIndex interface {
	VectorQuery(ctx context.Context, vector []float32, kbIDs []uint, topK int) ([]es.Hit, error)
}

// LexicalIndex 是词法召回通道的抽象，es.SearchIndex 是生产实现。
type LexicalIndex interface {
	LexicalQuery(ctx context.Context, query string, kbIDs []uint, topK int) ([]es.Hit, error)
}

// RetrievalService 定义了混合检索操作。
type RetrievalService interface {
	// Retrieve 在指定知识库范围内执行混合检索并返回融合排序后的候选。
	// 两条召回通道全部失败时返回 ErrRetrievalUnavailable；单通道失败
	// 会记录在 RetrievalResult.Degradations 中。
	Retrieve(ctx context.Context, query string, kbIDs []uint, settings config.Settings) (*model.RetrievalResult, error)
}

type retrievalService struct {
	embeddingClient embedding.Client
	vectorIndex     VectorIndex
	lexicalIndex    LexicalIndex
	rerankClient    rerank.Client
}

// NewRetrievalService 创建一个新的 RetrievalService 实例。
func NewRetrievalService(embeddingClient embedding.Client, vectorIndex VectorIndex, lexicalIndex LexicalIndex, rerankClient rerank.Client) RetrievalService {
	return &retrievalService{
		embeddingClient: embeddingClient,
		vectorIndex:     vectorIndex,
		lexicalIndex:    lexicalIndex,
		rerankClient:    rerankClient,
	}
}

func subCallTimeout() time.Duration {
	sec := config.Conf.Retrieval.SubCallTimeoutSec
	if sec <= 0 {
		sec = 8
	}
	return time.Duration(sec) * time.Second
}

func (s *retrievalService) Retrieve(ctx context.Context, query string, kbIDs []uint, settings config.Settings) (*model.RetrievalResult, error) {
	topK := settings.TopK
	// 召回窗口大于最终 topK，给融合留出余量
	recallK := topK * 2

	var vecHits, lexHits []es.Hit
	var vecErr, lexErr error

	var g errgroup.Group

	g.Go(func() error {
		callCtx, cancel := context.WithTimeout(ctx, subCallTimeout())
		defer cancel()
		vector, err := s.embeddingClient.CreateEmbedding(callCtx, query)
		if err != nil {
			vecErr = fmt.Errorf("query embedding failed: %w", err)
			return nil
		}
		vecHits, vecErr = s.vectorIndex.VectorQuery(callCtx, vector, kbIDs, recallK)
		return nil
	})

	if settings.EnableHybrid {
		// 词法通道用去噪后的查询；向量通道保留原句以保持语义检索能力
		lexQuery := normalizeQuery(query)
		if lexQuery != query {
			log.Infof("[RetrievalService] 规范化查询: '%s' -> '%s'", query, lexQuery)
		}
		g.Go(func() error {
			callCtx, cancel := context.WithTimeout(ctx, subCallTimeout())
			defer cancel()
			lexHits, lexErr = s.lexicalIndex.LexicalQuery(callCtx, lexQuery, kbIDs, recallK)
			return nil
		})
	}

	// 子任务通过各自的 err 变量上报失败，errgroup 只做并发协调
	_ = g.Wait()

	result := &model.RetrievalResult{}

	if vecErr != nil {
		log.Warnf("[RetrievalService] 向量召回失败, 降级为纯词法: %v", vecErr)
		result.Degradations = append(result.Degradations, model.DegradedVector)
	}
	if settings.EnableHybrid && lexErr != nil {
		log.Warnf("[RetrievalService] 词法召回失败, 降级为纯向量: %v", lexErr)
		result.Degradations = append(result.Degradations, model.DegradedLexical)
	}

	if vecErr != nil && (!settings.EnableHybrid || lexErr != nil) {
		return nil, fmt.Errorf("%w: vector: %v, lexical: %v", ErrRetrievalUnavailable, vecErr, lexErr)
	}

	result.Candidates = fuse(vecHits, lexHits, topK)

	if settings.EnableRerank && len(result.Candidates) > 0 {
		s.rerankStage(ctx, query, result)
	}

	return result, nil
}

// rerankStage 调用重排序服务重排候选。任何失败都软降级：
// 保留融合排序并记录 DegradedRerank。
func (s *retrievalService) rerankStage(ctx context.Context, query string, result *model.RetrievalResult) {
	docs := make([]string, len(result.Candidates))
	for i, c := range result.Candidates {
		docs[i] = c.Content
	}

	callCtx, cancel := context.WithTimeout(ctx, subCallTimeout())
	defer cancel()

	scores, err := s.rerankClient.Rerank(callCtx, query, docs)
	if err != nil {
		log.Warnf("[RetrievalService] 重排序失败, 保持融合排序: %v", err)
		result.Degradations = append(result.Degradations, model.DegradedRerank)
		return
	}

	for _, r := range scores {
		if r.Index < 0 || r.Index >= len(result.Candidates) {
			log.Warnf("[RetrievalService] 重排序返回越界下标 %d, 保持融合排序", r.Index)
			result.Degradations = append(result.Degradations, model.DegradedRerank)
			return
		}
		score := r.RelevanceScore
		result.Candidates[r.Index].RerankScore = &score
	}

	sort.SliceStable(result.Candidates, func(i, j int) bool {
		a, b := result.Candidates[i], result.Candidates[j]
		as, bs := 0.0, 0.0
		if a.RerankScore != nil {
			as = *a.RerankScore
		}
		if b.RerankScore != nil {
			bs = *b.RerankScore
		}
		if as != bs {
			return as > bs
		}
		return a.FusedScore > b.FusedScore
	})
	result.Reranked = true
}

// fuse 对两条召回列表做归一化加权融合。
// 同时命中两条通道: fused = alpha*norm(vec) + (1-alpha)*norm(lex)；
// 只命中单通道: fused = penalty * norm。排序按 fused 降序，
// 同分按 chunk_index 升序。
func fuse(vecHits, lexHits []es.Hit, topK int) []model.RetrievalCandidate {
	alpha := config.Conf.Retrieval.Alpha
	penalty := config.Conf.Retrieval.SingleListPenalty

	vecNorm := normalizeScores(vecHits)
	lexNorm := normalizeScores(lexHits)

	byChunk := make(map[uint]*model.RetrievalCandidate)
	order := make([]uint, 0, len(vecHits)+len(lexHits))

	add := func(h es.Hit) *model.RetrievalCandidate {
		if c, ok := byChunk[h.ChunkID]; ok {
			return c
		}
		c := &model.RetrievalCandidate{
			ChunkID:         h.ChunkID,
			FileID:          h.FileID,
			KnowledgeBaseID: h.KnowledgeBaseID,
			ChunkIndex:      h.ChunkIndex,
			Content:         h.Content,
		}
		byChunk[h.ChunkID] = c
		order = append(order, h.ChunkID)
		return c
	}

	for _, h := range vecHits {
		c := add(h)
		score := vecNorm[h.ChunkID]
		c.VectorScore = &score
	}
	for _, h := range lexHits {
		c := add(h)
		score := lexNorm[h.ChunkID]
		c.LexicalScore = &score
	}

	candidates := make([]model.RetrievalCandidate, 0, len(order))
	for _, id := range order {
		c := byChunk[id]
		switch {
		case c.VectorScore != nil && c.LexicalScore != nil:
			c.FusedScore = alpha**c.VectorScore + (1-alpha)**c.LexicalScore
		case c.VectorScore != nil:
			c.FusedScore = penalty * *c.VectorScore
		default:
			c.FusedScore = penalty * *c.LexicalScore
		}
		candidates = append(candidates, *c)
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].FusedScore != candidates[j].FusedScore {
			return candidates[i].FusedScore > candidates[j].FusedScore
		}
		return candidates[i].ChunkIndex < candidates[j].ChunkIndex
	})

	if len(candidates) > topK {
		candidates = candidates[:topK]
	}
	return candidates
}

var (
	lexStopPhrases = []string{"是谁", "是什么", "是啥", "请问", "怎么", "如何", "告诉我", "吗", "呢", "？", "?"}
	reLexKeep      = regexp.MustCompile(`[^\p{Han}a-z0-9\s]+`)
	reLexSpace     = regexp.MustCompile(`\s+`)
)

// normalizeQuery 对词法查询做轻量去噪：剔除口语功能词，
// 仅保留中英文、数字与空白。去噪后为空则退回原查询。
func normalizeQuery(q string) string {
	if q == "" {
		return q
	}
	lower := strings.ToLower(q)
	for _, sp := range lexStopPhrases {
		lower = strings.ReplaceAll(lower, sp, " ")
	}
	kept := reLexKeep.ReplaceAllString(lower, " ")
	kept = strings.TrimSpace(reLexSpace.ReplaceAllString(kept, " "))
	if kept == "" {
		return q
	}
	return kept
}

// normalizeScores 对单个列表做 min-max 归一化到 [0,1]。
// 列表内得分全部相同时（含单元素）归一化为 1。
func normalizeScores(hits []es.Hit) map[uint]float64 {
	out := make(map[uint]float64, len(hits))
	if len(hits) == 0 {
		return out
	}
	minScore, maxScore := hits[0].Score, hits[0].Score
	for _, h := range hits[1:] {
		if h.Score < minScore {
			minScore = h.Score
		}
		if h.Score > maxScore {
			maxScore = h.Score
		}
	}
	for _, h := range hits {
		if maxScore > minScore {
			out[h.ChunkID] = (h.Score - minScore) / (maxScore - minScore)
		} else {
			out[h.ChunkID] = 1.0
		}
	}
	return out
}
