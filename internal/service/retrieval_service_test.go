package service

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"smart-qa-go/internal/config"
	"smart-qa-go/internal/model"
	"smart-qa-go/pkg/es"
	"smart-qa-go/pkg/rerank"
)

type fakeEmbedClient struct {
	vec []float32
	err error
}

func (f *fakeEmbedClient) CreateEmbedding(_ context.Context, _ string) ([]float32, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.vec, nil
}

func (f *fakeEmbedClient) CreateImageEmbedding(_ context.Context, _ string) ([]float32, error) {
	return f.vec, f.err
}

type fakeVectorIndex struct {
	hits     []es.Hit
	err      error
	gotTopK  int
	gotKBIDs []uint
}

func (f *fakeVectorIndex) VectorQuery(_ context.Context, _ []float32, kbIDs []uint, topK int) ([]es.Hit, error) {
	f.gotTopK = topK
	f.gotKBIDs = kbIDs
	return f.hits, f.err
}

type fakeLexicalIndex struct {
	hits   []es.Hit
	err    error
	called bool
}

func (f *fakeLexicalIndex) LexicalQuery(_ context.Context, _ string, _ []uint, _ int) ([]es.Hit, error) {
	f.called = true
	return f.hits, f.err
}

type fakeRerankClient struct {
	results []rerank.Result
	err     error
	called  bool
}

func (f *fakeRerankClient) Rerank(_ context.Context, _ string, _ []string) ([]rerank.Result, error) {
	f.called = true
	return f.results, f.err
}

func hit(chunkID uint, index int, content string, score float64) es.Hit {
	return es.Hit{
		ChunkID:         chunkID,
		FileID:          1,
		KnowledgeBaseID: 1,
		ChunkIndex:      index,
		Content:         content,
		Score:           score,
	}
}

func testSettings() config.Settings {
	return config.Settings{
		EmbeddingModel: "test-embedding",
		LLMModel:       "test-llm",
		TopK:           5,
		EnableRerank:   false,
		EnableHybrid:   true,
	}
}

type retrievalFixture struct {
	embed   *fakeEmbedClient
	vector  *fakeVectorIndex
	lexical *fakeLexicalIndex
	rerank  *fakeRerankClient
	svc     RetrievalService
}

func newRetrievalFixture() *retrievalFixture {
	f := &retrievalFixture{
		embed:   &fakeEmbedClient{vec: []float32{0.1, 0.2}},
		vector:  &fakeVectorIndex{},
		lexical: &fakeLexicalIndex{},
		rerank:  &fakeRerankClient{},
	}
	f.svc = NewRetrievalService(f.embed, f.vector, f.lexical, f.rerank)
	return f
}

func TestRetrieve_FusesBothChannels(t *testing.T) {
	f := newRetrievalFixture()
	f.vector.hits = []es.Hit{
		hit(1, 0, "只在向量通道", 1.0),
		hit(2, 1, "两个通道都命中", 0.5),
	}
	f.lexical.hits = []es.Hit{
		hit(2, 1, "两个通道都命中", 10.0),
		hit(3, 2, "只在词法通道", 2.0),
	}

	result, err := f.svc.Retrieve(context.Background(), "问题", []uint{1}, testSettings())

	require.NoError(t, err)
	assert.Empty(t, result.Degradations)
	require.Len(t, result.Candidates, 3)

	// 归一化后: 向量通道 1 -> 1.0, 2 -> 0.0; 词法通道 2 -> 1.0, 3 -> 0.0
	// 块 1 单通道: 0.7 * 1.0; 块 2 双通道: 0.5*0 + 0.5*1; 块 3 单通道: 0.7 * 0
	assert.Equal(t, uint(1), result.Candidates[0].ChunkID)
	assert.InDelta(t, 0.7, result.Candidates[0].FusedScore, 1e-9)
	assert.Equal(t, uint(2), result.Candidates[1].ChunkID)
	assert.InDelta(t, 0.5, result.Candidates[1].FusedScore, 1e-9)
	assert.Equal(t, uint(3), result.Candidates[2].ChunkID)
	assert.InDelta(t, 0.0, result.Candidates[2].FusedScore, 1e-9)

	require.NotNil(t, result.Candidates[1].VectorScore)
	require.NotNil(t, result.Candidates[1].LexicalScore)
	assert.Nil(t, result.Candidates[0].LexicalScore)
}

func TestRetrieve_RecallWindowIsDoubleTopK(t *testing.T) {
	f := newRetrievalFixture()
	settings := testSettings()
	settings.TopK = 3

	_, err := f.svc.Retrieve(context.Background(), "问题", []uint{1, 2}, settings)

	require.NoError(t, err)
	assert.Equal(t, 6, f.vector.gotTopK)
	assert.Equal(t, []uint{1, 2}, f.vector.gotKBIDs)
}

func TestRetrieve_EqualScoresTieBreakByChunkIndex(t *testing.T) {
	f := newRetrievalFixture()
	// 单列表内得分全部相同 -> 归一化为 1.0 -> 融合得分相同
	f.vector.hits = []es.Hit{
		hit(5, 7, "后面的块", 0.42),
		hit(4, 2, "前面的块", 0.42),
	}

	result, err := f.svc.Retrieve(context.Background(), "问题", []uint{1}, testSettings())

	require.NoError(t, err)
	require.Len(t, result.Candidates, 2)
	assert.Equal(t, 2, result.Candidates[0].ChunkIndex)
	assert.Equal(t, 7, result.Candidates[1].ChunkIndex)
}

func TestRetrieve_TopKTruncation(t *testing.T) {
	f := newRetrievalFixture()
	f.vector.hits = []es.Hit{
		hit(1, 0, "a", 6), hit(2, 1, "b", 5), hit(3, 2, "c", 4),
		hit(4, 3, "d", 3), hit(5, 4, "e", 2), hit(6, 5, "f", 1),
	}
	settings := testSettings()
	settings.TopK = 2

	result, err := f.svc.Retrieve(context.Background(), "问题", []uint{1}, settings)

	require.NoError(t, err)
	require.Len(t, result.Candidates, 2)
	assert.Equal(t, uint(1), result.Candidates[0].ChunkID)
	assert.Equal(t, uint(2), result.Candidates[1].ChunkID)
}

func TestRetrieve_LexicalFailureDegradesToVectorOnly(t *testing.T) {
	f := newRetrievalFixture()
	f.vector.hits = []es.Hit{hit(1, 0, "向量命中", 0.9)}
	f.lexical.err = errors.New("es timeout")

	result, err := f.svc.Retrieve(context.Background(), "问题", []uint{1}, testSettings())

	require.NoError(t, err)
	assert.True(t, result.Degraded(model.DegradedLexical))
	assert.False(t, result.Degraded(model.DegradedVector))
	require.Len(t, result.Candidates, 1)
	// 单通道命中按惩罚系数折算
	assert.InDelta(t, 0.7, result.Candidates[0].FusedScore, 1e-9)
}

func TestRetrieve_EmbeddingFailureDegradesToLexicalOnly(t *testing.T) {
	f := newRetrievalFixture()
	f.embed.err = errors.New("embedding api down")
	f.lexical.hits = []es.Hit{hit(3, 2, "词法命中", 7.0)}

	result, err := f.svc.Retrieve(context.Background(), "问题", []uint{1}, testSettings())

	require.NoError(t, err)
	assert.True(t, result.Degraded(model.DegradedVector))
	require.Len(t, result.Candidates, 1)
	assert.Equal(t, uint(3), result.Candidates[0].ChunkID)
}

func TestRetrieve_BothChannelsFailing(t *testing.T) {
	f := newRetrievalFixture()
	f.embed.err = errors.New("embedding api down")
	f.lexical.err = errors.New("es down")

	result, err := f.svc.Retrieve(context.Background(), "问题", []uint{1}, testSettings())

	require.ErrorIs(t, err, ErrRetrievalUnavailable)
	assert.Nil(t, result)
}

func TestRetrieve_HybridDisabledSkipsLexical(t *testing.T) {
	f := newRetrievalFixture()
	f.vector.hits = []es.Hit{hit(1, 0, "向量命中", 0.9)}
	f.lexical.err = errors.New("should not be called")
	settings := testSettings()
	settings.EnableHybrid = false

	result, err := f.svc.Retrieve(context.Background(), "问题", []uint{1}, settings)

	require.NoError(t, err)
	assert.False(t, f.lexical.called)
	assert.Empty(t, result.Degradations)
	require.Len(t, result.Candidates, 1)
}

func TestRetrieve_RerankReordersCandidates(t *testing.T) {
	f := newRetrievalFixture()
	f.vector.hits = []es.Hit{
		hit(1, 0, "融合排序第一", 0.9),
		hit(2, 1, "融合排序第二", 0.5),
	}
	// 重排序认为第二个文档更相关
	f.rerank.results = []rerank.Result{
		{Index: 0, RelevanceScore: 0.2},
		{Index: 1, RelevanceScore: 0.95},
	}
	settings := testSettings()
	settings.EnableRerank = true

	result, err := f.svc.Retrieve(context.Background(), "问题", []uint{1}, settings)

	require.NoError(t, err)
	assert.True(t, result.Reranked)
	assert.Empty(t, result.Degradations)
	require.Len(t, result.Candidates, 2)
	assert.Equal(t, uint(2), result.Candidates[0].ChunkID)
	require.NotNil(t, result.Candidates[0].RerankScore)
	assert.InDelta(t, 0.95, *result.Candidates[0].RerankScore, 1e-9)
}

func TestRetrieve_RerankFailureKeepsFusedOrder(t *testing.T) {
	f := newRetrievalFixture()
	f.vector.hits = []es.Hit{
		hit(1, 0, "融合排序第一", 0.9),
		hit(2, 1, "融合排序第二", 0.5),
	}
	f.rerank.err = errors.New("rerank api down")
	settings := testSettings()
	settings.EnableRerank = true

	result, err := f.svc.Retrieve(context.Background(), "问题", []uint{1}, settings)

	require.NoError(t, err)
	assert.False(t, result.Reranked)
	assert.True(t, result.Degraded(model.DegradedRerank))
	require.Len(t, result.Candidates, 2)
	assert.Equal(t, uint(1), result.Candidates[0].ChunkID)
}

func TestRetrieve_RerankOutOfRangeIndexDegrades(t *testing.T) {
	f := newRetrievalFixture()
	f.vector.hits = []es.Hit{hit(1, 0, "命中", 0.9)}
	f.rerank.results = []rerank.Result{{Index: 99, RelevanceScore: 0.5}}
	settings := testSettings()
	settings.EnableRerank = true

	result, err := f.svc.Retrieve(context.Background(), "问题", []uint{1}, settings)

	require.NoError(t, err)
	assert.False(t, result.Reranked)
	assert.True(t, result.Degraded(model.DegradedRerank))
}

func TestRetrieve_RerankSkippedWithoutCandidates(t *testing.T) {
	f := newRetrievalFixture()
	settings := testSettings()
	settings.EnableRerank = true

	result, err := f.svc.Retrieve(context.Background(), "问题", []uint{1}, settings)

	require.NoError(t, err)
	assert.Empty(t, result.Candidates)
	assert.False(t, f.rerank.called)
}

func TestNormalizeQuery(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"请问张三是谁？", "张三"},
		{"Go 的并发模型是什么", "go 的并发模型"},
		{"？？？", "？？？"},
		{"", ""},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, normalizeQuery(tc.in), "input: %q", tc.in)
	}
}
