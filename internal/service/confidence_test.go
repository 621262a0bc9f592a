package service

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"smart-qa-go/internal/config"
	"smart-qa-go/internal/model"
)

func assembledWith(entries ...model.ContextEntry) *model.AssembledContext {
	parts := make([]string, 0, len(entries))
	for _, e := range entries {
		parts = append(parts, e.Content)
	}
	return &model.AssembledContext{
		Entries:     entries,
		ContextText: strings.Join(parts, "\n\n"),
	}
}

func entryWith(chunkID uint, content string, fused float64, rerank *float64) model.ContextEntry {
	return model.ContextEntry{
		RetrievalCandidate: model.RetrievalCandidate{
			ChunkID:         chunkID,
			FileID:          1,
			KnowledgeBaseID: 1,
			ChunkIndex:      int(chunkID),
			Content:         content,
			FusedScore:      fused,
			RerankScore:     rerank,
		},
	}
}

func ptrF(v float64) *float64 { return &v }

func TestEstimateConfidence_EmptyContext(t *testing.T) {
	result := EstimateConfidence(&model.AssembledContext{}, false)

	assert.Zero(t, result.Confidence)
	assert.True(t, result.Disclose)
	assert.Empty(t, result.Sources)
	assert.Empty(t, result.MaxConfidenceContext)
}

func TestEstimateConfidence_UsesRerankScoreWhenReranked(t *testing.T) {
	assembled := assembledWith(entryWith(1, "内容", 0.3, ptrF(0.83)))

	result := EstimateConfidence(assembled, true)

	assert.InDelta(t, 0.83, result.Confidence, 1e-9)
}

func TestEstimateConfidence_FallsBackToFusedScore(t *testing.T) {
	// 未经过重排时即使候选携带重排得分也不使用
	assembled := assembledWith(entryWith(1, "内容", 0.75, ptrF(0.2)))

	result := EstimateConfidence(assembled, false)

	assert.InDelta(t, 0.75, result.Confidence, 1e-9)
}

func TestEstimateConfidence_FusedNormalizedByCeiling(t *testing.T) {
	old := config.Conf.Retrieval.CalibrationCeiling
	config.Conf.Retrieval.CalibrationCeiling = 0.9
	defer func() { config.Conf.Retrieval.CalibrationCeiling = old }()

	assembled := assembledWith(entryWith(1, "内容", 0.45, nil))

	result := EstimateConfidence(assembled, false)

	assert.InDelta(t, 0.5, result.Confidence, 1e-9)
}

func TestEstimateConfidence_DisclosureBoundaryIsExclusive(t *testing.T) {
	cases := []struct {
		score    float64
		disclose bool
	}{
		{0.59, true},
		{0.60, false}, // 等于阈值不披露
		{0.61, false},
	}
	for _, tc := range cases {
		result := EstimateConfidence(assembledWith(entryWith(1, "内容", tc.score, nil)), false)
		assert.Equalf(t, tc.disclose, result.Disclose, "score=%v", tc.score)
	}
}

func TestEstimateConfidence_Clamped(t *testing.T) {
	high := EstimateConfidence(assembledWith(entryWith(1, "内容", 0, ptrF(1.2))), true)
	assert.Equal(t, 1.0, high.Confidence)

	low := EstimateConfidence(assembledWith(entryWith(1, "内容", -0.1, nil)), false)
	assert.Equal(t, 0.0, low.Confidence)
}

func TestEstimateConfidence_Monotonic(t *testing.T) {
	prev := -1.0
	for _, score := range []float64{0.1, 0.3, 0.5, 0.7, 0.9} {
		result := EstimateConfidence(assembledWith(entryWith(1, "内容", score, nil)), false)
		assert.Greater(t, result.Confidence, prev)
		prev = result.Confidence
	}
}

func TestEstimateConfidence_CarriesContextAndSources(t *testing.T) {
	top := entryWith(1, "最相关的内容", 0.9, nil)
	top.Filename = "手册.pdf"
	second := entryWith(2, "次相关的内容", 0.5, nil)

	result := EstimateConfidence(assembledWith(top, second), false)

	assert.Equal(t, "最相关的内容", result.MaxConfidenceContext)
	assert.Equal(t, "最相关的内容\n\n次相关的内容", result.RetrievedContext)
	require.Len(t, result.Sources, 2)
	assert.Equal(t, "手册.pdf", result.Sources[0].OriginalFilename)
	assert.Equal(t, "最相关的内容", result.Sources[0].Snippet)
}

func TestEstimateConfidence_SourcesDedupByChunk(t *testing.T) {
	result := EstimateConfidence(assembledWith(
		entryWith(1, "内容一", 0.9, nil),
		entryWith(1, "内容一重复", 0.8, nil),
		entryWith(2, "内容二", 0.7, nil),
	), false)

	require.Len(t, result.Sources, 2)
	assert.Equal(t, 1, result.Sources[0].ChunkIndex)
	assert.Equal(t, 2, result.Sources[1].ChunkIndex)
}

func TestEstimateConfidence_SnippetTruncated(t *testing.T) {
	old := config.Conf.Retrieval.SnippetLength
	config.Conf.Retrieval.SnippetLength = 5
	defer func() { config.Conf.Retrieval.SnippetLength = old }()

	result := EstimateConfidence(assembledWith(entryWith(1, "一二三四五六七八", 0.9, nil)), false)

	require.Len(t, result.Sources, 1)
	assert.Equal(t, "一二三四五…", result.Sources[0].Snippet)
}
