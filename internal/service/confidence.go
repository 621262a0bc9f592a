package service

import (
	"strings"

	"smart-qa-go/internal/config"
	"smart-qa-go/internal/model"
)

// EstimateConfidence 基于组装后的上下文估计回答置信度并产出溯源信息。
//
// 置信度取头部条目的相关性得分：经过重排序时直接使用重排得分，
// 否则用融合得分对校准上限做归一化。得分恒定钳制在 [0,1]，
// 高于阈值的候选得分映射到更高的置信度（单调）。
// 置信度低于披露阈值时 Disclose 为 true，检索上下文随响应下发。
func EstimateConfidence(assembled *model.AssembledContext, reranked bool) model.ConfidenceResult {
	threshold := config.Conf.Retrieval.ConfidenceThreshold
	ceiling := config.Conf.Retrieval.CalibrationCeiling
	if ceiling <= 0 {
		ceiling = 1.0
	}

	result := model.ConfidenceResult{}
	if assembled == nil || len(assembled.Entries) == 0 {
		result.Disclose = result.Confidence < threshold
		return result
	}

	top := assembled.Entries[0]
	if reranked && top.RerankScore != nil {
		result.Confidence = clamp01(*top.RerankScore)
	} else {
		result.Confidence = clamp01(top.FusedScore / ceiling)
	}

	result.MaxConfidenceContext = top.Content
	result.RetrievedContext = assembled.ContextText
	result.Sources = buildSources(assembled.Entries)
	// 阈值为排他边界：confidence == threshold 不披露
	result.Disclose = result.Confidence < threshold
	return result
}

// buildSources 为每个唯一块生成一条溯源记录，顺序与排序一致。
func buildSources(entries []model.ContextEntry) []model.SourceItem {
	snippetLen := config.Conf.Retrieval.SnippetLength
	if snippetLen <= 0 {
		snippetLen = 200
	}

	seen := make(map[uint]bool, len(entries))
	sources := make([]model.SourceItem, 0, len(entries))
	for _, e := range entries {
		if seen[e.ChunkID] {
			continue
		}
		seen[e.ChunkID] = true
		sources = append(sources, model.SourceItem{
			FileID:           e.FileID,
			OriginalFilename: e.Filename,
			KnowledgeBaseID:  e.KnowledgeBaseID,
			ChunkIndex:       e.ChunkIndex,
			Snippet:          makeSnippet(e.Content, snippetLen),
		})
	}
	return sources
}

// makeSnippet 截取内容前 maxRunes 个字符，截断时追加省略号。
func makeSnippet(content string, maxRunes int) string {
	content = strings.TrimSpace(content)
	runes := []rune(content)
	if len(runes) <= maxRunes {
		return content
	}
	return string(runes[:maxRunes]) + "…"
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
