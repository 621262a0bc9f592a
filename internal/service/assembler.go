package service

import (
	"sort"
	"strings"

	"smart-qa-go/internal/config"
	"smart-qa-go/internal/model"
	"smart-qa-go/internal/repository"
	"smart-qa-go/pkg/log"
)

// ContextAssembler 将排序后的候选组装为交给 LLM 的上下文：
// 去重、头部候选的邻块扩展、预算裁剪，并回填溯源所需的文件名。
type ContextAssembler struct {
	chunkRepo repository.ChunkRepository
	fileRepo  repository.FileRepository
}

// NewContextAssembler 创建一个新的 ContextAssembler 实例。
func NewContextAssembler(chunkRepo repository.ChunkRepository, fileRepo repository.FileRepository) *ContextAssembler {
	return &ContextAssembler{chunkRepo: chunkRepo, fileRepo: fileRepo}
}

// Assemble 组装上下文。候选列表须已按相关性降序排好。
func (a *ContextAssembler) Assemble(candidates []model.RetrievalCandidate) *model.AssembledContext {
	budget := config.Conf.Retrieval.ContextBudget
	if budget <= 0 {
		budget = 8000
	}
	window := config.Conf.Retrieval.ExpandWindow

	// 1. 按 chunk_id 去重，保留首次出现（排序更靠前的）
	seen := make(map[uint]bool, len(candidates))
	entries := make([]model.ContextEntry, 0, len(candidates))
	for _, c := range candidates {
		if seen[c.ChunkID] {
			continue
		}
		seen[c.ChunkID] = true
		entries = append(entries, model.ContextEntry{RetrievalCandidate: c})
	}
	if len(entries) == 0 {
		return &model.AssembledContext{}
	}

	// 2. 对头部候选做邻块扩展，给模型更完整的上下文
	if window > 0 {
		entries[0].Content = a.expandNeighbors(entries[0].RetrievalCandidate, window)
	}

	// 3. 预算裁剪：超出预算时先丢弃排序最靠后的条目
	total := 0
	kept := entries[:0]
	for i, e := range entries {
		l := len([]rune(e.Content))
		if total+l > budget {
			if i == 0 {
				// 仅头部条目就超预算时截断其内容而不是丢弃
				e.Content = string([]rune(e.Content)[:budget])
				kept = append(kept, e)
				total = budget
			}
			break
		}
		total += l
		kept = append(kept, e)
	}
	entries = kept

	// 4. 回填原始文件名（软失败，只影响溯源展示）
	a.fillFilenames(entries)

	parts := make([]string, 0, len(entries))
	for _, e := range entries {
		parts = append(parts, e.Content)
	}
	return &model.AssembledContext{
		Entries:     entries,
		ContextText: strings.Join(parts, "\n\n"),
	}
}

// expandNeighbors 将候选块与同文件相邻块按 chunk_index 顺序合并。
func (a *ContextAssembler) expandNeighbors(c model.RetrievalCandidate, window int) string {
	neighbors, err := a.chunkRepo.FindNeighbors(c.FileID, c.ChunkIndex, window)
	if err != nil {
		log.Warnf("[ContextAssembler] 查找邻块失败 (file=%d, index=%d): %v", c.FileID, c.ChunkIndex, err)
		return c.Content
	}
	if len(neighbors) == 0 {
		return c.Content
	}

	sort.Slice(neighbors, func(i, j int) bool {
		return neighbors[i].ChunkIndex < neighbors[j].ChunkIndex
	})

	found := false
	parts := make([]string, 0, len(neighbors))
	for _, n := range neighbors {
		if n.ChunkIndex == c.ChunkIndex {
			found = true
			parts = append(parts, c.Content)
			continue
		}
		parts = append(parts, n.Content)
	}
	if !found {
		// 数据库中没有该块本身时（索引与库不一致）退回原内容
		return c.Content
	}
	return strings.Join(parts, "\n")
}

func (a *ContextAssembler) fillFilenames(entries []model.ContextEntry) {
	idSet := make(map[uint]bool)
	ids := make([]uint, 0, len(entries))
	for _, e := range entries {
		if !idSet[e.FileID] {
			idSet[e.FileID] = true
			ids = append(ids, e.FileID)
		}
	}

	files, err := a.fileRepo.FindByIDs(ids)
	if err != nil {
		log.Warnf("[ContextAssembler] 批量查找文件名失败: %v", err)
		return
	}
	names := make(map[uint]string, len(files))
	for _, f := range files {
		names[f.ID] = f.OriginalFilename
	}
	for i := range entries {
		entries[i].Filename = names[entries[i].FileID]
	}
}
