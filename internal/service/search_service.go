package service

import (
	"context"
	"fmt"

	"smart-qa-go/internal/config"
	"smart-qa-go/internal/model"
	"smart-qa-go/internal/repository"
	"smart-qa-go/pkg/log"
)

// SearchService 提供不经过生成链路的纯检索入口。
type SearchService interface {
	// Search 在用户可见的知识库范围内执行混合检索。
	// kbID 为 nil 时检索用户的全部知识库。
	Search(ctx context.Context, user *model.User, query string, kbID *uint, topK int) ([]model.SearchResult, error)
}

type searchService struct {
	retrieval RetrievalService
	kbRepo    repository.KnowledgeBaseRepository
	fileRepo  repository.FileRepository
}

// NewSearchService 创建一个新的 SearchService 实例。
func NewSearchService(retrieval RetrievalService, kbRepo repository.KnowledgeBaseRepository, fileRepo repository.FileRepository) SearchService {
	return &searchService{retrieval: retrieval, kbRepo: kbRepo, fileRepo: fileRepo}
}

func (s *searchService) Search(ctx context.Context, user *model.User, query string, kbID *uint, topK int) ([]model.SearchResult, error) {
	var kbIDs []uint
	var settings config.Settings

	if kbID != nil {
		kb, err := s.kbRepo.FindByID(*kbID)
		if err != nil {
			return nil, fmt.Errorf("查找知识库 %d 失败: %w", *kbID, err)
		}
		if err := requireOwner(user, kb); err != nil {
			return nil, err
		}
		settings, err = config.Resolve(kb.Overrides())
		if err != nil {
			return nil, err
		}
		kbIDs = []uint{kb.ID}
	} else {
		var err error
		settings, err = config.Resolve(config.KBOverrides{})
		if err != nil {
			return nil, err
		}
		kbs, err := s.kbRepo.FindByUser(user.ID)
		if err != nil {
			return nil, fmt.Errorf("查找用户知识库失败: %w", err)
		}
		for _, kb := range kbs {
			kbIDs = append(kbIDs, kb.ID)
		}
	}

	if topK > 0 {
		settings.TopK = topK
	}

	result, err := s.retrieval.Retrieve(ctx, query, kbIDs, settings)
	if err != nil {
		return nil, err
	}

	names := s.lookupFilenames(result.Candidates)
	out := make([]model.SearchResult, 0, len(result.Candidates))
	for _, c := range result.Candidates {
		score := c.FusedScore
		if result.Reranked && c.RerankScore != nil {
			score = *c.RerankScore
		}
		out = append(out, model.SearchResult{
			ChunkID:          c.ChunkID,
			FileID:           c.FileID,
			OriginalFilename: names[c.FileID],
			ChunkIndex:       c.ChunkIndex,
			Content:          c.Content,
			Score:            score,
		})
	}
	return out, nil
}

func (s *searchService) lookupFilenames(candidates []model.RetrievalCandidate) map[uint]string {
	idSet := make(map[uint]bool)
	ids := make([]uint, 0, len(candidates))
	for _, c := range candidates {
		if !idSet[c.FileID] {
			idSet[c.FileID] = true
			ids = append(ids, c.FileID)
		}
	}
	names := make(map[uint]string, len(ids))
	files, err := s.fileRepo.FindByIDs(ids)
	if err != nil {
		log.Warnf("[SearchService] 批量查找文件名失败: %v", err)
		return names
	}
	for _, f := range files {
		names[f.ID] = f.OriginalFilename
	}
	return names
}
