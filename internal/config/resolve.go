package config

import (
	"errors"
	"fmt"
)

// ErrInvalidConfig 表示知识库级配置与全局默认合并后不合法。
var ErrInvalidConfig = errors.New("invalid knowledge base config")

// KBOverrides 承载知识库级的可空覆盖项，nil 表示继承全局默认。
type KBOverrides struct {
	ChunkSize           *int
	ChunkOverlap        *int
	ChunkMaxExpandRatio *float64
	EmbeddingModel      *string
	LLMModel            *string
	Temperature         *float64
	TopK                *int
	EnableRerank        *bool
	EnableHybrid        *bool
}

// Settings 是合并后的生效配置，检索与重建流水线只消费这个结构。
type Settings struct {
	ChunkSize           int
	ChunkOverlap        int
	ChunkMaxExpandRatio float64
	EmbeddingModel      string
	LLMModel            string
	Temperature         float64
	TopK                int
	EnableRerank        bool
	EnableHybrid        bool
}

// Resolve 将知识库覆盖项合并到全局默认之上并做合法性校验。
// 覆盖项为 nil 的字段继承全局值；校验失败返回 ErrInvalidConfig。
func Resolve(o KBOverrides) (Settings, error) {
	s := Settings{
		ChunkSize:           Conf.Chunking.Size,
		ChunkOverlap:        Conf.Chunking.Overlap,
		ChunkMaxExpandRatio: Conf.Chunking.MaxExpandRatio,
		EmbeddingModel:      Conf.Embedding.Model,
		LLMModel:            Conf.LLM.Model,
		Temperature:         Conf.LLM.Generation.Temperature,
		TopK:                Conf.Retrieval.TopK,
		EnableRerank:        Conf.Rerank.Enabled,
		EnableHybrid:        Conf.Retrieval.EnableHybrid,
	}

	if o.ChunkSize != nil {
		s.ChunkSize = *o.ChunkSize
	}
	if o.ChunkOverlap != nil {
		s.ChunkOverlap = *o.ChunkOverlap
	}
	if o.ChunkMaxExpandRatio != nil {
		s.ChunkMaxExpandRatio = *o.ChunkMaxExpandRatio
	}
	if o.EmbeddingModel != nil && *o.EmbeddingModel != "" {
		s.EmbeddingModel = *o.EmbeddingModel
	}
	if o.LLMModel != nil && *o.LLMModel != "" {
		s.LLMModel = *o.LLMModel
	}
	if o.Temperature != nil {
		s.Temperature = *o.Temperature
	}
	if o.TopK != nil {
		s.TopK = *o.TopK
	}
	if o.EnableRerank != nil {
		s.EnableRerank = *o.EnableRerank
	}
	if o.EnableHybrid != nil {
		s.EnableHybrid = *o.EnableHybrid
	}

	if err := s.validate(); err != nil {
		return Settings{}, err
	}
	return s, nil
}

func (s Settings) validate() error {
	if s.ChunkSize <= 0 {
		return fmt.Errorf("%w: chunk_size %d 必须为正数", ErrInvalidConfig, s.ChunkSize)
	}
	if s.ChunkOverlap < 0 || s.ChunkOverlap >= s.ChunkSize {
		return fmt.Errorf("%w: chunk_overlap %d 必须满足 0 <= overlap < size(%d)", ErrInvalidConfig, s.ChunkOverlap, s.ChunkSize)
	}
	if s.ChunkMaxExpandRatio < 1.0 {
		return fmt.Errorf("%w: max_expand_ratio %.2f 不能小于 1.0", ErrInvalidConfig, s.ChunkMaxExpandRatio)
	}
	if s.TopK <= 0 {
		return fmt.Errorf("%w: top_k %d 必须为正数", ErrInvalidConfig, s.TopK)
	}
	return nil
}
