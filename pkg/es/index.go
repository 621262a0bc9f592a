package es

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/elastic/go-elasticsearch/v8/esapi"

	"smart-qa-go/internal/model"
	"smart-qa-go/pkg/log"
)

// Hit 是一次检索命中的块及其原始得分。
type Hit struct {
	ChunkID         uint
	FileID          uint
	KnowledgeBaseID uint
	ChunkIndex      int
	Content         string
	Score           float64
}

// SearchIndex 封装了针对块索引的所有读写操作，
// 向量召回与词法召回使用同一份索引的不同查询通道。
type SearchIndex struct {
	indexName string
}

// NewSearchIndex 创建一个指向给定索引的 SearchIndex。
func NewSearchIndex(indexName string) *SearchIndex {
	return &SearchIndex{indexName: indexName}
}

type esHitsResponse struct {
	Hits struct {
		Hits []struct {
			Source model.ChunkDocument `json:"_source"`
			Score  float64             `json:"_score"`
		} `json:"hits"`
	} `json:"hits"`
}

// kbFilter 构建知识库范围过滤。kbIDs 为空时不加过滤（跨库检索）。
func kbFilter(kbIDs []uint) []map[string]interface{} {
	if len(kbIDs) == 0 {
		return nil
	}
	return []map[string]interface{}{
		{"terms": map[string]interface{}{"knowledge_base_id": kbIDs}},
	}
}

// VectorQuery 在指定知识库范围内执行 kNN 语义检索。
func (s *SearchIndex) VectorQuery(ctx context.Context, vector []float32, kbIDs []uint, topK int) ([]Hit, error) {
	knn := map[string]interface{}{
		"field":          "vector",
		"query_vector":   vector,
		"k":              topK,
		"num_candidates": topK * 10,
	}
	if f := kbFilter(kbIDs); f != nil {
		knn["filter"] = f
	}
	esQuery := map[string]interface{}{
		"knn":  knn,
		"size": topK,
		"_source": map[string]interface{}{
			"excludes": []string{"vector"},
		},
	}
	return s.search(ctx, esQuery)
}

// LexicalQuery 在指定知识库范围内执行 BM25 词法检索。
func (s *SearchIndex) LexicalQuery(ctx context.Context, query string, kbIDs []uint, topK int) ([]Hit, error) {
	boolQuery := map[string]interface{}{
		"must": map[string]interface{}{
			"match": map[string]interface{}{
				"content": query,
			},
		},
	}
	if f := kbFilter(kbIDs); f != nil {
		boolQuery["filter"] = f
	}
	esQuery := map[string]interface{}{
		"query": map[string]interface{}{
			"bool": boolQuery,
		},
		"size": topK,
		"_source": map[string]interface{}{
			"excludes": []string{"vector"},
		},
	}
	return s.search(ctx, esQuery)
}

func (s *SearchIndex) search(ctx context.Context, esQuery map[string]interface{}) ([]Hit, error) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(esQuery); err != nil {
		return nil, fmt.Errorf("failed to encode es query: %w", err)
	}

	res, err := ESClient.Search(
		ESClient.Search.WithContext(ctx),
		ESClient.Search.WithIndex(s.indexName),
		ESClient.Search.WithBody(&buf),
	)
	if err != nil {
		return nil, fmt.Errorf("elasticsearch search failed: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		bodyBytes, _ := io.ReadAll(res.Body)
		log.Errorf("[SearchIndex] Elasticsearch 返回错误, status: %s, body: %s", res.Status(), string(bodyBytes))
		return nil, fmt.Errorf("elasticsearch returned an error: %s", res.Status())
	}

	var esResponse esHitsResponse
	if err := json.NewDecoder(res.Body).Decode(&esResponse); err != nil {
		return nil, fmt.Errorf("failed to decode es response: %w", err)
	}

	hits := make([]Hit, 0, len(esResponse.Hits.Hits))
	for _, h := range esResponse.Hits.Hits {
		hits = append(hits, Hit{
			ChunkID:         h.Source.ChunkID,
			FileID:          h.Source.FileID,
			KnowledgeBaseID: h.Source.KnowledgeBaseID,
			ChunkIndex:      h.Source.ChunkIndex,
			Content:         h.Source.Content,
			Score:           h.Score,
		})
	}
	return hits, nil
}

// IndexChunk 将单个块文档索引到 Elasticsearch。
func (s *SearchIndex) IndexChunk(ctx context.Context, doc model.ChunkDocument) error {
	docBytes, err := json.Marshal(doc)
	if err != nil {
		return err
	}

	req := esapi.IndexRequest{
		Index:      s.indexName,
		DocumentID: doc.VectorID,
		Body:       bytes.NewReader(docBytes),
		Refresh:    "true",
	}

	res, err := req.Do(ctx, ESClient)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	if res.IsError() {
		log.Errorf("索引文档到 Elasticsearch 出错: %s", res.String())
		return errors.New("failed to index document")
	}

	return nil
}

// DeleteFileChunks 删除指定知识库下某文件的全部块文档，重建前调用。
func (s *SearchIndex) DeleteFileChunks(ctx context.Context, kbID, fileID uint) error {
	query := map[string]interface{}{
		"query": map[string]interface{}{
			"bool": map[string]interface{}{
				"filter": []map[string]interface{}{
					{"term": map[string]interface{}{"knowledge_base_id": kbID}},
					{"term": map[string]interface{}{"file_id": fileID}},
				},
			},
		},
	}
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(query); err != nil {
		return fmt.Errorf("failed to encode delete query: %w", err)
	}

	res, err := ESClient.DeleteByQuery([]string{s.indexName}, &buf,
		ESClient.DeleteByQuery.WithContext(ctx),
		ESClient.DeleteByQuery.WithRefresh(true),
	)
	if err != nil {
		return fmt.Errorf("elasticsearch delete_by_query failed: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		log.Errorf("删除文件块文档出错: %s", res.String())
		return errors.New("failed to delete file chunks")
	}
	return nil
}
