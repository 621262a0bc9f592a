// Package rerank provides a client for cross-encoder rerank services.
package rerank

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"smart-qa-go/internal/config"
	"smart-qa-go/pkg/log"
)

// Client defines the interface for a rerank client.
type Client interface {
	// Rerank 对候选文档按与 query 的相关性打分，返回结果按得分降序。
	Rerank(ctx context.Context, query string, documents []string) ([]Result, error)
}

// Result 是单条重排序结果，Index 指向输入 documents 的下标。
type Result struct {
	Index          int     `json:"index"`
	RelevanceScore float64 `json:"relevance_score"`
}

type httpClient struct {
	cfg    config.RerankConfig
	client *http.Client
}

// NewClient creates a new rerank client.
func NewClient(cfg config.RerankConfig) Client {
	return &httpClient{
		cfg:    cfg,
		client: &http.Client{},
	}
}

type rerankRequest struct {
	Model     string   `json:"model"`
	Query     string   `json:"query"`
	Documents []string `json:"documents"`
	TopN      int      `json:"top_n"`
}

type rerankResponse struct {
	Results []Result `json:"results"`
}

// Rerank calls the rerank API. 任何网络或协议错误都原样返回，
// 是否软失败由调用方决定。
func (c *httpClient) Rerank(ctx context.Context, query string, documents []string) ([]Result, error) {
	if len(documents) == 0 {
		return nil, nil
	}

	reqBody := rerankRequest{
		Model:     c.cfg.Model,
		Query:     query,
		Documents: documents,
		TopN:      len(documents),
	}
	reqBytes, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal rerank request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.cfg.BaseURL+"/rerank", bytes.NewReader(reqBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to create rerank request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

	resp, err := c.client.Do(req)
	if err != nil {
		log.Warnf("[RerankClient] 调用 Rerank API 失败: %v", err)
		return nil, fmt.Errorf("failed to call rerank api: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		log.Warnf("[RerankClient] Rerank API 返回非 200 状态码: %s", resp.Status)
		return nil, fmt.Errorf("rerank api returned non-200 status: %s", resp.Status)
	}

	var rerankResp rerankResponse
	if err := json.NewDecoder(resp.Body).Decode(&rerankResp); err != nil {
		return nil, fmt.Errorf("failed to decode rerank response: %w", err)
	}

	return rerankResp.Results, nil
}
