// Package mcptool 管理聊天编排可用的工具：内建工具与通过 MCP 协议
// 接入的外部工具统一注册在同一个 Registry 中。
package mcptool

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/minio/minio-go/v7"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"smart-qa-go/internal/config"
	"smart-qa-go/pkg/llm"
	"smart-qa-go/pkg/log"
	"smart-qa-go/pkg/storage"
)

// HandlerFunc 执行一次工具调用，args 为反序列化后的参数。
type HandlerFunc func(ctx context.Context, args map[string]any) (string, error)

type entry struct {
	def  llm.Tool
	call HandlerFunc
}

// Registry 持有全部已注册工具，并维护到外部 MCP 服务的会话。
type Registry struct {
	mu       sync.RWMutex
	entries  map[string]entry
	sessions []*mcp.ClientSession
}

// NewRegistry 创建一个空的工具注册表。
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]entry)}
}

// Register 注册一个内建工具。同名工具后注册者覆盖先注册者。
func (r *Registry) Register(def llm.Tool, fn HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[def.Function.Name] = entry{def: def, call: fn}
}

// RegisterFileWrite 注册内建的 file_write 工具，将模型生成的内容
// 写入 MinIO 的工具桶。
func (r *Registry) RegisterFileWrite(bucket string) {
	def := llm.Tool{
		Type: "function",
		Function: llm.ToolFunction{
			Name:        "file_write",
			Description: "将文本内容写入一个文件并持久化保存，返回保存位置。",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"filename": map[string]any{
						"type":        "string",
						"description": "目标文件名",
					},
					"content": map[string]any{
						"type":        "string",
						"description": "要写入的文本内容",
					},
				},
				"required": []string{"filename", "content"},
			},
		},
	}
	r.Register(def, func(ctx context.Context, args map[string]any) (string, error) {
		filename, _ := args["filename"].(string)
		content, _ := args["content"].(string)
		if filename == "" {
			return "", fmt.Errorf("file_write: filename 不能为空")
		}
		objectName := "tool-output/" + filename
		data := []byte(content)
		_, err := storage.MinioClient.PutObject(ctx, bucket, objectName,
			bytes.NewReader(data), int64(len(data)),
			minio.PutObjectOptions{ContentType: "text/plain; charset=utf-8"})
		if err != nil {
			return "", fmt.Errorf("file_write: 写入对象存储失败: %w", err)
		}
		log.Infof("[ToolRegistry] file_write 已写入 %s/%s (%d bytes)", bucket, objectName, len(data))
		return fmt.Sprintf("文件已保存至 %s/%s", bucket, objectName), nil
	})
}

// ConnectServers 连接配置的外部 MCP 服务并注册其全部工具。
// 单个服务连接失败只记录告警，不阻断启动。
func (r *Registry) ConnectServers(ctx context.Context, servers []config.MCPServerConfig) {
	for _, sc := range servers {
		client := mcp.NewClient(&mcp.Implementation{
			Name:    "smart-qa-go",
			Version: "1.0.0",
		}, nil)
		session, err := client.Connect(ctx, &mcp.StreamableClientTransport{Endpoint: sc.Endpoint}, nil)
		if err != nil {
			log.Warnf("[ToolRegistry] 连接 MCP 服务 '%s' (%s) 失败: %v", sc.Name, sc.Endpoint, err)
			continue
		}
		if err := r.AttachSession(ctx, session); err != nil {
			log.Warnf("[ToolRegistry] 注册 MCP 服务 '%s' 的工具失败: %v", sc.Name, err)
			_ = session.Close()
			continue
		}
		log.Infof("[ToolRegistry] MCP 服务 '%s' 已接入", sc.Name)
	}
}

// AttachSession 拉取会话暴露的工具列表并逐一注册。
// 测试可以通过 in-memory transport 建立会话后调用本方法。
func (r *Registry) AttachSession(ctx context.Context, session *mcp.ClientSession) error {
	result, err := session.ListTools(ctx, nil)
	if err != nil {
		return fmt.Errorf("list tools: %w", err)
	}

	for _, tool := range result.Tools {
		params := map[string]any{"type": "object"}
		if tool.InputSchema != nil {
			if raw, err := json.Marshal(tool.InputSchema); err == nil {
				var m map[string]any
				if json.Unmarshal(raw, &m) == nil {
					params = m
				}
			}
		}
		def := llm.Tool{
			Type: "function",
			Function: llm.ToolFunction{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  params,
			},
		}
		name := tool.Name
		r.Register(def, func(ctx context.Context, args map[string]any) (string, error) {
			res, err := session.CallTool(ctx, &mcp.CallToolParams{
				Name:      name,
				Arguments: args,
			})
			if err != nil {
				return "", err
			}
			var sb strings.Builder
			for _, content := range res.Content {
				if tc, ok := content.(*mcp.TextContent); ok {
					sb.WriteString(tc.Text)
				}
			}
			if res.IsError {
				return "", fmt.Errorf("tool %s returned error: %s", name, sb.String())
			}
			return sb.String(), nil
		})
	}

	r.mu.Lock()
	r.sessions = append(r.sessions, session)
	r.mu.Unlock()
	return nil
}

// Definitions 返回对模型声明的全部工具定义。
func (r *Registry) Definitions() []llm.Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]llm.Tool, 0, len(r.entries))
	for _, e := range r.entries {
		defs = append(defs, e.def)
	}
	return defs
}

// Call 按名称执行一次工具调用，argsJSON 为模型产出的参数串。
func (r *Registry) Call(ctx context.Context, name, argsJSON string) (string, error) {
	r.mu.RLock()
	e, ok := r.entries[name]
	r.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("unknown tool: %s", name)
	}

	args := make(map[string]any)
	if strings.TrimSpace(argsJSON) != "" {
		if err := json.Unmarshal([]byte(argsJSON), &args); err != nil {
			return "", fmt.Errorf("invalid tool arguments for %s: %w", name, err)
		}
	}
	return e.call(ctx, args)
}

// Close 关闭全部 MCP 会话。
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.sessions {
		_ = s.Close()
	}
	r.sessions = nil
}
