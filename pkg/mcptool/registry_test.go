package mcptool

import (
	"context"
	"strings"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"smart-qa-go/pkg/llm"
)

type echoInput struct {
	Text string `json:"text" jsonschema:"要回显的文本"`
}

// newEchoSession 通过 in-memory transport 搭建一个带 echo 与 fail 工具的
// MCP 服务，返回已连接的客户端会话。
func newEchoSession(t *testing.T) *mcp.ClientSession {
	t.Helper()

	server := mcp.NewServer(&mcp.Implementation{
		Name:    "test-server",
		Version: "1.0.0",
	}, nil)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "echo",
		Description: "回显输入文本",
	}, func(_ context.Context, _ *mcp.CallToolRequest, input echoInput) (*mcp.CallToolResult, any, error) {
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: "echo: " + input.Text}},
		}, nil, nil
	})

	mcp.AddTool(server, &mcp.Tool{
		Name:        "fail",
		Description: "总是失败的工具",
	}, func(_ context.Context, _ *mcp.CallToolRequest, _ echoInput) (*mcp.CallToolResult, any, error) {
		return &mcp.CallToolResult{
			IsError: true,
			Content: []mcp.Content{&mcp.TextContent{Text: "deliberate failure"}},
		}, nil, nil
	})

	ctx := context.Background()
	serverTransport, clientTransport := mcp.NewInMemoryTransports()

	serverSession, err := server.Connect(ctx, serverTransport, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = serverSession.Close() })

	client := mcp.NewClient(&mcp.Implementation{
		Name:    "test-client",
		Version: "1.0.0",
	}, nil)
	clientSession, err := client.Connect(ctx, clientTransport, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = clientSession.Close() })

	return clientSession
}

func TestRegistry_AttachSessionRegistersTools(t *testing.T) {
	registry := NewRegistry()
	require.NoError(t, registry.AttachSession(context.Background(), newEchoSession(t)))
	defer registry.Close()

	defs := registry.Definitions()
	names := make([]string, 0, len(defs))
	for _, d := range defs {
		names = append(names, d.Function.Name)
		assert.Equal(t, "function", d.Type)
		assert.NotEmpty(t, d.Function.Parameters)
	}
	assert.ElementsMatch(t, []string{"echo", "fail"}, names)
}

func TestRegistry_CallRoundTrip(t *testing.T) {
	registry := NewRegistry()
	require.NoError(t, registry.AttachSession(context.Background(), newEchoSession(t)))
	defer registry.Close()

	out, err := registry.Call(context.Background(), "echo", `{"text":"你好"}`)

	require.NoError(t, err)
	assert.Equal(t, "echo: 你好", out)
}

func TestRegistry_CallToolError(t *testing.T) {
	registry := NewRegistry()
	require.NoError(t, registry.AttachSession(context.Background(), newEchoSession(t)))
	defer registry.Close()

	_, err := registry.Call(context.Background(), "fail", `{"text":"x"}`)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "deliberate failure")
}

func TestRegistry_UnknownTool(t *testing.T) {
	registry := NewRegistry()

	_, err := registry.Call(context.Background(), "nonexistent", "{}")

	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown tool")
}

func TestRegistry_InvalidArguments(t *testing.T) {
	registry := NewRegistry()
	registry.Register(llm.Tool{
		Type:     "function",
		Function: llm.ToolFunction{Name: "noop"},
	}, func(_ context.Context, _ map[string]any) (string, error) {
		return "ok", nil
	})

	_, err := registry.Call(context.Background(), "noop", "{not json")

	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid tool arguments")
}

func TestRegistry_BuiltinRegistration(t *testing.T) {
	registry := NewRegistry()
	called := false
	registry.Register(llm.Tool{
		Type:     "function",
		Function: llm.ToolFunction{Name: "local_tool", Description: "本地工具"},
	}, func(_ context.Context, args map[string]any) (string, error) {
		called = true
		name, _ := args["name"].(string)
		return strings.ToUpper(name), nil
	})

	out, err := registry.Call(context.Background(), "local_tool", `{"name":"abc"}`)

	require.NoError(t, err)
	assert.True(t, called)
	assert.Equal(t, "ABC", out)
}
