package mcpstream

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaharia-lab/mcpstream/mcp"
	"github.com/shaharia-lab/mcpstream/observability"
)

// newRemoteToolServer serves a single "remote_echo" tool over streamable HTTP.
func newRemoteToolServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodDelete {
			return
		}
		var msg mcp.Message
		if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if msg.IsNotification() {
			w.WriteHeader(http.StatusAccepted)
			return
		}

		var result interface{}
		switch msg.Method {
		case mcp.MethodInitialize:
			w.Header().Set(mcp.SessionIDHeader, "remote-session")
			result = mcp.InitializeResult{ProtocolVersion: mcp.LatestProtocolVersion, ServerInfo: mcp.ServerInfo{Name: "remote"}}
		case mcp.MethodToolsList:
			result = mcp.ListToolsResult{Tools: []mcp.Tool{
				{Name: "remote_echo", InputSchema: json.RawMessage(`{"type":"object"}`)},
				{Name: "shared", InputSchema: json.RawMessage(`{"type":"object"}`)},
			}}
		case mcp.MethodToolsCall:
			var params mcp.CallToolParams
			_ = json.Unmarshal(msg.Params, &params)
			result = mcp.CallToolResult{Content: []mcp.ToolResultContent{{Type: "text", Text: "remote:" + params.Name}}}
		default:
			resp := mcp.NewErrorResponse(*msg.ID, -32601, "method not found")
			_ = json.NewEncoder(w).Encode(resp)
			return
		}

		resp, err := mcp.NewResponse(*msg.ID, result)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func connectedClient(t *testing.T, url string) *mcp.Client {
	t.Helper()
	transport := mcp.NewStreamableHTTPTransport(url, mcp.WithLogger(observability.NewNullLogger()))
	client := mcp.NewClient(transport, mcp.ClientConfig{ClientName: "tools-provider-test"})
	require.NoError(t, client.Connect(context.Background()))
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func localTool(name, text string) LocalTool {
	return LocalTool{
		Tool: mcp.Tool{Name: name, InputSchema: json.RawMessage(`{"type":"object"}`)},
		Handler: func(ctx context.Context, params mcp.CallToolParams) (mcp.CallToolResult, error) {
			return mcp.CallToolResult{Content: []mcp.ToolResultContent{{Type: "text", Text: text}}}, nil
		},
	}
}

func TestToolsProvider_AddTools(t *testing.T) {
	tests := []struct {
		name    string
		tools   []LocalTool
		wantErr bool
	}{
		{name: "valid tool", tools: []LocalTool{localTool("a", "a")}},
		{name: "missing name", tools: []LocalTool{{Handler: localTool("a", "a").Handler}}, wantErr: true},
		{name: "missing handler", tools: []LocalTool{{Tool: mcp.Tool{Name: "a"}}}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := NewToolsProvider().AddTools(tt.tools)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestToolsProvider_AddMCPClient(t *testing.T) {
	p := NewToolsProvider()
	assert.Error(t, p.AddMCPClient(nil))

	client := mcp.NewClient(mcp.NewStreamableHTTPTransport("http://127.0.0.1:0"), mcp.ClientConfig{})
	require.NoError(t, p.AddMCPClient(client))
	assert.Error(t, p.AddMCPClient(client))
}

func TestToolsProvider_Empty(t *testing.T) {
	p := NewToolsProvider()

	tools, err := p.ListTools(context.Background())
	require.NoError(t, err)
	assert.Empty(t, tools)

	_, err = p.ExecuteTool(context.Background(), mcp.CallToolParams{Name: "missing"})
	assert.EqualError(t, err, "no tools available")
}

func TestToolsProvider_LocalTools(t *testing.T) {
	p := NewToolsProvider()
	require.NoError(t, p.AddTools([]LocalTool{
		localTool("greet", "hello"),
		{
			Tool: mcp.Tool{Name: "fail"},
			Handler: func(ctx context.Context, params mcp.CallToolParams) (mcp.CallToolResult, error) {
				return mcp.CallToolResult{}, errors.New("tool failed")
			},
		},
	}))

	tools, err := p.ListTools(context.Background())
	require.NoError(t, err)
	assert.Len(t, tools, 2)

	result, err := p.ExecuteTool(context.Background(), mcp.CallToolParams{Name: "greet"})
	require.NoError(t, err)
	assert.Equal(t, "hello", result.Content[0].Text)

	_, err = p.ExecuteTool(context.Background(), mcp.CallToolParams{Name: "fail"})
	assert.EqualError(t, err, "tool failed")

	_, err = p.ExecuteTool(context.Background(), mcp.CallToolParams{Name: "unknown"})
	assert.EqualError(t, err, "tool not found: unknown")
}

func TestToolsProvider_RemoteTools(t *testing.T) {
	srv := newRemoteToolServer(t)
	p := NewToolsProvider()
	require.NoError(t, p.AddTools([]LocalTool{localTool("shared", "local")}))
	require.NoError(t, p.AddMCPClient(connectedClient(t, srv.URL)))

	tools, err := p.ListTools(context.Background())
	require.NoError(t, err)
	names := make([]string, 0, len(tools))
	for _, tool := range tools {
		names = append(names, tool.Name)
	}
	assert.Equal(t, []string{"shared", "remote_echo"}, names)

	result, err := p.ExecuteTool(context.Background(), mcp.CallToolParams{Name: "shared"})
	require.NoError(t, err)
	assert.Equal(t, "local", result.Content[0].Text)

	result, err = p.ExecuteTool(context.Background(), mcp.CallToolParams{
		Name:      "remote_echo",
		Arguments: json.RawMessage(`{}`),
	})
	require.NoError(t, err)
	assert.Equal(t, "remote:remote_echo", result.Content[0].Text)
}
