package mcpstream

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/shaharia-lab/mcpstream/mcp"
	"github.com/shaharia-lab/mcpstream/observability"
)

// ToolHandler executes a tool in-process.
type ToolHandler func(ctx context.Context, params mcp.CallToolParams) (mcp.CallToolResult, error)

// LocalTool is a tool served by the application itself rather than by an MCP server.
type LocalTool struct {
	mcp.Tool
	Handler ToolHandler
}

// ToolsProvider exposes local tools and the tools of a remote MCP server
// behind one interface. Local tools shadow remote tools with the same name.
type ToolsProvider struct {
	mcpClient *mcp.Client
	toolsList []LocalTool
}

// NewToolsProvider creates a new ToolsProvider with no initial MCP client or tools.
func NewToolsProvider() *ToolsProvider {
	return &ToolsProvider{
		toolsList: make([]LocalTool, 0),
	}
}

// AddTools registers local tools. Every tool needs a name and a handler.
func (p *ToolsProvider) AddTools(tools []LocalTool) error {
	for _, tool := range tools {
		if tool.Name == "" {
			return fmt.Errorf("tool name cannot be empty")
		}
		if tool.Handler == nil {
			return fmt.Errorf("tool %s has no handler", tool.Name)
		}
	}
	p.toolsList = append(p.toolsList, tools...)
	return nil
}

// AddMCPClient sets the client used for tools not found locally. The client
// must be connected before tools are listed or executed.
func (p *ToolsProvider) AddMCPClient(client *mcp.Client) error {
	if client == nil {
		return fmt.Errorf("MCP client cannot be nil")
	}
	if p.mcpClient != nil {
		return fmt.Errorf("MCP client is already set")
	}
	p.mcpClient = client
	return nil
}

func (p *ToolsProvider) hasRemote() bool {
	return p.mcpClient != nil && p.mcpClient.IsInitialized()
}

// ListTools returns the local tools followed by the remote tools they do not shadow.
func (p *ToolsProvider) ListTools(ctx context.Context) ([]mcp.Tool, error) {
	ctx, span := observability.StartSpan(ctx, "ToolsProvider.ListTools")
	var err error
	defer func() { observability.EndSpan(span, err) }()

	tools := make([]mcp.Tool, 0, len(p.toolsList))
	local := make(map[string]bool, len(p.toolsList))
	for _, tool := range p.toolsList {
		tools = append(tools, tool.Tool)
		local[tool.Name] = true
	}

	if p.hasRemote() {
		var remote []mcp.Tool
		remote, err = p.mcpClient.ListTools(ctx)
		if err != nil {
			return nil, err
		}
		for _, tool := range remote {
			if !local[tool.Name] {
				tools = append(tools, tool)
			}
		}
	}

	span.SetAttributes(attribute.Int("tools_count", len(tools)))
	return tools, nil
}

// ExecuteTool executes a tool with the specified name and parameters.
func (p *ToolsProvider) ExecuteTool(ctx context.Context, params mcp.CallToolParams) (mcp.CallToolResult, error) {
	ctx, span := observability.StartSpan(ctx, "ToolsProvider.ExecuteTool")
	span.SetAttributes(
		attribute.String("tool_name", params.Name),
		attribute.String("arguments", string(params.Arguments)),
	)
	var err error
	defer func() { observability.EndSpan(span, err) }()

	startTime := time.Now()

	if !p.hasRemote() && len(p.toolsList) == 0 {
		err = fmt.Errorf("no tools available")
		return mcp.CallToolResult{}, err
	}

	span.AddEvent("CheckingLocalTools",
		trace.WithAttributes(attribute.Int("local_tools_count", len(p.toolsList))))

	for i, tool := range p.toolsList {
		if tool.Name != params.Name {
			continue
		}
		span.AddEvent("FoundLocalTool",
			trace.WithAttributes(attribute.Int("tool_index", i)))

		execCtx, execSpan := observability.StartSpan(ctx, "ExecuteTool.Handler")
		execSpan.SetAttributes(attribute.String("tool_name", tool.Name))

		var result mcp.CallToolResult
		result, err = tool.Handler(execCtx, params)
		if err == nil {
			execSpan.SetAttributes(
				attribute.Bool("is_error", result.IsError),
				attribute.Int("content_length", len(result.Content)),
			)
		}
		observability.EndSpan(execSpan, err)

		span.SetAttributes(
			attribute.Float64("execution_time_ms", float64(time.Since(startTime).Milliseconds())),
			attribute.Bool("is_local_tool", true),
		)
		return result, err
	}

	if p.hasRemote() {
		span.AddEvent("FallingBackToMCPClient")

		mcpCtx, mcpSpan := observability.StartSpan(ctx, "ToolsProvider.ExecuteTool_MCPClient")
		mcpSpan.SetAttributes(attribute.String("tool_name", params.Name))

		var result mcp.CallToolResult
		result, err = p.mcpClient.CallTool(mcpCtx, params)
		if err == nil {
			mcpSpan.SetAttributes(
				attribute.Bool("is_error", result.IsError),
				attribute.Int("content_length", len(result.Content)),
			)
		}
		observability.EndSpan(mcpSpan, err)

		span.SetAttributes(
			attribute.Float64("execution_time_ms", float64(time.Since(startTime).Milliseconds())),
			attribute.Bool("is_mcp_tool", true),
		)
		return result, err
	}

	err = fmt.Errorf("tool not found: %s", params.Name)
	span.SetAttributes(
		attribute.Float64("execution_time_ms", float64(time.Since(startTime).Milliseconds())),
		attribute.Bool("tool_found", false),
	)
	return mcp.CallToolResult{}, err
}
