// Package mcpstream connects applications to Model Context Protocol servers
// over the streamable HTTP transport.
//
// The transport and protocol client live in package mcp. This package adds
// ToolsProvider, which serves in-process tools and the tools of a connected
// MCP server behind one interface:
//
//	transport := mcp.NewStreamableHTTPTransport("http://localhost:8080/mcp")
//	client := mcp.NewClient(transport, mcp.ClientConfig{ClientName: "my-app"})
//	if err := client.Connect(ctx); err != nil {
//		return err
//	}
//	defer client.Close()
//
//	provider := mcpstream.NewToolsProvider()
//	if err := provider.AddMCPClient(client); err != nil {
//		return err
//	}
//	tools, err := provider.ListTools(ctx)
package mcpstream
