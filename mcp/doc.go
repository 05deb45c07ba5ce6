// Package mcp implements the client side of the Model Context Protocol over
// the streamable HTTP transport.
//
// Every JSON-RPC message is sent as an HTTP POST. The server answers with
// either a single JSON body or an event stream carrying one or more messages.
// Responses are matched to pending requests by id through an OperationHandler,
// the default being Correlator. When the server reports an expired session
// with HTTP 404 the transport re-runs the cached initialize exchange and
// replays the request once.
//
// Example:
//
//	package main
//
//	import (
//		"context"
//		"encoding/json"
//		"fmt"
//		"log"
//		"time"
//
//		"github.com/shaharia-lab/mcpstream/mcp"
//	)
//
//	func main() {
//		transport := mcp.NewStreamableHTTPTransport("http://localhost:8080/mcp",
//			mcp.WithReadTimeout(30*time.Second),
//		)
//		client := mcp.NewClient(transport, mcp.ClientConfig{
//			ClientName:    "example",
//			ClientVersion: "1.0.0",
//		})
//		defer client.Close()
//
//		ctx := context.Background()
//		if err := client.Connect(ctx); err != nil {
//			log.Fatal(err)
//		}
//
//		tools, err := client.ListTools(ctx)
//		if err != nil {
//			log.Fatal(err)
//		}
//		for _, tool := range tools {
//			fmt.Println(tool.Name)
//		}
//
//		result, err := client.CallTool(ctx, mcp.CallToolParams{
//			Name:      "get_weather",
//			Arguments: json.RawMessage(`{"location":"Berlin"}`),
//		})
//		if err != nil {
//			log.Fatal(err)
//		}
//		fmt.Println(result.Content[0].Text)
//	}
package mcp
