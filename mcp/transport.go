package mcp

import "context"

// Transport is the client side of an MCP connection. Send operations return
// immediately with a Future; the error return is reserved for messages that
// cannot be encoded.
type Transport interface {
	// Start wires the handler that correlates responses with requests.
	Start(handler OperationHandler) error
	// Initialize performs the initialize exchange and sends the initialized
	// notification. The future resolves with the initialize response.
	Initialize(ctx context.Context, msg *Message) (*Future[*Message], error)
	// ExecuteWithResponse sends msg and resolves with the matching response.
	ExecuteWithResponse(ctx context.Context, msg *Message) (*Future[*Message], error)
	// ExecuteWithoutResponse sends msg and resolves with nil once the server
	// accepted it.
	ExecuteWithoutResponse(ctx context.Context, msg *Message) (*Future[*Message], error)
	CheckHealth(ctx context.Context) *Future[struct{}]
	// OnFailure registers fn to be called when the transport can no longer
	// reach the server.
	OnFailure(fn func(error))
	Close() error
}
