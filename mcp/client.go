package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/xeipuuv/gojsonschema"

	"github.com/shaharia-lab/mcpstream/observability"
)

const defaultRequestTimeout = 30 * time.Second

// ClientConfig configures a Client.
type ClientConfig struct {
	ClientName      string
	ClientVersion   string
	ProtocolVersion string
	Capabilities    map[string]interface{}
	// RequestTimeout bounds every call. Zero means defaultRequestTimeout,
	// a negative value disables the bound.
	RequestTimeout time.Duration
	Logger         observability.Logger
}

// Client speaks the MCP operations used by tool consumers on top of a Transport.
type Client struct {
	transport  Transport
	correlator *Correlator
	cfg        ClientConfig
	logger     observability.Logger
	nextID     atomic.Int64

	mu              sync.RWMutex
	initialized     bool
	protocolVersion string
	capabilities    map[string]interface{}
	serverInfo      ServerInfo
	schemas         map[string]*gojsonschema.Schema
	notifyFns       []func(*Message)
}

// NewClient creates a client that sends through transport.
func NewClient(transport Transport, cfg ClientConfig) *Client {
	if cfg.Logger == nil {
		cfg.Logger = observability.NewNullLogger()
	}
	if cfg.ProtocolVersion == "" {
		cfg.ProtocolVersion = LatestProtocolVersion
	}
	if cfg.ClientName == "" {
		cfg.ClientName = "mcpstream"
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}

	c := &Client{
		transport:  transport,
		correlator: NewCorrelator(cfg.Logger),
		cfg:        cfg,
		logger:     cfg.Logger,
		schemas:    make(map[string]*gojsonschema.Schema),
	}
	c.correlator.OnUnmatched(c.dispatchUnmatched)
	return c
}

// Connect starts the transport and performs the initialize exchange.
func (c *Client) Connect(ctx context.Context) error {
	if c.IsInitialized() {
		return nil
	}
	if err := c.transport.Start(c.correlator); err != nil {
		return fmt.Errorf("failed to start transport: %w", err)
	}

	capabilities := c.cfg.Capabilities
	if capabilities == nil {
		capabilities = map[string]interface{}{}
	}
	id := c.newID()
	msg, err := NewRequest(id, MethodInitialize, InitializeParams{
		ProtocolVersion: c.cfg.ProtocolVersion,
		Capabilities:    capabilities,
		ClientInfo: ClientInfo{
			Name:    c.cfg.ClientName,
			Version: c.cfg.ClientVersion,
		},
	})
	if err != nil {
		return err
	}

	f, err := c.transport.Initialize(ctx, msg)
	if err != nil {
		return err
	}
	resp, err := c.await(ctx, id, f)
	if err != nil {
		return fmt.Errorf("initialize failed: %w", err)
	}

	var result InitializeResult
	if err := resp.DecodeResult(&result); err != nil {
		return fmt.Errorf("initialize failed: %w", err)
	}

	c.mu.Lock()
	c.initialized = true
	c.protocolVersion = result.ProtocolVersion
	c.capabilities = result.Capabilities
	c.serverInfo = result.ServerInfo
	c.mu.Unlock()

	c.logger.WithFields(map[string]interface{}{
		"server":           result.ServerInfo.Name,
		"server_version":   result.ServerInfo.Version,
		"protocol_version": result.ProtocolVersion,
	}).Info("Connected to MCP server")
	return nil
}

// ListTools returns every tool the server exposes, following pagination
// cursors. Input schemas are cached for argument validation in CallTool.
func (c *Client) ListTools(ctx context.Context) ([]Tool, error) {
	if !c.IsInitialized() {
		return nil, ErrNotInitialized
	}

	var (
		tools  []Tool
		cursor string
	)
	for {
		var page ListToolsResult
		var params interface{}
		if cursor != "" {
			params = ListToolsParams{Cursor: cursor}
		}
		if err := c.call(ctx, MethodToolsList, params, &page); err != nil {
			return nil, fmt.Errorf("failed to list tools: %w", err)
		}
		tools = append(tools, page.Tools...)
		if page.NextCursor == "" || page.NextCursor == cursor {
			break
		}
		cursor = page.NextCursor
	}

	c.cacheSchemas(tools)
	return tools, nil
}

// CallTool invokes a tool. Arguments are checked against the tool's input
// schema when ListTools has seen it.
func (c *Client) CallTool(ctx context.Context, params CallToolParams) (CallToolResult, error) {
	if !c.IsInitialized() {
		return CallToolResult{}, ErrNotInitialized
	}
	if params.Name == "" {
		return CallToolResult{}, fmt.Errorf("%w: tool name is required", ErrInvalidArguments)
	}
	if err := c.validateArguments(params); err != nil {
		return CallToolResult{}, err
	}

	var result CallToolResult
	if err := c.call(ctx, MethodToolsCall, params, &result); err != nil {
		return CallToolResult{}, fmt.Errorf("failed to call tool %s: %w", params.Name, err)
	}
	return result, nil
}

// Ping checks that the server answers requests on the current session.
func (c *Client) Ping(ctx context.Context) error {
	if !c.IsInitialized() {
		return ErrNotInitialized
	}
	return c.call(ctx, MethodPing, nil, nil)
}

// OnNotification registers fn for server notifications, server requests and
// responses that matched no pending call.
func (c *Client) OnNotification(fn func(*Message)) {
	if fn == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.notifyFns = append(c.notifyFns, fn)
}

// Close closes the transport. Calls still waiting return when their context
// or the request timeout expires.
func (c *Client) Close() error {
	c.mu.Lock()
	c.initialized = false
	c.mu.Unlock()
	return c.transport.Close()
}

func (c *Client) IsInitialized() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.initialized
}

func (c *Client) GetProtocolVersion() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.protocolVersion
}

func (c *Client) GetCapabilities() map[string]interface{} {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.capabilities
}

func (c *Client) GetServerInfo() ServerInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.serverInfo
}

func (c *Client) newID() RequestID {
	return NewNumberID(c.nextID.Add(1))
}

func (c *Client) call(ctx context.Context, method string, params interface{}, result interface{}) error {
	id := c.newID()
	msg, err := NewRequest(id, method, params)
	if err != nil {
		return err
	}

	f, err := c.transport.ExecuteWithResponse(ctx, msg)
	if err != nil {
		return err
	}
	resp, err := c.await(ctx, id, f)
	if err != nil {
		return err
	}
	if resp == nil {
		return fmt.Errorf("no response for %s", method)
	}
	return resp.DecodeResult(result)
}

// await waits for f under the request timeout. A call given up on is
// abandoned so its id does not stay pending.
func (c *Client) await(ctx context.Context, id RequestID, f *Future[*Message]) (*Message, error) {
	if c.cfg.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.RequestTimeout)
		defer cancel()
	}

	resp, err := f.Await(ctx)
	if err != nil && !f.IsDone() {
		c.correlator.Fail(id, err)
	}
	return resp, err
}

func (c *Client) dispatchUnmatched(msg *Message) {
	c.mu.RLock()
	fns := make([]func(*Message), len(c.notifyFns))
	copy(fns, c.notifyFns)
	c.mu.RUnlock()

	if len(fns) == 0 {
		c.logger.WithFields(map[string]interface{}{"method": msg.Method}).
			Debug("Dropping unhandled server message")
		return
	}
	for _, fn := range fns {
		fn(msg)
	}
}

func (c *Client) cacheSchemas(tools []Tool) {
	schemas := make(map[string]*gojsonschema.Schema, len(tools))
	for _, tool := range tools {
		if len(tool.InputSchema) == 0 {
			continue
		}
		schema, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(tool.InputSchema))
		if err != nil {
			c.logger.WithErr(err).WithFields(map[string]interface{}{"tool": tool.Name}).
				Warn("Ignoring tool with invalid input schema")
			continue
		}
		schemas[tool.Name] = schema
	}

	c.mu.Lock()
	c.schemas = schemas
	c.mu.Unlock()
}

func (c *Client) validateArguments(params CallToolParams) error {
	c.mu.RLock()
	schema, ok := c.schemas[params.Name]
	c.mu.RUnlock()
	if !ok {
		return nil
	}

	args := params.Arguments
	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}
	result, err := schema.Validate(gojsonschema.NewBytesLoader(args))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArguments, err)
	}
	if result.Valid() {
		return nil
	}

	problems := make([]string, 0, len(result.Errors()))
	for _, e := range result.Errors() {
		problems = append(problems, e.String())
	}
	return fmt.Errorf("%w for %s: %s", ErrInvalidArguments, params.Name, strings.Join(problems, "; "))
}
