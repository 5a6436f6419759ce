// Package mcp connects to Model Context Protocol servers and exposes their
// tools to the tool registry.
package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/harun/convoy/internal/tracing"
	"github.com/harun/convoy/pkg/toolexecutor"
	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
)

// ClientName and ClientVersion are sent in the initialize handshake.
const (
	ClientName    = "convoy"
	ClientVersion = "0.1.0"
)

// ServerConfig describes one MCP server. Exactly one of Command (stdio) or
// URL (streamable HTTP) is set.
type ServerConfig struct {
	Name    string
	Command string
	Args    []string
	Env     []string
	URL     string
}

// ToolCallError is returned when the server reports a failed tool call.
type ToolCallError struct {
	Server string
	Tool   string
	Text   string
}

func (e *ToolCallError) Error() string {
	return fmt.Sprintf("mcp %s: %s failed: %s", e.Server, e.Tool, e.Text)
}

// Client is a connected MCP server.
type Client struct {
	name   string
	mc     *client.Client
	logger zerolog.Logger
}

// Connect starts or dials the server described by cfg and performs the
// initialize handshake.
func Connect(ctx context.Context, cfg ServerConfig, logger zerolog.Logger) (*Client, error) {
	if cfg.Name == "" {
		return nil, errors.New("mcp server name is required")
	}

	var (
		mc  *client.Client
		err error
	)
	switch {
	case cfg.Command != "" && cfg.URL != "":
		return nil, fmt.Errorf("mcp server %s: command and url are mutually exclusive", cfg.Name)
	case cfg.Command != "":
		// The stdio client starts the subprocess itself.
		mc, err = client.NewStdioMCPClient(cfg.Command, cfg.Env, cfg.Args...)
		if err != nil {
			return nil, fmt.Errorf("mcp server %s: start %s: %w", cfg.Name, cfg.Command, err)
		}
	case cfg.URL != "":
		mc, err = client.NewStreamableHttpClient(cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("mcp server %s: %w", cfg.Name, err)
		}
		if err := mc.Start(ctx); err != nil {
			_ = mc.Close()
			return nil, fmt.Errorf("mcp server %s: connect %s: %w", cfg.Name, cfg.URL, err)
		}
	default:
		return nil, fmt.Errorf("mcp server %s: command or url is required", cfg.Name)
	}

	return initialize(ctx, cfg.Name, mc, logger)
}

// NewInProcess connects to srv without a transport.
func NewInProcess(ctx context.Context, name string, srv *server.MCPServer, logger zerolog.Logger) (*Client, error) {
	mc, err := client.NewInProcessClient(srv)
	if err != nil {
		return nil, fmt.Errorf("mcp server %s: %w", name, err)
	}
	if err := mc.Start(ctx); err != nil {
		_ = mc.Close()
		return nil, fmt.Errorf("mcp server %s: %w", name, err)
	}
	return initialize(ctx, name, mc, logger)
}

func initialize(ctx context.Context, name string, mc *client.Client, logger zerolog.Logger) (*Client, error) {
	req := mcp.InitializeRequest{}
	req.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	req.Params.ClientInfo = mcp.Implementation{Name: ClientName, Version: ClientVersion}

	res, err := mc.Initialize(ctx, req)
	if err != nil {
		_ = mc.Close()
		return nil, fmt.Errorf("mcp server %s: initialize: %w", name, err)
	}

	c := &Client{
		name:   name,
		mc:     mc,
		logger: logger.With().Str("component", "mcp").Str("server", name).Logger(),
	}
	c.logger.Info().
		Str("server_name", res.ServerInfo.Name).
		Str("server_version", res.ServerInfo.Version).
		Msg("MCP server connected")
	return c, nil
}

// Name returns the configured server name.
func (c *Client) Name() string { return c.name }

// Discover lists the server's tools, following pagination.
func (c *Client) Discover(ctx context.Context) (map[string]toolexecutor.SourceTool, error) {
	ctx, span := tracing.StartSpan(ctx, "convoy.mcp", "mcp.discover", attribute.String("server", c.name))
	defer span.End()

	tools := make(map[string]toolexecutor.SourceTool)
	req := mcp.ListToolsRequest{}
	for {
		res, err := c.mc.ListTools(ctx, req)
		if err != nil {
			span.RecordError(err)
			return nil, fmt.Errorf("mcp %s: list tools: %w", c.name, err)
		}
		for _, tool := range res.Tools {
			schema, err := inputSchema(tool)
			if err != nil {
				return nil, fmt.Errorf("mcp %s: tool %s: %w", c.name, tool.Name, err)
			}
			tools[tool.Name] = toolexecutor.SourceTool{
				Description: tool.Description,
				InputSchema: schema,
			}
		}
		if res.NextCursor == "" {
			break
		}
		req.Params.Cursor = res.NextCursor
	}

	c.logger.Debug().Int("tools", len(tools)).Msg("MCP tools discovered")
	return tools, nil
}

// Call invokes a tool. Structured content is returned as-is; text content
// is returned as JSON when it parses, otherwise as a string.
func (c *Client) Call(ctx context.Context, name string, args map[string]interface{}) (interface{}, error) {
	ctx, span := tracing.StartSpan(ctx, "convoy.mcp", "mcp.call",
		attribute.String("server", c.name), attribute.String("tool", name))
	defer span.End()

	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args

	res, err := c.mc.CallTool(ctx, req)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("mcp %s: call %s: %w", c.name, name, err)
	}

	text := contentText(res.Content)
	if res.IsError {
		return nil, &ToolCallError{Server: c.name, Tool: name, Text: text}
	}
	if res.StructuredContent != nil {
		return res.StructuredContent, nil
	}
	if json.Valid([]byte(text)) {
		return json.RawMessage(text), nil
	}
	return text, nil
}

// Close shuts down the connection and any subprocess.
func (c *Client) Close() error {
	return c.mc.Close()
}

// inputSchema returns the tool's input schema as a generic map. Tools may
// carry either a typed or a raw schema; both marshal under inputSchema.
func inputSchema(tool mcp.Tool) (map[string]interface{}, error) {
	data, err := json.Marshal(tool)
	if err != nil {
		return nil, err
	}
	var decoded struct {
		InputSchema map[string]interface{} `json:"inputSchema"`
	}
	if err := json.Unmarshal(data, &decoded); err != nil {
		return nil, err
	}
	if decoded.InputSchema == nil {
		decoded.InputSchema = map[string]interface{}{"type": "object"}
	}
	return decoded.InputSchema, nil
}

func contentText(content []mcp.Content) string {
	parts := make([]string, 0, len(content))
	for _, item := range content {
		switch v := item.(type) {
		case mcp.TextContent:
			parts = append(parts, v.Text)
		case *mcp.TextContent:
			parts = append(parts, v.Text)
		}
	}
	return strings.Join(parts, "\n")
}

var _ toolexecutor.Source = (*Client)(nil)
