package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"
	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/runbox/runbox/internal/common/logger"
)

// userIDHeader carries the caller identity to the tool server. Must match
// the header the tool server reads.
const userIDHeader = "x-user-id"

// ToolDispatcher exposes the tool server's tools to the model loop. It is
// implemented by *MCPDispatcher; loop tests substitute a stub.
type ToolDispatcher interface {
	// Tools returns the tool definitions advertised to the model.
	Tools() []openai.Tool
	// Dispatch invokes a tool and returns its textual result. Tool-level
	// failures come back as result text so the model can react; the error
	// is reserved for transport failures.
	Dispatch(ctx context.Context, name string, args map[string]interface{}) (string, error)
	Close() error
}

// MCPDispatcher holds one MCP session against the tool server, carrying
// the user's identity header so every call lands in that user's container.
type MCPDispatcher struct {
	client *client.Client
	userID string
	tools  []openai.Tool
	logger *logger.Logger
}

// NewMCPDispatcher connects to the tool server, initializes the MCP
// session and converts the advertised tools to OpenAI function schemas.
func NewMCPDispatcher(ctx context.Context, serverURL, userID string, log *logger.Logger) (*MCPDispatcher, error) {
	c, err := client.NewStreamableHttpClient(serverURL,
		transport.WithHTTPHeaders(map[string]string{userIDHeader: userID}))
	if err != nil {
		return nil, fmt.Errorf("create MCP client: %w", err)
	}

	if err := c.Start(ctx); err != nil {
		return nil, fmt.Errorf("start MCP client: %w", err)
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcp.Implementation{Name: "runbox-agentapi", Version: "1.0.0"}
	if _, err := c.Initialize(ctx, initReq); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("initialize MCP session: %w", err)
	}

	listResp, err := c.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("list tools: %w", err)
	}

	d := &MCPDispatcher{
		client: c,
		userID: userID,
		logger: log.WithFields(zap.String("component", "dispatcher"), zap.String("user_id", userID)),
	}
	d.tools = make([]openai.Tool, 0, len(listResp.Tools))
	for _, tool := range listResp.Tools {
		params, err := schemaToMap(tool.InputSchema)
		if err != nil {
			d.logger.Warn("Skipping tool with unusable schema",
				zap.String("tool", tool.Name), zap.Error(err))
			continue
		}
		d.tools = append(d.tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  params,
			},
		})
	}
	d.logger.Debug("Connected to tool server", zap.Int("tools", len(d.tools)))
	return d, nil
}

// Tools returns the converted tool definitions.
func (d *MCPDispatcher) Tools() []openai.Tool {
	return d.tools
}

// Dispatch calls a tool on the tool server and flattens the result content
// to text. A result flagged as a tool error still returns as text.
func (d *MCPDispatcher) Dispatch(ctx context.Context, name string, args map[string]interface{}) (string, error) {
	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args

	result, err := d.client.CallTool(ctx, req)
	if err != nil {
		return "", fmt.Errorf("call tool %s: %w", name, err)
	}

	text := flattenContent(result.Content)
	if result.IsError {
		d.logger.Debug("Tool returned error result",
			zap.String("tool", name), zap.String("result", text))
	}
	return text, nil
}

// Close tears down the MCP session.
func (d *MCPDispatcher) Close() error {
	return d.client.Close()
}

// schemaToMap converts an MCP input schema into the generic map the OpenAI
// function-calling API expects.
func schemaToMap(schema mcp.ToolInputSchema) (map[string]interface{}, error) {
	raw, err := json.Marshal(schema)
	if err != nil {
		return nil, err
	}
	var out map[string]interface{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// flattenContent joins the text parts of a tool result. Non-text parts are
// skipped; the tools this bridge fronts only produce text.
func flattenContent(content []mcp.Content) string {
	var parts []string
	for _, item := range content {
		if text, ok := item.(mcp.TextContent); ok {
			parts = append(parts, text.Text)
		}
	}
	return strings.Join(parts, "\n")
}
