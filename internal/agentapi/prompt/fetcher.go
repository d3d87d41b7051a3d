package prompt

import (
	"context"
	"fmt"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	apperrors "github.com/runbox/runbox/internal/common/errors"
)

// promptName is the prompt registered by the tool server.
const promptName = "agent_system_prompt"

// Fetcher retrieves the current system prompt from the tool server. It is
// implemented by *MCPPromptFetcher; tests substitute a stub.
type Fetcher interface {
	FetchPrompt(ctx context.Context) (string, error)
}

// MCPPromptFetcher reads the agent_system_prompt prompt over the tool
// server's streamable HTTP endpoint. Each fetch dials a fresh connection;
// fetches are bounded by the cache TTL so connection reuse is not worth
// the bookkeeping. The prompt is user-independent, so no user header is
// sent.
type MCPPromptFetcher struct {
	serverURL string
}

// NewMCPPromptFetcher creates a fetcher against the given streamable HTTP
// endpoint, e.g. "http://localhost:8989/mcp".
func NewMCPPromptFetcher(serverURL string) *MCPPromptFetcher {
	return &MCPPromptFetcher{serverURL: serverURL}
}

// FetchPrompt dials the tool server and returns the prompt text.
func (f *MCPPromptFetcher) FetchPrompt(ctx context.Context) (string, error) {
	c, err := client.NewStreamableHttpClient(f.serverURL)
	if err != nil {
		return "", apperrors.PromptFetchFailed(err)
	}
	defer c.Close()

	if err := c.Start(ctx); err != nil {
		return "", apperrors.PromptFetchFailed(err)
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcp.Implementation{Name: "runbox-agentapi", Version: "1.0.0"}
	if _, err := c.Initialize(ctx, initReq); err != nil {
		return "", apperrors.PromptFetchFailed(err)
	}

	req := mcp.GetPromptRequest{}
	req.Params.Name = promptName
	result, err := c.GetPrompt(ctx, req)
	if err != nil {
		return "", apperrors.PromptFetchFailed(err)
	}

	for _, msg := range result.Messages {
		if text, ok := msg.Content.(mcp.TextContent); ok && text.Text != "" {
			return text.Text, nil
		}
	}
	return "", apperrors.PromptFetchFailed(fmt.Errorf("prompt %q has no text content", promptName))
}
