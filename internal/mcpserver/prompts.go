package mcpserver

import (
	"context"

	"github.com/mark3labs/mcp-go/mcp"
)

func (s *Server) registerPrompts() {
	s.mcpServer.AddPrompt(
		mcp.NewPrompt("agent_system_prompt",
			mcp.WithPromptDescription("System prompt for the code execution agent, including the "+
				"catalog of currently available skills"),
		),
		func(ctx context.Context, req mcp.GetPromptRequest) (*mcp.GetPromptResult, error) {
			return mcp.NewGetPromptResult(
				"Agent system prompt with available skills",
				[]mcp.PromptMessage{
					mcp.NewPromptMessage(mcp.RoleUser, mcp.NewTextContent(s.registry.SystemPrompt())),
				},
			), nil
		},
	)

	s.logger.Info("registered MCP prompts")
}
