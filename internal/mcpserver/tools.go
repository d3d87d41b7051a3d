package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"
)

func (s *Server) registerTools() {
	s.mcpServer.AddTool(
		mcp.NewTool("execute_bash",
			mcp.WithDescription("Execute a bash command in the user's isolated container. "+
				"The container persists between calls for the same user; commands run in /workspace. "+
				"Returns exit_code, stdout, and stderr. A command that exceeds the timeout is killed "+
				"and reported with exit_code -1 and partial output."),
			mcp.WithString("command", mcp.Required(),
				mcp.Description("Bash command to execute in the container")),
			mcp.WithNumber("timeout",
				mcp.Description("Command timeout in seconds (default: 30)"),
				mcp.DefaultNumber(30)),
		),
		s.wrapHandler("execute_bash", s.executeBashHandler()),
	)

	s.mcpServer.AddTool(
		mcp.NewTool("write_file",
			mcp.WithDescription("Write content to a file in the user's container, creating parent "+
				"directories as needed. Content is written byte for byte; special characters and "+
				"multi-line content are safe."),
			mcp.WithString("file_path", mcp.Required(),
				mcp.Description("Absolute path where to write the file (e.g. /workspace/script.py)")),
			mcp.WithString("content", mcp.Required(),
				mcp.Description("Content to write to the file")),
		),
		s.wrapHandler("write_file", s.writeFileHandler()),
	)

	s.mcpServer.AddTool(
		mcp.NewTool("read_file",
			mcp.WithDescription("Read a file from the user's container with optional line-based "+
				"pagination. Useful for retrieving execution results, logs, generated files, and "+
				"skill documents under /skills."),
			mcp.WithString("file_path", mcp.Required(),
				mcp.Description("Absolute path to the file in the container")),
			mcp.WithNumber("offset",
				mcp.Description("Line number to start reading from, 0-indexed (default: 0)"),
				mcp.DefaultNumber(0)),
			mcp.WithNumber("line_count",
				mcp.Description("Number of lines to read (omit to read to end of file)")),
		),
		s.wrapHandler("read_file", s.readFileHandler()),
	)

	s.mcpServer.AddTool(
		mcp.NewTool("read_docstring",
			mcp.WithDescription("Read the docstring of a top-level function from a Python file in "+
				"the user's container. Returns an empty string when the function has no docstring."),
			mcp.WithString("file_path", mcp.Required(),
				mcp.Description("Absolute path to the Python file (e.g. /workspace/utils.py)")),
			mcp.WithString("function_name", mcp.Required(),
				mcp.Description("Name of the function to inspect")),
		),
		s.wrapHandler("read_docstring", s.readDocstringHandler()),
	)

	s.logger.Info("registered MCP tools", zap.Int("count", 4))
}

func (s *Server) executeBashHandler() server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		userID, err := userIDFromContext(ctx)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		command, err := req.RequireString("command")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		timeout := req.GetInt("timeout", 0)

		res, err := s.engine.Execute(ctx, userID, command, timeout)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return toolResultJSON(map[string]interface{}{
			"exit_code": res.ExitCode,
			"stdout":    res.Stdout,
			"stderr":    res.Stderr,
		})
	}
}

func (s *Server) writeFileHandler() server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		userID, err := userIDFromContext(ctx)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		filePath, err := req.RequireString("file_path")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		content, err := req.RequireString("content")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		written, err := s.engine.WriteFile(ctx, userID, filePath, content)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return mcp.NewToolResultText(
			fmt.Sprintf("Successfully wrote %d bytes to %s", written, filePath)), nil
	}
}

func (s *Server) readFileHandler() server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		userID, err := userIDFromContext(ctx)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		filePath, err := req.RequireString("file_path")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		offset := req.GetInt("offset", 0)

		// line_count is nullable: absent means read to end of file.
		var lineCount *int
		if raw, ok := req.GetArguments()["line_count"]; ok && raw != nil {
			if f, ok := raw.(float64); ok {
				n := int(f)
				lineCount = &n
			}
		}

		content, err := s.engine.ReadFile(ctx, userID, filePath, offset, lineCount)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return mcp.NewToolResultText(content), nil
	}
}

func (s *Server) readDocstringHandler() server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		userID, err := userIDFromContext(ctx)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		filePath, err := req.RequireString("file_path")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		functionName, err := req.RequireString("function_name")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		doc, err := s.engine.ReadDocstring(ctx, userID, filePath, functionName)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return mcp.NewToolResultText(doc), nil
	}
}

func toolResultJSON(payload map[string]interface{}) (*mcp.CallToolResult, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to encode result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(body)), nil
}
