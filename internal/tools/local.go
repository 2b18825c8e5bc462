package tools

import (
	"context"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/leonardcser/web-query/internal/queries"
)

// FileReadHandler returns the MCP tool handler for the "file-read" tool.
func FileReadHandler(q *queries.Client) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		path, err := req.RequireString("path")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		text, err := q.File(ctx, path, req.GetBool("refresh", false))
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return mcp.NewToolResultText(text), nil
	}
}

// OfflineKeysHandler returns the MCP tool handler for the "offline-keys" tool.
func OfflineKeysHandler(q *queries.Client) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		urls, err := q.OfflineKeys(ctx, req.GetString("prefix", ""), req.GetBool("refresh", false))
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		if len(urls) == 0 {
			return mcp.NewToolResultText("No offline pages."), nil
		}
		return mcp.NewToolResultText(strings.Join(urls, "\n")), nil
	}
}
