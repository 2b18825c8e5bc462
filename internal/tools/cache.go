package tools

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/leonardcser/web-query/internal/queries"
	"github.com/leonardcser/web-query/internal/query"
)

// CacheInvalidateHandler returns the MCP tool handler for "cache-invalidate".
func CacheInvalidateHandler(q *queries.Client) server.ToolHandlerFunc {
	return func(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		kind := req.GetString("kind", "")
		arg := req.GetString("target", "")
		if kind == "" && arg != "" {
			return mcp.NewToolResultError("target requires kind"), nil
		}
		n := q.Invalidate(kind, arg)
		return mcp.NewToolResultText(fmt.Sprintf("Invalidated %d %s.", n, plural(n, "query", "queries"))), nil
	}
}

// CacheStatusHandler returns the MCP tool handler for "cache-status".
func CacheStatusHandler(q *queries.Client) server.ToolHandlerFunc {
	return func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return mcp.NewToolResultText(formatStatus(q.Status(), time.Now())), nil
	}
}

func formatStatus(snaps []query.Snapshot, now time.Time) string {
	if len(snaps) == 0 {
		return "Cache is empty."
	}
	var sb strings.Builder
	for i, s := range snaps {
		fmt.Fprintf(&sb, "%s %s", s.Key, s.Status)
		if s.Stale && s.HasValue {
			sb.WriteString(" (stale)")
		}
		if !s.FetchedAt.IsZero() {
			fmt.Fprintf(&sb, ", fetched %s", humanize.RelTime(s.FetchedAt, now, "ago", "from now"))
		}
		if s.Err != nil {
			fmt.Fprintf(&sb, ", last error: %v", s.Err)
		}
		switch {
		case s.Observers > 0:
			fmt.Fprintf(&sb, ", %d %s", s.Observers, plural(s.Observers, "observer", "observers"))
		case s.ExpiresAt.IsZero():
			sb.WriteString(", retained")
		default:
			fmt.Fprintf(&sb, ", expires %s", humanize.RelTime(s.ExpiresAt, now, "ago", "from now"))
		}
		if i < len(snaps)-1 {
			sb.WriteByte('\n')
		}
	}
	return sb.String()
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}
