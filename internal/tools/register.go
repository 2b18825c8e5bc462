package tools

import (
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/leonardcser/web-query/internal/queries"
)

// Register adds every tool to s.
func Register(s *server.MCPServer, q *queries.Client) {
	s.AddTool(mcp.NewTool("web-fetch",
		mcp.WithDescription(multiline(
			"Fetches content from a specified URL and returns the parsed content",
			"\nFunctionality:",
			"- Takes a URL as input",
			"- Fetches the URL content and parses it",
			"- Returns the structured content including title, description, text, and links",
			"\nUsage notes:",
			"- If an MCP-provided web fetch tool is available, prefer using that tool instead",
			"- The URL must be a fully-formed valid URL",
			"- This tool is read-only and does not modify any files",
			"- Results are cached and reused while fresh (15 minutes by default); set refresh to bypass",
			"- When the site is unreachable, the last stored copy of the page is returned if there is one",
		)),
		mcp.WithString("url", mcp.Required(), mcp.Description("The URL to fetch content from")),
		mcp.WithBoolean("refresh", mcp.Description("Fetch again even if a fresh cached copy exists")),
	), WebFetchHandler(q))

	s.AddTool(mcp.NewTool("web-search",
		mcp.WithDescription(multiline(
			"Allows you to search the web and use the results to inform responses",
			"\nFunctionality:",
			"- Provides up-to-date information for current events and recent data",
			"- Returns search result information formatted as search result blocks",
			"- Use this tool for accessing information beyond your knowledge cutoff",
			"\nUsage notes:",
			"- Identical queries within a few minutes are answered from cache",
			"- Account for Today's date in environment (e.g., use 2025 when appropriate)",
		)),
		mcp.WithString("query", mcp.Required(), mcp.Description("The search query to use")),
		mcp.WithBoolean("refresh", mcp.Description("Search again even if a fresh cached result exists")),
	), WebSearchHandler(q))

	s.AddTool(mcp.NewTool("file-read",
		mcp.WithDescription(multiline(
			"Reads a local text file",
			"\nUsage notes:",
			"- Contents are cached until invalidated; pass refresh after editing the file",
		)),
		mcp.WithString("path", mcp.Required(), mcp.Description("Path of the file to read")),
		mcp.WithBoolean("refresh", mcp.Description("Read the file again")),
	), FileReadHandler(q))

	s.AddTool(mcp.NewTool("offline-keys",
		mcp.WithDescription("Lists URLs whose pages are stored for offline use"),
		mcp.WithString("prefix", mcp.Description("Only list URLs starting with this prefix")),
		mcp.WithBoolean("refresh", mcp.Description("Re-read the offline store")),
	), OfflineKeysHandler(q))

	s.AddTool(mcp.NewTool("cache-invalidate",
		mcp.WithDescription("Marks cached queries stale so they are fetched again on next use"),
		mcp.WithString("kind",
			mcp.Description("Kind of query; empty invalidates everything"),
			mcp.Enum(queries.KindPage, queries.KindSearch, queries.KindFile, queries.KindOffline),
		),
		mcp.WithString("target", mcp.Description("URL, search query, path or prefix within kind")),
	), CacheInvalidateHandler(q))

	s.AddTool(mcp.NewTool("cache-status",
		mcp.WithDescription("Lists cached queries with their status and age"),
	), CacheStatusHandler(q))
}

// multiline joins lines with newlines for tool descriptions.
func multiline(lines ...string) string { return strings.Join(lines, "\n") }
