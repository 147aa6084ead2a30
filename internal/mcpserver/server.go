// internal/mcpserver/server.go
package mcpserver

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"log/slog"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github-knowledge-store/internal/query"
)

const serverName = "github-knowledge-store"

// Catalog runs named read operations.
type Catalog interface {
	Execute(ctx context.Context, name string, input json.RawMessage) (any, error)
	Describe() []query.Descriptor
}

// New creates an MCP server exposing every catalog operation as a tool.
func New(catalog Catalog, version string, logger *slog.Logger) *server.MCPServer {
	s := server.NewMCPServer(
		serverName,
		version,
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions(instructions),
	)
	for _, desc := range catalog.Describe() {
		s.AddTool(toolFor(desc), handlerFor(catalog, desc.Name, logger))
	}
	return s
}

// ServeStdio serves s over in/out until ctx is done or in is closed.
func ServeStdio(ctx context.Context, s *server.MCPServer, in io.Reader, out io.Writer, logger *slog.Logger) error {
	stdio := server.NewStdioServer(s)
	stdio.SetErrorLogger(log.New(&slogWriter{logger: logger}, "", 0))
	logger.Info("Serving MCP over stdio")
	return stdio.Listen(ctx, in, out)
}

func toolFor(desc query.Descriptor) mcp.Tool {
	opts := []mcp.ToolOption{mcp.WithDescription(desc.Description)}
	for _, p := range desc.Params {
		props := []mcp.PropertyOption{mcp.Description(p.Description)}
		if p.Required {
			props = append(props, mcp.Required())
		}
		switch p.Type {
		case query.TypeInteger:
			if p.Minimum != nil {
				props = append(props, mcp.Min(float64(*p.Minimum)))
			}
			if p.Maximum != nil {
				props = append(props, mcp.Max(float64(*p.Maximum)))
			}
			opts = append(opts, mcp.WithNumber(p.Name, props...))
		case query.TypeObject:
			opts = append(opts, mcp.WithObject(p.Name, props...))
		default:
			opts = append(opts, mcp.WithString(p.Name, props...))
		}
	}
	return mcp.NewTool(desc.Name, opts...)
}

// handlerFor forwards tool arguments to the catalog unchanged, so MCP callers go through the
// same strict validation as HTTP callers.
func handlerFor(catalog Catalog, name string, logger *slog.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		input := json.RawMessage(`{}`)
		if args := request.Params.Arguments; args != nil {
			raw, err := json.Marshal(args)
			if err != nil {
				return mcp.NewToolResultError("arguments are not valid JSON: " + err.Error()), nil
			}
			input = raw
		}

		result, err := catalog.Execute(ctx, name, input)
		if err != nil {
			logger.Debug("Tool call failed", "tool", name, "error", err)
			return mcp.NewToolResultError(err.Error()), nil
		}
		text, err := json.MarshalIndent(result, "", "  ")
		if err != nil {
			return nil, err
		}
		return mcp.NewToolResultText(string(text)), nil
	}
}

// slogWriter adapts the stdio server's log.Logger onto slog.
type slogWriter struct {
	logger *slog.Logger
}

func (w *slogWriter) Write(p []byte) (int, error) {
	w.logger.Warn("MCP transport", "message", string(p))
	return len(p), nil
}

const instructions = `Read-only access to GitHub users previously ingested into the knowledge store.
Every tool takes "user" (a GitHub login). Inputs are validated strictly: unknown fields, wrong
types and missing required fields are rejected. Call list_repositories first to learn repository
names, then get_repository_overview or get_commit_timeline for details.`
