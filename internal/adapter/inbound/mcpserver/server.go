// Package mcpserver publishes the gateway tools on an MCP server so stock MCP
// clients can call them.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	mcpGoServer "github.com/mark3labs/mcp-go/server"

	"github.com/i2y/docsgate/internal/domain"
	"github.com/i2y/docsgate/internal/usecase"
	"github.com/i2y/docsgate/pkg/shared/toolwire"
)

// ClientID identifies callers arriving over the MCP stdio session.
const ClientID = "mcp-stdio"

// Adapter bridges MCP tool calls to the dispatcher.
type Adapter struct {
	dispatcher usecase.ToolDispatcher
	server     *mcpGoServer.MCPServer
	logger     *slog.Logger
}

// New creates an MCP server exposing tools.
func New(dispatcher usecase.ToolDispatcher, tools []domain.Tool, version string, logger *slog.Logger) (*Adapter, error) {
	a := &Adapter{
		dispatcher: dispatcher,
		server:     mcpGoServer.NewMCPServer("docsgate", version, mcpGoServer.WithToolCapabilities(false)),
		logger:     logger.With("component", "mcpserver"),
	}
	for _, t := range tools {
		kind, err := domain.ParseToolKind(t.Name)
		if err != nil {
			return nil, fmt.Errorf("cannot publish tool %q: %w", t.Name, err)
		}
		schema, err := json.Marshal(t.InputSchema)
		if err != nil {
			return nil, fmt.Errorf("failed to encode input schema for %s: %w", t.Name, err)
		}
		a.server.AddTool(mcp.NewToolWithRawSchema(t.Name, t.Description, schema), a.ToolHandler(kind))
		a.logger.Debug("Published tool", slog.String("tool", t.Name))
	}
	return a, nil
}

// MCPServer returns the underlying server.
func (a *Adapter) MCPServer() *mcpGoServer.MCPServer { return a.server }

// ServeStdio runs the MCP protocol on the given streams until ctx is done.
func (a *Adapter) ServeStdio(ctx context.Context, in io.Reader, out io.Writer) error {
	a.logger.Info("Serving MCP on stdio")
	return mcpGoServer.NewStdioServer(a.server).Listen(ctx, in, out)
}

// ToolHandler returns the MCP handler for kind. Gateway errors become tool
// results flagged as errors rather than protocol errors.
func (a *Adapter) ToolHandler(kind domain.ToolKind) mcpGoServer.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		correlationID := uuid.NewString()
		raw, err := json.Marshal(request.Params.Arguments)
		if err != nil {
			return errorResult(domain.WrapError(domain.KindValidation, "invalid arguments", err)), nil
		}
		params, err := domain.DecodeParams(kind, raw)
		if err != nil {
			return errorResult(err), nil
		}

		resp := a.dispatcher.Handle(ctx, domain.ToolRequest{
			Kind:          kind,
			Params:        params,
			ClientID:      ClientID,
			CorrelationID: correlationID,
		})
		if resp.Err != nil {
			return errorResult(resp.Err), nil
		}
		return mcp.NewToolResultText(resp.Payload.Content), nil
	}
}

func errorResult(err error) *mcp.CallToolResult {
	we := toolwire.ErrorFrom(err)
	msg := fmt.Sprintf("%s: %s", we.Kind, we.Message)
	if we.RetryAfterMS > 0 {
		msg = fmt.Sprintf("%s (retry after %dms)", msg, we.RetryAfterMS)
	}
	return mcp.NewToolResultError(msg)
}
