package transport

import (
	"context"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// RunStdio serves one MCP session over stdin/stdout and blocks until the
// client disconnects or ctx is canceled. Logs must already be routed to
// stderr; stdout belongs to the protocol.
func RunStdio(ctx context.Context, server *mcp.Server) error {
	return server.Run(ctx, &mcp.StdioTransport{})
}
