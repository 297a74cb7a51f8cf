package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// Handler adapts one tool to an MCP handler. Calls run in scope; tool
// errors are returned as MCP error results so the client model can
// recover from them.
func (c *Contract) Handler(scope Scope, name string) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args, err := json.Marshal(req.GetRawArguments())
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("invalid arguments: %v", err)), nil
		}
		res, err := c.Invoke(ctx, scope, "", name, args)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		out, err := json.Marshal(res)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("encoding result: %v", err)), nil
		}
		return mcp.NewToolResultText(string(out)), nil
	}
}

// Register adds every tool of scope.Set to an MCP server.
func (c *Contract) Register(s *server.MCPServer, scope Scope) {
	for _, def := range c.Definitions(scope.Set) {
		s.AddTool(def, c.Handler(scope, def.Name))
	}
}
