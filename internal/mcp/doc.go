// Package mcp exposes conductor's operations as MCP tools.
//
// The server uses the MCP SDK (github.com/modelcontextprotocol/go-sdk/mcp)
// and calls the pipeline runner, worker orchestrator and convergence engine
// directly. Tools are grouped by category in a ToolRegistry; tool_search and
// tool_list let clients discover defer-loaded tools instead of receiving every
// definition up front.
package mcp
