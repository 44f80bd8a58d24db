package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// ToolReferenceContent is a tool_reference content block,
// {"type":"tool_reference","tool_name":"..."}, which clients expand into the
// full definition of a defer-loaded tool. It embeds *mcp.TextContent to
// satisfy mcp.Content.
type ToolReferenceContent struct {
	*mcp.TextContent
	ToolName string
}

func NewToolReferenceContent(toolName string) *ToolReferenceContent {
	return &ToolReferenceContent{TextContent: &mcp.TextContent{}, ToolName: toolName}
}

// MarshalJSON writes the tool_reference wire format.
func (c *ToolReferenceContent) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Type     string `json:"type"`
		ToolName string `json:"tool_name"`
	}{Type: "tool_reference", ToolName: c.ToolName})
}

type toolSearchInput struct {
	Query    string `json:"query" jsonschema:"Substring or regular expression matched against tool names, descriptions and keywords"`
	Category string `json:"category,omitempty" jsonschema:"Only tools of this category (pipeline, run, worker, review, search)"`
	Limit    int    `json:"limit,omitempty" jsonschema:"Maximum results to return (default: 5)"`
}

type toolSearchOutput struct {
	Query      string          `json:"query"`
	Results    []*SearchResult `json:"results"`
	Count      int             `json:"count"`
	TotalTools int             `json:"total_tools"`
}

type toolListInput struct {
	Category     string `json:"category,omitempty" jsonschema:"Only tools of this category"`
	DeferredOnly bool   `json:"deferred_only,omitempty" jsonschema:"Only defer-loaded tools"`
}

type toolListOutput struct {
	Tools []*ToolMetadata `json:"tools"`
	Count int             `json:"count"`
}

const defaultSearchLimit = 5

func (s *Server) registerSearchTools() error {
	meta := &ToolMetadata{
		Name:        "tool_search",
		Description: "Search for available tools by name, description or keyword. Returns tool_reference blocks for the matches.",
		Category:    CategorySearch,
	}
	if err := s.registry.Register(meta); err != nil {
		return err
	}
	// tool_search returns its own content blocks, so it bypasses addTool.
	mcp.AddTool(s.mcp, &mcp.Tool{Name: meta.Name, Description: meta.Description},
		func(ctx context.Context, _ *mcp.CallToolRequest, in toolSearchInput) (*mcp.CallToolResult, toolSearchOutput, error) {
			done := s.metrics.Track(ctx, meta.Name)
			if err := required("query", in.Query); err != nil {
				done(err)
				return nil, toolSearchOutput{}, err
			}
			limit := in.Limit
			if limit <= 0 {
				limit = defaultSearchLimit
			}
			results := s.registry.Search(in.Query, ToolCategory(in.Category))
			if len(results) > limit {
				results = results[:limit]
			}
			if results == nil {
				results = []*SearchResult{}
			}

			names := make([]string, 0, len(results))
			for _, r := range results {
				names = append(names, r.Tool.Name)
			}
			text := fmt.Sprintf("No tools found matching: %s", in.Query)
			if len(names) > 0 {
				text = fmt.Sprintf("Found %d tool(s) for query '%s': %s", len(names), in.Query, strings.Join(names, ", "))
			}
			content := []mcp.Content{&mcp.TextContent{Text: text}}
			for _, name := range names {
				content = append(content, NewToolReferenceContent(name))
			}
			done(nil)
			return &mcp.CallToolResult{Content: content}, toolSearchOutput{
				Query:      in.Query,
				Results:    results,
				Count:      len(results),
				TotalTools: s.registry.Count(),
			}, nil
		})

	return addTool(s, &ToolMetadata{
		Name:        "tool_list",
		Description: "List registered tools with their metadata",
		Category:    CategorySearch,
	}, func(ctx context.Context, in toolListInput) (toolListOutput, string, error) {
		var keep func(*ToolMetadata) bool
		switch {
		case in.Category != "":
			keep = InCategory(ToolCategory(in.Category))
		case in.DeferredOnly:
			keep = Deferred
		}
		tools := s.registry.List(keep)
		return toolListOutput{Tools: tools, Count: len(tools)}, fmt.Sprintf("Found %d tools", len(tools)), nil
	})
}
