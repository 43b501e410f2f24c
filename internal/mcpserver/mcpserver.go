// Package mcpserver exposes the retrieval core as Model Context Protocol
// tools over the streamable HTTP transport.
//
// Tools:
//
//   - semantic_search: ranks a tenant's records against a query and returns
//     the rendered context block.
//   - ask: runs one conversational turn and returns the answer and session id.
package mcpserver

import (
	"context"
	"net/http"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/MrWong99/clausewise/internal/chat"
	"github.com/MrWong99/clausewise/internal/contextblock"
	"github.com/MrWong99/clausewise/internal/registry"
	"github.com/MrWong99/clausewise/internal/search"
)

// Version is reported in the MCP implementation info.
const Version = "1.0.0"

// Asker runs conversational turns. *chat.Orchestrator satisfies it.
type Asker interface {
	Turn(ctx context.Context, req chat.TurnRequest) (*chat.TurnResult, error)
}

// Deps are the collaborators the tools call.
type Deps struct {
	Embeddings search.QueryEmbedder
	Search     search.TwoStager
	Chat       Asker
	Assembler  contextblock.Assembler
}

// SearchInput is the semantic_search argument object.
type SearchInput struct {
	Query    string `json:"query" jsonschema:"the natural-language question or keywords"`
	TenantID string `json:"tenant_id,omitempty" jsonschema:"tenant whose records are searched"`
	Limit    int    `json:"limit,omitempty" jsonschema:"maximum number of parent records, default 15"`
}

// SearchOutput is the semantic_search result.
type SearchOutput struct {
	Context string                `json:"context"`
	Sources []contextblock.Source `json:"sources"`
}

// AskInput is the ask argument object.
type AskInput struct {
	Question  string `json:"question" jsonschema:"the question to answer from the tenant's records"`
	TenantID  string `json:"tenant_id,omitempty" jsonschema:"tenant scope of the conversation"`
	OwnerID   string `json:"owner_id" jsonschema:"user who owns the conversation"`
	SessionID string `json:"session_id,omitempty" jsonschema:"session to continue; empty starts a new one"`
}

// NewServer returns an MCP server with the tools registered.
func NewServer(d Deps) *mcpsdk.Server {
	s := mcpsdk.NewServer(&mcpsdk.Implementation{Name: "clausewise", Version: Version}, nil)

	mcpsdk.AddTool(s, &mcpsdk.Tool{
		Name:        "semantic_search",
		Description: "Search the tenant's activities and their files by meaning and return a ranked context block.",
	}, func(ctx context.Context, _ *mcpsdk.CallToolRequest, in SearchInput) (*mcpsdk.CallToolResult, SearchOutput, error) {
		ctx = registry.WithTenant(ctx, in.TenantID)
		res, err := search.Text(ctx, d.Embeddings, d.Search, in.Query, search.Query{TenantID: in.TenantID, ParentLimit: in.Limit})
		if err != nil {
			return nil, SearchOutput{}, err
		}
		out := SearchOutput{
			Context: d.Assembler.Build(res.Parents, res.ChildrenByParent),
			Sources: contextblock.Sources(res.Parents, 0),
		}
		if out.Sources == nil {
			out.Sources = []contextblock.Source{}
		}
		return text(out.Context), out, nil
	})

	mcpsdk.AddTool(s, &mcpsdk.Tool{
		Name:        "ask",
		Description: "Answer a question from the tenant's records, continuing a conversation when session_id is given.",
	}, func(ctx context.Context, _ *mcpsdk.CallToolRequest, in AskInput) (*mcpsdk.CallToolResult, chat.TurnResult, error) {
		res, err := d.Chat.Turn(ctx, chat.TurnRequest{
			TenantID:  in.TenantID,
			OwnerID:   in.OwnerID,
			Question:  in.Question,
			SessionID: in.SessionID,
		})
		if err != nil {
			return nil, chat.TurnResult{}, err
		}
		if res.Sources == nil {
			res.Sources = []contextblock.Source{}
		}
		return text(res.Answer), *res, nil
	})

	return s
}

// Handler serves s over streamable HTTP.
func Handler(s *mcpsdk.Server) http.Handler {
	return mcpsdk.NewStreamableHTTPHandler(func(*http.Request) *mcpsdk.Server { return s }, nil)
}

func text(s string) *mcpsdk.CallToolResult {
	if s == "" {
		s = "No records matched."
	}
	return &mcpsdk.CallToolResult{Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: s}}}
}
