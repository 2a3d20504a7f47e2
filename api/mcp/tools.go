package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/papercomputeco/cortex/pkg/attribution"
	"github.com/papercomputeco/cortex/pkg/memory"
	"github.com/papercomputeco/cortex/pkg/provenance"
	"github.com/papercomputeco/cortex/pkg/storage"
)

var (
	searchToolName    = "memory_search"
	searchDescription = "Search agent memories by meaning. Returns the most similar visible memories with their tier and criticality. Every result counts as a retrieval and is promoted to the hot tier."

	attributionsToolName    = "memory_attributions"
	attributionsDescription = "List how much each retrieved memory contributed to the answer of a previous query, by query id."

	deletionStatusToolName    = "deletion_status"
	deletionStatusDescription = "Report the status of a memory deletion request, including its derived artifacts and, once completed, its deletion certificate."
)

// SearchInput represents the input arguments for the memory_search tool.
type SearchInput struct {
	Query string `json:"query" jsonschema:"the text to find similar memories for"`
	TopK  int    `json:"top_k,omitempty" jsonschema:"number of results to return (default: 5)"`
}

// SearchResult is one memory_search hit.
type SearchResult struct {
	ID          string      `json:"id"`
	Score       float32     `json:"score"`
	Text        string      `json:"text"`
	Tier        memory.Tier `json:"tier"`
	Criticality float64     `json:"criticality"`
}

// SearchOutput represents the output of the memory_search tool.
type SearchOutput struct {
	Query   string         `json:"query"`
	Results []SearchResult `json:"results"`
	Count   int            `json:"count"`
}

// AttributionsInput represents the input arguments for the
// memory_attributions tool.
type AttributionsInput struct {
	QueryID string `json:"query_id" jsonschema:"the id returned by a previous query"`
}

// AttributionsOutput represents the output of the memory_attributions tool.
type AttributionsOutput struct {
	QueryID      string                    `json:"query_id"`
	Attributions []attribution.Attribution `json:"attributions"`
	Count        int                       `json:"count"`
}

// DeletionStatusInput represents the input arguments for the deletion_status
// tool.
type DeletionStatusInput struct {
	RequestID string `json:"request_id" jsonschema:"the deletion request id"`
}

// DeletionStatusOutput represents the output of the deletion_status tool.
type DeletionStatusOutput struct {
	Request     *provenance.DeletionRequest `json:"request"`
	Certificate *provenance.Certificate     `json:"certificate,omitempty"`
}

func (s *Server) handleSearch(ctx context.Context, _ *mcp.CallToolRequest, input SearchInput) (*mcp.CallToolResult, any, error) {
	topK := input.TopK
	if topK <= 0 {
		topK = 5
	}
	if topK > storage.MaxK {
		return toolError("top_k must be at most %d", storage.MaxK), nil, nil
	}
	s.config.Logger.Debug("MCP search request", "query", input.Query, "top_k", topK)

	scored, err := s.config.Service.Search(ctx, input.Query, topK)
	if err != nil {
		return toolError("Failed to search memories: %v", err), nil, nil
	}

	out := SearchOutput{Query: input.Query, Results: make([]SearchResult, 0, len(scored))}
	for _, sc := range scored {
		out.Results = append(out.Results, SearchResult{
			ID:          sc.Memory.ID,
			Score:       sc.Score,
			Text:        sc.Memory.Text,
			Tier:        sc.Memory.Tier,
			Criticality: sc.Memory.Criticality,
		})
	}
	out.Count = len(out.Results)
	return s.result(out)
}

func (s *Server) handleAttributions(ctx context.Context, _ *mcp.CallToolRequest, input AttributionsInput) (*mcp.CallToolResult, any, error) {
	attrs, err := s.config.Service.Attributions(ctx, input.QueryID)
	if err != nil {
		return toolError("Failed to load attributions: %v", err), nil, nil
	}
	if attrs == nil {
		attrs = []attribution.Attribution{}
	}
	return s.result(AttributionsOutput{QueryID: input.QueryID, Attributions: attrs, Count: len(attrs)})
}

func (s *Server) handleDeletionStatus(ctx context.Context, _ *mcp.CallToolRequest, input DeletionStatusInput) (*mcp.CallToolResult, any, error) {
	prov := s.config.Service.Provenance()
	r, err := prov.Deletion(ctx, input.RequestID)
	if err != nil {
		return toolError("Failed to load deletion request: %v", err), nil, nil
	}

	out := DeletionStatusOutput{Request: r}
	if r.Status == provenance.StatusCompleted {
		cert, err := prov.Certificate(ctx, r.ID)
		if err != nil {
			s.config.Logger.Warn("loading deletion certificate", "request_id", r.ID, "error", err)
		} else {
			out.Certificate = cert
		}
	}
	return s.result(out)
}

// result returns out as structured content plus serialized JSON in a text
// block for clients that only read text.
func (s *Server) result(out any) (*mcp.CallToolResult, any, error) {
	jsonBytes, err := json.Marshal(out)
	if err != nil {
		s.config.Logger.Error("failed to marshal tool output", "error", err)
		return toolError("Failed to serialize results: %v", err), nil, nil
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			&mcp.TextContent{Text: string(jsonBytes)},
		},
	}, out, nil
}

func toolError(format string, args ...any) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		IsError: true,
		Content: []mcp.Content{
			&mcp.TextContent{Text: fmt.Sprintf(format, args...)},
		},
	}
}
