package mcpserver

import (
	"context"
	"fmt"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

func (s *MCPServer) registerPrompts() {
	s.server.AddPrompt(&mcp.Prompt{
		Name:        "research_report",
		Description: "Kick off a deep research run and monitor it to completion",
		Arguments: []*mcp.PromptArgument{
			{Name: "query", Description: "The research question", Required: true},
			{Name: "audience", Description: "Audience level, e.g. expert or general"},
		},
	}, s.handleResearchReportPrompt)

	s.server.AddPrompt(&mcp.Prompt{
		Name:        "followup_question",
		Description: "Ask a follow-up question grounded in a stored report",
		Arguments: []*mcp.PromptArgument{
			{Name: "reportId", Description: "The stored report id", Required: true},
			{Name: "question", Description: "The follow-up question", Required: true},
		},
	}, s.handleFollowupPrompt)

	s.server.AddPrompt(&mcp.Prompt{
		Name:        "index_and_search",
		Description: "Walkthrough for ingesting documents and querying the hybrid index",
	}, s.handleIndexSearchPrompt)
}

func promptArg(req *mcp.GetPromptRequest, name string) string {
	if req == nil || req.Params == nil {
		return ""
	}
	return strings.TrimSpace(req.Params.Arguments[name])
}

func userPrompt(description, text string) *mcp.GetPromptResult {
	return &mcp.GetPromptResult{
		Description: description,
		Messages: []*mcp.PromptMessage{{
			Role:    "user",
			Content: &mcp.TextContent{Text: text},
		}},
	}
}

func (s *MCPServer) handleResearchReportPrompt(_ context.Context, req *mcp.GetPromptRequest) (*mcp.GetPromptResult, error) {
	query := promptArg(req, "query")
	if query == "" {
		return nil, fmt.Errorf("query argument is required")
	}
	audience := promptArg(req, "audience")
	if audience == "" {
		audience = "intermediate"
	}

	text := fmt.Sprintf(
		"Research the following question for a %s audience:\n\n%s\n\n"+
			"Call the research tool to submit the job, poll job_status until it "+
			"completes, then fetch the report with get_job_result and present "+
			"the findings with sources.",
		audience, query,
	)
	return userPrompt("Deep research workflow", text), nil
}

func (s *MCPServer) handleFollowupPrompt(ctx context.Context, req *mcp.GetPromptRequest) (*mcp.GetPromptResult, error) {
	question := promptArg(req, "question")
	if question == "" {
		return nil, fmt.Errorf("question argument is required")
	}
	reportID, err := parseReportID(promptArg(req, "reportId"))
	if err != nil {
		return nil, err
	}

	report, err := s.store.GetReport(ctx, reportID)
	if err != nil {
		return nil, fmt.Errorf("report %d: %w", reportID, err)
	}

	text := fmt.Sprintf(
		"A prior research report answered:\n\n%s\n\n---\n\n"+
			"Answer this follow-up using the report above as grounding; run the "+
			"agent tool with action=followup and reportId=%d if fresh research "+
			"is needed:\n\n%s",
		truncateChars(report.Output, 4000), reportID, question,
	)
	return userPrompt("Follow-up grounded in report", text), nil
}

func (s *MCPServer) handleIndexSearchPrompt(_ context.Context, _ *mcp.GetPromptRequest) (*mcp.GetPromptResult, error) {
	text := "To build a searchable corpus:\n" +
		"1. Ingest raw text with index_texts (documents: [{title, body}]) or " +
		"pull a page with index_url.\n" +
		"2. Check coverage with index_status; vectors backfill once the " +
		"embedder is warm.\n" +
		"3. Query with search_index {query, k, scope}. Scope 'reports' limits " +
		"to saved research, 'docs' to ingested text, 'both' fuses them.\n" +
		"4. For structured questions over stored reports, use retrieve in sql " +
		"mode with a read-only SELECT."
	return userPrompt("Index and search walkthrough", text), nil
}
