package mcpserver

import (
	"context"
	"sort"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

const maxCompletionValues = 50

// handleComplete serves completion/complete. The argument space is small:
// "name" completes to registered tool names, "reportId" to recent report
// ids, and "id" on the report resource template to the same ids. Anything
// else resolves to an empty list rather than an error.
func (s *MCPServer) handleComplete(ctx context.Context, req *mcp.CompleteRequest) (*mcp.CompleteResult, error) {
	if req.Params == nil {
		return emptyCompletion(), nil
	}
	arg := req.Params.Argument
	switch arg.Name {
	case "name", "tool":
		return completionResult(s.completeToolNames(arg.Value)), nil
	case "reportId", "report_id":
		return completionResult(s.completeReportIDs(ctx, arg.Value)), nil
	case "id":
		if ref := req.Params.Ref; ref != nil && ref.Type == "ref/resource" {
			return completionResult(s.completeReportIDs(ctx, arg.Value)), nil
		}
		return emptyCompletion(), nil
	case "audience":
		return completionResult(prefixFilter(audienceLevels, arg.Value)), nil
	default:
		return emptyCompletion(), nil
	}
}

var audienceLevels = []string{"executive", "expert", "general", "technical"}

// completeToolNames needs no lock: the visible set is fixed at registration
// time and never mutated while the server is running.
func (s *MCPServer) completeToolNames(prefix string) []string {
	names := make([]string, 0, len(s.visible))
	for name := range s.visible {
		names = append(names, name)
	}
	sort.Strings(names)
	return prefixFilter(names, prefix)
}

func (s *MCPServer) completeReportIDs(ctx context.Context, prefix string) []string {
	reports, err := s.store.ListRecentReports(ctx, maxCompletionValues, "")
	if err != nil {
		s.logger.Warn("completion report lookup failed", zap.Error(err))
		return nil
	}
	ids := make([]string, 0, len(reports))
	for _, r := range reports {
		ids = append(ids, strconv.FormatInt(r.ID, 10))
	}
	return prefixFilter(ids, prefix)
}

func prefixFilter(values []string, prefix string) []string {
	if prefix == "" {
		return clampCompletion(values)
	}
	out := make([]string, 0, len(values))
	for _, v := range values {
		if strings.HasPrefix(v, prefix) {
			out = append(out, v)
		}
	}
	return clampCompletion(out)
}

func clampCompletion(values []string) []string {
	if len(values) > maxCompletionValues {
		return values[:maxCompletionValues]
	}
	return values
}

func completionResult(values []string) *mcp.CompleteResult {
	if values == nil {
		values = []string{}
	}
	return &mcp.CompleteResult{
		Completion: mcp.CompletionResultDetails{
			Values:  values,
			Total:   len(values),
			HasMore: false,
		},
	}
}

func emptyCompletion() *mcp.CompleteResult {
	return completionResult(nil)
}
