package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"
)

const (
	resourceStatus        = "quaesitor://status"
	resourceRecentReports = "quaesitor://reports/recent"
	resourceReportTmpl    = "reports://{id}"

	recentReportsLimit = 20
)

func (s *MCPServer) registerResources() {
	s.server.AddResource(&mcp.Resource{
		URI:         resourceStatus,
		Name:        "Server Status",
		Description: "Live server status: mode, storage, job counts, degradation flags",
		MIMEType:    "application/json",
	}, s.handleStatusResource)

	s.server.AddResource(&mcp.Resource{
		URI:         resourceRecentReports,
		Name:        "Recent Reports",
		Description: "Summaries of the most recent research reports",
		MIMEType:    "application/json",
	}, s.handleRecentReportsResource)

	s.server.AddResourceTemplate(&mcp.ResourceTemplate{
		URITemplate: resourceReportTmpl,
		Name:        "Research Report",
		Description: "A stored research report by id",
		MIMEType:    "application/json",
	}, s.handleReportResource)
}

func (s *MCPServer) handleStatusResource(ctx context.Context, req *mcp.ReadResourceRequest) (*mcp.ReadResourceResult, error) {
	status, err := s.toolServerStatus(ctx, nil, nil)
	if err != nil {
		return nil, err
	}
	return jsonResourceResult(req, resourceStatus, status)
}

func (s *MCPServer) handleRecentReportsResource(ctx context.Context, req *mcp.ReadResourceRequest) (*mcp.ReadResourceResult, error) {
	reports, err := s.store.ListRecentReports(ctx, recentReportsLimit, "")
	if err != nil {
		return nil, err
	}
	summaries := make([]map[string]any, 0, len(reports))
	for _, r := range reports {
		summaries = append(summaries, reportSummary(&r))
	}
	payload := map[string]any{
		"reports":      summaries,
		"count":        len(summaries),
		"generated_at": time.Now().UTC().Format(time.RFC3339),
	}
	return jsonResourceResult(req, resourceRecentReports, payload)
}

func (s *MCPServer) handleReportResource(ctx context.Context, req *mcp.ReadResourceRequest) (*mcp.ReadResourceResult, error) {
	uri := ""
	if req != nil && req.Params != nil {
		uri = req.Params.URI
	}
	idText := strings.TrimPrefix(uri, "reports://")
	reportID, err := parseReportID(idText)
	if err != nil {
		return nil, fmt.Errorf("bad report uri %q: %w", uri, err)
	}

	report, err := s.store.GetReport(ctx, reportID)
	if err != nil {
		return nil, fmt.Errorf("report %d: %w", reportID, err)
	}
	return jsonResourceResult(req, uri, report)
}

func jsonResourceResult(req *mcp.ReadResourceRequest, defaultURI string, payload any) (*mcp.ReadResourceResult, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	uri := defaultURI
	if req != nil && req.Params != nil && req.Params.URI != "" {
		uri = req.Params.URI
	}
	return &mcp.ReadResourceResult{
		Contents: []*mcp.ResourceContents{{
			URI:      uri,
			MIMEType: "application/json",
			Text:     string(data),
		}},
	}, nil
}

// handleSubscribe gates resources/subscribe to URIs that actually change.
func (s *MCPServer) handleSubscribe(_ context.Context, req *mcp.SubscribeRequest) error {
	uri := ""
	if req != nil && req.Params != nil {
		uri = req.Params.URI
	}
	if uri != resourceStatus {
		return fmt.Errorf("resource %q does not support subscriptions", uri)
	}
	return nil
}

func (s *MCPServer) handleUnsubscribe(_ context.Context, _ *mcp.UnsubscribeRequest) error {
	return nil
}

// PublishStatusChange notifies status subscribers when the degradation set
// changes. Safe to call periodically from maintenance loops.
func (s *MCPServer) PublishStatusChange(ctx context.Context) {
	current := s.degradedReasons()

	s.mu.Lock()
	changed := !equalStrings(s.degraded, current)
	if changed {
		s.degraded = current
	}
	s.mu.Unlock()

	if !changed {
		return
	}
	if err := s.server.ResourceUpdated(ctx, &mcp.ResourceUpdatedNotificationParams{
		URI: resourceStatus,
	}); err != nil {
		s.logger.Debug("status resource update failed", zap.Error(err))
	}
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
