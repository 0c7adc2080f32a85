package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/marcus-qen/quaesitor/internal/jobs"
	"github.com/marcus-qen/quaesitor/internal/storage"
)

// jobEventPageSize bounds the event log attached to job_status responses.
const jobEventPageSize = 200

func (s *MCPServer) toolJobStatus(ctx context.Context, args map[string]any, _ progressFunc) (any, error) {
	jobID := argString(args, "job_id")
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		if storage.IsNotFound(err) {
			return nil, fmt.Errorf("job %s not found", jobID)
		}
		return nil, err
	}

	format := argString(args, "format")
	if format == "" {
		format = "summary"
	}

	out := map[string]any{
		"job_id":     job.ID,
		"type":       job.Type,
		"status":     job.Status,
		"attempts":   job.Attempts,
		"created_at": job.CreatedAt.Format(time.RFC3339),
		"updated_at": job.UpdatedAt.Format(time.RFC3339),
	}
	if job.RetryOf != "" {
		out["retry_of"] = job.RetryOf
	}

	if format == "events" || format == "full" {
		eventsList, err := s.store.GetJobEvents(ctx, job.ID, 0, jobEventPageSize)
		if err != nil {
			return nil, err
		}
		out["events"] = eventsList
	}
	if format == "events" {
		delete(out, "attempts")
		delete(out, "created_at")
		delete(out, "updated_at")
	}
	return out, nil
}

func (s *MCPServer) toolJobResult(ctx context.Context, args map[string]any, _ progressFunc) (any, error) {
	jobID := argString(args, "job_id")
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		if storage.IsNotFound(err) {
			return nil, fmt.Errorf("job %s not found", jobID)
		}
		return nil, err
	}

	out := map[string]any{
		"job_id": job.ID,
		"status": job.Status,
	}
	if !storage.IsTerminalStatus(job.Status) {
		out["ready"] = false
		return out, nil
	}
	out["ready"] = true
	if len(job.Result) > 0 {
		var result any
		if err := json.Unmarshal(job.Result, &result); err == nil {
			out["result"] = result
		} else {
			out["result"] = string(job.Result)
		}
	}
	return out, nil
}

func (s *MCPServer) toolCancelJob(ctx context.Context, args map[string]any, _ progressFunc) (any, error) {
	jobID := argString(args, "job_id")
	job, err := s.engine.Cancel(ctx, jobID)
	if err != nil {
		switch {
		case storage.IsNotFound(err):
			return nil, fmt.Errorf("job %s not found", jobID)
		case errors.Is(err, jobs.ErrJobTerminal):
			return nil, fmt.Errorf("job %s already finished", jobID)
		default:
			return nil, err
		}
	}
	return map[string]any{
		"job_id": job.ID,
		"status": job.Status,
	}, nil
}

func (s *MCPServer) toolHistory(ctx context.Context, args map[string]any, _ progressFunc) (any, error) {
	limit := argInt(args, "limit", 20)
	if limit == 0 {
		// Explicit zero means an empty page, not an error.
		return map[string]any{"reports": []any{}, "count": 0}, nil
	}

	reports, err := s.store.ListRecentReports(ctx, limit, argString(args, "queryFilter"))
	if err != nil {
		return nil, err
	}

	summaries := make([]map[string]any, 0, len(reports))
	for _, r := range reports {
		summaries = append(summaries, reportSummary(&r))
	}
	return map[string]any{"reports": summaries, "count": len(summaries)}, nil
}

func reportSummary(r *storage.Report) map[string]any {
	return map[string]any{
		"id":         r.ID,
		"query":      r.Query,
		"created_at": r.CreatedAt.Format(time.RFC3339),
		"preview":    truncateChars(r.Output, 240),
	}
}

func (s *MCPServer) toolReportContent(ctx context.Context, args map[string]any, _ progressFunc) (any, error) {
	reportID, err := parseReportID(args["reportId"])
	if err != nil {
		return nil, err
	}
	report, err := s.store.GetReport(ctx, reportID)
	if err != nil {
		if storage.IsNotFound(err) {
			return nil, fmt.Errorf("report %d not found", reportID)
		}
		return nil, err
	}

	mode := argString(args, "mode")
	if mode == "" {
		mode = "full"
	}

	out := map[string]any{
		"id":         report.ID,
		"query":      report.Query,
		"created_at": report.CreatedAt.Format(time.RFC3339),
	}

	limit := 0
	if mode == "summary" {
		limit = 1000
	}
	if maxChars := argInt(args, "maxChars", 0); maxChars > 0 && (limit == 0 || maxChars < limit) {
		limit = maxChars
	}
	content := report.Output
	truncated := false
	if limit > 0 {
		content, truncated = cutRunes(content, limit)
	}
	out["content"] = content
	out["truncated"] = truncated

	if mode == "full" {
		if len(report.Sources) > 0 {
			out["sources"] = report.Sources
		}
		if len(report.Metadata) > 0 {
			out["metadata"] = report.Metadata
		}
	}
	return out, nil
}

// parseReportID accepts the id as a JSON number or a numeric string.
func parseReportID(v any) (int64, error) {
	switch typed := v.(type) {
	case float64:
		return int64(typed), nil
	case int64:
		return typed, nil
	case int:
		return int64(typed), nil
	case string:
		id, err := strconv.ParseInt(strings.TrimSpace(typed), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("reportId must be numeric, got %q", typed)
		}
		return id, nil
	default:
		return 0, fmt.Errorf("reportId is required")
	}
}

func truncateChars(s string, max int) string {
	out, _ := cutRunes(s, max)
	return out
}

// cutRunes trims to at most max runes, reporting whether a cut happened.
func cutRunes(s string, max int) (string, bool) {
	if max <= 0 {
		return s, false
	}
	runes := []rune(s)
	if len(runes) <= max {
		return s, false
	}
	return string(runes[:max]), true
}

func (s *MCPServer) toolBackupDatabase(ctx context.Context, args map[string]any, _ progressFunc) (any, error) {
	path := argString(args, "path")
	if path == "" {
		path = filepath.Join(s.cfg.DataDir, fmt.Sprintf("backup-%s.tar.gz", time.Now().UTC().Format("20060102-150405")))
	}
	if err := s.store.BackupTo(ctx, path); err != nil {
		return nil, fmt.Errorf("backup failed: %w", err)
	}
	return map[string]any{"path": path, "created": true}, nil
}
