package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/marcus-qen/quaesitor/internal/events"
	"github.com/marcus-qen/quaesitor/internal/jobs"
	"github.com/marcus-qen/quaesitor/internal/research"
	"github.com/marcus-qen/quaesitor/internal/storage"
)

// jobTypeResearch is the job type registered with the engine runner.
const jobTypeResearch = "research"

// decodeResearchRequest round-trips validated arguments into the research
// submission payload. Keys outside the payload shape are dropped first.
func decodeResearchRequest(args map[string]any) (research.Request, error) {
	filtered := make(map[string]any, len(args))
	for k, v := range args {
		switch k {
		case "async", "action":
			// Routing fields, not part of the payload.
		default:
			filtered[k] = v
		}
	}
	data, err := json.Marshal(filtered)
	if err != nil {
		return research.Request{}, err
	}
	var req research.Request
	if err := json.Unmarshal(data, &req); err != nil {
		return research.Request{}, fmt.Errorf("decode research request: %w", err)
	}
	if strings.TrimSpace(req.Query) == "" {
		return research.Request{}, fmt.Errorf("query is required")
	}
	return req, nil
}

// submitResearchJob enqueues the request and builds the canonical job
// response with monitor resource links.
func (s *MCPServer) submitResearchJob(ctx context.Context, req research.Request) (map[string]any, error) {
	params, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	sub, err := s.engine.Submit(ctx, jobs.SubmitRequest{
		Type:   jobTypeResearch,
		Params: params,
		Identity: jobs.Identity{
			Query:          req.Query,
			CostPreference: req.CostPreference,
			AudienceLevel:  req.AudienceLevel,
			OutputFormat:   req.OutputFormat,
			IncludeSources: req.IncludeSources,
		},
		IdempotencyKey: req.IdempotencyKey,
		ForceNew:       req.ForceNew,
	})
	if err != nil {
		return nil, fmt.Errorf("submit research job: %w", err)
	}

	return s.jobSubmitResponse(sub), nil
}

// SubmitResearch enqueues a research job on behalf of the HTTP job API and
// returns the canonical job response.
func (s *MCPServer) SubmitResearch(ctx context.Context, req research.Request) (map[string]any, error) {
	return s.submitResearchJob(ctx, req)
}

// jobSubmitResponse is shared with the HTTP POST /jobs surface.
func (s *MCPServer) jobSubmitResponse(sub *jobs.SubmitResult) map[string]any {
	job := sub.Job
	out := map[string]any{
		"job_id": job.ID,
		"status": job.Status,
		"resources": map[string]any{
			"monitor": fmt.Sprintf("/jobs/%s/events", job.ID),
			"status":  "tools://job_status",
			"result":  "tools://get_job_result",
		},
		"idempotency_key": job.IdempotencyKey,
	}
	if sub.Existing {
		out["existing_job"] = true
	}
	if sub.Cached {
		out["cached"] = true
		if len(job.Result) > 0 {
			var result any
			if err := json.Unmarshal(job.Result, &result); err == nil {
				out["result"] = result
			}
		}
	}
	if job.RetryOf != "" {
		out["retry_of"] = job.RetryOf
	}
	return out
}

func (s *MCPServer) toolResearch(ctx context.Context, args map[string]any, emit progressFunc) (any, error) {
	req, err := decodeResearchRequest(args)
	if err != nil {
		return nil, err
	}
	if argBool(args, "async", true) {
		return s.submitResearchJob(ctx, req)
	}
	return s.runSyncResearch(ctx, req, emit)
}

func (s *MCPServer) toolSubmitResearch(ctx context.Context, args map[string]any, _ progressFunc) (any, error) {
	req, err := decodeResearchRequest(args)
	if err != nil {
		return nil, err
	}
	return s.submitResearchJob(ctx, req)
}

func (s *MCPServer) toolConductResearch(ctx context.Context, args map[string]any, emit progressFunc) (any, error) {
	req, err := decodeResearchRequest(args)
	if err != nil {
		return nil, err
	}
	return s.runSyncResearch(ctx, req, emit)
}

// runSyncResearch executes the pipeline inline, translating pipeline
// events into MCP progress notifications.
func (s *MCPServer) runSyncResearch(ctx context.Context, req research.Request, emit progressFunc) (any, error) {
	if s.orch == nil {
		return nil, fmt.Errorf("research pipeline not configured")
	}

	runID := "sync-" + uuid.NewString()
	sink := newProgressSink(emit)

	result, err := s.orch.Run(ctx, runID, req, sink)
	if err != nil {
		return nil, fmt.Errorf("research failed: %w", err)
	}
	emit(1, "completed")
	return result, nil
}

// progressSink maps pipeline events onto a coarse 0..1 progress scale for
// clients that supplied a progress token.
type progressSink struct {
	emit       progressFunc
	subqueries int
	completed  int
}

func newProgressSink(emit progressFunc) events.Sink {
	return &progressSink{emit: emit}
}

func (p *progressSink) Emit(eventType string, payload map[string]any) {
	switch eventType {
	case storage.EventPlanComplete:
		switch n := payload["subqueries"].(type) {
		case int:
			p.subqueries = n
		case float64:
			p.subqueries = int(n)
		}
		p.emit(0.2, "plan complete")
	case storage.EventAgentCompleted:
		p.completed++
		fraction := 0.2
		if p.subqueries > 0 {
			fraction += 0.5 * float64(p.completed) / float64(p.subqueries)
		}
		if fraction > 0.7 {
			fraction = 0.7
		}
		p.emit(fraction, "sub-query finished")
	case storage.EventSynthStarted:
		p.emit(0.75, "synthesizing")
	case storage.EventReportSaved:
		p.emit(0.95, "report saved")
	case storage.EventSynthError:
		if msg, ok := payload["error"].(string); ok {
			p.emit(0.75, "synthesis error: "+msg)
		}
	}
}

// toolAgent is the unified entry point: a single tool whose action field
// routes to the research, retrieval, or job-inspection capabilities.
func (s *MCPServer) toolAgent(ctx context.Context, args map[string]any, emit progressFunc) (any, error) {
	action := strings.ToLower(argString(args, "action"))
	if action == "" {
		action = "research"
	}

	switch action {
	case "research":
		req, err := decodeResearchRequest(args)
		if err != nil {
			return nil, err
		}
		return s.submitResearchJob(ctx, req)

	case "retrieve", "search":
		query := argString(args, "query")
		if query == "" {
			return nil, fmt.Errorf("query is required for %s", action)
		}
		forwarded := map[string]any{"query": query}
		if k := argInt(args, "k", 0); k > 0 {
			forwarded["k"] = k
		}
		if scope := argString(args, "scope"); scope != "" {
			forwarded["scope"] = scope
		}
		return s.toolSearchIndex(ctx, forwarded, emit)

	case "followup", "follow_up":
		return s.agentFollowup(ctx, args)

	case "status":
		jobID := argString(args, "job_id")
		if jobID == "" {
			jobID = argString(args, "jobId")
		}
		if jobID == "" {
			return nil, fmt.Errorf("job_id is required for status")
		}
		return s.toolJobStatus(ctx, map[string]any{"job_id": jobID}, emit)

	case "result":
		jobID := argString(args, "job_id")
		if jobID == "" {
			return nil, fmt.Errorf("job_id is required for result")
		}
		return s.toolJobResult(ctx, map[string]any{"job_id": jobID}, emit)

	case "cancel":
		jobID := argString(args, "job_id")
		if jobID == "" {
			return nil, fmt.Errorf("job_id is required for cancel")
		}
		return s.toolCancelJob(ctx, map[string]any{"job_id": jobID}, emit)

	default:
		return nil, fmt.Errorf("unknown action %q", action)
	}
}

// agentFollowup asks a question against a stored report by folding the
// report text into the research request as an attached document.
func (s *MCPServer) agentFollowup(ctx context.Context, args map[string]any) (any, error) {
	query := argString(args, "query")
	if query == "" {
		return nil, fmt.Errorf("query is required for followup")
	}

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

	req := research.Request{
		Query: query,
		TextDocuments: []research.Document{{
			Name:    fmt.Sprintf("prior-report-%d", report.ID),
			Content: report.Output,
		}},
	}
	return s.submitResearchJob(ctx, req)
}
