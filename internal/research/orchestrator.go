package research

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/marcus-qen/quaesitor/internal/config"
	"github.com/marcus-qen/quaesitor/internal/embed"
	"github.com/marcus-qen/quaesitor/internal/events"
	"github.com/marcus-qen/quaesitor/internal/index"
	"github.com/marcus-qen/quaesitor/internal/jobs"
	"github.com/marcus-qen/quaesitor/internal/llm"
	"github.com/marcus-qen/quaesitor/internal/storage"
	"github.com/marcus-qen/quaesitor/internal/tracing"
)

const (
	coverageOpen  = "<insufficient_coverage>"
	coverageClose = "</insufficient_coverage>"
	// embedPreview bounds how much report text feeds the report embedding.
	embedPreview = 2000
)

var markdownLink = regexp.MustCompile(`\]\((https?://[^)\s]+)\)`)

// Orchestrator runs the plan/research/synthesize pipeline.
type Orchestrator struct {
	gw       Gateway
	store    storage.Store
	idx      *index.Index
	embedder embed.Provider
	cfg      config.ResearchConfig
	logger   *zap.Logger
}

// New wires the orchestrator. The index and embedder may be nil; report
// auto-ingest and report embeddings are skipped then.
func New(gw Gateway, store storage.Store, idx *index.Index, embedder embed.Provider, cfg config.ResearchConfig, logger *zap.Logger) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		gw:       gw,
		store:    store,
		idx:      idx,
		embedder: embedder,
		cfg:      cfg,
		logger:   logger.Named("research"),
	}
}

// Runner adapts the pipeline to the job engine: params decode into a
// Request and the result serializes the Result.
func (o *Orchestrator) Runner() jobs.Runner {
	return jobs.RunnerFunc(func(ctx context.Context, job *storage.Job, sink events.Sink) ([]byte, error) {
		var req Request
		if err := json.Unmarshal(job.Params, &req); err != nil {
			return nil, fmt.Errorf("decode research params: %w", err)
		}
		res, err := o.Run(ctx, job.ID, req, sink)
		if err != nil {
			return nil, err
		}
		return json.Marshal(res)
	})
}

// Run executes the full pipeline and persists the report. Progress events
// flow through sink; jobID tags usage records and may be empty on the
// synchronous path.
func (o *Orchestrator) Run(ctx context.Context, jobID string, req Request, sink events.Sink) (*Result, error) {
	if req.EnsembleSize == 0 {
		req.EnsembleSize = o.cfg.EnsembleSize
	}
	if req.MaxIterations == 0 {
		req.MaxIterations = o.cfg.MaxIterations
	}
	if err := req.Normalize(); err != nil {
		return nil, err
	}
	start := time.Now()
	var degraded []string
	var usage llm.Usage

	planner, err := o.plannerModel(ctx, req)
	if err != nil {
		return nil, err
	}

	visionModel := ""
	if len(req.Images) > 0 {
		vm, verr := o.gw.SelectVisionModel(ctx, o.tierModels(req.CostPreference))
		if verr != nil {
			o.logger.Warn("no vision model, stripping images", zap.Error(verr))
			degraded = append(degraded, "no_vision_model")
			sink.Emit(storage.EventProgress, map[string]any{
				"phase":  "degraded",
				"reason": "no_vision_model",
			})
			req.Images = nil
		} else {
			visionModel = vm
		}
	}

	planCtx, planSpan := tracing.StartPlanSpan(ctx, planner)
	subqs, planUsage, err := o.plan(planCtx, planner, req, "")
	planSpan.End()
	addUsage(&usage, planUsage)
	o.recordUsage(ctx, planner, jobID, planUsage)
	if err != nil {
		return nil, err
	}
	planTexts := make([]string, len(subqs))
	for i, sq := range subqs {
		planTexts[i] = sq.Text
	}
	sink.Emit(storage.EventPlanComplete, map[string]any{
		"subqueries": len(subqs),
		"plan":       planTexts,
	})

	modelsUsed := map[string]bool{planner: true}
	var allSelected []agentResult
	var failed []string
	totalSubqs := 0
	output := ""
	iteration := 0

	for {
		iteration++
		ensCtx, ensSpan := tracing.StartEnsembleSpan(ctx, len(subqs), req.EnsembleSize)
		results := o.runEnsemble(ensCtx, req, subqs, visionModel, sink)
		ensSpan.End()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		selected := make([]agentResult, 0, len(subqs))
		for _, sq := range subqs {
			totalSubqs++
			if best := bestResult(results, sq.Index); best != nil {
				selected = append(selected, *best)
			} else {
				failed = append(failed, sq.Text)
				selected = append(selected, agentResult{
					SubQuery: sq,
					Err:      errors.New(firstError(results, sq.Index)),
				})
			}
		}
		for _, r := range results {
			if r.Err == nil {
				modelsUsed[r.Model] = true
				addUsage(&usage, r.Usage)
				o.recordUsage(ctx, r.Model, jobID, r.Usage)
			}
		}
		allSelected = append(allSelected, selected...)

		if !anySuccess(selected) {
			return nil, errors.New("all sub-queries failed")
		}

		synthCtx, synthSpan := tracing.StartSynthesisSpan(ctx, planner, iteration)
		var synthUsage llm.Usage
		output, synthUsage, err = o.synthesize(synthCtx, planner, req, allSelected, sink)
		synthSpan.End()
		addUsage(&usage, synthUsage)
		o.recordUsage(ctx, planner, jobID, synthUsage)
		if err != nil {
			o.preserveFindings(ctx, allSelected)
			return nil, fmt.Errorf("synthesis: %w", err)
		}

		gaps, cleaned, found := extractCoverageGap(output)
		output = cleaned
		if !found || iteration >= req.MaxIterations {
			break
		}

		sink.Emit(storage.EventProgress, map[string]any{
			"phase":     "refinement",
			"iteration": iteration + 1,
			"gaps":      gaps,
		})
		refineCtx, refineSpan := tracing.StartPlanSpan(ctx, planner)
		var refineUsage llm.Usage
		subqs, refineUsage, err = o.plan(refineCtx, planner, req, gaps)
		refineSpan.End()
		addUsage(&usage, refineUsage)
		o.recordUsage(ctx, planner, jobID, refineUsage)
		if err != nil {
			// The report we have still stands; refinement failing is not fatal.
			o.logger.Warn("refinement planning failed", zap.Error(err))
			degraded = append(degraded, "refinement_failed")
			break
		}
		for _, sq := range subqs {
			planTexts = append(planTexts, sq.Text)
		}
	}

	models := make([]string, 0, len(modelsUsed))
	for m := range modelsUsed {
		models = append(models, m)
	}
	confidence := confidenceScore(totalSubqs, len(failed))

	var sources []string
	if req.IncludeSources {
		sources = extractSources(output)
	}

	report, repDegraded, err := o.persistReport(ctx, req, output, sources, map[string]any{
		"plan":              planTexts,
		"iterations":        iteration,
		"models":            models,
		"usage":             usage,
		"failed_subqueries": failed,
		"confidence":        confidence,
		"job_id":            jobID,
		"duration_ms":       time.Since(start).Milliseconds(),
		"ensemble_size":     req.EnsembleSize,
		"cost_preference":   req.CostPreference,
	})
	if err != nil {
		return nil, err
	}
	degraded = append(degraded, repDegraded...)
	sink.Emit(storage.EventReportSaved, map[string]any{
		"report_id": report.ID,
		"query":     req.Query,
	})

	return &Result{
		ReportID:         report.ID,
		Query:            req.Query,
		Output:           output,
		Sources:          sources,
		Models:           models,
		Usage:            usage,
		Iterations:       iteration,
		SubQueries:       totalSubqs,
		FailedSubQueries: failed,
		Confidence:       confidence,
		Degraded:         degraded,
	}, nil
}

// synthesize streams the final document, emitting one event per delta.
func (o *Orchestrator) synthesize(ctx context.Context, model string, req Request, selected []agentResult, sink events.Sink) (string, llm.Usage, error) {
	var usage llm.Usage

	// Fit attachments before building the real prompt so oversized inputs
	// shed documents instead of silently truncating.
	baseUser := synthesisUserPrompt(req, selected, nil)
	docs, dropped := o.fitDocuments(model, req.Query, req.TextDocuments, len(synthesisSystemPrompt)+len(baseUser), synthesisBudget)
	if len(dropped) > 0 {
		o.logger.Warn("dropped attachments to fit model context",
			zap.String("model", model),
			zap.Strings("documents", dropped))
		sink.Emit(storage.EventProgress, map[string]any{
			"phase":     "attachments_dropped",
			"documents": dropped,
		})
	}
	user := synthesisUserPrompt(req, selected, docs)

	sink.Emit(storage.EventSynthStarted, map[string]any{"model": model})
	ch, err := o.gw.ChatStream(ctx, llm.ChatRequest{
		Model: model,
		Messages: []llm.Message{
			{Role: "system", Content: synthesisSystemPrompt},
			{Role: "user", Content: user},
		},
		MaxTokens:   o.maxTokensFor(synthesisBudget, model, len(synthesisSystemPrompt)+len(user)),
		Temperature: 0.3,
	})
	if err != nil {
		sink.Emit(storage.EventSynthError, map[string]any{"error": err.Error()})
		return "", usage, err
	}

	var b strings.Builder
	for delta := range ch {
		if delta.Err != nil {
			sink.Emit(storage.EventSynthError, map[string]any{"error": delta.Err.Error()})
			return b.String(), usage, delta.Err
		}
		if delta.Content != "" {
			b.WriteString(delta.Content)
			sink.Emit(storage.EventSynthToken, map[string]any{"delta": delta.Content})
		}
		if delta.Done && delta.Usage != nil {
			usage = *delta.Usage
		}
	}
	return b.String(), usage, nil
}

// persistReport stores the report, embedding it when the provider is up.
func (o *Orchestrator) persistReport(ctx context.Context, req Request, output string, sources []string, meta map[string]any) (*storage.Report, []string, error) {
	var degraded []string
	report := &storage.Report{
		Query:     req.Query,
		Output:    output,
		Sources:   sources,
		Metadata:  meta,
		CreatedAt: time.Now().UTC(),
	}

	if o.embedder != nil && o.embedder.Ready() {
		vec, err := o.embedder.Embed(ctx, embedText(req.Query, output))
		if err != nil {
			o.logger.Warn("report embedding failed", zap.Error(err))
			degraded = append(degraded, "report_embedding_failed")
		} else {
			report.Embedding = vec
		}
	} else {
		degraded = append(degraded, "report_embedding_skipped")
	}

	id, err := o.store.SaveReport(ctx, report)
	if err != nil {
		return nil, degraded, fmt.Errorf("save report: %w", err)
	}
	report.ID = id

	if o.idx != nil {
		if _, err := o.idx.IndexReport(ctx, report); err != nil {
			o.logger.Warn("report index ingest failed",
				zap.Int64("report_id", id),
				zap.Error(err))
		}
	}
	return report, degraded, nil
}

// preserveFindings keeps successful agent answers retrievable when
// synthesis dies: each one becomes an index document.
func (o *Orchestrator) preserveFindings(ctx context.Context, selected []agentResult) {
	if o.idx == nil {
		return
	}
	for _, r := range selected {
		if r.Err != nil || r.Content == "" {
			continue
		}
		title := "research note: " + r.SubQuery.Text
		if _, err := o.idx.IndexText(ctx, index.OriginManual, title, r.Content); err != nil {
			o.logger.Warn("preserve finding failed", zap.Error(err))
		}
	}
}

func (o *Orchestrator) recordUsage(ctx context.Context, model, jobID string, u llm.Usage) {
	if u.TotalTokens == 0 && u.PromptTokens == 0 && u.CompletionTokens == 0 {
		return
	}
	rec := storage.Usage{
		Model:            model,
		JobID:            jobID,
		PromptTokens:     u.PromptTokens,
		CompletionTokens: u.CompletionTokens,
		TotalTokens:      u.TotalTokens,
		Cost:             o.costOf(ctx, model, u),
	}
	if err := o.store.AddUsage(ctx, rec); err != nil {
		o.logger.Warn("record usage failed", zap.Error(err))
	}
}

// costOf prices a call from the cached catalog; zero when unknown.
func (o *Orchestrator) costOf(ctx context.Context, model string, u llm.Usage) float64 {
	catalog, err := o.gw.ListModels(ctx, false)
	if err != nil {
		return 0
	}
	for _, m := range catalog {
		if m.ID == model {
			return float64(u.PromptTokens)*m.PromptPrice + float64(u.CompletionTokens)*m.CompletionPrice
		}
	}
	return 0
}

// extractCoverageGap pulls the insufficient-coverage marker out of the
// synthesis output, returning the gap text and the cleaned document.
func extractCoverageGap(s string) (gaps, cleaned string, found bool) {
	open := strings.Index(s, coverageOpen)
	if open < 0 {
		return "", s, false
	}
	rest := s[open+len(coverageOpen):]
	end := strings.Index(rest, coverageClose)
	if end < 0 {
		// Unterminated tag: treat everything after it as the gap list.
		return strings.TrimSpace(rest), strings.TrimSpace(s[:open]), true
	}
	gaps = strings.TrimSpace(rest[:end])
	cleaned = strings.TrimSpace(s[:open] + rest[end+len(coverageClose):])
	return gaps, cleaned, true
}

// extractSources collects unique markdown link targets in order.
func extractSources(output string) []string {
	matches := markdownLink.FindAllStringSubmatch(output, -1)
	seen := make(map[string]bool, len(matches))
	var out []string
	for _, m := range matches {
		if !seen[m[1]] {
			seen[m[1]] = true
			out = append(out, m[1])
		}
	}
	return out
}

func anySuccess(results []agentResult) bool {
	for _, r := range results {
		if r.Err == nil && r.Content != "" {
			return true
		}
	}
	return false
}

func confidenceScore(total, failed int) float64 {
	if total == 0 {
		return 0
	}
	return float64(total-failed) / float64(total)
}

func embedText(query, output string) string {
	r := []rune(output)
	if len(r) > embedPreview {
		output = string(r[:embedPreview])
	}
	return query + "\n" + output
}
