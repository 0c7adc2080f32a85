package research

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/marcus-qen/quaesitor/internal/events"
	"github.com/marcus-qen/quaesitor/internal/llm"
	"github.com/marcus-qen/quaesitor/internal/storage"
	"github.com/marcus-qen/quaesitor/internal/tracing"
)

// agentResult is one ensemble member's answer to one sub-query.
type agentResult struct {
	SubQuery SubQuery
	Member   int
	Model    string
	Content  string
	Usage    llm.Usage
	Err      error
	Elapsed  time.Duration
}

// runEnsemble answers every sub-query with ensembleSize parallel agent
// calls, bounding total concurrency with a weighted semaphore. Results
// come back in (sub-query, member) order regardless of completion order.
func (o *Orchestrator) runEnsemble(ctx context.Context, req Request, subqs []SubQuery, visionModel string, sink events.Sink) []agentResult {
	parallelism := o.cfg.Parallelism
	if parallelism < 1 {
		parallelism = 4
	}
	sem := semaphore.NewWeighted(int64(parallelism))

	results := make([]agentResult, len(subqs)*req.EnsembleSize)
	var wg sync.WaitGroup

	for si, sq := range subqs {
		sink.Emit(storage.EventAgentStarted, map[string]any{
			"subquery_index": sq.Index,
			"subquery":       sq.Text,
			"domain":         sq.Domain,
			"ensemble":       req.EnsembleSize,
		})

		models := o.modelsFor(ctx, req, sq)
		for member := 0; member < req.EnsembleSize; member++ {
			slot := si*req.EnsembleSize + member
			model := pickMember(models, visionModel, member, len(req.Images) > 0)

			wg.Add(1)
			go func(sq SubQuery, member int, model string, slot int) {
				defer wg.Done()
				results[slot] = o.runAgent(ctx, sem, req, sq, member, model, visionModel, sink)
			}(sq, member, model, slot)
		}
	}
	wg.Wait()

	for _, sq := range subqs {
		payload := map[string]any{
			"subquery_index": sq.Index,
			"status":         "success",
		}
		if bestResult(results, sq.Index) == nil {
			payload["status"] = "failure"
			payload["error"] = firstError(results, sq.Index)
		}
		sink.Emit(storage.EventAgentCompleted, payload)
	}
	return results
}

func (o *Orchestrator) runAgent(ctx context.Context, sem *semaphore.Weighted, req Request, sq SubQuery, member int, model, visionModel string, sink events.Sink) agentResult {
	res := agentResult{SubQuery: sq, Member: member, Model: model}
	if err := sem.Acquire(ctx, 1); err != nil {
		res.Err = err
		return res
	}
	defer sem.Release(1)

	base := agentUserPrompt(req, sq, nil)
	docs, dropped := o.fitDocuments(model, sq.Text, req.TextDocuments, len(agentSystemPrompt)+len(base), researchBudget)
	if len(dropped) > 0 {
		o.logger.Debug("agent attachments trimmed to fit context",
			zap.String("model", model),
			zap.Int("subquery", sq.Index),
			zap.Strings("documents", dropped))
	}
	user := agentUserPrompt(req, sq, docs)
	messages := []llm.Message{
		{Role: "system", Content: agentSystemPrompt},
		{Role: "user", Content: user},
	}
	// Images ride along only on members routed to the vision model.
	if len(req.Images) > 0 && visionModel != "" && model == visionModel {
		messages[1].Images = req.Images
	}

	start := time.Now()
	callCtx, span := tracing.StartLLMCallSpan(ctx, model, sq.Index, member)
	resp, err := o.gw.ChatCompletion(callCtx, llm.ChatRequest{
		Model:       model,
		Messages:    messages,
		MaxTokens:   o.maxTokensFor(researchBudget, model, len(agentSystemPrompt)+len(user)),
		Temperature: 0.7,
	})
	res.Elapsed = time.Since(start)
	if err != nil {
		tracing.EndLLMCallSpan(span, 0, 0, err)
		res.Err = err
		return res
	}
	tracing.EndLLMCallSpan(span, int64(resp.Usage.PromptTokens), int64(resp.Usage.CompletionTokens), nil)
	res.Content = resp.Content
	res.Usage = resp.Usage

	sink.Emit(storage.EventAgentUsage, map[string]any{
		"subquery_index":    sq.Index,
		"member":            member,
		"model":             model,
		"prompt_tokens":     resp.Usage.PromptTokens,
		"completion_tokens": resp.Usage.CompletionTokens,
	})
	return res
}

// pickMember rotates ensemble members across the candidate models. When
// the request carries images and a vision model exists, member 0 runs on
// it so at least one agent sees the pictures.
func pickMember(models []string, visionModel string, member int, hasImages bool) string {
	if hasImages && visionModel != "" && member == 0 {
		return visionModel
	}
	if len(models) == 0 {
		return visionModel
	}
	return models[member%len(models)]
}

// bestResult returns the longest successful answer for a sub-query, or
// nil when every member failed.
func bestResult(results []agentResult, subqueryIndex int) *agentResult {
	var best *agentResult
	for i := range results {
		r := &results[i]
		if r.SubQuery.Index != subqueryIndex || r.Err != nil {
			continue
		}
		if best == nil || len(r.Content) > len(best.Content) {
			best = r
		}
	}
	return best
}

func firstError(results []agentResult, subqueryIndex int) string {
	for i := range results {
		if results[i].SubQuery.Index == subqueryIndex && results[i].Err != nil {
			return results[i].Err.Error()
		}
	}
	return "unknown"
}
