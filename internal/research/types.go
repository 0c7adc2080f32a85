// Package research implements the three-stage deep-research pipeline:
// plan the question into sub-queries, run an ensemble of research agents
// over them, and synthesize a streamed final report. Progress flows
// through an event sink so the same pipeline serves async jobs and the
// synchronous MCP path.
package research

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/marcus-qen/quaesitor/internal/llm"
)

// Cost preference tiers accepted on submission.
const (
	CostHigh    = "high"
	CostLow     = "low"
	CostVeryLow = "very_low"
)

const (
	defaultAudience     = "intermediate"
	defaultOutputFormat = "report"
	defaultEnsemble     = 2
	maxEnsemble         = 4
	defaultIterations   = 2
	maxIterations       = 5
)

// ErrPlanningFailed means the planner could not produce a usable
// sub-query breakdown after a retry. Fatal for the run.
var ErrPlanningFailed = errors.New("planning failed")

// Gateway is the slice of the LLM client the pipeline consumes. *llm.Client
// satisfies it; tests substitute a scripted fake.
type Gateway interface {
	ChatCompletion(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error)
	ChatStream(ctx context.Context, req llm.ChatRequest) (<-chan llm.Delta, error)
	ListModels(ctx context.Context, refresh bool) ([]llm.Model, error)
	SelectVisionModel(ctx context.Context, preferred []string) (string, error)
	ContextWindowFor(model string) int
}

// Document is a text attachment supplied with the request.
type Document struct {
	Name    string `json:"name"`
	Content string `json:"content"`
}

// StructuredDocument is a JSON attachment rendered into prompts verbatim.
type StructuredDocument struct {
	Name string          `json:"name"`
	Data json.RawMessage `json:"data"`
}

// Request is the research submission payload. The same shape is stored
// on the job row and decoded by the runner.
type Request struct {
	Query          string               `json:"query"`
	CostPreference string               `json:"costPreference,omitempty"`
	AudienceLevel  string               `json:"audienceLevel,omitempty"`
	OutputFormat   string               `json:"outputFormat,omitempty"`
	IncludeSources bool                 `json:"includeSources,omitempty"`
	Images         []string             `json:"images,omitempty"`
	TextDocuments  []Document           `json:"textDocuments,omitempty"`
	StructuredData []StructuredDocument `json:"structuredData,omitempty"`
	MaxIterations  int                  `json:"maxIterations,omitempty"`
	EnsembleSize   int                  `json:"ensembleSize,omitempty"`
	Notify         string               `json:"notify,omitempty"`
	IdempotencyKey string               `json:"idempotency_key,omitempty"`
	ForceNew       bool                 `json:"force_new,omitempty"`
}

// Normalize fills defaults and clamps tunables to their allowed ranges.
// It returns an error for requests that cannot be repaired.
func (r *Request) Normalize() error {
	r.Query = strings.TrimSpace(r.Query)
	if r.Query == "" {
		return errors.New("query is required")
	}
	switch r.CostPreference {
	case "":
		r.CostPreference = CostLow
	case CostHigh, CostLow, CostVeryLow:
	default:
		return fmt.Errorf("invalid costPreference %q", r.CostPreference)
	}
	if r.AudienceLevel == "" {
		r.AudienceLevel = defaultAudience
	}
	if r.OutputFormat == "" {
		r.OutputFormat = defaultOutputFormat
	}
	if r.EnsembleSize < 1 {
		r.EnsembleSize = defaultEnsemble
	}
	if r.EnsembleSize > maxEnsemble {
		r.EnsembleSize = maxEnsemble
	}
	if r.MaxIterations < 1 {
		r.MaxIterations = defaultIterations
	}
	if r.MaxIterations > maxIterations {
		r.MaxIterations = maxIterations
	}
	return nil
}

// SubQuery is one planner-produced research task.
type SubQuery struct {
	Index  int    `json:"index"`
	Domain string `json:"domain,omitempty"`
	Text   string `json:"text"`
}

// Result is the outcome of one pipeline run.
type Result struct {
	ReportID         int64     `json:"report_id"`
	Query            string    `json:"query"`
	Output           string    `json:"output"`
	Sources          []string  `json:"sources,omitempty"`
	Models           []string  `json:"models"`
	Usage            llm.Usage `json:"usage"`
	Iterations       int       `json:"iterations"`
	SubQueries       int       `json:"subqueries"`
	FailedSubQueries []string  `json:"failed_subqueries,omitempty"`
	Confidence       float64   `json:"confidence"`
	Degraded         []string  `json:"degraded,omitempty"`
}

func addUsage(dst *llm.Usage, more llm.Usage) {
	dst.PromptTokens += more.PromptTokens
	dst.CompletionTokens += more.CompletionTokens
	dst.TotalTokens += more.TotalTokens
}
