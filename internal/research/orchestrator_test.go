package research

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"go.uber.org/zap"

	"github.com/marcus-qen/quaesitor/internal/config"
	"github.com/marcus-qen/quaesitor/internal/embed"
	"github.com/marcus-qen/quaesitor/internal/index"
	"github.com/marcus-qen/quaesitor/internal/llm"
	"github.com/marcus-qen/quaesitor/internal/storage"
)

const threePlan = `<agent_1>first facet</agent_1>
<agent_2 domain="science">second facet</agent_2>
<agent_3>third facet</agent_3>`

// fakeGateway scripts the LLM surface. Plan-stage calls are recognized by
// their system prompt and consume planQueue; agent calls go through the
// agent func; streams consume streamQueue.
type fakeGateway struct {
	mu          sync.Mutex
	planQueue   []string
	agent       func(req llm.ChatRequest) (*llm.ChatResponse, error)
	streamQueue []fakeStream
	catalog     []llm.Model
	visionModel string
	visionErr   error
	chatCalls   []llm.ChatRequest
	streamCalls []llm.ChatRequest
}

type fakeStream struct {
	chunks []string
	err    error
	usage  llm.Usage
}

func (g *fakeGateway) ChatCompletion(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
	g.mu.Lock()
	g.chatCalls = append(g.chatCalls, req)
	isPlan := len(req.Messages) > 0 && strings.Contains(req.Messages[0].Content, "planning stage")
	var plan string
	if isPlan {
		if len(g.planQueue) == 0 {
			g.mu.Unlock()
			return nil, errors.New("unscripted plan call")
		}
		plan = g.planQueue[0]
		g.planQueue = g.planQueue[1:]
	}
	agent := g.agent
	g.mu.Unlock()

	if isPlan {
		return &llm.ChatResponse{
			Content: plan,
			Model:   req.Model,
			Usage:   llm.Usage{PromptTokens: 10, CompletionTokens: 20, TotalTokens: 30},
		}, nil
	}
	if agent != nil {
		return agent(req)
	}
	return &llm.ChatResponse{
		Content: "finding: " + lastUser(req),
		Model:   req.Model,
		Usage:   llm.Usage{PromptTokens: 5, CompletionTokens: 7, TotalTokens: 12},
	}, nil
}

func (g *fakeGateway) ChatStream(ctx context.Context, req llm.ChatRequest) (<-chan llm.Delta, error) {
	g.mu.Lock()
	g.streamCalls = append(g.streamCalls, req)
	s := fakeStream{chunks: []string{"# Report\n", "All findings integrated."}, usage: llm.Usage{PromptTokens: 40, CompletionTokens: 60, TotalTokens: 100}}
	if len(g.streamQueue) > 0 {
		s = g.streamQueue[0]
		g.streamQueue = g.streamQueue[1:]
	}
	g.mu.Unlock()

	ch := make(chan llm.Delta, len(s.chunks)+1)
	for _, c := range s.chunks {
		ch <- llm.Delta{Content: c}
	}
	if s.err != nil {
		ch <- llm.Delta{Err: s.err}
	} else {
		u := s.usage
		ch <- llm.Delta{Done: true, Usage: &u}
	}
	close(ch)
	return ch, nil
}

func (g *fakeGateway) ListModels(ctx context.Context, refresh bool) ([]llm.Model, error) {
	return g.catalog, nil
}

func (g *fakeGateway) SelectVisionModel(ctx context.Context, preferred []string) (string, error) {
	if g.visionErr != nil {
		return "", g.visionErr
	}
	return g.visionModel, nil
}

func (g *fakeGateway) ContextWindowFor(model string) int {
	for _, m := range g.catalog {
		if m.ID == model {
			return m.ContextWindow
		}
	}
	return 0
}

func (g *fakeGateway) agentCalls() []llm.ChatRequest {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []llm.ChatRequest
	for _, c := range g.chatCalls {
		if len(c.Messages) > 0 && strings.Contains(c.Messages[0].Content, "research agent") {
			out = append(out, c)
		}
	}
	return out
}

func lastUser(req llm.ChatRequest) string {
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == "user" {
			return req.Messages[i].Content
		}
	}
	return ""
}

// captureSink records emitted events for assertions.
type captureSink struct {
	mu     sync.Mutex
	events []capturedEvent
}

type capturedEvent struct {
	Type    string
	Payload map[string]any
}

func (c *captureSink) Emit(eventType string, payload map[string]any) {
	c.mu.Lock()
	c.events = append(c.events, capturedEvent{Type: eventType, Payload: payload})
	c.mu.Unlock()
}

func (c *captureSink) count(eventType string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, e := range c.events {
		if e.Type == eventType {
			n++
		}
	}
	return n
}

func (c *captureSink) first(eventType string) (map[string]any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range c.events {
		if e.Type == eventType {
			return e.Payload, true
		}
	}
	return nil, false
}

func (c *captureSink) indexOf(eventType string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, e := range c.events {
		if e.Type == eventType {
			return i
		}
	}
	return -1
}

func testOrchestrator(t *testing.T, gw Gateway) (*Orchestrator, storage.Store) {
	t.Helper()
	store := storage.NewMemory(storage.Options{EmbedDim: 8}, nil)
	emb := embed.NewLocal(8)
	idx := index.New(store, emb, config.Default().Index, zap.NewNop())
	cfg := config.ResearchConfig{
		Parallelism:   4,
		EnsembleSize:  2,
		MaxIterations: 2,
		MinMaxTokens:  256,
		ModelsLow:     []string{"test-model"},
	}
	return New(gw, store, idx, emb, cfg, zap.NewNop()), store
}

func TestRunHappyPath(t *testing.T) {
	gw := &fakeGateway{
		planQueue: []string{threePlan},
		catalog:   []llm.Model{{ID: "test-model", ContextWindow: 128_000}},
	}
	o, store := testOrchestrator(t, gw)
	sink := &captureSink{}

	res, err := o.Run(context.Background(), "job-1", Request{Query: "how do solid state batteries work"}, sink)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.ReportID == 0 {
		t.Fatal("report not persisted")
	}
	if !strings.Contains(res.Output, "All findings integrated") {
		t.Fatalf("output = %q", res.Output)
	}
	if res.Iterations != 1 {
		t.Fatalf("iterations = %d, want 1", res.Iterations)
	}
	if res.Confidence != 1.0 {
		t.Fatalf("confidence = %v, want 1.0", res.Confidence)
	}
	if len(res.FailedSubQueries) != 0 {
		t.Fatalf("failed = %v", res.FailedSubQueries)
	}
	if res.Usage.TotalTokens == 0 {
		t.Fatal("usage not aggregated")
	}

	report, err := store.GetReport(context.Background(), res.ReportID)
	if err != nil {
		t.Fatalf("GetReport: %v", err)
	}
	if report.Query != "how do solid state batteries work" {
		t.Fatalf("report query = %q", report.Query)
	}
	if len(report.Embedding) != 8 {
		t.Fatalf("report embedding dim = %d, want 8", len(report.Embedding))
	}
	if report.Metadata["iterations"] != 1 {
		t.Fatalf("metadata iterations = %v", report.Metadata["iterations"])
	}

	// The report is auto-ingested into the retrieval index.
	stats, err := store.IndexStats(context.Background())
	if err != nil {
		t.Fatalf("IndexStats: %v", err)
	}
	if stats.Docs != 1 {
		t.Fatalf("index docs = %d, want 1", stats.Docs)
	}

	if n := sink.count(storage.EventAgentStarted); n != 3 {
		t.Fatalf("agent_started = %d, want 3", n)
	}
	if n := sink.count(storage.EventAgentCompleted); n != 3 {
		t.Fatalf("agent_completed = %d, want 3", n)
	}
	if sink.count(storage.EventSynthToken) < 2 {
		t.Fatal("synthesis tokens not streamed")
	}
	if sink.indexOf(storage.EventPlanComplete) > sink.indexOf(storage.EventAgentStarted) {
		t.Fatal("plan_complete after agent_started")
	}
	if sink.indexOf(storage.EventSynthStarted) > sink.indexOf(storage.EventReportSaved) {
		t.Fatal("synthesis_started after report_saved")
	}
	if payload, ok := sink.first(storage.EventReportSaved); !ok || payload["report_id"] != res.ReportID {
		t.Fatalf("report_saved payload = %v", payload)
	}
}

func TestRunPlanningFailed(t *testing.T) {
	gw := &fakeGateway{
		planQueue: []string{"free-form nonsense", "still nonsense"},
		catalog:   []llm.Model{{ID: "test-model"}},
	}
	o, _ := testOrchestrator(t, gw)

	_, err := o.Run(context.Background(), "", Request{Query: "anything"}, &captureSink{})
	if !errors.Is(err, ErrPlanningFailed) {
		t.Fatalf("err = %v, want ErrPlanningFailed", err)
	}
}

func TestRunPlanRetryUsesStricterPrompt(t *testing.T) {
	gw := &fakeGateway{
		planQueue: []string{"not a plan", threePlan},
		catalog:   []llm.Model{{ID: "test-model", ContextWindow: 128_000}},
	}
	o, _ := testOrchestrator(t, gw)

	if _, err := o.Run(context.Background(), "", Request{Query: "retry me"}, &captureSink{}); err != nil {
		t.Fatalf("Run: %v", err)
	}

	gw.mu.Lock()
	defer gw.mu.Unlock()
	var planCalls []llm.ChatRequest
	for _, c := range gw.chatCalls {
		if strings.Contains(c.Messages[0].Content, "planning stage") {
			planCalls = append(planCalls, c)
		}
	}
	if len(planCalls) != 2 {
		t.Fatalf("plan calls = %d, want 2", len(planCalls))
	}
	if !strings.Contains(planCalls[1].Messages[0].Content, "could not be parsed") {
		t.Fatal("second attempt did not use the stricter prompt")
	}
}

func TestRunCoverageIteration(t *testing.T) {
	gw := &fakeGateway{
		planQueue: []string{threePlan, "<agent_1>gap a</agent_1><agent_2>gap b</agent_2><agent_3>gap c</agent_3>"},
		streamQueue: []fakeStream{
			{chunks: []string{"Partial report. <insufficient_coverage>missing cost data</insufficient_coverage>"}},
			{chunks: []string{"Complete report with cost data."}},
		},
		catalog: []llm.Model{{ID: "test-model", ContextWindow: 128_000}},
	}
	o, _ := testOrchestrator(t, gw)
	sink := &captureSink{}

	res, err := o.Run(context.Background(), "", Request{Query: "battery costs"}, sink)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Iterations != 2 {
		t.Fatalf("iterations = %d, want 2", res.Iterations)
	}
	if strings.Contains(res.Output, "insufficient_coverage") {
		t.Fatalf("tag leaked into final output: %q", res.Output)
	}
	if !strings.Contains(res.Output, "Complete report") {
		t.Fatalf("output = %q", res.Output)
	}
	payload, ok := sink.first(storage.EventProgress)
	if !ok || payload["phase"] != "refinement" {
		t.Fatalf("refinement progress payload = %v", payload)
	}
	// Second pass answers three more sub-queries.
	if n := sink.count(storage.EventAgentStarted); n != 6 {
		t.Fatalf("agent_started = %d, want 6", n)
	}
}

func TestRunCoverageStopsAtMaxIterations(t *testing.T) {
	gw := &fakeGateway{
		planQueue: []string{threePlan, threePlan},
		streamQueue: []fakeStream{
			{chunks: []string{"One. <insufficient_coverage>gap</insufficient_coverage>"}},
			{chunks: []string{"Two. <insufficient_coverage>still a gap</insufficient_coverage>"}},
		},
		catalog: []llm.Model{{ID: "test-model", ContextWindow: 128_000}},
	}
	o, _ := testOrchestrator(t, gw)

	res, err := o.Run(context.Background(), "", Request{Query: "q", MaxIterations: 2}, &captureSink{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Iterations != 2 {
		t.Fatalf("iterations = %d, want 2", res.Iterations)
	}
	if strings.Contains(res.Output, "insufficient_coverage") {
		t.Fatal("tag not stripped at iteration cap")
	}
}

func TestRunToleratesPartialAgentFailure(t *testing.T) {
	gw := &fakeGateway{
		planQueue: []string{threePlan},
		catalog:   []llm.Model{{ID: "test-model", ContextWindow: 128_000}},
	}
	gw.agent = func(req llm.ChatRequest) (*llm.ChatResponse, error) {
		if strings.Contains(lastUser(req), "second facet") {
			return nil, errors.New("upstream blew up")
		}
		return &llm.ChatResponse{Content: "fine", Model: req.Model, Usage: llm.Usage{TotalTokens: 3}}, nil
	}
	o, _ := testOrchestrator(t, gw)
	sink := &captureSink{}

	res, err := o.Run(context.Background(), "", Request{Query: "partial"}, sink)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(res.FailedSubQueries) != 1 || res.FailedSubQueries[0] != "second facet" {
		t.Fatalf("failed = %v", res.FailedSubQueries)
	}
	want := 2.0 / 3.0
	if res.Confidence < want-0.01 || res.Confidence > want+0.01 {
		t.Fatalf("confidence = %v, want ~%v", res.Confidence, want)
	}

	var sawFailure bool
	sink.mu.Lock()
	for _, e := range sink.events {
		if e.Type == storage.EventAgentCompleted && e.Payload["status"] == "failure" {
			sawFailure = true
		}
	}
	sink.mu.Unlock()
	if !sawFailure {
		t.Fatal("no agent_completed failure event")
	}
}

func TestRunAllAgentsFail(t *testing.T) {
	gw := &fakeGateway{
		planQueue: []string{threePlan},
		catalog:   []llm.Model{{ID: "test-model"}},
	}
	gw.agent = func(req llm.ChatRequest) (*llm.ChatResponse, error) {
		return nil, errors.New("everything is down")
	}
	o, _ := testOrchestrator(t, gw)

	_, err := o.Run(context.Background(), "", Request{Query: "doomed"}, &captureSink{})
	if err == nil || !strings.Contains(err.Error(), "all sub-queries failed") {
		t.Fatalf("err = %v", err)
	}
}

func TestRunSynthesisFailurePreservesFindings(t *testing.T) {
	gw := &fakeGateway{
		planQueue:   []string{threePlan},
		streamQueue: []fakeStream{{chunks: []string{"partial"}, err: errors.New("stream died")}},
		catalog:     []llm.Model{{ID: "test-model", ContextWindow: 128_000}},
	}
	o, store := testOrchestrator(t, gw)
	sink := &captureSink{}

	_, err := o.Run(context.Background(), "", Request{Query: "fragile"}, sink)
	if err == nil || !strings.Contains(err.Error(), "synthesis") {
		t.Fatalf("err = %v", err)
	}
	if sink.count(storage.EventSynthError) != 1 {
		t.Fatal("no synthesis_error event")
	}
	// Agent findings stay retrievable as index documents.
	stats, err := store.IndexStats(context.Background())
	if err != nil {
		t.Fatalf("IndexStats: %v", err)
	}
	if stats.Docs != 3 {
		t.Fatalf("index docs = %d, want 3 preserved findings", stats.Docs)
	}
}

func TestRunStripsImagesWithoutVisionModel(t *testing.T) {
	gw := &fakeGateway{
		planQueue: []string{threePlan},
		visionErr: llm.ErrNoVisionModel,
		catalog:   []llm.Model{{ID: "test-model", ContextWindow: 128_000}},
	}
	o, _ := testOrchestrator(t, gw)
	sink := &captureSink{}

	res, err := o.Run(context.Background(), "", Request{
		Query:  "what is in this chart",
		Images: []string{"data:image/png;base64,AAAA"},
	}, sink)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	var found bool
	for _, d := range res.Degraded {
		if d == "no_vision_model" {
			found = true
		}
	}
	if !found {
		t.Fatalf("degraded = %v, want no_vision_model", res.Degraded)
	}
	for _, call := range gw.agentCalls() {
		for _, m := range call.Messages {
			if len(m.Images) > 0 {
				t.Fatal("images leaked to a text-only model")
			}
		}
	}
	payload, ok := sink.first(storage.EventProgress)
	if !ok || payload["reason"] != "no_vision_model" {
		t.Fatalf("degraded progress payload = %v", payload)
	}
}

func TestRunRoutesImagesToVisionModel(t *testing.T) {
	gw := &fakeGateway{
		planQueue:   []string{threePlan},
		visionModel: "vision-model",
		catalog: []llm.Model{
			{ID: "test-model", ContextWindow: 128_000},
			{ID: "vision-model", ContextWindow: 128_000, InputModalities: []string{"text", "image"}},
		},
	}
	o, _ := testOrchestrator(t, gw)

	_, err := o.Run(context.Background(), "", Request{
		Query:  "describe the diagram",
		Images: []string{"https://example.com/diagram.png"},
	}, &captureSink{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	var visionCalls, imageCalls int
	for _, call := range gw.agentCalls() {
		if call.Model == "vision-model" {
			visionCalls++
			for _, m := range call.Messages {
				if len(m.Images) > 0 {
					imageCalls++
				}
			}
		} else {
			for _, m := range call.Messages {
				if len(m.Images) > 0 {
					t.Fatal("images attached to a non-vision member")
				}
			}
		}
	}
	if visionCalls == 0 || imageCalls == 0 {
		t.Fatalf("vision routing missing: visionCalls=%d imageCalls=%d", visionCalls, imageCalls)
	}
}

func TestRequestNormalize(t *testing.T) {
	req := Request{Query: "  q  ", EnsembleSize: 9, MaxIterations: 11}
	if err := req.Normalize(); err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if req.Query != "q" {
		t.Fatalf("query = %q", req.Query)
	}
	if req.CostPreference != CostLow || req.AudienceLevel != defaultAudience || req.OutputFormat != defaultOutputFormat {
		t.Fatalf("defaults not applied: %+v", req)
	}
	if req.EnsembleSize != maxEnsemble {
		t.Fatalf("ensemble = %d, want clamped to %d", req.EnsembleSize, maxEnsemble)
	}
	if req.MaxIterations != maxIterations {
		t.Fatalf("maxIterations = %d, want clamped to %d", req.MaxIterations, maxIterations)
	}

	bad := Request{Query: "q", CostPreference: "premium"}
	if err := bad.Normalize(); err == nil {
		t.Fatal("invalid costPreference accepted")
	}
	empty := Request{Query: "   "}
	if err := empty.Normalize(); err == nil {
		t.Fatal("empty query accepted")
	}
}

func TestExtractCoverageGap(t *testing.T) {
	gaps, cleaned, found := extractCoverageGap("Report body. <insufficient_coverage>cost data missing</insufficient_coverage>")
	if !found || gaps != "cost data missing" {
		t.Fatalf("gaps = %q found = %v", gaps, found)
	}
	if cleaned != "Report body." {
		t.Fatalf("cleaned = %q", cleaned)
	}

	_, same, found := extractCoverageGap("No tags here.")
	if found || same != "No tags here." {
		t.Fatalf("false positive: %v %q", found, same)
	}

	gaps, cleaned, found = extractCoverageGap("Text <insufficient_coverage>unterminated gap")
	if !found || gaps != "unterminated gap" || cleaned != "Text" {
		t.Fatalf("unterminated: gaps=%q cleaned=%q", gaps, cleaned)
	}
}

func TestExtractSources(t *testing.T) {
	out := extractSources("See [paper](https://arxiv.org/abs/1) and [site](https://example.com), plus [paper again](https://arxiv.org/abs/1).")
	if len(out) != 2 {
		t.Fatalf("sources = %v", out)
	}
	if out[0] != "https://arxiv.org/abs/1" || out[1] != "https://example.com" {
		t.Fatalf("sources = %v", out)
	}
}
