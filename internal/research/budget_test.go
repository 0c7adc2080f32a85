package research

import (
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/marcus-qen/quaesitor/internal/config"
	"github.com/marcus-qen/quaesitor/internal/llm"
	"github.com/marcus-qen/quaesitor/internal/storage"
)

func budgetOrchestrator(t *testing.T, gw Gateway) *Orchestrator {
	t.Helper()
	store := storage.NewMemory(storage.Options{EmbedDim: 8}, nil)
	cfg := config.ResearchConfig{MinMaxTokens: 256}
	return New(gw, store, nil, nil, cfg, zap.NewNop())
}

func TestMaxTokensForUnknownModel(t *testing.T) {
	gw := &fakeGateway{}
	o := budgetOrchestrator(t, gw)
	if got := o.maxTokensFor(synthesisBudget, "mystery", 50_000); got != synthesisBudget {
		t.Fatalf("budget = %d, want %d", got, synthesisBudget)
	}
}

func TestMaxTokensForClampsToContext(t *testing.T) {
	gw := &fakeGateway{catalog: []llm.Model{{ID: "small", ContextWindow: 4000}}}
	o := budgetOrchestrator(t, gw)
	// 8000 chars ≈ 2000 prompt tokens; 4000 - 2000 = 2000 < 8192.
	if got := o.maxTokensFor(synthesisBudget, "small", 8000); got != 2000 {
		t.Fatalf("budget = %d, want 2000", got)
	}
}

func TestMaxTokensForFloor(t *testing.T) {
	gw := &fakeGateway{catalog: []llm.Model{{ID: "tiny", ContextWindow: 1000}}}
	o := budgetOrchestrator(t, gw)
	// Remaining context is negative; the floor still applies.
	if got := o.maxTokensFor(synthesisBudget, "tiny", 40_000); got != 256 {
		t.Fatalf("budget = %d, want floor 256", got)
	}
}

func TestFitDocumentsKeepsEverythingWhenRoomy(t *testing.T) {
	gw := &fakeGateway{catalog: []llm.Model{{ID: "big", ContextWindow: 200_000}}}
	o := budgetOrchestrator(t, gw)

	docs := []Document{
		{Name: "a.txt", Content: "battery electrolyte chemistry"},
		{Name: "b.txt", Content: "unrelated cooking recipe"},
	}
	kept, dropped := o.fitDocuments("big", "battery chemistry", docs, 1000, synthesisBudget)
	if len(kept) != 2 || len(dropped) != 0 {
		t.Fatalf("kept %d dropped %v", len(kept), dropped)
	}
	if kept[0].Name != "a.txt" {
		t.Fatal("document order not preserved")
	}
}

func TestFitDocumentsDropsLeastSalientFirst(t *testing.T) {
	gw := &fakeGateway{catalog: []llm.Model{{ID: "small", ContextWindow: 12_000}}}
	o := budgetOrchestrator(t, gw)

	relevant := Document{Name: "relevant.txt", Content: strings.Repeat("solid state battery electrolyte density ", 200)}
	offTopic := Document{Name: "offtopic.txt", Content: strings.Repeat("medieval castle moat architecture ", 200)}

	kept, dropped := o.fitDocuments("small", "solid state battery electrolyte",
		[]Document{relevant, offTopic}, 1000, synthesisBudget)
	if len(dropped) == 0 {
		t.Fatal("expected at least one drop")
	}
	if dropped[0] != "offtopic.txt" {
		t.Fatalf("dropped %v first, want offtopic.txt", dropped)
	}
	for _, d := range kept {
		if d.Name == "offtopic.txt" {
			t.Fatal("off-topic document survived")
		}
	}
}

func TestFitDocumentsNoWindowNoDrop(t *testing.T) {
	gw := &fakeGateway{}
	o := budgetOrchestrator(t, gw)
	docs := []Document{{Name: "x", Content: strings.Repeat("word ", 100_000)}}
	kept, dropped := o.fitDocuments("unknown", "query", docs, 10, synthesisBudget)
	if len(kept) != 1 || dropped != nil {
		t.Fatalf("kept=%d dropped=%v, want untouched", len(kept), dropped)
	}
}
