package index

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/marcus-qen/quaesitor/internal/llm"
)

// Reranker reorders hits by relevance to the query. Implementations must
// be safe to fail: the caller keeps the deterministic fused order when a
// rerank errors out.
type Reranker interface {
	Rerank(ctx context.Context, query string, docs []RerankDoc) ([]int64, error)
}

// RerankDoc is the projection given to the reranker.
type RerankDoc struct {
	ID      int64
	Title   string
	Snippet string
}

// rerankHits reorders the top slice of hits in place according to the
// reranker's id ordering. Ids the reranker drops keep their fused order
// after the ones it ranked.
func (ix *Index) rerankHits(ctx context.Context, query string, hits []Hit) error {
	n := len(hits)
	if n > rerankTopN {
		n = rerankTopN
	}
	docs := make([]RerankDoc, n)
	for i := 0; i < n; i++ {
		docs[i] = RerankDoc{ID: hits[i].DocID, Title: hits[i].Title, Snippet: hits[i].Snippet}
	}

	order, err := ix.reranker.Rerank(ctx, query, docs)
	if err != nil {
		return err
	}

	rank := make(map[int64]int, len(order))
	for i, id := range order {
		rank[id] = i
	}

	head := make([]Hit, 0, n)
	var tail []Hit
	for i := 0; i < n; i++ {
		if _, ok := rank[hits[i].DocID]; ok {
			head = append(head, hits[i])
		} else {
			tail = append(tail, hits[i])
		}
	}
	for i := range head {
		for j := i + 1; j < len(head); j++ {
			if rank[head[j].DocID] < rank[head[i].DocID] {
				head[i], head[j] = head[j], head[i]
			}
		}
	}
	copy(hits, append(head, tail...))
	return nil
}

// LLMReranker asks the gateway to order documents by relevance. The model
// answers with a bare JSON array of document ids; anything else is an
// error and the caller falls back to fused order.
type LLMReranker struct {
	client *llm.Client
	model  string
}

// NewLLMReranker creates a reranker on the given model. An empty model
// falls back to the client's planner model.
func NewLLMReranker(client *llm.Client, model string) *LLMReranker {
	if model == "" {
		model = client.PlannerModel()
	}
	return &LLMReranker{client: client, model: model}
}

// Rerank implements Reranker.
func (r *LLMReranker) Rerank(ctx context.Context, query string, docs []RerankDoc) ([]int64, error) {
	if r.model == "" {
		return nil, fmt.Errorf("no rerank model configured")
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Order these documents by relevance to the query. Answer with ONLY a JSON array of document ids, most relevant first.\n\nQuery: %s\n\n", query)
	for _, d := range docs {
		fmt.Fprintf(&b, "[%d] %s\n%s\n\n", d.ID, d.Title, d.Snippet)
	}

	resp, err := r.client.ChatCompletion(ctx, llm.ChatRequest{
		Model:     r.model,
		Messages:  []llm.Message{{Role: "user", Content: b.String()}},
		MaxTokens: 256,
	})
	if err != nil {
		return nil, err
	}

	text := strings.TrimSpace(resp.Content)
	start := strings.Index(text, "[")
	end := strings.LastIndex(text, "]")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("rerank answer is not a JSON array: %q", truncateAnswer(text))
	}

	var ids []int64
	if err := json.Unmarshal([]byte(text[start:end+1]), &ids); err != nil {
		return nil, fmt.Errorf("parse rerank answer: %w", err)
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("rerank answer is empty")
	}
	return ids, nil
}

func truncateAnswer(s string) string {
	if len(s) > 120 {
		return s[:120] + "..."
	}
	return s
}
