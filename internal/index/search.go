package index

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/marcus-qen/quaesitor/internal/embed"
	"github.com/marcus-qen/quaesitor/internal/metrics"
	"github.com/marcus-qen/quaesitor/internal/storage"
)

// Search scopes.
const (
	ScopeDocs    = "docs"
	ScopeReports = "reports"
	ScopeBoth    = "both"
)

const (
	snippetRadius = 100
	rerankTopN    = 10
)

// Hit is one fused search result.
type Hit struct {
	DocID   int64   `json:"doc_id"`
	Origin  string  `json:"origin"`
	Title   string  `json:"title,omitempty"`
	Snippet string  `json:"snippet"`
	Score   float64 `json:"score"`
	Lexical float64 `json:"lexical,omitempty"`
	Vector  float64 `json:"vector,omitempty"`
}

// SearchResult carries hits plus how the search degraded, if it did.
type SearchResult struct {
	Hits     []Hit    `json:"hits"`
	Mode     string   `json:"mode"`
	Degraded []string `json:"degraded,omitempty"`
}

// Search runs hybrid retrieval: BM25 and vector scores are min-max
// normalized, fused with the configured weights, deterministically
// tie-broken, scope-filtered and snippeted. When the embedder is not
// ready the search silently degrades to lexical-only and says so in
// Degraded.
func (ix *Index) Search(ctx context.Context, query string, k int, scope string) (*SearchResult, error) {
	if k <= 0 {
		k = 5
	}
	switch scope {
	case "", ScopeBoth:
		scope = ScopeBoth
	case ScopeDocs, ScopeReports:
	default:
		return nil, fmt.Errorf("unknown search scope %q", scope)
	}

	fetchK := k * 4
	if fetchK < 50 {
		fetchK = 50
	}

	terms := Tokenize(query)
	var lex []storage.LexicalHit
	if len(terms) > 0 {
		var err error
		lex, err = ix.store.SearchBM25(ctx, terms, fetchK)
		if err != nil {
			return nil, fmt.Errorf("bm25 search: %w", err)
		}
	}

	var vec []storage.VectorHit
	var degraded []string
	if ix.embedder != nil && ix.embedder.Ready() {
		qv, err := ix.embedder.Embed(ctx, query)
		switch {
		case err == nil:
			vec, err = ix.store.SearchVector(ctx, qv, fetchK)
			if err != nil {
				return nil, fmt.Errorf("vector search: %w", err)
			}
		case errors.Is(err, embed.ErrNotReady):
			degraded = append(degraded, "no_vector_search")
		default:
			ix.logger.Warn("query embedding failed", zap.Error(err))
			degraded = append(degraded, "no_vector_search")
		}
	} else {
		degraded = append(degraded, "no_vector_search")
	}

	mode := fusionMode(len(lex) > 0 || len(terms) > 0, vec != nil)
	fused := ix.fuse(lex, vec)

	// Scope filtering happens before the cut so k survivors remain.
	hits := make([]Hit, 0, k)
	for _, f := range fused {
		if len(hits) == k {
			break
		}
		doc, err := ix.store.GetIndexDoc(ctx, f.docID)
		if err != nil {
			if storage.IsNotFound(err) {
				continue
			}
			return nil, fmt.Errorf("load doc %d: %w", f.docID, err)
		}
		if !scopeMatches(scope, doc.Origin) {
			continue
		}
		hits = append(hits, Hit{
			DocID:   doc.ID,
			Origin:  doc.Origin,
			Title:   doc.Title,
			Snippet: makeSnippet(doc.Body, terms),
			Score:   f.score,
			Lexical: f.lexical,
			Vector:  f.vector,
		})
	}

	if ix.cfg.Rerank && ix.reranker != nil && len(hits) > 1 {
		if err := ix.rerankHits(ctx, query, hits); err != nil {
			ix.logger.Warn("rerank failed, keeping fused order", zap.Error(err))
			degraded = append(degraded, "rerank_failed")
		}
	}

	metrics.RecordSearch(mode)
	return &SearchResult{Hits: hits, Mode: mode, Degraded: degraded}, nil
}

func fusionMode(hasLexical, hasVector bool) string {
	switch {
	case hasLexical && hasVector:
		return "hybrid"
	case hasVector:
		return "vector"
	default:
		return "lexical"
	}
}

func scopeMatches(scope, origin string) bool {
	switch scope {
	case ScopeReports:
		return origin == OriginReport
	case ScopeDocs:
		return origin != OriginReport
	default:
		return true
	}
}

type fusedHit struct {
	docID   int64
	score   float64
	lexical float64
	vector  float64
	created int64
}

// fuse min-max normalizes each score list and combines them with the
// configured weights. A degenerate list (all scores equal) normalizes to
// 1.0 for every member. Ordering is fully deterministic: fused score
// descending, then newer first, then smaller id.
func (ix *Index) fuse(lex []storage.LexicalHit, vec []storage.VectorHit) []fusedHit {
	wb, wv := ix.cfg.WeightBM25, ix.cfg.WeightVec
	if wb <= 0 && wv <= 0 {
		wb, wv = 0.5, 0.5
	}
	if vec == nil {
		wb, wv = 1, 0
	}
	if len(lex) == 0 && vec != nil {
		wb, wv = 0, 1
	}

	byID := make(map[int64]*fusedHit)
	get := func(id int64, created int64) *fusedHit {
		if f, ok := byID[id]; ok {
			return f
		}
		f := &fusedHit{docID: id, created: created}
		byID[id] = f
		return f
	}

	lexNorm := normalizeLexical(lex)
	for i, h := range lex {
		f := get(h.DocID, h.CreatedAt.UnixNano())
		f.lexical = lexNorm[i]
		f.score += wb * lexNorm[i]
	}
	vecNorm := normalizeVector(vec)
	for i, h := range vec {
		f := get(h.DocID, h.CreatedAt.UnixNano())
		f.vector = vecNorm[i]
		f.score += wv * vecNorm[i]
	}

	out := make([]fusedHit, 0, len(byID))
	for _, f := range byID {
		out = append(out, *f)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].score != out[j].score {
			return out[i].score > out[j].score
		}
		if out[i].created != out[j].created {
			return out[i].created > out[j].created
		}
		return out[i].docID < out[j].docID
	})
	return out
}

func normalizeLexical(hits []storage.LexicalHit) []float64 {
	scores := make([]float64, len(hits))
	for i, h := range hits {
		scores[i] = h.Score
	}
	return minMax(scores)
}

func normalizeVector(hits []storage.VectorHit) []float64 {
	scores := make([]float64, len(hits))
	for i, h := range hits {
		scores[i] = h.Score
	}
	return minMax(scores)
}

func minMax(scores []float64) []float64 {
	if len(scores) == 0 {
		return scores
	}
	lo, hi := scores[0], scores[0]
	for _, s := range scores[1:] {
		if s < lo {
			lo = s
		}
		if s > hi {
			hi = s
		}
	}
	out := make([]float64, len(scores))
	if hi == lo {
		for i := range out {
			out[i] = 1
		}
		return out
	}
	for i, s := range scores {
		out[i] = (s - lo) / (hi - lo)
	}
	return out
}

// makeSnippet returns a window around the first matched term, or the head
// of the body when nothing matches.
func makeSnippet(body string, terms []string) string {
	lower := strings.ToLower(body)
	pos := -1
	for _, t := range terms {
		if i := strings.Index(lower, t); i >= 0 && (pos == -1 || i < pos) {
			pos = i
		}
	}

	runes := []rune(body)
	if pos < 0 {
		if len(runes) <= 2*snippetRadius {
			return body
		}
		return string(runes[:2*snippetRadius]) + "…"
	}

	// Byte offset to rune offset.
	rpos := len([]rune(body[:pos]))
	start := rpos - snippetRadius
	if start < 0 {
		start = 0
	}
	end := rpos + snippetRadius
	if end > len(runes) {
		end = len(runes)
	}

	var b strings.Builder
	if start > 0 {
		b.WriteString("…")
	}
	b.WriteString(string(runes[start:end]))
	if end < len(runes) {
		b.WriteString("…")
	}
	return b.String()
}
