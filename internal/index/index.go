package index

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/marcus-qen/quaesitor/internal/config"
	"github.com/marcus-qen/quaesitor/internal/embed"
	"github.com/marcus-qen/quaesitor/internal/storage"
)

// Origin prefixes classify where indexed content came from.
const (
	OriginManual = "manual"
	OriginURL    = "url"
	OriginReport = "report"
)

const truncationMarker = "…[truncated]"

// ErrEmptyDocument means there was nothing indexable after trimming.
var ErrEmptyDocument = errors.New("document is empty")

// Index ties the inverted index and vector store in storage to the
// embedding provider and the optional reranker.
type Index struct {
	store    storage.Store
	embedder embed.Provider
	cfg      config.IndexConfig
	logger   *zap.Logger
	reranker Reranker
}

// New creates an index over the given store and embedder.
func New(store storage.Store, embedder embed.Provider, cfg config.IndexConfig, logger *zap.Logger) *Index {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxBody <= 0 {
		cfg.MaxBody = 8000
	}
	return &Index{
		store:    store,
		embedder: embedder,
		cfg:      cfg,
		logger:   logger.Named("index"),
	}
}

// SetReranker installs the optional LLM reranker.
func (ix *Index) SetReranker(r Reranker) { ix.reranker = r }

// Item is one document to ingest.
type Item struct {
	Title string `json:"title,omitempty"`
	Body  string `json:"body"`
}

// IndexText ingests one document and returns its id. Bodies longer than
// the configured cap are truncated with a visible marker. The embedding
// is computed when the provider is ready; otherwise the doc is stored
// without a vector and picked up later by the backfill sweep.
func (ix *Index) IndexText(ctx context.Context, origin, title, body string) (int64, error) {
	title = strings.TrimSpace(title)
	body = strings.TrimSpace(body)
	if body == "" {
		return 0, ErrEmptyDocument
	}
	if origin == "" {
		origin = OriginManual
	}

	body = ix.truncate(body)

	counts, total := TermCounts(title + " " + body)
	postings := make([]storage.Posting, 0, len(counts))
	for term, tf := range counts {
		postings = append(postings, storage.Posting{Term: term, TF: tf})
	}

	doc := &storage.IndexDoc{
		Origin:    origin,
		Title:     title,
		Body:      body,
		Length:    total,
		CreatedAt: time.Now().UTC(),
	}

	if ix.embedder != nil && ix.embedder.Ready() {
		vec, err := ix.embedder.Embed(ctx, embeddingText(title, body))
		switch {
		case err == nil:
			doc.Embedding = vec
		case errors.Is(err, embed.ErrNotReady):
			// Backfill sweep will fill it in.
		default:
			ix.logger.Warn("embedding failed, indexing without vector", zap.Error(err))
		}
	}

	id, err := ix.store.UpsertIndexDoc(ctx, doc, postings)
	if err != nil {
		return 0, fmt.Errorf("upsert index doc: %w", err)
	}
	return id, nil
}

// IndexTexts ingests a batch, stopping at the first failure. Returns ids
// for everything indexed so far.
func (ix *Index) IndexTexts(ctx context.Context, origin string, items []Item) ([]int64, error) {
	ids := make([]int64, 0, len(items))
	for i, item := range items {
		id, err := ix.IndexText(ctx, origin, item.Title, item.Body)
		if err != nil {
			return ids, fmt.Errorf("item %d: %w", i, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// IndexReport auto-ingests a finished report so retrieval can find it.
func (ix *Index) IndexReport(ctx context.Context, r *storage.Report) (int64, error) {
	return ix.IndexText(ctx, OriginReport, r.Query, r.Output)
}

// Delete removes a document and its postings.
func (ix *Index) Delete(ctx context.Context, id int64) error {
	return ix.store.DeleteIndexDoc(ctx, id)
}

// Get returns one document.
func (ix *Index) Get(ctx context.Context, id int64) (*storage.IndexDoc, error) {
	return ix.store.GetIndexDoc(ctx, id)
}

// Stats reports index health for the status surfaces.
func (ix *Index) Stats(ctx context.Context) (*storage.IndexStats, error) {
	return ix.store.IndexStats(ctx)
}

// EmbedderReady reports whether vector search currently works.
func (ix *Index) EmbedderReady() bool {
	return ix.embedder != nil && ix.embedder.Ready()
}

// ReindexEmbeddings backfills vectors for documents indexed while the
// embedder was not ready. Returns how many documents were filled.
func (ix *Index) ReindexEmbeddings(ctx context.Context, batch int) (int, error) {
	if ix.embedder == nil || !ix.embedder.Ready() {
		return 0, nil
	}
	if batch <= 0 {
		batch = 50
	}

	docs, err := ix.store.DocsMissingEmbedding(ctx, batch)
	if err != nil {
		return 0, fmt.Errorf("list docs missing embedding: %w", err)
	}
	filled := 0
	for _, doc := range docs {
		vec, err := ix.embedder.Embed(ctx, embeddingText(doc.Title, doc.Body))
		if err != nil {
			if errors.Is(err, embed.ErrNotReady) {
				return filled, nil
			}
			ix.logger.Warn("backfill embedding failed",
				zap.Int64("doc_id", doc.ID),
				zap.Error(err),
			)
			continue
		}
		if err := ix.store.SetDocEmbedding(ctx, doc.ID, vec); err != nil {
			return filled, fmt.Errorf("set embedding for doc %d: %w", doc.ID, err)
		}
		filled++
	}
	if filled > 0 {
		ix.logger.Info("backfilled embeddings", zap.Int("docs", filled))
	}
	return filled, nil
}

func (ix *Index) truncate(body string) string {
	runes := []rune(body)
	if len(runes) <= ix.cfg.MaxBody {
		return body
	}
	return string(runes[:ix.cfg.MaxBody]) + truncationMarker
}

// embeddingText is what gets vectorized: the title carries a lot of
// signal, so it is prepended rather than ignored.
func embeddingText(title, body string) string {
	if title == "" {
		return body
	}
	return title + "\n" + body
}
