package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// UpsertIndexDoc inserts a document (id == 0) or replaces an existing one,
// rewriting its postings in the same transaction.
func (s *SQLiteStore) UpsertIndexDoc(ctx context.Context, doc *IndexDoc, postings []Posting) (int64, error) {
	if err := s.checkDim(doc.Embedding); err != nil {
		return 0, err
	}
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = time.Now().UTC()
	}
	if doc.Origin == "" {
		doc.Origin = "text"
	}

	var id int64
	err := s.withBusyRetry(func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		if doc.ID == 0 {
			res, err := tx.ExecContext(ctx, `INSERT INTO index_docs (origin, title, body, length, created_at, embedding)
				VALUES (?, ?, ?, ?, ?, ?)`,
				doc.Origin, doc.Title, doc.Body, doc.Length,
				doc.CreatedAt.UTC().Format(time.RFC3339Nano),
				encodeVector(doc.Embedding))
			if err != nil {
				return err
			}
			id, err = res.LastInsertId()
			if err != nil {
				return err
			}
		} else {
			id = doc.ID
			res, err := tx.ExecContext(ctx, `UPDATE index_docs SET origin = ?, title = ?, body = ?, length = ?, embedding = ?
				WHERE id = ?`,
				doc.Origin, doc.Title, doc.Body, doc.Length, encodeVector(doc.Embedding), id)
			if err != nil {
				return err
			}
			if n, _ := res.RowsAffected(); n == 0 {
				return ErrNotFound
			}
			if _, err := tx.ExecContext(ctx, `DELETE FROM index_postings WHERE doc_id = ?`, id); err != nil {
				return err
			}
		}

		for _, p := range postings {
			if p.Term == "" || p.TF <= 0 {
				continue
			}
			if _, err := tx.ExecContext(ctx, `INSERT INTO index_postings (term, doc_id, tf) VALUES (?, ?, ?)
				ON CONFLICT(term, doc_id) DO UPDATE SET tf = excluded.tf`,
				p.Term, id, p.TF); err != nil {
				return err
			}
		}
		return tx.Commit()
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return 0, err
		}
		return 0, fmt.Errorf("upsert index doc: %w", err)
	}
	doc.ID = id
	return id, nil
}

// GetIndexDoc returns one indexed document by id.
func (s *SQLiteStore) GetIndexDoc(ctx context.Context, id int64) (*IndexDoc, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, origin, title, body, length, created_at, embedding
		FROM index_docs WHERE id = ?`, id)
	return scanIndexDoc(row)
}

// DeleteIndexDoc removes a document; postings cascade.
func (s *SQLiteStore) DeleteIndexDoc(ctx context.Context, id int64) error {
	var res sql.Result
	err := s.withBusyRetry(func() error {
		var err error
		res, err = s.db.ExecContext(ctx, `DELETE FROM index_docs WHERE id = ?`, id)
		return err
	})
	if err != nil {
		return fmt.Errorf("delete index doc: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SearchBM25 scores documents containing any query term with Okapi BM25.
func (s *SQLiteStore) SearchBM25(ctx context.Context, terms []string, limit int) ([]LexicalHit, error) {
	terms = dedupeTerms(terms)
	if len(terms) == 0 {
		return nil, nil
	}

	var totalDocs int
	var avgLen sql.NullFloat64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*), AVG(length) FROM index_docs`).Scan(&totalDocs, &avgLen); err != nil {
		return nil, fmt.Errorf("index corpus stats: %w", err)
	}
	if totalDocs == 0 {
		return nil, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(terms)), ",")
	args := make([]any, len(terms))
	for i, t := range terms {
		args[i] = t
	}

	df := make(map[string]int, len(terms))
	dfRows, err := s.db.QueryContext(ctx, `SELECT term, COUNT(*) FROM index_postings WHERE term IN (`+placeholders+`) GROUP BY term`, args...)
	if err != nil {
		return nil, fmt.Errorf("document frequencies: %w", err)
	}
	for dfRows.Next() {
		var term string
		var n int
		if err := dfRows.Scan(&term, &n); err == nil {
			df[term] = n
		}
	}
	_ = dfRows.Close()
	if err := dfRows.Err(); err != nil {
		return nil, err
	}
	if len(df) == 0 {
		return nil, nil
	}

	rows, err := s.db.QueryContext(ctx, `SELECT p.doc_id, p.term, p.tf, d.length, d.created_at
		FROM index_postings p JOIN index_docs d ON d.id = p.doc_id
		WHERE p.term IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("postings: %w", err)
	}
	defer rows.Close()

	docs := map[int64]*bm25Doc{}
	for rows.Next() {
		var (
			docID     int64
			term      string
			tf        int
			length    int
			createdAt string
		)
		if err := rows.Scan(&docID, &term, &tf, &length, &createdAt); err != nil {
			continue
		}
		d, ok := docs[docID]
		if !ok {
			ts, _ := time.Parse(time.RFC3339Nano, createdAt)
			d = &bm25Doc{length: length, createdAt: ts, tfs: map[string]int{}}
			docs[docID] = d
		}
		d.tfs[term] = tf
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return scoreBM25(docs, df, totalDocs, avgLen.Float64, s.opts.BM25K1, s.opts.BM25B, limit), nil
}

// SearchVector scores all embedded documents against the query vector.
func (s *SQLiteStore) SearchVector(ctx context.Context, embedding []float32, limit int) ([]VectorHit, error) {
	if len(embedding) == 0 {
		return nil, nil
	}
	if err := s.checkDim(embedding); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `SELECT id, created_at, embedding FROM index_docs WHERE embedding IS NOT NULL`)
	if err != nil {
		return nil, fmt.Errorf("scan doc embeddings: %w", err)
	}
	defer rows.Close()

	var hits []VectorHit
	for rows.Next() {
		var (
			id        int64
			createdAt string
			blob      []byte
		)
		if err := rows.Scan(&id, &createdAt, &blob); err != nil {
			continue
		}
		vec, err := decodeVector(blob)
		if err != nil {
			continue
		}
		score := Cosine(embedding, vec)
		if score <= 0 {
			continue
		}
		ts, _ := time.Parse(time.RFC3339Nano, createdAt)
		hits = append(hits, VectorHit{DocID: id, Score: score, CreatedAt: ts})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return rankVectorHits(hits, limit), nil
}

// DocsMissingEmbedding returns oldest documents still awaiting vectors,
// used by the backfill sweep once the embedder becomes ready.
func (s *SQLiteStore) DocsMissingEmbedding(ctx context.Context, limit int) ([]IndexDoc, error) {
	if limit <= 0 {
		limit = 32
	}
	rows, err := s.db.QueryContext(ctx, `SELECT id, origin, title, body, length, created_at, embedding
		FROM index_docs WHERE embedding IS NULL ORDER BY id ASC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("docs missing embedding: %w", err)
	}
	defer rows.Close()

	var out []IndexDoc
	for rows.Next() {
		doc, err := scanIndexDoc(rows)
		if err != nil {
			continue
		}
		out = append(out, *doc)
	}
	return out, rows.Err()
}

// SetDocEmbedding attaches a vector to an existing document.
func (s *SQLiteStore) SetDocEmbedding(ctx context.Context, id int64, embedding []float32) error {
	if err := s.checkDim(embedding); err != nil {
		return err
	}
	var res sql.Result
	err := s.withBusyRetry(func() error {
		var err error
		res, err = s.db.ExecContext(ctx, `UPDATE index_docs SET embedding = ? WHERE id = ?`, encodeVector(embedding), id)
		return err
	})
	if err != nil {
		return fmt.Errorf("set doc embedding: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// IndexStats summarizes index and report counts for status surfaces.
func (s *SQLiteStore) IndexStats(ctx context.Context) (*IndexStats, error) {
	stats := &IndexStats{}
	var avgLen sql.NullFloat64
	var last sql.NullString
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*), AVG(length), MAX(created_at) FROM index_docs`).
		Scan(&stats.Docs, &avgLen, &last); err != nil {
		return nil, fmt.Errorf("index stats: %w", err)
	}
	stats.AvgLength = avgLen.Float64
	if last.Valid {
		stats.LastIndexed, _ = time.Parse(time.RFC3339Nano, last.String)
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM index_docs WHERE embedding IS NOT NULL`).
		Scan(&stats.WithVectors); err != nil {
		return nil, fmt.Errorf("index vector count: %w", err)
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM reports`).Scan(&stats.ReportsCount); err != nil {
		return nil, fmt.Errorf("report count: %w", err)
	}
	return stats, nil
}

func scanIndexDoc(sc scanner) (*IndexDoc, error) {
	var (
		doc       IndexDoc
		createdAt string
		blob      []byte
	)
	err := sc.Scan(&doc.ID, &doc.Origin, &doc.Title, &doc.Body, &doc.Length, &createdAt, &blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan index doc: %w", err)
	}
	doc.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	doc.Embedding, _ = decodeVector(blob)
	return &doc, nil
}

func dedupeTerms(terms []string) []string {
	seen := make(map[string]struct{}, len(terms))
	out := terms[:0:0]
	for _, t := range terms {
		t = strings.TrimSpace(strings.ToLower(t))
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}
