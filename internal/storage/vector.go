package storage

import (
	"encoding/binary"
	"fmt"
	"math"
	"sort"
	"time"
)

// encodeVector packs a float32 slice into a little-endian BLOB.
func encodeVector(v []float32) []byte {
	if len(v) == 0 {
		return nil
	}
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// decodeVector unpacks a little-endian BLOB into a float32 slice.
func decodeVector(b []byte) ([]float32, error) {
	if len(b) == 0 {
		return nil, nil
	}
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("vector blob length %d not a multiple of 4", len(b))
	}
	out := make([]float32, len(b)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return out, nil
}

// Cosine returns the cosine similarity of two vectors. Mismatched or empty
// inputs score zero.
func Cosine(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// bm25Doc is the per-document accumulator used by scoreBM25.
type bm25Doc struct {
	length    int
	createdAt time.Time
	tfs       map[string]int
}

// scoreBM25 computes Okapi BM25 over candidate docs. df maps each query
// term to its document frequency across the whole index; totalDocs and
// avgLen describe the corpus. Results are ordered score desc, newer doc
// first, then smaller id.
func scoreBM25(docs map[int64]*bm25Doc, df map[string]int, totalDocs int, avgLen float64, k1, b float64, limit int) []LexicalHit {
	if totalDocs == 0 || len(docs) == 0 {
		return nil
	}
	if avgLen <= 0 {
		avgLen = 1
	}

	idf := make(map[string]float64, len(df))
	for term, n := range df {
		idf[term] = math.Log(1 + (float64(totalDocs)-float64(n)+0.5)/(float64(n)+0.5))
	}

	hits := make([]LexicalHit, 0, len(docs))
	for id, d := range docs {
		norm := k1 * (1 - b + b*float64(d.length)/avgLen)
		var score float64
		for term, tf := range d.tfs {
			w, ok := idf[term]
			if !ok || tf == 0 {
				continue
			}
			score += w * (float64(tf) * (k1 + 1)) / (float64(tf) + norm)
		}
		if score > 0 {
			hits = append(hits, LexicalHit{DocID: id, Score: score, CreatedAt: d.createdAt})
		}
	}

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		if !hits[i].CreatedAt.Equal(hits[j].CreatedAt) {
			return hits[i].CreatedAt.After(hits[j].CreatedAt)
		}
		return hits[i].DocID < hits[j].DocID
	})

	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	return hits
}

// sortReportHits orders report hits score desc, newer first, smaller id.
func sortReportHits(hits []ReportHit) {
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		if !hits[i].Report.CreatedAt.Equal(hits[j].Report.CreatedAt) {
			return hits[i].Report.CreatedAt.After(hits[j].Report.CreatedAt)
		}
		return hits[i].Report.ID < hits[j].Report.ID
	})
}

// rankVectorHits orders cosine hits score desc, newer first, smaller id.
func rankVectorHits(hits []VectorHit, limit int) []VectorHit {
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		if !hits[i].CreatedAt.Equal(hits[j].CreatedAt) {
			return hits[i].CreatedAt.After(hits[j].CreatedAt)
		}
		return hits[i].DocID < hits[j].DocID
	})
	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	return hits
}
