// Package index implements hybrid retrieval: BM25 over an inverted index
// fused with cosine similarity over embeddings, with optional LLM
// reranking on top.
package index

import (
	"strings"
	"unicode"
)

// stopwords are never indexed or queried. The list is deliberately small;
// BM25's idf already discounts common terms, this only prunes the noisiest.
var stopwords = map[string]struct{}{
	"a": {}, "an": {}, "and": {}, "are": {}, "as": {}, "at": {},
	"be": {}, "but": {}, "by": {}, "for": {}, "from": {}, "has": {},
	"have": {}, "he": {}, "her": {}, "his": {}, "in": {}, "is": {},
	"it": {}, "its": {}, "no": {}, "not": {}, "of": {}, "on": {},
	"or": {}, "she": {}, "that": {}, "the": {}, "their": {}, "them": {},
	"they": {}, "this": {}, "to": {}, "was": {}, "were": {}, "what": {},
	"which": {}, "will": {}, "with": {},
}

// Tokenize lowercases, splits on non-alphanumeric runes, and drops
// single-rune tokens and stopwords. Query and document text go through
// the same function so terms always line up.
func Tokenize(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	out := fields[:0]
	for _, f := range fields {
		if len([]rune(f)) < 2 {
			continue
		}
		if _, stop := stopwords[f]; stop {
			continue
		}
		out = append(out, f)
	}
	return out
}

// TermCounts returns per-term frequencies and the total token count of
// the text after filtering.
func TermCounts(text string) (map[string]int, int) {
	toks := Tokenize(text)
	counts := make(map[string]int, len(toks))
	for _, t := range toks {
		counts[t]++
	}
	return counts, len(toks)
}
