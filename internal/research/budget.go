package research

import (
	"sort"

	"github.com/marcus-qen/quaesitor/internal/index"
	"github.com/marcus-qen/quaesitor/internal/llm"
)

// Per-stage completion budgets, clamped to what the model context leaves.
const (
	planBudget      = 1024
	researchBudget  = 4096
	synthesisBudget = 8192
)

// maxTokensFor clamps a stage budget to the model's remaining context
// after the estimated prompt, floored at the configured minimum so a call
// is never sent with a useless allowance.
func (o *Orchestrator) maxTokensFor(budget int, model string, promptChars int) int {
	floor := o.cfg.MinMaxTokens
	if floor <= 0 {
		floor = 256
	}
	if cw := o.gw.ContextWindowFor(model); cw > 0 {
		if remaining := cw - promptChars/4; remaining < budget {
			budget = remaining
		}
	}
	if budget < floor {
		budget = floor
	}
	return budget
}

// fitDocuments drops the least query-relevant documents until the
// estimated prompt plus the reserved completion budget fits the model
// context. Instructions and agent findings are never cut, only
// attachments. Returns the surviving documents and the dropped names.
func (o *Orchestrator) fitDocuments(model, query string, docs []Document, baseChars, reserve int) ([]Document, []string) {
	cw := o.gw.ContextWindowFor(model)
	if cw <= 0 || len(docs) == 0 {
		return docs, nil
	}

	type scored struct {
		doc Document
		sal int
		pos int
	}
	queryTerms := make(map[string]bool)
	for _, t := range index.Tokenize(query) {
		queryTerms[t] = true
	}
	items := make([]scored, len(docs))
	for i, d := range docs {
		items[i] = scored{doc: d, sal: salience(queryTerms, d.Content), pos: i}
	}

	total := baseChars / 4
	for _, it := range items {
		total += llm.EstimateTokens(it.doc.Content)
	}

	var dropped []string
	for total+reserve > cw && len(items) > 0 {
		// Drop the least salient; among equals, the longest frees the most.
		drop := 0
		for i := 1; i < len(items); i++ {
			if items[i].sal < items[drop].sal ||
				(items[i].sal == items[drop].sal && len(items[i].doc.Content) > len(items[drop].doc.Content)) {
				drop = i
			}
		}
		total -= llm.EstimateTokens(items[drop].doc.Content)
		dropped = append(dropped, items[drop].doc.Name)
		items = append(items[:drop], items[drop+1:]...)
	}

	sort.Slice(items, func(i, j int) bool { return items[i].pos < items[j].pos })
	kept := make([]Document, len(items))
	for i, it := range items {
		kept[i] = it.doc
	}
	return kept, dropped
}

// salience counts distinct query terms appearing in the text.
func salience(queryTerms map[string]bool, text string) int {
	seen := make(map[string]bool)
	n := 0
	for _, t := range index.Tokenize(text) {
		if queryTerms[t] && !seen[t] {
			seen[t] = true
			n++
		}
	}
	return n
}
