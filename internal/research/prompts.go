package research

import (
	"encoding/json"
	"fmt"
	"strings"
)

const planSystemPrompt = `You are the planning stage of a deep-research pipeline. You break a research question into focused sub-queries that independent research agents answer in parallel.

Output format: between 3 and 8 numbered agent tags, nothing else.

<agent_1>first sub-query</agent_1>
<agent_2 domain="code">second sub-query</agent_2>
<agent_3>third sub-query</agent_3>

Rules:
- Each tag body is one self-contained question a researcher can answer without seeing the others.
- Use a domain attribute only when a sub-query clearly belongs to a specialty (code, medicine, law, finance, science).
- Cover distinct facets; no two sub-queries may substantially overlap.
- No prose, no markdown, no explanations outside the tags.`

const planStrictSystemPrompt = planSystemPrompt + `

Your previous answer could not be parsed. Respond with ONLY the agent tags. Any character outside <agent_N>...</agent_N> tags makes the answer invalid.`

const agentSystemPrompt = `You are one research agent inside a deep-research pipeline. You receive a single focused sub-query and answer it thoroughly from your domain knowledge.

Rules:
- Answer only the sub-query you were given.
- State facts with enough context that a synthesis stage can weave them into a larger report without re-reading your question.
- Flag uncertainty explicitly rather than guessing.
- Cite public sources inline as markdown links when you rely on them.`

const synthesisSystemPrompt = `You are the synthesis stage of a deep-research pipeline. You receive a research question and the findings of several research agents, and you produce the final document.

Rules:
- Integrate the findings into one coherent document; resolve contradictions explicitly.
- Write for the stated audience level.
- Follow the requested output format.
- If, and only if, the findings leave a material part of the question unanswered, append a single <insufficient_coverage>short description of each gap</insufficient_coverage> tag at the very end.`

// planUserPrompt renders the planning request. Gaps from a prior
// iteration turn the prompt into a refinement plan.
func planUserPrompt(req Request, gaps string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Research question: %s\n", req.Query)
	fmt.Fprintf(&b, "Audience level: %s\n", req.AudienceLevel)
	if len(req.TextDocuments) > 0 {
		b.WriteString("Attached documents:\n")
		for _, d := range req.TextDocuments {
			fmt.Fprintf(&b, "- %s (%d chars)\n", d.Name, len(d.Content))
		}
	}
	if gaps != "" {
		b.WriteString("\nA first research pass already ran. These gaps remain unanswered:\n")
		b.WriteString(gaps)
		b.WriteString("\nPlan sub-queries that close these gaps only.\n")
	}
	b.WriteString("\nProduce the sub-query plan now.")
	return b.String()
}

// agentUserPrompt renders one sub-query with its share of the attachments.
func agentUserPrompt(req Request, sq SubQuery, docs []Document) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Sub-query: %s\n", sq.Text)
	if sq.Domain != "" {
		fmt.Fprintf(&b, "Domain: %s\n", sq.Domain)
	}
	fmt.Fprintf(&b, "Parent research question (for context only): %s\n", req.Query)
	writeAttachments(&b, docs, req.StructuredData)
	b.WriteString("\nAnswer the sub-query.")
	return b.String()
}

// synthesisUserPrompt renders the final assembly request.
func synthesisUserPrompt(req Request, results []agentResult, docs []Document) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Research question: %s\n", req.Query)
	fmt.Fprintf(&b, "Audience level: %s\n", req.AudienceLevel)
	fmt.Fprintf(&b, "Output format: %s\n", req.OutputFormat)
	if req.IncludeSources {
		b.WriteString("Include a Sources section listing every cited link.\n")
	}
	b.WriteString("\nAgent findings:\n")
	for _, r := range results {
		if r.Err != nil {
			fmt.Fprintf(&b, "\n## Sub-query %d: %s\n(agent failed: %v)\n", r.SubQuery.Index, r.SubQuery.Text, r.Err)
			continue
		}
		fmt.Fprintf(&b, "\n## Sub-query %d: %s\n%s\n", r.SubQuery.Index, r.SubQuery.Text, r.Content)
	}
	writeAttachments(&b, docs, req.StructuredData)
	b.WriteString("\nWrite the final document now.")
	return b.String()
}

func writeAttachments(b *strings.Builder, docs []Document, structured []StructuredDocument) {
	for _, d := range docs {
		fmt.Fprintf(b, "\n[Document: %s]\n%s\n", d.Name, d.Content)
	}
	for _, s := range structured {
		data, err := json.MarshalIndent(s.Data, "", "  ")
		if err != nil {
			data = s.Data
		}
		fmt.Fprintf(b, "\n[Structured data: %s]\n%s\n", s.Name, data)
	}
}
