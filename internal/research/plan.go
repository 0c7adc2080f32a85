package research

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/marcus-qen/quaesitor/internal/llm"
)

const (
	minSubQueries = 3
	maxSubQueries = 8
)

var agentOpenTag = regexp.MustCompile(`<agent_(\d+)(?:\s+domain="([^"]*)")?\s*>`)

// parsePlan extracts sub-queries from a tagged planner response. It
// rejects responses with fewer than 3 or more than 8 tags, duplicated
// indices, unclosed tags or empty bodies.
func parsePlan(text string) ([]SubQuery, error) {
	matches := agentOpenTag.FindAllStringSubmatchIndex(text, -1)
	if len(matches) == 0 {
		return nil, fmt.Errorf("no agent tags found")
	}

	seen := make(map[int]bool, len(matches))
	subqs := make([]SubQuery, 0, len(matches))
	for _, m := range matches {
		idxStr := text[m[2]:m[3]]
		idx, err := strconv.Atoi(idxStr)
		if err != nil {
			return nil, fmt.Errorf("bad agent index %q", idxStr)
		}
		if seen[idx] {
			return nil, fmt.Errorf("duplicate agent index %d", idx)
		}
		seen[idx] = true

		domain := ""
		if m[4] >= 0 {
			domain = text[m[4]:m[5]]
		}

		closing := "</agent_" + idxStr + ">"
		rest := text[m[1]:]
		end := strings.Index(rest, closing)
		if end < 0 {
			return nil, fmt.Errorf("agent_%d tag not closed", idx)
		}
		body := strings.TrimSpace(rest[:end])
		if body == "" {
			return nil, fmt.Errorf("agent_%d tag is empty", idx)
		}
		subqs = append(subqs, SubQuery{Index: idx, Domain: domain, Text: body})
	}

	if len(subqs) < minSubQueries || len(subqs) > maxSubQueries {
		return nil, fmt.Errorf("plan has %d sub-queries, want %d..%d", len(subqs), minSubQueries, maxSubQueries)
	}
	sort.Slice(subqs, func(i, j int) bool { return subqs[i].Index < subqs[j].Index })
	return subqs, nil
}

// plan asks the planning model for a sub-query breakdown, retrying once
// with a stricter prompt before giving up.
func (o *Orchestrator) plan(ctx context.Context, model string, req Request, gaps string) ([]SubQuery, llm.Usage, error) {
	user := planUserPrompt(req, gaps)
	prompts := []string{planSystemPrompt, planStrictSystemPrompt}

	var usage llm.Usage
	var lastErr error
	for attempt, system := range prompts {
		resp, err := o.gw.ChatCompletion(ctx, llm.ChatRequest{
			Model: model,
			Messages: []llm.Message{
				{Role: "system", Content: system},
				{Role: "user", Content: user},
			},
			MaxTokens:   o.maxTokensFor(planBudget, model, len(system)+len(user)),
			Temperature: 0.2,
		})
		if err != nil {
			lastErr = err
			if ctx.Err() != nil {
				return nil, usage, ctx.Err()
			}
			continue
		}
		addUsage(&usage, resp.Usage)

		subqs, err := parsePlan(resp.Content)
		if err != nil {
			lastErr = err
			o.logger.Warn("plan parse failed",
				zap.Int("attempt", attempt+1),
				zap.Error(err))
			continue
		}
		return subqs, usage, nil
	}
	return nil, usage, fmt.Errorf("%w: %v", ErrPlanningFailed, lastErr)
}
