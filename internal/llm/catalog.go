package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
)

// catalogWireModel tolerates the model-list shapes served by OpenAI,
// OpenRouter and LiteLLM style gateways.
type catalogWireModel struct {
	ID            string `json:"id"`
	Created       int64  `json:"created"`
	ContextLength int    `json:"context_length"`
	ContextWindow int    `json:"context_window"`
	Architecture  *struct {
		Modality        string   `json:"modality"`
		InputModalities []string `json:"input_modalities"`
	} `json:"architecture"`
	Capabilities *struct {
		Vision bool `json:"vision"`
	} `json:"capabilities"`
	Pricing *struct {
		Prompt     flexFloat `json:"prompt"`
		Completion flexFloat `json:"completion"`
	} `json:"pricing"`
}

type catalogWireResponse struct {
	Data []catalogWireModel `json:"data"`
}

// ListModels returns the model catalog, refreshing the cache when it is
// older than the configured TTL or when refresh is forced. A fetch failure
// falls back to the stale cache when one exists.
func (c *Client) ListModels(ctx context.Context, refresh bool) ([]Model, error) {
	if c.baseURL == "" {
		return nil, ErrNotConfigured
	}

	c.catalogMu.Lock()
	defer c.catalogMu.Unlock()

	if !refresh && c.catalog != nil && time.Since(c.catalogAt) < c.catalogTTL {
		return cloneModels(c.catalog), nil
	}

	models, err := c.fetchModels(ctx)
	if err != nil {
		if c.catalog != nil {
			c.logger.Warn("model catalog refresh failed, serving stale", zap.Error(err))
			return cloneModels(c.catalog), nil
		}
		return nil, err
	}

	c.catalog = models
	c.catalogAt = time.Now()
	return cloneModels(models), nil
}

func (c *Client) fetchModels(ctx context.Context) ([]Model, error) {
	url := c.baseURL + "/v1/models"

	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(c.backoff(attempt, lastErr)):
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, fmt.Errorf("create models request: %w", err)
		}
		c.setHeaders(req)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = err
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			continue
		}

		body, err := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if err != nil {
			lastErr = err
			continue
		}

		switch {
		case resp.StatusCode == http.StatusOK:
			var parsed catalogWireResponse
			if err := json.Unmarshal(body, &parsed); err != nil {
				return nil, fmt.Errorf("decode models response: %w", err)
			}
			return c.normalizeCatalog(parsed.Data), nil
		case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
			return nil, fmt.Errorf("%w: status %d", ErrUnauthorized, resp.StatusCode)
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			lastErr = &retryableStatusError{status: resp.StatusCode, retryAfter: parseRetryAfter(resp.Header)}
		default:
			return nil, fmt.Errorf("models endpoint returned %d: %s", resp.StatusCode, truncateBody(body))
		}
	}

	return nil, fmt.Errorf("%w: %v", ErrUpstream, lastErr)
}

func (c *Client) normalizeCatalog(wire []catalogWireModel) []Model {
	models := make([]Model, 0, len(wire))
	for _, w := range wire {
		if w.ID == "" {
			continue
		}
		m := Model{ID: w.ID, Created: w.Created}

		m.ContextWindow = w.ContextWindow
		if m.ContextWindow == 0 {
			m.ContextWindow = w.ContextLength
		}

		if w.Architecture != nil {
			m.InputModalities = append(m.InputModalities, w.Architecture.InputModalities...)
			if len(m.InputModalities) == 0 && w.Architecture.Modality != "" {
				// "text+image->text" style: input side left of the arrow.
				input := w.Architecture.Modality
				if idx := strings.Index(input, "->"); idx >= 0 {
					input = input[:idx]
				}
				for _, part := range strings.Split(input, "+") {
					if p := strings.TrimSpace(part); p != "" {
						m.InputModalities = append(m.InputModalities, p)
					}
				}
			}
		}
		if w.Capabilities != nil && w.Capabilities.Vision && !m.SupportsVision() {
			m.InputModalities = append(m.InputModalities, "image")
		}
		if !m.SupportsVision() && c.matchesVisionHint(w.ID) {
			m.InputModalities = append(m.InputModalities, "image")
		}

		if w.Pricing != nil {
			m.PromptPrice = float64(w.Pricing.Prompt)
			m.CompletionPrice = float64(w.Pricing.Completion)
		}
		models = append(models, m)
	}

	sort.Slice(models, func(i, j int) bool { return models[i].ID < models[j].ID })
	return models
}

// matchesVisionHint applies the static allowlist for gateways whose
// catalog does not expose modalities.
func (c *Client) matchesVisionHint(id string) bool {
	lower := strings.ToLower(id)
	for _, hint := range c.visionHints {
		if hint != "" && strings.Contains(lower, strings.ToLower(hint)) {
			return true
		}
	}
	return false
}

// SelectVisionModel resolves the model for image-bearing calls: the first
// preferred id that is vision-capable, otherwise the cheapest
// vision-capable model by prompt price (unknown prices sort last, ties
// break on id). ErrNoVisionModel when the catalog has none.
func (c *Client) SelectVisionModel(ctx context.Context, preferred []string) (string, error) {
	models, err := c.ListModels(ctx, false)
	if err != nil {
		return "", err
	}

	byID := make(map[string]Model, len(models))
	for _, m := range models {
		byID[m.ID] = m
	}
	for _, want := range preferred {
		if m, ok := byID[want]; ok && m.SupportsVision() {
			return m.ID, nil
		}
	}

	var candidates []Model
	for _, m := range models {
		if m.SupportsVision() {
			candidates = append(candidates, m)
		}
	}
	if len(candidates) == 0 {
		return "", ErrNoVisionModel
	}

	sort.Slice(candidates, func(i, j int) bool {
		pi, pj := effectivePrice(candidates[i]), effectivePrice(candidates[j])
		if pi != pj {
			return pi < pj
		}
		return candidates[i].ID < candidates[j].ID
	})
	return candidates[0].ID, nil
}

func effectivePrice(m Model) float64 {
	if m.PromptPrice <= 0 {
		return math.MaxFloat64
	}
	return m.PromptPrice
}

// ContextWindowFor returns the cached context window for a model id, or 0
// when unknown. Never triggers a fetch.
func (c *Client) ContextWindowFor(model string) int {
	c.catalogMu.Lock()
	defer c.catalogMu.Unlock()
	for _, m := range c.catalog {
		if m.ID == model {
			return m.ContextWindow
		}
	}
	return 0
}

func cloneModels(in []Model) []Model {
	out := make([]Model, len(in))
	copy(out, in)
	return out
}
