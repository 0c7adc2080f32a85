// Package llm is the client for the OpenAI-compatible gateway that serves
// chat completions and the model catalog.
//
// All upstream calls go through one retry discipline (exponential backoff
// with full jitter, honoring Retry-After) and one circuit breaker, so a
// dying gateway degrades the server instead of wedging it.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/marcus-qen/quaesitor/internal/config"
	"github.com/marcus-qen/quaesitor/internal/metrics"
)

const (
	backoffBase = 500 * time.Millisecond
	backoffCap  = 8 * time.Second
	// Retry-After values beyond this are treated as "give up waiting".
	retryAfterCap = 30 * time.Second
)

// Client talks to one OpenAI-compatible gateway.
type Client struct {
	baseURL    string
	apiKey     string
	maxRetries int
	httpClient *http.Client
	// streamClient has no overall timeout; streams are bounded by ctx.
	streamClient *http.Client
	breaker      *gobreaker.CircuitBreaker
	logger       *zap.Logger

	catalogTTL   time.Duration
	visionHints  []string
	catalogMu    sync.Mutex
	catalog      []Model
	catalogAt    time.Time
	plannerModel string
}

// NewClient creates a gateway client from configuration. A client with no
// base URL is valid: every call returns ErrNotConfigured, which the tool
// layer maps to a friendly "no LLM configured" answer.
func NewClient(cfg config.LLMConfig, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	retries := cfg.MaxRetries
	if retries <= 0 {
		retries = 4
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	ttl := cfg.CatalogTTL
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}

	c := &Client{
		baseURL:      strings.TrimSuffix(cfg.BaseURL, "/"),
		apiKey:       cfg.APIKey,
		maxRetries:   retries,
		httpClient:   &http.Client{Timeout: timeout},
		streamClient: &http.Client{},
		logger:       logger.Named("llm"),
		catalogTTL:   ttl,
		visionHints:  cfg.VisionModels,
		plannerModel: cfg.PlannerModel,
	}
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "llm-gateway",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		IsSuccessful: func(err error) bool {
			// Bad credentials are a local configuration problem, not
			// upstream sickness; they must not trip the breaker.
			return err == nil || errors.Is(err, ErrUnauthorized)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.logger.Warn("circuit breaker state change",
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})
	return c
}

// Configured reports whether a gateway base URL is set.
func (c *Client) Configured() bool { return c.baseURL != "" }

// PlannerModel is the configured planning model, possibly empty.
func (c *Client) PlannerModel() string { return c.plannerModel }

// --- wire types ---

type wireTextPart struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type wireImagePart struct {
	Type     string `json:"type"`
	ImageURL struct {
		URL string `json:"url"`
	} `json:"image_url"`
}

type wireMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type chatWireRequest struct {
	Model         string        `json:"model"`
	Messages      []wireMessage `json:"messages"`
	MaxTokens     int           `json:"max_tokens,omitempty"`
	Temperature   *float64      `json:"temperature,omitempty"`
	Stream        bool          `json:"stream,omitempty"`
	StreamOptions *struct {
		IncludeUsage bool `json:"include_usage"`
	} `json:"stream_options,omitempty"`
}

type chatWireResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *Usage `json:"usage"`
}

func encodeMessages(messages []Message) []wireMessage {
	out := make([]wireMessage, len(messages))
	for i, m := range messages {
		if len(m.Images) == 0 {
			out[i] = wireMessage{Role: m.Role, Content: m.Content}
			continue
		}
		parts := make([]any, 0, 1+len(m.Images))
		if m.Content != "" {
			parts = append(parts, wireTextPart{Type: "text", Text: m.Content})
		}
		for _, img := range m.Images {
			p := wireImagePart{Type: "image_url"}
			p.ImageURL.URL = img
			parts = append(parts, p)
		}
		out[i] = wireMessage{Role: m.Role, Content: parts}
	}
	return out
}

// ChatCompletion performs one non-streaming completion.
func (c *Client) ChatCompletion(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	if c.baseURL == "" {
		return nil, ErrNotConfigured
	}

	wire := chatWireRequest{
		Model:     req.Model,
		Messages:  encodeMessages(req.Messages),
		MaxTokens: req.MaxTokens,
	}
	if req.Temperature != 0 {
		t := req.Temperature
		wire.Temperature = &t
	}
	body, err := json.Marshal(wire)
	if err != nil {
		return nil, fmt.Errorf("marshal chat request: %w", err)
	}

	res, err := c.breaker.Execute(func() (any, error) {
		return c.doWithRetry(ctx, body)
	})
	if err != nil {
		metrics.RecordLLMRequest(req.Model, "error")
		return nil, c.mapBreakerErr(err)
	}

	parsed := res.(*chatWireResponse)
	if len(parsed.Choices) == 0 {
		metrics.RecordLLMRequest(req.Model, "error")
		return nil, fmt.Errorf("%w: response has no choices", ErrUpstream)
	}

	out := &ChatResponse{
		Content:      parsed.Choices[0].Message.Content,
		Model:        parsed.Model,
		FinishReason: parsed.Choices[0].FinishReason,
	}
	if out.Model == "" {
		out.Model = req.Model
	}
	if parsed.Usage != nil {
		out.Usage = *parsed.Usage
		metrics.RecordTokens(out.Model, out.Usage.PromptTokens, out.Usage.CompletionTokens)
	}
	metrics.RecordLLMRequest(req.Model, "ok")
	return out, nil
}

func (c *Client) mapBreakerErr(err error) error {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: circuit breaker open", ErrUpstream)
	}
	return err
}

func (c *Client) doWithRetry(ctx context.Context, body []byte) (*chatWireResponse, error) {
	url := c.baseURL + "/v1/chat/completions"

	var lastErr error
	for attempt := 0; attempt < c.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(c.backoff(attempt, lastErr)):
			}
		}

		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("create chat request: %w", err)
		}
		c.setHeaders(httpReq)

		httpResp, err := c.httpClient.Do(httpReq)
		if err != nil {
			lastErr = err
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			continue
		}

		respBody, err := io.ReadAll(httpResp.Body)
		_ = httpResp.Body.Close()
		if err != nil {
			lastErr = fmt.Errorf("read chat response: %w", err)
			continue
		}

		switch {
		case httpResp.StatusCode == http.StatusOK:
			var parsed chatWireResponse
			if err := json.Unmarshal(respBody, &parsed); err != nil {
				return nil, fmt.Errorf("decode chat response: %w", err)
			}
			return &parsed, nil
		case httpResp.StatusCode == http.StatusUnauthorized || httpResp.StatusCode == http.StatusForbidden:
			return nil, fmt.Errorf("%w: status %d", ErrUnauthorized, httpResp.StatusCode)
		case httpResp.StatusCode == http.StatusTooManyRequests || httpResp.StatusCode >= 500:
			lastErr = &retryableStatusError{status: httpResp.StatusCode, retryAfter: parseRetryAfter(httpResp.Header)}
			c.logger.Debug("retryable gateway status",
				zap.Int("status", httpResp.StatusCode),
				zap.Int("attempt", attempt+1),
			)
		default:
			return nil, fmt.Errorf("gateway returned %d: %s", httpResp.StatusCode, truncateBody(respBody))
		}
	}

	return nil, fmt.Errorf("%w: %v", ErrUpstream, lastErr)
}

type retryableStatusError struct {
	status     int
	retryAfter time.Duration
}

func (e *retryableStatusError) Error() string {
	return fmt.Sprintf("gateway returned %d", e.status)
}

// backoff computes the sleep before the given attempt: full jitter over an
// exponential window, overridden by Retry-After when the gateway sent one.
func (c *Client) backoff(attempt int, lastErr error) time.Duration {
	var rs *retryableStatusError
	if errors.As(lastErr, &rs) && rs.retryAfter > 0 {
		if rs.retryAfter > retryAfterCap {
			return retryAfterCap
		}
		return rs.retryAfter
	}
	window := backoffBase << (attempt - 1)
	if window > backoffCap {
		window = backoffCap
	}
	return time.Duration(rand.Int63n(int64(window) + 1))
}

func parseRetryAfter(h http.Header) time.Duration {
	v := h.Get("Retry-After")
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
}

func truncateBody(body []byte) string {
	const max = 300
	s := string(body)
	if len(s) > max {
		return s[:max] + "..."
	}
	return s
}
