package embed

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/marcus-qen/quaesitor/internal/config"
	"github.com/marcus-qen/quaesitor/internal/metrics"
)

const (
	remoteTimeout    = 30 * time.Second
	remoteMaxRetries = 3
	probeText        = "ready"
)

// Remote calls an OpenAI-compatible /v1/embeddings endpoint.
//
// Construction never blocks on the network. Start launches a probe loop
// that flips Ready once the endpoint answers; until then Embed returns
// ErrNotReady.
type Remote struct {
	baseURL    string
	apiKey     string
	model      string
	dim        int
	httpClient *http.Client
	logger     *zap.Logger
	ready      atomic.Bool
}

// NewRemote creates a remote provider from configuration.
func NewRemote(cfg config.EmbedConfig, logger *zap.Logger) *Remote {
	if logger == nil {
		logger = zap.NewNop()
	}
	dim := cfg.Dim
	if dim <= 0 {
		dim = 384
	}
	return &Remote{
		baseURL:    strings.TrimSuffix(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		model:      cfg.Model,
		dim:        dim,
		httpClient: &http.Client{Timeout: remoteTimeout},
		logger:     logger.Named("embed"),
	}
}

// Start probes the endpoint in the background until it answers once.
// Failures back off exponentially, capped at a minute.
func (r *Remote) Start(ctx context.Context) {
	go func() {
		delay := time.Second
		for {
			if _, err := r.request(ctx, []string{probeText}); err == nil {
				r.ready.Store(true)
				metrics.SetEmbedderReady(true)
				r.logger.Info("embedding provider ready",
					zap.String("model", r.model),
					zap.Int("dim", r.dim),
				)
				return
			} else if ctx.Err() != nil {
				return
			} else {
				r.logger.Warn("embedding probe failed", zap.Error(err), zap.Duration("retry_in", delay))
			}

			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			if delay < time.Minute {
				delay *= 2
			}
		}
	}()
}

// Embed returns the vector for one text.
func (r *Remote) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := r.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch returns one vector per input, in input order.
func (r *Remote) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if !r.ready.Load() {
		return nil, ErrNotReady
	}
	if len(texts) == 0 {
		return nil, nil
	}
	return r.request(ctx, texts)
}

// Ready reports whether the probe has succeeded.
func (r *Remote) Ready() bool { return r.ready.Load() }

// Dim returns the configured dimension.
func (r *Remote) Dim() int { return r.dim }

// Name identifies the provider.
func (r *Remote) Name() string { return "remote:" + r.model }

type embeddingsRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embeddingsResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

func (r *Remote) request(ctx context.Context, texts []string) ([][]float32, error) {
	body, err := json.Marshal(embeddingsRequest{Model: r.model, Input: texts})
	if err != nil {
		return nil, fmt.Errorf("marshal embeddings request: %w", err)
	}
	url := r.baseURL + "/v1/embeddings"

	var respBody []byte
	for attempt := 0; attempt <= remoteMaxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(math.Pow(2, float64(attempt-1))) * 500 * time.Millisecond
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("create embeddings request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		if r.apiKey != "" {
			req.Header.Set("Authorization", "Bearer "+r.apiKey)
		}

		resp, err := r.httpClient.Do(req)
		if err != nil {
			if attempt < remoteMaxRetries && ctx.Err() == nil {
				continue
			}
			return nil, fmt.Errorf("embeddings request failed: %w", err)
		}

		respBody, err = io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("read embeddings response: %w", err)
		}

		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			if attempt < remoteMaxRetries {
				continue
			}
			return nil, fmt.Errorf("embeddings endpoint returned %d: %s", resp.StatusCode, truncateErr(respBody))
		}
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("embeddings endpoint returned %d: %s", resp.StatusCode, truncateErr(respBody))
		}
		break
	}

	var parsed embeddingsResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, fmt.Errorf("decode embeddings response: %w", err)
	}
	if len(parsed.Data) != len(texts) {
		return nil, fmt.Errorf("embeddings response has %d vectors for %d inputs", len(parsed.Data), len(texts))
	}

	out := make([][]float32, len(texts))
	for _, d := range parsed.Data {
		if d.Index < 0 || d.Index >= len(out) {
			return nil, fmt.Errorf("embeddings response index %d out of range", d.Index)
		}
		if len(d.Embedding) != r.dim {
			return nil, fmt.Errorf("%w: got %d, want %d", ErrDimMismatch, len(d.Embedding), r.dim)
		}
		out[d.Index] = Normalize(d.Embedding)
	}
	for i, v := range out {
		if v == nil {
			return nil, fmt.Errorf("embeddings response missing vector for input %d", i)
		}
	}
	return out, nil
}

func truncateErr(body []byte) string {
	const max = 200
	s := string(body)
	if len(s) > max {
		return s[:max] + "..."
	}
	return s
}
