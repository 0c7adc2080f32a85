package llm

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/marcus-qen/quaesitor/internal/metrics"
)

const streamBufferSize = 32

// ChatStream performs a streaming completion. Deltas arrive in generation
// order on the returned channel; the final delta has Done set and carries
// usage when the gateway reports it. The channel closes after the final
// delta. Canceling ctx tears the stream down.
//
// Connection establishment is retried like non-streaming calls; once the
// stream is open, failures surface as a Delta with Err set.
func (c *Client) ChatStream(ctx context.Context, req ChatRequest) (<-chan Delta, error) {
	if c.baseURL == "" {
		return nil, ErrNotConfigured
	}

	wire := chatWireRequest{
		Model:     req.Model,
		Messages:  encodeMessages(req.Messages),
		MaxTokens: req.MaxTokens,
		Stream:    true,
		StreamOptions: &struct {
			IncludeUsage bool `json:"include_usage"`
		}{IncludeUsage: true},
	}
	if req.Temperature != 0 {
		t := req.Temperature
		wire.Temperature = &t
	}
	body, err := json.Marshal(wire)
	if err != nil {
		return nil, fmt.Errorf("marshal stream request: %w", err)
	}

	res, err := c.breaker.Execute(func() (any, error) {
		return c.openStream(ctx, body)
	})
	if err != nil {
		metrics.RecordLLMRequest(req.Model, "error")
		return nil, c.mapBreakerErr(err)
	}
	resp := res.(*http.Response)

	out := make(chan Delta, streamBufferSize)
	go c.readStream(ctx, resp, req.Model, out)
	return out, nil
}

// openStream retries connection establishment until the gateway accepts
// the request and starts the event stream.
func (c *Client) openStream(ctx context.Context, body []byte) (*http.Response, error) {
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

		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(string(body)))
		if err != nil {
			return nil, fmt.Errorf("create stream request: %w", err)
		}
		c.setHeaders(httpReq)
		httpReq.Header.Set("Accept", "text/event-stream")

		resp, err := c.streamClient.Do(httpReq)
		if err != nil {
			lastErr = err
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			continue
		}

		switch {
		case resp.StatusCode == http.StatusOK:
			return resp, nil
		case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
			drainClose(resp)
			return nil, fmt.Errorf("%w: status %d", ErrUnauthorized, resp.StatusCode)
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			ra := parseRetryAfter(resp.Header)
			drainClose(resp)
			lastErr = &retryableStatusError{status: resp.StatusCode, retryAfter: ra}
		default:
			respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			drainClose(resp)
			return nil, fmt.Errorf("gateway returned %d: %s", resp.StatusCode, truncateBody(respBody))
		}
	}

	return nil, fmt.Errorf("%w: %v", ErrUpstream, lastErr)
}

type chatStreamChunk struct {
	Model   string `json:"model"`
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Usage *Usage `json:"usage"`
}

func (c *Client) readStream(ctx context.Context, resp *http.Response, model string, out chan<- Delta) {
	defer close(out)
	defer drainClose(resp)

	// Close the body when ctx ends so the scanner unblocks.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = resp.Body.Close()
		case <-done:
		}
	}()

	var usage *Usage
	sawDone := false

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, ":") {
			continue
		}
		data, ok := strings.CutPrefix(line, "data:")
		if !ok {
			continue
		}
		data = strings.TrimSpace(data)
		if data == "[DONE]" {
			sawDone = true
			break
		}

		var chunk chatStreamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			c.logger.Debug("skipping malformed stream chunk", zap.Error(err))
			continue
		}
		if chunk.Usage != nil {
			u := *chunk.Usage
			usage = &u
		}
		if len(chunk.Choices) > 0 && chunk.Choices[0].Delta.Content != "" {
			select {
			case out <- Delta{Content: chunk.Choices[0].Delta.Content}:
			case <-ctx.Done():
				out <- Delta{Err: ctx.Err()}
				return
			}
		}
	}

	if err := scanner.Err(); err != nil && !sawDone {
		if ctx.Err() != nil {
			out <- Delta{Err: ctx.Err()}
		} else {
			out <- Delta{Err: fmt.Errorf("%w: stream aborted: %v", ErrUpstream, err)}
		}
		return
	}
	if !sawDone {
		if ctx.Err() != nil {
			out <- Delta{Err: ctx.Err()}
			return
		}
		// EOF without the terminator still delivers what we have; callers
		// treat a Done with usage as a complete stream.
		c.logger.Debug("stream ended without [DONE]")
	}

	if usage != nil {
		metrics.RecordTokens(model, usage.PromptTokens, usage.CompletionTokens)
	}
	metrics.RecordLLMRequest(model, "ok")
	out <- Delta{Done: true, Usage: usage}
}

func drainClose(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	_ = resp.Body.Close()
}
