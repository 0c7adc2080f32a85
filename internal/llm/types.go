package llm

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

var (
	// ErrUnauthorized means the gateway rejected our credentials. Never
	// retried: the key will not become valid by waiting.
	ErrUnauthorized = errors.New("llm gateway rejected credentials")
	// ErrUpstream means the gateway kept failing after retries, or the
	// circuit breaker is open.
	ErrUpstream = errors.New("llm gateway unavailable")
	// ErrNoVisionModel means no image-capable model could be resolved.
	ErrNoVisionModel = errors.New("no vision-capable model available")
	// ErrNotConfigured means no gateway base URL is set.
	ErrNotConfigured = errors.New("llm gateway not configured")
)

// Message is one chat turn. Images are data URLs or https URLs attached
// to the turn; the wire encoder expands them into multimodal parts.
type Message struct {
	Role    string   `json:"role"`
	Content string   `json:"content"`
	Images  []string `json:"images,omitempty"`
}

// ChatRequest describes one completion call.
type ChatRequest struct {
	Model       string
	Messages    []Message
	MaxTokens   int
	Temperature float64
}

// Usage is the token accounting for one call.
type Usage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	TotalTokens      int64 `json:"total_tokens"`
}

// ChatResponse is the completed result of a non-streaming call.
type ChatResponse struct {
	Content      string
	Model        string
	FinishReason string
	Usage        Usage
}

// Delta is one streaming increment. The final delta has Done set and
// carries Usage when the gateway reports it; Err is set when the stream
// ends abnormally.
type Delta struct {
	Content string
	Done    bool
	Usage   *Usage
	Err     error
}

// Model is one catalog entry from /v1/models, normalized across the
// shapes different gateways use.
type Model struct {
	ID              string   `json:"id"`
	Created         int64    `json:"created,omitempty"`
	ContextWindow   int      `json:"context_window,omitempty"`
	InputModalities []string `json:"input_modalities,omitempty"`
	PromptPrice     float64  `json:"prompt_price,omitempty"`
	CompletionPrice float64  `json:"completion_price,omitempty"`
}

// SupportsVision reports whether the model accepts image input.
func (m Model) SupportsVision() bool {
	for _, mod := range m.InputModalities {
		if mod == "image" {
			return true
		}
	}
	return false
}

// StripImages returns a copy of messages with all image attachments
// removed, and whether anything was stripped.
func StripImages(messages []Message) ([]Message, bool) {
	stripped := false
	out := make([]Message, len(messages))
	for i, m := range messages {
		out[i] = m
		if len(m.Images) > 0 {
			out[i].Images = nil
			stripped = true
		}
	}
	return out, stripped
}

// EstimateTokens is the coarse chars/4 heuristic used for budgeting when
// no tokenizer is available. Always at least 1 for non-empty text.
func EstimateTokens(text string) int {
	if text == "" {
		return 0
	}
	n := len(text) / 4
	if n < 1 {
		n = 1
	}
	return n
}

// flexFloat unmarshals numbers that gateways serve either as JSON numbers
// or as decimal strings (OpenRouter-style pricing).
type flexFloat float64

func (f *flexFloat) UnmarshalJSON(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		if s == "" {
			*f = 0
			return nil
		}
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return fmt.Errorf("parse price %q: %w", s, err)
		}
		*f = flexFloat(v)
		return nil
	}
	var v float64
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*f = flexFloat(v)
	return nil
}
