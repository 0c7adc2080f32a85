// Package embed produces fixed-dimension unit vectors for index documents,
// reports and queries.
//
// Two providers exist: a remote OpenAI-compatible endpoint and a local
// deterministic feature-hashing embedder. The remote provider initializes
// asynchronously and reports ErrNotReady until its first successful call;
// retrieval degrades to lexical-only search in that window instead of
// blocking startup.
package embed

import (
	"context"
	"errors"
	"math"

	"go.uber.org/zap"

	"github.com/marcus-qen/quaesitor/internal/config"
)

// ErrNotReady means the provider has not completed initialization yet.
// Callers treat it as "skip vectors for now", never as a hard failure.
var ErrNotReady = errors.New("embedding provider not ready")

// ErrDimMismatch means the upstream returned vectors of an unexpected size.
var ErrDimMismatch = errors.New("embedding dimension mismatch")

// Provider turns text into unit-length vectors of a fixed dimension.
type Provider interface {
	// Start launches any background initialization. Non-blocking.
	Start(ctx context.Context)
	// Embed returns the vector for one text.
	Embed(ctx context.Context, text string) ([]float32, error)
	// EmbedBatch returns one vector per input, in input order.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	// Ready reports whether Embed calls can succeed right now.
	Ready() bool
	// Dim is the fixed output dimension.
	Dim() int
	// Name identifies the provider for status surfaces.
	Name() string
}

// New selects a provider from configuration: a remote endpoint when
// base_url is set, the local embedder otherwise.
func New(cfg config.EmbedConfig, logger *zap.Logger) Provider {
	if cfg.BaseURL == "" {
		return NewLocal(cfg.Dim)
	}
	return NewRemote(cfg, logger)
}

// Normalize scales v to unit length in place and returns it. Zero vectors
// are returned unchanged.
func Normalize(v []float32) []float32 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return v
	}
	inv := 1 / math.Sqrt(sum)
	for i := range v {
		v[i] = float32(float64(v[i]) * inv)
	}
	return v
}
