package embed

import (
	"context"
	"hash/fnv"
	"strings"
	"unicode"
)

// Local is a deterministic feature-hashing embedder. It needs no network,
// is ready immediately, and always produces the same vector for the same
// text, which keeps vector search usable in air-gapped deployments.
type Local struct {
	dim int
}

// NewLocal creates a local embedder with the given dimension.
func NewLocal(dim int) *Local {
	if dim <= 0 {
		dim = 384
	}
	return &Local{dim: dim}
}

// Start is a no-op; the local embedder has no initialization.
func (l *Local) Start(ctx context.Context) {}

// Embed hashes each token into a bucket with a sign bit and normalizes
// the accumulated vector to unit length.
func (l *Local) Embed(ctx context.Context, text string) ([]float32, error) {
	vec := make([]float32, l.dim)
	for _, tok := range hashTokens(text) {
		h := fnv.New32a()
		_, _ = h.Write([]byte(tok))
		sum := h.Sum32()
		idx := int((sum >> 1) % uint32(l.dim))
		if sum&1 == 0 {
			vec[idx]++
		} else {
			vec[idx]--
		}
	}
	return Normalize(vec), nil
}

// EmbedBatch embeds each text independently.
func (l *Local) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, err := l.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

// Ready always reports true.
func (l *Local) Ready() bool { return true }

// Dim returns the configured dimension.
func (l *Local) Dim() int { return l.dim }

// Name identifies the provider.
func (l *Local) Name() string { return "local-hash" }

func hashTokens(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}
