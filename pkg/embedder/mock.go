package embedder

import (
	"context"
	"hash/fnv"
	"math"
)

// Mock is a deterministic embedder for tests and zero-config deployments.
// It hashes word tokens into a low-dimensional vector, so texts sharing
// vocabulary land near each other. It never fails.
type Mock struct {
	dimension int
}

// NewMock creates a mock embedder with the given dimension (default 8).
func NewMock(dimension int) *Mock {
	if dimension <= 0 {
		dimension = 8
	}
	return &Mock{dimension: dimension}
}

// Embed produces a deterministic unit vector for the text.
func (m *Mock) Embed(_ context.Context, text string) ([]float32, error) {
	vec := make([]float64, m.dimension)
	word := make([]rune, 0, 16)
	flush := func() {
		if len(word) == 0 {
			return
		}
		h := fnv.New32a()
		h.Write([]byte(string(word)))
		sum := h.Sum32()
		idx := int(sum) % m.dimension
		if idx < 0 {
			idx += m.dimension
		}
		sign := 1.0
		if sum&1 == 1 {
			sign = -1.0
		}
		vec[idx] += sign
		word = word[:0]
	}
	for _, c := range text {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
			word = append(word, toLower(c))
		default:
			flush()
		}
	}
	flush()

	var norm float64
	for _, v := range vec {
		norm += v * v
	}
	out := make([]float32, m.dimension)
	if norm == 0 {
		out[0] = 1
		return out, nil
	}
	norm = math.Sqrt(norm)
	for i, v := range vec {
		out[i] = float32(v / norm)
	}
	return out, nil
}

// EmbedBatch embeds each text independently.
func (m *Mock) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		vec, err := m.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = vec
	}
	return out, nil
}

// Dimension returns the configured vector size.
func (m *Mock) Dimension() int { return m.dimension }

// Model returns the mock model identifier.
func (m *Mock) Model() string { return "mock" }

// Close is a no-op.
func (m *Mock) Close() error { return nil }

func toLower(c rune) rune {
	if c >= 'A' && c <= 'Z' {
		return c + ('a' - 'A')
	}
	return c
}
