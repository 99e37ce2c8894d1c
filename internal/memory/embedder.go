package memory

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
)

// HashEmbedder is a deterministic local embedder: token feature hashing
// into a fixed-width vector. It keeps retrieval working with no network
// dependency; a remote embedder can replace it behind core.IEmbedder.
type HashEmbedder struct {
	Dims int
}

// NewHashEmbedder creates an embedder with the given dimensionality.
func NewHashEmbedder(dims int) *HashEmbedder {
	if dims <= 0 {
		dims = 256
	}
	return &HashEmbedder{Dims: dims}
}

// Embed hashes lowercase tokens (plus bigrams) into vector buckets and
// L2-normalizes the result.
func (e *HashEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, e.Dims)
	tokens := strings.Fields(strings.ToLower(text))

	add := func(tok string, weight float32) {
		h := fnv.New32a()
		_, _ = h.Write([]byte(tok))
		sum := h.Sum32()
		idx := int(sum % uint32(e.Dims))
		sign := float32(1)
		if sum&0x80000000 != 0 {
			sign = -1
		}
		vec[idx] += sign * weight
	}

	for i, tok := range tokens {
		add(tok, 1)
		if i+1 < len(tokens) {
			add(tok+"_"+tokens[i+1], 0.5)
		}
	}

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm > 0 {
		inv := float32(1 / math.Sqrt(norm))
		for i := range vec {
			vec[i] *= inv
		}
	}
	return vec, nil
}
