package embeddings

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"strings"
	"time"
	"unicode"
)

// DefaultHashDimension is the vector size of the hash provider.
const DefaultHashDimension = 384

// HashProvider embeds text by hashing word tokens and character trigrams into
// a fixed number of buckets. Equal texts give equal vectors and texts sharing
// words give similar ones; no model or network is needed.
type HashProvider struct {
	dimension int
	metrics   *Metrics
}

// NewHashProvider returns a HashProvider producing vectors of dimension.
func NewHashProvider(dimension int) (*HashProvider, error) {
	if dimension < 8 {
		return nil, fmt.Errorf("%w: hash dimension must be >= 8, got %d", ErrInvalidConfig, dimension)
	}
	return &HashProvider{dimension: dimension, metrics: defaultMetrics()}, nil
}

func (h *HashProvider) EmbedDocuments(ctx context.Context, texts []string) (out [][]float32, err error) {
	start := time.Now()
	defer func() {
		h.metrics.RecordGeneration(ctx, "hash", "embed_documents", time.Since(start), len(texts), err)
	}()

	if len(texts) == 0 {
		return nil, fmt.Errorf("%w: texts cannot be empty", ErrEmptyInput)
	}
	out = make([][]float32, len(texts))
	for i, text := range texts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out[i] = h.vector(text)
	}
	return out, nil
}

func (h *HashProvider) EmbedQuery(ctx context.Context, text string) (out []float32, err error) {
	start := time.Now()
	defer func() {
		h.metrics.RecordGeneration(ctx, "hash", "embed_query", time.Since(start), 1, err)
	}()

	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("%w: text cannot be empty", ErrEmptyInput)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return h.vector(text), nil
}

func (h *HashProvider) Dimension() int { return h.dimension }

func (h *HashProvider) Close() error { return nil }

func (h *HashProvider) vector(text string) []float32 {
	v := make([]float32, h.dimension)
	text = strings.ReplaceAll(strings.ToLower(text), "ё", "е")
	words := strings.FieldsFunc(text, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})

	for _, w := range words {
		h.add(v, "w:"+w, 1.0)
		runes := []rune(" " + w + " ")
		for i := 0; i+3 <= len(runes); i++ {
			h.add(v, "t:"+string(runes[i:i+3]), 0.5)
		}
	}

	var norm float64
	for _, x := range v {
		norm += float64(x) * float64(x)
	}
	if norm == 0 {
		return v
	}
	scale := float32(1 / math.Sqrt(norm))
	for i := range v {
		v[i] *= scale
	}
	return v
}

func (h *HashProvider) add(v []float32, feature string, weight float32) {
	f := fnv.New64a()
	_, _ = f.Write([]byte(feature))
	sum := f.Sum64()
	idx := int(sum % uint64(h.dimension))
	if sum&(1<<63) != 0 {
		weight = -weight
	}
	v[idx] += weight
}
