package embeddings

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func cosine(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

func TestHashProvider(t *testing.T) {
	p, err := NewHashProvider(DefaultHashDimension)
	require.NoError(t, err)
	ctx := context.Background()

	a, err := p.EmbedQuery(ctx, "Заменить подшипник на станке")
	require.NoError(t, err)
	assert.Len(t, a, DefaultHashDimension)

	t.Run("deterministic", func(t *testing.T) {
		b, err := p.EmbedQuery(ctx, "заменить подшипник на станке")
		require.NoError(t, err)
		assert.InDelta(t, 1.0, cosine(a, b), 1e-6)
	})

	t.Run("documents match queries", func(t *testing.T) {
		docs, err := p.EmbedDocuments(ctx, []string{"Заменить подшипник на станке", "Позвонить клиенту"})
		require.NoError(t, err)
		require.Len(t, docs, 2)
		assert.InDelta(t, 1.0, cosine(a, docs[0]), 1e-6)
	})

	t.Run("shared words are closer", func(t *testing.T) {
		near, err := p.EmbedQuery(ctx, "Заменить подшипник")
		require.NoError(t, err)
		far, err := p.EmbedQuery(ctx, "Позвонить клиенту по поводу оплаты")
		require.NoError(t, err)
		assert.Greater(t, cosine(a, near), cosine(a, far))
	})

	t.Run("empty input", func(t *testing.T) {
		_, err := p.EmbedQuery(ctx, "  ")
		assert.ErrorIs(t, err, ErrEmptyInput)
		_, err = p.EmbedDocuments(ctx, nil)
		assert.ErrorIs(t, err, ErrEmptyInput)
	})

	_, err = NewHashProvider(4)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestService_TEI(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/embed", r.URL.Path)
		gotAuth = r.Header.Get("Authorization")

		var req struct {
			Inputs json.RawMessage `json:"inputs"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		var many []string
		if json.Unmarshal(req.Inputs, &many) != nil {
			many = []string{"one"}
		}
		out := make([][]float32, len(many))
		for i := range out {
			out[i] = []float32{float32(i), 1, 0}
		}
		_ = json.NewEncoder(w).Encode(out)
	}))
	defer srv.Close()

	svc, err := NewService(Config{BaseURL: srv.URL, Model: "bge", APIKey: "secret"})
	require.NoError(t, err)

	docs, err := svc.EmbedDocuments(context.Background(), []string{"a", "b"})
	require.NoError(t, err)
	assert.Equal(t, [][]float32{{0, 1, 0}, {1, 1, 0}}, docs)
	assert.Equal(t, "Bearer secret", gotAuth)

	q, err := svc.EmbedQuery(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, []float32{0, 1, 0}, q)
}

func TestService_TEIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model loading", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	svc, err := NewService(Config{BaseURL: srv.URL})
	require.NoError(t, err)

	_, err = svc.EmbedQuery(context.Background(), "a")
	assert.ErrorIs(t, err, ErrEmbeddingFailed)
	assert.Contains(t, err.Error(), "503")
}

func TestNewProvider(t *testing.T) {
	tests := []struct {
		name    string
		cfg     ProviderConfig
		wantDim int
		wantErr error
	}{
		{"hash default", ProviderConfig{Provider: "hash"}, DefaultHashDimension, nil},
		{"hash sized", ProviderConfig{Provider: "hash", Dimension: 64}, 64, nil},
		{"tei", ProviderConfig{Provider: "tei", BaseURL: "http://localhost:8080", Model: "BAAI/bge-base-en-v1.5"}, 768, nil},
		{"tei without url", ProviderConfig{Provider: "tei"}, 0, ErrInvalidConfig},
		{"openai without key", ProviderConfig{Provider: "openai"}, 0, ErrInvalidConfig},
		{"unknown", ProviderConfig{Provider: "word2vec"}, 0, ErrInvalidConfig},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := NewProvider(tt.cfg)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			defer p.Close()
			assert.Equal(t, tt.wantDim, p.Dimension())
		})
	}
}

func TestDetectDimensionFromModel(t *testing.T) {
	assert.Equal(t, 384, detectDimensionFromModel("BAAI/bge-small-en-v1.5"))
	assert.Equal(t, 1536, detectDimensionFromModel("text-embedding-3-small"))
	assert.Equal(t, 3072, detectDimensionFromModel("text-embedding-3-large"))
	assert.Equal(t, 384, detectDimensionFromModel("something-else"))
}
