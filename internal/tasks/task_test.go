package tasks

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCheckTransition(t *testing.T) {
	assert.NoError(t, CheckTransition(StatusOpen, StatusDone))
	assert.NoError(t, CheckTransition(StatusDone, StatusArchived))
	assert.ErrorIs(t, CheckTransition(StatusDone, StatusDone), ErrAlreadyCompleted)
	assert.ErrorIs(t, CheckTransition(StatusOpen, StatusArchived), ErrInvalidTransition)
	assert.ErrorIs(t, CheckTransition(StatusArchived, StatusOpen), ErrInvalidTransition)
	assert.ErrorIs(t, CheckTransition(StatusArchived, StatusDone), ErrInvalidTransition)
}

func TestEstimationAccuracy(t *testing.T) {
	tests := []struct {
		est, act int
		want     float64
	}{
		{60, 60, 1},
		{120, 100, 0.8},
		{80, 100, 0.8},
		{300, 100, 0},
		{10, 0, 0},
	}
	for _, tt := range tests {
		assert.InDelta(t, tt.want, EstimationAccuracy(tt.est, tt.act), 1e-9, "%d/%d", tt.est, tt.act)
	}
}

func TestValidDuration(t *testing.T) {
	assert.False(t, ValidDuration(0))
	assert.True(t, ValidDuration(1))
	assert.True(t, ValidDuration(480))
	assert.False(t, ValidDuration(481))
}

func TestEmbeddingCodec(t *testing.T) {
	v := []float32{0.25, -1.5, 3}
	got, err := decodeEmbedding(encodeEmbedding(v))
	assert.NoError(t, err)
	assert.Equal(t, v, got)

	_, err = decodeEmbedding([]byte{1, 2, 3})
	assert.Error(t, err)
}

func TestCosine(t *testing.T) {
	assert.InDelta(t, 1.0, Cosine([]float32{1, 2}, []float32{2, 4}), 1e-9)
	assert.InDelta(t, 0.0, Cosine([]float32{1, 0}, []float32{0, 1}), 1e-9)
	assert.Equal(t, 0.0, Cosine([]float32{0, 0}, []float32{1, 1}))
	assert.Equal(t, 0.0, Cosine([]float32{1}, []float32{1, 1}))
}
