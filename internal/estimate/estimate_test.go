package estimate

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmc/langchaingo/llms"

	"github.com/Zolokon/business-planner-sub000/internal/business"
	"github.com/Zolokon/business-planner-sub000/internal/tasks"
)

func match(sim float64, minutes int) tasks.SimilarMatch {
	return tasks.SimilarMatch{BusinessID: 1, Similarity: sim, ActualMinutes: minutes}
}

func newEstimator(t *testing.T, cfg Config, opts ...Option) *Estimator {
	t.Helper()
	e, err := New(cfg, opts...)
	require.NoError(t, err)
	return e
}

func TestEstimate_Tiers(t *testing.T) {
	e := newEstimator(t, DefaultConfig())
	ctx := context.Background()

	tests := []struct {
		name       string
		matches    []tasks.SimilarMatch
		minutes    int
		confidence Confidence
		source     Source
	}{
		{"no history", nil, 60, ConfidenceLow, SourceDefault},
		{"one match", []tasks.SimilarMatch{match(0.9, 45)}, 45, ConfidenceMedium, SourceHistory},
		{"two matches weighted", []tasks.SimilarMatch{match(1.0, 100), match(0.5, 40)}, 80, ConfidenceMedium, SourceHistory},
		{"three matches", []tasks.SimilarMatch{match(0.9, 120), match(0.9, 120), match(0.9, 90)}, 110, ConfidenceHigh, SourceHistory},
		{"out of range falls back", []tasks.SimilarMatch{match(0.9, 600), match(0.8, 700)}, 60, ConfidenceLow, SourceDefault},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := e.Estimate(ctx, "задача", 1, tt.matches)
			assert.Equal(t, tt.minutes, got.Minutes)
			assert.Equal(t, tt.confidence, got.Confidence)
			assert.Equal(t, tt.source, got.Source)
			assert.Equal(t, len(tt.matches), got.Matches)
		})
	}
}

func TestEstimate_DefaultOnEmptyAlways(t *testing.T) {
	// A wired hint is ignored while UseHint is off.
	e := newEstimator(t, DefaultConfig(), WithHint(&fakeHint{minutes: 240}))
	for _, title := range []string{"", "ремонт", "очень длинная задача на весь день"} {
		for bid := business.ID(1); bid <= 4; bid++ {
			got := e.Estimate(context.Background(), title, bid, []tasks.SimilarMatch{})
			assert.Equal(t, 60, got.Minutes)
			assert.Equal(t, ConfidenceLow, got.Confidence)
		}
	}
}

func TestWeightedMean_Monotonic(t *testing.T) {
	base := []tasks.SimilarMatch{match(0.9, 30), match(0.8, 90), match(0.75, 60)}
	before := WeightedMean(base)

	for _, add := range []tasks.SimilarMatch{match(0.95, 70), match(0.7, 40), match(0.8, 55)} {
		after := WeightedMean(append(append([]tasks.SimilarMatch{}, base...), add))
		target := float64(add.ActualMinutes)
		assert.LessOrEqual(t, abs(after-target), abs(before-target),
			"adding %d moved the estimate away: %.2f -> %.2f", add.ActualMinutes, before, after)
	}
}

func TestWeightedMean_ZeroWeights(t *testing.T) {
	assert.Equal(t, 0.0, WeightedMean(nil))
	assert.Equal(t, 50.0, WeightedMean([]tasks.SimilarMatch{match(0, 40), match(0, 60)}))
}

func TestEstimate_RangeProperty(t *testing.T) {
	e := newEstimator(t, DefaultConfig())
	for _, minutes := range []int{1, 2, 100, 479, 480, 481, 1000} {
		got := e.Estimate(context.Background(), "x", 1, []tasks.SimilarMatch{match(0.8, minutes)})
		assert.GreaterOrEqual(t, got.Minutes, 1)
		assert.LessOrEqual(t, got.Minutes, 480)
	}
}

type fakeHint struct {
	minutes int
	err     error
	calls   int
}

func (f *fakeHint) SuggestMinutes(context.Context, string, business.ID) (int, error) {
	f.calls++
	return f.minutes, f.err
}

func TestEstimate_Hint(t *testing.T) {
	ctx := context.Background()

	t.Run("disabled by default", func(t *testing.T) {
		h := &fakeHint{minutes: 240}
		e := newEstimator(t, DefaultConfig(), WithHint(h))
		got := e.Estimate(ctx, "прототип", 3, nil)
		assert.Equal(t, 60, got.Minutes)
		assert.Zero(t, h.calls)
	})

	cfg := DefaultConfig()
	cfg.UseHint = true

	t.Run("used without history", func(t *testing.T) {
		h := &fakeHint{minutes: 240}
		got := newEstimator(t, cfg, WithHint(h)).Estimate(ctx, "прототип", 3, nil)
		assert.Equal(t, Estimate{Minutes: 240, Confidence: ConfidenceLow, Source: SourceHint}, got)
	})

	t.Run("ignored with history", func(t *testing.T) {
		h := &fakeHint{minutes: 240}
		got := newEstimator(t, cfg, WithHint(h)).Estimate(ctx, "прототип", 3, []tasks.SimilarMatch{match(0.9, 100)})
		assert.Equal(t, 100, got.Minutes)
		assert.Zero(t, h.calls)
	})

	t.Run("error falls back", func(t *testing.T) {
		h := &fakeHint{err: errors.New("offline")}
		got := newEstimator(t, cfg, WithHint(h)).Estimate(ctx, "x", 1, nil)
		assert.Equal(t, 60, got.Minutes)
		assert.Equal(t, SourceDefault, got.Source)
	})

	t.Run("out of range falls back", func(t *testing.T) {
		h := &fakeHint{minutes: 9000}
		got := newEstimator(t, cfg, WithHint(h)).Estimate(ctx, "x", 1, nil)
		assert.Equal(t, 60, got.Minutes)
	})
}

func TestStaticHint(t *testing.T) {
	h := StaticHint{PerBusiness: map[business.ID]int{3: 240}}
	m, err := h.SuggestMinutes(context.Background(), "x", 3)
	require.NoError(t, err)
	assert.Equal(t, 240, m)

	_, err = h.SuggestMinutes(context.Background(), "x", 1)
	assert.ErrorIs(t, err, ErrNoSuggestion)

	h.Default = 45
	m, err = h.SuggestMinutes(context.Background(), "x", 1)
	require.NoError(t, err)
	assert.Equal(t, 45, m)
}

type fakeModel struct {
	reply  string
	prompt string
}

func (f *fakeModel) GenerateContent(_ context.Context, msgs []llms.MessageContent, _ ...llms.CallOption) (*llms.ContentResponse, error) {
	for _, m := range msgs {
		for _, p := range m.Parts {
			if tc, ok := p.(llms.TextContent); ok {
				f.prompt += tc.Text
			}
		}
	}
	return &llms.ContentResponse{Choices: []*llms.ContentChoice{{Content: f.reply}}}, nil
}

func (f *fakeModel) Call(ctx context.Context, prompt string, opts ...llms.CallOption) (string, error) {
	return llms.GenerateFromSinglePrompt(ctx, f, prompt, opts...)
}

func TestLLMHint(t *testing.T) {
	model := &fakeModel{reply: " 90\n"}
	h := NewLLMHint(model, business.DefaultCatalog())

	m, err := h.SuggestMinutes(context.Background(), "Смоделировать коронку", 2)
	require.NoError(t, err)
	assert.Equal(t, 90, m)
	assert.Contains(t, model.prompt, "Смоделировать коронку")

	model.reply = "не знаю"
	_, err = h.SuggestMinutes(context.Background(), "x", 2)
	assert.ErrorIs(t, err, ErrNoSuggestion)
}

func TestConfig_Validate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())
	assert.Error(t, Config{DefaultMinutes: 60, MinMinutes: 0, MaxMinutes: 480}.Validate())
	assert.Error(t, Config{DefaultMinutes: 500, MinMinutes: 1, MaxMinutes: 480}.Validate())
	assert.Error(t, Config{DefaultMinutes: 60, MinMinutes: 1, MaxMinutes: 600}.Validate(),
		"range wider than the store accepts")
	assert.NoError(t, Config{DefaultMinutes: 30, MinMinutes: 15, MaxMinutes: 240}.Validate())
}

func abs(x float64) float64 {
	if x < 0 {
		return -x
	}
	return x
}
