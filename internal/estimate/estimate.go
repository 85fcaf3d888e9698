// Package estimate turns similar completed tasks into a duration estimate.
package estimate

import (
	"context"
	"fmt"
	"math"

	"go.uber.org/zap"

	"github.com/Zolokon/business-planner-sub000/internal/business"
	"github.com/Zolokon/business-planner-sub000/internal/tasks"
)

// Confidence is the reliability tier of an estimate.
type Confidence string

const (
	ConfidenceNone   Confidence = "none"
	ConfidenceLow    Confidence = "low"
	ConfidenceMedium Confidence = "medium"
	ConfidenceHigh   Confidence = "high"
)

// HighConfidenceMatches is the match count from which an estimate is high
// confidence.
const HighConfidenceMatches = 3

// Source tells where an estimate came from.
type Source string

const (
	SourceHistory Source = "history"
	SourceDefault Source = "default"
	SourceHint    Source = "hint"
)

// Estimate is the estimator output.
type Estimate struct {
	Minutes    int
	Confidence Confidence
	Source     Source
	Matches    int
}

// Config holds estimator bounds.
type Config struct {
	DefaultMinutes int
	MinMinutes     int
	MaxMinutes     int
	// UseHint enables the capacity hint for titles without history.
	UseHint bool
}

// DefaultConfig returns 60 minutes default within [1, 480].
func DefaultConfig() Config {
	return Config{
		DefaultMinutes: 60,
		MinMinutes:     tasks.MinDurationMinutes,
		MaxMinutes:     tasks.MaxDurationMinutes,
	}
}

// Validate validates the configuration. The range must lie within the
// durations the task store accepts.
func (c Config) Validate() error {
	if c.MinMinutes < tasks.MinDurationMinutes || c.MaxMinutes > tasks.MaxDurationMinutes || c.MaxMinutes < c.MinMinutes {
		return fmt.Errorf("invalid duration range [%d, %d]", c.MinMinutes, c.MaxMinutes)
	}
	if c.DefaultMinutes < c.MinMinutes || c.DefaultMinutes > c.MaxMinutes {
		return fmt.Errorf("default %d outside [%d, %d]", c.DefaultMinutes, c.MinMinutes, c.MaxMinutes)
	}
	return nil
}

// Estimator computes duration estimates.
type Estimator struct {
	config Config
	hint   CapacityEstimatorHint
	logger *zap.Logger
}

// Option configures an Estimator.
type Option func(*Estimator)

// WithHint sets the capacity hint consulted when Config.UseHint is true.
func WithHint(h CapacityEstimatorHint) Option {
	return func(e *Estimator) { e.hint = h }
}

// WithLogger sets the estimator logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Estimator) {
		if l != nil {
			e.logger = l
		}
	}
}

// New creates an Estimator.
func New(cfg Config, opts ...Option) (*Estimator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	e := &Estimator{config: cfg, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Estimate never fails. Zero matches give the default at low confidence, or
// the capacity hint's minutes when Config.UseHint is set; one
// or two give the similarity-weighted mean at medium confidence; three or
// more give it at high confidence. A value outside the configured range
// falls back to the default.
func (e *Estimator) Estimate(ctx context.Context, title string, businessID business.ID, matches []tasks.SimilarMatch) Estimate {
	if len(matches) == 0 {
		return e.withoutHistory(ctx, title, businessID)
	}

	confidence := ConfidenceMedium
	if len(matches) >= HighConfidenceMatches {
		confidence = ConfidenceHigh
	}

	minutes := int(math.Round(WeightedMean(matches)))
	if !e.inRange(minutes) {
		e.logger.Warn("estimate out of range, using default",
			zap.Int("computed_minutes", minutes),
			zap.Int("matches", len(matches)),
		)
		return Estimate{Minutes: e.config.DefaultMinutes, Confidence: ConfidenceLow, Source: SourceDefault, Matches: len(matches)}
	}
	return Estimate{Minutes: minutes, Confidence: confidence, Source: SourceHistory, Matches: len(matches)}
}

func (e *Estimator) withoutHistory(ctx context.Context, title string, businessID business.ID) Estimate {
	fallback := Estimate{Minutes: e.config.DefaultMinutes, Confidence: ConfidenceLow, Source: SourceDefault}
	if !e.config.UseHint || e.hint == nil {
		return fallback
	}

	minutes, err := e.hint.SuggestMinutes(ctx, title, businessID)
	if err != nil {
		e.logger.Warn("capacity hint failed, using default", zap.Error(err))
		return fallback
	}
	if !e.inRange(minutes) {
		e.logger.Warn("capacity hint out of range, using default", zap.Int("hint_minutes", minutes))
		return fallback
	}
	return Estimate{Minutes: minutes, Confidence: ConfidenceLow, Source: SourceHint}
}

func (e *Estimator) inRange(minutes int) bool {
	return minutes >= e.config.MinMinutes && minutes <= e.config.MaxMinutes
}

// WeightedMean returns the similarity-weighted mean of actual durations. When
// every weight is zero or negative it falls back to the plain mean.
func WeightedMean(matches []tasks.SimilarMatch) float64 {
	if len(matches) == 0 {
		return 0
	}
	var sum, weights, plain float64
	for _, m := range matches {
		w := math.Max(0, m.Similarity)
		sum += w * float64(m.ActualMinutes)
		weights += w
		plain += float64(m.ActualMinutes)
	}
	if weights == 0 {
		return plain / float64(len(matches))
	}
	return sum / weights
}
