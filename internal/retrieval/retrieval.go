// Package retrieval finds completed tasks similar to a new title, strictly
// within one business context.
package retrieval

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/Zolokon/business-planner-sub000/internal/business"
	"github.com/Zolokon/business-planner-sub000/internal/embeddings"
	"github.com/Zolokon/business-planner-sub000/internal/tasks"
	"github.com/Zolokon/business-planner-sub000/internal/vectorstore"
)

// Defaults used when Config leaves a field zero.
const (
	DefaultFloor = 0.7
	DefaultTopK  = 5
)

var tracer = otel.Tracer("planner.retrieval")

// Source is the vector-search capability of the persistence layer. It must
// return only done tasks of businessID that carry an actual duration.
type Source interface {
	FindSimilar(ctx context.Context, businessID business.ID, embedding []float32, floor float64, limit int) ([]tasks.SimilarMatch, error)
}

// Config holds retrieval knobs.
type Config struct {
	Floor float64
	TopK  int
}

func (c *Config) applyDefaults() {
	if c.Floor == 0 {
		c.Floor = DefaultFloor
	}
	if c.TopK == 0 {
		c.TopK = DefaultTopK
	}
}

// Retriever embeds a title and queries a Source.
type Retriever struct {
	embedder embeddings.Embedder
	source   Source
	config   Config
	logger   *zap.Logger
}

// New creates a Retriever.
func New(embedder embeddings.Embedder, source Source, cfg Config, logger *zap.Logger) (*Retriever, error) {
	if embedder == nil {
		return nil, errors.New("retrieval: embedder is required")
	}
	if source == nil {
		return nil, errors.New("retrieval: source is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.applyDefaults()
	if cfg.Floor < 0 || cfg.Floor > 1 {
		return nil, fmt.Errorf("retrieval: floor %v outside [0, 1]", cfg.Floor)
	}
	if cfg.TopK < 1 {
		return nil, fmt.Errorf("retrieval: top k must be >= 1, got %d", cfg.TopK)
	}
	return &Retriever{embedder: embedder, source: source, config: cfg, logger: logger}, nil
}

// Config returns the effective configuration.
func (r *Retriever) Config() Config { return r.config }

// Retrieve returns up to TopK matches of businessID with similarity at or
// above Floor, most similar first. No matches is an empty slice, not an
// error. A match from another business is an isolation breach and aborts
// with business.ErrIsolationBreach.
func (r *Retriever) Retrieve(ctx context.Context, title string, businessID business.ID) ([]tasks.SimilarMatch, error) {
	ctx, span := tracer.Start(ctx, "retrieval.Retrieve")
	defer span.End()
	span.SetAttributes(attribute.Int("business.id", int(businessID)))

	if !businessID.Valid() {
		err := business.EnsureSame(businessID, businessID, "retrieval.Retrieve")
		span.RecordError(err)
		span.SetStatus(codes.Error, "business id required")
		return nil, err
	}

	embedding, err := r.embedder.EmbedQuery(ctx, title)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("embedding title: %w", err)
	}

	found, err := r.source.FindSimilar(ctx, businessID, embedding, r.config.Floor, r.config.TopK)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if errors.Is(err, business.ErrIsolationBreach) {
			r.logBreach(err, businessID)
		}
		return nil, fmt.Errorf("finding similar tasks: %w", err)
	}

	matches, err := Select(businessID, found, r.config.Floor, r.config.TopK)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "isolation breach")
		r.logBreach(err, businessID)
		return nil, err
	}

	span.SetAttributes(attribute.Int("matches", len(matches)))
	return matches, nil
}

func (r *Retriever) logBreach(err error, expected business.ID) {
	fields := []zap.Field{zap.Int("expected_business_id", int(expected)), zap.Error(err)}
	var breach *business.BreachError
	if errors.As(err, &breach) {
		fields = append(fields, zap.Int("got_business_id", int(breach.Got)), zap.String("where", breach.Where))
	}
	r.logger.Error("business isolation breach in similarity results", fields...)
}

// Select asserts every match belongs to businessID, drops matches below
// floor, sorts by similarity descending and truncates to limit.
func Select(businessID business.ID, found []tasks.SimilarMatch, floor float64, limit int) ([]tasks.SimilarMatch, error) {
	out := make([]tasks.SimilarMatch, 0, len(found))
	for _, m := range found {
		if err := business.EnsureSame(businessID, m.BusinessID, "retrieval.Select"); err != nil {
			return nil, err
		}
		if m.Similarity >= floor {
			out = append(out, m)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Similarity > out[j].Similarity })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// IndexSource adapts a vectorstore.Index to Source.
type IndexSource struct {
	Index vectorstore.Index
}

// FindSimilar scopes the index query to businessID and applies the floor.
func (s IndexSource) FindSimilar(ctx context.Context, businessID business.ID, embedding []float32, floor float64, limit int) ([]tasks.SimilarMatch, error) {
	ctx = vectorstore.ContextWithBusiness(ctx, businessID)
	hits, err := s.Index.Query(ctx, embedding, limit)
	if err != nil {
		return nil, err
	}
	out := hits[:0]
	for _, h := range hits {
		if h.Similarity >= floor {
			out = append(out, h)
		}
	}
	return out, nil
}
