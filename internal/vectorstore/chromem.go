package vectorstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	chromem "github.com/philippgille/chromem-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/Zolokon/business-planner-sub000/internal/business"
	"github.com/Zolokon/business-planner-sub000/internal/tasks"
)

var tracer = otel.Tracer("planner.vectorstore")

// ChromemConfig holds configuration for the embedded chromem-go index.
type ChromemConfig struct {
	// Path is the directory for persistent storage. Empty keeps the index
	// in memory only.
	Path string

	// Compress enables gzip compression of persisted documents.
	Compress bool

	// Collection defaults to "planner_tasks".
	Collection string

	// VectorSize must match the embedding provider's dimension.
	VectorSize int
}

// ApplyDefaults sets default values for unset fields.
func (c *ChromemConfig) ApplyDefaults() {
	if c.Collection == "" {
		c.Collection = "planner_tasks"
	}
	if c.VectorSize == 0 {
		c.VectorSize = 384
	}
}

// Validate validates the configuration.
func (c *ChromemConfig) Validate() error {
	if c.VectorSize <= 0 {
		return fmt.Errorf("%w: vector size must be positive", ErrInvalidConfig)
	}
	return ValidateCollectionName(c.Collection)
}

var errTextQuery = errors.New("chromem index accepts precomputed embeddings only")

// ChromemIndex implements Index on chromem-go.
type ChromemIndex struct {
	db         *chromem.DB
	collection *chromem.Collection
	config     ChromemConfig
	isolation  IsolationMode
	logger     *zap.Logger
}

// NewChromemIndex opens or creates the index described by config.
func NewChromemIndex(config ChromemConfig, logger *zap.Logger) (*ChromemIndex, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	config.ApplyDefaults()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	var db *chromem.DB
	if config.Path == "" {
		db = chromem.NewDB()
	} else {
		if err := os.MkdirAll(config.Path, 0o700); err != nil {
			return nil, fmt.Errorf("creating directory %s: %w", config.Path, err)
		}
		var err error
		db, err = chromem.NewPersistentDB(config.Path, config.Compress)
		if err != nil {
			return nil, fmt.Errorf("creating chromem DB: %w", err)
		}
	}

	embed := func(context.Context, string) ([]float32, error) { return nil, errTextQuery }
	collection, err := db.GetOrCreateCollection(config.Collection, nil, embed)
	if err != nil {
		return nil, fmt.Errorf("getting/creating collection %s: %w", config.Collection, err)
	}

	logger.Info("chromem index initialized",
		zap.String("path", config.Path),
		zap.Bool("compress", config.Compress),
		zap.Int("vector_size", config.VectorSize),
		zap.String("collection", config.Collection),
		zap.Int("points", collection.Count()),
	)

	return &ChromemIndex{
		db:         db,
		collection: collection,
		config:     config,
		isolation:  NewPayloadIsolation(),
		logger:     logger,
	}, nil
}

// Upsert stores p under its task id.
func (s *ChromemIndex) Upsert(ctx context.Context, p Point) error {
	ctx, span := tracer.Start(ctx, "ChromemIndex.Upsert")
	defer span.End()
	start := time.Now()

	if err := s.isolation.InjectMetadata(ctx, &p); err != nil {
		recordOp("chromem", "upsert", start, err)
		return err
	}
	if len(p.Embedding) != s.config.VectorSize {
		err := fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, len(p.Embedding), s.config.VectorSize)
		recordOp("chromem", "upsert", start, err)
		return err
	}
	span.SetAttributes(attribute.Int64("task.id", p.TaskID), attribute.Int("business.id", int(p.BusinessID)))

	doc := chromem.Document{
		ID: strconv.FormatInt(p.TaskID, 10),
		Metadata: map[string]string{
			KeyTaskID:        strconv.FormatInt(p.TaskID, 10),
			KeyBusinessID:    strconv.Itoa(int(p.BusinessID)),
			KeyStatus:        string(p.Status),
			KeyActualMinutes: strconv.Itoa(p.ActualMinutes),
		},
		Embedding: p.Embedding,
		Content:   p.Title,
	}
	if err := s.collection.AddDocument(ctx, doc); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		recordOp("chromem", "upsert", start, err)
		return fmt.Errorf("adding document %s: %w", doc.ID, err)
	}
	recordOp("chromem", "upsert", start, nil)
	return nil
}

// Query returns the most similar done tasks of the context business.
func (s *ChromemIndex) Query(ctx context.Context, embedding []float32, limit int) ([]tasks.SimilarMatch, error) {
	ctx, span := tracer.Start(ctx, "ChromemIndex.Query")
	defer span.End()
	start := time.Now()

	where, err := s.isolation.InjectFilter(ctx, map[string]string{KeyStatus: string(tasks.StatusDone)})
	if err != nil {
		recordOp("chromem", "query", start, err)
		return nil, err
	}
	expected, _ := BusinessFromContext(ctx)
	span.SetAttributes(attribute.Int("business.id", int(expected)), attribute.Int("limit", limit))

	if len(embedding) != s.config.VectorSize {
		err := fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, len(embedding), s.config.VectorSize)
		recordOp("chromem", "query", start, err)
		return nil, err
	}

	// chromem rejects nResults above the collection size.
	count := s.collection.Count()
	if count == 0 || limit <= 0 {
		recordOp("chromem", "query", start, nil)
		return []tasks.SimilarMatch{}, nil
	}
	if limit > count {
		limit = count
	}

	results, err := s.collection.QueryEmbedding(ctx, embedding, limit, where, nil)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		recordOp("chromem", "query", start, err)
		return nil, fmt.Errorf("querying collection %s: %w", s.config.Collection, err)
	}

	hits := make([]tasks.SimilarMatch, 0, len(results))
	for _, r := range results {
		hit, err := matchFromMetadata(r.Metadata)
		if err != nil {
			s.logger.Warn("skipping malformed index document", zap.String("id", r.ID), zap.Error(err))
			continue
		}
		hit.Title = r.Content
		hit.Similarity = float64(r.Similarity)
		hits = append(hits, hit)
	}
	if err := verifyHits(expected, hits, "vectorstore.ChromemIndex.Query"); err != nil {
		recordOp("chromem", "query", start, err)
		return nil, err
	}

	span.SetAttributes(attribute.Int("results_count", len(hits)))
	recordOp("chromem", "query", start, nil)
	return hits, nil
}

// Delete removes the point for taskID.
func (s *ChromemIndex) Delete(ctx context.Context, taskID int64) error {
	start := time.Now()
	err := s.collection.Delete(ctx, nil, nil, strconv.FormatInt(taskID, 10))
	recordOp("chromem", "delete", start, err)
	if err != nil {
		return fmt.Errorf("deleting document %d: %w", taskID, err)
	}
	return nil
}

func (s *ChromemIndex) Count(context.Context) (int, error) {
	return s.collection.Count(), nil
}

// Close is a no-op; chromem persists on every write.
func (s *ChromemIndex) Close() error {
	return nil
}

func matchFromMetadata(meta map[string]string) (tasks.SimilarMatch, error) {
	taskID, err := strconv.ParseInt(meta[KeyTaskID], 10, 64)
	if err != nil {
		return tasks.SimilarMatch{}, fmt.Errorf("task_id: %w", err)
	}
	bid, err := strconv.Atoi(meta[KeyBusinessID])
	if err != nil {
		return tasks.SimilarMatch{}, fmt.Errorf("business_id: %w", err)
	}
	actual, err := strconv.Atoi(meta[KeyActualMinutes])
	if err != nil {
		return tasks.SimilarMatch{}, fmt.Errorf("actual_minutes: %w", err)
	}
	return tasks.SimilarMatch{
		TaskID:        taskID,
		BusinessID:    business.ID(bid),
		ActualMinutes: actual,
	}, nil
}

var _ Index = (*ChromemIndex)(nil)
