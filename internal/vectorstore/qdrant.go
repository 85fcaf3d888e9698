package vectorstore

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/qdrant/go-client/qdrant"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	grpccodes "google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/Zolokon/business-planner-sub000/internal/business"
	"github.com/Zolokon/business-planner-sub000/internal/tasks"
)

// QdrantConfig holds configuration for the Qdrant index.
type QdrantConfig struct {
	Host           string
	Port           int
	UseTLS         bool
	Collection     string
	VectorSize     int
	MaxRetries     int
	RetryBackoff   time.Duration
	MaxMessageSize int
}

// ApplyDefaults sets default values for unset fields.
func (c *QdrantConfig) ApplyDefaults() {
	if c.Host == "" {
		c.Host = "localhost"
	}
	if c.Port == 0 {
		c.Port = 6334
	}
	if c.Collection == "" {
		c.Collection = "planner_tasks"
	}
	if c.VectorSize == 0 {
		c.VectorSize = 384
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.RetryBackoff == 0 {
		c.RetryBackoff = 200 * time.Millisecond
	}
	if c.MaxMessageSize == 0 {
		c.MaxMessageSize = 16 * 1024 * 1024
	}
}

// Validate validates the configuration.
func (c QdrantConfig) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("%w: host required", ErrInvalidConfig)
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("%w: invalid port %d", ErrInvalidConfig, c.Port)
	}
	if c.VectorSize <= 0 {
		return fmt.Errorf("%w: vector size must be positive", ErrInvalidConfig)
	}
	return ValidateCollectionName(c.Collection)
}

// IsTransientError checks if an error is transient (should retry).
func IsTransientError(err error) bool {
	if err == nil {
		return false
	}
	st, ok := status.FromError(err)
	if !ok {
		return false
	}
	switch st.Code() {
	case grpccodes.Unavailable, grpccodes.DeadlineExceeded, grpccodes.Aborted, grpccodes.ResourceExhausted:
		return true
	default:
		return false
	}
}

// QdrantIndex implements Index on Qdrant's gRPC API. All businesses share one
// collection; business_id is an indexed integer payload field.
type QdrantIndex struct {
	client    *qdrant.Client
	config    QdrantConfig
	isolation IsolationMode
	logger    *zap.Logger
}

// NewQdrantIndex connects, health-checks and creates the collection if it
// does not exist.
func NewQdrantIndex(ctx context.Context, config QdrantConfig, logger *zap.Logger) (*QdrantIndex, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	config.ApplyDefaults()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	if !config.UseTLS {
		logger.Warn("qdrant gRPC using plaintext (TLS disabled)", zap.String("host", config.Host))
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   config.Host,
		Port:   config.Port,
		UseTLS: config.UseTLS,
		GrpcOptions: []grpc.DialOption{
			grpc.WithDefaultCallOptions(
				grpc.MaxCallRecvMsgSize(config.MaxMessageSize),
				grpc.MaxCallSendMsgSize(config.MaxMessageSize),
			),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}

	idx := &QdrantIndex{
		client:    client,
		config:    config,
		isolation: NewPayloadIsolation(),
		logger:    logger,
	}

	hctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := client.HealthCheck(hctx); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("%w: health check: %v", ErrConnectionFailed, err)
	}
	if err := idx.ensureCollection(ctx); err != nil {
		_ = client.Close()
		return nil, err
	}

	logger.Info("qdrant index initialized",
		zap.String("host", config.Host),
		zap.Int("port", config.Port),
		zap.String("collection", config.Collection),
		zap.Int("vector_size", config.VectorSize),
	)
	return idx, nil
}

func (s *QdrantIndex) ensureCollection(ctx context.Context) error {
	var exists bool
	err := s.retryOperation(ctx, "collection_exists", func() error {
		var err error
		exists, err = s.client.CollectionExists(ctx, s.config.Collection)
		return err
	})
	if err != nil {
		return fmt.Errorf("checking collection %s: %w", s.config.Collection, err)
	}
	if exists {
		return nil
	}

	err = s.retryOperation(ctx, "create_collection", func() error {
		return s.client.CreateCollection(ctx, &qdrant.CreateCollection{
			CollectionName: s.config.Collection,
			VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
				Size:     uint64(s.config.VectorSize),
				Distance: qdrant.Distance_Cosine,
			}),
		})
	})
	if err != nil {
		return fmt.Errorf("creating collection %s: %w", s.config.Collection, err)
	}

	_, err = s.client.CreateFieldIndex(ctx, &qdrant.CreateFieldIndexCollection{
		CollectionName: s.config.Collection,
		FieldName:      KeyBusinessID,
		FieldType:      qdrant.FieldType_FieldTypeInteger.Enum(),
	})
	if err != nil {
		return fmt.Errorf("indexing %s: %w", KeyBusinessID, err)
	}
	return nil
}

func (s *QdrantIndex) retryOperation(ctx context.Context, operationName string, operation func() error) error {
	backoff := s.config.RetryBackoff
	for attempt := 0; ; attempt++ {
		err := operation()
		if err == nil {
			return nil
		}
		if !IsTransientError(err) {
			return fmt.Errorf("%s failed (permanent): %w", operationName, err)
		}
		if attempt == s.config.MaxRetries {
			return fmt.Errorf("%s failed after %d retries: %w", operationName, s.config.MaxRetries, err)
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%s canceled: %w", operationName, ctx.Err())
		case <-time.After(backoff):
			backoff *= 2
		}
	}
}

// Upsert stores p under its task id.
func (s *QdrantIndex) Upsert(ctx context.Context, p Point) error {
	ctx, span := tracer.Start(ctx, "QdrantIndex.Upsert")
	defer span.End()
	start := time.Now()

	if err := s.isolation.InjectMetadata(ctx, &p); err != nil {
		recordOp("qdrant", "upsert", start, err)
		return err
	}
	if len(p.Embedding) != s.config.VectorSize {
		err := fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, len(p.Embedding), s.config.VectorSize)
		recordOp("qdrant", "upsert", start, err)
		return err
	}
	span.SetAttributes(attribute.Int64("task.id", p.TaskID), attribute.Int("business.id", int(p.BusinessID)))

	point := &qdrant.PointStruct{
		Id:      qdrant.NewIDNum(uint64(p.TaskID)),
		Vectors: qdrant.NewVectors(p.Embedding...),
		Payload: pointPayload(p),
	}
	err := s.retryOperation(ctx, "upsert", func() error {
		_, err := s.client.Upsert(ctx, &qdrant.UpsertPoints{
			CollectionName: s.config.Collection,
			Wait:           qdrant.PtrOf(true),
			Points:         []*qdrant.PointStruct{point},
		})
		return err
	})
	recordOp("qdrant", "upsert", start, err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("upserting task %d: %w", p.TaskID, err)
	}
	return nil
}

// Query returns the most similar done tasks of the context business.
func (s *QdrantIndex) Query(ctx context.Context, embedding []float32, limit int) ([]tasks.SimilarMatch, error) {
	ctx, span := tracer.Start(ctx, "QdrantIndex.Query")
	defer span.End()
	start := time.Now()

	where, err := s.isolation.InjectFilter(ctx, map[string]string{KeyStatus: string(tasks.StatusDone)})
	if err != nil {
		recordOp("qdrant", "query", start, err)
		return nil, err
	}
	expected, _ := BusinessFromContext(ctx)
	span.SetAttributes(attribute.Int("business.id", int(expected)), attribute.Int("limit", limit))

	if len(embedding) != s.config.VectorSize {
		err := fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, len(embedding), s.config.VectorSize)
		recordOp("qdrant", "query", start, err)
		return nil, err
	}
	if limit <= 0 {
		return []tasks.SimilarMatch{}, nil
	}

	var points []*qdrant.ScoredPoint
	err = s.retryOperation(ctx, "query", func() error {
		res, err := s.client.Query(ctx, &qdrant.QueryPoints{
			CollectionName: s.config.Collection,
			Query:          qdrant.NewQuery(embedding...),
			Limit:          qdrant.PtrOf(uint64(limit)),
			WithPayload:    qdrant.NewWithPayload(true),
			Filter:         buildFilter(where),
		})
		if err != nil {
			return err
		}
		points = res
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		recordOp("qdrant", "query", start, err)
		return nil, fmt.Errorf("searching collection %s: %w", s.config.Collection, err)
	}

	hits := make([]tasks.SimilarMatch, 0, len(points))
	for _, p := range points {
		hit, err := matchFromPayload(p.Payload)
		if err != nil {
			s.logger.Warn("skipping malformed qdrant point", zap.Error(err))
			continue
		}
		hit.Similarity = float64(p.Score)
		hits = append(hits, hit)
	}
	if err := verifyHits(expected, hits, "vectorstore.QdrantIndex.Query"); err != nil {
		recordOp("qdrant", "query", start, err)
		return nil, err
	}

	span.SetAttributes(attribute.Int("results_count", len(hits)))
	recordOp("qdrant", "query", start, nil)
	return hits, nil
}

// Delete removes the point for taskID.
func (s *QdrantIndex) Delete(ctx context.Context, taskID int64) error {
	start := time.Now()
	err := s.retryOperation(ctx, "delete", func() error {
		_, err := s.client.Delete(ctx, &qdrant.DeletePoints{
			CollectionName: s.config.Collection,
			Points:         qdrant.NewPointsSelector(qdrant.NewIDNum(uint64(taskID))),
		})
		return err
	})
	recordOp("qdrant", "delete", start, err)
	if err != nil {
		return fmt.Errorf("deleting task %d: %w", taskID, err)
	}
	return nil
}

// Count returns the exact number of points in the collection.
func (s *QdrantIndex) Count(ctx context.Context) (int, error) {
	n, err := s.client.Count(ctx, &qdrant.CountPoints{
		CollectionName: s.config.Collection,
		Exact:          qdrant.PtrOf(true),
	})
	if err != nil {
		return 0, fmt.Errorf("counting %s: %w", s.config.Collection, err)
	}
	return int(n), nil
}

// Close closes the gRPC connection.
func (s *QdrantIndex) Close() error {
	if s.client != nil {
		return s.client.Close()
	}
	return nil
}

func pointPayload(p Point) map[string]*qdrant.Value {
	return map[string]*qdrant.Value{
		KeyTaskID:        {Kind: &qdrant.Value_IntegerValue{IntegerValue: p.TaskID}},
		KeyBusinessID:    {Kind: &qdrant.Value_IntegerValue{IntegerValue: int64(p.BusinessID)}},
		KeyStatus:        {Kind: &qdrant.Value_StringValue{StringValue: string(p.Status)}},
		KeyActualMinutes: {Kind: &qdrant.Value_IntegerValue{IntegerValue: int64(p.ActualMinutes)}},
		KeyTitle:         {Kind: &qdrant.Value_StringValue{StringValue: p.Title}},
	}
}

// buildFilter turns string filters into Qdrant conditions. business_id is
// matched as an integer, every other key as a keyword.
func buildFilter(where map[string]string) *qdrant.Filter {
	if len(where) == 0 {
		return nil
	}
	keys := make([]string, 0, len(where))
	for k := range where {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	conditions := make([]*qdrant.Condition, 0, len(keys))
	for _, key := range keys {
		match := &qdrant.Match{MatchValue: &qdrant.Match_Keyword{Keyword: where[key]}}
		if key == KeyBusinessID {
			if n, err := strconv.ParseInt(where[key], 10, 64); err == nil {
				match = &qdrant.Match{MatchValue: &qdrant.Match_Integer{Integer: n}}
			}
		}
		conditions = append(conditions, &qdrant.Condition{
			ConditionOneOf: &qdrant.Condition_Field{
				Field: &qdrant.FieldCondition{Key: key, Match: match},
			},
		})
	}
	return &qdrant.Filter{Must: conditions}
}

func matchFromPayload(payload map[string]*qdrant.Value) (tasks.SimilarMatch, error) {
	var m tasks.SimilarMatch
	taskID, ok := payload[KeyTaskID].GetKind().(*qdrant.Value_IntegerValue)
	if !ok {
		return m, fmt.Errorf("payload missing %s", KeyTaskID)
	}
	bid, ok := payload[KeyBusinessID].GetKind().(*qdrant.Value_IntegerValue)
	if !ok {
		return m, fmt.Errorf("payload missing %s", KeyBusinessID)
	}
	actual, ok := payload[KeyActualMinutes].GetKind().(*qdrant.Value_IntegerValue)
	if !ok {
		return m, fmt.Errorf("payload missing %s", KeyActualMinutes)
	}
	m.TaskID = taskID.IntegerValue
	m.BusinessID = business.ID(bid.IntegerValue)
	m.ActualMinutes = int(actual.IntegerValue)
	if title, ok := payload[KeyTitle].GetKind().(*qdrant.Value_StringValue); ok {
		m.Title = title.StringValue
	}
	return m, nil
}

var _ Index = (*QdrantIndex)(nil)
