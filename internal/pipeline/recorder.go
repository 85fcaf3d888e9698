package pipeline

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/Zolokon/business-planner-sub000/internal/embeddings"
	"github.com/Zolokon/business-planner-sub000/internal/tasks"
	"github.com/Zolokon/business-planner-sub000/internal/vectorstore"
)

// Recorder is the learning loop: it stores the actual duration of a finished
// task so later retrievals of its business see it.
type Recorder struct {
	store    tasks.Store
	index    vectorstore.Index
	embedder embeddings.Embedder
	logger   *zap.Logger
	metrics  *Metrics
}

// RecorderOption configures a Recorder.
type RecorderOption func(*Recorder)

// WithIndex mirrors completed tasks into index. embedder computes vectors for
// tasks stored without one and may be nil.
func WithIndex(index vectorstore.Index, embedder embeddings.Embedder) RecorderOption {
	return func(r *Recorder) {
		r.index = index
		r.embedder = embedder
	}
}

// WithEmbedder computes vectors for tasks completed without one, so they
// become retrievable whether or not an index is configured.
func WithEmbedder(embedder embeddings.Embedder) RecorderOption {
	return func(r *Recorder) { r.embedder = embedder }
}

// WithRecorderLogger sets the logger.
func WithRecorderLogger(l *zap.Logger) RecorderOption {
	return func(r *Recorder) { r.logger = l }
}

// WithRecorderMetrics sets the instruments.
func WithRecorderMetrics(m *Metrics) RecorderOption {
	return func(r *Recorder) { r.metrics = m }
}

// NewRecorder creates a Recorder over store.
func NewRecorder(store tasks.Store, opts ...RecorderOption) *Recorder {
	r := &Recorder{store: store, logger: zap.NewNop(), metrics: defaultMetrics()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RecordCompletion moves task id from open to done with the actual duration.
// It fails with KindInvalidDuration outside [1, 480] minutes, KindAlreadyCompleted
// when the task is done, KindNotFound for an unknown id and
// KindInvalidTransition for an archived task. A failure to update the vector
// index is logged and not returned.
func (r *Recorder) RecordCompletion(ctx context.Context, id int64, actualMinutes int) (*tasks.Task, error) {
	ctx, span := tracer.Start(ctx, "pipeline.RecordCompletion")
	defer span.End()
	span.SetAttributes(attribute.Int64("task.id", id), attribute.Int("actual_minutes", actualMinutes))

	if !tasks.ValidDuration(actualMinutes) {
		err := &Error{Kind: KindInvalidDuration, Err: fmt.Errorf("%w: %d minutes", tasks.ErrInvalidDuration, actualMinutes)}
		r.metrics.recordCompletion(ctx, string(err.Kind), 0, nil)
		return nil, err
	}

	t, err := r.store.Complete(ctx, id, actualMinutes)
	if err != nil {
		err = completionError(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, string(KindOf(err)))
		r.metrics.recordCompletion(ctx, string(KindOf(err)), 0, nil)
		r.logger.Info("completion rejected", zap.Int64("task_id", id), zap.Error(err))
		return nil, err
	}

	span.SetAttributes(attribute.Int("business.id", int(t.BusinessID)))
	r.metrics.recordCompletion(ctx, "ok", int(t.BusinessID), t.EstimationAccuracy)
	r.backfill(ctx, t)
	r.mirror(ctx, t)
	return t, nil
}

// Archive moves a done task to archived and drops it from the index.
func (r *Recorder) Archive(ctx context.Context, id int64) (*tasks.Task, error) {
	t, err := r.store.Archive(ctx, id)
	if err != nil {
		return nil, completionError(err)
	}
	if r.index != nil {
		if err := r.index.Delete(ctx, id); err != nil {
			r.logger.Warn("removing archived task from index failed", zap.Int64("task_id", id), zap.Error(err))
		}
	}
	return t, nil
}

// backfill stores an embedding for a completed task that has none. Tasks
// created while the embedder was failing would otherwise never match a
// similarity query.
func (r *Recorder) backfill(ctx context.Context, t *tasks.Task) {
	if len(t.Embedding) > 0 || r.embedder == nil {
		return
	}
	vecs, err := r.embedder.EmbedDocuments(ctx, []string{t.Title})
	if err != nil || len(vecs) != 1 {
		r.logger.Warn("embedding completed task failed", zap.Int64("task_id", t.ID), zap.Error(err))
		return
	}
	if err := r.store.AttachEmbedding(ctx, t.ID, vecs[0]); err != nil {
		r.logger.Warn("attaching embedding to completed task failed", zap.Int64("task_id", t.ID), zap.Error(err))
		return
	}
	t.Embedding = vecs[0]
}

func (r *Recorder) mirror(ctx context.Context, t *tasks.Task) {
	if r.index == nil || t.ActualMinutes == nil {
		return
	}
	emb := t.Embedding
	if len(emb) == 0 {
		r.logger.Warn("completed task has no embedding, not indexed", zap.Int64("task_id", t.ID))
		return
	}

	err := r.index.Upsert(vectorstore.ContextWithBusiness(ctx, t.BusinessID), vectorstore.Point{
		TaskID:        t.ID,
		BusinessID:    t.BusinessID,
		Title:         t.Title,
		Status:        t.Status,
		ActualMinutes: *t.ActualMinutes,
		Embedding:     emb,
	})
	if err != nil {
		r.logger.Warn("indexing completed task failed",
			zap.Int64("task_id", t.ID),
			zap.Int("business_id", int(t.BusinessID)),
			zap.Error(err))
	}
}
