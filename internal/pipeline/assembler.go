package pipeline

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/Zolokon/business-planner-sub000/internal/business"
	"github.com/Zolokon/business-planner-sub000/internal/embeddings"
	"github.com/Zolokon/business-planner-sub000/internal/tasks"
)

// Assembler turns a populated State into a stored task.
type Assembler struct {
	store    tasks.Store
	embedder embeddings.Embedder
	logger   *zap.Logger
}

// NewAssembler creates an Assembler. A nil embedder skips embedding attach.
func NewAssembler(store tasks.Store, embedder embeddings.Embedder, logger *zap.Logger) *Assembler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Assembler{store: store, embedder: embedder, logger: logger}
}

// Persist stores an open task built from st. Nothing is written when any
// retrieved match belongs to another business. The stored row is read back
// and its business id compared with the resolved one.
func (a *Assembler) Persist(ctx context.Context, st State) (State, error) {
	for _, m := range st.Similar {
		if err := business.EnsureSame(st.BusinessID, m.BusinessID, "pipeline.assemble"); err != nil {
			return st, err
		}
	}
	t := &tasks.Task{
		BusinessID:       st.BusinessID,
		Title:            st.Candidate.Title,
		Assignee:         st.Assignee,
		Priority:         st.Priority,
		Project:          st.Project,
		Deadline:         st.Deadline,
		EstimatedMinutes: st.EstimatedMinutes,
		Status:           tasks.StatusOpen,
		RequestID:        st.RequestID,
	}
	id, err := a.store.Create(ctx, t)
	if err != nil {
		return st, fmt.Errorf("persisting task: %w", err)
	}
	stored, err := a.store.Get(ctx, id)
	if err != nil {
		return st, fmt.Errorf("reading back task %d: %w", id, err)
	}
	if err := business.EnsureSame(st.BusinessID, stored.BusinessID, "pipeline.assemble"); err != nil {
		a.logger.Error("stored task carries another business",
			zap.Int64("task_id", id),
			zap.Int("business_id", int(st.BusinessID)),
			zap.Int("stored_business_id", int(stored.BusinessID)))
		return st, err
	}
	st.Task = t
	return st, nil
}

// AttachEmbedding computes and stores the document embedding of t. The task
// already exists, so callers treat a failure as a warning.
func (a *Assembler) AttachEmbedding(ctx context.Context, t *tasks.Task) error {
	if a.embedder == nil {
		return nil
	}
	vecs, err := a.embedder.EmbedDocuments(ctx, []string{t.Title})
	if err != nil {
		return fmt.Errorf("embedding task %d: %w", t.ID, err)
	}
	if len(vecs) != 1 || len(vecs[0]) == 0 {
		return errors.New("embedder returned no vector")
	}
	if err := a.store.AttachEmbedding(ctx, t.ID, vecs[0]); err != nil {
		return fmt.Errorf("attaching embedding to task %d: %w", t.ID, err)
	}
	t.Embedding = vecs[0]
	return nil
}
