package tasks

import (
	"context"
	"time"

	"github.com/Zolokon/business-planner-sub000/internal/business"
)

// Store persists tasks.
//
// Implementations never change a task's business id after Create, and
// FindSimilar only ever returns done tasks of the requested business.
type Store interface {
	// Create inserts t as an open task and returns its id.
	Create(ctx context.Context, t *Task) (int64, error)
	Get(ctx context.Context, id int64) (*Task, error)
	// Update changes the editable fields of an open task.
	Update(ctx context.Context, id int64, fields UpdateFields) (*Task, error)
	AttachEmbedding(ctx context.Context, id int64, embedding []float32) error
	// Complete moves an open task to done with the actual duration.
	Complete(ctx context.Context, id int64, actualMinutes int) (*Task, error)
	// Archive moves a done task to archived.
	Archive(ctx context.Context, id int64) (*Task, error)
	RecentTitles(ctx context.Context, limit int) ([]string, error)
	FindSimilar(ctx context.Context, businessID business.ID, embedding []float32, floor float64, limit int) ([]SimilarMatch, error)
	Close() error
}

// UpdateFields lists editable fields; nil means unchanged. Business id and
// status cannot be updated.
type UpdateFields struct {
	Title    *string
	Assignee *string
	Priority *int
	Project  *string
	Deadline *time.Time
}
