package vectorstore

import (
	"context"
	"errors"
	"fmt"
	"regexp"

	"github.com/Zolokon/business-planner-sub000/internal/business"
	"github.com/Zolokon/business-planner-sub000/internal/tasks"
)

var (
	// ErrInvalidConfig indicates invalid index configuration.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrInvalidCollectionName indicates an unsafe collection name.
	ErrInvalidCollectionName = errors.New("invalid collection name")

	// ErrConnectionFailed indicates the remote index is unreachable.
	ErrConnectionFailed = errors.New("connection failed")

	// ErrDimensionMismatch indicates a vector of the wrong size.
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")
)

// Payload keys stored with every point.
const (
	KeyBusinessID    = "business_id"
	KeyTaskID        = "task_id"
	KeyStatus        = "status"
	KeyActualMinutes = "actual_minutes"
	KeyTitle         = "title"
)

// Point is one completed task in the index.
type Point struct {
	TaskID        int64
	BusinessID    business.ID
	Title         string
	Status        tasks.Status
	ActualMinutes int
	Embedding     []float32
}

// Index stores task vectors. Upsert and Query read the business id from ctx
// and fail without it.
type Index interface {
	// Upsert inserts or replaces the point for p.TaskID. p.BusinessID must
	// equal the business id in ctx.
	Upsert(ctx context.Context, p Point) error

	// Query returns up to limit done tasks of the context business, most
	// similar first. Similarity is cosine in [-1, 1].
	Query(ctx context.Context, embedding []float32, limit int) ([]tasks.SimilarMatch, error)

	// Delete removes the point for taskID if present.
	Delete(ctx context.Context, taskID int64) error

	// Count returns the number of stored points.
	Count(ctx context.Context) (int, error)

	Close() error
}

var collectionNamePattern = regexp.MustCompile(`^[a-z0-9_]{1,64}$`)

// ValidateCollectionName checks name against ^[a-z0-9_]{1,64}$.
func ValidateCollectionName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: collection name cannot be empty", ErrInvalidCollectionName)
	}
	if !collectionNamePattern.MatchString(name) {
		return fmt.Errorf("%w: collection name must match pattern ^[a-z0-9_]{1,64}$, got %q", ErrInvalidCollectionName, name)
	}
	return nil
}

// verifyHits re-checks that every hit belongs to expected.
func verifyHits(expected business.ID, hits []tasks.SimilarMatch, where string) error {
	for _, h := range hits {
		if err := business.EnsureSame(expected, h.BusinessID, where); err != nil {
			return err
		}
	}
	return nil
}
