// Package tasks holds the Task model, its lifecycle and the SQLite task store.
package tasks

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/Zolokon/business-planner-sub000/internal/business"
)

// Status is a task lifecycle state.
type Status string

const (
	StatusOpen     Status = "open"
	StatusDone     Status = "done"
	StatusArchived Status = "archived"
)

// Duration bounds shared by the estimator and the completion recorder.
const (
	MinDurationMinutes = 1
	MaxDurationMinutes = 480
)

var (
	ErrNotFound          = errors.New("task not found")
	ErrAlreadyCompleted  = errors.New("task already completed")
	ErrInvalidTransition = errors.New("invalid task status transition")
	ErrInvalidDuration   = errors.New("duration out of range")
	ErrPersistence       = errors.New("task store unavailable")
	ErrInvalidTask       = errors.New("invalid task")
)

var transitions = map[Status][]Status{
	StatusOpen: {StatusDone},
	StatusDone: {StatusArchived},
}

// CanTransition reports whether from -> to is allowed. Archived is terminal.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// CheckTransition returns an error describing why from -> to is refused.
func CheckTransition(from, to Status) error {
	if CanTransition(from, to) {
		return nil
	}
	if from == StatusDone && to == StatusDone {
		return ErrAlreadyCompleted
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}

// ValidDuration reports whether minutes is within the accepted range.
func ValidDuration(minutes int) bool {
	return minutes >= MinDurationMinutes && minutes <= MaxDurationMinutes
}

// Task is a unit of work belonging to exactly one business context.
type Task struct {
	ID                 int64
	BusinessID         business.ID
	Title              string
	Assignee           *string
	Priority           int
	Project            *string
	Deadline           *time.Time
	EstimatedMinutes   *int
	ActualMinutes      *int
	EstimationAccuracy *float64
	Status             Status
	Embedding          []float32
	RequestID          string
	CreatedAt          time.Time
	UpdatedAt          time.Time
	CompletedAt        *time.Time
}

// Validate checks the fields required before a task is persisted.
func (t *Task) Validate() error {
	if !t.BusinessID.Valid() {
		return fmt.Errorf("%w: business id is required", ErrInvalidTask)
	}
	if t.Title == "" {
		return fmt.Errorf("%w: title is required", ErrInvalidTask)
	}
	if t.Priority < 1 || t.Priority > 4 {
		return fmt.Errorf("%w: priority %d out of range 1-4", ErrInvalidTask, t.Priority)
	}
	if t.EstimatedMinutes != nil && !ValidDuration(*t.EstimatedMinutes) {
		return fmt.Errorf("%w: estimate %d", ErrInvalidDuration, *t.EstimatedMinutes)
	}
	return nil
}

// EstimationAccuracy returns 1 - |estimated-actual|/actual clamped to [0, 1].
func EstimationAccuracy(estimated, actual int) float64 {
	if actual <= 0 {
		return 0
	}
	acc := 1 - math.Abs(float64(estimated-actual))/float64(actual)
	return math.Max(0, math.Min(1, acc))
}

// SimilarMatch is a completed task found by similarity search.
type SimilarMatch struct {
	TaskID        int64
	BusinessID    business.ID
	Title         string
	Similarity    float64
	ActualMinutes int
}
