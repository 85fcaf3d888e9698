// Package extraction turns a free-form Russian request into a structured
// task candidate. It supports an LLM-backed extractor and a deterministic
// heuristic extractor used offline and in tests.
package extraction

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/Zolokon/business-planner-sub000/internal/business"
)

// ErrExtractionFailed is returned when text cannot be turned into a valid
// candidate. Extraction is never retried.
var ErrExtractionFailed = errors.New("extraction failed")

// Priority levels.
const (
	PriorityHigh     = 1
	PriorityNormal   = 2
	PriorityLow      = 3
	PriorityDeferred = 4
)

// Candidate is the structured reading of a request. BusinessID is only the
// extractor's suggestion; the resolver makes the final decision.
type Candidate struct {
	Title          string       `json:"title"`
	BusinessID     *business.ID `json:"business_id,omitempty"`
	DeadlinePhrase string       `json:"deadline,omitempty"`
	Project        *string      `json:"project,omitempty"`
	Assignee       *string      `json:"assigned_to,omitempty"`
	Priority       int          `json:"priority"`
	Description    *string      `json:"description,omitempty"`
}

// Hints is context offered to an extractor alongside the text.
type Hints struct {
	Members      []string
	Contexts     []business.Context
	RecentTitles []string
	// Now anchors relative dates in model prompts. Zero means time.Now.
	Now time.Time
}

// TextExtractor extracts a task candidate from text.
type TextExtractor interface {
	Extract(ctx context.Context, text string, hints Hints) (Candidate, error)
}

// checkText rejects input no extractor can work with: empty text and text
// without a single Cyrillic letter.
func checkText(text string) error {
	if strings.TrimSpace(text) == "" {
		return errorf("empty text")
	}
	for _, r := range text {
		if unicode.Is(unicode.Cyrillic, r) {
			return nil
		}
	}
	return errorf("text is not in Russian")
}

func errorf(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrExtractionFailed}, args...)...)
}

// ValidPriority reports whether p is a known priority level.
func ValidPriority(p int) bool {
	return p >= PriorityHigh && p <= PriorityDeferred
}

func strPtr(s string) *string { return &s }
