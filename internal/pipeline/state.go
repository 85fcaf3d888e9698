package pipeline

import (
	"time"

	"github.com/Zolokon/business-planner-sub000/internal/business"
	"github.com/Zolokon/business-planner-sub000/internal/estimate"
	"github.com/Zolokon/business-planner-sub000/internal/extraction"
	"github.com/Zolokon/business-planner-sub000/internal/tasks"
)

// Input is one incoming request. A non-nil Audio selects the voice path,
// even when empty; otherwise Text is used.
type Input struct {
	Audio []byte
	Text  string
	// DefaultBusiness is used when nothing in the text identifies a context.
	DefaultBusiness *business.ID
	// RequestID identifies the request for tracing and caller-side
	// idempotency. A random id is generated when empty.
	RequestID string
}

// IsAudio reports whether the input is a voice message.
func (in Input) IsAudio() bool { return in.Audio != nil }

// State is the data accumulated by a run. It is passed by value: every stage
// receives a copy and returns an updated copy.
type State struct {
	RequestID string
	Input     Input
	Stage     Stage

	Transcript string
	Candidate  extraction.Candidate

	// BusinessID is zero until resolved and never changes afterwards.
	BusinessID business.ID
	Signal     business.Signal

	DeadlinePhrase string
	Deadline       *time.Time
	Priority       int
	Assignee       *string
	Project        *string

	Similar          []tasks.SimilarMatch
	EstimatedMinutes *int
	Confidence       estimate.Confidence
	EstimateSource   estimate.Source

	Task     *tasks.Task
	Response string
}

func newState(in Input, requestID string) State {
	return State{
		RequestID:  requestID,
		Input:      in,
		Stage:      StageStart,
		Priority:   extraction.PriorityNormal,
		Confidence: estimate.ConfidenceNone,
	}
}

// Text returns the text the run works on: the transcript for voice input.
func (s State) Text() string {
	if s.Input.IsAudio() {
		return s.Transcript
	}
	return s.Input.Text
}

// WithBusiness returns a copy of s bound to id. Once bound, asking for any
// other id is an isolation breach.
func (s State) WithBusiness(id business.ID) (State, error) {
	if s.BusinessID.Valid() {
		return s, business.EnsureSame(s.BusinessID, id, "pipeline.state")
	}
	s.BusinessID = id
	return s, nil
}
