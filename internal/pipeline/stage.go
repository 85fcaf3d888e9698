package pipeline

import "fmt"

// Stage names one step of a pipeline run.
type Stage string

const (
	// StageStart is the state before any stage ran.
	StageStart Stage = "start"

	StageTranscribe Stage = "transcribe"
	StageExtract    Stage = "extract"
	StageResolve    Stage = "resolve"
	StageDeadline   Stage = "deadline"
	StageRetrieve   Stage = "retrieve"
	StageEstimate   Stage = "estimate"
	StageAssemble   Stage = "assemble"
	StageFormat     Stage = "format"

	// StageDone is terminal.
	StageDone Stage = "done"
)

// AllStages returns the working stages in execution order.
func AllStages() []Stage {
	return []Stage{
		StageTranscribe, StageExtract, StageResolve, StageDeadline,
		StageRetrieve, StageEstimate, StageAssemble, StageFormat,
	}
}

// transitions lists the stages allowed to follow each stage. Text input
// starts at extraction.
var transitions = map[Stage][]Stage{
	StageStart:      {StageTranscribe, StageExtract},
	StageTranscribe: {StageExtract},
	StageExtract:    {StageResolve},
	StageResolve:    {StageDeadline},
	StageDeadline:   {StageRetrieve},
	StageRetrieve:   {StageEstimate},
	StageEstimate:   {StageAssemble},
	StageAssemble:   {StageFormat},
	StageFormat:     {StageDone},
}

// CanTransition returns an error unless next may follow current.
func CanTransition(current, next Stage) error {
	allowed, ok := transitions[current]
	if !ok {
		return fmt.Errorf("invalid current stage: %s", current)
	}
	for _, s := range allowed {
		if s == next {
			return nil
		}
	}
	return fmt.Errorf("cannot transition from %s to %s", current, next)
}

// nextStage returns the stage following current for st.
func nextStage(current Stage, st State) Stage {
	if current == StageStart {
		if st.Input.IsAudio() {
			return StageTranscribe
		}
		return StageExtract
	}
	if allowed := transitions[current]; len(allowed) > 0 {
		return allowed[0]
	}
	return StageDone
}

// StageStatus is the outcome of one stage.
type StageStatus string

const (
	StatusInProgress StageStatus = "in_progress"
	StatusCompleted  StageStatus = "completed"
	StatusFailed     StageStatus = "failed"
)

// StageProgress reports progress during a run.
type StageProgress struct {
	RequestID string      `json:"request_id"`
	Stage     Stage       `json:"stage"`
	Status    StageStatus `json:"status"`
}

// ProgressCallback receives progress updates during a run.
type ProgressCallback func(progress StageProgress)
