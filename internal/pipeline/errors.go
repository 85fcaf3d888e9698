package pipeline

import (
	"errors"
	"fmt"

	"github.com/Zolokon/business-planner-sub000/internal/business"
	"github.com/Zolokon/business-planner-sub000/internal/tasks"
)

// Kind classifies a recoverable pipeline failure.
type Kind string

const (
	KindTranscriptionFailed Kind = "transcription_failed"
	KindExtractionFailed    Kind = "extraction_failed"
	KindContextUndetermined Kind = "context_undetermined"
	KindPersistenceFailed   Kind = "persistence_failed"
	KindAlreadyCompleted    Kind = "already_completed"
	KindInvalidDuration     Kind = "invalid_duration"
	KindNotFound            Kind = "not_found"
	KindInvalidTransition   Kind = "invalid_transition"
)

var userMessages = map[Kind]string{
	KindTranscriptionFailed: "[ОШИБКА] Не удалось распознать голос. Попробуйте еще раз.",
	KindExtractionFailed:    "[ОШИБКА] Не удалось понять задачу. Уточните, пожалуйста.",
	KindContextUndetermined: "[ОШИБКА] Не понял, к какому бизнесу относится задача. Укажите бизнес.",
	KindPersistenceFailed:   "[ОШИБКА] Не удалось сохранить задачу. Попробуйте позже.",
	KindAlreadyCompleted:    "Задача уже завершена.",
	KindInvalidDuration:     "Время должно быть от 1 до 480 минут.",
	KindNotFound:            "Задача не найдена.",
	KindInvalidTransition:   "Это действие недоступно для задачи в текущем статусе.",
}

// Error is a recoverable failure of a run or of a completion. An isolation
// breach is never an *Error.
type Error struct {
	Kind  Kind
	Stage Stage
	Err   error
}

func (e *Error) Error() string {
	if e.Stage != "" {
		return fmt.Sprintf("%s at %s: %v", e.Kind, e.Stage, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// UserMessage returns the short Russian message shown to the requester.
func (e *Error) UserMessage() string {
	if msg, ok := userMessages[e.Kind]; ok {
		return msg
	}
	return "[ОШИБКА] Произошла ошибка. Попробуйте позже."
}

// KindOf returns the kind of err, or "" when err is not an *Error.
func KindOf(err error) Kind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return ""
}

// UserMessage returns the message for any error returned by the pipeline.
func UserMessage(err error) string {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.UserMessage()
	}
	return "[ОШИБКА] Произошла ошибка. Попробуйте позже."
}

// stageKinds is the kind every unexpected error of a stage becomes.
var stageKinds = map[Stage]Kind{
	StageTranscribe: KindTranscriptionFailed,
	StageExtract:    KindExtractionFailed,
	StageResolve:    KindContextUndetermined,
	StageRetrieve:   KindPersistenceFailed,
	StageAssemble:   KindPersistenceFailed,
}

// classify converts err from stage into an *Error. Isolation breaches pass
// through unchanged.
func classify(stage Stage, err error) error {
	if err == nil || errors.Is(err, business.ErrIsolationBreach) {
		return err
	}
	var pe *Error
	if errors.As(err, &pe) {
		return err
	}
	kind, ok := stageKinds[stage]
	if !ok {
		kind = KindPersistenceFailed
	}
	return &Error{Kind: kind, Stage: stage, Err: err}
}

// completionError maps task store errors of a completion.
func completionError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, tasks.ErrAlreadyCompleted):
		return &Error{Kind: KindAlreadyCompleted, Err: err}
	case errors.Is(err, tasks.ErrInvalidDuration):
		return &Error{Kind: KindInvalidDuration, Err: err}
	case errors.Is(err, tasks.ErrNotFound):
		return &Error{Kind: KindNotFound, Err: err}
	case errors.Is(err, tasks.ErrInvalidTransition):
		return &Error{Kind: KindInvalidTransition, Err: err}
	default:
		return &Error{Kind: KindPersistenceFailed, Err: err}
	}
}
