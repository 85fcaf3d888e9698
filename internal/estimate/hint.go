package estimate

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/tmc/langchaingo/llms"

	"github.com/Zolokon/business-planner-sub000/internal/business"
)

// CapacityEstimatorHint suggests a duration for a task with no history.
type CapacityEstimatorHint interface {
	SuggestMinutes(ctx context.Context, title string, businessID business.ID) (int, error)
}

// ErrNoSuggestion is returned when a hint has nothing to offer.
var ErrNoSuggestion = errors.New("no duration suggestion")

// StaticHint returns fixed minutes per business.
type StaticHint struct {
	PerBusiness map[business.ID]int
	Default     int
}

func (h StaticHint) SuggestMinutes(_ context.Context, _ string, businessID business.ID) (int, error) {
	if m, ok := h.PerBusiness[businessID]; ok {
		return m, nil
	}
	if h.Default > 0 {
		return h.Default, nil
	}
	return 0, ErrNoSuggestion
}

const hintPrompt = `Оцени, сколько минут займёт задача.

Задача: %s
Бизнес: %s

Ориентиры:
- звонки и короткие встречи: 30 минут
- ремонт оборудования: 120 минут
- 3D-моделирование: 90 минут
- прототипы: 240 минут

Верни ТОЛЬКО число минут от 1 до 480, без текста.`

var numberRe = regexp.MustCompile(`\d{1,4}`)

// LLMHint asks a language model for a duration guess.
type LLMHint struct {
	model   llms.Model
	catalog *business.Catalog
}

// NewLLMHint creates an LLMHint.
func NewLLMHint(model llms.Model, catalog *business.Catalog) *LLMHint {
	return &LLMHint{model: model, catalog: catalog}
}

func (h *LLMHint) SuggestMinutes(ctx context.Context, title string, businessID business.ID) (int, error) {
	prompt := fmt.Sprintf(hintPrompt, title, h.catalog.DisplayName(businessID))
	resp, err := llms.GenerateFromSinglePrompt(ctx, h.model, prompt, llms.WithTemperature(0), llms.WithMaxTokens(10))
	if err != nil {
		return 0, fmt.Errorf("capacity hint: %w", err)
	}
	m := numberRe.FindString(strings.TrimSpace(resp))
	if m == "" {
		return 0, fmt.Errorf("%w: model replied %q", ErrNoSuggestion, resp)
	}
	return strconv.Atoi(m)
}
