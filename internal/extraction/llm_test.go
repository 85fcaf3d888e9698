package extraction

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/schema"

	"github.com/Zolokon/business-planner-sub000/internal/business"
	"github.com/Zolokon/business-planner-sub000/internal/config"
)

type fakeModel struct {
	reply  string
	err    error
	calls  int
	system string
	human  string
}

func (f *fakeModel) GenerateContent(_ context.Context, msgs []llms.MessageContent, _ ...llms.CallOption) (*llms.ContentResponse, error) {
	f.calls++
	for _, m := range msgs {
		for _, p := range m.Parts {
			tc, ok := p.(llms.TextContent)
			if !ok {
				continue
			}
			switch m.Role {
			case schema.ChatMessageTypeSystem:
				f.system += tc.Text
			case schema.ChatMessageTypeHuman:
				f.human += tc.Text
			}
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	return &llms.ContentResponse{Choices: []*llms.ContentChoice{{Content: f.reply}}}, nil
}

func (f *fakeModel) Call(ctx context.Context, prompt string, opts ...llms.CallOption) (string, error) {
	return llms.GenerateFromSinglePrompt(ctx, f, prompt, opts...)
}

func newTestLLMExtractor(model llms.Model) *LLMExtractor {
	return NewLLMExtractor(model, business.DefaultCatalog(), LLMConfig{RequestsPerMinute: 6000, Burst: 100}, nil)
}

func TestLLMExtractor_Extract(t *testing.T) {
	model := &fakeModel{reply: `{
		"title": "Починить фрезер",
		"business_id": 1,
		"deadline": "завтра утром",
		"project": null,
		"assigned_to": "Дима",
		"priority": 1
	}`}
	x := newTestLLMExtractor(model)

	now := time.Date(2025, time.October, 15, 10, 0, 0, 0, time.UTC)
	c, err := x.Extract(context.Background(), "Дима должен срочно починить фрезер завтра утром", Hints{
		Members:      []string{"Дима", "Максим"},
		RecentTitles: []string{"Заказать фрезы"},
		Now:          now,
	})
	require.NoError(t, err)

	assert.Equal(t, "Починить фрезер", c.Title)
	require.NotNil(t, c.BusinessID)
	assert.Equal(t, business.ID(1), *c.BusinessID)
	assert.Equal(t, "завтра утром", c.DeadlinePhrase)
	assert.Nil(t, c.Project)
	require.NotNil(t, c.Assignee)
	assert.Equal(t, "Дима", *c.Assignee)
	assert.Equal(t, PriorityHigh, c.Priority)

	assert.Contains(t, model.system, "Inventum Lab")
	assert.Contains(t, model.system, "Юрий Владимирович")
	assert.Contains(t, model.human, "2025-10-15 10:00")
	assert.Contains(t, model.human, "Заказать фрезы")
	assert.Contains(t, model.human, "починить фрезер")
}

func TestParseCandidate(t *testing.T) {
	catalog := business.DefaultCatalog()

	t.Run("defaults", func(t *testing.T) {
		c, err := parseCandidate(`{"title": " Позвонить поставщику ", "assigned_to": "я"}`, catalog)
		require.NoError(t, err)
		assert.Equal(t, "Позвонить поставщику", c.Title)
		assert.Equal(t, PriorityNormal, c.Priority)
		assert.Nil(t, c.BusinessID)
		assert.Nil(t, c.Assignee)
		assert.Empty(t, c.DeadlinePhrase)
	})

	t.Run("null priority", func(t *testing.T) {
		c, err := parseCandidate(`{"title": "x", "priority": null, "description": "подробно"}`, catalog)
		require.NoError(t, err)
		assert.Equal(t, PriorityNormal, c.Priority)
		require.NotNil(t, c.Description)
		assert.Equal(t, "подробно", *c.Description)
	})

	t.Run("code fence", func(t *testing.T) {
		c, err := parseCandidate("```json\n{\"title\": \"Заказать фрезы\", \"business_id\": 1}\n```", catalog)
		require.NoError(t, err)
		assert.Equal(t, "Заказать фрезы", c.Title)
		require.NotNil(t, c.BusinessID)
		assert.Equal(t, business.ID(1), *c.BusinessID)
	})

	invalid := map[string]string{
		"fenced prose":       "```\nПочинить фрезер\n```",
		"not json":           `Починить фрезер`,
		"array":              `["title"]`,
		"missing title":      `{"priority": 2}`,
		"empty title":        `{"title": "  "}`,
		"numeric title":      `{"title": 5}`,
		"priority too high":  `{"title": "x", "priority": 7}`,
		"fractional prio":    `{"title": "x", "priority": 1.5}`,
		"string priority":    `{"title": "x", "priority": "1"}`,
		"unknown business":   `{"title": "x", "business_id": 9}`,
		"string business id": `{"title": "x", "business_id": "2"}`,
	}
	for name, raw := range invalid {
		t.Run(name, func(t *testing.T) {
			_, err := parseCandidate(raw, catalog)
			assert.ErrorIs(t, err, ErrExtractionFailed)
		})
	}
}

func TestLLMExtractor_Failures(t *testing.T) {
	t.Run("model error", func(t *testing.T) {
		boom := errors.New("upstream unavailable")
		x := newTestLLMExtractor(&fakeModel{err: boom})
		_, err := x.Extract(context.Background(), "починить фрезер", Hints{})
		assert.ErrorIs(t, err, ErrExtractionFailed)
		assert.ErrorIs(t, err, boom)
	})

	t.Run("invalid output", func(t *testing.T) {
		x := newTestLLMExtractor(&fakeModel{reply: `{"title": ""}`})
		_, err := x.Extract(context.Background(), "починить фрезер", Hints{})
		assert.ErrorIs(t, err, ErrExtractionFailed)
	})

	t.Run("non-russian text skips the model", func(t *testing.T) {
		model := &fakeModel{reply: `{"title": "x"}`}
		x := newTestLLMExtractor(model)
		_, err := x.Extract(context.Background(), "repair the mill", Hints{})
		assert.ErrorIs(t, err, ErrExtractionFailed)
		assert.Zero(t, model.calls)
	})
}

func TestNewExtractor(t *testing.T) {
	catalog := business.DefaultCatalog()

	x, err := NewExtractor(config.LLMConfig{Provider: "heuristic"}, catalog, nil)
	require.NoError(t, err)
	assert.IsType(t, &HeuristicExtractor{}, x)

	_, err = NewExtractor(config.LLMConfig{Provider: "openai", Model: "gpt-4o-mini"}, catalog, nil)
	assert.Error(t, err)

	x, err = NewExtractor(config.LLMConfig{Provider: "openai", Model: "gpt-4o-mini", APIKey: "sk-test"}, catalog, nil)
	require.NoError(t, err)
	assert.IsType(t, &LLMExtractor{}, x)

	_, err = NewExtractor(config.LLMConfig{Provider: "anthropic"}, catalog, nil)
	assert.Error(t, err)
}
