package extraction

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/schema"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/Zolokon/business-planner-sub000/internal/business"
)

var tracer = otel.Tracer("planner.extraction")

// Rate limiter defaults: 50 requests per minute.
const (
	defaultRequestsPerMinute = 50.0
	defaultBurst             = 5
	defaultTimeout           = 30 * time.Second
)

// LLMConfig tunes an LLMExtractor.
type LLMConfig struct {
	RequestsPerMinute float64
	Burst             int
	Timeout           time.Duration
}

// ApplyDefaults fills zero fields.
func (c *LLMConfig) ApplyDefaults() {
	if c.RequestsPerMinute <= 0 {
		c.RequestsPerMinute = defaultRequestsPerMinute
	}
	if c.Burst <= 0 {
		c.Burst = defaultBurst
	}
	if c.Timeout <= 0 {
		c.Timeout = defaultTimeout
	}
}

// LLMExtractor asks a chat model for a JSON candidate and validates it.
type LLMExtractor struct {
	model   llms.Model
	catalog *business.Catalog
	limiter *rate.Limiter
	timeout time.Duration
	system  string
	logger  *zap.Logger
}

// NewLLMExtractor creates an extractor over model. The system prompt is built
// once from catalog.
func NewLLMExtractor(model llms.Model, catalog *business.Catalog, cfg LLMConfig, logger *zap.Logger) *LLMExtractor {
	cfg.ApplyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LLMExtractor{
		model:   model,
		catalog: catalog,
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerMinute/60.0), cfg.Burst),
		timeout: cfg.Timeout,
		system:  systemPrompt(catalog),
		logger:  logger,
	}
}

// Extract implements TextExtractor.
func (e *LLMExtractor) Extract(ctx context.Context, text string, hints Hints) (Candidate, error) {
	ctx, span := tracer.Start(ctx, "extraction.llm")
	defer span.End()
	span.SetAttributes(attribute.Int("text.length", len(text)))

	if err := checkText(text); err != nil {
		return Candidate{}, err
	}
	if err := e.limiter.Wait(ctx); err != nil {
		return Candidate{}, fmt.Errorf("rate limiter error: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	msgs := []llms.MessageContent{
		llms.TextParts(schema.ChatMessageTypeSystem, e.system),
		llms.TextParts(schema.ChatMessageTypeHuman, userPrompt(text, hints)),
	}
	resp, err := e.model.GenerateContent(ctx, msgs, llms.WithTemperature(0))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "model call failed")
		e.logger.Warn("task extraction call failed", zap.Error(err))
		return Candidate{}, fmt.Errorf("%w: %w", ErrExtractionFailed, err)
	}
	if len(resp.Choices) == 0 {
		return Candidate{}, errorf("model returned no choices")
	}

	c, err := parseCandidate(resp.Choices[0].Content, e.catalog)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "invalid model output")
		e.logger.Warn("model output rejected", zap.Error(err))
		return Candidate{}, err
	}
	span.SetAttributes(attribute.Int("task.priority", c.Priority))
	return c, nil
}

// parseCandidate validates raw model output. title is required; priority
// defaults to normal when absent; business_id, when present, must name a
// catalog context. The model is not forced into a JSON response format, so a
// markdown code fence around the object is tolerated.
func parseCandidate(raw string, catalog *business.Catalog) (Candidate, error) {
	raw = stripCodeFence(strings.TrimSpace(raw))
	if !gjson.Valid(raw) || !gjson.Parse(raw).IsObject() {
		return Candidate{}, errorf("model output is not a JSON object")
	}
	doc := gjson.Parse(raw)

	title := doc.Get("title")
	if title.Type != gjson.String || strings.TrimSpace(title.Str) == "" {
		return Candidate{}, errorf("missing title")
	}
	c := Candidate{Title: strings.TrimSpace(title.Str), Priority: PriorityNormal}

	if p := doc.Get("priority"); p.Exists() && p.Type != gjson.Null {
		if p.Type != gjson.Number || p.Num != float64(int(p.Num)) || !ValidPriority(int(p.Num)) {
			return Candidate{}, errorf("priority %s out of range 1-4", p.Raw)
		}
		c.Priority = int(p.Num)
	}

	if b := doc.Get("business_id"); b.Exists() && b.Type != gjson.Null {
		id := business.ID(b.Int())
		if b.Type != gjson.Number || b.Num != float64(id) || !catalog.Has(id) {
			return Candidate{}, errorf("business_id %s is not a known context", b.Raw)
		}
		c.BusinessID = &id
	}

	c.DeadlinePhrase = optionalString(doc, "deadline")
	if s := optionalString(doc, "project"); s != "" {
		c.Project = strPtr(s)
	}
	if s := optionalString(doc, "assigned_to"); s != "" && !selfReference(s) {
		c.Assignee = strPtr(s)
	}
	if s := optionalString(doc, "description"); s != "" {
		c.Description = strPtr(s)
	}
	return c, nil
}

func optionalString(doc gjson.Result, key string) string {
	v := doc.Get(key)
	if v.Type != gjson.String {
		return ""
	}
	return strings.TrimSpace(v.Str)
}

// selfReference reports whether name means the person giving the request.
func selfReference(name string) bool {
	switch business.Fold(name) {
	case "я", "мне", "меня", "сам", "сама":
		return true
	}
	return false
}

func systemPrompt(catalog *business.Catalog) string {
	var b strings.Builder
	b.WriteString("Разбери задачу на русском языке, надиктованную руководителем нескольких бизнесов.\n\nБИЗНЕСЫ:\n")
	for _, ctx := range catalog.Contexts() {
		fmt.Fprintf(&b, "%d. %s (id:%d) - %s\n", ctx.ID, ctx.Name, ctx.ID, ctx.Description)
		if len(ctx.Locations) > 0 {
			fmt.Fprintf(&b, "   Место: %s (если упомянуто, всегда этот бизнес)\n", strings.Join(ctx.Locations, ", "))
		}
		if len(ctx.Keywords) > 0 {
			fmt.Fprintf(&b, "   Ключевые слова: %s\n", strings.Join(ctx.Keywords, ", "))
		}
		var team []string
		for _, m := range catalog.Members() {
			for _, id := range m.Contexts {
				if id == ctx.ID {
					team = append(team, m.Name)
				}
			}
		}
		if len(team) > 0 {
			fmt.Fprintf(&b, "   Команда: %s\n", strings.Join(team, ", "))
		}
	}
	b.WriteString(`
ПРАВИЛА:
1. business_id: номер бизнеса из списка, null если определить нельзя.
2. assigned_to: имя сотрудника, если он упомянут; null если задача для "я"/"мне" или имени нет.
3. deadline: срок ровно так, как он сказан ("завтра утром", "в пятницу в 14:30"), null если срока нет.
4. priority (1-4): по умолчанию 2; "важно", "срочно", "ASAP" -> 1; "не важно", "не срочно", "когда-нибудь" -> 3; "отложить", "потом" -> 4.
5. title: короткое название задачи в инфинитиве, без имени исполнителя и срока.

Ответ только JSON:
{"title": "строка", "business_id": 1-4|null, "deadline": "строка|null", "project": "строка|null", "assigned_to": "имя|null", "priority": 1-4, "description": "строка|null"}`)
	return b.String()
}

func userPrompt(text string, hints Hints) string {
	now := hints.Now
	if now.IsZero() {
		now = time.Now()
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Текущие дата и время: %s (%s)\n", now.Format("2006-01-02 15:04"), now.Weekday())
	if len(hints.Members) > 0 {
		fmt.Fprintf(&b, "Сотрудники: %s\n", strings.Join(hints.Members, ", "))
	}
	if len(hints.RecentTitles) > 0 {
		fmt.Fprintf(&b, "Недавние задачи: %s\n", strings.Join(hints.RecentTitles, "; "))
	}
	fmt.Fprintf(&b, "\nЗадача:\n%q\n", text)
	return b.String()
}

var _ TextExtractor = (*LLMExtractor)(nil)

// stripCodeFence unwraps "```json ... ```" replies.
func stripCodeFence(raw string) string {
	if !strings.HasPrefix(raw, "```") || !strings.HasSuffix(raw, "```") || len(raw) < 6 {
		return raw
	}
	body := strings.TrimSuffix(strings.TrimPrefix(raw, "```"), "```")
	if nl := strings.IndexByte(body, '\n'); nl >= 0 && !strings.ContainsAny(body[:nl], "{[") {
		body = body[nl+1:]
	}
	return strings.TrimSpace(body)
}
