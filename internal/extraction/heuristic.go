package extraction

import (
	"context"
	"regexp"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/Zolokon/business-planner-sub000/internal/business"
)

// deadlinePatterns are the phrases the deadline normalizer understands, longest
// forms first so alternation prefers them.
var deadlinePatterns = []string{
	`\d{4}-\d{2}-\d{2}(?:[T ]\d{2}:\d{2}(?::\d{2})?)?`,
	`(?:(?:до|к)\s+)?\d{1,2}\.\d{1,2}(?:\.\d{4}|\.\d{2})?`,
	`послезавтра|завтра|сегодня`,
	`через\s+(?:\d{1,3}\s+)?(?:дн(?:я|ей)|день|час(?:а|ов)?|недел[юи])`,
	`(?:на\s+)?следующей\s+неделе`,
	`(?:к\s+)?конц[уа]\s+недели`,
	`(?:во?|до|к)\s+(?:понедельник[ау]?|вторник[ау]?|сред[уые]|четверг[ау]?|пятниц[уые]|суббот[уые]|воскресень[еяю])`,
	`(?:в|к|до)\s+\d{1,2}(?::\d{2})?(?:\s+(?:утра|дня|вечера|ночи))?`,
	`утром|днем|днём|вечером|в\s+обед`,
}

var (
	deadlineRe = regexp.MustCompile(`(?i)` + wordStart + `(` + strings.Join(deadlinePatterns, "|") + `)`)
	projectRe  = regexp.MustCompile(`(?i)` + wordStart + `проект[а-я]*\s+["«]?([\p{L}\d][\p{L}\d-]*)`)
)

// fillerWords never belong in a title.
var fillerWords = map[string]bool{
	"я": true, "мне": true, "нам": true, "нужно": true, "надо": true,
	"необходимо": true, "пусть": true, "пожалуйста": true, "задача": true,
	"должен": true, "должна": true, "должны": true,
}

// HeuristicExtractor extracts candidates with regular expressions and the
// team roster. It is deterministic and needs no network.
type HeuristicExtractor struct {
	catalog *business.Catalog
	// names holds the words of roster names in the nominative case. Other
	// forms ("позвонить Славе") stay in the title.
	names map[string]bool
}

// NewHeuristicExtractor creates a heuristic extractor over catalog.
func NewHeuristicExtractor(catalog *business.Catalog) *HeuristicExtractor {
	names := make(map[string]bool)
	for _, m := range catalog.Members() {
		for _, w := range strings.Fields(business.Fold(m.Name)) {
			names[w] = true
		}
	}
	return &HeuristicExtractor{catalog: catalog, names: names}
}

// Extract implements TextExtractor. The business id is left for the resolver.
func (h *HeuristicExtractor) Extract(ctx context.Context, text string, hints Hints) (Candidate, error) {
	if err := ctx.Err(); err != nil {
		return Candidate{}, err
	}
	if err := checkText(text); err != nil {
		return Candidate{}, err
	}

	priority, prioSpan := priorityPhrase(text)
	deadlineSpans := findDeadlineSpans(text)

	phrases := make([]string, len(deadlineSpans))
	for i, s := range deadlineSpans {
		phrases[i] = text[s[0]:s[1]]
	}

	spans := deadlineSpans
	if prioSpan != nil {
		spans = append(spans, prioSpan)
	}

	c := Candidate{
		Title:          h.title(cutSpans(text, spans), hints),
		DeadlinePhrase: strings.Join(phrases, " "),
		Priority:       priority,
	}
	if c.Title == "" {
		return Candidate{}, errorf("no task title left in %q", text)
	}
	if name, ok := h.assignee(text, hints); ok {
		c.Assignee = strPtr(name)
	}
	if m := projectRe.FindStringSubmatch(text); m != nil {
		c.Project = strPtr(m[1])
	}
	return c, nil
}

func (h *HeuristicExtractor) assignee(text string, hints Hints) (string, bool) {
	if name, ok := h.catalog.MentionedMember(text); ok {
		return name, true
	}
	words := strings.FieldsFunc(business.Fold(text), notWordRune)
	for _, name := range hints.Members {
		folded := business.Fold(name)
		for _, w := range words {
			if w == folded {
				return name, true
			}
		}
	}
	return "", false
}

// title drops filler words and the names of acting members from text and
// capitalizes what remains.
func (h *HeuristicExtractor) title(text string, hints Hints) string {
	extra := make(map[string]bool, len(hints.Members))
	for _, m := range hints.Members {
		extra[business.Fold(m)] = true
	}

	var kept []string
	for _, tok := range strings.Fields(text) {
		core := strings.TrimFunc(business.Fold(tok), notWordRune)
		if core == "" || fillerWords[core] || h.names[core] || extra[core] {
			continue
		}
		kept = append(kept, tok)
	}

	title := strings.Trim(strings.Join(kept, " "), " ,.;:!?-")
	if title == "" {
		return ""
	}
	r, size := utf8.DecodeRuneInString(title)
	return string(unicode.ToUpper(r)) + title[size:]
}

// findDeadlineSpans returns byte spans of deadline phrases in text, in order.
// A match running into a longer word is not a phrase.
func findDeadlineSpans(text string) [][]int {
	var spans [][]int
	for _, m := range deadlineRe.FindAllStringSubmatchIndex(text, -1) {
		start, end := m[2], m[3]
		if end < len(text) {
			if r, _ := utf8.DecodeRuneInString(text[end:]); !notWordRune(r) {
				continue
			}
		}
		spans = append(spans, []int{start, end})
	}
	return spans
}

// cutSpans replaces each span of text with a space.
func cutSpans(text string, spans [][]int) string {
	sorted := make([][]int, len(spans))
	copy(sorted, spans)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i][0] < sorted[j][0] })

	var b strings.Builder
	prev := 0
	for _, s := range sorted {
		if s[0] < prev {
			continue
		}
		b.WriteString(text[prev:s[0]])
		b.WriteByte(' ')
		prev = s[1]
	}
	b.WriteString(text[prev:])
	return b.String()
}

func notWordRune(r rune) bool {
	return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '-'
}

var _ TextExtractor = (*HeuristicExtractor)(nil)
