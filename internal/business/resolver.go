package business

import (
	"strings"
	"unicode"
)

// Signal names the evidence a resolution was based on.
type Signal string

const (
	SignalLocation Signal = "location"
	SignalMember   Signal = "member"
	SignalKeyword  Signal = "keyword"
	SignalHint     Signal = "hint"
	SignalDefault  Signal = "default"
)

// Resolution is the outcome of Resolve.
type Resolution struct {
	ID     ID
	Signal Signal
	// Scores holds the per-context score of the deciding step.
	Scores map[ID]int
}

// Resolver assigns exactly one business context to a request.
type Resolver struct {
	catalog *Catalog
}

// NewResolver creates a resolver over catalog.
func NewResolver(catalog *Catalog) *Resolver {
	return &Resolver{catalog: catalog}
}

// Catalog returns the catalog the resolver was built with.
func (r *Resolver) Catalog() *Catalog { return r.catalog }

// Resolve picks a context for text. Evidence is consulted in order: location
// phrases, named team members, keyword counts, then the extractor's hint and
// finally the caller's fallback. Ties within a step go to the context listed
// first in the catalog's tie-break order. Hint and fallback ids outside the
// catalog are ignored.
func (r *Resolver) Resolve(text string, hint, fallback *ID) (Resolution, error) {
	folded := Fold(text)
	words := wordText(folded)

	steps := []struct {
		signal Signal
		score  func(folded, words string) map[ID]int
	}{
		{SignalLocation, r.locationScores},
		{SignalMember, r.memberScores},
		{SignalKeyword, r.keywordScores},
	}
	for _, step := range steps {
		scores := step.score(folded, words)
		if id, ok := r.best(scores); ok {
			return Resolution{ID: id, Signal: step.signal, Scores: scores}, nil
		}
	}

	if hint != nil && r.catalog.Has(*hint) {
		return Resolution{ID: *hint, Signal: SignalHint}, nil
	}
	if fallback != nil && r.catalog.Has(*fallback) {
		return Resolution{ID: *fallback, Signal: SignalDefault}, nil
	}
	return Resolution{}, ErrContextUndetermined
}

func (r *Resolver) locationScores(folded, _ string) map[ID]int {
	scores := make(map[ID]int)
	for _, ctx := range r.catalog.contexts {
		for _, loc := range ctx.Locations {
			scores[ctx.ID] += strings.Count(folded, loc)
		}
	}
	return scores
}

func (r *Resolver) memberScores(folded, words string) map[ID]int {
	scores := make(map[ID]int)
	for _, m := range r.catalog.members {
		if !mentions(words, m.Aliases) {
			continue
		}
		if id, ok := memberContext(m, folded); ok {
			scores[id]++
		}
	}
	return scores
}

func memberContext(m Member, folded string) (ID, bool) {
	for _, o := range m.Overrides {
		if strings.Contains(folded, Fold(o.Keyword)) {
			return o.Context, true
		}
	}
	if len(m.Contexts) == 1 {
		return m.Contexts[0], true
	}
	return 0, false
}

func (r *Resolver) keywordScores(folded, _ string) map[ID]int {
	scores := make(map[ID]int)
	for _, ctx := range r.catalog.contexts {
		for _, kw := range ctx.Keywords {
			if strings.Contains(folded, kw) {
				scores[ctx.ID]++
			}
		}
	}
	return scores
}

// best returns the highest positive score, ties broken by tie-break order.
func (r *Resolver) best(scores map[ID]int) (ID, bool) {
	var (
		bestID    ID
		bestScore int
	)
	for _, id := range r.catalog.tieBreak {
		if s := scores[id]; s > bestScore {
			bestID, bestScore = id, s
		}
	}
	return bestID, bestScore > 0
}

// MentionedMember returns the canonical name of the first roster member named
// in text.
func (c *Catalog) MentionedMember(text string) (string, bool) {
	words := wordText(Fold(text))
	for _, m := range c.members {
		if mentions(words, m.Aliases) {
			return m.Name, true
		}
	}
	return "", false
}

func mentions(words string, aliases []string) bool {
	for _, a := range aliases {
		if strings.Contains(words, wordText(a)) {
			return true
		}
	}
	return false
}

// Fold lowercases s and folds ё to е.
func Fold(s string) string {
	return strings.ReplaceAll(strings.ToLower(s), "ё", "е")
}

// wordText reduces s to space-separated letter/digit runs, padded with a
// leading and trailing space so whole words can be matched with " w ".
func wordText(s string) string {
	var b strings.Builder
	b.Grow(len(s) + 2)
	b.WriteByte(' ')
	space := true
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			space = false
			continue
		}
		if !space {
			b.WriteByte(' ')
			space = true
		}
	}
	if !space {
		b.WriteByte(' ')
	}
	return b.String()
}
