package extraction

import "regexp"

// Word boundaries are spelled out because \b only knows ASCII letters.
const (
	wordStart = `(?:^|[^\p{L}\d])`
	wordEnd   = `(?:[^\p{L}\d]|$)`
)

// Negated forms must be checked before the plain ones: "не важно" contains
// "важно".
var priorityRules = []struct {
	re       *regexp.Regexp
	priority int
}{
	{regexp.MustCompile(`(?i)` + wordStart + `(не\s+важно|не\s+срочно|когда-нибудь|когда\s+нибудь)` + wordEnd), PriorityLow},
	{regexp.MustCompile(`(?i)` + wordStart + `(отложить|отложи|потом)` + wordEnd), PriorityDeferred},
	{regexp.MustCompile(`(?i)` + wordStart + `(важно|срочно|срочная|срочный|asap|немедленно)` + wordEnd), PriorityHigh},
}

// DetectPriority maps priority words in text to a level. Text without any
// priority word is PriorityNormal.
func DetectPriority(text string) int {
	p, _ := priorityPhrase(text)
	return p
}

// priorityPhrase returns the priority and the byte span of the phrase that
// decided it, or PriorityNormal and nil.
func priorityPhrase(text string) (int, []int) {
	for _, rule := range priorityRules {
		if m := rule.re.FindStringSubmatchIndex(text); m != nil {
			return rule.priority, m[2:4]
		}
	}
	return PriorityNormal, nil
}
