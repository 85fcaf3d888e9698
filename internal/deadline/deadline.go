// Package deadline turns Russian deadline phrases into absolute timestamps in
// the planner's operating timezone.
package deadline

import (
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode"
)

// Default hours for time-of-day words.
const (
	MorningHour = 9
	MiddayHour  = 13
	EveningHour = 18
)

var (
	isoRe      = regexp.MustCompile(`\d{4}-\d{2}-\d{2}(?:[T ]\d{2}:\d{2}(?::\d{2})?(?:Z|[+-]\d{2}:\d{2})?)?`)
	dottedRe   = regexp.MustCompile(`(?:^|[^\d])(\d{1,2})\.(\d{1,2})(?:\.(\d{4}|\d{2}))?(?:[^\d]|$)`)
	inDaysRe   = regexp.MustCompile(`через\s+(\d{1,3})\s+(?:дн|день)`)
	inHoursRe  = regexp.MustCompile(`через\s+(\d{1,2})\s+час`)
	clockRe    = regexp.MustCompile(`(\d{1,2}):(\d{2})`)
	hourWordRe = regexp.MustCompile(`(?:^|\s)(?:в|к|до)\s+(\d{1,2})(?:\s*(?:час\S*))?(?:\s+(утра|дня|вечера|ночи))?(?:[\s,.!?]|$)`)

	// "в 10.05" and "к 18.30" are clock times, not dates.
	dottedClockRe = regexp.MustCompile(`(?:^|\s)(?:в|к)\s+(\d{1,2})\.(\d{2})(?:$|[^\d.]|\.(?:$|[^\d]))`)
)

var isoLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
}

var weekdayStems = []struct {
	stem string
	day  time.Weekday
}{
	{"понедельник", time.Monday},
	{"вторник", time.Tuesday},
	{"среду", time.Wednesday},
	{"среда", time.Wednesday},
	{"среде", time.Wednesday},
	{"четверг", time.Thursday},
	{"пятниц", time.Friday},
	{"суббот", time.Saturday},
	{"воскресень", time.Sunday},
}

// Normalizer resolves deadline phrases relative to a reference time.
type Normalizer struct {
	loc *time.Location
}

// New returns a Normalizer working in loc.
func New(loc *time.Location) *Normalizer {
	if loc == nil {
		loc = time.UTC
	}
	return &Normalizer{loc: loc}
}

// Location returns the operating timezone.
func (n *Normalizer) Location() *time.Location { return n.loc }

type parsed struct {
	year         int
	month        time.Month
	day          int
	hasDate      bool
	hour, minute int
	hasTime      bool
	exact        *time.Time
}

// Normalize resolves phrase relative to now. It returns nil when the phrase is
// empty or carries no recognizable date or time; that is not an error.
//
// A date without a time resolves to 00:00. A time without a date resolves to
// today, or tomorrow when that moment has already passed. A result on a
// Saturday or Sunday moves to the following Monday at 09:00, never earlier
// than now.
func (n *Normalizer) Normalize(phrase string, now time.Time) *time.Time {
	phrase = strings.TrimSpace(phrase)
	if phrase == "" {
		return nil
	}
	now = now.In(n.loc)

	p, ok := n.parse(phrase, now)
	if !ok {
		return nil
	}

	var t time.Time
	switch {
	case p.exact != nil:
		t = p.exact.In(n.loc)
	case p.hasDate:
		t = time.Date(p.year, p.month, p.day, p.hour, p.minute, 0, 0, n.loc)
	default:
		t = time.Date(now.Year(), now.Month(), now.Day(), p.hour, p.minute, 0, 0, n.loc)
		if t.Before(now) {
			t = t.AddDate(0, 0, 1)
		}
	}

	t = shiftWeekend(t, now)
	return &t
}

func (n *Normalizer) parse(phrase string, now time.Time) (parsed, bool) {
	if m := isoRe.FindString(phrase); m != "" {
		for _, layout := range isoLayouts {
			if t, err := time.ParseInLocation(layout, m, n.loc); err == nil {
				return parsed{exact: &t}, true
			}
		}
	}

	text := strings.ReplaceAll(strings.ToLower(phrase), "ё", "е")
	var p parsed

	if m := inHoursRe.FindStringSubmatch(text); m != nil {
		h, _ := strconv.Atoi(m[1])
		t := now.Add(time.Duration(h) * time.Hour).Truncate(time.Minute)
		return parsed{exact: &t}, true
	}

	if date, rest, ok := parseDate(text, now); ok {
		p.year, p.month, p.day = date.Date()
		p.hasDate = true
		text = rest
	}

	if h, m, ok := parseTime(text); ok {
		p.hour, p.minute, p.hasTime = h, m, true
	}

	return p, p.hasDate || p.hasTime
}

// parseDate finds a date in text and returns it with the matched part removed
// so the time parser does not see day/month numbers.
func parseDate(text string, now time.Time) (time.Time, string, bool) {
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())

	if _, _, isClock := dottedClock(text); !isClock {
		if loc := dottedRe.FindStringSubmatchIndex(text); loc != nil {
			day, _ := strconv.Atoi(text[loc[2]:loc[3]])
			month, _ := strconv.Atoi(text[loc[4]:loc[5]])
			year := now.Year()
			explicitYear := loc[6] >= 0
			if explicitYear {
				year, _ = strconv.Atoi(text[loc[6]:loc[7]])
				if year < 100 {
					year += 2000
				}
			}
			if validDate(year, month, day) {
				d := time.Date(year, time.Month(month), day, 0, 0, 0, 0, now.Location())
				if !explicitYear && d.Before(today) {
					d = d.AddDate(1, 0, 0)
				}
				return d, text[:loc[2]] + " " + text[loc[1]:], true
			}
		}
	}

	switch {
	case strings.Contains(text, "послезавтра"):
		return today.AddDate(0, 0, 2), strings.Replace(text, "послезавтра", " ", 1), true
	case strings.Contains(text, "завтра"):
		return today.AddDate(0, 0, 1), strings.Replace(text, "завтра", " ", 1), true
	case strings.Contains(text, "сегодня"):
		return today, strings.Replace(text, "сегодня", " ", 1), true
	}

	if m := inDaysRe.FindStringSubmatch(text); m != nil {
		days, _ := strconv.Atoi(m[1])
		return today.AddDate(0, 0, days), strings.Replace(text, m[0], " ", 1), true
	}
	if strings.Contains(text, "через неделю") {
		return today.AddDate(0, 0, 7), strings.Replace(text, "через неделю", " ", 1), true
	}
	if strings.Contains(text, "следующей неделе") {
		return nextWeekday(today, time.Monday), text, true
	}
	if strings.Contains(text, "конц") && strings.Contains(text, "недел") {
		return upcomingWeekday(today, time.Friday), text, true
	}

	for _, w := range weekdayStems {
		if strings.Contains(text, w.stem) {
			return nextWeekday(today, w.day), strings.Replace(text, w.stem, " ", 1), true
		}
	}

	return time.Time{}, text, false
}

// dottedClock reports a dotted clock time after "в" or "к" with a valid hour
// and minute.
func dottedClock(text string) (hour, minute int, ok bool) {
	m := dottedClockRe.FindStringSubmatch(text)
	if m == nil {
		return 0, 0, false
	}
	h, _ := strconv.Atoi(m[1])
	mm, _ := strconv.Atoi(m[2])
	if h >= 24 || mm >= 60 {
		return 0, 0, false
	}
	return h, mm, true
}

func parseTime(text string) (hour, minute int, ok bool) {
	if h, mm, ok := dottedClock(text); ok {
		return h, mm, true
	}
	if m := clockRe.FindStringSubmatch(text); m != nil {
		h, _ := strconv.Atoi(m[1])
		mm, _ := strconv.Atoi(m[2])
		if h < 24 && mm < 60 {
			return h, mm, true
		}
	}

	if m := hourWordRe.FindStringSubmatch(text); m != nil {
		h, _ := strconv.Atoi(m[1])
		switch m[2] {
		case "дня", "вечера":
			if h < 12 {
				h += 12
			}
		case "ночи", "утра":
			if h == 12 {
				h = 0
			}
		}
		if h < 24 {
			return h, 0, true
		}
	}

	for _, word := range strings.FieldsFunc(text, func(r rune) bool { return !unicode.IsLetter(r) }) {
		if h, ok := dayPartHours[word]; ok {
			return h, 0, true
		}
	}
	return 0, 0, false
}

var dayPartHours = map[string]int{
	"утром":   MorningHour,
	"утра":    MorningHour,
	"утро":    MorningHour,
	"днем":    MiddayHour,
	"обед":    MiddayHour,
	"обеда":   MiddayHour,
	"полдень": MiddayHour,
	"вечером": EveningHour,
	"вечера":  EveningHour,
	"вечер":   EveningHour,
}

// nextWeekday returns the first day strictly after today falling on wd.
func nextWeekday(today time.Time, wd time.Weekday) time.Time {
	days := (int(wd) - int(today.Weekday()) + 7) % 7
	if days == 0 {
		days = 7
	}
	return today.AddDate(0, 0, days)
}

// upcomingWeekday returns today if it falls on wd, else the next such day.
func upcomingWeekday(today time.Time, wd time.Weekday) time.Time {
	days := (int(wd) - int(today.Weekday()) + 7) % 7
	return today.AddDate(0, 0, days)
}

func validDate(year, month, day int) bool {
	if month < 1 || month > 12 || day < 1 {
		return false
	}
	d := time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC)
	return d.Day() == day
}

// shiftWeekend moves a Saturday or Sunday to the following Monday 09:00 and
// never returns a time before now.
func shiftWeekend(t, now time.Time) time.Time {
	wd := t.Weekday()
	if wd != time.Saturday && wd != time.Sunday {
		return t
	}
	days := 2
	if wd == time.Sunday {
		days = 1
	}
	monday := time.Date(t.Year(), t.Month(), t.Day()+days, MorningHour, 0, 0, 0, t.Location())
	for monday.Before(now) {
		monday = monday.AddDate(0, 0, 7)
	}
	return monday
}

// IsWeekend reports whether t falls on Saturday or Sunday.
func IsWeekend(t time.Time) bool {
	return t.Weekday() == time.Saturday || t.Weekday() == time.Sunday
}

// DefaultDeadline is the deadline used when no phrase was recognized: days
// after now at 23:59 in now's location.
func DefaultDeadline(now time.Time, days int) time.Time {
	d := now.AddDate(0, 0, days)
	return time.Date(d.Year(), d.Month(), d.Day(), 23, 59, 0, 0, d.Location())
}
