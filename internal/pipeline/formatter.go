package pipeline

import (
	"fmt"
	"strings"

	"github.com/Zolokon/business-planner-sub000/internal/business"
	"github.com/Zolokon/business-planner-sub000/internal/estimate"
	"github.com/Zolokon/business-planner-sub000/internal/tasks"
)

var priorityNames = map[int]string{
	1: "ВЫСОКИЙ",
	2: "СРЕДНИЙ",
	3: "НИЗКИЙ",
	4: "ОТЛОЖЕННЫЙ",
}

// Formatter renders an assembled task as the reply text.
type Formatter struct {
	catalog *business.Catalog
}

// NewFormatter creates a Formatter.
func NewFormatter(catalog *business.Catalog) *Formatter {
	return &Formatter{catalog: catalog}
}

// Format renders t with its estimate.
func (f *Formatter) Format(t *tasks.Task, est estimate.Estimate) string {
	name := fmt.Sprintf("Бизнес %d", t.BusinessID)
	if ctx, ok := f.catalog.Get(t.BusinessID); ok {
		name = ctx.Name
	}
	prio, ok := priorityNames[t.Priority]
	if !ok {
		prio = priorityNames[2]
	}

	var b strings.Builder
	fmt.Fprintf(&b, "ЗАДАЧА СОЗДАНА\n\n%s\n\nБизнес:    %s\nПриоритет: %s", t.Title, name, prio)

	if t.Deadline != nil {
		d := *t.Deadline
		if d.Hour() != 0 || d.Minute() != 0 {
			fmt.Fprintf(&b, "\nДедлайн:   %s", d.Format("02.01.2006 в 15:04"))
		} else {
			fmt.Fprintf(&b, "\nДедлайн:   %s", d.Format("02.01.2006"))
		}
	}
	if t.Assignee != nil {
		fmt.Fprintf(&b, "\nИсполнитель: %s", *t.Assignee)
	}
	if t.EstimatedMinutes != nil {
		label := "(оценка)"
		if est.Confidence == estimate.ConfidenceHigh {
			label = "(высокая точность)"
		}
		fmt.Fprintf(&b, "\nВремя:     %s %s", FormatMinutes(*t.EstimatedMinutes), label)
	}
	return b.String()
}

// FormatMinutes renders a duration as "1 ч 30 мин", "2 ч" or "45 мин".
func FormatMinutes(minutes int) string {
	h, m := minutes/60, minutes%60
	switch {
	case h > 0 && m > 0:
		return fmt.Sprintf("%d ч %d мин", h, m)
	case h > 0:
		return fmt.Sprintf("%d ч", h)
	default:
		return fmt.Sprintf("%d мин", m)
	}
}
