package shared

import (
	"fmt"
	"time"
)

// BillingPeriodStartDay is the first calendar day of every billing window.
const BillingPeriodStartDay = 16

// BillingPeriod is a fixed 16th-to-15th window. Start and End are calendar
// dates at 00:00 UTC and both are inclusive.
type BillingPeriod struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// BillingPeriodFor returns the window that closes on the 15th of the given month.
func BillingPeriodFor(year int, month time.Month) BillingPeriod {
	end := time.Date(year, month, BillingPeriodStartDay-1, 0, 0, 0, 0, time.UTC)
	start := time.Date(year, month-1, BillingPeriodStartDay, 0, 0, 0, 0, time.UTC)
	return BillingPeriod{Start: start, End: end}
}

// BillingPeriodContaining returns the window that contains t.
func BillingPeriodContaining(t time.Time) BillingPeriod {
	t = t.UTC()
	if t.Day() >= BillingPeriodStartDay {
		next := time.Date(t.Year(), t.Month()+1, 1, 0, 0, 0, 0, time.UTC)
		return BillingPeriodFor(next.Year(), next.Month())
	}
	return BillingPeriodFor(t.Year(), t.Month())
}

// NewBillingPeriod normalises arbitrary bounds to whole UTC dates.
func NewBillingPeriod(start, end time.Time) (BillingPeriod, error) {
	p := BillingPeriod{Start: truncateDay(start), End: truncateDay(end)}
	if p.Start.IsZero() || p.End.IsZero() {
		return BillingPeriod{}, Validation("billing period", "start and end are required")
	}
	if p.End.Before(p.Start) {
		return BillingPeriod{}, Validation("billing period", "end %s before start %s", p.End.Format(time.DateOnly), p.Start.Format(time.DateOnly))
	}
	return p, nil
}

// AlignedBillingPeriod accepts only bounds that form exactly one 16th-to-15th
// window. Cost rows are keyed by that window.
func AlignedBillingPeriod(start, end time.Time) (BillingPeriod, error) {
	p, err := NewBillingPeriod(start, end)
	if err != nil {
		return BillingPeriod{}, err
	}
	want := BillingPeriodContaining(p.Start)
	if !p.Start.Equal(want.Start) || !p.End.Equal(want.End) {
		return BillingPeriod{}, Validation("billing period", "%s is not a billing period; periods run from the %dth to the %dth, e.g. %s",
			p.Label(), BillingPeriodStartDay, BillingPeriodStartDay-1, want.Label())
	}
	return p, nil
}

// Contains reports whether t falls on a date inside the window.
func (p BillingPeriod) Contains(t time.Time) bool {
	return !t.Before(p.Start) && t.Before(p.EndExclusive())
}

// EndExclusive is the first instant after the window.
func (p BillingPeriod) EndExclusive() time.Time {
	return p.End.AddDate(0, 0, 1)
}

// WeekEndings lists every Saturday inside the window in ascending order.
func (p BillingPeriod) WeekEndings() []time.Time {
	first := p.Start
	for first.Weekday() != time.Saturday {
		first = first.AddDate(0, 0, 1)
	}
	var out []time.Time
	for d := first; !d.After(p.End); d = d.AddDate(0, 0, 7) {
		out = append(out, d)
	}
	return out
}

// Label renders the window as YYYY-MM-DD..YYYY-MM-DD.
func (p BillingPeriod) Label() string {
	return fmt.Sprintf("%s..%s", p.Start.Format(time.DateOnly), p.End.Format(time.DateOnly))
}

// SnapshotInstant is the exclusive cut-off for a week-ending date: the end of that Saturday.
func SnapshotInstant(weekEnding time.Time) time.Time {
	return truncateDay(weekEnding).AddDate(0, 0, 1)
}

func truncateDay(t time.Time) time.Time {
	if t.IsZero() {
		return t
	}
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
