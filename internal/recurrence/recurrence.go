// Package recurrence expands a habit's recurrence rule into the calendar days
// that need an instance. Everything here is pure: the same inputs always
// produce the same sorted, duplicate-free result.
package recurrence

import (
	"time"

	"github.com/julianstephens/cadence/internal/models"
	"github.com/julianstephens/cadence/internal/utils"
)

// Expand returns the days in [from, to] on which rule is due, in ascending
// order. from and to are instants; each is converted to a calendar day in loc.
// Days covered by any of pauses are dropped, as are days before the rule's
// anchor. Days that don't exist in a month (the 31st of April) are skipped.
func Expand(rule models.Recurrence, from, to time.Time, loc *time.Location, pauses ...models.Pause) ([]time.Time, error) {
	if err := rule.Validate(); err != nil {
		return nil, err
	}
	if loc == nil {
		loc = time.UTC
	}

	start := utils.TodayIn(from, loc)
	end := utils.TodayIn(to, loc)
	if end.Before(start) {
		return nil, nil
	}

	anchor := start
	if rule.Anchor != "" {
		a, err := utils.ParseDay(rule.Anchor)
		if err != nil {
			return nil, err
		}
		anchor = a
		if start.Before(anchor) {
			start = anchor
		}
	}

	var days []time.Time
	for d := start; !d.After(end); d = d.AddDate(0, 0, 1) {
		if !Matches(rule, anchor, d) {
			continue
		}
		if models.Paused(pauses, utils.FormatDay(d)) {
			continue
		}
		days = append(days, d)
	}
	return days, nil
}

// ExpandDays is Expand over YYYY-MM-DD bounds, returning YYYY-MM-DD strings.
func ExpandDays(rule models.Recurrence, from, to string, pauses ...models.Pause) ([]string, error) {
	start, err := utils.ParseDay(from)
	if err != nil {
		return nil, err
	}
	end, err := utils.ParseDay(to)
	if err != nil {
		return nil, err
	}

	days, err := Expand(rule, start, end, time.UTC, pauses...)
	if err != nil {
		return nil, err
	}
	out := make([]string, len(days))
	for i, d := range days {
		out[i] = utils.FormatDay(d)
	}
	return out, nil
}

// Matches reports whether rule is due on date, counting intervals from anchor.
// Both dates must be calendar days (midnight UTC).
func Matches(rule models.Recurrence, anchor, date time.Time) bool {
	if date.Before(anchor) {
		return false
	}
	every := rule.Every()

	switch rule.Type {
	case models.RecurrenceDaily:
		return utils.DaysBetween(anchor, date)%every == 0
	case models.RecurrenceWeekly:
		weeks := utils.DaysBetween(utils.WeekStart(anchor), utils.WeekStart(date)) / 7
		if weeks%every != 0 {
			return false
		}
		for _, wd := range rule.WeekdayMask {
			if date.Weekday() == wd {
				return true
			}
		}
		return false
	case models.RecurrenceMonthlyDate:
		if monthsBetween(anchor, date)%every != 0 {
			return false
		}
		// A month without the day never matches, so Feb 31 is skipped rather than rolled forward
		return date.Day() == rule.MonthDay
	case models.RecurrenceMonthlyDay:
		if monthsBetween(anchor, date)%every != 0 {
			return false
		}
		return isNthWeekdayOfMonth(date, rule.DayOfWeekInMonth, rule.WeekOccurrence)
	default:
		return false
	}
}

func monthsBetween(a, b time.Time) int {
	return (b.Year()-a.Year())*12 + int(b.Month()) - int(a.Month())
}

// isNthWeekdayOfMonth checks if the given date is the nth occurrence of a weekday in its month
// occurrence: -1 for last, 1 for first, 2 for second, etc.
func isNthWeekdayOfMonth(date time.Time, weekday time.Weekday, occurrence int) bool {
	if date.Weekday() != weekday {
		return false
	}

	if occurrence == -1 {
		// Last occurrence: a week later falls in the next month
		nextWeek := date.AddDate(0, 0, 7)
		return nextWeek.Month() != date.Month()
	}

	if occurrence < 1 || occurrence > 5 {
		return false
	}
	return (date.Day()-1)/7+1 == occurrence
}
