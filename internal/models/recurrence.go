package models

import (
	"time"

	apperrors "github.com/julianstephens/cadence/internal/errors"
)

type RecurrenceType string

const (
	RecurrenceDaily       RecurrenceType = "daily"
	RecurrenceWeekly      RecurrenceType = "weekly"
	RecurrenceMonthlyDate RecurrenceType = "monthly-date"
	RecurrenceMonthlyDay  RecurrenceType = "monthly-day"
)

// Recurrence describes which calendar days a habit is due on. Interval counts
// periods of the rule's own frequency from Anchor (every N days, weeks or months).
type Recurrence struct {
	Type             RecurrenceType `json:"type" yaml:"type"`
	Interval         int            `json:"interval,omitempty" yaml:"interval,omitempty"`
	WeekdayMask      []time.Weekday `json:"weekday_mask,omitempty" yaml:"weekday_mask,omitempty"`
	MonthDay         int            `json:"month_day,omitempty" yaml:"month_day,omitempty"`
	WeekOccurrence   int            `json:"week_occurrence,omitempty" yaml:"week_occurrence,omitempty"` // 1-5, or -1 for last
	DayOfWeekInMonth time.Weekday   `json:"day_of_week_in_month,omitempty" yaml:"day_of_week_in_month,omitempty"`
	Anchor           string         `json:"anchor,omitempty" yaml:"anchor,omitempty"` // YYYY-MM-DD
}

// Every returns the interval multiplier, treating zero as 1.
func (r Recurrence) Every() int {
	if r.Interval <= 0 {
		return 1
	}
	return r.Interval
}

// Validate checks the rule is expandable.
func (r Recurrence) Validate() error {
	if r.Interval < 0 {
		return apperrors.Validationf("recurrence.interval", "must be at least 1, got %d", r.Interval)
	}
	if r.Anchor != "" {
		if _, err := time.Parse("2006-01-02", r.Anchor); err != nil {
			return apperrors.Validationf("recurrence.anchor", "invalid date %q (expected YYYY-MM-DD)", r.Anchor)
		}
	}

	switch r.Type {
	case RecurrenceDaily:
		return nil
	case RecurrenceWeekly:
		if len(r.WeekdayMask) == 0 {
			return apperrors.Validationf("recurrence.weekday_mask", "weekdays must be specified for weekly recurrence")
		}
		for _, wd := range r.WeekdayMask {
			if wd < time.Sunday || wd > time.Saturday {
				return apperrors.Validationf("recurrence.weekday_mask", "invalid weekday %d", wd)
			}
		}
		return nil
	case RecurrenceMonthlyDate:
		if r.MonthDay < 1 || r.MonthDay > 31 {
			return apperrors.Validationf("recurrence.month_day", "must be between 1 and 31, got %d", r.MonthDay)
		}
		return nil
	case RecurrenceMonthlyDay:
		if r.WeekOccurrence != -1 && (r.WeekOccurrence < 1 || r.WeekOccurrence > 5) {
			return apperrors.Validationf("recurrence.week_occurrence", "must be 1-5 or -1 (last), got %d", r.WeekOccurrence)
		}
		if r.DayOfWeekInMonth < time.Sunday || r.DayOfWeekInMonth > time.Saturday {
			return apperrors.Validationf("recurrence.day_of_week_in_month", "invalid weekday %d", r.DayOfWeekInMonth)
		}
		return nil
	case "":
		return apperrors.Validationf("recurrence.type", "is required")
	default:
		return apperrors.Validationf("recurrence.type", "unsupported recurrence %q", r.Type)
	}
}
