package recurrence

import (
	"reflect"
	"sort"
	"testing"
	"time"

	apperrors "github.com/julianstephens/cadence/internal/errors"
	"github.com/julianstephens/cadence/internal/models"
)

func TestExpandDays(t *testing.T) {
	tests := []struct {
		name   string
		rule   models.Recurrence
		from   string
		to     string
		pauses []models.Pause
		want   []string
	}{
		{
			name: "daily",
			rule: models.Recurrence{Type: models.RecurrenceDaily},
			from: "2026-03-02",
			to:   "2026-03-05",
			want: []string{"2026-03-02", "2026-03-03", "2026-03-04", "2026-03-05"},
		},
		{
			name: "every third day from anchor",
			rule: models.Recurrence{Type: models.RecurrenceDaily, Interval: 3, Anchor: "2026-03-02"},
			from: "2026-03-02",
			to:   "2026-03-12",
			want: []string{"2026-03-02", "2026-03-05", "2026-03-08", "2026-03-11"},
		},
		{
			name: "interval stays aligned to anchor when range starts later",
			rule: models.Recurrence{Type: models.RecurrenceDaily, Interval: 3, Anchor: "2026-03-02"},
			from: "2026-03-04",
			to:   "2026-03-12",
			want: []string{"2026-03-05", "2026-03-08", "2026-03-11"},
		},
		{
			name: "nothing before the anchor",
			rule: models.Recurrence{Type: models.RecurrenceDaily, Anchor: "2026-03-04"},
			from: "2026-03-01",
			to:   "2026-03-05",
			want: []string{"2026-03-04", "2026-03-05"},
		},
		{
			name: "weekly on monday wednesday friday",
			rule: models.Recurrence{
				Type:        models.RecurrenceWeekly,
				WeekdayMask: []time.Weekday{time.Friday, time.Monday, time.Wednesday},
			},
			from: "2026-03-02",
			to:   "2026-03-08",
			want: []string{"2026-03-02", "2026-03-04", "2026-03-06"},
		},
		{
			name: "every other week on monday",
			rule: models.Recurrence{
				Type:        models.RecurrenceWeekly,
				Interval:    2,
				WeekdayMask: []time.Weekday{time.Monday},
				Anchor:      "2026-03-02",
			},
			from: "2026-03-01",
			to:   "2026-03-31",
			want: []string{"2026-03-02", "2026-03-16", "2026-03-30"},
		},
		{
			name: "month end skipped in shorter months",
			rule: models.Recurrence{Type: models.RecurrenceMonthlyDate, MonthDay: 31},
			from: "2026-01-01",
			to:   "2026-06-30",
			want: []string{"2026-01-31", "2026-03-31", "2026-05-31"},
		},
		{
			name: "every other month on the 15th",
			rule: models.Recurrence{Type: models.RecurrenceMonthlyDate, MonthDay: 15, Interval: 2, Anchor: "2026-01-01"},
			from: "2026-01-01",
			to:   "2026-06-30",
			want: []string{"2026-01-15", "2026-03-15", "2026-05-15"},
		},
		{
			name: "last friday",
			rule: models.Recurrence{Type: models.RecurrenceMonthlyDay, WeekOccurrence: -1, DayOfWeekInMonth: time.Friday},
			from: "2026-01-01",
			to:   "2026-02-28",
			want: []string{"2026-01-30", "2026-02-27"},
		},
		{
			name: "fifth monday only exists in some months",
			rule: models.Recurrence{Type: models.RecurrenceMonthlyDay, WeekOccurrence: 5, DayOfWeekInMonth: time.Monday},
			from: "2026-01-01",
			to:   "2026-03-31",
			want: []string{"2026-03-30"},
		},
		{
			name:   "paused range removed",
			rule:   models.Recurrence{Type: models.RecurrenceDaily},
			from:   "2026-03-02",
			to:     "2026-03-09",
			pauses: []models.Pause{{From: "2026-03-06", Until: "2026-03-08"}},
			want:   []string{"2026-03-02", "2026-03-03", "2026-03-04", "2026-03-05", "2026-03-09"},
		},
		{
			name:   "open pause removes the tail",
			rule:   models.Recurrence{Type: models.RecurrenceDaily},
			from:   "2026-03-02",
			to:     "2026-03-09",
			pauses: []models.Pause{{From: "2026-03-04"}},
			want:   []string{"2026-03-02", "2026-03-03"},
		},
		{
			name: "empty range",
			rule: models.Recurrence{Type: models.RecurrenceDaily},
			from: "2026-03-09",
			to:   "2026-03-02",
			want: []string{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ExpandDays(tt.rule, tt.from, tt.to, tt.pauses...)
			if err != nil {
				t.Fatalf("ExpandDays() error = %v", err)
			}
			if len(got) == 0 && len(tt.want) == 0 {
				return
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("ExpandDays() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestExpandIsDeterministic(t *testing.T) {
	rules := []models.Recurrence{
		{Type: models.RecurrenceDaily, Interval: 2, Anchor: "2026-01-03"},
		{Type: models.RecurrenceWeekly, WeekdayMask: []time.Weekday{time.Tuesday, time.Tuesday, time.Sunday}},
		{Type: models.RecurrenceMonthlyDate, MonthDay: 29},
		{Type: models.RecurrenceMonthlyDay, WeekOccurrence: 2, DayOfWeekInMonth: time.Thursday},
	}

	for _, rule := range rules {
		first, err := ExpandDays(rule, "2026-01-01", "2027-12-31")
		if err != nil {
			t.Fatalf("ExpandDays(%v) error = %v", rule.Type, err)
		}
		second, err := ExpandDays(rule, "2026-01-01", "2027-12-31")
		if err != nil {
			t.Fatalf("ExpandDays(%v) error = %v", rule.Type, err)
		}

		if !reflect.DeepEqual(first, second) {
			t.Errorf("%s: two expansions differ", rule.Type)
		}
		if !sort.StringsAreSorted(first) {
			t.Errorf("%s: result is not sorted", rule.Type)
		}
		seen := make(map[string]bool)
		for _, d := range first {
			if seen[d] {
				t.Errorf("%s: duplicate day %s", rule.Type, d)
			}
			seen[d] = true
		}
	}
}

func TestExpandUsesOwnerTimezone(t *testing.T) {
	tokyo, err := time.LoadLocation("Asia/Tokyo")
	if err != nil {
		t.Skip("timezone database not available")
	}

	// 20:00 UTC on the 2nd is already the 3rd in Tokyo
	from := time.Date(2026, 3, 2, 20, 0, 0, 0, time.UTC)
	to := from.Add(24 * time.Hour)

	days, err := Expand(models.Recurrence{Type: models.RecurrenceDaily}, from, to, tokyo)
	if err != nil {
		t.Fatalf("Expand() error = %v", err)
	}
	if len(days) != 2 || days[0].Day() != 3 || days[1].Day() != 4 {
		t.Errorf("Expand() = %v, want the 3rd and 4th", days)
	}
}

func TestExpandRejectsInvalidRule(t *testing.T) {
	_, err := ExpandDays(models.Recurrence{Type: models.RecurrenceWeekly}, "2026-03-01", "2026-03-31")
	if err == nil {
		t.Fatal("expected an error for a weekly rule without weekdays")
	}
	if !apperrors.IsValidation(err) {
		t.Errorf("expected a validation error, got %T: %v", err, err)
	}
}
