package nudge

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Thursday evening.
var now = time.Date(2026, 3, 5, 20, 30, 0, 0, time.UTC)

func midnight() time.Time {
	return time.Date(2026, 3, 6, 0, 0, 0, 0, time.UTC)
}

func reasons(cs []Candidate) []string {
	out := make([]string, len(cs))
	for i, c := range cs {
		out[i] = c.HabitID + "/" + string(c.Reason)
	}
	return out
}

func unthrottled() Policy {
	p := DefaultPolicy()
	p.MaxPerDay = 0
	p.MaxPerHabitPerDay = 0
	return p
}

func TestSelectRisk(t *testing.T) {
	tests := []struct {
		name  string
		habit HabitState
		want  bool
	}{
		{"closes within lead time", HabitState{HabitID: "a", Pending: true, ClosesAt: now.Add(30 * time.Minute)}, true},
		{"closes exactly at lead time", HabitState{HabitID: "a", Pending: true, ClosesAt: now.Add(time.Hour)}, true},
		{"closes later", HabitState{HabitID: "a", Pending: true, ClosesAt: now.Add(2 * time.Hour)}, false},
		{"already closed", HabitState{HabitID: "a", Pending: true, ClosesAt: now.Add(-time.Minute)}, false},
		{"already complete", HabitState{HabitID: "a", Pending: false, ClosesAt: now.Add(30 * time.Minute)}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Select(Input{Now: now, Habits: []HabitState{tt.habit}}, unthrottled())
			if tt.want {
				require.Len(t, got, 1)
				assert.Equal(t, ReasonRisk, got[0].Reason)
			} else {
				assert.Empty(t, got)
			}
		})
	}
}

func TestSelectMomentum(t *testing.T) {
	in := Input{Now: now, Habits: []HabitState{
		{HabitID: "six", Pending: true, ClosesAt: midnight().Add(24 * time.Hour), CurrentStreak: 6},
		{HabitID: "five", Pending: true, ClosesAt: midnight().Add(24 * time.Hour), CurrentStreak: 5},
		{HabitID: "done", Pending: false, CurrentStreak: 6},
		{HabitID: "two", Pending: true, ClosesAt: midnight().Add(24 * time.Hour), CurrentStreak: 2},
	}}
	got := Select(in, unthrottled())
	assert.Equal(t, []string{"six/momentum", "two/momentum"}, reasons(got))
	assert.Equal(t, 7, got[0].Milestone)
	assert.Equal(t, 3, got[1].Milestone)
}

func TestSelectAccountability(t *testing.T) {
	tests := []struct {
		name  string
		habit HabitState
		want  int
	}{
		{"behind with few days left", HabitState{HabitID: "a", WeeklyQuota: 4, WeekCompleted: 2, WeekDaysLeft: 3}, 2},
		{"behind early in the week", HabitState{HabitID: "a", WeeklyQuota: 3, WeekCompleted: 0, WeekDaysLeft: 6}, 0},
		{"needs every remaining day", HabitState{HabitID: "a", WeeklyQuota: 6, WeekCompleted: 0, WeekDaysLeft: 6}, 6},
		{"quota met", HabitState{HabitID: "a", WeeklyQuota: 3, WeekCompleted: 3, WeekDaysLeft: 2}, 0},
		{"no quota", HabitState{HabitID: "a", WeekDaysLeft: 1}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Select(Input{Now: now, Habits: []HabitState{tt.habit}}, unthrottled())
			if tt.want == 0 {
				assert.Empty(t, got)
				return
			}
			require.Len(t, got, 1)
			assert.Equal(t, ReasonAccountability, got[0].Reason)
			assert.Equal(t, tt.want, got[0].Shortfall)
		})
	}
}

func TestSelectRanking(t *testing.T) {
	in := Input{Now: now, Habits: []HabitState{
		{HabitID: "m", Pending: true, ClosesAt: midnight(), CurrentStreak: 13},
		{HabitID: "q1", WeeklyQuota: 5, WeekCompleted: 4, WeekDaysLeft: 3},
		{HabitID: "q2", WeeklyQuota: 5, WeekCompleted: 2, WeekDaysLeft: 3},
		{HabitID: "r2", Pending: true, ClosesAt: now.Add(40 * time.Minute)},
		{HabitID: "r1", Pending: true, ClosesAt: now.Add(10 * time.Minute)},
		{HabitID: "r0", Pending: true, ClosesAt: now.Add(10 * time.Minute)},
	}}
	got := Select(in, unthrottled())
	assert.Equal(t, []string{
		"r0/risk", "r1/risk", "r2/risk",
		"q2/accountability", "q1/accountability",
		"m/momentum",
	}, reasons(got))
}

func TestSelectDeterministic(t *testing.T) {
	in := Input{Now: now, Habits: []HabitState{
		{HabitID: "b", Pending: true, ClosesAt: now.Add(10 * time.Minute), CurrentStreak: 2},
		{HabitID: "a", Pending: true, ClosesAt: now.Add(10 * time.Minute), CurrentStreak: 2},
	}}
	first := Select(in, unthrottled())
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, Select(in, unthrottled()))
	}
}

func TestSelectThrottling(t *testing.T) {
	habits := []HabitState{
		{HabitID: "a", Pending: true, ClosesAt: now.Add(10 * time.Minute), CurrentStreak: 2},
		{HabitID: "b", Pending: true, ClosesAt: now.Add(20 * time.Minute)},
		{HabitID: "c", Pending: true, ClosesAt: now.Add(30 * time.Minute)},
	}

	p := DefaultPolicy()
	p.MaxPerDay = 2
	got := Select(Input{Now: now, Habits: habits}, p)
	assert.Equal(t, []string{"a/risk", "b/risk"}, reasons(got), "one per habit, two per day")

	got = Select(Input{Now: now, Habits: habits, DeliveredToday: 1, DeliveredPerHabit: map[string]int{"a": 1}}, p)
	assert.Equal(t, []string{"b/risk"}, reasons(got))

	got = Select(Input{Now: now, Habits: habits, DeliveredToday: 2}, p)
	assert.Empty(t, got)
}

func TestSelectQuietHours(t *testing.T) {
	habits := []HabitState{{HabitID: "a", Pending: true, ClosesAt: now.Add(10 * time.Minute)}}

	tests := []struct {
		name       string
		start, end string
		quiet      bool
	}{
		{"disabled", "", "", false},
		{"evening window covers now", "20:00", "23:00", true},
		{"morning window", "06:00", "08:00", false},
		{"wraps midnight", "20:00", "07:00", true},
		{"wraps midnight before start", "21:00", "07:00", false},
		{"empty interval", "20:00", "20:00", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := unthrottled()
			p.QuietStart, p.QuietEnd = tt.start, tt.end
			got := Select(Input{Now: now, Location: time.UTC, Habits: habits}, p)
			assert.Equal(t, tt.quiet, len(got) == 0)
		})
	}
}

func TestQuietHoursUsesLocation(t *testing.T) {
	tokyo, err := time.LoadLocation("Asia/Tokyo")
	require.NoError(t, err)
	// 20:30 UTC is 05:30 in Tokyo.
	assert.True(t, inQuietHours(now, tokyo, "22:00", "07:00"))
	assert.False(t, inQuietHours(now, time.UTC, "22:00", "07:00"))
}
