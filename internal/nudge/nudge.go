// Package nudge picks which reminders are worth sending right now. Select is
// pure: the caller gathers today's state and hands the result to a
// delivery collaborator.
package nudge

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/julianstephens/cadence/internal/constants"
	"github.com/julianstephens/cadence/internal/utils"
)

type Reason string

const (
	ReasonRisk           Reason = "risk"
	ReasonAccountability Reason = "accountability"
	ReasonMomentum       Reason = "momentum"
)

// rank orders reasons; lower sorts first.
var rank = map[Reason]int{
	ReasonRisk:           0,
	ReasonAccountability: 1,
	ReasonMomentum:       2,
}

// HabitState is one habit as seen at Input.Now.
type HabitState struct {
	HabitID string
	Title   string

	// Pending is true when today's instance exists, is not complete and is
	// not excluded by a pause.
	Pending bool
	// ClosesAt is the end of today's instance window, or the end of the
	// day when it has none.
	ClosesAt time.Time

	CurrentStreak int

	WeeklyQuota   int
	WeekCompleted int
	// WeekDaysLeft counts the days left in the ISO week, today included.
	WeekDaysLeft int
}

type Input struct {
	Now      time.Time
	Location *time.Location
	Habits   []HabitState

	// Nudges already delivered today.
	DeliveredToday    int
	DeliveredPerHabit map[string]int
}

// Policy throttles the result. Zero limits mean unlimited; empty quiet
// hours disable the quiet period.
type Policy struct {
	LeadTime               time.Duration
	Milestones             []int
	AccountabilityDaysLeft int
	MaxPerDay              int
	MaxPerHabitPerDay      int
	QuietStart             string // HH:MM format
	QuietEnd               string // HH:MM format
}

func DefaultPolicy() Policy {
	return Policy{
		LeadTime:               constants.DefaultNudgeLeadTime,
		Milestones:             slices.Clone(constants.DefaultMilestones),
		AccountabilityDaysLeft: constants.DefaultNudgeAccountabilityDaysLeft,
		MaxPerDay:              constants.DefaultNudgeMaxPerDay,
		MaxPerHabitPerDay:      constants.DefaultNudgeMaxPerHabitPerDay,
	}
}

type Candidate struct {
	HabitID   string    `json:"habit_id"`
	Title     string    `json:"title"`
	Reason    Reason    `json:"reason"`
	Message   string    `json:"message"`
	ClosesAt  time.Time `json:"closes_at,omitempty"`
	Shortfall int       `json:"shortfall,omitempty"`
	Milestone int       `json:"milestone,omitempty"`
}

// Select returns the ranked, throttled candidates for in.
func Select(in Input, p Policy) []Candidate {
	if inQuietHours(in.Now, in.Location, p.QuietStart, p.QuietEnd) {
		return nil
	}

	var all []Candidate
	for _, h := range in.Habits {
		if c, ok := risk(in.Now, h, p); ok {
			all = append(all, c)
		}
		if c, ok := accountability(h, p); ok {
			all = append(all, c)
		}
		if c, ok := momentum(h, p); ok {
			all = append(all, c)
		}
	}

	slices.SortFunc(all, compare)

	perHabit := make(map[string]int, len(in.DeliveredPerHabit))
	for id, n := range in.DeliveredPerHabit {
		perHabit[id] = n
	}
	total := in.DeliveredToday

	var out []Candidate
	for _, c := range all {
		if p.MaxPerDay > 0 && total >= p.MaxPerDay {
			break
		}
		if p.MaxPerHabitPerDay > 0 && perHabit[c.HabitID] >= p.MaxPerHabitPerDay {
			continue
		}
		out = append(out, c)
		perHabit[c.HabitID]++
		total++
	}
	return out
}

func risk(now time.Time, h HabitState, p Policy) (Candidate, bool) {
	if !h.Pending || h.ClosesAt.IsZero() || !h.ClosesAt.After(now) {
		return Candidate{}, false
	}
	left := h.ClosesAt.Sub(now)
	if left > p.LeadTime {
		return Candidate{}, false
	}
	return Candidate{
		HabitID:  h.HabitID,
		Title:    h.Title,
		Reason:   ReasonRisk,
		ClosesAt: h.ClosesAt,
		Message:  fmt.Sprintf("%s closes in %d min", h.Title, int(left.Round(time.Minute).Minutes())),
	}, true
}

func accountability(h HabitState, p Policy) (Candidate, bool) {
	if h.WeeklyQuota <= 0 || h.WeekDaysLeft <= 0 {
		return Candidate{}, false
	}
	needed := h.WeeklyQuota - h.WeekCompleted
	if needed <= 0 {
		return Candidate{}, false
	}
	if h.WeekDaysLeft > p.AccountabilityDaysLeft && needed < h.WeekDaysLeft {
		return Candidate{}, false
	}
	return Candidate{
		HabitID:   h.HabitID,
		Title:     h.Title,
		Reason:    ReasonAccountability,
		Shortfall: needed,
		Message:   fmt.Sprintf("%s: %d more this week, %d days left", h.Title, needed, h.WeekDaysLeft),
	}, true
}

func momentum(h HabitState, p Policy) (Candidate, bool) {
	if !h.Pending {
		return Candidate{}, false
	}
	next := h.CurrentStreak + 1
	if !slices.Contains(p.Milestones, next) {
		return Candidate{}, false
	}
	return Candidate{
		HabitID:   h.HabitID,
		Title:     h.Title,
		Reason:    ReasonMomentum,
		Milestone: next,
		Message:   fmt.Sprintf("%s today makes a %d-day streak", h.Title, next),
	}, true
}

func compare(a, b Candidate) int {
	if d := rank[a.Reason] - rank[b.Reason]; d != 0 {
		return d
	}
	switch a.Reason {
	case ReasonRisk:
		if c := a.ClosesAt.Compare(b.ClosesAt); c != 0 {
			return c
		}
	case ReasonAccountability:
		if d := b.Shortfall - a.Shortfall; d != 0 {
			return d
		}
	case ReasonMomentum:
		if d := b.Milestone - a.Milestone; d != 0 {
			return d
		}
	}
	return strings.Compare(a.HabitID, b.HabitID)
}

// inQuietHours reports whether now falls in [start, end) local time. The
// interval wraps midnight when end is not after start.
func inQuietHours(now time.Time, loc *time.Location, start, end string) bool {
	if start == "" || end == "" {
		return false
	}
	from, err := utils.ParseTimeToMinutes(start)
	if err != nil {
		return false
	}
	to, err := utils.ParseTimeToMinutes(end)
	if err != nil {
		return false
	}
	if from == to {
		return false
	}
	if loc == nil {
		loc = time.UTC
	}
	local := now.In(loc)
	m := local.Hour()*60 + local.Minute()

	if from < to {
		return m >= from && m < to
	}
	return m >= from || m < to
}
