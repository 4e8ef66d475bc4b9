// Package streak maintains per-habit streak state from dated instance
// outcomes, applying grace days, pauses and weekly quotas.
package streak

import (
	"sort"

	apperrors "github.com/julianstephens/cadence/internal/errors"
	"github.com/julianstephens/cadence/internal/models"
	"github.com/julianstephens/cadence/internal/utils"
)

// Params are the habit settings that shape a replay.
type Params struct {
	GraceDays   int
	WeeklyQuota int
}

// Day is the outcome of one instance as seen by the streak engine.
type Day struct {
	Date     string
	Complete bool
	// Skip marks a paused or excluded date. It neither extends nor breaks
	// the streak.
	Skip bool
}

// BuildDays converts instances into replay input, marking dates covered by
// a pause or an excluded instance as skipped. The result is in date order.
func BuildDays(instances []models.HabitInstance, pauses []models.Pause) []Day {
	days := make([]Day, 0, len(instances))
	for _, inst := range instances {
		days = append(days, Day{
			Date:     inst.Day,
			Complete: inst.IsComplete(),
			Skip:     inst.Excluded || models.Paused(pauses, inst.Day),
		})
	}
	sort.Slice(days, func(i, j int) bool { return days[i].Date < days[j].Date })
	return days
}

// Fresh returns the state a full rebuild starts from.
func Fresh(state models.StreakState, graceDays int) models.StreakState {
	return models.StreakState{
		HabitID:        state.HabitID,
		GraceRemaining: graceDays,
		Version:        state.Version,
		UpdatedAt:      state.UpdatedAt,
	}
}

// Replay applies every day with LastEvaluatedDate < Date <= through to
// state and returns the result. Days outside that range are only consulted
// for the weekly quota window. days must be in date order.
//
// Per evaluated day: a skipped day changes nothing; a complete day, or a
// day whose trailing seven days hold WeeklyQuota completions, extends the
// streak; otherwise one grace unit is consumed if available, else the
// streak resets. Grace refills to GraceDays whenever evaluation enters a
// new ISO week.
func Replay(state models.StreakState, p Params, days []Day, through string) (models.StreakState, error) {
	next := state
	if next.GraceRemaining > p.GraceDays {
		next.GraceRemaining = p.GraceDays
	}
	if next.GraceRemaining < 0 {
		next.GraceRemaining = 0
	}

	cursor := next.LastEvaluatedDate
	for i, d := range days {
		if d.Date <= cursor || d.Date > through {
			continue
		}
		if err := enterDay(&next, p, cursor, d.Date); err != nil {
			return state, err
		}
		cursor = d.Date

		if d.Skip {
			continue
		}

		met := d.Complete
		if !met && p.WeeklyQuota > 0 {
			var err error
			if met, err = quotaMet(days, i, p.WeeklyQuota); err != nil {
				return state, err
			}
		}

		switch {
		case met:
			next.CurrentStreak++
			if next.CurrentStreak > next.BestStreak {
				next.BestStreak = next.CurrentStreak
			}
			next.LastCompletedDate = d.Date
		case next.GraceRemaining > 0:
			next.GraceRemaining--
		default:
			next.CurrentStreak = 0
		}
	}

	if through > cursor {
		if err := enterDay(&next, p, cursor, through); err != nil {
			return state, err
		}
		cursor = through
	}
	if cursor > next.LastEvaluatedDate {
		next.LastEvaluatedDate = cursor
	}
	return next, nil
}

// enterDay refills grace when day falls in a later ISO week than prev.
func enterDay(state *models.StreakState, p Params, prev, day string) error {
	if prev == "" {
		state.GraceRemaining = p.GraceDays
		return nil
	}
	prevWeek, err := weekOf(prev)
	if err != nil {
		return err
	}
	week, err := weekOf(day)
	if err != nil {
		return err
	}
	if week != prevWeek {
		state.GraceRemaining = p.GraceDays
	}
	return nil
}

func weekOf(day string) (string, error) {
	t, err := utils.ParseDay(day)
	if err != nil {
		return "", err
	}
	return utils.FormatDay(utils.WeekStart(t)), nil
}

// quotaMet reports whether the seven days ending at days[i] hold at least
// quota completed, non-skipped days.
func quotaMet(days []Day, i, quota int) (bool, error) {
	end := days[i].Date
	start, err := utils.ShiftDay(end, -6)
	if err != nil {
		return false, err
	}

	count := 0
	for j := i; j >= 0 && days[j].Date >= start; j-- {
		if days[j].Complete && !days[j].Skip {
			count++
		}
	}
	return count >= quota, nil
}

// Check enforces the streak invariants on a computed state before it is
// persisted. Incremental evaluations additionally may not lower the best
// streak or move the evaluation cursor backwards.
func Check(prev, next models.StreakState, p Params, incremental bool) error {
	if next.CurrentStreak < 0 || next.CurrentStreak > next.BestStreak {
		return apperrors.Invariantf("streak-bounds", "current %d outside [0, best %d]", next.CurrentStreak, next.BestStreak)
	}
	if next.GraceRemaining < 0 || next.GraceRemaining > p.GraceDays {
		return apperrors.Invariantf("grace-bounds", "grace remaining %d outside [0, %d]", next.GraceRemaining, p.GraceDays)
	}
	if next.LastCompletedDate != "" && next.LastCompletedDate > next.LastEvaluatedDate {
		return apperrors.Invariantf("completion-order", "last completed %s after last evaluated %s", next.LastCompletedDate, next.LastEvaluatedDate)
	}
	if incremental {
		if next.BestStreak < prev.BestStreak {
			return apperrors.Invariantf("best-monotonic", "best streak dropped from %d to %d", prev.BestStreak, next.BestStreak)
		}
		if next.LastEvaluatedDate < prev.LastEvaluatedDate {
			return apperrors.Invariantf("evaluation-monotonic", "last evaluated moved back from %s to %s", prev.LastEvaluatedDate, next.LastEvaluatedDate)
		}
	}
	return nil
}
