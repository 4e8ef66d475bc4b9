// Package progress derives an instance's completion fraction and status from
// its logs.
package progress

import (
	"math"
	"sort"

	apperrors "github.com/julianstephens/cadence/internal/errors"
	"github.com/julianstephens/cadence/internal/models"
)

// StatusFor maps a progress fraction onto an instance status.
func StatusFor(progress float64) models.InstanceStatus {
	switch {
	case progress >= 1:
		return models.StatusComplete
	case progress > 0:
		return models.StatusInProgress
	default:
		return models.StatusPending
	}
}

// Live returns the logs that have not been undone, ordered by logged_at.
// The input slice is not modified.
func Live(logs []models.HabitLog) []models.HabitLog {
	live := make([]models.HabitLog, 0, len(logs))
	for _, l := range logs {
		if l.UndoneAt == nil {
			live = append(live, l)
		}
	}
	sort.SliceStable(live, func(i, j int) bool {
		if !live[i].LoggedAt.Equal(live[j].LoggedAt) {
			return live[i].LoggedAt.Before(live[j].LoggedAt)
		}
		return live[i].ID < live[j].ID
	})
	return live
}

// Compute folds the live logs into a progress fraction in [0, 1] and the
// matching status. Running totals are clamped into [0, target] after every
// log, so a surplus logged early cannot absorb a later correction.
func Compute(habitType models.HabitType, target models.Target, logs []models.HabitLog) (float64, models.InstanceStatus, error) {
	live := Live(logs)

	var p float64
	switch habitType {
	case models.HabitBinary:
		p = binary(live)
	case models.HabitQuantitative:
		p = clampedRatio(live, target.Numeric, func(v models.LogValue) float64 { return v.Amount })
	case models.HabitChecklist:
		p = checklist(live, target)
	case models.HabitTime:
		p = clampedRatio(live, float64(target.DurationSec), func(v models.LogValue) float64 { return float64(v.Seconds) })
	default:
		return 0, "", apperrors.Validationf("type", "unsupported habit type %q", habitType)
	}

	if math.IsNaN(p) || p < 0 || p > 1 {
		return 0, "", apperrors.Invariantf("progress-range", "progress %v outside [0,1] for %s instance", p, habitType)
	}
	return p, StatusFor(p), nil
}

func binary(logs []models.HabitLog) float64 {
	positive, negative := 0, 0
	for _, l := range logs {
		if l.Value.Negate {
			negative++
		} else {
			positive++
		}
	}
	if positive > negative {
		return 1
	}
	return 0
}

func clampedRatio(logs []models.HabitLog, target float64, amount func(models.LogValue) float64) float64 {
	if target <= 0 {
		return 0
	}
	total := 0.0
	for _, l := range logs {
		delta := amount(l.Value)
		if l.Value.Negate {
			delta = -delta
		}
		total = math.Max(0, math.Min(target, total+delta))
	}
	return total / target
}

func checklist(logs []models.HabitLog, target models.Target) float64 {
	required := target.RequiredItems()
	if len(required) == 0 {
		return 0
	}

	checked := make(map[string]bool)
	for _, l := range logs {
		if l.Value.Negate {
			delete(checked, l.Value.ItemID)
		} else {
			checked[l.Value.ItemID] = true
		}
	}

	done := 0
	for id := range required {
		if checked[id] {
			done++
		}
	}
	return float64(done) / float64(len(required))
}

// CheckValue rejects a log value that does not fit the habit type.
func CheckValue(habitType models.HabitType, target models.Target, v models.LogValue) error {
	switch habitType {
	case models.HabitBinary:
		if v.Amount != 0 || v.ItemID != "" || v.Seconds != 0 {
			return apperrors.Validationf("value", "binary habits take no amount, item or duration")
		}
	case models.HabitQuantitative:
		if v.ItemID != "" || v.Seconds != 0 {
			return apperrors.Validationf("value", "quantitative habits take an amount only")
		}
		if !(v.Amount >= 0) || math.IsInf(v.Amount, 0) {
			return apperrors.Validationf("value.amount", "must be a non-negative number, got %v", v.Amount)
		}
	case models.HabitChecklist:
		if v.Amount != 0 || v.Seconds != 0 {
			return apperrors.Validationf("value", "checklist habits take an item id only")
		}
		if !target.HasItem(v.ItemID) {
			return apperrors.Validationf("value.item_id", "unknown checklist item %q", v.ItemID)
		}
	case models.HabitTime:
		if v.Amount != 0 || v.ItemID != "" {
			return apperrors.Validationf("value", "time habits take a duration only")
		}
		if v.Seconds <= 0 {
			return apperrors.Validationf("value.seconds", "must be positive, got %d", v.Seconds)
		}
	default:
		return apperrors.Validationf("type", "unsupported habit type %q", habitType)
	}
	return nil
}
