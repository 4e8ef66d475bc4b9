package streak

import (
	"context"
	"fmt"

	"github.com/julianstephens/cadence/internal/clock"
	"github.com/julianstephens/cadence/internal/logger"
	"github.com/julianstephens/cadence/internal/models"
	"github.com/julianstephens/cadence/internal/outbox"
	"github.com/julianstephens/cadence/internal/storage"
	"github.com/julianstephens/cadence/internal/utils"
)

// Engine is the only writer of StreakState.
type Engine struct {
	store storage.Provider
	clock clock.Clock
}

func NewEngine(store storage.Provider, clk clock.Clock) *Engine {
	return &Engine{store: store, clock: clk}
}

// Evaluate catches the streak up through yesterday, and through today when
// today's instance is already complete. today is the habit-local date.
func (e *Engine) Evaluate(ctx context.Context, habitID, today string) (models.StreakState, error) {
	return e.Reevaluate(ctx, habitID, "", today)
}

// Reevaluate is Evaluate after a change to the instance on changed. When
// that date was already evaluated the state is rebuilt from the first
// instance; otherwise evaluation is incremental.
func (e *Engine) Reevaluate(ctx context.Context, habitID, changed, today string) (models.StreakState, error) {
	var state models.StreakState
	err := e.store.InTx(ctx, func(q storage.Queries) error {
		var err error
		state, err = e.Apply(ctx, q, habitID, changed, today)
		return err
	})
	return state, err
}

// Apply runs one evaluation inside the caller's transaction. The streak row
// lock taken here serializes evaluations of the same habit.
func (e *Engine) Apply(ctx context.Context, q storage.Queries, habitID, changed, today string) (models.StreakState, error) {
	habit, err := q.GetHabit(ctx, habitID)
	if err != nil {
		return models.StreakState{}, err
	}

	now := e.clock.Now()
	prev, err := q.LockStreak(ctx, habitID, habit.GraceDays, now)
	if err != nil {
		return models.StreakState{}, err
	}

	full := changed != "" && prev.LastEvaluatedDate != "" && changed <= prev.LastEvaluatedDate
	state := prev
	lower := ""
	if full {
		state = Fresh(prev, habit.GraceDays)
	} else if prev.LastEvaluatedDate != "" {
		// The quota window needs the six days before the cursor.
		if lower, err = utils.ShiftDay(prev.LastEvaluatedDate, -6); err != nil {
			return models.StreakState{}, err
		}
	}

	instances, err := q.ListInstances(ctx, habitID, lower, today)
	if err != nil {
		return models.StreakState{}, err
	}
	pauses, err := q.ListPauses(ctx, habitID)
	if err != nil {
		return models.StreakState{}, err
	}
	days := BuildDays(instances, pauses)

	through, err := utils.ShiftDay(today, -1)
	if err != nil {
		return models.StreakState{}, err
	}
	if n := len(days); n > 0 {
		last := days[n-1]
		if last.Date == today && last.Complete && !last.Skip {
			through = today
		}
	}

	params := Params{GraceDays: habit.GraceDays, WeeklyQuota: habit.WeeklyQuota}
	next, err := Replay(state, params, days, through)
	if err != nil {
		return models.StreakState{}, err
	}
	if err := Check(prev, next, params, !full); err != nil {
		logger.Error("Refusing to persist streak", "habit", habitID, "error", err)
		return models.StreakState{}, fmt.Errorf("habit %s: %w", habitID, err)
	}

	if sameOutcome(prev, next) {
		return prev, nil
	}

	next.UpdatedAt = now
	if err := q.SaveStreak(ctx, next); err != nil {
		return models.StreakState{}, err
	}
	if _, err := outbox.Enqueue(ctx, q, models.AggregateStreak, habitID, next, now); err != nil {
		return models.StreakState{}, err
	}

	logger.Debug("Streak evaluated", "habit", habitID, "full", full, "current", next.CurrentStreak,
		"best", next.BestStreak, "grace", next.GraceRemaining, "through", next.LastEvaluatedDate)
	return next, nil
}

func sameOutcome(a, b models.StreakState) bool {
	return a.CurrentStreak == b.CurrentStreak &&
		a.BestStreak == b.BestStreak &&
		a.LastCompletedDate == b.LastCompletedDate &&
		a.GraceRemaining == b.GraceRemaining &&
		a.LastEvaluatedDate == b.LastEvaluatedDate
}
