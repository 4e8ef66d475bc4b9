// Package materializer turns habit recurrence rules into stored instances
// and runs the nightly maintenance pass.
package materializer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/julianstephens/cadence/internal/clock"
	"github.com/julianstephens/cadence/internal/constants"
	"github.com/julianstephens/cadence/internal/logger"
	"github.com/julianstephens/cadence/internal/models"
	"github.com/julianstephens/cadence/internal/outbox"
	"github.com/julianstephens/cadence/internal/recurrence"
	"github.com/julianstephens/cadence/internal/storage"
	"github.com/julianstephens/cadence/internal/streak"
	"github.com/julianstephens/cadence/internal/utils"
)

type Config struct {
	HorizonDays int
	Interval    time.Duration
	Retry       storage.RetryPolicy
}

func DefaultConfig() Config {
	return Config{
		HorizonDays: constants.DefaultMaterializeHorizonDays,
		Interval:    constants.DefaultMaterializeInterval,
		Retry: storage.RetryPolicy{
			MaxRetries: constants.DefaultForegroundRetries,
			BaseDelay:  constants.DefaultForegroundBackoff,
			MaxDelay:   time.Second,
		},
	}
}

type Materializer struct {
	store   storage.Provider
	streaks *streak.Engine
	clock   clock.Clock
	cfg     Config
}

func New(store storage.Provider, streaks *streak.Engine, clk clock.Clock, cfg Config) *Materializer {
	return &Materializer{store: store, streaks: streaks, clock: clk, cfg: cfg}
}

// EnsureInstances creates the missing instances of habitID between its
// watermark and through (inclusive) and returns how many it created. It is
// safe to call concurrently: the (habit, day) unique constraint decides
// which caller creates a row, and only that caller enqueues its event.
func (m *Materializer) EnsureInstances(ctx context.Context, habitID, through string) (int, error) {
	var created int
	err := m.store.InTx(ctx, func(q storage.Queries) error {
		var err error
		created, err = m.Ensure(ctx, q, habitID, through)
		return err
	})
	return created, err
}

// Ensure is EnsureInstances inside the caller's transaction.
func (m *Materializer) Ensure(ctx context.Context, q storage.Queries, habitID, through string) (int, error) {
	habit, err := q.GetHabit(ctx, habitID)
	if err != nil {
		return 0, err
	}

	from := habit.StartDate
	if habit.MaterializedThrough != "" {
		next, err := utils.ShiftDay(habit.MaterializedThrough, 1)
		if err != nil {
			return 0, err
		}
		if next > from {
			from = next
		}
	}
	if from > through {
		return 0, nil
	}

	pauses, err := q.ListPauses(ctx, habitID)
	if err != nil {
		return 0, err
	}

	rule := habit.Recurrence
	if rule.Anchor == "" {
		rule.Anchor = habit.StartDate
	}
	days, err := recurrence.ExpandDays(rule, from, through, pauses...)
	if err != nil {
		return 0, fmt.Errorf("habit %s: %w", habitID, err)
	}

	now := m.clock.Now()
	created := 0
	for _, day := range days {
		instance := models.HabitInstance{
			ID:        uuid.New().String(),
			HabitID:   habitID,
			Day:       day,
			Type:      habit.Type,
			Target:    habit.Target,
			Window:    habit.EarliestWindow(),
			Status:    models.StatusPending,
			CreatedAt: now,
			UpdatedAt: now,
		}
		inserted, err := q.InsertInstance(ctx, instance)
		if err != nil {
			return created, err
		}
		if !inserted {
			continue
		}
		if _, err := outbox.Enqueue(ctx, q, models.AggregateInstance, instance.ID, instance, now); err != nil {
			return created, err
		}
		created++
	}

	if err := q.AdvanceWatermark(ctx, habitID, through); err != nil {
		return created, err
	}

	if created > 0 {
		logger.Debug("Materialized instances", "habit", habitID, "from", from, "through", through, "created", created)
	}
	return created, nil
}

// Report summarizes one nightly pass.
type Report struct {
	Habits    int
	Created   int
	Evaluated int
	Purged    int64
	Failed    int
}

// RunNightly materializes every live habit through its local today plus the
// horizon, catches its streak up and purges deleted habits. Failures of one
// habit don't stop the pass; they are joined into the returned error. The
// pass holds no state between runs, so an interrupted run is simply
// restarted.
func (m *Materializer) RunNightly(ctx context.Context, now time.Time) (Report, error) {
	var report Report

	var habits []models.Habit
	err := storage.Retry(ctx, m.cfg.Retry, "list habits", func() error {
		var err error
		habits, err = m.store.ListHabits(ctx, "")
		return err
	})
	if err != nil {
		return report, fmt.Errorf("failed to list habits: %w", err)
	}

	var errs []error
	for _, habit := range habits {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		report.Habits++

		created, err := m.catchUp(ctx, habit, now)
		report.Created += created
		if err != nil {
			report.Failed++
			logger.Error("Nightly run failed for habit", "habit", habit.ID, "error", err)
			errs = append(errs, fmt.Errorf("habit %s: %w", habit.ID, err))
			continue
		}
		report.Evaluated++
	}

	err = storage.Retry(ctx, m.cfg.Retry, "purge habits", func() error {
		var err error
		report.Purged, err = m.store.PurgeDeletedHabits(ctx)
		return err
	})
	if err != nil {
		errs = append(errs, fmt.Errorf("failed to purge deleted habits: %w", err))
	}

	logger.Info("Nightly run finished", "habits", report.Habits, "created", report.Created,
		"evaluated", report.Evaluated, "purged", report.Purged, "failed", report.Failed)
	return report, errors.Join(errs...)
}

func (m *Materializer) catchUp(ctx context.Context, habit models.Habit, now time.Time) (int, error) {
	today, err := utils.LocalDay(now, habit.Timezone)
	if err != nil {
		return 0, err
	}
	through, err := utils.ShiftDay(today, m.cfg.HorizonDays)
	if err != nil {
		return 0, err
	}

	var created int
	err = storage.Retry(ctx, m.cfg.Retry, "ensure instances", func() error {
		var err error
		created, err = m.EnsureInstances(ctx, habit.ID, through)
		return err
	})
	if err != nil {
		return 0, err
	}

	err = storage.Retry(ctx, m.cfg.Retry, "evaluate streak", func() error {
		_, err := m.streaks.Evaluate(ctx, habit.ID, today)
		return err
	})
	return created, err
}

// Run executes RunNightly immediately and then every Interval until ctx is
// cancelled.
func (m *Materializer) Run(ctx context.Context) error {
	ticker := m.clock.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		if _, err := m.RunNightly(ctx, m.clock.Now()); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			logger.Warn("Nightly run finished with errors", "error", err)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
