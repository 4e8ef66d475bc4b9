// Package habits is the entry point for habit definitions: create, edit,
// pause and read them, and assemble today's view and nudges for a user.
package habits

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/julianstephens/cadence/internal/clock"
	"github.com/julianstephens/cadence/internal/constants"
	apperrors "github.com/julianstephens/cadence/internal/errors"
	"github.com/julianstephens/cadence/internal/logger"
	"github.com/julianstephens/cadence/internal/materializer"
	"github.com/julianstephens/cadence/internal/models"
	"github.com/julianstephens/cadence/internal/outbox"
	"github.com/julianstephens/cadence/internal/storage"
	"github.com/julianstephens/cadence/internal/streak"
	"github.com/julianstephens/cadence/internal/utils"
)

type Service struct {
	store        storage.Provider
	materializer *materializer.Materializer
	streaks      *streak.Engine
	clock        clock.Clock
	retry        storage.RetryPolicy
}

func NewService(store storage.Provider, mat *materializer.Materializer, streaks *streak.Engine, clk clock.Clock, retry storage.RetryPolicy) *Service {
	return &Service{store: store, materializer: mat, streaks: streaks, clock: clk, retry: retry}
}

// Patch lists the editable fields of a habit. Nil fields are left alone.
// The type is fixed at creation because instances snapshot it.
type Patch struct {
	Title            *string
	Target           *models.Target
	Recurrence       *models.Recurrence
	WeeklyQuota      *int
	Windows          *[]models.Window
	GraceDays        *int
	RetroWindowHours *int
	Timezone         *string
}

// Create stores a new habit and materializes its instance for today.
// Missing ids, timezones, start dates and anchors are filled in.
func (s *Service) Create(ctx context.Context, h models.Habit) (models.Habit, error) {
	now := s.clock.Now()
	if h.ID == "" {
		h.ID = uuid.New().String()
	}
	if h.Timezone == "" {
		h.Timezone = constants.DefaultTimezone
	}
	if !utils.ValidateTimezone(h.Timezone) {
		return models.Habit{}, apperrors.Validationf("timezone", "unknown timezone %q", h.Timezone)
	}
	today, err := utils.LocalDay(now, h.Timezone)
	if err != nil {
		return models.Habit{}, err
	}
	if h.StartDate == "" {
		h.StartDate = today
	}
	if h.Recurrence.Anchor == "" {
		h.Recurrence.Anchor = h.StartDate
	}
	h.MaterializedThrough = ""
	h.PausedFrom, h.PausedUntil = "", ""
	h.CreatedAt, h.UpdatedAt, h.DeletedAt = now, now, nil

	if err := h.Validate(); err != nil {
		return models.Habit{}, err
	}

	err = s.write(ctx, "create habit", func(q storage.Queries) error {
		if err := q.InsertHabit(ctx, h); err != nil {
			return err
		}
		_, err := outbox.Enqueue(ctx, q, models.AggregateHabit, h.ID, h, now)
		return err
	})
	if err != nil {
		return models.Habit{}, err
	}
	logger.Info("Habit created", "habit", h.ID, "title", h.Title, "type", h.Type)

	if _, err := s.materializer.EnsureInstances(ctx, h.ID, today); err != nil {
		return models.Habit{}, fmt.Errorf("habit %s created but not materialized: %w", h.ID, err)
	}
	return s.store.GetHabit(ctx, h.ID)
}

// Update applies patch. Existing instances keep their snapshots; a changed
// grace allowance or weekly quota rebuilds the streak from the start.
func (s *Service) Update(ctx context.Context, habitID string, patch Patch) (models.Habit, error) {
	now := s.clock.Now()
	var updated models.Habit
	var rescore bool

	err := s.write(ctx, "update habit", func(q storage.Queries) error {
		h, err := q.GetHabit(ctx, habitID)
		if err != nil {
			return err
		}
		before := h

		if patch.Title != nil {
			h.Title = *patch.Title
		}
		if patch.Target != nil {
			h.Target = *patch.Target
		}
		if patch.Recurrence != nil {
			h.Recurrence = *patch.Recurrence
			if h.Recurrence.Anchor == "" {
				h.Recurrence.Anchor = h.StartDate
			}
		}
		if patch.WeeklyQuota != nil {
			h.WeeklyQuota = *patch.WeeklyQuota
		}
		if patch.Windows != nil {
			h.Windows = *patch.Windows
		}
		if patch.GraceDays != nil {
			h.GraceDays = *patch.GraceDays
		}
		if patch.RetroWindowHours != nil {
			h.RetroWindowHours = *patch.RetroWindowHours
		}
		if patch.Timezone != nil {
			if !utils.ValidateTimezone(*patch.Timezone) {
				return apperrors.Validationf("timezone", "unknown timezone %q", *patch.Timezone)
			}
			h.Timezone = *patch.Timezone
		}
		h.UpdatedAt = now

		if err := h.Validate(); err != nil {
			return err
		}
		if err := q.UpdateHabit(ctx, h); err != nil {
			return err
		}
		if _, err := outbox.Enqueue(ctx, q, models.AggregateHabit, h.ID, h, now); err != nil {
			return err
		}

		rescore = h.GraceDays != before.GraceDays || h.WeeklyQuota != before.WeeklyQuota
		updated = h
		return nil
	})
	if err != nil {
		return models.Habit{}, err
	}

	if rescore {
		if err := s.rebuildStreak(ctx, updated); err != nil {
			return models.Habit{}, err
		}
	}
	logger.Info("Habit updated", "habit", habitID, "rescored", rescore)
	return updated, nil
}

// Delete tombstones the habit. Its rows are purged by the nightly run.
func (s *Service) Delete(ctx context.Context, habitID string) error {
	now := s.clock.Now()
	err := s.write(ctx, "delete habit", func(q storage.Queries) error {
		h, err := q.GetHabit(ctx, habitID)
		if err != nil {
			return err
		}
		if err := q.TombstoneHabit(ctx, habitID, now); err != nil {
			return err
		}
		h.DeletedAt = &now
		h.UpdatedAt = now
		_, err = outbox.Enqueue(ctx, q, models.AggregateHabit, h.ID, h, now)
		return err
	})
	if err != nil {
		return err
	}
	logger.Info("Habit deleted", "habit", habitID)
	return nil
}

// Pause stops the habit from from through until (inclusive, empty for
// open-ended). Dates in the range are no longer materialized, existing
// instances in it are excluded and the streak skips them.
func (s *Service) Pause(ctx context.Context, habitID, from, until string) (models.Habit, error) {
	if _, err := utils.ParseDay(from); err != nil {
		return models.Habit{}, apperrors.Validationf("from", "%v", err)
	}
	if until != "" {
		if _, err := utils.ParseDay(until); err != nil {
			return models.Habit{}, apperrors.Validationf("until", "%v", err)
		}
		if until < from {
			return models.Habit{}, apperrors.Validationf("until", "must not be before %s", from)
		}
	}

	now := s.clock.Now()
	var h models.Habit
	err := s.write(ctx, "pause habit", func(q storage.Queries) error {
		var err error
		if h, err = q.GetHabit(ctx, habitID); err != nil {
			return err
		}
		pauses, err := q.ListPauses(ctx, habitID)
		if err != nil {
			return err
		}
		for _, p := range pauses {
			if p.Overlaps(from, until) {
				return apperrors.Validationf("from", "habit is already paused from %s", p.From)
			}
		}
		today, err := utils.LocalDay(now, h.Timezone)
		if err != nil {
			return err
		}

		pause := models.Pause{ID: uuid.New().String(), HabitID: habitID, From: from, Until: until, CreatedAt: now}
		if err := q.InsertPause(ctx, pause); err != nil {
			return err
		}
		if err := s.syncCurrentPause(ctx, q, &h, append(pauses, pause), today, now); err != nil {
			return err
		}
		excluded, err := q.SetInstancesExcluded(ctx, habitID, from, until, true, now)
		if err != nil {
			return err
		}

		if _, err := outbox.Enqueue(ctx, q, models.AggregateHabit, h.ID, h, now); err != nil {
			return err
		}
		logger.Info("Habit paused", "habit", habitID, "from", from, "until", until, "excluded", excluded)
		return nil
	})
	if err != nil {
		return models.Habit{}, err
	}

	if err := s.reevaluate(ctx, h, from); err != nil {
		return models.Habit{}, err
	}
	return h, nil
}

// Resume ends the current pause at yesterday, or drops it when it has not
// started yet, and brings back the dates it skipped from today on.
func (s *Service) Resume(ctx context.Context, habitID string) (models.Habit, error) {
	now := s.clock.Now()
	var h models.Habit
	var pausedFrom, today string

	err := s.write(ctx, "resume habit", func(q storage.Queries) error {
		var err error
		if h, err = q.GetHabit(ctx, habitID); err != nil {
			return err
		}
		if h.PausedFrom == "" {
			return apperrors.Validationf("habit", "%q is not paused", h.Title)
		}
		if today, err = utils.LocalDay(now, h.Timezone); err != nil {
			return err
		}
		yesterday, err := utils.ShiftDay(today, -1)
		if err != nil {
			return err
		}

		pauses, err := q.ListPauses(ctx, habitID)
		if err != nil {
			return err
		}
		var rest []models.Pause
		for _, p := range pauses {
			if p.From != h.PausedFrom || (p.Until != "" && p.Until < today) {
				rest = append(rest, p)
				continue
			}
			if p.From >= today {
				err = q.DeletePause(ctx, p.ID)
			} else {
				err = q.UpdatePauseUntil(ctx, p.ID, yesterday)
			}
			if err != nil {
				return err
			}
			// Later pauses keep their excluded instances.
			if _, err := q.SetInstancesExcluded(ctx, habitID, today, p.Until, false, now); err != nil {
				return err
			}
		}

		pausedFrom = h.PausedFrom
		if err := s.syncCurrentPause(ctx, q, &h, rest, today, now); err != nil {
			return err
		}
		if h.MaterializedThrough > yesterday {
			if err := q.ResetWatermark(ctx, habitID, yesterday); err != nil {
				return err
			}
			h.MaterializedThrough = yesterday
		}

		_, err = outbox.Enqueue(ctx, q, models.AggregateHabit, h.ID, h, now)
		return err
	})
	if err != nil {
		return models.Habit{}, err
	}
	logger.Info("Habit resumed", "habit", habitID, "paused_from", pausedFrom)

	if _, err := s.materializer.EnsureInstances(ctx, habitID, today); err != nil {
		return models.Habit{}, err
	}
	if err := s.reevaluate(ctx, h, pausedFrom); err != nil {
		return models.Habit{}, err
	}
	return s.store.GetHabit(ctx, habitID)
}

// syncCurrentPause points the habit's pause fields at the earliest pause
// that has not ended.
func (s *Service) syncCurrentPause(ctx context.Context, q storage.Queries, h *models.Habit, pauses []models.Pause, today string, now time.Time) error {
	cur, _ := models.CurrentPause(pauses, today)
	if err := q.SetHabitPause(ctx, h.ID, cur.From, cur.Until, now); err != nil {
		return err
	}
	h.PausedFrom, h.PausedUntil, h.UpdatedAt = cur.From, cur.Until, now
	return nil
}

func (s *Service) Get(ctx context.Context, habitID string) (models.Habit, error) {
	return s.store.GetHabit(ctx, habitID)
}

func (s *Service) List(ctx context.Context, userID string) ([]models.Habit, error) {
	return s.store.ListHabits(ctx, userID)
}

// GetStreak catches the streak up to the habit's today and returns it.
func (s *Service) GetStreak(ctx context.Context, habitID string) (models.StreakState, error) {
	h, err := s.store.GetHabit(ctx, habitID)
	if err != nil {
		return models.StreakState{}, err
	}
	today, err := utils.LocalDay(s.clock.Now(), h.Timezone)
	if err != nil {
		return models.StreakState{}, err
	}

	var state models.StreakState
	err = storage.Retry(ctx, s.retry, "evaluate streak", func() error {
		state, err = s.streaks.Evaluate(ctx, habitID, today)
		return err
	})
	return state, err
}

func (s *Service) reevaluate(ctx context.Context, h models.Habit, changed string) error {
	today, err := utils.LocalDay(s.clock.Now(), h.Timezone)
	if err != nil {
		return err
	}
	return storage.Retry(ctx, s.retry, "reevaluate streak", func() error {
		_, err := s.streaks.Reevaluate(ctx, h.ID, changed, today)
		return err
	})
}

func (s *Service) rebuildStreak(ctx context.Context, h models.Habit) error {
	return s.reevaluate(ctx, h, h.StartDate)
}

// write runs fn in one transaction, retrying transient failures.
func (s *Service) write(ctx context.Context, op string, fn func(storage.Queries) error) error {
	return storage.Retry(ctx, s.retry, op, func() error {
		return s.store.InTx(ctx, fn)
	})
}

// closesAt is when inst stops being loggable on time: the end of its
// window, or midnight.
func closesAt(inst models.HabitInstance, loc *time.Location) (time.Time, error) {
	if inst.Window != nil {
		return utils.CombineDateAndTime(inst.Day, inst.Window.End, loc)
	}
	return utils.EndOfDay(inst.Day, loc)
}
