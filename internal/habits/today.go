package habits

import (
	"context"
	"time"

	apperrors "github.com/julianstephens/cadence/internal/errors"
	"github.com/julianstephens/cadence/internal/models"
	"github.com/julianstephens/cadence/internal/nudge"
	"github.com/julianstephens/cadence/internal/storage"
	"github.com/julianstephens/cadence/internal/utils"
)

// TodayItem is one habit due today with its instance and streak.
type TodayItem struct {
	Habit    models.Habit         `json:"habit"`
	Instance models.HabitInstance `json:"instance"`
	Streak   models.StreakState   `json:"streak"`
	ClosesAt time.Time            `json:"closes_at"`
}

// GetToday returns the user's habits that are due today in their own
// timezone, materializing today's instances on demand. Habits that are not
// due or are paused today are left out.
func (s *Service) GetToday(ctx context.Context, userID string) ([]TodayItem, error) {
	habits, err := s.store.ListHabits(ctx, userID)
	if err != nil {
		return nil, err
	}

	var items []TodayItem
	for _, h := range habits {
		item, ok, err := s.today(ctx, h)
		if err != nil {
			return nil, err
		}
		if ok {
			items = append(items, item)
		}
	}
	return items, nil
}

func (s *Service) today(ctx context.Context, h models.Habit) (TodayItem, bool, error) {
	loc, err := utils.LoadLocation(h.Timezone)
	if err != nil {
		return TodayItem{}, false, err
	}
	today := utils.FormatDay(utils.TodayIn(s.clock.Now(), loc))

	err = storage.Retry(ctx, s.retry, "ensure instances", func() error {
		_, err := s.materializer.EnsureInstances(ctx, h.ID, today)
		return err
	})
	if err != nil {
		return TodayItem{}, false, err
	}

	inst, err := s.store.GetInstanceByDay(ctx, h.ID, today)
	if apperrors.IsNotFound(err) {
		return TodayItem{}, false, nil
	}
	if err != nil {
		return TodayItem{}, false, err
	}
	if inst.Excluded {
		return TodayItem{}, false, nil
	}

	state, err := s.GetStreak(ctx, h.ID)
	if err != nil {
		return TodayItem{}, false, err
	}
	closes, err := closesAt(inst, loc)
	if err != nil {
		return TodayItem{}, false, err
	}
	return TodayItem{Habit: h, Instance: inst, Streak: state, ClosesAt: closes}, true, nil
}

// peek is today without side effects: it reads the stored instance and
// streak as they are and never materializes or evaluates.
func (s *Service) peek(ctx context.Context, h models.Habit, loc *time.Location) (TodayItem, bool, error) {
	today := utils.FormatDay(utils.TodayIn(s.clock.Now(), loc))
	inst, err := s.store.GetInstanceByDay(ctx, h.ID, today)
	if apperrors.IsNotFound(err) {
		return TodayItem{}, false, nil
	}
	if err != nil {
		return TodayItem{}, false, err
	}
	if inst.Excluded {
		return TodayItem{}, false, nil
	}

	state, err := s.store.GetStreak(ctx, h.ID)
	if err != nil && !apperrors.IsNotFound(err) {
		return TodayItem{}, false, err
	}
	closes, err := closesAt(inst, loc)
	if err != nil {
		return TodayItem{}, false, err
	}
	return TodayItem{Habit: h, Instance: inst, Streak: state, ClosesAt: closes}, true, nil
}

// Nudges gathers the user's state and selects what to remind them of.
// delivered counts the nudges already sent today per habit. It only reads:
// instances come from the materializer and streaks are as last evaluated.
func (s *Service) Nudges(ctx context.Context, userID string, policy nudge.Policy, delivered map[string]int) ([]nudge.Candidate, error) {
	habits, err := s.store.ListHabits(ctx, userID)
	if err != nil {
		return nil, err
	}

	in := nudge.Input{Now: s.clock.Now(), Location: time.Local, DeliveredPerHabit: delivered}
	for _, n := range delivered {
		in.DeliveredToday += n
	}

	for i, h := range habits {
		loc, err := utils.LoadLocation(h.Timezone)
		if err != nil {
			return nil, err
		}
		if i == 0 {
			in.Location = loc
		}

		state := nudge.HabitState{HabitID: h.ID, Title: h.Title, WeeklyQuota: h.WeeklyQuota}
		item, ok, err := s.peek(ctx, h, loc)
		if err != nil {
			return nil, err
		}
		if ok {
			state.Pending = !item.Instance.IsComplete()
			state.ClosesAt = item.ClosesAt
			state.CurrentStreak = item.Streak.CurrentStreak
		}

		if h.WeeklyQuota > 0 {
			if err := s.weekProgress(ctx, h, loc, &state); err != nil {
				return nil, err
			}
		}
		in.Habits = append(in.Habits, state)
	}

	return nudge.Select(in, policy), nil
}

func (s *Service) weekProgress(ctx context.Context, h models.Habit, loc *time.Location, state *nudge.HabitState) error {
	today := utils.TodayIn(s.clock.Now(), loc)
	monday := utils.WeekStart(today)

	instances, err := s.store.ListInstances(ctx, h.ID, utils.FormatDay(monday), utils.FormatDay(today))
	if err != nil {
		return err
	}
	for _, inst := range instances {
		if inst.IsComplete() && !inst.Excluded {
			state.WeekCompleted++
		}
	}
	state.WeekDaysLeft = 7 - utils.DaysBetween(monday, today)
	return nil
}
