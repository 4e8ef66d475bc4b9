// Package tracker accepts completion events for habit instances and keeps
// progress and streaks in step with them.
package tracker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/julianstephens/cadence/internal/clock"
	apperrors "github.com/julianstephens/cadence/internal/errors"
	"github.com/julianstephens/cadence/internal/logger"
	"github.com/julianstephens/cadence/internal/models"
	"github.com/julianstephens/cadence/internal/outbox"
	"github.com/julianstephens/cadence/internal/progress"
	"github.com/julianstephens/cadence/internal/storage"
	"github.com/julianstephens/cadence/internal/streak"
	"github.com/julianstephens/cadence/internal/utils"
)

// Snapshot is the state of an instance and its habit's streak after a write.
type Snapshot struct {
	Instance models.HabitInstance `json:"instance"`
	Streak   models.StreakState   `json:"streak"`
}

// TimerEvent is emitted by the timer collaborator when a timed session
// ends. ID is unique per session.
type TimerEvent struct {
	ID         string    `json:"id"`
	InstanceID string    `json:"instance_id"`
	Seconds    int64     `json:"seconds"`
	EndedAt    time.Time `json:"ended_at"`
}

type Tracker struct {
	store   storage.Provider
	streaks *streak.Engine
	clock   clock.Clock
	retry   storage.RetryPolicy
}

func New(store storage.Provider, streaks *streak.Engine, clk clock.Clock, retry storage.RetryPolicy) *Tracker {
	return &Tracker{store: store, streaks: streaks, clock: clk, retry: retry}
}

// change is what a committed write tells the streak step.
type change struct {
	habitID  string
	day      string
	today    string
	replayed bool
	crossed  bool
}

// Log records value against instanceID. Resubmitting the same key with the
// same value returns the current snapshot without writing; reusing a key
// with a different value is a ConflictError.
func (t *Tracker) Log(ctx context.Context, instanceID string, value models.LogValue, key string) (Snapshot, error) {
	if key == "" {
		return Snapshot{}, apperrors.Validationf("idempotency_key", "cannot be empty")
	}
	hash, err := ValueHash(value)
	if err != nil {
		return Snapshot{}, err
	}

	var c change
	err = storage.Retry(ctx, t.retry, "log", func() error {
		return t.store.InTx(ctx, func(q storage.Queries) error {
			var err error
			c, err = t.log(ctx, q, instanceID, value, key, hash)
			return err
		})
	})
	if err != nil {
		return Snapshot{}, err
	}
	return t.finish(ctx, instanceID, c)
}

func (t *Tracker) log(ctx context.Context, q storage.Queries, instanceID string, value models.LogValue, key, hash string) (change, error) {
	// The key lookup runs under the instance lock so that concurrent
	// submissions of one key see each other.
	inst, err := t.lockInstance(ctx, q, instanceID)
	if err != nil {
		return change{}, err
	}

	now := t.clock.Now()
	prior, err := q.GetLogByKey(ctx, instanceID, key)
	switch {
	case err == nil:
		if prior.ValueHash != hash {
			return change{}, &apperrors.ConflictError{Key: key, Message: "idempotency key reused with a different value"}
		}
		habit, err := q.GetHabit(ctx, inst.HabitID)
		if err != nil {
			return change{}, err
		}
		today, err := utils.LocalDay(now, habit.Timezone)
		if err != nil {
			return change{}, err
		}
		logger.Debug("Duplicate log ignored", "instance", instanceID, "key", key)
		return change{habitID: inst.HabitID, day: inst.Day, today: today, replayed: true}, nil
	case !apperrors.IsNotFound(err):
		return change{}, err
	}

	today, err := t.checkWritable(ctx, q, inst, now)
	if err != nil {
		return change{}, err
	}
	if err := progress.CheckValue(inst.Type, inst.Target, value); err != nil {
		return change{}, err
	}

	entry := models.HabitLog{
		ID:             uuid.New().String(),
		InstanceID:     instanceID,
		Value:          value,
		IdempotencyKey: key,
		ValueHash:      hash,
		LoggedAt:       now,
	}
	if err := q.InsertLog(ctx, entry); err != nil {
		return change{}, err
	}

	return t.recompute(ctx, q, inst, today, now)
}

// UndoLast tombstones the most recent live log of instanceID.
func (t *Tracker) UndoLast(ctx context.Context, instanceID string) (Snapshot, error) {
	var c change
	err := storage.Retry(ctx, t.retry, "undo", func() error {
		return t.store.InTx(ctx, func(q storage.Queries) error {
			inst, err := t.lockInstance(ctx, q, instanceID)
			if err != nil {
				return err
			}

			now := t.clock.Now()
			today, err := t.checkWritable(ctx, q, inst, now)
			if err != nil {
				return err
			}

			last, err := q.LatestLiveLog(ctx, instanceID)
			if err != nil {
				if apperrors.IsNotFound(err) {
					return apperrors.Validationf("instance", "nothing to undo on %s", inst.Day)
				}
				return err
			}
			if err := q.MarkLogUndone(ctx, last.ID, now); err != nil {
				return err
			}

			c, err = t.recompute(ctx, q, inst, today, now)
			return err
		})
	})
	if err != nil {
		return Snapshot{}, err
	}
	return t.finish(ctx, instanceID, c)
}

// RecordTimer logs a finished timer session against a time habit. The
// event id doubles as the idempotency key, so redelivered events are
// absorbed.
func (t *Tracker) RecordTimer(ctx context.Context, ev TimerEvent) (Snapshot, error) {
	if ev.ID == "" {
		return Snapshot{}, apperrors.Validationf("event.id", "cannot be empty")
	}
	inst, err := t.store.GetInstance(ctx, ev.InstanceID)
	if err != nil {
		return Snapshot{}, fmt.Errorf("instance %s: %w", ev.InstanceID, err)
	}
	if inst.Type != models.HabitTime {
		return Snapshot{}, apperrors.Validationf("event.instance_id", "timer events only apply to time habits, got %s", inst.Type)
	}
	return t.Log(ctx, ev.InstanceID, models.LogValue{Seconds: ev.Seconds}, "timer:"+ev.ID)
}

// lockInstance takes the per-instance write lock and reads the instance
// under it.
func (t *Tracker) lockInstance(ctx context.Context, q storage.Queries, instanceID string) (models.HabitInstance, error) {
	if err := q.LockInstance(ctx, instanceID); err != nil {
		return models.HabitInstance{}, fmt.Errorf("instance %s: %w", instanceID, err)
	}
	inst, err := q.GetInstance(ctx, instanceID)
	if err != nil {
		return models.HabitInstance{}, fmt.Errorf("instance %s: %w", instanceID, err)
	}
	return inst, nil
}

// checkWritable rejects writes to paused, future and expired days and
// returns the habit-local today.
func (t *Tracker) checkWritable(ctx context.Context, q storage.Queries, inst models.HabitInstance, now time.Time) (string, error) {
	habit, err := q.GetHabit(ctx, inst.HabitID)
	if err != nil {
		return "", err
	}
	pauses, err := q.ListPauses(ctx, habit.ID)
	if err != nil {
		return "", err
	}
	if inst.Excluded || models.Paused(pauses, inst.Day) {
		return "", apperrors.Validationf("instance", "habit %q is paused on %s", habit.Title, inst.Day)
	}

	loc, err := utils.LoadLocation(habit.Timezone)
	if err != nil {
		return "", fmt.Errorf("habit %s: invalid timezone %q: %w", habit.ID, habit.Timezone, err)
	}
	today := utils.FormatDay(utils.TodayIn(now, loc))
	if inst.Day > today {
		return "", apperrors.Validationf("instance", "cannot log %s before the day starts", inst.Day)
	}

	end, err := utils.EndOfDay(inst.Day, loc)
	if err != nil {
		return "", err
	}
	deadline := end.Add(time.Duration(habit.RetroWindowHours) * time.Hour)
	if now.After(deadline) {
		return "", apperrors.Validationf("instance", "%s is outside the %dh retro window", inst.Day, habit.RetroWindowHours)
	}
	return today, nil
}

func (t *Tracker) recompute(ctx context.Context, q storage.Queries, before models.HabitInstance, today string, now time.Time) (change, error) {
	after, err := progress.Recompute(ctx, q, before.ID, now)
	if err != nil {
		return change{}, err
	}
	if _, err := outbox.Enqueue(ctx, q, models.AggregateInstance, after.ID, after, now); err != nil {
		return change{}, err
	}

	logger.Debug("Instance updated", "instance", after.ID, "day", after.Day,
		"progress", after.Progress, "status", after.Status)
	return change{
		habitID: before.HabitID,
		day:     before.Day,
		today:   today,
		crossed: before.IsComplete() != after.IsComplete(),
	}, nil
}

// finish re-evaluates the streak when the write can affect it and reads
// back the snapshot. A replayed submission re-evaluates too: the first
// attempt may have committed the log and then failed before its streak step.
func (t *Tracker) finish(ctx context.Context, instanceID string, c change) (Snapshot, error) {
	state, err := t.store.GetStreak(ctx, c.habitID)
	if err != nil && !apperrors.IsNotFound(err) {
		return Snapshot{}, err
	}
	evaluated := state.LastEvaluatedDate != "" && c.day <= state.LastEvaluatedDate
	if c.replayed || c.crossed || evaluated {
		err := storage.Retry(ctx, t.retry, "reevaluate streak", func() error {
			_, err := t.streaks.Reevaluate(ctx, c.habitID, c.day, c.today)
			return err
		})
		if err != nil {
			return Snapshot{}, err
		}
	}
	return t.snapshot(ctx, instanceID, c.habitID)
}

func (t *Tracker) snapshot(ctx context.Context, instanceID, habitID string) (Snapshot, error) {
	inst, err := t.store.GetInstance(ctx, instanceID)
	if err != nil {
		return Snapshot{}, err
	}
	state, err := t.store.GetStreak(ctx, habitID)
	if err != nil {
		if !apperrors.IsNotFound(err) {
			return Snapshot{}, err
		}
		state = models.StreakState{HabitID: habitID}
	}
	return Snapshot{Instance: inst, Streak: state}, nil
}

// ValueHash fingerprints a log value so a replayed submission can be told
// apart from a reused key.
func ValueHash(value models.LogValue) (string, error) {
	payload, err := json.Marshal(value)
	if err != nil {
		return "", fmt.Errorf("failed to encode log value: %w", err)
	}
	return outbox.ContentHash(payload)
}
