package storage

import (
	"context"
	"database/sql"
	"time"

	"github.com/julianstephens/cadence/internal/models"
)

const streakColumns = `habit_id, current_streak, best_streak, last_completed_date, grace_remaining,
	last_evaluated_date, version, updated_at`

func scanStreak(row rowScanner) (models.StreakState, error) {
	var s models.StreakState
	var lastCompleted, lastEvaluated sql.NullString
	var updatedAt string

	if err := row.Scan(&s.HabitID, &s.CurrentStreak, &s.BestStreak, &lastCompleted, &s.GraceRemaining,
		&lastEvaluated, &s.Version, &updatedAt); err != nil {
		return models.StreakState{}, err
	}
	s.LastCompletedDate = lastCompleted.String
	s.LastEvaluatedDate = lastEvaluated.String

	var err error
	if s.UpdatedAt, err = parseTimestamp(updatedAt); err != nil {
		return models.StreakState{}, parseErr("updated_at", s.HabitID, err)
	}
	return s, nil
}

func (q *queries) GetStreak(ctx context.Context, habitID string) (models.StreakState, error) {
	row := q.queryRow(ctx, `SELECT `+streakColumns+` FROM streak_states WHERE habit_id = ?`, habitID)
	s, err := scanStreak(row)
	if err != nil {
		return models.StreakState{}, scanErr("get streak", err)
	}
	return s, nil
}

func (q *queries) LockStreak(ctx context.Context, habitID string, graceDays int, at time.Time) (models.StreakState, error) {
	ts := formatTimestamp(at)
	if _, err := q.exec(ctx, "create streak", `
		INSERT INTO streak_states (habit_id, grace_remaining, updated_at) VALUES (?, ?, ?)
		ON CONFLICT (habit_id) DO NOTHING`,
		habitID, graceDays, ts); err != nil {
		return models.StreakState{}, err
	}

	if err := q.execOne(ctx, "lock streak", `
		UPDATE streak_states SET version = version + 1 WHERE habit_id = ?`, habitID); err != nil {
		return models.StreakState{}, err
	}

	return q.GetStreak(ctx, habitID)
}

// SaveStreak writes every field except version, which only LockStreak moves.
func (q *queries) SaveStreak(ctx context.Context, s models.StreakState) error {
	return q.execOne(ctx, "save streak", `
		UPDATE streak_states SET
			current_streak = ?, best_streak = ?, last_completed_date = ?, grace_remaining = ?,
			last_evaluated_date = ?, updated_at = ?
		WHERE habit_id = ? AND version = ?`,
		s.CurrentStreak, s.BestStreak, nullString(s.LastCompletedDate), s.GraceRemaining,
		nullString(s.LastEvaluatedDate), formatTimestamp(s.UpdatedAt),
		s.HabitID, s.Version)
}
