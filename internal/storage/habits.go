package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/julianstephens/cadence/internal/models"
)

const habitColumns = `id, user_id, title, type, target, recurrence, weekly_quota, windows,
	grace_days, retro_window_hours, timezone, start_date, paused_from, paused_until,
	materialized_through, created_at, updated_at, deleted_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanHabit(row rowScanner) (models.Habit, error) {
	var h models.Habit
	var target, recurrence, windows []byte
	var pausedFrom, pausedUntil, watermark, deletedAt sql.NullString
	var createdAt, updatedAt string

	err := row.Scan(&h.ID, &h.UserID, &h.Title, &h.Type, &target, &recurrence, &h.WeeklyQuota, &windows,
		&h.GraceDays, &h.RetroWindowHours, &h.Timezone, &h.StartDate, &pausedFrom, &pausedUntil,
		&watermark, &createdAt, &updatedAt, &deletedAt)
	if err != nil {
		return models.Habit{}, err
	}

	if err := json.Unmarshal(target, &h.Target); err != nil {
		return models.Habit{}, parseErr("target", h.ID, err)
	}
	if err := json.Unmarshal(recurrence, &h.Recurrence); err != nil {
		return models.Habit{}, parseErr("recurrence", h.ID, err)
	}
	if err := json.Unmarshal(windows, &h.Windows); err != nil {
		return models.Habit{}, parseErr("windows", h.ID, err)
	}

	h.PausedFrom = pausedFrom.String
	h.PausedUntil = pausedUntil.String
	h.MaterializedThrough = watermark.String

	if h.CreatedAt, err = parseTimestamp(createdAt); err != nil {
		return models.Habit{}, parseErr("created_at", h.ID, err)
	}
	if h.UpdatedAt, err = parseTimestamp(updatedAt); err != nil {
		return models.Habit{}, parseErr("updated_at", h.ID, err)
	}
	if deletedAt.Valid {
		t, err := parseTimestamp(deletedAt.String)
		if err != nil {
			return models.Habit{}, parseErr("deleted_at", h.ID, err)
		}
		h.DeletedAt = &t
	}

	return h, nil
}

func encodeHabit(h models.Habit) (target, recurrence, windows string, err error) {
	t, err := json.Marshal(h.Target)
	if err != nil {
		return "", "", "", fmt.Errorf("failed to encode target: %w", err)
	}
	r, err := json.Marshal(h.Recurrence)
	if err != nil {
		return "", "", "", fmt.Errorf("failed to encode recurrence: %w", err)
	}
	ws := h.Windows
	if ws == nil {
		ws = []models.Window{}
	}
	w, err := json.Marshal(ws)
	if err != nil {
		return "", "", "", fmt.Errorf("failed to encode windows: %w", err)
	}
	return string(t), string(r), string(w), nil
}

func (q *queries) InsertHabit(ctx context.Context, h models.Habit) error {
	target, recurrence, windows, err := encodeHabit(h)
	if err != nil {
		return err
	}

	_, err = q.exec(ctx, "insert habit", `
		INSERT INTO habits (`+habitColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL)`,
		h.ID, h.UserID, h.Title, string(h.Type), target, recurrence, h.WeeklyQuota, windows,
		h.GraceDays, h.RetroWindowHours, h.Timezone, h.StartDate,
		nullString(h.PausedFrom), nullString(h.PausedUntil), nullString(h.MaterializedThrough),
		formatTimestamp(h.CreatedAt), formatTimestamp(h.UpdatedAt))
	return err
}

// UpdateHabit rewrites the definition fields. Pause state and the
// materialization watermark have their own statements.
func (q *queries) UpdateHabit(ctx context.Context, h models.Habit) error {
	target, recurrence, windows, err := encodeHabit(h)
	if err != nil {
		return err
	}

	return q.execOne(ctx, "update habit", `
		UPDATE habits SET
			title = ?, type = ?, target = ?, recurrence = ?, weekly_quota = ?, windows = ?,
			grace_days = ?, retro_window_hours = ?, timezone = ?, updated_at = ?
		WHERE id = ? AND deleted_at IS NULL`,
		h.Title, string(h.Type), target, recurrence, h.WeeklyQuota, windows,
		h.GraceDays, h.RetroWindowHours, h.Timezone, formatTimestamp(h.UpdatedAt),
		h.ID)
}

func (q *queries) GetHabit(ctx context.Context, id string) (models.Habit, error) {
	row := q.queryRow(ctx, `SELECT `+habitColumns+` FROM habits WHERE id = ? AND deleted_at IS NULL`, id)
	h, err := scanHabit(row)
	if err != nil {
		return models.Habit{}, scanErr("get habit", err)
	}
	return h, nil
}

func (q *queries) ListHabits(ctx context.Context, userID string) ([]models.Habit, error) {
	query := `SELECT ` + habitColumns + ` FROM habits WHERE deleted_at IS NULL`
	var args []any
	if userID != "" {
		query += " AND user_id = ?"
		args = append(args, userID)
	}
	query += " ORDER BY created_at, id"

	rows, err := q.query(ctx, "list habits", query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var habits []models.Habit
	for rows.Next() {
		h, err := scanHabit(rows)
		if err != nil {
			return nil, scanErr("list habits", err)
		}
		habits = append(habits, h)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("list habits", err)
	}
	return habits, nil
}

func (q *queries) TombstoneHabit(ctx context.Context, id string, at time.Time) error {
	ts := formatTimestamp(at)
	return q.execOne(ctx, "delete habit", `
		UPDATE habits SET deleted_at = ?, updated_at = ? WHERE id = ? AND deleted_at IS NULL`,
		ts, ts, id)
}

// PurgeDeletedHabits removes tombstoned habits. Instances, logs, pauses and
// streak state go with them through ON DELETE CASCADE.
func (q *queries) PurgeDeletedHabits(ctx context.Context) (int64, error) {
	res, err := q.exec(ctx, "purge habits", `DELETE FROM habits WHERE deleted_at IS NOT NULL`)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, classify("purge habits", err)
	}
	return n, nil
}

func (q *queries) SetHabitPause(ctx context.Context, habitID, from, until string, at time.Time) error {
	return q.execOne(ctx, "set habit pause", `
		UPDATE habits SET paused_from = ?, paused_until = ?, updated_at = ?
		WHERE id = ? AND deleted_at IS NULL`,
		nullString(from), nullString(until), formatTimestamp(at), habitID)
}

func (q *queries) AdvanceWatermark(ctx context.Context, habitID, through string) error {
	_, err := q.exec(ctx, "advance watermark", `
		UPDATE habits SET materialized_through = ?
		WHERE id = ? AND (materialized_through IS NULL OR materialized_through < ?)`,
		through, habitID, through)
	return err
}

func (q *queries) ResetWatermark(ctx context.Context, habitID, through string) error {
	return q.execOne(ctx, "reset watermark", `
		UPDATE habits SET materialized_through = ? WHERE id = ?`,
		nullString(through), habitID)
}

func (q *queries) InsertPause(ctx context.Context, p models.Pause) error {
	_, err := q.exec(ctx, "insert pause", `
		INSERT INTO habit_pauses (id, habit_id, from_day, until_day, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		p.ID, p.HabitID, p.From, nullString(p.Until), formatTimestamp(p.CreatedAt))
	return err
}

func (q *queries) ListPauses(ctx context.Context, habitID string) ([]models.Pause, error) {
	rows, err := q.query(ctx, "list pauses", `
		SELECT id, habit_id, from_day, until_day, created_at
		FROM habit_pauses WHERE habit_id = ? ORDER BY from_day, created_at`, habitID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var pauses []models.Pause
	for rows.Next() {
		var p models.Pause
		var until sql.NullString
		var createdAt string
		if err := rows.Scan(&p.ID, &p.HabitID, &p.From, &until, &createdAt); err != nil {
			return nil, scanErr("list pauses", err)
		}
		p.Until = until.String
		if p.CreatedAt, err = parseTimestamp(createdAt); err != nil {
			return nil, parseErr("created_at", p.ID, err)
		}
		pauses = append(pauses, p)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("list pauses", err)
	}
	return pauses, nil
}

func (q *queries) UpdatePauseUntil(ctx context.Context, id, until string) error {
	return q.execOne(ctx, "update pause", `UPDATE habit_pauses SET until_day = ? WHERE id = ?`,
		nullString(until), id)
}

func (q *queries) DeletePause(ctx context.Context, id string) error {
	return q.execOne(ctx, "delete pause", `DELETE FROM habit_pauses WHERE id = ?`, id)
}
