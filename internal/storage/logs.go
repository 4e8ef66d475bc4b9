package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/julianstephens/cadence/internal/models"
)

const logColumns = `id, instance_id, value, idempotency_key, value_hash, logged_at, undone_at`

func scanLog(row rowScanner) (models.HabitLog, error) {
	var l models.HabitLog
	var value []byte
	var loggedAt string
	var undoneAt sql.NullString

	if err := row.Scan(&l.ID, &l.InstanceID, &value, &l.IdempotencyKey, &l.ValueHash, &loggedAt, &undoneAt); err != nil {
		return models.HabitLog{}, err
	}

	if err := json.Unmarshal(value, &l.Value); err != nil {
		return models.HabitLog{}, parseErr("value", l.ID, err)
	}
	var err error
	if l.LoggedAt, err = parseTimestamp(loggedAt); err != nil {
		return models.HabitLog{}, parseErr("logged_at", l.ID, err)
	}
	if undoneAt.Valid {
		t, err := parseTimestamp(undoneAt.String)
		if err != nil {
			return models.HabitLog{}, parseErr("undone_at", l.ID, err)
		}
		l.UndoneAt = &t
	}
	return l, nil
}

func (q *queries) InsertLog(ctx context.Context, l models.HabitLog) error {
	value, err := json.Marshal(l.Value)
	if err != nil {
		return fmt.Errorf("failed to encode log value: %w", err)
	}

	_, err = q.exec(ctx, "insert log", `
		INSERT INTO habit_logs (id, instance_id, value, idempotency_key, value_hash, logged_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		l.ID, l.InstanceID, string(value), l.IdempotencyKey, l.ValueHash, formatTimestamp(l.LoggedAt))
	return err
}

func (q *queries) GetLogByKey(ctx context.Context, instanceID, key string) (models.HabitLog, error) {
	row := q.queryRow(ctx, `SELECT `+logColumns+` FROM habit_logs WHERE instance_id = ? AND idempotency_key = ?`,
		instanceID, key)
	l, err := scanLog(row)
	if err != nil {
		return models.HabitLog{}, scanErr("get log", err)
	}
	return l, nil
}

func (q *queries) ListLogs(ctx context.Context, instanceID string) ([]models.HabitLog, error) {
	rows, err := q.query(ctx, "list logs", `
		SELECT `+logColumns+` FROM habit_logs WHERE instance_id = ? ORDER BY logged_at, id`, instanceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var logs []models.HabitLog
	for rows.Next() {
		l, err := scanLog(rows)
		if err != nil {
			return nil, scanErr("list logs", err)
		}
		logs = append(logs, l)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("list logs", err)
	}
	return logs, nil
}

func (q *queries) LatestLiveLog(ctx context.Context, instanceID string) (models.HabitLog, error) {
	row := q.queryRow(ctx, `
		SELECT `+logColumns+` FROM habit_logs
		WHERE instance_id = ? AND undone_at IS NULL
		ORDER BY logged_at DESC, id DESC LIMIT 1`, instanceID)
	l, err := scanLog(row)
	if err != nil {
		return models.HabitLog{}, scanErr("latest log", err)
	}
	return l, nil
}

func (q *queries) MarkLogUndone(ctx context.Context, id string, at time.Time) error {
	return q.execOne(ctx, "undo log", `
		UPDATE habit_logs SET undone_at = ? WHERE id = ? AND undone_at IS NULL`,
		formatTimestamp(at), id)
}
