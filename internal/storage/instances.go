package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/julianstephens/cadence/internal/models"
)

const instanceColumns = `id, habit_id, day, type, target, time_window, status, progress, excluded, created_at, updated_at`

func scanInstance(row rowScanner) (models.HabitInstance, error) {
	var inst models.HabitInstance
	var target []byte
	var window sql.NullString
	var createdAt, updatedAt string

	err := row.Scan(&inst.ID, &inst.HabitID, &inst.Day, &inst.Type, &target, &window,
		&inst.Status, &inst.Progress, &inst.Excluded, &createdAt, &updatedAt)
	if err != nil {
		return models.HabitInstance{}, err
	}

	if err := json.Unmarshal(target, &inst.Target); err != nil {
		return models.HabitInstance{}, parseErr("target", inst.ID, err)
	}
	if window.Valid {
		var w models.Window
		if err := json.Unmarshal([]byte(window.String), &w); err != nil {
			return models.HabitInstance{}, parseErr("time_window", inst.ID, err)
		}
		inst.Window = &w
	}
	if inst.CreatedAt, err = parseTimestamp(createdAt); err != nil {
		return models.HabitInstance{}, parseErr("created_at", inst.ID, err)
	}
	if inst.UpdatedAt, err = parseTimestamp(updatedAt); err != nil {
		return models.HabitInstance{}, parseErr("updated_at", inst.ID, err)
	}
	return inst, nil
}

func (q *queries) InsertInstance(ctx context.Context, inst models.HabitInstance) (bool, error) {
	target, err := json.Marshal(inst.Target)
	if err != nil {
		return false, fmt.Errorf("failed to encode target: %w", err)
	}
	var window sql.NullString
	if inst.Window != nil {
		w, err := json.Marshal(inst.Window)
		if err != nil {
			return false, fmt.Errorf("failed to encode window: %w", err)
		}
		window = sql.NullString{String: string(w), Valid: true}
	}

	res, err := q.exec(ctx, "insert instance", `
		INSERT INTO habit_instances (`+instanceColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (habit_id, day) DO NOTHING`,
		inst.ID, inst.HabitID, inst.Day, string(inst.Type), string(target), window,
		string(inst.Status), inst.Progress, inst.Excluded,
		formatTimestamp(inst.CreatedAt), formatTimestamp(inst.UpdatedAt))
	if err != nil {
		return false, err
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, classify("insert instance", err)
	}
	return n == 1, nil
}

func (q *queries) GetInstance(ctx context.Context, id string) (models.HabitInstance, error) {
	row := q.queryRow(ctx, `SELECT `+instanceColumns+` FROM habit_instances WHERE id = ?`, id)
	inst, err := scanInstance(row)
	if err != nil {
		return models.HabitInstance{}, scanErr("get instance", err)
	}
	return inst, nil
}

func (q *queries) GetInstanceByDay(ctx context.Context, habitID, day string) (models.HabitInstance, error) {
	row := q.queryRow(ctx, `SELECT `+instanceColumns+` FROM habit_instances WHERE habit_id = ? AND day = ?`,
		habitID, day)
	inst, err := scanInstance(row)
	if err != nil {
		return models.HabitInstance{}, scanErr("get instance by day", err)
	}
	return inst, nil
}

func (q *queries) ListInstances(ctx context.Context, habitID, from, to string) ([]models.HabitInstance, error) {
	query := `SELECT ` + instanceColumns + ` FROM habit_instances WHERE habit_id = ?`
	args := []any{habitID}
	if from != "" {
		query += " AND day >= ?"
		args = append(args, from)
	}
	if to != "" {
		query += " AND day <= ?"
		args = append(args, to)
	}
	query += " ORDER BY day"

	rows, err := q.query(ctx, "list instances", query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var instances []models.HabitInstance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, scanErr("list instances", err)
		}
		instances = append(instances, inst)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("list instances", err)
	}
	return instances, nil
}

func (q *queries) LockInstance(ctx context.Context, id string) error {
	return q.execOne(ctx, "lock instance", `UPDATE habit_instances SET version = version + 1 WHERE id = ?`, id)
}

func (q *queries) UpdateInstanceProgress(ctx context.Context, id string, progress float64, status models.InstanceStatus, at time.Time) error {
	return q.execOne(ctx, "update instance progress", `
		UPDATE habit_instances SET progress = ?, status = ?, updated_at = ? WHERE id = ?`,
		progress, string(status), formatTimestamp(at), id)
}

// SetInstancesExcluded toggles the excluded flag on instances with
// from <= day <= until. An empty until is open-ended.
func (q *queries) SetInstancesExcluded(ctx context.Context, habitID, from, until string, excluded bool, at time.Time) (int64, error) {
	query := `UPDATE habit_instances SET excluded = ?, updated_at = ? WHERE habit_id = ? AND day >= ? AND excluded <> ?`
	args := []any{excluded, formatTimestamp(at), habitID, from, excluded}
	if until != "" {
		query += " AND day <= ?"
		args = append(args, until)
	}

	res, err := q.exec(ctx, "set instances excluded", query, args...)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, classify("set instances excluded", err)
	}
	return n, nil
}
