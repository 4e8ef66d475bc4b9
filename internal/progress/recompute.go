package progress

import (
	"context"
	"fmt"
	"time"

	"github.com/julianstephens/cadence/internal/models"
	"github.com/julianstephens/cadence/internal/storage"
)

// Recompute re-derives the stored progress and status of an instance from
// its logs and returns the updated instance. It is idempotent and must run
// inside the caller's per-instance transaction.
func Recompute(ctx context.Context, q storage.Queries, instanceID string, at time.Time) (models.HabitInstance, error) {
	inst, err := q.GetInstance(ctx, instanceID)
	if err != nil {
		return models.HabitInstance{}, err
	}

	logs, err := q.ListLogs(ctx, instanceID)
	if err != nil {
		return models.HabitInstance{}, err
	}

	p, status, err := Compute(inst.Type, inst.Target, logs)
	if err != nil {
		return models.HabitInstance{}, fmt.Errorf("instance %s: %w", instanceID, err)
	}

	if p == inst.Progress && status == inst.Status {
		return inst, nil
	}

	if err := q.UpdateInstanceProgress(ctx, instanceID, p, status, at); err != nil {
		return models.HabitInstance{}, err
	}
	inst.Progress = p
	inst.Status = status
	inst.UpdatedAt = at
	return inst, nil
}
