// Package storagetest holds the behavioural checks every storage.Provider
// must pass. Each dialect's tests call Run against a freshly migrated store.
package storagetest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/julianstephens/cadence/internal/errors"
	"github.com/julianstephens/cadence/internal/models"
	"github.com/julianstephens/cadence/internal/storage"
)

var epoch = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

// Habit returns a valid daily binary habit with the given id.
func Habit(id string) models.Habit {
	return models.Habit{
		ID:               id,
		UserID:           "user-1",
		Title:            "Habit " + id,
		Type:             models.HabitBinary,
		Recurrence:       models.Recurrence{Type: models.RecurrenceDaily, Interval: 1, Anchor: "2026-03-01"},
		GraceDays:        1,
		RetroWindowHours: 24,
		Timezone:         "UTC",
		StartDate:        "2026-03-01",
		CreatedAt:        epoch,
		UpdatedAt:        epoch,
	}
}

// Instance returns a pending instance of habitID on day.
func Instance(habitID, day string) models.HabitInstance {
	return models.HabitInstance{
		ID:        habitID + "-" + day,
		HabitID:   habitID,
		Day:       day,
		Type:      models.HabitBinary,
		Status:    models.StatusPending,
		CreatedAt: epoch,
		UpdatedAt: epoch,
	}
}

// Run exercises p. open must return a migrated, empty provider.
func Run(t *testing.T, open func(t *testing.T) storage.Provider) {
	t.Run("Habits", func(t *testing.T) { testHabits(t, open(t)) })
	t.Run("Watermark", func(t *testing.T) { testWatermark(t, open(t)) })
	t.Run("Pauses", func(t *testing.T) { testPauses(t, open(t)) })
	t.Run("Instances", func(t *testing.T) { testInstances(t, open(t)) })
	t.Run("Logs", func(t *testing.T) { testLogs(t, open(t)) })
	t.Run("Streaks", func(t *testing.T) { testStreaks(t, open(t)) })
	t.Run("OutboxHeads", func(t *testing.T) { testOutboxHeads(t, open(t)) })
	t.Run("OutboxRequeue", func(t *testing.T) { testOutboxRequeue(t, open(t)) })
	t.Run("Transactions", func(t *testing.T) { testTransactions(t, open(t)) })
	t.Run("PurgeCascades", func(t *testing.T) { testPurgeCascades(t, open(t)) })
}

func testHabits(t *testing.T, p storage.Provider) {
	ctx := context.Background()

	h := Habit("h1")
	h.Type = models.HabitChecklist
	h.Target = models.Target{Items: []models.ChecklistItem{{ID: "a", Label: "A"}, {ID: "b", Label: "B", Optional: true}}}
	h.Windows = []models.Window{{Name: "morning", Start: "07:00", End: "09:00"}}
	require.NoError(t, p.InsertHabit(ctx, h))
	require.NoError(t, p.InsertHabit(ctx, Habit("h2")))

	got, err := p.GetHabit(ctx, "h1")
	require.NoError(t, err)
	assert.Equal(t, h.Title, got.Title)
	assert.Equal(t, h.Target, got.Target)
	assert.Equal(t, h.Windows, got.Windows)
	assert.Equal(t, h.Recurrence, got.Recurrence)
	assert.True(t, h.CreatedAt.Equal(got.CreatedAt))

	got.Title = "Renamed"
	got.GraceDays = 3
	got.UpdatedAt = epoch.Add(time.Hour)
	require.NoError(t, p.UpdateHabit(ctx, got))

	got, err = p.GetHabit(ctx, "h1")
	require.NoError(t, err)
	assert.Equal(t, "Renamed", got.Title)
	assert.Equal(t, 3, got.GraceDays)

	list, err := p.ListHabits(ctx, "user-1")
	require.NoError(t, err)
	assert.Len(t, list, 2)

	list, err = p.ListHabits(ctx, "someone-else")
	require.NoError(t, err)
	assert.Empty(t, list)

	require.NoError(t, p.TombstoneHabit(ctx, "h2", epoch))
	_, err = p.GetHabit(ctx, "h2")
	assert.True(t, apperrors.IsNotFound(err), "tombstoned habit should not be found, got %v", err)

	list, err = p.ListHabits(ctx, "")
	require.NoError(t, err)
	assert.Len(t, list, 1)

	err = p.TombstoneHabit(ctx, "h2", epoch)
	assert.True(t, apperrors.IsNotFound(err))

	_, err = p.GetHabit(ctx, "missing")
	assert.True(t, apperrors.IsNotFound(err))
}

func testWatermark(t *testing.T, p storage.Provider) {
	ctx := context.Background()
	require.NoError(t, p.InsertHabit(ctx, Habit("h1")))

	require.NoError(t, p.AdvanceWatermark(ctx, "h1", "2026-03-10"))
	require.NoError(t, p.AdvanceWatermark(ctx, "h1", "2026-03-05"))

	h, err := p.GetHabit(ctx, "h1")
	require.NoError(t, err)
	assert.Equal(t, "2026-03-10", h.MaterializedThrough, "watermark must not move backwards")

	require.NoError(t, p.ResetWatermark(ctx, "h1", "2026-03-04"))
	h, err = p.GetHabit(ctx, "h1")
	require.NoError(t, err)
	assert.Equal(t, "2026-03-04", h.MaterializedThrough)
}

func testPauses(t *testing.T, p storage.Provider) {
	ctx := context.Background()
	require.NoError(t, p.InsertHabit(ctx, Habit("h1")))

	require.NoError(t, p.InsertPause(ctx, models.Pause{ID: "p2", HabitID: "h1", From: "2026-03-20", CreatedAt: epoch}))
	require.NoError(t, p.InsertPause(ctx, models.Pause{ID: "p1", HabitID: "h1", From: "2026-03-05", Until: "2026-03-07", CreatedAt: epoch}))
	require.NoError(t, p.SetHabitPause(ctx, "h1", "2026-03-20", "", epoch))

	pauses, err := p.ListPauses(ctx, "h1")
	require.NoError(t, err)
	require.Len(t, pauses, 2)
	assert.Equal(t, "p1", pauses[0].ID)
	assert.Equal(t, "", pauses[1].Until)

	require.NoError(t, p.UpdatePauseUntil(ctx, "p2", "2026-03-25"))
	require.NoError(t, p.DeletePause(ctx, "p1"))

	pauses, err = p.ListPauses(ctx, "h1")
	require.NoError(t, err)
	require.Len(t, pauses, 1)
	assert.Equal(t, "2026-03-25", pauses[0].Until)

	h, err := p.GetHabit(ctx, "h1")
	require.NoError(t, err)
	assert.Equal(t, "2026-03-20", h.PausedFrom)
	assert.Equal(t, "", h.PausedUntil)

	assert.True(t, apperrors.IsNotFound(p.DeletePause(ctx, "p1")))
}

func testInstances(t *testing.T, p storage.Provider) {
	ctx := context.Background()
	require.NoError(t, p.InsertHabit(ctx, Habit("h1")))

	inst := Instance("h1", "2026-03-02")
	inst.Window = &models.Window{Name: "morning", Start: "07:00", End: "09:00"}
	created, err := p.InsertInstance(ctx, inst)
	require.NoError(t, err)
	assert.True(t, created)

	dup := Instance("h1", "2026-03-02")
	dup.ID = "other-id"
	created, err = p.InsertInstance(ctx, dup)
	require.NoError(t, err)
	assert.False(t, created, "second instance for the same day must not be created")

	for _, day := range []string{"2026-03-04", "2026-03-03"} {
		_, err := p.InsertInstance(ctx, Instance("h1", day))
		require.NoError(t, err)
	}

	got, err := p.GetInstanceByDay(ctx, "h1", "2026-03-02")
	require.NoError(t, err)
	assert.Equal(t, inst.ID, got.ID)
	require.NotNil(t, got.Window)
	assert.Equal(t, "morning", got.Window.Name)

	list, err := p.ListInstances(ctx, "h1", "2026-03-03", "")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "2026-03-03", list[0].Day)
	assert.Equal(t, "2026-03-04", list[1].Day)

	require.NoError(t, p.LockInstance(ctx, inst.ID))
	assert.True(t, apperrors.IsNotFound(p.LockInstance(ctx, "missing")))

	require.NoError(t, p.UpdateInstanceProgress(ctx, inst.ID, 0.5, models.StatusInProgress, epoch))
	got, err = p.GetInstance(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, 0.5, got.Progress)
	assert.Equal(t, models.StatusInProgress, got.Status)

	n, err := p.SetInstancesExcluded(ctx, "h1", "2026-03-03", "", true, epoch)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	n, err = p.SetInstancesExcluded(ctx, "h1", "2026-03-04", "2026-03-04", false, epoch)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	list, err = p.ListInstances(ctx, "h1", "", "")
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.False(t, list[0].Excluded)
	assert.True(t, list[1].Excluded)
	assert.False(t, list[2].Excluded)
}

func testLogs(t *testing.T, p storage.Provider) {
	ctx := context.Background()
	require.NoError(t, p.InsertHabit(ctx, Habit("h1")))
	inst := Instance("h1", "2026-03-02")
	_, err := p.InsertInstance(ctx, inst)
	require.NoError(t, err)

	first := models.HabitLog{ID: "l1", InstanceID: inst.ID, Value: models.LogValue{Amount: 2}, IdempotencyKey: "k1", ValueHash: "h1", LoggedAt: epoch}
	second := models.HabitLog{ID: "l2", InstanceID: inst.ID, Value: models.LogValue{Amount: 3}, IdempotencyKey: "k2", ValueHash: "h2", LoggedAt: epoch.Add(time.Minute)}
	require.NoError(t, p.InsertLog(ctx, first))
	require.NoError(t, p.InsertLog(ctx, second))

	reuse := first
	reuse.ID = "l3"
	assert.Error(t, p.InsertLog(ctx, reuse), "idempotency key must be unique per instance")

	got, err := p.GetLogByKey(ctx, inst.ID, "k1")
	require.NoError(t, err)
	assert.Equal(t, 2.0, got.Value.Amount)

	latest, err := p.LatestLiveLog(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, "l2", latest.ID)

	require.NoError(t, p.MarkLogUndone(ctx, "l2", epoch.Add(2*time.Minute)))
	assert.True(t, apperrors.IsNotFound(p.MarkLogUndone(ctx, "l2", epoch)))

	latest, err = p.LatestLiveLog(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, "l1", latest.ID)

	logs, err := p.ListLogs(ctx, inst.ID)
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.Nil(t, logs[0].UndoneAt)
	require.NotNil(t, logs[1].UndoneAt)

	_, err = p.GetLogByKey(ctx, inst.ID, "missing")
	assert.True(t, apperrors.IsNotFound(err))
}

func testStreaks(t *testing.T, p storage.Provider) {
	ctx := context.Background()
	require.NoError(t, p.InsertHabit(ctx, Habit("h1")))

	_, err := p.GetStreak(ctx, "h1")
	assert.True(t, apperrors.IsNotFound(err))

	state, err := p.LockStreak(ctx, "h1", 2, epoch)
	require.NoError(t, err)
	assert.Equal(t, int64(1), state.Version)
	assert.Equal(t, 2, state.GraceRemaining)

	state.CurrentStreak = 4
	state.BestStreak = 6
	state.LastCompletedDate = "2026-03-01"
	state.LastEvaluatedDate = "2026-03-01"
	require.NoError(t, p.SaveStreak(ctx, state))

	again, err := p.LockStreak(ctx, "h1", 2, epoch)
	require.NoError(t, err)
	assert.Equal(t, int64(2), again.Version)
	assert.Equal(t, 4, again.CurrentStreak)
	assert.Equal(t, 6, again.BestStreak)

	err = p.SaveStreak(ctx, state)
	assert.True(t, apperrors.IsNotFound(err), "saving with a stale version must fail, got %v", err)
}

func event(id, aggregate string, seq int64, due time.Time) models.OutboxEvent {
	payload, _ := json.Marshal(map[string]any{"id": aggregate, "seq": seq})
	return models.OutboxEvent{
		ID:            id,
		AggregateType: models.AggregateInstance,
		AggregateID:   aggregate,
		Sequence:      seq,
		Payload:       payload,
		ContentHash:   fmt.Sprintf("hash-%s", id),
		Status:        models.OutboxPending,
		NextAttemptAt: due,
		CreatedAt:     epoch,
		UpdatedAt:     epoch,
	}
}

func testOutboxHeads(t *testing.T, p storage.Provider) {
	ctx := context.Background()

	seq, err := p.NextSequence(ctx, models.AggregateInstance, "a")
	require.NoError(t, err)
	assert.Equal(t, int64(1), seq)
	seq, err = p.NextSequence(ctx, models.AggregateInstance, "a")
	require.NoError(t, err)
	assert.Equal(t, int64(2), seq)
	seq, err = p.NextSequence(ctx, models.AggregateStreak, "a")
	require.NoError(t, err)
	assert.Equal(t, int64(1), seq, "sequences are per aggregate")

	require.NoError(t, p.InsertOutboxEvent(ctx, event("a1", "a", 1, epoch)))
	require.NoError(t, p.InsertOutboxEvent(ctx, event("a2", "a", 2, epoch)))
	require.NoError(t, p.InsertOutboxEvent(ctx, event("b1", "b", 1, epoch.Add(time.Hour))))

	heads, err := p.ListDueOutboxHeads(ctx, epoch, 10)
	require.NoError(t, err)
	require.Len(t, heads, 1, "b1 is not due and a2 is behind a1")
	assert.Equal(t, "a1", heads[0].ID)
	assert.JSONEq(t, `{"id":"a","seq":1}`, string(heads[0].Payload))

	require.NoError(t, p.MarkOutboxSent(ctx, "a1", epoch))
	assert.True(t, apperrors.IsNotFound(p.MarkOutboxSent(ctx, "a1", epoch)))

	heads, err = p.ListDueOutboxHeads(ctx, epoch.Add(time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, heads, 2)
	assert.Equal(t, "a2", heads[0].ID)
	assert.Equal(t, "b1", heads[1].ID)

	failed := heads[0]
	failed.Attempts = 1
	failed.NextAttemptAt = epoch.Add(2 * time.Hour)
	failed.LastError = "boom"
	failed.UpdatedAt = epoch.Add(time.Hour)
	require.NoError(t, p.RecordOutboxFailure(ctx, failed))

	heads, err = p.ListDueOutboxHeads(ctx, epoch.Add(time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, heads, 1)
	assert.Equal(t, "b1", heads[0].ID)

	got, err := p.GetOutboxEvent(ctx, "a2")
	require.NoError(t, err)
	assert.Equal(t, 1, got.Attempts)
	assert.Equal(t, "boom", got.LastError)
	assert.True(t, got.NextAttemptAt.Equal(epoch.Add(2*time.Hour)))
}

func testOutboxRequeue(t *testing.T, p storage.Provider) {
	ctx := context.Background()

	require.NoError(t, p.InsertOutboxEvent(ctx, event("a1", "a", 1, epoch)))
	require.NoError(t, p.InsertOutboxEvent(ctx, event("a2", "a", 2, epoch)))

	dead := event("a1", "a", 1, epoch)
	dead.Status = models.OutboxDead
	dead.Attempts = 8
	dead.LastError = "gave up"
	require.NoError(t, p.RecordOutboxFailure(ctx, dead))

	heads, err := p.ListDueOutboxHeads(ctx, epoch, 10)
	require.NoError(t, err)
	require.Len(t, heads, 1)
	assert.Equal(t, "a2", heads[0].ID, "a dead event must not block later events")

	deadList, err := p.ListOutboxEvents(ctx, models.OutboxDead, 10)
	require.NoError(t, err)
	require.Len(t, deadList, 1)
	assert.Equal(t, "a1", deadList[0].ID)

	require.NoError(t, p.RequeueOutboxEvent(ctx, "a1", epoch.Add(time.Minute)))
	assert.True(t, apperrors.IsNotFound(p.RequeueOutboxEvent(ctx, "a1", epoch)))

	got, err := p.GetOutboxEvent(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, models.OutboxPending, got.Status)
	assert.Equal(t, 0, got.Attempts)
}

func testTransactions(t *testing.T, p storage.Provider) {
	ctx := context.Background()
	boom := errors.New("boom")

	err := p.InTx(ctx, func(q storage.Queries) error {
		require.NoError(t, q.InsertHabit(ctx, Habit("rolled-back")))
		return boom
	})
	assert.ErrorIs(t, err, boom)

	_, err = p.GetHabit(ctx, "rolled-back")
	assert.True(t, apperrors.IsNotFound(err))

	err = p.InTx(ctx, func(q storage.Queries) error {
		return q.InsertHabit(ctx, Habit("committed"))
	})
	require.NoError(t, err)

	_, err = p.GetHabit(ctx, "committed")
	assert.NoError(t, err)
}

func testPurgeCascades(t *testing.T, p storage.Provider) {
	ctx := context.Background()
	require.NoError(t, p.InsertHabit(ctx, Habit("h1")))
	inst := Instance("h1", "2026-03-02")
	_, err := p.InsertInstance(ctx, inst)
	require.NoError(t, err)
	require.NoError(t, p.InsertLog(ctx, models.HabitLog{ID: "l1", InstanceID: inst.ID, IdempotencyKey: "k", ValueHash: "x", LoggedAt: epoch}))
	_, err = p.LockStreak(ctx, "h1", 0, epoch)
	require.NoError(t, err)

	require.NoError(t, p.TombstoneHabit(ctx, "h1", epoch))
	n, err := p.PurgeDeletedHabits(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = p.GetInstance(ctx, inst.ID)
	assert.True(t, apperrors.IsNotFound(err))
	_, err = p.GetStreak(ctx, "h1")
	assert.True(t, apperrors.IsNotFound(err))
}
