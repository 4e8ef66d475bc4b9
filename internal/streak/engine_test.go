package streak

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/julianstephens/cadence/internal/clock"
	"github.com/julianstephens/cadence/internal/models"
	"github.com/julianstephens/cadence/internal/storage/sqlite"
	"github.com/julianstephens/cadence/internal/storage/storagetest"
)

var now = time.Date(2026, 3, 5, 20, 0, 0, 0, time.UTC)

type fixture struct {
	t      *testing.T
	ctx    context.Context
	store  *sqlite.Store
	engine *Engine
}

func setup(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	store := sqlite.NewStore(filepath.Join(t.TempDir(), "cadence.db"))
	require.NoError(t, store.Init(ctx))
	t.Cleanup(func() { store.Close() })
	return &fixture{t: t, ctx: ctx, store: store, engine: NewEngine(store, clock.Fake(now))}
}

func (f *fixture) habit(id string, graceDays int, days ...string) {
	f.t.Helper()
	h := storagetest.Habit(id)
	h.GraceDays = graceDays
	require.NoError(f.t, f.store.InsertHabit(f.ctx, h))
	for _, day := range days {
		_, err := f.store.InsertInstance(f.ctx, storagetest.Instance(id, day))
		require.NoError(f.t, err)
	}
}

func (f *fixture) setStatus(habitID, day string, status models.InstanceStatus) {
	f.t.Helper()
	progress := 0.0
	if status == models.StatusComplete {
		progress = 1
	}
	require.NoError(f.t, f.store.UpdateInstanceProgress(f.ctx, habitID+"-"+day, progress, status, now))
}

func (f *fixture) evaluate(habitID, today string) models.StreakState {
	f.t.Helper()
	state, err := f.engine.Evaluate(f.ctx, habitID, today)
	require.NoError(f.t, err)
	return state
}

func TestEngineCountsTodayOnlyWhenComplete(t *testing.T) {
	f := setup(t)
	f.habit("h1", 0, "2026-03-02", "2026-03-03", "2026-03-04", "2026-03-05")
	for _, day := range []string{"2026-03-02", "2026-03-03", "2026-03-04"} {
		f.setStatus("h1", day, models.StatusComplete)
	}

	state := f.evaluate("h1", "2026-03-05")
	assert.Equal(t, 3, state.CurrentStreak)
	assert.Equal(t, "2026-03-04", state.LastEvaluatedDate, "a pending today is not evaluated")

	f.setStatus("h1", "2026-03-05", models.StatusComplete)
	state = f.evaluate("h1", "2026-03-05")
	assert.Equal(t, 4, state.CurrentStreak)
	assert.Equal(t, "2026-03-05", state.LastEvaluatedDate)

	stored, err := f.store.GetStreak(f.ctx, "h1")
	require.NoError(t, err)
	assert.Equal(t, 4, stored.BestStreak)

	events, err := f.store.ListDueOutboxHeads(f.ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, models.AggregateStreak, events[0].AggregateType)
	assert.Equal(t, "h1", events[0].AggregateID)
}

func TestEngineUnchangedStateWritesNothing(t *testing.T) {
	f := setup(t)
	f.habit("h1", 0, "2026-03-02")
	f.setStatus("h1", "2026-03-02", models.StatusComplete)

	f.evaluate("h1", "2026-03-05")
	f.evaluate("h1", "2026-03-05")

	seq, err := f.store.NextSequence(f.ctx, models.AggregateStreak, "h1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), seq, "only the first evaluation should enqueue an event")
}

func TestEnginePauseDaysFiveToSeven(t *testing.T) {
	f := setup(t)
	days := []string{
		"2026-03-02", "2026-03-03", "2026-03-04", "2026-03-05",
		"2026-03-06", "2026-03-07", "2026-03-08", "2026-03-09",
	}
	f.habit("h1", 0, days...)
	require.NoError(t, f.store.InsertPause(f.ctx, models.Pause{
		ID: "p1", HabitID: "h1", From: "2026-03-06", Until: "2026-03-08", CreatedAt: now,
	}))
	for _, day := range []string{"2026-03-02", "2026-03-03", "2026-03-04", "2026-03-05", "2026-03-09"} {
		f.setStatus("h1", day, models.StatusComplete)
	}

	state := f.evaluate("h1", "2026-03-10")
	assert.Equal(t, 5, state.CurrentStreak)
	assert.Equal(t, 5, state.BestStreak)
	assert.Equal(t, "2026-03-09", state.LastCompletedDate)
}

func TestEngineRetroLogMatchesOnTime(t *testing.T) {
	f := setup(t)
	days := []string{"2026-03-02", "2026-03-03", "2026-03-04", "2026-03-05"}
	f.habit("ontime", 0, days...)
	f.habit("retro", 0, days...)

	for _, day := range days[:3] {
		f.setStatus("ontime", day, models.StatusComplete)
		f.evaluate("ontime", day)
	}

	f.setStatus("retro", "2026-03-02", models.StatusComplete)
	f.evaluate("retro", "2026-03-02")
	broken := f.evaluate("retro", "2026-03-04")
	assert.Equal(t, 0, broken.CurrentStreak, "Tuesday was missed when evaluated")

	f.setStatus("retro", "2026-03-04", models.StatusComplete)
	f.evaluate("retro", "2026-03-04")

	f.setStatus("retro", "2026-03-03", models.StatusComplete)
	_, err := f.engine.Reevaluate(f.ctx, "retro", "2026-03-03", "2026-03-04")
	require.NoError(t, err)

	onTime := f.evaluate("ontime", "2026-03-05")
	retro := f.evaluate("retro", "2026-03-05")

	assert.Equal(t, 3, onTime.CurrentStreak)
	assert.Equal(t, onTime.CurrentStreak, retro.CurrentStreak)
	assert.Equal(t, onTime.BestStreak, retro.BestStreak)
	assert.Equal(t, onTime.LastCompletedDate, retro.LastCompletedDate)
	assert.Equal(t, onTime.GraceRemaining, retro.GraceRemaining)
	assert.Equal(t, onTime.LastEvaluatedDate, retro.LastEvaluatedDate)
}

func TestEngineUndoOfCountedTodayRebuilds(t *testing.T) {
	f := setup(t)
	f.habit("h1", 0, "2026-03-02", "2026-03-03")
	f.setStatus("h1", "2026-03-02", models.StatusComplete)
	f.setStatus("h1", "2026-03-03", models.StatusComplete)

	state := f.evaluate("h1", "2026-03-03")
	assert.Equal(t, 2, state.CurrentStreak)

	f.setStatus("h1", "2026-03-03", models.StatusPending)
	state, err := f.engine.Reevaluate(f.ctx, "h1", "2026-03-03", "2026-03-03")
	require.NoError(t, err)
	assert.Equal(t, 1, state.CurrentStreak)
	assert.Equal(t, 1, state.BestStreak, "a rebuild may lower the best streak")
	assert.Equal(t, "2026-03-02", state.LastEvaluatedDate)
}

func TestEngineConcurrentEvaluations(t *testing.T) {
	f := setup(t)
	f.habit("h1", 1, "2026-03-02", "2026-03-03", "2026-03-04")
	f.setStatus("h1", "2026-03-02", models.StatusComplete)
	f.setStatus("h1", "2026-03-04", models.StatusComplete)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.engine.Evaluate(f.ctx, "h1", "2026-03-05")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	state, err := f.store.GetStreak(f.ctx, "h1")
	require.NoError(t, err)
	assert.Equal(t, 2, state.CurrentStreak)
	assert.Equal(t, 0, state.GraceRemaining)
}

func TestEngineUnknownHabit(t *testing.T) {
	f := setup(t)
	_, err := f.engine.Evaluate(f.ctx, "missing", "2026-03-05")
	assert.Error(t, err)
}
