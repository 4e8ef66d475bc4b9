package materializer

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
	"github.com/julianstephens/cadence/internal/streak"
)

var now = time.Date(2026, 3, 5, 12, 0, 0, 0, time.UTC)

func setupTestStore(t *testing.T) *sqlite.Store {
	t.Helper()
	store := sqlite.NewStore(filepath.Join(t.TempDir(), "cadence.db"))
	require.NoError(t, store.Init(context.Background()))
	t.Cleanup(func() { store.Close() })
	return store
}

func newMaterializer(t *testing.T) (*Materializer, *sqlite.Store) {
	t.Helper()
	store := setupTestStore(t)
	clk := clock.Fake(now)
	return New(store, streak.NewEngine(store, clk), clk, DefaultConfig()), store
}

func days(instances []models.HabitInstance) []string {
	out := make([]string, len(instances))
	for i, inst := range instances {
		out[i] = inst.Day
	}
	return out
}

func TestEnsureInstancesDaily(t *testing.T) {
	ctx := context.Background()
	m, store := newMaterializer(t)
	require.NoError(t, store.InsertHabit(ctx, storagetest.Habit("h1")))

	created, err := m.EnsureInstances(ctx, "h1", "2026-03-07")
	require.NoError(t, err)
	assert.Equal(t, 7, created)

	instances, err := store.ListInstances(ctx, "h1", "", "")
	require.NoError(t, err)
	assert.Equal(t, []string{
		"2026-03-01", "2026-03-02", "2026-03-03", "2026-03-04",
		"2026-03-05", "2026-03-06", "2026-03-07",
	}, days(instances))
	for _, inst := range instances {
		assert.Equal(t, models.StatusPending, inst.Status)
		assert.Equal(t, models.HabitBinary, inst.Type)
	}

	habit, err := store.GetHabit(ctx, "h1")
	require.NoError(t, err)
	assert.Equal(t, "2026-03-07", habit.MaterializedThrough)

	events, err := store.ListDueOutboxHeads(ctx, now, 100)
	require.NoError(t, err)
	assert.Len(t, events, 7)
	for _, e := range events {
		assert.Equal(t, models.AggregateInstance, e.AggregateType)
	}
}

func TestEnsureInstancesIdempotent(t *testing.T) {
	ctx := context.Background()
	m, store := newMaterializer(t)
	require.NoError(t, store.InsertHabit(ctx, storagetest.Habit("h1")))

	_, err := m.EnsureInstances(ctx, "h1", "2026-03-07")
	require.NoError(t, err)

	created, err := m.EnsureInstances(ctx, "h1", "2026-03-07")
	require.NoError(t, err)
	assert.Zero(t, created)

	created, err = m.EnsureInstances(ctx, "h1", "2026-03-03")
	require.NoError(t, err)
	assert.Zero(t, created)

	habit, err := store.GetHabit(ctx, "h1")
	require.NoError(t, err)
	assert.Equal(t, "2026-03-07", habit.MaterializedThrough, "watermark never moves backwards")

	// A lowered watermark re-expands the range but existing rows win.
	require.NoError(t, store.ResetWatermark(ctx, "h1", "2026-03-02"))
	created, err = m.EnsureInstances(ctx, "h1", "2026-03-08")
	require.NoError(t, err)
	assert.Equal(t, 1, created)
}

func TestEnsureInstancesSnapshotsTarget(t *testing.T) {
	ctx := context.Background()
	m, store := newMaterializer(t)

	h := storagetest.Habit("water")
	h.Type = models.HabitQuantitative
	h.Target = models.Target{Numeric: 8, Unit: "glasses"}
	h.Windows = []models.Window{
		{Name: "evening", Start: "18:00", End: "21:00"},
		{Name: "morning", Start: "07:00", End: "09:00"},
	}
	require.NoError(t, store.InsertHabit(ctx, h))

	_, err := m.EnsureInstances(ctx, "water", "2026-03-02")
	require.NoError(t, err)

	h.Target.Numeric = 10
	require.NoError(t, store.UpdateHabit(ctx, h))
	_, err = m.EnsureInstances(ctx, "water", "2026-03-03")
	require.NoError(t, err)

	first, err := store.GetInstanceByDay(ctx, "water", "2026-03-01")
	require.NoError(t, err)
	assert.Equal(t, 8.0, first.Target.Numeric)
	require.NotNil(t, first.Window)
	assert.Equal(t, "morning", first.Window.Name)

	later, err := store.GetInstanceByDay(ctx, "water", "2026-03-03")
	require.NoError(t, err)
	assert.Equal(t, 10.0, later.Target.Numeric)
}

func TestEnsureInstancesWeeklyAndPaused(t *testing.T) {
	ctx := context.Background()
	m, store := newMaterializer(t)

	h := storagetest.Habit("gym")
	h.Recurrence = models.Recurrence{
		Type:        models.RecurrenceWeekly,
		WeekdayMask: []time.Weekday{time.Monday, time.Wednesday, time.Friday},
	}
	require.NoError(t, store.InsertHabit(ctx, h))
	require.NoError(t, store.InsertPause(ctx, models.Pause{
		ID: "p1", HabitID: "gym", From: "2026-03-09", Until: "2026-03-11", CreatedAt: now,
	}))

	created, err := m.EnsureInstances(ctx, "gym", "2026-03-15")
	require.NoError(t, err)
	assert.Equal(t, 4, created)

	instances, err := store.ListInstances(ctx, "gym", "", "")
	require.NoError(t, err)
	assert.Equal(t, []string{"2026-03-02", "2026-03-04", "2026-03-06", "2026-03-13"}, days(instances))
}

func TestEnsureInstancesAnchorsOnStartDate(t *testing.T) {
	ctx := context.Background()
	m, store := newMaterializer(t)

	h := storagetest.Habit("alt")
	h.StartDate = "2026-03-02"
	h.Recurrence = models.Recurrence{Type: models.RecurrenceDaily, Interval: 2}
	require.NoError(t, store.InsertHabit(ctx, h))

	_, err := m.EnsureInstances(ctx, "alt", "2026-03-03")
	require.NoError(t, err)
	_, err = m.EnsureInstances(ctx, "alt", "2026-03-07")
	require.NoError(t, err)

	instances, err := store.ListInstances(ctx, "alt", "", "")
	require.NoError(t, err)
	assert.Equal(t, []string{"2026-03-02", "2026-03-04", "2026-03-06"}, days(instances))
}

func TestEnsureInstancesConcurrent(t *testing.T) {
	ctx := context.Background()
	m, store := newMaterializer(t)
	require.NoError(t, store.InsertHabit(ctx, storagetest.Habit("h1")))

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		total int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			created, err := m.EnsureInstances(ctx, "h1", "2026-03-07")
			assert.NoError(t, err)
			mu.Lock()
			total += created
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, 7, total)
	instances, err := store.ListInstances(ctx, "h1", "", "")
	require.NoError(t, err)
	assert.Len(t, instances, 7)

	events, err := store.ListDueOutboxHeads(ctx, now, 100)
	require.NoError(t, err)
	assert.Len(t, events, 7, "only inserting callers enqueue")
}

func TestEnsureInstancesUnknownHabit(t *testing.T) {
	m, _ := newMaterializer(t)
	_, err := m.EnsureInstances(context.Background(), "missing", "2026-03-07")
	assert.Error(t, err)
}

func TestRunNightly(t *testing.T) {
	ctx := context.Background()
	m, store := newMaterializer(t)
	require.NoError(t, store.InsertHabit(ctx, storagetest.Habit("live")))
	require.NoError(t, store.InsertHabit(ctx, storagetest.Habit("gone")))
	require.NoError(t, store.TombstoneHabit(ctx, "gone", now))

	report, err := m.RunNightly(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Habits)
	assert.Equal(t, 35, report.Created, "2026-03-01 through today plus 30 days")
	assert.Equal(t, 1, report.Evaluated)
	assert.Equal(t, int64(1), report.Purged)
	assert.Zero(t, report.Failed)

	habit, err := store.GetHabit(ctx, "live")
	require.NoError(t, err)
	assert.Equal(t, "2026-04-04", habit.MaterializedThrough)

	state, err := store.GetStreak(ctx, "live")
	require.NoError(t, err)
	assert.Equal(t, "2026-03-04", state.LastEvaluatedDate)
	assert.Zero(t, state.CurrentStreak)

	again, err := m.RunNightly(ctx, now)
	require.NoError(t, err)
	assert.Zero(t, again.Created)
	assert.Zero(t, again.Purged)
}

func TestRunStopsOnCancel(t *testing.T) {
	m, _ := newMaterializer(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}
