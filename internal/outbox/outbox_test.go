package outbox

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/julianstephens/cadence/internal/clock"
	"github.com/julianstephens/cadence/internal/graph"
	"github.com/julianstephens/cadence/internal/models"
	"github.com/julianstephens/cadence/internal/storage"
	"github.com/julianstephens/cadence/internal/storage/sqlite"
)

var start = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func setupTestStore(t *testing.T) *sqlite.Store {
	t.Helper()
	store := sqlite.NewStore(filepath.Join(t.TempDir(), "cadence.db"))
	require.NoError(t, store.Init(context.Background()))
	t.Cleanup(func() { store.Close() })
	return store
}

func testConfig() Config {
	return Config{
		MaxAttempts:  3,
		BaseBackoff:  time.Second,
		MaxBackoff:   4 * time.Second,
		CallTimeout:  time.Second,
		PollInterval: time.Second,
		BatchSize:    10,
	}
}

type snapshot struct {
	ID       string  `json:"id"`
	Progress float64 `json:"progress"`
}

func enqueue(t *testing.T, store storage.Provider, id string, progress float64) models.OutboxEvent {
	t.Helper()
	var event models.OutboxEvent
	err := store.InTx(context.Background(), func(q storage.Queries) error {
		var err error
		event, err = Enqueue(context.Background(), q, models.AggregateInstance, id, snapshot{ID: id, Progress: progress}, start)
		return err
	})
	require.NoError(t, err)
	return event
}

func TestContentHashIgnoresKeyOrder(t *testing.T) {
	a, err := ContentHash([]byte(`{"a":1,"b":[true,"x"]}`))
	require.NoError(t, err)
	b, err := ContentHash([]byte(`{ "b": [true, "x"], "a": 1 }`))
	require.NoError(t, err)
	c, err := ContentHash([]byte(`{"a":2,"b":[true,"x"]}`))
	require.NoError(t, err)

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a, 64)

	_, err = ContentHash([]byte(`not json`))
	assert.Error(t, err)
}

func TestEnqueueAssignsSequences(t *testing.T) {
	store := setupTestStore(t)

	first := enqueue(t, store, "inst-1", 0.5)
	second := enqueue(t, store, "inst-1", 1)
	other := enqueue(t, store, "inst-2", 1)

	assert.Equal(t, int64(1), first.Sequence)
	assert.Equal(t, int64(2), second.Sequence)
	assert.Equal(t, int64(1), other.Sequence)
	assert.Equal(t, models.OutboxPending, first.Status)
	assert.NotEqual(t, first.ContentHash, second.ContentHash)
}

func TestBackoff(t *testing.T) {
	cfg := Config{BaseBackoff: 2 * time.Second, MaxBackoff: 10 * time.Second}
	tests := []struct {
		attempts int
		want     time.Duration
	}{
		{0, 0},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{4, 10 * time.Second},
		{60, 10 * time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, cfg.Backoff(tt.attempts), "attempts=%d", tt.attempts)
	}
}

func TestDrainDeliversInSequenceOrder(t *testing.T) {
	ctx := context.Background()
	store := setupTestStore(t)
	g := graph.NewMemory()
	clk := clock.Fake(start)
	p := NewPublisher(store, g, clk, testConfig())

	enqueue(t, store, "inst-1", 0.25)
	enqueue(t, store, "inst-1", 0.5)
	enqueue(t, store, "inst-1", 1)
	enqueue(t, store, "inst-2", 1)

	var order []int64
	g.FailWith(func(rec graph.Record) error {
		if rec.AggregateID == "inst-1" {
			order = append(order, rec.Sequence)
		}
		return nil
	})

	res, err := p.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, Result{Sent: 4}, res)
	assert.Equal(t, []int64{1, 2, 3}, order)

	latest, ok := g.Latest("instance", "inst-1")
	require.True(t, ok)
	assert.JSONEq(t, `{"id":"inst-1","progress":1}`, string(latest.Payload))

	res, err = p.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, Result{}, res)
}

func TestDrainBacksOffThenDeadLetters(t *testing.T) {
	ctx := context.Background()
	store := setupTestStore(t)
	g := graph.NewMemory()
	clk := clock.Fake(start)
	p := NewPublisher(store, g, clk, testConfig())

	head := enqueue(t, store, "inst-1", 0.5)
	behind := enqueue(t, store, "inst-1", 1)

	g.FailWith(func(rec graph.Record) error {
		if rec.Sequence == 1 {
			return errors.New("graph unavailable")
		}
		return nil
	})

	res, err := p.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, Result{Failed: 1}, res)

	got, err := store.GetOutboxEvent(ctx, head.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Attempts)
	assert.Equal(t, "graph unavailable", got.LastError)
	assert.True(t, got.NextAttemptAt.Equal(start.Add(time.Second)))

	// Not due yet
	res, err = p.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, Result{}, res)

	clk.Advance(time.Second)
	res, err = p.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, Result{Failed: 1}, res)

	got, err = store.GetOutboxEvent(ctx, head.ID)
	require.NoError(t, err)
	assert.True(t, got.NextAttemptAt.Equal(clk.Now().Add(2*time.Second)))

	clk.Advance(2 * time.Second)
	res, err = p.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, Result{Dead: 1, Sent: 1}, res, "the dead head must release the event behind it")

	got, err = store.GetOutboxEvent(ctx, head.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OutboxDead, got.Status)
	assert.Equal(t, 3, got.Attempts)

	got, err = store.GetOutboxEvent(ctx, behind.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OutboxSent, got.Status)

	dead, err := p.DeadLetters(ctx, 10)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, head.ID, dead[0].ID)

	g.FailWith(nil)
	require.NoError(t, p.Requeue(ctx, head.ID))
	res, err = p.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, Result{Sent: 1}, res)

	dead, err = p.DeadLetters(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, dead)
}

func TestDrainTimesOutSlowCalls(t *testing.T) {
	ctx := context.Background()
	store := setupTestStore(t)
	cfg := testConfig()
	cfg.CallTimeout = 20 * time.Millisecond
	p := NewPublisher(store, slowStore{}, clock.Fake(start), cfg)

	event := enqueue(t, store, "inst-1", 1)

	res, err := p.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, Result{Failed: 1}, res)

	got, err := store.GetOutboxEvent(ctx, event.ID)
	require.NoError(t, err)
	assert.Contains(t, got.LastError, context.DeadlineExceeded.Error())
}

type slowStore struct{}

func (slowStore) Upsert(ctx context.Context, rec graph.Record) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestRunStopsOnCancel(t *testing.T) {
	store := setupTestStore(t)
	g := graph.NewMemory()
	clk := clock.Fake(start)
	p := NewPublisher(store, g, clk, testConfig())

	enqueue(t, store, "inst-1", 1)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	require.Eventually(t, func() bool { return g.Upserts() == 1 }, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestRequeueUnknownEvent(t *testing.T) {
	store := setupTestStore(t)
	p := NewPublisher(store, graph.NewMemory(), clock.Fake(start), testConfig())
	assert.Error(t, p.Requeue(context.Background(), "missing"))
}
