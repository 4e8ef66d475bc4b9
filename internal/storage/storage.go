package storage

import (
	"context"
	"time"

	"github.com/julianstephens/cadence/internal/models"
)

// Queries is the set of statements available both on a Provider and inside
// a transaction opened with InTx. Lookups of a single row return an error
// matching errors.ErrNotFound when the row does not exist.
type Queries interface {
	// Habits
	InsertHabit(ctx context.Context, habit models.Habit) error
	UpdateHabit(ctx context.Context, habit models.Habit) error
	GetHabit(ctx context.Context, id string) (models.Habit, error)
	// ListHabits returns non-deleted habits ordered by creation. An empty
	// userID lists every user's habits.
	ListHabits(ctx context.Context, userID string) ([]models.Habit, error)
	TombstoneHabit(ctx context.Context, id string, at time.Time) error
	PurgeDeletedHabits(ctx context.Context) (int64, error)
	SetHabitPause(ctx context.Context, habitID, from, until string, at time.Time) error
	// AdvanceWatermark moves materialized_through forward to through. It
	// never moves the watermark backwards.
	AdvanceWatermark(ctx context.Context, habitID, through string) error
	// ResetWatermark sets materialized_through unconditionally.
	ResetWatermark(ctx context.Context, habitID, through string) error

	// Pauses
	InsertPause(ctx context.Context, pause models.Pause) error
	ListPauses(ctx context.Context, habitID string) ([]models.Pause, error)
	UpdatePauseUntil(ctx context.Context, id, until string) error
	DeletePause(ctx context.Context, id string) error

	// Instances
	// InsertInstance reports whether the row was created. An existing
	// instance for the same habit and day is left untouched.
	InsertInstance(ctx context.Context, instance models.HabitInstance) (bool, error)
	GetInstance(ctx context.Context, id string) (models.HabitInstance, error)
	GetInstanceByDay(ctx context.Context, habitID, day string) (models.HabitInstance, error)
	// ListInstances returns instances with from <= day <= to in day order.
	// An empty bound is open.
	ListInstances(ctx context.Context, habitID, from, to string) ([]models.HabitInstance, error)
	// LockInstance bumps the instance version so that concurrent writers to
	// the same instance serialize on the row.
	LockInstance(ctx context.Context, id string) error
	UpdateInstanceProgress(ctx context.Context, id string, progress float64, status models.InstanceStatus, at time.Time) error
	SetInstancesExcluded(ctx context.Context, habitID, from, until string, excluded bool, at time.Time) (int64, error)

	// Logs
	InsertLog(ctx context.Context, log models.HabitLog) error
	GetLogByKey(ctx context.Context, instanceID, key string) (models.HabitLog, error)
	// ListLogs returns every log of the instance, undone ones included, in
	// logged_at order.
	ListLogs(ctx context.Context, instanceID string) ([]models.HabitLog, error)
	LatestLiveLog(ctx context.Context, instanceID string) (models.HabitLog, error)
	MarkLogUndone(ctx context.Context, id string, at time.Time) error

	// Streaks
	GetStreak(ctx context.Context, habitID string) (models.StreakState, error)
	// LockStreak creates the streak row when missing, bumps its version and
	// returns it. Inside a transaction this holds the per-habit write lock
	// until commit.
	LockStreak(ctx context.Context, habitID string, graceDays int, at time.Time) (models.StreakState, error)
	SaveStreak(ctx context.Context, state models.StreakState) error

	// Outbox
	NextSequence(ctx context.Context, aggregateType models.AggregateType, aggregateID string) (int64, error)
	InsertOutboxEvent(ctx context.Context, event models.OutboxEvent) error
	GetOutboxEvent(ctx context.Context, id string) (models.OutboxEvent, error)
	// ListDueOutboxHeads returns, for each aggregate, its lowest-sequence
	// pending event when that event is due at now.
	ListDueOutboxHeads(ctx context.Context, now time.Time, limit int) ([]models.OutboxEvent, error)
	ListOutboxEvents(ctx context.Context, status models.OutboxStatus, limit int) ([]models.OutboxEvent, error)
	MarkOutboxSent(ctx context.Context, id string, at time.Time) error
	// RecordOutboxFailure stores attempts, next_attempt_at, last_error and
	// status from event.
	RecordOutboxFailure(ctx context.Context, event models.OutboxEvent) error
	RequeueOutboxEvent(ctx context.Context, id string, at time.Time) error
}

// Provider is a migrated database handle.
type Provider interface {
	Queries

	// Lifecycle
	Init(ctx context.Context) error
	Load(ctx context.Context) error
	// Migrate applies pending schema migrations and returns how many ran.
	Migrate(ctx context.Context, logFn func(string)) (int, error)
	Close() error

	// InTx runs fn inside one transaction. The transaction commits when fn
	// returns nil and rolls back otherwise. fn must only use the Queries it
	// is given.
	InTx(ctx context.Context, fn func(Queries) error) error

	// Utils
	GetConfigPath() string
}
