package models

import "time"

type InstanceStatus string

const (
	StatusPending    InstanceStatus = "pending"
	StatusInProgress InstanceStatus = "in_progress"
	StatusComplete   InstanceStatus = "complete"
)

// HabitInstance is one dated occurrence of a habit. Type, Target and Window are
// snapshots copied from the habit when the instance was materialized.
type HabitInstance struct {
	ID        string         `json:"id"`
	HabitID   string         `json:"habit_id"`
	Day       string         `json:"day"` // YYYY-MM-DD format
	Type      HabitType      `json:"type"`
	Target    Target         `json:"target"`
	Window    *Window        `json:"window,omitempty"`
	Status    InstanceStatus `json:"status"`
	Progress  float64        `json:"progress"`
	Excluded  bool           `json:"excluded,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

func (i HabitInstance) IsComplete() bool {
	return i.Status == StatusComplete
}

// LogValue carries the value of one log. Which field is meaningful depends on
// the habit type: Amount for quantitative, ItemID for checklist, Seconds for
// time. Negate turns the log into an undo of an earlier contribution.
type LogValue struct {
	Amount  float64 `json:"amount,omitempty"`
	ItemID  string  `json:"item_id,omitempty"`
	Seconds int64   `json:"seconds,omitempty"`
	Negate  bool    `json:"negate,omitempty"`
}

type HabitLog struct {
	ID             string     `json:"id"`
	InstanceID     string     `json:"instance_id"`
	Value          LogValue   `json:"value"`
	IdempotencyKey string     `json:"idempotency_key"`
	ValueHash      string     `json:"value_hash"`
	LoggedAt       time.Time  `json:"logged_at"`
	UndoneAt       *time.Time `json:"undone_at,omitempty"`
}
