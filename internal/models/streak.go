package models

import "time"

// StreakState is the per-habit streak summary maintained by the streak engine.
type StreakState struct {
	HabitID           string    `json:"habit_id"`
	CurrentStreak     int       `json:"current_streak"`
	BestStreak        int       `json:"best_streak"`
	LastCompletedDate string    `json:"last_completed_date,omitempty"` // YYYY-MM-DD format
	GraceRemaining    int       `json:"grace_remaining"`
	LastEvaluatedDate string    `json:"last_evaluated_date,omitempty"` // YYYY-MM-DD format
	Version           int64     `json:"version"`
	UpdatedAt         time.Time `json:"updated_at"`
}
