package system

import "github.com/julianstephens/cadence/internal/models"

func habitFixture() models.Habit {
	return models.Habit{
		UserID:           "local",
		Title:            "Stretch",
		Type:             models.HabitBinary,
		Recurrence:       models.Recurrence{Type: models.RecurrenceDaily},
		RetroWindowHours: 24,
		Timezone:         "UTC",
		StartDate:        "2026-03-01",
	}
}
