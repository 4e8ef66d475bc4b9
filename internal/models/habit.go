package models

import (
	"strings"
	"time"

	apperrors "github.com/julianstephens/cadence/internal/errors"
)

type HabitType string

const (
	HabitBinary       HabitType = "binary"
	HabitQuantitative HabitType = "quantitative"
	HabitChecklist    HabitType = "checklist"
	HabitTime         HabitType = "time"
)

// ChecklistItem is one entry of a checklist habit. Items count towards
// completion unless marked optional.
type ChecklistItem struct {
	ID       string `json:"id" yaml:"id"`
	Label    string `json:"label" yaml:"label"`
	Optional bool   `json:"optional,omitempty" yaml:"optional,omitempty"`
}

// Target is the per-day goal of a habit. Instances keep a copy taken at
// generation time so later edits never rewrite history.
type Target struct {
	Numeric     float64         `json:"numeric,omitempty" yaml:"numeric,omitempty"`
	Unit        string          `json:"unit,omitempty" yaml:"unit,omitempty"`
	Items       []ChecklistItem `json:"items,omitempty" yaml:"items,omitempty"`
	DurationSec int64           `json:"duration_sec,omitempty" yaml:"duration_sec,omitempty"`
}

// RequiredItems returns the ids of checklist items that count towards completion.
func (t Target) RequiredItems() map[string]bool {
	required := make(map[string]bool, len(t.Items))
	for _, item := range t.Items {
		if !item.Optional {
			required[item.ID] = true
		}
	}
	return required
}

// HasItem reports whether id is one of the checklist items.
func (t Target) HasItem(id string) bool {
	for _, item := range t.Items {
		if item.ID == id {
			return true
		}
	}
	return false
}

// Window is a named half-open clock interval [Start, End) within a day.
type Window struct {
	Name  string `json:"name" yaml:"name"`
	Start string `json:"start" yaml:"start"` // HH:MM format
	End   string `json:"end" yaml:"end"`     // HH:MM format
}

type Habit struct {
	ID                  string     `json:"id"`
	UserID              string     `json:"user_id"`
	Title               string     `json:"title"`
	Type                HabitType  `json:"type"`
	Target              Target     `json:"target"`
	Recurrence          Recurrence `json:"recurrence"`
	WeeklyQuota         int        `json:"weekly_quota,omitempty"` // 0 means no quota goal
	Windows             []Window   `json:"windows,omitempty"`
	GraceDays           int        `json:"grace_days"`
	RetroWindowHours    int        `json:"retro_window_hours"`
	Timezone            string     `json:"timezone"`
	StartDate           string     `json:"start_date"`                     // YYYY-MM-DD format
	PausedFrom          string     `json:"paused_from,omitempty"`          // YYYY-MM-DD format
	PausedUntil         string     `json:"paused_until,omitempty"`         // YYYY-MM-DD format, empty while open-ended
	MaterializedThrough string     `json:"materialized_through,omitempty"` // YYYY-MM-DD format
	CreatedAt           time.Time  `json:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at"`
	DeletedAt           *time.Time `json:"deleted_at,omitempty"`
}

// IsPaused reports whether the current pause covers day.
func (h Habit) IsPaused(day string) bool {
	if h.PausedFrom == "" {
		return false
	}
	return Pause{From: h.PausedFrom, Until: h.PausedUntil}.Contains(day)
}

// EarliestWindow returns the window assigned to new instances, or nil.
func (h Habit) EarliestWindow() *Window {
	if len(h.Windows) == 0 {
		return nil
	}
	earliest := h.Windows[0]
	for _, w := range h.Windows[1:] {
		if w.Start < earliest.Start {
			earliest = w
		}
	}
	return &earliest
}

// Validate checks a habit definition before it is stored.
func (h *Habit) Validate() error {
	if strings.TrimSpace(h.Title) == "" {
		return apperrors.Validationf("title", "cannot be empty")
	}
	if h.UserID == "" {
		return apperrors.Validationf("user_id", "cannot be empty")
	}

	switch h.Type {
	case HabitBinary:
	case HabitQuantitative:
		if h.Target.Numeric <= 0 {
			return apperrors.Validationf("target.numeric", "must be positive for quantitative habits")
		}
	case HabitChecklist:
		if len(h.Target.Items) == 0 {
			return apperrors.Validationf("target.items", "checklist habits need at least one item")
		}
		seen := make(map[string]bool)
		for _, item := range h.Target.Items {
			if item.ID == "" {
				return apperrors.Validationf("target.items", "item id cannot be empty")
			}
			if seen[item.ID] {
				return apperrors.Validationf("target.items", "duplicate item id %q", item.ID)
			}
			seen[item.ID] = true
		}
		if len(h.Target.RequiredItems()) == 0 {
			return apperrors.Validationf("target.items", "at least one item must be required")
		}
	case HabitTime:
		if h.Target.DurationSec <= 0 {
			return apperrors.Validationf("target.duration_sec", "must be positive for time habits")
		}
	default:
		return apperrors.Validationf("type", "unsupported habit type %q", h.Type)
	}

	if err := h.Recurrence.Validate(); err != nil {
		return err
	}

	if h.WeeklyQuota < 0 || h.WeeklyQuota > 7 {
		return apperrors.Validationf("weekly_quota", "must be between 0 and 7, got %d", h.WeeklyQuota)
	}
	if h.GraceDays < 0 {
		return apperrors.Validationf("grace_days", "cannot be negative")
	}
	if h.RetroWindowHours < 0 {
		return apperrors.Validationf("retro_window_hours", "cannot be negative")
	}
	if _, err := time.Parse("2006-01-02", h.StartDate); err != nil {
		return apperrors.Validationf("start_date", "invalid date %q (expected YYYY-MM-DD)", h.StartDate)
	}

	names := make(map[string]bool)
	for _, w := range h.Windows {
		if w.Name == "" {
			return apperrors.Validationf("windows", "window name cannot be empty")
		}
		if names[w.Name] {
			return apperrors.Validationf("windows", "duplicate window %q", w.Name)
		}
		names[w.Name] = true
		start, err := time.Parse("15:04", w.Start)
		if err != nil {
			return apperrors.Validationf("windows", "invalid start %q for window %q (expected HH:MM)", w.Start, w.Name)
		}
		end, err := time.Parse("15:04", w.End)
		if err != nil {
			return apperrors.Validationf("windows", "invalid end %q for window %q (expected HH:MM)", w.End, w.Name)
		}
		if !start.Before(end) {
			return apperrors.Validationf("windows", "window %q must start before it ends", w.Name)
		}
	}

	return nil
}

// Pause is one paused date range of a habit. Until is inclusive; an empty
// Until means the pause is still open.
type Pause struct {
	ID        string    `json:"id"`
	HabitID   string    `json:"habit_id"`
	From      string    `json:"from"`            // YYYY-MM-DD format
	Until     string    `json:"until,omitempty"` // YYYY-MM-DD format
	CreatedAt time.Time `json:"created_at"`
}

// Contains reports whether day falls inside the pause.
func (p Pause) Contains(day string) bool {
	if day < p.From {
		return false
	}
	return p.Until == "" || day <= p.Until
}

// Paused reports whether any of the pauses covers day.
func Paused(pauses []Pause, day string) bool {
	for _, p := range pauses {
		if p.Contains(day) {
			return true
		}
	}
	return false
}

// Overlaps reports whether p shares a day with [from, until]. An empty until
// runs forever, on p as well as on the range.
func (p Pause) Overlaps(from, until string) bool {
	if until != "" && until < p.From {
		return false
	}
	return p.Until == "" || from <= p.Until
}

// CurrentPause returns the earliest pause that has not ended before today.
func CurrentPause(pauses []Pause, today string) (Pause, bool) {
	var cur Pause
	found := false
	for _, p := range pauses {
		if p.Until != "" && p.Until < today {
			continue
		}
		if !found || p.From < cur.From {
			cur, found = p, true
		}
	}
	return cur, found
}
