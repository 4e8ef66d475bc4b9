package constants

import "time"

const (
	// Habit defaults
	DefaultUserID   = "local"
	DefaultTimezone = "Local" // Use system local timezone by default

	// Materializer defaults
	DefaultMaterializeHorizonDays = 30
	DefaultMaterializeInterval    = 24 * time.Hour

	// Outbox defaults
	DefaultOutboxMaxAttempts  = 8
	DefaultOutboxBaseBackoff  = 2 * time.Second
	DefaultOutboxMaxBackoff   = 10 * time.Minute
	DefaultOutboxCallTimeout  = 10 * time.Second
	DefaultOutboxPollInterval = 5 * time.Second
	DefaultOutboxBatchSize    = 50

	// Foreground retry for transient storage errors
	DefaultForegroundRetries = 3
	DefaultForegroundBackoff = 25 * time.Millisecond

	// Nudge defaults
	DefaultNudgeLeadTime               = 60 * time.Minute
	DefaultNudgeMaxPerDay              = 5
	DefaultNudgeMaxPerHabitPerDay      = 1
	DefaultNudgeAccountabilityDaysLeft = 3
	DefaultNudgeInterval               = 15 * time.Minute
)

// DefaultMilestones are the streak lengths that trigger momentum nudges.
var DefaultMilestones = []int{3, 7, 14, 21, 30, 50, 100, 365}
