package system

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/julianstephens/cadence/internal/cli"
	"github.com/julianstephens/cadence/internal/config"
	"github.com/julianstephens/cadence/internal/constants"
	apperrors "github.com/julianstephens/cadence/internal/errors"
	"github.com/julianstephens/cadence/internal/keyring"
	"github.com/julianstephens/cadence/internal/models"
	"github.com/julianstephens/cadence/internal/notifier"
	"github.com/julianstephens/cadence/internal/streak"
)

type DoctorCmd struct{}

type check struct {
	name string
	run  func(*cli.Context) error
	// warn marks checks whose failure is reported but not fatal.
	warn bool
	// needsDB skips the check when the database is unreachable.
	needsDB bool
}

var checks = []check{
	{name: "Streak consistency", run: checkStreaks, needsDB: true},
	{name: "Dead letters", run: checkDeadLetters, warn: true, needsDB: true},
	{name: "Clock/timezone", run: checkClockTimezone},
	{name: "OS keyring", run: checkKeyring, warn: true},
	{name: "Tray notifier", run: checkTray, warn: true},
}

func (cmd *DoctorCmd) Run(ctx *cli.Context) error {
	ctx.Println("Running diagnostics...")
	ctx.Println()

	hasError := false
	dbReachable := true
	if err := checkDBReachable(ctx); err != nil {
		report(ctx, "Database reachable", err, false)
		hasError = true
		dbReachable = false
	} else {
		report(ctx, "Database reachable", nil, false)
	}

	for _, c := range checks {
		if c.needsDB && !dbReachable {
			ctx.Printf("⊘ %s: SKIPPED (database not reachable)\n", c.name)
			continue
		}
		err := c.run(ctx)
		report(ctx, c.name, err, c.warn)
		if err != nil && !c.warn {
			hasError = true
		}
	}

	ctx.Println()
	if hasError {
		ctx.Println("Diagnostics completed with errors.")
		return errors.New("one or more health checks failed")
	}
	ctx.Println("All diagnostics passed!")
	return nil
}

func report(ctx *cli.Context, name string, err error, warn bool) {
	switch {
	case err == nil:
		ctx.Printf("✓ %s: OK\n", name)
	case warn:
		ctx.Printf("⚠ %s: %s\n", name, cli.WarningStyle.Render("WARNING"))
		ctx.Printf("   %v\n", err)
	default:
		ctx.Printf("❌ %s: %s\n", name, cli.DangerStyle.Render("FAIL"))
		ctx.Printf("   Error: %v\n", err)
	}
}

func checkDBReachable(ctx *cli.Context) error {
	if err := ctx.Store.Load(ctx.Ctx()); err != nil {
		return fmt.Errorf("failed to load database: %w", err)
	}
	if _, err := ctx.Store.ListHabits(ctx.Ctx(), ctx.Config.UserID); err != nil {
		return fmt.Errorf("failed to query database: %w", err)
	}
	return nil
}

// checkStreaks replays every stored streak from scratch through its
// evaluation cursor and compares the outcome with what is persisted.
func checkStreaks(ctx *cli.Context) error {
	habits, err := ctx.Store.ListHabits(ctx.Ctx(), "")
	if err != nil {
		return err
	}

	var problems []error
	for _, h := range habits {
		stored, err := ctx.Store.GetStreak(ctx.Ctx(), h.ID)
		if err != nil {
			if apperrors.IsNotFound(err) {
				continue
			}
			return err
		}
		if stored.LastEvaluatedDate == "" {
			continue
		}
		if err := replayMatches(ctx, h, stored); err != nil {
			problems = append(problems, fmt.Errorf("%s: %w", h.Title, err))
		}
	}
	return errors.Join(problems...)
}

func replayMatches(ctx *cli.Context, h models.Habit, stored models.StreakState) error {
	params := streak.Params{GraceDays: h.GraceDays, WeeklyQuota: h.WeeklyQuota}
	if err := streak.Check(stored, stored, params, false); err != nil {
		return err
	}

	instances, err := ctx.Store.ListInstances(ctx.Ctx(), h.ID, "", stored.LastEvaluatedDate)
	if err != nil {
		return err
	}
	pauses, err := ctx.Store.ListPauses(ctx.Ctx(), h.ID)
	if err != nil {
		return err
	}
	rebuilt, err := streak.Replay(streak.Fresh(stored, h.GraceDays), params, streak.BuildDays(instances, pauses), stored.LastEvaluatedDate)
	if err != nil {
		return err
	}
	if rebuilt.CurrentStreak != stored.CurrentStreak || rebuilt.LastCompletedDate != stored.LastCompletedDate {
		return fmt.Errorf("stored streak %d (last %s) but history gives %d (last %s)",
			stored.CurrentStreak, stored.LastCompletedDate, rebuilt.CurrentStreak, rebuilt.LastCompletedDate)
	}
	return nil
}

func checkDeadLetters(ctx *cli.Context) error {
	dead, err := ctx.Store.ListOutboxEvents(ctx.Ctx(), models.OutboxDead, 1000)
	if err != nil {
		return err
	}
	if len(dead) > 0 {
		return fmt.Errorf("%d event(s) dead-lettered, inspect with 'cadence outbox dead'", len(dead))
	}
	return nil
}

func checkClockTimezone(ctx *cli.Context) error {
	now := ctx.Clock.Now()
	if now.Year() < 2020 || now.Year() > 2100 {
		return fmt.Errorf("system time appears incorrect: %s", now.Format(time.RFC3339))
	}
	if _, err := time.LoadLocation("UTC"); err != nil {
		return fmt.Errorf("timezone database unavailable: %w", err)
	}
	return nil
}

func checkKeyring(*cli.Context) error {
	if !keyring.IsAvailable() {
		return errors.New("OS keyring is not available; use " + constants.EnvDBConnection + " instead")
	}
	return nil
}

func checkTray(ctx *cli.Context) error {
	if ctx.Config.Notifier.Mode != config.NotifierTray {
		return nil
	}
	dir, err := notifier.GetTrayAppConfigDir()
	if err != nil {
		return err
	}
	if _, err := os.Stat(filepath.Join(dir, constants.NotifierLockfileName)); err != nil {
		return fmt.Errorf("%s is not running (no lockfile in %s)", constants.TrayProcessPrefix, dir)
	}
	return nil
}
