package habits

import (
	"fmt"
	"time"

	"github.com/charmbracelet/huh"

	"github.com/julianstephens/cadence/internal/cli"
	habitsvc "github.com/julianstephens/cadence/internal/habits"
	"github.com/julianstephens/cadence/internal/models"
)

type HabitCmd struct {
	Add    HabitAddCmd    `cmd:"" help:"Add a new habit."`
	Edit   HabitEditCmd   `cmd:"" help:"Edit an existing habit."`
	Delete HabitDeleteCmd `cmd:"" help:"Delete a habit."`
	Pause  HabitPauseCmd  `cmd:"" help:"Pause a habit for a date range."`
	Resume HabitResumeCmd `cmd:"" help:"Resume a paused habit."`
	List   HabitListCmd   `cmd:"" help:"List habits."`
}

// TargetFlags describe the per-day goal.
type TargetFlags struct {
	Target   float64       `help:"Numeric goal for quantitative habits."`
	Unit     string        `help:"Unit of the numeric goal (e.g. ml)."`
	Item     []string      `help:"Checklist item; suffix with ? to make it optional. Repeatable."`
	Duration time.Duration `help:"Goal for time habits (e.g. 20m)."`
}

func (f TargetFlags) set() bool {
	return f.Target != 0 || f.Unit != "" || len(f.Item) > 0 || f.Duration != 0
}

func (f TargetFlags) build(base models.Target) models.Target {
	t := base
	if f.Target != 0 {
		t.Numeric = f.Target
	}
	if f.Unit != "" {
		t.Unit = f.Unit
	}
	if len(f.Item) > 0 {
		t.Items = cli.ParseItems(f.Item)
	}
	if f.Duration != 0 {
		t.DurationSec = int64(f.Duration / time.Second)
	}
	return t
}

func parseWindows(specs []string) ([]models.Window, error) {
	windows := make([]models.Window, 0, len(specs))
	for _, spec := range specs {
		w, err := cli.ParseWindow(spec)
		if err != nil {
			return nil, err
		}
		windows = append(windows, w)
	}
	return windows, nil
}

type HabitAddCmd struct {
	Title string `arg:"" help:"Habit title."`
	Type  string `help:"Habit type." enum:"binary,quantitative,checklist,time" default:"binary"`
	TargetFlags
	cli.RecurrenceFlags
	Quota      int      `help:"Weekly quota (0 disables)."`
	Window     []string `help:"Time window name=HH:MM-HH:MM. Repeatable."`
	Grace      int      `help:"Grace days absorbed before a streak breaks." default:"0"`
	RetroHours int      `help:"Hours after a day ends during which it can still be logged." default:"24"`
	TZ         string   `name:"tz" help:"IANA timezone (defaults to the system zone)."`
	Start      string   `help:"First due date (YYYY-MM-DD), defaults to today."`
}

func (c *HabitAddCmd) Run(ctx *cli.Context) error {
	rf := c.RecurrenceFlags
	if !rf.Set() {
		rf.Every = string(models.RecurrenceDaily)
	}
	rec, err := rf.Build()
	if err != nil {
		return err
	}
	windows, err := parseWindows(c.Window)
	if err != nil {
		return err
	}

	habit, err := ctx.Habits.Create(ctx.Ctx(), models.Habit{
		UserID:           ctx.Config.UserID,
		Title:            c.Title,
		Type:             models.HabitType(c.Type),
		Target:           c.TargetFlags.build(models.Target{}),
		Recurrence:       rec,
		WeeklyQuota:      c.Quota,
		Windows:          windows,
		GraceDays:        c.Grace,
		RetroWindowHours: c.RetroHours,
		Timezone:         c.TZ,
		StartDate:        c.Start,
	})
	if err != nil {
		return err
	}

	ctx.Printf("%s %s (ID: %s)\n", cli.SuccessStyle.Render("Added habit:"), habit.Title, habit.ID)
	ctx.Printf("  %s, %s\n", cli.FormatRecurrence(habit.Recurrence), cli.FormatTarget(habit.Type, habit.Target))
	return nil
}

type HabitEditCmd struct {
	Habit string `arg:"" help:"Habit id, id prefix or title."`
	Title string `help:"New title."`
	TargetFlags
	cli.RecurrenceFlags
	Quota        *int     `help:"Weekly quota (0 disables)."`
	Window       []string `help:"Replace time windows with name=HH:MM-HH:MM. Repeatable."`
	ClearWindows bool     `help:"Remove all time windows."`
	Grace        *int     `help:"Grace days."`
	RetroHours   *int     `help:"Retro-logging window in hours."`
	TZ           string   `name:"tz" help:"IANA timezone."`
}

func (c *HabitEditCmd) Run(ctx *cli.Context) error {
	h, err := ctx.ResolveHabit(c.Habit)
	if err != nil {
		return err
	}

	var patch habitsvc.Patch
	if c.Title != "" {
		patch.Title = &c.Title
	}
	if c.TargetFlags.set() {
		t := c.TargetFlags.build(h.Target)
		patch.Target = &t
	}
	if c.RecurrenceFlags.Set() {
		rec, err := c.RecurrenceFlags.Build()
		if err != nil {
			return err
		}
		patch.Recurrence = &rec
	}
	if c.ClearWindows {
		empty := []models.Window{}
		patch.Windows = &empty
	} else if len(c.Window) > 0 {
		windows, err := parseWindows(c.Window)
		if err != nil {
			return err
		}
		patch.Windows = &windows
	}
	if c.TZ != "" {
		patch.Timezone = &c.TZ
	}
	patch.WeeklyQuota = c.Quota
	patch.GraceDays = c.Grace
	patch.RetroWindowHours = c.RetroHours

	updated, err := ctx.Habits.Update(ctx.Ctx(), h.ID, patch)
	if err != nil {
		return err
	}
	ctx.Printf("%s %s (ID: %s)\n", cli.SuccessStyle.Render("Updated habit:"), updated.Title, updated.ID)
	return nil
}

type HabitDeleteCmd struct {
	Habit string `arg:"" help:"Habit id, id prefix or title."`
	Yes   bool   `short:"y" help:"Skip the confirmation prompt."`
}

// confirm is replaced in tests.
var confirm = func(title string) (bool, error) {
	ok := false
	err := huh.NewConfirm().
		Title(title).
		Affirmative("Delete").
		Negative("Cancel").
		Value(&ok).
		WithTheme(huh.ThemeBase()).
		Run()
	return ok, err
}

func (c *HabitDeleteCmd) Run(ctx *cli.Context) error {
	h, err := ctx.ResolveHabit(c.Habit)
	if err != nil {
		return err
	}

	if !c.Yes {
		ok, err := confirm(fmt.Sprintf("Delete %q? Its history is purged by the next nightly run.", h.Title))
		if err != nil {
			return err
		}
		if !ok {
			ctx.Println("Cancelled.")
			return nil
		}
	}

	if err := ctx.Habits.Delete(ctx.Ctx(), h.ID); err != nil {
		return err
	}
	ctx.Printf("%s %s (ID: %s)\n", cli.DangerStyle.Render("Deleted habit:"), h.Title, h.ID)
	return nil
}

type HabitPauseCmd struct {
	Habit string `arg:"" help:"Habit id, id prefix or title."`
	From  string `help:"First paused day (YYYY-MM-DD), defaults to today."`
	Until string `help:"Last paused day (YYYY-MM-DD); open-ended when omitted."`
}

func (c *HabitPauseCmd) Run(ctx *cli.Context) error {
	h, err := ctx.ResolveHabit(c.Habit)
	if err != nil {
		return err
	}
	from, err := ctx.HabitDay(h, c.From)
	if err != nil {
		return err
	}

	paused, err := ctx.Habits.Pause(ctx.Ctx(), h.ID, from, c.Until)
	if err != nil {
		return err
	}
	until := c.Until
	if until == "" {
		until = "further notice"
	}
	ctx.Printf("Paused %s from %s until %s\n", paused.Title, from, until)
	return nil
}

type HabitResumeCmd struct {
	Habit string `arg:"" help:"Habit id, id prefix or title."`
}

func (c *HabitResumeCmd) Run(ctx *cli.Context) error {
	h, err := ctx.ResolveHabit(c.Habit)
	if err != nil {
		return err
	}
	resumed, err := ctx.Habits.Resume(ctx.Ctx(), h.ID)
	if err != nil {
		return err
	}
	ctx.Printf("Resumed %s\n", resumed.Title)
	return nil
}

type HabitListCmd struct{}

func (c *HabitListCmd) Run(ctx *cli.Context) error {
	list, err := ctx.Habits.List(ctx.Ctx(), ctx.Config.UserID)
	if err != nil {
		return err
	}
	if len(list) == 0 {
		ctx.Println("No habits found. Add one with 'cadence habit add'.")
		return nil
	}

	ctx.Println(cli.TitleStyle.Render("Habits"))
	for _, h := range list {
		status := ""
		today, err := ctx.HabitDay(h, "")
		if err == nil && h.IsPaused(today) {
			status = " " + cli.WarningStyle.Render("[PAUSED]")
		}
		ctx.Printf("  %s  %-24s %-12s %-28s %s%s\n",
			cli.MutedStyle.Render(cli.ShortID(h.ID)),
			h.Title,
			h.Type,
			cli.FormatRecurrence(h.Recurrence),
			cli.FormatTarget(h.Type, h.Target),
			status)
	}
	ctx.Printf("\n%s\n", cli.MutedStyle.Render(fmt.Sprintf("%d habit(s)", len(list))))
	return nil
}
