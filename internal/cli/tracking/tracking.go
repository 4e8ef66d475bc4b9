package tracking

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/julianstephens/cadence/internal/cli"
	"github.com/julianstephens/cadence/internal/models"
	"github.com/julianstephens/cadence/internal/tracker"
)

const barWidth = 20

type TodayCmd struct {
	JSON bool `help:"Print as JSON."`
}

func (c *TodayCmd) Run(ctx *cli.Context) error {
	items, err := ctx.Habits.GetToday(ctx.Ctx(), ctx.Config.UserID)
	if err != nil {
		return err
	}

	if c.JSON {
		enc := json.NewEncoder(ctx.Out)
		enc.SetIndent("", "  ")
		return enc.Encode(items)
	}

	if len(items) == 0 {
		ctx.Println("Nothing due today.")
		return nil
	}

	ctx.Println(cli.TitleStyle.Render("Today"))
	for _, item := range items {
		mark := " "
		if item.Instance.IsComplete() {
			mark = cli.SuccessStyle.Render("✓")
		}
		window := ""
		if item.Instance.Window != nil {
			window = fmt.Sprintf(" %s until %s", item.Instance.Window.Name, item.Instance.Window.End)
		}
		ctx.Printf("%s %-24s %s %3.0f%%  streak %d%s\n",
			mark,
			item.Habit.Title,
			cli.ProgressBar(item.Instance.Progress, barWidth),
			item.Instance.Progress*100,
			item.Streak.CurrentStreak,
			cli.MutedStyle.Render(window))
	}
	return nil
}

type LogCmd struct {
	Habit    string        `arg:"" help:"Habit id, id prefix or title."`
	Amount   float64       `help:"Amount for quantitative habits."`
	Item     string        `help:"Checklist item id."`
	Duration time.Duration `help:"Time spent for time habits (e.g. 15m)."`
	Day      string        `help:"Day to log (YYYY-MM-DD), defaults to today."`
	Key      string        `help:"Idempotency key; a retry with the same key is a no-op."`
}

func (c *LogCmd) Run(ctx *cli.Context) error {
	h, err := ctx.ResolveHabit(c.Habit)
	if err != nil {
		return err
	}
	day, err := ctx.HabitDay(h, c.Day)
	if err != nil {
		return err
	}
	inst, err := ctx.InstanceFor(h, day)
	if err != nil {
		return err
	}

	key := c.Key
	if key == "" {
		key = "cli:" + uuid.New().String()
	}
	value := models.LogValue{
		Amount:  c.Amount,
		ItemID:  c.Item,
		Seconds: int64(c.Duration / time.Second),
	}

	snap, err := ctx.Tracker.Log(ctx.Ctx(), inst.ID, value, key)
	if err != nil {
		return err
	}
	printSnapshot(ctx, h, snap)
	return nil
}

type UndoCmd struct {
	Habit string `arg:"" help:"Habit id, id prefix or title."`
	Day   string `help:"Day to undo on (YYYY-MM-DD), defaults to today."`
}

func (c *UndoCmd) Run(ctx *cli.Context) error {
	h, err := ctx.ResolveHabit(c.Habit)
	if err != nil {
		return err
	}
	day, err := ctx.HabitDay(h, c.Day)
	if err != nil {
		return err
	}
	inst, err := ctx.InstanceFor(h, day)
	if err != nil {
		return err
	}

	snap, err := ctx.Tracker.UndoLast(ctx.Ctx(), inst.ID)
	if err != nil {
		return err
	}
	ctx.Printf("%s ", cli.WarningStyle.Render("Undone."))
	printSnapshot(ctx, h, snap)
	return nil
}

// TimerCmd records a finished timed session, as the timer companion does.
type TimerCmd struct {
	Habit    string        `arg:"" help:"Habit id, id prefix or title."`
	Duration time.Duration `arg:"" help:"Session length (e.g. 25m)."`
	Session  string        `help:"Session id; resubmitting the same id is a no-op."`
	Day      string        `help:"Day the session belongs to (YYYY-MM-DD), defaults to today."`
}

func (c *TimerCmd) Run(ctx *cli.Context) error {
	h, err := ctx.ResolveHabit(c.Habit)
	if err != nil {
		return err
	}
	day, err := ctx.HabitDay(h, c.Day)
	if err != nil {
		return err
	}
	inst, err := ctx.InstanceFor(h, day)
	if err != nil {
		return err
	}

	id := c.Session
	if id == "" {
		id = uuid.New().String()
	}
	snap, err := ctx.Tracker.RecordTimer(ctx.Ctx(), tracker.TimerEvent{
		ID:         id,
		InstanceID: inst.ID,
		Seconds:    int64(c.Duration / time.Second),
		EndedAt:    ctx.Clock.Now(),
	})
	if err != nil {
		return err
	}
	printSnapshot(ctx, h, snap)
	return nil
}

type StreakCmd struct {
	Habit string `arg:"" help:"Habit id, id prefix or title."`
}

func (c *StreakCmd) Run(ctx *cli.Context) error {
	h, err := ctx.ResolveHabit(c.Habit)
	if err != nil {
		return err
	}
	st, err := ctx.Habits.GetStreak(ctx.Ctx(), h.ID)
	if err != nil {
		return err
	}

	ctx.Println(cli.TitleStyle.Render(h.Title))
	ctx.Printf("  Current streak:  %d\n", st.CurrentStreak)
	ctx.Printf("  Best streak:     %d\n", st.BestStreak)
	if st.LastCompletedDate != "" {
		ctx.Printf("  Last completed:  %s\n", st.LastCompletedDate)
	}
	if h.GraceDays > 0 {
		ctx.Printf("  Grace remaining: %d of %d\n", st.GraceRemaining, h.GraceDays)
	}
	ctx.Printf("  %s\n", cli.MutedStyle.Render("evaluated through "+st.LastEvaluatedDate))
	return nil
}

func printSnapshot(ctx *cli.Context, h models.Habit, snap tracker.Snapshot) {
	status := string(snap.Instance.Status)
	if snap.Instance.IsComplete() {
		status = cli.SuccessStyle.Render("complete")
	}
	ctx.Printf("%s %s %s %s, streak %d (best %d)\n",
		h.Title,
		snap.Instance.Day,
		cli.ProgressBar(snap.Instance.Progress, barWidth),
		status,
		snap.Streak.CurrentStreak,
		snap.Streak.BestStreak)
}
