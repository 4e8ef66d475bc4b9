package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/julianstephens/cadence/internal/clock"
	"github.com/julianstephens/cadence/internal/config"
	apperrors "github.com/julianstephens/cadence/internal/errors"
	"github.com/julianstephens/cadence/internal/graph"
	"github.com/julianstephens/cadence/internal/habits"
	"github.com/julianstephens/cadence/internal/keyring"
	"github.com/julianstephens/cadence/internal/logger"
	"github.com/julianstephens/cadence/internal/materializer"
	"github.com/julianstephens/cadence/internal/models"
	"github.com/julianstephens/cadence/internal/notifier"
	"github.com/julianstephens/cadence/internal/outbox"
	"github.com/julianstephens/cadence/internal/storage"
	"github.com/julianstephens/cadence/internal/streak"
	"github.com/julianstephens/cadence/internal/tracker"
	"github.com/julianstephens/cadence/internal/utils"
)

// Context is handed to every command's Run method.
type Context struct {
	Store        storage.Provider
	Config       *config.Config
	Clock        clock.Clock
	Out          io.Writer
	Streaks      *streak.Engine
	Materializer *materializer.Materializer
	Habits       *habits.Service
	Tracker      *tracker.Tracker

	// Graph overrides the configured graph endpoint. Tests set it to a
	// graph.Memory.
	Graph graph.Store
	// Deliverer overrides the configured notifier mode.
	Deliverer notifier.Deliverer

	ctx context.Context
}

// NewContext wires the engines over store. parent is cancelled on SIGINT.
func NewContext(parent context.Context, store storage.Provider, cfg *config.Config, clk clock.Clock, out io.Writer) *Context {
	if out == nil {
		out = os.Stdout
	}
	streaks := streak.NewEngine(store, clk)
	mat := materializer.New(store, streaks, clk, cfg.MaterializerConfig())
	return &Context{
		Store:        store,
		Config:       cfg,
		Clock:        clk,
		Out:          out,
		Streaks:      streaks,
		Materializer: mat,
		Habits:       habits.NewService(store, mat, streaks, clk, cfg.RetryPolicy()),
		Tracker:      tracker.New(store, streaks, clk, cfg.RetryPolicy()),
		ctx:          parent,
	}
}

// Ctx returns the command's cancellation context.
func (c *Context) Ctx() context.Context {
	if c.ctx == nil {
		return context.Background()
	}
	return c.ctx
}

func (c *Context) Printf(format string, args ...any) {
	fmt.Fprintf(c.Out, format, args...)
}

func (c *Context) Println(args ...any) {
	fmt.Fprintln(c.Out, args...)
}

// Publisher builds the outbox publisher against the configured graph store.
func (c *Context) Publisher() (*outbox.Publisher, error) {
	g := c.Graph
	if g == nil {
		endpoint := c.Config.Graph.Endpoint
		if endpoint == "" {
			return nil, errors.New("graph endpoint not configured (set graph.endpoint in the config file)")
		}
		store, err := graph.NewHTTPStore(endpoint, c.graphToken(), nil)
		if err != nil {
			return nil, err
		}
		g = store
	}
	return outbox.NewPublisher(c.Store, g, c.Clock, c.Config.OutboxConfig()), nil
}

// graphToken prefers the environment and falls back to the keyring.
func (c *Context) graphToken() string {
	if token := c.Config.GraphToken(); token != "" {
		return token
	}
	token, err := keyring.Get(keyring.GraphToken)
	if err != nil {
		if !errors.Is(err, keyring.ErrNotFound) {
			logger.Debug("Graph token keyring lookup failed", "error", err)
		}
		return ""
	}
	return token
}

func (c *Context) Notifier() (notifier.Deliverer, error) {
	if c.Deliverer != nil {
		return c.Deliverer, nil
	}
	return notifier.New(c.Config.Notifier.Mode, c.Out)
}

// HabitDay resolves day for a habit, defaulting to today in the habit's
// timezone.
func (c *Context) HabitDay(h models.Habit, day string) (string, error) {
	if day != "" {
		if _, err := utils.ParseDay(day); err != nil {
			return "", fmt.Errorf("invalid day %q (expected YYYY-MM-DD)", day)
		}
		return day, nil
	}
	return utils.LocalDay(c.Clock.Now(), h.Timezone)
}

// ParseWeekdays parses a comma-separated list of weekdays
func ParseWeekdays(s string) ([]time.Weekday, error) {
	parts := strings.Split(s, ",")
	var weekdays []time.Weekday

	dayMap := map[string]time.Weekday{
		"sun":       time.Sunday,
		"sunday":    time.Sunday,
		"mon":       time.Monday,
		"monday":    time.Monday,
		"tue":       time.Tuesday,
		"tuesday":   time.Tuesday,
		"wed":       time.Wednesday,
		"wednesday": time.Wednesday,
		"thu":       time.Thursday,
		"thursday":  time.Thursday,
		"fri":       time.Friday,
		"friday":    time.Friday,
		"sat":       time.Saturday,
		"saturday":  time.Saturday,
	}

	for _, part := range parts {
		part = strings.TrimSpace(strings.ToLower(part))
		if wd, ok := dayMap[part]; ok {
			weekdays = append(weekdays, wd)
		} else {
			// Try parsing as number (0=Sunday, 6=Saturday)
			num, err := strconv.Atoi(part)
			if err == nil && num >= 0 && num <= 6 {
				weekdays = append(weekdays, time.Weekday(num))
			} else {
				return nil, fmt.Errorf("invalid weekday: %s", part)
			}
		}
	}

	return weekdays, nil
}

// RecurrenceFlags is embedded by commands that define a schedule.
type RecurrenceFlags struct {
	Every     string `help:"Recurrence: daily, weekly, monthly-date or monthly-day."`
	Interval  int    `help:"Repeat every N days, weeks or months." default:"1"`
	Days      string `help:"Weekdays for weekly recurrence (e.g. mon,wed,fri)."`
	MonthDay  int    `help:"Day of month for monthly-date recurrence."`
	WeekOf    int    `help:"Occurrence for monthly-day recurrence (1-5, -1 for last)."`
	Weekday   string `help:"Weekday for monthly-day recurrence."`
	AnchorDay string `name:"anchor" help:"Anchor date (YYYY-MM-DD) for intervals; defaults to the start date."`
}

// Set reports whether a recurrence was given on the command line.
func (f RecurrenceFlags) Set() bool {
	return f.Every != ""
}

// Build turns the flags into a recurrence rule.
func (f RecurrenceFlags) Build() (models.Recurrence, error) {
	rec := models.Recurrence{
		Type:     models.RecurrenceType(f.Every),
		Interval: f.Interval,
		Anchor:   f.AnchorDay,
	}
	switch rec.Type {
	case models.RecurrenceWeekly:
		if f.Days == "" {
			return rec, errors.New("--days is required for weekly recurrence")
		}
		days, err := ParseWeekdays(f.Days)
		if err != nil {
			return rec, err
		}
		rec.WeekdayMask = days
	case models.RecurrenceMonthlyDate:
		rec.MonthDay = f.MonthDay
	case models.RecurrenceMonthlyDay:
		days, err := ParseWeekdays(f.Weekday)
		if err != nil {
			return rec, err
		}
		if len(days) != 1 {
			return rec, errors.New("--weekday takes exactly one day")
		}
		rec.WeekOccurrence = f.WeekOf
		rec.DayOfWeekInMonth = days[0]
	}
	return rec, rec.Validate()
}

// ParseWindow parses "name=HH:MM-HH:MM".
func ParseWindow(s string) (models.Window, error) {
	name, span, ok := strings.Cut(s, "=")
	if !ok {
		return models.Window{}, fmt.Errorf("invalid window %q (expected name=HH:MM-HH:MM)", s)
	}
	start, end, ok := strings.Cut(span, "-")
	if !ok {
		return models.Window{}, fmt.Errorf("invalid window %q (expected name=HH:MM-HH:MM)", s)
	}
	w := models.Window{Name: strings.TrimSpace(name), Start: strings.TrimSpace(start), End: strings.TrimSpace(end)}
	if !utils.ValidateTimeFormat(w.Start) || !utils.ValidateTimeFormat(w.End) {
		return models.Window{}, fmt.Errorf("invalid window %q (expected name=HH:MM-HH:MM)", s)
	}
	return w, nil
}

// ParseItems parses checklist items. A trailing "?" marks an item optional;
// the label doubles as the id after lowercasing and replacing spaces.
func ParseItems(labels []string) []models.ChecklistItem {
	items := make([]models.ChecklistItem, 0, len(labels))
	for _, label := range labels {
		label = strings.TrimSpace(label)
		optional := strings.HasSuffix(label, "?")
		label = strings.TrimSuffix(label, "?")
		if label == "" {
			continue
		}
		items = append(items, models.ChecklistItem{
			ID:       strings.ReplaceAll(strings.ToLower(label), " ", "-"),
			Label:    label,
			Optional: optional,
		})
	}
	return items
}

// FormatRecurrence formats a recurrence rule into a human-readable string
func FormatRecurrence(rec models.Recurrence) string {
	every := ""
	if rec.Every() > 1 {
		every = fmt.Sprintf(" (every %d)", rec.Every())
	}
	switch rec.Type {
	case models.RecurrenceDaily:
		if rec.Every() > 1 {
			return fmt.Sprintf("every %d days", rec.Every())
		}
		return "daily"
	case models.RecurrenceWeekly:
		var days []string
		for _, wd := range rec.WeekdayMask {
			days = append(days, wd.String()[:3])
		}
		return fmt.Sprintf("weekly on %s%s", strings.Join(days, ","), every)
	case models.RecurrenceMonthlyDate:
		return fmt.Sprintf("monthly on day %d%s", rec.MonthDay, every)
	case models.RecurrenceMonthlyDay:
		occ := strconv.Itoa(rec.WeekOccurrence)
		if rec.WeekOccurrence == -1 {
			occ = "last"
		}
		return fmt.Sprintf("monthly on %s %s%s", occ, rec.DayOfWeekInMonth.String()[:3], every)
	default:
		return "unknown"
	}
}

// FormatTarget describes the per-day goal of a habit type.
func FormatTarget(t models.HabitType, target models.Target) string {
	switch t {
	case models.HabitQuantitative:
		return strings.TrimSpace(fmt.Sprintf("%g %s", target.Numeric, target.Unit))
	case models.HabitChecklist:
		return fmt.Sprintf("%d items (%d required)", len(target.Items), len(target.RequiredItems()))
	case models.HabitTime:
		return (time.Duration(target.DurationSec) * time.Second).String()
	default:
		return "done"
	}
}

// ResolveHabit finds a habit by id, unique id prefix or case-insensitive
// title.
func (c *Context) ResolveHabit(ref string) (models.Habit, error) {
	list, err := c.Habits.List(c.Ctx(), c.Config.UserID)
	if err != nil {
		return models.Habit{}, err
	}
	var matches []models.Habit
	for _, h := range list {
		if h.ID == ref {
			return h, nil
		}
		if strings.HasPrefix(h.ID, ref) || strings.EqualFold(h.Title, ref) {
			matches = append(matches, h)
		}
	}
	switch len(matches) {
	case 0:
		return models.Habit{}, fmt.Errorf("no habit matches %q", ref)
	case 1:
		return matches[0], nil
	default:
		return models.Habit{}, fmt.Errorf("%q matches %d habits, use the id", ref, len(matches))
	}
}

// ShortID trims a uuid for display.
func ShortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// InstanceFor returns the habit's instance on day, materializing through
// today first so retro-logging finds rows the nightly job has not made yet.
func (c *Context) InstanceFor(h models.Habit, day string) (models.HabitInstance, error) {
	today, err := utils.LocalDay(c.Clock.Now(), h.Timezone)
	if err != nil {
		return models.HabitInstance{}, err
	}
	if _, err := c.Materializer.EnsureInstances(c.Ctx(), h.ID, today); err != nil {
		return models.HabitInstance{}, err
	}
	inst, err := c.Store.GetInstanceByDay(c.Ctx(), h.ID, day)
	if err != nil {
		if apperrors.IsNotFound(err) {
			return models.HabitInstance{}, fmt.Errorf("%s is not due on %s", h.Title, day)
		}
		return models.HabitInstance{}, err
	}
	return inst, nil
}
