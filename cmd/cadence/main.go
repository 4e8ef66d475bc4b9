package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/alecthomas/kong"

	"github.com/julianstephens/cadence/internal/cli"
	"github.com/julianstephens/cadence/internal/cli/habits"
	"github.com/julianstephens/cadence/internal/cli/jobs"
	"github.com/julianstephens/cadence/internal/cli/system"
	"github.com/julianstephens/cadence/internal/cli/tracking"
	"github.com/julianstephens/cadence/internal/clock"
	"github.com/julianstephens/cadence/internal/config"
	"github.com/julianstephens/cadence/internal/constants"
	apperrors "github.com/julianstephens/cadence/internal/errors"
	"github.com/julianstephens/cadence/internal/keyring"
	"github.com/julianstephens/cadence/internal/logger"
	"github.com/julianstephens/cadence/internal/storage"
	"github.com/julianstephens/cadence/internal/storage/postgres"
	"github.com/julianstephens/cadence/internal/storage/sqlite"
)

var CLI struct {
	Version kong.VersionFlag
	DB      string `help:"SQLite database path or PostgreSQL connection string. PostgreSQL credentials must NOT be embedded; use ${env_conn}, .pgpass or the OS keyring instead." env:"CADENCE_DB"`
	Config  string `help:"Path to the YAML configuration file." type:"path" default:"~/.config/cadence/config.yaml" env:"CADENCE_CONFIG"`
	Debug   bool   `help:"Log to stderr at debug level."`

	Init        system.InitCmd      `cmd:"" help:"Initialize cadence storage."`
	Migrate     system.MigrateCmd   `cmd:"" help:"Run database migrations."`
	Doctor      system.DoctorCmd    `cmd:"" help:"Run health checks and diagnostics."`
	Habit       habits.HabitCmd     `cmd:"" help:"Manage habits."`
	Today       tracking.TodayCmd   `cmd:"" help:"Show today's habits and progress." default:"1"`
	Log         tracking.LogCmd     `cmd:"" help:"Log progress on a habit."`
	Undo        tracking.UndoCmd    `cmd:"" help:"Undo the last log of a habit."`
	Timer       tracking.TimerCmd   `cmd:"" help:"Record a finished timer session."`
	Streak      tracking.StreakCmd  `cmd:"" help:"Show the streak of a habit."`
	Nudge       jobs.NudgeCmd       `cmd:"" help:"Show or send the nudges that apply right now."`
	Materialize jobs.MaterializeCmd `cmd:"" help:"Generate upcoming instances and close elapsed days."`
	Publish     jobs.PublishCmd     `cmd:"" help:"Publish pending outbox events to the graph."`
	Worker      jobs.WorkerCmd      `cmd:"" help:"Run the background loops until interrupted."`
	Outbox      jobs.OutboxCmd      `cmd:"" help:"Inspect and requeue dead-lettered events."`
	Keyring     system.KeyringCmd   `cmd:"" help:"Manage secrets in the OS keyring."`
}

func main() {
	kctx := kong.Parse(&CLI,
		kong.Name(constants.AppName),
		kong.Description("Habit scheduling and streak tracking"),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{
			Compact:             true,
			NoExpandSubcommands: true,
		}),
		kong.Vars{"version": constants.Version, "env_conn": constants.EnvDBConnection},
	)

	cfg, err := config.LoadFile(CLI.Config)
	if err != nil {
		apperrors.Fatal(err)
	}

	if err := logger.Init(logger.Config{
		Debug:     CLI.Debug,
		ConfigDir: filepath.Dir(CLI.Config),
		Level:     cfg.Log.Level,
		JSON:      cfg.Log.JSON,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: file logging disabled: %v\n", err)
	}

	store, err := openStore(CLI.DB)
	if err != nil {
		apperrors.Fatal(err)
	}
	defer func() { _ = store.Close() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// init creates the database and migrate upgrades it; keyring never touches it.
	switch strings.Fields(kctx.Command())[0] {
	case "init", "migrate", "keyring":
	default:
		if err := store.Load(ctx); err != nil {
			stop()
			apperrors.Fatal(err)
		}
	}

	appCtx := cli.NewContext(ctx, store, cfg, clock.Real(), os.Stdout)
	if err := kctx.Run(appCtx); err != nil {
		_ = store.Close()
		stop()
		apperrors.Fatal(err)
	}
}

// openStore picks the backend. An explicit --db wins; otherwise a connection
// string from the environment or the keyring selects PostgreSQL, and the
// default SQLite file is used last.
func openStore(db string) (storage.Provider, error) {
	if db == "" {
		if conn := os.Getenv(constants.EnvDBConnection); conn != "" {
			return postgres.New(conn), nil
		}
		if conn, err := keyring.GetConnectionString(); err == nil && conn != "" {
			return postgres.New(conn), nil
		}
		db = constants.DefaultConfigPath
	}

	if isPostgres(db) {
		if _, err := postgres.ValidateConnString(db); err != nil {
			return nil, fmt.Errorf("%w; store the password with `cadence keyring set`, in %s or in .pgpass", err, constants.EnvDBConnection)
		}
		return postgres.New(db), nil
	}
	return sqlite.NewStore(expandHome(db)), nil
}

func isPostgres(db string) bool {
	return strings.HasPrefix(db, "postgres://") || strings.HasPrefix(db, "postgresql://")
}

func expandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}
