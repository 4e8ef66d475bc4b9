// Package clitest builds a command context over a throwaway SQLite store.
package clitest

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/julianstephens/cadence/internal/cli"
	"github.com/julianstephens/cadence/internal/clock"
	"github.com/julianstephens/cadence/internal/config"
	"github.com/julianstephens/cadence/internal/graph"
	"github.com/julianstephens/cadence/internal/storage/sqlite"
)

// Epoch is 20:00 UTC on a Thursday.
var Epoch = time.Date(2026, 3, 5, 20, 0, 0, 0, time.UTC)

// Env is a migrated store with a context, captured output and a fake clock.
type Env struct {
	Ctx    *cli.Context
	Out    *bytes.Buffer
	Clock  *clock.FakeClock
	Graph  *graph.Memory
	DBPath string
}

// New returns an Env whose store is initialized at a temp path.
func New(t *testing.T) *Env {
	t.Helper()
	env := Uninitialized(t)
	require.NoError(t, env.Ctx.Store.Init(context.Background()))
	return env
}

// Uninitialized returns an Env whose database file does not exist yet.
func Uninitialized(t *testing.T) *Env {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "cadence.db")
	store := sqlite.NewStore(dbPath)
	t.Cleanup(func() { _ = store.Close() })

	out := &bytes.Buffer{}
	clk := clock.Fake(Epoch)
	cfg := config.Default()
	cfg.Retry.BaseDelay = time.Millisecond
	cfg.Notifier.Mode = config.NotifierStdout

	ctx := cli.NewContext(context.Background(), store, cfg, clk, out)
	mem := graph.NewMemory()
	ctx.Graph = mem
	return &Env{Ctx: ctx, Out: out, Clock: clk, Graph: mem, DBPath: dbPath}
}
