package system

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	gokeyring "github.com/zalando/go-keyring"

	"github.com/julianstephens/cadence/internal/cli/clitest"
	"github.com/julianstephens/cadence/internal/models"
)

func TestDoctorCmd_HealthyDB(t *testing.T) {
	gokeyring.MockInit()
	env := clitest.New(t)
	ctx := env.Ctx

	h, err := ctx.Habits.Create(ctx.Ctx(), habitFixture())
	require.NoError(t, err)
	_, err = ctx.Habits.GetStreak(ctx.Ctx(), h.ID)
	require.NoError(t, err)

	require.NoError(t, (&DoctorCmd{}).Run(ctx))
	assert.Contains(t, env.Out.String(), "All diagnostics passed!")
}

func TestDoctorCmd_Uninitialized(t *testing.T) {
	gokeyring.MockInit()
	env := clitest.Uninitialized(t)

	err := (&DoctorCmd{}).Run(env.Ctx)
	require.Error(t, err)
	out := env.Out.String()
	assert.Contains(t, out, "Database reachable: ")
	assert.Contains(t, out, "Streak consistency: SKIPPED")
}

func TestDoctorCmd_DetectsStreakDrift(t *testing.T) {
	gokeyring.MockInit()
	env := clitest.New(t)
	ctx := env.Ctx
	bg := context.Background()

	h, err := ctx.Habits.Create(bg, habitFixture())
	require.NoError(t, err)
	st, err := ctx.Habits.GetStreak(bg, h.ID)
	require.NoError(t, err)
	require.Equal(t, 0, st.CurrentStreak)

	// Nothing was logged, so a stored streak of 3 disagrees with history.
	st.CurrentStreak, st.BestStreak = 3, 3
	require.NoError(t, ctx.Store.SaveStreak(bg, st))

	err = (&DoctorCmd{}).Run(ctx)
	require.Error(t, err)
	assert.Contains(t, env.Out.String(), "history gives 0")
}

func TestDoctorCmd_DeadLettersWarnOnly(t *testing.T) {
	gokeyring.MockInit()
	env := clitest.New(t)
	ctx := env.Ctx
	bg := context.Background()

	_, err := ctx.Habits.Create(bg, habitFixture())
	require.NoError(t, err)

	events, err := ctx.Store.ListOutboxEvents(bg, models.OutboxPending, 1)
	require.NoError(t, err)
	require.NotEmpty(t, events)
	ev := events[0]
	ev.Status = models.OutboxDead
	ev.Attempts = 8
	ev.LastError = "boom"
	require.NoError(t, ctx.Store.RecordOutboxFailure(bg, ev))

	require.NoError(t, (&DoctorCmd{}).Run(ctx))
	assert.Contains(t, env.Out.String(), "Dead letters: ")
	assert.Contains(t, env.Out.String(), "dead-lettered")
}
