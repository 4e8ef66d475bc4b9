package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/julianstephens/cadence/internal/cli"
	"github.com/julianstephens/cadence/internal/logger"
	"github.com/julianstephens/cadence/internal/notifier"
	"github.com/julianstephens/cadence/internal/outbox"
)

type MaterializeCmd struct{}

func (c *MaterializeCmd) Run(ctx *cli.Context) error {
	report, err := ctx.Materializer.RunNightly(ctx.Ctx(), ctx.Clock.Now())
	ctx.Printf("Habits: %d, instances created: %d, streaks evaluated: %d, purged: %d, failed: %d\n",
		report.Habits, report.Created, report.Evaluated, report.Purged, report.Failed)
	return err
}

type PublishCmd struct{}

func (c *PublishCmd) Run(ctx *cli.Context) error {
	pub, err := ctx.Publisher()
	if err != nil {
		return err
	}
	res, err := pub.Drain(ctx.Ctx())
	if err != nil {
		return err
	}
	ctx.Printf("Sent: %d, failed: %d, dead: %d\n", res.Sent, res.Failed, res.Dead)
	return nil
}

type NudgeCmd struct {
	Send bool `help:"Deliver the nudges through the configured notifier instead of listing them."`
}

func (c *NudgeCmd) Run(ctx *cli.Context) error {
	cands, err := ctx.Habits.Nudges(ctx.Ctx(), ctx.Config.UserID, ctx.Config.NudgePolicy(), nil)
	if err != nil {
		return err
	}
	if len(cands) == 0 {
		ctx.Println("No nudges right now.")
		return nil
	}

	if !c.Send {
		for _, cand := range cands {
			ctx.Printf("%-15s %-24s %s\n", cand.Reason, cand.Title, cand.Message)
		}
		return nil
	}

	d, err := ctx.Notifier()
	if err != nil {
		return err
	}
	n, err := notifier.DeliverAll(ctx.Ctx(), d, cands)
	logger.Info("Nudges delivered", "delivered", n, "selected", len(cands))
	return err
}

type OutboxCmd struct {
	Dead    OutboxDeadCmd    `cmd:"" help:"List dead-lettered events."`
	Requeue OutboxRequeueCmd `cmd:"" help:"Return a dead event to the queue."`
}

type OutboxDeadCmd struct {
	Limit int `help:"Maximum events to list." default:"50"`
}

func (c *OutboxDeadCmd) Run(ctx *cli.Context) error {
	pub, err := outboxPublisher(ctx)
	if err != nil {
		return err
	}
	events, err := pub.DeadLetters(ctx.Ctx(), c.Limit)
	if err != nil {
		return err
	}
	if len(events) == 0 {
		ctx.Println("No dead events.")
		return nil
	}
	for _, ev := range events {
		ctx.Printf("%s  %s/%s #%d  attempts %d  %s\n",
			ev.ID, ev.AggregateType, cli.ShortID(ev.AggregateID), ev.Sequence, ev.Attempts,
			cli.DangerStyle.Render(ev.LastError))
	}
	return nil
}

type OutboxRequeueCmd struct {
	ID string `arg:"" help:"Event id."`
}

func (c *OutboxRequeueCmd) Run(ctx *cli.Context) error {
	pub, err := outboxPublisher(ctx)
	if err != nil {
		return err
	}
	if err := pub.Requeue(ctx.Ctx(), c.ID); err != nil {
		return err
	}
	ctx.Printf("Requeued event %s\n", c.ID)
	return nil
}

// outboxPublisher serves the dead-letter commands, which only touch the
// local outbox and so work without a graph endpoint.
func outboxPublisher(ctx *cli.Context) (*outbox.Publisher, error) {
	if ctx.Graph != nil || ctx.Config.Graph.Endpoint != "" {
		return ctx.Publisher()
	}
	return outbox.NewPublisher(ctx.Store, nil, ctx.Clock, ctx.Config.OutboxConfig()), nil
}

// WorkerCmd runs the nightly materializer, the outbox publisher and the
// nudge dispatcher until interrupted.
type WorkerCmd struct {
	NoPublish bool `help:"Do not run the outbox publisher."`
	NoNudge   bool `help:"Do not dispatch nudges."`
}

func (c *WorkerCmd) Run(ctx *cli.Context) error {
	loops := map[string]func(context.Context) error{
		"materializer": ctx.Materializer.Run,
	}
	if !c.NoPublish {
		pub, err := ctx.Publisher()
		if err != nil {
			return err
		}
		loops["publisher"] = pub.Run
	}
	if !c.NoNudge {
		d, err := ctx.Notifier()
		if err != nil {
			return err
		}
		loops["nudges"] = newDispatcher(ctx, d).Run
	}

	logger.Info("Worker started", "loops", len(loops))
	ctx.Printf("Worker running %d loop(s). Press Ctrl+C to stop.\n", len(loops))

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for name, run := range loops {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := run(ctx.Ctx()); err != nil && !errors.Is(err, context.Canceled) {
				mu.Lock()
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	logger.Info("Worker stopped")
	return errors.Join(errs...)
}

// dispatcher selects and delivers nudges on every tick, remembering what it
// sent today so the per-day limits hold across ticks.
type dispatcher struct {
	ctx       *cli.Context
	deliverer notifier.Deliverer

	day       string
	delivered map[string]int
}

func newDispatcher(ctx *cli.Context, d notifier.Deliverer) *dispatcher {
	return &dispatcher{ctx: ctx, deliverer: d, delivered: make(map[string]int)}
}

func (d *dispatcher) Run(ctx context.Context) error {
	ticker := d.ctx.Clock.NewTicker(d.ctx.Config.Nudge.Interval)
	defer ticker.Stop()

	for {
		if err := d.tick(ctx); err != nil && ctx.Err() == nil {
			logger.Warn("Nudge dispatch failed", "error", err)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (d *dispatcher) tick(ctx context.Context) error {
	now := d.ctx.Clock.Now()
	if day := now.Format(time.DateOnly); day != d.day {
		d.day = day
		clear(d.delivered)
	}

	cands, err := d.ctx.Habits.Nudges(ctx, d.ctx.Config.UserID, d.ctx.Config.NudgePolicy(), d.delivered)
	if err != nil {
		return err
	}
	for _, cand := range cands {
		if err := d.deliverer.Deliver(ctx, cand); err != nil {
			logger.Warn("Nudge delivery failed", "habit_id", cand.HabitID, "error", err)
			continue
		}
		d.delivered[cand.HabitID]++
		logger.Debug("Nudge delivered", "habit_id", cand.HabitID, "reason", cand.Reason)
	}
	return nil
}
