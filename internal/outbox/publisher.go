package outbox

import (
	"context"
	"fmt"
	"time"

	"github.com/julianstephens/cadence/internal/clock"
	"github.com/julianstephens/cadence/internal/constants"
	apperrors "github.com/julianstephens/cadence/internal/errors"
	"github.com/julianstephens/cadence/internal/graph"
	"github.com/julianstephens/cadence/internal/logger"
	"github.com/julianstephens/cadence/internal/models"
	"github.com/julianstephens/cadence/internal/storage"
)

type Config struct {
	MaxAttempts  int
	BaseBackoff  time.Duration
	MaxBackoff   time.Duration
	CallTimeout  time.Duration
	PollInterval time.Duration
	BatchSize    int
}

func DefaultConfig() Config {
	return Config{
		MaxAttempts:  constants.DefaultOutboxMaxAttempts,
		BaseBackoff:  constants.DefaultOutboxBaseBackoff,
		MaxBackoff:   constants.DefaultOutboxMaxBackoff,
		CallTimeout:  constants.DefaultOutboxCallTimeout,
		PollInterval: constants.DefaultOutboxPollInterval,
		BatchSize:    constants.DefaultOutboxBatchSize,
	}
}

// Backoff returns the delay before the next attempt after attempts failures:
// min(base * 2^(attempts-1), max).
func (c Config) Backoff(attempts int) time.Duration {
	if attempts < 1 {
		return 0
	}
	d := c.BaseBackoff
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= c.MaxBackoff || d <= 0 {
			return c.MaxBackoff
		}
	}
	if d > c.MaxBackoff {
		return c.MaxBackoff
	}
	return d
}

// Result summarises one Drain.
type Result struct {
	Sent   int
	Failed int
	Dead   int
}

type Publisher struct {
	store storage.Provider
	graph graph.Store
	clock clock.Clock
	cfg   Config
}

func NewPublisher(store storage.Provider, g graph.Store, clk clock.Clock, cfg Config) *Publisher {
	return &Publisher{
		store: store,
		graph: g,
		clock: clk,
		cfg:   cfg,
	}
}

// Drain publishes due head events until none are left. Events for one
// aggregate are delivered in sequence order; a failing head holds back the
// events behind it until it is sent or declared dead.
func (p *Publisher) Drain(ctx context.Context) (Result, error) {
	var total Result
	for {
		heads, err := p.store.ListDueOutboxHeads(ctx, p.clock.Now(), p.cfg.BatchSize)
		if err != nil {
			return total, err
		}
		if len(heads) == 0 {
			return total, nil
		}

		progressed := false
		for _, event := range heads {
			if err := ctx.Err(); err != nil {
				return total, err
			}
			outcome, err := p.publish(ctx, event)
			if err != nil {
				return total, err
			}
			switch outcome {
			case models.OutboxSent:
				total.Sent++
				progressed = true
			case models.OutboxDead:
				total.Dead++
				progressed = true
			default:
				total.Failed++
			}
		}

		// Failed heads are backed off into the future, so only a send or a
		// dead letter can expose a new due head.
		if !progressed {
			return total, nil
		}
	}
}

// publish delivers one event and records the outcome. The returned error is
// reserved for storage failures.
func (p *Publisher) publish(ctx context.Context, event models.OutboxEvent) (models.OutboxStatus, error) {
	callCtx, cancel := context.WithTimeout(ctx, p.cfg.CallTimeout)
	err := p.graph.Upsert(callCtx, graph.Record{
		AggregateType: string(event.AggregateType),
		AggregateID:   event.AggregateID,
		Sequence:      event.Sequence,
		ContentHash:   event.ContentHash,
		Payload:       event.Payload,
	})
	cancel()

	now := p.clock.Now()
	if err == nil {
		if err := p.store.MarkOutboxSent(ctx, event.ID, now); err != nil {
			return "", fmt.Errorf("failed to mark event %s sent: %w", event.ID, err)
		}
		logger.Debug("Outbox event sent", "id", event.ID, "aggregate", event.AggregateType, "aggregate_id", event.AggregateID, "sequence", event.Sequence)
		return models.OutboxSent, nil
	}

	event.Attempts++
	event.LastError = err.Error()
	event.UpdatedAt = now
	if event.Attempts >= p.cfg.MaxAttempts {
		event.Status = models.OutboxDead
		event.NextAttemptAt = now
	} else {
		event.NextAttemptAt = now.Add(p.cfg.Backoff(event.Attempts))
	}

	if err := p.store.RecordOutboxFailure(ctx, event); err != nil {
		return "", fmt.Errorf("failed to record failure of event %s: %w", event.ID, err)
	}

	if event.Status == models.OutboxDead {
		dead := &apperrors.DeadLetterError{EventID: event.ID, Attempts: event.Attempts, Err: err}
		logger.Error("Outbox event dead-lettered", "error", dead, "aggregate", event.AggregateType, "aggregate_id", event.AggregateID, "sequence", event.Sequence)
		return models.OutboxDead, nil
	}

	logger.Warn("Outbox delivery failed", "id", event.ID, "attempts", event.Attempts, "next_attempt_at", event.NextAttemptAt, "error", err)
	return models.OutboxPending, nil
}

// Run drains the outbox every PollInterval until ctx is cancelled. Storage
// errors are logged and retried on the next tick.
func (p *Publisher) Run(ctx context.Context) error {
	ticker := p.clock.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	for {
		res, err := p.Drain(ctx)
		if err != nil && ctx.Err() == nil {
			logger.Error("Outbox drain failed", "error", err)
		} else if res.Sent+res.Failed+res.Dead > 0 {
			logger.Info("Outbox drained", "sent", res.Sent, "failed", res.Failed, "dead", res.Dead)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// DeadLetters lists events that exhausted their attempts, oldest first.
func (p *Publisher) DeadLetters(ctx context.Context, limit int) ([]models.OutboxEvent, error) {
	return p.store.ListOutboxEvents(ctx, models.OutboxDead, limit)
}

// Requeue returns a dead event to the pending queue with a fresh attempt
// budget.
func (p *Publisher) Requeue(ctx context.Context, eventID string) error {
	if err := p.store.RequeueOutboxEvent(ctx, eventID, p.clock.Now()); err != nil {
		return fmt.Errorf("failed to requeue event %s: %w", eventID, err)
	}
	logger.Info("Outbox event requeued", "id", eventID)
	return nil
}
