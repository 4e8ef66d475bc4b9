// Package outbox records aggregate snapshots transactionally and publishes
// them to the graph store with at-least-once delivery.
package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/julianstephens/cadence/internal/models"
	"github.com/julianstephens/cadence/internal/storage"
)

// Enqueue appends a pending event carrying a JSON snapshot of the
// aggregate. It must run in the same transaction as the mutation it
// describes.
func Enqueue(ctx context.Context, q storage.Queries, aggregateType models.AggregateType, aggregateID string, snapshot any, now time.Time) (models.OutboxEvent, error) {
	payload, err := json.Marshal(snapshot)
	if err != nil {
		return models.OutboxEvent{}, fmt.Errorf("failed to encode %s snapshot: %w", aggregateType, err)
	}

	hash, err := ContentHash(payload)
	if err != nil {
		return models.OutboxEvent{}, err
	}

	seq, err := q.NextSequence(ctx, aggregateType, aggregateID)
	if err != nil {
		return models.OutboxEvent{}, err
	}

	event := models.OutboxEvent{
		ID:            uuid.New().String(),
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		Sequence:      seq,
		Payload:       payload,
		ContentHash:   hash,
		Status:        models.OutboxPending,
		NextAttemptAt: now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := q.InsertOutboxEvent(ctx, event); err != nil {
		return models.OutboxEvent{}, err
	}
	return event, nil
}
