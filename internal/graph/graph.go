// Package graph is the downstream graph-store collaborator fed by the
// outbox publisher.
package graph

import (
	"context"
	"encoding/json"
)

// Record is one aggregate snapshot delivered to the graph store. Upserts
// are keyed by (AggregateType, AggregateID, ContentHash), so redelivering
// the same record is harmless.
type Record struct {
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	Sequence      int64           `json:"sequence"`
	ContentHash   string          `json:"content_hash"`
	Payload       json.RawMessage `json:"payload"`
}

// Store accepts aggregate snapshots.
type Store interface {
	Upsert(ctx context.Context, rec Record) error
}
