package storage

import (
	"context"
	"time"

	"github.com/julianstephens/cadence/internal/models"
)

const outboxColumns = `id, aggregate_type, aggregate_id, sequence, payload, content_hash, status,
	attempts, next_attempt_at, last_error, created_at, updated_at`

func scanOutboxEvent(row rowScanner) (models.OutboxEvent, error) {
	var e models.OutboxEvent
	var payload []byte
	var nextAttemptAt, createdAt, updatedAt string

	if err := row.Scan(&e.ID, &e.AggregateType, &e.AggregateID, &e.Sequence, &payload, &e.ContentHash, &e.Status,
		&e.Attempts, &nextAttemptAt, &e.LastError, &createdAt, &updatedAt); err != nil {
		return models.OutboxEvent{}, err
	}
	e.Payload = append([]byte(nil), payload...)

	var err error
	if e.NextAttemptAt, err = parseTimestamp(nextAttemptAt); err != nil {
		return models.OutboxEvent{}, parseErr("next_attempt_at", e.ID, err)
	}
	if e.CreatedAt, err = parseTimestamp(createdAt); err != nil {
		return models.OutboxEvent{}, parseErr("created_at", e.ID, err)
	}
	if e.UpdatedAt, err = parseTimestamp(updatedAt); err != nil {
		return models.OutboxEvent{}, parseErr("updated_at", e.ID, err)
	}
	return e, nil
}

func (q *queries) NextSequence(ctx context.Context, aggregateType models.AggregateType, aggregateID string) (int64, error) {
	var seq int64
	err := q.queryRow(ctx, `
		INSERT INTO outbox_sequences (aggregate_type, aggregate_id, last_sequence) VALUES (?, ?, 1)
		ON CONFLICT (aggregate_type, aggregate_id)
		DO UPDATE SET last_sequence = outbox_sequences.last_sequence + 1
		RETURNING last_sequence`,
		string(aggregateType), aggregateID).Scan(&seq)
	if err != nil {
		return 0, classify("next outbox sequence", err)
	}
	return seq, nil
}

func (q *queries) InsertOutboxEvent(ctx context.Context, e models.OutboxEvent) error {
	_, err := q.exec(ctx, "insert outbox event", `
		INSERT INTO outbox_events (`+outboxColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, string(e.AggregateType), e.AggregateID, e.Sequence, string(e.Payload), e.ContentHash,
		string(e.Status), e.Attempts, formatTimestamp(e.NextAttemptAt), e.LastError,
		formatTimestamp(e.CreatedAt), formatTimestamp(e.UpdatedAt))
	return err
}

func (q *queries) GetOutboxEvent(ctx context.Context, id string) (models.OutboxEvent, error) {
	row := q.queryRow(ctx, `SELECT `+outboxColumns+` FROM outbox_events WHERE id = ?`, id)
	e, err := scanOutboxEvent(row)
	if err != nil {
		return models.OutboxEvent{}, scanErr("get outbox event", err)
	}
	return e, nil
}

func (q *queries) ListDueOutboxHeads(ctx context.Context, now time.Time, limit int) ([]models.OutboxEvent, error) {
	return q.listOutbox(ctx, "list due outbox heads", `
		SELECT `+outboxColumns+` FROM outbox_events e
		WHERE e.status = 'pending'
			AND e.sequence = (
				SELECT MIN(p.sequence) FROM outbox_events p
				WHERE p.aggregate_type = e.aggregate_type
					AND p.aggregate_id = e.aggregate_id
					AND p.status = 'pending')
			AND e.next_attempt_at <= ?
		ORDER BY e.next_attempt_at, e.created_at, e.id
		LIMIT ?`,
		formatTimestamp(now), limit)
}

func (q *queries) ListOutboxEvents(ctx context.Context, status models.OutboxStatus, limit int) ([]models.OutboxEvent, error) {
	return q.listOutbox(ctx, "list outbox events", `
		SELECT `+outboxColumns+` FROM outbox_events
		WHERE status = ?
		ORDER BY updated_at, aggregate_type, aggregate_id, sequence
		LIMIT ?`,
		string(status), limit)
}

func (q *queries) listOutbox(ctx context.Context, op, query string, args ...any) ([]models.OutboxEvent, error) {
	rows, err := q.query(ctx, op, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []models.OutboxEvent
	for rows.Next() {
		e, err := scanOutboxEvent(rows)
		if err != nil {
			return nil, scanErr(op, err)
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(op, err)
	}
	return events, nil
}

func (q *queries) MarkOutboxSent(ctx context.Context, id string, at time.Time) error {
	return q.execOne(ctx, "mark outbox sent", `
		UPDATE outbox_events SET status = 'sent', last_error = '', updated_at = ?
		WHERE id = ? AND status = 'pending'`,
		formatTimestamp(at), id)
}

func (q *queries) RecordOutboxFailure(ctx context.Context, e models.OutboxEvent) error {
	return q.execOne(ctx, "record outbox failure", `
		UPDATE outbox_events SET status = ?, attempts = ?, next_attempt_at = ?, last_error = ?, updated_at = ?
		WHERE id = ? AND status = 'pending'`,
		string(e.Status), e.Attempts, formatTimestamp(e.NextAttemptAt), e.LastError, formatTimestamp(e.UpdatedAt),
		e.ID)
}

// RequeueOutboxEvent moves a dead event back to pending with a fresh
// attempt budget.
func (q *queries) RequeueOutboxEvent(ctx context.Context, id string, at time.Time) error {
	ts := formatTimestamp(at)
	return q.execOne(ctx, "requeue outbox event", `
		UPDATE outbox_events SET status = 'pending', attempts = 0, next_attempt_at = ?, updated_at = ?
		WHERE id = ? AND status = 'dead'`,
		ts, ts, id)
}
