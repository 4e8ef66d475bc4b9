package graph

import (
	"context"
	"sync"
)

type aggregateKey struct {
	typ string
	id  string
}

// Memory is an in-process Store. It keeps the latest record per aggregate
// and counts upserts, and can be told to fail calls.
type Memory struct {
	mu      sync.Mutex
	latest  map[aggregateKey]Record
	seen    map[string]bool
	upserts int
	fail    func(Record) error
}

func NewMemory() *Memory {
	return &Memory{
		latest: make(map[aggregateKey]Record),
		seen:   make(map[string]bool),
	}
}

// FailWith makes every following Upsert return fn(rec) when it is non-nil.
// Passing nil restores normal behaviour.
func (m *Memory) FailWith(fn func(Record) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fail = fn
}

func (m *Memory) Upsert(ctx context.Context, rec Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.fail != nil {
		if err := m.fail(rec); err != nil {
			return err
		}
	}

	m.upserts++
	m.seen[rec.AggregateType+"/"+rec.AggregateID+"/"+rec.ContentHash] = true
	key := aggregateKey{rec.AggregateType, rec.AggregateID}
	// An older sequence arriving late does not replace a newer state.
	if cur, ok := m.latest[key]; !ok || rec.Sequence >= cur.Sequence {
		m.latest[key] = rec
	}
	return nil
}

// Latest returns the highest-sequence record upserted for the aggregate.
func (m *Memory) Latest(aggregateType, aggregateID string) (Record, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.latest[aggregateKey{aggregateType, aggregateID}]
	return rec, ok
}

// Upserts returns the number of successful Upsert calls, duplicates included.
func (m *Memory) Upserts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.upserts
}

// Distinct returns the number of distinct (type, id, hash) keys received.
func (m *Memory) Distinct() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.seen)
}
