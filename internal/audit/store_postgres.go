package audit

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// BatchSender is the subset of *pgxpool.Pool used by PostgresStore.
type BatchSender interface {
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

const insertEventQuery = `
INSERT INTO audit_events (id, occurred_at, actor, action, resource_type, resource_id, outcome, metadata)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (id) DO NOTHING`

// PostgresStore appends events to the audit_events table. Retried
// batches are deduplicated by event ID.
type PostgresStore struct {
	db BatchSender
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a store using db. The pool's lifetime is owned
// by the caller.
func NewPostgresStore(db BatchSender) *PostgresStore {
	return &PostgresStore{db: db}
}

// Append inserts the batch in a single round trip.
func (s *PostgresStore) Append(ctx context.Context, events []Event) error {
	if len(events) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for i := range events {
		e := &events[i]
		md := e.Metadata
		if md == nil {
			md = map[string]string{}
		}
		mdJSON, err := json.Marshal(md)
		if err != nil {
			return fmt.Errorf("audit: encode metadata for %s: %w", e.ID, err)
		}
		batch.Queue(insertEventQuery,
			e.ID, e.Timestamp, e.Actor, e.Action, e.ResourceType, e.ResourceID, string(e.Outcome), mdJSON,
		)
	}

	results := s.db.SendBatch(ctx, batch)
	for range events {
		if _, err := results.Exec(); err != nil {
			_ = results.Close()
			return fmt.Errorf("audit: insert events: %w", err)
		}
	}
	return results.Close()
}

// Close is a no-op; the pool is closed by its owner.
func (s *PostgresStore) Close() error {
	return nil
}
