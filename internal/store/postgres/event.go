package postgres

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/jensholdgaard/player-auction/internal/clock"
	"github.com/jensholdgaard/player-auction/internal/event"
)

// EventStore implements event.Store backed by Postgres.
type EventStore struct {
	db    *sqlx.DB
	clock clock.Clock
}

// NewEventStore returns a new EventStore.
func NewEventStore(db *sqlx.DB, clk clock.Clock) *EventStore {
	return &EventStore{db: db, clock: clk}
}

func (s *EventStore) Append(ctx context.Context, events ...event.Event) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := insertEvents(ctx, tx, s.clock, events); err != nil {
		return err
	}
	return tx.Commit()
}

func insertEvents(ctx context.Context, tx *sqlx.Tx, clk clock.Clock, events []event.Event) error {
	if len(events) == 0 {
		return nil
	}
	stmt, err := tx.PreparexContext(ctx,
		`INSERT INTO events (aggregate_id, type, data, version, created_at) VALUES ($1, $2, $3, $4, $5)`)
	if err != nil {
		return fmt.Errorf("preparing statement: %w", err)
	}
	defer stmt.Close()

	for _, e := range events {
		createdAt := e.CreatedAt
		if createdAt.IsZero() {
			createdAt = clk.Now().UTC()
		}
		if _, err := stmt.ExecContext(ctx, e.AggregateID, e.Type, []byte(e.Data), e.Version, createdAt); err != nil {
			return fmt.Errorf("inserting event (aggregate=%s, version=%d): %w", e.AggregateID, e.Version, err)
		}
	}
	return nil
}

func (s *EventStore) Load(ctx context.Context, aggregateID string) ([]event.Event, error) {
	var events []event.Event
	err := s.db.SelectContext(ctx, &events,
		`SELECT id, aggregate_id, type, data, version, created_at
		 FROM events WHERE aggregate_id = $1 ORDER BY version ASC`, aggregateID)
	if err != nil {
		return nil, fmt.Errorf("loading events: %w", err)
	}
	return events, nil
}
