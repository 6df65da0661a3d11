package event

import "context"

// Store is the append-only auction event log.
type Store interface {
	// Append writes a batch in one transaction. A version that already
	// exists for the aggregate fails the whole batch.
	Append(ctx context.Context, events ...Event) error
	// Load replays one auction's stream in version order.
	Load(ctx context.Context, aggregateID string) ([]Event, error)
}
