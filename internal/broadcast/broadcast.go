// Package broadcast fans auction events out to observers. Delivery is best
// effort: publishers never block the caller on a slow observer, and an
// observer that misses a message recovers by reading a fresh snapshot.
package broadcast

import (
	"context"
	"errors"
	"time"
)

// Type names a message on an auction channel.
type Type string

const (
	CountdownStarted  Type = "countdown_started"
	CountdownTick     Type = "countdown_tick"
	CountdownExpired  Type = "countdown_expired"
	BidAccepted       Type = "bid_accepted"
	PlayerResolved    Type = "player_resolved"
	ParticipantJoined Type = "participant_joined"
	ParticipantLeft   Type = "participant_left"
	ChatMessage       Type = "chat_message"
	AuctionDeleted    Type = "auction_deleted"

	// Snapshot frames are produced by transports for late subscribers and
	// never published through a Publisher.
	Snapshot Type = "snapshot"
)

// Message is one event on an auction's channel.
type Message struct {
	AuctionID string    `json:"auction_id"`
	Type      Type      `json:"type"`
	Data      any       `json:"data"`
	Time      time.Time `json:"time"`
}

// Publisher delivers messages to observers.
type Publisher interface {
	Publish(ctx context.Context, msg Message) error
}

// Dropper is implemented by publishers that hold per-auction state. Drop
// is called once an auction has been torn down.
type Dropper interface {
	Drop(ctx context.Context, auctionID string) error
}

// Multi publishes every message to all of its publishers.
type Multi []Publisher

// Publish hands msg to each publisher and joins their errors.
func (m Multi) Publish(ctx context.Context, msg Message) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, msg); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Drop forwards to every publisher implementing Dropper.
func (m Multi) Drop(ctx context.Context, auctionID string) error {
	var errs []error
	for _, p := range m {
		if d, ok := p.(Dropper); ok {
			if err := d.Drop(ctx, auctionID); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// Discard drops every message.
type Discard struct{}

func (Discard) Publish(context.Context, Message) error { return nil }
