package store

import (
	"context"
	"errors"
	"time"

	"github.com/jensholdgaard/player-auction/internal/event"
)

// Errors returned by repositories.
var (
	ErrNotFound     = errors.New("record not found")
	ErrCodeConflict = errors.New("invitation code already in use")
)

// Auction is the persisted identity of an auction: everything that is fixed
// at creation time. Lifecycle state lives in the auction's event stream.
type Auction struct {
	ID          string    `db:"id"`
	Name        string    `db:"name"`
	Sport       string    `db:"sport"`
	AdminCode   string    `db:"admin_code"`
	BidderCode  string    `db:"bidder_code"`
	VisitorCode string    `db:"visitor_code"`
	CreatedAt   time.Time `db:"created_at"`
}

// Codes returns the auction's three invitation codes.
func (a *Auction) Codes() []string {
	return []string{a.AdminCode, a.BidderCode, a.VisitorCode}
}

// AuctionRepository defines auction persistence operations.
type AuctionRepository interface {
	// Create stores the auction record and its initial events in one
	// transaction. It returns ErrCodeConflict when any code is taken.
	Create(ctx context.Context, a *Auction, initial ...event.Event) error
	GetByID(ctx context.Context, id string) (*Auction, error)
	// GetByCode finds the auction owning an admin, bidder or visitor code.
	GetByCode(ctx context.Context, code string) (*Auction, error)
	CodeExists(ctx context.Context, code string) (bool, error)
	List(ctx context.Context) ([]Auction, error)
	// Delete removes the auction together with its event stream.
	Delete(ctx context.Context, id string) error
}
