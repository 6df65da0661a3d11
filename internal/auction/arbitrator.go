package auction

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/jensholdgaard/player-auction/internal/event"
)

// placeBid admits a bid on the current player. Preconditions are checked in
// a fixed order and the first failure is returned. The caller holds the
// session lock for the whole check-and-append.
func (s *session) placeBid(playerID, token string, amount decimal.Decimal, now time.Time) (BidAccepted, error) {
	bidder, err := s.authorize(token, RoleBidder)
	if err != nil {
		return BidAccepted{}, err
	}
	if s.status != StatusActive {
		return BidAccepted{}, fmt.Errorf("bidding in status %s: %w", s.status, ErrInvalidState)
	}
	player, ok := s.catalog.get(playerID)
	if !ok {
		return BidAccepted{}, fmt.Errorf("player %q: %w", playerID, ErrPlayerNotFound)
	}
	if playerID != s.currentPlayerID {
		return BidAccepted{}, fmt.Errorf("player %s: %w", playerID, ErrStalePlayer)
	}
	if !amount.GreaterThan(player.CurrentBid.Decimal) {
		return BidAccepted{}, fmt.Errorf("%s <= %s: %w", amount, player.CurrentBid.Decimal, ErrBidTooLow)
	}
	if remaining := s.remainingBudget(bidder.ID); remaining.LessThan(amount) {
		return BidAccepted{}, fmt.Errorf("%s remaining, bid %s: %w", remaining, amount, ErrInsufficientBudget)
	}
	if owned := s.rosterCount(bidder.ID); owned >= s.maxPlayers {
		return BidAccepted{}, fmt.Errorf("%d of %d players owned: %w", owned, s.maxPlayers, ErrRosterFull)
	}

	err = s.record(event.BidPlaced, event.BidPlacedData{
		BidID:         uuid.NewString(),
		PlayerID:      playerID,
		ParticipantID: bidder.ID,
		Amount:        amount,
	}, now)
	if err != nil {
		return BidAccepted{}, err
	}
	return BidAccepted{
		Bid:    s.ledger.bids[len(s.ledger.bids)-1],
		Player: *player,
	}, nil
}
