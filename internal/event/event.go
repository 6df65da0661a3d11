package event

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// Type identifies an event kind.
type Type string

const (
	AuctionCreated    Type = "auction.created"
	ParticipantJoined Type = "auction.participant_joined"
	ParticipantLeft   Type = "auction.participant_left"
	CountdownStarted  Type = "auction.countdown_started"
	AuctionActivated  Type = "auction.activated"
	BidPlaced         Type = "auction.bid_placed"
	PlayerResolved    Type = "auction.player_resolved"
	AuctionCompleted  Type = "auction.completed"
	ChatMessagePosted Type = "auction.chat_message_posted"
)

// Event represents a single domain event.
type Event struct {
	ID          string          `json:"id" db:"id"`
	AggregateID string          `json:"aggregate_id" db:"aggregate_id"`
	Type        Type            `json:"type" db:"type"`
	Data        json.RawMessage `json:"data" db:"data"`
	Version     int             `json:"version" db:"version"`
	CreatedAt   time.Time       `json:"created_at" db:"created_at"`
}

// PlayerData is one catalog entry inside AuctionCreatedData.
type PlayerData struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Position    string          `json:"position"`
	Rating      float64         `json:"rating"`
	StartingBid decimal.Decimal `json:"starting_bid"`
	Attributes  map[string]any  `json:"attributes,omitempty"`
}

// AuctionCreatedData is the payload for AuctionCreated events. Players are
// listed in catalog order.
type AuctionCreatedData struct {
	Name              string          `json:"name"`
	Sport             string          `json:"sport"`
	BudgetPerTeam     decimal.Decimal `json:"budget_per_team"`
	MaxPlayersPerTeam int             `json:"max_players_per_team"`
	AdminCode         string          `json:"admin_code"`
	BidderCode        string          `json:"bidder_code"`
	VisitorCode       string          `json:"visitor_code"`
	Players           []PlayerData    `json:"players"`
}

// ParticipantData is the payload for ParticipantJoined and ParticipantLeft
// events. A join for a known participant re-activates it.
type ParticipantData struct {
	ParticipantID string `json:"participant_id"`
	Name          string `json:"name,omitempty"`
	Role          string `json:"role,omitempty"`
	// Token is set only on the first join of a participant.
	Token string `json:"token,omitempty"`
}

// CountdownStartedData is the payload for CountdownStarted events.
type CountdownStartedData struct {
	StartedBy string        `json:"started_by"`
	Ticks     int           `json:"ticks"`
	Interval  time.Duration `json:"interval"`
}

// AuctionActivatedData is the payload for AuctionActivated events.
// CurrentPlayerID is empty when the catalog had nothing to offer.
type AuctionActivatedData struct {
	CurrentPlayerID string `json:"current_player_id,omitempty"`
}

// BidPlacedData is the payload for BidPlaced events.
type BidPlacedData struct {
	BidID         string          `json:"bid_id"`
	PlayerID      string          `json:"player_id"`
	ParticipantID string          `json:"participant_id"`
	Amount        decimal.Decimal `json:"amount"`
}

// PlayerResolvedData is the payload for PlayerResolved events. SoldTo is
// empty for an unsold player; NextPlayerID is empty when the auction
// completed.
type PlayerResolvedData struct {
	PlayerID     string          `json:"player_id"`
	SoldTo       string          `json:"sold_to,omitempty"`
	Amount       decimal.Decimal `json:"amount"`
	NextPlayerID string          `json:"next_player_id,omitempty"`
	ClosedBy     string          `json:"closed_by"`
}

// AuctionCompletedData is the payload for AuctionCompleted events, recorded
// when an active auction with no current player is closed.
type AuctionCompletedData struct {
	ClosedBy string `json:"closed_by"`
}

// ChatMessageData is the payload for ChatMessagePosted events.
type ChatMessageData struct {
	MessageID     string `json:"message_id"`
	ParticipantID string `json:"participant_id"`
	Text          string `json:"text"`
}
