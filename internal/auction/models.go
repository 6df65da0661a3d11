package auction

import (
	"time"

	"github.com/shopspring/decimal"
)

// Status is the lifecycle state of an auction.
type Status string

const (
	StatusLobby     Status = "lobby"
	StatusCountdown Status = "countdown"
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
)

// Role is a participant's fixed capability within one auction.
type Role string

const (
	RoleAdmin   Role = "admin"
	RoleBidder  Role = "bidder"
	RoleVisitor Role = "visitor"
)

// PlayerStatus is the sale state of a catalog entry.
type PlayerStatus string

const (
	PlayerAvailable PlayerStatus = "available"
	PlayerBidding   PlayerStatus = "bidding"
	PlayerSold      PlayerStatus = "sold"
	PlayerUnsold    PlayerStatus = "unsold"
)

// Codes are the three invitation codes of an auction.
type Codes struct {
	Admin   string `json:"admin"`
	Bidder  string `json:"bidder"`
	Visitor string `json:"visitor"`
}

// Player is one auctionable entry of a catalog.
type Player struct {
	ID          string              `json:"id"`
	Sequence    int                 `json:"sequence"`
	Name        string              `json:"name"`
	Position    string              `json:"position"`
	Rating      float64             `json:"rating"`
	StartingBid decimal.Decimal     `json:"starting_bid"`
	CurrentBid  decimal.NullDecimal `json:"current_bid"`
	Status      PlayerStatus        `json:"status"`
	Attributes  map[string]any      `json:"attributes,omitempty"`
	SoldTo      string              `json:"sold_to,omitempty"`
}

// Participant is an identity attached to one auction. ID is public and
// appears in snapshots and events. Token is the credential every acting
// operation checks; only Join hands it out.
type Participant struct {
	ID       string    `json:"id"`
	Name     string    `json:"name"`
	Role     Role      `json:"role"`
	Active   bool      `json:"active"`
	JoinedAt time.Time `json:"joined_at"`
	Token    string    `json:"-"`
}

// public returns p without its token.
func (p Participant) public() Participant {
	p.Token = ""
	return p
}

// Bid is an accepted bid. Sequence is its position in the auction's ledger.
type Bid struct {
	ID            string          `json:"id"`
	PlayerID      string          `json:"player_id"`
	ParticipantID string          `json:"participant_id"`
	Amount        decimal.Decimal `json:"amount"`
	Sequence      int             `json:"sequence"`
	Time          time.Time       `json:"time"`
}

// ChatMessage is a message posted to an auction's channel.
type ChatMessage struct {
	ID            string    `json:"id"`
	ParticipantID string    `json:"participant_id"`
	Name          string    `json:"name"`
	Role          Role      `json:"role"`
	Text          string    `json:"text"`
	Time          time.Time `json:"time"`
}

// Standing is a participant together with its derived budget and roster.
// RemainingBudget is what bids are admitted against: the team budget minus
// the prices of owned players. AvailableBudget also subtracts the
// participant's leading bid on the current player.
type Standing struct {
	Participant
	RemainingBudget decimal.Decimal `json:"remaining_budget"`
	AvailableBudget decimal.Decimal `json:"available_budget"`
	RosterCount     int             `json:"roster_count"`
}

// Snapshot is a consistent full-state read of one auction.
type Snapshot struct {
	ID                string          `json:"id"`
	Name              string          `json:"name"`
	Sport             string          `json:"sport"`
	BudgetPerTeam     decimal.Decimal `json:"budget_per_team"`
	MaxPlayersPerTeam int             `json:"max_players_per_team"`
	Status            Status          `json:"status"`
	CurrentPlayer     *Player         `json:"current_player"`
	// Countdown is the number of ticks left while Status is countdown.
	Countdown    int        `json:"countdown"`
	Players      []Player   `json:"players"`
	Participants []Standing `json:"participants"`
	// Codes is only filled in for the creator and for admins.
	Codes     *Codes     `json:"codes,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	StartedAt *time.Time `json:"started_at,omitempty"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
}

// Redemption is the result of looking up an invitation code.
type Redemption struct {
	AuctionID   string `json:"auction_id"`
	AuctionName string `json:"auction_name"`
	Role        Role   `json:"role"`
}

// Payloads of the messages published on an auction's channel.
type (
	CountdownTick struct {
		Remaining int `json:"remaining"`
	}
	CountdownExpired struct {
		CurrentPlayer *Player `json:"current_player"`
	}
	BidAccepted struct {
		Bid    Bid    `json:"bid"`
		Player Player `json:"player"`
	}
	// PlayerResolved.Player is nil when an auction without players is
	// closed.
	PlayerResolved struct {
		Player           *Player `json:"player"`
		NextPlayer       *Player `json:"next_player"`
		AuctionCompleted bool    `json:"auction_completed"`
	}
	ParticipantChanged struct {
		Participant Participant `json:"participant"`
	}
	ChatPosted struct {
		Message ChatMessage `json:"message"`
	}
)
