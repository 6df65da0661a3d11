package auction

import (
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/jensholdgaard/player-auction/internal/event"
)

// countdownState is the in-memory view of a running countdown. Ticks are not
// persisted; after a restart remaining is recomputed from StartedAt.
type countdownState struct {
	ticks     int
	interval  time.Duration
	startedAt time.Time
	remaining int
}

// session is the aggregate for one auction. Every read and write of its
// fields happens with mu held; mu is the auction's exclusive section.
type session struct {
	mu sync.Mutex

	id              string
	name            string
	sport           string
	budget          decimal.Decimal
	maxPlayers      int
	codes           Codes
	status          Status
	currentPlayerID string
	createdAt       time.Time
	startedAt       time.Time
	endedAt         time.Time
	countdown       countdownState
	catalog         Catalog
	registry        Registry
	ledger          Ledger
	chat            []ChatMessage
	version         int
	pending         []event.Event
	deleted         bool
	timer           *countdownTask
}

func newSession(id string) *session {
	return &session{id: id, registry: newRegistry()}
}

// record marshals payload into an event, applies it and queues it for
// persistence.
func (s *session) record(t event.Type, payload any, at time.Time) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("%w: marshalling %s: %w", ErrInternal, t, err)
	}
	e := event.Event{
		AggregateID: s.id,
		Type:        t,
		Data:        data,
		Version:     s.version + 1,
		CreatedAt:   at.UTC(),
	}
	if err := s.apply(e); err != nil {
		return fmt.Errorf("%w: %w", ErrInternal, err)
	}
	s.pending = append(s.pending, e)
	return nil
}

// drain returns and clears the events recorded since the last drain.
func (s *session) drain() []event.Event {
	events := s.pending
	s.pending = nil
	return events
}

// checkpoint captures the mutable state so a failed operation can be undone.
// Bids and chat are append-only, so keeping their slice headers is enough.
func (s *session) checkpoint() func() {
	var (
		status          = s.status
		currentPlayerID = s.currentPlayerID
		startedAt       = s.startedAt
		endedAt         = s.endedAt
		countdown       = s.countdown
		players         = slices.Clone(s.catalog.players)
		participants    = slices.Clone(s.registry.participants)
		index           = maps.Clone(s.registry.index)
		tokens          = maps.Clone(s.registry.tokens)
		adminID         = s.registry.adminID
		bids            = s.ledger.bids
		chat            = s.chat
		version         = s.version
	)
	return func() {
		s.status = status
		s.currentPlayerID = currentPlayerID
		s.startedAt = startedAt
		s.endedAt = endedAt
		s.countdown = countdown
		s.catalog.players = players
		s.registry.participants = participants
		s.registry.index = index
		s.registry.tokens = tokens
		s.registry.adminID = adminID
		s.ledger.bids = bids
		s.chat = chat
		s.version = version
		s.pending = nil
	}
}

// apply mutates state according to e. It is shared by live operations and
// Replay, so it must not validate business rules, only consistency.
func (s *session) apply(e event.Event) error {
	switch e.Type {
	case event.AuctionCreated:
		var d event.AuctionCreatedData
		if err := json.Unmarshal(e.Data, &d); err != nil {
			return fmt.Errorf("unmarshalling created event: %w", err)
		}
		players := make([]Player, 0, len(d.Players))
		for _, p := range d.Players {
			players = append(players, Player{
				ID:          p.ID,
				Name:        p.Name,
				Position:    p.Position,
				Rating:      p.Rating,
				StartingBid: p.StartingBid,
				Status:      PlayerAvailable,
				Attributes:  p.Attributes,
			})
		}
		s.name = d.Name
		s.sport = d.Sport
		s.budget = d.BudgetPerTeam
		s.maxPlayers = d.MaxPlayersPerTeam
		s.codes = Codes{Admin: d.AdminCode, Bidder: d.BidderCode, Visitor: d.VisitorCode}
		s.catalog = newCatalog(players)
		s.status = StatusLobby
		s.createdAt = e.CreatedAt

	case event.ParticipantJoined:
		var d event.ParticipantData
		if err := json.Unmarshal(e.Data, &d); err != nil {
			return fmt.Errorf("unmarshalling joined event: %w", err)
		}
		if p, ok := s.registry.get(d.ParticipantID); ok {
			p.Active = true
			break
		}
		s.registry.add(Participant{
			ID:       d.ParticipantID,
			Name:     d.Name,
			Role:     Role(d.Role),
			Active:   true,
			JoinedAt: e.CreatedAt,
			Token:    d.Token,
		})

	case event.ParticipantLeft:
		var d event.ParticipantData
		if err := json.Unmarshal(e.Data, &d); err != nil {
			return fmt.Errorf("unmarshalling left event: %w", err)
		}
		p, ok := s.registry.get(d.ParticipantID)
		if !ok {
			return fmt.Errorf("participant %s not in auction %s", d.ParticipantID, s.id)
		}
		p.Active = false

	case event.CountdownStarted:
		var d event.CountdownStartedData
		if err := json.Unmarshal(e.Data, &d); err != nil {
			return fmt.Errorf("unmarshalling countdown event: %w", err)
		}
		s.status = StatusCountdown
		s.countdown = countdownState{
			ticks:     d.Ticks,
			interval:  d.Interval,
			startedAt: e.CreatedAt,
			remaining: d.Ticks,
		}

	case event.AuctionActivated:
		var d event.AuctionActivatedData
		if err := json.Unmarshal(e.Data, &d); err != nil {
			return fmt.Errorf("unmarshalling activated event: %w", err)
		}
		s.status = StatusActive
		s.startedAt = e.CreatedAt
		s.countdown.remaining = 0
		if d.CurrentPlayerID != "" {
			if err := s.openPlayer(d.CurrentPlayerID); err != nil {
				return err
			}
		}

	case event.BidPlaced:
		var d event.BidPlacedData
		if err := json.Unmarshal(e.Data, &d); err != nil {
			return fmt.Errorf("unmarshalling bid event: %w", err)
		}
		p, ok := s.catalog.get(d.PlayerID)
		if !ok {
			return fmt.Errorf("bid on unknown player %s", d.PlayerID)
		}
		s.ledger.append(Bid{
			ID:            d.BidID,
			PlayerID:      d.PlayerID,
			ParticipantID: d.ParticipantID,
			Amount:        d.Amount,
			Time:          e.CreatedAt,
		})
		p.CurrentBid = decimal.NewNullDecimal(d.Amount)

	case event.PlayerResolved:
		var d event.PlayerResolvedData
		if err := json.Unmarshal(e.Data, &d); err != nil {
			return fmt.Errorf("unmarshalling resolved event: %w", err)
		}
		p, ok := s.catalog.get(d.PlayerID)
		if !ok {
			return fmt.Errorf("resolving unknown player %s", d.PlayerID)
		}
		if d.SoldTo != "" {
			p.Status = PlayerSold
			p.SoldTo = d.SoldTo
		} else {
			p.Status = PlayerUnsold
		}
		s.currentPlayerID = ""
		if d.NextPlayerID != "" {
			if err := s.openPlayer(d.NextPlayerID); err != nil {
				return err
			}
			break
		}
		s.status = StatusCompleted
		s.endedAt = e.CreatedAt

	case event.AuctionCompleted:
		s.status = StatusCompleted
		s.currentPlayerID = ""
		s.endedAt = e.CreatedAt

	case event.ChatMessagePosted:
		var d event.ChatMessageData
		if err := json.Unmarshal(e.Data, &d); err != nil {
			return fmt.Errorf("unmarshalling chat event: %w", err)
		}
		msg := ChatMessage{
			ID:            d.MessageID,
			ParticipantID: d.ParticipantID,
			Text:          d.Text,
			Time:          e.CreatedAt,
		}
		if p, ok := s.registry.get(d.ParticipantID); ok {
			msg.Name = p.Name
			msg.Role = p.Role
		}
		s.chat = append(s.chat, msg)

	default:
		return fmt.Errorf("unknown event type %q", e.Type)
	}

	s.version = e.Version
	return nil
}

func (s *session) openPlayer(id string) error {
	p, ok := s.catalog.get(id)
	if !ok {
		return fmt.Errorf("opening unknown player %s", id)
	}
	s.catalog.open(p)
	s.currentPlayerID = id
	return nil
}

// replay rebuilds a session from its event history.
func replay(events []event.Event) (*session, error) {
	if len(events) == 0 {
		return nil, fmt.Errorf("no events to replay")
	}
	if events[0].Type != event.AuctionCreated {
		return nil, fmt.Errorf("first event is %s, want %s", events[0].Type, event.AuctionCreated)
	}
	s := newSession(events[0].AggregateID)
	for _, e := range events {
		if err := s.apply(e); err != nil {
			return nil, fmt.Errorf("replaying version %d: %w", e.Version, err)
		}
	}
	return s, nil
}

func (s *session) currentPlayer() (*Player, bool) {
	if s.currentPlayerID == "" {
		return nil, false
	}
	return s.catalog.get(s.currentPlayerID)
}

// remainingBudget is the team budget minus the final prices of the players
// participantID owns.
func (s *session) remainingBudget(participantID string) decimal.Decimal {
	return s.budget.Sub(s.catalog.spent(participantID))
}

func (s *session) rosterCount(participantID string) int {
	return len(s.catalog.owned(participantID))
}

// snapshot builds a consistent read of the session. withCodes controls
// whether invitation codes are included.
func (s *session) snapshot(withCodes bool) *Snapshot {
	snap := &Snapshot{
		ID:                s.id,
		Name:              s.name,
		Sport:             s.sport,
		BudgetPerTeam:     s.budget,
		MaxPlayersPerTeam: s.maxPlayers,
		Status:            s.status,
		Players:           s.catalog.Players(),
		CreatedAt:         s.createdAt,
	}
	if s.status == StatusCountdown {
		snap.Countdown = s.countdown.remaining
	}
	if p, ok := s.currentPlayer(); ok {
		cp := *p
		snap.CurrentPlayer = &cp
	}
	leading, hasLeader := s.ledger.highest(s.currentPlayerID)
	for _, p := range s.registry.participants {
		remaining := s.remainingBudget(p.ID)
		available := remaining
		if hasLeader && leading.ParticipantID == p.ID {
			available = available.Sub(leading.Amount)
		}
		snap.Participants = append(snap.Participants, Standing{
			Participant:     p.public(),
			RemainingBudget: remaining,
			AvailableBudget: available,
			RosterCount:     s.rosterCount(p.ID),
		})
	}
	if withCodes {
		codes := s.codes
		snap.Codes = &codes
	}
	if !s.startedAt.IsZero() {
		t := s.startedAt
		snap.StartedAt = &t
	}
	if !s.endedAt.IsZero() {
		t := s.endedAt
		snap.EndedAt = &t
	}
	return snap
}
