package auction

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	gonanoid "github.com/matoous/go-nanoid/v2"

	"github.com/jensholdgaard/player-auction/internal/event"
)

const (
	maxNameLength    = 50
	maxMessageLength = 500
)

// authorize returns the participant holding token and, when roles are
// given, checks that it has one of them.
func (s *session) authorize(token string, roles ...Role) (*Participant, error) {
	p, ok := s.registry.byToken(token)
	if !ok {
		return nil, fmt.Errorf("unknown participant token for auction %s: %w", s.id, ErrNotAuthorized)
	}
	if len(roles) == 0 {
		return p, nil
	}
	for _, r := range roles {
		if p.Role == r {
			return p, nil
		}
	}
	return nil, fmt.Errorf("role %s: %w", p.Role, ErrNotAuthorized)
}

// start moves a lobby into countdown.
func (s *session) start(token string, ticks int, interval time.Duration, now time.Time) error {
	admin, err := s.authorize(token, RoleAdmin)
	if err != nil {
		return err
	}
	if s.status != StatusLobby {
		return fmt.Errorf("starting auction in status %s: %w", s.status, ErrInvalidState)
	}
	return s.record(event.CountdownStarted, event.CountdownStartedData{
		StartedBy: admin.ID,
		Ticks:     ticks,
		Interval:  interval,
	}, now)
}

// tick advances the countdown by one and returns the ticks left.
func (s *session) tick() int {
	if s.status == StatusCountdown && s.countdown.remaining > 0 {
		s.countdown.remaining--
	}
	return s.countdown.remaining
}

// activate ends the countdown and opens the first available player, if any.
func (s *session) activate(now time.Time) (*Player, error) {
	if s.status != StatusCountdown {
		return nil, fmt.Errorf("activating auction in status %s: %w", s.status, ErrInvalidState)
	}
	var data event.AuctionActivatedData
	if next, ok := s.catalog.nextAvailable(); ok {
		data.CurrentPlayerID = next.ID
	}
	if err := s.record(event.AuctionActivated, data, now); err != nil {
		return nil, err
	}
	return s.currentPlayerCopy(), nil
}

// closeCurrent resolves the current player and advances to the next one, or
// completes the auction when none is left.
func (s *session) closeCurrent(token string, now time.Time) (PlayerResolved, error) {
	admin, err := s.authorize(token, RoleAdmin)
	if err != nil {
		return PlayerResolved{}, err
	}
	if s.status != StatusActive {
		return PlayerResolved{}, fmt.Errorf("closing player in status %s: %w", s.status, ErrInvalidState)
	}

	current, ok := s.currentPlayer()
	if !ok {
		if err := s.record(event.AuctionCompleted, event.AuctionCompletedData{ClosedBy: admin.ID}, now); err != nil {
			return PlayerResolved{}, err
		}
		return PlayerResolved{AuctionCompleted: true}, nil
	}

	data := event.PlayerResolvedData{
		PlayerID: current.ID,
		Amount:   current.CurrentBid.Decimal,
		ClosedBy: admin.ID,
	}
	if winner, ok := s.ledger.highest(current.ID); ok {
		data.SoldTo = winner.ParticipantID
		data.Amount = winner.Amount
	}
	// current is not available any more, so the search cannot return it.
	if next, ok := s.catalog.nextAvailable(); ok {
		data.NextPlayerID = next.ID
	}

	resolvedID := current.ID
	if err := s.record(event.PlayerResolved, data, now); err != nil {
		return PlayerResolved{}, err
	}

	resolved, _ := s.catalog.get(resolvedID)
	out := PlayerResolved{
		Player:           new(Player),
		NextPlayer:       s.currentPlayerCopy(),
		AuctionCompleted: s.status == StatusCompleted,
	}
	*out.Player = *resolved
	return out, nil
}

// join attaches a participant with role. The admin role has a single
// identity; visitors, and bidders while the lobby is open, re-attach by
// name. Bidder registration closes entirely when the lobby does.
func (s *session) join(role Role, name string, now time.Time) (*Participant, bool, error) {
	name = strings.TrimSpace(name)
	if utf8.RuneCountInString(name) > maxNameLength {
		return nil, false, fmt.Errorf("name longer than %d characters: %w", maxNameLength, ErrInvalidInput)
	}

	var existing *Participant
	switch role {
	case RoleAdmin:
		existing, _ = s.registry.admin()
		if name == "" {
			name = "Admin"
		}
	default:
		if name == "" {
			return nil, false, fmt.Errorf("name is required: %w", ErrInvalidInput)
		}
		existing, _ = s.registry.find(name, role)
	}

	if role == RoleBidder && s.status != StatusLobby {
		return nil, false, fmt.Errorf("auction is %s: %w", s.status, ErrRoleClosed)
	}

	data := event.ParticipantData{Name: name, Role: string(role)}
	if existing != nil {
		if existing.Active {
			p := *existing
			return &p, false, nil
		}
		data.ParticipantID = existing.ID
		data.Name = existing.Name
	} else {
		token, err := gonanoid.New()
		if err != nil {
			return nil, false, fmt.Errorf("%w: generating participant token: %w", ErrInternal, err)
		}
		data.ParticipantID = uuid.NewString()
		data.Token = token
	}

	if err := s.record(event.ParticipantJoined, data, now); err != nil {
		return nil, false, err
	}
	p, _ := s.registry.get(data.ParticipantID)
	out := *p
	return &out, true, nil
}

// leave marks a participant inactive. It reports whether anything changed.
func (s *session) leave(token string, now time.Time) (*Participant, bool, error) {
	p, err := s.authorize(token)
	if err != nil {
		return nil, false, err
	}
	if !p.Active {
		out := *p
		return &out, false, nil
	}
	if err := s.record(event.ParticipantLeft, event.ParticipantData{ParticipantID: p.ID}, now); err != nil {
		return nil, false, err
	}
	out := *p
	return &out, true, nil
}

func (s *session) postChat(token, text string, now time.Time) (ChatMessage, error) {
	author, err := s.authorize(token)
	if err != nil {
		return ChatMessage{}, err
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return ChatMessage{}, ErrEmptyMessage
	}
	if utf8.RuneCountInString(text) > maxMessageLength {
		return ChatMessage{}, fmt.Errorf("message longer than %d characters: %w", maxMessageLength, ErrInvalidInput)
	}
	err = s.record(event.ChatMessagePosted, event.ChatMessageData{
		MessageID:     uuid.NewString(),
		ParticipantID: author.ID,
		Text:          text,
	}, now)
	if err != nil {
		return ChatMessage{}, err
	}
	return s.chat[len(s.chat)-1], nil
}

// chatHistory returns the most recent limit messages, oldest first.
func (s *session) chatHistory(limit int) []ChatMessage {
	msgs := s.chat
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	out := make([]ChatMessage, len(msgs))
	copy(out, msgs)
	return out
}

func (s *session) currentPlayerCopy() *Player {
	p, ok := s.currentPlayer()
	if !ok {
		return nil
	}
	cp := *p
	return &cp
}
