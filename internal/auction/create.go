package auction

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/jensholdgaard/player-auction/internal/event"
	"github.com/jensholdgaard/player-auction/internal/store"
)

// PlayerInput is one catalog entry supplied at creation.
type PlayerInput struct {
	Name        string          `json:"name" validate:"required,max=100"`
	Position    string          `json:"position" validate:"required,max=50"`
	Rating      float64         `json:"rating" validate:"gte=0"`
	StartingBid decimal.Decimal `json:"starting_bid"`
	Attributes  map[string]any  `json:"attributes,omitempty"`
}

// CreateInput describes a new auction. Players keep the order given here.
type CreateInput struct {
	Name              string          `json:"name" validate:"max=100"`
	Sport             string          `json:"sport" validate:"required,max=50"`
	BudgetPerTeam     decimal.Decimal `json:"budget_per_team"`
	MaxPlayersPerTeam int             `json:"max_players_per_team" validate:"min=1"`
	Players           []PlayerInput   `json:"players" validate:"dive"`
}

func (m *Manager) validateCreate(in CreateInput) error {
	if err := m.validate.Struct(in); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("%s: %w", strings.Join(msgs, "; "), ErrInvalidInput)
		}
		return fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}
	if in.BudgetPerTeam.LessThan(m.cfg.MinBudget) {
		return fmt.Errorf("budget_per_team must be at least %s: %w", m.cfg.MinBudget, ErrInvalidInput)
	}
	if in.MaxPlayersPerTeam > m.cfg.MaxPlayersLimit {
		return fmt.Errorf("max_players_per_team must be at most %d: %w", m.cfg.MaxPlayersLimit, ErrInvalidInput)
	}
	for i, p := range in.Players {
		if !p.StartingBid.IsPositive() {
			return fmt.Errorf("players[%d].starting_bid must be positive: %w", i, ErrInvalidInput)
		}
	}
	return nil
}

// CreateAuction validates in, allocates codes and persists the new auction.
// The returned snapshot carries the codes.
func (m *Manager) CreateAuction(ctx context.Context, in CreateInput) (*Snapshot, error) {
	ctx, span := m.tracer.Start(ctx, "Manager.CreateAuction",
		trace.WithAttributes(
			attribute.String("sport", in.Sport),
			attribute.Int("players", len(in.Players)),
		),
	)
	defer span.End()

	if err := m.validateCreate(in); err != nil {
		return nil, err
	}
	name := strings.TrimSpace(in.Name)
	if name == "" {
		name = fmt.Sprintf("%s auction", in.Sport)
	}

	players := make([]event.PlayerData, 0, len(in.Players))
	for _, p := range in.Players {
		players = append(players, event.PlayerData{
			ID:          uuid.NewString(),
			Name:        p.Name,
			Position:    p.Position,
			Rating:      p.Rating,
			StartingBid: p.StartingBid,
			Attributes:  p.Attributes,
		})
	}

	id := uuid.NewString()
	span.SetAttributes(attribute.String("auction.id", id))

	for range maxCodeAttempts {
		codes, err := m.generateCodes(ctx)
		if err != nil {
			return nil, fail(span, fmt.Errorf("%w: %w", ErrInternal, err))
		}

		s := newSession(id)
		err = s.record(event.AuctionCreated, event.AuctionCreatedData{
			Name:              name,
			Sport:             in.Sport,
			BudgetPerTeam:     in.BudgetPerTeam,
			MaxPlayersPerTeam: in.MaxPlayersPerTeam,
			AdminCode:         codes.Admin,
			BidderCode:        codes.Bidder,
			VisitorCode:       codes.Visitor,
			Players:           players,
		}, m.clock.Now())
		if err != nil {
			return nil, fail(span, err)
		}

		rec := &store.Auction{
			ID:          id,
			Name:        name,
			Sport:       in.Sport,
			AdminCode:   codes.Admin,
			BidderCode:  codes.Bidder,
			VisitorCode: codes.Visitor,
			CreatedAt:   s.createdAt,
		}
		err = m.auctions.Create(ctx, rec, s.drain()...)
		if errors.Is(err, store.ErrCodeConflict) {
			m.logger.WarnContext(ctx, "invitation code collision, retrying", slog.String("auction_id", id))
			continue
		}
		if err != nil {
			return nil, fail(span, fmt.Errorf("%w: persisting auction: %w", ErrInternal, err))
		}

		snap := s.snapshot(true)
		m.mu.Lock()
		m.sessions[id] = s
		m.mu.Unlock()

		m.logger.InfoContext(ctx, "auction created",
			slog.String("auction_id", id),
			slog.String("sport", in.Sport),
			slog.Int("players", len(players)),
		)
		return snap, nil
	}
	return nil, fail(span, fmt.Errorf("%w: could not allocate unique codes", ErrInternal))
}
