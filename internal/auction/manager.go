package auction

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/jensholdgaard/player-auction/internal/broadcast"
	"github.com/jensholdgaard/player-auction/internal/clock"
	"github.com/jensholdgaard/player-auction/internal/config"
	"github.com/jensholdgaard/player-auction/internal/event"
	"github.com/jensholdgaard/player-auction/internal/store"
)

const instrumentationName = "github.com/jensholdgaard/player-auction/internal/auction"

// Manager coordinates auction sessions. Each auction has its own lock; the
// Manager's lock only guards the session map.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*session

	cfg      config.AuctionConfig
	auctions store.AuctionRepository
	events   event.Store
	pub      broadcast.Publisher
	logger   *slog.Logger
	tracer   trace.Tracer
	metrics  *metrics
	clock    clock.Clock
	validate *validator.Validate

	// ctx outlives requests and bounds every countdown goroutine.
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager creates a new auction Manager.
func NewManager(
	cfg config.AuctionConfig,
	auctions store.AuctionRepository,
	events event.Store,
	pub broadcast.Publisher,
	logger *slog.Logger,
	tp trace.TracerProvider,
	mp metric.MeterProvider,
	clk clock.Clock,
) (*Manager, error) {
	met, err := newMetrics(mp)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		sessions: make(map[string]*session),
		cfg:      cfg,
		auctions: auctions,
		events:   events,
		pub:      pub,
		logger:   logger,
		tracer:   tp.Tracer(instrumentationName),
		metrics:  met,
		clock:    clk,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

// session returns the live session for id, loading it from the store on
// first use.
func (m *Manager) session(ctx context.Context, id string) (*session, error) {
	m.mu.RLock()
	s, ok := m.sessions[id]
	m.mu.RUnlock()
	if ok {
		return s, nil
	}
	return m.load(ctx, id)
}

func (m *Manager) load(ctx context.Context, id string) (*session, error) {
	if _, err := m.auctions.GetByID(ctx, id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("auction %s: %w", id, ErrAuctionNotFound)
		}
		return nil, fmt.Errorf("%w: loading auction %s: %w", ErrInternal, id, err)
	}
	events, err := m.events.Load(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("%w: loading events for %s: %w", ErrInternal, id, err)
	}
	s, err := replay(events)
	if err != nil {
		return nil, fmt.Errorf("%w: replaying auction %s: %w", ErrInternal, id, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.sessions[id]; ok {
		return existing, nil
	}
	m.sessions[id] = s

	s.mu.Lock()
	if s.status == StatusCountdown {
		s.countdown.remaining = remainingTicks(s.countdown, m.clock.Now())
		m.launchCountdown(s)
	}
	s.mu.Unlock()
	return s, nil
}

// exec runs fn inside the session's exclusive section. Events recorded by
// fn are persisted before the section is released; if fn or persistence
// fails the session is restored to its state before fn ran. Messages
// returned by fn are published after the section is released.
func (m *Manager) exec(ctx context.Context, s *session, fn func(now time.Time) ([]broadcast.Message, error)) error {
	s.mu.Lock()
	if s.deleted {
		s.mu.Unlock()
		return fmt.Errorf("auction %s: %w", s.id, ErrAuctionNotFound)
	}
	restore := s.checkpoint()
	msgs, err := fn(m.clock.Now())
	if err != nil {
		restore()
		s.mu.Unlock()
		return err
	}
	if pending := s.drain(); len(pending) > 0 {
		if err := m.events.Append(ctx, pending...); err != nil {
			restore()
			s.mu.Unlock()
			return fmt.Errorf("%w: persisting %d events: %w", ErrInternal, len(pending), err)
		}
	}
	s.mu.Unlock()

	m.publish(ctx, msgs...)
	return nil
}

// read runs fn inside the session's exclusive section without recording.
func (m *Manager) read(ctx context.Context, auctionID string, fn func(s *session) error) error {
	s, err := m.session(ctx, auctionID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.deleted {
		return fmt.Errorf("auction %s: %w", auctionID, ErrAuctionNotFound)
	}
	return fn(s)
}

func (m *Manager) message(auctionID string, t broadcast.Type, data any) broadcast.Message {
	return broadcast.Message{AuctionID: auctionID, Type: t, Data: data, Time: m.clock.Now().UTC()}
}

// publish hands messages to the publisher. Failures are logged; observers
// recover through snapshots.
func (m *Manager) publish(ctx context.Context, msgs ...broadcast.Message) {
	ctx = context.WithoutCancel(ctx)
	for _, msg := range msgs {
		if err := m.pub.Publish(ctx, msg); err != nil {
			m.logger.WarnContext(ctx, "publishing auction message failed",
				slog.String("auction_id", msg.AuctionID),
				slog.String("type", string(msg.Type)),
				slog.Any("error", err),
			)
		}
	}
}

// fail marks span as failed for internal errors and returns err unchanged.
func fail(span trace.Span, err error) error {
	if err != nil && KindOf(err) == KindInternal {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

// RedeemCode resolves an invitation code to its auction and role. Bidder
// codes are refused once the auction has left the lobby.
func (m *Manager) RedeemCode(ctx context.Context, code string) (Redemption, error) {
	ctx, span := m.tracer.Start(ctx, "Manager.RedeemCode")
	defer span.End()

	s, red, err := m.lookupCode(ctx, code)
	if err != nil {
		return Redemption{}, fail(span, err)
	}
	if red.Role != RoleBidder {
		return red, nil
	}
	s.mu.Lock()
	status := s.status
	s.mu.Unlock()
	if status != StatusLobby {
		return Redemption{}, fmt.Errorf("auction is %s: %w", status, ErrRoleClosed)
	}
	return red, nil
}

func (m *Manager) lookupCode(ctx context.Context, code string) (*session, Redemption, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	if code == "" {
		return nil, Redemption{}, ErrInvalidCode
	}
	rec, err := m.auctions.GetByCode(ctx, code)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, Redemption{}, ErrInvalidCode
		}
		return nil, Redemption{}, fmt.Errorf("%w: looking up code: %w", ErrInternal, err)
	}

	red := Redemption{AuctionID: rec.ID, AuctionName: rec.Name}
	switch code {
	case rec.AdminCode:
		red.Role = RoleAdmin
	case rec.BidderCode:
		red.Role = RoleBidder
	case rec.VisitorCode:
		red.Role = RoleVisitor
	default:
		return nil, Redemption{}, ErrInvalidCode
	}

	s, err := m.session(ctx, rec.ID)
	if err != nil {
		return nil, Redemption{}, err
	}
	return s, red, nil
}

// Join redeems code and attaches a participant to the auction. Redeeming
// the admin code always yields the auction's single admin; other roles
// re-attach to an existing participant with the same name. The returned
// participant carries the token the other operations authorize with.
func (m *Manager) Join(ctx context.Context, code, name string) (*Participant, Redemption, error) {
	ctx, span := m.tracer.Start(ctx, "Manager.Join")
	defer span.End()

	s, red, err := m.lookupCode(ctx, code)
	if err != nil {
		return nil, Redemption{}, fail(span, err)
	}
	span.SetAttributes(attribute.String("auction.id", red.AuctionID), attribute.String("role", string(red.Role)))

	var p *Participant
	err = m.exec(ctx, s, func(now time.Time) ([]broadcast.Message, error) {
		joined, changed, err := s.join(red.Role, name, now)
		if err != nil {
			return nil, err
		}
		p = joined
		if !changed {
			return nil, nil
		}
		return []broadcast.Message{
			m.message(s.id, broadcast.ParticipantJoined, ParticipantChanged{Participant: joined.public()}),
		}, nil
	})
	if err != nil {
		return nil, Redemption{}, fail(span, err)
	}

	m.logger.InfoContext(ctx, "participant joined",
		slog.String("auction_id", red.AuctionID),
		slog.String("participant_id", p.ID),
		slog.String("role", string(p.Role)),
	)
	return p, red, nil
}

// Leave marks a participant inactive. It stays in the registry and keeps
// its roster.
func (m *Manager) Leave(ctx context.Context, auctionID, token string) error {
	ctx, span := m.tracer.Start(ctx, "Manager.Leave",
		trace.WithAttributes(attribute.String("auction.id", auctionID)),
	)
	defer span.End()

	s, err := m.session(ctx, auctionID)
	if err != nil {
		return fail(span, err)
	}
	err = m.exec(ctx, s, func(now time.Time) ([]broadcast.Message, error) {
		p, changed, err := s.leave(token, now)
		if err != nil || !changed {
			return nil, err
		}
		return []broadcast.Message{
			m.message(s.id, broadcast.ParticipantLeft, ParticipantChanged{Participant: p.public()}),
		}, nil
	})
	return fail(span, err)
}

// StartAuction moves a lobby into countdown and starts the countdown task.
func (m *Manager) StartAuction(ctx context.Context, auctionID, token string) error {
	ctx, span := m.tracer.Start(ctx, "Manager.StartAuction",
		trace.WithAttributes(attribute.String("auction.id", auctionID)),
	)
	defer span.End()

	s, err := m.session(ctx, auctionID)
	if err != nil {
		return fail(span, err)
	}
	err = m.exec(ctx, s, func(now time.Time) ([]broadcast.Message, error) {
		if err := s.start(token, m.cfg.CountdownTicks, m.cfg.TickInterval, now); err != nil {
			return nil, err
		}
		return []broadcast.Message{
			m.message(s.id, broadcast.CountdownStarted, CountdownTick{Remaining: m.cfg.CountdownTicks}),
		}, nil
	})
	if err != nil {
		return fail(span, err)
	}

	s.mu.Lock()
	m.launchCountdown(s)
	s.mu.Unlock()

	m.logger.InfoContext(ctx, "countdown started",
		slog.String("auction_id", auctionID),
		slog.Int("ticks", m.cfg.CountdownTicks),
	)
	return nil
}

// PlaceBid submits a bid on the current player. See session.placeBid for
// the admission rules.
func (m *Manager) PlaceBid(ctx context.Context, auctionID, playerID, token string, amount decimal.Decimal) (*Bid, error) {
	ctx, span := m.tracer.Start(ctx, "Manager.PlaceBid",
		trace.WithAttributes(
			attribute.String("auction.id", auctionID),
			attribute.String("player.id", playerID),
			attribute.String("bid.amount", amount.String()),
		),
	)
	defer span.End()

	s, err := m.session(ctx, auctionID)
	if err != nil {
		return nil, fail(span, err)
	}

	var accepted BidAccepted
	err = m.exec(ctx, s, func(now time.Time) ([]broadcast.Message, error) {
		a, err := s.placeBid(playerID, token, amount, now)
		if err != nil {
			return nil, err
		}
		accepted = a
		return []broadcast.Message{m.message(s.id, broadcast.BidAccepted, a)}, nil
	})
	if err != nil {
		m.metrics.bidRejected(ctx, err)
		return nil, fail(span, err)
	}
	m.metrics.bidsAccepted.Add(ctx, 1)

	m.logger.InfoContext(ctx, "bid placed",
		slog.String("auction_id", auctionID),
		slog.String("player_id", playerID),
		slog.String("participant_id", accepted.Bid.ParticipantID),
		slog.String("amount", amount.String()),
	)
	return &accepted.Bid, nil
}

// CloseCurrentPlayer resolves the current player as sold or unsold and
// advances the auction.
func (m *Manager) CloseCurrentPlayer(ctx context.Context, auctionID, token string) (*PlayerResolved, error) {
	ctx, span := m.tracer.Start(ctx, "Manager.CloseCurrentPlayer",
		trace.WithAttributes(attribute.String("auction.id", auctionID)),
	)
	defer span.End()

	s, err := m.session(ctx, auctionID)
	if err != nil {
		return nil, fail(span, err)
	}

	var resolved PlayerResolved
	err = m.exec(ctx, s, func(now time.Time) ([]broadcast.Message, error) {
		r, err := s.closeCurrent(token, now)
		if err != nil {
			return nil, err
		}
		resolved = r
		return []broadcast.Message{m.message(s.id, broadcast.PlayerResolved, r)}, nil
	})
	if err != nil {
		return nil, fail(span, err)
	}
	m.metrics.resolved(ctx, resolved)

	attrs := []any{
		slog.String("auction_id", auctionID),
		slog.Bool("auction_completed", resolved.AuctionCompleted),
	}
	if resolved.Player != nil {
		attrs = append(attrs,
			slog.String("player_id", resolved.Player.ID),
			slog.String("outcome", string(resolved.Player.Status)),
		)
	}
	m.logger.InfoContext(ctx, "player resolved", attrs...)
	return &resolved, nil
}

// SendMessage posts a chat message on the auction's channel.
func (m *Manager) SendMessage(ctx context.Context, auctionID, token, text string) (*ChatMessage, error) {
	ctx, span := m.tracer.Start(ctx, "Manager.SendMessage",
		trace.WithAttributes(attribute.String("auction.id", auctionID)),
	)
	defer span.End()

	s, err := m.session(ctx, auctionID)
	if err != nil {
		return nil, fail(span, err)
	}
	var msg ChatMessage
	err = m.exec(ctx, s, func(now time.Time) ([]broadcast.Message, error) {
		posted, err := s.postChat(token, text, now)
		if err != nil {
			return nil, err
		}
		msg = posted
		return []broadcast.Message{m.message(s.id, broadcast.ChatMessage, ChatPosted{Message: posted})}, nil
	})
	if err != nil {
		return nil, fail(span, err)
	}
	return &msg, nil
}

// ChatHistory returns up to limit recent messages, oldest first. A limit
// outside 1..ChatHistoryLimit uses the configured limit.
func (m *Manager) ChatHistory(ctx context.Context, auctionID, token string, limit int) ([]ChatMessage, error) {
	if limit <= 0 || limit > m.cfg.ChatHistoryLimit {
		limit = m.cfg.ChatHistoryLimit
	}
	var out []ChatMessage
	err := m.read(ctx, auctionID, func(s *session) error {
		if _, err := s.authorize(token); err != nil {
			return err
		}
		out = s.chatHistory(limit)
		return nil
	})
	return out, err
}

// Snapshot returns the full state of an auction. Codes are included only
// when viewerToken belongs to the auction's admin; any other value,
// including the empty string, gets the public view.
func (m *Manager) Snapshot(ctx context.Context, auctionID, viewerToken string) (*Snapshot, error) {
	var snap *Snapshot
	err := m.read(ctx, auctionID, func(s *session) error {
		_, err := s.authorize(viewerToken, RoleAdmin)
		snap = s.snapshot(err == nil)
		return nil
	})
	return snap, err
}

// Participant returns the public view of one participant, looked up by
// its public ID.
func (m *Manager) Participant(ctx context.Context, auctionID, participantID string) (*Participant, error) {
	var out Participant
	err := m.read(ctx, auctionID, func(s *session) error {
		p, ok := s.registry.get(participantID)
		if !ok {
			return fmt.Errorf("participant %q in auction %s: %w", participantID, s.id, ErrNotAuthorized)
		}
		out = p.public()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// Teardown deletes an auction with everything it owns and stops its
// countdown. Only the admin may tear an auction down.
func (m *Manager) Teardown(ctx context.Context, auctionID, token string) error {
	ctx, span := m.tracer.Start(ctx, "Manager.Teardown",
		trace.WithAttributes(attribute.String("auction.id", auctionID)),
	)
	defer span.End()

	s, err := m.session(ctx, auctionID)
	if err != nil {
		return fail(span, err)
	}

	s.mu.Lock()
	if s.deleted {
		s.mu.Unlock()
		return fmt.Errorf("auction %s: %w", auctionID, ErrAuctionNotFound)
	}
	if _, err := s.authorize(token, RoleAdmin); err != nil {
		s.mu.Unlock()
		return fail(span, err)
	}
	if err := m.auctions.Delete(ctx, auctionID); err != nil && !errors.Is(err, store.ErrNotFound) {
		s.mu.Unlock()
		return fail(span, fmt.Errorf("%w: deleting auction: %w", ErrInternal, err))
	}
	s.deleted = true
	task := s.timer
	s.mu.Unlock()

	if task != nil {
		task.stop()
	}

	m.mu.Lock()
	delete(m.sessions, auctionID)
	m.mu.Unlock()

	m.publish(ctx, m.message(auctionID, broadcast.AuctionDeleted, nil))
	if d, ok := m.pub.(broadcast.Dropper); ok {
		if err := d.Drop(context.WithoutCancel(ctx), auctionID); err != nil {
			m.logger.WarnContext(ctx, "dropping auction channel failed",
				slog.String("auction_id", auctionID),
				slog.Any("error", err),
			)
		}
	}

	m.logger.InfoContext(ctx, "auction torn down", slog.String("auction_id", auctionID))
	return nil
}

// Recover loads every stored auction into memory and resumes countdowns
// that were running. It is used on leader startup to restore state after a
// failover.
func (m *Manager) Recover(ctx context.Context) (int, error) {
	ctx, span := m.tracer.Start(ctx, "Manager.Recover")
	defer span.End()

	records, err := m.auctions.List(ctx)
	if err != nil {
		return 0, fail(span, fmt.Errorf("%w: listing auctions: %w", ErrInternal, err))
	}

	recovered := 0
	for _, rec := range records {
		s, err := m.session(ctx, rec.ID)
		if err != nil {
			m.logger.WarnContext(ctx, "failed to replay auction during recovery",
				slog.String("auction_id", rec.ID),
				slog.Any("error", err),
			)
			continue
		}
		recovered++

		s.mu.Lock()
		status, bids := s.status, s.ledger.Len()
		s.mu.Unlock()
		m.logger.InfoContext(ctx, "recovered auction",
			slog.String("auction_id", rec.ID),
			slog.String("status", string(status)),
			slog.Int("bids", bids),
		)
	}

	m.logger.InfoContext(ctx, "auction recovery complete",
		slog.Int("total", len(records)),
		slog.Int("recovered", recovered),
	)
	return recovered, nil
}

// Shutdown stops every countdown and waits for them to exit. Sessions stay
// persisted and resume on the next Recover.
func (m *Manager) Shutdown() {
	m.cancel()
	m.wg.Wait()
}
