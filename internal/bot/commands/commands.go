package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/bwmarrin/discordgo"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/jensholdgaard/player-auction/internal/auction"
)

// Engine is the subset of auction operations reachable from Discord.
type Engine interface {
	Join(ctx context.Context, code, name string) (*auction.Participant, auction.Redemption, error)
	StartAuction(ctx context.Context, auctionID, token string) error
	PlaceBid(ctx context.Context, auctionID, playerID, token string, amount decimal.Decimal) (*auction.Bid, error)
	CloseCurrentPlayer(ctx context.Context, auctionID, token string) (*auction.PlayerResolved, error)
	Snapshot(ctx context.Context, auctionID, viewerToken string) (*auction.Snapshot, error)
}

// seat is the auction identity a Discord user joined with.
type seat struct {
	auctionID     string
	participantID string
	token         string
	role          auction.Role
}

var errNotJoined = errors.New("not joined to an auction")

// Handlers process Discord interactions.
type Handlers struct {
	engine Engine
	logger *slog.Logger
	tracer trace.Tracer

	mu    sync.RWMutex
	seats map[string]seat // by Discord user id
}

// NewHandlers creates new command handlers.
func NewHandlers(engine Engine, logger *slog.Logger, tp trace.TracerProvider) *Handlers {
	return &Handlers{
		engine: engine,
		logger: logger,
		tracer: tp.Tracer("github.com/jensholdgaard/player-auction/internal/bot/commands"),
		seats:  make(map[string]seat),
	}
}

// SlashCommands returns the slash command definitions.
func SlashCommands() []*discordgo.ApplicationCommand {
	return []*discordgo.ApplicationCommand{
		{
			Name:        "auction-join",
			Description: "Join an auction with an invitation code",
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionString,
					Name:        "code",
					Description: "Invitation code",
					Required:    true,
				},
				{
					Type:        discordgo.ApplicationCommandOptionString,
					Name:        "name",
					Description: "Display name (defaults to your Discord name)",
					Required:    false,
				},
			},
		},
		{
			Name:        "auction-start",
			Description: "Start the countdown (admin only)",
		},
		{
			Name:        "auction-bid",
			Description: "Bid on the player currently up",
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionString,
					Name:        "amount",
					Description: "Bid amount",
					Required:    true,
				},
			},
		},
		{
			Name:        "auction-close",
			Description: "Close bidding on the current player (admin only)",
		},
		{
			Name:        "auction-status",
			Description: "Show the current player and your budget",
		},
	}
}

// InteractionCreate handles incoming slash command interactions.
func (h *Handlers) InteractionCreate(s *discordgo.Session, i *discordgo.InteractionCreate) {
	if i.Type != discordgo.InteractionApplicationCommand {
		return
	}
	data := i.ApplicationCommandData()
	ctx, span := h.tracer.Start(context.Background(), "InteractionCreate",
		trace.WithAttributes(attribute.String("command", data.Name)),
	)
	defer span.End()

	user := i.User
	if i.Member != nil {
		user = i.Member.User
	}
	if user == nil {
		return
	}

	msg, err := h.Dispatch(ctx, user.ID, user.Username, data)
	if err != nil {
		h.logger.InfoContext(ctx, "command rejected",
			slog.String("command", data.Name),
			slog.String("user", user.ID),
			slog.Any("error", err),
		)
		msg = describe(err)
	}
	respond(s, i, msg)
}

// Dispatch runs one command for the Discord user userID and returns the
// reply text.
func (h *Handlers) Dispatch(ctx context.Context, userID, username string, data discordgo.ApplicationCommandInteractionData) (string, error) {
	switch data.Name {
	case "auction-join":
		return h.handleJoin(ctx, userID, username, options(data))
	case "auction-start":
		return h.handleStart(ctx, userID)
	case "auction-bid":
		return h.handleBid(ctx, userID, options(data))
	case "auction-close":
		return h.handleClose(ctx, userID)
	case "auction-status":
		return h.handleStatus(ctx, userID)
	default:
		return "Unknown command", nil
	}
}

func (h *Handlers) handleJoin(ctx context.Context, userID, username string, opts map[string]*discordgo.ApplicationCommandInteractionDataOption) (string, error) {
	code := strings.ToUpper(stringOption(opts, "code"))
	name := stringOption(opts, "name")
	if name == "" {
		name = username
	}

	p, red, err := h.engine.Join(ctx, code, name)
	if err != nil {
		return "", err
	}
	h.mu.Lock()
	h.seats[userID] = seat{auctionID: red.AuctionID, participantID: p.ID, token: p.Token, role: p.Role}
	h.mu.Unlock()

	return fmt.Sprintf("Joined **%s** as %s **%s**.", red.AuctionName, p.Role, p.Name), nil
}

func (h *Handlers) handleStart(ctx context.Context, userID string) (string, error) {
	st, err := h.seat(userID)
	if err != nil {
		return "", err
	}
	if err := h.engine.StartAuction(ctx, st.auctionID, st.token); err != nil {
		return "", err
	}
	return "Countdown started.", nil
}

func (h *Handlers) handleBid(ctx context.Context, userID string, opts map[string]*discordgo.ApplicationCommandInteractionDataOption) (string, error) {
	st, err := h.seat(userID)
	if err != nil {
		return "", err
	}
	raw := strings.ReplaceAll(stringOption(opts, "amount"), ",", "")
	amount, err := decimal.NewFromString(raw)
	if err != nil {
		return "", fmt.Errorf("amount %q is not a number: %w", raw, auction.ErrInvalidInput)
	}

	snap, err := h.engine.Snapshot(ctx, st.auctionID, st.token)
	if err != nil {
		return "", err
	}
	if snap.CurrentPlayer == nil {
		return "", fmt.Errorf("no player is up for bidding: %w", auction.ErrInvalidState)
	}

	bid, err := h.engine.PlaceBid(ctx, st.auctionID, snap.CurrentPlayer.ID, st.token, amount)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("Bid of **%s** on **%s** accepted.", bid.Amount, snap.CurrentPlayer.Name), nil
}

func (h *Handlers) handleClose(ctx context.Context, userID string) (string, error) {
	st, err := h.seat(userID)
	if err != nil {
		return "", err
	}
	res, err := h.engine.CloseCurrentPlayer(ctx, st.auctionID, st.token)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	switch {
	case res.Player == nil:
	case res.Player.Status == auction.PlayerSold:
		fmt.Fprintf(&b, "**%s** sold for %s. ", res.Player.Name, res.Player.CurrentBid.Decimal)
	default:
		fmt.Fprintf(&b, "**%s** went unsold. ", res.Player.Name)
	}
	if res.NextPlayer != nil {
		fmt.Fprintf(&b, "Next up: **%s**.", res.NextPlayer.Name)
	}
	if res.AuctionCompleted {
		b.WriteString("The auction is complete.")
	}
	return strings.TrimSpace(b.String()), nil
}

func (h *Handlers) handleStatus(ctx context.Context, userID string) (string, error) {
	st, err := h.seat(userID)
	if err != nil {
		return "", err
	}
	snap, err := h.engine.Snapshot(ctx, st.auctionID, st.token)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "**%s** (%s)\n", snap.Name, snap.Status)
	switch {
	case snap.Status == auction.StatusCountdown:
		fmt.Fprintf(&b, "Bidding opens in %d ticks.\n", snap.Countdown)
	case snap.CurrentPlayer != nil:
		p := snap.CurrentPlayer
		fmt.Fprintf(&b, "Up now: **%s** (%s), current bid %s\n", p.Name, p.Position, p.CurrentBid.Decimal)
	}
	for _, s := range snap.Participants {
		if s.ID != st.participantID || s.Role != auction.RoleBidder {
			continue
		}
		fmt.Fprintf(&b, "Your budget: %s available, %d of %d players\n", s.AvailableBudget, s.RosterCount, snap.MaxPlayersPerTeam)
	}
	return strings.TrimSpace(b.String()), nil
}

func (h *Handlers) seat(userID string) (seat, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	st, ok := h.seats[userID]
	if !ok {
		return seat{}, errNotJoined
	}
	return st, nil
}

// Forget drops every seat bound to auctionID.
func (h *Handlers) Forget(auctionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for user, st := range h.seats {
		if st.auctionID == auctionID {
			delete(h.seats, user)
		}
	}
}

func options(data discordgo.ApplicationCommandInteractionData) map[string]*discordgo.ApplicationCommandInteractionDataOption {
	out := make(map[string]*discordgo.ApplicationCommandInteractionDataOption, len(data.Options))
	for _, o := range data.Options {
		out[o.Name] = o
	}
	return out
}

func stringOption(opts map[string]*discordgo.ApplicationCommandInteractionDataOption, name string) string {
	o, ok := opts[name]
	if !ok {
		return ""
	}
	return strings.TrimSpace(o.StringValue())
}

// describe turns an error into a reply. Internal failures are not shown.
func describe(err error) string {
	if errors.Is(err, errNotJoined) {
		return "You have not joined an auction. Use `/auction-join` first."
	}
	switch auction.KindOf(err) {
	case auction.KindNotAuthorized:
		return "You are not allowed to do that."
	case auction.KindInternal:
		return "Something went wrong, please try again."
	default:
		return fmt.Sprintf("Rejected: %s", err)
	}
}

func respond(s *discordgo.Session, i *discordgo.InteractionCreate, msg string) {
	_ = s.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{
			Content: msg,
			Flags:   discordgo.MessageFlagsEphemeral,
		},
	})
}
