package bot

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"

	"github.com/bwmarrin/discordgo"

	"github.com/jensholdgaard/player-auction/internal/auction"
	"github.com/jensholdgaard/player-auction/internal/broadcast"
)

// MessageSender posts a message to a Discord channel.
type MessageSender interface {
	ChannelMessageSend(channelID, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// Namer resolves participant ids to display names.
type Namer interface {
	Participant(ctx context.Context, auctionID, participantID string) (*auction.Participant, error)
}

// Announcer is a broadcast.Publisher that posts auction milestones to a
// Discord channel. Messages are queued and sent from Run; when the queue is
// full or Run is not active they are dropped.
type Announcer struct {
	sender    MessageSender
	channelID string
	logger    *slog.Logger
	queue     chan broadcast.Message
	running   atomic.Bool
	onDeleted func(auctionID string)
}

// NewAnnouncer creates an Announcer with a queue of size messages.
func NewAnnouncer(sender MessageSender, channelID string, size int, logger *slog.Logger) *Announcer {
	if size < 1 {
		size = 1
	}
	return &Announcer{
		sender:    sender,
		channelID: channelID,
		logger:    logger,
		queue:     make(chan broadcast.Message, size),
	}
}

// Publish queues msg without blocking.
func (a *Announcer) Publish(ctx context.Context, msg broadcast.Message) error {
	if !a.running.Load() {
		return nil
	}
	switch msg.Type {
	case broadcast.CountdownStarted, broadcast.CountdownExpired, broadcast.BidAccepted,
		broadcast.PlayerResolved, broadcast.AuctionDeleted:
	default:
		return nil
	}
	select {
	case a.queue <- msg:
	default:
		a.logger.WarnContext(ctx, "announcement queue full, dropping message",
			slog.String("auction_id", msg.AuctionID),
			slog.String("type", string(msg.Type)),
		)
	}
	return nil
}

// Run sends queued announcements until ctx is done.
func (a *Announcer) Run(ctx context.Context, names Namer) {
	a.running.Store(true)
	defer a.running.Store(false)

	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-a.queue:
			if msg.Type == broadcast.AuctionDeleted && a.onDeleted != nil {
				a.onDeleted(msg.AuctionID)
			}
			text := a.format(ctx, names, msg)
			if text == "" || a.channelID == "" {
				continue
			}
			if _, err := a.sender.ChannelMessageSend(a.channelID, text); err != nil {
				a.logger.ErrorContext(ctx, "failed to post announcement",
					slog.String("auction_id", msg.AuctionID),
					slog.Any("error", err),
				)
			}
		}
	}
}

func (a *Announcer) format(ctx context.Context, names Namer, msg broadcast.Message) string {
	name := func(participantID string) string {
		p, err := names.Participant(ctx, msg.AuctionID, participantID)
		if err != nil {
			return "someone"
		}
		return p.Name
	}

	switch d := msg.Data.(type) {
	case auction.CountdownTick:
		if msg.Type != broadcast.CountdownStarted {
			return ""
		}
		return fmt.Sprintf("Countdown started, bidding opens in %d ticks.", d.Remaining)
	case auction.CountdownExpired:
		if d.CurrentPlayer == nil {
			return "Bidding is open, but there are no players to auction."
		}
		return fmt.Sprintf("Bidding is open! First up: **%s** (%s), starting at %s.",
			d.CurrentPlayer.Name, d.CurrentPlayer.Position, d.CurrentPlayer.StartingBid)
	case auction.BidAccepted:
		return fmt.Sprintf("**%s** bids %s on **%s**.", name(d.Bid.ParticipantID), d.Bid.Amount, d.Player.Name)
	case auction.PlayerResolved:
		var b strings.Builder
		switch {
		case d.Player == nil:
		case d.Player.Status == auction.PlayerSold:
			fmt.Fprintf(&b, "**%s** sold to **%s** for %s. ", d.Player.Name, name(d.Player.SoldTo), d.Player.CurrentBid.Decimal)
		default:
			fmt.Fprintf(&b, "**%s** went unsold. ", d.Player.Name)
		}
		if d.NextPlayer != nil {
			fmt.Fprintf(&b, "Next up: **%s**, starting at %s.", d.NextPlayer.Name, d.NextPlayer.StartingBid)
		}
		if d.AuctionCompleted {
			b.WriteString("The auction is complete.")
		}
		return strings.TrimSpace(b.String())
	default:
		return ""
	}
}
