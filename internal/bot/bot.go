package bot

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/bwmarrin/discordgo"
	"go.opentelemetry.io/otel/trace"

	"github.com/jensholdgaard/player-auction/internal/bot/commands"
	"github.com/jensholdgaard/player-auction/internal/config"
)

const announceQueueSize = 256

// Engine is what the bot needs from the auction manager.
type Engine interface {
	commands.Engine
	Namer
}

// Bot wraps the Discord session, command handlers and announcer.
type Bot struct {
	session   *discordgo.Session
	cfg       config.DiscordConfig
	logger    *slog.Logger
	tp        trace.TracerProvider
	announcer *Announcer
	cmds      []*discordgo.ApplicationCommand
}

// New creates a new Bot instance. The connection is opened by Start.
func New(cfg config.DiscordConfig, logger *slog.Logger, tp trace.TracerProvider) (*Bot, error) {
	session, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("creating discord session: %w", err)
	}

	return &Bot{
		session:   session,
		cfg:       cfg,
		logger:    logger,
		tp:        tp,
		announcer: NewAnnouncer(session, cfg.AnnounceChannelID, announceQueueSize, logger),
	}, nil
}

// Announcer returns the publisher that posts to the announce channel. It
// only forwards messages while the bot is started.
func (b *Bot) Announcer() *Announcer {
	return b.announcer
}

// Start opens the Discord connection, registers slash commands and starts
// announcing.
func (b *Bot) Start(ctx context.Context, engine Engine) error {
	handlers := commands.NewHandlers(engine, b.logger, b.tp)
	b.announcer.onDeleted = handlers.Forget

	b.session.AddHandler(func(s *discordgo.Session, r *discordgo.Ready) {
		b.logger.InfoContext(ctx, "bot is ready", slog.String("user", s.State.User.Username))
	})
	b.session.AddHandler(handlers.InteractionCreate)

	if err := b.session.Open(); err != nil {
		return fmt.Errorf("opening discord session: %w", err)
	}

	registered, err := b.session.ApplicationCommandBulkOverwrite(b.session.State.User.ID, b.cfg.GuildID, commands.SlashCommands())
	if err != nil {
		_ = b.session.Close()
		return fmt.Errorf("registering slash commands: %w", err)
	}
	b.cmds = registered
	b.logger.InfoContext(ctx, "slash commands registered", slog.Int("count", len(registered)))

	go b.announcer.Run(ctx, engine)
	return nil
}

// Stop removes the registered commands and closes the Discord connection.
func (b *Bot) Stop() error {
	for _, cmd := range b.cmds {
		if err := b.session.ApplicationCommandDelete(b.session.State.User.ID, b.cfg.GuildID, cmd.ID); err != nil {
			b.logger.Error("failed to delete command", slog.String("command", cmd.Name), slog.Any("error", err))
		}
	}
	return b.session.Close()
}
