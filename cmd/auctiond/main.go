package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/jensholdgaard/player-auction/internal/api"
	"github.com/jensholdgaard/player-auction/internal/auction"
	"github.com/jensholdgaard/player-auction/internal/bot"
	"github.com/jensholdgaard/player-auction/internal/broadcast"
	"github.com/jensholdgaard/player-auction/internal/clock"
	"github.com/jensholdgaard/player-auction/internal/config"
	"github.com/jensholdgaard/player-auction/internal/health"
	"github.com/jensholdgaard/player-auction/internal/leader"
	"github.com/jensholdgaard/player-auction/internal/store"
	"github.com/jensholdgaard/player-auction/internal/telemetry"

	// Register store drivers so they are available via store.Open.
	_ "github.com/jensholdgaard/player-auction/internal/store/memory"
	_ "github.com/jensholdgaard/player-auction/internal/store/postgres"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version)
		os.Exit(0)
	}

	if err := run(*configPath); err != nil {
		slog.Error("fatal error", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(configPath string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// A .env file is optional; it only supplies secret overrides.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("loading .env: %w", err)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if version != "dev" {
		cfg.Telemetry.ServiceVersion = version
	}

	tp, err := telemetry.Setup(ctx, cfg.Telemetry)
	if err != nil {
		slog.Warn("telemetry setup failed, continuing without OTEL export", slog.Any("error", err))
		tp = telemetry.NewNopProvider()
	}
	defer func() {
		if shutdownErr := tp.Shutdown(context.Background()); shutdownErr != nil {
			slog.Error("telemetry shutdown error", slog.Any("error", shutdownErr))
		}
	}()

	logger := tp.Logger
	clk := clock.Real{}

	repos, err := store.Open(ctx, cfg.Database, clk)
	if err != nil {
		return fmt.Errorf("opening store (driver=%s): %w", cfg.Database.Driver, err)
	}
	defer repos.Closer.Close()
	logger.InfoContext(ctx, "connected to store", slog.String("driver", cfg.Database.Driver))

	hub := broadcast.NewHub(cfg.Auction.SubscriberBuffer, logger)
	publishers := broadcast.Multi{hub}

	if cfg.Redis.Enabled {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer client.Close()
		mirror, redisErr := broadcast.NewRedisPublisher(ctx, &broadcast.RedisConfig{
			Client: client,
			Prefix: cfg.Redis.ChannelPrefix,
			Retain: cfg.Redis.Retain,
		})
		if redisErr != nil {
			return fmt.Errorf("redis mirror: %w", redisErr)
		}
		publishers = append(publishers, mirror)
		logger.InfoContext(ctx, "mirroring auction events to redis", slog.String("addr", cfg.Redis.Addr))
	}

	var discordBot *bot.Bot
	if cfg.Discord.Enabled {
		discordBot, err = bot.New(cfg.Discord, logger, tp.TracerProvider)
		if err != nil {
			return fmt.Errorf("creating bot: %w", err)
		}
		publishers = append(publishers, discordBot.Announcer())
	}

	mgr, err := auction.NewManager(cfg.Auction, repos.Auctions, repos.Events, publishers,
		logger, tp.TracerProvider, tp.MeterProvider, clk)
	if err != nil {
		return fmt.Errorf("creating auction manager: %w", err)
	}
	defer mgr.Shutdown()

	healthHandler := health.NewHandler(clk, health.Checker{
		Name:  "store",
		Check: repos.Ping,
	})
	apiServer := api.NewServer(mgr, hub, cfg.Server, logger, tp.TracerProvider, tp.MeterProvider, clk)

	// serve is the work only the leader runs.
	serve := func(ctx context.Context) error {
		ctx, stop := context.WithCancel(ctx)
		defer stop()

		if n, recoverErr := mgr.Recover(ctx); recoverErr != nil {
			logger.ErrorContext(ctx, "auction recovery failed", slog.Any("error", recoverErr))
		} else if n > 0 {
			logger.InfoContext(ctx, "recovered auctions", slog.Int("count", n))
		}

		// The bot starts before the API so a failed start leaves nothing running.
		if discordBot != nil {
			if botErr := discordBot.Start(ctx, mgr); botErr != nil {
				return fmt.Errorf("starting bot: %w", botErr)
			}
		}

		g, ctx := errgroup.WithContext(ctx)
		g.Go(func() error { return apiServer.Run(ctx) })
		if discordBot != nil {
			g.Go(func() error {
				<-ctx.Done()
				return discordBot.Stop()
			})
		}

		healthHandler.SetServing(true)
		defer healthHandler.SetServing(false)
		logger.InfoContext(ctx, "auctiond is serving", slog.String("version", version))
		return g.Wait()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return healthHandler.Serve(gctx, cfg.Server.HealthPort, cfg.Server.ShutdownTimeout, logger)
	})
	g.Go(func() error {
		err := leader.Run(gctx, cfg.LeaderElection, logger, serve)
		// Losing the lease stops the process; the orchestrator restarts it
		// as a standby.
		cancel()
		return err
	})

	err = g.Wait()
	logger.Info("shutdown complete")
	return err
}
