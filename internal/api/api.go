// Package api serves auctions over HTTP and WebSocket.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/cors"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/jensholdgaard/player-auction/internal/auction"
	"github.com/jensholdgaard/player-auction/internal/broadcast"
	"github.com/jensholdgaard/player-auction/internal/clock"
	"github.com/jensholdgaard/player-auction/internal/config"
)

// ParticipantHeader carries the participant token returned by join.
const ParticipantHeader = "X-Participant-Token"

// Engine is the set of auction operations the API exposes.
type Engine interface {
	CreateAuction(ctx context.Context, in auction.CreateInput) (*auction.Snapshot, error)
	RedeemCode(ctx context.Context, code string) (auction.Redemption, error)
	Join(ctx context.Context, code, name string) (*auction.Participant, auction.Redemption, error)
	Leave(ctx context.Context, auctionID, token string) error
	StartAuction(ctx context.Context, auctionID, token string) error
	PlaceBid(ctx context.Context, auctionID, playerID, token string, amount decimal.Decimal) (*auction.Bid, error)
	CloseCurrentPlayer(ctx context.Context, auctionID, token string) (*auction.PlayerResolved, error)
	SendMessage(ctx context.Context, auctionID, token, text string) (*auction.ChatMessage, error)
	ChatHistory(ctx context.Context, auctionID, token string, limit int) ([]auction.ChatMessage, error)
	Snapshot(ctx context.Context, auctionID, viewerToken string) (*auction.Snapshot, error)
	Teardown(ctx context.Context, auctionID, token string) error
}

// Subscriber hands out live event subscriptions per auction.
type Subscriber interface {
	Subscribe(auctionID string) *broadcast.Subscription
}

// Server is the auction HTTP API.
type Server struct {
	engine   Engine
	hub      Subscriber
	cfg      config.ServerConfig
	logger   *slog.Logger
	tp       trace.TracerProvider
	mp       metric.MeterProvider
	clock    clock.Clock
	upgrader websocket.Upgrader
}

// NewServer creates a Server.
func NewServer(engine Engine, hub Subscriber, cfg config.ServerConfig, logger *slog.Logger, tp trace.TracerProvider, mp metric.MeterProvider, clk clock.Clock) *Server {
	s := &Server{
		engine: engine,
		hub:    hub,
		cfg:    cfg,
		logger: logger,
		tp:     tp,
		mp:     mp,
		clock:  clk,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

// Handler returns the routed API with CORS, request ids and tracing.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/auctions", s.createAuction)
	mux.HandleFunc("GET /api/codes/{code}", s.redeemCode)
	mux.HandleFunc("POST /api/join", s.join)
	mux.HandleFunc("GET /api/auctions/{id}", s.snapshot)
	mux.HandleFunc("DELETE /api/auctions/{id}", s.teardown)
	mux.HandleFunc("POST /api/auctions/{id}/start", s.start)
	mux.HandleFunc("POST /api/auctions/{id}/close", s.closePlayer)
	mux.HandleFunc("POST /api/auctions/{id}/leave", s.leave)
	mux.HandleFunc("POST /api/auctions/{id}/bids", s.placeBid)
	mux.HandleFunc("GET /api/auctions/{id}/messages", s.chatHistory)
	mux.HandleFunc("POST /api/auctions/{id}/messages", s.sendMessage)
	mux.HandleFunc("GET /api/auctions/{id}/ws", s.stream)

	c := cors.New(cors.Options{
		AllowedOrigins: s.cfg.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", ParticipantHeader},
	})

	return otelhttp.NewHandler(requestID(s.logger)(c.Handler(mux)), "auction-api",
		otelhttp.WithTracerProvider(s.tp),
		otelhttp.WithMeterProvider(s.mp),
	)
}

// Run serves the API on the configured port until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.cfg.Port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.InfoContext(ctx, "starting api server", slog.Int("port", s.cfg.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("api server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down api server: %w", err)
	}
	return nil
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(s.cfg.AllowedOrigins) == 0 {
		return true
	}
	return slices.Contains(s.cfg.AllowedOrigins, origin) || slices.Contains(s.cfg.AllowedOrigins, "*")
}
