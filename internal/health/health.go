// Package health serves liveness and readiness probes. Readiness follows
// whether this replica is currently driving auctions.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/jensholdgaard/player-auction/internal/clock"
)

// Status represents a health check result.
type Status struct {
	Status    string            `json:"status"`
	Role      string            `json:"role,omitempty"`
	Checks    map[string]string `json:"checks,omitempty"`
	Timestamp string            `json:"timestamp"`
}

// Checker defines a named dependency check.
type Checker struct {
	Name  string
	Check func(ctx context.Context) error
}

// Handler provides HTTP health check endpoints.
type Handler struct {
	serving  atomic.Bool
	checkers []Checker
	clock    clock.Clock
	timeout  time.Duration
}

// NewHandler creates a new health handler with the given checkers.
func NewHandler(clk clock.Clock, checkers ...Checker) *Handler {
	return &Handler{checkers: checkers, clock: clk, timeout: 5 * time.Second}
}

// SetServing marks whether this replica is serving auctions. A replica
// that is not serving reports itself as a standby and not ready.
func (h *Handler) SetServing(serving bool) {
	h.serving.Store(serving)
}

func (h *Handler) role() string {
	if h.serving.Load() {
		return "leader"
	}
	return "standby"
}

func (h *Handler) now() string {
	return h.clock.Now().UTC().Format(time.RFC3339)
}

// LivenessHandler returns HTTP 200 if the process is alive.
func (h *Handler) LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, Status{Status: "ok", Role: h.role(), Timestamp: h.now()})
	}
}

// ReadinessHandler returns HTTP 200 while serving and every check passes.
func (h *Handler) ReadinessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !h.serving.Load() {
			writeJSON(w, http.StatusServiceUnavailable, Status{Status: "not_ready", Role: h.role(), Timestamp: h.now()})
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
		defer cancel()

		checks := make(map[string]string, len(h.checkers))
		code, status := http.StatusOK, "ready"
		for _, c := range h.checkers {
			if err := c.Check(ctx); err != nil {
				checks[c.Name] = err.Error()
				code, status = http.StatusServiceUnavailable, "not_ready"
				continue
			}
			checks[c.Name] = "ok"
		}

		writeJSON(w, code, Status{Status: status, Role: h.role(), Checks: checks, Timestamp: h.now()})
	}
}

// Routes returns a mux with /healthz and /readyz.
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", h.LivenessHandler())
	mux.HandleFunc("GET /readyz", h.ReadinessHandler())
	return mux
}

// Serve runs the probe server on port until ctx is done.
func (h *Handler) Serve(ctx context.Context, port int, shutdownTimeout time.Duration, logger *slog.Logger) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           h.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("health server shutdown error", slog.Any("error", err))
		}
	}()

	logger.InfoContext(ctx, "starting health server", slog.Int("port", port))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("health server: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
