package auction_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/jensholdgaard/player-auction/internal/auction"
	"github.com/jensholdgaard/player-auction/internal/broadcast"
	"github.com/jensholdgaard/player-auction/internal/config"
)

func expectTick(t *testing.T, rec *recorder, want int) {
	t.Helper()
	msg := rec.waitFor(t, broadcast.CountdownTick)
	got, ok := msg.Data.(auction.CountdownTick)
	if !ok {
		t.Fatalf("countdown_tick data = %T", msg.Data)
	}
	if got.Remaining != want {
		t.Fatalf("countdown_tick remaining = %d, want %d", got.Remaining, want)
	}
}

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before deadline")
		}
		time.Sleep(time.Millisecond)
	}
}

func countdown(t *testing.T, m *auction.Manager, auctionID string) (auction.Status, int) {
	t.Helper()
	snap, err := m.Snapshot(context.Background(), auctionID, "")
	if err != nil {
		t.Fatalf("Snapshot() error = %v", err)
	}
	return snap.Status, snap.Countdown
}

func TestCountdown_TicksThenActivates(t *testing.T) {
	clk := newManualClock()
	f := newFixture(t, clk)
	ctx := context.Background()
	l := f.lobby(t, 100_000, 2, players(1000, 2000), "x")

	if err := f.mgr.StartAuction(ctx, l.snap.ID, l.admin.Token); err != nil {
		t.Fatalf("StartAuction() error = %v", err)
	}
	started := f.rec.waitFor(t, broadcast.CountdownStarted)
	if d := started.Data.(auction.CountdownTick); d.Remaining != 3 {
		t.Errorf("countdown_started remaining = %d, want 3", d.Remaining)
	}
	if status, left := countdown(t, f.mgr, l.snap.ID); status != auction.StatusCountdown || left != 3 {
		t.Fatalf("after start = %s/%d, want countdown/3", status, left)
	}

	clk.tick(t)
	expectTick(t, f.rec, 2)

	// A second start is rejected and leaves the countdown where it was.
	if err := f.mgr.StartAuction(ctx, l.snap.ID, l.admin.Token); !errors.Is(err, auction.ErrInvalidState) {
		t.Fatalf("second StartAuction() error = %v, want ErrInvalidState", err)
	}
	if _, left := countdown(t, f.mgr, l.snap.ID); left != 2 {
		t.Errorf("countdown after second start = %d, want 2", left)
	}

	clk.tick(t)
	expectTick(t, f.rec, 1)
	clk.tick(t)
	expectTick(t, f.rec, 0)

	expired := f.rec.waitFor(t, broadcast.CountdownExpired)
	current := expired.Data.(auction.CountdownExpired).CurrentPlayer
	if current == nil || current.Sequence != 1 || current.Status != auction.PlayerBidding {
		t.Fatalf("countdown_expired current = %+v, want first player bidding", current)
	}

	snap, err := f.mgr.Snapshot(ctx, l.snap.ID, "")
	if err != nil {
		t.Fatalf("Snapshot() error = %v", err)
	}
	if snap.Status != auction.StatusActive || snap.StartedAt == nil || !snap.StartedAt.Equal(testNow) {
		t.Errorf("after expiry status = %s, started_at = %v", snap.Status, snap.StartedAt)
	}
	if len(f.rec.ofType(broadcast.CountdownStarted)) != 1 {
		t.Errorf("countdown_started published more than once")
	}
}

func TestCountdown_ActivationRetriedAfterPersistFailure(t *testing.T) {
	clk := newManualClock()
	f := newFixture(t, clk)
	ctx := context.Background()
	l := f.lobby(t, 100_000, 2, players(1000), "x")

	if err := f.mgr.StartAuction(ctx, l.snap.ID, l.admin.Token); err != nil {
		t.Fatalf("StartAuction() error = %v", err)
	}
	clk.tick(t)
	expectTick(t, f.rec, 2)
	clk.tick(t)
	expectTick(t, f.rec, 1)

	attempts := f.events.appends.Load()
	f.events.failing.Store(true)
	clk.tick(t)
	expectTick(t, f.rec, 0)
	waitUntil(t, func() bool { return f.events.appends.Load() > attempts })

	if status, left := countdown(t, f.mgr, l.snap.ID); status != auction.StatusCountdown || left != 0 {
		t.Fatalf("after failed activation = %s/%d, want countdown/0", status, left)
	}

	f.events.failing.Store(false)
	clk.tick(t)
	f.rec.waitFor(t, broadcast.CountdownExpired)

	if status, _ := countdown(t, f.mgr, l.snap.ID); status != auction.StatusActive {
		t.Errorf("status after retry = %s, want active", status)
	}
	zeros := 0
	for _, msg := range f.rec.ofType(broadcast.CountdownTick) {
		if msg.Data.(auction.CountdownTick).Remaining == 0 {
			zeros++
		}
	}
	if zeros != 1 {
		t.Errorf("countdown_tick 0 published %d times, want 1", zeros)
	}
}

func TestCountdown_ShutdownStopsTimers(t *testing.T) {
	clk := newManualClock()
	f := newFixture(t, clk)
	ctx := context.Background()
	l := f.lobby(t, 100_000, 2, players(1000), "x")

	if err := f.mgr.StartAuction(ctx, l.snap.ID, l.admin.Token); err != nil {
		t.Fatalf("StartAuction() error = %v", err)
	}

	done := make(chan struct{})
	go func() {
		f.mgr.Shutdown()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Shutdown() did not return")
	}

	select {
	case clk.ticks <- testNow:
		t.Fatal("countdown still running after Shutdown()")
	case <-time.After(20 * time.Millisecond):
	}

	if status, _ := countdown(t, f.mgr, l.snap.ID); status != auction.StatusCountdown {
		t.Errorf("status after shutdown = %s, want countdown", status)
	}
}

func TestCountdown_ResumesAfterRecover(t *testing.T) {
	cfg := config.DefaultAuction()
	cfg.CountdownTicks = 3
	cfg.TickInterval = time.Second
	f := newFixtureWithConfig(t, newManualClock(), cfg)
	ctx := context.Background()
	l := f.lobby(t, 100_000, 2, players(1000), "x")

	if err := f.mgr.StartAuction(ctx, l.snap.ID, l.admin.Token); err != nil {
		t.Fatalf("StartAuction() error = %v", err)
	}
	f.mgr.Shutdown()

	// One and a half intervals later a new leader takes over.
	clk := newManualClock()
	clk.now = testNow.Add(1500 * time.Millisecond)
	rec := newRecorder()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	restarted, err := auction.NewManager(cfg, f.db, f.db, rec, logger, noop.NewTracerProvider(), metricnoop.NewMeterProvider(), clk)
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	t.Cleanup(restarted.Shutdown)

	if _, err := restarted.Recover(ctx); err != nil {
		t.Fatalf("Recover() error = %v", err)
	}
	if status, left := countdown(t, restarted, l.snap.ID); status != auction.StatusCountdown || left != 2 {
		t.Fatalf("recovered countdown = %s/%d, want countdown/2", status, left)
	}

	clk.tick(t)
	expectTick(t, rec, 1)
	clk.tick(t)
	expectTick(t, rec, 0)
	rec.waitFor(t, broadcast.CountdownExpired)

	if status, _ := countdown(t, restarted, l.snap.ID); status != auction.StatusActive {
		t.Errorf("status = %s, want active", status)
	}
}
