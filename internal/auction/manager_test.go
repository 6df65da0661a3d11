package auction_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/jensholdgaard/player-auction/internal/auction"
	"github.com/jensholdgaard/player-auction/internal/broadcast"
	"github.com/jensholdgaard/player-auction/internal/clock"
	"github.com/jensholdgaard/player-auction/internal/config"
	"github.com/jensholdgaard/player-auction/internal/event"
	"github.com/jensholdgaard/player-auction/internal/store"
	"github.com/jensholdgaard/player-auction/internal/store/memory"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// --- mock helpers ---

// recorder is a broadcast.Publisher that keeps every message.
type recorder struct {
	mu   sync.Mutex
	msgs []broadcast.Message
	ch   chan broadcast.Message
}

func newRecorder() *recorder {
	return &recorder{ch: make(chan broadcast.Message, 1024)}
}

func (r *recorder) Publish(_ context.Context, msg broadcast.Message) error {
	r.mu.Lock()
	r.msgs = append(r.msgs, msg)
	r.mu.Unlock()
	select {
	case r.ch <- msg:
	default:
	}
	return nil
}

func (r *recorder) ofType(t broadcast.Type) []broadcast.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []broadcast.Message
	for _, m := range r.msgs {
		if m.Type == t {
			out = append(out, m)
		}
	}
	return out
}

// waitFor blocks until a message of type t has been published.
func (r *recorder) waitFor(t *testing.T, typ broadcast.Type) broadcast.Message {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case msg := <-r.ch:
			if msg.Type == typ {
				return msg
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s", typ)
			return broadcast.Message{}
		}
	}
}

// flakyEvents wraps an event.Store and fails appends while failing is set.
type flakyEvents struct {
	event.Store
	failing atomic.Bool
	appends atomic.Int32
}

func (f *flakyEvents) Append(ctx context.Context, events ...event.Event) error {
	f.appends.Add(1)
	if f.failing.Load() {
		return errors.New("db write error")
	}
	return f.Store.Append(ctx, events...)
}

// manualClock hands out one shared timer channel so tests decide when each
// countdown tick happens.
type manualClock struct {
	now   time.Time
	ticks chan time.Time
}

func newManualClock() *manualClock {
	return &manualClock{now: testNow, ticks: make(chan time.Time)}
}

func (c *manualClock) Now() time.Time { return c.now }

func (c *manualClock) After(time.Duration) <-chan time.Time { return c.ticks }

// tick releases one countdown tick and waits until it has been taken.
func (c *manualClock) tick(t *testing.T) {
	t.Helper()
	select {
	case c.ticks <- c.now:
	case <-time.After(5 * time.Second):
		t.Fatal("no countdown waiting for a tick")
	}
}

type fixture struct {
	mgr    *auction.Manager
	db     *memory.DB
	events *flakyEvents
	rec    *recorder
	cfg    config.AuctionConfig
	clk    clock.Clock
}

func newFixture(t *testing.T, clk clock.Clock) *fixture {
	t.Helper()
	cfg := config.DefaultAuction()
	cfg.CountdownTicks = 3
	cfg.TickInterval = time.Millisecond
	return newFixtureWithConfig(t, clk, cfg)
}

func newFixtureWithConfig(t *testing.T, clk clock.Clock, cfg config.AuctionConfig) *fixture {
	t.Helper()
	db := memory.New(clk)
	events := &flakyEvents{Store: db}
	rec := newRecorder()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	mgr, err := auction.NewManager(cfg, db, events, rec, logger, noop.NewTracerProvider(), metricnoop.NewMeterProvider(), clk)
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	t.Cleanup(mgr.Shutdown)
	return &fixture{mgr: mgr, db: db, events: events, rec: rec, cfg: cfg, clk: clk}
}

func money(v int64) decimal.Decimal { return decimal.NewFromInt(v) }

func players(bids ...int64) []auction.PlayerInput {
	out := make([]auction.PlayerInput, 0, len(bids))
	for i, b := range bids {
		out = append(out, auction.PlayerInput{
			Name:        fmt.Sprintf("Player %c", 'A'+i),
			Position:    "FW",
			Rating:      80,
			StartingBid: money(b),
		})
	}
	return out
}

// lobby is a created auction with an admin and the named bidders joined.
type lobby struct {
	snap    *auction.Snapshot
	admin   *auction.Participant
	bidders map[string]*auction.Participant
}

func (f *fixture) lobby(t *testing.T, budget int64, maxPlayers int, ps []auction.PlayerInput, bidders ...string) lobby {
	t.Helper()
	ctx := context.Background()
	snap, err := f.mgr.CreateAuction(ctx, auction.CreateInput{
		Name:              "Test draft",
		Sport:             "football",
		BudgetPerTeam:     money(budget),
		MaxPlayersPerTeam: maxPlayers,
		Players:           ps,
	})
	if err != nil {
		t.Fatalf("CreateAuction() error = %v", err)
	}
	admin, _, err := f.mgr.Join(ctx, snap.Codes.Admin, "")
	if err != nil {
		t.Fatalf("Join(admin) error = %v", err)
	}
	l := lobby{snap: snap, admin: admin, bidders: make(map[string]*auction.Participant)}
	for _, name := range bidders {
		p, _, err := f.mgr.Join(ctx, snap.Codes.Bidder, name)
		if err != nil {
			t.Fatalf("Join(%s) error = %v", name, err)
		}
		l.bidders[name] = p
	}
	return l
}

// active starts the lobby and waits for the countdown to expire. It needs a
// clock whose timers fire on their own.
func (f *fixture) active(t *testing.T, l lobby) *auction.Snapshot {
	t.Helper()
	ctx := context.Background()
	if err := f.mgr.StartAuction(ctx, l.snap.ID, l.admin.Token); err != nil {
		t.Fatalf("StartAuction() error = %v", err)
	}
	f.rec.waitFor(t, broadcast.CountdownExpired)
	snap, err := f.mgr.Snapshot(ctx, l.snap.ID, "")
	if err != nil {
		t.Fatalf("Snapshot() error = %v", err)
	}
	if snap.Status != auction.StatusActive {
		t.Fatalf("status after countdown = %s, want %s", snap.Status, auction.StatusActive)
	}
	return snap
}

// --- tests ---

func TestManager_CreateAuction(t *testing.T) {
	f := newFixture(t, clock.Mock{T: testNow})

	snap, err := f.mgr.CreateAuction(context.Background(), auction.CreateInput{
		Sport:             "football",
		BudgetPerTeam:     money(2_000_000),
		MaxPlayersPerTeam: 4,
		Players:           players(500_000, 450_000),
	})
	if err != nil {
		t.Fatalf("CreateAuction() error = %v", err)
	}
	if snap.Status != auction.StatusLobby {
		t.Errorf("Status = %s, want %s", snap.Status, auction.StatusLobby)
	}
	if snap.Name != "football auction" {
		t.Errorf("Name = %q, want default name", snap.Name)
	}
	if snap.Codes == nil {
		t.Fatal("expected codes in creator snapshot")
	}
	codes := map[string]bool{snap.Codes.Admin: true, snap.Codes.Bidder: true, snap.Codes.Visitor: true}
	if len(codes) != 3 {
		t.Errorf("codes not distinct: %+v", snap.Codes)
	}
	for code := range codes {
		if len(code) != f.cfg.CodeLength {
			t.Errorf("code %q has length %d, want %d", code, len(code), f.cfg.CodeLength)
		}
		for _, r := range code {
			if !('A' <= r && r <= 'Z' || '0' <= r && r <= '9') {
				t.Errorf("code %q contains %q", code, r)
			}
		}
	}
	if len(snap.Players) != 2 || snap.Players[0].Sequence != 1 || snap.Players[1].Sequence != 2 {
		t.Errorf("players not in load order: %+v", snap.Players)
	}
	if snap.Players[0].Status != auction.PlayerAvailable || snap.Players[0].CurrentBid.Valid {
		t.Errorf("player[0] = %+v, want available without current bid", snap.Players[0])
	}

	if exists, _ := f.db.CodeExists(context.Background(), snap.Codes.Bidder); !exists {
		t.Error("bidder code not persisted")
	}
}

func TestManager_CreateAuction_Validation(t *testing.T) {
	tests := []struct {
		name string
		in   auction.CreateInput
	}{
		{
			name: "missing sport",
			in:   auction.CreateInput{BudgetPerTeam: money(50_000), MaxPlayersPerTeam: 1},
		},
		{
			name: "budget below minimum",
			in:   auction.CreateInput{Sport: "football", BudgetPerTeam: money(49_999), MaxPlayersPerTeam: 1},
		},
		{
			name: "zero max players",
			in:   auction.CreateInput{Sport: "football", BudgetPerTeam: money(50_000)},
		},
		{
			name: "too many max players",
			in:   auction.CreateInput{Sport: "football", BudgetPerTeam: money(50_000), MaxPlayersPerTeam: 51},
		},
		{
			name: "player without name",
			in: auction.CreateInput{Sport: "football", BudgetPerTeam: money(50_000), MaxPlayersPerTeam: 1,
				Players: []auction.PlayerInput{{Position: "GK", StartingBid: money(10)}}},
		},
		{
			name: "player with zero starting bid",
			in: auction.CreateInput{Sport: "football", BudgetPerTeam: money(50_000), MaxPlayersPerTeam: 1,
				Players: []auction.PlayerInput{{Name: "A", Position: "GK"}}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, clock.Mock{T: testNow})
			_, err := f.mgr.CreateAuction(context.Background(), tt.in)
			if !errors.Is(err, auction.ErrInvalidInput) {
				t.Fatalf("CreateAuction() error = %v, want ErrInvalidInput", err)
			}
			if auction.KindOf(err) != auction.KindValidation {
				t.Errorf("KindOf = %s, want %s", auction.KindOf(err), auction.KindValidation)
			}
		})
	}
}

// conflictingRepo reports a code conflict for the first conflicts creates.
type conflictingRepo struct {
	*memory.DB
	conflicts int
	creates   int
	err       error
}

func (r *conflictingRepo) Create(ctx context.Context, a *store.Auction, initial ...event.Event) error {
	r.creates++
	if r.err != nil {
		return r.err
	}
	if r.creates <= r.conflicts {
		return store.ErrCodeConflict
	}
	return r.DB.Create(ctx, a, initial...)
}

func TestManager_CreateAuction_Persistence(t *testing.T) {
	tests := []struct {
		name        string
		repo        func(db *memory.DB) *conflictingRepo
		wantErr     error
		wantCreates int
	}{
		{
			name:        "retries after code conflict",
			repo:        func(db *memory.DB) *conflictingRepo { return &conflictingRepo{DB: db, conflicts: 2} },
			wantCreates: 3,
		},
		{
			name:        "store failure is internal",
			repo:        func(db *memory.DB) *conflictingRepo { return &conflictingRepo{DB: db, err: errors.New("db down")} },
			wantErr:     auction.ErrInternal,
			wantCreates: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clk := clock.Mock{T: testNow}
			db := memory.New(clk)
			repo := tt.repo(db)
			logger := slog.New(slog.NewTextHandler(io.Discard, nil))
			mgr, err := auction.NewManager(config.DefaultAuction(), repo, db, newRecorder(), logger, noop.NewTracerProvider(), metricnoop.NewMeterProvider(), clk)
			if err != nil {
				t.Fatalf("NewManager() error = %v", err)
			}
			defer mgr.Shutdown()

			snap, err := mgr.CreateAuction(context.Background(), auction.CreateInput{
				Sport:             "cricket",
				BudgetPerTeam:     money(50_000),
				MaxPlayersPerTeam: 11,
				Players:           players(100),
			})
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("CreateAuction() error = %v, want %v", err, tt.wantErr)
			}
			if repo.creates != tt.wantCreates {
				t.Errorf("Create called %d times, want %d", repo.creates, tt.wantCreates)
			}
			if tt.wantErr != nil {
				return
			}
			if _, err := mgr.Snapshot(context.Background(), snap.ID, ""); err != nil {
				t.Errorf("Snapshot() error = %v", err)
			}
		})
	}
}

func TestManager_RedeemCode(t *testing.T) {
	f := newFixture(t, clock.Mock{T: testNow})
	ctx := context.Background()
	l := f.lobby(t, 100_000, 2, players(1000), "x")

	red, err := f.mgr.RedeemCode(ctx, " "+l.snap.Codes.Visitor+" ")
	if err != nil {
		t.Fatalf("RedeemCode() error = %v", err)
	}
	if red.Role != auction.RoleVisitor || red.AuctionID != l.snap.ID {
		t.Errorf("RedeemCode() = %+v", red)
	}

	if _, err := f.mgr.RedeemCode(ctx, "NOPE1234"); !errors.Is(err, auction.ErrInvalidCode) {
		t.Errorf("RedeemCode(unknown) error = %v, want ErrInvalidCode", err)
	}

	f.active(t, l)

	if _, err := f.mgr.RedeemCode(ctx, l.snap.Codes.Bidder); !errors.Is(err, auction.ErrRoleClosed) {
		t.Errorf("RedeemCode(bidder) after start error = %v, want ErrRoleClosed", err)
	}
	if _, err := f.mgr.RedeemCode(ctx, l.snap.Codes.Visitor); err != nil {
		t.Errorf("RedeemCode(visitor) after start error = %v", err)
	}
}

func TestManager_Join(t *testing.T) {
	f := newFixture(t, clock.Mock{T: testNow})
	ctx := context.Background()
	l := f.lobby(t, 100_000, 2, players(1000), "x")

	again, _, err := f.mgr.Join(ctx, l.snap.Codes.Admin, "someone else")
	if err != nil {
		t.Fatalf("Join(admin) error = %v", err)
	}
	if again.ID != l.admin.ID || again.Token != l.admin.Token {
		t.Errorf("second admin redemption created %s, want re-attach to %s", again.ID, l.admin.ID)
	}
	if l.admin.Token == "" || l.admin.Token == l.admin.ID {
		t.Errorf("admin token %q must be set and differ from the public id", l.admin.Token)
	}

	x, _, err := f.mgr.Join(ctx, l.snap.Codes.Bidder, "x")
	if err != nil {
		t.Fatalf("Join(x) error = %v", err)
	}
	if x.ID != l.bidders["x"].ID {
		t.Errorf("rejoin by name created %s, want %s", x.ID, l.bidders["x"].ID)
	}

	if _, _, err := f.mgr.Join(ctx, l.snap.Codes.Bidder, "  "); !errors.Is(err, auction.ErrInvalidInput) {
		t.Errorf("Join without name error = %v, want ErrInvalidInput", err)
	}

	snap, _ := f.mgr.Snapshot(ctx, l.snap.ID, "")
	if len(snap.Participants) != 2 {
		t.Errorf("participants = %d, want 2", len(snap.Participants))
	}
	if got := len(f.rec.ofType(broadcast.ParticipantJoined)); got != 2 {
		t.Errorf("participant_joined messages = %d, want 2", got)
	}

	f.active(t, l)

	if _, _, err := f.mgr.Join(ctx, l.snap.Codes.Bidder, "latecomer"); !errors.Is(err, auction.ErrRoleClosed) {
		t.Errorf("new bidder after start error = %v, want ErrRoleClosed", err)
	}
	if _, _, err := f.mgr.Join(ctx, l.snap.Codes.Visitor, "watcher"); err != nil {
		t.Errorf("visitor after start error = %v", err)
	}
}

func TestManager_LeaveAndRejoin(t *testing.T) {
	f := newFixture(t, clock.Mock{T: testNow})
	ctx := context.Background()
	l := f.lobby(t, 100_000, 2, players(1000), "x")
	x := l.bidders["x"]

	if err := f.mgr.Leave(ctx, l.snap.ID, x.Token); err != nil {
		t.Fatalf("Leave() error = %v", err)
	}
	p, err := f.mgr.Participant(ctx, l.snap.ID, x.ID)
	if err != nil {
		t.Fatalf("Participant() error = %v", err)
	}
	if p.Active {
		t.Error("participant still active after Leave")
	}
	if p.Token != "" {
		t.Error("Participant() exposed the token")
	}
	if got := len(f.rec.ofType(broadcast.ParticipantLeft)); got != 1 {
		t.Errorf("participant_left messages = %d, want 1", got)
	}

	// While the lobby is open a bidder re-attaches by name.
	back, _, err := f.mgr.Join(ctx, l.snap.Codes.Bidder, "x")
	if err != nil {
		t.Fatalf("Join() after Leave error = %v", err)
	}
	if back.ID != x.ID || back.Token != x.Token || !back.Active {
		t.Errorf("rejoin = %+v, want active %s", back, x.ID)
	}

	if err := f.mgr.Leave(ctx, l.snap.ID, "stranger"); !errors.Is(err, auction.ErrNotAuthorized) {
		t.Errorf("Leave(stranger) error = %v, want ErrNotAuthorized", err)
	}
}

func TestManager_BidderCodeClosedAfterLobby(t *testing.T) {
	f := newFixture(t, clock.Mock{T: testNow})
	ctx := context.Background()
	l := f.lobby(t, 100_000, 2, players(1000), "x")
	x := l.bidders["x"]
	snap := f.active(t, l)

	// Knowing an existing bidder's name is not enough to take the seat.
	if _, _, err := f.mgr.Join(ctx, l.snap.Codes.Bidder, "x"); !errors.Is(err, auction.ErrRoleClosed) {
		t.Fatalf("Join(existing bidder) after start error = %v, want ErrRoleClosed", err)
	}
	if err := f.mgr.Leave(ctx, l.snap.ID, x.Token); err != nil {
		t.Fatalf("Leave() error = %v", err)
	}
	if _, _, err := f.mgr.Join(ctx, l.snap.Codes.Bidder, "x"); !errors.Is(err, auction.ErrRoleClosed) {
		t.Errorf("Join(departed bidder) after start error = %v, want ErrRoleClosed", err)
	}

	// The original holder reconnects with the token it already has.
	if _, err := f.mgr.PlaceBid(ctx, l.snap.ID, snap.CurrentPlayer.ID, x.Token, money(2000)); err != nil {
		t.Errorf("PlaceBid() with kept token error = %v", err)
	}
}

func TestManager_PublicIDsGrantNothing(t *testing.T) {
	f := newFixture(t, clock.Mock{T: testNow})
	ctx := context.Background()
	l := f.lobby(t, 100_000, 2, players(1000), "x")
	visitor, _, err := f.mgr.Join(ctx, l.snap.Codes.Visitor, "v")
	if err != nil {
		t.Fatalf("Join(visitor) error = %v", err)
	}
	f.active(t, l)

	snap, err := f.mgr.Snapshot(ctx, l.snap.ID, visitor.Token)
	if err != nil {
		t.Fatalf("Snapshot() error = %v", err)
	}
	var adminID string
	for _, p := range snap.Participants {
		if p.Token != "" {
			t.Errorf("snapshot exposes token of %s", p.Name)
		}
		if p.Role == auction.RoleAdmin {
			adminID = p.ID
		}
	}
	if adminID != l.admin.ID {
		t.Fatalf("admin id in snapshot = %q, want %q", adminID, l.admin.ID)
	}

	if _, err := f.mgr.CloseCurrentPlayer(ctx, l.snap.ID, adminID); !errors.Is(err, auction.ErrNotAuthorized) {
		t.Errorf("CloseCurrentPlayer(admin id) error = %v, want ErrNotAuthorized", err)
	}
	if err := f.mgr.Teardown(ctx, l.snap.ID, adminID); !errors.Is(err, auction.ErrNotAuthorized) {
		t.Errorf("Teardown(admin id) error = %v, want ErrNotAuthorized", err)
	}
	if _, err := f.mgr.PlaceBid(ctx, l.snap.ID, snap.CurrentPlayer.ID, l.bidders["x"].ID, money(2000)); !errors.Is(err, auction.ErrNotAuthorized) {
		t.Errorf("PlaceBid(bidder id) error = %v, want ErrNotAuthorized", err)
	}
	asAdmin, err := f.mgr.Snapshot(ctx, l.snap.ID, adminID)
	if err != nil {
		t.Fatalf("Snapshot() error = %v", err)
	}
	if asAdmin.Codes != nil {
		t.Error("admin id unlocked the codes")
	}

	for _, msg := range f.rec.ofType(broadcast.ParticipantJoined) {
		if p := msg.Data.(auction.ParticipantChanged).Participant; p.Token != "" {
			t.Errorf("participant_joined for %s carries a token", p.Name)
		}
	}
}

func TestManager_StartAuction_Authorization(t *testing.T) {
	f := newFixture(t, newManualClock())
	ctx := context.Background()
	l := f.lobby(t, 100_000, 2, players(1000), "x")

	if err := f.mgr.StartAuction(ctx, l.snap.ID, l.bidders["x"].Token); !errors.Is(err, auction.ErrNotAuthorized) {
		t.Errorf("StartAuction(bidder) error = %v, want ErrNotAuthorized", err)
	}
	if err := f.mgr.StartAuction(ctx, l.snap.ID, ""); !errors.Is(err, auction.ErrNotAuthorized) {
		t.Errorf("StartAuction(no identity) error = %v, want ErrNotAuthorized", err)
	}
	if err := f.mgr.StartAuction(ctx, "missing", l.admin.Token); !errors.Is(err, auction.ErrAuctionNotFound) {
		t.Errorf("StartAuction(missing) error = %v, want ErrAuctionNotFound", err)
	}
}

func TestManager_ClosePlayer(t *testing.T) {
	f := newFixture(t, clock.Mock{T: testNow})
	ctx := context.Background()
	l := f.lobby(t, 100_000, 2, players(1000, 2000), "x")
	snap := f.active(t, l)
	first := snap.CurrentPlayer.ID

	if _, err := f.mgr.PlaceBid(ctx, l.snap.ID, first, l.bidders["x"].Token, money(1500)); err != nil {
		t.Fatalf("PlaceBid() error = %v", err)
	}
	if _, err := f.mgr.CloseCurrentPlayer(ctx, l.snap.ID, l.bidders["x"].Token); !errors.Is(err, auction.ErrNotAuthorized) {
		t.Errorf("CloseCurrentPlayer(bidder) error = %v, want ErrNotAuthorized", err)
	}

	res, err := f.mgr.CloseCurrentPlayer(ctx, l.snap.ID, l.admin.Token)
	if err != nil {
		t.Fatalf("CloseCurrentPlayer() error = %v", err)
	}
	if res.Player.Status != auction.PlayerSold || res.Player.SoldTo != l.bidders["x"].ID {
		t.Errorf("resolved = %+v, want sold to x", res.Player)
	}
	if res.NextPlayer == nil || res.NextPlayer.Status != auction.PlayerBidding {
		t.Fatalf("next player = %+v, want bidding", res.NextPlayer)
	}
	if !res.NextPlayer.CurrentBid.Decimal.Equal(money(2000)) {
		t.Errorf("next current bid = %s, want its starting bid 2000", res.NextPlayer.CurrentBid.Decimal)
	}
	if res.AuctionCompleted {
		t.Error("auction completed with a player left")
	}

	// No bids: unsold, and the auction completes.
	res, err = f.mgr.CloseCurrentPlayer(ctx, l.snap.ID, l.admin.Token)
	if err != nil {
		t.Fatalf("CloseCurrentPlayer() error = %v", err)
	}
	if res.Player.Status != auction.PlayerUnsold || res.Player.SoldTo != "" {
		t.Errorf("resolved = %+v, want unsold without owner", res.Player)
	}
	if !res.AuctionCompleted || res.NextPlayer != nil {
		t.Errorf("result = %+v, want completed", res)
	}

	final, _ := f.mgr.Snapshot(ctx, l.snap.ID, "")
	if final.Status != auction.StatusCompleted || final.CurrentPlayer != nil || final.EndedAt == nil {
		t.Errorf("final = status %s current %v ended %v", final.Status, final.CurrentPlayer, final.EndedAt)
	}

	// Completed is terminal.
	if _, err := f.mgr.CloseCurrentPlayer(ctx, l.snap.ID, l.admin.Token); !errors.Is(err, auction.ErrInvalidState) {
		t.Errorf("close after completion error = %v, want ErrInvalidState", err)
	}
	if err := f.mgr.StartAuction(ctx, l.snap.ID, l.admin.Token); !errors.Is(err, auction.ErrInvalidState) {
		t.Errorf("start after completion error = %v, want ErrInvalidState", err)
	}
	if got := len(f.rec.ofType(broadcast.PlayerResolved)); got != 2 {
		t.Errorf("player_resolved messages = %d, want 2", got)
	}
}

func TestManager_ZeroPlayerAuction(t *testing.T) {
	f := newFixture(t, clock.Mock{T: testNow})
	ctx := context.Background()
	l := f.lobby(t, 100_000, 2, nil)

	snap := f.active(t, l)
	if snap.CurrentPlayer != nil {
		t.Fatalf("current player = %+v, want nil", snap.CurrentPlayer)
	}

	res, err := f.mgr.CloseCurrentPlayer(ctx, l.snap.ID, l.admin.Token)
	if err != nil {
		t.Fatalf("CloseCurrentPlayer() error = %v", err)
	}
	if res.Player != nil || !res.AuctionCompleted {
		t.Errorf("result = %+v, want completed without player", res)
	}
	final, _ := f.mgr.Snapshot(ctx, l.snap.ID, "")
	if final.Status != auction.StatusCompleted || final.CurrentPlayer != nil {
		t.Errorf("final = %s / %v, want completed / nil", final.Status, final.CurrentPlayer)
	}
}

func TestManager_PersistFailureRestoresState(t *testing.T) {
	f := newFixture(t, clock.Mock{T: testNow})
	ctx := context.Background()
	l := f.lobby(t, 100_000, 2, players(1000, 2000), "x")
	snap := f.active(t, l)
	first := snap.CurrentPlayer.ID

	f.events.failing.Store(true)
	_, err := f.mgr.PlaceBid(ctx, l.snap.ID, first, l.bidders["x"].Token, money(1500))
	if !errors.Is(err, auction.ErrInternal) {
		t.Fatalf("PlaceBid() error = %v, want ErrInternal", err)
	}
	if auction.KindOf(err) != auction.KindInternal {
		t.Errorf("KindOf = %s, want internal", auction.KindOf(err))
	}
	if _, err := f.mgr.CloseCurrentPlayer(ctx, l.snap.ID, l.admin.Token); !errors.Is(err, auction.ErrInternal) {
		t.Fatalf("CloseCurrentPlayer() error = %v, want ErrInternal", err)
	}

	after, _ := f.mgr.Snapshot(ctx, l.snap.ID, "")
	if after.CurrentPlayer == nil || after.CurrentPlayer.ID != first {
		t.Fatalf("current player changed to %+v after failed close", after.CurrentPlayer)
	}
	if !after.CurrentPlayer.CurrentBid.Decimal.Equal(money(1000)) {
		t.Errorf("current bid = %s after failed bid, want 1000", after.CurrentPlayer.CurrentBid.Decimal)
	}
	if len(f.rec.ofType(broadcast.BidAccepted)) != 0 {
		t.Error("bid_accepted published for a failed bid")
	}

	// Once the store recovers, the same bid goes through.
	f.events.failing.Store(false)
	if _, err := f.mgr.PlaceBid(ctx, l.snap.ID, first, l.bidders["x"].Token, money(1500)); err != nil {
		t.Fatalf("PlaceBid() after recovery error = %v", err)
	}
}

func TestManager_SendMessageAndHistory(t *testing.T) {
	cfg := config.DefaultAuction()
	cfg.ChatHistoryLimit = 3
	f := newFixtureWithConfig(t, clock.Mock{T: testNow}, cfg)
	ctx := context.Background()
	l := f.lobby(t, 100_000, 2, players(1000), "x")

	for i := range 5 {
		if _, err := f.mgr.SendMessage(ctx, l.snap.ID, l.bidders["x"].Token, fmt.Sprintf("msg %d", i)); err != nil {
			t.Fatalf("SendMessage() error = %v", err)
		}
	}
	if _, err := f.mgr.SendMessage(ctx, l.snap.ID, l.bidders["x"].Token, "   "); !errors.Is(err, auction.ErrEmptyMessage) {
		t.Errorf("SendMessage(blank) error = %v, want ErrEmptyMessage", err)
	}
	if _, err := f.mgr.SendMessage(ctx, l.snap.ID, "stranger", "hi"); !errors.Is(err, auction.ErrNotAuthorized) {
		t.Errorf("SendMessage(stranger) error = %v, want ErrNotAuthorized", err)
	}

	history, err := f.mgr.ChatHistory(ctx, l.snap.ID, l.admin.Token, 0)
	if err != nil {
		t.Fatalf("ChatHistory() error = %v", err)
	}
	if len(history) != 3 {
		t.Fatalf("history = %d messages, want 3", len(history))
	}
	if history[0].Text != "msg 2" || history[2].Text != "msg 4" {
		t.Errorf("history = %q..%q, want msg 2..msg 4", history[0].Text, history[2].Text)
	}
	if history[0].Name != "x" {
		t.Errorf("history name = %q, want x", history[0].Name)
	}
	if got := len(f.rec.ofType(broadcast.ChatMessage)); got != 5 {
		t.Errorf("chat_message messages = %d, want 5", got)
	}
}

func TestManager_SnapshotCodesForAdminOnly(t *testing.T) {
	f := newFixture(t, clock.Mock{T: testNow})
	ctx := context.Background()
	l := f.lobby(t, 100_000, 2, players(1000), "x")

	for _, tt := range []struct {
		viewer    string
		wantCodes bool
	}{
		{l.admin.Token, true},
		{l.bidders["x"].Token, false},
		{"", false},
	} {
		snap, err := f.mgr.Snapshot(ctx, l.snap.ID, tt.viewer)
		if err != nil {
			t.Fatalf("Snapshot() error = %v", err)
		}
		if (snap.Codes != nil) != tt.wantCodes {
			t.Errorf("viewer %q: codes present = %v, want %v", tt.viewer, snap.Codes != nil, tt.wantCodes)
		}
	}
}

func TestManager_Teardown(t *testing.T) {
	f := newFixture(t, newManualClock())
	ctx := context.Background()
	l := f.lobby(t, 100_000, 2, players(1000), "x")

	if err := f.mgr.StartAuction(ctx, l.snap.ID, l.admin.Token); err != nil {
		t.Fatalf("StartAuction() error = %v", err)
	}
	if err := f.mgr.Teardown(ctx, l.snap.ID, l.bidders["x"].Token); !errors.Is(err, auction.ErrNotAuthorized) {
		t.Fatalf("Teardown(bidder) error = %v, want ErrNotAuthorized", err)
	}

	// The countdown goroutine is parked on the manual clock; Teardown must
	// stop it without a tick being delivered.
	if err := f.mgr.Teardown(ctx, l.snap.ID, l.admin.Token); err != nil {
		t.Fatalf("Teardown() error = %v", err)
	}

	if _, err := f.mgr.Snapshot(ctx, l.snap.ID, ""); !errors.Is(err, auction.ErrAuctionNotFound) {
		t.Errorf("Snapshot() after teardown error = %v, want ErrAuctionNotFound", err)
	}
	if events, _ := f.db.Load(ctx, l.snap.ID); len(events) != 0 {
		t.Errorf("events left after teardown: %d", len(events))
	}
	if _, err := f.mgr.RedeemCode(ctx, l.snap.Codes.Visitor); !errors.Is(err, auction.ErrInvalidCode) {
		t.Errorf("RedeemCode() after teardown error = %v, want ErrInvalidCode", err)
	}
	if got := len(f.rec.ofType(broadcast.AuctionDeleted)); got != 1 {
		t.Errorf("auction_deleted messages = %d, want 1", got)
	}
}

func TestManager_RecoverReplaysState(t *testing.T) {
	f := newFixture(t, clock.Mock{T: testNow})
	ctx := context.Background()
	l := f.lobby(t, 100_000, 2, players(1000, 2000), "x")
	snap := f.active(t, l)
	if _, err := f.mgr.PlaceBid(ctx, l.snap.ID, snap.CurrentPlayer.ID, l.bidders["x"].Token, money(1200)); err != nil {
		t.Fatalf("PlaceBid() error = %v", err)
	}
	if _, err := f.mgr.CloseCurrentPlayer(ctx, l.snap.ID, l.admin.Token); err != nil {
		t.Fatalf("CloseCurrentPlayer() error = %v", err)
	}
	if _, err := f.mgr.SendMessage(ctx, l.snap.ID, l.admin.Token, "next up"); err != nil {
		t.Fatalf("SendMessage() error = %v", err)
	}
	want, _ := f.mgr.Snapshot(ctx, l.snap.ID, l.admin.Token)

	// A second manager over the same store stands in for a restarted leader.
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	restarted, err := auction.NewManager(f.cfg, f.db, f.db, newRecorder(), logger, noop.NewTracerProvider(), metricnoop.NewMeterProvider(), f.clk)
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	defer restarted.Shutdown()

	n, err := restarted.Recover(ctx)
	if err != nil {
		t.Fatalf("Recover() error = %v", err)
	}
	if n != 1 {
		t.Errorf("Recover() = %d, want 1", n)
	}

	got, err := restarted.Snapshot(ctx, l.snap.ID, l.admin.Token)
	if err != nil {
		t.Fatalf("Snapshot() error = %v", err)
	}
	if got.Codes == nil {
		t.Error("admin token not honoured after recovery")
	}
	if got.Status != want.Status || got.CurrentPlayer.ID != want.CurrentPlayer.ID {
		t.Errorf("recovered status/current = %s/%s, want %s/%s", got.Status, got.CurrentPlayer.ID, want.Status, want.CurrentPlayer.ID)
	}
	for i := range want.Participants {
		w, g := want.Participants[i], got.Participants[i]
		if w.ID != g.ID || !w.RemainingBudget.Equal(g.RemainingBudget) || w.RosterCount != g.RosterCount {
			t.Errorf("participant %d = %+v, want %+v", i, g, w)
		}
	}
	history, _ := restarted.ChatHistory(ctx, l.snap.ID, l.admin.Token, 10)
	if len(history) != 1 || history[0].Text != "next up" {
		t.Errorf("recovered chat = %+v", history)
	}
}
