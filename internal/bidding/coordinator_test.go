package bidding_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/getit-bd/auction-engine/internal/bidding"
	"github.com/getit-bd/auction-engine/internal/broadcast"
	"github.com/getit-bd/auction-engine/internal/clock"
	"github.com/getit-bd/auction-engine/internal/fraud"
	"github.com/getit-bd/auction-engine/internal/model"
	"github.com/getit-bd/auction-engine/internal/protocol"
	"github.com/getit-bd/auction-engine/internal/registry"
	"github.com/getit-bd/auction-engine/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

type testEnv struct {
	coord *bidding.Coordinator
	ms    *store.MemoryStore
	conns *registry.Connections
	rooms *registry.Rooms
	clk   *clock.Fixed
}

// newTestEnv wires a coordinator over the in-memory store, a fixed
// clock, and a real fan-out so tests can observe published events.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	clk := clock.NewFixed(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	ms := store.NewMemoryStore()
	conns := registry.NewConnections(clk)
	rooms := registry.NewRooms()
	fanout := broadcast.NewFanout(conns, rooms)
	risk := fraud.NewEngine(ms, fraud.DefaultConfig())
	coord := bidding.NewCoordinator(ms, risk, rooms, fanout, clk, bidding.DefaultConfig())
	conns.OnUnregister = coord.DropConnection
	t.Cleanup(coord.StopTriggers)
	return &testEnv{coord: coord, ms: ms, conns: conns, rooms: rooms, clk: clk}
}

// seedAuction creates an active auction directly in the store:
// start 100, increment 10, ends in one hour, auto-extend on.
func (e *testEnv) seedAuction(t *testing.T, id string) *model.Auction {
	t.Helper()
	a := &model.Auction{
		ID:           id,
		Title:        "vintage camera",
		StartPrice:   d(100),
		CurrentBid:   d(100),
		MinIncrement: d(10),
		EndTime:      e.clk.Now().Add(time.Hour),
		Status:       model.StatusActive,
		AutoExtend:   true,
		CreatedAt:    e.clk.Now(),
	}
	if err := e.ms.CreateAuction(context.Background(), a); err != nil {
		t.Fatalf("failed to seed auction: %v", err)
	}
	return a
}

// observe registers a connection and joins it to the auction's room so
// published events land in its outbound queue.
func (e *testEnv) observe(t *testing.T, auctionID string) *registry.Conn {
	t.Helper()
	conn := e.conns.Register()
	e.rooms.Join(auctionID, conn.ID, registry.RoleViewer)
	return conn
}

// drainEvents decodes everything queued on the connection.
func drainEvents(c *registry.Conn) []protocol.Envelope {
	var evs []protocol.Envelope
	for {
		select {
		case msg := <-c.Outbound():
			var env protocol.Envelope
			json.Unmarshal(msg, &env)
			evs = append(evs, env)
		default:
			return evs
		}
	}
}

func eventTypes(evs []protocol.Envelope) []string {
	types := make([]string, 0, len(evs))
	for _, e := range evs {
		types = append(types, e.Type)
	}
	return types
}

func countType(evs []protocol.Envelope, eventType string) int {
	n := 0
	for _, e := range evs {
		if e.Type == eventType {
			n++
		}
	}
	return n
}

func submit(e *testEnv, auctionID, bidderID string, amount decimal.Decimal) (*bidding.BidResult, error) {
	return e.coord.SubmitBid(context.Background(), bidding.BidRequest{
		AuctionID: auctionID,
		BidderID:  bidderID,
		Amount:    amount,
	})
}

// --- Bid submission ---

func TestSubmitBid_Commits(t *testing.T) {
	env := newTestEnv(t)
	env.seedAuction(t, "a1")

	result, err := submit(env, "a1", "alice", d(120))
	if err != nil {
		t.Fatalf("expected commit, got %v", err)
	}
	if result.Bid.Seq != 1 {
		t.Errorf("expected seq 1, got %d", result.Bid.Seq)
	}
	if !result.Auction.CurrentBid.Equal(d(120)) {
		t.Errorf("expected current bid 120, got %s", result.Auction.CurrentBid)
	}
	if result.Auction.TotalBids != 1 {
		t.Errorf("expected 1 total bid, got %d", result.Auction.TotalBids)
	}
	if result.Auction.UniqueBidders != 1 {
		t.Errorf("expected 1 unique bidder, got %d", result.Auction.UniqueBidders)
	}
	if result.Extended {
		t.Error("a bid an hour before close must not extend")
	}

	stored, err := env.ms.GetAuction(context.Background(), "a1")
	if err != nil {
		t.Fatalf("reload auction: %v", err)
	}
	if !stored.CurrentBid.Equal(d(120)) {
		t.Errorf("store not updated: current bid %s", stored.CurrentBid)
	}
}

func TestSubmitBid_TooLowReportsMinimum(t *testing.T) {
	env := newTestEnv(t)
	env.seedAuction(t, "a1")

	_, err := submit(env, "a1", "alice", d(105))
	var tooLow *bidding.BidTooLowError
	if !errors.As(err, &tooLow) {
		t.Fatalf("expected BidTooLowError, got %v", err)
	}
	if !tooLow.MinimumBid.Equal(d(110)) {
		t.Errorf("expected minimum 110, got %s", tooLow.MinimumBid)
	}
}

func TestSubmitBid_SecondBidLosesToNewFloor(t *testing.T) {
	env := newTestEnv(t)
	env.seedAuction(t, "a1")

	if _, err := submit(env, "a1", "alice", d(120)); err != nil {
		t.Fatalf("first bid should commit: %v", err)
	}

	// 115 cleared the original floor (110) but not the one alice set.
	_, err := submit(env, "a1", "bob", d(115))
	var tooLow *bidding.BidTooLowError
	if !errors.As(err, &tooLow) {
		t.Fatalf("expected BidTooLowError, got %v", err)
	}
	if !tooLow.MinimumBid.Equal(d(130)) {
		t.Errorf("expected minimum 130, got %s", tooLow.MinimumBid)
	}

	a, _ := env.ms.GetAuction(context.Background(), "a1")
	if !a.CurrentBid.Equal(d(120)) {
		t.Errorf("losing bid must not change state: current bid %s", a.CurrentBid)
	}
	if a.TotalBids != 1 {
		t.Errorf("losing bid must not be counted: total %d", a.TotalBids)
	}
}

func TestSubmitBid_UnknownAuction(t *testing.T) {
	env := newTestEnv(t)

	_, err := submit(env, "missing", "alice", d(120))
	if !errors.Is(err, bidding.ErrAuctionNotFound) {
		t.Errorf("expected ErrAuctionNotFound, got %v", err)
	}
}

func TestSubmitBid_PendingAuctionRejects(t *testing.T) {
	env := newTestEnv(t)
	a := env.seedAuction(t, "a1")
	env.ms.UpdateAuctionStatus(context.Background(), a.ID, model.StatusPending)

	_, err := submit(env, "a1", "alice", d(120))
	if !errors.Is(err, bidding.ErrAuctionNotActive) {
		t.Errorf("expected ErrAuctionNotActive, got %v", err)
	}
}

func TestSubmitBid_PastEndTimeRejects(t *testing.T) {
	env := newTestEnv(t)
	env.seedAuction(t, "a1")
	env.clk.Advance(2 * time.Hour)

	_, err := submit(env, "a1", "alice", d(120))
	if !errors.Is(err, bidding.ErrAuctionEnded) {
		t.Errorf("expected ErrAuctionEnded, got %v", err)
	}
}

func TestSubmitBid_FlaggedBidderBlocked(t *testing.T) {
	env := newTestEnv(t)
	env.seedAuction(t, "a1")
	env.ms.PutFlag(context.Background(), &model.FlaggedEntity{
		Subject:   "mallory",
		Kind:      model.FlagKindBidder,
		Reason:    "coordinated bidding",
		FlaggedAt: env.clk.Now(),
		ExpiresAt: env.clk.Now().Add(24 * time.Hour),
	})

	_, err := submit(env, "a1", "mallory", d(120))
	if !errors.Is(err, bidding.ErrFraudBlocked) {
		t.Fatalf("expected ErrFraudBlocked, got %v", err)
	}

	a, _ := env.ms.GetAuction(context.Background(), "a1")
	if !a.CurrentBid.Equal(d(100)) || a.TotalBids != 0 {
		t.Errorf("blocked bid must not change state: bid %s, total %d", a.CurrentBid, a.TotalBids)
	}
}

// Twenty goroutines race on one auction. Commits must be totally
// ordered: reloading the tape, every committed amount clears the
// previous amount plus the increment, and the final state reflects the
// last commit exactly.
func TestSubmitBid_ConcurrentBidsStayMonotonic(t *testing.T) {
	env := newTestEnv(t)
	env.seedAuction(t, "a1")

	const bidders = 20
	var wg sync.WaitGroup
	committed := make([]bool, bidders)
	for i := 0; i < bidders; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			amount := d(float64(110 + 10*i))
			if _, err := submit(env, "a1", fmt.Sprintf("bidder-%d", i), amount); err == nil {
				committed[i] = true
			}
		}(i)
	}
	wg.Wait()

	commits := 0
	for _, ok := range committed {
		if ok {
			commits++
		}
	}
	if commits == 0 {
		t.Fatal("at least the highest bid must commit")
	}

	bids, err := env.ms.GetRecentBids(context.Background(), "a1", bidders)
	if err != nil {
		t.Fatalf("load tape: %v", err)
	}
	if len(bids) != commits {
		t.Fatalf("tape has %d bids, %d commits reported", len(bids), commits)
	}

	// Tape arrives newest first; walk it oldest first.
	floor := d(110)
	for i := len(bids) - 1; i >= 0; i-- {
		b := bids[i]
		if b.Amount.LessThan(floor) {
			t.Errorf("seq %d amount %s below floor %s", b.Seq, b.Amount, floor)
		}
		floor = b.Amount.Add(d(10))
	}

	a, _ := env.ms.GetAuction(context.Background(), "a1")
	if !a.CurrentBid.Equal(bids[0].Amount) {
		t.Errorf("final bid %s does not match last commit %s", a.CurrentBid, bids[0].Amount)
	}
	if a.TotalBids != commits {
		t.Errorf("total bids %d, expected %d", a.TotalBids, commits)
	}
}

// --- Anti-snipe ---

func TestSubmitBid_LateBidExtendsOnce(t *testing.T) {
	env := newTestEnv(t)
	a := env.seedAuction(t, "a1")
	obs := env.observe(t, "a1")

	// Land the bid two minutes before close.
	env.clk.Set(a.EndTime.Add(-2 * time.Minute))

	result, err := submit(env, "a1", "alice", d(120))
	if err != nil {
		t.Fatalf("expected commit, got %v", err)
	}
	if !result.Extended {
		t.Fatal("bid inside the window must extend")
	}
	want := a.EndTime.Add(5 * time.Minute)
	if !result.Auction.EndTime.Equal(want) {
		t.Errorf("expected end %v, got %v", want, result.Auction.EndTime)
	}
	if result.Auction.Extensions != 1 {
		t.Errorf("expected 1 extension, got %d", result.Auction.Extensions)
	}

	evs := drainEvents(obs)
	if countType(evs, protocol.EventAuctionExtended) != 1 {
		t.Errorf("expected exactly one auction_extended, got %v", eventTypes(evs))
	}
	if countType(evs, protocol.EventNewBid) != 1 {
		t.Errorf("expected exactly one new_bid, got %v", eventTypes(evs))
	}
}

func TestSubmitBid_EarlyBidDoesNotExtend(t *testing.T) {
	env := newTestEnv(t)
	a := env.seedAuction(t, "a1")
	obs := env.observe(t, "a1")

	result, err := submit(env, "a1", "alice", d(120))
	if err != nil {
		t.Fatalf("expected commit, got %v", err)
	}
	if result.Extended {
		t.Error("bid an hour out must not extend")
	}
	if !result.Auction.EndTime.Equal(a.EndTime) {
		t.Errorf("end time moved: %v → %v", a.EndTime, result.Auction.EndTime)
	}
	if n := countType(drainEvents(obs), protocol.EventAuctionExtended); n != 0 {
		t.Errorf("expected no auction_extended, got %d", n)
	}
}

func TestSubmitBid_ExtensionCapHolds(t *testing.T) {
	env := newTestEnv(t)
	a := env.seedAuction(t, "a1")

	// Auction already at the cap.
	cfg := bidding.DefaultConfig()
	env.ms.CommitBid(context.Background(), &model.Bid{
		ID: "seed", AuctionID: "a1", BidderID: "seed", Amount: d(110), PlacedAt: env.clk.Now(),
	}, store.AuctionPatch{
		CurrentBid: d(110), HighestBidderID: "seed",
		TotalBids: 1, UniqueBidders: 1,
		EndTime: a.EndTime, Extensions: cfg.MaxExtensions,
	})

	env.clk.Set(a.EndTime.Add(-2 * time.Minute))

	result, err := submit(env, "a1", "alice", d(130))
	if err != nil {
		t.Fatalf("expected commit, got %v", err)
	}
	if result.Extended {
		t.Error("capped auction must not extend")
	}
	if !result.Auction.EndTime.Equal(a.EndTime) {
		t.Errorf("end time moved past the cap: %v", result.Auction.EndTime)
	}
}

// --- Commit retries ---

// flakyStore fails CommitBid a set number of times before delegating.
type flakyStore struct {
	store.Store
	mu       sync.Mutex
	failures int
	attempts int
}

func (s *flakyStore) CommitBid(ctx context.Context, bid *model.Bid, patch store.AuctionPatch) error {
	s.mu.Lock()
	s.attempts++
	fail := s.attempts <= s.failures
	s.mu.Unlock()
	if fail {
		return errors.New("connection reset")
	}
	return s.Store.CommitBid(ctx, bid, patch)
}

func TestSubmitBid_RetriesTransientCommitFailure(t *testing.T) {
	env := newTestEnv(t)
	env.seedAuction(t, "a1")

	fs := &flakyStore{Store: env.ms, failures: 2}
	risk := fraud.NewEngine(fs, fraud.DefaultConfig())
	cfg := bidding.DefaultConfig()
	cfg.RetryDelay = time.Millisecond
	coord := bidding.NewCoordinator(fs, risk, env.rooms, nil, env.clk, cfg)
	t.Cleanup(coord.StopTriggers)

	result, err := coord.SubmitBid(context.Background(), bidding.BidRequest{
		AuctionID: "a1", BidderID: "alice", Amount: d(120),
	})
	if err != nil {
		t.Fatalf("expected commit after retries, got %v", err)
	}
	if result.Bid.Seq != 1 {
		t.Errorf("expected seq 1, got %d", result.Bid.Seq)
	}
	if fs.attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", fs.attempts)
	}
}

func TestSubmitBid_ExhaustedRetriesLeaveNoCommit(t *testing.T) {
	env := newTestEnv(t)
	env.seedAuction(t, "a1")

	fs := &flakyStore{Store: env.ms, failures: 100}
	risk := fraud.NewEngine(fs, fraud.DefaultConfig())
	cfg := bidding.DefaultConfig()
	cfg.RetryDelay = time.Millisecond
	coord := bidding.NewCoordinator(fs, risk, env.rooms, nil, env.clk, cfg)
	t.Cleanup(coord.StopTriggers)

	_, err := coord.SubmitBid(context.Background(), bidding.BidRequest{
		AuctionID: "a1", BidderID: "alice", Amount: d(120),
	})
	if !errors.Is(err, bidding.ErrTransient) {
		t.Fatalf("expected ErrTransient, got %v", err)
	}

	a, _ := env.ms.GetAuction(context.Background(), "a1")
	if a.TotalBids != 0 {
		t.Errorf("nothing may commit on exhaustion: total %d", a.TotalBids)
	}
}

// --- Lifecycle ---

func TestLifecycle_PendingToActiveToEnded(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	a, err := env.coord.CreateAuction(ctx, bidding.CreateParams{
		Title:        "rare stamp",
		StartPrice:   d(50),
		MinIncrement: d(5),
		EndTime:      env.clk.Now().Add(time.Hour),
		AutoExtend:   true,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if a.Status != model.StatusPending {
		t.Fatalf("expected pending, got %s", a.Status)
	}

	if _, err := env.coord.ActivateAuction(ctx, a.ID); err != nil {
		t.Fatalf("activate: %v", err)
	}
	if _, err := env.coord.ActivateAuction(ctx, a.ID); !errors.Is(err, bidding.ErrInvalidTransition) {
		t.Errorf("activating an active auction must fail, got %v", err)
	}

	env.clk.Advance(2 * time.Hour)
	if err := env.coord.EndAuction(ctx, a.ID); err != nil {
		t.Fatalf("end: %v", err)
	}

	stored, _ := env.ms.GetAuction(ctx, a.ID)
	if stored.Status != model.StatusEnded {
		t.Errorf("expected ended, got %s", stored.Status)
	}

	if _, err := submit(env, a.ID, "alice", d(60)); !errors.Is(err, bidding.ErrAuctionEnded) {
		t.Errorf("ended auction must reject bids, got %v", err)
	}
}

func TestEndAuction_BeforeEndTimeIsNoOp(t *testing.T) {
	env := newTestEnv(t)
	env.seedAuction(t, "a1")

	if err := env.coord.EndAuction(context.Background(), "a1"); err != nil {
		t.Fatalf("end: %v", err)
	}
	a, _ := env.ms.GetAuction(context.Background(), "a1")
	if a.Status != model.StatusActive {
		t.Errorf("auction with time remaining must stay active, got %s", a.Status)
	}
}

func TestCancelAuction_BroadcastsTerminalEvent(t *testing.T) {
	env := newTestEnv(t)
	env.seedAuction(t, "a1")
	obs := env.observe(t, "a1")

	a, err := env.coord.CancelAuction(context.Background(), "a1")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if a.Status != model.StatusCancelled {
		t.Fatalf("expected cancelled, got %s", a.Status)
	}
	if countType(drainEvents(obs), protocol.EventAuctionCancelled) != 1 {
		t.Error("expected one auction_cancelled event")
	}

	if _, err := submit(env, "a1", "alice", d(120)); !errors.Is(err, bidding.ErrAuctionNotActive) {
		t.Errorf("cancelled auction must reject bids, got %v", err)
	}
}

func TestCreateAuction_RejectsBadInput(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	cases := []struct {
		name   string
		params bidding.CreateParams
	}{
		{"empty title", bidding.CreateParams{StartPrice: d(50), MinIncrement: d(5), EndTime: env.clk.Now().Add(time.Hour)}},
		{"zero start price", bidding.CreateParams{Title: "x", MinIncrement: d(5), EndTime: env.clk.Now().Add(time.Hour)}},
		{"zero increment", bidding.CreateParams{Title: "x", StartPrice: d(50), EndTime: env.clk.Now().Add(time.Hour)}},
		{"past end time", bidding.CreateParams{Title: "x", StartPrice: d(50), MinIncrement: d(5), EndTime: env.clk.Now().Add(-time.Hour)}},
	}
	for _, tc := range cases {
		if _, err := env.coord.CreateAuction(ctx, tc.params); !errors.Is(err, bidding.ErrInvalidInput) {
			t.Errorf("%s: expected ErrInvalidInput, got %v", tc.name, err)
		}
	}
}

// --- Presence ---

func TestJoinAuction_DeliversSnapshotBeforeEvents(t *testing.T) {
	env := newTestEnv(t)
	env.seedAuction(t, "a1")

	conn := env.conns.Register()
	status, err := env.coord.JoinAuction(context.Background(), "a1", conn.ID, registry.RoleViewer)
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	if status.Watchers != 1 {
		t.Errorf("expected 1 watcher, got %d", status.Watchers)
	}
	if status.MinimumNextBid != "110" {
		t.Errorf("expected minimum 110, got %s", status.MinimumNextBid)
	}

	evs := drainEvents(conn)
	if len(evs) == 0 || evs[0].Type != protocol.EventAuctionStatus {
		t.Fatalf("first event must be auction_status, got %v", eventTypes(evs))
	}
}

func TestJoinAuction_UnknownAuction(t *testing.T) {
	env := newTestEnv(t)
	conn := env.conns.Register()

	_, err := env.coord.JoinAuction(context.Background(), "missing", conn.ID, registry.RoleViewer)
	if !errors.Is(err, bidding.ErrAuctionNotFound) {
		t.Errorf("expected ErrAuctionNotFound, got %v", err)
	}
	if !env.rooms.IsEmpty("missing") {
		t.Error("failed join must not create a room")
	}
}

func TestDropConnection_NotifiesRemainingMembersOnly(t *testing.T) {
	env := newTestEnv(t)
	env.seedAuction(t, "a1")

	stayer := env.observe(t, "a1")
	leaver := env.observe(t, "a1")
	drainEvents(stayer)
	drainEvents(leaver)

	env.conns.Unregister(leaver.ID)

	evs := drainEvents(stayer)
	if countType(evs, protocol.EventViewerLeft) != 1 {
		t.Errorf("remaining member should see one viewer_left, got %v", eventTypes(evs))
	}
	if n := len(drainEvents(leaver)); n != 0 {
		t.Errorf("departed connection must receive nothing, got %d events", n)
	}
	if env.rooms.ViewerCount("a1") != 1 {
		t.Errorf("expected 1 viewer left, got %d", env.rooms.ViewerCount("a1"))
	}
}

func TestDropConnection_SoleViewerDeletesRoom(t *testing.T) {
	env := newTestEnv(t)
	env.seedAuction(t, "a1")

	only := env.observe(t, "a1")
	env.conns.Unregister(only.ID)

	if !env.rooms.IsEmpty("a1") {
		t.Error("room must be deleted when its sole viewer disconnects")
	}
}

func TestStatus_ReflectsRecentBids(t *testing.T) {
	env := newTestEnv(t)
	env.seedAuction(t, "a1")

	amounts := []float64{110, 125, 140}
	for i, amt := range amounts {
		if _, err := submit(env, "a1", fmt.Sprintf("bidder-%d", i), d(amt)); err != nil {
			t.Fatalf("bid %v: %v", amt, err)
		}
		env.clk.Advance(time.Minute)
	}

	status, err := env.coord.Status(context.Background(), "a1")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.CurrentBid != "140" {
		t.Errorf("expected current bid 140, got %s", status.CurrentBid)
	}
	if status.TotalBids != 3 || status.UniqueBidders != 3 {
		t.Errorf("expected 3/3, got %d/%d", status.TotalBids, status.UniqueBidders)
	}
	if len(status.RecentBids) != 3 {
		t.Fatalf("expected 3 recent bids, got %d", len(status.RecentBids))
	}
	if status.RecentBids[0].Amount != "140" {
		t.Errorf("recent bids must be newest first, got %s", status.RecentBids[0].Amount)
	}
	if status.MinimumNextBid != "150" {
		t.Errorf("expected minimum 150, got %s", status.MinimumNextBid)
	}
}
