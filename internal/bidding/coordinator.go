// Package bidding owns every auction state transition: bid admission,
// atomic commits, anti-snipe extensions, and lifecycle changes. All
// mutations for one auction pass through that auction's critical
// section; different auctions proceed fully in parallel.
//
// All monetary values use shopspring/decimal — never float64 for money.
package bidding

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/getit-bd/auction-engine/internal/broadcast"
	"github.com/getit-bd/auction-engine/internal/clock"
	"github.com/getit-bd/auction-engine/internal/fraud"
	"github.com/getit-bd/auction-engine/internal/metrics"
	"github.com/getit-bd/auction-engine/internal/model"
	"github.com/getit-bd/auction-engine/internal/protocol"
	"github.com/getit-bd/auction-engine/internal/registry"
	"github.com/getit-bd/auction-engine/internal/store"
)

// recentBidLimit bounds the recent-bid list in status snapshots.
const recentBidLimit = 5

// Config carries the coordinator's tunables.
type Config struct {
	ExtensionWindow time.Duration // how close to the end a bid must land to extend
	ExtensionAmount time.Duration // how far each extension pushes the end
	MaxExtensions   int           // hard cap on extensions per auction
	CommitRetries   int           // retries after a failed commit attempt
	RetryDelay      time.Duration // pause between commit attempts
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		ExtensionWindow: 5 * time.Minute,
		ExtensionAmount: 5 * time.Minute,
		MaxExtensions:   10,
		CommitRetries:   3,
		RetryDelay:      50 * time.Millisecond,
	}
}

// BidRequest is one bid attempt arriving from a transport.
type BidRequest struct {
	AuctionID string
	BidderID  string
	Amount    decimal.Decimal
	ConnID    string // empty for REST submissions
	IP        string
}

// BidResult reports a committed bid and the auction state after it.
type BidResult struct {
	Bid      *model.Bid
	Auction  *model.Auction
	Extended bool
}

// CreateParams are the inputs for a new auction.
type CreateParams struct {
	Title        string
	StartPrice   decimal.Decimal
	MinIncrement decimal.Decimal
	EndTime      time.Time
	AutoExtend   bool
}

// Coordinator serializes auction state transitions. rooms is required;
// fanout may be nil to disable event publication (useful in tests).
type Coordinator struct {
	store  store.Store
	risk   *fraud.Engine
	rooms  *registry.Rooms
	fanout *broadcast.Fanout
	clk    clock.Clock
	cfg    Config

	mu    sync.Mutex
	locks map[string]*sync.Mutex // per-auction critical sections

	timersMu sync.Mutex
	timers   map[string]*time.Timer // scheduled end-of-auction triggers
}

// NewCoordinator creates a coordinator over the given collaborators.
func NewCoordinator(st store.Store, risk *fraud.Engine, rooms *registry.Rooms, fanout *broadcast.Fanout, clk clock.Clock, cfg Config) *Coordinator {
	return &Coordinator{
		store:  st,
		risk:   risk,
		rooms:  rooms,
		fanout: fanout,
		clk:    clk,
		cfg:    cfg,
		locks:  make(map[string]*sync.Mutex),
		timers: make(map[string]*time.Timer),
	}
}

// SubmitBid validates, scores, commits, and publishes one bid. The
// whole pipeline runs inside the auction's critical section, so
// concurrent bids on one auction are totally ordered by arrival and a
// loser always re-validates against the floor the winner just set.
// Publication happens under the same lock: fan-out order is commit
// order.
func (c *Coordinator) SubmitBid(ctx context.Context, req BidRequest) (*BidResult, error) {
	if req.AuctionID == "" || req.BidderID == "" {
		return nil, reject("invalid", fmt.Errorf("%w: auction id and bidder id are required", ErrInvalidInput))
	}
	if !req.Amount.IsPositive() {
		return nil, reject("invalid", fmt.Errorf("%w: bid amount must be positive", ErrInvalidInput))
	}

	start := time.Now()

	lock := c.auctionLock(req.AuctionID)
	lock.Lock()
	defer lock.Unlock()

	now := c.clk.Now()

	a, err := c.store.GetAuction(ctx, req.AuctionID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, reject("not_found", ErrAuctionNotFound)
	}
	if err != nil {
		return nil, reject("transient", fmt.Errorf("%w: %v", ErrTransient, err))
	}

	switch a.Status {
	case model.StatusActive:
	case model.StatusEnded:
		return nil, reject("ended", ErrAuctionEnded)
	default:
		return nil, reject("not_active", ErrAuctionNotActive)
	}
	if now.After(a.EndTime) {
		// Past due; the scheduled trigger will flip the status shortly.
		return nil, reject("ended", ErrAuctionEnded)
	}

	required := a.MinimumNextBid()
	if req.Amount.LessThan(required) {
		return nil, reject("too_low", &BidTooLowError{MinimumBid: required})
	}

	verdict := c.risk.Evaluate(ctx, model.BidAttempt{
		AuctionID: req.AuctionID,
		BidderID:  req.BidderID,
		Amount:    req.Amount,
		Reference: a.CurrentBid,
		Increment: a.MinIncrement,
		ConnID:    req.ConnID,
		IP:        req.IP,
		At:        now,
	})
	if !verdict.Admitted {
		metrics.FraudBlocked.Inc()
		slog.Warn("bid blocked by risk engine",
			"auction_id", req.AuctionID,
			"bidder_id", req.BidderID,
			"score", verdict.Score,
			"signals", signalTypes(verdict.Signals),
		)
		// The generic sentinel goes out; the signal detail stays in logs.
		return nil, reject("fraud", ErrFraudBlocked)
	}

	bid := &model.Bid{
		ID:        uuid.New().String(),
		AuctionID: req.AuctionID,
		BidderID:  req.BidderID,
		Amount:    req.Amount,
		ConnID:    req.ConnID,
		IP:        req.IP,
		PlacedAt:  now,
	}

	patch := store.AuctionPatch{
		CurrentBid:      req.Amount,
		HighestBidderID: req.BidderID,
		TotalBids:       a.TotalBids + 1,
		EndTime:         a.EndTime,
		Extensions:      a.Extensions,
	}

	// Anti-snipe: extend from the scheduled end, not from now, so the
	// new end does not depend on where inside the window the bid lands.
	// The moved end time rides in the same atomic commit as the bid.
	extended := false
	if a.AutoExtend && a.Extensions < c.cfg.MaxExtensions && a.EndTime.Sub(now) < c.cfg.ExtensionWindow {
		patch.EndTime = a.EndTime.Add(c.cfg.ExtensionAmount)
		patch.Extensions = a.Extensions + 1
		extended = true
	}

	if err := c.commit(ctx, a, bid, &patch); err != nil {
		return nil, reject("transient", err)
	}
	patch.Apply(a)

	c.publish(req.AuctionID, protocol.EventNewBid, protocol.NewBid{
		AuctionID:     req.AuctionID,
		Amount:        bid.Amount.String(),
		BidderID:      bid.BidderID,
		BidderName:    c.displayName(ctx, bid.BidderID),
		TotalBids:     a.TotalBids,
		TimeRemaining: remainingSeconds(a.EndTime, now),
	})

	if extended {
		metrics.AuctionExtensions.Inc()
		slog.Info("auction extended",
			"auction_id", req.AuctionID,
			"new_end_time", a.EndTime,
			"extensions", a.Extensions,
		)
		c.publish(req.AuctionID, protocol.EventAuctionExtended, protocol.AuctionExtended{
			AuctionID:  req.AuctionID,
			NewEndTime: a.EndTime,
			ExtendedBy: c.cfg.ExtensionAmount.String(),
			Reason:     "late bid",
		})
		c.armEndTrigger(req.AuctionID, a.EndTime)
	}

	if req.ConnID != "" {
		if _, bidders, newBidder := c.rooms.Join(req.AuctionID, req.ConnID, registry.RoleBidder); newBidder {
			c.publish(req.AuctionID, protocol.EventBidderJoined, protocol.BidderJoined{
				AuctionID:   req.AuctionID,
				BidderCount: bidders,
			})
		}
	}

	metrics.BidsCommitted.Inc()
	metrics.BidLatency.Observe(time.Since(start).Seconds())
	slog.Info("bid committed",
		"auction_id", req.AuctionID,
		"bidder_id", req.BidderID,
		"amount", bid.Amount.String(),
		"seq", bid.Seq,
		"total_bids", a.TotalBids,
		"extended", extended,
	)

	return &BidResult{Bid: bid, Auction: a, Extended: extended}, nil
}

// commit persists the bid with bounded retries. The unique-bidder probe
// runs per attempt so a retry never works from a stale answer. Nothing
// is committed when the retry budget is exhausted.
func (c *Coordinator) commit(ctx context.Context, a *model.Auction, bid *model.Bid, patch *store.AuctionPatch) error {
	var lastErr error
	for attempt := 0; attempt <= c.cfg.CommitRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(c.cfg.RetryDelay)
		}

		has, err := c.store.HasBidderBid(ctx, bid.AuctionID, bid.BidderID)
		if err != nil {
			lastErr = err
			slog.Warn("bid commit attempt failed", "auction_id", bid.AuctionID, "attempt", attempt+1, "err", err)
			continue
		}
		patch.UniqueBidders = a.UniqueBidders
		if !has {
			patch.UniqueBidders++
		}

		if err := c.store.CommitBid(ctx, bid, *patch); err != nil {
			lastErr = err
			slog.Warn("bid commit attempt failed", "auction_id", bid.AuctionID, "attempt", attempt+1, "err", err)
			continue
		}
		return nil
	}
	return fmt.Errorf("%w: %v", ErrTransient, lastErr)
}

// --- Lifecycle ---

// CreateAuction validates and persists a new pending auction.
func (c *Coordinator) CreateAuction(ctx context.Context, p CreateParams) (*model.Auction, error) {
	now := c.clk.Now()
	switch {
	case p.Title == "":
		return nil, fmt.Errorf("%w: title is required", ErrInvalidInput)
	case !p.StartPrice.IsPositive():
		return nil, fmt.Errorf("%w: start price must be positive", ErrInvalidInput)
	case !p.MinIncrement.IsPositive():
		return nil, fmt.Errorf("%w: minimum increment must be positive", ErrInvalidInput)
	case !p.EndTime.After(now):
		return nil, fmt.Errorf("%w: end time must be in the future", ErrInvalidInput)
	}

	a := &model.Auction{
		ID:           uuid.New().String(),
		Title:        p.Title,
		StartPrice:   p.StartPrice,
		CurrentBid:   p.StartPrice,
		MinIncrement: p.MinIncrement,
		EndTime:      p.EndTime,
		Status:       model.StatusPending,
		AutoExtend:   p.AutoExtend,
		CreatedAt:    now,
	}
	if err := c.store.CreateAuction(ctx, a); err != nil {
		return nil, fmt.Errorf("create auction: %w", err)
	}

	slog.Info("auction created",
		"auction_id", a.ID,
		"title", a.Title,
		"start_price", a.StartPrice.String(),
		"end_time", a.EndTime,
		"auto_extend", a.AutoExtend,
	)
	return a, nil
}

// ActivateAuction opens a pending auction for bidding and arms its
// end-of-auction trigger.
func (c *Coordinator) ActivateAuction(ctx context.Context, auctionID string) (*model.Auction, error) {
	lock := c.auctionLock(auctionID)
	lock.Lock()
	defer lock.Unlock()

	a, err := c.store.GetAuction(ctx, auctionID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrAuctionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load auction: %w", err)
	}
	if a.Status != model.StatusPending {
		return nil, fmt.Errorf("%w: %s auction cannot be activated", ErrInvalidTransition, a.Status)
	}

	if err := c.store.UpdateAuctionStatus(ctx, auctionID, model.StatusActive); err != nil {
		return nil, fmt.Errorf("activate auction: %w", err)
	}
	a.Status = model.StatusActive

	metrics.ActiveAuctions.Inc()
	c.armEndTrigger(auctionID, a.EndTime)
	slog.Info("auction activated", "auction_id", auctionID, "end_time", a.EndTime)

	c.publish(auctionID, protocol.EventAuctionStatus, c.snapshot(ctx, a))
	return a, nil
}

// CancelAuction cancels an active auction and stops its end trigger.
func (c *Coordinator) CancelAuction(ctx context.Context, auctionID string) (*model.Auction, error) {
	lock := c.auctionLock(auctionID)
	lock.Lock()
	defer lock.Unlock()

	a, err := c.store.GetAuction(ctx, auctionID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrAuctionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load auction: %w", err)
	}
	if a.Status != model.StatusActive {
		return nil, fmt.Errorf("%w: %s auction cannot be cancelled", ErrInvalidTransition, a.Status)
	}

	if err := c.store.UpdateAuctionStatus(ctx, auctionID, model.StatusCancelled); err != nil {
		return nil, fmt.Errorf("cancel auction: %w", err)
	}
	a.Status = model.StatusCancelled

	metrics.ActiveAuctions.Dec()
	c.stopEndTrigger(auctionID)
	slog.Info("auction cancelled", "auction_id", auctionID)

	c.publish(auctionID, protocol.EventAuctionCancelled, protocol.AuctionCancelled{AuctionID: auctionID})
	return a, nil
}

// EndAuction is the body of the scheduled end trigger, exported so the
// transition is directly drivable in tests. When an extension has moved
// the end time past now it re-arms instead of ending.
func (c *Coordinator) EndAuction(ctx context.Context, auctionID string) error {
	lock := c.auctionLock(auctionID)
	lock.Lock()
	defer lock.Unlock()

	a, err := c.store.GetAuction(ctx, auctionID)
	if errors.Is(err, store.ErrNotFound) {
		return ErrAuctionNotFound
	}
	if err != nil {
		return fmt.Errorf("load auction: %w", err)
	}
	if a.Status != model.StatusActive {
		// Cancelled or already ended; nothing to do.
		c.stopEndTrigger(auctionID)
		return nil
	}

	now := c.clk.Now()
	if a.EndTime.After(now) {
		c.armEndTrigger(auctionID, a.EndTime)
		return nil
	}

	if err := c.store.UpdateAuctionStatus(ctx, auctionID, model.StatusEnded); err != nil {
		return fmt.Errorf("end auction: %w", err)
	}

	metrics.ActiveAuctions.Dec()
	c.stopEndTrigger(auctionID)
	slog.Info("auction ended",
		"auction_id", auctionID,
		"final_bid", a.CurrentBid.String(),
		"winner_id", a.HighestBidderID,
		"total_bids", a.TotalBids,
	)

	c.publish(auctionID, protocol.EventAuctionEnded, protocol.AuctionEnded{
		AuctionID: auctionID,
		FinalBid:  a.CurrentBid.String(),
		WinnerID:  a.HighestBidderID,
		TotalBids: a.TotalBids,
	})
	return nil
}

// Resume re-arms end triggers for auctions that were active when the
// process last stopped. Call once at startup.
func (c *Coordinator) Resume(ctx context.Context) error {
	auctions, err := c.store.ListAuctions(ctx)
	if err != nil {
		return fmt.Errorf("list auctions: %w", err)
	}

	active := 0
	for _, a := range auctions {
		if a.Status != model.StatusActive {
			continue
		}
		active++
		c.armEndTrigger(a.ID, a.EndTime)
	}
	metrics.ActiveAuctions.Set(float64(active))
	if active > 0 {
		slog.Info("resumed active auctions", "count", active)
	}
	return nil
}

// --- Presence and queries ---

// JoinAuction validates the auction, adds the connection to its room,
// and delivers the status snapshot — all inside the auction's critical
// section, so the snapshot can never trail an event the new member is
// about to receive.
func (c *Coordinator) JoinAuction(ctx context.Context, auctionID, connID, role string) (*protocol.AuctionStatus, error) {
	lock := c.auctionLock(auctionID)
	lock.Lock()
	defer lock.Unlock()

	a, err := c.store.GetAuction(ctx, auctionID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrAuctionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load auction: %w", err)
	}

	_, bidders, newBidder := c.rooms.Join(auctionID, connID, role)
	status := c.snapshot(ctx, a)
	c.direct(connID, protocol.EventAuctionStatus, status)
	if newBidder {
		c.publish(auctionID, protocol.EventBidderJoined, protocol.BidderJoined{
			AuctionID:   auctionID,
			BidderCount: bidders,
		})
	}

	slog.Info("connection joined auction", "auction_id", auctionID, "conn_id", connID, "role", role)
	return status, nil
}

// LeaveAuction removes the connection from the room. Remaining members
// get the decremented viewer count; the departed connection gets nothing.
func (c *Coordinator) LeaveAuction(auctionID, connID string) int {
	viewers, deleted := c.rooms.Leave(auctionID, connID)
	if !deleted {
		c.publish(auctionID, protocol.EventViewerLeft, protocol.ViewerLeft{
			AuctionID:   auctionID,
			ViewerCount: viewers,
		})
	}
	return viewers
}

// WatchAuction adds the connection as a viewer and acknowledges with
// the watcher count. Watching is plain room membership: watchers
// receive the same event stream as joiners.
func (c *Coordinator) WatchAuction(ctx context.Context, auctionID, connID string) (int, error) {
	lock := c.auctionLock(auctionID)
	lock.Lock()
	defer lock.Unlock()

	if _, err := c.store.GetAuction(ctx, auctionID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return 0, ErrAuctionNotFound
		}
		return 0, fmt.Errorf("load auction: %w", err)
	}

	viewers, _, _ := c.rooms.Join(auctionID, connID, registry.RoleViewer)
	c.direct(connID, protocol.EventWatchAck, protocol.WatchAck{
		AuctionID: auctionID,
		Watching:  true,
		Watchers:  viewers,
	})
	return viewers, nil
}

// UnwatchAuction removes the connection from the room and acknowledges
// with the decremented count.
func (c *Coordinator) UnwatchAuction(auctionID, connID string) int {
	viewers := c.LeaveAuction(auctionID, connID)
	c.direct(connID, protocol.EventWatchAck, protocol.WatchAck{
		AuctionID: auctionID,
		Watching:  false,
		Watchers:  viewers,
	})
	return viewers
}

// DropConnection removes a departed connection from every room and
// notifies remaining members. Wired as the connection registry's
// unregister hook.
func (c *Coordinator) DropConnection(connID string) {
	for _, change := range c.rooms.DropConn(connID) {
		if change.Deleted {
			continue
		}
		c.publish(change.AuctionID, protocol.EventViewerLeft, protocol.ViewerLeft{
			AuctionID:   change.AuctionID,
			ViewerCount: change.ViewerCount,
		})
	}
}

// Status returns the auction_status snapshot.
func (c *Coordinator) Status(ctx context.Context, auctionID string) (*protocol.AuctionStatus, error) {
	lock := c.auctionLock(auctionID)
	lock.Lock()
	defer lock.Unlock()

	a, err := c.store.GetAuction(ctx, auctionID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrAuctionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load auction: %w", err)
	}
	return c.snapshot(ctx, a), nil
}

// snapshot builds the status payload for an already-loaded auction.
// Callers hold the auction lock.
func (c *Coordinator) snapshot(ctx context.Context, a *model.Auction) *protocol.AuctionStatus {
	recent, err := c.store.GetRecentBids(ctx, a.ID, recentBidLimit)
	if err != nil {
		slog.Warn("recent bids query failed", "auction_id", a.ID, "err", err)
	}
	summaries := make([]protocol.BidSummary, 0, len(recent))
	for _, b := range recent {
		summaries = append(summaries, protocol.BidSummary{
			BidderID: b.BidderID,
			Amount:   b.Amount.String(),
			PlacedAt: b.PlacedAt,
		})
	}

	var remaining int64
	if !a.Status.Terminal() {
		remaining = remainingSeconds(a.EndTime, c.clk.Now())
	}

	return &protocol.AuctionStatus{
		AuctionID:      a.ID,
		Status:         string(a.Status),
		CurrentBid:     a.CurrentBid.String(),
		TotalBids:      a.TotalBids,
		UniqueBidders:  a.UniqueBidders,
		Watchers:       c.rooms.ViewerCount(a.ID),
		TimeRemaining:  remaining,
		RecentBids:     summaries,
		MinimumNextBid: a.MinimumNextBid().String(),
	}
}

// --- End-of-auction triggers ---

// armEndTrigger schedules (or reschedules) the authoritative
// active→ended transition at end.
func (c *Coordinator) armEndTrigger(auctionID string, end time.Time) {
	delay := end.Sub(c.clk.Now())
	if delay < 0 {
		delay = 0
	}

	c.timersMu.Lock()
	defer c.timersMu.Unlock()
	if t, ok := c.timers[auctionID]; ok {
		t.Stop()
	}
	c.timers[auctionID] = time.AfterFunc(delay, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := c.EndAuction(ctx, auctionID); err != nil {
			slog.Error("end trigger failed", "auction_id", auctionID, "err", err)
		}
	})
}

func (c *Coordinator) stopEndTrigger(auctionID string) {
	c.timersMu.Lock()
	defer c.timersMu.Unlock()
	if t, ok := c.timers[auctionID]; ok {
		t.Stop()
		delete(c.timers, auctionID)
	}
}

// StopTriggers stops every scheduled end trigger. Called on shutdown.
func (c *Coordinator) StopTriggers() {
	c.timersMu.Lock()
	defer c.timersMu.Unlock()
	for id, t := range c.timers {
		t.Stop()
		delete(c.timers, id)
	}
}

// --- Helpers ---

func (c *Coordinator) auctionLock(auctionID string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	lock, ok := c.locks[auctionID]
	if !ok {
		lock = &sync.Mutex{}
		c.locks[auctionID] = lock
	}
	return lock
}

func (c *Coordinator) publish(auctionID, eventType string, payload any) {
	if c.fanout == nil {
		return
	}
	c.fanout.Publish(auctionID, eventType, payload)
}

func (c *Coordinator) direct(connID, eventType string, payload any) {
	if c.fanout == nil || connID == "" {
		return
	}
	c.fanout.Direct(connID, eventType, payload)
}

// displayName resolves the bidder's display name, falling back to empty
// when identity is unavailable — never a reason to hold up a commit.
func (c *Coordinator) displayName(ctx context.Context, bidderID string) string {
	name, err := c.store.DisplayName(ctx, bidderID)
	if err != nil {
		return ""
	}
	return name
}

func reject(reason string, err error) error {
	metrics.BidsRejected.WithLabelValues(reason).Inc()
	return err
}

func signalTypes(signals []model.Signal) []string {
	types := make([]string, 0, len(signals))
	for _, s := range signals {
		types = append(types, s.Type)
	}
	return types
}

func remainingSeconds(end, now time.Time) int64 {
	rem := end.Sub(now)
	if rem < 0 {
		return 0
	}
	return int64(rem.Seconds())
}
