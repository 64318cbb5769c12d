// Package store defines the persistence interface for the auction engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/getit-bd/auction-engine/internal/model"
)

// ErrNotFound is returned when an auction, flag, or bidder lookup misses.
// Implementations wrap it with context; callers match with errors.Is.
var ErrNotFound = errors.New("store: not found")

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
type Store interface {
	// --- Auction state ---

	// CreateAuction persists a new auction.
	CreateAuction(ctx context.Context, a *model.Auction) error

	// GetAuction retrieves an auction by id. ErrNotFound if absent.
	GetAuction(ctx context.Context, id string) (*model.Auction, error)

	// ListAuctions returns all auctions, newest first.
	ListAuctions(ctx context.Context) ([]model.Auction, error)

	// UpdateAuctionStatus moves an auction to a new lifecycle status.
	UpdateAuctionStatus(ctx context.Context, id string, status model.AuctionStatus) error

	// --- Bid log ---

	// CommitBid atomically appends the bid and applies the matching auction
	// state patch (current bid, bidder, counters, end time, extensions).
	// It assigns bid.Seq, the next per-auction sequence number. Either both
	// the bid record and the state change land, or neither does.
	CommitBid(ctx context.Context, bid *model.Bid, patch AuctionPatch) error

	// GetRecentBids returns up to n committed bids for an auction, newest first.
	GetRecentBids(ctx context.Context, auctionID string, n int) ([]model.Bid, error)

	// GetBidsByBidder returns one bidder's committed bids on an auction
	// placed at or after since, oldest first.
	GetBidsByBidder(ctx context.Context, auctionID, bidderID string, since time.Time) ([]model.Bid, error)

	// HasBidderBid reports whether the bidder has any committed bid on the auction.
	HasBidderBid(ctx context.Context, auctionID, bidderID string) (bool, error)

	// CountDistinctBiddersByIP counts distinct bidder ids that committed
	// bids from the given IP at or after since, across all auctions.
	CountDistinctBiddersByIP(ctx context.Context, ip string, since time.Time) (int, error)

	// GetBidderBidTimes returns timestamps of the bidder's most recent
	// committed bids across all auctions, newest first, up to limit.
	GetBidderBidTimes(ctx context.Context, bidderID string, limit int) ([]time.Time, error)

	// --- Bidder identity ---

	// DisplayName resolves a bidder id to a display name. ErrNotFound when
	// the bidder is unknown.
	DisplayName(ctx context.Context, bidderID string) (string, error)

	// --- Flagged entities ---

	// GetFlag returns the flag for a subject (bidder id or IP).
	// ErrNotFound when the subject is not flagged.
	GetFlag(ctx context.Context, subject string) (*model.FlaggedEntity, error)

	// PutFlag inserts or refreshes a flag.
	PutFlag(ctx context.Context, f *model.FlaggedEntity) error

	// PurgeExpiredFlags removes flags whose expiry is at or before now,
	// returning how many were removed.
	PurgeExpiredFlags(ctx context.Context, now time.Time) (int, error)
}

// AuctionPatch is the auction state change committed together with a bid.
// The coordinator computes it inside the per-auction critical section, so
// values are absolute, not deltas.
type AuctionPatch struct {
	CurrentBid      decimal.Decimal
	HighestBidderID string
	TotalBids       int
	UniqueBidders   int
	EndTime         time.Time
	Extensions      int
}

// Apply writes the patch onto an auction.
func (p AuctionPatch) Apply(a *model.Auction) {
	a.CurrentBid = p.CurrentBid
	a.HighestBidderID = p.HighestBidderID
	a.TotalBids = p.TotalBids
	a.UniqueBidders = p.UniqueBidders
	a.EndTime = p.EndTime
	a.Extensions = p.Extensions
}
