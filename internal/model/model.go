// Package model defines the core domain types shared across the auction engine.
// All monetary values use shopspring/decimal — never float64 for money.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// AuctionStatus is the lifecycle state of an auction.
// Transitions only move forward: pending → active → {ended, cancelled}.
type AuctionStatus string

const (
	StatusPending   AuctionStatus = "pending"
	StatusActive    AuctionStatus = "active"
	StatusEnded     AuctionStatus = "ended"
	StatusCancelled AuctionStatus = "cancelled"
)

// Terminal reports whether no further transitions are allowed from s.
func (s AuctionStatus) Terminal() bool {
	return s == StatusEnded || s == StatusCancelled
}

// Auction is the authoritative state of one auction.
// CurrentBid never decreases over the auction's lifetime.
type Auction struct {
	ID              string          `json:"id" db:"id"`
	Title           string          `json:"title" db:"title"`
	StartPrice      decimal.Decimal `json:"start_price" db:"start_price"`
	CurrentBid      decimal.Decimal `json:"current_bid" db:"current_bid"`
	HighestBidderID string          `json:"highest_bidder_id,omitempty" db:"highest_bidder_id"`
	MinIncrement    decimal.Decimal `json:"min_increment" db:"min_increment"`
	EndTime         time.Time       `json:"end_time" db:"end_time"`
	TotalBids       int             `json:"total_bids" db:"total_bids"`
	UniqueBidders   int             `json:"unique_bidders" db:"unique_bidders"`
	Extensions      int             `json:"extensions" db:"extensions"`
	Status          AuctionStatus   `json:"status" db:"status"`
	AutoExtend      bool            `json:"auto_extend" db:"auto_extend"`
	CreatedAt       time.Time       `json:"created_at" db:"created_at"`
}

// MinimumNextBid is the floor the next bid must clear: CurrentBid + MinIncrement.
func (a *Auction) MinimumNextBid() decimal.Decimal {
	return a.CurrentBid.Add(a.MinIncrement)
}

// Bid is an immutable record of a committed bid. Seq is assigned by the
// store at commit time and is strictly monotonic per auction.
type Bid struct {
	ID        string          `json:"id" db:"id"`
	AuctionID string          `json:"auction_id" db:"auction_id"`
	BidderID  string          `json:"bidder_id" db:"bidder_id"`
	Amount    decimal.Decimal `json:"amount" db:"amount"`
	Seq       int             `json:"seq" db:"seq"`
	ConnID    string          `json:"conn_id,omitempty" db:"conn_id"`
	IP        string          `json:"ip,omitempty" db:"ip"`
	PlacedAt  time.Time       `json:"placed_at" db:"placed_at"`
}

// Flag subject kinds.
const (
	FlagKindBidder = "bidder"
	FlagKindIP     = "ip"
)

// FlaggedEntity marks a bidder or IP as suspicious until ExpiresAt.
// Every fraud evaluation for the subject reads it; a periodic sweep purges
// expired flags.
type FlaggedEntity struct {
	Subject   string    `json:"subject" db:"subject"`
	Kind      string    `json:"kind" db:"kind"`
	Reason    string    `json:"reason" db:"reason"`
	FlaggedAt time.Time `json:"flagged_at" db:"flagged_at"`
	ExpiresAt time.Time `json:"expires_at" db:"expires_at"`
}

// Expired reports whether the flag is past its expiry at the given instant.
func (f *FlaggedEntity) Expired(now time.Time) bool {
	return !now.Before(f.ExpiresAt)
}

// Signal severities.
const (
	SeverityLow    = "low"
	SeverityMedium = "medium"
	SeverityHigh   = "high"
)

// Signal is one contribution to a fraud verdict.
type Signal struct {
	Type     string `json:"type"`
	Severity string `json:"severity"`
	Score    int    `json:"score"`
	Evidence string `json:"evidence"`
}

// Verdict is the fraud engine's decision on one bid attempt.
// Score is additive over signals, capped at 100; Admitted is
// score < threshold.
type Verdict struct {
	Score    int      `json:"score"`
	Signals  []Signal `json:"signals"`
	Admitted bool     `json:"admitted"`
}

// BidAttempt carries everything the fraud engine needs to score a bid.
// Reference and Increment are the auction snapshot taken by the coordinator;
// the engine itself never loads or mutates auction state.
type BidAttempt struct {
	AuctionID string
	BidderID  string
	Amount    decimal.Decimal
	Reference decimal.Decimal // current highest bid (start price if none)
	Increment decimal.Decimal
	ConnID    string
	IP        string
	At        time.Time
}
