// Package protocol defines the WebSocket wire contract: the client
// envelope, message type names, and event payloads.
package protocol

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// Envelope is the framing for every client message and server event:
// a type tag plus a type-specific payload.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Client → server message types.
const (
	MsgAuthenticate     = "authenticate"
	MsgJoinAuction      = "join_auction"
	MsgLeaveAuction     = "leave_auction"
	MsgPlaceBid         = "place_bid"
	MsgWatchAuction     = "watch_auction"
	MsgUnwatchAuction   = "unwatch_auction"
	MsgGetAuctionStatus = "get_auction_status"
	MsgHeartbeat        = "heartbeat"
)

// Server → client event types.
const (
	EventAuthSuccess      = "authentication_success"
	EventAuthError        = "authentication_error"
	EventAuctionStatus    = "auction_status"
	EventAuctionError     = "auction_error"
	EventNewBid           = "new_bid"
	EventBidSuccess       = "bid_success"
	EventBidError         = "bid_error"
	EventAuctionExtended  = "auction_extended"
	EventAuctionEnded     = "auction_ended"
	EventAuctionCancelled = "auction_cancelled"
	EventBidderJoined     = "bidder_joined"
	EventViewerLeft       = "viewer_left"
	EventWatchAck         = "watch_ack"
	EventHeartbeat        = "heartbeat"
)

// --- Client payloads ---

type Authenticate struct {
	UserID string `json:"userId"`
	Token  string `json:"token"`
}

type JoinAuction struct {
	AuctionID string `json:"auctionId"`
}

type LeaveAuction struct {
	AuctionID string `json:"auctionId"`
}

type PlaceBid struct {
	AuctionID string          `json:"auctionId"`
	BidAmount decimal.Decimal `json:"bidAmount"`
	UserID    string          `json:"userId"`
}

type WatchAuction struct {
	AuctionID string `json:"auctionId"`
	UserID    string `json:"userId"`
}

type GetAuctionStatus struct {
	AuctionID string `json:"auctionId"`
}

// --- Server payloads ---
// Monetary amounts cross the wire as strings to preserve decimal precision.

type AuthSuccess struct {
	UserID string `json:"userId"`
	Role   string `json:"role"`
}

type AuthError struct {
	Message string `json:"message"`
}

type AuctionError struct {
	Message string `json:"message"`
}

// BidSummary is one entry of an auction_status recent-bid list.
type BidSummary struct {
	BidderID string    `json:"bidderId"`
	Amount   string    `json:"amount"`
	PlacedAt time.Time `json:"placedAt"`
}

type AuctionStatus struct {
	AuctionID      string       `json:"auctionId"`
	Status         string       `json:"status"`
	CurrentBid     string       `json:"currentBid"`
	TotalBids      int          `json:"totalBids"`
	UniqueBidders  int          `json:"uniqueBidders"`
	Watchers       int          `json:"watchers"`
	TimeRemaining  int64        `json:"timeRemaining"` // seconds, floored at 0
	RecentBids     []BidSummary `json:"recentBids"`
	MinimumNextBid string       `json:"minimumNextBid"`
}

type NewBid struct {
	AuctionID     string `json:"auctionId"`
	Amount        string `json:"amount"`
	BidderID      string `json:"bidderId"`
	BidderName    string `json:"bidderName,omitempty"`
	TotalBids     int    `json:"totalBids"`
	TimeRemaining int64  `json:"timeRemaining"`
}

type BidSuccess struct {
	AuctionID string `json:"auctionId"`
	Amount    string `json:"amount"`
	Seq       int    `json:"seq"`
	TotalBids int    `json:"totalBids"`
}

type BidError struct {
	Message    string `json:"message"`
	MinimumBid string `json:"minimumBid,omitempty"`
}

type AuctionExtended struct {
	AuctionID  string    `json:"auctionId"`
	NewEndTime time.Time `json:"newEndTime"`
	ExtendedBy string    `json:"extendedBy"`
	Reason     string    `json:"reason"`
}

type AuctionEnded struct {
	AuctionID string `json:"auctionId"`
	FinalBid  string `json:"finalBid"`
	WinnerID  string `json:"winnerId,omitempty"`
	TotalBids int    `json:"totalBids"`
}

type AuctionCancelled struct {
	AuctionID string `json:"auctionId"`
}

type BidderJoined struct {
	AuctionID   string `json:"auctionId"`
	BidderCount int    `json:"bidderCount"`
}

type ViewerLeft struct {
	AuctionID   string `json:"auctionId"`
	ViewerCount int    `json:"viewerCount"`
}

type WatchAck struct {
	AuctionID string `json:"auctionId"`
	Watching  bool   `json:"watching"`
	Watchers  int    `json:"watchers"`
}

type Heartbeat struct {
	ServerTime time.Time `json:"serverTime"`
}

// Marshal frames a payload in an Envelope and returns the wire bytes.
func Marshal(msgType string, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Type: msgType, Payload: raw})
}
