package bidding

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// Sentinel errors returned by the coordinator. Transports map these to
// their own error surfaces (WebSocket bid_error/auction_error payloads,
// HTTP status codes).
var (
	ErrAuctionNotFound   = errors.New("auction not found")
	ErrAuctionNotActive  = errors.New("auction is not accepting bids")
	ErrAuctionEnded      = errors.New("auction has ended")
	ErrFraudBlocked      = errors.New("bid rejected by risk checks")
	ErrInvalidInput      = errors.New("invalid input")
	ErrInvalidTransition = errors.New("invalid auction state transition")

	// ErrTransient marks storage failures that survived the retry
	// budget. The bid was not committed; the caller may try again.
	ErrTransient = errors.New("temporary failure, please retry")
)

// BidTooLowError rejects a bid below the current floor and carries the
// minimum acceptable amount for the caller to surface.
type BidTooLowError struct {
	MinimumBid decimal.Decimal
}

func (e *BidTooLowError) Error() string {
	return fmt.Sprintf("bid too low: minimum acceptable bid is %s", e.MinimumBid)
}
