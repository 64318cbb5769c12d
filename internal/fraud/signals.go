package fraud

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/getit-bd/auction-engine/internal/model"
)

// The checks below are pure functions over history the engine already
// fetched. bids slices from GetBidsByBidder arrive oldest first; the
// auction tape from GetRecentBids arrives newest first.

// velocitySignal fires when the attempt would be more than maxBids bids
// by this bidder on this auction inside the trailing window.
func velocitySignal(bids []model.Bid, attempt model.BidAttempt, maxBids int, window time.Duration) *model.Signal {
	since := attempt.At.Add(-window)
	count := 1 // the attempt itself
	for _, b := range bids {
		if !b.PlacedAt.Before(since) {
			count++
		}
	}
	if count <= maxBids {
		return nil
	}
	return &model.Signal{
		Type:     signalBidVelocity,
		Severity: model.SeverityMedium,
		Score:    scoreBidVelocity,
		Evidence: fmt.Sprintf("%d bids in %s", count, window),
	}
}

// rapidFireSignal fires when the gap between the bidder's previous bid
// on this auction and the attempt is below the human-plausible floor.
func rapidFireSignal(bids []model.Bid, attempt model.BidAttempt, minGap time.Duration) *model.Signal {
	if len(bids) == 0 {
		return nil
	}
	gap := attempt.At.Sub(bids[len(bids)-1].PlacedAt)
	if gap >= minGap {
		return nil
	}
	return &model.Signal{
		Type:     signalRapidFire,
		Severity: model.SeverityHigh,
		Score:    scoreRapidFire,
		Evidence: fmt.Sprintf("%.1fs since previous bid", gap.Seconds()),
	}
}

// incrementPatternSignal fires when the bidder's last three bids and
// the attempt are all exact multiples of the minimum increment —
// bot-like regularity rather than human amounts.
func incrementPatternSignal(bids []model.Bid, attempt model.BidAttempt) *model.Signal {
	if len(bids) < 3 || !attempt.Increment.IsPositive() {
		return nil
	}
	if !attempt.Amount.Mod(attempt.Increment).IsZero() {
		return nil
	}
	for _, b := range bids[len(bids)-3:] {
		if !b.Amount.Mod(attempt.Increment).IsZero() {
			return nil
		}
	}
	return &model.Signal{
		Type:     signalIncrementPattern,
		Severity: model.SeverityMedium,
		Score:    scoreIncrementPattern,
		Evidence: fmt.Sprintf("last 3 bids and attempt are exact multiples of %s", attempt.Increment),
	}
}

// amountJumpSignal fires when the attempt exceeds the jump factor times
// the current reference value (the standing highest bid).
func amountJumpSignal(attempt model.BidAttempt, factor decimal.Decimal) *model.Signal {
	if !attempt.Reference.IsPositive() {
		return nil
	}
	ceiling := attempt.Reference.Mul(factor)
	if attempt.Amount.LessThanOrEqual(ceiling) {
		return nil
	}
	return &model.Signal{
		Type:     signalAmountJump,
		Severity: model.SeverityHigh,
		Score:    scoreAmountJump,
		Evidence: fmt.Sprintf("bid %s exceeds %s× reference %s",
			attempt.Amount, factor, attempt.Reference),
	}
}

// coordinationSignal inspects the auction's recent tape (newest first)
// for a closed ring: at most maxBidders distinct bidders accounting for
// every recent bid, trading the lead back and forth. Returns the ring's
// bidder ids for flagging when it fires.
func coordinationSignal(recent []model.Bid, now time.Time, maxBidders int, window time.Duration) (*model.Signal, []string) {
	since := now.Add(-window)

	// Chronological order, window applied.
	var tape []model.Bid
	for i := len(recent) - 1; i >= 0; i-- {
		if !recent[i].PlacedAt.Before(since) {
			tape = append(tape, recent[i])
		}
	}
	if len(tape) < coordMinBids {
		return nil, nil
	}

	seen := make(map[string]struct{})
	for _, b := range tape {
		seen[b.BidderID] = struct{}{}
	}
	if len(seen) < 2 || len(seen) > maxBidders {
		return nil, nil
	}

	alternations := 0
	for i := 0; i+2 < len(tape); i++ {
		if tape[i].BidderID == tape[i+2].BidderID && tape[i].BidderID != tape[i+1].BidderID {
			alternations++
		}
	}
	if alternations < 2 {
		return nil, nil
	}

	ring := make([]string, 0, len(seen))
	for id := range seen {
		ring = append(ring, id)
	}

	return &model.Signal{
		Type:     signalCoordinated,
		Severity: model.SeverityHigh,
		Score:    scoreCoordinated,
		Evidence: fmt.Sprintf("%d bidders account for the last %d bids with %d alternations",
			len(seen), len(tape), alternations),
	}, ring
}

// oddHoursSignal fires when the attempt lands in an hour of day absent
// from the bidder's own established history. Advisory only.
func oddHoursSignal(times []time.Time, at time.Time) *model.Signal {
	if len(times) < oddHoursMinHistory {
		return nil
	}
	hours := make(map[int]struct{})
	for _, t := range times {
		hours[t.UTC().Hour()] = struct{}{}
	}
	hour := at.UTC().Hour()
	if _, ok := hours[hour]; ok {
		return nil
	}
	return &model.Signal{
		Type:     signalOddHours,
		Severity: model.SeverityLow,
		Score:    scoreOddHours,
		Evidence: fmt.Sprintf("bid at %02d:00 UTC outside the bidder's usual hours", hour),
	}
}
