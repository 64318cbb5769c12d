// Package fraud scores bid attempts against bidder, IP, and auction
// history. The engine is read-only over auction state; its only writes
// are to the flagged-entity store when a hard rule trips.
//
// Failure policy is fail-open: a failed history or flag query zeroes
// that signal, appends an analysis_error marker, and never blocks the
// bid.
package fraud

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/getit-bd/auction-engine/internal/metrics"
	"github.com/getit-bd/auction-engine/internal/model"
	"github.com/getit-bd/auction-engine/internal/store"
)

// Signal type names as they appear in verdicts and logs.
const (
	signalFlaggedBidder    = "flagged_bidder"
	signalFlaggedIP        = "flagged_ip"
	signalMultiAccountIP   = "multi_account_ip"
	signalBidVelocity      = "bid_velocity"
	signalRapidFire        = "rapid_fire"
	signalIncrementPattern = "increment_pattern"
	signalAmountJump       = "amount_jump"
	signalCoordinated      = "coordinated_bidding"
	signalOddHours         = "odd_hours"
	signalAnalysisError    = "analysis_error"
)

// Per-signal penalties. Additive; the total is capped at maxScore.
const (
	scoreFlaggedBidder    = 60
	scoreFlaggedIP        = 60
	scoreMultiAccountIP   = 50
	scoreBidVelocity      = 30
	scoreRapidFire        = 40
	scoreIncrementPattern = 25
	scoreAmountJump       = 45
	scoreCoordinated      = 55
	scoreOddHours         = 10
)

const (
	maxScore = 100

	// coordLookback bounds the auction tape consulted for coordination.
	coordLookback = 20
	// coordMinBids is the smallest tape worth testing for coordination;
	// below it any two-bidder exchange would look like alternation.
	coordMinBids = 6
	// oddHoursMinHistory is the sample floor before a bidder's own
	// hour-of-day rhythm is considered established.
	oddHoursMinHistory = 10
	// bidTimeLookback bounds the bidder rhythm sample.
	bidTimeLookback = 100
)

// Config carries the engine's thresholds. Zero values are not usable;
// start from DefaultConfig.
type Config struct {
	Threshold       int             // admitted = score < Threshold
	IPBidderMax     int             // distinct bidders tolerated per IP
	IPWindow        time.Duration   // trailing window for the IP check
	VelocityMaxBids int             // bids tolerated per bidder per auction
	VelocityWindow  time.Duration   // trailing window for velocity
	MinBidGap       time.Duration   // smallest human-plausible gap
	JumpFactor      decimal.Decimal // reference multiple treated as a jump
	CoordWindow     time.Duration   // trailing window for coordination
	CoordMaxBidders int             // distinct bidders for a closed ring
	FlagTTL         time.Duration   // lifetime of auto-flags
}

// DefaultConfig returns the production thresholds.
func DefaultConfig() Config {
	return Config{
		Threshold:       60,
		IPBidderMax:     3,
		IPWindow:        24 * time.Hour,
		VelocityMaxBids: 5,
		VelocityWindow:  10 * time.Minute,
		MinBidGap:       5 * time.Second,
		JumpFactor:      decimal.NewFromInt(2),
		CoordWindow:     30 * time.Minute,
		CoordMaxBidders: 3,
		FlagTTL:         7 * 24 * time.Hour,
	}
}

// Engine evaluates bid attempts. Safe for concurrent use.
type Engine struct {
	store store.Store
	cfg   Config
}

// NewEngine creates a risk engine over the given store.
func NewEngine(st store.Store, cfg Config) *Engine {
	return &Engine{store: st, cfg: cfg}
}

// Evaluate scores one bid attempt. It never returns an error: query
// failures degrade to an analysis_error signal and the verdict admits.
func (e *Engine) Evaluate(ctx context.Context, attempt model.BidAttempt) model.Verdict {
	var signals []model.Signal
	queryFailed := false

	// Flag store lookups for the bidder and the originating IP.
	s, err := e.flagSignal(ctx, attempt.BidderID, signalFlaggedBidder, attempt.At)
	if err != nil {
		queryFailed = true
		slog.Warn("fraud: bidder flag lookup failed", "bidder_id", attempt.BidderID, "err", err)
	} else if s != nil {
		signals = append(signals, *s)
	}

	if attempt.IP != "" {
		s, err := e.flagSignal(ctx, attempt.IP, signalFlaggedIP, attempt.At)
		if err != nil {
			queryFailed = true
			slog.Warn("fraud: ip flag lookup failed", "ip", attempt.IP, "err", err)
		} else if s != nil {
			signals = append(signals, *s)
		}

		s, err = e.multiAccountSignal(ctx, attempt)
		if err != nil {
			queryFailed = true
			slog.Warn("fraud: ip bidder count failed", "ip", attempt.IP, "err", err)
		} else if s != nil {
			signals = append(signals, *s)
		}
	}

	// The bidder's own history on this auction drives velocity, rapid
	// fire, and the increment-regularity check.
	bidderBids, err := e.store.GetBidsByBidder(ctx, attempt.AuctionID, attempt.BidderID, time.Time{})
	if err != nil {
		queryFailed = true
		slog.Warn("fraud: bidder history query failed", "bidder_id", attempt.BidderID, "err", err)
	} else {
		if s := velocitySignal(bidderBids, attempt, e.cfg.VelocityMaxBids, e.cfg.VelocityWindow); s != nil {
			signals = append(signals, *s)
		}
		if s := rapidFireSignal(bidderBids, attempt, e.cfg.MinBidGap); s != nil {
			signals = append(signals, *s)
		}
		if s := incrementPatternSignal(bidderBids, attempt); s != nil {
			signals = append(signals, *s)
		}
	}

	if s := amountJumpSignal(attempt, e.cfg.JumpFactor); s != nil {
		signals = append(signals, *s)
	}

	// The auction's recent tape drives the coordination check.
	recent, err := e.store.GetRecentBids(ctx, attempt.AuctionID, coordLookback)
	if err != nil {
		queryFailed = true
		slog.Warn("fraud: auction tape query failed", "auction_id", attempt.AuctionID, "err", err)
	} else if s, ring := coordinationSignal(recent, attempt.At, e.cfg.CoordMaxBidders, e.cfg.CoordWindow); s != nil {
		signals = append(signals, *s)
		for _, bidderID := range ring {
			e.autoFlag(ctx, bidderID, model.FlagKindBidder, "coordinated bidding ring", attempt.At)
		}
	}

	// The bidder's global bid times drive the hour-of-day check.
	times, err := e.store.GetBidderBidTimes(ctx, attempt.BidderID, bidTimeLookback)
	if err != nil {
		queryFailed = true
		slog.Warn("fraud: bid time query failed", "bidder_id", attempt.BidderID, "err", err)
	} else if s := oddHoursSignal(times, attempt.At); s != nil {
		signals = append(signals, *s)
	}

	if queryFailed {
		signals = append(signals, model.Signal{
			Type:     signalAnalysisError,
			Severity: model.SeverityLow,
			Score:    0,
			Evidence: "one or more history queries failed; scored without them",
		})
	}

	score := 0
	for _, sig := range signals {
		score += sig.Score
	}
	if score > maxScore {
		score = maxScore
	}

	metrics.FraudScore.Observe(float64(score))
	return model.Verdict{
		Score:    score,
		Signals:  signals,
		Admitted: score < e.cfg.Threshold,
	}
}

// flagSignal checks the flag store for the subject. A missing or
// expired flag yields no signal; only query failures return an error.
func (e *Engine) flagSignal(ctx context.Context, subject, signalType string, now time.Time) (*model.Signal, error) {
	f, err := e.store.GetFlag(ctx, subject)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if f.Expired(now) {
		return nil, nil
	}

	score := scoreFlaggedBidder
	if signalType == signalFlaggedIP {
		score = scoreFlaggedIP
	}
	return &model.Signal{
		Type:     signalType,
		Severity: model.SeverityHigh,
		Score:    score,
		Evidence: fmt.Sprintf("%s flagged: %s", f.Kind, f.Reason),
	}, nil
}

// multiAccountSignal counts distinct bidders seen from the attempt's IP
// inside the trailing window. Crossing the threshold also flags the IP.
func (e *Engine) multiAccountSignal(ctx context.Context, attempt model.BidAttempt) (*model.Signal, error) {
	since := attempt.At.Add(-e.cfg.IPWindow)
	n, err := e.store.CountDistinctBiddersByIP(ctx, attempt.IP, since)
	if err != nil {
		return nil, err
	}
	if n <= e.cfg.IPBidderMax {
		return nil, nil
	}

	e.autoFlag(ctx, attempt.IP, model.FlagKindIP,
		fmt.Sprintf("%d distinct bidders in %s", n, e.cfg.IPWindow), attempt.At)

	return &model.Signal{
		Type:     signalMultiAccountIP,
		Severity: model.SeverityHigh,
		Score:    scoreMultiAccountIP,
		Evidence: fmt.Sprintf("%d distinct bidders from %s in %s", n, attempt.IP, e.cfg.IPWindow),
	}, nil
}

// autoFlag writes a flag with the engine's TTL. Write failures are
// logged and otherwise ignored — flagging is advisory state, not part
// of the admit decision for the current bid.
func (e *Engine) autoFlag(ctx context.Context, subject, kind, reason string, now time.Time) {
	f := &model.FlaggedEntity{
		Subject:   subject,
		Kind:      kind,
		Reason:    reason,
		FlaggedAt: now,
		ExpiresAt: now.Add(e.cfg.FlagTTL),
	}
	if err := e.store.PutFlag(ctx, f); err != nil {
		slog.Warn("fraud: flag write failed", "subject", subject, "kind", kind, "err", err)
		return
	}
	metrics.FraudFlags.WithLabelValues(kind).Inc()
	slog.Info("fraud: entity flagged",
		"subject", subject,
		"kind", kind,
		"reason", reason,
		"expires_at", f.ExpiresAt,
	)
}
