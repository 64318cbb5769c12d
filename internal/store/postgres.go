package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/getit-bd/auction-engine/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) CreateAuction(ctx context.Context, a *model.Auction) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO auctions (id, title, start_price, current_bid, highest_bidder_id, min_increment,
		                       end_time, total_bids, unique_bidders, extensions, status, auto_extend, created_at)
		 VALUES ($1, $2, $3::NUMERIC, $4::NUMERIC, $5, $6::NUMERIC, $7, $8, $9, $10, $11, $12, $13)`,
		a.ID, a.Title,
		a.StartPrice.String(), a.CurrentBid.String(),
		a.HighestBidderID, a.MinIncrement.String(),
		a.EndTime, a.TotalBids, a.UniqueBidders, a.Extensions,
		a.Status, a.AutoExtend, a.CreatedAt,
	)
	return err
}

func (s *PostgresStore) GetAuction(ctx context.Context, id string) (*model.Auction, error) {
	var a model.Auction
	var startPrice, currentBid, minIncrement string

	err := s.pool.QueryRow(ctx,
		`SELECT id, title,
		        start_price::TEXT, current_bid::TEXT, highest_bidder_id, min_increment::TEXT,
		        end_time, total_bids, unique_bidders, extensions, status, auto_extend, created_at
		 FROM auctions WHERE id = $1`, id).
		Scan(&a.ID, &a.Title,
			&startPrice, &currentBid, &a.HighestBidderID, &minIncrement,
			&a.EndTime, &a.TotalBids, &a.UniqueBidders, &a.Extensions,
			&a.Status, &a.AutoExtend, &a.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("auction %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get auction %s: %w", id, err)
	}

	a.StartPrice, _ = decimal.NewFromString(startPrice)
	a.CurrentBid, _ = decimal.NewFromString(currentBid)
	a.MinIncrement, _ = decimal.NewFromString(minIncrement)

	return &a, nil
}

func (s *PostgresStore) ListAuctions(ctx context.Context) ([]model.Auction, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, title,
		        start_price::TEXT, current_bid::TEXT, highest_bidder_id, min_increment::TEXT,
		        end_time, total_bids, unique_bidders, extensions, status, auto_extend, created_at
		 FROM auctions ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var auctions []model.Auction
	for rows.Next() {
		var a model.Auction
		var startPrice, currentBid, minIncrement string
		if err := rows.Scan(&a.ID, &a.Title,
			&startPrice, &currentBid, &a.HighestBidderID, &minIncrement,
			&a.EndTime, &a.TotalBids, &a.UniqueBidders, &a.Extensions,
			&a.Status, &a.AutoExtend, &a.CreatedAt); err != nil {
			return nil, err
		}
		a.StartPrice, _ = decimal.NewFromString(startPrice)
		a.CurrentBid, _ = decimal.NewFromString(currentBid)
		a.MinIncrement, _ = decimal.NewFromString(minIncrement)
		auctions = append(auctions, a)
	}
	return auctions, rows.Err()
}

func (s *PostgresStore) UpdateAuctionStatus(ctx context.Context, id string, status model.AuctionStatus) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE auctions SET status = $2 WHERE id = $1`, id, status)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("auction %s: %w", id, ErrNotFound)
	}
	return nil
}

// CommitBid appends the bid and applies the auction patch in a single
// transaction. The auction row is locked first so the sequence number
// assigned from the bid count cannot collide.
func (s *PostgresStore) CommitBid(ctx context.Context, bid *model.Bid, patch AuctionPatch) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin commit bid: %w", err)
	}
	defer tx.Rollback(ctx)

	var lockedID string
	err = tx.QueryRow(ctx,
		`SELECT id FROM auctions WHERE id = $1 FOR UPDATE`, bid.AuctionID).Scan(&lockedID)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("auction %s: %w", bid.AuctionID, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("lock auction %s: %w", bid.AuctionID, err)
	}

	var seq int
	if err := tx.QueryRow(ctx,
		`SELECT COUNT(*) + 1 FROM bids WHERE auction_id = $1`, bid.AuctionID).Scan(&seq); err != nil {
		return fmt.Errorf("next seq for auction %s: %w", bid.AuctionID, err)
	}
	bid.Seq = seq

	if _, err := tx.Exec(ctx,
		`INSERT INTO bids (id, auction_id, bidder_id, amount, seq, conn_id, ip, placed_at)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5, $6, $7, $8)`,
		bid.ID, bid.AuctionID, bid.BidderID, bid.Amount.String(),
		bid.Seq, bid.ConnID, bid.IP, bid.PlacedAt,
	); err != nil {
		return fmt.Errorf("insert bid: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`UPDATE auctions
		 SET current_bid = $2::NUMERIC, highest_bidder_id = $3,
		     total_bids = $4, unique_bidders = $5,
		     end_time = $6, extensions = $7
		 WHERE id = $1`,
		bid.AuctionID, patch.CurrentBid.String(), patch.HighestBidderID,
		patch.TotalBids, patch.UniqueBidders,
		patch.EndTime, patch.Extensions,
	); err != nil {
		return fmt.Errorf("patch auction %s: %w", bid.AuctionID, err)
	}

	return tx.Commit(ctx)
}

func (s *PostgresStore) GetRecentBids(ctx context.Context, auctionID string, n int) ([]model.Bid, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, auction_id, bidder_id, amount::TEXT, seq, conn_id, ip, placed_at
		 FROM bids WHERE auction_id = $1 ORDER BY seq DESC LIMIT $2`, auctionID, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanBids(rows)
}

func (s *PostgresStore) GetBidsByBidder(ctx context.Context, auctionID, bidderID string, since time.Time) ([]model.Bid, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, auction_id, bidder_id, amount::TEXT, seq, conn_id, ip, placed_at
		 FROM bids WHERE auction_id = $1 AND bidder_id = $2 AND placed_at >= $3
		 ORDER BY seq`, auctionID, bidderID, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanBids(rows)
}

func (s *PostgresStore) HasBidderBid(ctx context.Context, auctionID, bidderID string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM bids WHERE auction_id = $1 AND bidder_id = $2)`,
		auctionID, bidderID).Scan(&exists)
	return exists, err
}

func (s *PostgresStore) CountDistinctBiddersByIP(ctx context.Context, ip string, since time.Time) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(DISTINCT bidder_id) FROM bids WHERE ip = $1 AND placed_at >= $2`,
		ip, since).Scan(&count)
	return count, err
}

func (s *PostgresStore) GetBidderBidTimes(ctx context.Context, bidderID string, limit int) ([]time.Time, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT placed_at FROM bids WHERE bidder_id = $1 ORDER BY placed_at DESC LIMIT $2`,
		bidderID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var times []time.Time
	for rows.Next() {
		var t time.Time
		if err := rows.Scan(&t); err != nil {
			return nil, err
		}
		times = append(times, t)
	}
	return times, rows.Err()
}

func (s *PostgresStore) DisplayName(ctx context.Context, bidderID string) (string, error) {
	var name string
	err := s.pool.QueryRow(ctx,
		`SELECT display_name FROM bidders WHERE id = $1`, bidderID).Scan(&name)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("bidder %s: %w", bidderID, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("display name %s: %w", bidderID, err)
	}
	return name, nil
}

func (s *PostgresStore) GetFlag(ctx context.Context, subject string) (*model.FlaggedEntity, error) {
	var f model.FlaggedEntity
	err := s.pool.QueryRow(ctx,
		`SELECT subject, kind, reason, flagged_at, expires_at
		 FROM fraud_flags WHERE subject = $1`, subject).
		Scan(&f.Subject, &f.Kind, &f.Reason, &f.FlaggedAt, &f.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("flag %s: %w", subject, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get flag %s: %w", subject, err)
	}
	return &f, nil
}

func (s *PostgresStore) PutFlag(ctx context.Context, f *model.FlaggedEntity) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO fraud_flags (subject, kind, reason, flagged_at, expires_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (subject) DO UPDATE
		 SET kind = EXCLUDED.kind, reason = EXCLUDED.reason,
		     flagged_at = EXCLUDED.flagged_at, expires_at = EXCLUDED.expires_at`,
		f.Subject, f.Kind, f.Reason, f.FlaggedAt, f.ExpiresAt,
	)
	return err
}

func (s *PostgresStore) PurgeExpiredFlags(ctx context.Context, now time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM fraud_flags WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

// pgxRows is the subset of pgx.Rows that scanBids needs.
type pgxRows interface {
	Next() bool
	Scan(dest ...interface{}) error
	Err() error
}

func scanBids(rows pgxRows) ([]model.Bid, error) {
	var bids []model.Bid
	for rows.Next() {
		var b model.Bid
		var amount string

		if err := rows.Scan(&b.ID, &b.AuctionID, &b.BidderID, &amount,
			&b.Seq, &b.ConnID, &b.IP, &b.PlacedAt); err != nil {
			return nil, err
		}

		b.Amount, _ = decimal.NewFromString(amount)
		bids = append(bids, b)
	}
	return bids, rows.Err()
}
