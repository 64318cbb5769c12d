package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/getit-bd/auction-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache. Writes go to the primary store and invalidate the cache; reads
// check Redis first then fall back to the primary.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) CreateAuction(ctx context.Context, a *model.Auction) error {
	if err := s.primary.CreateAuction(ctx, a); err != nil {
		return err
	}
	s.cacheAuction(ctx, a)
	return nil
}

func (s *CachedStore) UpdateAuctionStatus(ctx context.Context, id string, status model.AuctionStatus) error {
	if err := s.primary.UpdateAuctionStatus(ctx, id, status); err != nil {
		return err
	}
	// Invalidate cache; next read will re-populate.
	s.rdb.Del(ctx, auctionKey(id))
	return nil
}

func (s *CachedStore) CommitBid(ctx context.Context, bid *model.Bid, patch AuctionPatch) error {
	if err := s.primary.CommitBid(ctx, bid, patch); err != nil {
		return err
	}
	s.rdb.Del(ctx, auctionKey(bid.AuctionID))
	return nil
}

func (s *CachedStore) PutFlag(ctx context.Context, f *model.FlaggedEntity) error {
	if err := s.primary.PutFlag(ctx, f); err != nil {
		return err
	}
	s.cacheFlag(ctx, f)
	return nil
}

func (s *CachedStore) PurgeExpiredFlags(ctx context.Context, now time.Time) (int, error) {
	// Flag cache entries carry their own TTL, so only the primary needs
	// the sweep.
	return s.primary.PurgeExpiredFlags(ctx, now)
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetAuction(ctx context.Context, id string) (*model.Auction, error) {
	// Try cache.
	data, err := s.rdb.Get(ctx, auctionKey(id)).Bytes()
	if err == nil {
		var a model.Auction
		if json.Unmarshal(data, &a) == nil {
			return &a, nil
		}
	}

	// Cache miss: read from primary.
	a, err := s.primary.GetAuction(ctx, id)
	if err != nil {
		return nil, err
	}

	s.cacheAuction(ctx, a)
	return a, nil
}

func (s *CachedStore) DisplayName(ctx context.Context, bidderID string) (string, error) {
	name, err := s.rdb.Get(ctx, nameKey(bidderID)).Result()
	if err == nil {
		return name, nil
	}

	name, err = s.primary.DisplayName(ctx, bidderID)
	if err != nil {
		return "", err
	}

	s.rdb.Set(ctx, nameKey(bidderID), name, s.ttl)
	return name, nil
}

func (s *CachedStore) GetFlag(ctx context.Context, subject string) (*model.FlaggedEntity, error) {
	data, err := s.rdb.Get(ctx, flagCacheKey(subject)).Bytes()
	if err == nil {
		var f model.FlaggedEntity
		if json.Unmarshal(data, &f) == nil {
			return &f, nil
		}
	}

	f, err := s.primary.GetFlag(ctx, subject)
	if err != nil {
		return nil, err
	}

	s.cacheFlag(ctx, f)
	return f, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListAuctions(ctx context.Context) ([]model.Auction, error) {
	return s.primary.ListAuctions(ctx)
}

func (s *CachedStore) GetRecentBids(ctx context.Context, auctionID string, n int) ([]model.Bid, error) {
	return s.primary.GetRecentBids(ctx, auctionID, n)
}

func (s *CachedStore) GetBidsByBidder(ctx context.Context, auctionID, bidderID string, since time.Time) ([]model.Bid, error) {
	return s.primary.GetBidsByBidder(ctx, auctionID, bidderID, since)
}

func (s *CachedStore) HasBidderBid(ctx context.Context, auctionID, bidderID string) (bool, error) {
	return s.primary.HasBidderBid(ctx, auctionID, bidderID)
}

func (s *CachedStore) CountDistinctBiddersByIP(ctx context.Context, ip string, since time.Time) (int, error) {
	return s.primary.CountDistinctBiddersByIP(ctx, ip, since)
}

func (s *CachedStore) GetBidderBidTimes(ctx context.Context, bidderID string, limit int) ([]time.Time, error) {
	return s.primary.GetBidderBidTimes(ctx, bidderID, limit)
}

// --- Cache helpers ---

func (s *CachedStore) cacheAuction(ctx context.Context, a *model.Auction) {
	if data, err := json.Marshal(a); err == nil {
		s.rdb.Set(ctx, auctionKey(a.ID), data, s.ttl)
	}
}

func (s *CachedStore) cacheFlag(ctx context.Context, f *model.FlaggedEntity) {
	data, err := json.Marshal(f)
	if err != nil {
		return
	}
	// Cap the cache entry at the flag's own lifetime so an expired flag
	// can never be served from Redis.
	ttl := s.ttl
	if remaining := time.Until(f.ExpiresAt); remaining < ttl {
		ttl = remaining
	}
	if ttl <= 0 {
		return
	}
	s.rdb.Set(ctx, flagCacheKey(f.Subject), data, ttl)
}

func auctionKey(id string) string        { return fmt.Sprintf("auction:%s", id) }
func nameKey(bidderID string) string     { return fmt.Sprintf("bidder:name:%s", bidderID) }
func flagCacheKey(subject string) string { return fmt.Sprintf("fraud:flag:%s", subject) }
