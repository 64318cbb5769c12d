package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/getit-bd/auction-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu       sync.RWMutex
	auctions map[string]*model.Auction
	bids     map[string][]model.Bid // auctionID → commit-ordered bids
	names    map[string]string      // bidderID → display name
	flags    map[string]model.FlaggedEntity
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		auctions: make(map[string]*model.Auction),
		bids:     make(map[string][]model.Bid),
		names:    make(map[string]string),
		flags:    make(map[string]model.FlaggedEntity),
	}
}

func (s *MemoryStore) CreateAuction(_ context.Context, a *model.Auction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.auctions[a.ID]; ok {
		return fmt.Errorf("auction %s already exists", a.ID)
	}

	// Store a copy to avoid external mutation.
	cp := *a
	s.auctions[a.ID] = &cp
	return nil
}

func (s *MemoryStore) GetAuction(_ context.Context, id string) (*model.Auction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.auctions[id]
	if !ok {
		return nil, fmt.Errorf("auction %s: %w", id, ErrNotFound)
	}
	cp := *a
	return &cp, nil
}

func (s *MemoryStore) ListAuctions(_ context.Context) ([]model.Auction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	auctions := make([]model.Auction, 0, len(s.auctions))
	for _, a := range s.auctions {
		auctions = append(auctions, *a)
	}
	return auctions, nil
}

func (s *MemoryStore) UpdateAuctionStatus(_ context.Context, id string, status model.AuctionStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.auctions[id]
	if !ok {
		return fmt.Errorf("auction %s: %w", id, ErrNotFound)
	}
	a.Status = status
	return nil
}

func (s *MemoryStore) CommitBid(_ context.Context, bid *model.Bid, patch AuctionPatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.auctions[bid.AuctionID]
	if !ok {
		return fmt.Errorf("auction %s: %w", bid.AuctionID, ErrNotFound)
	}

	bid.Seq = len(s.bids[bid.AuctionID]) + 1
	s.bids[bid.AuctionID] = append(s.bids[bid.AuctionID], *bid)
	patch.Apply(a)
	return nil
}

func (s *MemoryStore) GetRecentBids(_ context.Context, auctionID string, n int) ([]model.Bid, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := s.bids[auctionID]
	if n > len(all) {
		n = len(all)
	}
	// Newest first.
	recent := make([]model.Bid, 0, n)
	for i := len(all) - 1; i >= len(all)-n; i-- {
		recent = append(recent, all[i])
	}
	return recent, nil
}

func (s *MemoryStore) GetBidsByBidder(_ context.Context, auctionID, bidderID string, since time.Time) ([]model.Bid, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Bid
	for _, b := range s.bids[auctionID] {
		if b.BidderID == bidderID && !b.PlacedAt.Before(since) {
			result = append(result, b)
		}
	}
	return result, nil
}

func (s *MemoryStore) HasBidderBid(_ context.Context, auctionID, bidderID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, b := range s.bids[auctionID] {
		if b.BidderID == bidderID {
			return true, nil
		}
	}
	return false, nil
}

func (s *MemoryStore) CountDistinctBiddersByIP(_ context.Context, ip string, since time.Time) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[string]struct{})
	for _, bids := range s.bids {
		for _, b := range bids {
			if b.IP == ip && !b.PlacedAt.Before(since) {
				seen[b.BidderID] = struct{}{}
			}
		}
	}
	return len(seen), nil
}

func (s *MemoryStore) GetBidderBidTimes(_ context.Context, bidderID string, limit int) ([]time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var times []time.Time
	for _, bids := range s.bids {
		for _, b := range bids {
			if b.BidderID == bidderID {
				times = append(times, b.PlacedAt)
			}
		}
	}
	// Newest first.
	sort.Slice(times, func(i, j int) bool { return times[i].After(times[j]) })
	if limit < len(times) {
		times = times[:limit]
	}
	return times, nil
}

func (s *MemoryStore) DisplayName(_ context.Context, bidderID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	name, ok := s.names[bidderID]
	if !ok {
		return "", fmt.Errorf("bidder %s: %w", bidderID, ErrNotFound)
	}
	return name, nil
}

// SetDisplayName registers a bidder display name. Intended for tests and
// development seeding.
func (s *MemoryStore) SetDisplayName(bidderID, name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.names[bidderID] = name
}

func (s *MemoryStore) GetFlag(_ context.Context, subject string) (*model.FlaggedEntity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	f, ok := s.flags[flagKey(subject)]
	if !ok {
		return nil, fmt.Errorf("flag %s: %w", subject, ErrNotFound)
	}
	cp := f
	return &cp, nil
}

func (s *MemoryStore) PutFlag(_ context.Context, f *model.FlaggedEntity) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.flags[flagKey(f.Subject)] = *f
	return nil
}

func (s *MemoryStore) PurgeExpiredFlags(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	purged := 0
	for key, f := range s.flags {
		if f.Expired(now) {
			delete(s.flags, key)
			purged++
		}
	}
	return purged, nil
}

// flagKey normalizes flag subjects so bidder ids and IPs share one namespace.
func flagKey(subject string) string {
	return strings.ToLower(strings.TrimSpace(subject))
}
