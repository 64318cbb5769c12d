package registry

import (
	"sync"

	"github.com/getit-bd/auction-engine/internal/metrics"
)

// Membership roles within a room. Bidders are also viewers so they
// receive the same broadcasts.
const (
	RoleViewer = "viewer"
	RoleBidder = "bidder"
)

type room struct {
	viewers map[string]struct{}
	bidders map[string]struct{}
}

// RoomChange reports one room affected by a bulk disconnect: the
// auction, the remaining viewer count, and whether the room was deleted.
type RoomChange struct {
	AuctionID   string
	ViewerCount int
	Deleted     bool
}

// Rooms tracks per-auction membership, keyed by auction id. Rooms are
// created lazily on first join and deleted when the viewer set empties;
// bidder membership alone never keeps a room alive. Auction existence
// is the caller's concern — the registry only tracks membership.
type Rooms struct {
	mu    sync.RWMutex
	rooms map[string]*room
}

// NewRooms creates an empty room registry.
func NewRooms() *Rooms {
	return &Rooms{rooms: make(map[string]*room)}
}

// Join adds the connection to the auction's room, creating the room on
// first join. Joining with RoleBidder also records bidder membership.
// Returned counts reflect membership after the join; newBidder reports
// whether this call added the connection to the bidder set.
func (r *Rooms) Join(auctionID, connID, role string) (viewers, bidders int, newBidder bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rm, ok := r.rooms[auctionID]
	if !ok {
		rm = &room{
			viewers: make(map[string]struct{}),
			bidders: make(map[string]struct{}),
		}
		r.rooms[auctionID] = rm
		metrics.AuctionRooms.Set(float64(len(r.rooms)))
	}

	rm.viewers[connID] = struct{}{}
	if role == RoleBidder {
		if _, seen := rm.bidders[connID]; !seen {
			rm.bidders[connID] = struct{}{}
			newBidder = true
		}
	}
	return len(rm.viewers), len(rm.bidders), newBidder
}

// Leave removes the connection from the room entirely (viewer and
// bidder membership). The room is deleted when its viewer set empties.
func (r *Rooms) Leave(auctionID, connID string) (viewers int, deleted bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rm, ok := r.rooms[auctionID]
	if !ok {
		return 0, false
	}

	delete(rm.viewers, connID)
	delete(rm.bidders, connID)

	if len(rm.viewers) == 0 {
		delete(r.rooms, auctionID)
		metrics.AuctionRooms.Set(float64(len(r.rooms)))
		return 0, true
	}
	return len(rm.viewers), false
}

// Members returns a copy of the room's viewer ids — the broadcast list.
func (r *Rooms) Members(auctionID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rm, ok := r.rooms[auctionID]
	if !ok {
		return nil
	}
	members := make([]string, 0, len(rm.viewers))
	for id := range rm.viewers {
		members = append(members, id)
	}
	return members
}

// ViewerCount reports the room's viewer count (0 for unknown rooms).
func (r *Rooms) ViewerCount(auctionID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rm, ok := r.rooms[auctionID]
	if !ok {
		return 0
	}
	return len(rm.viewers)
}

// BidderCount reports the room's bidder count (0 for unknown rooms).
func (r *Rooms) BidderCount(auctionID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rm, ok := r.rooms[auctionID]
	if !ok {
		return 0
	}
	return len(rm.bidders)
}

// IsEmpty reports whether the auction has no room or an empty one.
func (r *Rooms) IsEmpty(auctionID string) bool {
	return r.ViewerCount(auctionID) == 0
}

// Len reports the number of live rooms.
func (r *Rooms) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms)
}

// DropConn removes the connection from every room it belongs to,
// returning one change per affected room so the caller can broadcast
// departures to the remaining members.
func (r *Rooms) DropConn(connID string) []RoomChange {
	r.mu.Lock()
	defer r.mu.Unlock()

	var changes []RoomChange
	for auctionID, rm := range r.rooms {
		if _, ok := rm.viewers[connID]; !ok {
			if _, bidder := rm.bidders[connID]; !bidder {
				continue
			}
		}

		delete(rm.viewers, connID)
		delete(rm.bidders, connID)

		change := RoomChange{AuctionID: auctionID, ViewerCount: len(rm.viewers)}
		if len(rm.viewers) == 0 {
			delete(r.rooms, auctionID)
			change.Deleted = true
		}
		changes = append(changes, change)
	}

	if len(changes) > 0 {
		metrics.AuctionRooms.Set(float64(len(r.rooms)))
	}
	return changes
}
