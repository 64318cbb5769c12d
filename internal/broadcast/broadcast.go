// Package broadcast delivers auction events to room members in commit
// order.
package broadcast

import (
	"log/slog"
	"sync"

	"github.com/getit-bd/auction-engine/internal/metrics"
	"github.com/getit-bd/auction-engine/internal/protocol"
	"github.com/getit-bd/auction-engine/internal/registry"
)

// Fanout marshals an event once and enqueues it to every member of the
// auction's room. A per-auction publish lock makes the member snapshot
// and enqueue loop atomic per event, so every member observes one
// auction's events in the same order the publishers emitted them.
type Fanout struct {
	conns *registry.Connections
	rooms *registry.Rooms

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewFanout creates a fan-out over the given registries.
func NewFanout(conns *registry.Connections, rooms *registry.Rooms) *Fanout {
	return &Fanout{
		conns: conns,
		rooms: rooms,
		locks: make(map[string]*sync.Mutex),
	}
}

// Publish sends one event to every member of the auction's room. A
// member whose queue is full or closed is treated as failed: it is
// unregistered and delivery to the rest continues.
func (f *Fanout) Publish(auctionID, eventType string, payload any) {
	data, err := protocol.Marshal(eventType, payload)
	if err != nil {
		slog.Error("marshal broadcast event", "type", eventType, "err", err)
		return
	}

	var failed []string

	lock := f.publishLock(auctionID)
	lock.Lock()
	for _, id := range f.rooms.Members(auctionID) {
		conn, ok := f.conns.Get(id)
		if !ok {
			continue
		}
		if !conn.Enqueue(data) {
			failed = append(failed, id)
		}
	}
	lock.Unlock()

	metrics.BroadcastEvents.WithLabelValues(eventType).Inc()

	// Evict after releasing the publish lock: unregistering cascades
	// into a departure broadcast on this same auction.
	for _, id := range failed {
		slog.Warn("dropping unresponsive connection", "conn_id", id, "event", eventType)
		metrics.BroadcastFailures.Inc()
		f.conns.Unregister(id)
	}
}

// Direct sends one event to a single connection, with the same failure
// discipline as Publish. Used for replies that are not room state:
// status responses, bid receipts, errors.
func (f *Fanout) Direct(connID, eventType string, payload any) {
	data, err := protocol.Marshal(eventType, payload)
	if err != nil {
		slog.Error("marshal direct event", "type", eventType, "err", err)
		return
	}

	conn, ok := f.conns.Get(connID)
	if !ok {
		return
	}
	if !conn.Enqueue(data) {
		slog.Warn("dropping unresponsive connection", "conn_id", connID, "event", eventType)
		metrics.BroadcastFailures.Inc()
		f.conns.Unregister(connID)
	}
}

func (f *Fanout) publishLock(auctionID string) *sync.Mutex {
	f.mu.Lock()
	defer f.mu.Unlock()
	lock, ok := f.locks[auctionID]
	if !ok {
		lock = &sync.Mutex{}
		f.locks[auctionID] = lock
	}
	return lock
}
