// Package registry tracks live client connections and per-auction room
// membership. Both registries are mutex-guarded maps; neither performs
// I/O, so callers may hold their own locks across registry calls.
package registry

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/getit-bd/auction-engine/internal/clock"
	"github.com/getit-bd/auction-engine/internal/metrics"
)

// sendQueueSize bounds each connection's outbound queue. A connection
// that cannot drain this many frames is treated as failed.
const sendQueueSize = 256

// Conn is one live client connection. The transport's write pump drains
// the outbound queue; Enqueue never blocks.
type Conn struct {
	ID     string
	UserID string // set by the transport after authenticate
	Role   string

	send chan []byte
	done chan struct{}
}

// Enqueue offers a frame to the outbound queue. It returns false when
// the connection is unregistered or its queue is full; the caller
// decides whether that is fatal for the connection.
func (c *Conn) Enqueue(msg []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- msg:
		return true
	case <-c.done:
		return false
	default:
		return false
	}
}

// Outbound is the queue drained by the write pump.
func (c *Conn) Outbound() <-chan []byte { return c.send }

// Done is closed when the connection is unregistered.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Connections owns the set of live connections keyed by id.
type Connections struct {
	mu       sync.RWMutex
	conns    map[string]*Conn
	lastBeat map[string]time.Time
	clk      clock.Clock

	// OnUnregister, when set, runs after a connection is removed.
	// The server wiring uses it to drop the connection from all rooms
	// and notify remaining members.
	OnUnregister func(connID string)
}

// NewConnections creates an empty connection registry.
func NewConnections(clk clock.Clock) *Connections {
	return &Connections{
		conns:    make(map[string]*Conn),
		lastBeat: make(map[string]time.Time),
		clk:      clk,
	}
}

// Register allocates a connection with a fresh id and outbound queue.
func (r *Connections) Register() *Conn {
	c := &Conn{
		ID:   uuid.New().String(),
		send: make(chan []byte, sendQueueSize),
		done: make(chan struct{}),
	}

	r.mu.Lock()
	r.conns[c.ID] = c
	r.lastBeat[c.ID] = r.clk.Now()
	total := len(r.conns)
	r.mu.Unlock()

	metrics.WSConnections.Set(float64(total))
	slog.Info("connection registered", "conn_id", c.ID, "total", total)
	return c
}

// Unregister removes the connection and signals its write pump.
// Idempotent: safe to call from a disconnect event and from the sweep
// concurrently; the removal and hook fire once.
func (r *Connections) Unregister(id string) {
	r.mu.Lock()
	c, ok := r.conns[id]
	if ok {
		delete(r.conns, id)
		delete(r.lastBeat, id)
	}
	total := len(r.conns)
	r.mu.Unlock()

	if !ok {
		return
	}

	close(c.done)
	metrics.WSConnections.Set(float64(total))
	slog.Info("connection unregistered", "conn_id", id, "total", total)

	if r.OnUnregister != nil {
		r.OnUnregister(id)
	}
}

// Get returns the connection with the given id.
func (r *Connections) Get(id string) (*Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[id]
	return c, ok
}

// Touch records a heartbeat for the connection.
func (r *Connections) Touch(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.conns[id]; ok {
		r.lastBeat[id] = r.clk.Now()
	}
}

// Len reports the number of live connections.
func (r *Connections) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// SweepStale unregisters every connection whose last heartbeat is older
// than timeout and returns their ids. Eviction runs through Unregister,
// so room cleanup and departure broadcasts fire as on any disconnect.
func (r *Connections) SweepStale(timeout time.Duration) []string {
	cutoff := r.clk.Now().Add(-timeout)

	r.mu.RLock()
	var stale []string
	for id, beat := range r.lastBeat {
		if beat.Before(cutoff) {
			stale = append(stale, id)
		}
	}
	r.mu.RUnlock()

	for _, id := range stale {
		slog.Warn("evicting stale connection", "conn_id", id)
		r.Unregister(id)
	}
	return stale
}
