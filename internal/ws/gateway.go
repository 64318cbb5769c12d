// Package ws is the WebSocket transport: it upgrades connections,
// decodes client envelopes, and drives the bid coordinator.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/getit-bd/auction-engine/internal/bidding"
	"github.com/getit-bd/auction-engine/internal/broadcast"
	"github.com/getit-bd/auction-engine/internal/clock"
	"github.com/getit-bd/auction-engine/internal/protocol"
	"github.com/getit-bd/auction-engine/internal/registry"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	maxMessageSize = 4096

	// opTimeout bounds coordinator calls. Handlers run on a
	// server-scoped context, not the connection's: a mid-flight bid
	// still resolves to a definite commit or reject when the socket
	// drops.
	opTimeout = 10 * time.Second
)

// AuthFunc validates a userId/token pair and returns the caller's role.
type AuthFunc func(ctx context.Context, userID, token string) (string, error)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true // Allow all origins during development.
	},
}

// Gateway handles WebSocket clients at GET /ws.
type Gateway struct {
	conns  *registry.Connections
	coord  *bidding.Coordinator
	fanout *broadcast.Fanout
	auth   AuthFunc
	clk    clock.Clock
}

// NewGateway creates a gateway over the given collaborators.
func NewGateway(conns *registry.Connections, coord *bidding.Coordinator, fanout *broadcast.Fanout, auth AuthFunc, clk clock.Clock) *Gateway {
	return &Gateway{
		conns:  conns,
		coord:  coord,
		fanout: fanout,
		auth:   auth,
		clk:    clk,
	}
}

// HandleWS upgrades the request and starts the connection's pumps.
func (g *Gateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	sock, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("ws upgrade failed", "err", err)
		return
	}

	conn := g.conns.Register()
	ip := clientIP(r)

	go g.writePump(sock, conn)
	go g.readPump(sock, conn, ip)
}

// readPump decodes client messages until the socket fails, then
// unregisters the connection (which cascades into room cleanup).
func (g *Gateway) readPump(sock *websocket.Conn, conn *registry.Conn, ip string) {
	defer func() {
		g.conns.Unregister(conn.ID)
		sock.Close()
	}()

	sock.SetReadLimit(maxMessageSize)
	sock.SetReadDeadline(time.Now().Add(pongWait))
	sock.SetPongHandler(func(string) error {
		sock.SetReadDeadline(time.Now().Add(pongWait))
		g.conns.Touch(conn.ID)
		return nil
	})

	for {
		_, data, err := sock.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Info("ws read failed", "conn_id", conn.ID, "err", err)
			}
			return
		}
		sock.SetReadDeadline(time.Now().Add(pongWait))
		g.dispatch(conn, ip, data)
	}
}

// writePump drains the outbound queue and keeps the connection alive
// through proxies with periodic pings.
func (g *Gateway) writePump(sock *websocket.Conn, conn *registry.Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		sock.Close()
	}()

	for {
		select {
		case msg := <-conn.Outbound():
			sock.SetWriteDeadline(time.Now().Add(writeWait))
			if err := sock.WriteMessage(websocket.TextMessage, msg); err != nil {
				g.conns.Unregister(conn.ID)
				return
			}
		case <-ticker.C:
			sock.SetWriteDeadline(time.Now().Add(writeWait))
			if err := sock.WriteMessage(websocket.PingMessage, nil); err != nil {
				g.conns.Unregister(conn.ID)
				return
			}
		case <-conn.Done():
			return
		}
	}
}

// dispatch routes one decoded envelope. Any well-formed message counts
// as liveness; the explicit heartbeat additionally gets a reply.
func (g *Gateway) dispatch(conn *registry.Conn, ip string, data []byte) {
	var env protocol.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		g.fanout.Direct(conn.ID, protocol.EventAuctionError, protocol.AuctionError{Message: "malformed message"})
		return
	}

	g.conns.Touch(conn.ID)

	switch env.Type {
	case protocol.MsgAuthenticate:
		g.handleAuthenticate(conn, env.Payload)
	case protocol.MsgJoinAuction:
		g.handleJoin(conn, env.Payload)
	case protocol.MsgLeaveAuction:
		g.handleLeave(conn, env.Payload)
	case protocol.MsgPlaceBid:
		g.handlePlaceBid(conn, ip, env.Payload)
	case protocol.MsgWatchAuction:
		g.handleWatch(conn, env.Payload, true)
	case protocol.MsgUnwatchAuction:
		g.handleWatch(conn, env.Payload, false)
	case protocol.MsgGetAuctionStatus:
		g.handleStatus(conn, env.Payload)
	case protocol.MsgHeartbeat:
		g.fanout.Direct(conn.ID, protocol.EventHeartbeat, protocol.Heartbeat{ServerTime: g.clk.Now()})
	default:
		g.fanout.Direct(conn.ID, protocol.EventAuctionError, protocol.AuctionError{Message: "unknown message type: " + env.Type})
	}
}

func (g *Gateway) handleAuthenticate(conn *registry.Conn, payload json.RawMessage) {
	var req protocol.Authenticate
	if err := json.Unmarshal(payload, &req); err != nil || req.UserID == "" || req.Token == "" {
		g.fanout.Direct(conn.ID, protocol.EventAuthError, protocol.AuthError{Message: "userId and token are required"})
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	role, err := g.auth(ctx, req.UserID, req.Token)
	if err != nil {
		slog.Warn("authentication failed", "conn_id", conn.ID, "user_id", req.UserID, "err", err)
		g.fanout.Direct(conn.ID, protocol.EventAuthError, protocol.AuthError{Message: "authentication failed"})
		return
	}

	conn.UserID = req.UserID
	conn.Role = role
	slog.Info("connection authenticated", "conn_id", conn.ID, "user_id", req.UserID, "role", role)
	g.fanout.Direct(conn.ID, protocol.EventAuthSuccess, protocol.AuthSuccess{UserID: req.UserID, Role: role})
}

func (g *Gateway) handleJoin(conn *registry.Conn, payload json.RawMessage) {
	var req protocol.JoinAuction
	if err := json.Unmarshal(payload, &req); err != nil || req.AuctionID == "" {
		g.fanout.Direct(conn.ID, protocol.EventAuctionError, protocol.AuctionError{Message: "auctionId is required"})
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	// JoinAuction delivers the auction_status snapshot itself, inside
	// the auction's critical section.
	if _, err := g.coord.JoinAuction(ctx, req.AuctionID, conn.ID, registry.RoleViewer); err != nil {
		g.sendAuctionError(conn.ID, err)
	}
}

func (g *Gateway) handleLeave(conn *registry.Conn, payload json.RawMessage) {
	var req protocol.LeaveAuction
	if err := json.Unmarshal(payload, &req); err != nil || req.AuctionID == "" {
		g.fanout.Direct(conn.ID, protocol.EventAuctionError, protocol.AuctionError{Message: "auctionId is required"})
		return
	}
	g.coord.LeaveAuction(req.AuctionID, conn.ID)
}

func (g *Gateway) handlePlaceBid(conn *registry.Conn, ip string, payload json.RawMessage) {
	var req protocol.PlaceBid
	if err := json.Unmarshal(payload, &req); err != nil {
		g.fanout.Direct(conn.ID, protocol.EventBidError, protocol.BidError{Message: "malformed place_bid payload"})
		return
	}

	// An authenticated identity wins over the self-declared one.
	bidderID := conn.UserID
	if bidderID == "" {
		bidderID = req.UserID
	}
	if req.AuctionID == "" || bidderID == "" {
		g.fanout.Direct(conn.ID, protocol.EventBidError, protocol.BidError{Message: "auctionId and userId are required"})
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	result, err := g.coord.SubmitBid(ctx, bidding.BidRequest{
		AuctionID: req.AuctionID,
		BidderID:  bidderID,
		Amount:    req.BidAmount,
		ConnID:    conn.ID,
		IP:        ip,
	})
	if err != nil {
		g.sendBidError(conn.ID, err)
		return
	}

	g.fanout.Direct(conn.ID, protocol.EventBidSuccess, protocol.BidSuccess{
		AuctionID: req.AuctionID,
		Amount:    result.Bid.Amount.String(),
		Seq:       result.Bid.Seq,
		TotalBids: result.Auction.TotalBids,
	})
}

func (g *Gateway) handleWatch(conn *registry.Conn, payload json.RawMessage, watching bool) {
	var req protocol.WatchAuction
	if err := json.Unmarshal(payload, &req); err != nil || req.AuctionID == "" {
		g.fanout.Direct(conn.ID, protocol.EventAuctionError, protocol.AuctionError{Message: "auctionId is required"})
		return
	}

	if !watching {
		g.coord.UnwatchAuction(req.AuctionID, conn.ID)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	// WatchAuction delivers the watch_ack itself.
	if _, err := g.coord.WatchAuction(ctx, req.AuctionID, conn.ID); err != nil {
		g.sendAuctionError(conn.ID, err)
	}
}

func (g *Gateway) handleStatus(conn *registry.Conn, payload json.RawMessage) {
	var req protocol.GetAuctionStatus
	if err := json.Unmarshal(payload, &req); err != nil || req.AuctionID == "" {
		g.fanout.Direct(conn.ID, protocol.EventAuctionError, protocol.AuctionError{Message: "auctionId is required"})
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	status, err := g.coord.Status(ctx, req.AuctionID)
	if err != nil {
		g.sendAuctionError(conn.ID, err)
		return
	}
	g.fanout.Direct(conn.ID, protocol.EventAuctionStatus, status)
}

// sendBidError maps coordinator errors onto the bid_error payload.
// Floor rejections carry the minimum acceptable bid; transient failures
// get a generic message so store internals never reach clients.
func (g *Gateway) sendBidError(connID string, err error) {
	var tooLow *bidding.BidTooLowError
	switch {
	case errors.As(err, &tooLow):
		g.fanout.Direct(connID, protocol.EventBidError, protocol.BidError{
			Message:    tooLow.Error(),
			MinimumBid: tooLow.MinimumBid.String(),
		})
	case errors.Is(err, bidding.ErrTransient):
		g.fanout.Direct(connID, protocol.EventBidError, protocol.BidError{Message: "temporary error, please try again"})
	default:
		g.fanout.Direct(connID, protocol.EventBidError, protocol.BidError{Message: err.Error()})
	}
}

func (g *Gateway) sendAuctionError(connID string, err error) {
	msg := err.Error()
	if errors.Is(err, bidding.ErrTransient) {
		msg = "temporary error, please try again"
	}
	g.fanout.Direct(connID, protocol.EventAuctionError, protocol.AuctionError{Message: msg})
}

// clientIP extracts the originating IP, honoring the first
// X-Forwarded-For hop when a proxy sits in front.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
