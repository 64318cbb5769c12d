package ws_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"github.com/getit-bd/auction-engine/internal/bidding"
	"github.com/getit-bd/auction-engine/internal/broadcast"
	"github.com/getit-bd/auction-engine/internal/clock"
	"github.com/getit-bd/auction-engine/internal/fraud"
	"github.com/getit-bd/auction-engine/internal/model"
	"github.com/getit-bd/auction-engine/internal/protocol"
	"github.com/getit-bd/auction-engine/internal/registry"
	"github.com/getit-bd/auction-engine/internal/store"
	"github.com/getit-bd/auction-engine/internal/ws"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

type gatewayEnv struct {
	srv *httptest.Server
	ms  *store.MemoryStore
	clk *clock.Fixed
}

// newGatewayEnv starts a live HTTP server fronting the gateway, with a
// token check that accepts "valid-token" only.
func newGatewayEnv(t *testing.T) *gatewayEnv {
	t.Helper()
	clk := clock.NewFixed(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	ms := store.NewMemoryStore()
	conns := registry.NewConnections(clk)
	rooms := registry.NewRooms()
	fanout := broadcast.NewFanout(conns, rooms)
	risk := fraud.NewEngine(ms, fraud.DefaultConfig())
	coord := bidding.NewCoordinator(ms, risk, rooms, fanout, clk, bidding.DefaultConfig())
	conns.OnUnregister = coord.DropConnection
	t.Cleanup(coord.StopTriggers)

	auth := func(_ context.Context, userID, token string) (string, error) {
		if token != "valid-token" {
			return "", errors.New("bad token")
		}
		return "bidder", nil
	}
	gateway := ws.NewGateway(conns, coord, fanout, auth, clk)

	srv := httptest.NewServer(http.HandlerFunc(gateway.HandleWS))
	t.Cleanup(srv.Close)
	return &gatewayEnv{srv: srv, ms: ms, clk: clk}
}

func (e *gatewayEnv) seedAuction(t *testing.T, id string) *model.Auction {
	t.Helper()
	a := &model.Auction{
		ID:           id,
		Title:        "vintage camera",
		StartPrice:   d(100),
		CurrentBid:   d(100),
		MinIncrement: d(10),
		EndTime:      e.clk.Now().Add(time.Hour),
		Status:       model.StatusActive,
		AutoExtend:   true,
		CreatedAt:    e.clk.Now(),
	}
	if err := e.ms.CreateAuction(context.Background(), a); err != nil {
		t.Fatalf("seed auction: %v", err)
	}
	return a
}

func (e *gatewayEnv) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(e.srv.URL, "http")
	sock, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { sock.Close() })
	return sock
}

func send(t *testing.T, sock *websocket.Conn, msgType string, payload any) {
	t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	if err := sock.WriteJSON(protocol.Envelope{Type: msgType, Payload: raw}); err != nil {
		t.Fatalf("write %s: %v", msgType, err)
	}
}

func recvEnvelope(t *testing.T, sock *websocket.Conn) protocol.Envelope {
	t.Helper()
	sock.SetReadDeadline(time.Now().Add(2 * time.Second))
	var env protocol.Envelope
	if err := sock.ReadJSON(&env); err != nil {
		t.Fatalf("read: %v", err)
	}
	return env
}

// waitFor reads frames until the wanted event type arrives, returning
// every type seen on the way.
func waitFor(t *testing.T, sock *websocket.Conn, eventType string) (protocol.Envelope, []string) {
	t.Helper()
	var seen []string
	for i := 0; i < 10; i++ {
		env := recvEnvelope(t, sock)
		seen = append(seen, env.Type)
		if env.Type == eventType {
			return env, seen
		}
	}
	t.Fatalf("no %s after %v", eventType, seen)
	return protocol.Envelope{}, nil
}

func TestGateway_AuthenticateSuccess(t *testing.T) {
	env := newGatewayEnv(t)
	sock := env.dial(t)

	send(t, sock, protocol.MsgAuthenticate, protocol.Authenticate{UserID: "alice", Token: "valid-token"})

	reply := recvEnvelope(t, sock)
	if reply.Type != protocol.EventAuthSuccess {
		t.Fatalf("expected authentication_success, got %s", reply.Type)
	}
	var payload protocol.AuthSuccess
	json.Unmarshal(reply.Payload, &payload)
	if payload.UserID != "alice" || payload.Role != "bidder" {
		t.Errorf("unexpected payload: %+v", payload)
	}
}

func TestGateway_AuthenticateBadToken(t *testing.T) {
	env := newGatewayEnv(t)
	sock := env.dial(t)

	send(t, sock, protocol.MsgAuthenticate, protocol.Authenticate{UserID: "alice", Token: "wrong"})

	if reply := recvEnvelope(t, sock); reply.Type != protocol.EventAuthError {
		t.Errorf("expected authentication_error, got %s", reply.Type)
	}
}

func TestGateway_JoinDeliversStatusFirst(t *testing.T) {
	env := newGatewayEnv(t)
	env.seedAuction(t, "a1")
	sock := env.dial(t)

	send(t, sock, protocol.MsgJoinAuction, protocol.JoinAuction{AuctionID: "a1"})

	reply := recvEnvelope(t, sock)
	if reply.Type != protocol.EventAuctionStatus {
		t.Fatalf("expected auction_status, got %s", reply.Type)
	}
	var status protocol.AuctionStatus
	json.Unmarshal(reply.Payload, &status)
	if status.CurrentBid != "100" || status.MinimumNextBid != "110" {
		t.Errorf("unexpected snapshot: %+v", status)
	}
	if status.Watchers != 1 {
		t.Errorf("expected 1 watcher, got %d", status.Watchers)
	}
}

func TestGateway_JoinUnknownAuction(t *testing.T) {
	env := newGatewayEnv(t)
	sock := env.dial(t)

	send(t, sock, protocol.MsgJoinAuction, protocol.JoinAuction{AuctionID: "missing"})

	if reply := recvEnvelope(t, sock); reply.Type != protocol.EventAuctionError {
		t.Errorf("expected auction_error, got %s", reply.Type)
	}
}

func TestGateway_PlaceBidBroadcastsAndConfirms(t *testing.T) {
	env := newGatewayEnv(t)
	env.seedAuction(t, "a1")

	watcher := env.dial(t)
	send(t, watcher, protocol.MsgJoinAuction, protocol.JoinAuction{AuctionID: "a1"})
	recvEnvelope(t, watcher) // auction_status

	bidder := env.dial(t)
	send(t, bidder, protocol.MsgJoinAuction, protocol.JoinAuction{AuctionID: "a1"})
	recvEnvelope(t, bidder) // auction_status

	send(t, bidder, protocol.MsgPlaceBid, protocol.PlaceBid{AuctionID: "a1", BidAmount: d(120), UserID: "alice"})

	// The bidder sees the room broadcast and then its own receipt.
	success, seen := waitFor(t, bidder, protocol.EventBidSuccess)
	found := false
	for _, typ := range seen {
		if typ == protocol.EventNewBid {
			found = true
		}
	}
	if !found {
		t.Errorf("bidder should see new_bid before bid_success, saw %v", seen)
	}
	var receipt protocol.BidSuccess
	json.Unmarshal(success.Payload, &receipt)
	if receipt.Seq != 1 || receipt.Amount != "120" {
		t.Errorf("unexpected receipt: %+v", receipt)
	}

	// The watcher sees the broadcast too.
	newBid, _ := waitFor(t, watcher, protocol.EventNewBid)
	var payload protocol.NewBid
	json.Unmarshal(newBid.Payload, &payload)
	if payload.Amount != "120" || payload.BidderID != "alice" || payload.TotalBids != 1 {
		t.Errorf("unexpected broadcast: %+v", payload)
	}
}

func TestGateway_PlaceBidTooLowCarriesMinimum(t *testing.T) {
	env := newGatewayEnv(t)
	env.seedAuction(t, "a1")
	sock := env.dial(t)

	send(t, sock, protocol.MsgPlaceBid, protocol.PlaceBid{AuctionID: "a1", BidAmount: d(105), UserID: "alice"})

	reply, _ := waitFor(t, sock, protocol.EventBidError)
	var payload protocol.BidError
	json.Unmarshal(reply.Payload, &payload)
	if payload.MinimumBid != "110" {
		t.Errorf("expected minimumBid 110, got %+v", payload)
	}
}

func TestGateway_AuthenticatedIdentityOverridesPayload(t *testing.T) {
	env := newGatewayEnv(t)
	env.seedAuction(t, "a1")
	sock := env.dial(t)

	send(t, sock, protocol.MsgAuthenticate, protocol.Authenticate{UserID: "alice", Token: "valid-token"})
	recvEnvelope(t, sock) // authentication_success

	// The payload claims bob, but the session is alice's.
	send(t, sock, protocol.MsgPlaceBid, protocol.PlaceBid{AuctionID: "a1", BidAmount: d(120), UserID: "bob"})
	waitFor(t, sock, protocol.EventBidSuccess)

	bids, err := env.ms.GetRecentBids(context.Background(), "a1", 1)
	if err != nil || len(bids) != 1 {
		t.Fatalf("expected one committed bid, got %v err %v", bids, err)
	}
	if bids[0].BidderID != "alice" {
		t.Errorf("bid must carry the session identity, got %s", bids[0].BidderID)
	}
}

func TestGateway_HeartbeatEchoesServerTime(t *testing.T) {
	env := newGatewayEnv(t)
	sock := env.dial(t)

	send(t, sock, protocol.MsgHeartbeat, struct{}{})

	reply := recvEnvelope(t, sock)
	if reply.Type != protocol.EventHeartbeat {
		t.Fatalf("expected heartbeat, got %s", reply.Type)
	}
	var payload protocol.Heartbeat
	json.Unmarshal(reply.Payload, &payload)
	if !payload.ServerTime.Equal(env.clk.Now()) {
		t.Errorf("expected server time %v, got %v", env.clk.Now(), payload.ServerTime)
	}
}

func TestGateway_MalformedMessageReportsError(t *testing.T) {
	env := newGatewayEnv(t)
	sock := env.dial(t)

	if err := sock.WriteMessage(websocket.TextMessage, []byte("not json")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if reply := recvEnvelope(t, sock); reply.Type != protocol.EventAuctionError {
		t.Errorf("expected auction_error, got %s", reply.Type)
	}

	send(t, sock, "time_travel", struct{}{})
	if reply := recvEnvelope(t, sock); reply.Type != protocol.EventAuctionError {
		t.Errorf("expected auction_error for unknown type, got %s", reply.Type)
	}
}

func TestGateway_DisconnectNotifiesRemainingViewers(t *testing.T) {
	env := newGatewayEnv(t)
	env.seedAuction(t, "a1")

	stayer := env.dial(t)
	send(t, stayer, protocol.MsgJoinAuction, protocol.JoinAuction{AuctionID: "a1"})
	recvEnvelope(t, stayer) // auction_status

	leaver := env.dial(t)
	send(t, leaver, protocol.MsgJoinAuction, protocol.JoinAuction{AuctionID: "a1"})
	recvEnvelope(t, leaver) // auction_status

	leaver.Close()

	reply, _ := waitFor(t, stayer, protocol.EventViewerLeft)
	var payload protocol.ViewerLeft
	json.Unmarshal(reply.Payload, &payload)
	if payload.ViewerCount != 1 {
		t.Errorf("expected 1 remaining viewer, got %d", payload.ViewerCount)
	}
}
