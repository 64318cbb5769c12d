// Package server provides the REST surface for auction management:
// creation, lifecycle transitions, status snapshots, and bid submission.
//
// All monetary values use shopspring/decimal — never float64 for money.
package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/getit-bd/auction-engine/internal/bidding"
	"github.com/getit-bd/auction-engine/internal/model"
	"github.com/getit-bd/auction-engine/internal/store"
)

const (
	defaultBidListLimit = 20
	maxBidListLimit     = 100
)

// Server exposes the bid coordinator over HTTP.
type Server struct {
	coord *bidding.Coordinator
	store store.Store
}

// New creates the REST server over the coordinator and its store.
func New(coord *bidding.Coordinator, st store.Store) *Server {
	return &Server{coord: coord, store: st}
}

// --- Request/Response types ---

// CreateAuctionRequest is the JSON body for auction creation.
type CreateAuctionRequest struct {
	Title        string          `json:"title"`
	StartPrice   decimal.Decimal `json:"start_price"`
	MinIncrement decimal.Decimal `json:"min_increment"`
	EndTime      time.Time       `json:"end_time"`
	AutoExtend   *bool           `json:"auto_extend"` // omitted → true
}

// PlaceBidRequest is the JSON body for REST bid submission.
type PlaceBidRequest struct {
	BidderID string          `json:"bidder_id"`
	Amount   decimal.Decimal `json:"amount"`
}

// PlaceBidResponse is the JSON body returned for a committed bid.
type PlaceBidResponse struct {
	BidID     string          `json:"bid_id"`
	AuctionID string          `json:"auction_id"`
	BidderID  string          `json:"bidder_id"`
	Amount    decimal.Decimal `json:"amount"`
	Seq       int             `json:"seq"`
	TotalBids int             `json:"total_bids"`
	Extended  bool            `json:"extended"`
	EndTime   time.Time       `json:"end_time"`
}

// --- HTTP Handlers ---

// CreateAuction handles POST /api/v1/auctions
func (s *Server) CreateAuction(w http.ResponseWriter, r *http.Request) {
	var req CreateAuctionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	autoExtend := true
	if req.AutoExtend != nil {
		autoExtend = *req.AutoExtend
	}

	auction, err := s.coord.CreateAuction(r.Context(), bidding.CreateParams{
		Title:        req.Title,
		StartPrice:   req.StartPrice,
		MinIncrement: req.MinIncrement,
		EndTime:      req.EndTime,
		AutoExtend:   autoExtend,
	})
	if err != nil {
		writeBiddingError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(auction)
}

// ListAuctions handles GET /api/v1/auctions
// Returns all auctions, optionally filtered by ?status=<status>.
func (s *Server) ListAuctions(w http.ResponseWriter, r *http.Request) {
	auctions, err := s.store.ListAuctions(r.Context())
	if err != nil {
		writeError(w, "failed to list auctions", http.StatusInternalServerError)
		return
	}
	if auctions == nil {
		auctions = []model.Auction{}
	}

	if status := r.URL.Query().Get("status"); status != "" {
		var filtered []model.Auction
		for _, a := range auctions {
			if a.Status == model.AuctionStatus(status) {
				filtered = append(filtered, a)
			}
		}
		if filtered == nil {
			filtered = []model.Auction{}
		}
		auctions = filtered
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(auctions)
}

// GetAuction handles GET /api/v1/auctions/{auctionID}
// Returns the live status snapshot, the same shape the WebSocket
// auction_status event carries.
func (s *Server) GetAuction(w http.ResponseWriter, r *http.Request) {
	auctionID := chi.URLParam(r, "auctionID")

	status, err := s.coord.Status(r.Context(), auctionID)
	if err != nil {
		writeBiddingError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(status)
}

// ListBids handles GET /api/v1/auctions/{auctionID}/bids
// Returns committed bids, newest first, bounded by ?limit= (default 20).
func (s *Server) ListBids(w http.ResponseWriter, r *http.Request) {
	auctionID := chi.URLParam(r, "auctionID")

	limit := defaultBidListLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = n
	}
	if limit > maxBidListLimit {
		limit = maxBidListLimit
	}

	if _, err := s.store.GetAuction(r.Context(), auctionID); err != nil {
		writeError(w, "auction not found", http.StatusNotFound)
		return
	}

	bids, err := s.store.GetRecentBids(r.Context(), auctionID, limit)
	if err != nil {
		writeError(w, "failed to list bids", http.StatusInternalServerError)
		return
	}
	if bids == nil {
		bids = []model.Bid{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(bids)
}

// PlaceBid handles POST /api/v1/auctions/{auctionID}/bids
// Drives the same coordinator path as the WebSocket place_bid message.
func (s *Server) PlaceBid(w http.ResponseWriter, r *http.Request) {
	auctionID := chi.URLParam(r, "auctionID")

	var req PlaceBidRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.BidderID == "" {
		writeError(w, "bidder_id is required", http.StatusBadRequest)
		return
	}

	result, err := s.coord.SubmitBid(r.Context(), bidding.BidRequest{
		AuctionID: auctionID,
		BidderID:  req.BidderID,
		Amount:    req.Amount,
		IP:        remoteIP(r),
	})
	if err != nil {
		writeBiddingError(w, err)
		return
	}

	slog.Info("rest bid accepted",
		"auction_id", auctionID,
		"bidder_id", req.BidderID,
		"amount", result.Bid.Amount.String(),
		"seq", result.Bid.Seq,
	)

	resp := PlaceBidResponse{
		BidID:     result.Bid.ID,
		AuctionID: auctionID,
		BidderID:  result.Bid.BidderID,
		Amount:    result.Bid.Amount,
		Seq:       result.Bid.Seq,
		TotalBids: result.Auction.TotalBids,
		Extended:  result.Extended,
		EndTime:   result.Auction.EndTime,
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(resp)
}

// ActivateAuction handles POST /api/v1/auctions/{auctionID}/activate
func (s *Server) ActivateAuction(w http.ResponseWriter, r *http.Request) {
	auctionID := chi.URLParam(r, "auctionID")

	auction, err := s.coord.ActivateAuction(r.Context(), auctionID)
	if err != nil {
		writeBiddingError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(auction)
}

// CancelAuction handles POST /api/v1/auctions/{auctionID}/cancel
func (s *Server) CancelAuction(w http.ResponseWriter, r *http.Request) {
	auctionID := chi.URLParam(r, "auctionID")

	auction, err := s.coord.CancelAuction(r.Context(), auctionID)
	if err != nil {
		writeBiddingError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(auction)
}

// writeBiddingError maps coordinator errors onto HTTP statuses. Floor
// rejections carry the minimum acceptable bid; transient failures get a
// generic message so store internals never reach clients.
func writeBiddingError(w http.ResponseWriter, err error) {
	var tooLow *bidding.BidTooLowError
	switch {
	case errors.As(err, &tooLow):
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		json.NewEncoder(w).Encode(map[string]string{
			"error":       tooLow.Error(),
			"minimum_bid": tooLow.MinimumBid.String(),
		})
	case errors.Is(err, bidding.ErrAuctionNotFound):
		writeError(w, "auction not found", http.StatusNotFound)
	case errors.Is(err, bidding.ErrAuctionNotActive),
		errors.Is(err, bidding.ErrAuctionEnded),
		errors.Is(err, bidding.ErrInvalidTransition):
		writeError(w, err.Error(), http.StatusConflict)
	case errors.Is(err, bidding.ErrFraudBlocked):
		writeError(w, err.Error(), http.StatusForbidden)
	case errors.Is(err, bidding.ErrInvalidInput):
		writeError(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, bidding.ErrTransient):
		writeError(w, "temporary error, please try again", http.StatusServiceUnavailable)
	default:
		writeError(w, "internal error", http.StatusInternalServerError)
	}
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// remoteIP strips the port from RemoteAddr; the RealIP middleware has
// already folded X-Forwarded-For in.
func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
