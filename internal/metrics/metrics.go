// Package metrics provides Prometheus instrumentation for the auction engine.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// BidsCommitted counts bids accepted and persisted.
	BidsCommitted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "getit_bids_committed_total",
		Help: "Total number of bids committed",
	})

	// BidsRejected counts rejected bids, partitioned by rejection reason.
	BidsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "getit_bids_rejected_total",
		Help: "Total number of bids rejected",
	}, []string{"reason"})

	// FraudBlocked counts bids blocked by the risk engine.
	FraudBlocked = promauto.NewCounter(prometheus.CounterOpts{
		Name: "getit_fraud_blocked_total",
		Help: "Bids blocked by the fraud risk engine",
	})

	// FraudFlags counts entities auto-flagged by the risk engine.
	FraudFlags = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "getit_fraud_flags_total",
		Help: "Entities flagged by the fraud risk engine",
	}, []string{"kind"})

	// AuctionExtensions counts anti-snipe end-time extensions.
	AuctionExtensions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "getit_auction_extensions_total",
		Help: "Auction end-time extensions triggered by late bids",
	})

	// BroadcastEvents counts events fanned out to rooms, by event type.
	BroadcastEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "getit_broadcast_events_total",
		Help: "Events broadcast to auction rooms",
	}, []string{"type"})

	// BroadcastFailures counts deliveries that evicted a connection.
	BroadcastFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "getit_broadcast_failures_total",
		Help: "Broadcast deliveries that failed and evicted the connection",
	})

	// WSConnections tracks live WebSocket connections.
	WSConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "getit_ws_connections",
		Help: "Number of live WebSocket connections",
	})

	// AuctionRooms tracks live auction rooms.
	AuctionRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "getit_auction_rooms",
		Help: "Number of auction rooms with at least one viewer",
	})

	// ActiveAuctions tracks auctions currently accepting bids.
	ActiveAuctions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "getit_active_auctions",
		Help: "Number of auctions in the active state",
	})

	// BidLatency observes SubmitBid wall time, accepted bids only.
	BidLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "getit_bid_latency_seconds",
		Help:    "Bid submission latency in seconds",
		Buckets: prometheus.DefBuckets,
	})

	// FraudScore observes the risk score of every evaluated bid.
	FraudScore = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "getit_fraud_score",
		Help:    "Distribution of fraud risk scores",
		Buckets: []float64{0, 10, 25, 40, 60, 80, 100},
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "getit_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "getit_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware returns an HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		// Use the route pattern for path label to avoid high cardinality.
		path := r.URL.Path
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// statusWriter wraps http.ResponseWriter to capture the status code.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
