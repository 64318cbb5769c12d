package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/getit-bd/auction-engine/internal/bidding"
	"github.com/getit-bd/auction-engine/internal/broadcast"
	"github.com/getit-bd/auction-engine/internal/clock"
	"github.com/getit-bd/auction-engine/internal/config"
	"github.com/getit-bd/auction-engine/internal/fraud"
	"github.com/getit-bd/auction-engine/internal/metrics"
	"github.com/getit-bd/auction-engine/internal/registry"
	"github.com/getit-bd/auction-engine/internal/scheduler"
	"github.com/getit-bd/auction-engine/internal/server"
	"github.com/getit-bd/auction-engine/internal/store"
	"github.com/getit-bd/auction-engine/internal/ws"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg := config.Load()

	// --- Initialize store ---
	var st store.Store
	var cleanup []func()

	if cfg.DatabaseURL != "" {
		pool, err := pgxpool.New(context.Background(), cfg.DatabaseURL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)
		st = store.NewPostgresStore(pool)
		slog.Info("connected to PostgreSQL")

		// Wrap with Redis read-through cache if configured.
		if cfg.RedisURL != "" {
			opt, err := redis.ParseURL(cfg.RedisURL)
			if err != nil {
				slog.Error("invalid REDIS_URL", "err", err)
				os.Exit(1)
			}
			rdb := redis.NewClient(opt)
			cleanup = append(cleanup, func() { rdb.Close() })
			st = store.NewCachedStore(st, rdb, cfg.CacheTTL)
			slog.Info("Redis cache enabled")
		}
	} else {
		slog.Warn("DATABASE_URL not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	defer func() {
		for _, fn := range cleanup {
			fn()
		}
	}()

	// --- Registries and fan-out ---
	clk := clock.NewSystem()
	conns := registry.NewConnections(clk)
	rooms := registry.NewRooms()
	fanout := broadcast.NewFanout(conns, rooms)

	// --- Risk engine ---
	risk := fraud.NewEngine(st, fraud.Config{
		Threshold:       cfg.FraudThreshold,
		IPBidderMax:     cfg.IPBidderMax,
		IPWindow:        cfg.IPWindow,
		VelocityMaxBids: cfg.VelocityMaxBids,
		VelocityWindow:  cfg.VelocityWindow,
		MinBidGap:       cfg.MinBidGap,
		JumpFactor:      decimal.NewFromInt(int64(cfg.JumpFactor)),
		CoordWindow:     cfg.CoordWindow,
		CoordMaxBidders: cfg.CoordMaxBidders,
		FlagTTL:         cfg.FlagTTL,
	})

	// --- Bid coordinator ---
	coord := bidding.NewCoordinator(st, risk, rooms, fanout, clk, bidding.Config{
		ExtensionWindow: cfg.ExtensionWindow,
		ExtensionAmount: cfg.ExtensionAmount,
		MaxExtensions:   cfg.MaxExtensions,
		CommitRetries:   cfg.CommitRetries,
		RetryDelay:      cfg.CommitRetryDelay,
	})

	// A dropped connection leaves every room it was in.
	conns.OnUnregister = coord.DropConnection

	// Re-arm end triggers for auctions that were active at last shutdown.
	if err := coord.Resume(context.Background()); err != nil {
		slog.Error("auction resume failed", "err", err)
		os.Exit(1)
	}

	// --- Background sweeps ---
	staleAfter := cfg.HeartbeatInterval * time.Duration(cfg.MissedBeats)
	sched := scheduler.New()
	sched.Every(cfg.HeartbeatInterval, "heartbeat-sweep", func(_ context.Context) {
		conns.SweepStale(staleAfter)
	})
	sched.Every(cfg.FlagPurgeInterval, "flag-purge", func(ctx context.Context) {
		n, err := st.PurgeExpiredFlags(ctx, clk.Now())
		if err != nil {
			slog.Warn("flag purge failed", "err", err)
			return
		}
		if n > 0 {
			slog.Info("purged expired fraud flags", "count", n)
		}
	})

	// --- Transports ---
	// Token validation is external; accept any non-empty pair for now.
	authStub := func(_ context.Context, userID, token string) (string, error) {
		if userID == "" || token == "" {
			return "", errors.New("missing credentials")
		}
		return "bidder", nil
	}
	gateway := ws.NewGateway(conns, coord, fanout, authStub, clk)
	rest := server.New(coord, st)

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(metrics.Middleware)

	// CORS middleware for frontend cross-origin requests.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"auction-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	// WebSocket endpoint for real-time auction events.
	r.Get("/ws", gateway.HandleWS)

	r.Route("/api/v1", func(r chi.Router) {
		// Auction management.
		r.Get("/auctions", rest.ListAuctions)
		r.Post("/auctions", rest.CreateAuction)
		r.Get("/auctions/{auctionID}", rest.GetAuction)
		r.Post("/auctions/{auctionID}/activate", rest.ActivateAuction)
		r.Post("/auctions/{auctionID}/cancel", rest.CancelAuction)

		// Bids.
		r.Get("/auctions/{auctionID}/bids", rest.ListBids)
		r.Post("/auctions/{auctionID}/bids", rest.PlaceBid)
	})

	// --- Server ---
	// WriteTimeout stays unset: /ws connections are long-lived.
	srv := &http.Server{
		Addr:        ":" + cfg.Port,
		Handler:     r,
		ReadTimeout: 10 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	go func() {
		slog.Info("auction-engine listening", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	slog.Info("shutting down auction-engine...")
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	sched.Stop()
	coord.StopTriggers()
	fmt.Println("auction-engine stopped")
}
