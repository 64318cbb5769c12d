// Package config loads engine configuration from the environment.
// Every knob has a default chosen for production; tests construct
// Config values directly instead of going through the environment.
package config

import (
	"log"
	"os"
	"strconv"
	"time"
)

// Config holds all tunables for the auction engine.
type Config struct {
	Port        string
	DatabaseURL string
	RedisURL    string
	CacheTTL    time.Duration

	// Connection liveness.
	HeartbeatInterval time.Duration
	MissedBeats       int

	// Bid coordinator.
	ExtensionWindow  time.Duration
	ExtensionAmount  time.Duration
	MaxExtensions    int
	CommitRetries    int
	CommitRetryDelay time.Duration

	// Fraud engine.
	FraudThreshold    int
	IPBidderMax       int
	IPWindow          time.Duration
	VelocityMaxBids   int
	VelocityWindow    time.Duration
	MinBidGap         time.Duration
	JumpFactor        int
	CoordWindow       time.Duration
	CoordMaxBidders   int
	FlagTTL           time.Duration
	FlagPurgeInterval time.Duration
}

// Load reads configuration from the environment, applying defaults
// for anything unset. Invalid values are fatal: a half-configured
// engine must not start.
func Load() Config {
	return Config{
		Port:        getString("PORT", "8080"),
		DatabaseURL: os.Getenv("DATABASE_URL"),
		RedisURL:    os.Getenv("REDIS_URL"),
		CacheTTL:    getDuration("CACHE_TTL", 30*time.Second),

		HeartbeatInterval: getDuration("HEARTBEAT_INTERVAL", 30*time.Second),
		MissedBeats:       getInt("HEARTBEAT_MISSED_BEATS", 2),

		ExtensionWindow:  getDuration("EXTENSION_WINDOW", 5*time.Minute),
		ExtensionAmount:  getDuration("EXTENSION_AMOUNT", 5*time.Minute),
		MaxExtensions:    getInt("MAX_EXTENSIONS", 10),
		CommitRetries:    getInt("COMMIT_RETRIES", 3),
		CommitRetryDelay: getDuration("COMMIT_RETRY_DELAY", 50*time.Millisecond),

		FraudThreshold:    getInt("FRAUD_THRESHOLD", 60),
		IPBidderMax:       getInt("FRAUD_IP_BIDDER_MAX", 3),
		IPWindow:          getDuration("FRAUD_IP_WINDOW", 24*time.Hour),
		VelocityMaxBids:   getInt("FRAUD_VELOCITY_MAX_BIDS", 5),
		VelocityWindow:    getDuration("FRAUD_VELOCITY_WINDOW", 10*time.Minute),
		MinBidGap:         getDuration("FRAUD_MIN_BID_GAP", 5*time.Second),
		JumpFactor:        getInt("FRAUD_JUMP_FACTOR", 2),
		CoordWindow:       getDuration("FRAUD_COORD_WINDOW", 30*time.Minute),
		CoordMaxBidders:   getInt("FRAUD_COORD_MAX_BIDDERS", 3),
		FlagTTL:           getDuration("FRAUD_FLAG_TTL", 7*24*time.Hour),
		FlagPurgeInterval: getDuration("FLAG_PURGE_INTERVAL", time.Hour),
	}
}

func getString(key, def string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return def
}

func getInt(key string, def int) int {
	val := os.Getenv(key)
	if val == "" {
		return def
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		log.Fatalf("invalid %s=%q", key, val)
	}
	return n
}

func getDuration(key string, def time.Duration) time.Duration {
	val := os.Getenv(key)
	if val == "" {
		return def
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		log.Fatalf("invalid %s=%q", key, val)
	}
	return d
}
