// Package config collects the environment-driven settings for the room
// session engine.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds every tunable the service reads at startup.
type Config struct {
	ListenAddr string

	RedisAddr     string
	RedisPassword string

	NATSURL  string
	NATSUser string
	NATSPass string

	// RoomTTL is the fixed, non-renewing lifetime of a room.
	RoomTTL time.Duration

	// Production controls the Secure flag on the membership cookie.
	Production bool
}

// Load reads the configuration from the environment, falling back to
// development defaults.
func Load() Config {
	return Config{
		ListenAddr:    envOrDefault("LISTEN_ADDR", ":3000"),
		RedisAddr:     envOrDefault("REDIS_ADDR", "localhost:6379"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		NATSURL:       envOrDefault("NATS_URL", "nats://localhost:4222"),
		NATSUser:      os.Getenv("NATS_USER"),
		NATSPass:      os.Getenv("NATS_PASS"),
		RoomTTL:       time.Duration(envOrDefaultInt("ROOM_TTL_SECONDS", 600)) * time.Second,
		Production:    os.Getenv("ENV") == "production",
	}
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envOrDefaultInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}
