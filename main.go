package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"

	"github.com/example/ephemeral-chat/internal/admission"
	"github.com/example/ephemeral-chat/internal/config"
	"github.com/example/ephemeral-chat/internal/httpapi"
	"github.com/example/ephemeral-chat/internal/message"
	"github.com/example/ephemeral-chat/internal/presence"
	"github.com/example/ephemeral-chat/internal/realtime"
	"github.com/example/ephemeral-chat/internal/room"
	"github.com/example/ephemeral-chat/internal/store"
	"github.com/example/ephemeral-chat/internal/telemetry"
)

func main() {
	ctx := context.Background()
	cfg := config.Load()

	otelShutdown, err := telemetry.Init(ctx)
	if err != nil {
		slog.Error("Failed to initialize OpenTelemetry", "error", err)
		os.Exit(1)
	}
	defer otelShutdown(ctx)

	slog.Info("Starting room session engine", "redis", cfg.RedisAddr, "nats_url", cfg.NATSURL, "room_ttl", cfg.RoomTTL)

	// Connect to Redis with retry
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
	})
	for attempt := 1; attempt <= 30; attempt++ {
		if err = rdb.Ping(ctx).Err(); err == nil {
			break
		}
		slog.Info("Waiting for Redis", "attempt", attempt, "error", err)
		time.Sleep(2 * time.Second)
	}
	if err != nil {
		slog.Error("Failed to connect to Redis", "error", err)
		os.Exit(1)
	}
	defer rdb.Close()
	slog.Info("Connected to Redis", "addr", cfg.RedisAddr)

	// Connect to NATS with retry
	natsOpts := []nats.Option{
		nats.Name("ephemeral-chat"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			slog.Warn("NATS disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			slog.Info("NATS reconnected", "url", nc.ConnectedUrl())
		}),
	}
	if cfg.NATSUser != "" {
		natsOpts = append(natsOpts, nats.UserInfo(cfg.NATSUser, cfg.NATSPass))
	}
	var nc *nats.Conn
	for attempt := 1; attempt <= 30; attempt++ {
		nc, err = nats.Connect(cfg.NATSURL, natsOpts...)
		if err == nil {
			break
		}
		slog.Info("Waiting for NATS", "attempt", attempt, "error", err)
		time.Sleep(2 * time.Second)
	}
	if err != nil {
		slog.Error("Failed to connect to NATS", "error", err)
		os.Exit(1)
	}
	defer nc.Close()
	slog.Info("Connected to NATS", "url", nc.ConnectedUrl())

	st := store.New(rdb)
	rt := realtime.NewPublisher(nc, st)
	tracker := presence.NewTracker(st, rt)
	adm := admission.NewController(st, tracker, rt)
	rooms := room.NewManager(st, tracker, rt, cfg.RoomTTL)
	messages := message.NewStore(st, rt)

	server := httpapi.NewServer(cfg, rooms, adm, tracker, messages, rt)
	app := server.App()

	go func() {
		if err := app.Listen(cfg.ListenAddr); err != nil {
			slog.Error("HTTP server stopped", "error", err)
			os.Exit(1)
		}
	}()
	slog.Info("Room session engine ready", "addr", cfg.ListenAddr)

	// Wait for shutdown
	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-sigCtx.Done()

	slog.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := app.ShutdownWithContext(shutdownCtx); err != nil {
		slog.Error("HTTP shutdown failed", "error", err)
	}
	nc.Drain()
	slog.Info("Shutdown complete")
}
