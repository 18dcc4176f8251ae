package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"venuelink/internal/api"
	"venuelink/internal/contracts"
	"venuelink/internal/correlate"
	"venuelink/internal/events"
	"venuelink/internal/history"
	"venuelink/internal/logger"
	"venuelink/internal/market"
	"venuelink/internal/order"
	"venuelink/internal/ratelimit"
	"venuelink/internal/session"
	"venuelink/pkg/config"
	"venuelink/pkg/db"
	"venuelink/pkg/venue"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}

	buildVersion := os.Getenv("APP_VERSION")
	if buildVersion == "" {
		buildVersion = "v1.0-dev"
	}
	logger.Infof("venuelink %s starting, gateway %s:%d client %d",
		buildVersion, cfg.GatewayHost, cfg.GatewayPort, cfg.ClientID)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Core services
	bus := events.NewBus()

	database, err := db.New(cfg.DBPath)
	if err != nil {
		logger.Fatalf("open journal: %v", err)
	}
	defer database.Close()
	if err := db.ApplyMigrations(database); err != nil {
		logger.Fatalf("migrate journal: %v", err)
	}

	schedule, err := config.LoadSchedule(cfg.SchedulePath)
	if err != nil {
		logger.Fatalf("load maintenance schedule: %v", err)
	}

	corr := correlate.New()
	limiter := ratelimit.New(cfg.RequestRateLimit, cfg.RequestRateWin)
	transport := venue.NewWSTransport()

	tracker := order.NewTracker(bus, corr, limiter, transport, database, cfg.ResponseTimeout)
	md := market.NewSession(bus, corr, limiter, transport, cfg.SubscriptionDwell)
	cc := contracts.NewCache(corr, limiter, transport, cfg.ResponseTimeout)
	hf := history.NewFetcher(corr, limiter, transport, cfg.ResponseTimeout)

	sess := session.New(session.Options{
		Host:              cfg.GatewayHost,
		Port:              cfg.GatewayPort,
		ClientID:          cfg.ClientID,
		ConnectAttempts:   cfg.ConnectAttempts,
		ResponseTimeout:   cfg.ResponseTimeout,
		BootstrapTimeout:  cfg.BootstrapTimeout,
		HeartbeatInterval: cfg.HeartbeatInterval,
	}, bus, corr, limiter, transport, schedule, tracker, md, cc, hf)

	if err := sess.Connect(ctx); err != nil {
		if errors.Is(err, session.ErrBootstrap) {
			logger.Fatalf("bootstrap: %v", err)
		}
		logger.Fatalf("connect: %v", err)
	}

	// Ops API
	server := api.NewServer(sess, bus, limiter, database,
		cfg.JWTSecret, cfg.AccessKey, buildVersion)
	go func() {
		if err := server.Start(":" + cfg.Port); err != nil {
			logger.Fatalf("api server: %v", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan
	logger.Infof("shutting down")

	cancel()
	if err := sess.Disconnect(); err != nil {
		logger.Warnf("disconnect: %v", err)
	}
}
