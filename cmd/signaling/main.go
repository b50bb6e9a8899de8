package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/conclave-rtc/conclave/internals/bus"
	"github.com/conclave-rtc/conclave/internals/config"
	"github.com/conclave-rtc/conclave/internals/engine"
	"github.com/conclave-rtc/conclave/internals/registry"
	"github.com/conclave-rtc/conclave/internals/room"
	"github.com/conclave-rtc/conclave/internals/signaling"
	"github.com/conclave-rtc/conclave/internals/utils"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func main() {
	cfg := config.LoadConfig()
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	logger, err := utils.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	logger.Info("Starting signaling server")

	binding := engine.NewBinding(engine.Config{
		Workers:     cfg.Engine.Workers,
		RTCMinPort:  cfg.Engine.RTCMinPort,
		RTCMaxPort:  cfg.Engine.RTCMaxPort,
		AnnouncedIP: cfg.Engine.AnnouncedIP,
		LogTags:     strings.Split(cfg.Engine.LogTags, ","),
	}, logger)
	binding.OnFatal(func(err error) {
		// A dead worker invalidates every router it minted. Give
		// in-flight log writes a moment, then let the orchestrator
		// restart us.
		logger.Error("Media engine worker died, exiting", zap.Error(err))
		time.Sleep(2 * time.Second)
		os.Exit(1)
	})
	defer binding.Close()

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer redisClient.Close()

	// The bus forwards into rooms and rooms publish to the bus, so the
	// adapter is swapped in after the registry exists. Rooms are only
	// created once the server is serving, well after both are wired.
	var busAdapter *bus.Adapter

	roomFactory := func(roomID string) (*room.Room, error) {
		router, err := binding.Router()
		if err != nil {
			return nil, err
		}
		return room.New(roomID, router, busAdapter, room.Options{
			SettleDelay: cfg.Signaling.SettleDelay,
			Speaker: engine.AudioLevelObserverOptions{
				Interval:   cfg.Speaker.Interval,
				Threshold:  cfg.Speaker.Threshold,
				MaxEntries: cfg.Speaker.MaxEntries,
			},
		}, logger), nil
	}
	reg := registry.New(roomFactory, logger)

	busAdapter, err = bus.New(redisClient, reg, logger)
	if err != nil {
		logger.Fatal("Failed to connect to fan-out bus", zap.Error(err))
	}
	busAdapter.Start()

	server := signaling.NewServer(reg, signaling.Options{
		RateLimit: cfg.Signaling.RateLimitPerSec,
		RateBurst: cfg.Signaling.RateLimitBurst,
	}, logger)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
		if err := server.Start(addr); err != nil {
			logger.Fatal("Failed to start signaling server", zap.Error(err))
		}
	}()

	<-sigChan
	logger.Info("Received shutdown signal")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Stop(ctx); err != nil {
		logger.Warn("Error during HTTP shutdown", zap.Error(err))
	}

	busAdapter.Close()
	reg.Close()
	logger.Info("Signaling server stopped")
}
