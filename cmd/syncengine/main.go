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

	"github.com/go-playground/validator/v10"
	"golang.org/x/sync/errgroup"

	"github.com/bridgelink/syncengine/internal/platform/config"
	"github.com/bridgelink/syncengine/internal/platform/database"
	"github.com/bridgelink/syncengine/internal/platform/logger"
	"github.com/bridgelink/syncengine/internal/platform/messagebroker"
	"github.com/bridgelink/syncengine/internal/syncengine/cache"
	"github.com/bridgelink/syncengine/internal/syncengine/engine"
	"github.com/bridgelink/syncengine/internal/syncengine/events"
	"github.com/bridgelink/syncengine/internal/syncengine/platformclient"
	"github.com/bridgelink/syncengine/internal/syncengine/queue"
	"github.com/bridgelink/syncengine/internal/syncengine/resolver"
	"github.com/bridgelink/syncengine/internal/syncengine/store"
	pgstore "github.com/bridgelink/syncengine/internal/syncengine/store/postgres"
	"github.com/bridgelink/syncengine/internal/syncengine/tracker"
	"github.com/bridgelink/syncengine/internal/syncengine/transformer"
	httptransport "github.com/bridgelink/syncengine/internal/syncengine/transport/http"
	wstransport "github.com/bridgelink/syncengine/internal/syncengine/transport/ws"
)

const serviceName = "syncengine"

func main() {
	cfg, err := config.Load(serviceName)
	if err != nil {
		slog.Error("Failed to load configuration", "service", serviceName, "error", err)
		os.Exit(1)
	}

	appLogger := logger.New(cfg.LogLevel)
	appLogger.Info("Sync engine starting...", "port", cfg.HTTPPort, "store", cfg.StoreBackend)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var messageStore store.MessageStore
	switch cfg.StoreBackend {
	case "memory":
		messageStore = store.NewMemoryStore()
		appLogger.Info("Using in-memory message store")
	default:
		dbPool, err := database.NewDBPool(ctx, cfg.PostgresDSN)
		if err != nil {
			appLogger.Error("Failed to connect to PostgreSQL", "error", err)
			os.Exit(1)
		}
		defer dbPool.Close()
		messageStore = pgstore.NewPgMessageRepository(dbPool)
		appLogger.Info("Connected to PostgreSQL message store")
	}

	inProcBus := events.NewInProcBus()
	var bus events.Bus = inProcBus
	if cfg.NATSUrl != "" {
		natsClient, err := messagebroker.NewNATSClient(cfg.NATSUrl, serviceName, appLogger)
		if err != nil {
			appLogger.Warn("NATS unavailable, broadcasting in-process only", "error", err)
		} else {
			defer natsClient.Close()
			bus = events.NewTee(inProcBus, events.NewNATSBus(natsClient, appLogger))
			appLogger.Info("Connected to NATS", "url", cfg.NATSUrl)
		}
	}

	whatsappClient := platformclient.NewWhatsAppClient(platformclient.Config{
		APIBaseURL:    cfg.WhatsAppAPIBaseURL,
		PhoneNumberID: cfg.WhatsAppPhoneNumberID,
		AccessToken:   cfg.WhatsAppAccessToken,
		MediaDir:      cfg.MediaDir,
	}, nil, appLogger)

	queueCfg := queue.Config{
		Capacity:    cfg.QueueCapacity,
		MaxAttempts: cfg.MaxAttempts,
		BaseDelay:   cfg.RetryBaseDelay,
	}

	syncEngine := engine.New(engine.Config{
		ConflictWindow:     cfg.ConflictWindow,
		ConflictLockWait:   cfg.ConflictLockWait,
		CallTimeout:        cfg.CallTimeout,
		StalenessThreshold: cfg.StalenessThreshold,
		StalenessInterval:  cfg.StalenessInterval,
		OutboundWorkers:    cfg.OutboundWorkers,
		InboundWorkers:     cfg.InboundWorkers,
	}, engine.Deps{
		Store:       messageStore,
		Tracker:     tracker.New(messageStore, appLogger),
		Transformer: transformer.New(whatsappClient, whatsappClient),
		Resolver:    resolver.New(cfg.ConflictWindow),
		Outbound:    queue.New(queueCfg),
		Inbound:     queue.New(queueCfg),
		Bus:         bus,
		Sender:      whatsappClient,
		Directory:   engine.NewStaticDirectory(),
		DedupCache:  cache.NewTTLCache(cfg.DedupCacheSize, cfg.DedupCacheTTL),
		StaleCache:  cache.NewTTLCache(cfg.DedupCacheSize, cfg.StalenessThreshold),
		Logger:      appLogger,
	})

	validate := validator.New()
	failureCounters := cache.NewTTLCache(1024, time.Hour)
	apiHandler := httptransport.NewHandler(
		syncEngine, validate, cfg.WhatsAppVerifyToken,
		failureCounters, int64(cfg.WebhookFailureLimit), appLogger)

	router := apiHandler.Router()
	router.Handle("/ws/events", wstransport.NewBroadcaster(inProcBus, appLogger))

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return syncEngine.Run(gctx)
	})
	g.Go(func() error {
		appLogger.Info("HTTP server listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		appLogger.Error("Sync engine stopped with error", "error", err)
		os.Exit(1)
	}
	appLogger.Info("Sync engine stopped")
}
