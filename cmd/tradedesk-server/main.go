package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"tradedesk/internal/api"
	"tradedesk/internal/config"
	"tradedesk/internal/engine"
	"tradedesk/internal/instrument"
	"tradedesk/internal/notify"
	"tradedesk/internal/secrets"
	"tradedesk/internal/store"
	"tradedesk/internal/util"
)

func main() {
	// Load config.
	cfgPath := "config/tradedesk.yaml"
	if p := os.Getenv("TRADEDESK_CONFIG"); p != "" {
		cfgPath = p
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}

	logger := util.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
	util.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	deps := engine.Deps{
		Secrets: secrets.NewFileStore(cfg.Secrets.Path),
		Logger:  logger,
	}

	if cfg.Instruments.MasterPath != "" {
		master, err := instrument.NewMaster(ctx, instrument.FileSource(cfg.Instruments.MasterPath))
		if err != nil {
			log.Fatalf("loading instrument master: %v", err)
		}
		logger.Info("instrument master loaded", "event", "instruments_loaded",
			"count", master.Registry().Len(), "loaded_at", master.Registry().LoadedAt())
		deps.Instruments = master
	}

	if cfg.Storage.SQLitePath != "" {
		journal, err := store.NewSQLiteStore(cfg.Storage.SQLitePath)
		if err != nil {
			log.Fatalf("opening order journal: %v", err)
		}
		defer journal.Close()
		deps.Journal = journal
	}
	if cfg.Storage.ArchiveQuotes && cfg.Storage.DataDir != "" {
		deps.Archive = store.NewParquetStore(cfg.Storage.DataDir)
	}

	eng, err := engine.New(cfg, deps)
	if err != nil {
		log.Fatalf("creating engine: %v", err)
	}

	if cfg.Redis.Addr != "" {
		rdb := notify.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		defer rdb.Close()
		err := util.Retry(ctx, 3, time.Second, func() error { return rdb.Ping(ctx).Err() })
		if err != nil {
			log.Fatalf("connecting to redis at %s: %v", cfg.Redis.Addr, err)
		}
		sink := notify.NewRedisSink(rdb, notify.Options{Channel: cfg.Redis.Channel}, logger)
		go sink.Run(ctx, eng.Events())
	}

	if err := eng.Start(ctx); err != nil {
		log.Fatalf("starting engine: %v", err)
	}

	srv := api.NewServer(eng, cfg.Server, logger)
	logger.Info("tradedesk server starting", "event", "server_start",
		"addr", cfg.Server.Addr(), "grpc_addr", cfg.Server.GRPCAddr(), "profiles", len(cfg.Profiles))
	if err := srv.ListenAndServe(ctx); err != nil {
		logger.Error("server error", "event", "server_error", "error", err)
	}

	logger.Info("shutting down", "event", "shutdown")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Scheduler.Grace+5*time.Second)
	defer shutdownCancel()
	if err := eng.Shutdown(shutdownCtx); err != nil {
		slog.Error("engine shutdown", "event", "shutdown_error", "error", err)
	}
}
