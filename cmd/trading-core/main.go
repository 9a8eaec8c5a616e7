package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/finchkit/trading-core/internal/account"
	"github.com/finchkit/trading-core/internal/broker"
	"github.com/finchkit/trading-core/internal/client"
	"github.com/finchkit/trading-core/internal/config"
	"github.com/finchkit/trading-core/internal/logger"
	"github.com/finchkit/trading-core/internal/notify"
	"github.com/finchkit/trading-core/internal/server"
	"github.com/finchkit/trading-core/internal/storage"
)

const _defaultCfgPath = "./configs/trading-core.yaml"

func main() {
	cfgPath := flag.String("config", _defaultCfgPath, "path to yaml config")
	flag.Parse()

	if err := godotenv.Load(); err != nil {
		log.Println("can't detect .env file")
	}

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatalf("%s: can't load config", err)
	}

	zapLogger, loggerSync, err := logger.NewZapLogger(logger.ParseLevel(cfg.LogLevel))
	if err != nil {
		log.Fatalf("%s: can't init logger", err)
	}
	defer loggerSync()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, err := newStore(cfg, zapLogger)
	if err != nil {
		zapLogger.Fatalf("%s: can't init storage backend %s", err, cfg.Storage.Backend)
	}
	defer func() {
		if err := store.Close(); err != nil {
			zapLogger.Errorf("%s: can't close storage", err)
		}
	}()

	manager, err := account.NewManager(cfg.Budget, store, store, cfg.Provider, cfg.Location(), zapLogger)
	if err != nil {
		zapLogger.Fatalf("%s: can't init account manager", err)
	}
	if err := manager.SetRiskConfig(cfg.Risk); err != nil {
		zapLogger.Fatalf("%s: invalid risk config", err)
	}

	paper := broker.NewPaperBroker(0, zapLogger)
	c := client.New(client.Config{
		TickQueueSize:   cfg.Monitor.TickQueueSize,
		ClosedResultTTL: cfg.Monitor.ClosedResultTTL,
		Symbols:         cfg.SymbolMap(),
		Notifier:        notify.NewWebhook(cfg.WebhookURL, zapLogger),
	}, manager, paper, paper, zapLogger)
	defer c.Close()

	handler := server.NewStatusHandler(manager, zapLogger)
	srv := server.NewHTTPServer(ctx, cfg.HTTPPort, handler.Routes())

	zapLogger.Infof("trading-core started on port %s with %s storage", cfg.HTTPPort, cfg.Storage.Backend)
	if err := srv.Run(ctx); err != nil {
		zapLogger.Errorf("%s: http server stopped", err)
	}
}

func newStore(cfg *config.Config, lg logger.Logger) (storage.Store, error) {
	switch cfg.Storage.Backend {
	case config.Memory:
		return storage.NewMemoryStore(cfg.Provider), nil
	case config.File:
		return storage.NewFileStore(cfg.Storage.Dir, cfg.Provider, cfg.Username, cfg.Storage.SavePeriod, lg)
	case config.SQLite:
		return storage.NewSQLiteStore(cfg.Storage.SQLitePath, cfg.Provider, cfg.Username, lg)
	case config.Postgres:
		return storage.NewPostgresStore(storage.NewPostgresConfigFromEnv().Setup(), cfg.Provider, cfg.Username, lg)
	default:
		return nil, fmt.Errorf("unknown storage backend: %s", cfg.Storage.Backend)
	}
}
