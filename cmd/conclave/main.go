package main

import (
	"context"
	"log"
	"os"

	"github.com/ripleyk/conclave/internal/api"
	"github.com/ripleyk/conclave/internal/broadcast"
	"github.com/ripleyk/conclave/internal/catalog"
	"github.com/ripleyk/conclave/internal/config"
	"github.com/ripleyk/conclave/internal/dataset"
	"github.com/ripleyk/conclave/internal/jobs"
	"github.com/ripleyk/conclave/internal/network"
	"github.com/ripleyk/conclave/internal/store"
	"github.com/ripleyk/conclave/internal/webhook"
	"github.com/ripleyk/conclave/internal/worker"

	"golang.org/x/time/rate"
)

func main() {
	cfg := config.Load()
	logger := config.NewLogger(os.Stdout, cfg.LogLevel)

	logger.Info("conclave: starting",
		"listen_addr", cfg.ListenAddr,
		"db_path", cfg.DBPath,
		"gateway_url", cfg.GatewayURL,
	)

	db, err := store.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	reg, err := loadCatalog(cfg)
	if err != nil {
		log.Fatalf("failed to load block catalog: %v", err)
	}

	hub := broadcast.NewHub()
	repo := jobs.New(db, hub, logger)

	var fetcher dataset.ObjectFetcher
	if cfg.ObjectStore.Endpoint != "" {
		fetcher, err = dataset.NewMinioFetcher(dataset.ObjectStoreConfig{
			Endpoint:  cfg.ObjectStore.Endpoint,
			AccessKey: cfg.ObjectStore.AccessKey,
			SecretKey: cfg.ObjectStore.SecretKey,
			Bucket:    cfg.ObjectStore.Bucket,
			UseSSL:    cfg.ObjectStore.Secure,
		})
		if err != nil {
			log.Fatalf("failed to connect to object store: %v", err)
		}
	}
	ephemeral := dataset.NewEphemeralCache()
	resolver := dataset.NewResolver(db, fetcher, ephemeral)

	gateway := network.NewClient(cfg.GatewayURL, logger)

	var hooks *webhook.Sender
	if cfg.WebhookSecret != "" {
		hooks = webhook.NewSender(cfg.WebhookSecret, logger)
	}

	wcfg := worker.DefaultConfig()
	wcfg.SubmitConcurrency = cfg.SubmitWorkers
	wcfg.FinalizeConcurrency = cfg.FinalizeWorkers
	wcfg.SubmitRate = rate.Limit(cfg.SubmitRate)
	wcfg.FinalizeRate = rate.Limit(cfg.FinalizeRate)
	wcfg.FinalizeDelay = cfg.FinalizeDelay
	wcfg.FinalizeTimeout = cfg.FinalizeTimeout
	wcfg.MaxSubmitAttempts = cfg.SubmitRetries
	wcfg.MaxFinalizeAttempts = cfg.FinalizeRetries
	wcfg.RetryBackoff = cfg.RetryBackoff

	ctx, cancel := context.WithCancel(context.Background())
	sup := worker.New(wcfg, repo, db, reg, resolver, gateway, gateway, gateway, hooks, nil, logger)
	sup.Start(ctx)

	srv := api.NewServer(cfg.ListenAddr, repo, db, reg, hub, ephemeral, logger)

	err = srv.Run()
	cancel()
	sup.Wait()
	if err != nil {
		log.Fatalf("server error: %v", err)
	}
}

func loadCatalog(cfg config.Config) (*catalog.Registry, error) {
	if cfg.CatalogPath != "" {
		return catalog.LoadFile(cfg.CatalogPath)
	}
	return catalog.LoadDefault()
}
