package main

import (
	"context"
	"log"
	"os"

	"github.com/crucible-labs/crucible/internal/api"
	"github.com/crucible-labs/crucible/internal/catalog"
	"github.com/crucible-labs/crucible/internal/config"
	"github.com/crucible-labs/crucible/internal/engine"
	"github.com/crucible-labs/crucible/internal/notify"
	"github.com/crucible-labs/crucible/internal/runner"
	"github.com/crucible-labs/crucible/internal/runner/docker"
	"github.com/crucible-labs/crucible/internal/runner/subprocess"
	"github.com/crucible-labs/crucible/internal/store"
)

func main() {
	cfg := config.Load()
	logger := config.NewLogger(os.Stdout, cfg.LogLevel)

	logger.Info("crucible: starting",
		"listen_addr", cfg.ListenAddr,
		"db_driver", cfg.DBDriver,
		"catalog_path", cfg.CatalogPath,
	)

	db, err := store.Open(cfg.DBDriver, cfg.DSN())
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	cat, err := catalog.Load(cfg.CatalogPath)
	if err != nil {
		log.Fatalf("failed to load catalog: %v", err)
	}
	logger.Info("catalog loaded",
		"repositories", len(cat.Repositories),
		"environments", len(cat.Environments),
		"checksum", cat.Checksum(),
	)

	registry := runner.NewRegistry()
	registry.Register(subprocess.NewProvider(subprocess.LoadConfig(), logger))
	containers := docker.NewProvider(docker.LoadConfig(), logger)
	defer containers.Close()
	registry.Register(containers)
	logger.Info("runners registered", "kinds", registry.Kinds())

	var notifier notify.Notifier
	if len(cfg.KafkaBrokers) > 0 {
		notifier, err = notify.NewKafka(notify.KafkaConfig{
			Brokers: cfg.KafkaBrokers,
			Topic:   cfg.KafkaTopic,
		})
		if err != nil {
			log.Fatalf("failed to create kafka notifier: %v", err)
		}
		logger.Info("kafka notifications enabled", "brokers", cfg.KafkaBrokers, "topic", cfg.KafkaTopic)
	} else {
		notifier = notify.NewLog(logger)
	}
	defer notifier.Close()

	eng := engine.New(engine.Options{
		Store:      db,
		Catalog:    cat,
		Registry:   registry,
		Notifier:   notifier,
		Logger:     logger,
		OutputBase: cfg.OutputDir,
		QueueSize:  cfg.QueueSize,
	})
	eng.Start(context.Background())

	srv := api.NewServer(cfg.ListenAddr, eng, logger)
	if err := srv.Run(); err != nil {
		log.Fatalf("server error: %v", err)
	}

	// Server.Run stopped the engine; wait for the in-flight run goroutine.
	eng.Wait()
}
