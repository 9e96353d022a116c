// Custodius - Multi-Tenant PostgreSQL Backup and Disaster Recovery Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/custodius

package main

import (
	"context"
	"fmt"

	"github.com/tomtom215/custodius/internal/catalog"
	"github.com/tomtom215/custodius/internal/codec"
	"github.com/tomtom215/custodius/internal/config"
	"github.com/tomtom215/custodius/internal/dump"
	"github.com/tomtom215/custodius/internal/locks"
	"github.com/tomtom215/custodius/internal/logging"
	"github.com/tomtom215/custodius/internal/monitor"
	"github.com/tomtom215/custodius/internal/notify"
	"github.com/tomtom215/custodius/internal/orchestrator"
	"github.com/tomtom215/custodius/internal/storage"
)

// app holds the assembled engine shared by every subcommand.
type app struct {
	cfg     *config.Config
	store   *catalog.Store
	factory *storage.Factory
	monitor *monitor.Monitor
	orc     *orchestrator.Orchestrator
}

// buildApp loads configuration, initializes logging, and wires the
// pipelines. Every subcommand starts here so the whole CLI sees one
// consistent environment.
func buildApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Caller: cfg.Logging.Caller,
	})

	cdc, err := codec.New(cfg.Backup.EncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("initializing encryption: %w", err)
	}

	store, err := catalog.New(ctx, cfg.Catalog.DSN)
	if err != nil {
		return nil, fmt.Errorf("opening catalog: %w", err)
	}

	lockSvc, err := locks.New(ctx, cfg.LocksConfig())
	if err != nil {
		store.Close() //nolint:errcheck // Best effort cleanup on error
		return nil, fmt.Errorf("connecting to lock service: %w", err)
	}

	factory, err := storage.NewFactory(cfg.StorageConfig())
	if err != nil {
		store.Close() //nolint:errcheck // Best effort cleanup on error
		return nil, fmt.Errorf("initializing storage backends: %w", err)
	}
	local, err := factory.Get(storage.NameLocal)
	if err != nil {
		store.Close() //nolint:errcheck // Best effort cleanup on error
		return nil, err
	}

	dispatcher := notify.NewDispatcher(nil, notify.NewHTTPWebhook(), nil, cfg.Notify.WebhookURL)
	mon := monitor.New(store, dispatcher, cfg.Thresholds())

	orc := orchestrator.New(
		cfg.OrchestratorConfig(),
		orchestrator.NewCatalog(store),
		cdc,
		dump.New(cfg.DumpConfig()),
		orchestrator.NewLocker(lockSvc),
		mon,
		local,
		factory.Remotes(),
		orchestrator.NewPGTenantLister(cfg.DumpDB(), cfg.Backup.TenantQuery),
		orchestrator.NewPGAdmin(cfg.DumpDB()),
	)

	return &app{
		cfg:     cfg,
		store:   store,
		factory: factory,
		monitor: mon,
		orc:     orc,
	}, nil
}

func (a *app) Close() {
	if err := a.store.Close(); err != nil {
		logging.Warn().Err(err).Msg("Failed to close catalog")
	}
}
