// Custodius - Multi-Tenant PostgreSQL Backup and Disaster Recovery Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/custodius

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/tomtom215/custodius/internal/logging"
	"github.com/tomtom215/custodius/internal/metrics"
	"github.com/tomtom215/custodius/internal/monitor"
	"github.com/tomtom215/custodius/internal/notify"
	"github.com/tomtom215/custodius/internal/scheduler"
)

const (
	capacityCheckInterval = time.Hour
	digestInterval        = 24 * time.Hour
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the scheduled backup pipelines",
	Long: `Run the supervision tree that drives every scheduled pipeline: daily
full backups, weekly tenant backups, WAL archiving, configuration
snapshots, retention cleanup, hourly storage verification, and the
monthly restore drill. Also serves Prometheus metrics and a health
endpoint on the operational HTTP listener.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := buildApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	metrics.SetBuildInfo(Version, Commit)

	sched := scheduler.New(a.orc, a.cfg.SchedulerConfig())
	schedDone := sched.ServeBackground(ctx)

	go capacityLoop(ctx, a)
	go digestLoop(ctx, a)

	srv := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", a.cfg.Server.Host, a.cfg.Server.Port),
		Handler:           operationalMux(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	httpErr := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			httpErr <- err
		}
	}()

	logging.Info().
		Str("version", Version).
		Str("addr", srv.Addr).
		Str("environment", a.cfg.Server.Environment).
		Msg("Custodius is running")

	select {
	case <-ctx.Done():
		logging.Info().Msg("Shutdown signal received")
	case err := <-httpErr:
		stop()
		<-schedDone
		return fmt.Errorf("operational server failed: %w", err)
	case err := <-schedDone:
		if err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("scheduler failed: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.Warn().Err(err).Msg("Operational server shutdown was not clean")
	}
	<-schedDone

	logging.Info().Msg("Shutdown complete")
	return nil
}

func operationalMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}

// capacityLoop feeds storage usage from every backend into the capacity
// detector, immediately and then hourly.
func capacityLoop(ctx context.Context, a *app) {
	backends := make([]monitor.UsageReporter, 0, 3)
	for _, b := range a.factory.All() {
		backends = append(backends, b)
	}

	check := func() {
		if _, err := a.monitor.CheckCapacity(ctx, backends); err != nil {
			logging.Warn().Err(err).Msg("Storage capacity check failed")
		}
	}

	check()
	ticker := time.NewTicker(capacityCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			check()
		}
	}
}

// digestLoop sends the daily alert summary to the configured webhook.
// Quiet days are skipped.
func digestLoop(ctx context.Context, a *app) {
	sender := notify.NewHTTPWebhook()
	ticker := time.NewTicker(digestInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			digest, err := a.monitor.DailyDigest(ctx, a.store)
			if err != nil {
				logging.Warn().Err(err).Msg("Daily digest failed")
				continue
			}
			if digest.Total == 0 || a.cfg.Notify.WebhookURL == "" {
				continue
			}
			if err := sender.PostWebhook(ctx, a.cfg.Notify.WebhookURL, digest); err != nil {
				logging.Warn().Err(err).Msg("Digest webhook delivery failed")
			}
		}
	}
}
