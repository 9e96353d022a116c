// Custodius - Multi-Tenant PostgreSQL Backup and Disaster Recovery Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/custodius

// Package scheduler runs the backup pipelines on their schedules under a
// suture supervisor. Each pipeline is its own supervised service, so a
// panic in one never stops the others; suture restarts the service and
// the schedule resumes.
package scheduler

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/thejerf/suture/v4"

	"github.com/tomtom215/custodius/internal/catalog"
	"github.com/tomtom215/custodius/internal/logging"
	"github.com/tomtom215/custodius/internal/orchestrator"
)

// Pipelines is the slice of the orchestrator the scheduler drives.
type Pipelines interface {
	RunFullBackup(ctx context.Context, runID string) (string, error)
	RunTenantBackups(ctx context.Context, runID string, tenantIDs []string) ([]string, error)
	RunWALArchive(ctx context.Context, runID string) (int, error)
	RunConfigBackup(ctx context.Context, runID string) (string, error)
	RunCleanup(ctx context.Context, runID string) (*orchestrator.CleanupReport, error)
	RunVerifySweep(ctx context.Context, runID string) (*orchestrator.VerifyReport, error)
	RunTestRestore(ctx context.Context, runID string) (*catalog.RestoreRecord, error)
}

// Config sets when each pipeline fires.
type Config struct {
	FullBackupHour   int
	ConfigBackupHour int
	CleanupHour      int

	TenantBackupWeekday time.Weekday
	TestRestoreDay      int

	WALInterval    time.Duration
	VerifyInterval time.Duration
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.FullBackupHour == 0 && out.ConfigBackupHour == 0 && out.CleanupHour == 0 {
		out.FullBackupHour = 2
		out.CleanupHour = 3
		out.ConfigBackupHour = 4
	}
	if out.TestRestoreDay <= 0 {
		out.TestRestoreDay = 1
	}
	if out.WALInterval <= 0 {
		out.WALInterval = 5 * time.Minute
	}
	if out.VerifyInterval <= 0 {
		out.VerifyInterval = time.Hour
	}
	return out
}

// Scheduler owns the supervisor tree of pipeline services.
type Scheduler struct {
	sup *suture.Supervisor
}

// New builds the supervised schedule over the given pipelines.
func New(p Pipelines, cfg Config) *Scheduler {
	cfg = cfg.withDefaults()

	sup := suture.New("custodius-scheduler", suture.Spec{
		EventHook: logSupervisorEvent,
	})

	jobs := []*jobService{
		newJobService(orchestrator.TaskFullBackup, DailyAt(cfg.FullBackupHour), func(ctx context.Context, runID string) error {
			_, err := p.RunFullBackup(ctx, runID)
			return err
		}),
		newJobService(orchestrator.TaskTenantBackup, WeeklyAt(cfg.TenantBackupWeekday, cfg.FullBackupHour), func(ctx context.Context, runID string) error {
			_, err := p.RunTenantBackups(ctx, runID, nil)
			return err
		}),
		newJobService(orchestrator.TaskWALArchive, Every(cfg.WALInterval), func(ctx context.Context, runID string) error {
			_, err := p.RunWALArchive(ctx, runID)
			return err
		}),
		newJobService(orchestrator.TaskConfigBackup, DailyAt(cfg.ConfigBackupHour), func(ctx context.Context, runID string) error {
			_, err := p.RunConfigBackup(ctx, runID)
			return err
		}),
		newJobService(orchestrator.TaskCleanup, DailyAt(cfg.CleanupHour), func(ctx context.Context, runID string) error {
			_, err := p.RunCleanup(ctx, runID)
			return err
		}),
		newJobService(orchestrator.TaskVerify, Every(cfg.VerifyInterval), func(ctx context.Context, runID string) error {
			_, err := p.RunVerifySweep(ctx, runID)
			return err
		}),
		newJobService(orchestrator.TaskTestRestore, MonthlyAt(cfg.TestRestoreDay, cfg.FullBackupHour), func(ctx context.Context, runID string) error {
			_, err := p.RunTestRestore(ctx, runID)
			return err
		}),
	}
	for _, job := range jobs {
		sup.Add(job)
	}

	return &Scheduler{sup: sup}
}

// Serve runs the schedule until the context is canceled.
func (s *Scheduler) Serve(ctx context.Context) error {
	return s.sup.Serve(ctx)
}

// ServeBackground runs the schedule in a background goroutine.
func (s *Scheduler) ServeBackground(ctx context.Context) <-chan error {
	return s.sup.ServeBackground(ctx)
}

func logSupervisorEvent(e suture.Event) {
	logging.Warn().
		Interface("details", e.Map()).
		Msg(e.String())
}

// jobService is one pipeline on one schedule. Pipeline errors are already
// logged, alerted, and counted downstream; the service keeps ticking.
type jobService struct {
	name     string
	schedule Schedule
	run      func(ctx context.Context, runID string) error

	// now is swappable for tests.
	now func() time.Time
}

func newJobService(name string, schedule Schedule, run func(ctx context.Context, runID string) error) *jobService {
	return &jobService{
		name:     name,
		schedule: schedule,
		run:      run,
		now:      time.Now,
	}
}

func (j *jobService) String() string { return "scheduler/" + j.name }

// Serve fires the job on its schedule until the context is canceled.
func (j *jobService) Serve(ctx context.Context) error {
	for {
		now := j.now()
		next := j.schedule(now)
		timer := time.NewTimer(next.Sub(now))

		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		runID := uuid.New().String()
		logging.Info().Str("task", j.name).Str("run_id", runID).Msg("Scheduled run starting")
		if err := j.run(ctx, runID); err != nil {
			logging.Error().Err(err).Str("task", j.name).Str("run_id", runID).Msg("Scheduled run failed")
		}
	}
}
