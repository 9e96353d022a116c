// Custodius - Multi-Tenant PostgreSQL Backup and Disaster Recovery Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/custodius

// Package orchestrator runs the seven backup pipelines and the
// disaster-recovery runbook. Every pipeline follows the same skeleton:
// acquire the task-run lock, create catalog records IN_PROGRESS, do the
// work in a per-run temp dir, move records to COMPLETED and promote to
// VERIFIED on integrity pass, and on any failure mark FAILED, alert, and
// retry per the pipeline's policy. Locks are released and temp files
// removed on every exit path.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/tomtom215/custodius/internal/catalog"
	"github.com/tomtom215/custodius/internal/codec"
	"github.com/tomtom215/custodius/internal/dump"
	"github.com/tomtom215/custodius/internal/locks"
	"github.com/tomtom215/custodius/internal/logging"
	"github.com/tomtom215/custodius/internal/storage"
)

// Task names, used for lock keys and metrics labels.
const (
	TaskFullBackup   = "full_backup"
	TaskTenantBackup = "tenant_backup"
	TaskWALArchive   = "wal_archive"
	TaskConfigBackup = "config_backup"
	TaskCleanup      = "cleanup"
	TaskVerify       = "verify_storage"
	TaskTestRestore  = "test_restore"
)

// Retention and verification defaults.
const (
	DefaultLocalRetentionDays  = 30
	DefaultRemoteRetentionDays = 365
	DefaultWALRetentionDays    = 30
	DefaultVerifyWindowDays    = 30
	DefaultVerifyLimit         = 100
	DefaultTempFileMaxAge      = 24 * time.Hour
)

// ErrPITRNotImplemented is returned for point-in-time restore requests.
// WAL replay automation is out of scope; segments are archived for manual
// recovery only.
var ErrPITRNotImplemented = errors.New("point-in-time recovery is not implemented")

// Catalog is the catalog surface the pipelines drive. *catalog.Store
// satisfies everything except Bypass; NewCatalog adapts it.
type Catalog interface {
	CreateBackup(ctx context.Context, b *catalog.BackupRecord) error
	GetBackup(ctx context.Context, id string) (*catalog.BackupRecord, error)
	HasBackupFilename(ctx context.Context, filename string) (bool, error)
	MarkBackupCompleted(ctx context.Context, b *catalog.BackupRecord) error
	MarkBackupVerified(ctx context.Context, id string) error
	MarkBackupFailed(ctx context.Context, id, notes string, durationSeconds float64) error
	MergeBackupMetadata(ctx context.Context, id string, meta catalog.JSONMap) error
	ClearBackupPath(ctx context.Context, id, backend string) error
	DeleteBackup(ctx context.Context, id string) error
	DeleteEmptyBackups(ctx context.Context) (int64, error)
	ListRecentBackups(ctx context.Context, kind catalog.BackupKind, since time.Time, limit int) ([]catalog.BackupRecord, error)
	ListBackupsForVerification(ctx context.Context, since time.Time, limit int) ([]catalog.BackupRecord, error)
	RetentionCandidates(ctx context.Context, cutoff time.Time, scope string) ([]catalog.BackupRecord, error)
	ListWALOlderThan(ctx context.Context, cutoff time.Time) ([]catalog.BackupRecord, error)
	CreateRestore(ctx context.Context, r *catalog.RestoreRecord) error
	FinishRestore(ctx context.Context, r *catalog.RestoreRecord) error
	CreateAlert(ctx context.Context, a *catalog.Alert) error
	PurgeResolvedAlerts(ctx context.Context, olderThan time.Time) (int64, error)

	// Bypass runs fn with cross-tenant row visibility. The scope should
	// be the smallest region that needs it.
	Bypass(ctx context.Context, fn func(Catalog) error) error
}

// catalogStore adapts *catalog.Store to the Catalog interface.
type catalogStore struct{ *catalog.Store }

// NewCatalog wraps the concrete store.
func NewCatalog(s *catalog.Store) Catalog { return catalogStore{s} }

func (c catalogStore) Bypass(ctx context.Context, fn func(Catalog) error) error {
	return c.Store.WithBypassRLS(ctx, func(scoped *catalog.Store) error {
		return fn(catalogStore{scoped})
	})
}

// Lease is a held distributed lock.
type Lease interface {
	Release(ctx context.Context)
}

// Locker hands out the two lock families the pipelines use.
type Locker interface {
	AcquireTaskRun(ctx context.Context, task, runID string) (Lease, error)
	AcquireTenant(ctx context.Context, tenantID, taskRunID string) (Lease, error)
}

// lockService adapts *locks.Service to the Locker interface.
type lockService struct{ svc *locks.Service }

// NewLocker wraps the concrete lock service.
func NewLocker(s *locks.Service) Locker { return lockService{s} }

func (l lockService) AcquireTaskRun(ctx context.Context, task, runID string) (Lease, error) {
	return l.svc.AcquireTaskRun(ctx, task, runID)
}

func (l lockService) AcquireTenant(ctx context.Context, tenantID, taskRunID string) (Lease, error) {
	return l.svc.AcquireTenant(ctx, tenantID, taskRunID)
}

// Dumper drives the database dump and restore tools.
type Dumper interface {
	FullDump(ctx context.Context, outPath string, db dump.DBConfig) error
	TenantDump(ctx context.Context, outPath, tenantID string, db dump.DBConfig) error
	Restore(ctx context.Context, dumpPath string, db dump.DBConfig, clean bool) error
}

// Monitor is the anomaly detection surface invoked post-terminal.
type Monitor interface {
	CheckBackup(ctx context.Context, rec *catalog.BackupRecord) ([]*catalog.Alert, error)
	CheckRestore(ctx context.Context, rec *catalog.RestoreRecord) (*catalog.Alert, error)
	ReportIntegrityFailure(ctx context.Context, backupID, filename string, problems []string) (*catalog.Alert, error)
	ReportIntegritySummary(ctx context.Context, checked, failed int) (*catalog.Alert, error)
	ReportPostUploadIntegrity(ctx context.Context, backupID, filename string, problems []string) (*catalog.Alert, error)
}

// TenantLister resolves the active tenants from the host application.
type TenantLister interface {
	ActiveTenants(ctx context.Context) ([]string, error)
}

// Config holds orchestrator settings.
type Config struct {
	DB dump.DBConfig

	LocalBasePath string
	WALDir        string
	TempDir       string

	// ConfigPaths are the well-known project paths swept by the config
	// backup; entries may be files or directories.
	ConfigPaths []string

	LocalRetentionDays  int
	RemoteRetentionDays int
	WALRetentionDays    int
	AlertRetentionDays  int

	VerifyWindowDays int
	VerifyLimit      int

	// IntegrityTables are verified for existence and row counts by the
	// monthly test restore.
	IntegrityTables []string

	HealthCheckURL string
	K8sNamespace   string
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.LocalRetentionDays <= 0 {
		out.LocalRetentionDays = DefaultLocalRetentionDays
	}
	if out.RemoteRetentionDays <= 0 {
		out.RemoteRetentionDays = DefaultRemoteRetentionDays
	}
	if out.WALRetentionDays <= 0 {
		out.WALRetentionDays = DefaultWALRetentionDays
	}
	if out.AlertRetentionDays <= 0 {
		out.AlertRetentionDays = 30
	}
	if out.VerifyWindowDays <= 0 {
		out.VerifyWindowDays = DefaultVerifyWindowDays
	}
	if out.VerifyLimit <= 0 {
		out.VerifyLimit = DefaultVerifyLimit
	}
	return out
}

// Orchestrator owns the pipelines. All collaborators are injected; there
// is no package-level state.
type Orchestrator struct {
	cfg     Config
	cat     Catalog
	codec   *codec.Codec
	dumper  Dumper
	locker  Locker
	monitor Monitor
	local   storage.Backend
	remotes map[string]storage.Backend
	tenants TenantLister
	admin   DBAdmin

	// Test seams.
	now        func() time.Time
	sleep      func(ctx context.Context, d time.Duration) error
	runCommand func(ctx context.Context, name string, args ...string) error
}

// New assembles an orchestrator. remotes is keyed by backend name ("r2",
// "b2"); tenants and admin may be nil when the corresponding pipelines are
// not scheduled.
func New(cfg Config, cat Catalog, cdc *codec.Codec, dumper Dumper, locker Locker,
	mon Monitor, local storage.Backend, remotes map[string]storage.Backend,
	tenants TenantLister, admin DBAdmin) *Orchestrator {
	return &Orchestrator{
		cfg:        cfg.withDefaults(),
		cat:        cat,
		codec:      cdc,
		dumper:     dumper,
		locker:     locker,
		monitor:    mon,
		local:      local,
		remotes:    remotes,
		tenants:    tenants,
		admin:      admin,
		now:        time.Now,
		sleep:      sleepCtx,
		runCommand: runOSCommand,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// withTaskLock runs fn under the single-flight task-run lock. Contention is
// not an error: the run is skipped silently.
func (o *Orchestrator) withTaskLock(ctx context.Context, task, runID string, fn func() error) error {
	lease, err := o.locker.AcquireTaskRun(ctx, task, runID)
	if errors.Is(err, locks.ErrNotAcquired) {
		logging.Info().Str("task", task).Str("run_id", runID).Msg("Run already claimed by another worker; skipping")
		return nil
	}
	if err != nil {
		return err
	}
	defer lease.Release(ctx)
	return fn()
}

// executeWithRetry runs fn up to attempts times with a fixed delay between
// attempts.
func (o *Orchestrator) executeWithRetry(ctx context.Context, task string, attempts int, delay time.Duration, fn func() error) error {
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		logging.Warn().
			Err(err).
			Str("task", task).
			Int("attempt", attempt).
			Int("max_attempts", attempts).
			Msg("Pipeline attempt failed")
		if attempt == attempts {
			break
		}
		if sleepErr := o.sleep(ctx, delay); sleepErr != nil {
			return fmt.Errorf("%s retry interrupted: %w (last error: %v)", task, sleepErr, err)
		}
	}
	return fmt.Errorf("%s exhausted %d attempts: %w", task, attempts, err)
}

// inBypass is shorthand for a cross-tenant catalog write scope.
func (o *Orchestrator) inBypass(ctx context.Context, fn func(Catalog) error) error {
	return o.cat.Bypass(ctx, fn)
}

// makeTempDir creates the per-run scratch directory and returns it with
// its cleanup.
func (o *Orchestrator) makeTempDir(task string) (string, func(), error) {
	dir, err := os.MkdirTemp(o.cfg.TempDir, "custodius-"+task+"-*")
	if err != nil {
		return "", nil, fmt.Errorf("creating temp dir: %w", err)
	}
	return dir, func() {
		if err := os.RemoveAll(dir); err != nil {
			logging.Warn().Err(err).Str("dir", dir).Msg("Failed to remove temp dir")
		}
	}, nil
}

// failBackup terminates the record, then hands it to the monitor so the
// failure alert is created post-terminal.
func (o *Orchestrator) failBackup(ctx context.Context, rec *catalog.BackupRecord, start time.Time, cause error) {
	duration := o.now().Sub(start).Seconds()
	err := o.inBypass(ctx, func(c Catalog) error {
		return c.MarkBackupFailed(ctx, rec.ID, cause.Error(), duration)
	})
	if err != nil {
		logging.Error().Err(err).Str("backup_id", rec.ID).Msg("Failed to mark backup FAILED")
	}
	rec.Status = catalog.StatusFailed
	rec.Notes = cause.Error()
	rec.DurationSeconds = duration
	if _, err := o.monitor.CheckBackup(ctx, rec); err != nil {
		logging.Error().Err(err).Str("backup_id", rec.ID).Msg("Monitor hook failed on backup failure")
	}
}

// fanOut uploads the artifact to all three backends. The local upload is
// mandatory; remote failures reduce redundancy and are logged as warnings.
func (o *Orchestrator) fanOut(ctx context.Context, localFile, key string) (map[string]string, error) {
	if !o.local.Upload(ctx, localFile, key) {
		return nil, fmt.Errorf("mandatory local upload failed for %s", key)
	}
	paths := map[string]string{storage.NameLocal: key}

	for name, backend := range o.remotes {
		if backend.Upload(ctx, localFile, key) {
			paths[name] = key
		} else {
			logging.Warn().
				Str("backend", name).
				Str("key", key).
				Msg("Remote upload failed; continuing with reduced redundancy")
		}
	}
	return paths, nil
}

// verifyStores builds the integrity-check view over the locations that
// actually hold the artifact.
func (o *Orchestrator) verifyStores(paths map[string]string) map[string]codec.ObjectStore {
	stores := make(map[string]codec.ObjectStore, len(paths))
	if _, ok := paths[storage.NameLocal]; ok {
		stores[storage.NameLocal] = o.local
	}
	for name, backend := range o.remotes {
		if _, ok := paths[name]; ok {
			stores[name] = backend
		}
	}
	return stores
}

// publishArtifact is the shared tail of the full, tenant, and config
// pipelines: fan out, complete the record, verify, promote, monitor-hook.
func (o *Orchestrator) publishArtifact(ctx context.Context, rec *catalog.BackupRecord, encPath, key string, start time.Time) error {
	paths, err := o.fanOut(ctx, encPath, key)
	if err != nil {
		return err
	}
	rec.LocalPath = localArtifactPath(o.cfg.LocalBasePath, paths[storage.NameLocal])
	rec.R2Path = paths[storage.NameR2]
	rec.B2Path = paths[storage.NameB2]
	rec.DurationSeconds = o.now().Sub(start).Seconds()

	if err := o.inBypass(ctx, func(c Catalog) error {
		return c.MarkBackupCompleted(ctx, rec)
	}); err != nil {
		return err
	}
	rec.Status = catalog.StatusCompleted
	recordArtifact(rec.Kind, rec.SizeBytes, rec.DurationSeconds)

	report := o.codec.VerifyBackupIntegrity(ctx, key, rec.Checksum, o.verifyStores(paths))
	if report.Valid {
		if err := o.inBypass(ctx, func(c Catalog) error {
			return c.MarkBackupVerified(ctx, rec.ID)
		}); err != nil {
			return err
		}
		rec.Status = catalog.StatusVerified
	} else {
		if _, err := o.monitor.ReportPostUploadIntegrity(ctx, rec.ID, rec.Filename, report.Errors); err != nil {
			logging.Error().Err(err).Str("backup_id", rec.ID).Msg("Failed to report integrity outcome")
		}
	}

	if _, err := o.monitor.CheckBackup(ctx, rec); err != nil {
		logging.Error().Err(err).Str("backup_id", rec.ID).Msg("Monitor hook failed")
	}
	return nil
}

func localArtifactPath(base, key string) string {
	if key == "" {
		return ""
	}
	return base + "/" + key
}
