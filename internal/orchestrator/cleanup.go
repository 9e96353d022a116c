// Custodius - Multi-Tenant PostgreSQL Backup and Disaster Recovery Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/custodius

package orchestrator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/tomtom215/custodius/internal/catalog"
	"github.com/tomtom215/custodius/internal/logging"
	"github.com/tomtom215/custodius/internal/storage"
)

// tempFilePatterns are the scratch-file shapes swept from the local base
// directory when older than a day.
var tempFilePatterns = []string{"*.tmp", "*.raw", "*.preamble.sql", "custodius-*"}

// CleanupReport counts what the retention sweep did.
type CleanupReport struct {
	LocalDeleted    int
	RemoteDeleted   int
	RecordsDeleted  int64
	TempFilesSwept  int
	DeleteFailures  int
	AlertsPurged    int64
}

// RunCleanup enforces the retention policy: local copies expire after 30
// days, remote copies after a year, records disappear once no copy
// remains, and day-old temp files are swept from the base directory.
func (o *Orchestrator) RunCleanup(ctx context.Context, runID string) (*CleanupReport, error) {
	var report *CleanupReport
	start := o.now()
	err := o.withTaskLock(ctx, TaskCleanup, runID, func() error {
		var err error
		report, err = o.cleanupOnce(ctx)
		return err
	})
	recordRun(TaskCleanup, err, o.now().Sub(start).Seconds())
	return report, err
}

func (o *Orchestrator) cleanupOnce(ctx context.Context) (*CleanupReport, error) {
	report := &CleanupReport{}
	now := o.now()

	// Step 1: expire local copies of terminated backups.
	localCutoff := now.Add(-time.Duration(o.cfg.LocalRetentionDays) * 24 * time.Hour)
	var localCandidates []catalog.BackupRecord
	if err := o.inBypass(ctx, func(c Catalog) error {
		var err error
		localCandidates, err = c.RetentionCandidates(ctx, localCutoff, "local")
		return err
	}); err != nil {
		return report, err
	}
	for i := range localCandidates {
		rec := &localCandidates[i]
		if rec.Status != catalog.StatusCompleted && rec.Status != catalog.StatusVerified {
			continue
		}
		if !o.deleteLocalCopy(ctx, rec) {
			report.DeleteFailures++
			continue
		}
		if err := o.inBypass(ctx, func(c Catalog) error {
			return c.ClearBackupPath(ctx, rec.ID, "local")
		}); err != nil {
			return report, err
		}
		report.LocalDeleted++
	}

	// Step 2: expire remote copies past the long retention.
	remoteCutoff := now.Add(-time.Duration(o.cfg.RemoteRetentionDays) * 24 * time.Hour)
	var remoteCandidates []catalog.BackupRecord
	if err := o.inBypass(ctx, func(c Catalog) error {
		var err error
		remoteCandidates, err = c.RetentionCandidates(ctx, remoteCutoff, "remote")
		return err
	}); err != nil {
		return report, err
	}
	for i := range remoteCandidates {
		rec := &remoteCandidates[i]
		key := remoteObjectKey(rec.Filename, rec.Kind == catalog.KindWAL)
		for name, path := range map[string]string{storage.NameR2: rec.R2Path, storage.NameB2: rec.B2Path} {
			if path == "" {
				continue
			}
			backend, ok := o.remotes[name]
			if !ok {
				continue
			}
			if !backend.Delete(ctx, key) {
				report.DeleteFailures++
				continue
			}
			if err := o.inBypass(ctx, func(c Catalog) error {
				return c.ClearBackupPath(ctx, rec.ID, name)
			}); err != nil {
				return report, err
			}
			report.RemoteDeleted++
		}
	}

	// Step 3: drop records with no remaining copy.
	deleted, err := o.deleteEmptyRecords(ctx)
	if err != nil {
		return report, err
	}
	report.RecordsDeleted = deleted

	// Step 4: sweep stale temp files from the base directory.
	report.TempFilesSwept = o.sweepTempFiles(now)

	// Retention also applies to resolved alerts.
	alertCutoff := now.Add(-time.Duration(o.cfg.AlertRetentionDays) * 24 * time.Hour)
	if err := o.inBypass(ctx, func(c Catalog) error {
		var err error
		report.AlertsPurged, err = c.PurgeResolvedAlerts(ctx, alertCutoff)
		return err
	}); err != nil {
		return report, err
	}

	o.reportCleanup(ctx, report)
	return report, nil
}

func (o *Orchestrator) deleteEmptyRecords(ctx context.Context) (int64, error) {
	var deleted int64
	err := o.inBypass(ctx, func(c Catalog) error {
		var err error
		deleted, err = c.DeleteEmptyBackups(ctx)
		return err
	})
	return deleted, err
}

// deleteLocalCopy removes the local artifact. WAL segments live as loose
// files outside the key layout; everything else goes through the backend.
func (o *Orchestrator) deleteLocalCopy(ctx context.Context, rec *catalog.BackupRecord) bool {
	if rec.Kind == catalog.KindWAL {
		if err := os.Remove(rec.LocalPath); err != nil && !os.IsNotExist(err) {
			logging.Warn().Err(err).Str("path", rec.LocalPath).Msg("Failed to delete local WAL copy")
			return false
		}
		return true
	}
	return o.local.Delete(ctx, rec.Filename)
}

func (o *Orchestrator) sweepTempFiles(now time.Time) int {
	swept := 0
	cutoff := now.Add(-DefaultTempFileMaxAge)
	for _, pattern := range tempFilePatterns {
		matches, err := filepath.Glob(filepath.Join(o.cfg.LocalBasePath, pattern))
		if err != nil {
			continue
		}
		for _, path := range matches {
			info, err := os.Stat(path)
			if err != nil || info.ModTime().After(cutoff) {
				continue
			}
			if err := os.RemoveAll(path); err != nil {
				logging.Warn().Err(err).Str("path", path).Msg("Failed to sweep temp file")
				continue
			}
			swept++
		}
	}
	return swept
}

// reportCleanup records the sweep outcome as an operational alert.
func (o *Orchestrator) reportCleanup(ctx context.Context, report *CleanupReport) {
	removed := report.LocalDeleted + report.RemoteDeleted + report.TempFilesSwept + int(report.RecordsDeleted)
	if removed == 0 && report.DeleteFailures == 0 {
		return
	}

	severity := catalog.SeverityInfo
	message := fmt.Sprintf("Retention sweep removed %d local, %d remote, %d records, %d temp files",
		report.LocalDeleted, report.RemoteDeleted, report.RecordsDeleted, report.TempFilesSwept)
	if report.DeleteFailures > 0 {
		severity = catalog.SeverityWarning
		message = fmt.Sprintf("%s; %d deletions failed", message, report.DeleteFailures)
	}

	err := o.inBypass(ctx, func(c Catalog) error {
		return c.CreateAlert(ctx, &catalog.Alert{
			Kind:     catalog.AlertStorageCapacity,
			Severity: severity,
			Message:  message,
			Details: catalog.JSONMap{
				"local_deleted":   report.LocalDeleted,
				"remote_deleted":  report.RemoteDeleted,
				"records_deleted": report.RecordsDeleted,
				"temp_swept":      report.TempFilesSwept,
				"delete_failures": report.DeleteFailures,
				"alerts_purged":   report.AlertsPurged,
			},
		})
	})
	if err != nil {
		logging.Error().Err(err).Msg("Failed to record cleanup alert")
	}
}
