// Custodius - Multi-Tenant PostgreSQL Backup and Disaster Recovery Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/custodius

package orchestrator

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/tomtom215/custodius/internal/catalog"
	"github.com/tomtom215/custodius/internal/logging"
	"github.com/tomtom215/custodius/internal/storage"
)

// VerifyReport summarizes one hourly integrity sweep.
type VerifyReport struct {
	Checked int
	Failed  int
}

// RunVerifySweep performs the cheap hourly integrity check: existence and
// reported size for every stored copy of the most recent backups. Full
// checksum recomputation happens post-upload, not here.
func (o *Orchestrator) RunVerifySweep(ctx context.Context, runID string) (*VerifyReport, error) {
	var report *VerifyReport
	start := o.now()
	err := o.withTaskLock(ctx, TaskVerify, runID, func() error {
		var err error
		report, err = o.verifySweepOnce(ctx)
		return err
	})
	recordRun(TaskVerify, err, o.now().Sub(start).Seconds())
	return report, err
}

func (o *Orchestrator) verifySweepOnce(ctx context.Context) (*VerifyReport, error) {
	since := o.now().Add(-time.Duration(o.cfg.VerifyWindowDays) * 24 * time.Hour)

	var backups []catalog.BackupRecord
	if err := o.inBypass(ctx, func(c Catalog) error {
		var err error
		backups, err = c.ListBackupsForVerification(ctx, since, o.cfg.VerifyLimit)
		return err
	}); err != nil {
		return nil, err
	}

	report := &VerifyReport{Checked: len(backups)}
	for i := range backups {
		rec := &backups[i]
		problems := o.verifyBackupLocations(ctx, rec)

		status := "passed"
		if len(problems) > 0 {
			status = "failed"
			report.Failed++
			if _, err := o.monitor.ReportIntegrityFailure(ctx, rec.ID, rec.Filename, problems); err != nil {
				logging.Error().Err(err).Str("backup_id", rec.ID).Msg("Failed to report integrity failure")
			}
		}

		check := catalog.JSONMap{
			"last_integrity_check": map[string]any{
				"timestamp": o.now().UTC().Format(time.RFC3339),
				"status":    status,
			},
		}
		if len(problems) > 0 {
			check["last_integrity_check"].(map[string]any)["errors"] = problems
		}
		if err := o.inBypass(ctx, func(c Catalog) error {
			return c.MergeBackupMetadata(ctx, rec.ID, check)
		}); err != nil {
			return report, err
		}
	}

	if _, err := o.monitor.ReportIntegritySummary(ctx, report.Checked, report.Failed); err != nil {
		logging.Error().Err(err).Msg("Failed to report integrity summary")
	}

	logging.Info().
		Int("checked", report.Checked).
		Int("failed", report.Failed).
		Msg("Storage integrity sweep complete")
	return report, nil
}

// verifyBackupLocations checks existence and size of each stored copy.
func (o *Orchestrator) verifyBackupLocations(ctx context.Context, rec *catalog.BackupRecord) []string {
	var problems []string
	key := remoteObjectKey(rec.Filename, rec.Kind == catalog.KindWAL)

	if rec.LocalPath != "" {
		if rec.Kind == catalog.KindWAL {
			info, err := os.Stat(rec.LocalPath)
			switch {
			case err != nil:
				problems = append(problems, fmt.Sprintf("local: file missing: %s", rec.LocalPath))
			case info.Size() != rec.SizeBytes:
				problems = append(problems, fmt.Sprintf("local: size mismatch: got %d want %d", info.Size(), rec.SizeBytes))
			}
		} else {
			problems = append(problems, o.verifyOnBackend(ctx, o.local, storage.NameLocal, rec.Filename, rec.SizeBytes)...)
		}
	}
	if rec.R2Path != "" {
		if backend, ok := o.remotes[storage.NameR2]; ok {
			problems = append(problems, o.verifyOnBackend(ctx, backend, storage.NameR2, key, rec.SizeBytes)...)
		}
	}
	if rec.B2Path != "" {
		if backend, ok := o.remotes[storage.NameB2]; ok {
			problems = append(problems, o.verifyOnBackend(ctx, backend, storage.NameB2, key, rec.SizeBytes)...)
		}
	}
	return problems
}

func (o *Orchestrator) verifyOnBackend(ctx context.Context, backend storage.Backend, name, key string, wantSize int64) []string {
	if !backend.Exists(ctx, key) {
		return []string{fmt.Sprintf("%s: object missing: %s", name, key)}
	}
	size, ok := backend.GetSize(ctx, key)
	if !ok {
		return []string{fmt.Sprintf("%s: size unavailable: %s", name, key)}
	}
	if size != wantSize {
		return []string{fmt.Sprintf("%s: size mismatch: got %d want %d", name, size, wantSize)}
	}
	return nil
}
