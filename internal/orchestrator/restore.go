// Custodius - Multi-Tenant PostgreSQL Backup and Disaster Recovery Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/custodius

package orchestrator

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/tomtom215/custodius/internal/catalog"
	"github.com/tomtom215/custodius/internal/logging"
	"github.com/tomtom215/custodius/internal/storage"
)

// RestoreRequest describes a manual restore trigger.
type RestoreRequest struct {
	BackupID  string
	Mode      catalog.RestoreMode
	Initiator string
	Reason    string
	TenantIDs []string

	// TargetTimestamp applies to PITR only, which is not implemented.
	TargetTimestamp *time.Time
}

// RunRestore executes a manual restore. FULL drops existing objects before
// replay; MERGE replays on top of the current schema; PITR is rejected.
func (o *Orchestrator) RunRestore(ctx context.Context, req RestoreRequest) (*catalog.RestoreRecord, error) {
	if req.Mode == catalog.RestorePITR {
		return nil, ErrPITRNotImplemented
	}

	rec, err := o.getBackupForRestore(ctx, req.BackupID)
	if err != nil {
		return nil, err
	}

	restore := &catalog.RestoreRecord{
		BackupID:  rec.ID,
		Initiator: req.Initiator,
		Mode:      req.Mode,
		Reason:    req.Reason,
		TenantIDs: req.TenantIDs,
		Metadata:  catalog.JSONMap{"filename": rec.Filename},
	}
	if err := o.inBypass(ctx, func(c Catalog) error {
		return c.CreateRestore(ctx, restore)
	}); err != nil {
		return nil, err
	}

	start := o.now()
	err = o.restoreInto(ctx, rec, o.cfg.DB.Database, req.Mode == catalog.RestoreFull)
	restore.DurationSeconds = o.now().Sub(start).Seconds()

	if err != nil {
		restore.Status = catalog.RestoreFailed
		restore.ErrorMessage = err.Error()
	} else {
		restore.Status = catalog.RestoreCompleted
	}
	if finishErr := o.inBypass(ctx, func(c Catalog) error {
		return c.FinishRestore(ctx, restore)
	}); finishErr != nil {
		logging.Error().Err(finishErr).Str("restore_id", restore.ID).Msg("Failed to finish restore record")
	}
	if _, monErr := o.monitor.CheckRestore(ctx, restore); monErr != nil {
		logging.Error().Err(monErr).Str("restore_id", restore.ID).Msg("Monitor hook failed on restore")
	}
	return restore, err
}

func (o *Orchestrator) getBackupForRestore(ctx context.Context, backupID string) (*catalog.BackupRecord, error) {
	var rec *catalog.BackupRecord
	err := o.inBypass(ctx, func(c Catalog) error {
		var err error
		if backupID != "" {
			rec, err = c.GetBackup(ctx, backupID)
			return err
		}
		recent, err := c.ListRecentBackups(ctx, catalog.KindFullDB,
			o.now().Add(-365*24*time.Hour), 1)
		if err != nil {
			return err
		}
		if len(recent) == 0 {
			return fmt.Errorf("no restorable FULL_DB backup found")
		}
		rec = &recent[0]
		return nil
	})
	return rec, err
}

// restoreInto downloads, decrypts, and replays the artifact into dbName.
func (o *Orchestrator) restoreInto(ctx context.Context, rec *catalog.BackupRecord, dbName string, clean bool) error {
	tmpDir, cleanup, err := o.makeTempDir("restore")
	if err != nil {
		return err
	}
	defer cleanup()

	encPath := filepath.Join(tmpDir, rec.Filename)
	if err := o.downloadArtifact(ctx, rec, encPath); err != nil {
		return err
	}

	dumpPath, err := o.codec.DecryptAndDecompress(encPath, "", false)
	if err != nil {
		return err
	}

	db := o.cfg.DB
	db.Database = dbName
	return o.dumper.Restore(ctx, dumpPath, db, clean)
}

// downloadArtifact fetches the artifact, preferring R2, then B2, then the
// local copy.
func (o *Orchestrator) downloadArtifact(ctx context.Context, rec *catalog.BackupRecord, dest string) error {
	key := remoteObjectKey(rec.Filename, rec.Kind == catalog.KindWAL)

	type source struct {
		name    string
		path    string
		backend storage.Backend
	}
	sources := []source{
		{storage.NameR2, rec.R2Path, o.remotes[storage.NameR2]},
		{storage.NameB2, rec.B2Path, o.remotes[storage.NameB2]},
		{storage.NameLocal, rec.LocalPath, o.local},
	}
	for _, s := range sources {
		if s.path == "" || s.backend == nil {
			continue
		}
		if s.backend.Download(ctx, key, dest) {
			logging.Info().Str("backend", s.name).Str("key", key).Msg("Artifact downloaded")
			return nil
		}
		logging.Warn().Str("backend", s.name).Str("key", key).Msg("Download failed; trying next source")
	}
	return fmt.Errorf("no storage backend could deliver %s", rec.Filename)
}
