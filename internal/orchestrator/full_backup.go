// Custodius - Multi-Tenant PostgreSQL Backup and Disaster Recovery Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/custodius

package orchestrator

import (
	"context"
	"time"

	"github.com/tomtom215/custodius/internal/catalog"
	"github.com/tomtom215/custodius/internal/codec"
	"github.com/tomtom215/custodius/internal/logging"
)

// RunFullBackup executes the daily whole-database pipeline. Returns the
// backup record id, or "" when the run was skipped due to lock contention.
func (o *Orchestrator) RunFullBackup(ctx context.Context, runID string) (string, error) {
	var backupID string
	start := o.now()
	err := o.withTaskLock(ctx, TaskFullBackup, runID, func() error {
		return o.executeWithRetry(ctx, TaskFullBackup, 3, 5*time.Minute, func() error {
			id, err := o.fullBackupOnce(ctx, runID)
			backupID = id
			return err
		})
	})
	recordRun(TaskFullBackup, err, o.now().Sub(start).Seconds())
	return backupID, err
}

func (o *Orchestrator) fullBackupOnce(ctx context.Context, runID string) (string, error) {
	start := o.now()
	filename := FullBackupFilename(start)

	rec := &catalog.BackupRecord{
		Kind:     catalog.KindFullDB,
		Filename: filename,
		JobID:    runID,
		Metadata: catalog.JSONMap{"pg_dump_format": "plain"},
	}
	if err := o.inBypass(ctx, func(c Catalog) error {
		return c.CreateBackup(ctx, rec)
	}); err != nil {
		return "", err
	}

	tmpDir, cleanup, err := o.makeTempDir(TaskFullBackup)
	if err != nil {
		o.failBackup(ctx, rec, start, err)
		return rec.ID, err
	}
	defer cleanup()

	dumpPath := dumpPathFor(tmpDir, filename)
	if err := o.dumper.FullDump(ctx, dumpPath, o.cfg.DB); err != nil {
		o.failBackup(ctx, rec, start, err)
		return rec.ID, err
	}

	encPath, checksum, origSize, compSize, finalSize, err := o.codec.CompressAndEncrypt(dumpPath, "", false)
	if err != nil {
		o.failBackup(ctx, rec, start, err)
		return rec.ID, err
	}

	rec.SizeBytes = finalSize
	rec.Checksum = checksum
	rec.CompressionRatio = codec.CompressionRatio(origSize, compSize)
	rec.Metadata["original_size_bytes"] = origSize
	rec.Metadata["compressed_size_bytes"] = compSize

	if err := o.publishArtifact(ctx, rec, encPath, filename, start); err != nil {
		o.failBackup(ctx, rec, start, err)
		return rec.ID, err
	}

	logging.Info().
		Str("backup_id", rec.ID).
		Str("filename", filename).
		Int64("size_bytes", rec.SizeBytes).
		Float64("compression_ratio", rec.CompressionRatio).
		Str("status", string(rec.Status)).
		Msg("Full database backup complete")
	return rec.ID, nil
}
