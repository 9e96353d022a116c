// Custodius - Multi-Tenant PostgreSQL Backup and Disaster Recovery Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/custodius

package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tomtom215/custodius/internal/catalog"
	"github.com/tomtom215/custodius/internal/codec"
	"github.com/tomtom215/custodius/internal/locks"
	"github.com/tomtom215/custodius/internal/logging"
)

// RunTenantBackups executes the per-tenant pipeline. With an empty
// tenantIDs the active tenants are resolved from the host application.
// Tenants are processed independently: a locked or failing tenant is
// skipped, never aborts the batch. Returns the ids of successful backups.
func (o *Orchestrator) RunTenantBackups(ctx context.Context, runID string, tenantIDs []string) ([]string, error) {
	var succeeded []string
	start := o.now()
	err := o.withTaskLock(ctx, TaskTenantBackup, runID, func() error {
		return o.executeWithRetry(ctx, TaskTenantBackup, 3, 5*time.Minute, func() error {
			ids, err := o.tenantBatchOnce(ctx, runID, tenantIDs)
			succeeded = ids
			return err
		})
	})
	recordRun(TaskTenantBackup, err, o.now().Sub(start).Seconds())
	return succeeded, err
}

func (o *Orchestrator) tenantBatchOnce(ctx context.Context, runID string, tenantIDs []string) ([]string, error) {
	if len(tenantIDs) == 0 {
		if o.tenants == nil {
			return nil, errors.New("no tenant lister configured")
		}
		var err error
		tenantIDs, err = o.tenants.ActiveTenants(ctx)
		if err != nil {
			return nil, fmt.Errorf("resolving active tenants: %w", err)
		}
	}

	var succeeded []string
	for _, tenantID := range tenantIDs {
		lease, err := o.locker.AcquireTenant(ctx, tenantID, runID)
		if errors.Is(err, locks.ErrNotAcquired) {
			logging.Info().
				Str("tenant_id", tenantID).
				Msg("Tenant backup already in progress elsewhere; skipping")
			continue
		}
		if err != nil {
			logging.Warn().Err(err).Str("tenant_id", tenantID).Msg("Tenant lock unavailable; skipping")
			continue
		}

		id, err := o.tenantBackupOnce(ctx, runID, tenantID)
		lease.Release(ctx)
		if err != nil {
			// Already recorded as FAILED with its alert; the batch continues
			logging.Error().Err(err).Str("tenant_id", tenantID).Msg("Tenant backup failed")
			continue
		}
		succeeded = append(succeeded, id)
	}

	logging.Info().
		Int("requested", len(tenantIDs)).
		Int("succeeded", len(succeeded)).
		Msg("Tenant backup batch complete")
	return succeeded, nil
}

func (o *Orchestrator) tenantBackupOnce(ctx context.Context, runID, tenantID string) (string, error) {
	start := o.now()
	filename := TenantBackupFilename(tenantID, start)

	rec := &catalog.BackupRecord{
		Kind:     catalog.KindTenant,
		TenantID: tenantID,
		Filename: filename,
		JobID:    runID,
		Metadata: catalog.JSONMap{"pg_dump_format": "plain"},
	}
	if err := o.inBypass(ctx, func(c Catalog) error {
		return c.CreateBackup(ctx, rec)
	}); err != nil {
		return "", err
	}

	tmpDir, cleanup, err := o.makeTempDir(TaskTenantBackup)
	if err != nil {
		o.failBackup(ctx, rec, start, err)
		return rec.ID, err
	}
	defer cleanup()

	dumpPath := dumpPathFor(tmpDir, filename)
	if err := o.dumper.TenantDump(ctx, dumpPath, tenantID, o.cfg.DB); err != nil {
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

	if err := o.publishArtifact(ctx, rec, encPath, filename, start); err != nil {
		o.failBackup(ctx, rec, start, err)
		return rec.ID, err
	}

	logging.Info().
		Str("backup_id", rec.ID).
		Str("tenant_id", tenantID).
		Str("status", string(rec.Status)).
		Msg("Tenant backup complete")
	return rec.ID, nil
}
