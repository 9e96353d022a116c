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
	"github.com/tomtom215/custodius/internal/codec"
	"github.com/tomtom215/custodius/internal/logging"
	"github.com/tomtom215/custodius/internal/storage"
)

// RunWALArchive compresses new WAL segments from the archive directory and
// ships them to the remote backends under the wal/ prefix. The compressed
// file stays on disk as the local copy; at least one remote upload must
// succeed for the segment to count as archived. Finishes with the 30-day
// WAL retention sweep.
func (o *Orchestrator) RunWALArchive(ctx context.Context, runID string) (int, error) {
	archived := 0
	start := o.now()
	err := o.withTaskLock(ctx, TaskWALArchive, runID, func() error {
		return o.executeWithRetry(ctx, TaskWALArchive, 3, time.Minute, func() error {
			n, err := o.walArchiveOnce(ctx, runID)
			archived = n
			return err
		})
	})
	recordRun(TaskWALArchive, err, o.now().Sub(start).Seconds())
	return archived, err
}

func (o *Orchestrator) walArchiveOnce(ctx context.Context, runID string) (int, error) {
	entries, err := os.ReadDir(o.cfg.WALDir)
	if err != nil {
		return 0, fmt.Errorf("scanning WAL directory %s: %w", o.cfg.WALDir, err)
	}

	archived := 0
	for _, entry := range entries {
		if entry.IsDir() || !IsWALSegment(entry.Name()) {
			continue
		}
		filename := entry.Name() + ".gz"

		var known bool
		if err := o.inBypass(ctx, func(c Catalog) error {
			var err error
			known, err = c.HasBackupFilename(ctx, filename)
			return err
		}); err != nil {
			return archived, err
		}
		if known {
			continue
		}

		if err := o.archiveWALSegment(ctx, runID, entry.Name()); err != nil {
			logging.Error().Err(err).Str("segment", entry.Name()).Msg("WAL segment archival failed")
			continue
		}
		archived++
	}

	if err := o.cleanupOldWALArchives(ctx); err != nil {
		logging.Warn().Err(err).Msg("WAL retention sweep failed")
	}

	if archived > 0 {
		logging.Info().Int("archived", archived).Msg("WAL archive batch complete")
	}
	return archived, nil
}

func (o *Orchestrator) archiveWALSegment(ctx context.Context, runID, segment string) error {
	start := o.now()
	rawPath := filepath.Join(o.cfg.WALDir, segment)
	filename := segment + ".gz"

	rec := &catalog.BackupRecord{
		Kind:     catalog.KindWAL,
		Filename: filename,
		JobID:    runID,
	}
	if err := o.inBypass(ctx, func(c Catalog) error {
		return c.CreateBackup(ctx, rec)
	}); err != nil {
		return err
	}

	gzPath, origSize, compSize, err := o.codec.Compress(rawPath, "")
	if err != nil {
		o.failBackup(ctx, rec, start, err)
		return err
	}

	checksum, err := o.codec.SHA256File(gzPath)
	if err != nil {
		o.failBackup(ctx, rec, start, err)
		return err
	}

	// Fan out to the remotes only; the gz on disk is the local copy
	key := WALObjectKey(filename)
	uploaded := map[string]string{}
	for name, backend := range o.remotes {
		if backend.Upload(ctx, gzPath, key) {
			uploaded[name] = key
		} else {
			logging.Warn().Str("backend", name).Str("key", key).Msg("WAL upload failed")
		}
	}
	if len(uploaded) == 0 {
		o.failBackup(ctx, rec, start, fmt.Errorf("no remote backend accepted WAL segment %s", segment))
		return fmt.Errorf("archiving %s: all remote uploads failed", segment)
	}

	rec.SizeBytes = compSize
	rec.Checksum = checksum
	rec.CompressionRatio = codec.CompressionRatio(origSize, compSize)
	rec.LocalPath = gzPath
	rec.R2Path = uploaded[storage.NameR2]
	rec.B2Path = uploaded[storage.NameB2]
	rec.DurationSeconds = o.now().Sub(start).Seconds()

	if err := o.inBypass(ctx, func(c Catalog) error {
		return c.MarkBackupCompleted(ctx, rec)
	}); err != nil {
		return err
	}
	rec.Status = catalog.StatusCompleted
	recordArtifact(rec.Kind, rec.SizeBytes, rec.DurationSeconds)

	// The 16 MiB raw segment is no longer needed
	if err := os.Remove(rawPath); err != nil {
		logging.Warn().Err(err).Str("segment", segment).Msg("Failed to remove raw WAL segment")
	}

	logging.Debug().
		Str("segment", segment).
		Int("remotes", len(uploaded)).
		Msg("WAL segment archived")
	return nil
}

// cleanupOldWALArchives deletes WAL records, their cloud objects, and the
// local compressed files once they pass the retention window.
func (o *Orchestrator) cleanupOldWALArchives(ctx context.Context) error {
	cutoff := o.now().Add(-time.Duration(o.cfg.WALRetentionDays) * 24 * time.Hour)

	var old []catalog.BackupRecord
	if err := o.inBypass(ctx, func(c Catalog) error {
		var err error
		old, err = c.ListWALOlderThan(ctx, cutoff)
		return err
	}); err != nil {
		return err
	}

	for i := range old {
		rec := &old[i]
		key := WALObjectKey(rec.Filename)
		for name, backend := range o.remotes {
			if (name == storage.NameR2 && rec.R2Path == "") ||
				(name == storage.NameB2 && rec.B2Path == "") {
				continue
			}
			if !backend.Delete(ctx, key) {
				logging.Warn().Str("backend", name).Str("key", key).Msg("Failed to delete expired WAL object")
			}
		}
		if rec.LocalPath != "" {
			if err := os.Remove(rec.LocalPath); err != nil && !os.IsNotExist(err) {
				logging.Warn().Err(err).Str("path", rec.LocalPath).Msg("Failed to delete expired local WAL file")
			}
		}
		if err := o.inBypass(ctx, func(c Catalog) error {
			return c.DeleteBackup(ctx, rec.ID)
		}); err != nil {
			return err
		}
	}

	if len(old) > 0 {
		logging.Info().Int("expired", len(old)).Msg("WAL retention sweep complete")
	}
	return nil
}
