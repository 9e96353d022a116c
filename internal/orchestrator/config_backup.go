// Custodius - Multi-Tenant PostgreSQL Backup and Disaster Recovery Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/custodius

package orchestrator

import (
	"archive/tar"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tomtom215/custodius/internal/catalog"
	"github.com/tomtom215/custodius/internal/codec"
	"github.com/tomtom215/custodius/internal/logging"
)

// RunConfigBackup archives the well-known configuration paths into an
// encrypted tarball. Environment files are sanitized before inclusion so
// the archive never carries live secrets.
func (o *Orchestrator) RunConfigBackup(ctx context.Context, runID string) (string, error) {
	var backupID string
	start := o.now()
	err := o.withTaskLock(ctx, TaskConfigBackup, runID, func() error {
		return o.executeWithRetry(ctx, TaskConfigBackup, 3, 5*time.Minute, func() error {
			id, err := o.configBackupOnce(ctx, runID)
			backupID = id
			return err
		})
	})
	recordRun(TaskConfigBackup, err, o.now().Sub(start).Seconds())
	return backupID, err
}

func (o *Orchestrator) configBackupOnce(ctx context.Context, runID string) (string, error) {
	start := o.now()
	filename := ConfigBackupFilename(start)

	rec := &catalog.BackupRecord{
		Kind:     catalog.KindConfig,
		Filename: filename,
		JobID:    runID,
		Metadata: catalog.JSONMap{"paths": o.cfg.ConfigPaths},
	}
	if err := o.inBypass(ctx, func(c Catalog) error {
		return c.CreateBackup(ctx, rec)
	}); err != nil {
		return "", err
	}

	tmpDir, cleanup, err := o.makeTempDir(TaskConfigBackup)
	if err != nil {
		o.failBackup(ctx, rec, start, err)
		return rec.ID, err
	}
	defer cleanup()

	tarPath := dumpPathFor(tmpDir, filename)
	included, err := buildConfigArchive(tarPath, o.cfg.ConfigPaths)
	if err != nil {
		o.failBackup(ctx, rec, start, err)
		return rec.ID, err
	}
	rec.Metadata["files_included"] = included

	encPath, checksum, origSize, compSize, finalSize, err := o.codec.CompressAndEncrypt(tarPath, "", false)
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
		Int("files", included).
		Str("status", string(rec.Status)).
		Msg("Configuration backup complete")
	return rec.ID, nil
}

// buildConfigArchive writes a tar of the given paths preserving relative
// directory structure. Missing paths are skipped; .env files are redacted.
// Returns the number of files included.
func buildConfigArchive(tarPath string, paths []string) (int, error) {
	out, err := os.OpenFile(tarPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o640) //nolint:gosec // G304: pipeline-owned path
	if err != nil {
		return 0, fmt.Errorf("creating config archive: %w", err)
	}
	tw := tar.NewWriter(out)

	included := 0
	for _, root := range paths {
		info, err := os.Stat(root)
		if err != nil {
			logging.Debug().Str("path", root).Msg("Config path absent; skipping")
			continue
		}
		if !info.IsDir() {
			if err := addConfigFile(tw, root, filepath.Base(root)); err != nil {
				return included, err
			}
			included++
			continue
		}
		base := filepath.Base(root)
		err = filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
			if err != nil || d.IsDir() {
				return err
			}
			rel, err := filepath.Rel(root, path)
			if err != nil {
				return err
			}
			if err := addConfigFile(tw, path, filepath.Join(base, rel)); err != nil {
				return err
			}
			included++
			return nil
		})
		if err != nil {
			return included, fmt.Errorf("walking %s: %w", root, err)
		}
	}

	if err := tw.Close(); err != nil {
		out.Close() //nolint:errcheck // Best effort cleanup on error
		return included, fmt.Errorf("finalizing config archive: %w", err)
	}
	return included, out.Close()
}

func addConfigFile(tw *tar.Writer, path, name string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}

	var content []byte
	if filepath.Base(path) == ".env" {
		raw, err := os.ReadFile(path) //nolint:gosec // G304: operator-configured path
		if err != nil {
			return err
		}
		content = []byte(SanitizeEnv(string(raw)))
	}

	hdr := &tar.Header{
		Name:    name,
		Mode:    0o640,
		Size:    info.Size(),
		ModTime: info.ModTime(),
	}
	if content != nil {
		hdr.Size = int64(len(content))
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("writing tar header for %s: %w", name, err)
	}
	if content != nil {
		_, err := tw.Write(content)
		return err
	}

	f, err := os.Open(path) //nolint:gosec // G304: operator-configured path
	if err != nil {
		return err
	}
	defer f.Close() //nolint:errcheck // Best effort cleanup
	_, err = io.Copy(tw, f)
	return err
}

// SanitizeEnv redacts every KEY=VALUE line of an environment file while
// preserving comments and blank lines verbatim.
func SanitizeEnv(content string) string {
	lines := strings.Split(content, "\n")
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}
		if key, _, ok := strings.Cut(line, "="); ok {
			lines[i] = key + "=***REDACTED***"
		}
	}
	return strings.Join(lines, "\n")
}
