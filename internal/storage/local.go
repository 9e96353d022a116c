// Custodius - Multi-Tenant PostgreSQL Backup and Disaster Recovery Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/custodius

package storage

import (
	"context"
	"io"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"

	"github.com/tomtom215/custodius/internal/logging"
)

// Local stores backups under a base directory on the local filesystem.
// Remote paths are joined onto the base directory, preserving structure.
type Local struct {
	baseDir string
}

// NewLocal creates the local backend, creating the base directory if needed.
func NewLocal(baseDir string) (*Local, error) {
	if err := os.MkdirAll(baseDir, 0o750); err != nil {
		return nil, err
	}
	return &Local{baseDir: baseDir}, nil
}

// Name implements Backend.
func (l *Local) Name() string { return NameLocal }

// BaseDir returns the backend's root directory.
func (l *Local) BaseDir() string { return l.baseDir }

// LocalPath returns the absolute filesystem path for a remote path.
func (l *Local) LocalPath(remotePath string) string {
	return filepath.Join(l.baseDir, filepath.FromSlash(remotePath))
}

// Upload implements Backend.
func (l *Local) Upload(ctx context.Context, localPath, remotePath string) bool {
	dest := l.LocalPath(remotePath)
	if err := os.MkdirAll(filepath.Dir(dest), 0o750); err != nil {
		logging.Error().Err(err).Str("remote_path", remotePath).Msg("Local upload: mkdir failed")
		recordOp(NameLocal, "upload", false)
		return false
	}

	ok := copyFile(ctx, localPath, dest)
	recordOp(NameLocal, "upload", ok)
	if ok {
		logging.Debug().Str("remote_path", remotePath).Msg("Local upload complete")
	}
	return ok
}

// Download implements Backend.
func (l *Local) Download(ctx context.Context, remotePath, localPath string) bool {
	if err := os.MkdirAll(filepath.Dir(localPath), 0o750); err != nil {
		logging.Error().Err(err).Str("local_path", localPath).Msg("Local download: mkdir failed")
		recordOp(NameLocal, "download", false)
		return false
	}

	ok := copyFile(ctx, l.LocalPath(remotePath), localPath)
	recordOp(NameLocal, "download", ok)
	return ok
}

// Exists implements Backend.
func (l *Local) Exists(_ context.Context, remotePath string) bool {
	info, err := os.Stat(l.LocalPath(remotePath))
	return err == nil && !info.IsDir()
}

// Delete implements Backend. Removing an absent file is success.
func (l *Local) Delete(_ context.Context, remotePath string) bool {
	err := os.Remove(l.LocalPath(remotePath))
	if err != nil && !os.IsNotExist(err) {
		logging.Error().Err(err).Str("remote_path", remotePath).Msg("Local delete failed")
		recordOp(NameLocal, "delete", false)
		return false
	}
	recordOp(NameLocal, "delete", true)
	logging.Debug().Str("remote_path", remotePath).Msg("Local delete complete")
	return true
}

// GetSize implements Backend.
func (l *Local) GetSize(_ context.Context, remotePath string) (int64, bool) {
	info, err := os.Stat(l.LocalPath(remotePath))
	if err != nil || info.IsDir() {
		return 0, false
	}
	return info.Size(), true
}

// GetStorageUsage implements Backend via statfs on the base directory.
func (l *Local) GetStorageUsage(_ context.Context) (Usage, bool) {
	var stat unix.Statfs_t
	if err := unix.Statfs(l.baseDir, &stat); err != nil {
		logging.Warn().Err(err).Str("base_dir", l.baseDir).Msg("Local statfs failed")
		return Usage{}, false
	}

	total := int64(stat.Blocks) * stat.Bsize   //nolint:gosec // G115: block counts fit int64 on supported filesystems
	available := int64(stat.Bavail) * stat.Bsize //nolint:gosec // G115: as above
	return Usage{
		TotalBytes:     total,
		UsedBytes:      total - available,
		AvailableBytes: available,
	}, true
}

// copyFile streams src to dst with a bounded buffer, honoring ctx between
// chunks.
func copyFile(ctx context.Context, src, dst string) bool {
	in, err := os.Open(src) //nolint:gosec // G304: paths come from backend configuration
	if err != nil {
		logging.Error().Err(err).Str("path", src).Msg("Copy: open source failed")
		return false
	}
	defer in.Close() //nolint:errcheck // Best effort cleanup

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o640) //nolint:gosec // G304: as above
	if err != nil {
		logging.Error().Err(err).Str("path", dst).Msg("Copy: open destination failed")
		return false
	}

	buf := make([]byte, 1<<20)
	for {
		select {
		case <-ctx.Done():
			out.Close()    //nolint:errcheck // Best effort cleanup on cancel
			os.Remove(dst) //nolint:errcheck // Best effort cleanup on cancel
			return false
		default:
		}

		n, readErr := in.Read(buf)
		if n > 0 {
			if _, writeErr := out.Write(buf[:n]); writeErr != nil {
				logging.Error().Err(writeErr).Str("path", dst).Msg("Copy: write failed")
				out.Close()    //nolint:errcheck // Best effort cleanup on error
				os.Remove(dst) //nolint:errcheck // Best effort cleanup on error
				return false
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			logging.Error().Err(readErr).Str("path", src).Msg("Copy: read failed")
			out.Close()    //nolint:errcheck // Best effort cleanup on error
			os.Remove(dst) //nolint:errcheck // Best effort cleanup on error
			return false
		}
	}

	if err := out.Close(); err != nil {
		logging.Error().Err(err).Str("path", dst).Msg("Copy: close failed")
		return false
	}
	return true
}
