// Custodius - Multi-Tenant PostgreSQL Backup and Disaster Recovery Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/custodius

package codec

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/tomtom215/custodius/internal/logging"
)

// ObjectStore is the narrow storage view the integrity verifier needs.
// storage.Backend satisfies it.
type ObjectStore interface {
	Exists(ctx context.Context, remotePath string) bool
	GetSize(ctx context.Context, remotePath string) (int64, bool)
	Download(ctx context.Context, remotePath, localPath string) bool
}

// LocationResult is the per-backend outcome of an integrity check.
type LocationResult struct {
	Exists        bool  `json:"exists"`
	ChecksumValid bool  `json:"checksum_valid"`
	Size          int64 `json:"size"`
}

// IntegrityReport summarizes a full-download integrity verification of one
// artifact across its storage locations.
type IntegrityReport struct {
	Valid     bool                      `json:"valid"`
	Locations map[string]LocationResult `json:"locations"`
	Errors    []string                  `json:"errors,omitempty"`
}

// VerifyBackupIntegrity confirms an artifact at remotePath in each backend:
// existence, reported size, and a full download + SHA-256 recomputation
// against expectedChecksum. Temp downloads are always removed. Sizes are
// additionally checked for consistency across backends.
func (c *Codec) VerifyBackupIntegrity(ctx context.Context, remotePath, expectedChecksum string, backends map[string]ObjectStore) IntegrityReport {
	report := IntegrityReport{
		Valid:     true,
		Locations: make(map[string]LocationResult, len(backends)),
	}

	var refSize int64 = -1
	var refName string

	for name, backend := range backends {
		result := c.verifyLocation(ctx, name, backend, remotePath, expectedChecksum, &report)
		report.Locations[name] = result

		if !result.Exists || !result.ChecksumValid {
			report.Valid = false
			continue
		}

		if refSize == -1 {
			refSize = result.Size
			refName = name
		} else if result.Size != refSize {
			report.Valid = false
			report.Errors = append(report.Errors, fmt.Sprintf(
				"size mismatch between %s (%d) and %s (%d)", refName, refSize, name, result.Size))
		}
	}

	if len(backends) == 0 {
		report.Valid = false
		report.Errors = append(report.Errors, "no storage locations to verify")
	}

	return report
}

func (c *Codec) verifyLocation(ctx context.Context, name string, backend ObjectStore, remotePath, expectedChecksum string, report *IntegrityReport) LocationResult {
	var result LocationResult

	if !backend.Exists(ctx, remotePath) {
		report.Errors = append(report.Errors, fmt.Sprintf("%s: object %s does not exist", name, remotePath))
		return result
	}
	result.Exists = true

	if size, ok := backend.GetSize(ctx, remotePath); ok {
		result.Size = size
	} else {
		report.Errors = append(report.Errors, fmt.Sprintf("%s: could not read size of %s", name, remotePath))
	}

	tmp, err := os.CreateTemp("", "custodius-verify-*")
	if err != nil {
		report.Errors = append(report.Errors, fmt.Sprintf("%s: temp file: %v", name, err))
		return result
	}
	tmpPath := tmp.Name()
	tmp.Close()          //nolint:errcheck // File reopened by the backend download
	defer os.Remove(tmpPath) //nolint:errcheck // Best effort cleanup on every exit path

	if !backend.Download(ctx, remotePath, tmpPath) {
		report.Errors = append(report.Errors, fmt.Sprintf("%s: download of %s failed", name, remotePath))
		return result
	}

	valid, err := c.VerifyChecksum(tmpPath, expectedChecksum)
	if err != nil {
		report.Errors = append(report.Errors, fmt.Sprintf("%s: checksum: %v", name, err))
		return result
	}
	result.ChecksumValid = valid
	if !valid {
		report.Errors = append(report.Errors, fmt.Sprintf("%s: checksum mismatch for %s", name, filepath.Base(remotePath)))
		logging.Warn().
			Str("backend", name).
			Str("remote_path", remotePath).
			Msg("Integrity verification found checksum mismatch")
	}

	return result
}
