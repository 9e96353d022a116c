// Custodius - Multi-Tenant PostgreSQL Backup and Disaster Recovery Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/custodius

package orchestrator

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// timestampLayout is the compact timestamp embedded in artifact names.
const timestampLayout = "20060102_150405"

// walSegmentPattern matches PostgreSQL WAL segment names.
var walSegmentPattern = regexp.MustCompile(`^[0-9A-Fa-f]{24}$`)

// FullBackupFilename names a whole-database artifact.
func FullBackupFilename(t time.Time) string {
	return fmt.Sprintf("backup_full_database_%s.dump.gz.enc", t.Format(timestampLayout))
}

// TenantBackupFilename names a tenant-scoped artifact.
func TenantBackupFilename(tenantID string, t time.Time) string {
	return fmt.Sprintf("backup_tenant_%s_%s.dump.gz.enc", tenantID, t.Format(timestampLayout))
}

// ConfigBackupFilename names a configuration archive artifact.
func ConfigBackupFilename(t time.Time) string {
	return fmt.Sprintf("backup_configuration_%s.tar.gz.enc", t.Format(timestampLayout))
}

// IsWALSegment reports whether name is a raw WAL segment filename.
func IsWALSegment(name string) bool {
	return walSegmentPattern.MatchString(name)
}

// WALObjectKey is the remote key for a compressed WAL segment.
func WALObjectKey(filename string) string {
	return "wal/" + filename
}

// remoteObjectKey maps a catalog filename to its remote storage key.
func remoteObjectKey(filename string, isWAL bool) string {
	if isWAL {
		return WALObjectKey(filename)
	}
	return filename
}

// dumpPathFor strips the codec suffixes off an artifact name to get the
// plaintext dump filename inside the temp dir.
func dumpPathFor(dir, artifactName string) string {
	return dir + "/" + strings.TrimSuffix(artifactName, ".gz.enc")
}
