// Custodius - Multi-Tenant PostgreSQL Backup and Disaster Recovery Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/custodius

package orchestrator

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestArtifactFilenames(t *testing.T) {
	ts := time.Date(2026, 8, 24, 2, 0, 5, 0, time.UTC)

	assert.Equal(t, "backup_full_database_20260824_020005.dump.gz.enc", FullBackupFilename(ts))
	assert.Equal(t,
		"backup_tenant_aaaaaaaa-1111-2222-3333-444444444444_20260824_020005.dump.gz.enc",
		TenantBackupFilename("aaaaaaaa-1111-2222-3333-444444444444", ts))
	assert.Equal(t, "backup_configuration_20260824_020005.tar.gz.enc", ConfigBackupFilename(ts))
}

func TestIsWALSegment(t *testing.T) {
	cases := []struct {
		name string
		want bool
	}{
		{"000000010000000000000001", true},
		{"0000000A0000000B0000000C", true},
		{"0000000a0000000b0000000c", true},
		{"000000010000000000000001.gz", false},
		{"00000001000000000000000", false},
		{"0000000100000000000000011", false},
		{"00000001000000000000000g", false},
		{"archive_status", false},
		{"", false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, IsWALSegment(tc.name), tc.name)
	}
}

func TestObjectKeys(t *testing.T) {
	assert.Equal(t, "wal/000000010000000000000001.gz", WALObjectKey("000000010000000000000001.gz"))
	assert.Equal(t, "wal/seg.gz", remoteObjectKey("seg.gz", true))
	assert.Equal(t, "backup_full_database_20260824_020005.dump.gz.enc",
		remoteObjectKey("backup_full_database_20260824_020005.dump.gz.enc", false))
}

func TestDumpPathFor(t *testing.T) {
	assert.Equal(t, "/tmp/x/backup_full_database_20260824_020005.dump",
		dumpPathFor("/tmp/x", "backup_full_database_20260824_020005.dump.gz.enc"))
	assert.Equal(t, "/tmp/x/backup_configuration_20260824_020005.tar",
		dumpPathFor("/tmp/x", "backup_configuration_20260824_020005.tar.gz.enc"))
}
