// Custodius - Multi-Tenant PostgreSQL Backup and Disaster Recovery Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/custodius

package config

import (
	"bytes"
	"encoding/base64"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validKey() string {
	return base64.URLEncoding.EncodeToString(bytes.Repeat([]byte{0x24}, 32))
}

// setRequiredEnv sets the minimum environment for a loadable config.
func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("DB_NAME", "appdb")
	t.Setenv("DB_USER", "backup_user")
	t.Setenv("CATALOG_DATABASE_URL", "postgres://custodius:pw@localhost:5432/custodius_catalog")
	t.Setenv("BACKUP_ENCRYPTION_KEY", validKey())
}

func TestLoadDefaults(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "localhost", cfg.Database.Host)
	assert.Equal(t, 5432, cfg.Database.Port)
	assert.Equal(t, "/var/backups/custodius", cfg.Backup.LocalPath)
	assert.Equal(t, 30, cfg.Backup.LocalRetentionDays)
	assert.Equal(t, 365, cfg.Backup.RemoteRetentionDays)
	assert.Equal(t, 30, cfg.Backup.WALRetentionDays)
	assert.Equal(t, 2, cfg.Schedule.FullBackupHour)
	assert.Equal(t, 4, cfg.Schedule.ConfigBackupHour)
	assert.Equal(t, 5*time.Minute, cfg.Schedule.WALInterval)
	assert.Equal(t, time.Hour, cfg.Schedule.VerifyInterval)
	assert.InEpsilon(t, 0.20, cfg.Monitor.SizeWarnPct, 1e-9)
	assert.InEpsilon(t, 0.50, cfg.Monitor.SizeCriticalPct, 1e-9)
	assert.InEpsilon(t, 0.80, cfg.Monitor.CapacityWarnPct, 1e-9)
	assert.Equal(t, 2*time.Hour, cfg.Redis.TaskTTL)
	assert.Equal(t, 20*time.Minute, cfg.Redis.TenantTTL)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
}

func TestLoadEnvOverrides(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("BACKUP_LOCAL_PATH", "/mnt/backups")
	t.Setenv("BACKUP_LOCAL_RETENTION_DAYS", "14")
	t.Setenv("BACKUP_CONFIG_PATHS", "/etc/app/.env, /etc/app/config")
	t.Setenv("BACKUP_INTEGRITY_TABLES", "tenants,users,orders")
	t.Setenv("R2_ACCOUNT_ID", "acc-123")
	t.Setenv("R2_BUCKET_NAME", "custodius-backups")
	t.Setenv("R2_ACCESS_KEY_ID", "ak")
	t.Setenv("R2_SECRET_ACCESS_KEY", "sk")
	t.Setenv("PG_WAL_ARCHIVE_DIR", "/var/lib/postgresql/wal_archive")
	t.Setenv("BACKUP_ALERT_WEBHOOK_URL", "https://hooks.example.com/backup")
	t.Setenv("HEALTH_CHECK_URL", "https://app.example.com/healthz")
	t.Setenv("K8S_NAMESPACE", "production")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "/mnt/backups", cfg.Backup.LocalPath)
	assert.Equal(t, 14, cfg.Backup.LocalRetentionDays)
	assert.Equal(t, []string{"/etc/app/.env", "/etc/app/config"}, cfg.Backup.ConfigPaths)
	assert.Equal(t, []string{"tenants", "users", "orders"}, cfg.Backup.IntegrityTables)
	assert.Equal(t, "acc-123", cfg.Storage.R2.AccountID)
	assert.Equal(t, "custodius-backups", cfg.Storage.R2.Bucket)
	assert.Equal(t, "/var/lib/postgresql/wal_archive", cfg.Backup.WALArchiveDir)
	assert.Equal(t, "https://hooks.example.com/backup", cfg.Notify.WebhookURL)
	assert.Equal(t, "https://app.example.com/healthz", cfg.Recovery.HealthCheckURL)
	assert.Equal(t, "production", cfg.Recovery.K8sNamespace)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoadConfigFile(t *testing.T) {
	setRequiredEnv(t)

	dir := t.TempDir()
	path := filepath.Join(dir, "custodius.yaml")
	yaml := `
backup:
  local_path: /srv/backups
schedule:
  full_backup_hour: 1
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o640))
	t.Setenv(ConfigPathEnvVar, path)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "/srv/backups", cfg.Backup.LocalPath)
	assert.Equal(t, 1, cfg.Schedule.FullBackupHour)
}

func TestEnvBeatsConfigFile(t *testing.T) {
	setRequiredEnv(t)

	dir := t.TempDir()
	path := filepath.Join(dir, "custodius.yaml")
	require.NoError(t, os.WriteFile(path, []byte("backup:\n  local_path: /srv/backups\n"), 0o640))
	t.Setenv(ConfigPathEnvVar, path)
	t.Setenv("BACKUP_LOCAL_PATH", "/mnt/override")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "/mnt/override", cfg.Backup.LocalPath)
}

func TestMissingEncryptionKeyFails(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("BACKUP_ENCRYPTION_KEY", "")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "EncryptionKey")
}

func TestShortEncryptionKeyFails(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("BACKUP_ENCRYPTION_KEY", base64.URLEncoding.EncodeToString([]byte("short")))

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "BACKUP_ENCRYPTION_KEY")
}

func TestR2RequiresCredentials(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("R2_BUCKET_NAME", "custodius-backups")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "R2_ACCOUNT_ID")
}

func TestWALArchivingRequiresARemote(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("PG_WAL_ARCHIVE_DIR", "/var/lib/postgresql/wal_archive")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "at least one remote backend")
}

func TestInvertedThresholdsFail(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("MONITOR_SIZE_WARN_PCT", "0.6")
	t.Setenv("MONITOR_SIZE_CRITICAL_PCT", "0.5")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "size warning threshold")
}

func TestInvalidLogLevelFails(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("LOG_LEVEL", "verbose")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "oneof")
}
