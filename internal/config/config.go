// Custodius - Multi-Tenant PostgreSQL Backup and Disaster Recovery Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/custodius

// Package config loads and validates the Custodius configuration from
// layered sources: built-in defaults, an optional YAML file, and
// environment variables, with environment taking precedence.
package config

import (
	"time"
)

// Config is the complete runtime configuration.
type Config struct {
	Database DatabaseConfig `koanf:"database"`
	Catalog  CatalogConfig  `koanf:"catalog"`
	Redis    RedisConfig    `koanf:"redis"`
	Backup   BackupConfig   `koanf:"backup"`
	Storage  StorageConfig  `koanf:"storage"`
	Schedule ScheduleConfig `koanf:"schedule"`
	Monitor  MonitorConfig  `koanf:"monitor"`
	Notify   NotifyConfig   `koanf:"notify"`
	Recovery RecoveryConfig `koanf:"recovery"`
	Server   ServerConfig   `koanf:"server"`
	Logging  LoggingConfig  `koanf:"logging"`
}

// DatabaseConfig points at the application database being backed up.
type DatabaseConfig struct {
	Host     string `koanf:"host" validate:"required"`
	Port     int    `koanf:"port" validate:"min=1,max=65535"`
	Name     string `koanf:"name" validate:"required"`
	User     string `koanf:"user" validate:"required"`
	Password string `koanf:"password"`
}

// CatalogConfig points at the catalog database where backup metadata
// lives. It may be the application database or a separate one.
type CatalogConfig struct {
	DSN string `koanf:"dsn" validate:"required"`
}

// RedisConfig configures the distributed lock service.
type RedisConfig struct {
	Addr      string        `koanf:"addr" validate:"required"`
	Password  string        `koanf:"password"`
	DB        int           `koanf:"db"`
	TaskTTL   time.Duration `koanf:"task_ttl"`
	TenantTTL time.Duration `koanf:"tenant_ttl"`
}

// BackupConfig controls the pipelines themselves.
type BackupConfig struct {
	// EncryptionKey is the URL-safe base64 AES-256 key. Required; the
	// engine refuses to start without it.
	EncryptionKey string `koanf:"encryption_key" validate:"required"`

	LocalPath     string `koanf:"local_path" validate:"required"`
	WALArchiveDir string `koanf:"wal_archive_dir"`
	TempDir       string `koanf:"temp_dir"`

	// ConfigPaths are the files and directories swept into the daily
	// configuration archive.
	ConfigPaths []string `koanf:"config_paths"`

	LocalRetentionDays  int `koanf:"local_retention_days" validate:"min=1"`
	RemoteRetentionDays int `koanf:"remote_retention_days" validate:"min=1"`
	WALRetentionDays    int `koanf:"wal_retention_days" validate:"min=1"`
	AlertRetentionDays  int `koanf:"alert_retention_days" validate:"min=1"`

	// IntegrityTables are checked for existence and row counts after the
	// monthly test restore.
	IntegrityTables []string `koanf:"integrity_tables"`

	// TenantTables is the allow-list of tenant-scoped tables included in
	// per-tenant dumps, schema-qualified.
	TenantTables []string `koanf:"tenant_tables"`

	// TenantQuery enumerates active tenant ids for the weekly sweep. Empty
	// selects the built-in default against a "tenants" table.
	TenantQuery string `koanf:"tenant_query"`

	// RLSForceTables are bracketed off FORCE ROW LEVEL SECURITY during
	// full dumps.
	RLSForceTables []string `koanf:"rls_force_tables"`

	DumpTimeout    time.Duration `koanf:"dump_timeout"`
	RestoreTimeout time.Duration `koanf:"restore_timeout"`
}

// StorageConfig configures the two S3-compatible remotes. A remote with an
// empty bucket is simply not used.
type StorageConfig struct {
	R2 R2Config `koanf:"r2"`
	B2 B2Config `koanf:"b2"`
}

// R2Config configures Cloudflare R2.
type R2Config struct {
	AccountID       string `koanf:"account_id"`
	Bucket          string `koanf:"bucket"`
	AccessKeyID     string `koanf:"access_key_id"`
	SecretAccessKey string `koanf:"secret_access_key"`
	QuotaBytes      int64  `koanf:"quota_bytes"`
}

// B2Config configures Backblaze B2.
type B2Config struct {
	Bucket          string `koanf:"bucket"`
	Region          string `koanf:"region"`
	AccessKeyID     string `koanf:"access_key_id"`
	SecretAccessKey string `koanf:"secret_access_key"`
	QuotaBytes      int64  `koanf:"quota_bytes"`
}

// ScheduleConfig sets when each pipeline runs.
type ScheduleConfig struct {
	// Preferred hours, local time, for the daily pipelines.
	FullBackupHour   int `koanf:"full_backup_hour" validate:"min=0,max=23"`
	ConfigBackupHour int `koanf:"config_backup_hour" validate:"min=0,max=23"`
	CleanupHour      int `koanf:"cleanup_hour" validate:"min=0,max=23"`

	// TenantBackupWeekday is the day of the weekly tenant sweep
	// (0 = Sunday).
	TenantBackupWeekday int `koanf:"tenant_backup_weekday" validate:"min=0,max=6"`

	// TestRestoreDay is the day of month for the restore drill.
	TestRestoreDay int `koanf:"test_restore_day" validate:"min=1,max=28"`

	WALInterval    time.Duration `koanf:"wal_interval"`
	VerifyInterval time.Duration `koanf:"verify_interval"`
}

// MonitorConfig sets the anomaly detection thresholds as fractions of the
// baseline (0.2 = 20%).
type MonitorConfig struct {
	SizeWarnPct         float64 `koanf:"size_warn_pct"`
	SizeCriticalPct     float64 `koanf:"size_critical_pct"`
	DurationWarnPct     float64 `koanf:"duration_warn_pct"`
	DurationCriticalPct float64 `koanf:"duration_critical_pct"`
	CapacityWarnPct     float64 `koanf:"capacity_warn_pct"`
	CapacityCriticalPct float64 `koanf:"capacity_critical_pct"`
}

// NotifyConfig configures alert delivery.
type NotifyConfig struct {
	WebhookURL string `koanf:"webhook_url" validate:"omitempty,url"`
}

// RecoveryConfig configures the disaster-recovery runbook.
type RecoveryConfig struct {
	HealthCheckURL string `koanf:"health_check_url" validate:"omitempty,url"`
	K8sNamespace   string `koanf:"k8s_namespace"`
}

// ServerConfig configures the operational HTTP listener (metrics, health).
type ServerConfig struct {
	Host        string `koanf:"host"`
	Port        int    `koanf:"port" validate:"min=1,max=65535"`
	Environment string `koanf:"environment" validate:"oneof=development production"`
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	Level  string `koanf:"level" validate:"oneof=trace debug info warn error"`
	Format string `koanf:"format" validate:"oneof=json console"`
	Caller bool   `koanf:"caller"`
}

// defaultConfig returns a Config with all defaults applied. Defaults are
// loaded first, then overridden by config file and env vars.
func defaultConfig() *Config {
	return &Config{
		Database: DatabaseConfig{
			Host: "localhost",
			Port: 5432,
		},
		Redis: RedisConfig{
			Addr:      "localhost:6379",
			TaskTTL:   2 * time.Hour,
			TenantTTL: 20 * time.Minute,
		},
		Backup: BackupConfig{
			LocalPath:           "/var/backups/custodius",
			LocalRetentionDays:  30,
			RemoteRetentionDays: 365,
			WALRetentionDays:    30,
			AlertRetentionDays:  30,
			DumpTimeout:         time.Hour,
			RestoreTimeout:      2 * time.Hour,
		},
		Storage: StorageConfig{
			B2: B2Config{Region: "us-west-004"},
		},
		Schedule: ScheduleConfig{
			FullBackupHour:      2,
			ConfigBackupHour:    4,
			CleanupHour:         3,
			TenantBackupWeekday: 0, // Sunday
			TestRestoreDay:      1,
			WALInterval:         5 * time.Minute,
			VerifyInterval:      time.Hour,
		},
		Monitor: MonitorConfig{
			SizeWarnPct:         0.20,
			SizeCriticalPct:     0.50,
			DurationWarnPct:     0.50,
			DurationCriticalPct: 1.00,
			CapacityWarnPct:     0.80,
			CapacityCriticalPct: 0.90,
		},
		Server: ServerConfig{
			Host:        "0.0.0.0",
			Port:        9642,
			Environment: "development",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}
