// Custodius - Multi-Tenant PostgreSQL Backup and Disaster Recovery Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/custodius

package config

import (
	"time"

	"github.com/tomtom215/custodius/internal/dump"
	"github.com/tomtom215/custodius/internal/locks"
	"github.com/tomtom215/custodius/internal/monitor"
	"github.com/tomtom215/custodius/internal/orchestrator"
	"github.com/tomtom215/custodius/internal/scheduler"
	"github.com/tomtom215/custodius/internal/storage"
)

// DumpDB maps the application database settings onto the dump driver.
func (c *Config) DumpDB() dump.DBConfig {
	return dump.DBConfig{
		Host:     c.Database.Host,
		Port:     c.Database.Port,
		User:     c.Database.User,
		Password: c.Database.Password,
		Database: c.Database.Name,
	}
}

// DumpConfig maps the backup settings onto the dump driver.
func (c *Config) DumpConfig() dump.Config {
	return dump.Config{
		TenantTables:   c.Backup.TenantTables,
		RLSForceTables: c.Backup.RLSForceTables,
		DumpTimeout:    c.Backup.DumpTimeout,
		RestoreTimeout: c.Backup.RestoreTimeout,
	}
}

// StorageConfig maps the storage settings onto the backend factory.
func (c *Config) StorageConfig() storage.Config {
	return storage.Config{
		LocalBasePath: c.Backup.LocalPath,
		R2: storage.S3Config{
			AccountID:       c.Storage.R2.AccountID,
			Bucket:          c.Storage.R2.Bucket,
			AccessKeyID:     c.Storage.R2.AccessKeyID,
			SecretAccessKey: c.Storage.R2.SecretAccessKey,
			QuotaBytes:      c.Storage.R2.QuotaBytes,
		},
		B2: storage.S3Config{
			Region:          c.Storage.B2.Region,
			Bucket:          c.Storage.B2.Bucket,
			AccessKeyID:     c.Storage.B2.AccessKeyID,
			SecretAccessKey: c.Storage.B2.SecretAccessKey,
			QuotaBytes:      c.Storage.B2.QuotaBytes,
		},
	}
}

// LocksConfig maps the Redis settings onto the lock service.
func (c *Config) LocksConfig() locks.Config {
	return locks.Config{
		Addr:      c.Redis.Addr,
		Password:  c.Redis.Password,
		DB:        c.Redis.DB,
		TaskTTL:   c.Redis.TaskTTL,
		TenantTTL: c.Redis.TenantTTL,
	}
}

// Thresholds maps the monitor settings onto the anomaly detector.
func (c *Config) Thresholds() monitor.Thresholds {
	return monitor.Thresholds{
		SizeWarn:         c.Monitor.SizeWarnPct,
		SizeCritical:     c.Monitor.SizeCriticalPct,
		DurationWarn:     c.Monitor.DurationWarnPct,
		DurationCritical: c.Monitor.DurationCriticalPct,
		CapacityWarn:     c.Monitor.CapacityWarnPct,
		CapacityCritical: c.Monitor.CapacityCriticalPct,
	}
}

// SchedulerConfig maps the schedule settings onto the scheduler.
func (c *Config) SchedulerConfig() scheduler.Config {
	return scheduler.Config{
		FullBackupHour:      c.Schedule.FullBackupHour,
		ConfigBackupHour:    c.Schedule.ConfigBackupHour,
		CleanupHour:         c.Schedule.CleanupHour,
		TenantBackupWeekday: time.Weekday(c.Schedule.TenantBackupWeekday),
		TestRestoreDay:      c.Schedule.TestRestoreDay,
		WALInterval:         c.Schedule.WALInterval,
		VerifyInterval:      c.Schedule.VerifyInterval,
	}
}

// OrchestratorConfig maps the pipeline settings onto the orchestrator.
func (c *Config) OrchestratorConfig() orchestrator.Config {
	return orchestrator.Config{
		DB:                  c.DumpDB(),
		LocalBasePath:       c.Backup.LocalPath,
		WALDir:              c.Backup.WALArchiveDir,
		TempDir:             c.Backup.TempDir,
		ConfigPaths:         c.Backup.ConfigPaths,
		LocalRetentionDays:  c.Backup.LocalRetentionDays,
		RemoteRetentionDays: c.Backup.RemoteRetentionDays,
		WALRetentionDays:    c.Backup.WALRetentionDays,
		AlertRetentionDays:  c.Backup.AlertRetentionDays,
		IntegrityTables:     c.Backup.IntegrityTables,
		HealthCheckURL:      c.Recovery.HealthCheckURL,
		K8sNamespace:        c.Recovery.K8sNamespace,
	}
}
