// Custodius - Multi-Tenant PostgreSQL Backup and Disaster Recovery Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/custodius

package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// DefaultConfigPaths lists where the config file is searched, in priority
// order. The first file found wins.
var DefaultConfigPaths = []string{
	"custodius.yaml",
	"custodius.yml",
	"/etc/custodius/config.yaml",
	"/etc/custodius/config.yml",
}

// ConfigPathEnvVar overrides the config file path.
const ConfigPathEnvVar = "CUSTODIUS_CONFIG"

// Load builds the configuration from layered sources:
//  1. Built-in defaults
//  2. Optional YAML config file
//  3. Environment variables (highest priority)
func Load() (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if configPath := findConfigFile(); configPath != "" {
		if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", configPath, err)
		}
	}

	if err := k.Load(env.Provider("", ".", envTransformFunc), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := processSliceFields(k); err != nil {
		return nil, fmt.Errorf("failed to process slice fields: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// findConfigFile returns the first existing config file path, or "".
func findConfigFile() string {
	if envPath := os.Getenv(ConfigPathEnvVar); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
	}
	for _, path := range DefaultConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// sliceConfigPaths are parsed as comma-separated lists when they arrive as
// strings from the environment.
var sliceConfigPaths = []string{
	"backup.config_paths",
	"backup.integrity_tables",
	"backup.tenant_tables",
	"backup.rls_force_tables",
}

// processSliceFields converts comma-separated env strings into slices.
func processSliceFields(k *koanf.Koanf) error {
	for _, path := range sliceConfigPaths {
		val := k.Get(path)
		if val == nil {
			continue
		}
		strVal, ok := val.(string)
		if !ok || strVal == "" {
			continue
		}
		parts := strings.Split(strVal, ",")
		trimmed := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				trimmed = append(trimmed, p)
			}
		}
		if len(trimmed) > 0 {
			if err := k.Set(path, trimmed); err != nil {
				return fmt.Errorf("failed to set %s: %w", path, err)
			}
		}
	}
	return nil
}

// envTransformFunc maps environment variable names to koanf config paths.
// Unmapped variables are dropped so unrelated environment noise never
// pollutes the configuration.
func envTransformFunc(key string) string {
	envMappings := map[string]string{
		// Application database (the one being backed up)
		"db_host":     "database.host",
		"db_port":     "database.port",
		"db_name":     "database.name",
		"db_user":     "database.user",
		"db_password": "database.password",

		// Catalog database
		"catalog_database_url": "catalog.dsn",

		// Redis lock service
		"redis_addr":      "redis.addr",
		"redis_password":  "redis.password",
		"redis_db":        "redis.db",
		"lock_task_ttl":   "redis.task_ttl",
		"lock_tenant_ttl": "redis.tenant_ttl",

		// Backup engine
		"backup_encryption_key":        "backup.encryption_key",
		"backup_local_path":            "backup.local_path",
		"pg_wal_archive_dir":           "backup.wal_archive_dir",
		"backup_temp_dir":              "backup.temp_dir",
		"backup_config_paths":          "backup.config_paths",
		"backup_local_retention_days":  "backup.local_retention_days",
		"backup_remote_retention_days": "backup.remote_retention_days",
		"backup_wal_retention_days":    "backup.wal_retention_days",
		"backup_alert_retention_days":  "backup.alert_retention_days",
		"backup_integrity_tables":      "backup.integrity_tables",
		"backup_tenant_tables":         "backup.tenant_tables",
		"backup_tenant_query":          "backup.tenant_query",
		"backup_rls_force_tables":      "backup.rls_force_tables",
		"backup_dump_timeout":          "backup.dump_timeout",
		"backup_restore_timeout":       "backup.restore_timeout",

		// Cloudflare R2
		"r2_account_id":        "storage.r2.account_id",
		"r2_bucket_name":       "storage.r2.bucket",
		"r2_access_key_id":     "storage.r2.access_key_id",
		"r2_secret_access_key": "storage.r2.secret_access_key",
		"r2_quota_bytes":       "storage.r2.quota_bytes",

		// Backblaze B2
		"b2_bucket_name":       "storage.b2.bucket",
		"b2_region":            "storage.b2.region",
		"b2_access_key_id":     "storage.b2.access_key_id",
		"b2_secret_access_key": "storage.b2.secret_access_key",
		"b2_quota_bytes":       "storage.b2.quota_bytes",

		// Schedule
		"schedule_full_backup_hour":      "schedule.full_backup_hour",
		"schedule_config_backup_hour":    "schedule.config_backup_hour",
		"schedule_cleanup_hour":          "schedule.cleanup_hour",
		"schedule_tenant_backup_weekday": "schedule.tenant_backup_weekday",
		"schedule_test_restore_day":      "schedule.test_restore_day",
		"schedule_wal_interval":          "schedule.wal_interval",
		"schedule_verify_interval":       "schedule.verify_interval",

		// Monitoring thresholds
		"monitor_size_warn_pct":         "monitor.size_warn_pct",
		"monitor_size_critical_pct":     "monitor.size_critical_pct",
		"monitor_duration_warn_pct":     "monitor.duration_warn_pct",
		"monitor_duration_critical_pct": "monitor.duration_critical_pct",
		"monitor_capacity_warn_pct":     "monitor.capacity_warn_pct",
		"monitor_capacity_critical_pct": "monitor.capacity_critical_pct",

		// Alerting and disaster recovery
		"backup_alert_webhook_url": "notify.webhook_url",
		"health_check_url":         "recovery.health_check_url",
		"k8s_namespace":            "recovery.k8s_namespace",

		// Operational server
		"http_host":   "server.host",
		"http_port":   "server.port",
		"environment": "server.environment",

		// Logging
		"log_level":  "logging.level",
		"log_format": "logging.format",
		"log_caller": "logging.caller",
	}

	if mapped, ok := envMappings[strings.ToLower(key)]; ok {
		return mapped
	}
	return ""
}
