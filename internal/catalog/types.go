// Custodius - Multi-Tenant PostgreSQL Backup and Disaster Recovery Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/custodius

// Package catalog persists the engine's source of truth: one row per
// produced backup artifact, one per restore attempt, one per anomaly
// alert. All writes happen through Store; pipelines that must read
// across tenants wrap their statements in WithBypassRLS.
package catalog

import (
	"database/sql/driver"
	"errors"
	"fmt"
	"time"

	json "github.com/goccy/go-json"
)

// BackupKind classifies what an artifact contains.
type BackupKind string

const (
	KindFullDB BackupKind = "FULL_DB"
	KindTenant BackupKind = "TENANT"
	KindWAL    BackupKind = "WAL"
	KindConfig BackupKind = "CONFIG"
)

// BackupStatus is the artifact lifecycle state. Transitions are monotonic:
// IN_PROGRESS moves to COMPLETED or FAILED, COMPLETED may be promoted to
// VERIFIED. Nothing moves backward.
type BackupStatus string

const (
	StatusInProgress BackupStatus = "IN_PROGRESS"
	StatusCompleted  BackupStatus = "COMPLETED"
	StatusVerified   BackupStatus = "VERIFIED"
	StatusFailed     BackupStatus = "FAILED"
)

// RestoreMode selects the restore strategy.
type RestoreMode string

const (
	RestoreFull  RestoreMode = "FULL"
	RestoreMerge RestoreMode = "MERGE"
	RestorePITR  RestoreMode = "PITR"
)

// RestoreStatus is the restore attempt lifecycle state.
type RestoreStatus string

const (
	RestoreInProgress RestoreStatus = "IN_PROGRESS"
	RestoreCompleted  RestoreStatus = "COMPLETED"
	RestoreFailed     RestoreStatus = "FAILED"
)

// AlertKind classifies a detected anomaly.
type AlertKind string

const (
	AlertBackupFailure     AlertKind = "BACKUP_FAILURE"
	AlertSizeDeviation     AlertKind = "SIZE_DEVIATION"
	AlertDurationThreshold AlertKind = "DURATION_THRESHOLD"
	AlertStorageCapacity   AlertKind = "STORAGE_CAPACITY"
	AlertIntegrityFailure  AlertKind = "INTEGRITY_FAILURE"
	AlertRestoreFailure    AlertKind = "RESTORE_FAILURE"
)

// AlertSeverity orders alerts for operators.
type AlertSeverity string

const (
	SeverityInfo     AlertSeverity = "INFO"
	SeverityWarning  AlertSeverity = "WARNING"
	SeverityError    AlertSeverity = "ERROR"
	SeverityCritical AlertSeverity = "CRITICAL"
)

// AlertStatus is the alert triage state.
type AlertStatus string

const (
	AlertActive       AlertStatus = "ACTIVE"
	AlertAcknowledged AlertStatus = "ACKNOWLEDGED"
	AlertResolved     AlertStatus = "RESOLVED"
)

// JSONMap is a free-form metadata map stored as JSONB.
type JSONMap map[string]any

// Value implements driver.Valuer.
func (m JSONMap) Value() (driver.Value, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(m)
}

// Scan implements sql.Scanner.
func (m *JSONMap) Scan(src any) error {
	if src == nil {
		*m = JSONMap{}
		return nil
	}
	data, err := jsonBytes(src)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, m)
}

// StringList is a string slice stored as JSONB.
type StringList []string

// Value implements driver.Valuer.
func (l StringList) Value() (driver.Value, error) {
	if l == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(l)
}

// Scan implements sql.Scanner.
func (l *StringList) Scan(src any) error {
	if src == nil {
		*l = nil
		return nil
	}
	data, err := jsonBytes(src)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, l)
}

func jsonBytes(src any) ([]byte, error) {
	switch v := src.(type) {
	case []byte:
		return v, nil
	case string:
		return []byte(v), nil
	default:
		return nil, fmt.Errorf("unsupported JSON column type %T", src)
	}
}

// BackupRecord is one produced artifact and where its copies live.
type BackupRecord struct {
	ID               string       `db:"id"`
	Kind             BackupKind   `db:"kind"`
	TenantID         string       `db:"tenant_id"`
	Filename         string       `db:"filename"`
	SizeBytes        int64        `db:"size_bytes"`
	Checksum         string       `db:"checksum"`
	LocalPath        string       `db:"local_path"`
	R2Path           string       `db:"r2_path"`
	B2Path           string       `db:"b2_path"`
	Status           BackupStatus `db:"status"`
	CompressionRatio float64      `db:"compression_ratio"`
	DurationSeconds  float64      `db:"duration_seconds"`
	Metadata         JSONMap      `db:"metadata"`
	CreatedAt        time.Time    `db:"created_at"`
	VerifiedAt       *time.Time   `db:"verified_at"`
	JobID            string       `db:"job_id"`
	CreatedBy        string       `db:"created_by"`
	Notes            string       `db:"notes"`
}

// PathCount returns how many storage locations still hold a copy.
func (b *BackupRecord) PathCount() int {
	n := 0
	for _, p := range []string{b.LocalPath, b.R2Path, b.B2Path} {
		if p != "" {
			n++
		}
	}
	return n
}

// RestoreRecord is one restore attempt against a backup.
type RestoreRecord struct {
	ID              string        `db:"id"`
	BackupID        string        `db:"backup_id"`
	Initiator       string        `db:"initiator"`
	Mode            RestoreMode   `db:"mode"`
	TargetTimestamp *time.Time    `db:"target_timestamp"`
	Status          RestoreStatus `db:"status"`
	Reason          string        `db:"reason"`
	TenantIDs       StringList    `db:"tenant_ids"`
	RowsRestored    int64         `db:"rows_restored"`
	DurationSeconds float64       `db:"duration_seconds"`
	ErrorMessage    string        `db:"error_message"`
	Metadata        JSONMap       `db:"metadata"`
	CreatedAt       time.Time     `db:"created_at"`
	CompletedAt     *time.Time    `db:"completed_at"`
}

// Alert is one anomaly notification.
type Alert struct {
	ID                   string        `db:"id"`
	Kind                 AlertKind     `db:"kind"`
	Severity             AlertSeverity `db:"severity"`
	Message              string        `db:"message"`
	Details              JSONMap       `db:"details"`
	BackupID             string        `db:"backup_id"`
	RestoreID            string        `db:"restore_id"`
	Status               AlertStatus   `db:"status"`
	NotificationChannels StringList    `db:"notification_channels"`
	NotificationSentAt   *time.Time    `db:"notification_sent_at"`
	CreatedAt            time.Time     `db:"created_at"`
	AcknowledgedAt       *time.Time    `db:"acknowledged_at"`
	ResolvedAt           *time.Time    `db:"resolved_at"`
}

// ErrInvalidTransition means a status update would move a record backward.
var ErrInvalidTransition = errors.New("invalid status transition")

// ErrRecordNotFound means the requested row does not exist.
var ErrRecordNotFound = errors.New("catalog record not found")

// allowedFrom maps a target backup status to its permitted predecessors.
var allowedFrom = map[BackupStatus][]BackupStatus{
	StatusCompleted: {StatusInProgress},
	StatusVerified:  {StatusCompleted},
	StatusFailed:    {StatusInProgress},
}

// Averages is the aggregate window the monitor compares against.
type Averages struct {
	Count           int64   `db:"count"`
	AvgSizeBytes    float64 `db:"avg_size_bytes"`
	AvgDurationSecs float64 `db:"avg_duration_seconds"`
}
