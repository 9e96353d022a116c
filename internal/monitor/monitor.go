// Custodius - Multi-Tenant PostgreSQL Backup and Disaster Recovery Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/custodius

// Package monitor detects anomalies after pipelines finish: failures,
// size and duration deviations against a recent same-kind baseline,
// storage capacity pressure, and integrity check failures. Each detection
// creates an Alert, dispatches it, and records which channels delivered.
package monitor

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/tomtom215/custodius/internal/catalog"
	"github.com/tomtom215/custodius/internal/logging"
	"github.com/tomtom215/custodius/internal/storage"
)

// Default detection thresholds. Deviations are fractions of the baseline
// mean; capacity thresholds are used/total fractions.
const (
	DefaultSizeWarn         = 0.20
	DefaultSizeCritical     = 0.50
	DefaultDurationWarn     = 0.50
	DefaultDurationCritical = 1.00
	DefaultCapacityWarn     = 0.80
	DefaultCapacityCritical = 0.90

	// Baseline window: the 10 most recent same-kind backups from the
	// last 7 days, excluding the record under inspection.
	baselineLimit = 10
	baselineDays  = 7
)

// Catalog is the slice of the catalog store the monitor needs.
type Catalog interface {
	BackupAverages(ctx context.Context, kind catalog.BackupKind, excludeID string, since time.Time, limit int) (*catalog.Averages, error)
	CreateAlert(ctx context.Context, a *catalog.Alert) error
	RecordAlertNotification(ctx context.Context, id string, channels []string) error
}

// Dispatcher delivers an alert and reports the channels that succeeded.
type Dispatcher interface {
	Dispatch(ctx context.Context, alert *catalog.Alert) []string
}

// UsageReporter is the capacity-relevant slice of a storage backend.
type UsageReporter interface {
	Name() string
	GetStorageUsage(ctx context.Context) (storage.Usage, bool)
}

// Thresholds are the detection limits. Zero fields take the documented
// defaults.
type Thresholds struct {
	SizeWarn         float64
	SizeCritical     float64
	DurationWarn     float64
	DurationCritical float64
	CapacityWarn     float64
	CapacityCritical float64
}

func (t Thresholds) withDefaults() Thresholds {
	def := func(v, d float64) float64 {
		if v <= 0 {
			return d
		}
		return v
	}
	return Thresholds{
		SizeWarn:         def(t.SizeWarn, DefaultSizeWarn),
		SizeCritical:     def(t.SizeCritical, DefaultSizeCritical),
		DurationWarn:     def(t.DurationWarn, DefaultDurationWarn),
		DurationCritical: def(t.DurationCritical, DefaultDurationCritical),
		CapacityWarn:     def(t.CapacityWarn, DefaultCapacityWarn),
		CapacityCritical: def(t.CapacityCritical, DefaultCapacityCritical),
	}
}

// Monitor runs the detectors.
type Monitor struct {
	cat        Catalog
	dispatcher Dispatcher
	thresholds Thresholds
}

// New creates a monitor. dispatcher may be nil; alerts are then recorded
// without delivery.
func New(cat Catalog, dispatcher Dispatcher, thresholds Thresholds) *Monitor {
	return &Monitor{
		cat:        cat,
		dispatcher: dispatcher,
		thresholds: thresholds.withDefaults(),
	}
}

// CheckBackup runs the post-terminal detectors for one backup record and
// returns the alerts created.
func (m *Monitor) CheckBackup(ctx context.Context, rec *catalog.BackupRecord) ([]*catalog.Alert, error) {
	var alerts []*catalog.Alert

	if rec.Status == catalog.StatusFailed {
		// One failed tenant does not endanger the platform the way a
		// failed full backup does
		severity := catalog.SeverityCritical
		if rec.Kind == catalog.KindTenant {
			severity = catalog.SeverityError
		}
		a := &catalog.Alert{
			Kind:     catalog.AlertBackupFailure,
			Severity: severity,
			Message:  fmt.Sprintf("Backup %s (%s) failed: %s", rec.Filename, rec.Kind, rec.Notes),
			Details:  catalog.JSONMap{"kind": string(rec.Kind), "filename": rec.Filename},
			BackupID: rec.ID,
		}
		if err := m.emit(ctx, a); err != nil {
			return alerts, err
		}
		// A failed backup has no meaningful size or duration baseline
		return append(alerts, a), nil
	}

	baseline, err := m.cat.BackupAverages(ctx, rec.Kind, rec.ID,
		time.Now().Add(-baselineDays*24*time.Hour), baselineLimit)
	if err != nil {
		return alerts, fmt.Errorf("loading %s baseline: %w", rec.Kind, err)
	}
	if baseline.Count == 0 {
		return alerts, nil
	}

	if a, err := m.checkSizeDeviation(ctx, rec, baseline); err != nil {
		return alerts, err
	} else if a != nil {
		alerts = append(alerts, a)
	}

	if a, err := m.checkDurationDeviation(ctx, rec, baseline); err != nil {
		return alerts, err
	} else if a != nil {
		alerts = append(alerts, a)
	}
	return alerts, nil
}

func (m *Monitor) checkSizeDeviation(ctx context.Context, rec *catalog.BackupRecord, baseline *catalog.Averages) (*catalog.Alert, error) {
	if baseline.AvgSizeBytes <= 0 {
		return nil, nil
	}
	deviation := math.Abs(float64(rec.SizeBytes)-baseline.AvgSizeBytes) / baseline.AvgSizeBytes
	if deviation <= m.thresholds.SizeWarn {
		return nil, nil
	}

	severity := catalog.SeverityWarning
	if deviation > m.thresholds.SizeCritical {
		severity = catalog.SeverityCritical
	}
	a := &catalog.Alert{
		Kind:     catalog.AlertSizeDeviation,
		Severity: severity,
		Message: fmt.Sprintf("Backup %s size deviates %.1f%% from the recent %s average",
			rec.Filename, deviation*100, rec.Kind),
		Details: catalog.JSONMap{
			"size_bytes":           rec.SizeBytes,
			"baseline_avg_bytes":   baseline.AvgSizeBytes,
			"baseline_count":       baseline.Count,
			"deviation_percentage": deviation * 100,
		},
		BackupID: rec.ID,
	}
	return a, m.emit(ctx, a)
}

func (m *Monitor) checkDurationDeviation(ctx context.Context, rec *catalog.BackupRecord, baseline *catalog.Averages) (*catalog.Alert, error) {
	// Only slow backups are anomalous; fast ones are welcome
	if baseline.AvgDurationSecs <= 0 || rec.DurationSeconds <= baseline.AvgDurationSecs {
		return nil, nil
	}
	deviation := (rec.DurationSeconds - baseline.AvgDurationSecs) / baseline.AvgDurationSecs
	if deviation <= m.thresholds.DurationWarn {
		return nil, nil
	}

	severity := catalog.SeverityWarning
	if deviation > m.thresholds.DurationCritical {
		severity = catalog.SeverityCritical
	}
	a := &catalog.Alert{
		Kind:     catalog.AlertDurationThreshold,
		Severity: severity,
		Message: fmt.Sprintf("Backup %s took %.0fs, %.1f%% over the recent %s average",
			rec.Filename, rec.DurationSeconds, deviation*100, rec.Kind),
		Details: catalog.JSONMap{
			"duration_seconds":     rec.DurationSeconds,
			"baseline_avg_seconds": baseline.AvgDurationSecs,
			"baseline_count":       baseline.Count,
			"deviation_percentage": deviation * 100,
		},
		BackupID: rec.ID,
	}
	return a, m.emit(ctx, a)
}

// CheckRestore emits a CRITICAL alert for a failed restore.
func (m *Monitor) CheckRestore(ctx context.Context, rec *catalog.RestoreRecord) (*catalog.Alert, error) {
	if rec.Status != catalog.RestoreFailed {
		return nil, nil
	}
	a := &catalog.Alert{
		Kind:      catalog.AlertRestoreFailure,
		Severity:  catalog.SeverityCritical,
		Message:   fmt.Sprintf("Restore %s (%s) failed: %s", rec.ID, rec.Mode, rec.ErrorMessage),
		Details:   catalog.JSONMap{"mode": string(rec.Mode), "backup_id": rec.BackupID},
		RestoreID: rec.ID,
	}
	return a, m.emit(ctx, a)
}

// CheckCapacity inspects every backend reporting usage and alerts when
// used/total crosses the thresholds.
func (m *Monitor) CheckCapacity(ctx context.Context, backends []UsageReporter) ([]*catalog.Alert, error) {
	var alerts []*catalog.Alert
	for _, b := range backends {
		usage, ok := b.GetStorageUsage(ctx)
		if !ok || usage.TotalBytes <= 0 {
			continue
		}
		ratio := float64(usage.UsedBytes) / float64(usage.TotalBytes)
		if ratio <= m.thresholds.CapacityWarn {
			continue
		}
		severity := catalog.SeverityWarning
		if ratio > m.thresholds.CapacityCritical {
			severity = catalog.SeverityCritical
		}
		a := &catalog.Alert{
			Kind:     catalog.AlertStorageCapacity,
			Severity: severity,
			Message: fmt.Sprintf("Storage backend %s is %.1f%% full (%d of %d bytes)",
				b.Name(), ratio*100, usage.UsedBytes, usage.TotalBytes),
			Details: catalog.JSONMap{
				"backend":         b.Name(),
				"used_bytes":      usage.UsedBytes,
				"total_bytes":     usage.TotalBytes,
				"available_bytes": usage.AvailableBytes,
				"used_ratio":      ratio,
			},
		}
		if err := m.emit(ctx, a); err != nil {
			return alerts, err
		}
		alerts = append(alerts, a)
	}
	return alerts, nil
}

// ReportIntegrityFailure emits an ERROR alert for one failing backup.
func (m *Monitor) ReportIntegrityFailure(ctx context.Context, backupID, filename string, problems []string) (*catalog.Alert, error) {
	a := &catalog.Alert{
		Kind:     catalog.AlertIntegrityFailure,
		Severity: catalog.SeverityError,
		Message:  fmt.Sprintf("Integrity check failed for %s", filename),
		Details:  catalog.JSONMap{"errors": problems},
		BackupID: backupID,
	}
	return a, m.emit(ctx, a)
}

// ReportPostUploadIntegrity emits the WARNING alert for a fresh backup
// whose post-upload verification failed. The record stays COMPLETED.
func (m *Monitor) ReportPostUploadIntegrity(ctx context.Context, backupID, filename string, problems []string) (*catalog.Alert, error) {
	a := &catalog.Alert{
		Kind:     catalog.AlertIntegrityFailure,
		Severity: catalog.SeverityWarning,
		Message:  fmt.Sprintf("Post-upload verification failed for %s; not promoted to VERIFIED", filename),
		Details:  catalog.JSONMap{"errors": problems},
		BackupID: backupID,
	}
	return a, m.emit(ctx, a)
}

// ReportIntegritySummary emits the WARNING roll-up after a verification
// sweep with failures.
func (m *Monitor) ReportIntegritySummary(ctx context.Context, checked, failed int) (*catalog.Alert, error) {
	if failed == 0 {
		return nil, nil
	}
	a := &catalog.Alert{
		Kind:     catalog.AlertIntegrityFailure,
		Severity: catalog.SeverityWarning,
		Message:  fmt.Sprintf("Integrity sweep: %d of %d backups failed verification", failed, checked),
		Details:  catalog.JSONMap{"checked": checked, "failed": failed},
	}
	return a, m.emit(ctx, a)
}

// emit persists the alert, dispatches it, and records delivery.
func (m *Monitor) emit(ctx context.Context, a *catalog.Alert) error {
	if err := m.cat.CreateAlert(ctx, a); err != nil {
		return fmt.Errorf("creating %s alert: %w", a.Kind, err)
	}
	logging.Warn().
		Str("alert_id", a.ID).
		Str("kind", string(a.Kind)).
		Str("severity", string(a.Severity)).
		Msg(a.Message)

	if m.dispatcher == nil {
		return nil
	}
	channels := m.dispatcher.Dispatch(ctx, a)
	if len(channels) == 0 {
		return nil
	}
	a.NotificationChannels = channels
	if err := m.cat.RecordAlertNotification(ctx, a.ID, channels); err != nil {
		return fmt.Errorf("recording alert delivery: %w", err)
	}
	return nil
}
