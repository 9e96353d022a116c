// Custodius - Multi-Tenant PostgreSQL Backup and Disaster Recovery Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/custodius

package monitor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tomtom215/custodius/internal/catalog"
	"github.com/tomtom215/custodius/internal/storage"
)

type fakeCatalog struct {
	baseline  catalog.Averages
	alerts    []*catalog.Alert
	delivered map[string][]string
}

func newFakeCatalog() *fakeCatalog {
	return &fakeCatalog{delivered: make(map[string][]string)}
}

func (f *fakeCatalog) BackupAverages(context.Context, catalog.BackupKind, string, time.Time, int) (*catalog.Averages, error) {
	b := f.baseline
	return &b, nil
}

func (f *fakeCatalog) CreateAlert(_ context.Context, a *catalog.Alert) error {
	if a.ID == "" {
		a.ID = "alert-" + string(rune('a'+len(f.alerts)))
	}
	f.alerts = append(f.alerts, a)
	return nil
}

func (f *fakeCatalog) RecordAlertNotification(_ context.Context, id string, channels []string) error {
	f.delivered[id] = channels
	return nil
}

type fakeDispatcher struct{ channels []string }

func (f *fakeDispatcher) Dispatch(context.Context, *catalog.Alert) []string { return f.channels }

const mib = 1 << 20

func TestSizeDeviationAlert(t *testing.T) {
	// Five ~100 MiB baselines, one 150 MiB outlier: exactly one WARNING
	// with deviation between 40% and 60%.
	cat := newFakeCatalog()
	cat.baseline = catalog.Averages{Count: 5, AvgSizeBytes: 100 * mib}
	m := New(cat, &fakeDispatcher{channels: []string{"webhook"}}, Thresholds{})

	alerts, err := m.CheckBackup(context.Background(), &catalog.BackupRecord{
		ID:        "b1",
		Kind:      catalog.KindFullDB,
		Filename:  "backup_full_database_20260824_020000.dump.gz.enc",
		SizeBytes: 150 * mib,
		Status:    catalog.StatusCompleted,
	})
	require.NoError(t, err)
	require.Len(t, alerts, 1)

	a := alerts[0]
	assert.Equal(t, catalog.AlertSizeDeviation, a.Kind)
	assert.Equal(t, catalog.SeverityWarning, a.Severity)

	deviation := a.Details["deviation_percentage"].(float64)
	assert.Greater(t, deviation, 40.0)
	assert.Less(t, deviation, 60.0)

	assert.Equal(t, []string{"webhook"}, cat.delivered[a.ID])
	assert.Equal(t, []string{"webhook"}, []string(a.NotificationChannels))
}

func TestSizeDeviationCritical(t *testing.T) {
	cat := newFakeCatalog()
	cat.baseline = catalog.Averages{Count: 10, AvgSizeBytes: 100 * mib}
	m := New(cat, nil, Thresholds{})

	alerts, err := m.CheckBackup(context.Background(), &catalog.BackupRecord{
		ID: "b1", Kind: catalog.KindFullDB, SizeBytes: 250 * mib,
		Status: catalog.StatusCompleted,
	})
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, catalog.SeverityCritical, alerts[0].Severity)
}

func TestSizeWithinThresholdNoAlert(t *testing.T) {
	cat := newFakeCatalog()
	cat.baseline = catalog.Averages{Count: 5, AvgSizeBytes: 100 * mib}
	m := New(cat, nil, Thresholds{})

	alerts, err := m.CheckBackup(context.Background(), &catalog.BackupRecord{
		ID: "b1", Kind: catalog.KindFullDB, SizeBytes: 110 * mib,
		Status: catalog.StatusCompleted,
	})
	require.NoError(t, err)
	assert.Empty(t, alerts)
}

func TestNoBaselineNoAlert(t *testing.T) {
	cat := newFakeCatalog()
	m := New(cat, nil, Thresholds{})

	alerts, err := m.CheckBackup(context.Background(), &catalog.BackupRecord{
		ID: "first-ever", Kind: catalog.KindFullDB, SizeBytes: 100 * mib,
		Status: catalog.StatusCompleted,
	})
	require.NoError(t, err)
	assert.Empty(t, alerts)
}

func TestDurationDeviation(t *testing.T) {
	cat := newFakeCatalog()
	cat.baseline = catalog.Averages{Count: 5, AvgSizeBytes: 100 * mib, AvgDurationSecs: 100}
	m := New(cat, nil, Thresholds{})

	// 60% slower: WARNING
	alerts, err := m.CheckBackup(context.Background(), &catalog.BackupRecord{
		ID: "b1", Kind: catalog.KindFullDB, SizeBytes: 100 * mib,
		DurationSeconds: 160, Status: catalog.StatusCompleted,
	})
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, catalog.AlertDurationThreshold, alerts[0].Kind)
	assert.Equal(t, catalog.SeverityWarning, alerts[0].Severity)

	// 150% slower: CRITICAL
	cat2 := newFakeCatalog()
	cat2.baseline = cat.baseline
	m2 := New(cat2, nil, Thresholds{})
	alerts, err = m2.CheckBackup(context.Background(), &catalog.BackupRecord{
		ID: "b2", Kind: catalog.KindFullDB, SizeBytes: 100 * mib,
		DurationSeconds: 250, Status: catalog.StatusCompleted,
	})
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, catalog.SeverityCritical, alerts[0].Severity)
}

func TestFasterBackupNoDurationAlert(t *testing.T) {
	cat := newFakeCatalog()
	cat.baseline = catalog.Averages{Count: 5, AvgSizeBytes: 100 * mib, AvgDurationSecs: 100}
	m := New(cat, nil, Thresholds{})

	alerts, err := m.CheckBackup(context.Background(), &catalog.BackupRecord{
		ID: "b1", Kind: catalog.KindFullDB, SizeBytes: 100 * mib,
		DurationSeconds: 10, Status: catalog.StatusCompleted,
	})
	require.NoError(t, err)
	assert.Empty(t, alerts)
}

func TestFailedBackupCriticalAlert(t *testing.T) {
	cat := newFakeCatalog()
	m := New(cat, nil, Thresholds{})

	alerts, err := m.CheckBackup(context.Background(), &catalog.BackupRecord{
		ID: "b1", Kind: catalog.KindFullDB, Status: catalog.StatusFailed,
		Notes: "dump timed out",
	})
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, catalog.AlertBackupFailure, alerts[0].Kind)
	assert.Equal(t, catalog.SeverityCritical, alerts[0].Severity)
	assert.Contains(t, alerts[0].Message, "dump timed out")

	// A single tenant failure pages at ERROR, not CRITICAL
	tenantAlerts, err := m.CheckBackup(context.Background(), &catalog.BackupRecord{
		ID: "b2", Kind: catalog.KindTenant, Status: catalog.StatusFailed,
	})
	require.NoError(t, err)
	require.Len(t, tenantAlerts, 1)
	assert.Equal(t, catalog.SeverityError, tenantAlerts[0].Severity)
}

func TestCheckRestoreFailure(t *testing.T) {
	cat := newFakeCatalog()
	m := New(cat, nil, Thresholds{})

	a, err := m.CheckRestore(context.Background(), &catalog.RestoreRecord{
		ID: "r1", Mode: catalog.RestoreFull, Status: catalog.RestoreFailed,
		ErrorMessage: "pg_restore exit 1",
	})
	require.NoError(t, err)
	require.NotNil(t, a)
	assert.Equal(t, catalog.AlertRestoreFailure, a.Kind)

	a, err = m.CheckRestore(context.Background(), &catalog.RestoreRecord{
		ID: "r2", Status: catalog.RestoreCompleted,
	})
	require.NoError(t, err)
	assert.Nil(t, a)
}

type fakeUsage struct {
	name  string
	usage storage.Usage
	ok    bool
}

func (f *fakeUsage) Name() string { return f.name }
func (f *fakeUsage) GetStorageUsage(context.Context) (storage.Usage, bool) {
	return f.usage, f.ok
}

func TestCheckCapacity(t *testing.T) {
	cat := newFakeCatalog()
	m := New(cat, nil, Thresholds{})

	backends := []UsageReporter{
		&fakeUsage{name: "local", ok: true, usage: storage.Usage{TotalBytes: 1000, UsedBytes: 850, AvailableBytes: 150}},
		&fakeUsage{name: "r2", ok: true, usage: storage.Usage{TotalBytes: 1000, UsedBytes: 950, AvailableBytes: 50}},
		&fakeUsage{name: "b2", ok: true, usage: storage.Usage{TotalBytes: 1000, UsedBytes: 100, AvailableBytes: 900}},
		&fakeUsage{name: "silent", ok: false},
	}

	alerts, err := m.CheckCapacity(context.Background(), backends)
	require.NoError(t, err)
	require.Len(t, alerts, 2)
	assert.Equal(t, catalog.SeverityWarning, alerts[0].Severity)
	assert.Equal(t, catalog.SeverityCritical, alerts[1].Severity)
	assert.Equal(t, "r2", alerts[1].Details["backend"])
}

func TestIntegrityReports(t *testing.T) {
	cat := newFakeCatalog()
	m := New(cat, nil, Thresholds{})

	a, err := m.ReportIntegrityFailure(context.Background(), "b1",
		"backup_full_database_20260824_020000.dump.gz.enc",
		[]string{"r2: size mismatch"})
	require.NoError(t, err)
	assert.Equal(t, catalog.SeverityError, a.Severity)

	summary, err := m.ReportIntegritySummary(context.Background(), 100, 2)
	require.NoError(t, err)
	require.NotNil(t, summary)
	assert.Equal(t, catalog.SeverityWarning, summary.Severity)

	none, err := m.ReportIntegritySummary(context.Background(), 100, 0)
	require.NoError(t, err)
	assert.Nil(t, none)
}
