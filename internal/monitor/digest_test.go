// Custodius - Multi-Tenant PostgreSQL Backup and Disaster Recovery Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/custodius

package monitor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tomtom215/custodius/internal/catalog"
)

type fakeAlertReader struct {
	total  int64
	byKind map[catalog.AlertKind]int64
	active []catalog.Alert
	err    error
}

func (f *fakeAlertReader) CountAlertsSince(context.Context, time.Time) (int64, error) {
	return f.total, f.err
}

func (f *fakeAlertReader) CountAlertsByKindSince(context.Context, time.Time) (map[catalog.AlertKind]int64, error) {
	return f.byKind, f.err
}

func (f *fakeAlertReader) ListActiveAlerts(context.Context) ([]catalog.Alert, error) {
	return f.active, f.err
}

func TestDailyDigest(t *testing.T) {
	m := New(newFakeCatalog(), nil, Thresholds{})
	reader := &fakeAlertReader{
		total: 3,
		byKind: map[catalog.AlertKind]int64{
			catalog.AlertBackupFailure: 2,
			catalog.AlertSizeDeviation: 1,
		},
		active: []catalog.Alert{{ID: "a1", Kind: catalog.AlertBackupFailure}},
	}

	digest, err := m.DailyDigest(context.Background(), reader)
	require.NoError(t, err)
	assert.Equal(t, int64(3), digest.Total)
	assert.Equal(t, int64(2), digest.ByKind[catalog.AlertBackupFailure])
	assert.Len(t, digest.Active, 1)
	assert.WithinDuration(t, time.Now().Add(-24*time.Hour), digest.Since, time.Minute)
}

func TestDailyDigestQueryError(t *testing.T) {
	m := New(newFakeCatalog(), nil, Thresholds{})
	_, err := m.DailyDigest(context.Background(), &fakeAlertReader{err: errors.New("db down")})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "counting recent alerts")
}
