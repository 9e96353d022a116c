// Custodius - Multi-Tenant PostgreSQL Backup and Disaster Recovery Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/custodius

package monitor

import (
	"context"
	"fmt"
	"time"

	"github.com/tomtom215/custodius/internal/catalog"
	"github.com/tomtom215/custodius/internal/logging"
)

// AlertReader is the query surface the daily digest needs.
type AlertReader interface {
	CountAlertsSince(ctx context.Context, since time.Time) (int64, error)
	CountAlertsByKindSince(ctx context.Context, since time.Time) (map[catalog.AlertKind]int64, error)
	ListActiveAlerts(ctx context.Context) ([]catalog.Alert, error)
}

// Digest summarizes the last day of alerting for operators.
type Digest struct {
	Since  time.Time                   `json:"since"`
	Total  int64                       `json:"total"`
	ByKind map[catalog.AlertKind]int64 `json:"by_kind"`
	Active []catalog.Alert             `json:"active"`
}

// DailyDigest gathers the 24-hour alert summary. A quiet day returns a
// digest with Total 0 so callers can skip delivery.
func (m *Monitor) DailyDigest(ctx context.Context, alerts AlertReader) (*Digest, error) {
	since := time.Now().Add(-24 * time.Hour)

	total, err := alerts.CountAlertsSince(ctx, since)
	if err != nil {
		return nil, fmt.Errorf("counting recent alerts: %w", err)
	}
	byKind, err := alerts.CountAlertsByKindSince(ctx, since)
	if err != nil {
		return nil, fmt.Errorf("grouping recent alerts: %w", err)
	}
	active, err := alerts.ListActiveAlerts(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing active alerts: %w", err)
	}

	digest := &Digest{Since: since, Total: total, ByKind: byKind, Active: active}
	logging.Info().
		Int64("alerts_24h", total).
		Int("active", len(active)).
		Msg("Daily alert digest")
	return digest, nil
}
