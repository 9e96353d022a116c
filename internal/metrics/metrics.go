// Custodius - Multi-Tenant PostgreSQL Backup and Disaster Recovery Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/custodius

// Package metrics exposes the engine's Prometheus metrics. Pipeline and
// storage collectors register themselves on the default registry from
// their own packages; this package adds the process-level series and the
// HTTP handler that serves them all.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	buildInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "custodius_build_info",
		Help: "Build information, value is always 1.",
	}, []string{"version", "commit"})

	startTime = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "custodius_start_time_seconds",
		Help: "Unix timestamp of engine start.",
	})
)

// SetBuildInfo records the build identity once at startup.
func SetBuildInfo(version, commit string) {
	buildInfo.WithLabelValues(version, commit).Set(1)
	startTime.Set(float64(time.Now().Unix()))
}

// Handler serves the Prometheus text exposition of every registered
// collector.
func Handler() http.Handler {
	return promhttp.Handler()
}
