// Custodius - Multi-Tenant PostgreSQL Backup and Disaster Recovery Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/custodius

package orchestrator

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/tomtom215/custodius/internal/catalog"
)

var (
	pipelineRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "custodius",
			Subsystem: "pipeline",
			Name:      "runs_total",
			Help:      "Pipeline runs by task and outcome.",
		},
		[]string{"task", "outcome"},
	)

	pipelineDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "custodius",
			Subsystem: "pipeline",
			Name:      "duration_seconds",
			Help:      "Pipeline run duration by task.",
			Buckets:   []float64{1, 5, 15, 60, 300, 900, 1800, 3600, 7200},
		},
		[]string{"task"},
	)

	artifactBytes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "custodius",
			Subsystem: "backup",
			Name:      "artifact_bytes_total",
			Help:      "Bytes of produced backup artifacts by kind.",
		},
		[]string{"kind"},
	)
)

func recordRun(task string, err error, seconds float64) {
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	pipelineRuns.WithLabelValues(task, outcome).Inc()
	pipelineDuration.WithLabelValues(task).Observe(seconds)
}

func recordArtifact(kind catalog.BackupKind, sizeBytes int64, _ float64) {
	artifactBytes.WithLabelValues(string(kind)).Add(float64(sizeBytes))
}
