// Custodius - Multi-Tenant PostgreSQL Backup and Disaster Recovery Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/custodius

package storage

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var opsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "custodius",
		Subsystem: "storage",
		Name:      "operations_total",
		Help:      "Storage backend operations by backend, operation, and outcome.",
	},
	[]string{"backend", "op", "outcome"},
)

func recordOp(backend, op string, ok bool) {
	outcome := "success"
	if !ok {
		outcome = "failure"
	}
	opsTotal.WithLabelValues(backend, op, outcome).Inc()
}
