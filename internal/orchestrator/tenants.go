// Custodius - Multi-Tenant PostgreSQL Backup and Disaster Recovery Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/custodius

package orchestrator

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/tomtom215/custodius/internal/dump"
)

// DefaultTenantQuery enumerates active tenants in the host schema. The
// first column must be the tenant id; override via configuration when the
// host application names things differently.
const DefaultTenantQuery = `SELECT id::text FROM tenants WHERE deleted_at IS NULL ORDER BY created_at`

// PGTenantLister resolves active tenants straight from the host database.
type PGTenantLister struct {
	db  dump.DBConfig
	sql string

	// fetch is swappable for tests; defaults to a pgx query.
	fetch func(ctx context.Context, connString, sql string) ([]string, error)
}

// NewPGTenantLister creates a tenant lister. An empty query selects
// DefaultTenantQuery.
func NewPGTenantLister(db dump.DBConfig, query string) *PGTenantLister {
	if query == "" {
		query = DefaultTenantQuery
	}
	return &PGTenantLister{db: db, sql: query, fetch: fetchTenantIDs}
}

// ActiveTenants returns the tenant ids eligible for the weekly sweep.
func (l *PGTenantLister) ActiveTenants(ctx context.Context) ([]string, error) {
	ids, err := l.fetch(ctx, l.db.ConnString(), l.sql)
	if err != nil {
		return nil, fmt.Errorf("listing active tenants: %w", err)
	}
	return ids, nil
}

func fetchTenantIDs(ctx context.Context, connString, sql string) ([]string, error) {
	conn, err := pgx.Connect(ctx, connString)
	if err != nil {
		return nil, err
	}
	defer conn.Close(ctx) //nolint:errcheck // Best effort cleanup

	rows, err := conn.Query(ctx, sql)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}
