// Custodius - Multi-Tenant PostgreSQL Backup and Disaster Recovery Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/custodius

package orchestrator

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/tomtom215/custodius/internal/dump"
	"github.com/tomtom215/custodius/internal/logging"
)

// DBAdmin manages throwaway databases and integrity queries for the
// monthly test restore.
type DBAdmin interface {
	CreateDatabase(ctx context.Context, name string) error
	DropDatabase(ctx context.Context, name string) error
	RunIntegrityChecks(ctx context.Context, dbName string, tables []string) (rows int64, problems []string, err error)
}

// adminConn is the slice of pgx.Conn the admin needs.
type adminConn interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close(ctx context.Context) error
}

// PGAdmin implements DBAdmin against PostgreSQL.
type PGAdmin struct {
	db dump.DBConfig

	// connect is swappable for tests; defaults to pgx.Connect.
	connect func(ctx context.Context, connString string) (adminConn, error)
}

// NewPGAdmin creates a database admin using the maintenance connection.
func NewPGAdmin(db dump.DBConfig) *PGAdmin {
	return &PGAdmin{
		db: db,
		connect: func(ctx context.Context, connString string) (adminConn, error) {
			return pgx.Connect(ctx, connString)
		},
	}
}

// CreateDatabase creates an empty database owned by the backup role.
func (a *PGAdmin) CreateDatabase(ctx context.Context, name string) error {
	conn, err := a.connect(ctx, a.db.ConnString())
	if err != nil {
		return fmt.Errorf("connecting for database creation: %w", err)
	}
	defer conn.Close(ctx) //nolint:errcheck // Best effort cleanup

	_, err = conn.Exec(ctx, "CREATE DATABASE "+pgx.Identifier{name}.Sanitize())
	if err != nil {
		return fmt.Errorf("creating database %s: %w", name, err)
	}
	return nil
}

// DropDatabase force-drops the database. Absence is not an error.
func (a *PGAdmin) DropDatabase(ctx context.Context, name string) error {
	conn, err := a.connect(ctx, a.db.ConnString())
	if err != nil {
		return fmt.Errorf("connecting for database drop: %w", err)
	}
	defer conn.Close(ctx) //nolint:errcheck // Best effort cleanup

	_, err = conn.Exec(ctx, "DROP DATABASE IF EXISTS "+pgx.Identifier{name}.Sanitize()+" WITH (FORCE)")
	if err != nil {
		return fmt.Errorf("dropping database %s: %w", name, err)
	}
	return nil
}

// RunIntegrityChecks confirms the known tables exist and counts their
// rows. A missing table or an unreadable count is a problem, not an error.
func (a *PGAdmin) RunIntegrityChecks(ctx context.Context, dbName string, tables []string) (int64, []string, error) {
	db := a.db
	db.Database = dbName
	conn, err := a.connect(ctx, db.ConnString())
	if err != nil {
		return 0, nil, fmt.Errorf("connecting for integrity checks: %w", err)
	}
	defer conn.Close(ctx) //nolint:errcheck // Best effort cleanup

	var totalRows int64
	var problems []string
	for _, table := range tables {
		var exists bool
		err := conn.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM information_schema.tables
			 WHERE table_schema = 'public' AND table_name = $1)`, table).Scan(&exists)
		if err != nil {
			return totalRows, problems, fmt.Errorf("checking table %s: %w", table, err)
		}
		if !exists {
			problems = append(problems, fmt.Sprintf("table %s missing after restore", table))
			continue
		}

		var count int64
		err = conn.QueryRow(ctx,
			"SELECT COUNT(*) FROM "+pgx.Identifier{table}.Sanitize()).Scan(&count)
		if err != nil {
			problems = append(problems, fmt.Sprintf("counting rows in %s: %v", table, err))
			continue
		}
		totalRows += count
		logging.Debug().Str("table", table).Int64("rows", count).Msg("Integrity check table counted")
	}
	return totalRows, problems, nil
}
