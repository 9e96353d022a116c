// Custodius - Multi-Tenant PostgreSQL Backup and Disaster Recovery Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/custodius

// Package dump drives the PostgreSQL logical dump and restore tools.
//
// All subprocess invocations build explicit argument vectors (no shell
// interpolation), pass the password via the PGPASSWORD environment
// variable, capture output with bounded buffers, and honor hard timeouts
// (1 h dump, 2 h restore).
//
// Dumps are plain SQL text so the downstream gzip(9) stage reaches its
// 70-90% reduction target on the INSERT-heavy content.
package dump

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/tomtom215/custodius/internal/logging"
)

// Default subprocess timeouts.
const (
	DefaultDumpTimeout    = time.Hour
	DefaultRestoreTimeout = 2 * time.Hour

	// DefaultRestoreJobs is the pg_restore parallel worker count.
	DefaultRestoreJobs = 4

	// maxCapturedOutput bounds stdout/stderr retention per subprocess.
	maxCapturedOutput = 64 << 10
)

// DumpError indicates a pg_dump failure (non-zero exit or timeout).
type DumpError struct {
	Err    error
	Stderr string
}

func (e *DumpError) Error() string {
	return fmt.Sprintf("pg_dump failed: %v: %s", e.Err, e.Stderr)
}

func (e *DumpError) Unwrap() error { return e.Err }

// RestoreError indicates a pg_restore failure (non-zero exit or timeout).
type RestoreError struct {
	Err    error
	Stderr string
}

func (e *RestoreError) Error() string {
	return fmt.Sprintf("pg_restore failed: %v: %s", e.Err, e.Stderr)
}

func (e *RestoreError) Unwrap() error { return e.Err }

// DBConfig identifies a target database. The password never appears on a
// command line; it travels via PGPASSWORD.
type DBConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
}

// ConnString builds a pgx connection string for in-process statements
// (the RLS bracket). Not used for subprocess arguments.
func (d DBConfig) ConnString() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s",
		d.Host, d.Port, d.User, d.Password, d.Database)
}

// Config holds dump driver settings.
type Config struct {
	PgDumpPath    string
	PgRestorePath string

	// TenantTables is the configuration-driven allow-list of
	// tenant-scoped tables included in per-tenant dumps. Entries are
	// schema-qualified ("public.invoices").
	TenantTables []string

	// RLSForceTables lists the tenant-owning tables whose FORCE ROW
	// LEVEL SECURITY option is bracketed off during full dumps so the
	// owner role can export every row.
	RLSForceTables []string

	DumpTimeout    time.Duration
	RestoreTimeout time.Duration
	RestoreJobs    int
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.PgDumpPath == "" {
		out.PgDumpPath = "pg_dump"
	}
	if out.PgRestorePath == "" {
		out.PgRestorePath = "pg_restore"
	}
	if out.DumpTimeout <= 0 {
		out.DumpTimeout = DefaultDumpTimeout
	}
	if out.RestoreTimeout <= 0 {
		out.RestoreTimeout = DefaultRestoreTimeout
	}
	if out.RestoreJobs <= 0 {
		out.RestoreJobs = DefaultRestoreJobs
	}
	return out
}

// Driver shells out to the PostgreSQL native tools.
type Driver struct {
	cfg Config

	// connect is swappable for tests; defaults to pgx.Connect.
	connect func(ctx context.Context, connString string) (rlsConn, error)
}

// rlsConn is the slice of pgx.Conn the RLS bracket needs.
type rlsConn interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Close(ctx context.Context) error
}

// New creates a dump driver.
func New(cfg Config) *Driver {
	return &Driver{
		cfg: cfg.withDefaults(),
		connect: func(ctx context.Context, connString string) (rlsConn, error) {
			return pgx.Connect(ctx, connString)
		},
	}
}

// FullDump exports the whole database as plain SQL to outPath.
//
// Around the export it brackets the row-level-security FORCE option off the
// tenant-owning tables so the dump role reads all rows; the teardown always
// runs, and its failure is logged but not fatal.
func (d *Driver) FullDump(ctx context.Context, outPath string, db DBConfig) error {
	restore, err := d.disableRLSForce(ctx, db)
	if err != nil {
		return &DumpError{Err: fmt.Errorf("disabling RLS force: %w", err)}
	}
	defer restore()

	args := d.fullDumpArgs(outPath, db)
	stderr, err := d.run(ctx, d.cfg.DumpTimeout, d.cfg.PgDumpPath, args, db.Password)
	if err != nil {
		return &DumpError{Err: err, Stderr: stderr}
	}

	logging.Info().Str("output", outPath).Str("database", db.Database).Msg("Full database dump complete")
	return nil
}

func (d *Driver) fullDumpArgs(outPath string, db DBConfig) []string {
	return append(connectionArgs(db),
		"--format=plain",
		"--verbose",
		"--no-owner",
		"--no-acl",
		"--file="+outPath,
	)
}

// TenantDump exports the allow-listed tenant tables as plain SQL restricted
// to one tenant. A session preamble setting the tenant context variable is
// written first and prepended to the dump so a replay restores rows under
// the same tenant scope.
func (d *Driver) TenantDump(ctx context.Context, outPath, tenantID string, db DBConfig) error {
	if _, err := uuid.Parse(tenantID); err != nil {
		return &DumpError{Err: fmt.Errorf("invalid tenant id %q: %w", tenantID, err)}
	}
	if len(d.cfg.TenantTables) == 0 {
		return &DumpError{Err: errors.New("no tenant tables configured")}
	}

	preamblePath := outPath + ".preamble.sql"
	if err := os.WriteFile(preamblePath, []byte(tenantPreamble(tenantID)), 0o640); err != nil {
		return &DumpError{Err: fmt.Errorf("writing tenant preamble: %w", err)}
	}
	defer os.Remove(preamblePath) //nolint:errcheck // Best effort cleanup

	rawPath := outPath + ".raw"
	defer os.Remove(rawPath) //nolint:errcheck // Best effort cleanup

	args := d.tenantDumpArgs(rawPath, db)
	env := []string{fmt.Sprintf("PGOPTIONS=-c app.current_tenant=%s", tenantID)}
	stderr, err := d.runWithEnv(ctx, d.cfg.DumpTimeout, d.cfg.PgDumpPath, args, db.Password, env)
	if err != nil {
		return &DumpError{Err: err, Stderr: stderr}
	}

	if err := concatFiles(outPath, preamblePath, rawPath); err != nil {
		return &DumpError{Err: fmt.Errorf("assembling tenant dump: %w", err)}
	}

	logging.Info().
		Str("output", outPath).
		Str("tenant_id", tenantID).
		Int("tables", len(d.cfg.TenantTables)).
		Msg("Tenant dump complete")
	return nil
}

func (d *Driver) tenantDumpArgs(outPath string, db DBConfig) []string {
	args := append(connectionArgs(db),
		"--format=plain",
		"--verbose",
		"--no-owner",
		"--no-acl",
		"--data-only",
	)
	for _, table := range d.cfg.TenantTables {
		args = append(args, "--table="+table)
	}
	return append(args, "--file="+outPath)
}

// tenantPreamble is the session context header replayed before tenant rows.
func tenantPreamble(tenantID string) string {
	return fmt.Sprintf("-- Custodius tenant backup preamble\nSET app.current_tenant = '%s';\n\n", tenantID)
}

// Restore replays a dump into the target database with parallel workers.
// When clean is set, existing objects are dropped first; that mode is
// reserved for FULL restores. "already exists" and "does not exist" errors
// are tolerated as warnings.
func (d *Driver) Restore(ctx context.Context, dumpPath string, db DBConfig, clean bool) error {
	args := d.restoreArgs(dumpPath, db, clean)

	stderr, err := d.run(ctx, d.cfg.RestoreTimeout, d.cfg.PgRestorePath, args, db.Password)
	if err != nil {
		if ignorableRestoreErrors(stderr) {
			logging.Warn().
				Str("database", db.Database).
				Msg("pg_restore reported only ignorable object-existence errors")
			return nil
		}
		return &RestoreError{Err: err, Stderr: stderr}
	}

	logging.Info().Str("dump", dumpPath).Str("database", db.Database).Msg("Restore complete")
	return nil
}

func (d *Driver) restoreArgs(dumpPath string, db DBConfig, clean bool) []string {
	args := append(connectionArgs(db),
		"--jobs="+strconv.Itoa(d.cfg.RestoreJobs),
		"--no-owner",
		"--verbose",
	)
	if clean {
		args = append(args, "--clean", "--if-exists")
	}
	return append(args, dumpPath)
}

// ignorableRestoreErrors reports whether every error line in stderr matches
// the whitelisted object-existence messages.
func ignorableRestoreErrors(stderr string) bool {
	sawError := false
	for _, line := range strings.Split(stderr, "\n") {
		if !strings.Contains(line, "ERROR") && !strings.Contains(line, "error:") {
			continue
		}
		sawError = true
		if !strings.Contains(line, "already exists") && !strings.Contains(line, "does not exist") {
			return false
		}
	}
	return sawError
}

// disableRLSForce turns off FORCE ROW LEVEL SECURITY on the configured
// tables, committing each statement outside any ambient transaction, and
// returns the teardown that re-enables it. Both directions are idempotent;
// teardown failures are logged, never fatal.
func (d *Driver) disableRLSForce(ctx context.Context, db DBConfig) (func(), error) {
	if len(d.cfg.RLSForceTables) == 0 {
		return func() {}, nil
	}

	conn, err := d.connect(ctx, db.ConnString())
	if err != nil {
		return nil, fmt.Errorf("connecting for RLS bracket: %w", err)
	}

	for _, table := range d.cfg.RLSForceTables {
		stmt := "ALTER TABLE " + quoteQualified(table) + " NO FORCE ROW LEVEL SECURITY"
		if _, err := conn.Exec(ctx, stmt); err != nil {
			conn.Close(ctx) //nolint:errcheck // Best effort cleanup on error
			return nil, fmt.Errorf("disabling RLS force on %s: %w", table, err)
		}
	}

	tables := d.cfg.RLSForceTables
	return func() {
		// Re-enable always runs, with a fresh deadline in case the
		// caller's context is already spent.
		teardownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		defer conn.Close(teardownCtx) //nolint:errcheck // Best effort cleanup

		for _, table := range tables {
			stmt := "ALTER TABLE " + quoteQualified(table) + " FORCE ROW LEVEL SECURITY"
			if _, err := conn.Exec(teardownCtx, stmt); err != nil {
				logging.Error().
					Err(err).
					Str("table", table).
					Msg("Failed to re-enable RLS force; manual intervention required")
			}
		}
	}, nil
}

// quoteQualified quotes a possibly schema-qualified identifier.
func quoteQualified(name string) string {
	parts := strings.Split(name, ".")
	return pgx.Identifier(parts).Sanitize()
}

func connectionArgs(db DBConfig) []string {
	return []string{
		"--host=" + db.Host,
		"--port=" + strconv.Itoa(db.Port),
		"--username=" + db.User,
		"--dbname=" + db.Database,
		"--no-password",
	}
}

func (d *Driver) run(ctx context.Context, timeout time.Duration, bin string, args []string, password string) (string, error) {
	return d.runWithEnv(ctx, timeout, bin, args, password, nil)
}

func (d *Driver) runWithEnv(ctx context.Context, timeout time.Duration, bin string, args []string, password string, extraEnv []string) (string, error) {
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, bin, args...) //nolint:gosec // G204: argument vectors are built from validated config, never shell strings
	cmd.Env = append(os.Environ(), "PGPASSWORD="+password)
	cmd.Env = append(cmd.Env, extraEnv...)

	var stdout, stderr boundedBuffer
	stdout.limit = maxCapturedOutput
	stderr.limit = maxCapturedOutput
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	elapsed := time.Since(start)

	if runCtx.Err() == context.DeadlineExceeded {
		return stderr.String(), fmt.Errorf("timed out after %s", timeout)
	}
	if err != nil {
		return stderr.String(), err
	}

	logging.Debug().
		Str("bin", filepath.Base(bin)).
		Dur("elapsed", elapsed).
		Msg("Subprocess complete")
	return stderr.String(), nil
}

// boundedBuffer retains at most limit bytes, discarding the rest.
type boundedBuffer struct {
	buf   bytes.Buffer
	limit int
}

func (b *boundedBuffer) Write(p []byte) (int, error) {
	if b.buf.Len() < b.limit {
		remaining := b.limit - b.buf.Len()
		if len(p) > remaining {
			b.buf.Write(p[:remaining]) //nolint:errcheck // bytes.Buffer writes cannot fail
		} else {
			b.buf.Write(p) //nolint:errcheck // bytes.Buffer writes cannot fail
		}
	}
	return len(p), nil
}

func (b *boundedBuffer) String() string { return b.buf.String() }

// concatFiles writes the concatenation of srcs to dst.
func concatFiles(dst string, srcs ...string) error {
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o640) //nolint:gosec // G304: pipeline-owned path
	if err != nil {
		return err
	}
	for _, src := range srcs {
		in, err := os.Open(src) //nolint:gosec // G304: pipeline-owned path
		if err != nil {
			out.Close() //nolint:errcheck // Best effort cleanup on error
			return err
		}
		_, err = io.Copy(out, in)
		in.Close() //nolint:errcheck // Best effort cleanup
		if err != nil {
			out.Close() //nolint:errcheck // Best effort cleanup on error
			return err
		}
	}
	return out.Close()
}
