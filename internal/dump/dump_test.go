// Custodius - Multi-Tenant PostgreSQL Backup and Disaster Recovery Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/custodius

package dump

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testDB() DBConfig {
	return DBConfig{
		Host:     "db.internal",
		Port:     5432,
		User:     "backup_role",
		Password: "s3cret",
		Database: "app",
	}
}

func TestFullDumpArgs(t *testing.T) {
	d := New(Config{})
	args := d.fullDumpArgs("/tmp/out.sql", testDB())

	assert.Contains(t, args, "--host=db.internal")
	assert.Contains(t, args, "--port=5432")
	assert.Contains(t, args, "--username=backup_role")
	assert.Contains(t, args, "--dbname=app")
	assert.Contains(t, args, "--no-password")
	assert.Contains(t, args, "--format=plain")
	assert.Contains(t, args, "--verbose")
	assert.Contains(t, args, "--no-owner")
	assert.Contains(t, args, "--no-acl")
	assert.Contains(t, args, "--file=/tmp/out.sql")

	// The password must never appear in the argument vector
	for _, arg := range args {
		assert.NotContains(t, arg, "s3cret")
	}
}

func TestTenantDumpArgs(t *testing.T) {
	d := New(Config{
		TenantTables: []string{"public.invoices", "public.customers"},
	})
	args := d.tenantDumpArgs("/tmp/tenant.sql", testDB())

	assert.Contains(t, args, "--table=public.invoices")
	assert.Contains(t, args, "--table=public.customers")
	assert.Contains(t, args, "--data-only")
	assert.Contains(t, args, "--format=plain")
}

func TestRestoreArgs(t *testing.T) {
	d := New(Config{})

	args := d.restoreArgs("/tmp/dump", testDB(), false)
	assert.Contains(t, args, "--jobs=4")
	assert.NotContains(t, args, "--clean")
	assert.Equal(t, "/tmp/dump", args[len(args)-1])

	args = d.restoreArgs("/tmp/dump", testDB(), true)
	assert.Contains(t, args, "--clean")
	assert.Contains(t, args, "--if-exists")
}

func TestTenantDumpRejectsInvalidTenantID(t *testing.T) {
	d := New(Config{TenantTables: []string{"public.invoices"}})

	err := d.TenantDump(context.Background(), filepath.Join(t.TempDir(), "out.sql"), "1; DROP TABLE users--", testDB())
	require.Error(t, err)

	var dumpErr *DumpError
	assert.True(t, errors.As(err, &dumpErr))
}

func TestTenantDumpRequiresTableAllowList(t *testing.T) {
	d := New(Config{})
	err := d.TenantDump(context.Background(), filepath.Join(t.TempDir(), "out.sql"),
		"b3b2d3a8-9c39-4d5c-9f1c-8f2f3a4b5c6d", testDB())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no tenant tables")
}

func TestTenantPreamble(t *testing.T) {
	preamble := tenantPreamble("b3b2d3a8-9c39-4d5c-9f1c-8f2f3a4b5c6d")
	assert.Contains(t, preamble, "SET app.current_tenant = 'b3b2d3a8-9c39-4d5c-9f1c-8f2f3a4b5c6d';")
}

func TestIgnorableRestoreErrors(t *testing.T) {
	tests := []struct {
		name   string
		stderr string
		want   bool
	}{
		{
			name:   "only already-exists errors",
			stderr: "pg_restore: error: could not execute query: ERROR:  relation \"users\" already exists\n",
			want:   true,
		},
		{
			name:   "only does-not-exist errors",
			stderr: "pg_restore: error: could not execute query: ERROR:  table \"old_t\" does not exist\n",
			want:   true,
		},
		{
			name:   "mixed with a real failure",
			stderr: "ERROR:  relation \"users\" already exists\nERROR:  out of shared memory\n",
			want:   false,
		},
		{
			name:   "real failure only",
			stderr: "pg_restore: error: connection to server failed\n",
			want:   false,
		},
		{
			name:   "no errors at all",
			stderr: "pg_restore: processing data for table \"users\"\n",
			want:   false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ignorableRestoreErrors(tt.stderr))
		})
	}
}

func TestQuoteQualified(t *testing.T) {
	assert.Equal(t, `"public"."invoices"`, quoteQualified("public.invoices"))
	assert.Equal(t, `"invoices"`, quoteQualified("invoices"))
	// Embedded quotes are escaped, not interpreted
	assert.Equal(t, `"bad""name"`, quoteQualified(`bad"name`))
}

func TestBoundedBuffer(t *testing.T) {
	var b boundedBuffer
	b.limit = 10

	n, err := b.Write([]byte("0123456789ABCDEF"))
	require.NoError(t, err)
	assert.Equal(t, 16, n, "writes report full length so the subprocess never blocks")
	assert.Equal(t, "0123456789", b.String())

	// Further writes are discarded
	_, err = b.Write([]byte("more"))
	require.NoError(t, err)
	assert.Equal(t, "0123456789", b.String())
}

// fakeConn records RLS bracket statements.
type fakeConn struct {
	statements []string
	execErr    error
	closed     bool
}

func (f *fakeConn) Exec(_ context.Context, sql string, _ ...any) (pgconn.CommandTag, error) {
	f.statements = append(f.statements, sql)
	return pgconn.CommandTag{}, f.execErr
}

func (f *fakeConn) Close(_ context.Context) error {
	f.closed = true
	return nil
}

func TestRLSBracketDisablesAndRestores(t *testing.T) {
	conn := &fakeConn{}
	d := New(Config{RLSForceTables: []string{"public.tenants", "public.invoices"}})
	d.connect = func(_ context.Context, _ string) (rlsConn, error) { return conn, nil }

	restore, err := d.disableRLSForce(context.Background(), testDB())
	require.NoError(t, err)

	require.Len(t, conn.statements, 2)
	assert.Equal(t, `ALTER TABLE "public"."tenants" NO FORCE ROW LEVEL SECURITY`, conn.statements[0])
	assert.Equal(t, `ALTER TABLE "public"."invoices" NO FORCE ROW LEVEL SECURITY`, conn.statements[1])

	restore()

	require.Len(t, conn.statements, 4)
	assert.Equal(t, `ALTER TABLE "public"."tenants" FORCE ROW LEVEL SECURITY`, conn.statements[2])
	assert.Equal(t, `ALTER TABLE "public"."invoices" FORCE ROW LEVEL SECURITY`, conn.statements[3])
	assert.True(t, conn.closed)
}

func TestRLSBracketSetupFailureIsFatal(t *testing.T) {
	conn := &fakeConn{execErr: errors.New("permission denied")}
	d := New(Config{RLSForceTables: []string{"public.tenants"}})
	d.connect = func(_ context.Context, _ string) (rlsConn, error) { return conn, nil }

	_, err := d.disableRLSForce(context.Background(), testDB())
	require.Error(t, err)
	assert.True(t, conn.closed)
}

func TestRLSBracketNoTablesIsNoop(t *testing.T) {
	d := New(Config{})
	d.connect = func(_ context.Context, _ string) (rlsConn, error) {
		t.Fatal("connect should not be called without RLS tables")
		return nil, nil
	}

	restore, err := d.disableRLSForce(context.Background(), testDB())
	require.NoError(t, err)
	restore()
}

func TestFullDumpSubprocessFailure(t *testing.T) {
	// A nonexistent binary exercises the DumpError path without PostgreSQL
	d := New(Config{PgDumpPath: filepath.Join(t.TempDir(), "missing-pg_dump")})

	err := d.FullDump(context.Background(), filepath.Join(t.TempDir(), "out.sql"), testDB())
	require.Error(t, err)

	var dumpErr *DumpError
	assert.True(t, errors.As(err, &dumpErr))
}

func TestConcatFiles(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a")
	b := filepath.Join(dir, "b")
	out := filepath.Join(dir, "out")
	require.NoError(t, os.WriteFile(a, []byte("SET app.current_tenant = 'x';\n"), 0o640))
	require.NoError(t, os.WriteFile(b, []byte("INSERT INTO t VALUES(1);\n"), 0o640))

	require.NoError(t, concatFiles(out, a, b))

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(data), "SET app.current_tenant"))
	assert.True(t, strings.HasSuffix(string(data), "VALUES(1);\n"))
}

func TestRunPassesPasswordViaEnv(t *testing.T) {
	// Use /usr/bin/env to echo the environment back and prove PGPASSWORD
	// is present without ever appearing in args.
	d := New(Config{})
	stderr, err := d.runWithEnv(context.Background(), DefaultDumpTimeout,
		"sh", []string{"-c", "printf '%s' \"$PGPASSWORD\" 1>&2"}, "envpass", nil)
	require.NoError(t, err)
	assert.Equal(t, "envpass", stderr)
}

func TestDumpErrorFormat(t *testing.T) {
	err := &DumpError{Err: fmt.Errorf("exit status 1"), Stderr: "boom"}
	assert.Contains(t, err.Error(), "pg_dump failed")
	assert.Contains(t, err.Error(), "boom")
}
