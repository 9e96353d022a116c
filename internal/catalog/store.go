// Custodius - Multi-Tenant PostgreSQL Backup and Disaster Recovery Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/custodius

package catalog

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib" // pgx database/sql driver
	"github.com/jmoiron/sqlx"
	"github.com/pressly/goose/v3"

	"github.com/tomtom215/custodius/internal/logging"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store is the catalog's data access layer. The zero value is not usable;
// construct with New or NewWithDB.
type Store struct {
	db *sqlx.DB
	q  sqlx.ExtContext
}

// New opens a PostgreSQL connection, verifies it, and applies pending
// migrations.
func New(ctx context.Context, dsn string) (*Store, error) {
	db, err := sqlx.ConnectContext(ctx, "pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("connecting to catalog database: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	s := NewWithDB(db)
	if err := s.Migrate(ctx); err != nil {
		db.Close() //nolint:errcheck // Best effort cleanup on error
		return nil, err
	}
	return s, nil
}

// NewWithDB wraps an existing connection without running migrations.
func NewWithDB(db *sqlx.DB) *Store {
	return &Store{db: db, q: db}
}

// Migrate applies pending schema migrations.
func (s *Store) Migrate(ctx context.Context) error {
	goose.SetBaseFS(migrationsFS)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("setting migration dialect: %w", err)
	}
	if err := goose.UpContext(ctx, s.db.DB, "migrations"); err != nil {
		return fmt.Errorf("applying catalog migrations: %w", err)
	}
	logging.Info().Msg("Catalog migrations applied")
	return nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// WithBypassRLS runs fn inside a transaction whose statements bypass the
// per-tenant row filters. The scope is the smallest possible: SET LOCAL
// expires with the transaction.
func (s *Store) WithBypassRLS(ctx context.Context, fn func(*Store) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning bypass transaction: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "SET LOCAL custodius.bypass_rls = 'on'"); err != nil {
		tx.Rollback() //nolint:errcheck // Best effort cleanup on error
		return fmt.Errorf("entering RLS bypass scope: %w", err)
	}
	if err := fn(&Store{db: s.db, q: tx}); err != nil {
		tx.Rollback() //nolint:errcheck // Best effort cleanup on error
		return err
	}
	return tx.Commit()
}

// --- BackupRecord ---

// CreateBackup inserts a new record. Missing ID, CreatedAt, and Status are
// filled with a fresh UUID, now, and IN_PROGRESS.
func (s *Store) CreateBackup(ctx context.Context, b *BackupRecord) error {
	if b.ID == "" {
		b.ID = uuid.NewString()
	}
	if b.CreatedAt.IsZero() {
		b.CreatedAt = time.Now().UTC()
	}
	if b.Status == "" {
		b.Status = StatusInProgress
	}
	if b.Metadata == nil {
		b.Metadata = JSONMap{}
	}

	const query = `
		INSERT INTO backup_records
			(id, kind, tenant_id, filename, size_bytes, checksum,
			 local_path, r2_path, b2_path, status, compression_ratio,
			 duration_seconds, metadata, created_at, job_id, created_by, notes)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)`
	_, err := s.q.ExecContext(ctx, query,
		b.ID, b.Kind, b.TenantID, b.Filename, b.SizeBytes, b.Checksum,
		b.LocalPath, b.R2Path, b.B2Path, b.Status, b.CompressionRatio,
		b.DurationSeconds, b.Metadata, b.CreatedAt, b.JobID, b.CreatedBy, b.Notes)
	if err != nil {
		return fmt.Errorf("inserting backup record: %w", err)
	}
	return nil
}

// GetBackup fetches one record by id.
func (s *Store) GetBackup(ctx context.Context, id string) (*BackupRecord, error) {
	var b BackupRecord
	err := sqlx.GetContext(ctx, s.q, &b,
		`SELECT * FROM backup_records WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("fetching backup %s: %w", id, err)
	}
	return &b, nil
}

// HasBackupFilename reports whether any record carries the filename. Used
// by WAL archival to skip segments already in the catalog.
func (s *Store) HasBackupFilename(ctx context.Context, filename string) (bool, error) {
	var exists bool
	err := sqlx.GetContext(ctx, s.q, &exists,
		`SELECT EXISTS (SELECT 1 FROM backup_records WHERE filename = $1)`, filename)
	if err != nil {
		return false, fmt.Errorf("checking filename %s: %w", filename, err)
	}
	return exists, nil
}

// MarkBackupCompleted records the artifact's final measurements and moves
// the record from IN_PROGRESS to COMPLETED. Duration is set here, exactly
// once.
func (s *Store) MarkBackupCompleted(ctx context.Context, b *BackupRecord) error {
	const query = `
		UPDATE backup_records SET
			status = $2, size_bytes = $3, checksum = $4,
			local_path = $5, r2_path = $6, b2_path = $7,
			compression_ratio = $8, duration_seconds = $9, metadata = $10
		WHERE id = $1 AND status = $11`
	res, err := s.q.ExecContext(ctx, query,
		b.ID, StatusCompleted, b.SizeBytes, b.Checksum,
		b.LocalPath, b.R2Path, b.B2Path,
		b.CompressionRatio, b.DurationSeconds, b.Metadata, StatusInProgress)
	if err != nil {
		return fmt.Errorf("completing backup %s: %w", b.ID, err)
	}
	return s.transitionOutcome(ctx, res, b.ID, StatusCompleted)
}

// MarkBackupVerified promotes a COMPLETED record after integrity passes.
func (s *Store) MarkBackupVerified(ctx context.Context, id string) error {
	res, err := s.q.ExecContext(ctx,
		`UPDATE backup_records SET status = $2, verified_at = now()
		 WHERE id = $1 AND status = $3`,
		id, StatusVerified, StatusCompleted)
	if err != nil {
		return fmt.Errorf("verifying backup %s: %w", id, err)
	}
	return s.transitionOutcome(ctx, res, id, StatusVerified)
}

// MarkBackupFailed terminates an IN_PROGRESS record with failure notes.
func (s *Store) MarkBackupFailed(ctx context.Context, id, notes string, durationSeconds float64) error {
	res, err := s.q.ExecContext(ctx,
		`UPDATE backup_records SET status = $2, notes = $3, duration_seconds = $4
		 WHERE id = $1 AND status = $5`,
		id, StatusFailed, notes, durationSeconds, StatusInProgress)
	if err != nil {
		return fmt.Errorf("failing backup %s: %w", id, err)
	}
	return s.transitionOutcome(ctx, res, id, StatusFailed)
}

// transitionOutcome distinguishes a missing row from a guarded no-op.
func (s *Store) transitionOutcome(ctx context.Context, res sql.Result, id string, to BackupStatus) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("reading rows affected: %w", err)
	}
	if n == 1 {
		return nil
	}
	current, err := s.GetBackup(ctx, id)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: backup %s is %s, cannot move to %s (allowed from %v)",
		ErrInvalidTransition, id, current.Status, to, allowedFrom[to])
}

// MergeBackupMetadata merges fields into the record's metadata map. Other
// columns are untouched.
func (s *Store) MergeBackupMetadata(ctx context.Context, id string, meta JSONMap) error {
	_, err := s.q.ExecContext(ctx,
		`UPDATE backup_records SET metadata = metadata || $2 WHERE id = $1`,
		id, meta)
	if err != nil {
		return fmt.Errorf("merging metadata on backup %s: %w", id, err)
	}
	return nil
}

// pathColumns maps backend names to the columns cleanup may clear.
var pathColumns = map[string]string{
	"local": "local_path",
	"r2":    "r2_path",
	"b2":    "b2_path",
}

// ClearBackupPath empties one storage path column. Checksum and size are
// never mutated by cleanup.
func (s *Store) ClearBackupPath(ctx context.Context, id, backend string) error {
	col, ok := pathColumns[backend]
	if !ok {
		return fmt.Errorf("unknown backend %q", backend)
	}
	_, err := s.q.ExecContext(ctx,
		fmt.Sprintf(`UPDATE backup_records SET %s = '' WHERE id = $1`, col), id)
	if err != nil {
		return fmt.Errorf("clearing %s path on backup %s: %w", backend, id, err)
	}
	return nil
}

// DeleteBackup removes one record.
func (s *Store) DeleteBackup(ctx context.Context, id string) error {
	_, err := s.q.ExecContext(ctx, `DELETE FROM backup_records WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("deleting backup %s: %w", id, err)
	}
	return nil
}

// DeleteEmptyBackups removes every record whose three path columns are all
// empty and returns how many were removed.
func (s *Store) DeleteEmptyBackups(ctx context.Context) (int64, error) {
	res, err := s.q.ExecContext(ctx,
		`DELETE FROM backup_records
		 WHERE local_path = '' AND r2_path = '' AND b2_path = ''`)
	if err != nil {
		return 0, fmt.Errorf("deleting empty backup records: %w", err)
	}
	return res.RowsAffected()
}

// ListRecentBackups returns COMPLETED or VERIFIED backups of a kind since
// the cutoff, newest first.
func (s *Store) ListRecentBackups(ctx context.Context, kind BackupKind, since time.Time, limit int) ([]BackupRecord, error) {
	var out []BackupRecord
	err := sqlx.SelectContext(ctx, s.q, &out,
		`SELECT * FROM backup_records
		 WHERE kind = $1 AND status IN ($2, $3) AND created_at >= $4
		 ORDER BY created_at DESC
		 LIMIT $5`,
		kind, StatusCompleted, StatusVerified, since, limit)
	if err != nil {
		return nil, fmt.Errorf("listing recent %s backups: %w", kind, err)
	}
	return out, nil
}

// ListBackupsForVerification returns the most recent non-failed backups
// since the cutoff, bounded so the hourly sweep stays cheap.
func (s *Store) ListBackupsForVerification(ctx context.Context, since time.Time, limit int) ([]BackupRecord, error) {
	var out []BackupRecord
	err := sqlx.SelectContext(ctx, s.q, &out,
		`SELECT * FROM backup_records
		 WHERE status IN ($1, $2) AND created_at >= $3
		 ORDER BY created_at DESC
		 LIMIT $4`,
		StatusCompleted, StatusVerified, since, limit)
	if err != nil {
		return nil, fmt.Errorf("listing backups for verification: %w", err)
	}
	return out, nil
}

// BackupAverages aggregates size and duration over the most recent
// same-kind terminated backups, excluding the subject record.
func (s *Store) BackupAverages(ctx context.Context, kind BackupKind, excludeID string, since time.Time, limit int) (*Averages, error) {
	var a Averages
	err := sqlx.GetContext(ctx, s.q, &a,
		`SELECT COUNT(*) AS count,
		        COALESCE(AVG(size_bytes), 0) AS avg_size_bytes,
		        COALESCE(AVG(duration_seconds), 0) AS avg_duration_seconds
		 FROM (
		     SELECT size_bytes, duration_seconds FROM backup_records
		     WHERE kind = $1 AND id <> $2
		       AND status IN ($3, $4) AND created_at >= $5
		     ORDER BY created_at DESC
		     LIMIT $6
		 ) recent`,
		kind, excludeID, StatusCompleted, StatusVerified, since, limit)
	if err != nil {
		return nil, fmt.Errorf("aggregating %s backup baseline: %w", kind, err)
	}
	return &a, nil
}

// RetentionCandidates returns backups created before the cutoff that still
// hold a copy in the named scope ("local", "remote", or "" for any path).
func (s *Store) RetentionCandidates(ctx context.Context, cutoff time.Time, scope string) ([]BackupRecord, error) {
	var pathFilter string
	switch scope {
	case "local":
		pathFilter = `local_path <> ''`
	case "remote":
		pathFilter = `(r2_path <> '' OR b2_path <> '')`
	case "":
		pathFilter = `(local_path <> '' OR r2_path <> '' OR b2_path <> '')`
	default:
		return nil, fmt.Errorf("unknown retention scope %q", scope)
	}
	var out []BackupRecord
	err := sqlx.SelectContext(ctx, s.q, &out,
		`SELECT * FROM backup_records
		 WHERE created_at < $1 AND `+pathFilter+`
		 ORDER BY created_at ASC`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("listing retention candidates: %w", err)
	}
	return out, nil
}

// ListWALOlderThan returns WAL records created before the cutoff.
func (s *Store) ListWALOlderThan(ctx context.Context, cutoff time.Time) ([]BackupRecord, error) {
	var out []BackupRecord
	err := sqlx.SelectContext(ctx, s.q, &out,
		`SELECT * FROM backup_records
		 WHERE kind = $1 AND created_at < $2
		 ORDER BY created_at ASC`,
		KindWAL, cutoff)
	if err != nil {
		return nil, fmt.Errorf("listing old WAL records: %w", err)
	}
	return out, nil
}

// --- RestoreRecord ---

// CreateRestore inserts a new restore attempt.
func (s *Store) CreateRestore(ctx context.Context, r *RestoreRecord) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	if r.Status == "" {
		r.Status = RestoreInProgress
	}
	if r.Metadata == nil {
		r.Metadata = JSONMap{}
	}

	const query = `
		INSERT INTO restore_records
			(id, backup_id, initiator, mode, target_timestamp, status,
			 reason, tenant_ids, rows_restored, duration_seconds,
			 error_message, metadata, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`
	_, err := s.q.ExecContext(ctx, query,
		r.ID, nullIfEmpty(r.BackupID), r.Initiator, r.Mode, r.TargetTimestamp, r.Status,
		r.Reason, r.TenantIDs, r.RowsRestored, r.DurationSeconds,
		r.ErrorMessage, r.Metadata, r.CreatedAt)
	if err != nil {
		return fmt.Errorf("inserting restore record: %w", err)
	}
	return nil
}

// GetRestore fetches one restore attempt by id.
func (s *Store) GetRestore(ctx context.Context, id string) (*RestoreRecord, error) {
	var r RestoreRecord
	err := sqlx.GetContext(ctx, s.q, &r,
		`SELECT * FROM restore_records WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("fetching restore %s: %w", id, err)
	}
	return &r, nil
}

// FinishRestore records the single terminal transition of a restore.
func (s *Store) FinishRestore(ctx context.Context, r *RestoreRecord) error {
	res, err := s.q.ExecContext(ctx,
		`UPDATE restore_records SET
			status = $2, rows_restored = $3, duration_seconds = $4,
			error_message = $5, metadata = $6, completed_at = now()
		 WHERE id = $1 AND status = $7`,
		r.ID, r.Status, r.RowsRestored, r.DurationSeconds,
		r.ErrorMessage, r.Metadata, RestoreInProgress)
	if err != nil {
		return fmt.Errorf("finishing restore %s: %w", r.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("reading rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: restore %s already terminal", ErrInvalidTransition, r.ID)
	}
	return nil
}

// --- Alert ---

// CreateAlert inserts a new alert in ACTIVE status.
func (s *Store) CreateAlert(ctx context.Context, a *Alert) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	if a.Status == "" {
		a.Status = AlertActive
	}
	if a.Details == nil {
		a.Details = JSONMap{}
	}

	const query = `
		INSERT INTO alerts
			(id, kind, severity, message, details, backup_id, restore_id,
			 status, notification_channels, notification_sent_at, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`
	_, err := s.q.ExecContext(ctx, query,
		a.ID, a.Kind, a.Severity, a.Message, a.Details, a.BackupID, a.RestoreID,
		a.Status, a.NotificationChannels, a.NotificationSentAt, a.CreatedAt)
	if err != nil {
		return fmt.Errorf("inserting alert: %w", err)
	}
	return nil
}

// ListActiveAlerts returns ACTIVE alerts, newest first.
func (s *Store) ListActiveAlerts(ctx context.Context) ([]Alert, error) {
	var out []Alert
	err := sqlx.SelectContext(ctx, s.q, &out,
		`SELECT * FROM alerts WHERE status = $1 ORDER BY created_at DESC`,
		AlertActive)
	if err != nil {
		return nil, fmt.Errorf("listing active alerts: %w", err)
	}
	return out, nil
}

// ListAlertsBySeverity returns alerts at one severity, newest first.
func (s *Store) ListAlertsBySeverity(ctx context.Context, severity AlertSeverity) ([]Alert, error) {
	var out []Alert
	err := sqlx.SelectContext(ctx, s.q, &out,
		`SELECT * FROM alerts WHERE severity = $1 ORDER BY created_at DESC`,
		severity)
	if err != nil {
		return nil, fmt.Errorf("listing %s alerts: %w", severity, err)
	}
	return out, nil
}

// CountAlertsSince returns the number of alerts created after the cutoff.
func (s *Store) CountAlertsSince(ctx context.Context, since time.Time) (int64, error) {
	var n int64
	err := sqlx.GetContext(ctx, s.q, &n,
		`SELECT COUNT(*) FROM alerts WHERE created_at >= $1`, since)
	if err != nil {
		return 0, fmt.Errorf("counting recent alerts: %w", err)
	}
	return n, nil
}

// CountAlertsByKindSince groups recent alert counts by kind.
func (s *Store) CountAlertsByKindSince(ctx context.Context, since time.Time) (map[AlertKind]int64, error) {
	rows, err := s.q.QueryxContext(ctx,
		`SELECT kind, COUNT(*) AS count FROM alerts
		 WHERE created_at >= $1 GROUP BY kind`, since)
	if err != nil {
		return nil, fmt.Errorf("counting alerts by kind: %w", err)
	}
	defer rows.Close() //nolint:errcheck // Best effort cleanup

	out := make(map[AlertKind]int64)
	for rows.Next() {
		var kind AlertKind
		var count int64
		if err := rows.Scan(&kind, &count); err != nil {
			return nil, fmt.Errorf("scanning alert count: %w", err)
		}
		out[kind] = count
	}
	return out, rows.Err()
}

// AcknowledgeAlert moves an ACTIVE alert to ACKNOWLEDGED.
func (s *Store) AcknowledgeAlert(ctx context.Context, id string) error {
	return s.updateAlertStatus(ctx, id, AlertAcknowledged, "acknowledged_at", []AlertStatus{AlertActive})
}

// ResolveAlert moves an ACTIVE or ACKNOWLEDGED alert to RESOLVED.
func (s *Store) ResolveAlert(ctx context.Context, id string) error {
	return s.updateAlertStatus(ctx, id, AlertResolved, "resolved_at", []AlertStatus{AlertActive, AlertAcknowledged})
}

func (s *Store) updateAlertStatus(ctx context.Context, id string, to AlertStatus, tsColumn string, from []AlertStatus) error {
	res, err := s.q.ExecContext(ctx,
		fmt.Sprintf(`UPDATE alerts SET status = $2, %s = now()
		 WHERE id = $1 AND status = ANY($3)`, tsColumn),
		id, to, statusStrings(from))
	if err != nil {
		return fmt.Errorf("updating alert %s to %s: %w", id, to, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("reading rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: alert %s cannot move to %s", ErrInvalidTransition, id, to)
	}
	return nil
}

// RecordAlertNotification stores which channels delivered the alert.
func (s *Store) RecordAlertNotification(ctx context.Context, id string, channels []string) error {
	_, err := s.q.ExecContext(ctx,
		`UPDATE alerts SET notification_channels = $2, notification_sent_at = now()
		 WHERE id = $1`,
		id, StringList(channels))
	if err != nil {
		return fmt.Errorf("recording alert notification %s: %w", id, err)
	}
	return nil
}

// PurgeResolvedAlerts deletes RESOLVED alerts older than the cutoff.
func (s *Store) PurgeResolvedAlerts(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.q.ExecContext(ctx,
		`DELETE FROM alerts WHERE status = $1 AND resolved_at < $2`,
		AlertResolved, olderThan)
	if err != nil {
		return 0, fmt.Errorf("purging resolved alerts: %w", err)
	}
	return res.RowsAffected()
}

func statusStrings(in []AlertStatus) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = string(s)
	}
	return out
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
