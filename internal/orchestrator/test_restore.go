// Custodius - Multi-Tenant PostgreSQL Backup and Disaster Recovery Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/custodius

package orchestrator

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/tomtom215/custodius/internal/catalog"
	"github.com/tomtom215/custodius/internal/logging"
)

// RunTestRestore is the monthly drill: restore a random recent full backup
// into a throwaway database, run integrity queries, and drop the database
// whatever happens. No retries; next month tries again.
func (o *Orchestrator) RunTestRestore(ctx context.Context, runID string) (*catalog.RestoreRecord, error) {
	var restore *catalog.RestoreRecord
	start := o.now()
	err := o.withTaskLock(ctx, TaskTestRestore, runID, func() error {
		var err error
		restore, err = o.testRestoreOnce(ctx, runID)
		return err
	})
	recordRun(TaskTestRestore, err, o.now().Sub(start).Seconds())
	return restore, err
}

func (o *Orchestrator) testRestoreOnce(ctx context.Context, runID string) (*catalog.RestoreRecord, error) {
	if o.admin == nil {
		return nil, fmt.Errorf("no database admin configured for test restore")
	}

	var candidates []catalog.BackupRecord
	if err := o.inBypass(ctx, func(c Catalog) error {
		var err error
		candidates, err = c.ListRecentBackups(ctx, catalog.KindFullDB,
			o.now().Add(-7*24*time.Hour), 50)
		return err
	}); err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, fmt.Errorf("no full backup from the last 7 days to drill against")
	}
	rec := &candidates[rand.IntN(len(candidates))]

	restore := &catalog.RestoreRecord{
		BackupID:  rec.ID,
		Initiator: "scheduler",
		Mode:      catalog.RestoreFull,
		Reason:    "monthly_test_restore",
		Metadata:  catalog.JSONMap{"filename": rec.Filename, "job_id": runID},
	}
	if err := o.inBypass(ctx, func(c Catalog) error {
		return c.CreateRestore(ctx, restore)
	}); err != nil {
		return nil, err
	}

	start := o.now()
	throwaway := fmt.Sprintf("custodius_test_restore_%s", start.Format("20060102_150405"))

	rows, problems, err := o.runDrill(ctx, rec, throwaway)
	restore.DurationSeconds = o.now().Sub(start).Seconds()
	restore.RowsRestored = rows

	if err != nil {
		restore.Status = catalog.RestoreFailed
		restore.ErrorMessage = err.Error()
	} else if len(problems) > 0 {
		restore.Status = catalog.RestoreFailed
		restore.ErrorMessage = fmt.Sprintf("integrity checks failed: %v", problems)
		restore.Metadata["integrity_problems"] = problems
	} else {
		restore.Status = catalog.RestoreCompleted
	}

	if finishErr := o.inBypass(ctx, func(c Catalog) error {
		return c.FinishRestore(ctx, restore)
	}); finishErr != nil {
		logging.Error().Err(finishErr).Str("restore_id", restore.ID).Msg("Failed to finish test restore record")
	}
	if _, monErr := o.monitor.CheckRestore(ctx, restore); monErr != nil {
		logging.Error().Err(monErr).Str("restore_id", restore.ID).Msg("Monitor hook failed on test restore")
	}

	logging.Info().
		Str("restore_id", restore.ID).
		Str("backup_id", rec.ID).
		Str("status", string(restore.Status)).
		Int64("rows", rows).
		Msg("Monthly test restore complete")
	return restore, err
}

// runDrill creates the throwaway database, restores into it, and checks
// integrity. The database is dropped on every exit path.
func (o *Orchestrator) runDrill(ctx context.Context, rec *catalog.BackupRecord, throwaway string) (int64, []string, error) {
	if err := o.admin.CreateDatabase(ctx, throwaway); err != nil {
		return 0, nil, err
	}
	defer func() {
		dropCtx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if err := o.admin.DropDatabase(dropCtx, throwaway); err != nil {
			logging.Error().Err(err).Str("database", throwaway).Msg("Failed to drop throwaway database")
		}
	}()

	if err := o.restoreInto(ctx, rec, throwaway, false); err != nil {
		return 0, nil, err
	}
	return o.admin.RunIntegrityChecks(ctx, throwaway, o.cfg.IntegrityTables)
}
