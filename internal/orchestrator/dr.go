// Custodius - Multi-Tenant PostgreSQL Backup and Disaster Recovery Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/custodius

package orchestrator

import (
	"context"
	"fmt"
	"net/http"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/tomtom215/custodius/internal/catalog"
	"github.com/tomtom215/custodius/internal/logging"
)

// DR runbook limits.
const (
	drTargetSeconds     = 3600
	healthCheckAttempts = 30
	healthCheckInterval = 10 * time.Second
)

// runOSCommand is the default command runner for the restart step.
func runOSCommand(ctx context.Context, name string, args ...string) error {
	return exec.CommandContext(ctx, name, args...).Run()
}

// RunDisasterRecovery executes the seven-step runbook against the latest
// full backup (or a caller-specified one). Step timings land in the
// RestoreRecord's metadata; the run succeeds when the fatal steps pass and
// the total stays under the RTO target of 3600 s.
func (o *Orchestrator) RunDisasterRecovery(ctx context.Context, backupID, initiator string) (*catalog.RestoreRecord, error) {
	start := o.now()
	timings := map[string]float64{}

	step := func(name string, fn func() error) error {
		stepStart := o.now()
		err := fn()
		timings[name] = o.now().Sub(stepStart).Seconds()
		if err != nil {
			logging.Error().Err(err).Str("step", name).Msg("DR runbook step failed")
		} else {
			logging.Info().Str("step", name).Float64("seconds", timings[name]).Msg("DR runbook step complete")
		}
		return err
	}

	// Step 1: select the backup.
	var rec *catalog.BackupRecord
	if err := step("select_backup", func() error {
		var err error
		rec, err = o.getBackupForRestore(ctx, backupID)
		return err
	}); err != nil {
		return nil, err
	}

	restore := &catalog.RestoreRecord{
		BackupID:  rec.ID,
		Initiator: initiator,
		Mode:      catalog.RestoreFull,
		Reason:    "disaster_recovery",
		Metadata:  catalog.JSONMap{"filename": rec.Filename},
	}
	if err := o.inBypass(ctx, func(c Catalog) error {
		return c.CreateRestore(ctx, restore)
	}); err != nil {
		return nil, err
	}

	err := o.drFatalSteps(ctx, rec, step)
	if err == nil {
		// Steps 5-7 are best effort; the database is already back.
		o.drBestEffortSteps(ctx, step, timings)
	}

	total := o.now().Sub(start).Seconds()
	timings["total"] = total
	restore.DurationSeconds = total
	restore.Metadata["step_timings"] = timings
	restore.Metadata["rto_met"] = err == nil && total < drTargetSeconds

	if err != nil {
		restore.Status = catalog.RestoreFailed
		restore.ErrorMessage = err.Error()
	} else {
		restore.Status = catalog.RestoreCompleted
	}
	if finishErr := o.inBypass(ctx, func(c Catalog) error {
		return c.FinishRestore(ctx, restore)
	}); finishErr != nil {
		logging.Error().Err(finishErr).Str("restore_id", restore.ID).Msg("Failed to finish DR restore record")
	}
	if _, monErr := o.monitor.CheckRestore(ctx, restore); monErr != nil {
		logging.Error().Err(monErr).Str("restore_id", restore.ID).Msg("Monitor hook failed on DR run")
	}

	logging.Info().
		Str("restore_id", restore.ID).
		Float64("total_seconds", total).
		Bool("rto_met", err == nil && total < drTargetSeconds).
		Msg("Disaster recovery runbook finished")
	return restore, err
}

// drFatalSteps runs steps 2-4: download, decrypt, restore. Any failure
// aborts the runbook.
func (o *Orchestrator) drFatalSteps(ctx context.Context, rec *catalog.BackupRecord, step func(string, func() error) error) error {
	tmpDir, cleanup, err := o.makeTempDir("dr")
	if err != nil {
		return err
	}
	defer cleanup()

	encPath := filepath.Join(tmpDir, rec.Filename)
	if err := step("download", func() error {
		return o.downloadArtifact(ctx, rec, encPath)
	}); err != nil {
		return err
	}

	var dumpPath string
	if err := step("decrypt_decompress", func() error {
		var err error
		dumpPath, err = o.codec.DecryptAndDecompress(encPath, "", false)
		return err
	}); err != nil {
		return err
	}

	return step("restore", func() error {
		return o.dumper.Restore(ctx, dumpPath, o.cfg.DB, true)
	})
}

// drBestEffortSteps runs steps 5-7. Failures are recorded, never fatal.
func (o *Orchestrator) drBestEffortSteps(ctx context.Context, step func(string, func() error) error, timings map[string]float64) {
	_ = step("restart_application", func() error { //nolint:errcheck // Non-fatal by design of the runbook
		return o.restartApplication(ctx, timings)
	})
	_ = step("health_check", func() error { //nolint:errcheck // Non-fatal by design of the runbook
		return o.healthCheckLoop(ctx)
	})
	_ = step("traffic_routing", func() error { //nolint:errcheck // Non-fatal by design of the runbook
		// Placeholder for load-balancer automation
		return nil
	})
}

// restartApplication tries the pod orchestrator first, then the container
// runtime. When neither is available the operator has to restart by hand.
func (o *Orchestrator) restartApplication(ctx context.Context, timings map[string]float64) error {
	if o.cfg.K8sNamespace != "" {
		err := o.runCommand(ctx, "kubectl", "-n", o.cfg.K8sNamespace, "rollout", "restart", "deployment")
		if err == nil {
			return nil
		}
		logging.Warn().Err(err).Msg("kubectl restart failed; trying container runtime")
	}
	if err := o.runCommand(ctx, "docker", "restart", "app"); err == nil {
		return nil
	}
	timings["manual_required"] = 1
	logging.Warn().Msg("No restart mechanism available; manual application restart required")
	return fmt.Errorf("manual restart required")
}

// healthCheckLoop polls the configured URL until it answers 2xx.
func (o *Orchestrator) healthCheckLoop(ctx context.Context) error {
	if o.cfg.HealthCheckURL == "" {
		return nil
	}
	client := &http.Client{Timeout: 5 * time.Second}
	for attempt := 1; attempt <= healthCheckAttempts; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.cfg.HealthCheckURL, nil)
		if err != nil {
			return err
		}
		resp, err := client.Do(req)
		if err == nil {
			resp.Body.Close() //nolint:errcheck // Best effort cleanup
			if resp.StatusCode >= 200 && resp.StatusCode < 300 {
				logging.Info().Int("attempt", attempt).Msg("Application healthy")
				return nil
			}
		}
		if attempt < healthCheckAttempts {
			if err := o.sleep(ctx, healthCheckInterval); err != nil {
				return err
			}
		}
	}
	return fmt.Errorf("application not healthy after %d attempts", healthCheckAttempts)
}
