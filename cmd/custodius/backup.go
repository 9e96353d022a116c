// Custodius - Multi-Tenant PostgreSQL Backup and Disaster Recovery Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/custodius

package main

import (
	"fmt"
	"os"
	"os/exec"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var triggerBackupCmd = &cobra.Command{
	Use:   "trigger-backup",
	Short: "Run a backup pipeline once",
	Long: `Run one backup pipeline outside the schedule. The run competes for the
same task-run lock as the scheduled pipelines, so a manual trigger while
the scheduled run is in flight is skipped, not doubled.

Exit code 0 means the pipeline completed (or was skipped due to lock
contention); non-zero means it failed after exhausting retries.`,
	RunE: runTriggerBackup,
}

func init() {
	triggerBackupCmd.Flags().String("type", "full", "Backup type: full, tenant, or config")
	triggerBackupCmd.Flags().String("tenant-id", "", "Back up a single tenant (type=tenant); empty backs up all active tenants")
	triggerBackupCmd.Flags().Bool("async", false, "Print the run id and detach; the outcome lands in the catalog and alerts")
	triggerBackupCmd.Flags().String("run-id", "", "Run id to use instead of a generated one")
	_ = triggerBackupCmd.Flags().MarkHidden("run-id")

	rootCmd.AddCommand(triggerBackupCmd)
}

func runTriggerBackup(cmd *cobra.Command, _ []string) error {
	kind, _ := cmd.Flags().GetString("type")
	tenantID, _ := cmd.Flags().GetString("tenant-id")
	async, _ := cmd.Flags().GetBool("async")

	if kind != "full" && kind != "tenant" && kind != "config" {
		return fmt.Errorf("unknown backup type %q (want full, tenant, or config)", kind)
	}
	if tenantID != "" && kind != "tenant" {
		return fmt.Errorf("--tenant-id only applies to --type=tenant")
	}

	runID, _ := cmd.Flags().GetString("run-id")
	if runID == "" {
		runID = uuid.New().String()
	}

	if async {
		return detachBackup(kind, tenantID, runID)
	}

	ctx := cmd.Context()
	a, err := buildApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	fmt.Println(runID)

	switch kind {
	case "full":
		_, err = a.orc.RunFullBackup(ctx, runID)
	case "tenant":
		var tenants []string
		if tenantID != "" {
			tenants = []string{tenantID}
		}
		_, err = a.orc.RunTenantBackups(ctx, runID, tenants)
	case "config":
		_, err = a.orc.RunConfigBackup(ctx, runID)
	}
	return err
}

// detachBackup re-executes the same trigger without --async as a released
// child process, so the caller gets its prompt back while the pipeline
// runs to completion.
func detachBackup(kind, tenantID, runID string) error {
	args := []string{"trigger-backup", "--type", kind, "--run-id", runID}
	if tenantID != "" {
		args = append(args, "--tenant-id", tenantID)
	}

	child := exec.Command(os.Args[0], args...) //nolint:gosec // G204: re-exec of own binary
	child.Stderr = os.Stderr
	if err := child.Start(); err != nil {
		return fmt.Errorf("starting detached backup: %w", err)
	}
	fmt.Println(runID)
	return child.Process.Release()
}
