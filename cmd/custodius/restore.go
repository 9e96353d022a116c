// Custodius - Multi-Tenant PostgreSQL Backup and Disaster Recovery Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/custodius

package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tomtom215/custodius/internal/catalog"
	"github.com/tomtom215/custodius/internal/orchestrator"
)

var restoreCmd = &cobra.Command{
	Use:   "restore",
	Short: "Restore a backup into the application database",
	Long: `Restore a verified backup into the application database. Without
--backup-id the most recent restorable full backup is used. FULL mode
drops and recreates objects before loading; MERGE loads on top of the
existing schema. PITR is not available; WAL segments are archived for
manual replay only.`,
	RunE: runRestore,
}

func init() {
	restoreCmd.Flags().String("backup-id", "", "Backup to restore; empty picks the latest restorable full backup")
	restoreCmd.Flags().String("mode", "full", "Restore mode: full or merge")
	restoreCmd.Flags().String("reason", "manual_restore", "Why this restore is happening (recorded in the catalog)")
	restoreCmd.Flags().String("initiator", "cli", "Who initiated the restore")
	restoreCmd.Flags().StringSlice("tenant-id", nil, "Restrict the restore to these tenants (recorded; dump scope still applies)")

	rootCmd.AddCommand(restoreCmd)
}

func runRestore(cmd *cobra.Command, _ []string) error {
	backupID, _ := cmd.Flags().GetString("backup-id")
	mode, _ := cmd.Flags().GetString("mode")
	reason, _ := cmd.Flags().GetString("reason")
	initiator, _ := cmd.Flags().GetString("initiator")
	tenantIDs, _ := cmd.Flags().GetStringSlice("tenant-id")

	mode = strings.ToLower(mode)
	if mode != "full" && mode != "merge" && mode != "pitr" {
		return fmt.Errorf("unknown restore mode %q (want full, merge, or pitr)", mode)
	}

	ctx := cmd.Context()
	a, err := buildApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	rec, err := a.orc.RunRestore(ctx, orchestrator.RestoreRequest{
		BackupID:  backupID,
		Mode:      catalog.RestoreMode(strings.ToUpper(mode)),
		Initiator: initiator,
		Reason:    reason,
		TenantIDs: tenantIDs,
	})
	if err != nil {
		return err
	}

	fmt.Printf("restore %s: %s (backup %s, %.1fs)\n",
		rec.ID, rec.Status, rec.BackupID, rec.DurationSeconds)
	return nil
}
