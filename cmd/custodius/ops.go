// Custodius - Multi-Tenant PostgreSQL Backup and Disaster Recovery Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/custodius

package main

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var drDrillCmd = &cobra.Command{
	Use:   "dr-drill",
	Short: "Execute the disaster-recovery runbook",
	Long: `Execute the full disaster-recovery runbook against the latest verified
backup (or a specific one): validate, download, decrypt, restore, run
integrity checks, restart the application, and wait for health. Step
timings and whether the recovery-time objective was met are recorded on
the restore record.`,
	RunE: runDRDrill,
}

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Verify recent backups across all storage backends",
	Long: `Check that every stored copy of the most recent backups still exists
with the recorded size. Backups with missing or resized copies are
flagged with integrity alerts. Exits non-zero when any backup fails.`,
	RunE: runVerify,
}

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Enforce the retention policy now",
	RunE:  runCleanup,
}

func init() {
	drDrillCmd.Flags().String("backup-id", "", "Backup to recover from; empty picks the latest restorable full backup")
	drDrillCmd.Flags().String("initiator", "cli", "Who initiated the drill")

	rootCmd.AddCommand(drDrillCmd)
	rootCmd.AddCommand(verifyCmd)
	rootCmd.AddCommand(cleanupCmd)
}

func runDRDrill(cmd *cobra.Command, _ []string) error {
	backupID, _ := cmd.Flags().GetString("backup-id")
	initiator, _ := cmd.Flags().GetString("initiator")

	ctx := cmd.Context()
	a, err := buildApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	rec, err := a.orc.RunDisasterRecovery(ctx, backupID, initiator)
	if err != nil {
		return err
	}

	fmt.Printf("disaster recovery %s: %s in %.1fs (rto_met=%v)\n",
		rec.ID, rec.Status, rec.DurationSeconds, rec.Metadata["rto_met"])
	return nil
}

func runVerify(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	a, err := buildApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	report, err := a.orc.RunVerifySweep(ctx, uuid.New().String())
	if err != nil {
		return err
	}
	if report == nil {
		fmt.Println("skipped: another verification run holds the lock")
		return nil
	}

	fmt.Printf("verified %d backups, %d failed\n", report.Checked, report.Failed)
	if report.Failed > 0 {
		return fmt.Errorf("%d of %d backups failed verification", report.Failed, report.Checked)
	}
	return nil
}

func runCleanup(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	a, err := buildApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	report, err := a.orc.RunCleanup(ctx, uuid.New().String())
	if err != nil {
		return err
	}
	if report == nil {
		fmt.Println("skipped: another cleanup run holds the lock")
		return nil
	}

	fmt.Printf("cleanup: %d local copies, %d remote copies, %d records, %d temp files, %d alerts purged\n",
		report.LocalDeleted, report.RemoteDeleted, report.RecordsDeleted,
		report.TempFilesSwept, report.AlertsPurged)
	return nil
}
