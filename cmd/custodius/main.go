// Custodius - Multi-Tenant PostgreSQL Backup and Disaster Recovery Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/custodius

package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "custodius",
	Short: "Custodius - multi-tenant PostgreSQL backup and disaster recovery",
	Long: `Custodius produces, stores, verifies, and restores encrypted PostgreSQL
backups for a multi-tenant deployment: daily full dumps, weekly per-tenant
dumps, continuous WAL archiving, and configuration snapshots, fanned out
to local disk plus Cloudflare R2 and Backblaze B2.

Run "custodius serve" for the scheduled pipelines, or trigger individual
pipelines with the subcommands below. All configuration comes from
environment variables or an optional YAML file (see CUSTODIUS_CONFIG).`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Custodius version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))
}
