// Custodius - Multi-Tenant PostgreSQL Backup and Disaster Recovery Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/custodius

package config

import (
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"

	"github.com/tomtom215/custodius/internal/codec"
)

// Validate checks that required configuration is present and coherent.
// Struct-tag rules run first, then the cross-field checks tags cannot
// express.
func (c *Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := v.Struct(c); err != nil {
		var errs validator.ValidationErrors
		if errors.As(err, &errs) && len(errs) > 0 {
			fe := errs[0]
			return fmt.Errorf("invalid configuration: %s failed %q validation", fe.Namespace(), fe.Tag())
		}
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if err := c.validateEncryptionKey(); err != nil {
		return err
	}
	if err := c.validateStorage(); err != nil {
		return err
	}
	return c.validateThresholds()
}

// validateEncryptionKey confirms the key decodes to 32 bytes before any
// pipeline runs; a bad key discovered mid-backup is far more expensive.
func (c *Config) validateEncryptionKey() error {
	if _, err := codec.ParseKey(c.Backup.EncryptionKey); err != nil {
		return fmt.Errorf("BACKUP_ENCRYPTION_KEY is invalid: %w", err)
	}
	return nil
}

// validateStorage checks remote backend coherence. WAL archiving requires
// at least one remote because the compressed segment on disk is only a
// convenience copy.
func (c *Config) validateStorage() error {
	if c.Storage.R2.Bucket != "" {
		if c.Storage.R2.AccountID == "" {
			return fmt.Errorf("R2_ACCOUNT_ID is required when R2_BUCKET_NAME is set")
		}
		if c.Storage.R2.AccessKeyID == "" || c.Storage.R2.SecretAccessKey == "" {
			return fmt.Errorf("R2_ACCESS_KEY_ID and R2_SECRET_ACCESS_KEY are required when R2_BUCKET_NAME is set")
		}
	}
	if c.Storage.B2.Bucket != "" {
		if c.Storage.B2.Region == "" {
			return fmt.Errorf("B2_REGION is required when B2_BUCKET_NAME is set")
		}
		if c.Storage.B2.AccessKeyID == "" || c.Storage.B2.SecretAccessKey == "" {
			return fmt.Errorf("B2_ACCESS_KEY_ID and B2_SECRET_ACCESS_KEY are required when B2_BUCKET_NAME is set")
		}
	}

	if c.Backup.WALArchiveDir != "" && c.Storage.R2.Bucket == "" && c.Storage.B2.Bucket == "" {
		return fmt.Errorf("WAL archiving requires at least one remote backend (R2 or B2)")
	}
	return nil
}

// validateThresholds rejects inverted threshold pairs.
func (c *Config) validateThresholds() error {
	pairs := []struct {
		name           string
		warn, critical float64
	}{
		{"size", c.Monitor.SizeWarnPct, c.Monitor.SizeCriticalPct},
		{"duration", c.Monitor.DurationWarnPct, c.Monitor.DurationCriticalPct},
		{"capacity", c.Monitor.CapacityWarnPct, c.Monitor.CapacityCriticalPct},
	}
	for _, p := range pairs {
		if p.warn <= 0 || p.critical <= 0 {
			return fmt.Errorf("%s thresholds must be positive", p.name)
		}
		if p.warn >= p.critical {
			return fmt.Errorf("%s warning threshold %.2f must be below the critical threshold %.2f",
				p.name, p.warn, p.critical)
		}
	}
	return nil
}
