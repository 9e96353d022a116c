// Custodius - Multi-Tenant PostgreSQL Backup and Disaster Recovery Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/custodius

// Package storage provides the uniform backup storage backend contract and
// its three implementations: local filesystem, Cloudflare R2, and
// Backblaze B2 (both via the S3 API).
//
// Backends are deliberately forgiving: transient failures are logged and
// converted to boolean outcomes so the orchestrator decides the fallback
// policy (mandatory-local rule, reduced redundancy, retry). Backends never
// panic and never propagate provider errors to callers.
package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Well-known backend names accepted by the factory (case-insensitive).
const (
	NameLocal = "local"
	NameR2    = "r2"
	NameB2    = "b2"
)

// ErrUnknownBackend indicates a backend name the factory does not know.
var ErrUnknownBackend = errors.New("unknown storage backend")

// Usage describes capacity and consumption of a backend.
type Usage struct {
	TotalBytes     int64 `json:"total_bytes"`
	UsedBytes      int64 `json:"used_bytes"`
	AvailableBytes int64 `json:"available_bytes"`
}

// Backend is the uniform storage contract. All operations are synchronous,
// context-aware, and report success as a boolean; they log their own
// failures. Delete of a non-existent object is success (idempotent).
type Backend interface {
	// Name returns the symbolic backend name ("local", "r2", "b2").
	Name() string

	// Upload copies localPath to remotePath, creating parent
	// directories or key prefixes on demand.
	Upload(ctx context.Context, localPath, remotePath string) bool

	// Download copies remotePath to localPath, creating local parent
	// directories on demand.
	Download(ctx context.Context, remotePath, localPath string) bool

	// Exists reports whether remotePath exists.
	Exists(ctx context.Context, remotePath string) bool

	// Delete removes remotePath. Deleting an absent object is success.
	Delete(ctx context.Context, remotePath string) bool

	// GetSize returns the object size, or false if unknown or absent.
	GetSize(ctx context.Context, remotePath string) (int64, bool)

	// GetStorageUsage returns capacity information, or false when the
	// backend cannot report it.
	GetStorageUsage(ctx context.Context) (Usage, bool)
}

// Config carries the settings for all three backends.
type Config struct {
	// LocalBasePath is the root directory of the local backend.
	LocalBasePath string

	R2 S3Config
	B2 S3Config
}

// S3Config configures one S3-compatible backend.
type S3Config struct {
	// Endpoint is the service URL. Derived from AccountID for R2 and
	// from Region for B2 when empty.
	Endpoint string

	AccountID string // R2 only
	Region    string // B2 only; R2 uses "auto"

	Bucket          string
	AccessKeyID     string
	SecretAccessKey string

	// QuotaBytes is the operator-configured capacity used for usage
	// reporting; 0 means usage is not reported.
	QuotaBytes int64
}

// Factory resolves symbolic backend names to configured instances.
type Factory struct {
	backends map[string]Backend
}

// NewFactory builds the three configured backends. Backends with missing
// configuration are omitted; resolving them later fails with
// ErrUnknownBackend.
func NewFactory(cfg Config) (*Factory, error) {
	f := &Factory{backends: make(map[string]Backend, 3)}

	if cfg.LocalBasePath != "" {
		local, err := NewLocal(cfg.LocalBasePath)
		if err != nil {
			return nil, err
		}
		f.backends[NameLocal] = local
	}

	if cfg.R2.Bucket != "" {
		f.backends[NameR2] = NewR2(cfg.R2)
	}
	if cfg.B2.Bucket != "" {
		f.backends[NameB2] = NewB2(cfg.B2)
	}

	return f, nil
}

// Get resolves a backend by name, case-insensitive.
func (f *Factory) Get(name string) (Backend, error) {
	backend, ok := f.backends[strings.ToLower(name)]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, name)
	}
	return backend, nil
}

// All returns every configured backend keyed by name.
func (f *Factory) All() map[string]Backend {
	out := make(map[string]Backend, len(f.backends))
	for name, b := range f.backends {
		out[name] = b
	}
	return out
}

// Remotes returns the configured non-local backends keyed by name.
func (f *Factory) Remotes() map[string]Backend {
	out := make(map[string]Backend, 2)
	for name, b := range f.backends {
		if name != NameLocal {
			out[name] = b
		}
	}
	return out
}
