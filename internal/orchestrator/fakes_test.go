// Custodius - Multi-Tenant PostgreSQL Backup and Disaster Recovery Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/custodius

package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/tomtom215/custodius/internal/catalog"
	"github.com/tomtom215/custodius/internal/dump"
	"github.com/tomtom215/custodius/internal/locks"
	"github.com/tomtom215/custodius/internal/storage"
)

// fakeCatalog is an in-memory catalog implementing both the orchestrator's
// Catalog interface and the monitor's catalog surface.
type fakeCatalog struct {
	mu       sync.Mutex
	backups  map[string]*catalog.BackupRecord
	restores map[string]*catalog.RestoreRecord
	alerts   []*catalog.Alert
	baseline catalog.Averages
	nextID   int
}

func newFakeCatalog() *fakeCatalog {
	return &fakeCatalog{
		backups:  make(map[string]*catalog.BackupRecord),
		restores: make(map[string]*catalog.RestoreRecord),
	}
}

func (f *fakeCatalog) id(prefix string) string {
	f.nextID++
	return fmt.Sprintf("%s-%d", prefix, f.nextID)
}

func (f *fakeCatalog) CreateBackup(_ context.Context, b *catalog.BackupRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if b.ID == "" {
		b.ID = f.id("backup")
	}
	if b.CreatedAt.IsZero() {
		b.CreatedAt = time.Now().UTC()
	}
	if b.Status == "" {
		b.Status = catalog.StatusInProgress
	}
	if b.Metadata == nil {
		b.Metadata = catalog.JSONMap{}
	}
	clone := *b
	f.backups[b.ID] = &clone
	return nil
}

func (f *fakeCatalog) GetBackup(_ context.Context, id string) (*catalog.BackupRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.backups[id]
	if !ok {
		return nil, catalog.ErrRecordNotFound
	}
	clone := *b
	return &clone, nil
}

func (f *fakeCatalog) HasBackupFilename(_ context.Context, filename string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, b := range f.backups {
		if b.Filename == filename {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeCatalog) MarkBackupCompleted(_ context.Context, b *catalog.BackupRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	stored, ok := f.backups[b.ID]
	if !ok {
		return catalog.ErrRecordNotFound
	}
	if stored.Status != catalog.StatusInProgress {
		return catalog.ErrInvalidTransition
	}
	stored.Status = catalog.StatusCompleted
	stored.SizeBytes = b.SizeBytes
	stored.Checksum = b.Checksum
	stored.LocalPath = b.LocalPath
	stored.R2Path = b.R2Path
	stored.B2Path = b.B2Path
	stored.CompressionRatio = b.CompressionRatio
	stored.DurationSeconds = b.DurationSeconds
	stored.Metadata = b.Metadata
	return nil
}

func (f *fakeCatalog) MarkBackupVerified(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	stored, ok := f.backups[id]
	if !ok {
		return catalog.ErrRecordNotFound
	}
	if stored.Status != catalog.StatusCompleted {
		return catalog.ErrInvalidTransition
	}
	stored.Status = catalog.StatusVerified
	now := time.Now().UTC()
	stored.VerifiedAt = &now
	return nil
}

func (f *fakeCatalog) MarkBackupFailed(_ context.Context, id, notes string, duration float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	stored, ok := f.backups[id]
	if !ok {
		return catalog.ErrRecordNotFound
	}
	if stored.Status != catalog.StatusInProgress {
		return catalog.ErrInvalidTransition
	}
	stored.Status = catalog.StatusFailed
	stored.Notes = notes
	stored.DurationSeconds = duration
	return nil
}

func (f *fakeCatalog) MergeBackupMetadata(_ context.Context, id string, meta catalog.JSONMap) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	stored, ok := f.backups[id]
	if !ok {
		return catalog.ErrRecordNotFound
	}
	if stored.Metadata == nil {
		stored.Metadata = catalog.JSONMap{}
	}
	for k, v := range meta {
		stored.Metadata[k] = v
	}
	return nil
}

func (f *fakeCatalog) ClearBackupPath(_ context.Context, id, backend string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	stored, ok := f.backups[id]
	if !ok {
		return catalog.ErrRecordNotFound
	}
	switch backend {
	case "local":
		stored.LocalPath = ""
	case "r2":
		stored.R2Path = ""
	case "b2":
		stored.B2Path = ""
	default:
		return fmt.Errorf("unknown backend %q", backend)
	}
	return nil
}

func (f *fakeCatalog) DeleteBackup(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.backups, id)
	return nil
}

func (f *fakeCatalog) DeleteEmptyBackups(context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for id, b := range f.backups {
		if b.LocalPath == "" && b.R2Path == "" && b.B2Path == "" {
			delete(f.backups, id)
			n++
		}
	}
	return n, nil
}

func (f *fakeCatalog) ListRecentBackups(_ context.Context, kind catalog.BackupKind, since time.Time, limit int) ([]catalog.BackupRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []catalog.BackupRecord
	for _, b := range f.backups {
		if b.Kind == kind && !b.CreatedAt.Before(since) &&
			(b.Status == catalog.StatusCompleted || b.Status == catalog.StatusVerified) {
			out = append(out, *b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeCatalog) ListBackupsForVerification(_ context.Context, since time.Time, limit int) ([]catalog.BackupRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []catalog.BackupRecord
	for _, b := range f.backups {
		if !b.CreatedAt.Before(since) &&
			(b.Status == catalog.StatusCompleted || b.Status == catalog.StatusVerified) {
			out = append(out, *b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeCatalog) RetentionCandidates(_ context.Context, cutoff time.Time, scope string) ([]catalog.BackupRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []catalog.BackupRecord
	for _, b := range f.backups {
		if !b.CreatedAt.Before(cutoff) {
			continue
		}
		switch scope {
		case "local":
			if b.LocalPath != "" {
				out = append(out, *b)
			}
		case "remote":
			if b.R2Path != "" || b.B2Path != "" {
				out = append(out, *b)
			}
		default:
			if b.PathCount() > 0 {
				out = append(out, *b)
			}
		}
	}
	return out, nil
}

func (f *fakeCatalog) ListWALOlderThan(_ context.Context, cutoff time.Time) ([]catalog.BackupRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []catalog.BackupRecord
	for _, b := range f.backups {
		if b.Kind == catalog.KindWAL && b.CreatedAt.Before(cutoff) {
			out = append(out, *b)
		}
	}
	return out, nil
}

func (f *fakeCatalog) CreateRestore(_ context.Context, r *catalog.RestoreRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if r.ID == "" {
		r.ID = f.id("restore")
	}
	if r.Status == "" {
		r.Status = catalog.RestoreInProgress
	}
	clone := *r
	f.restores[r.ID] = &clone
	return nil
}

func (f *fakeCatalog) FinishRestore(_ context.Context, r *catalog.RestoreRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	stored, ok := f.restores[r.ID]
	if !ok {
		return catalog.ErrRecordNotFound
	}
	if stored.Status != catalog.RestoreInProgress {
		return catalog.ErrInvalidTransition
	}
	clone := *r
	f.restores[r.ID] = &clone
	return nil
}

func (f *fakeCatalog) CreateAlert(_ context.Context, a *catalog.Alert) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if a.ID == "" {
		a.ID = f.id("alert")
	}
	if a.Status == "" {
		a.Status = catalog.AlertActive
	}
	clone := *a
	f.alerts = append(f.alerts, &clone)
	return nil
}

func (f *fakeCatalog) PurgeResolvedAlerts(context.Context, time.Time) (int64, error) {
	return 0, nil
}

func (f *fakeCatalog) Bypass(_ context.Context, fn func(Catalog) error) error {
	return fn(f)
}

// Monitor catalog surface.

func (f *fakeCatalog) BackupAverages(context.Context, catalog.BackupKind, string, time.Time, int) (*catalog.Averages, error) {
	b := f.baseline
	return &b, nil
}

func (f *fakeCatalog) RecordAlertNotification(_ context.Context, id string, channels []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, a := range f.alerts {
		if a.ID == id {
			a.NotificationChannels = channels
		}
	}
	return nil
}

func (f *fakeCatalog) alertsOfKind(kind catalog.AlertKind) []*catalog.Alert {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*catalog.Alert
	for _, a := range f.alerts {
		if a.Kind == kind {
			out = append(out, a)
		}
	}
	return out
}

// fakeRemote is an in-memory storage.Backend.
type fakeRemote struct {
	mu      sync.Mutex
	name    string
	objects map[string][]byte
	fail    bool
}

func newFakeRemote(name string) *fakeRemote {
	return &fakeRemote{name: name, objects: make(map[string][]byte)}
}

func (f *fakeRemote) Name() string { return f.name }

func (f *fakeRemote) Upload(_ context.Context, localPath, remotePath string) bool {
	if f.fail {
		return false
	}
	data, err := os.ReadFile(localPath)
	if err != nil {
		return false
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[remotePath] = data
	return true
}

func (f *fakeRemote) Download(_ context.Context, remotePath, localPath string) bool {
	if f.fail {
		return false
	}
	f.mu.Lock()
	data, ok := f.objects[remotePath]
	f.mu.Unlock()
	if !ok {
		return false
	}
	return os.WriteFile(localPath, data, 0o640) == nil
}

func (f *fakeRemote) Exists(_ context.Context, remotePath string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.objects[remotePath]
	return ok && !f.fail
}

func (f *fakeRemote) Delete(_ context.Context, remotePath string) bool {
	if f.fail {
		return false
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, remotePath)
	return true
}

func (f *fakeRemote) GetSize(_ context.Context, remotePath string) (int64, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[remotePath]
	if !ok || f.fail {
		return 0, false
	}
	return int64(len(data)), true
}

func (f *fakeRemote) GetStorageUsage(context.Context) (storage.Usage, bool) {
	return storage.Usage{}, false
}

// failingLocal refuses every upload, simulating a dead local disk.
type failingLocal struct{ *fakeRemote }

func newFailingLocal() failingLocal {
	return failingLocal{newFakeRemote(storage.NameLocal)}
}

func (f failingLocal) Upload(context.Context, string, string) bool { return false }

// fakeLocker grants everything unless a key is pre-claimed.
type fakeLocker struct {
	mu      sync.Mutex
	claimed map[string]bool
}

func newFakeLocker() *fakeLocker {
	return &fakeLocker{claimed: make(map[string]bool)}
}

type fakeLease struct{}

func (fakeLease) Release(context.Context) {}

func (f *fakeLocker) AcquireTaskRun(_ context.Context, task, runID string) (Lease, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := task + ":" + runID
	if f.claimed[key] {
		return nil, locks.ErrNotAcquired
	}
	return fakeLease{}, nil
}

func (f *fakeLocker) AcquireTenant(_ context.Context, tenantID, _ string) (Lease, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.claimed["tenant:"+tenantID] {
		return nil, locks.ErrNotAcquired
	}
	return fakeLease{}, nil
}

// fakeDumper writes deterministic SQL text instead of shelling out.
type fakeDumper struct {
	dumpContent     string
	failDump        bool
	restored        []string
	restoredContent []string
	restoreClean    []bool
}

func (f *fakeDumper) FullDump(_ context.Context, outPath string, _ dump.DBConfig) error {
	if f.failDump {
		return &dump.DumpError{Err: errors.New("simulated dump failure")}
	}
	return os.WriteFile(outPath, []byte(f.dumpContent), 0o640)
}

func (f *fakeDumper) TenantDump(_ context.Context, outPath, tenantID string, _ dump.DBConfig) error {
	if f.failDump {
		return &dump.DumpError{Err: errors.New("simulated dump failure")}
	}
	content := fmt.Sprintf("SET app.current_tenant = '%s';\n%s", tenantID, f.dumpContent)
	return os.WriteFile(outPath, []byte(content), 0o640)
}

func (f *fakeDumper) Restore(_ context.Context, dumpPath string, _ dump.DBConfig, clean bool) error {
	f.restored = append(f.restored, dumpPath)
	f.restoreClean = append(f.restoreClean, clean)
	// Capture the content now; the temp dir is gone once the pipeline returns.
	data, err := os.ReadFile(dumpPath)
	if err != nil {
		return err
	}
	f.restoredContent = append(f.restoredContent, string(data))
	return nil
}

// fakeAdmin records throwaway database lifecycle calls.
type fakeAdmin struct {
	created []string
	dropped []string
	rows    int64
}

func (f *fakeAdmin) CreateDatabase(_ context.Context, name string) error {
	f.created = append(f.created, name)
	return nil
}

func (f *fakeAdmin) DropDatabase(_ context.Context, name string) error {
	f.dropped = append(f.dropped, name)
	return nil
}

func (f *fakeAdmin) RunIntegrityChecks(context.Context, string, []string) (int64, []string, error) {
	return f.rows, nil, nil
}

type fakeTenants struct{ ids []string }

func (f *fakeTenants) ActiveTenants(context.Context) ([]string, error) { return f.ids, nil }
