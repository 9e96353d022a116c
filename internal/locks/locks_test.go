// Custodius - Multi-Tenant PostgreSQL Backup and Disaster Recovery Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/custodius

package locks

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestService(t *testing.T) (*Service, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewWithClient(client, Config{}), mr
}

func TestAcquireTaskRunSingleFlight(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	lease, err := svc.AcquireTaskRun(ctx, "full_backup", "run-001")
	require.NoError(t, err)
	require.NotNil(t, lease)

	// A second replica racing for the same run loses
	_, err = svc.AcquireTaskRun(ctx, "full_backup", "run-001")
	assert.ErrorIs(t, err, ErrNotAcquired)

	// A different run of the same task is independent
	other, err := svc.AcquireTaskRun(ctx, "full_backup", "run-002")
	require.NoError(t, err)
	other.Release(ctx)

	lease.Release(ctx)

	// Released lock is acquirable again
	lease, err = svc.AcquireTaskRun(ctx, "full_backup", "run-001")
	require.NoError(t, err)
	lease.Release(ctx)
}

func TestTaskRunLockKey(t *testing.T) {
	ctx := context.Background()
	svc, mr := newTestService(t)

	_, err := svc.AcquireTaskRun(ctx, "wal_archive", "run-42")
	require.NoError(t, err)
	assert.True(t, mr.Exists("backup:wal_archive:lock:run-42"))
}

func TestAcquireTenant(t *testing.T) {
	ctx := context.Background()
	svc, mr := newTestService(t)

	lease, err := svc.AcquireTenant(ctx, "b3b2d3a8-9c39-4d5c-9f1c-8f2f3a4b5c6d", "run-7")
	require.NoError(t, err)

	key := "backup:tenant:b3b2d3a8-9c39-4d5c-9f1c-8f2f3a4b5c6d:in_progress"
	assert.True(t, mr.Exists(key))
	val, err := mr.Get(key)
	require.NoError(t, err)
	assert.Equal(t, "run-7", val, "lock value records the owning run")

	held, holder, err := svc.TenantInProgress(ctx, "b3b2d3a8-9c39-4d5c-9f1c-8f2f3a4b5c6d")
	require.NoError(t, err)
	assert.True(t, held)
	assert.Equal(t, "run-7", holder)

	_, err = svc.AcquireTenant(ctx, "b3b2d3a8-9c39-4d5c-9f1c-8f2f3a4b5c6d", "run-8")
	assert.ErrorIs(t, err, ErrNotAcquired)

	lease.Release(ctx)
	held, _, err = svc.TenantInProgress(ctx, "b3b2d3a8-9c39-4d5c-9f1c-8f2f3a4b5c6d")
	require.NoError(t, err)
	assert.False(t, held)
}

func TestTenantLockTTLExpiry(t *testing.T) {
	ctx := context.Background()
	svc, mr := newTestService(t)

	_, err := svc.AcquireTenant(ctx, "tenant-a", "run-1")
	require.NoError(t, err)

	// Crash scenario: holder never releases, TTL expires the lock
	mr.FastForward(DefaultTenantTTL + time.Second)

	lease, err := svc.AcquireTenant(ctx, "tenant-a", "run-2")
	require.NoError(t, err)
	lease.Release(ctx)
}

func TestReleaseBestEffort(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	svc := NewWithClient(client, Config{})

	lease, err := svc.AcquireTaskRun(ctx, "cleanup", "run-1")
	require.NoError(t, err)

	// Redis goes away before release; the lock service must not panic
	mr.Close()
	client.Close()
	lease.Release(ctx)
}

func TestTenantInProgressAbsent(t *testing.T) {
	svc, _ := newTestService(t)

	held, holder, err := svc.TenantInProgress(context.Background(), "never-locked")
	require.NoError(t, err)
	assert.False(t, held)
	assert.Empty(t, holder)
}

func TestConfigTTLOverrides(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	svc := NewWithClient(client, Config{TaskTTL: time.Minute, TenantTTL: 5 * time.Minute})
	assert.Equal(t, time.Minute, svc.taskTTL)
	assert.Equal(t, 5*time.Minute, svc.tenantTTL)

	svc = NewWithClient(client, Config{})
	assert.Equal(t, DefaultTaskTTL, svc.taskTTL)
	assert.Equal(t, DefaultTenantTTL, svc.tenantTTL)
}
