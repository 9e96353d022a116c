// Custodius - Multi-Tenant PostgreSQL Backup and Disaster Recovery Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/custodius

package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tomtom215/custodius/internal/catalog"
	"github.com/tomtom215/custodius/internal/orchestrator"
)

func TestDailyAt(t *testing.T) {
	loc := time.UTC

	// Before today's slot: fires today.
	now := time.Date(2026, 8, 24, 1, 30, 0, 0, loc)
	next := DailyAt(2)(now)
	assert.Equal(t, time.Date(2026, 8, 24, 2, 0, 0, 0, loc), next)

	// After today's slot: fires tomorrow.
	now = time.Date(2026, 8, 24, 2, 0, 1, 0, loc)
	next = DailyAt(2)(now)
	assert.Equal(t, time.Date(2026, 8, 25, 2, 0, 0, 0, loc), next)

	// Exactly at the slot: strictly after, so tomorrow.
	now = time.Date(2026, 8, 24, 2, 0, 0, 0, loc)
	next = DailyAt(2)(now)
	assert.Equal(t, time.Date(2026, 8, 25, 2, 0, 0, 0, loc), next)
}

func TestWeeklyAt(t *testing.T) {
	loc := time.UTC

	// 2026-08-24 is a Monday.
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, loc)

	next := WeeklyAt(time.Sunday, 2)(now)
	assert.Equal(t, time.Date(2026, 8, 30, 2, 0, 0, 0, loc), next)
	assert.Equal(t, time.Sunday, next.Weekday())

	// Same weekday, slot already passed: next week.
	next = WeeklyAt(time.Monday, 2)(now)
	assert.Equal(t, time.Date(2026, 8, 31, 2, 0, 0, 0, loc), next)

	// Same weekday, slot still ahead: today.
	now = time.Date(2026, 8, 24, 1, 0, 0, 0, loc)
	next = WeeklyAt(time.Monday, 2)(now)
	assert.Equal(t, time.Date(2026, 8, 24, 2, 0, 0, 0, loc), next)
}

func TestMonthlyAt(t *testing.T) {
	loc := time.UTC

	now := time.Date(2026, 8, 24, 12, 0, 0, 0, loc)
	next := MonthlyAt(1, 2)(now)
	assert.Equal(t, time.Date(2026, 9, 1, 2, 0, 0, 0, loc), next)

	now = time.Date(2026, 8, 1, 1, 0, 0, 0, loc)
	next = MonthlyAt(1, 2)(now)
	assert.Equal(t, time.Date(2026, 8, 1, 2, 0, 0, 0, loc), next)

	// December rolls into January.
	now = time.Date(2026, 12, 15, 0, 0, 0, 0, loc)
	next = MonthlyAt(1, 2)(now)
	assert.Equal(t, time.Date(2027, 1, 1, 2, 0, 0, 0, loc), next)
}

func TestEvery(t *testing.T) {
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	assert.Equal(t, now.Add(5*time.Minute), Every(5*time.Minute)(now))
}

func TestJobServiceFiresAndSurvivesErrors(t *testing.T) {
	var mu sync.Mutex
	var runIDs []string

	job := newJobService("test", Every(5*time.Millisecond), func(_ context.Context, runID string) error {
		mu.Lock()
		runIDs = append(runIDs, runID)
		mu.Unlock()
		return errors.New("pipeline failed")
	})

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	err := job.Serve(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	mu.Lock()
	defer mu.Unlock()
	// Errors never stop the schedule; the job fired repeatedly.
	require.GreaterOrEqual(t, len(runIDs), 2)
	assert.NotEqual(t, runIDs[0], runIDs[1])
}

func TestJobServiceStopsOnCancel(t *testing.T) {
	job := newJobService("test", Every(time.Hour), func(context.Context, string) error {
		t.Fatal("job must not fire")
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := job.Serve(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

// fakePipelines counts scheduler invocations per task.
type fakePipelines struct {
	mu    sync.Mutex
	calls map[string]int
}

func newFakePipelines() *fakePipelines {
	return &fakePipelines{calls: make(map[string]int)}
}

func (f *fakePipelines) bump(task string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[task]++
}

func (f *fakePipelines) RunFullBackup(_ context.Context, _ string) (string, error) {
	f.bump(orchestrator.TaskFullBackup)
	return "", nil
}

func (f *fakePipelines) RunTenantBackups(_ context.Context, _ string, _ []string) ([]string, error) {
	f.bump(orchestrator.TaskTenantBackup)
	return nil, nil
}

func (f *fakePipelines) RunWALArchive(_ context.Context, _ string) (int, error) {
	f.bump(orchestrator.TaskWALArchive)
	return 0, nil
}

func (f *fakePipelines) RunConfigBackup(_ context.Context, _ string) (string, error) {
	f.bump(orchestrator.TaskConfigBackup)
	return "", nil
}

func (f *fakePipelines) RunCleanup(_ context.Context, _ string) (*orchestrator.CleanupReport, error) {
	f.bump(orchestrator.TaskCleanup)
	return &orchestrator.CleanupReport{}, nil
}

func (f *fakePipelines) RunVerifySweep(_ context.Context, _ string) (*orchestrator.VerifyReport, error) {
	f.bump(orchestrator.TaskVerify)
	return &orchestrator.VerifyReport{}, nil
}

func (f *fakePipelines) RunTestRestore(_ context.Context, _ string) (*catalog.RestoreRecord, error) {
	f.bump(orchestrator.TaskTestRestore)
	return &catalog.RestoreRecord{}, nil
}

func TestSchedulerDrivesIntervalPipelines(t *testing.T) {
	pipelines := newFakePipelines()
	s := New(pipelines, Config{
		WALInterval:    10 * time.Millisecond,
		VerifyInterval: 10 * time.Millisecond,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	<-s.ServeBackground(ctx)

	pipelines.mu.Lock()
	defer pipelines.mu.Unlock()
	assert.GreaterOrEqual(t, pipelines.calls[orchestrator.TaskWALArchive], 1)
	assert.GreaterOrEqual(t, pipelines.calls[orchestrator.TaskVerify], 1)
	// The daily, weekly, and monthly pipelines are hours away.
	assert.Zero(t, pipelines.calls[orchestrator.TaskFullBackup])
	assert.Zero(t, pipelines.calls[orchestrator.TaskTestRestore])
}
