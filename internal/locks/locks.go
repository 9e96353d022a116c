// Custodius - Multi-Tenant PostgreSQL Backup and Disaster Recovery Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/custodius

// Package locks provides Redis-backed distributed locks that keep backup
// pipelines single-flight across replicas.
//
// Two lock families exist:
//
//   - task-run locks, "backup:{task}:lock:{runID}", acquired once per
//     scheduled run so only one replica executes it;
//   - per-tenant locks, "backup:tenant:{tenantID}:in_progress", held for
//     the duration of a tenant backup so concurrent triggers for the same
//     tenant are rejected.
//
// All acquisition is SET NX with a TTL; a crashed holder's lock expires on
// its own. Release is best effort: an unreachable Redis during release is
// logged and absorbed because the TTL bounds the damage.
package locks

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tomtom215/custodius/internal/logging"
)

// Lock TTLs. A tenant backup that outlives its TTL loses exclusivity, so
// the tenant TTL comfortably exceeds the observed worst-case dump time.
const (
	DefaultTaskTTL   = 2 * time.Hour
	DefaultTenantTTL = 20 * time.Minute
)

// ErrNotAcquired means another holder owns the lock.
var ErrNotAcquired = errors.New("lock not acquired")

// Client is the slice of redis.Cmdable the lock service needs.
type Client interface {
	SetNX(ctx context.Context, key string, value any, expiration time.Duration) *redis.BoolCmd
	Get(ctx context.Context, key string) *redis.StringCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	Ping(ctx context.Context) *redis.StatusCmd
}

// Config holds lock service settings.
type Config struct {
	Addr     string
	Password string
	DB       int

	TaskTTL   time.Duration
	TenantTTL time.Duration
}

// Service coordinates distributed locks for backup tasks and tenants.
type Service struct {
	client    Client
	taskTTL   time.Duration
	tenantTTL time.Duration
}

// New connects to Redis and verifies the connection.
func New(ctx context.Context, cfg Config) (*Service, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	svc := NewWithClient(client, cfg)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connecting to redis at %s: %w", cfg.Addr, err)
	}
	return svc, nil
}

// NewWithClient wraps an existing client. Used by tests and by callers that
// share a Redis connection pool.
func NewWithClient(client Client, cfg Config) *Service {
	taskTTL := cfg.TaskTTL
	if taskTTL <= 0 {
		taskTTL = DefaultTaskTTL
	}
	tenantTTL := cfg.TenantTTL
	if tenantTTL <= 0 {
		tenantTTL = DefaultTenantTTL
	}
	return &Service{client: client, taskTTL: taskTTL, tenantTTL: tenantTTL}
}

// Lease is a held lock. Release is safe to call exactly once.
type Lease struct {
	svc *Service
	key string
}

// Release deletes the lock key. Failures are logged, not returned: the TTL
// guarantees eventual release.
func (l *Lease) Release(ctx context.Context) {
	if err := l.svc.client.Del(ctx, l.key).Err(); err != nil {
		logging.Warn().Err(err).Str("key", l.key).Msg("Failed to release lock; TTL will expire it")
		return
	}
	logging.Debug().Str("key", l.key).Msg("Lock released")
}

// AcquireTaskRun claims the single-flight lock for one scheduled run of a
// task. Returns ErrNotAcquired when another replica already claimed it.
func (s *Service) AcquireTaskRun(ctx context.Context, task, runID string) (*Lease, error) {
	key := fmt.Sprintf("backup:%s:lock:%s", task, runID)
	return s.acquire(ctx, key, runID, s.taskTTL)
}

// AcquireTenant claims the in-progress lock for a tenant backup. The lock
// value records the owning task run for diagnostics.
func (s *Service) AcquireTenant(ctx context.Context, tenantID, taskRunID string) (*Lease, error) {
	key := fmt.Sprintf("backup:tenant:%s:in_progress", tenantID)
	return s.acquire(ctx, key, taskRunID, s.tenantTTL)
}

// TenantInProgress reports whether a tenant backup lock is currently held,
// and by which task run.
func (s *Service) TenantInProgress(ctx context.Context, tenantID string) (bool, string, error) {
	key := fmt.Sprintf("backup:tenant:%s:in_progress", tenantID)
	holder, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return false, "", nil
	}
	if err != nil {
		return false, "", fmt.Errorf("checking tenant lock %s: %w", key, err)
	}
	return true, holder, nil
}

func (s *Service) acquire(ctx context.Context, key, value string, ttl time.Duration) (*Lease, error) {
	ok, err := s.client.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquiring lock %s: %w", key, err)
	}
	if !ok {
		logging.Debug().Str("key", key).Msg("Lock contention")
		return nil, ErrNotAcquired
	}
	logging.Debug().Str("key", key).Dur("ttl", ttl).Msg("Lock acquired")
	return &Lease{svc: s, key: key}, nil
}
