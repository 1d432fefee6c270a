// 包 idempotency 提供在途任务注册表：同一幂等键任意时刻至多一个活动任务。
// 与缓存响应不同，这里管理的是活动槽位——重复提交在原任务在途期间被拒绝，
// 并附带原任务当前阶段，而不是被静默合并或去重。
package idempotency

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Registry 在途任务注册表接口。
type Registry interface {
	// Acquire 尝试占用幂等键。占用失败时返回已有任务的当前阶段。
	// ttl 防止崩溃的工作者永久占住键。
	Acquire(ctx context.Context, key, phase string, ttl time.Duration) (acquired bool, existingPhase string, err error)

	// Update 更新已占用键的阶段（供重复提交方查询）。
	Update(ctx context.Context, key, phase string) error

	// Release 释放键，任务终态结算后调用。
	Release(ctx context.Context, key string) error
}

// Key 组合账户与调用方幂等键。幂等域是 (accountID, idempotencyKey)。
func Key(accountID, idempotencyKey string) string {
	return accountID + ":" + idempotencyKey
}

// redisRegistry 基于 Redis 的实现（多实例部署时共享）。
type redisRegistry struct {
	redis  *redis.Client
	prefix string
	logger *zap.Logger
}

// NewRedisRegistry 创建基于 Redis 的注册表。
func NewRedisRegistry(client *redis.Client, prefix string, logger *zap.Logger) Registry {
	if prefix == "" {
		prefix = "genjob:"
	}
	return &redisRegistry{redis: client, prefix: prefix, logger: logger}
}

func (r *redisRegistry) Acquire(ctx context.Context, key, phase string, ttl time.Duration) (bool, string, error) {
	redisKey := r.prefix + key
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}

	ok, err := r.redis.SetNX(ctx, redisKey, phase, ttl).Result()
	if err != nil {
		return false, "", fmt.Errorf("acquire idempotency slot: %w", err)
	}
	if ok {
		r.logger.Debug("idempotency slot acquired",
			zap.String("key", key),
			zap.Duration("ttl", ttl),
		)
		return true, "", nil
	}

	existing, err := r.redis.Get(ctx, redisKey).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			// 原任务恰好在竞态窗口内释放了，让调用方重试
			return false, "", nil
		}
		return false, "", fmt.Errorf("read idempotency slot: %w", err)
	}
	return false, existing, nil
}

func (r *redisRegistry) Update(ctx context.Context, key, phase string) error {
	redisKey := r.prefix + key
	if err := r.redis.Set(ctx, redisKey, phase, redis.KeepTTL).Err(); err != nil {
		return fmt.Errorf("update idempotency slot: %w", err)
	}
	return nil
}

func (r *redisRegistry) Release(ctx context.Context, key string) error {
	if err := r.redis.Del(ctx, r.prefix+key).Err(); err != nil {
		return fmt.Errorf("release idempotency slot: %w", err)
	}
	r.logger.Debug("idempotency slot released", zap.String("key", key))
	return nil
}

// memoryRegistry 基于内存的实现（单实例与测试）。
type memoryRegistry struct {
	mu     sync.Mutex
	slots  map[string]*slot
	logger *zap.Logger
}

type slot struct {
	phase     string
	expiresAt time.Time
}

// NewMemoryRegistry 创建基于内存的注册表。
func NewMemoryRegistry(logger *zap.Logger) Registry {
	return &memoryRegistry{slots: make(map[string]*slot), logger: logger}
}

func (m *memoryRegistry) Acquire(_ context.Context, key, phase string, ttl time.Duration) (bool, string, error) {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if s, exists := m.slots[key]; exists && time.Now().Before(s.expiresAt) {
		return false, s.phase, nil
	}
	m.slots[key] = &slot{phase: phase, expiresAt: time.Now().Add(ttl)}
	return true, "", nil
}

func (m *memoryRegistry) Update(_ context.Context, key, phase string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, exists := m.slots[key]
	if !exists {
		return fmt.Errorf("idempotency slot %q not held", key)
	}
	s.phase = phase
	return nil
}

func (m *memoryRegistry) Release(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.slots, key)
	m.mu.Unlock()
	return nil
}
