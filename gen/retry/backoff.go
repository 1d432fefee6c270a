// 包 retry 提供指数退避延迟计算。
// 所有重试决策集中在编排器里；本包只负责算延迟和可取消的等待，
// 不自带重试循环，避免重试策略散落在各调用点。
package retry

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"
)

// Policy 退避策略。
type Policy struct {
	InitialDelay time.Duration // 初始延迟
	MaxDelay     time.Duration // 延迟上限
	Multiplier   float64       // 指数倍增因子
	MaxAttempts  int           // 单提供商最大尝试次数
	Jitter       bool          // 随机抖动（±25%，防止雪崩）
}

// DefaultPolicy 返回编排器的默认策略：500ms 起步、倍增 2、单提供商最多 3 次。
func DefaultPolicy() *Policy {
	return &Policy{
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		MaxAttempts:  3,
		Jitter:       true,
	}
}

// Normalize 修正非法参数为默认值。
func (p *Policy) Normalize() {
	if p.InitialDelay <= 0 {
		p.InitialDelay = 500 * time.Millisecond
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 30 * time.Second
	}
	if p.Multiplier < 1.0 {
		p.Multiplier = 2.0
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 3
	}
}

// Delay 计算第 attempt 次重试前的延迟（attempt 从 1 开始）。
func (p *Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := float64(p.InitialDelay) * math.Pow(p.Multiplier, float64(attempt-1))
	if delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}
	if p.Jitter {
		jitter := delay * 0.25
		delay += (rand.Float64()*2 - 1) * jitter
	}
	if delay < float64(p.InitialDelay) {
		delay = float64(p.InitialDelay)
	}
	return time.Duration(delay)
}

// Wait 等待 d，同时监听 context 取消。
func Wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("backoff wait cancelled: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}

// Cap 返回 d 与上限中较小者。限流 retryAfter 用它封顶。
func Cap(d, ceiling time.Duration) time.Duration {
	if ceiling > 0 && d > ceiling {
		return ceiling
	}
	return d
}
