// 包 health 提供提供商健康监控：周期性探活、滚动窗口统计与带迟滞的状态机。
package health

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Status 提供商健康状态。
type Status string

const (
	StatusOnline   Status = "online"
	StatusDegraded Status = "degraded"
	StatusOffline  Status = "offline"
)

// Weight 返回选择器用的严格排序权重：online < degraded < offline。
func (s Status) Weight() int {
	switch s {
	case StatusOnline:
		return 0
	case StatusDegraded:
		return 1
	default:
		return 2
	}
}

// Prober 是一次轻量级探活。实现方必须在 ctx 超时内返回。
type Prober interface {
	Probe(ctx context.Context) (time.Duration, error)
}

// ProberFunc 函数适配器。
type ProberFunc func(ctx context.Context) (time.Duration, error)

func (f ProberFunc) Probe(ctx context.Context) (time.Duration, error) { return f(ctx) }

// Config 健康监控配置。迟滞参数是刻意的：用几秒的次优路由换稳定性，
// 避免单次抖动导致状态震荡。
type Config struct {
	Interval       time.Duration // 探活间隔
	ProbeTimeout   time.Duration // 单次探活超时
	WindowSize     int           // 滚动窗口内保留的探活次数
	P95Threshold   time.Duration // p95 延迟超过该值视为降级信号
	DegradeAfter   int           // online -> degraded 所需连续失败数
	OfflineAfter   int           // degraded -> offline 所需连续失败数
	RecoverAfter   int           // degraded -> online 所需连续成功数
}

// DefaultConfig 返回默认配置。
func DefaultConfig() Config {
	return Config{
		Interval:     30 * time.Second,
		ProbeTimeout: 5 * time.Second,
		WindowSize:   20,
		P95Threshold: 10 * time.Second,
		DegradeAfter: 2,
		OfflineAfter: 5,
		RecoverAfter: 3,
	}
}

func (c *Config) normalize() {
	if c.Interval <= 0 {
		c.Interval = 30 * time.Second
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = 5 * time.Second
	}
	if c.WindowSize <= 0 {
		c.WindowSize = 20
	}
	if c.DegradeAfter <= 0 {
		c.DegradeAfter = 2
	}
	if c.OfflineAfter <= 0 {
		c.OfflineAfter = 5
	}
	if c.RecoverAfter <= 0 {
		c.RecoverAfter = 3
	}
}

// Record 是单个提供商的健康记录。只由该提供商的探活循环写入（单写者），
// 读者拿到的是快照副本，允许短暂陈旧——健康数据是建议性的，不是正确性约束。
type Record struct {
	Status               Status
	SuccessRate          float64
	MedianLatency        time.Duration
	P95Latency           time.Duration
	LastProbe            time.Time
	ConsecutiveFailures  int
	ConsecutiveSuccesses int
	Forced               bool // 管理员手动下线
}

type probeResult struct {
	ok      bool
	latency time.Duration
}

type entry struct {
	prober Prober
	cancel context.CancelFunc

	mu     sync.RWMutex
	rec    Record
	window []probeResult
}

// StatusChangeFunc 状态变更回调（用于指标与告警接线）。
type StatusChangeFunc func(provider string, from, to Status)

// Monitor 健康监控器。每个提供商一个独立的后台探活循环，与请求处理解耦。
type Monitor struct {
	cfg      Config
	logger   *zap.Logger
	onChange StatusChangeFunc

	mu      sync.RWMutex
	entries map[string]*entry
	ctx     context.Context
	cancel  context.CancelFunc
	started bool
}

// NewMonitor 创建健康监控器。
func NewMonitor(cfg Config, logger *zap.Logger) *Monitor {
	cfg.normalize()
	ctx, cancel := context.WithCancel(context.Background())
	return &Monitor{
		cfg:     cfg,
		logger:  logger,
		entries: make(map[string]*entry),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// OnStatusChange 注册状态变更回调，必须在 Start 之前调用。
func (m *Monitor) OnStatusChange(fn StatusChangeFunc) {
	m.mu.Lock()
	m.onChange = fn
	m.mu.Unlock()
}

// Register 注册提供商。初始状态为 online（乐观），随后由探活循环修正。
func (m *Monitor) Register(providerID string, prober Prober) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.entries[providerID]; exists {
		return
	}
	e := &entry{prober: prober, rec: Record{Status: StatusOnline}}
	m.entries[providerID] = e
	if m.started {
		m.startLoop(providerID, e)
	}
}

// Start 启动所有已注册提供商的探活循环。
func (m *Monitor) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.started {
		return
	}
	m.started = true
	for id, e := range m.entries {
		m.startLoop(id, e)
	}
}

// Stop 停止所有探活循环。
func (m *Monitor) Stop() {
	m.cancel()
}

func (m *Monitor) startLoop(providerID string, e *entry) {
	ctx, cancel := context.WithCancel(m.ctx)
	e.cancel = cancel

	go func() {
		ticker := time.NewTicker(m.cfg.Interval)
		defer ticker.Stop()

		// 启动时立即探一次，避免首个间隔内全员盲飞
		m.probeOnce(ctx, providerID, e)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.probeOnce(ctx, providerID, e)
			}
		}
	}()
}

func (m *Monitor) probeOnce(ctx context.Context, providerID string, e *entry) {
	probeCtx, cancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout)
	latency, err := e.prober.Probe(probeCtx)
	cancel()

	m.Observe(providerID, err == nil, latency)
	if err != nil {
		m.logger.Debug("provider probe failed",
			zap.String("provider", providerID),
			zap.Error(err),
		)
	}
}

// Observe 记录一次探活结果并推进状态机。
// 正常路径下只被该提供商自己的探活循环调用（单写者）。
func (m *Monitor) Observe(providerID string, ok bool, latency time.Duration) {
	m.mu.RLock()
	e, exists := m.entries[providerID]
	onChange := m.onChange
	m.mu.RUnlock()
	if !exists {
		return
	}

	e.mu.Lock()
	e.window = append(e.window, probeResult{ok: ok, latency: latency})
	if len(e.window) > m.cfg.WindowSize {
		e.window = e.window[len(e.window)-m.cfg.WindowSize:]
	}

	if ok {
		e.rec.ConsecutiveSuccesses++
		e.rec.ConsecutiveFailures = 0
	} else {
		e.rec.ConsecutiveFailures++
		e.rec.ConsecutiveSuccesses = 0
	}
	e.rec.LastProbe = time.Now()
	e.rec.SuccessRate, e.rec.MedianLatency, e.rec.P95Latency = summarize(e.window)

	from := e.rec.Status
	to := from
	if e.rec.Forced {
		to = StatusOffline
	} else {
		p95High := m.cfg.P95Threshold > 0 && e.rec.P95Latency > m.cfg.P95Threshold
		to = NextStatus(m.cfg, from, ok, e.rec.ConsecutiveFailures, e.rec.ConsecutiveSuccesses, p95High)
	}
	e.rec.Status = to
	e.mu.Unlock()

	if to != from {
		m.logger.Info("provider status changed",
			zap.String("provider", providerID),
			zap.String("from", string(from)),
			zap.String("to", string(to)),
		)
		if onChange != nil {
			onChange(providerID, from, to)
		}
	}
}

// ForceOffline 管理员强制下线（或鉴权失败自动降级）。
// 状态保持 offline 直到 ClearForced。
func (m *Monitor) ForceOffline(providerID string) {
	m.setForced(providerID, true)
}

// ClearForced 解除强制下线；提供商回到 offline 起点，经探活逐步恢复。
func (m *Monitor) ClearForced(providerID string) {
	m.setForced(providerID, false)
}

func (m *Monitor) setForced(providerID string, forced bool) {
	m.mu.RLock()
	e, exists := m.entries[providerID]
	onChange := m.onChange
	m.mu.RUnlock()
	if !exists {
		return
	}

	e.mu.Lock()
	from := e.rec.Status
	e.rec.Forced = forced
	e.rec.Status = StatusOffline
	e.rec.ConsecutiveSuccesses = 0
	e.mu.Unlock()

	if from != StatusOffline {
		m.logger.Warn("provider forced offline",
			zap.String("provider", providerID),
			zap.Bool("forced", forced),
		)
		if onChange != nil {
			onChange(providerID, from, StatusOffline)
		}
	}
}

// Snapshot 返回提供商健康记录的副本。
func (m *Monitor) Snapshot(providerID string) (Record, bool) {
	m.mu.RLock()
	e, exists := m.entries[providerID]
	m.mu.RUnlock()
	if !exists {
		return Record{}, false
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.rec, true
}

// Snapshots 返回所有提供商的健康记录副本。
func (m *Monitor) Snapshots() map[string]Record {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]Record, len(m.entries))
	for id, e := range m.entries {
		e.mu.RLock()
		out[id] = e.rec
		e.mu.RUnlock()
	}
	return out
}

// NextStatus 是状态机的纯转移函数，迟滞策略集中在这里：
//
//	online -> degraded：连续失败达到 DegradeAfter，或 p95 超阈值
//	degraded -> offline：连续失败达到 OfflineAfter
//	degraded -> online：连续成功达到 RecoverAfter 且 p95 正常
//	offline -> degraded：任意一次成功（绝不直接回 online）
func NextStatus(cfg Config, cur Status, lastOK bool, consecFailures, consecSuccesses int, p95High bool) Status {
	switch cur {
	case StatusOnline:
		if consecFailures >= cfg.DegradeAfter || p95High {
			return StatusDegraded
		}
		return StatusOnline

	case StatusDegraded:
		if consecFailures >= cfg.OfflineAfter {
			return StatusOffline
		}
		if lastOK && consecSuccesses >= cfg.RecoverAfter && !p95High {
			return StatusOnline
		}
		return StatusDegraded

	case StatusOffline:
		if lastOK {
			return StatusDegraded
		}
		return StatusOffline

	default:
		return cur
	}
}

// summarize 计算窗口内的成功率与延迟分位数（只统计成功探活的延迟）。
func summarize(window []probeResult) (successRate float64, median, p95 time.Duration) {
	if len(window) == 0 {
		return 0, 0, 0
	}

	var okCount int
	latencies := make([]time.Duration, 0, len(window))
	for _, r := range window {
		if r.ok {
			okCount++
			latencies = append(latencies, r.latency)
		}
	}
	successRate = float64(okCount) / float64(len(window))

	if len(latencies) == 0 {
		return successRate, 0, 0
	}
	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })
	median = latencies[len(latencies)/2]
	p95Idx := (len(latencies) * 95) / 100
	if p95Idx >= len(latencies) {
		p95Idx = len(latencies) - 1
	}
	p95 = latencies[p95Idx]
	return successRate, median, p95
}
