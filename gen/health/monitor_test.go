package health

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"pgregory.net/rapid"
)

func testConfig() Config {
	return Config{
		Interval:     time.Hour, // 测试里手动 Observe，不依赖探活循环
		ProbeTimeout: time.Second,
		WindowSize:   20,
		P95Threshold: 10 * time.Second,
		DegradeAfter: 2,
		OfflineAfter: 5,
		RecoverAfter: 3,
	}
}

func newTestMonitor(t *testing.T) *Monitor {
	t.Helper()
	m := NewMonitor(testConfig(), zap.NewNop())
	t.Cleanup(m.Stop)
	return m
}

func observeN(m *Monitor, provider string, ok bool, n int) {
	for i := 0; i < n; i++ {
		m.Observe(provider, ok, 100*time.Millisecond)
	}
}

func TestStatus_Weight(t *testing.T) {
	assert.Equal(t, 0, StatusOnline.Weight())
	assert.Equal(t, 1, StatusDegraded.Weight())
	assert.Equal(t, 2, StatusOffline.Weight())
	assert.Equal(t, 2, Status("garbage").Weight(), "未知状态按最差处理")
}

func TestMonitor_InitialStatusOnline(t *testing.T) {
	m := newTestMonitor(t)
	m.Register("flux", ProberFunc(func(context.Context) (time.Duration, error) { return 0, nil }))

	rec, ok := m.Snapshot("flux")
	require.True(t, ok)
	assert.Equal(t, StatusOnline, rec.Status)
}

func TestMonitor_DegradeAfterConsecutiveFailures(t *testing.T) {
	m := newTestMonitor(t)
	m.Register("flux", nil)

	m.Observe("flux", false, 0)
	rec, _ := m.Snapshot("flux")
	assert.Equal(t, StatusOnline, rec.Status, "单次失败不应降级")

	m.Observe("flux", false, 0)
	rec, _ = m.Snapshot("flux")
	assert.Equal(t, StatusDegraded, rec.Status)
	assert.Equal(t, 2, rec.ConsecutiveFailures)
}

func TestMonitor_DegradeOnHighP95(t *testing.T) {
	m := newTestMonitor(t)
	m.Register("flux", nil)

	// 成功但延迟远超 p95 阈值
	for i := 0; i < 5; i++ {
		m.Observe("flux", true, 30*time.Second)
	}

	rec, _ := m.Snapshot("flux")
	assert.Equal(t, StatusDegraded, rec.Status, "p95 超阈值即使探活成功也应降级")
}

func TestMonitor_OfflineAfterMoreFailures(t *testing.T) {
	m := newTestMonitor(t)
	m.Register("flux", nil)

	observeN(m, "flux", false, 5)

	rec, _ := m.Snapshot("flux")
	assert.Equal(t, StatusOffline, rec.Status)
}

func TestMonitor_RecoveryPath(t *testing.T) {
	m := newTestMonitor(t)
	m.Register("flux", nil)

	observeN(m, "flux", false, 5)
	rec, _ := m.Snapshot("flux")
	require.Equal(t, StatusOffline, rec.Status)

	// offline 的第一次成功只回到 degraded
	m.Observe("flux", true, 100*time.Millisecond)
	rec, _ = m.Snapshot("flux")
	assert.Equal(t, StatusDegraded, rec.Status, "offline 不允许直接回 online")

	// 连续成功累计到 RecoverAfter 才回 online
	m.Observe("flux", true, 100*time.Millisecond)
	rec, _ = m.Snapshot("flux")
	assert.Equal(t, StatusDegraded, rec.Status)

	m.Observe("flux", true, 100*time.Millisecond)
	rec, _ = m.Snapshot("flux")
	assert.Equal(t, StatusOnline, rec.Status)
}

func TestMonitor_SingleFailureDoesNotFlap(t *testing.T) {
	m := newTestMonitor(t)
	m.Register("flux", nil)

	for i := 0; i < 10; i++ {
		observeN(m, "flux", true, 3)
		m.Observe("flux", false, 0)
	}

	rec, _ := m.Snapshot("flux")
	assert.Equal(t, StatusOnline, rec.Status, "偶发单次失败不应导致状态震荡")
}

func TestMonitor_ForceOffline(t *testing.T) {
	m := newTestMonitor(t)
	m.Register("flux", nil)

	m.ForceOffline("flux")
	rec, _ := m.Snapshot("flux")
	require.Equal(t, StatusOffline, rec.Status)
	require.True(t, rec.Forced)

	// 强制下线期间探活成功不能恢复
	observeN(m, "flux", true, 10)
	rec, _ = m.Snapshot("flux")
	assert.Equal(t, StatusOffline, rec.Status, "强制下线必须压过探活结果")

	// 解除后从 offline 起点经探活恢复
	m.ClearForced("flux")
	m.Observe("flux", true, 100*time.Millisecond)
	rec, _ = m.Snapshot("flux")
	assert.Equal(t, StatusDegraded, rec.Status)
}

func TestMonitor_OnStatusChange(t *testing.T) {
	m := newTestMonitor(t)

	var mu sync.Mutex
	var transitions [][2]Status
	m.OnStatusChange(func(provider string, from, to Status) {
		mu.Lock()
		transitions = append(transitions, [2]Status{from, to})
		mu.Unlock()
	})
	m.Register("flux", nil)

	observeN(m, "flux", false, 5)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, transitions, 2)
	assert.Equal(t, [2]Status{StatusOnline, StatusDegraded}, transitions[0])
	assert.Equal(t, [2]Status{StatusDegraded, StatusOffline}, transitions[1])
}

func TestMonitor_WindowStats(t *testing.T) {
	m := newTestMonitor(t)
	m.Register("flux", nil)

	m.Observe("flux", true, 100*time.Millisecond)
	m.Observe("flux", true, 200*time.Millisecond)
	m.Observe("flux", true, 300*time.Millisecond)
	m.Observe("flux", false, 0)

	rec, _ := m.Snapshot("flux")
	assert.InDelta(t, 0.75, rec.SuccessRate, 1e-9)
	assert.Equal(t, 200*time.Millisecond, rec.MedianLatency)
	assert.Equal(t, 300*time.Millisecond, rec.P95Latency)
	assert.False(t, rec.LastProbe.IsZero())
}

func TestMonitor_WindowBounded(t *testing.T) {
	cfg := testConfig()
	cfg.WindowSize = 4
	m := NewMonitor(cfg, zap.NewNop())
	t.Cleanup(m.Stop)
	m.Register("flux", nil)

	// 旧的失败被挤出窗口后成功率应回到 1.0
	observeN(m, "flux", false, 4)
	observeN(m, "flux", true, 4)

	rec, _ := m.Snapshot("flux")
	assert.InDelta(t, 1.0, rec.SuccessRate, 1e-9)
}

func TestMonitor_Snapshots(t *testing.T) {
	m := newTestMonitor(t)
	m.Register("flux", nil)
	m.Register("dalle", nil)

	observeN(m, "dalle", false, 5)

	snaps := m.Snapshots()
	require.Len(t, snaps, 2)
	assert.Equal(t, StatusOnline, snaps["flux"].Status)
	assert.Equal(t, StatusOffline, snaps["dalle"].Status)
}

func TestMonitor_ObserveUnknownProvider(t *testing.T) {
	m := newTestMonitor(t)
	m.Observe("ghost", true, time.Millisecond) // 不应 panic

	_, ok := m.Snapshot("ghost")
	assert.False(t, ok)
}

func TestMonitor_ProbeLoopDrivesStatus(t *testing.T) {
	cfg := testConfig()
	cfg.Interval = 10 * time.Millisecond
	m := NewMonitor(cfg, zap.NewNop())
	t.Cleanup(m.Stop)

	m.Register("flux", ProberFunc(func(context.Context) (time.Duration, error) {
		return 0, errors.New("connection refused")
	}))
	m.Start()

	require.Eventually(t, func() bool {
		rec, _ := m.Snapshot("flux")
		return rec.Status == StatusOffline
	}, 2*time.Second, 10*time.Millisecond, "持续失败的探活循环应把提供商推到 offline")
}

func TestNextStatus_Properties(t *testing.T) {
	cfg := testConfig()

	rapid.Check(t, func(t *rapid.T) {
		cur := rapid.SampledFrom([]Status{StatusOnline, StatusDegraded, StatusOffline}).Draw(t, "cur")
		lastOK := rapid.Bool().Draw(t, "lastOK")
		var failures, successes int
		if lastOK {
			successes = rapid.IntRange(1, 20).Draw(t, "successes")
		} else {
			failures = rapid.IntRange(1, 20).Draw(t, "failures")
		}
		p95High := rapid.Bool().Draw(t, "p95High")

		next := NextStatus(cfg, cur, lastOK, failures, successes, p95High)

		// offline 绝不直接回 online
		if cur == StatusOffline && next == StatusOnline {
			t.Fatalf("offline -> online 直跳: lastOK=%v", lastOK)
		}
		// 失败探活后状态只能变差或持平
		if !lastOK && next.Weight() < cur.Weight() {
			t.Fatalf("失败探活后状态变好: %s -> %s", cur, next)
		}
		// p95 超标时不允许恢复到 online
		if p95High && cur != StatusOnline && next == StatusOnline {
			t.Fatalf("p95 超标仍回到 online: cur=%s", cur)
		}
		// 结果必须是合法状态
		if next != StatusOnline && next != StatusDegraded && next != StatusOffline {
			t.Fatalf("非法状态: %s", next)
		}
	})
}
