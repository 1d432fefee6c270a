package budget

import (
	"sync"
	"testing"
	"time"

	"github.com/BaSui01/headshotflow/gen/cost"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testGate() *Gate {
	return NewGate(Config{
		DefaultTier: "free",
		Tiers: map[string]Tier{
			"free": {Name: "free", Daily: cost.FromUSD(1), Weekly: cost.FromUSD(5), Monthly: cost.FromUSD(10)},
			"pro":  {Name: "pro", Daily: cost.FromUSD(20), Weekly: cost.FromUSD(100), Monthly: cost.FromUSD(300)},
			"studio": {Name: "studio", Monthly: cost.FromUSD(2000)},
		},
	}, zap.NewNop())
}

func TestGate_AllowAndSettle(t *testing.T) {
	g := testGate()

	d := g.Authorize("acct-1", cost.FromUSD(0.30), nil)
	require.Equal(t, VerdictAllow, d.Verdict)
	require.NotEmpty(t, d.HoldID)

	g.Settle(d.HoldID, cost.FromUSD(0.25))

	day, week, month := g.Spent("acct-1")
	assert.Equal(t, cost.FromUSD(0.25), day)
	assert.Equal(t, cost.FromUSD(0.25), week)
	assert.Equal(t, cost.FromUSD(0.25), month)
}

func TestGate_HoldCountsAgainstBudget(t *testing.T) {
	g := testGate()

	// free 档日上限 $1：预留 $0.60 后，第二笔 $0.60 放不下
	d1 := g.Authorize("acct-1", cost.FromUSD(0.60), nil)
	require.Equal(t, VerdictAllow, d1.Verdict)

	d2 := g.Authorize("acct-1", cost.FromUSD(0.60), nil)
	assert.Equal(t, VerdictDeny, d2.Verdict, "未结算的预留必须计入预算占用")

	// 释放第一笔后第二笔放得下
	g.Release(d1.HoldID)
	d3 := g.Authorize("acct-1", cost.FromUSD(0.60), nil)
	assert.Equal(t, VerdictAllow, d3.Verdict)
}

func TestGate_SettleBelowHold(t *testing.T) {
	g := testGate()

	d := g.Authorize("acct-1", cost.FromUSD(0.80), nil)
	require.Equal(t, VerdictAllow, d.Verdict)

	// 部分成功：实际花费低于预留
	g.Settle(d.HoldID, cost.FromUSD(0.20))

	day, _, _ := g.Spent("acct-1")
	assert.Equal(t, cost.FromUSD(0.20), day)

	// 剩余 $0.80 额度应可用
	d2 := g.Authorize("acct-1", cost.FromUSD(0.80), nil)
	assert.Equal(t, VerdictAllow, d2.Verdict)
}

func TestGate_ReleaseRestoresBudget(t *testing.T) {
	g := testGate()

	d := g.Authorize("acct-1", cost.FromUSD(1), nil)
	require.Equal(t, VerdictAllow, d.Verdict)
	g.Release(d.HoldID)

	day, week, month := g.Spent("acct-1")
	assert.Zero(t, day)
	assert.Zero(t, week)
	assert.Zero(t, month)
}

func TestGate_SettleUnknownHoldIsNoop(t *testing.T) {
	g := testGate()
	g.Settle("no-such-hold", cost.FromUSD(1))
	g.Release("no-such-hold")

	day, _, _ := g.Spent("acct-1")
	assert.Zero(t, day)
}

func TestGate_DoubleSettleIsNoop(t *testing.T) {
	g := testGate()

	d := g.Authorize("acct-1", cost.FromUSD(0.50), nil)
	require.Equal(t, VerdictAllow, d.Verdict)

	g.Settle(d.HoldID, cost.FromUSD(0.50))
	g.Settle(d.HoldID, cost.FromUSD(0.50))

	day, _, _ := g.Spent("acct-1")
	assert.Equal(t, cost.FromUSD(0.50), day, "同一 hold 重复结算只能记一次")
}

func TestGate_ExtendGrowsHold(t *testing.T) {
	g := testGate()

	d := g.Authorize("acct-1", cost.FromUSD(0.40), nil)
	require.Equal(t, VerdictAllow, d.Verdict)

	// 追加 $0.60 后预留打满日上限
	assert.True(t, g.Extend(d.HoldID, cost.FromUSD(0.60)))
	assert.Equal(t, VerdictDeny, g.Authorize("acct-1", cost.FromUSD(0.01), nil).Verdict,
		"追加的预留必须计入预算占用")

	g.Settle(d.HoldID, cost.FromUSD(1))
	day, _, _ := g.Spent("acct-1")
	assert.Equal(t, cost.FromUSD(1), day)
}

func TestGate_ExtendDeniedBeyondCap(t *testing.T) {
	g := testGate()

	d := g.Authorize("acct-1", cost.FromUSD(0.60), nil)
	require.Equal(t, VerdictAllow, d.Verdict)

	assert.False(t, g.Extend(d.HoldID, cost.FromUSD(0.50)), "追加后超出日上限必须拒绝")

	// 拒绝不得改动原预留：释放后满额度可用
	g.Release(d.HoldID)
	assert.Equal(t, VerdictAllow, g.Authorize("acct-1", cost.FromUSD(1), nil).Verdict)
}

func TestGate_ExtendUnknownHold(t *testing.T) {
	g := testGate()
	assert.False(t, g.Extend("no-such-hold", cost.FromUSD(0.10)))
}

func TestGate_ExtendNonPositiveIsNoop(t *testing.T) {
	g := testGate()

	d := g.Authorize("acct-1", cost.FromUSD(0.50), nil)
	require.Equal(t, VerdictAllow, d.Verdict)

	assert.True(t, g.Extend(d.HoldID, 0))
	assert.True(t, g.Extend(d.HoldID, cost.FromUSD(-0.10)))

	// 预留仍是 $0.50，剩余额度不受影响
	assert.Equal(t, VerdictAllow, g.Authorize("acct-1", cost.FromUSD(0.50), nil).Verdict)
}

func TestGate_DenyWithoutAlternatives(t *testing.T) {
	g := testGate()

	d := g.Authorize("acct-1", cost.FromUSD(2), nil)
	assert.Equal(t, VerdictDeny, d.Verdict)
	assert.NotEmpty(t, d.Reason)
	assert.Empty(t, d.HoldID)
}

func TestGate_DegradeSuggestsCheapestFitting(t *testing.T) {
	g := testGate()

	// $2 超出 free 日上限，两个替代档位都放得下，应建议最便宜的
	d := g.Authorize("acct-1", cost.FromUSD(2), map[string]cost.Money{
		"standard": cost.FromUSD(0.50),
		"draft":    cost.FromUSD(0.10),
	})
	require.Equal(t, VerdictDegrade, d.Verdict)
	assert.Equal(t, "draft", d.SuggestedClass)
	assert.Empty(t, d.HoldID, "降级建议不做预留")
}

func TestGate_DegradeSkipsUnfittingAlternatives(t *testing.T) {
	g := testGate()

	d := g.Authorize("acct-1", cost.FromUSD(3), map[string]cost.Money{
		"premium":  cost.FromUSD(2), // 比估算便宜但仍超日上限
		"standard": cost.FromUSD(0.40),
	})
	require.Equal(t, VerdictDegrade, d.Verdict)
	assert.Equal(t, "standard", d.SuggestedClass)
}

func TestGate_DegradeIgnoresNotCheaperAlternatives(t *testing.T) {
	g := testGate()

	d := g.Authorize("acct-1", cost.FromUSD(2), map[string]cost.Money{
		"premium": cost.FromUSD(2.50),
	})
	assert.Equal(t, VerdictDeny, d.Verdict, "不比原估算便宜的档位不算替代")
}

func TestGate_TierAssignment(t *testing.T) {
	g := testGate()
	g.SetTier("acct-pro", "pro")

	// $2 在 free 档被拒，在 pro 档放行
	assert.Equal(t, VerdictDeny, g.Authorize("acct-free", cost.FromUSD(2), nil).Verdict)
	assert.Equal(t, VerdictAllow, g.Authorize("acct-pro", cost.FromUSD(2), nil).Verdict)
}

func TestGate_ZeroCapMeansUnlimited(t *testing.T) {
	g := testGate()
	g.SetTier("acct-studio", "studio")

	// studio 档日/周无上限，月上限 $2000
	d := g.Authorize("acct-studio", cost.FromUSD(500), nil)
	assert.Equal(t, VerdictAllow, d.Verdict)

	g.Settle(d.HoldID, cost.FromUSD(500))
	d = g.Authorize("acct-studio", cost.FromUSD(1600), nil)
	assert.Equal(t, VerdictDeny, d.Verdict, "月上限仍然生效")
}

func TestGate_AccountsIsolated(t *testing.T) {
	g := testGate()

	d := g.Authorize("acct-1", cost.FromUSD(1), nil)
	require.Equal(t, VerdictAllow, d.Verdict)
	g.Settle(d.HoldID, cost.FromUSD(1))

	assert.Equal(t, VerdictAllow, g.Authorize("acct-2", cost.FromUSD(1), nil).Verdict,
		"一个账户花光额度不应影响另一个账户")
}

func TestGate_DailyRollover(t *testing.T) {
	g := testGate()

	now := time.Date(2026, 3, 4, 23, 0, 0, 0, time.UTC) // 周三
	g.nowFn = func() time.Time { return now }

	d := g.Authorize("acct-1", cost.FromUSD(1), nil)
	require.Equal(t, VerdictAllow, d.Verdict)
	g.Settle(d.HoldID, cost.FromUSD(1))

	// 当日额度已满
	assert.Equal(t, VerdictDeny, g.Authorize("acct-1", cost.FromUSD(0.50), nil).Verdict)

	// 跨过 UTC 午夜：日窗口归零，周/月保留
	now = time.Date(2026, 3, 5, 0, 30, 0, 0, time.UTC)
	day, week, month := g.Spent("acct-1")
	assert.Zero(t, day)
	assert.Equal(t, cost.FromUSD(1), week)
	assert.Equal(t, cost.FromUSD(1), month)

	assert.Equal(t, VerdictAllow, g.Authorize("acct-1", cost.FromUSD(0.50), nil).Verdict)
}

func TestGate_WeeklyRolloverOnMonday(t *testing.T) {
	g := testGate()

	// 周日晚
	now := time.Date(2026, 3, 8, 22, 0, 0, 0, time.UTC)
	g.nowFn = func() time.Time { return now }

	d := g.Authorize("acct-1", cost.FromUSD(1), nil)
	require.Equal(t, VerdictAllow, d.Verdict)
	g.Settle(d.HoldID, cost.FromUSD(1))

	// 周一凌晨：日与周都归零，月保留
	now = time.Date(2026, 3, 9, 1, 0, 0, 0, time.UTC)
	day, week, month := g.Spent("acct-1")
	assert.Zero(t, day)
	assert.Zero(t, week)
	assert.Equal(t, cost.FromUSD(1), month)
}

func TestGate_MonthlyRollover(t *testing.T) {
	g := testGate()

	now := time.Date(2026, 3, 31, 12, 0, 0, 0, time.UTC)
	g.nowFn = func() time.Time { return now }

	d := g.Authorize("acct-1", cost.FromUSD(1), nil)
	require.Equal(t, VerdictAllow, d.Verdict)
	g.Settle(d.HoldID, cost.FromUSD(1))

	now = time.Date(2026, 4, 1, 0, 0, 1, 0, time.UTC)
	day, week, month := g.Spent("acct-1")
	assert.Zero(t, day)
	assert.Zero(t, month)
	_ = week // 2026-04-01 是周三，周窗口未跨界
	assert.Equal(t, cost.FromUSD(1), week)
}

func TestGate_ConcurrentAuthorizeNeverOvercommits(t *testing.T) {
	g := testGate()

	// free 档日上限 $1，每笔 $0.30：任何交错下最多放行 3 笔
	const workers = 20
	var wg sync.WaitGroup
	var mu sync.Mutex
	allowed := 0

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d := g.Authorize("acct-1", cost.FromUSD(0.30), nil)
			if d.Verdict == VerdictAllow {
				mu.Lock()
				allowed++
				mu.Unlock()
				g.Settle(d.HoldID, cost.FromUSD(0.30))
			}
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, allowed, 3, "并发授权不得冲破日上限")
	assert.Greater(t, allowed, 0)
}

func TestGate_Property_SpendNeverExceedsCap(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200

	properties := gopter.NewProperties(parameters)

	properties.Property("任意授权序列下日花费不超上限", prop.ForAll(
		func(estimatesUSD []float64) bool {
			g := testGate()
			capUSD := 1.0
			for _, usd := range estimatesUSD {
				d := g.Authorize("acct-1", cost.FromUSD(usd), nil)
				if d.Verdict == VerdictAllow {
					g.Settle(d.HoldID, cost.FromUSD(usd))
				}
			}
			day, _, _ := g.Spent("acct-1")
			return day <= cost.FromUSD(capUSD)
		},
		gen.SliceOf(gen.Float64Range(0.01, 0.8)),
	))

	properties.TestingRun(t)
}
