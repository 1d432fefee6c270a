// 包 budget 提供按账户与档位的支出封顶与软预留。
package budget

import (
	"sync"
	"time"

	"github.com/BaSui01/headshotflow/gen/cost"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Verdict 是授权裁决。
type Verdict int

const (
	// VerdictAllow 允许，估算金额已软预留
	VerdictAllow Verdict = iota
	// VerdictDeny 拒绝，预算不足且无可降级档位
	VerdictDeny
	// VerdictDegrade 建议降级到更便宜的档位（不自动降级，由调用方决定）
	VerdictDegrade
)

func (v Verdict) String() string {
	switch v {
	case VerdictAllow:
		return "Allow"
	case VerdictDeny:
		return "Deny"
	case VerdictDegrade:
		return "Degrade"
	default:
		return "Unknown"
	}
}

// Decision 是一次授权的结果。Allow 时 HoldID 非空，
// 调用方必须在完成后 Settle 或在未产生花费的失败后 Release。
type Decision struct {
	Verdict        Verdict
	HoldID         string
	Reason         string
	SuggestedClass string // 仅 Degrade 时非空
}

// Tier 账户档位的支出上限，0 表示该周期无上限。
type Tier struct {
	Name    string     `yaml:"name" json:"name"`
	Daily   cost.Money `yaml:"daily" json:"daily"`
	Weekly  cost.Money `yaml:"weekly" json:"weekly"`
	Monthly cost.Money `yaml:"monthly" json:"monthly"`
}

// Config 预算门配置。
type Config struct {
	Tiers       map[string]Tier
	DefaultTier string
}

type window struct {
	start time.Time
	spent cost.Money
}

type hold struct {
	amount    cost.Money
	accountID string
}

type account struct {
	mu    sync.Mutex
	tier  Tier
	day   window
	week  window
	month window
	held  cost.Money
	holds map[string]cost.Money
}

// Gate 是预算门。每个账户一把逻辑锁（单写者），账户之间互不竞争。
// 周期窗口为 UTC 日历日 / ISO 周 / 日历月，花费在周期内单调不减，
// 跨越周期边界时在下一次触达时精确归零。
type Gate struct {
	cfg    Config
	logger *zap.Logger
	nowFn  func() time.Time

	mu        sync.Mutex
	accounts  map[string]*account
	holdIndex map[string]string // holdID -> accountID
	tierOf    map[string]string // accountID -> tier name
}

// NewGate 创建预算门。
func NewGate(cfg Config, logger *zap.Logger) *Gate {
	if cfg.Tiers == nil {
		cfg.Tiers = map[string]Tier{}
	}
	return &Gate{
		cfg:       cfg,
		logger:    logger,
		nowFn:     time.Now,
		accounts:  make(map[string]*account),
		holdIndex: make(map[string]string),
		tierOf:    make(map[string]string),
	}
}

// SetTier 设置账户档位（进程启动时由配置装载）。
func (g *Gate) SetTier(accountID, tierName string) {
	g.mu.Lock()
	g.tierOf[accountID] = tierName
	g.mu.Unlock()
}

// Authorize 检查账户在当前周期内能否承担 estimate。
// Allow 时软预留 estimate，防止同账户并发请求在估算与结算之间冲破上限。
// alternatives 提供更便宜档位的估算（class -> 估算金额），用于降级建议。
func (g *Gate) Authorize(accountID string, estimate cost.Money, alternatives map[string]cost.Money) Decision {
	acct := g.account(accountID)

	acct.mu.Lock()
	defer acct.mu.Unlock()

	g.rollover(acct)

	if g.fitsLocked(acct, estimate) {
		id := uuid.NewString()
		acct.holds[id] = estimate
		acct.held += estimate

		g.mu.Lock()
		g.holdIndex[id] = accountID
		g.mu.Unlock()

		return Decision{Verdict: VerdictAllow, HoldID: id}
	}

	// 找最便宜且放得下的替代档位
	var bestClass string
	var bestEst cost.Money
	for class, est := range alternatives {
		if est >= estimate || !g.fitsLocked(acct, est) {
			continue
		}
		if bestClass == "" || est < bestEst {
			bestClass, bestEst = class, est
		}
	}
	if bestClass != "" {
		return Decision{
			Verdict:        VerdictDegrade,
			Reason:         "estimate exceeds remaining budget",
			SuggestedClass: bestClass,
		}
	}

	g.logger.Info("budget denied",
		zap.String("account_id", accountID),
		zap.String("tier", acct.tier.Name),
		zap.Int64("estimate_micro_usd", int64(estimate)),
	)
	return Decision{Verdict: VerdictDeny, Reason: "estimate exceeds remaining budget"}
}

// Extend 在已有预留上追加额度，任务中途回退到更贵的候选时使用。
// 追加部分同样受周期上限约束：放不下返回 false，原预留保持不变。
func (g *Gate) Extend(holdID string, additional cost.Money) bool {
	if additional <= 0 {
		return true
	}

	g.mu.Lock()
	accountID, ok := g.holdIndex[holdID]
	g.mu.Unlock()
	if !ok {
		return false
	}

	acct := g.account(accountID)
	acct.mu.Lock()
	defer acct.mu.Unlock()

	g.rollover(acct)
	if !g.fitsLocked(acct, additional) {
		return false
	}
	acct.holds[holdID] += additional
	acct.held += additional
	return true
}

// Settle 以实际花费结算预留。actual 可以低于预留额（如部分成功）。
func (g *Gate) Settle(holdID string, actual cost.Money) {
	acct, amount, ok := g.takeHold(holdID)
	if !ok {
		return
	}

	acct.mu.Lock()
	defer acct.mu.Unlock()

	g.rollover(acct)
	acct.held -= amount
	acct.day.spent += actual
	acct.week.spent += actual
	acct.month.spent += actual
}

// Release 释放预留（失败且未产生任何花费时）。
func (g *Gate) Release(holdID string) {
	acct, amount, ok := g.takeHold(holdID)
	if !ok {
		return
	}

	acct.mu.Lock()
	acct.held -= amount
	acct.mu.Unlock()
}

// Spent 返回账户当前周期的花费（日/周/月）。
func (g *Gate) Spent(accountID string) (day, week, month cost.Money) {
	acct := g.account(accountID)
	acct.mu.Lock()
	defer acct.mu.Unlock()
	g.rollover(acct)
	return acct.day.spent, acct.week.spent, acct.month.spent
}

func (g *Gate) takeHold(holdID string) (*account, cost.Money, bool) {
	g.mu.Lock()
	accountID, ok := g.holdIndex[holdID]
	if ok {
		delete(g.holdIndex, holdID)
	}
	g.mu.Unlock()
	if !ok {
		return nil, 0, false
	}

	acct := g.account(accountID)
	acct.mu.Lock()
	amount, ok := acct.holds[holdID]
	if ok {
		delete(acct.holds, holdID)
	}
	acct.mu.Unlock()
	return acct, amount, ok
}

// fitsLocked 要求持有 acct.mu。已花费 + 预留 + 估算不得超过任一周期上限。
func (g *Gate) fitsLocked(acct *account, estimate cost.Money) bool {
	if c := acct.tier.Daily; c > 0 && acct.day.spent+acct.held+estimate > c {
		return false
	}
	if c := acct.tier.Weekly; c > 0 && acct.week.spent+acct.held+estimate > c {
		return false
	}
	if c := acct.tier.Monthly; c > 0 && acct.month.spent+acct.held+estimate > c {
		return false
	}
	return true
}

// rollover 要求持有 acct.mu。惰性归零：首次触达越过边界的窗口时重置。
func (g *Gate) rollover(acct *account) {
	now := g.nowFn().UTC()

	if d := dayStart(now); d.After(acct.day.start) {
		acct.day = window{start: d}
	}
	if w := weekStart(now); w.After(acct.week.start) {
		acct.week = window{start: w}
	}
	if m := monthStart(now); m.After(acct.month.start) {
		acct.month = window{start: m}
	}
}

func (g *Gate) account(accountID string) *account {
	g.mu.Lock()
	defer g.mu.Unlock()

	acct, ok := g.accounts[accountID]
	if !ok {
		tierName, has := g.tierOf[accountID]
		if !has {
			tierName = g.cfg.DefaultTier
		}
		now := g.nowFn().UTC()
		acct = &account{
			tier:  g.cfg.Tiers[tierName],
			day:   window{start: dayStart(now)},
			week:  window{start: weekStart(now)},
			month: window{start: monthStart(now)},
			holds: make(map[string]cost.Money),
		}
		if acct.tier.Name == "" {
			acct.tier.Name = tierName
		}
		g.accounts[accountID] = acct
	}
	return acct
}

func dayStart(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// weekStart 返回 ISO 周起点（周一 00:00 UTC）。
func weekStart(t time.Time) time.Time {
	d := dayStart(t)
	wd := int(d.Weekday())
	if wd == 0 {
		wd = 7
	}
	return d.AddDate(0, 0, -(wd - 1))
}

func monthStart(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}
