// 包 cost 提供生成请求的成本估算与实际花费追踪。
package cost

import (
	"fmt"
	"sync"
)

// Money 以微美元（1e-6 USD）为单位的整数金额，保证账本运算精确。
type Money int64

// FromUSD 把美元金额转换为 Money。
func FromUSD(usd float64) Money { return Money(usd * 1e6) }

// USD 返回美元金额。
func (m Money) USD() float64 { return float64(m) / 1e6 }

func (m Money) String() string { return fmt.Sprintf("$%.6f", m.USD()) }

// PriceKey 定价表的键：提供商 × 模型档位 × 分辨率。
type PriceKey struct {
	Provider   string
	ModelClass string
	Resolution string
}

// Price 单价条目。步数超过 BaseSteps 的部分按 StepSurcharge 每步加价。
type Price struct {
	Unit          Money // 每张图单价
	BaseSteps     int
	StepSurcharge Money // 每超出一步的加价
}

// Model 是成本模型：不可变定价表 + 实际花费追踪器。
// Estimate 是纯函数，Selector 可以对每个候选投机调用而不产生副作用；
// RecordActual 是唯一的写入口，每个终态任务恰好调用一次。
type Model struct {
	table map[PriceKey]Price

	mu      sync.Mutex
	summary Summary
	byJob   map[string]Money
}

// Summary 花费汇总。
type Summary struct {
	TotalCost     Money
	JobCount      int
	AvgCostPerJob Money
}

// NewModel 创建成本模型。table 在构造后视为不可变。
func NewModel(table map[PriceKey]Price) *Model {
	cp := make(map[PriceKey]Price, len(table))
	for k, v := range table {
		cp[k] = v
	}
	return &Model{table: cp, byJob: make(map[string]Money)}
}

// LookupPrice 返回定价条目，不存在时 ok 为 false。
func (m *Model) LookupPrice(provider, class, resolution string) (Price, bool) {
	p, ok := m.table[PriceKey{Provider: provider, ModelClass: class, Resolution: resolution}]
	return p, ok
}

// Estimate 估算生成 count 张图的成本。纯函数、确定性、无副作用。
// 公式：(unit + surcharge × max(0, steps−base)) × count，线性每单位定价。
func (m *Model) Estimate(provider, class, resolution string, count, steps int) (Money, error) {
	if count <= 0 {
		return 0, fmt.Errorf("count must be positive, got %d", count)
	}
	p, ok := m.LookupPrice(provider, class, resolution)
	if !ok {
		return 0, fmt.Errorf("no price for %s/%s/%s", provider, class, resolution)
	}
	perUnit := p.Unit
	if extra := steps - p.BaseSteps; extra > 0 && p.StepSurcharge > 0 {
		perUnit += p.StepSurcharge * Money(extra)
	}
	return perUnit * Money(count), nil
}

// RecordActual 记录任务的实际花费。部分成功只计已交付单位的成本，
// 由调用方按交付数量折算后传入。
func (m *Model) RecordActual(jobID string, actual Money) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, dup := m.byJob[jobID]; dup {
		// 每个任务只结算一次，重复调用忽略
		return
	}
	m.byJob[jobID] = actual
	m.summary.TotalCost += actual
	m.summary.JobCount++
	m.summary.AvgCostPerJob = m.summary.TotalCost / Money(m.summary.JobCount)
}

// ActualCost 返回任务已记录的实际花费。
func (m *Model) ActualCost(jobID string) (Money, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.byJob[jobID]
	return c, ok
}

// Spend 返回当前花费汇总。
func (m *Model) Spend() Summary {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.summary
}
