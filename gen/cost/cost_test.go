package cost

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testTable() map[PriceKey]Price {
	return map[PriceKey]Price{
		{Provider: "flux", ModelClass: "standard", Resolution: "1024x1024"}: {
			Unit: FromUSD(0.025),
		},
		{Provider: "flux", ModelClass: "premium", Resolution: "1024x1024"}: {
			Unit:          FromUSD(0.05),
			BaseSteps:     28,
			StepSurcharge: FromUSD(0.001),
		},
		{Provider: "sdlegacy", ModelClass: "draft", Resolution: "512x512"}: {
			Unit:          FromUSD(0.002),
			BaseSteps:     30,
			StepSurcharge: FromUSD(0.0001),
		},
	}
}

func TestMoney_Conversion(t *testing.T) {
	assert.Equal(t, Money(25000), FromUSD(0.025))
	assert.InDelta(t, 0.025, FromUSD(0.025).USD(), 1e-9)
	assert.Equal(t, "$1.500000", FromUSD(1.5).String())
}

func TestModel_Estimate(t *testing.T) {
	m := NewModel(testTable())

	tests := []struct {
		name       string
		provider   string
		class      string
		resolution string
		count      int
		steps      int
		want       Money
	}{
		{"单张无加价", "flux", "standard", "1024x1024", 1, 0, FromUSD(0.025)},
		{"多张线性计价", "flux", "standard", "1024x1024", 4, 0, FromUSD(0.10)},
		{"步数未超基准不加价", "flux", "premium", "1024x1024", 1, 28, FromUSD(0.05)},
		{"步数低于基准不减价", "flux", "premium", "1024x1024", 1, 10, FromUSD(0.05)},
		{"超出步数按步加价", "flux", "premium", "1024x1024", 1, 38, FromUSD(0.06)},
		{"加价随张数放大", "flux", "premium", "1024x1024", 3, 38, FromUSD(0.18)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := m.Estimate(tt.provider, tt.class, tt.resolution, tt.count, tt.steps)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestModel_Estimate_UnknownPrice(t *testing.T) {
	m := NewModel(testTable())

	_, err := m.Estimate("flux", "standard", "2048x2048", 1, 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no price")

	_, err = m.Estimate("nobody", "standard", "1024x1024", 1, 0)
	assert.Error(t, err)
}

func TestModel_Estimate_InvalidCount(t *testing.T) {
	m := NewModel(testTable())

	_, err := m.Estimate("flux", "standard", "1024x1024", 0, 0)
	assert.Error(t, err, "count 为 0 应该报错")

	_, err = m.Estimate("flux", "standard", "1024x1024", -3, 0)
	assert.Error(t, err, "负数 count 应该报错")
}

func TestModel_Estimate_Deterministic(t *testing.T) {
	m := NewModel(testTable())

	first, err := m.Estimate("flux", "premium", "1024x1024", 2, 40)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		again, err := m.Estimate("flux", "premium", "1024x1024", 2, 40)
		require.NoError(t, err)
		assert.Equal(t, first, again, "纯函数多次调用必须返回相同结果")
	}
}

func TestModel_LookupPrice(t *testing.T) {
	m := NewModel(testTable())

	p, ok := m.LookupPrice("sdlegacy", "draft", "512x512")
	require.True(t, ok)
	assert.Equal(t, FromUSD(0.002), p.Unit)

	_, ok = m.LookupPrice("sdlegacy", "draft", "1024x1024")
	assert.False(t, ok)
}

func TestModel_RecordActual(t *testing.T) {
	m := NewModel(testTable())

	m.RecordActual("job-1", FromUSD(0.10))
	m.RecordActual("job-2", FromUSD(0.30))

	s := m.Spend()
	assert.Equal(t, FromUSD(0.40), s.TotalCost)
	assert.Equal(t, 2, s.JobCount)
	assert.Equal(t, FromUSD(0.20), s.AvgCostPerJob)

	got, ok := m.ActualCost("job-1")
	require.True(t, ok)
	assert.Equal(t, FromUSD(0.10), got)

	_, ok = m.ActualCost("job-x")
	assert.False(t, ok)
}

func TestModel_RecordActual_Idempotent(t *testing.T) {
	m := NewModel(testTable())

	m.RecordActual("job-1", FromUSD(0.10))
	m.RecordActual("job-1", FromUSD(0.99))

	s := m.Spend()
	assert.Equal(t, FromUSD(0.10), s.TotalCost, "同一任务重复结算应当被忽略")
	assert.Equal(t, 1, s.JobCount)
}

func TestModel_TableCopiedOnConstruct(t *testing.T) {
	table := testTable()
	m := NewModel(table)

	// 构造后修改原表不应影响模型
	table[PriceKey{Provider: "flux", ModelClass: "standard", Resolution: "1024x1024"}] = Price{Unit: FromUSD(9.99)}

	got, err := m.Estimate("flux", "standard", "1024x1024", 1, 0)
	require.NoError(t, err)
	assert.Equal(t, FromUSD(0.025), got)
}
