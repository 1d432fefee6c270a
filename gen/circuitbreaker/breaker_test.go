package circuitbreaker

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var errUpstream = errors.New("upstream exploded")

func newTestBreaker(cfg *Config) *Breaker {
	return New(cfg, zap.NewNop())
}

func TestBreaker_OpensAfterThreshold(t *testing.T) {
	b := newTestBreaker(&Config{Threshold: 3, ResetTimeout: time.Minute})

	for i := 0; i < 2; i++ {
		require.NoError(t, b.Allow())
		b.Record(errUpstream)
	}
	assert.Equal(t, StateClosed, b.State(), "未达阈值不应熔断")

	require.NoError(t, b.Allow())
	b.Record(errUpstream)
	assert.Equal(t, StateOpen, b.State())
	assert.ErrorIs(t, b.Allow(), ErrCircuitOpen)
}

func TestBreaker_SuccessResetsFailureCount(t *testing.T) {
	b := newTestBreaker(&Config{Threshold: 3, ResetTimeout: time.Minute})

	b.Record(errUpstream)
	b.Record(errUpstream)
	b.Record(nil)
	b.Record(errUpstream)
	b.Record(errUpstream)

	assert.Equal(t, StateClosed, b.State(), "成功应清零连续失败计数")
}

func TestBreaker_HalfOpenAfterResetTimeout(t *testing.T) {
	b := newTestBreaker(&Config{Threshold: 1, ResetTimeout: 20 * time.Millisecond, HalfOpenMaxCalls: 2})

	b.Record(errUpstream)
	require.Equal(t, StateOpen, b.State())
	require.Error(t, b.Allow())

	time.Sleep(30 * time.Millisecond)

	// 超过 ResetTimeout 后第一次 Allow 进入半开并放行
	require.NoError(t, b.Allow())
	assert.Equal(t, StateHalfOpen, b.State())

	// 半开额度内继续放行，超限拒绝
	require.NoError(t, b.Allow())
	assert.ErrorIs(t, b.Allow(), ErrTooManyCallsInHalfOpen)
}

func TestBreaker_HalfOpenSuccessCloses(t *testing.T) {
	b := newTestBreaker(&Config{Threshold: 1, ResetTimeout: 10 * time.Millisecond, HalfOpenMaxCalls: 3})

	b.Record(errUpstream)
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, b.Allow())
	require.Equal(t, StateHalfOpen, b.State())

	b.Record(nil)
	assert.Equal(t, StateClosed, b.State(), "半开状态下成功应立即闭合")
	assert.NoError(t, b.Allow())
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	b := newTestBreaker(&Config{Threshold: 1, ResetTimeout: 10 * time.Millisecond, HalfOpenMaxCalls: 3})

	b.Record(errUpstream)
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, b.Allow())
	require.Equal(t, StateHalfOpen, b.State())

	b.Record(errUpstream)
	assert.Equal(t, StateOpen, b.State(), "半开状态下失败应重新熔断")
	assert.ErrorIs(t, b.Allow(), ErrCircuitOpen)
}

func TestBreaker_ClientErrorsDoNotTrip(t *testing.T) {
	clientErr := errors.New("bad prompt")
	b := newTestBreaker(&Config{
		Threshold:    2,
		ResetTimeout: time.Minute,
		IsClientError: func(err error) bool {
			return errors.Is(err, clientErr)
		},
	})

	for i := 0; i < 10; i++ {
		b.Record(clientErr)
	}
	assert.Equal(t, StateClosed, b.State(), "调用方错误不应计入熔断失败")

	b.Record(errUpstream)
	b.Record(errUpstream)
	assert.Equal(t, StateOpen, b.State(), "上游错误仍然正常熔断")
}

func TestBreaker_Reset(t *testing.T) {
	b := newTestBreaker(&Config{Threshold: 1, ResetTimeout: time.Hour})

	b.Record(errUpstream)
	require.Equal(t, StateOpen, b.State())

	b.Reset()
	assert.Equal(t, StateClosed, b.State())
	assert.NoError(t, b.Allow())
}

func TestBreaker_OnStateChange(t *testing.T) {
	changes := make(chan [2]State, 4)
	b := newTestBreaker(&Config{
		Threshold:    1,
		ResetTimeout: time.Hour,
		OnStateChange: func(from, to State) {
			changes <- [2]State{from, to}
		},
	})

	b.Record(errUpstream)

	select {
	case ch := <-changes:
		assert.Equal(t, StateClosed, ch[0])
		assert.Equal(t, StateOpen, ch[1])
	case <-time.After(time.Second):
		t.Fatal("状态变更回调未触发")
	}
}

func TestBreaker_NilConfigUsesDefaults(t *testing.T) {
	b := newTestBreaker(nil)
	assert.Equal(t, StateClosed, b.State())
	assert.NoError(t, b.Allow())
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "Closed", StateClosed.String())
	assert.Equal(t, "Open", StateOpen.String())
	assert.Equal(t, "HalfOpen", StateHalfOpen.String())
	assert.Equal(t, "Unknown", State(42).String())
}
