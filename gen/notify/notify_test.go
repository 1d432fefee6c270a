package notify

import (
	"context"
	"testing"

	"github.com/BaSui01/headshotflow/gen"
	"github.com/BaSui01/headshotflow/gen/cost"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func sampleEvent(jobID string) gen.TerminalEvent {
	return gen.TerminalEvent{
		JobID:     jobID,
		AccountID: "acct-1",
		Outcome:   gen.PhaseSucceeded,
		Cost:      cost.FromUSD(0.04),
		Provider:  "flux",
	}
}

func TestLogNotifier(t *testing.T) {
	n := NewLogNotifier(zap.NewNop())
	assert.NoError(t, n.NotifyTerminal(context.Background(), sampleEvent("job-1")))
}

func TestChannelNotifier_Delivers(t *testing.T) {
	n := NewChannelNotifier(4, zap.NewNop())
	ctx := context.Background()

	require.NoError(t, n.NotifyTerminal(ctx, sampleEvent("job-1")))
	require.NoError(t, n.NotifyTerminal(ctx, sampleEvent("job-2")))

	ev := <-n.Events()
	assert.Equal(t, "job-1", ev.JobID)
	ev = <-n.Events()
	assert.Equal(t, "job-2", ev.JobID)
}

func TestChannelNotifier_DropsWhenFull(t *testing.T) {
	n := NewChannelNotifier(1, zap.NewNop())
	ctx := context.Background()

	require.NoError(t, n.NotifyTerminal(ctx, sampleEvent("job-1")))
	// 通道已满：丢弃但不报错、不阻塞
	require.NoError(t, n.NotifyTerminal(ctx, sampleEvent("job-2")))

	ev := <-n.Events()
	assert.Equal(t, "job-1", ev.JobID)

	select {
	case ev = <-n.Events():
		t.Fatalf("溢出事件不应投递: %s", ev.JobID)
	default:
	}
}

func TestChannelNotifier_DefaultBuffer(t *testing.T) {
	n := NewChannelNotifier(0, zap.NewNop())
	for i := 0; i < 64; i++ {
		require.NoError(t, n.NotifyTerminal(context.Background(), sampleEvent("job")))
	}
	assert.Len(t, n.Events(), 64)
}
