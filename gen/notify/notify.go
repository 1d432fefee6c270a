// 包 notify 提供任务终态事件的分发。
// 投递是 fire-and-forget：失败只记日志，绝不回滚或重试编排本身。
package notify

import (
	"context"

	"github.com/BaSui01/headshotflow/gen"
	"go.uber.org/zap"
)

// LogNotifier 把终态事件写入结构化日志（默认实现，
// 真实部署里由外部通知服务替换）。
type LogNotifier struct {
	logger *zap.Logger
}

// NewLogNotifier 创建日志通知器。
func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

// NotifyTerminal 实现 gen.Notifier。
func (n *LogNotifier) NotifyTerminal(_ context.Context, ev gen.TerminalEvent) error {
	n.logger.Info("generation job finished",
		zap.String("job_id", ev.JobID),
		zap.String("account_id", ev.AccountID),
		zap.String("outcome", string(ev.Outcome)),
		zap.Int64("cost_micro_usd", int64(ev.Cost)),
		zap.String("provider", ev.Provider),
	)
	return nil
}

// ChannelNotifier 把终态事件送入通道，供进程内消费方（邮件派发等）订阅。
// 通道满时丢弃事件并记日志——通知不允许反压编排器。
type ChannelNotifier struct {
	ch     chan gen.TerminalEvent
	logger *zap.Logger
}

// NewChannelNotifier 创建通道通知器。
func NewChannelNotifier(buffer int, logger *zap.Logger) *ChannelNotifier {
	if buffer <= 0 {
		buffer = 64
	}
	return &ChannelNotifier{ch: make(chan gen.TerminalEvent, buffer), logger: logger}
}

// Events 返回事件通道。
func (n *ChannelNotifier) Events() <-chan gen.TerminalEvent { return n.ch }

// NotifyTerminal 实现 gen.Notifier。
func (n *ChannelNotifier) NotifyTerminal(_ context.Context, ev gen.TerminalEvent) error {
	select {
	case n.ch <- ev:
		return nil
	default:
		n.logger.Warn("terminal event dropped, notifier channel full",
			zap.String("job_id", ev.JobID),
		)
		return nil
	}
}
