package gen

import (
	"context"
	"time"

	"github.com/BaSui01/headshotflow/gen/cost"
)

// OutcomePhase 表示提供商侧任务的阶段。
type OutcomePhase string

const (
	OutcomePending     OutcomePhase = "pending"
	OutcomeSucceeded   OutcomePhase = "succeeded"
	OutcomeFailed      OutcomePhase = "failed"
	OutcomeRateLimited OutcomePhase = "rate_limited"
)

// AssetRef 指向一张已生成的图像资产。适配器只返回引用，不回传内容本体。
type AssetRef struct {
	URL      string `json:"url,omitempty"`
	B64JSON  string `json:"b64_json,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
	Seed     int64  `json:"seed,omitempty"`
}

// JobOutcome 是 Poll 的统一返回结构。
// Failed 时 FailureKind 必须是已分类的 ErrorKind；
// RateLimited 时 RetryAfter 表示上游建议的等待时间。
type JobOutcome struct {
	Phase       OutcomePhase  `json:"phase"`
	Assets      []AssetRef    `json:"assets,omitempty"`
	FailureKind ErrorKind     `json:"failure_kind,omitempty"`
	Message     string        `json:"message,omitempty"`
	RetryAfter  time.Duration `json:"retry_after,omitempty"`
}

// ProviderProfile 描述提供商的静态能力与约束，进程启动时构建后不再变化。
type ProviderProfile struct {
	ID             string        `json:"id"`
	Priority       int           `json:"priority"` // 静态优先级，数值小者优先，用于确定性平局裁决
	ModelClasses   []string      `json:"model_classes"`
	Resolutions    []string      `json:"resolutions"`
	MaxBatch       int           `json:"max_batch"`
	SupportsVideo  bool          `json:"supports_video"`
	SupportsCancel bool          `json:"supports_cancel"`
	BaseTimeout    time.Duration `json:"base_timeout"`
}

// SupportsClass 判断提供商是否支持指定模型档位。
func (p *ProviderProfile) SupportsClass(class string) bool {
	for _, c := range p.ModelClasses {
		if c == class {
			return true
		}
	}
	return false
}

// SupportsResolution 判断提供商是否支持指定分辨率。
func (p *ProviderProfile) SupportsResolution(res string) bool {
	for _, r := range p.Resolutions {
		if r == res {
			return true
		}
	}
	return false
}

// HealthStatus 表示一次主动探活的结果。
type HealthStatus struct {
	Healthy bool          `json:"healthy"`
	Latency time.Duration `json:"latency"`
}

// Provider 定义了统一的生成提供商适配接口。
// 所有方法都必须在适配器内部完成错误分类（返回 *Error），
// 并受显式超时约束，不依赖库默认超时。
type Provider interface {
	// Submit 提交生成任务，返回提供商侧任务 ID。
	Submit(ctx context.Context, req *GenerationRequest) (string, error)

	// Poll 查询任务状态，返回统一的 JobOutcome。
	Poll(ctx context.Context, providerJobID string) (*JobOutcome, error)

	// Cancel 尽力取消任务；不支持取消的提供商返回 KindNotSupported。
	Cancel(ctx context.Context, providerJobID string) error

	// Capabilities 返回静态能力描述。
	Capabilities() *ProviderProfile

	// HealthCheck 执行轻量级探活（用于健康监控），返回延迟与可用性信息。
	HealthCheck(ctx context.Context) (*HealthStatus, error)

	// Name 返回提供商唯一标识，与 Capabilities().ID 一致。
	Name() string
}

// Ledger 是追加式账本接口（外部协作方）。
// 编排器对其 fire-and-forget：写入失败只记日志，不影响内存中的任务状态。
type Ledger interface {
	RecordAttempt(ctx context.Context, jobID string, attempt Attempt) error
	RecordSettlement(ctx context.Context, jobID, accountID string, outcome JobPhase, finalCost cost.Money, provider string) error
}

// TerminalEvent 是任务终态通知事件。
type TerminalEvent struct {
	JobID     string     `json:"job_id"`
	AccountID string     `json:"account_id"`
	Outcome   JobPhase   `json:"outcome"`
	Cost      cost.Money `json:"cost"`
	Provider  string     `json:"provider,omitempty"`
}

// Notifier 是终态通知接口（外部协作方）。
// 投递失败不得回滚或重试编排本身。
type Notifier interface {
	NotifyTerminal(ctx context.Context, ev TerminalEvent) error
}

// Archiver 归档终态 JobState（外部协作方）。
type Archiver interface {
	Archive(ctx context.Context, job *JobSnapshot) error
}
