package gen

import (
	"time"

	"github.com/BaSui01/headshotflow/gen/cost"
)

// 模型档位。调用方只声明档位，具体模型 ID 由各适配器映射。
const (
	ClassFast     = "fast"
	ClassBalanced = "balanced"
	ClassPremium  = "premium"
)

// GenerationRequest 是一次生成请求的不可变值对象，提交后不再修改。
type GenerationRequest struct {
	AccountID      string        `json:"account_id"`
	IdempotencyKey string        `json:"idempotency_key"`
	Prompt         string        `json:"prompt"`
	AssetInputs    []string      `json:"asset_inputs,omitempty"` // 自拍素材引用
	ModelClass     string        `json:"model_class"`            // fast / balanced / premium
	Count          int           `json:"count"`
	Resolution     string        `json:"resolution"` // 如 1024x1024
	Steps          int           `json:"steps,omitempty"`
	MaxCost        cost.Money    `json:"max_cost,omitempty"` // 0 表示无上限
	AllowOverage   bool          `json:"allow_overage,omitempty"`
	MaxLatency     time.Duration `json:"max_latency,omitempty"` // 0 表示使用全局超时
	CompleteOrFail bool          `json:"complete_or_fail,omitempty"`
}

// Validate 校验请求参数，失败返回 KindInvalidRequest。
func (r *GenerationRequest) Validate() error {
	switch {
	case r.AccountID == "":
		return Errf(KindInvalidRequest, "", "account_id is required")
	case r.IdempotencyKey == "":
		return Errf(KindInvalidRequest, "", "idempotency_key is required")
	case r.Prompt == "":
		return Errf(KindInvalidRequest, "", "prompt is required")
	case r.Count <= 0:
		return Errf(KindInvalidRequest, "", "count must be positive, got %d", r.Count)
	case r.Resolution == "":
		return Errf(KindInvalidRequest, "", "resolution is required")
	case r.ModelClass != ClassFast && r.ModelClass != ClassBalanced && r.ModelClass != ClassPremium:
		return Errf(KindInvalidRequest, "", "unknown model class %q", r.ModelClass)
	}
	return nil
}

// JobPhase 是任务状态机的阶段。
type JobPhase string

const (
	PhaseQueued         JobPhase = "queued"
	PhaseSelecting      JobPhase = "selecting"
	PhaseSubmitting     JobPhase = "submitting"
	PhasePolling        JobPhase = "polling"
	PhaseSucceeded      JobPhase = "succeeded"
	PhasePartialSuccess JobPhase = "partial_success"
	PhaseFailed         JobPhase = "failed"
	PhaseSettled        JobPhase = "settled"
)

// Terminal 判断阶段是否为终态（含已结算）。
func (p JobPhase) Terminal() bool {
	switch p {
	case PhaseSucceeded, PhasePartialSuccess, PhaseFailed, PhaseSettled:
		return true
	default:
		return false
	}
}

// Attempt 记录一次提供商尝试的结果，进入历史后不再修改。
type Attempt struct {
	Provider string        `json:"provider"`
	Outcome  ErrorKind     `json:"outcome"` // 空表示成功
	Latency  time.Duration `json:"latency"`
	Cost     cost.Money    `json:"cost"`
}

// Succeeded 判断该次尝试是否成功。
func (a Attempt) Succeeded() bool { return a.Outcome == "" }

// JobSnapshot 是某一时刻 JobState 的只读副本，供 Status 查询、归档与通知使用。
type JobSnapshot struct {
	ID        string             `json:"id"`
	Request   *GenerationRequest `json:"request"`
	Phase     JobPhase           `json:"phase"`
	Outcome   JobPhase           `json:"outcome,omitempty"` // 结算前的终态（Succeeded/PartialSuccess/Failed）
	Attempts  []Attempt          `json:"attempts"`
	Spend     cost.Money         `json:"spend"`
	Assets    []AssetRef         `json:"assets,omitempty"`
	Err       *Error             `json:"error,omitempty"`
	Provider  string             `json:"provider,omitempty"` // 最终服务的提供商
	CreatedAt time.Time          `json:"created_at"`
	UpdatedAt time.Time          `json:"updated_at"`
}
