package gen

import (
	"errors"
	"fmt"
	"time"
)

// 统一的生成错误分类，用于对齐可重试性、回退与降级策略。
// 适配器必须把所有上游错误归入这些分类之一；编排器只基于分类做决策，
// 原始上游错误永远不会越过适配器边界。
type ErrorKind string

const (
	KindRateLimited         ErrorKind = "GEN_RATE_LIMITED"          // 上游限流，可在同一提供商延迟重试
	KindAuthFailure         ErrorKind = "GEN_AUTH_FAILURE"          // 密钥失效或配置错误，不可重试，提供商强制下线
	KindInvalidRequest      ErrorKind = "GEN_INVALID_REQUEST"       // 调用方参数错误，不可重试，立即上抛
	KindUpstreamUnavailable ErrorKind = "GEN_UPSTREAM_UNAVAILABLE"  // 上游 5xx/网络错误，可回退
	KindTimeout             ErrorKind = "GEN_TIMEOUT"               // 上游超时，可回退
	KindUnknownTransient    ErrorKind = "GEN_UNKNOWN_TRANSIENT"     // 未知瞬态错误，可回退（有限次数）
	KindNoCapacity          ErrorKind = "GEN_NO_CAPACITY"           // 所有候选提供商耗尽，终态
	KindBudgetExceeded      ErrorKind = "GEN_BUDGET_EXCEEDED"       // 预算不足，提交前同步拒绝
	KindAlreadyInProgress   ErrorKind = "GEN_ALREADY_IN_PROGRESS"   // 幂等键冲突，仅对重复调用终态
	KindCancelled           ErrorKind = "GEN_CANCELLED"             // 调用方取消
	KindNotSupported        ErrorKind = "GEN_NOT_SUPPORTED"         // 提供商不支持该操作（如 Cancel）
)

// Error 是编排层的统一错误类型。
type Error struct {
	Kind       ErrorKind     `json:"kind"`
	Message    string        `json:"message"`
	Provider   string        `json:"provider,omitempty"`
	RetryAfter time.Duration `json:"retry_after,omitempty"` // 仅 KindRateLimited 有效
	Suggestion string        `json:"suggestion,omitempty"`  // 预算降级建议的模型档位
}

func (e *Error) Error() string {
	if e.Provider != "" {
		return fmt.Sprintf("%s: %s: %s", e.Kind, e.Provider, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Errf 构造带分类的错误。
func Errf(kind ErrorKind, provider, format string, args ...any) *Error {
	return &Error{Kind: kind, Provider: provider, Message: fmt.Sprintf(format, args...)}
}

// KindOf 提取错误分类；未分类错误一律视为 KindUnknownTransient。
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Kind
	}
	return KindUnknownTransient
}

// AsError 提取 *Error；未分类错误被包装为 KindUnknownTransient。
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var ge *Error
	if errors.As(err, &ge) {
		return ge
	}
	return &Error{Kind: KindUnknownTransient, Message: err.Error()}
}

// IsRetryable 判断分类是否允许重试或回退。
// KindInvalidRequest 和 KindAuthFailure 永远不重试。
func IsRetryable(kind ErrorKind) bool {
	switch kind {
	case KindRateLimited, KindUpstreamUnavailable, KindTimeout, KindUnknownTransient:
		return true
	default:
		return false
	}
}

// IsTerminalKind 判断分类是否为任务级终态错误。
func IsTerminalKind(kind ErrorKind) bool {
	switch kind {
	case KindNoCapacity, KindBudgetExceeded, KindCancelled, KindInvalidRequest:
		return true
	default:
		return false
	}
}
