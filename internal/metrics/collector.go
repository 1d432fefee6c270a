// Package metrics provides internal metrics collection.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/BaSui01/headshotflow/gen"
	"github.com/BaSui01/headshotflow/gen/cost"
	"github.com/BaSui01/headshotflow/gen/health"
)

// =============================================================================
// 📊 指标收集器
// =============================================================================

// Collector 指标收集器，实现 gen.Observer
type Collector struct {
	// 任务指标
	jobsSettledTotal *prometheus.CounterVec
	jobDuration      *prometheus.HistogramVec
	jobSpend         *prometheus.CounterVec

	// 提供商尝试指标
	attemptsTotal  *prometheus.CounterVec
	attemptLatency *prometheus.HistogramVec
	authFailures   *prometheus.CounterVec

	// 提供商健康指标
	providerStatus *prometheus.GaugeVec

	// 数据库指标
	dbConnectionsOpen *prometheus.GaugeVec
	dbConnectionsIdle *prometheus.GaugeVec

	logger *zap.Logger
}

// NewCollector 创建指标收集器
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	// 任务指标
	c.jobsSettledTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_settled_total",
			Help:      "Total number of settled generation jobs",
		},
		[]string{"provider", "outcome"},
	)

	c.jobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "Generation job duration from submit to settlement",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600},
		},
		[]string{"provider", "outcome"},
	)

	c.jobSpend = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_spend_usd_total",
			Help:      "Total settled spend in USD",
		},
		[]string{"provider"},
	)

	// 提供商尝试指标
	c.attemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_attempts_total",
			Help:      "Total number of provider engagements",
		},
		[]string{"provider", "outcome"},
	)

	c.attemptLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "provider_attempt_latency_seconds",
			Help:      "Provider engagement latency in seconds",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 30, 60, 120},
		},
		[]string{"provider"},
	)

	c.authFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_auth_failures_total",
			Help:      "Total number of provider auth failures",
		},
		[]string{"provider"},
	)

	// 提供商健康指标
	c.providerStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "provider_health_status",
			Help:      "Provider health status (0=online, 1=degraded, 2=offline)",
		},
		[]string{"provider"},
	)

	// 数据库指标
	c.dbConnectionsOpen = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "db_connections_open",
			Help:      "Number of open database connections",
		},
		[]string{"database"},
	)

	c.dbConnectionsIdle = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "db_connections_idle",
			Help:      "Number of idle database connections",
		},
		[]string{"database"},
	)

	logger.Info("metrics collector initialized", zap.String("namespace", namespace))

	return c
}

// =============================================================================
// 🎯 编排器指标记录（gen.Observer 实现）
// =============================================================================

// JobSettled 记录一个已结算任务
func (c *Collector) JobSettled(provider string, outcome gen.JobPhase, duration time.Duration, spend cost.Money) {
	if provider == "" {
		provider = "none"
	}
	c.jobsSettledTotal.WithLabelValues(provider, string(outcome)).Inc()
	c.jobDuration.WithLabelValues(provider, string(outcome)).Observe(duration.Seconds())
	if spend > 0 {
		c.jobSpend.WithLabelValues(provider).Add(spend.USD())
	}
}

// AttemptRecorded 记录一次提供商尝试
func (c *Collector) AttemptRecorded(provider string, outcome gen.ErrorKind, latency time.Duration) {
	label := "success"
	if outcome != "" {
		label = string(outcome)
	}
	c.attemptsTotal.WithLabelValues(provider, label).Inc()
	c.attemptLatency.WithLabelValues(provider).Observe(latency.Seconds())
}

// AuthFailureDetected 记录一次鉴权失败
func (c *Collector) AuthFailureDetected(provider string) {
	c.authFailures.WithLabelValues(provider).Inc()
}

// =============================================================================
// 💚 健康指标记录
// =============================================================================

// HealthStatusChanged 记录提供商健康状态变化，接线到 health.Monitor.OnStatusChange
func (c *Collector) HealthStatusChanged(provider string, from, to health.Status) {
	c.providerStatus.WithLabelValues(provider).Set(float64(to.Weight()))
}

// =============================================================================
// 🗄️ 数据库指标记录
// =============================================================================

// RecordDBConnections 记录数据库连接数
func (c *Collector) RecordDBConnections(database string, open, idle int) {
	c.dbConnectionsOpen.WithLabelValues(database).Set(float64(open))
	c.dbConnectionsIdle.WithLabelValues(database).Set(float64(idle))
}
