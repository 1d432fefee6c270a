package gen

import (
	"sort"

	"github.com/BaSui01/headshotflow/gen/cost"
	"github.com/BaSui01/headshotflow/gen/health"
	"go.uber.org/zap"
)

// Candidate 是一个可服务当前请求的提供商及其排序依据。
type Candidate struct {
	Provider Provider
	Profile  *ProviderProfile
	Estimate cost.Money
	Health   health.Record
}

// Selector 根据硬约束、成本估算与健康快照对候选提供商排序。
// 排序键：(状态权重, 估算成本升序, p95 延迟升序, 静态优先级, ID)，
// 完全确定，便于可复现测试。
type Selector struct {
	registry *Registry
	costs    *cost.Model
	health   *health.Monitor
	logger   *zap.Logger
}

// NewSelector 创建选择器。
func NewSelector(registry *Registry, costs *cost.Model, healthMon *health.Monitor, logger *zap.Logger) *Selector {
	return &Selector{registry: registry, costs: costs, health: healthMon, logger: logger}
}

// Rank 返回候选提供商的有序列表。
// 硬约束（模型档位、分辨率、批量上限、延迟、单价存在）不满足的直接排除；
// offline 提供商永远垫底：只有活跃候选全部失败后才会轮到它们。
func (s *Selector) Rank(req *GenerationRequest) []Candidate {
	var live, offline []Candidate

	for _, p := range s.registry.All() {
		profile := p.Capabilities()

		if !profile.SupportsClass(req.ModelClass) || !profile.SupportsResolution(req.Resolution) {
			continue
		}
		if profile.MaxBatch > 0 && req.Count > profile.MaxBatch {
			continue
		}
		if req.MaxLatency > 0 && profile.BaseTimeout > req.MaxLatency {
			continue
		}

		// 对每个候选投机估算成本；Estimate 是纯函数，无副作用
		estimate, err := s.costs.Estimate(profile.ID, req.ModelClass, req.Resolution, req.Count, req.Steps)
		if err != nil {
			s.logger.Debug("candidate skipped, no price",
				zap.String("provider", profile.ID),
				zap.Error(err),
			)
			continue
		}
		if req.MaxCost > 0 && !req.AllowOverage && estimate > req.MaxCost {
			continue
		}

		rec, _ := s.health.Snapshot(profile.ID)
		c := Candidate{Provider: p, Profile: profile, Estimate: estimate, Health: rec}
		if rec.Status == health.StatusOffline {
			offline = append(offline, c)
		} else {
			live = append(live, c)
		}
	}

	// offline 候选作为最后手段追加在活跃候选之后；
	// 状态权重排序键保证它们垫底
	candidates := append(live, offline...)

	sort.Slice(candidates, func(i, j int) bool {
		ci, cj := candidates[i], candidates[j]
		if wi, wj := ci.Health.Status.Weight(), cj.Health.Status.Weight(); wi != wj {
			return wi < wj
		}
		if ci.Estimate != cj.Estimate {
			return ci.Estimate < cj.Estimate
		}
		if ci.Health.P95Latency != cj.Health.P95Latency {
			return ci.Health.P95Latency < cj.Health.P95Latency
		}
		if ci.Profile.Priority != cj.Profile.Priority {
			return ci.Profile.Priority < cj.Profile.Priority
		}
		return ci.Profile.ID < cj.Profile.ID
	})

	return candidates
}
