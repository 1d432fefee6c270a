package gen

import (
	"fmt"
	"sort"
)

// Registry 是进程启动时构建的静态提供商表。候选集合封闭可枚举，
// 运行期不做动态注册，路由策略变更需要重启进程。
type Registry struct {
	providers map[string]Provider
}

// NewRegistry 创建空注册表。
func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]Provider)}
}

// Register 注册提供商，重复 ID 报错。
func (r *Registry) Register(p Provider) error {
	id := p.Name()
	if id == "" {
		return fmt.Errorf("provider has empty name")
	}
	if _, exists := r.providers[id]; exists {
		return fmt.Errorf("provider %q already registered", id)
	}
	r.providers[id] = p
	return nil
}

// Get 按 ID 取提供商。
func (r *Registry) Get(id string) (Provider, bool) {
	p, ok := r.providers[id]
	return p, ok
}

// All 返回全部提供商，按静态优先级（同优先级按 ID）排序，保证确定性。
func (r *Registry) All() []Provider {
	out := make([]Provider, 0, len(r.providers))
	for _, p := range r.providers {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		pi, pj := out[i].Capabilities(), out[j].Capabilities()
		if pi.Priority != pj.Priority {
			return pi.Priority < pj.Priority
		}
		return pi.ID < pj.ID
	})
	return out
}

// Len 返回已注册提供商数。
func (r *Registry) Len() int { return len(r.providers) }
