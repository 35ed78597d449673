package revalidate

import "sync"

// Timings 保存路由 → revalidate 策略，启动时由 prerender manifest 播种，
// Set 时在内存中更新，从不落盘。并发写入按最后写入为准。
type Timings struct {
	mu     sync.RWMutex
	routes map[string]Policy
}

// NewTimings 复制 seed 作为初始表。
func NewTimings(seed map[string]Policy) *Timings {
	routes := make(map[string]Policy, len(seed))
	for route, policy := range seed {
		routes[route] = policy
	}
	return &Timings{routes: routes}
}

// Get 返回路由的策略，未配置时 ok 为 false。
func (t *Timings) Get(route string) (Policy, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	policy, ok := t.routes[route]
	return policy, ok
}

// Set 覆盖路由的策略。
func (t *Timings) Set(route string, policy Policy) {
	t.mu.Lock()
	t.routes[route] = policy
	t.mu.Unlock()
}

// Snapshot 返回当前表的副本，供诊断接口输出。
func (t *Timings) Snapshot() map[string]Policy {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[string]Policy, len(t.routes))
	for route, policy := range t.routes {
		out[route] = policy
	}
	return out
}
