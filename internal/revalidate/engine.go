package revalidate

import (
	"encoding/json"
	"time"

	"github.com/any-hub/isrcache/internal/cachekey"
)

// CacheOneYear 以秒计，用作 "已知不存在" 条目的负向过期时间。
const CacheOneYear int64 = 31536000

// NotFoundSentinel 是表示 "已知不存在、需要重新确认" 的 lastModified 取值。
const NotFoundSentinel int64 = -1

// DefaultPolicy 是时长表中缺失路由时使用的策略。
var DefaultPolicy = Seconds(1)

// Deadline 是条目的过期时间点；Never 为 true 时 At 无意义。
type Deadline struct {
	At    int64
	Never bool
}

// MarshalJSON 将永不过期编码为 false，其余为毫秒时间戳。
func (d Deadline) MarshalJSON() ([]byte, error) {
	if d.Never {
		return []byte("false"), nil
	}
	return json.Marshal(d.At)
}

// UnmarshalJSON 是 MarshalJSON 的逆操作。
func (d *Deadline) UnmarshalJSON(data []byte) error {
	if string(data) == "false" {
		*d = Deadline{Never: true}
		return nil
	}
	var at int64
	if err := json.Unmarshal(data, &at); err != nil {
		return err
	}
	*d = Deadline{At: at}
	return nil
}

// IsStale 判断在 nowMs 时刻 d 是否已过期。
func IsStale(d Deadline, nowMs int64) bool {
	return !d.Never && d.At < nowMs
}

// Engine 结合时长表与时钟计算过期时间。
type Engine struct {
	timings *Timings
	now     func() time.Time
}

// NewEngine 构造计算引擎，now 为空时使用 time.Now。
func NewEngine(timings *Timings, now func() time.Time) *Engine {
	if timings == nil {
		timings = NewTimings(nil)
	}
	if now == nil {
		now = time.Now
	}
	return &Engine{timings: timings, now: now}
}

// Timings 返回引擎使用的时长表。
func (e *Engine) Timings() *Timings {
	return e.timings
}

// NowMillis 返回引擎时钟的当前毫秒值。
func (e *Engine) NowMillis() int64 {
	return e.now().UnixMilli()
}

// PolicyFor 返回页面路径对应路由的策略，未配置时返回默认值。
func (e *Engine) PolicyFor(pathname string) (Policy, bool) {
	if policy, ok := e.timings.Get(cachekey.ToRoute(pathname)); ok {
		return policy, true
	}
	return DefaultPolicy, false
}

// CalculateRevalidateAfter 计算 pathname 从 fromMs 起的过期时间。
// 开发模式下总是返回一秒前，强制每次重新生成。
func (e *Engine) CalculateRevalidateAfter(pathname string, fromMs int64, dev bool) Deadline {
	if dev {
		return Deadline{At: e.NowMillis() - 1000}
	}
	policy, _ := e.PolicyFor(pathname)
	return policy.After(fromMs)
}

// IsStale 判断 lastModified 在给定策略下是否已过期。
func (e *Engine) IsStale(lastModified int64, policy Policy, nowMs int64) bool {
	if lastModified == NotFoundSentinel {
		return true
	}
	return IsStale(policy.After(lastModified), nowMs)
}

// NotFoundDeadline 对应 lastModified == -1 的条目。
func NotFoundDeadline() Deadline {
	return Deadline{At: -CacheOneYear}
}
