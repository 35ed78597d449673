package revalidate

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// PolicyKind 区分三种 revalidate 写法。
type PolicyKind uint8

const (
	// KindSeconds 表示 lastModified 之后经过 Seconds 秒即过期。
	KindSeconds PolicyKind = iota
	// KindNever 对应配置中的 false，条目永不过期。
	KindNever
	// KindAt 表示一个显式的过期时间点（毫秒）。
	KindAt
)

// Policy 是单个路由的 revalidate 策略。零值等价于 Seconds(0)。
type Policy struct {
	Kind    PolicyKind
	Seconds int64
	At      int64
}

// Seconds 构造按秒过期的策略。
func Seconds(s int64) Policy { return Policy{Kind: KindSeconds, Seconds: s} }

// Never 构造永不过期的策略。
func Never() Policy { return Policy{Kind: KindNever} }

// At 构造在指定毫秒时间点过期的策略。
func At(ms int64) Policy { return Policy{Kind: KindAt, At: ms} }

// After 返回从 fromMs 起算的过期时间。
func (p Policy) After(fromMs int64) Deadline {
	switch p.Kind {
	case KindNever:
		return Deadline{Never: true}
	case KindAt:
		return Deadline{At: p.At}
	default:
		return Deadline{At: fromMs + p.Seconds*1000}
	}
}

func (p Policy) String() string {
	switch p.Kind {
	case KindNever:
		return "false"
	case KindAt:
		return time.UnixMilli(p.At).UTC().Format(time.RFC3339Nano)
	default:
		return strconv.FormatInt(p.Seconds, 10)
	}
}

// MarshalJSON 输出数字秒、false 或 RFC3339 时间字符串。
func (p Policy) MarshalJSON() ([]byte, error) {
	switch p.Kind {
	case KindNever:
		return []byte("false"), nil
	case KindAt:
		return json.Marshal(p.String())
	default:
		return []byte(strconv.FormatInt(p.Seconds, 10)), nil
	}
}

// UnmarshalJSON 接受数字、false 与 RFC3339 字符串；true 与 null 被拒绝。
func (p *Policy) UnmarshalJSON(data []byte) error {
	raw := bytes.TrimSpace(data)
	switch {
	case bytes.Equal(raw, []byte("false")):
		*p = Never()
		return nil
	case len(raw) > 0 && raw[0] == '"':
		var text string
		if err := json.Unmarshal(raw, &text); err != nil {
			return err
		}
		ts, err := time.Parse(time.RFC3339Nano, text)
		if err != nil {
			return fmt.Errorf("invalid revalidate timestamp %q: %w", text, err)
		}
		*p = At(ts.UnixMilli())
		return nil
	}

	var seconds json.Number
	if err := json.Unmarshal(raw, &seconds); err != nil {
		return fmt.Errorf("invalid revalidate value %s", raw)
	}
	if seconds == "" {
		return fmt.Errorf("invalid revalidate value %s", raw)
	}
	value, err := seconds.Float64()
	if err != nil {
		return fmt.Errorf("invalid revalidate value %s: %w", raw, err)
	}
	if value < 0 {
		return fmt.Errorf("revalidate must not be negative: %s", raw)
	}
	*p = Seconds(int64(value))
	return nil
}
