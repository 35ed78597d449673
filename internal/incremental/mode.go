package incremental

import (
	"fmt"
	"strings"
)

// Mode 替代环境变量控制缓存行为。
type Mode int

const (
	// ModeNormal 正常读写缓存。
	ModeNormal Mode = iota
	// ModeDevelopment 只缓存 fetch 条目，页面总是重新生成，超限写入直接报错。
	ModeDevelopment
	// ModeTestDisabled 完全禁用缓存。
	ModeTestDisabled
)

func (m Mode) String() string {
	switch m {
	case ModeDevelopment:
		return "development"
	case ModeTestDisabled:
		return "test-disabled"
	default:
		return "normal"
	}
}

// ParseMode 解析配置中的模式字符串，空值视为 normal。
func ParseMode(raw string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "normal":
		return ModeNormal, nil
	case "development", "dev":
		return ModeDevelopment, nil
	case "test-disabled", "test":
		return ModeTestDisabled, nil
	default:
		return ModeNormal, fmt.Errorf("unknown cache mode %q", raw)
	}
}
