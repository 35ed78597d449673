package config

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Duration 提供更灵活的反序列化能力，同时兼容纯秒整数与 Go Duration 字符串。
type Duration time.Duration

// UnmarshalText 使 Viper 可以识别诸如 "30s"、"5m" 或纯数字秒值等配置写法。
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		*d = Duration(0)
		return nil
	}

	if parsed, err := time.ParseDuration(raw); err == nil {
		*d = Duration(parsed)
		return nil
	}

	if intVal, err := parseInt(raw); err == nil {
		*d = Duration(time.Duration(intVal) * time.Second)
		return nil
	}

	return fmt.Errorf("invalid duration value: %s", raw)
}

// DurationValue 返回真实的 time.Duration，便于调用方计算。
func (d Duration) DurationValue() time.Duration {
	return time.Duration(d)
}

// parseInt 支持十进制或 0x 前缀的十六进制字符串解析。
func parseInt(value string) (int64, error) {
	if strings.HasPrefix(value, "0x") || strings.HasPrefix(value, "0X") {
		return strconv.ParseInt(value, 0, 64)
	}
	return strconv.ParseInt(value, 10, 64)
}

// 运行模式，对应 incremental.Mode。
const (
	ModeNormal       = "normal"
	ModeDevelopment  = "development"
	ModeTestDisabled = "test-disabled"
)

// 后端选择；auto 按 custom > remote > filesystem > noop 的优先级自动解析。
const (
	BackendAuto       = "auto"
	BackendFilesystem = "filesystem"
	BackendRemote     = "remote"
	BackendRedis      = "redis"
	BackendNoop       = "noop"
)

// GlobalConfig 描述缓存进程的全局运行参数。
type GlobalConfig struct {
	ListenHost          string   `mapstructure:"ListenHost"`
	ListenPort          int      `mapstructure:"ListenPort"`
	LogLevel            string   `mapstructure:"LogLevel"`
	LogFilePath         string   `mapstructure:"LogFilePath"`
	LogMaxSize          int      `mapstructure:"LogMaxSize"`
	LogMaxBackups       int      `mapstructure:"LogMaxBackups"`
	LogCompress         bool     `mapstructure:"LogCompress"`
	Mode                string   `mapstructure:"Mode"`
	MinimalMode         bool     `mapstructure:"MinimalMode"`
	Backend             string   `mapstructure:"Backend"`
	DistDir             string   `mapstructure:"DistDir"`
	AppDir              bool     `mapstructure:"AppDir"`
	PagesDir            bool     `mapstructure:"PagesDir"`
	FlushToDisk         bool     `mapstructure:"FlushToDisk"`
	MaxMemoryCacheSize  int64    `mapstructure:"MaxMemoryCacheSize"`
	MaxFetchEntrySize   int      `mapstructure:"MaxFetchEntrySize"`
	FetchCacheKeyPrefix string   `mapstructure:"FetchCacheKeyPrefix"`
	PrerenderManifest   string   `mapstructure:"PrerenderManifest"`
	Locales             []string `mapstructure:"Locales"`
	LockLeaseTimeout    Duration `mapstructure:"LockLeaseTimeout"`
	RequestTimeout      Duration `mapstructure:"RequestTimeout"`
}

// RemoteConfig 对应远端 suspense-cache HTTP 服务。
type RemoteConfig struct {
	URL      string `mapstructure:"URL"`
	BasePath string `mapstructure:"BasePath"`
	Token    string `mapstructure:"Token"`
}

// RedisConfig 描述 Redis 自定义后端的连接参数。
type RedisConfig struct {
	Addr      string   `mapstructure:"Addr"`
	Password  string   `mapstructure:"Password"`
	DB        int      `mapstructure:"DB"`
	KeyPrefix string   `mapstructure:"KeyPrefix"`
	EntryTTL  Duration `mapstructure:"EntryTTL"`
}

// Config 是 TOML 文件映射的整体结构。
type Config struct {
	Global GlobalConfig `mapstructure:",squash"`
	Remote RemoteConfig `mapstructure:"Remote"`
	Redis  RedisConfig  `mapstructure:"Redis"`
}

// ManifestPath 返回 prerender manifest 的实际路径，未显式配置时位于 DistDir 下。
func (c *Config) ManifestPath() string {
	if c == nil {
		return ""
	}
	if c.Global.PrerenderManifest != "" {
		return c.Global.PrerenderManifest
	}
	if c.Global.DistDir == "" {
		return ""
	}
	return filepath.Join(c.Global.DistDir, "prerender-manifest.json")
}

// ListenAddress 输出 host:port 形式的监听地址。
func (c *Config) ListenAddress() string {
	return fmt.Sprintf("%s:%d", c.Global.ListenHost, c.Global.ListenPort)
}

// BackendSummary 返回日志使用的后端摘要，例如 filesystem:flush。
func (c *Config) BackendSummary() string {
	backend := c.Global.Backend
	switch backend {
	case BackendFilesystem, BackendAuto:
		if c.Global.FlushToDisk {
			return backend + ":flush"
		}
		return backend + ":memory"
	case BackendRedis:
		return backend + ":" + c.Redis.Addr
	default:
		return backend
	}
}
