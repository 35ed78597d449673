package config

import (
	"fmt"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// Load 读取并解析 TOML 配置文件，同时注入默认值与校验逻辑。
func Load(path string) (*Config, error) {
	if path == "" {
		path = "config.toml"
	}

	v := viper.New()
	v.SetConfigFile(path)
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置失败: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(durationDecodeHook())); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	applyGlobalDefaults(&cfg.Global)
	applyRedisDefaults(&cfg.Redis)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if cfg.Global.DistDir != "" {
		absDist, err := filepath.Abs(cfg.Global.DistDir)
		if err != nil {
			return nil, fmt.Errorf("无法解析 DistDir: %w", err)
		}
		cfg.Global.DistDir = absDist
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ListenHost", "127.0.0.1")
	v.SetDefault("ListenPort", 5050)
	v.SetDefault("LogLevel", "info")
	v.SetDefault("LogFilePath", "")
	v.SetDefault("LogMaxSize", 100)
	v.SetDefault("LogMaxBackups", 10)
	v.SetDefault("LogCompress", true)
	v.SetDefault("Mode", ModeNormal)
	v.SetDefault("Backend", BackendAuto)
	v.SetDefault("FlushToDisk", true)
	v.SetDefault("MaxMemoryCacheSize", 50*1024*1024)
	v.SetDefault("MaxFetchEntrySize", 2*1024*1024)
	v.SetDefault("LockLeaseTimeout", "0s")
	v.SetDefault("RequestTimeout", "30s")
}

func applyGlobalDefaults(g *GlobalConfig) {
	if strings.TrimSpace(g.ListenHost) == "" {
		g.ListenHost = "127.0.0.1"
	}
	if g.ListenPort == 0 {
		g.ListenPort = 5050
	}
	g.Mode = strings.ToLower(strings.TrimSpace(g.Mode))
	if g.Mode == "" {
		g.Mode = ModeNormal
	}
	g.Backend = strings.ToLower(strings.TrimSpace(g.Backend))
	if g.Backend == "" {
		g.Backend = BackendAuto
	}
	if g.MaxFetchEntrySize == 0 {
		g.MaxFetchEntrySize = 2 * 1024 * 1024
	}
	if g.RequestTimeout.DurationValue() == 0 {
		g.RequestTimeout = Duration(30 * time.Second)
	}
	if g.LockLeaseTimeout.DurationValue() < 0 {
		g.LockLeaseTimeout = Duration(0)
	}
}

func applyRedisDefaults(r *RedisConfig) {
	if strings.TrimSpace(r.KeyPrefix) == "" {
		r.KeyPrefix = "isrcache"
	}
	if r.EntryTTL.DurationValue() < 0 {
		r.EntryTTL = Duration(0)
	}
}

func durationDecodeHook() mapstructure.DecodeHookFunc {
	targetType := reflect.TypeOf(Duration(0))

	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != targetType {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			if v == "" {
				return Duration(0), nil
			}
			if parsed, err := time.ParseDuration(v); err == nil {
				return Duration(parsed), nil
			}
			if seconds, err := strconv.ParseFloat(v, 64); err == nil {
				return Duration(time.Duration(seconds * float64(time.Second))), nil
			}
			return nil, fmt.Errorf("无法解析 Duration 字段: %s", v)
		case int:
			return Duration(time.Duration(v) * time.Second), nil
		case int64:
			return Duration(time.Duration(v) * time.Second), nil
		case float64:
			return Duration(time.Duration(v * float64(time.Second))), nil
		case time.Duration:
			return Duration(v), nil
		case Duration:
			return v, nil
		default:
			return nil, fmt.Errorf("不支持的 Duration 类型: %T", v)
		}
	}
}
