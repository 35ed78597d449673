package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
)

var supportedModes = map[string]struct{}{
	ModeNormal:       {},
	ModeDevelopment:  {},
	ModeTestDisabled: {},
}

var supportedBackends = map[string]struct{}{
	BackendAuto:       {},
	BackendFilesystem: {},
	BackendRemote:     {},
	BackendRedis:      {},
	BackendNoop:       {},
}

const supportedBackendList = "auto|filesystem|remote|redis|noop"

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	g := c.Global
	if g.ListenPort <= 0 || g.ListenPort > 65535 {
		return newFieldError("Global.ListenPort", "必须在 1-65535")
	}
	if ip := net.ParseIP(g.ListenHost); g.ListenHost != "localhost" && (ip == nil || !ip.IsLoopback()) {
		return newFieldError("Global.ListenHost", "IPC 仅允许监听回环地址")
	}
	if _, ok := supportedModes[g.Mode]; !ok {
		return newFieldError("Global.Mode", "仅支持 normal/development/test-disabled")
	}
	if _, ok := supportedBackends[g.Backend]; !ok {
		return newFieldError("Global.Backend", "仅支持 "+supportedBackendList)
	}
	if g.MaxMemoryCacheSize < 0 {
		return newFieldError("Global.MaxMemoryCacheSize", "不能为负数")
	}
	if g.MaxFetchEntrySize <= 0 {
		return newFieldError("Global.MaxFetchEntrySize", "必须大于 0")
	}
	if g.RequestTimeout.DurationValue() <= 0 {
		return newFieldError("Global.RequestTimeout", "必须大于 0")
	}
	if g.AppDir || g.PagesDir {
		if strings.TrimSpace(g.DistDir) == "" {
			return newFieldError("Global.DistDir", "启用 AppDir/PagesDir 时不能为空")
		}
	}

	switch g.Backend {
	case BackendFilesystem:
		if strings.TrimSpace(g.DistDir) == "" {
			return newFieldError("Global.DistDir", "filesystem 后端需要 DistDir")
		}
	case BackendRemote:
		if err := validateRemoteURL(c.Remote.URL); err != nil {
			return fmt.Errorf("%s: %w", sectionField("Remote", "URL"), err)
		}
	case BackendRedis:
		if strings.TrimSpace(c.Redis.Addr) == "" {
			return newFieldError(sectionField("Redis", "Addr"), "redis 后端需要 Addr")
		}
		if c.Redis.DB < 0 {
			return newFieldError(sectionField("Redis", "DB"), "不能为负数")
		}
	}

	if c.Remote.URL != "" && g.Backend != BackendRemote {
		if err := validateRemoteURL(c.Remote.URL); err != nil {
			return fmt.Errorf("%s: %w", sectionField("Remote", "URL"), err)
		}
	}
	if c.Remote.BasePath != "" && !strings.HasPrefix(c.Remote.BasePath, "/") {
		return newFieldError(sectionField("Remote", "BasePath"), "必须以 / 开头")
	}

	return nil
}

func validateRemoteURL(raw string) error {
	if raw == "" {
		return errors.New("缺少远端缓存地址")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("仅支持 http/https: %s", raw)
	}
	if parsed.Host == "" {
		return fmt.Errorf("远端地址缺少 Host: %s", raw)
	}
	return nil
}
