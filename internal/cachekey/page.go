package cachekey

import (
	"path"
	"regexp"
	"strings"
)

var dynamicSegment = regexp.MustCompile(`\[[^/]+?\](?:/|$)`)

// NormalizePagePath 将页面路径转换为缓存 key：去掉 query/hash，统一分隔符，
// 去掉匹配的 locale 前缀，并对 /index 页面做消歧；大小写保持不变。
func NormalizePagePath(p string, locales ...string) string {
	if idx := strings.IndexAny(p, "?#"); idx >= 0 {
		p = p[:idx]
	}
	p = strings.ReplaceAll(p, `\`, "/")
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	p = stripLocale(p, locales)

	cleaned := path.Clean(p)
	switch {
	case cleaned == "/":
		return "/index"
	case isIndexPage(cleaned) && !IsDynamicRoute(cleaned):
		return "/index" + cleaned
	default:
		return cleaned
	}
}

// ToRoute 把规范化后的 key 还原为路由，用于查询 revalidate 时间表。
func ToRoute(p string) string {
	p = strings.TrimSuffix(p, "/")
	p = strings.TrimSuffix(p, "/index")
	p = strings.TrimSuffix(p, "/")
	if p == "" {
		return "/"
	}
	return p
}

// IsDynamicRoute reports whether the path contains a [param] segment.
func IsDynamicRoute(p string) bool {
	return dynamicSegment.MatchString(p)
}

func isIndexPage(p string) bool {
	return p == "/index" || strings.HasPrefix(p, "/index/")
}

func stripLocale(p string, locales []string) string {
	if len(locales) == 0 {
		return p
	}
	segments := strings.SplitN(strings.TrimPrefix(p, "/"), "/", 2)
	for _, locale := range locales {
		if !strings.EqualFold(segments[0], locale) {
			continue
		}
		if len(segments) == 1 {
			return "/"
		}
		return "/" + segments[1]
	}
	return p
}
