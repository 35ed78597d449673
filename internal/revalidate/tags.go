package revalidate

import (
	"net/http"
	"strings"
)

const (
	// HeaderRevalidatedTags 携带本次请求中已被按需失效的标签，逗号分隔。
	HeaderRevalidatedTags = "x-next-revalidated-tags"
	// HeaderRevalidateTagToken 必须与 preview mode id 相等，标签头才会被采信。
	HeaderRevalidateTagToken = "x-next-revalidate-tag-token"
	// HeaderPrerenderRevalidate 与 preview mode id 相等时表示按需重新生成。
	HeaderPrerenderRevalidate = "x-prerender-revalidate"
)

// TagSet 是只读的标签集合，请求级缓存构造时建立。
type TagSet map[string]struct{}

// NewTagSet 构造集合，忽略空标签。
func NewTagSet(tags ...string) TagSet {
	set := make(TagSet, len(tags))
	for _, tag := range tags {
		if tag == "" {
			continue
		}
		set[tag] = struct{}{}
	}
	return set
}

// Has 判断标签是否在集合中，nil 集合总是返回 false。
func (s TagSet) Has(tag string) bool {
	if s == nil {
		return false
	}
	_, ok := s[tag]
	return ok
}

// Tags 返回集合中的标签，顺序不定。
func (s TagSet) Tags() []string {
	out := make([]string, 0, len(s))
	for tag := range s {
		out = append(out, tag)
	}
	return out
}

// ShouldBypassForRevalidatedTags 判断条目标签是否与已失效集合相交。
func ShouldBypassForRevalidatedTags(entryTags []string, set TagSet) bool {
	if len(set) == 0 {
		return false
	}
	for _, tag := range entryTags {
		if set.Has(tag) {
			return true
		}
	}
	return false
}

// ParseRevalidatedTags 仅在 minimal 模式且 token 与 previewModeID 匹配时解析标签头。
func ParseRevalidatedTags(header http.Header, previewModeID string, minimalMode bool) TagSet {
	if !minimalMode || previewModeID == "" || header == nil {
		return nil
	}
	values, ok := header[http.CanonicalHeaderKey(HeaderRevalidatedTags)]
	if !ok || len(values) == 0 {
		return nil
	}
	if header.Get(HeaderRevalidateTagToken) != previewModeID {
		return nil
	}
	return NewTagSet(strings.Split(values[0], ",")...)
}

// IsOnDemandRevalidate 判断请求是否为按需重新生成。
func IsOnDemandRevalidate(header http.Header, previewModeID string) bool {
	if previewModeID == "" || header == nil {
		return false
	}
	return header.Get(HeaderPrerenderRevalidate) == previewModeID
}
