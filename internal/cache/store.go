package cache

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/isrcache/internal/revalidate"
)

// Kind 表示缓存值的类型。
type Kind string

const (
	KindPage  Kind = "PAGE"
	KindFetch Kind = "FETCH"
	KindRoute Kind = "ROUTE"
)

// KindHint 是调用方对条目所在目录的提示。
type KindHint string

const (
	HintApp   KindHint = "app"
	HintPages KindHint = "pages"
	HintFetch KindHint = "fetch"
)

// HeaderCacheTags 是 PAGE/ROUTE 条目记录自身标签所用的响应头。
const HeaderCacheTags = "x-next-cache-tags"

// Handler 是所有存储后端的统一契约。
type Handler interface {
	// Name 返回后端名称，用于日志与指标标签。
	Name() string

	// Get 返回 key 对应的条目；(nil, nil) 表示未命中。
	Get(ctx context.Context, key string, rc RequestContext) (*Entry, error)

	// Set 写入条目。value 为 nil 表示 "已知不存在"。
	Set(ctx context.Context, key string, value *Value, rc RequestContext) error

	// RevalidateTag 将 tags 标记为在当前时刻失效。
	RevalidateTag(ctx context.Context, tags ...string) error

	// ResetRequestCache 清理请求级的记忆化状态。
	ResetRequestCache()
}

// Entry 是后端返回的缓存信封。LastModified 为 Unix 毫秒，-1 表示 "已知不存在"。
type Entry struct {
	LastModified int64  `json:"lastModified"`
	Value        *Value `json:"value"`
}

// FetchData 是一次 fetch 响应的可序列化形式，Body 为 base64 编码。
type FetchData struct {
	Headers map[string]string `json:"headers"`
	Body    string            `json:"body"`
	URL     string            `json:"url"`
	Status  int               `json:"status,omitempty"`
}

// Value 是缓存值，字段按 Kind 取用：
//
//	PAGE   HTML + RSCData（app 目录）或 PageData（pages 目录），可选 Headers/Status
//	ROUTE  Body + Headers + Status
//	FETCH  Data + Revalidate + Tags
type Value struct {
	Kind Kind `json:"kind"`

	HTML      string          `json:"html,omitempty"`
	PageData  json.RawMessage `json:"pageData,omitempty"`
	RSCData   []byte          `json:"rscData,omitempty"`
	Postponed string          `json:"postponed,omitempty"`

	Body    []byte            `json:"body,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	Status  int               `json:"status,omitempty"`

	Data       *FetchData         `json:"data,omitempty"`
	Revalidate *revalidate.Policy `json:"revalidate,omitempty"`
	Tags       []string           `json:"tags,omitempty"`
}

// IsAppPage 判断 PAGE 条目是否来自 app 目录。
func (v *Value) IsAppPage() bool {
	return v != nil && v.Kind == KindPage && v.RSCData != nil
}

// CacheTags 返回 PAGE/ROUTE 条目在响应头中声明的标签。
func (v *Value) CacheTags() []string {
	if v == nil || v.Headers == nil {
		return nil
	}
	raw, ok := v.Headers[HeaderCacheTags]
	if !ok || raw == "" {
		return nil
	}
	return strings.Split(raw, ",")
}

// RequestContext 是调用方随每次读写传入的上下文。
type RequestContext struct {
	Tags       []string           `json:"tags,omitempty"`
	SoftTags   []string           `json:"softTags,omitempty"`
	KindHint   KindHint           `json:"kindHint,omitempty"`
	Revalidate *revalidate.Policy `json:"revalidate,omitempty"`
	FetchCache bool               `json:"fetchCache,omitempty"`
	FetchURL   string             `json:"fetchUrl,omitempty"`
	FetchIdx   int                `json:"fetchIdx,omitempty"`
}

// CombinedTags 返回 Tags ∪ SoftTags，保持出现顺序。
func (rc RequestContext) CombinedTags() []string {
	out := make([]string, 0, len(rc.Tags)+len(rc.SoftTags))
	out = append(out, rc.Tags...)
	out = append(out, rc.SoftTags...)
	return out
}

// HandlerContext 携带构造后端所需的全部依赖，由请求级 facade 组装。
type HandlerContext struct {
	DistDir          string
	AppDir           bool
	PagesDir         bool
	FlushToDisk      bool
	Dev              bool
	MinimalMode      bool
	FetchCache       bool
	RevalidatedTags  revalidate.TagSet
	RequestHeaders   http.Header
	Memory           *MemoryCache
	TagsManifest     *TagsManifest
	Remote           RemoteSettings
	Now              func() time.Time
	Logger           *logrus.Entry
	HTTPClient       *http.Client
	FetchCachePrefix string
}

func (hc HandlerContext) now() time.Time {
	if hc.Now != nil {
		return hc.Now()
	}
	return time.Now()
}

// 错误定义。
var (
	// ErrNotFound 表示底层文件或记录不存在，仅在包内部使用；Handler 以 (nil, nil) 表达未命中。
	ErrNotFound = errors.New("cache entry not found")
	// ErrInvalidKey 表示 key 会逃逸出缓存目录。
	ErrInvalidKey = errors.New("invalid cache key")
	// ErrUnknownKind 表示无法判断条目所在目录。
	ErrUnknownKind = errors.New("unable to determine cache entry kind")
	// ErrRateLimited 表示远端后端处于限流窗口内。
	ErrRateLimited = errors.New("remote cache rate limited")
)
