package cache

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/isrcache/internal/httpclient"
	"github.com/any-hub/isrcache/internal/revalidate"
)

// 远端 suspense-cache 协议使用的请求/响应头。
const (
	HeaderSuspenseHost     = "x-suspense-cache-host"
	HeaderSuspenseBasePath = "x-suspense-cache-basepath"
	HeaderSuspenseHeaders  = "x-suspense-cache-headers"

	headerCacheRevalidate = "x-cache-revalidate"
	headerCacheTags       = "x-cache-tags"
	headerCacheSoftTags   = "x-cache-soft-tags"
	headerCacheItemName   = "x-cache-item-name"
	headerCacheItemIndex  = "x-cache-item-index"
	headerCacheState      = "x-cache-state"

	suspenseCachePath = "/v1/suspense-cache/"
	defaultRetryAfter = 60 * time.Second
)

// RemoteSettings 是远端后端的静态配置；Limiter 在进程内共享。
type RemoteSettings struct {
	URL      string
	BasePath string
	Token    string
	Limiter  *RateWindow
}

// RateWindow 记录远端返回 429 后的冷却截止时间。
type RateWindow struct {
	mu    sync.Mutex
	until time.Time
}

// Limited 判断 now 是否仍在冷却窗口内。
func (w *RateWindow) Limited(now time.Time) bool {
	if w == nil {
		return false
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return now.Before(w.until)
}

// Open 依据 Retry-After（秒）开启冷却窗口，缺失或非法时使用默认值。
func (w *RateWindow) Open(now time.Time, retryAfter string) {
	if w == nil {
		return
	}
	wait := defaultRetryAfter
	if secs, err := strconv.Atoi(strings.TrimSpace(retryAfter)); err == nil && secs >= 0 {
		wait = time.Duration(secs) * time.Second
	}
	w.mu.Lock()
	w.until = now.Add(wait)
	w.mu.Unlock()
}

// RemoteAvailable 仅在 minimal 模式、启用 fetch 缓存且能确定远端地址时返回 true。
func RemoteAvailable(hc HandlerContext) bool {
	if !hc.MinimalMode || !hc.FetchCache {
		return false
	}
	return hc.RequestHeaders.Get(HeaderSuspenseHost) != "" || hc.Remote.URL != ""
}

// FetchStore 将 FETCH 条目存放在远端 suspense-cache 服务中，并在请求内做记忆化。
type FetchStore struct {
	endpoint string
	headers  map[string]string
	client   *http.Client
	limiter  *RateWindow
	now      func() time.Time
	logger   *logrus.Entry

	mu   sync.Mutex
	memo map[string]*Entry
}

// NewFetchStore 依据请求头或配置确定远端地址。
func NewFetchStore(hc HandlerContext) (*FetchStore, error) {
	endpoint, err := remoteEndpoint(hc)
	if err != nil {
		return nil, err
	}

	headers := make(map[string]string)
	if raw := hc.RequestHeaders.Get(HeaderSuspenseHeaders); raw != "" {
		if err := json.Unmarshal([]byte(raw), &headers); err != nil {
			return nil, fmt.Errorf("decode %s: %w", HeaderSuspenseHeaders, err)
		}
	}
	if hc.Remote.Token != "" {
		headers["Authorization"] = "Bearer " + hc.Remote.Token
	}

	client := hc.HTTPClient
	if client == nil {
		client = httpclient.New(30 * time.Second)
	}
	limiter := hc.Remote.Limiter
	if limiter == nil {
		limiter = &RateWindow{}
	}
	now := hc.Now
	if now == nil {
		now = time.Now
	}
	logger := hc.Logger
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}

	return &FetchStore{
		endpoint: endpoint,
		headers:  headers,
		client:   client,
		limiter:  limiter,
		now:      now,
		logger:   logger.WithField("backend", BackendRemote),
		memo:     make(map[string]*Entry),
	}, nil
}

func remoteEndpoint(hc HandlerContext) (string, error) {
	if host := hc.RequestHeaders.Get(HeaderSuspenseHost); host != "" {
		return "https://" + host + hc.RequestHeaders.Get(HeaderSuspenseBasePath), nil
	}
	if hc.Remote.URL == "" {
		return "", fmt.Errorf("remote cache endpoint unknown")
	}
	return strings.TrimRight(hc.Remote.URL, "/") + hc.Remote.BasePath, nil
}

func (s *FetchStore) Name() string { return string(BackendRemote) }

// Endpoint 返回远端基础地址。
func (s *FetchStore) Endpoint() string { return s.endpoint }

func (s *FetchStore) ResetRequestCache() {
	s.mu.Lock()
	s.memo = make(map[string]*Entry)
	s.mu.Unlock()
}

func (s *FetchStore) Get(ctx context.Context, key string, rc RequestContext) (*Entry, error) {
	if rc.KindHint != HintFetch {
		return nil, nil
	}
	if s.limiter.Limited(s.now()) {
		return nil, nil
	}

	s.mu.Lock()
	cached := s.memo[key]
	s.mu.Unlock()
	if cached != nil && cached.Value != nil && containsAll(cached.Value.Tags, rc.Tags) {
		return cached, nil
	}

	req, err := s.newRequest(ctx, http.MethodGet, s.endpoint+suspenseCachePath+url.PathEscape(key), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set(headerCacheItemName, rc.FetchURL)
	req.Header.Set(headerCacheTags, strings.Join(rc.Tags, ","))
	req.Header.Set(headerCacheSoftTags, strings.Join(rc.SoftTags, ","))

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("remote cache get %s: %w", key, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		s.limiter.Open(s.now(), resp.Header.Get("Retry-After"))
		s.logger.WithField("key", key).Warn("cache_remote_rate_limited")
		return nil, nil
	case resp.StatusCode == http.StatusNotFound:
		return nil, nil
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("remote cache get %s: unexpected status %d", key, resp.StatusCode)
	}

	var value Value
	if err := json.NewDecoder(resp.Body).Decode(&value); err != nil {
		return nil, fmt.Errorf("remote cache get %s: decode: %w", key, err)
	}
	if value.Kind != KindFetch {
		return nil, fmt.Errorf("remote cache get %s: invalid cache kind %q", key, value.Kind)
	}

	nowMs := s.now().UnixMilli()
	lastModified := nowMs - revalidate.CacheOneYear*1000
	if resp.Header.Get(headerCacheState) == "fresh" {
		age, _ := strconv.ParseInt(resp.Header.Get("Age"), 10, 64)
		lastModified = nowMs - age*1000
	}
	value.Tags = unionTags(value.Tags, rc.Tags)
	entry := &Entry{LastModified: lastModified, Value: &value}

	s.mu.Lock()
	s.memo[key] = entry
	s.mu.Unlock()
	return entry, nil
}

func (s *FetchStore) Set(ctx context.Context, key string, value *Value, rc RequestContext) error {
	if !rc.FetchCache {
		return nil
	}
	if s.limiter.Limited(s.now()) {
		return nil
	}

	memoValue := value
	if value != nil {
		tagged := *value
		tagged.Tags = unionTags(value.Tags, rc.Tags)
		memoValue = &tagged
	}
	s.mu.Lock()
	s.memo[key] = &Entry{LastModified: s.now().UnixMilli(), Value: memoValue}
	s.mu.Unlock()
	if value == nil {
		return nil
	}

	stored := *value
	stored.Tags = nil
	payload, err := json.Marshal(&stored)
	if err != nil {
		return fmt.Errorf("remote cache set %s: encode: %w", key, err)
	}

	req, err := s.newRequest(ctx, http.MethodPost, s.endpoint+suspenseCachePath+url.PathEscape(key), bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if value.Revalidate != nil {
		req.Header.Set(headerCacheRevalidate, value.Revalidate.String())
	}
	req.Header.Set(headerCacheTags, strings.Join(unionTags(value.Tags, rc.Tags), ","))
	req.Header.Set(headerCacheItemName, rc.FetchURL)
	req.Header.Set(headerCacheItemIndex, strconv.Itoa(rc.FetchIdx))

	return s.do(req, "set "+key)
}

func (s *FetchStore) RevalidateTag(ctx context.Context, tags ...string) error {
	if len(tags) == 0 || s.limiter.Limited(s.now()) {
		return nil
	}
	escaped := make([]string, len(tags))
	for i, tag := range tags {
		escaped[i] = url.QueryEscape(tag)
	}
	req, err := s.newRequest(ctx, http.MethodPost, s.endpoint+suspenseCachePath+"revalidate?tags="+strings.Join(escaped, ","), nil)
	if err != nil {
		return err
	}
	return s.do(req, "revalidate "+strings.Join(tags, ","))
}

func (s *FetchStore) newRequest(ctx context.Context, method, target string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, fmt.Errorf("build remote cache request: %w", err)
	}
	httpclient.ApplyHeaders(req.Header, s.headers)
	return req, nil
}

func (s *FetchStore) do(req *http.Request, op string) error {
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("remote cache %s: %w", op, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode == http.StatusTooManyRequests {
		s.limiter.Open(s.now(), resp.Header.Get("Retry-After"))
		return fmt.Errorf("remote cache %s: %w", op, ErrRateLimited)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("remote cache %s: unexpected status %d", op, resp.StatusCode)
	}
	return nil
}
