package incremental

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/isrcache/internal/cache"
	"github.com/any-hub/isrcache/internal/cachekey"
	"github.com/any-hub/isrcache/internal/ipc"
	"github.com/any-hub/isrcache/internal/lock"
	"github.com/any-hub/isrcache/internal/logging"
	"github.com/any-hub/isrcache/internal/revalidate"
)

// workerBackend 是 worker 模式下日志中的后端名称。
const workerBackend = "ipc"

// Result 是 Get 返回给渲染层的缓存条目。
type Result struct {
	IsStale         bool                `json:"isStale"`
	CurRevalidate   *revalidate.Policy  `json:"curRevalidate,omitempty"`
	RevalidateAfter revalidate.Deadline `json:"revalidateAfter"`
	Value           *cache.Value        `json:"value"`
}

// Cache 是请求级 facade。同一个 Process 可以并发创建多个 Cache。
type Cache struct {
	p               *Process
	handler         cache.Handler
	backend         cache.Descriptor
	headers         http.Header
	revalidatedTags revalidate.TagSet
	onDemand        bool
	logger          *logrus.Entry
}

// Backend 返回实际使用的后端名称。
func (c *Cache) Backend() string {
	if c.handler == nil {
		return workerBackend
	}
	return c.handler.Name()
}

// RevalidatedTags 返回本次请求携带的已失效标签。
func (c *Cache) RevalidatedTags() revalidate.TagSet { return c.revalidatedTags }

// IsOnDemandRevalidate 判断请求是否为按需重新生成。
func (c *Cache) IsOnDemandRevalidate() bool { return c.onDemand }

func (c *Cache) worker() bool { return c.p.opts.Transport != nil }

func (c *Cache) dev() bool { return c.p.opts.Mode == ModeDevelopment }

func (c *Cache) disabled() bool { return c.p.opts.Mode == ModeTestDisabled }

func (c *Cache) pathname(key string, fetch bool) string {
	if fetch {
		return key
	}
	return cachekey.NormalizePagePath(key, c.p.opts.Locales...)
}

// Get 读取 key 对应的条目并计算新鲜度；未命中返回 (nil, nil)。
func (c *Cache) Get(ctx context.Context, key string, rc cache.RequestContext) (*Result, error) {
	fetch := rc.KindHint == cache.HintFetch
	if c.disabled() {
		return nil, nil
	}
	if c.dev() && (!fetch || noCache(c.headers)) {
		return nil, nil
	}
	if c.worker() {
		return c.remoteGet(ctx, key, rc)
	}

	key = c.pathname(key, fetch)
	entry, err := c.handler.Get(ctx, key, rc)
	if err != nil {
		c.logger.WithFields(logging.CacheFields("get", key, c.Backend())).
			WithError(err).Warn("cache_read_failed")
		if c.p.opts.PropagateReadErrors {
			return nil, fmt.Errorf("%w: %w", ErrBackendRead, err)
		}
		entry = nil
	}

	if entry != nil && entry.Value != nil && entry.Value.Kind == cache.KindFetch {
		return c.fetchResult(entry, rc), nil
	}
	return c.pageResult(ctx, key, entry, rc), nil
}

func (c *Cache) fetchResult(entry *cache.Entry, rc cache.RequestContext) *Result {
	tags := append(rc.CombinedTags(), entry.Value.Tags...)
	if revalidate.ShouldBypassForRevalidatedTags(tags, c.revalidatedTags) {
		return nil
	}
	policy := revalidate.Never()
	switch {
	case rc.Revalidate != nil:
		policy = *rc.Revalidate
	case entry.Value.Revalidate != nil:
		policy = *entry.Value.Revalidate
	}
	now := c.p.engine.NowMillis()
	value := &cache.Value{Kind: cache.KindFetch, Data: entry.Value.Data, Revalidate: &policy, Tags: entry.Value.Tags}
	return &Result{
		IsStale:         c.p.engine.IsStale(entry.LastModified, policy, now),
		CurRevalidate:   &policy,
		RevalidateAfter: policy.After(now),
		Value:           value,
	}
}

func (c *Cache) pageResult(ctx context.Context, key string, entry *cache.Entry, rc cache.RequestContext) *Result {
	engine := c.p.engine
	now := engine.NowMillis()

	var cur *revalidate.Policy
	if policy, ok := engine.PolicyFor(key); ok {
		cur = &policy
	}

	var deadline revalidate.Deadline
	if entry != nil && entry.LastModified == revalidate.NotFoundSentinel {
		deadline = revalidate.NotFoundDeadline()
	} else {
		from := now
		if entry != nil && entry.LastModified > 0 {
			from = entry.LastModified
		}
		deadline = engine.CalculateRevalidateAfter(key, from, c.dev() && rc.KindHint != cache.HintFetch)
	}
	stale := revalidate.IsStale(deadline, now)

	if entry != nil {
		return &Result{IsStale: stale, CurRevalidate: cur, RevalidateAfter: deadline, Value: entry.Value}
	}
	if !c.p.manifest.IsNotFound(key) {
		return nil
	}

	// 构建期已知的 not-found 路由：合成空条目并在后台写入一次。
	c.p.pending.Add(1)
	go func(ctx context.Context) {
		defer c.p.pending.Done()
		if err := c.store(ctx, key, nil, rc); err != nil {
			c.logger.WithFields(logging.CacheFields("set", key, c.Backend())).
				WithError(err).Warn("cache_not_found_set_failed")
		}
	}(context.WithoutCancel(ctx))
	return &Result{IsStale: stale, CurRevalidate: cur, RevalidateAfter: deadline}
}

func (c *Cache) remoteGet(ctx context.Context, key string, rc cache.RequestContext) (*Result, error) {
	var res *Result
	if err := c.p.opts.Transport.Invoke(ctx, ipc.MethodGet, []any{key, rc}, &res); err != nil {
		c.logger.WithFields(logging.CacheFields("get", key, workerBackend)).
			WithError(err).Warn("cache_read_failed")
		if c.p.opts.PropagateReadErrors {
			return nil, fmt.Errorf("%w: %w", ErrBackendRead, err)
		}
		return nil, nil
	}
	if res != nil && res.Value != nil && res.Value.Kind == cache.KindFetch {
		tags := append(rc.CombinedTags(), res.Value.Tags...)
		if revalidate.ShouldBypassForRevalidatedTags(tags, c.revalidatedTags) {
			return nil, nil
		}
	}
	return res, nil
}

// Set 写入条目。后端错误只记录日志，不返回给调用方；
// 仅开发模式下超限的 fetch 条目返回 ErrEntryTooLarge。
func (c *Cache) Set(ctx context.Context, key string, value *cache.Value, rc cache.RequestContext) error {
	fetch := isFetch(value, rc)
	if c.disabled() || (c.dev() && !fetch) {
		return nil
	}

	// worker 不知道主进程使用哪种后端，上限判断交给主进程。
	if fetch && !c.worker() && c.p.opts.Custom == nil {
		size, err := PayloadSize(value)
		if err != nil {
			return err
		}
		if size > c.p.opts.MaxFetchEntrySize {
			c.p.metrics.EntryDropped("too_large")
			if c.dev() {
				return fmt.Errorf("%w: %d bytes exceeds %d", ErrEntryTooLarge, size, c.p.opts.MaxFetchEntrySize)
			}
			c.logger.WithFields(logging.CacheFields("set", key, c.Backend())).
				WithField("size", size).Warn("cache_entry_too_large")
			return nil
		}
	}

	if c.worker() {
		if err := c.p.opts.Transport.Invoke(ctx, ipc.MethodSet, []any{key, value, rc}, nil); err != nil {
			if errors.Is(err, ErrEntryTooLarge) {
				return err
			}
			c.logger.WithFields(logging.CacheFields("set", key, workerBackend)).
				WithError(err).Warn("cache_write_failed")
		}
		return nil
	}

	key = c.pathname(key, fetch)
	if !fetch && rc.Revalidate != nil {
		c.p.engine.Timings().Set(cachekey.ToRoute(key), *rc.Revalidate)
	}
	if err := c.store(ctx, key, value, rc); err != nil {
		c.logger.WithFields(logging.CacheFields("set", key, c.Backend())).
			WithError(err).Warn("cache_write_failed")
	}
	return nil
}

func (c *Cache) store(ctx context.Context, key string, value *cache.Value, rc cache.RequestContext) error {
	return c.handler.Set(ctx, key, value, rc)
}

// Lock 阻塞直到取得 key 的锁，返回的 Release 用于释放。
func (c *Cache) Lock(ctx context.Context, key string) (lock.Release, error) {
	return c.p.locks.Lock(ctx, key)
}

// Unlock 释放 key 的锁。
func (c *Cache) Unlock(ctx context.Context, key string) error {
	return c.p.locks.Unlock(ctx, key)
}

// RevalidateTag 将 tags 标记为在当前时刻失效。
func (c *Cache) RevalidateTag(ctx context.Context, tags ...string) error {
	if c.disabled() || len(tags) == 0 {
		return nil
	}
	if c.worker() {
		return c.p.opts.Transport.Invoke(ctx, ipc.MethodRevalidateTag, []any{tags}, nil)
	}
	return c.handler.RevalidateTag(ctx, tags...)
}

// FetchCacheKey 计算 fetch 请求的缓存 key。请求体读取不完整时仍返回基于已读部分的 key。
func (c *Cache) FetchCacheKey(ctx context.Context, req *cachekey.FetchRequest) (string, error) {
	key, err := cachekey.FetchKey(ctx, c.p.opts.FetchCacheKeyPrefix, req)
	if errors.Is(err, cachekey.ErrPartialBody) {
		c.logger.WithFields(logging.CacheFields("fetch_cache_key", req.URL, c.Backend())).
			WithError(err).Warn("cache_key_partial_body")
		return key, nil
	}
	return key, err
}

// ResetRequestCache 清理后端的请求级记忆化状态。
func (c *Cache) ResetRequestCache(ctx context.Context) error {
	if c.worker() {
		return c.p.opts.Transport.Invoke(ctx, ipc.MethodResetRequestCache, nil, nil)
	}
	c.handler.ResetRequestCache()
	return nil
}

// Wait 等待本进程中尚未完成的后台写入。
func (c *Cache) Wait() { c.p.Wait() }

// PayloadSize 返回条目序列化为 JSON 后的字节数，用于 fetch 大小上限判断。
func PayloadSize(value *cache.Value) (int, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return 0, fmt.Errorf("encode cache value: %w", err)
	}
	return len(raw), nil
}

func isFetch(value *cache.Value, rc cache.RequestContext) bool {
	return rc.FetchCache || rc.KindHint == cache.HintFetch || (value != nil && value.Kind == cache.KindFetch)
}

func noCache(h http.Header) bool {
	return h != nil && strings.EqualFold(strings.TrimSpace(h.Get("Cache-Control")), "no-cache")
}
