package incremental

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"
	"testing/iotest"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/any-hub/isrcache/internal/cache"
	"github.com/any-hub/isrcache/internal/cachekey"
	"github.com/any-hub/isrcache/internal/metrics"
	"github.com/any-hub/isrcache/internal/revalidate"
)

func pageValue() *cache.Value {
	return &cache.Value{Kind: cache.KindPage, HTML: "<p>post</p>", PageData: json.RawMessage(`{"id":1}`)}
}

func fetchValue(body string) *cache.Value {
	policy := revalidate.Seconds(10)
	return &cache.Value{
		Kind: cache.KindFetch,
		Data: &cache.FetchData{
			Headers: map[string]string{"content-type": "application/json"},
			Body:    body,
			URL:     "https://api.example.com/posts",
			Status:  200,
		},
		Revalidate: &policy,
	}
}

func fetchContext(tags ...string) cache.RequestContext {
	return cache.RequestContext{KindHint: cache.HintFetch, FetchCache: true, Tags: tags}
}

func TestBlogPageBecomesStaleAfterInitialRevalidate(t *testing.T) {
	clock := newTestClock()
	p := newTestProcess(t, clock, nil)
	c := newTestCache(t, p, RequestInfo{})
	ctx := context.Background()
	t0 := clock.Now().UnixMilli()

	if err := c.Set(ctx, "/blog/a", pageValue(), cache.RequestContext{}); err != nil {
		t.Fatalf("set error: %v", err)
	}

	res, err := c.Get(ctx, "/blog/a", cache.RequestContext{KindHint: cache.HintPages})
	if err != nil {
		t.Fatalf("get error: %v", err)
	}
	if res == nil || res.Value == nil {
		t.Fatalf("expected hit, got %+v", res)
	}
	if res.IsStale {
		t.Fatalf("expected fresh entry")
	}
	if res.RevalidateAfter.At != t0+60_000 {
		t.Fatalf("expected revalidateAfter %d, got %+v", t0+60_000, res.RevalidateAfter)
	}
	if res.CurRevalidate == nil || *res.CurRevalidate != revalidate.Seconds(60) {
		t.Fatalf("expected curRevalidate 60, got %v", res.CurRevalidate)
	}

	clock.Advance(61 * time.Second)
	res, err = c.Get(ctx, "/blog/a", cache.RequestContext{KindHint: cache.HintPages})
	if err != nil {
		t.Fatalf("get error: %v", err)
	}
	if res == nil || !res.IsStale {
		t.Fatalf("expected stale entry after 61s, got %+v", res)
	}
	if res.Value == nil || res.Value.HTML != "<p>post</p>" {
		t.Fatalf("stale entry should still carry its value")
	}
}

func TestFetchEntryStaleness(t *testing.T) {
	clock := newTestClock()
	p := newTestProcess(t, clock, nil)
	c := newTestCache(t, p, RequestInfo{})
	ctx := context.Background()

	if err := c.Set(ctx, "fetch-key", fetchValue("e30="), fetchContext("posts")); err != nil {
		t.Fatalf("set error: %v", err)
	}
	res, err := c.Get(ctx, "fetch-key", fetchContext("posts"))
	if err != nil || res == nil {
		t.Fatalf("expected hit, got %+v, %v", res, err)
	}
	if res.IsStale {
		t.Fatalf("expected fresh fetch entry")
	}
	if res.RevalidateAfter.At != clock.Now().UnixMilli()+10_000 {
		t.Fatalf("unexpected revalidateAfter %+v", res.RevalidateAfter)
	}

	clock.Advance(11 * time.Second)
	res, err = c.Get(ctx, "fetch-key", fetchContext("posts"))
	if err != nil || res == nil {
		t.Fatalf("expected hit, got %+v, %v", res, err)
	}
	if !res.IsStale {
		t.Fatalf("expected stale fetch entry after 11s")
	}
}

func TestFetchRequestRevalidateOverridesStored(t *testing.T) {
	clock := newTestClock()
	p := newTestProcess(t, clock, nil)
	c := newTestCache(t, p, RequestInfo{})
	ctx := context.Background()

	if err := c.Set(ctx, "fetch-key", fetchValue("e30="), fetchContext()); err != nil {
		t.Fatalf("set error: %v", err)
	}
	clock.Advance(5 * time.Second)

	short := revalidate.Seconds(2)
	rc := fetchContext()
	rc.Revalidate = &short
	res, err := c.Get(ctx, "fetch-key", rc)
	if err != nil || res == nil {
		t.Fatalf("expected hit, got %+v, %v", res, err)
	}
	if !res.IsStale {
		t.Fatalf("request revalidate of 2s should make a 5s old entry stale")
	}
	if res.Value.Revalidate == nil || *res.Value.Revalidate != short {
		t.Fatalf("expected effective revalidate 2, got %v", res.Value.Revalidate)
	}
}

func TestRevalidateTagMakesFetchEntryMiss(t *testing.T) {
	clock := newTestClock()
	p := newTestProcess(t, clock, nil)
	c := newTestCache(t, p, RequestInfo{})
	ctx := context.Background()

	if err := c.Set(ctx, "fetch-key", fetchValue("e30="), fetchContext("posts")); err != nil {
		t.Fatalf("set error: %v", err)
	}
	if res, _ := c.Get(ctx, "fetch-key", fetchContext("posts")); res == nil {
		t.Fatalf("expected hit before revalidation")
	}

	clock.Advance(time.Second)
	if err := c.RevalidateTag(ctx, "posts"); err != nil {
		t.Fatalf("revalidate tag error: %v", err)
	}

	next := newTestCache(t, p, RequestInfo{})
	res, err := next.Get(ctx, "fetch-key", fetchContext("posts"))
	if err != nil {
		t.Fatalf("get error: %v", err)
	}
	if res != nil {
		t.Fatalf("expected miss after revalidateTag, got %+v", res)
	}
}

func TestRequestRevalidatedTagsBypassFetchEntry(t *testing.T) {
	clock := newTestClock()
	p := newTestProcess(t, clock, func(o *Options) { o.MinimalMode = true })
	ctx := context.Background()

	plain := newTestCache(t, p, RequestInfo{})
	if err := plain.Set(ctx, "fetch-key", fetchValue("e30="), fetchContext("posts")); err != nil {
		t.Fatalf("set error: %v", err)
	}

	headers := http.Header{}
	headers.Set(revalidate.HeaderRevalidatedTags, "posts")
	headers.Set(revalidate.HeaderRevalidateTagToken, "preview-id")
	tagged := newTestCache(t, p, RequestInfo{Headers: headers})
	if !tagged.RevalidatedTags().Has("posts") {
		t.Fatalf("expected posts in revalidated tags")
	}
	res, err := tagged.Get(ctx, "fetch-key", fetchContext("posts"))
	if err != nil {
		t.Fatalf("get error: %v", err)
	}
	if res != nil {
		t.Fatalf("expected bypass for revalidated tag, got %+v", res)
	}

	if res, _ := plain.Get(ctx, "fetch-key", fetchContext("posts")); res == nil {
		t.Fatalf("requests without the header should still hit")
	}
}

func TestOnDemandRevalidateHeader(t *testing.T) {
	p := newTestProcess(t, newTestClock(), nil)
	headers := http.Header{}
	headers.Set(revalidate.HeaderPrerenderRevalidate, "preview-id")
	if !newTestCache(t, p, RequestInfo{Headers: headers}).IsOnDemandRevalidate() {
		t.Fatalf("expected on-demand revalidate")
	}
	if newTestCache(t, p, RequestInfo{}).IsOnDemandRevalidate() {
		t.Fatalf("request without header must not be on-demand")
	}
}

func TestFetchSizeCap(t *testing.T) {
	const limit = DefaultMaxFetchEntrySize
	oversized := sizedFetchValue(t, limit+1)
	if size, _ := PayloadSize(oversized); size != 2_097_153 {
		t.Fatalf("expected payload of 2097153 bytes, got %d", size)
	}

	t.Run("normal mode drops silently", func(t *testing.T) {
		reg := metrics.New(metrics.Options{})
		p := newTestProcess(t, newTestClock(), func(o *Options) { o.Metrics = reg })
		c := newTestCache(t, p, RequestInfo{})
		ctx := context.Background()

		if err := c.Set(ctx, "big", oversized, fetchContext()); err != nil {
			t.Fatalf("expected silent drop, got %v", err)
		}
		if res, _ := c.Get(ctx, "big", fetchContext()); res != nil {
			t.Fatalf("oversized entry must not be stored")
		}
		count, err := testutil.GatherAndCount(reg.Gatherer(), "isrcache_entries_dropped_total")
		if err != nil {
			t.Fatalf("gather error: %v", err)
		}
		if count != 1 {
			t.Fatalf("expected dropped metric series, got %d", count)
		}
	})

	t.Run("development mode errors", func(t *testing.T) {
		p := newTestProcess(t, newTestClock(), func(o *Options) { o.Mode = ModeDevelopment })
		c := newTestCache(t, p, RequestInfo{})
		err := c.Set(context.Background(), "big", oversized, fetchContext())
		if !errors.Is(err, ErrEntryTooLarge) {
			t.Fatalf("expected ErrEntryTooLarge, got %v", err)
		}
	})

	t.Run("at the limit is stored", func(t *testing.T) {
		p := newTestProcess(t, newTestClock(), nil)
		c := newTestCache(t, p, RequestInfo{})
		ctx := context.Background()
		if err := c.Set(ctx, "edge", sizedFetchValue(t, limit), fetchContext()); err != nil {
			t.Fatalf("set error: %v", err)
		}
		if res, _ := c.Get(ctx, "edge", fetchContext()); res == nil {
			t.Fatalf("entry at the limit should be stored")
		}
	})

	t.Run("custom backend has no cap", func(t *testing.T) {
		clock := newTestClock()
		rec := newRecordingHandler(clock.Now)
		p := newTestProcess(t, clock, func(o *Options) { o.Custom = rec.factory() })
		c := newTestCache(t, p, RequestInfo{})
		if err := c.Set(context.Background(), "big", oversized, fetchContext()); err != nil {
			t.Fatalf("set error: %v", err)
		}
		if len(rec.Sets()) != 1 {
			t.Fatalf("custom backend should receive the oversized entry")
		}
	})
}

// sizedFetchValue 构造 JSON 编码后恰好 size 字节的 fetch 条目。
func sizedFetchValue(t *testing.T, size int) *cache.Value {
	t.Helper()
	base, err := PayloadSize(fetchValue(""))
	if err != nil {
		t.Fatalf("payload size: %v", err)
	}
	v := fetchValue(strings.Repeat("a", size-base))
	if got, _ := PayloadSize(v); got != size {
		t.Fatalf("expected payload size %d, got %d", size, got)
	}
	return v
}

func TestNotFoundSynthesisSetsOnce(t *testing.T) {
	clock := newTestClock()
	rec := newRecordingHandler(clock.Now)
	p := newTestProcess(t, clock, func(o *Options) { o.Custom = rec.factory() })
	c := newTestCache(t, p, RequestInfo{})
	ctx := context.Background()

	res, err := c.Get(ctx, "/missing", cache.RequestContext{})
	if err != nil {
		t.Fatalf("get error: %v", err)
	}
	if res == nil || res.Value != nil {
		t.Fatalf("expected synthesized empty entry, got %+v", res)
	}
	c.Wait()

	sets := rec.Sets()
	if len(sets) != 1 {
		t.Fatalf("expected exactly one synthetic set, got %d", len(sets))
	}
	if sets[0].key != "/missing" || sets[0].value != nil {
		t.Fatalf("unexpected synthetic set %+v", sets[0])
	}

	res, err = c.Get(ctx, "/missing", cache.RequestContext{})
	if err != nil || res == nil {
		t.Fatalf("expected stored not-found entry, got %+v, %v", res, err)
	}
	c.Wait()
	if len(rec.Sets()) != 1 {
		t.Fatalf("stored not-found entry must not trigger another set")
	}

	if res, _ := c.Get(ctx, "/other", cache.RequestContext{}); res != nil {
		t.Fatalf("unknown route should miss")
	}
	c.Wait()
	if len(rec.Sets()) != 1 {
		t.Fatalf("ordinary miss must not trigger a set")
	}
}

func TestDevelopmentMode(t *testing.T) {
	clock := newTestClock()
	rec := newRecordingHandler(clock.Now)
	p := newTestProcess(t, clock, func(o *Options) {
		o.Mode = ModeDevelopment
		o.Custom = rec.factory()
	})
	c := newTestCache(t, p, RequestInfo{})
	ctx := context.Background()

	if err := c.Set(ctx, "/blog/a", pageValue(), cache.RequestContext{}); err != nil {
		t.Fatalf("set error: %v", err)
	}
	if len(rec.Sets()) != 0 {
		t.Fatalf("development mode must not persist pages")
	}
	if res, _ := c.Get(ctx, "/blog/a", cache.RequestContext{}); res != nil {
		t.Fatalf("development mode must not serve pages")
	}

	if err := c.Set(ctx, "fetch-key", fetchValue("e30="), fetchContext()); err != nil {
		t.Fatalf("set error: %v", err)
	}
	if res, _ := c.Get(ctx, "fetch-key", fetchContext()); res == nil {
		t.Fatalf("development mode should serve fetch entries")
	}

	headers := http.Header{}
	headers.Set("Cache-Control", "no-cache")
	noCache := newTestCache(t, p, RequestInfo{Headers: headers})
	if res, _ := noCache.Get(ctx, "fetch-key", fetchContext()); res != nil {
		t.Fatalf("no-cache request must bypass fetch entries")
	}
}

func TestTestDisabledMode(t *testing.T) {
	clock := newTestClock()
	rec := newRecordingHandler(clock.Now)
	p := newTestProcess(t, clock, func(o *Options) {
		o.Mode = ModeTestDisabled
		o.Custom = rec.factory()
	})
	c := newTestCache(t, p, RequestInfo{})
	ctx := context.Background()

	if err := c.Set(ctx, "fetch-key", fetchValue("e30="), fetchContext()); err != nil {
		t.Fatalf("set error: %v", err)
	}
	if err := c.Set(ctx, "/blog/a", pageValue(), cache.RequestContext{}); err != nil {
		t.Fatalf("set error: %v", err)
	}
	if len(rec.Sets()) != 0 {
		t.Fatalf("disabled cache must not write")
	}
	if res, _ := c.Get(ctx, "/missing", cache.RequestContext{}); res != nil {
		t.Fatalf("disabled cache must not read or synthesize")
	}
}

func TestReadErrors(t *testing.T) {
	clock := newTestClock()
	rec := newRecordingHandler(clock.Now)
	rec.getErr = errBackendDown

	p := newTestProcess(t, clock, func(o *Options) { o.Custom = rec.factory() })
	res, err := newTestCache(t, p, RequestInfo{}).Get(context.Background(), "/blog/a", cache.RequestContext{})
	if err != nil || res != nil {
		t.Fatalf("read errors should be a miss by default, got %+v, %v", res, err)
	}

	strict := newTestProcess(t, clock, func(o *Options) {
		o.Custom = rec.factory()
		o.PropagateReadErrors = true
	})
	_, err = newTestCache(t, strict, RequestInfo{}).Get(context.Background(), "/blog/a", cache.RequestContext{})
	if !errors.Is(err, ErrBackendRead) || !errors.Is(err, errBackendDown) {
		t.Fatalf("expected wrapped read error, got %v", err)
	}
}

func TestSetSwallowsBackendErrors(t *testing.T) {
	clock := newTestClock()
	rec := newRecordingHandler(clock.Now)
	rec.setErr = errBackendDown
	p := newTestProcess(t, clock, func(o *Options) { o.Custom = rec.factory() })

	if err := newTestCache(t, p, RequestInfo{}).Set(context.Background(), "/blog/a", pageValue(), cache.RequestContext{}); err != nil {
		t.Fatalf("backend errors must not reach the caller, got %v", err)
	}
	if len(rec.Sets()) != 1 {
		t.Fatalf("expected backend to be called")
	}
}

func TestSetRecordsRevalidateTiming(t *testing.T) {
	clock := newTestClock()
	rec := newRecordingHandler(clock.Now)
	p := newTestProcess(t, clock, func(o *Options) { o.Custom = rec.factory() })
	c := newTestCache(t, p, RequestInfo{})

	policy := revalidate.Seconds(5)
	if err := c.Set(context.Background(), "/", pageValue(), cache.RequestContext{Revalidate: &policy}); err != nil {
		t.Fatalf("set error: %v", err)
	}
	if sets := rec.Sets(); len(sets) != 1 || sets[0].key != "/index" {
		t.Fatalf("expected normalized key /index, got %+v", sets)
	}
	got, ok := p.Engine().PolicyFor("/index")
	if !ok || got != policy {
		t.Fatalf("expected timing 5 for /, got %v (%v)", got, ok)
	}

	fetchPolicy := revalidate.Seconds(1)
	rc := fetchContext()
	rc.Revalidate = &fetchPolicy
	if err := c.Set(context.Background(), "fetch-key", fetchValue("e30="), rc); err != nil {
		t.Fatalf("set error: %v", err)
	}
	if _, ok := p.Engine().Timings().Get("fetch-key"); ok {
		t.Fatalf("fetch entries must not update timings")
	}
}

func TestLockMutualExclusion(t *testing.T) {
	p := newTestProcess(t, newTestClock(), nil)
	c := newTestCache(t, p, RequestInfo{})
	ctx := context.Background()

	release, err := c.Lock(ctx, "/blog/a")
	if err != nil {
		t.Fatalf("lock error: %v", err)
	}
	if keys := p.LockedKeys(); len(keys) != 1 || keys[0] != "/blog/a" {
		t.Fatalf("expected locked key, got %v", keys)
	}

	waitCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	if _, err := c.Lock(waitCtx, "/blog/a"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected second lock to wait, got %v", err)
	}

	if err := release(ctx); err != nil {
		t.Fatalf("release error: %v", err)
	}
	again, err := c.Lock(ctx, "/blog/a")
	if err != nil {
		t.Fatalf("lock after release error: %v", err)
	}
	if err := c.Unlock(ctx, "/blog/a"); err != nil {
		t.Fatalf("unlock error: %v", err)
	}
	_ = again(ctx)
	if keys := p.LockedKeys(); len(keys) != 0 {
		t.Fatalf("expected no locked keys, got %v", keys)
	}
}

func TestFetchCacheKeyPartialBody(t *testing.T) {
	p := newTestProcess(t, newTestClock(), func(o *Options) { o.FetchCacheKeyPrefix = "build-1" })
	c := newTestCache(t, p, RequestInfo{})

	req := &cachekey.FetchRequest{
		URL:    "https://api.example.com/posts",
		Method: "POST",
		Body:   cachekey.StreamBody{R: io.MultiReader(strings.NewReader("abc"), iotest.ErrReader(errors.New("reset")))},
	}
	key, err := c.FetchCacheKey(context.Background(), req)
	if err != nil {
		t.Fatalf("partial body should still yield a key, got %v", err)
	}
	if len(key) != 64 {
		t.Fatalf("expected sha256 hex key, got %q", key)
	}
	if string(req.Replay) != "abc" {
		t.Fatalf("expected replay bytes, got %q", req.Replay)
	}

	full, err := c.FetchCacheKey(context.Background(), &cachekey.FetchRequest{
		URL:    "https://api.example.com/posts",
		Method: "POST",
		Body:   cachekey.StringBody("abc"),
	})
	if err != nil {
		t.Fatalf("fetch cache key error: %v", err)
	}
	if full == key {
		t.Fatalf("partial stream body should not collide with the string body key")
	}
}

func TestProcessStatus(t *testing.T) {
	p := newTestProcess(t, newTestClock(), nil)
	status := p.Status(context.Background())
	if status.Mode != "normal" || status.Worker {
		t.Fatalf("unexpected status %+v", status)
	}
	if status.Timings["/blog/a"] != "60" {
		t.Fatalf("expected seeded timing, got %v", status.Timings)
	}
}

func TestRevalidatedFetchEntryStaysMissingWhenNewTagsArrive(t *testing.T) {
	clock := newTestClock()
	p := newTestProcess(t, clock, nil)
	c := newTestCache(t, p, RequestInfo{})
	ctx := context.Background()

	if err := c.Set(ctx, "fetch-key", fetchValue("e30="), fetchContext("posts")); err != nil {
		t.Fatalf("set error: %v", err)
	}
	clock.Advance(time.Second)
	if err := c.RevalidateTag(ctx, "posts"); err != nil {
		t.Fatalf("revalidate error: %v", err)
	}
	clock.Advance(time.Second)

	if res, err := c.Get(ctx, "fetch-key", fetchContext("posts", "extra")); err != nil || res != nil {
		t.Fatalf("expected miss with extra tags, got %+v, %v", res, err)
	}
	if res, err := c.Get(ctx, "fetch-key", fetchContext("posts")); err != nil || res != nil {
		t.Fatalf("expected miss on a later read, got %+v, %v", res, err)
	}

	if err := c.Set(ctx, "fetch-key", fetchValue("e30="), fetchContext("posts")); err != nil {
		t.Fatalf("set error: %v", err)
	}
	if res, _ := c.Get(ctx, "fetch-key", fetchContext("posts")); res == nil {
		t.Fatalf("entry written after revalidateTag should hit")
	}
}

func TestMemoryLayerHonoursRevalidateTag(t *testing.T) {
	clock := newTestClock()
	p := newTestProcess(t, clock, func(o *Options) { o.MaxMemoryCacheSize = 1 << 20 })
	c := newTestCache(t, p, RequestInfo{})
	ctx := context.Background()

	if err := c.Set(ctx, "fetch-key", fetchValue("e30="), fetchContext("posts")); err != nil {
		t.Fatalf("set error: %v", err)
	}
	if res, _ := c.Get(ctx, "fetch-key", fetchContext()); res == nil {
		t.Fatalf("expected memory hit before revalidateTag")
	}
	clock.Advance(time.Second)
	if err := c.RevalidateTag(ctx, "posts"); err != nil {
		t.Fatalf("revalidate error: %v", err)
	}
	if res, err := c.Get(ctx, "fetch-key", fetchContext()); err != nil || res != nil {
		t.Fatalf("expected miss after revalidateTag with memory layer, got %+v, %v", res, err)
	}
}

func TestNotFoundSentinelEntryIsStale(t *testing.T) {
	clock := newTestClock()
	rec := newRecordingHandler(clock.Now)
	rec.entries["/blog/a"] = cache.Entry{LastModified: revalidate.NotFoundSentinel, Value: pageValue()}
	p := newTestProcess(t, clock, func(o *Options) { o.Custom = rec.factory() })

	res, err := newTestCache(t, p, RequestInfo{}).Get(context.Background(), "/blog/a", cache.RequestContext{KindHint: cache.HintPages})
	if err != nil || res == nil {
		t.Fatalf("expected hit, got %+v, %v", res, err)
	}
	if !res.IsStale {
		t.Fatalf("entry with lastModified -1 must be stale")
	}
	if res.RevalidateAfter.At != -revalidate.CacheOneYear {
		t.Fatalf("expected revalidateAfter %d, got %+v", -revalidate.CacheOneYear, res.RevalidateAfter)
	}
	if res.Value == nil || res.Value.HTML != "<p>post</p>" {
		t.Fatalf("stale entry should still carry its value")
	}
}

func TestDevelopmentFetchLookupUsesStoredAge(t *testing.T) {
	clock := newTestClock()
	rec := newRecordingHandler(clock.Now)
	rec.entries["/blog/a"] = cache.Entry{LastModified: clock.Now().UnixMilli(), Value: pageValue()}
	p := newTestProcess(t, clock, func(o *Options) {
		o.Mode = ModeDevelopment
		o.Custom = rec.factory()
	})

	res, err := newTestCache(t, p, RequestInfo{}).Get(context.Background(), "/blog/a", fetchContext())
	if err != nil || res == nil {
		t.Fatalf("expected hit, got %+v, %v", res, err)
	}
	if res.IsStale {
		t.Fatalf("fetch-hinted lookup in development must not be forced stale")
	}
	if res.RevalidateAfter.At != clock.Now().UnixMilli()+60_000 {
		t.Fatalf("expected revalidateAfter from lastModified, got %+v", res.RevalidateAfter)
	}
}
