package incremental

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/any-hub/isrcache/internal/cache"
	"github.com/any-hub/isrcache/internal/manifest"
)

const testManifest = `{
  "version": 4,
  "routes": {
    "/blog/a": {"initialRevalidateSeconds": 60, "srcRoute": "/blog/[slug]"}
  },
  "notFoundRoutes": ["/missing"],
  "preview": {"previewModeId": "preview-id"}
}`

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.UnixMilli(1_700_000_000_000)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func mustManifest(t *testing.T) *manifest.Manifest {
	t.Helper()
	m, err := manifest.Parse([]byte(testManifest))
	if err != nil {
		t.Fatalf("parse manifest: %v", err)
	}
	return m
}

// newTestProcess 构造基于临时目录的文件系统后端进程。
func newTestProcess(t *testing.T, clock *testClock, mutate func(*Options)) *Process {
	t.Helper()
	opts := Options{
		DistDir:     filepath.Join(t.TempDir(), ".next", "server"),
		PagesDir:    true,
		FlushToDisk: true,
		FetchCache:  true,
		Manifest:    mustManifest(t),
		Now:         clock.Now,
	}
	if mutate != nil {
		mutate(&opts)
	}
	p, err := NewProcess(opts)
	if err != nil {
		t.Fatalf("new process: %v", err)
	}
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func newTestCache(t *testing.T, p *Process, info RequestInfo) *Cache {
	t.Helper()
	c, err := p.ForRequest(info)
	if err != nil {
		t.Fatalf("for request: %v", err)
	}
	return c
}

type recordedSet struct {
	key   string
	value *cache.Value
}

// recordingHandler 是记录所有写入的内存后端，作为自定义后端注入。
type recordingHandler struct {
	mu      sync.Mutex
	entries map[string]cache.Entry
	sets    []recordedSet
	getErr  error
	setErr  error
	now     func() time.Time
}

func newRecordingHandler(now func() time.Time) *recordingHandler {
	return &recordingHandler{entries: map[string]cache.Entry{}, now: now}
}

func (h *recordingHandler) factory() cache.Factory {
	return func(cache.HandlerContext) (cache.Handler, error) { return h, nil }
}

func (h *recordingHandler) Name() string { return "recording" }

func (h *recordingHandler) Get(_ context.Context, key string, _ cache.RequestContext) (*cache.Entry, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.getErr != nil {
		return nil, h.getErr
	}
	entry, ok := h.entries[key]
	if !ok {
		return nil, nil
	}
	return &entry, nil
}

func (h *recordingHandler) Set(_ context.Context, key string, value *cache.Value, _ cache.RequestContext) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sets = append(h.sets, recordedSet{key: key, value: value})
	if h.setErr != nil {
		return h.setErr
	}
	h.entries[key] = cache.Entry{LastModified: h.now().UnixMilli(), Value: value}
	return nil
}

func (h *recordingHandler) RevalidateTag(context.Context, ...string) error { return nil }

func (h *recordingHandler) ResetRequestCache() {}

func (h *recordingHandler) Sets() []recordedSet {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]recordedSet(nil), h.sets...)
}

var errBackendDown = errors.New("backend down")
