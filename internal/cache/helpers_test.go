package cache

import (
	"path/filepath"
	"sync"
	"testing"
	"time"
)

// testClock 是可手动推进的时钟。
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

func testDistDir(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), ".next", "server")
}

func newTestFileSystem(t *testing.T, distDir string, clock *testClock, mutate func(*HandlerContext)) *FileSystem {
	t.Helper()
	tags, err := NewTagsManifest(distDir, clock.Now)
	if err != nil {
		t.Fatalf("tags manifest: %v", err)
	}
	hc := HandlerContext{
		DistDir:      distDir,
		AppDir:       true,
		PagesDir:     true,
		FlushToDisk:  true,
		TagsManifest: tags,
		Now:          clock.Now,
	}
	if mutate != nil {
		mutate(&hc)
	}
	fs, err := NewFileSystem(hc)
	if err != nil {
		t.Fatalf("new filesystem: %v", err)
	}
	return fs
}
