package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

const tagsManifestRel = "cache/fetch-cache/tags-manifest.json"

// TagInfo 记录标签最近一次失效的时间（Unix 毫秒）。
type TagInfo struct {
	RevalidatedAt int64 `json:"revalidatedAt"`
}

type tagsManifestFile struct {
	Version int                `json:"version"`
	Items   map[string]TagInfo `json:"items"`
}

// TagsManifest 是进程级共享的标签失效清单，持久化在 <DistDir>/../cache/fetch-cache 下。
// 首次使用时懒加载，并发加载经 singleflight 合并为一次磁盘读取。
type TagsManifest struct {
	disk *diskStore
	now  func() time.Time

	group singleflight.Group

	mu     sync.RWMutex
	loaded bool
	items  map[string]TagInfo
}

// NewTagsManifest 构造清单；distDir 为空时清单只存在于内存中。
func NewTagsManifest(distDir string, now func() time.Time) (*TagsManifest, error) {
	if now == nil {
		now = time.Now
	}
	m := &TagsManifest{now: now, items: make(map[string]TagInfo)}
	if distDir == "" {
		m.loaded = true
		return m, nil
	}
	disk, err := newDiskStore(parentDir(distDir))
	if err != nil {
		return nil, err
	}
	m.disk = disk
	return m, nil
}

// ensureLoaded 读取磁盘上的清单；文件缺失或损坏时以空清单开始。
func (m *TagsManifest) ensureLoaded(ctx context.Context) error {
	m.mu.RLock()
	loaded := m.loaded
	m.mu.RUnlock()
	if loaded {
		return nil
	}

	_, err, _ := m.group.Do("load", func() (any, error) {
		m.mu.RLock()
		if m.loaded {
			m.mu.RUnlock()
			return nil, nil
		}
		m.mu.RUnlock()

		items := make(map[string]TagInfo)
		data, _, err := m.disk.read(ctx, tagsManifestRel)
		switch {
		case err == nil:
			var file tagsManifestFile
			if jsonErr := json.Unmarshal(data, &file); jsonErr == nil && file.Items != nil {
				items = file.Items
			}
		case errors.Is(err, ErrNotFound):
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			return nil, err
		}

		m.mu.Lock()
		if !m.loaded {
			m.items = items
			m.loaded = true
		}
		m.mu.Unlock()
		return nil, nil
	})
	return err
}

// RevalidatedAt 返回标签最近一次失效的时间。
func (m *TagsManifest) RevalidatedAt(ctx context.Context, tag string) (int64, bool) {
	if m == nil {
		return 0, false
	}
	if err := m.ensureLoaded(ctx); err != nil {
		return 0, false
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	info, ok := m.items[tag]
	if !ok || info.RevalidatedAt == 0 {
		return 0, false
	}
	return info.RevalidatedAt, true
}

// WasRevalidated 判断任一标签是否在 lastModified 当时或之后被失效。
// lastModified 为 0 时按当前时间计算。
func (m *TagsManifest) WasRevalidated(ctx context.Context, tags []string, lastModified int64) bool {
	if m == nil || len(tags) == 0 {
		return false
	}
	if lastModified == 0 {
		lastModified = m.now().UnixMilli()
	}
	for _, tag := range tags {
		if at, ok := m.RevalidatedAt(ctx, tag); ok && at >= lastModified {
			return true
		}
	}
	return false
}

// Revalidate 将 tags 的失效时间更新为当前时刻并持久化。
func (m *TagsManifest) Revalidate(ctx context.Context, tags ...string) error {
	if m == nil || len(tags) == 0 {
		return nil
	}
	if err := m.ensureLoaded(ctx); err != nil {
		return err
	}

	now := m.now().UnixMilli()
	m.mu.Lock()
	for _, tag := range tags {
		info := m.items[tag]
		info.RevalidatedAt = now
		m.items[tag] = info
	}
	payload, err := json.Marshal(tagsManifestFile{Version: 1, Items: m.items})
	m.mu.Unlock()
	if err != nil {
		return fmt.Errorf("encode tags manifest: %w", err)
	}
	if m.disk == nil {
		return nil
	}

	unlock := m.disk.lockEntry(tagsManifestRel)
	defer unlock()
	if err := m.disk.write(ctx, tagsManifestRel, payload, time.Time{}); err != nil {
		return fmt.Errorf("update tags manifest: %w", err)
	}
	return nil
}

// Snapshot 返回清单副本，供诊断接口输出。
func (m *TagsManifest) Snapshot(ctx context.Context) map[string]TagInfo {
	if m == nil {
		return nil
	}
	_ = m.ensureLoaded(ctx)
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]TagInfo, len(m.items))
	for tag, info := range m.items {
		out[tag] = info
	}
	return out
}
