package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/isrcache/internal/revalidate"
)

// FileSystem 是基于 DistDir 的默认后端：内存层优先，其次读取构建产物与运行期写入的文件。
type FileSystem struct {
	disk   *diskStore
	layout layout
	writer entryWriter

	memory *MemoryCache
	tags   *TagsManifest

	flushToDisk bool
	appDir      bool
	pagesDir    bool
	revalidated revalidate.TagSet

	now    func() time.Time
	logger *logrus.Entry
}

// NewFileSystem 基于请求级上下文构造文件系统后端。
func NewFileSystem(hc HandlerContext) (*FileSystem, error) {
	if hc.DistDir == "" {
		return nil, errors.New("filesystem cache requires a dist dir")
	}
	disk, err := newDiskStore(parentDir(hc.DistDir))
	if err != nil {
		return nil, err
	}
	now := hc.Now
	if now == nil {
		now = time.Now
	}
	l := newLayout(hc.DistDir)
	logger := hc.Logger
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &FileSystem{
		disk:        disk,
		layout:      l,
		writer:      entryWriter{disk: disk, layout: l, now: now},
		memory:      hc.Memory,
		tags:        hc.TagsManifest,
		flushToDisk: hc.FlushToDisk,
		appDir:      hc.AppDir,
		pagesDir:    hc.PagesDir,
		revalidated: hc.RevalidatedTags,
		now:         now,
		logger:      logger.WithField("backend", BackendFilesystem),
	}, nil
}

func (h *FileSystem) Name() string { return string(BackendFilesystem) }

func (h *FileSystem) ResetRequestCache() {}

func (h *FileSystem) Get(ctx context.Context, key string, rc RequestContext) (*Entry, error) {
	entry, _ := h.memory.Get(key)
	if entry == nil {
		route, err := h.readRoute(ctx, key)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return nil, err
		}
		if route != nil {
			return route, nil
		}

		entry, err = h.readEntry(ctx, key, rc)
		if err != nil {
			if errors.Is(err, ErrNotFound) || errors.Is(err, ErrUnknownKind) {
				return nil, nil
			}
			return nil, err
		}
		if entry == nil {
			return nil, nil
		}
		h.memory.Set(key, *entry)
	}

	if entry.Value != nil {
		switch entry.Value.Kind {
		case KindPage:
			if h.tags.WasRevalidated(ctx, entry.Value.CacheTags(), entry.LastModified) {
				return nil, nil
			}
		case KindFetch:
			combined := append(rc.CombinedTags(), entry.Value.Tags...)
			if revalidate.ShouldBypassForRevalidatedTags(combined, h.revalidated) {
				return nil, nil
			}
			if h.tags.WasRevalidated(ctx, combined, entry.LastModified) {
				return nil, nil
			}
		}
	}
	return entry, nil
}

// readRoute 读取 app/<key>.body 及其 .meta，二者缺一视为未命中。
func (h *FileSystem) readRoute(ctx context.Context, key string) (*Entry, error) {
	bodyPath, err := h.layout.path(HintApp, key+suffixBody)
	if err != nil {
		return nil, err
	}
	body, modTime, err := h.disk.read(ctx, bodyPath)
	if err != nil {
		return nil, err
	}
	metaPath, _ := h.layout.path(HintApp, key+suffixMeta)
	rawMeta, _, err := h.disk.read(ctx, metaPath)
	if err != nil {
		return nil, err
	}
	var meta entryMeta
	if err := json.Unmarshal(rawMeta, &meta); err != nil {
		return nil, fmt.Errorf("decode route meta %s: %w", key, err)
	}
	return &Entry{
		LastModified: modTime.UnixMilli(),
		Value: &Value{
			Kind:    KindRoute,
			Body:    body,
			Headers: meta.Headers,
			Status:  meta.Status,
		},
	}, nil
}

func (h *FileSystem) readEntry(ctx context.Context, key string, rc RequestContext) (*Entry, error) {
	kind := rc.KindHint
	if kind == "" {
		detected, err := h.detectKind(key + suffixHTML)
		if err != nil {
			return nil, err
		}
		kind = detected
	}
	if kind == HintFetch {
		if !h.flushToDisk {
			return nil, nil
		}
		return h.readFetch(ctx, key, rc)
	}
	return h.readPage(ctx, key, kind)
}

func (h *FileSystem) readFetch(ctx context.Context, key string, rc RequestContext) (*Entry, error) {
	filePath, err := h.layout.path(HintFetch, key)
	if err != nil {
		return nil, err
	}
	data, modTime, err := h.disk.read(ctx, filePath)
	if err != nil {
		return nil, err
	}
	var value Value
	if err := json.Unmarshal(data, &value); err != nil {
		// 损坏的条目删除后按未命中处理。
		h.logger.WithError(err).WithField("key", key).Warn("cache_fetch_entry_corrupt")
		if rmErr := h.disk.remove(filePath); rmErr != nil {
			h.logger.WithError(rmErr).WithField("key", key).Warn("cache_fetch_entry_remove_failed")
		}
		h.memory.Delete(key)
		return nil, ErrNotFound
	}
	entry := &Entry{LastModified: modTime.UnixMilli(), Value: &value}

	if value.Kind == KindFetch && !containsAll(value.Tags, rc.Tags) {
		merged := unionTags(value.Tags, rc.Tags)
		// 失效判断必须基于原始修改时间；已失效的条目不再合并，交由 Get 判定未命中。
		if h.tags.WasRevalidated(ctx, merged, entry.LastModified) {
			return entry, nil
		}
		// 合并调用方带来的新标签并保留原修改时间，后续按标签失效才能命中该条目。
		if err := h.writer.writeAt(ctx, key, &value, merged, modTime); err != nil {
			h.logger.WithError(err).WithField("key", key).Warn("cache_fetch_tags_update_failed")
		} else {
			value.Tags = merged
		}
	}
	return entry, nil
}

func (h *FileSystem) readPage(ctx context.Context, key string, kind KindHint) (*Entry, error) {
	htmlPath, err := h.layout.path(kind, key+suffixHTML)
	if err != nil {
		return nil, err
	}
	html, modTime, err := h.disk.read(ctx, htmlPath)
	if err != nil {
		return nil, err
	}

	value := &Value{Kind: KindPage, HTML: string(html)}
	if kind == HintApp {
		rscPath, _ := h.layout.path(HintApp, key+suffixRSC)
		rsc, _, err := h.disk.read(ctx, rscPath)
		if err != nil {
			return nil, err
		}
		value.RSCData = rsc
	} else {
		dataPath, _ := h.layout.path(HintPages, key+suffixData)
		pageData, _, err := h.disk.read(ctx, dataPath)
		if err != nil {
			return nil, err
		}
		if !json.Valid(pageData) {
			return nil, fmt.Errorf("decode page data %s: invalid json", key)
		}
		value.PageData = json.RawMessage(pageData)
	}

	metaPath, _ := h.layout.path(kind, key+suffixMeta)
	if rawMeta, _, err := h.disk.read(ctx, metaPath); err == nil {
		var meta entryMeta
		if json.Unmarshal(rawMeta, &meta) == nil {
			value.Headers = meta.Headers
			value.Status = meta.Status
			value.Postponed = meta.Postponed
		}
	}

	return &Entry{LastModified: modTime.UnixMilli(), Value: value}, nil
}

// detectKind 依据启用的目录判断页面所在位置；两者都启用时按文件是否存在探测。
func (h *FileSystem) detectKind(name string) (KindHint, error) {
	switch {
	case !h.appDir && !h.pagesDir:
		return "", ErrUnknownKind
	case !h.appDir:
		return HintPages, nil
	case !h.pagesDir:
		return HintApp, nil
	}
	if rel, err := h.layout.path(HintPages, name); err == nil && h.disk.exists(rel) {
		return HintPages, nil
	}
	if rel, err := h.layout.path(HintApp, name); err == nil && h.disk.exists(rel) {
		return HintApp, nil
	}
	return "", ErrUnknownKind
}

func (h *FileSystem) Set(ctx context.Context, key string, value *Value, rc RequestContext) error {
	tags := rc.Tags
	if value != nil && value.Kind == KindFetch {
		// 内存层与磁盘保存同一份带完整标签的副本。
		tags = unionTags(value.Tags, rc.Tags)
		tagged := *value
		tagged.Tags = tags
		value = &tagged
	}
	h.memory.Set(key, Entry{LastModified: h.now().UnixMilli(), Value: value})
	if !h.flushToDisk || value == nil {
		return nil
	}
	return h.writer.write(ctx, key, value, tags)
}

func (h *FileSystem) RevalidateTag(ctx context.Context, tags ...string) error {
	return h.tags.Revalidate(ctx, tags...)
}

func containsAll(stored, wanted []string) bool {
	for _, tag := range wanted {
		found := false
		for _, have := range stored {
			if have == tag {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func unionTags(a, b []string) []string {
	if len(b) == 0 {
		return a
	}
	seen := make(map[string]struct{}, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, list := range [][]string{a, b} {
		for _, tag := range list {
			if _, ok := seen[tag]; ok {
				continue
			}
			seen[tag] = struct{}{}
			out = append(out, tag)
		}
	}
	return out
}
