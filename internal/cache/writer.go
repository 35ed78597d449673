package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// entryMeta 是 .meta 文件的内容。
type entryMeta struct {
	Headers   map[string]string `json:"headers,omitempty"`
	Status    int               `json:"status,omitempty"`
	Postponed string            `json:"postponed,omitempty"`
}

// entryWriter 将 Value 按 Kind 拆分为一组文件写入磁盘，同一 key 的写入互斥。
type entryWriter struct {
	disk   *diskStore
	layout layout
	now    func() time.Time
}

func (w entryWriter) write(ctx context.Context, key string, value *Value, tags []string) error {
	return w.writeAt(ctx, key, value, tags, w.now())
}

// writeAt 与 write 相同，但使用给定的修改时间，用于不改变条目新鲜度的重写。
func (w entryWriter) writeAt(ctx context.Context, key string, value *Value, tags []string, modTime time.Time) error {
	if value == nil {
		return nil
	}
	unlock := w.disk.lockEntry(key)
	defer unlock()

	switch value.Kind {
	case KindRoute:
		return w.writeRoute(ctx, key, value, modTime)
	case KindPage:
		return w.writePage(ctx, key, value, modTime)
	case KindFetch:
		return w.writeFetch(ctx, key, value, tags, modTime)
	default:
		return errors.New("unsupported cache value kind " + string(value.Kind))
	}
}

func (w entryWriter) writeRoute(ctx context.Context, key string, value *Value, modTime time.Time) error {
	bodyPath, err := w.layout.path(HintApp, key+suffixBody)
	if err != nil {
		return err
	}
	metaPath, _ := w.layout.path(HintApp, key+suffixMeta)

	meta, err := json.MarshalIndent(entryMeta{Headers: value.Headers, Status: value.Status}, "", "  ")
	if err != nil {
		return err
	}
	if err := w.disk.write(ctx, bodyPath, value.Body, modTime); err != nil {
		return err
	}
	return w.disk.write(ctx, metaPath, meta, modTime)
}

func (w entryWriter) writePage(ctx context.Context, key string, value *Value, modTime time.Time) error {
	kind, dataSuffix, data := HintPages, suffixData, []byte(value.PageData)
	if value.IsAppPage() {
		kind, dataSuffix, data = HintApp, suffixRSC, value.RSCData
	} else if len(data) == 0 {
		data = []byte("{}")
	}

	htmlPath, err := w.layout.path(kind, key+suffixHTML)
	if err != nil {
		return err
	}
	dataPath, _ := w.layout.path(kind, key+dataSuffix)

	// 先写数据文件，html 的修改时间作为条目的 lastModified。
	if err := w.disk.write(ctx, dataPath, data, modTime); err != nil {
		return err
	}
	if value.Headers != nil || value.Status != 0 || value.Postponed != "" {
		metaPath, _ := w.layout.path(kind, key+suffixMeta)
		meta, err := json.Marshal(entryMeta{Headers: value.Headers, Status: value.Status, Postponed: value.Postponed})
		if err != nil {
			return err
		}
		if err := w.disk.write(ctx, metaPath, meta, modTime); err != nil {
			return err
		}
	}
	return w.disk.write(ctx, htmlPath, []byte(value.HTML), modTime)
}

func (w entryWriter) writeFetch(ctx context.Context, key string, value *Value, tags []string, modTime time.Time) error {
	filePath, err := w.layout.path(HintFetch, key)
	if err != nil {
		return err
	}
	stored := *value
	if len(tags) > 0 {
		stored.Tags = tags
	}
	payload, err := json.Marshal(&stored)
	if err != nil {
		return err
	}
	return w.disk.write(ctx, filePath, payload, modTime)
}
