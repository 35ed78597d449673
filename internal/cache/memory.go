package cache

import (
	"encoding/json"
	"fmt"

	"github.com/dgraph-io/ristretto"
)

// nullEntryCost 是 value 为空的条目在内存层中的估算大小。
const nullEntryCost = 25

// MemoryCache 是进程级、按字节估算容量的内存层，由同一进程内的所有请求级后端共享。
type MemoryCache struct {
	store *ristretto.Cache
}

// NewMemoryCache 构造容量为 maxBytes 的内存层；maxBytes <= 0 时返回 nil 表示禁用。
func NewMemoryCache(maxBytes int64) (*MemoryCache, error) {
	if maxBytes <= 0 {
		return nil, nil
	}
	counters := maxBytes / 100
	if counters < 1000 {
		counters = 1000
	}
	store, err := ristretto.NewCache(&ristretto.Config{
		NumCounters:        counters,
		MaxCost:            maxBytes,
		BufferItems:        64,
		IgnoreInternalCost: true,
	})
	if err != nil {
		return nil, fmt.Errorf("init memory cache: %w", err)
	}
	return &MemoryCache{store: store}, nil
}

// Get 读取条目，返回副本以免调用方修改共享状态。
func (m *MemoryCache) Get(key string) (*Entry, bool) {
	if m == nil {
		return nil, false
	}
	raw, ok := m.store.Get(key)
	if !ok {
		return nil, false
	}
	entry, ok := raw.(Entry)
	if !ok {
		return nil, false
	}
	return &entry, true
}

// Set 写入条目并等待写缓冲落地，保证随后的 Get 可见。超出容量的条目会被拒绝。
func (m *MemoryCache) Set(key string, entry Entry) bool {
	if m == nil {
		return false
	}
	ok := m.store.Set(key, entry, EstimateSize(entry.Value))
	m.store.Wait()
	return ok
}

// Delete 删除条目。
func (m *MemoryCache) Delete(key string) {
	if m == nil {
		return
	}
	m.store.Del(key)
}

// Close 释放后台 goroutine。
func (m *MemoryCache) Close() {
	if m == nil {
		return
	}
	m.store.Close()
}

// EstimateSize 估算条目占用的字节数。
func EstimateSize(v *Value) int64 {
	if v == nil {
		return nullEntryCost
	}
	switch v.Kind {
	case KindFetch:
		if v.Data == nil {
			return int64(len(`""`))
		}
		data, err := json.Marshal(v.Data)
		if err != nil {
			return nullEntryCost
		}
		return int64(len(data))
	case KindRoute:
		return int64(len(v.Body))
	default:
		return int64(len(v.HTML) + len(v.PageData) + len(v.RSCData))
	}
}
