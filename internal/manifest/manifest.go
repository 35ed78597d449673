// Package manifest 读取构建期生成的 prerender manifest，为时长表播种并提供
// not-found 路由列表与 preview mode id。
package manifest

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/any-hub/isrcache/internal/revalidate"
)

// Route 是单个预渲染路由的描述。
type Route struct {
	InitialRevalidateSeconds *revalidate.Policy `json:"initialRevalidateSeconds"`
	SrcRoute                 string             `json:"srcRoute,omitempty"`
	DataRoute                string             `json:"dataRoute,omitempty"`
}

// Preview 保存 preview mode 相关的密钥，这里只用到 PreviewModeID。
type Preview struct {
	PreviewModeID            string `json:"previewModeId"`
	PreviewModeSigningKey    string `json:"previewModeSigningKey,omitempty"`
	PreviewModeEncryptionKey string `json:"previewModeEncryptionKey,omitempty"`
}

// Manifest 对应 prerender-manifest.json。
type Manifest struct {
	Version        int              `json:"version"`
	Routes         map[string]Route `json:"routes"`
	NotFoundRoutes []string         `json:"notFoundRoutes"`
	Preview        Preview          `json:"preview"`
}

// Empty 返回没有任何路由的 manifest，未配置 manifest 时使用。
func Empty() *Manifest {
	return &Manifest{Version: 4, Routes: map[string]Route{}}
}

// Load 读取并解析 manifest。文件不存在时返回 Empty() 与 nil。
func Load(path string) (*Manifest, error) {
	if path == "" {
		return Empty(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Empty(), nil
		}
		return nil, fmt.Errorf("read prerender manifest: %w", err)
	}
	return Parse(data)
}

// Parse 解析 manifest 内容。
func Parse(data []byte) (*Manifest, error) {
	m := Empty()
	if err := json.Unmarshal(data, m); err != nil {
		return nil, fmt.Errorf("decode prerender manifest: %w", err)
	}
	if m.Routes == nil {
		m.Routes = map[string]Route{}
	}
	return m, nil
}

// Timings 以 initialRevalidateSeconds 为路由播种时长表。
func (m *Manifest) Timings() map[string]revalidate.Policy {
	out := make(map[string]revalidate.Policy, len(m.Routes))
	for route, info := range m.Routes {
		if info.InitialRevalidateSeconds == nil {
			continue
		}
		out[route] = *info.InitialRevalidateSeconds
	}
	return out
}

// IsNotFound 判断 key 是否为构建期已知的 not-found 路由。
func (m *Manifest) IsNotFound(key string) bool {
	if m == nil {
		return false
	}
	for _, route := range m.NotFoundRoutes {
		if route == key {
			return true
		}
	}
	return false
}
