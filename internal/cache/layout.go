package cache

import (
	"path"
	"path/filepath"
	"strings"
)

const (
	suffixBody = ".body"
	suffixMeta = ".meta"
	suffixHTML = ".html"
	suffixRSC  = ".rsc"
	suffixData = ".json"

	fetchCacheDir = "cache/fetch-cache"
)

// layout 描述条目在磁盘上的位置，相对于 DistDir 的父目录：
//
//	<server>/app/<key>.body|.meta           ROUTE
//	<server>/app/<key>.html|.rsc|.meta      app 目录 PAGE
//	<server>/pages/<key>.html|.json|.meta   pages 目录 PAGE
//	cache/fetch-cache/<key>                 FETCH
type layout struct {
	server string
}

func newLayout(distDir string) layout {
	return layout{server: filepath.ToSlash(filepath.Base(filepath.Clean(distDir)))}
}

func (l layout) dir(kind KindHint) (string, error) {
	switch kind {
	case HintFetch:
		return fetchCacheDir, nil
	case HintPages:
		return l.server + "/pages", nil
	case HintApp:
		return l.server + "/app", nil
	default:
		return "", ErrUnknownKind
	}
}

// path 返回 kind 目录下 name 的相对路径，name 逃逸出该目录时返回 ErrInvalidKey。
func (l layout) path(kind KindHint, name string) (string, error) {
	dir, err := l.dir(kind)
	if err != nil {
		return "", err
	}
	rel := path.Join(dir, name)
	if !strings.HasPrefix(rel, dir+"/") {
		return "", ErrInvalidKey
	}
	return rel, nil
}

// parentDir 返回 DistDir 的父目录，fetch 缓存与标签清单位于其下的 cache 目录。
func parentDir(distDir string) string {
	return filepath.Dir(filepath.Clean(distDir))
}
