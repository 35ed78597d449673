package cachekey

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
)

// keyVersion 在缓存条目格式修复时递增，用于整体失效旧 key。
const keyVersion = "v3"

// ErrPartialBody 表示请求体读取中途失败；返回的 key 基于已读取的部分计算。
var ErrPartialBody = errors.New("request body partially read")

// volatileHeaders 每次请求都会变化，不能参与 key 计算。
var volatileHeaders = map[string]struct{}{
	"traceparent": {},
	"tracestate":  {},
}

// FetchRequest 描述一次出站 fetch，字段与 fetch init 选项一一对应。
type FetchRequest struct {
	URL            string
	Method         string
	Header         http.Header
	Mode           string
	Redirect       string
	Credentials    string
	Referrer       string
	ReferrerPolicy string
	Integrity      string
	Cache          string
	Body           Body

	// Replay 保存 StreamBody 被读取后的原始字节，调用方可据此重新发送请求体。
	Replay []byte
}

// FetchKey 计算 fetch 缓存 key：规范化元组 → 确定性 JSON → SHA-256 十六进制。
// 请求体读取失败时同时返回 key 与包装了 ErrPartialBody 的错误。
func FetchKey(ctx context.Context, prefix string, req *FetchRequest) (string, error) {
	if req == nil {
		return "", errors.New("fetch request required")
	}

	chunks := []string{}
	var bodyErr error
	if req.Body != nil {
		got, raw, err := req.Body.textChunks(ctx)
		if got != nil {
			chunks = got
		}
		if raw != nil {
			req.Replay = raw
		}
		if err != nil {
			bodyErr = fmt.Errorf("%w: %v", ErrPartialBody, err)
		}
	}

	tuple := []any{
		keyVersion,
		prefix,
		req.URL,
		optional(req.Method),
		NormalizeHeaders(req.Header),
		optional(req.Mode),
		optional(req.Redirect),
		optional(req.Credentials),
		optional(req.Referrer),
		optional(req.ReferrerPolicy),
		optional(req.Integrity),
		optional(req.Cache),
		chunks,
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(tuple); err != nil {
		return "", fmt.Errorf("encode fetch key: %w", err)
	}
	sum := sha256.Sum256(bytes.TrimSuffix(buf.Bytes(), []byte("\n")))
	return hex.EncodeToString(sum[:]), bodyErr
}

// NormalizeHeaders 小写化 header 名、合并多值并剔除易变的 trace 头。
// 原始名按字典序遍历，仅大小写不同的同名 header 按固定顺序合并。
func NormalizeHeaders(h http.Header) map[string]string {
	keys := make([]string, 0, len(h))
	for key := range h {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	out := make(map[string]string, len(h))
	for _, key := range keys {
		values := h[key]
		name := strings.ToLower(key)
		if _, skip := volatileHeaders[name]; skip {
			continue
		}
		if existing, ok := out[name]; ok {
			out[name] = existing + ", " + strings.Join(values, ", ")
			continue
		}
		out[name] = strings.Join(values, ", ")
	}
	return out
}

func optional(v string) any {
	if v == "" {
		return nil
	}
	return v
}
