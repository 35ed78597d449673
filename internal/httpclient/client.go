// Package httpclient 提供远端缓存与 IPC 客户端共享的 http.Client 构造，
// 统一连接复用与超时配置。
package httpclient

import (
	"net"
	"net/http"
	"net/textproto"
	"time"
)

// Shared HTTP transport tunings，复用长连接并集中配置超时。
var defaultTransport = &http.Transport{
	Proxy:                 http.ProxyFromEnvironment,
	MaxIdleConns:          100,
	MaxIdleConnsPerHost:   100,
	IdleConnTimeout:       90 * time.Second,
	TLSHandshakeTimeout:   10 * time.Second,
	ExpectContinueTimeout: 1 * time.Second,
	ForceAttemptHTTP2:     true,
	DialContext: (&net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}).DialContext,
}

// New 返回带超时的 http.Client；timeout <= 0 时不设整体超时（IPC lock 可能长时间阻塞）。
func New(timeout time.Duration) *http.Client {
	client := &http.Client{Transport: defaultTransport.Clone()}
	if timeout > 0 {
		client.Timeout = timeout
	}
	return client
}

// NewLoopback 返回仅用于回环 IPC 的客户端，绕过环境代理。
func NewLoopback() *http.Client {
	transport := defaultTransport.Clone()
	transport.Proxy = nil
	return &http.Client{Transport: transport}
}

// hopByHopHeaders 定义 RFC 7230 中禁止代理转发的头部。
var hopByHopHeaders = map[string]struct{}{
	"Connection":          {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"Te":                  {},
	"Trailer":             {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
	"Proxy-Connection":    {},
}

// ApplyHeaders 将额外的请求头写入 dst，自动忽略 hop-by-hop 字段。
func ApplyHeaders(dst http.Header, extra map[string]string) {
	for key, value := range extra {
		if IsHopByHopHeader(key) {
			continue
		}
		dst.Set(key, value)
	}
}

// IsHopByHopHeader reports whether the header must not be forwarded.
func IsHopByHopHeader(key string) bool {
	_, ok := hopByHopHeaders[textproto.CanonicalMIMEHeaderKey(key)]
	return ok
}
