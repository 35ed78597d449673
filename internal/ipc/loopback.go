package ipc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"github.com/any-hub/isrcache/internal/httpclient"
)

// Loopback 通过回环 HTTP 调用主进程。
type Loopback struct {
	baseURL string
	key     string
	client  *http.Client
}

// NewLoopback 构造指向 127.0.0.1:port 的客户端；client 为空时使用不走代理的共享连接池。
func NewLoopback(port int, key string, client *http.Client) *Loopback {
	return NewLoopbackURL("http://127.0.0.1:"+strconv.Itoa(port), key, client)
}

// NewLoopbackURL 与 NewLoopback 相同，但接受完整的基础地址，便于测试。
func NewLoopbackURL(baseURL, key string, client *http.Client) *Loopback {
	if client == nil {
		client = httpclient.NewLoopback()
	}
	return &Loopback{baseURL: baseURL, key: key, client: client}
}

func (t *Loopback) Invoke(ctx context.Context, method string, args []any, out any) error {
	if args == nil {
		args = []any{}
	}
	rawArgs, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("encode ipc args: %w", err)
	}
	query := url.Values{}
	query.Set("key", t.key)
	query.Set("method", method)
	query.Set("args", string(rawArgs))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.baseURL+"/?"+query.Encode(), nil)
	if err != nil {
		return fmt.Errorf("build ipc request: %w", err)
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("ipc %s: %w", method, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("ipc %s: read response: %w", method, err)
	}

	trimmed := bytes.TrimSpace(body)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		var payload ErrorPayload
		if json.Unmarshal(trimmed, &payload) == nil && payload.Err != nil {
			return payload.Err
		}
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("ipc %s: unexpected status %d", method, resp.StatusCode)
	}
	return decodeResult(trimmed, out)
}
