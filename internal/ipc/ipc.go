// Package ipc 把缓存方法调用从 worker 进程转发到主进程。
//
// 线路格式：GET http://127.0.0.1:<port>/?key=<token>&method=<name>&args=<json 数组>。
// 成功时响应体为方法返回值的 JSON；失败时状态码为 500，响应体为
// {"err":{"name","message","stack"}}。Transport 隐藏了具体的传输方式，
// InProcess 用于同进程与测试，Loopback 用于真实的回环 HTTP。
package ipc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"

	"github.com/google/uuid"
)

// 可被远程调用的方法名。
const (
	MethodGet               = "get"
	MethodSet               = "set"
	MethodLock              = "lock"
	MethodUnlock            = "unlock"
	MethodRevalidateTag     = "revalidateTag"
	MethodResetRequestCache = "resetRequestCache"
)

// Methods 列出全部合法的方法名。
var Methods = []string{
	MethodGet,
	MethodSet,
	MethodLock,
	MethodUnlock,
	MethodRevalidateTag,
	MethodResetRequestCache,
}

// KnownMethod 判断 method 是否在 Methods 中。
func KnownMethod(method string) bool {
	return slices.Contains(Methods, method)
}

// ErrUnknownMethod 表示 method 参数不在 Methods 中。
var ErrUnknownMethod = errors.New("unknown ipc method")

// Transport 执行一次远程方法调用，并将结果解码到 out（可为 nil）。
type Transport interface {
	Invoke(ctx context.Context, method string, args []any, out any) error
}

// Dispatcher 在主进程中执行方法调用，args 为按位置排列的 JSON 参数。
type Dispatcher interface {
	Dispatch(ctx context.Context, method string, args []json.RawMessage) (any, error)
}

// NewKey 生成进程级的随机校验 token。
func NewKey() string {
	return uuid.NewString()
}

// Named 由希望跨进程保留身份的错误实现，ErrorName 会写入线路上的 name 字段。
type Named interface {
	ErrorName() string
}

// RemoteError 是反序列化后的远端错误。
type RemoteError struct {
	Name    string `json:"name"`
	Message string `json:"message"`
	Stack   string `json:"stack,omitempty"`
}

func (e *RemoteError) Error() string {
	if e.Name == "" {
		return e.Message
	}
	return e.Name + ": " + e.Message
}

// Is 使 errors.Is 可以用本地的 Named 错误匹配远端错误。
func (e *RemoteError) Is(target error) bool {
	var named Named
	if errors.As(target, &named) {
		return named.ErrorName() == e.Name
	}
	return false
}

// ErrorPayload 是失败响应的包装。
type ErrorPayload struct {
	Err *RemoteError `json:"err"`
}

// ToRemoteError 将本地错误转换为线路格式，保留 Named 错误的名称。
func ToRemoteError(err error) *RemoteError {
	if err == nil {
		return nil
	}
	var remote *RemoteError
	if errors.As(err, &remote) {
		return remote
	}
	name := "Error"
	var named Named
	if errors.As(err, &named) {
		name = named.ErrorName()
	}
	return &RemoteError{
		Name:    name,
		Message: err.Error(),
		Stack:   fmt.Sprintf("%s: %+v", name, err),
	}
}

// EncodeArgs 将参数逐个编码为 JSON。
func EncodeArgs(args []any) ([]json.RawMessage, error) {
	out := make([]json.RawMessage, len(args))
	for i, arg := range args {
		raw, err := json.Marshal(arg)
		if err != nil {
			return nil, fmt.Errorf("encode ipc arg %d: %w", i, err)
		}
		out[i] = raw
	}
	return out, nil
}

// DecodeArg 解码第 i 个参数；参数缺失或为 null 时保持 dst 不变。
func DecodeArg(args []json.RawMessage, i int, dst any) error {
	if i >= len(args) || len(args[i]) == 0 || string(args[i]) == "null" {
		return nil
	}
	if err := json.Unmarshal(args[i], dst); err != nil {
		return fmt.Errorf("decode ipc arg %d: %w", i, err)
	}
	return nil
}

func decodeResult(body []byte, out any) error {
	if out == nil || len(body) == 0 || string(body) == "null" {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode ipc result: %w", err)
	}
	return nil
}
