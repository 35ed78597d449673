package server

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/any-hub/isrcache/internal/cache"
	"github.com/any-hub/isrcache/internal/incremental"
	"github.com/any-hub/isrcache/internal/ipc"
)

// Dispatcher 在主进程中把 IPC 方法映射到缓存 facade。
// 每次调用都构造新的请求级 facade，后端的请求内记忆化不会跨调用保留；
// 锁与标签清单由 Process 持有，在调用之间共享。
type Dispatcher struct {
	process *incremental.Process
}

// NewDispatcher 构造基于 Process 的 Dispatcher。
func NewDispatcher(p *incremental.Process) *Dispatcher {
	return &Dispatcher{process: p}
}

// Dispatch 解码按位置排列的参数并调用对应方法。
// lock 在取得锁后立即返回，锁一直保持到对应的 unlock 调用。
func (d *Dispatcher) Dispatch(ctx context.Context, method string, args []json.RawMessage) (any, error) {
	if !ipc.KnownMethod(method) {
		return nil, fmt.Errorf("%w: %s", ipc.ErrUnknownMethod, method)
	}
	c, err := d.process.ForRequest(incremental.RequestInfo{})
	if err != nil {
		return nil, err
	}
	return dispatch(ctx, c, method, args)
}

func dispatch(ctx context.Context, c *incremental.Cache, method string, args []json.RawMessage) (any, error) {
	switch method {
	case ipc.MethodGet:
		var (
			key string
			rc  cache.RequestContext
		)
		if err := decodeArgs(args, &key, &rc); err != nil {
			return nil, err
		}
		return c.Get(ctx, key, rc)
	case ipc.MethodSet:
		var (
			key   string
			value *cache.Value
			rc    cache.RequestContext
		)
		if err := decodeArgs(args, &key, &value, &rc); err != nil {
			return nil, err
		}
		return nil, c.Set(ctx, key, value, rc)
	case ipc.MethodLock:
		var key string
		if err := decodeArgs(args, &key); err != nil {
			return nil, err
		}
		_, err := c.Lock(ctx, key)
		return nil, err
	case ipc.MethodUnlock:
		var key string
		if err := decodeArgs(args, &key); err != nil {
			return nil, err
		}
		return nil, c.Unlock(ctx, key)
	case ipc.MethodRevalidateTag:
		var tags []string
		if err := decodeArgs(args, &tags); err != nil {
			return nil, err
		}
		return nil, c.RevalidateTag(ctx, tags...)
	case ipc.MethodResetRequestCache:
		return nil, c.ResetRequestCache(ctx)
	default:
		return nil, fmt.Errorf("%w: %s", ipc.ErrUnknownMethod, method)
	}
}

func decodeArgs(args []json.RawMessage, dst ...any) error {
	for i, d := range dst {
		if err := ipc.DecodeArg(args, i, d); err != nil {
			return err
		}
	}
	return nil
}
