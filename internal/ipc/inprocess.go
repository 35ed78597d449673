package ipc

import (
	"context"
	"encoding/json"
	"errors"
)

// InProcess 直接调用同进程内的 Dispatcher，但保持与线路相同的 JSON 往返，
// 使 worker 侧的行为与 Loopback 一致。
type InProcess struct {
	dispatcher Dispatcher
}

// NewInProcess 包装 dispatcher。
func NewInProcess(d Dispatcher) *InProcess {
	return &InProcess{dispatcher: d}
}

func (t *InProcess) Invoke(ctx context.Context, method string, args []any, out any) error {
	if t.dispatcher == nil {
		return errors.New("ipc dispatcher not configured")
	}
	encoded, err := EncodeArgs(args)
	if err != nil {
		return err
	}
	result, err := t.dispatcher.Dispatch(ctx, method, encoded)
	if err != nil {
		return ToRemoteError(err)
	}
	body, err := json.Marshal(result)
	if err != nil {
		return err
	}
	return decodeResult(body, out)
}
