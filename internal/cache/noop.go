package cache

import "context"

// Noop 丢弃所有写入，读取总是未命中。
type Noop struct{}

func (Noop) Name() string { return string(BackendNoop) }

func (Noop) Get(context.Context, string, RequestContext) (*Entry, error) { return nil, nil }

func (Noop) Set(context.Context, string, *Value, RequestContext) error { return nil }

func (Noop) RevalidateTag(context.Context, ...string) error { return nil }

func (Noop) ResetRequestCache() {}
