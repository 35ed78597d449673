package cache

import (
	"context"
	"time"

	"github.com/any-hub/isrcache/internal/metrics"
)

// instrumented 为任意后端记录调用次数与耗时。
type instrumented struct {
	Handler
	metrics *metrics.Registry
}

// Instrument 包装 h；m 为空时直接返回 h。
func Instrument(h Handler, m *metrics.Registry) Handler {
	if h == nil || m == nil {
		return h
	}
	return &instrumented{Handler: h, metrics: m}
}

func (i *instrumented) Get(ctx context.Context, key string, rc RequestContext) (*Entry, error) {
	start := time.Now()
	entry, err := i.Handler.Get(ctx, key, rc)
	result := metrics.ResultHit
	switch {
	case err != nil:
		result = metrics.ResultError
	case entry == nil:
		result = metrics.ResultMiss
	}
	i.metrics.ObserveBackend(i.Name(), "get", result, time.Since(start))
	return entry, err
}

func (i *instrumented) Set(ctx context.Context, key string, value *Value, rc RequestContext) error {
	start := time.Now()
	err := i.Handler.Set(ctx, key, value, rc)
	i.metrics.ObserveBackend(i.Name(), "set", resultOf(err), time.Since(start))
	return err
}

func (i *instrumented) RevalidateTag(ctx context.Context, tags ...string) error {
	start := time.Now()
	err := i.Handler.RevalidateTag(ctx, tags...)
	i.metrics.ObserveBackend(i.Name(), "revalidate_tag", resultOf(err), time.Since(start))
	return err
}

func resultOf(err error) string {
	if err != nil {
		return metrics.ResultError
	}
	return metrics.ResultOK
}
