// Package lock 协调同一缓存 key 的重新生成，保证任一时刻只有一个持有者。
package lock

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/isrcache/internal/ipc"
	"github.com/any-hub/isrcache/internal/metrics"
)

// Release 释放 Lock 取得的锁，可重复调用。
type Release func(ctx context.Context) error

// Coordinator 是锁协调器的统一契约。
type Coordinator interface {
	// Lock 阻塞直到取得 key 的锁或 ctx 结束。
	Lock(ctx context.Context, key string) (Release, error)
	// Unlock 释放 key 当前的锁；key 未被锁定时无操作。
	Unlock(ctx context.Context, key string) error
}

// Options 配置进程内协调器。
type Options struct {
	// LeaseTimeout > 0 时，持有超过该时长的锁会被强制释放并记录告警。默认关闭。
	LeaseTimeout time.Duration
	Metrics      *metrics.Registry
	Logger       *logrus.Entry
}

type handle struct {
	done  chan struct{}
	once  sync.Once
	timer *time.Timer
}

// InProcess 在单个进程内按 key 互斥。等待者在锁释放后重新竞争，
// 因此同一时刻只有一个持有者，但不保证 FIFO。
type InProcess struct {
	mu   sync.Mutex
	held map[string]*handle

	lease   time.Duration
	metrics *metrics.Registry
	logger  *logrus.Entry
}

// NewInProcess 构造进程内协调器。
func NewInProcess(opts Options) *InProcess {
	logger := opts.Logger
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &InProcess{
		held:    make(map[string]*handle),
		lease:   opts.LeaseTimeout,
		metrics: opts.Metrics,
		logger:  logger,
	}
}

func (c *InProcess) Lock(ctx context.Context, key string) (Release, error) {
	for {
		c.mu.Lock()
		current, busy := c.held[key]
		if !busy {
			h := &handle{done: make(chan struct{})}
			c.held[key] = h
			if c.lease > 0 {
				h.timer = time.AfterFunc(c.lease, func() { c.expire(key, h) })
			}
			c.mu.Unlock()
			c.metrics.LockAcquired()
			return func(context.Context) error {
				c.release(key, h)
				return nil
			}, nil
		}
		c.mu.Unlock()

		select {
		case <-current.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (c *InProcess) Unlock(_ context.Context, key string) error {
	c.mu.Lock()
	h := c.held[key]
	c.mu.Unlock()
	if h != nil {
		c.release(key, h)
	}
	return nil
}

// Held 返回当前被锁定的 key 数量。
func (c *InProcess) Held() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.held)
}

// Keys 返回当前被锁定的 key，供诊断接口使用。
func (c *InProcess) Keys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	keys := make([]string, 0, len(c.held))
	for key := range c.held {
		keys = append(keys, key)
	}
	return keys
}

func (c *InProcess) expire(key string, h *handle) {
	if c.release(key, h) {
		c.logger.WithFields(logrus.Fields{"action": "lock", "key": key, "lease": c.lease.String()}).
			Warn("cache_lock_lease_expired")
	}
}

// release 删除 key 的记录并唤醒等待者；h 已释放时返回 false。
func (c *InProcess) release(key string, h *handle) bool {
	c.mu.Lock()
	if c.held[key] == h {
		delete(c.held, key)
	}
	c.mu.Unlock()

	released := false
	h.once.Do(func() {
		if h.timer != nil {
			h.timer.Stop()
		}
		close(h.done)
		released = true
	})
	if released {
		c.metrics.LockReleased()
	}
	return released
}

// Remote 把 lock/unlock 转发到主进程。
type Remote struct {
	transport ipc.Transport
}

// NewRemote 基于 transport 构造远程协调器。
func NewRemote(transport ipc.Transport) *Remote {
	return &Remote{transport: transport}
}

func (r *Remote) Lock(ctx context.Context, key string) (Release, error) {
	if err := r.transport.Invoke(ctx, ipc.MethodLock, []any{key}, nil); err != nil {
		return nil, err
	}
	var once sync.Once
	return func(ctx context.Context) error {
		var err error
		once.Do(func() { err = r.Unlock(ctx, key) })
		return err
	}, nil
}

func (r *Remote) Unlock(ctx context.Context, key string) error {
	return r.transport.Invoke(ctx, ipc.MethodUnlock, []any{key}, nil)
}
