package incremental

import (
	"context"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/isrcache/internal/cache"
	"github.com/any-hub/isrcache/internal/ipc"
	"github.com/any-hub/isrcache/internal/lock"
	"github.com/any-hub/isrcache/internal/logging"
	"github.com/any-hub/isrcache/internal/manifest"
	"github.com/any-hub/isrcache/internal/metrics"
	"github.com/any-hub/isrcache/internal/revalidate"
)

// DefaultMaxFetchEntrySize 是 fetch 条目序列化后允许的最大字节数。
const DefaultMaxFetchEntrySize = 2 * 1024 * 1024

// Options 描述进程级缓存的全部参数。
type Options struct {
	Mode        Mode
	MinimalMode bool
	FetchCache  bool

	DistDir     string
	AppDir      bool
	PagesDir    bool
	FlushToDisk bool

	MaxMemoryCacheSize  int64
	MaxFetchEntrySize   int
	FetchCacheKeyPrefix string
	Locales             []string

	Manifest *manifest.Manifest

	// Backend 为空或 auto 时按优先级自动选择。
	Backend cache.BackendKind
	// Custom 非空时作为最高优先级的自定义后端，且不受 fetch 大小上限约束。
	Custom     cache.Factory
	Remote     cache.RemoteSettings
	HTTPClient *http.Client

	LockLeaseTimeout time.Duration
	// PropagateReadErrors 为 true 时后端读取错误以 ErrBackendRead 返回，否则按未命中处理。
	PropagateReadErrors bool

	// Transport 非空时进程以 worker 身份运行，所有方法转发到主进程。
	Transport ipc.Transport

	Metrics *metrics.Registry
	Logger  *logrus.Logger
	Now     func() time.Time
}

// Process 持有进程级共享状态：时长表、内存层、标签清单、锁与后端注册表。
type Process struct {
	opts     Options
	manifest *manifest.Manifest
	engine   *revalidate.Engine
	memory   *cache.MemoryCache
	tags     *cache.TagsManifest
	locks    lock.Coordinator
	registry *cache.Registry
	limiter  *cache.RateWindow
	metrics  *metrics.Registry
	logger   *logrus.Entry

	pending sync.WaitGroup
}

// NewProcess 构造进程级状态。
func NewProcess(opts Options) (*Process, error) {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.MaxFetchEntrySize <= 0 {
		opts.MaxFetchEntrySize = DefaultMaxFetchEntrySize
	}
	if opts.Backend == "" {
		opts.Backend = cache.BackendAuto
	}
	m := opts.Manifest
	if m == nil {
		m = manifest.Empty()
	}
	logger := logging.Component(opts.Logger, "incremental")

	p := &Process{
		opts:     opts,
		manifest: m,
		engine:   revalidate.NewEngine(revalidate.NewTimings(m.Timings()), opts.Now),
		metrics:  opts.Metrics,
		logger:   logger,
	}

	if opts.Transport != nil {
		p.locks = lock.NewRemote(opts.Transport)
		return p, nil
	}

	memory, err := cache.NewMemoryCache(opts.MaxMemoryCacheSize)
	if err != nil {
		return nil, err
	}
	tags, err := cache.NewTagsManifest(opts.DistDir, opts.Now)
	if err != nil {
		memory.Close()
		return nil, err
	}
	p.memory = memory
	p.tags = tags
	p.registry = cache.NewDefaultRegistry(opts.Custom)
	p.limiter = opts.Remote.Limiter
	if p.limiter == nil {
		p.limiter = &cache.RateWindow{}
	}
	p.locks = lock.NewInProcess(lock.Options{
		LeaseTimeout: opts.LockLeaseTimeout,
		Metrics:      opts.Metrics,
		Logger:       logging.Component(opts.Logger, "lock"),
	})
	return p, nil
}

// RequestInfo 是构造请求级缓存所需的入站请求信息。
type RequestInfo struct {
	Headers http.Header
}

// ForRequest 构造请求级缓存：解析按需失效的标签并选择后端。
func (p *Process) ForRequest(info RequestInfo) (*Cache, error) {
	headers := info.Headers
	if headers == nil {
		headers = http.Header{}
	}
	previewID := p.manifest.Preview.PreviewModeID
	c := &Cache{
		p:               p,
		headers:         headers,
		revalidatedTags: revalidate.ParseRevalidatedTags(headers, previewID, p.opts.MinimalMode),
		onDemand:        revalidate.IsOnDemandRevalidate(headers, previewID),
		logger:          p.logger,
	}
	if p.opts.Transport != nil {
		return c, nil
	}

	remote := p.opts.Remote
	remote.Limiter = p.limiter
	hc := cache.HandlerContext{
		DistDir:          p.opts.DistDir,
		AppDir:           p.opts.AppDir,
		PagesDir:         p.opts.PagesDir,
		FlushToDisk:      p.opts.FlushToDisk,
		Dev:              p.opts.Mode == ModeDevelopment,
		MinimalMode:      p.opts.MinimalMode,
		FetchCache:       p.opts.FetchCache,
		RevalidatedTags:  c.revalidatedTags,
		RequestHeaders:   headers,
		Memory:           p.memory,
		TagsManifest:     p.tags,
		Remote:           remote,
		Now:              p.opts.Now,
		Logger:           logging.Component(p.opts.Logger, "cache"),
		HTTPClient:       p.opts.HTTPClient,
		FetchCachePrefix: p.opts.FetchCacheKeyPrefix,
	}
	handler, desc, err := p.registry.Resolve(p.opts.Backend, hc)
	if err != nil {
		return nil, err
	}
	c.handler = cache.Instrument(handler, p.metrics)
	c.backend = desc
	return c, nil
}

// Engine 返回过期时间计算引擎。
func (p *Process) Engine() *revalidate.Engine { return p.engine }

// Locks 返回锁协调器。
func (p *Process) Locks() lock.Coordinator { return p.locks }

// Manifest 返回 prerender manifest。
func (p *Process) Manifest() *manifest.Manifest { return p.manifest }

// TagsManifest 返回标签失效清单，worker 模式下为 nil。
func (p *Process) TagsManifest() *cache.TagsManifest { return p.tags }

// Mode 返回运行模式。
func (p *Process) Mode() Mode { return p.opts.Mode }

// IsWorker 判断进程是否把调用转发到主进程。
func (p *Process) IsWorker() bool { return p.opts.Transport != nil }

// Wait 等待后台的 not-found 写入完成。
func (p *Process) Wait() { p.pending.Wait() }

// Close 等待后台写入并释放内存层。
func (p *Process) Close() error {
	p.Wait()
	p.memory.Close()
	return nil
}

// LockedKeys 返回当前进程持有的锁，远程协调器返回 nil。
func (p *Process) LockedKeys() []string {
	if in, ok := p.locks.(*lock.InProcess); ok {
		return in.Keys()
	}
	return nil
}

// Status 是诊断接口输出的进程状态快照。
type Status struct {
	Mode    string                   `json:"mode"`
	Backend string                   `json:"backend"`
	Worker  bool                     `json:"worker"`
	Timings map[string]string        `json:"timings"`
	Locks   []string                 `json:"locks"`
	Tags    map[string]cache.TagInfo `json:"tags,omitempty"`
}

// Status 汇总当前时长表、锁与标签失效记录。
func (p *Process) Status(ctx context.Context) Status {
	timings := p.engine.Timings().Snapshot()
	out := Status{
		Mode:    p.opts.Mode.String(),
		Backend: string(p.opts.Backend),
		Worker:  p.IsWorker(),
		Timings: make(map[string]string, len(timings)),
		Locks:   p.LockedKeys(),
	}
	for route, policy := range timings {
		out.Timings[route] = policy.String()
	}
	sort.Strings(out.Locks)
	if p.tags != nil {
		out.Tags = p.tags.Snapshot(ctx)
	}
	return out
}
