// Package metrics 维护进程级的 Prometheus 指标。每个 Process 拥有独立的
// Registry，测试之间不会相互污染。
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "isrcache"

// 操作结果标签取值。
const (
	ResultHit   = "hit"
	ResultMiss  = "miss"
	ResultOK    = "ok"
	ResultError = "error"
)

// Options 控制是否注册 Go runtime 与进程指标。
type Options struct {
	RuntimeCollectors bool
}

// Registry 聚合本服务暴露的全部指标。
type Registry struct {
	registry *prometheus.Registry

	backendOps      *prometheus.CounterVec
	backendDuration *prometheus.HistogramVec
	locksHeld       prometheus.Gauge
	ipcRequests     *prometheus.CounterVec
	entriesDropped  *prometheus.CounterVec
}

// New 构造并注册全部指标。
func New(opts Options) *Registry {
	reg := prometheus.NewRegistry()
	if opts.RuntimeCollectors {
		reg.MustRegister(collectors.NewGoCollector())
		reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	}

	r := &Registry{
		registry: reg,
		backendOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backend_operations_total",
			Help:      "Cache backend operations by backend, operation and result.",
		}, []string{"backend", "operation", "result"}),
		backendDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "backend_operation_duration_seconds",
			Help:      "Latency of cache backend operations.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 4, 8),
		}, []string{"backend", "operation"}),
		locksHeld: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "locks_held",
			Help:      "Number of cache keys currently locked in this process.",
		}),
		ipcRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ipc_requests_total",
			Help:      "IPC requests served by method and result.",
		}, []string{"method", "result"}),
		entriesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "entries_dropped_total",
			Help:      "Cache writes dropped before reaching the backend.",
		}, []string{"reason"}),
	}
	reg.MustRegister(r.backendOps, r.backendDuration, r.locksHeld, r.ipcRequests, r.entriesDropped)
	return r
}

// ObserveBackend 记录一次后端调用。
func (r *Registry) ObserveBackend(backend, operation, result string, elapsed time.Duration) {
	if r == nil {
		return
	}
	r.backendOps.WithLabelValues(backend, operation, result).Inc()
	r.backendDuration.WithLabelValues(backend, operation).Observe(elapsed.Seconds())
}

// LockAcquired 在取得锁时调用。
func (r *Registry) LockAcquired() {
	if r == nil {
		return
	}
	r.locksHeld.Inc()
}

// LockReleased 在释放锁时调用。
func (r *Registry) LockReleased() {
	if r == nil {
		return
	}
	r.locksHeld.Dec()
}

// IPCRequest 记录一次 IPC 调用结果。
func (r *Registry) IPCRequest(method, result string) {
	if r == nil {
		return
	}
	r.ipcRequests.WithLabelValues(method, result).Inc()
}

// EntryDropped 记录被丢弃的写入，例如超过大小上限。
func (r *Registry) EntryDropped(reason string) {
	if r == nil {
		return
	}
	r.entriesDropped.WithLabelValues(reason).Inc()
}

// Gatherer 暴露底层 registry，便于测试读取指标。
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.registry
}

// Handler 返回 Prometheus 文本格式的 HTTP handler。
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}
