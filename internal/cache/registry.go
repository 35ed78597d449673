package cache

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// BackendKind 标识后端变体。
type BackendKind string

const (
	BackendCustom     BackendKind = "custom"
	BackendRemote     BackendKind = "remote"
	BackendFilesystem BackendKind = "filesystem"
	BackendNoop       BackendKind = "noop"
	// BackendAuto 表示按优先级选择第一个可用的后端。
	BackendAuto BackendKind = "auto"
)

// Factory 基于请求级上下文构造后端实例。
type Factory func(hc HandlerContext) (Handler, error)

// Descriptor 描述一个可注册的后端。Priority 越大越优先。
type Descriptor struct {
	Kind      BackendKind
	Priority  int
	Available func(hc HandlerContext) bool
	New       Factory
}

// Registry 在构造期解析后端，由调用方显式创建并持有。
type Registry struct {
	mu       sync.RWMutex
	backends map[BackendKind]Descriptor
}

// NewRegistry 返回空注册表。
func NewRegistry() *Registry {
	return &Registry{backends: make(map[BackendKind]Descriptor)}
}

// NewDefaultRegistry 注册内置后端；custom 非空时以最高优先级注册为自定义后端。
func NewDefaultRegistry(custom Factory) *Registry {
	r := NewRegistry()
	if custom != nil {
		r.MustRegister(Descriptor{
			Kind:      BackendCustom,
			Priority:  400,
			Available: func(HandlerContext) bool { return true },
			New:       custom,
		})
	}
	r.MustRegister(Descriptor{
		Kind:      BackendRemote,
		Priority:  300,
		Available: RemoteAvailable,
		New: func(hc HandlerContext) (Handler, error) {
			return NewFetchStore(hc)
		},
	})
	r.MustRegister(Descriptor{
		Kind:      BackendFilesystem,
		Priority:  200,
		Available: func(hc HandlerContext) bool { return hc.DistDir != "" },
		New: func(hc HandlerContext) (Handler, error) {
			return NewFileSystem(hc)
		},
	})
	r.MustRegister(Descriptor{
		Kind:      BackendNoop,
		Priority:  100,
		Available: func(HandlerContext) bool { return true },
		New: func(HandlerContext) (Handler, error) {
			return Noop{}, nil
		},
	})
	return r
}

func normalizeKind(kind BackendKind) BackendKind {
	return BackendKind(strings.ToLower(strings.TrimSpace(string(kind))))
}

// Register 加入后端描述，重复的 Kind 会返回错误。
func (r *Registry) Register(desc Descriptor) error {
	kind := normalizeKind(desc.Kind)
	if kind == "" || kind == BackendAuto {
		return fmt.Errorf("backend kind is required")
	}
	if desc.New == nil {
		return fmt.Errorf("backend %s has no factory", kind)
	}
	if desc.Available == nil {
		desc.Available = func(HandlerContext) bool { return true }
	}
	desc.Kind = kind

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.backends[kind]; exists {
		return fmt.Errorf("backend %s already registered", kind)
	}
	r.backends[kind] = desc
	return nil
}

// MustRegister 在注册失败时 panic。
func (r *Registry) MustRegister(desc Descriptor) {
	if err := r.Register(desc); err != nil {
		panic(err)
	}
}

// Lookup 返回指定 Kind 的描述。
func (r *Registry) Lookup(kind BackendKind) (Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	desc, ok := r.backends[normalizeKind(kind)]
	return desc, ok
}

// List 按优先级从高到低返回全部描述。
func (r *Registry) List() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Descriptor, 0, len(r.backends))
	for _, desc := range r.backends {
		out = append(out, desc)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority == out[j].Priority {
			return out[i].Kind < out[j].Kind
		}
		return out[i].Priority > out[j].Priority
	})
	return out
}

// Resolve 构造后端。kind 为空或 auto 时选择第一个可用的后端，否则要求指定后端可用。
func (r *Registry) Resolve(kind BackendKind, hc HandlerContext) (Handler, Descriptor, error) {
	kind = normalizeKind(kind)
	if kind != "" && kind != BackendAuto {
		desc, ok := r.Lookup(kind)
		if !ok {
			return nil, Descriptor{}, fmt.Errorf("backend %s not registered", kind)
		}
		if !desc.Available(hc) {
			return nil, Descriptor{}, fmt.Errorf("backend %s not available", kind)
		}
		handler, err := desc.New(hc)
		if err != nil {
			return nil, Descriptor{}, fmt.Errorf("init backend %s: %w", kind, err)
		}
		return handler, desc, nil
	}

	for _, desc := range r.List() {
		if !desc.Available(hc) {
			continue
		}
		handler, err := desc.New(hc)
		if err != nil {
			return nil, Descriptor{}, fmt.Errorf("init backend %s: %w", desc.Kind, err)
		}
		return handler, desc, nil
	}
	return nil, Descriptor{}, fmt.Errorf("no cache backend available")
}
