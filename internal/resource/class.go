package resource

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/offgate/offgate/internal/cache"
)

// Strategy 描述资源类的缓存读取策略。
type Strategy string

const (
	// StrategyCacheFirst 命中即回，miss 才回源并写缓存。
	StrategyCacheFirst Strategy = "cache-first"
	// StrategyNetworkFirst 限时回源优先，失败退回缓存。
	StrategyNetworkFirst Strategy = "network-first"
	// StrategyStaleWhileRevalidate 先回缓存，后台异步刷新。
	StrategyStaleWhileRevalidate Strategy = "stale-while-revalidate"
	// StrategyNetworkOnly 只回源，永不读缓存。
	StrategyNetworkOnly Strategy = "network-only"
)

// ClassMetadata 记录一个资源类的静态信息，驱动网关的策略选择。
type ClassMetadata struct {
	Key         string
	Description string
	ReadStrategy Strategy
	// CacheReads 表示成功的读响应是否写入缓存。api 类为 false：
	// 过期数据对正确性敏感，不缓存也就不会被误用。
	CacheReads bool
	// OfflineFallback 表示网络与缓存都失效时是否允许离线兜底文档。
	OfflineFallback bool
}

var globalRegistry = newRegistry()

type registry struct {
	mu      sync.RWMutex
	classes map[string]ClassMetadata
}

func newRegistry() *registry {
	return &registry{classes: make(map[string]ClassMetadata)}
}

// Register 将资源类元数据加入全局注册表，重复键会返回错误。
func Register(meta ClassMetadata) error {
	return globalRegistry.register(meta)
}

// MustRegister 在注册失败时 panic，适合包 init() 中调用。
func MustRegister(meta ClassMetadata) {
	if err := Register(meta); err != nil {
		panic(err)
	}
}

// Resolve 返回指定键的资源类元数据。
func Resolve(key string) (ClassMetadata, bool) {
	return globalRegistry.resolve(key)
}

// List 返回按键排序的资源类元数据列表。
func List() []ClassMetadata {
	return globalRegistry.list()
}

func (r *registry) register(meta ClassMetadata) error {
	key := strings.ToLower(strings.TrimSpace(meta.Key))
	if key == "" {
		return fmt.Errorf("resource class key required")
	}
	meta.Key = key

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.classes[key]; exists {
		return fmt.Errorf("resource class %s already registered", key)
	}
	r.classes[key] = meta
	return nil
}

func (r *registry) resolve(key string) (ClassMetadata, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	meta, ok := r.classes[strings.ToLower(strings.TrimSpace(key))]
	return meta, ok
}

func (r *registry) list() []ClassMetadata {
	r.mu.RLock()
	defer r.mu.RUnlock()
	result := make([]ClassMetadata, 0, len(r.classes))
	for _, meta := range r.classes {
		result = append(result, meta)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Key < result[j].Key })
	return result
}

func init() {
	MustRegister(ClassMetadata{
		Key:             cache.ClassStatic,
		Description:     "static assets: scripts, styles, fonts",
		ReadStrategy:    StrategyCacheFirst,
		CacheReads:      true,
		OfflineFallback: false,
	})
	MustRegister(ClassMetadata{
		Key:             cache.ClassPages,
		Description:     "navigation documents",
		ReadStrategy:    StrategyNetworkFirst,
		CacheReads:      true,
		OfflineFallback: true,
	})
	MustRegister(ClassMetadata{
		Key:             cache.ClassImages,
		Description:     "image resources",
		ReadStrategy:    StrategyStaleWhileRevalidate,
		CacheReads:      true,
		OfflineFallback: false,
	})
	MustRegister(ClassMetadata{
		Key:             cache.ClassAPI,
		Description:     "application API calls",
		ReadStrategy:    StrategyNetworkOnly,
		CacheReads:      false,
		OfflineFallback: false,
	})
}
