package cache

import (
	"context"
	"errors"
	"sync"

	"github.com/sirupsen/logrus"
)

// 四个内置资源类，同时也是分区命名的前缀。
const (
	ClassPages  = "pages"
	ClassImages = "images"
	ClassAPI    = "api"
	ClassStatic = "static"
)

// Classes 返回全部资源类，按分区创建顺序排列。
func Classes() []string {
	return []string{ClassPages, ClassImages, ClassAPI, ClassStatic}
}

// ErrNoActiveVersion 表示尚无已激活版本，分区句柄无法解析。
var ErrNoActiveVersion = errors.New("no active cache version")

// Registry 拥有全部命名分区：创建、读写与版本切换时的淘汰都经由它，
// 不存在绕开注册表的分区访问路径。活跃版本的切换对在途请求原子可见：
// 请求在分发时解析一次分区句柄，之后始终读写该句柄指向的分区。
type Registry struct {
	store  Store
	logger *logrus.Logger

	mu     sync.RWMutex
	active string
}

// NewRegistry 构造注册表；store 不能为空。
func NewRegistry(store Store, logger *logrus.Logger) (*Registry, error) {
	if store == nil {
		return nil, errors.New("cache store required")
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Registry{store: store, logger: logger}, nil
}

// ActiveVersion 返回当前已激活的版本号，未激活时为空串。
func (r *Registry) ActiveVersion() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.active
}

// Activate 原子切换活跃版本。随后到达的请求解析到新分区，
// 已在途的请求继续使用解析时拿到的旧句柄。
func (r *Registry) Activate(version string) {
	r.mu.Lock()
	r.active = version
	r.mu.Unlock()
}

// ActiveHandle 解析资源类在活跃版本下的分区句柄。
func (r *Registry) ActiveHandle(class string) (Partition, error) {
	r.mu.RLock()
	version := r.active
	r.mu.RUnlock()
	if version == "" {
		return Partition{}, ErrNoActiveVersion
	}
	return Partition{Class: class, Version: version}, nil
}

// EnsurePartition 创建（或确认存在）指定分区并返回句柄，幂等。
func (r *Registry) EnsurePartition(ctx context.Context, class, version string) (Partition, error) {
	partition := Partition{Class: class, Version: version}
	if err := r.store.EnsurePartition(ctx, partition); err != nil {
		return Partition{}, err
	}
	return partition, nil
}

// Put 覆盖写入条目并刷新时间戳。
func (r *Registry) Put(ctx context.Context, partition Partition, key string, entry Entry) error {
	return r.store.Put(ctx, partition, key, entry)
}

// Get 读取条目，miss 时返回 ErrNotFound，无副作用。
func (r *Registry) Get(ctx context.Context, partition Partition, key string) (*Entry, error) {
	return r.store.Get(ctx, partition, key)
}

// Remove 删除单个条目。
func (r *Registry) Remove(ctx context.Context, partition Partition, key string) error {
	return r.store.Remove(ctx, partition, key)
}

// EvictNotIn 删除所有版本不在 keep 集合内的分区。每次激活后运行一次；
// 单个分区删除失败只记日志并继续，淘汰是尽力而为的清理而非事务。
func (r *Registry) EvictNotIn(ctx context.Context, keep map[string]struct{}) int {
	partitions, err := r.store.ListPartitions(ctx)
	if err != nil {
		r.logger.WithError(err).WithField("action", "evict").Warn("partition_list_failed")
		return 0
	}

	evicted := 0
	for _, partition := range partitions {
		if _, ok := keep[partition.Version]; ok {
			continue
		}
		if err := r.store.RemovePartition(ctx, partition); err != nil {
			r.logger.WithError(err).WithFields(logrus.Fields{
				"action":    "evict",
				"partition": partition.Name(),
			}).Warn("partition_evict_failed")
			continue
		}
		evicted++
		r.logger.WithFields(logrus.Fields{
			"action":    "evict",
			"partition": partition.Name(),
		}).Info("partition_evicted")
	}
	return evicted
}
