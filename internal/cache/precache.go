package cache

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
)

// ResourceFetcher 拉取单个待预缓存资源，由上游客户端实现，测试可注入假实现。
type ResourceFetcher interface {
	FetchResource(ctx context.Context, path string) (*Entry, error)
}

// PrecacheItem 是清单中的一条资源：路径 + 期望的 sha256 内容哈希。
type PrecacheItem struct {
	URL  string
	Hash string
}

// PrecacheError 表示安装期间某条清单资源写入失败。对安装尝试是致命的，
// 但绝不影响已激活版本。
type PrecacheError struct {
	URL string
	Err error
}

func (e *PrecacheError) Error() string {
	return fmt.Sprintf("precache %s: %v", e.URL, e.Err)
}

func (e *PrecacheError) Unwrap() error {
	return e.Err
}

// Precacher 在安装阶段把清单资源写入目标版本的 static 分区。
type Precacher struct {
	registry *Registry
	fetcher  ResourceFetcher
	logger   *logrus.Logger
}

// NewPrecacher 构造预缓存器。
func NewPrecacher(registry *Registry, fetcher ResourceFetcher, logger *logrus.Logger) *Precacher {
	return &Precacher{
		registry: registry,
		fetcher:  fetcher,
		logger:   logger,
	}
}

// Install 逐条处理清单：已存在且哈希一致的条目直接跳过（幂等重装不产生
// 额外回源），否则回源拉取、校验哈希后写入。任何一条失败立即中止并返回
// PrecacheError。
func (p *Precacher) Install(ctx context.Context, version string, items []PrecacheItem) error {
	partition, err := p.registry.EnsurePartition(ctx, ClassStatic, version)
	if err != nil {
		return fmt.Errorf("ensure static partition: %w", err)
	}

	fetched, skipped := 0, 0
	for _, item := range items {
		key := EntryKey("GET", item.URL)

		existing, getErr := p.registry.Get(ctx, partition, key)
		if getErr == nil && existing.Hash == item.Hash {
			skipped++
			continue
		}

		entry, fetchErr := p.fetcher.FetchResource(ctx, item.URL)
		if fetchErr != nil {
			return &PrecacheError{URL: item.URL, Err: fetchErr}
		}
		if actual := HashBody(entry.Body); actual != item.Hash {
			return &PrecacheError{
				URL: item.URL,
				Err: fmt.Errorf("hash mismatch: expected %s got %s", item.Hash, actual),
			}
		}

		entry.Hash = item.Hash
		if putErr := p.registry.Put(ctx, partition, key, *entry); putErr != nil {
			return &PrecacheError{URL: item.URL, Err: putErr}
		}
		fetched++
	}

	p.logger.WithFields(logrus.Fields{
		"action":  "precache",
		"version": version,
		"fetched": fetched,
		"skipped": skipped,
	}).Info("precache_complete")
	return nil
}
