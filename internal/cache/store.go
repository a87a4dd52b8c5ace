package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/url"
	"path"
	"strings"
	"time"
)

// Store 负责管理磁盘缓存分区的读写。磁盘布局遵循：
//
//	<StoragePath>/partitions/<class>-<version>/<key digest>.body       # 响应正文
//	<StoragePath>/partitions/<class>-<version>/<key digest>.meta.json  # 状态码/头部/时间戳
//
// meta 文件是条目的提交点：只有 meta 落盘后条目才对读取方可见。
type Store interface {
	// Get 返回指定分区内的缓存条目。若不存在则返回 ErrNotFound，无副作用。
	Get(ctx context.Context, partition Partition, key string) (*Entry, error)

	// Put 写入（或覆盖）条目并刷新 StoredAt。实现需通过临时文件 + rename
	// 保证原子性；同一 key 的并发写入按 last-write-wins 串行化。
	Put(ctx context.Context, partition Partition, key string, entry Entry) error

	// Remove 删除单个条目，不存在时返回 ErrNotFound。
	Remove(ctx context.Context, partition Partition, key string) error

	// EnsurePartition 创建分区目录，幂等。
	EnsurePartition(ctx context.Context, partition Partition) error

	// ListPartitions 枚举磁盘上现存的分区。
	ListPartitions(ctx context.Context) ([]Partition, error)

	// RemovePartition 整体删除一个分区及其全部条目。
	RemovePartition(ctx context.Context, partition Partition) error
}

// Partition 唯一标识一个缓存分区：(资源类, 版本)。
type Partition struct {
	Class   string
	Version string
}

// Name 返回磁盘目录名，例如 pages-3f6c2a81d4e0。
func (p Partition) Name() string {
	return p.Class + "-" + p.Version
}

// Entry 是响应在写入时刻的不可变快照，StoredAt 供时间相关策略判断新鲜度。
type Entry struct {
	Status   int               `json:"status"`
	Headers  map[string]string `json:"headers,omitempty"`
	Body     []byte            `json:"-"`
	StoredAt time.Time         `json:"stored_at"`
	Hash     string            `json:"hash,omitempty"`
	Key      string            `json:"key"`
}

// ErrNotFound 表示缓存不存在。缓存 miss 是正常分支而非故障。
var ErrNotFound = errors.New("cache entry not found")

// EntryKey 以 method + 规范化路径构造条目键，查询串参与区分。
func EntryKey(method, rawURL string) string {
	method = strings.ToUpper(strings.TrimSpace(method))

	clean := rawURL
	query := ""
	if parsed, err := url.Parse(rawURL); err == nil {
		clean = parsed.Path
		query = parsed.RawQuery
	}
	if clean == "" {
		clean = "/"
	}
	clean = path.Clean("/" + clean)
	if query != "" {
		clean += "?" + query
	}
	return method + " " + clean
}

// HashBody 返回正文的 sha256 hex，与清单哈希格式一致。
func HashBody(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}
