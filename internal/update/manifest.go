package update

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/offgate/offgate/internal/cache"
)

// Manifest 是一个版本的资源清单：路径 + 期望内容哈希。
// 清单的规范化摘要即版本号，内容不变则版本不变。
type Manifest struct {
	Items []cache.PrecacheItem
}

// versionPrefixLen 截取摘要前缀作为版本号，够短且对清单内容敏感。
const versionPrefixLen = 12

// Version 返回清单的规范化 sha256 摘要前缀。条目按 URL 排序后参与
// 摘要，清单顺序变化不会导致伪新版本。
func (m Manifest) Version() string {
	items := append([]cache.PrecacheItem(nil), m.Items...)
	sort.Slice(items, func(i, j int) bool { return items[i].URL < items[j].URL })

	var builder strings.Builder
	for _, item := range items {
		builder.WriteString(item.URL)
		builder.WriteByte(' ')
		builder.WriteString(item.Hash)
		builder.WriteByte('\n')
	}
	sum := sha256.Sum256([]byte(builder.String()))
	return hex.EncodeToString(sum[:])[:versionPrefixLen]
}

// manifestEntry 是远端清单的 JSON 形态。
type manifestEntry struct {
	URL  string `json:"url"`
	Hash string `json:"hash"`
}

// ParseManifest 解析远端清单 JSON：[{"url": "/offline.html", "hash": "..."}]。
func ParseManifest(raw []byte) (Manifest, error) {
	var entries []manifestEntry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return Manifest{}, fmt.Errorf("decode manifest: %w", err)
	}
	if len(entries) == 0 {
		return Manifest{}, fmt.Errorf("manifest is empty")
	}

	items := make([]cache.PrecacheItem, 0, len(entries))
	for _, entry := range entries {
		url := strings.TrimSpace(entry.URL)
		hash := strings.ToLower(strings.TrimSpace(entry.Hash))
		if url == "" || hash == "" {
			return Manifest{}, fmt.Errorf("manifest entry missing url or hash")
		}
		items = append(items, cache.PrecacheItem{URL: url, Hash: hash})
	}
	return Manifest{Items: items}, nil
}

// Source 提供当前清单。远端实现轮询上游，固定实现直接返回配置内容。
type Source interface {
	FetchManifest(ctx context.Context) (Manifest, error)
}
