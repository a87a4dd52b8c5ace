package config

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

var sha256HexPattern = regexp.MustCompile(`^[0-9a-f]{64}$`)

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	g := c.Global
	if g.ListenPort <= 0 || g.ListenPort > 65535 {
		return newFieldError("ListenPort", "必须在 1-65535")
	}
	if g.StoragePath == "" {
		return newFieldError("StoragePath", "不能为空")
	}
	if err := validateUpstream(g.Upstream); err != nil {
		return fmt.Errorf("Upstream: %w", err)
	}
	if g.UpstreamTimeout.DurationValue() <= 0 {
		return newFieldError("UpstreamTimeout", "必须大于 0")
	}
	if g.NetworkTimeout.DurationValue() <= 0 {
		return newFieldError("NetworkTimeout", "必须大于 0")
	}
	if g.NetworkTimeout.DurationValue() > g.UpstreamTimeout.DurationValue() {
		return newFieldError("NetworkTimeout", "不能超过 UpstreamTimeout")
	}
	if g.PollingInterval.DurationValue() <= 0 {
		return newFieldError("PollingInterval", "必须大于 0")
	}
	if g.QuotaWarnRatio <= 0 || g.QuotaWarnRatio >= 1 {
		return newFieldError("QuotaWarnRatio", "必须位于 (0, 1)")
	}
	if g.QuotaCriticalRatio <= 0 || g.QuotaCriticalRatio > 1 {
		return newFieldError("QuotaCriticalRatio", "必须位于 (0, 1]")
	}
	if g.QuotaCriticalRatio <= g.QuotaWarnRatio {
		return newFieldError("QuotaCriticalRatio", "必须大于 QuotaWarnRatio")
	}
	if g.MaxReplayAttempts <= 0 {
		return newFieldError("MaxReplayAttempts", "必须大于 0")
	}
	if g.ReplayInitialBackoff.DurationValue() <= 0 {
		return newFieldError("ReplayInitialBackoff", "必须大于 0")
	}
	if g.ReplayMaxBackoff.DurationValue() < g.ReplayInitialBackoff.DurationValue() {
		return newFieldError("ReplayMaxBackoff", "不能小于 ReplayInitialBackoff")
	}

	if !g.HasRemoteManifest() && len(c.Precache) == 0 {
		return errors.New("ManifestPath 为空时必须提供至少一条 Precache 条目")
	}

	seen := map[string]struct{}{}
	for i := range c.Precache {
		entry := &c.Precache[i]
		entry.URL = strings.TrimSpace(entry.URL)
		entry.Hash = strings.ToLower(strings.TrimSpace(entry.Hash))

		if entry.URL == "" {
			return newFieldError("Precache[].URL", "不能为空")
		}
		if !strings.HasPrefix(entry.URL, "/") {
			return newFieldError(precacheField(entry.URL, "URL"), "必须以 / 开头")
		}
		if _, exists := seen[entry.URL]; exists {
			return newFieldError(precacheField(entry.URL, "URL"), "重复")
		}
		seen[entry.URL] = struct{}{}

		if !sha256HexPattern.MatchString(entry.Hash) {
			return newFieldError(precacheField(entry.URL, "Hash"), "必须是 64 位 sha256 hex")
		}
	}

	return nil
}

// validateUpstream 要求 Upstream 是带 scheme/host 的绝对 URL。
func validateUpstream(raw string) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return errors.New("不能为空")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("解析失败: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return errors.New("仅支持 http/https")
	}
	if parsed.Host == "" {
		return errors.New("缺少主机名")
	}
	return nil
}
