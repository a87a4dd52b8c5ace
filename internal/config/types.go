package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Duration 提供更灵活的反序列化能力，同时兼容纯秒整数与 Go Duration 字符串。
type Duration time.Duration

// UnmarshalText 使 Viper 可以识别诸如 "30s"、"5m" 或纯数字秒值等配置写法。
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		*d = Duration(0)
		return nil
	}

	if parsed, err := time.ParseDuration(raw); err == nil {
		*d = Duration(parsed)
		return nil
	}

	if intVal, err := parseInt(raw); err == nil {
		*d = Duration(time.Duration(intVal) * time.Second)
		return nil
	}

	return fmt.Errorf("invalid duration value: %s", raw)
}

// DurationValue 返回真实的 time.Duration，便于调用方计算。
func (d Duration) DurationValue() time.Duration {
	return time.Duration(d)
}

// parseInt 支持十进制或 0x 前缀的十六进制字符串解析。
func parseInt(value string) (int64, error) {
	if strings.HasPrefix(value, "0x") || strings.HasPrefix(value, "0X") {
		return strconv.ParseInt(value, 0, 64)
	}
	return strconv.ParseInt(value, 10, 64)
}

// GlobalConfig 描述网关全局运行时行为。
type GlobalConfig struct {
	ListenPort    int    `mapstructure:"ListenPort"`
	LogLevel      string `mapstructure:"LogLevel"`
	LogFilePath   string `mapstructure:"LogFilePath"`
	LogMaxSize    int    `mapstructure:"LogMaxSize"`
	LogMaxBackups int    `mapstructure:"LogMaxBackups"`
	LogCompress   bool   `mapstructure:"LogCompress"`
	StoragePath   string `mapstructure:"StoragePath"`

	// Upstream 是被网关保护的 Web 应用源站地址，所有回源请求都指向它。
	Upstream        string   `mapstructure:"Upstream"`
	UpstreamTimeout Duration `mapstructure:"UpstreamTimeout"`

	// NetworkTimeout 约束 network-first 策略的单次回源尝试，超时立即
	// 切换到缓存路径，不重试。
	NetworkTimeout Duration `mapstructure:"NetworkTimeout"`

	// APIPrefix 用于请求分类，匹配该前缀的请求归入 api 资源类。
	APIPrefix string `mapstructure:"APIPrefix"`

	// ManifestPath 指向上游的预缓存清单。为空时禁用远端轮询，
	// 清单完全来自配置中的 [[Precache]] 条目。
	ManifestPath    string   `mapstructure:"ManifestPath"`
	PollingInterval Duration `mapstructure:"PollingInterval"`

	// CacheVersion 可固定分区版本号；为空时由清单内容哈希推导。
	CacheVersion string `mapstructure:"CacheVersion"`

	OfflineFallbackURL string `mapstructure:"OfflineFallbackURL"`

	QuotaWarnRatio     float64 `mapstructure:"QuotaWarnRatio"`
	QuotaCriticalRatio float64 `mapstructure:"QuotaCriticalRatio"`

	// QueuePath 为空时默认落在 <StoragePath>/replay.db。
	QueuePath            string   `mapstructure:"QueuePath"`
	MaxReplayAttempts    int      `mapstructure:"MaxReplayAttempts"`
	ReplayInitialBackoff Duration `mapstructure:"ReplayInitialBackoff"`
	ReplayMaxBackoff     Duration `mapstructure:"ReplayMaxBackoff"`
}

// PrecacheEntry 描述一条清单条目：资源路径与期望的 sha256 内容哈希。
type PrecacheEntry struct {
	URL  string `mapstructure:"URL"`
	Hash string `mapstructure:"Hash"`
}

// Config 是 TOML 文件映射的整体结构。
type Config struct {
	Global   GlobalConfig    `mapstructure:",squash"`
	Precache []PrecacheEntry `mapstructure:"Precache"`
}

// HasRemoteManifest 表示是否启用远端清单轮询。
func (g GlobalConfig) HasRemoteManifest() bool {
	return strings.TrimSpace(g.ManifestPath) != ""
}
