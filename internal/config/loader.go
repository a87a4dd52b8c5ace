package config

import (
	"fmt"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// Load 读取并解析 TOML 配置文件，同时注入默认值与校验逻辑。
func Load(path string) (*Config, error) {
	if path == "" {
		path = "config.toml"
	}

	v := viper.New()
	v.SetConfigFile(path)
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置失败: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(durationDecodeHook())); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	applyGlobalDefaults(&cfg.Global)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	absStorage, err := filepath.Abs(cfg.Global.StoragePath)
	if err != nil {
		return nil, fmt.Errorf("无法解析缓存目录: %w", err)
	}
	cfg.Global.StoragePath = absStorage

	if cfg.Global.QueuePath == "" {
		cfg.Global.QueuePath = filepath.Join(absStorage, "replay.db")
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ListenPort", 5100)
	v.SetDefault("LogLevel", "info")
	v.SetDefault("LogFilePath", "")
	v.SetDefault("LogMaxSize", 100)
	v.SetDefault("LogMaxBackups", 10)
	v.SetDefault("LogCompress", true)
	v.SetDefault("StoragePath", "./storage")
	v.SetDefault("UpstreamTimeout", "30s")
	v.SetDefault("NetworkTimeout", "5s")
	v.SetDefault("APIPrefix", "/api/")
	v.SetDefault("ManifestPath", "/precache-manifest.json")
	v.SetDefault("PollingInterval", 300)
	v.SetDefault("OfflineFallbackURL", "/offline.html")
	v.SetDefault("QuotaWarnRatio", 0.75)
	v.SetDefault("QuotaCriticalRatio", 0.90)
	v.SetDefault("MaxReplayAttempts", 5)
	v.SetDefault("ReplayInitialBackoff", "1s")
	v.SetDefault("ReplayMaxBackoff", "5m")
}

func applyGlobalDefaults(g *GlobalConfig) {
	if g.ListenPort == 0 {
		g.ListenPort = 5100
	}
	if g.UpstreamTimeout.DurationValue() == 0 {
		g.UpstreamTimeout = Duration(30 * time.Second)
	}
	if g.NetworkTimeout.DurationValue() == 0 {
		g.NetworkTimeout = Duration(5 * time.Second)
	}
	if g.PollingInterval.DurationValue() == 0 {
		g.PollingInterval = Duration(5 * time.Minute)
	}
	if g.QuotaWarnRatio == 0 {
		g.QuotaWarnRatio = 0.75
	}
	if g.QuotaCriticalRatio == 0 {
		g.QuotaCriticalRatio = 0.90
	}
	if g.MaxReplayAttempts == 0 {
		g.MaxReplayAttempts = 5
	}
	if g.ReplayInitialBackoff.DurationValue() == 0 {
		g.ReplayInitialBackoff = Duration(time.Second)
	}
	if g.ReplayMaxBackoff.DurationValue() == 0 {
		g.ReplayMaxBackoff = Duration(5 * time.Minute)
	}
	if prefix := strings.TrimSpace(g.APIPrefix); prefix == "" {
		g.APIPrefix = "/api/"
	} else {
		if !strings.HasPrefix(prefix, "/") {
			prefix = "/" + prefix
		}
		if !strings.HasSuffix(prefix, "/") {
			prefix += "/"
		}
		g.APIPrefix = prefix
	}
	if fallback := strings.TrimSpace(g.OfflineFallbackURL); fallback != "" && !strings.HasPrefix(fallback, "/") {
		g.OfflineFallbackURL = "/" + fallback
	}
}

func durationDecodeHook() mapstructure.DecodeHookFunc {
	targetType := reflect.TypeOf(Duration(0))

	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != targetType {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			if v == "" {
				return Duration(0), nil
			}
			if parsed, err := time.ParseDuration(v); err == nil {
				return Duration(parsed), nil
			}
			if seconds, err := strconv.ParseFloat(v, 64); err == nil {
				return Duration(time.Duration(seconds * float64(time.Second))), nil
			}
			return nil, fmt.Errorf("无法解析 Duration 字段: %s", v)
		case int:
			return Duration(time.Duration(v) * time.Second), nil
		case int64:
			return Duration(time.Duration(v) * time.Second), nil
		case float64:
			return Duration(time.Duration(v * float64(time.Second))), nil
		case time.Duration:
			return Duration(v), nil
		case Duration:
			return v, nil
		default:
			return nil, fmt.Errorf("不支持的 Duration 类型: %T", v)
		}
	}
}
