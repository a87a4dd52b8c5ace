package config

import (
	"os"
	"path/filepath"
	"testing"
)

// writeTestConfig 将 TOML 内容写入临时目录并返回路径。
func writeTestConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("写入测试配置失败: %v", err)
	}
	return path
}

// validConfig 返回一份通过校验的最小配置，测试用例在其上做局部修改。
func validConfig() *Config {
	cfg := &Config{
		Global: GlobalConfig{
			ListenPort:   5100,
			StoragePath:  "./storage",
			Upstream:     "http://app.internal:3000",
			ManifestPath: "/precache-manifest.json",
		},
	}
	applyGlobalDefaults(&cfg.Global)
	return cfg
}
