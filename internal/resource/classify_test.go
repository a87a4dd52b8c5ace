package resource

import (
	"testing"

	"github.com/offgate/offgate/internal/cache"
)

func TestClassifyTable(t *testing.T) {
	classifier := NewClassifier("/api/")

	testCases := []struct {
		name     string
		method   string
		path     string
		accept   string
		class    string
		mutation bool
	}{
		{"api read", "GET", "/api/items", "application/json", cache.ClassAPI, false},
		{"api write", "POST", "/api/items", "application/json", cache.ClassAPI, true},
		{"api delete", "DELETE", "/api/items/3", "", cache.ClassAPI, true},
		{"navigation", "GET", "/dashboard", "text/html,application/xhtml+xml", cache.ClassPages, false},
		{"explicit html", "GET", "/about.html", "", cache.ClassPages, false},
		{"image by extension", "GET", "/media/logo.png", "", cache.ClassImages, false},
		{"image uppercase ext", "GET", "/media/PHOTO.JPG", "", cache.ClassImages, false},
		{"script is static", "GET", "/assets/app.js", "*/*", cache.ClassStatic, false},
		{"stylesheet is static", "GET", "/assets/site.css", "text/css", cache.ClassStatic, false},
		{"spa route is navigation", "GET", "/settings/profile", "", cache.ClassPages, false},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			desc := classifier.Classify(tc.method, tc.path, "", tc.accept)
			if desc.Class != tc.class {
				t.Fatalf("分类不符: expected %s got %s", tc.class, desc.Class)
			}
			if desc.Mutation != tc.mutation {
				t.Fatalf("mutation 标记不符: %+v", desc)
			}
		})
	}
}

func TestClassifyAPIPrefixWinsOverOtherRules(t *testing.T) {
	classifier := NewClassifier("/api/")

	// 图片扩展名 + API 前缀同时匹配时，更具体的 API 前缀胜出
	desc := classifier.Classify("GET", "/api/images/avatar.png", "", "image/*")
	if desc.Class != cache.ClassAPI {
		t.Fatalf("API 前缀应优先于图片规则: %s", desc.Class)
	}

	desc = classifier.Classify("GET", "/api/docs", "", "text/html")
	if desc.Class != cache.ClassAPI || desc.Navigation {
		t.Fatalf("API 前缀应优先于导航规则: %+v", desc)
	}
}

func TestDescriptorKeyIncludesQuery(t *testing.T) {
	classifier := NewClassifier("/api/")
	first := classifier.Classify("GET", "/search", "q=alpha", "text/html")
	second := classifier.Classify("GET", "/search", "q=beta", "text/html")
	if first.Key() == second.Key() {
		t.Fatalf("查询串不同的请求不应共享缓存键")
	}
}

func TestRegistryCoversAllClasses(t *testing.T) {
	for _, class := range cache.Classes() {
		meta, ok := Resolve(class)
		if !ok {
			t.Fatalf("资源类 %s 未注册", class)
		}
		if meta.ReadStrategy == "" {
			t.Fatalf("资源类 %s 缺少读取策略", class)
		}
	}

	if meta, _ := Resolve(cache.ClassAPI); meta.CacheReads {
		t.Fatalf("api 读响应不应写缓存")
	}
	if meta, _ := Resolve(cache.ClassPages); !meta.OfflineFallback {
		t.Fatalf("pages 应允许离线兜底")
	}
}
