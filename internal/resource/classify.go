package resource

import (
	"net/http"
	"path"
	"strings"

	"github.com/offgate/offgate/internal/cache"
)

// Descriptor 汇总分类结果，供策略路由与回放队列共同消费。
type Descriptor struct {
	Method     string
	Path       string
	Query      string
	Class      string
	Mutation   bool
	Navigation bool
}

// Key 返回该请求的缓存条目键。
func (d Descriptor) Key() string {
	raw := d.Path
	if d.Query != "" {
		raw += "?" + d.Query
	}
	return cache.EntryKey(d.Method, raw)
}

// Classifier 按 URL 模式把请求归入四个资源类之一。
// 规则存在重叠时最具体的优先：API 路径前缀高于一切。
type Classifier struct {
	apiPrefix string
}

// NewClassifier 构造分类器，apiPrefix 形如 /api/。
func NewClassifier(apiPrefix string) *Classifier {
	if apiPrefix == "" {
		apiPrefix = "/api/"
	}
	return &Classifier{apiPrefix: apiPrefix}
}

var imageExtensions = map[string]struct{}{
	".png":  {},
	".jpg":  {},
	".jpeg": {},
	".gif":  {},
	".webp": {},
	".svg":  {},
	".ico":  {},
	".avif": {},
	".bmp":  {},
}

var mutationMethods = map[string]struct{}{
	http.MethodPost:   {},
	http.MethodPut:    {},
	http.MethodPatch:  {},
	http.MethodDelete: {},
}

// Classify 归类一个请求。accept 是请求的 Accept 头，用于识别导航请求。
func (c *Classifier) Classify(method, rawPath, query, accept string) Descriptor {
	method = strings.ToUpper(strings.TrimSpace(method))
	clean := path.Clean("/" + rawPath)

	desc := Descriptor{
		Method: method,
		Path:   clean,
		Query:  query,
	}
	if _, ok := mutationMethods[method]; ok {
		desc.Mutation = true
	}

	switch {
	case strings.HasPrefix(clean, c.apiPrefix) || clean+"/" == c.apiPrefix:
		desc.Class = cache.ClassAPI
	case isImagePath(clean):
		desc.Class = cache.ClassImages
	case isNavigation(method, clean, accept):
		desc.Class = cache.ClassPages
		desc.Navigation = true
	default:
		desc.Class = cache.ClassStatic
	}
	return desc
}

func isImagePath(clean string) bool {
	ext := strings.ToLower(path.Ext(clean))
	_, ok := imageExtensions[ext]
	return ok
}

// isNavigation 识别文档请求：GET/HEAD 且浏览器声明接受 HTML，
// 或者无扩展名路径（SPA 路由）。
func isNavigation(method, clean, accept string) bool {
	if method != http.MethodGet && method != http.MethodHead {
		return false
	}
	if strings.Contains(accept, "text/html") {
		return true
	}
	ext := path.Ext(clean)
	return ext == "" || ext == ".html" || ext == ".htm"
}
