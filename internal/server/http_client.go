package server

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/offgate/offgate/internal/cache"
	"github.com/offgate/offgate/internal/config"
	"github.com/offgate/offgate/internal/replay"
	"github.com/offgate/offgate/internal/update"
)

// Shared HTTP transport tunings，复用长连接并集中配置超时。
var defaultTransport = &http.Transport{
	Proxy:                 http.ProxyFromEnvironment,
	MaxIdleConns:          100,
	MaxIdleConnsPerHost:   100,
	IdleConnTimeout:       90 * time.Second,
	TLSHandshakeTimeout:   10 * time.Second,
	ExpectContinueTimeout: 1 * time.Second,
	ForceAttemptHTTP2:     true,
	DialContext: (&net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}).DialContext,
}

// UpstreamClient 是唯一的回源通道：网关透传、预缓存拉取、清单轮询与
// 变更重放全部经由它访问同一个上游。
type UpstreamClient struct {
	client   *http.Client
	base     *url.URL
	manifest string
	logger   *logrus.Logger
}

// NewUpstreamClient 构造共享上游客户端。
func NewUpstreamClient(cfg *config.Config, logger *logrus.Logger) (*UpstreamClient, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	base, err := url.Parse(strings.TrimSpace(cfg.Global.Upstream))
	if err != nil {
		return nil, fmt.Errorf("parse upstream url: %w", err)
	}

	timeout := 30 * time.Second
	if cfg.Global.UpstreamTimeout.DurationValue() > 0 {
		timeout = cfg.Global.UpstreamTimeout.DurationValue()
	}
	if logger == nil {
		logger = logrus.New()
	}

	return &UpstreamClient{
		client: &http.Client{
			Timeout:   timeout,
			Transport: defaultTransport.Clone(),
		},
		base:     base,
		manifest: strings.TrimSpace(cfg.Global.ManifestPath),
		logger:   logger,
	}, nil
}

// resolve 将请求路径（可带查询串）拼到上游基址上。
func (u *UpstreamClient) resolve(pathWithQuery string) string {
	ref, err := url.Parse(pathWithQuery)
	if err != nil {
		return u.base.String() + pathWithQuery
	}
	return u.base.ResolveReference(ref).String()
}

// Do 向上游发起一次透传请求。headers 在复制时剔除 hop-by-hop 字段，
// 调用方负责关闭响应体。
func (u *UpstreamClient) Do(ctx context.Context, method, pathWithQuery string, headers http.Header, body []byte) (*http.Response, error) {
	var reader io.Reader
	if len(body) > 0 {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.resolve(pathWithQuery), reader)
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	if headers != nil {
		CopyHeaders(req.Header, headers)
	}
	req.Host = u.base.Host
	return u.client.Do(req)
}

// FetchResource 拉取单个资源并返回完整快照，供预缓存安装使用。
// 非 200 响应视为失败：清单里的资源必须完整可得。
func (u *UpstreamClient) FetchResource(ctx context.Context, path string) (*cache.Entry, error) {
	resp, err := u.Do(ctx, http.MethodGet, path, nil, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("upstream returned %d for %s", resp.StatusCode, path)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read upstream body: %w", err)
	}
	return &cache.Entry{
		Status:  resp.StatusCode,
		Headers: FlattenHeaders(resp.Header),
		Body:    body,
	}, nil
}

// FetchManifest 拉取并解析上游预缓存清单。
func (u *UpstreamClient) FetchManifest(ctx context.Context) (update.Manifest, error) {
	if u.manifest == "" {
		return update.Manifest{}, errors.New("manifest path not configured")
	}
	resp, err := u.Do(ctx, http.MethodGet, u.manifest, nil, nil)
	if err != nil {
		return update.Manifest{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return update.Manifest{}, fmt.Errorf("manifest endpoint returned %d", resp.StatusCode)
	}
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return update.Manifest{}, fmt.Errorf("read manifest body: %w", err)
	}
	return update.ParseManifest(raw)
}

// Send 重放一条排队的变更。只要上游给出任何 HTTP 响应就算送达，
// 包括 4xx/5xx；只有传输层失败才算重放失败。
func (u *UpstreamClient) Send(ctx context.Context, m replay.Mutation) error {
	headers := make(http.Header, len(m.Headers))
	for key, value := range m.Headers {
		headers.Set(key, value)
	}
	resp, err := u.Do(ctx, m.Method, m.URL, headers, m.Body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	u.logger.WithFields(logrus.Fields{
		"action": "replay",
		"method": m.Method,
		"path":   m.URL,
		"status": resp.StatusCode,
	}).Info("mutation_delivered")
	return nil
}

// IsUnreachable 判断错误是否为传输层失败（连接拒绝、超时、DNS 等）。
// 上游返回的任何 HTTP 状态码都不算离线。
func IsUnreachable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return true
	}
	return false
}

// hopByHopHeaders 定义 RFC 7230 中禁止代理转发的头部。
var hopByHopHeaders = map[string]struct{}{
	"Connection":          {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"Te":                  {},
	"Trailer":             {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
	"Proxy-Connection":    {}, // 非标准字段，但部分代理仍使用
}

// CopyHeaders 将 src 中允许透传的头复制到 dst，自动忽略 hop-by-hop 字段。
func CopyHeaders(dst, src http.Header) {
	for key, values := range src {
		if isHopByHopHeader(key) {
			continue
		}
		for _, value := range values {
			dst.Add(key, value)
		}
	}
}

// FlattenHeaders 将响应头压成单值映射，供缓存条目落盘。
// 多值头只保留第一个值，hop-by-hop 字段被剔除。
func FlattenHeaders(src http.Header) map[string]string {
	if len(src) == 0 {
		return nil
	}
	flat := make(map[string]string, len(src))
	for key, values := range src {
		if isHopByHopHeader(key) || len(values) == 0 {
			continue
		}
		flat[key] = values[0]
	}
	return flat
}

func isHopByHopHeader(key string) bool {
	canonical := textproto.CanonicalMIMEHeaderKey(key)
	if _, ok := hopByHopHeaders[canonical]; ok {
		return true
	}

	return false
}

// IsHopByHopHeader reports whether the header should be stripped by proxies.
func IsHopByHopHeader(key string) bool {
	return isHopByHopHeader(key)
}
