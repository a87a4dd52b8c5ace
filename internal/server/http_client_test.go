package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/offgate/offgate/internal/config"
	"github.com/offgate/offgate/internal/replay"
)

func testClient(t *testing.T, upstream, manifestPath string) *UpstreamClient {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	client, err := NewUpstreamClient(&config.Config{
		Global: config.GlobalConfig{
			Upstream:        upstream,
			UpstreamTimeout: config.Duration(10 * time.Second),
			ManifestPath:    manifestPath,
		},
	}, logger)
	if err != nil {
		t.Fatalf("创建上游客户端失败: %v", err)
	}
	return client
}

func TestNewUpstreamClientUsesConfigTimeout(t *testing.T) {
	client := testClient(t, "http://app.internal", "")
	if client.client.Timeout != 10*time.Second {
		t.Fatalf("expected timeout 10s, got %s", client.client.Timeout)
	}
}

func TestNewUpstreamClientRequiresConfig(t *testing.T) {
	if _, err := NewUpstreamClient(nil, nil); err == nil {
		t.Fatal("缺少配置时应返回错误")
	}
}

func TestFetchResourceReturnsSnapshot(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/offline.html" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte("<h1>offline</h1>"))
	}))
	defer upstream.Close()

	client := testClient(t, upstream.URL, "")
	entry, err := client.FetchResource(context.Background(), "/offline.html")
	if err != nil {
		t.Fatalf("拉取资源失败: %v", err)
	}
	if entry.Status != 200 || string(entry.Body) != "<h1>offline</h1>" {
		t.Fatalf("快照内容错误: %d %q", entry.Status, entry.Body)
	}
	if entry.Headers["Content-Type"] != "text/html" {
		t.Fatalf("快照头部错误: %v", entry.Headers)
	}
}

func TestFetchResourceRejectsNon200(t *testing.T) {
	upstream := httptest.NewServer(http.NotFoundHandler())
	defer upstream.Close()

	client := testClient(t, upstream.URL, "")
	if _, err := client.FetchResource(context.Background(), "/missing.js"); err == nil {
		t.Fatal("404 资源应返回错误")
	}
}

func TestFetchManifestParsesRemoteJSON(t *testing.T) {
	hash := strings.Repeat("a", 64)
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/precache-manifest.json" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(`[{"url": "/app.js", "hash": "` + hash + `"}]`))
	}))
	defer upstream.Close()

	client := testClient(t, upstream.URL, "/precache-manifest.json")
	manifest, err := client.FetchManifest(context.Background())
	if err != nil {
		t.Fatalf("拉取清单失败: %v", err)
	}
	if len(manifest.Items) != 1 || manifest.Items[0].URL != "/app.js" {
		t.Fatalf("清单内容错误: %+v", manifest.Items)
	}
}

func TestFetchManifestWithoutPathConfigured(t *testing.T) {
	client := testClient(t, "http://app.internal", "")
	if _, err := client.FetchManifest(context.Background()); err == nil {
		t.Fatal("未配置清单路径时应返回错误")
	}
}

func TestSendTreatsHTTPErrorAsDelivered(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
	}))
	defer upstream.Close()

	client := testClient(t, upstream.URL, "")
	err := client.Send(context.Background(), replay.Mutation{
		Method: "POST",
		URL:    "/api/orders",
		Body:   []byte(`{}`),
	})
	if err != nil {
		t.Fatalf("4xx 响应应视为送达: %v", err)
	}
}

func TestSendFailsOnTransportError(t *testing.T) {
	upstream := httptest.NewServer(http.NotFoundHandler())
	upstream.Close() // 立即关闭，连接必然失败

	client := testClient(t, upstream.URL, "")
	err := client.Send(context.Background(), replay.Mutation{Method: "POST", URL: "/api/orders"})
	if err == nil {
		t.Fatal("连接失败应返回错误")
	}
	if !IsUnreachable(err) {
		t.Fatalf("连接失败应判定为不可达: %v", err)
	}
}

func TestIsUnreachable(t *testing.T) {
	if IsUnreachable(nil) {
		t.Fatal("nil 不是不可达")
	}
	if IsUnreachable(errors.New("boom")) {
		t.Fatal("普通错误不是不可达")
	}
	if !IsUnreachable(context.DeadlineExceeded) {
		t.Fatal("超时应判定为不可达")
	}
	if !IsUnreachable(&url.Error{Op: "Get", URL: "http://x", Err: errors.New("connection refused")}) {
		t.Fatal("url.Error 应判定为不可达")
	}
}

func TestCopyHeadersSkipsHopByHop(t *testing.T) {
	src := http.Header{}
	src.Add("Connection", "keep-alive")
	src.Add("Keep-Alive", "timeout=5")
	src.Add("X-Test-Header", "1")
	src.Add("x-test-header", "2")

	dst := http.Header{}
	CopyHeaders(dst, src)

	if _, exists := dst["Connection"]; exists {
		t.Fatalf("connection header should not be copied")
	}
	if _, exists := dst["Keep-Alive"]; exists {
		t.Fatalf("keep-alive header should not be copied")
	}

	got := dst.Values("X-Test-Header")
	if len(got) != 2 {
		t.Fatalf("expected 2 values, got %v", got)
	}
}

func TestFlattenHeadersKeepsFirstValue(t *testing.T) {
	src := http.Header{}
	src.Add("Content-Type", "text/html")
	src.Add("Set-Cookie", "a=1")
	src.Add("Set-Cookie", "b=2")
	src.Add("Transfer-Encoding", "chunked")

	flat := FlattenHeaders(src)
	if flat["Content-Type"] != "text/html" {
		t.Fatalf("Content-Type 错误: %v", flat)
	}
	if flat["Set-Cookie"] != "a=1" {
		t.Fatalf("多值头应保留首值: %v", flat)
	}
	if _, exists := flat["Transfer-Encoding"]; exists {
		t.Fatal("hop-by-hop 头不应落盘")
	}
}
