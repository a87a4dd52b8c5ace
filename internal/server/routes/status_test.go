package routes

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/offgate/offgate/internal/cache"
	"github.com/offgate/offgate/internal/notify"
	"github.com/offgate/offgate/internal/replay"
	"github.com/offgate/offgate/internal/update"
)

type staticFetcher map[string][]byte

func (f staticFetcher) FetchResource(ctx context.Context, path string) (*cache.Entry, error) {
	body, ok := f[path]
	if !ok {
		return nil, fmt.Errorf("unexpected fetch: %s", path)
	}
	return &cache.Entry{Status: 200, Body: body}, nil
}

type diagFixture struct {
	app          *fiber.App
	orchestrator *update.Orchestrator
	queue        *replay.Queue
	hub          *notify.Hub
	fetcher      staticFetcher
	source       *mutableSource
}

type mutableSource struct {
	manifest update.Manifest
}

func (s *mutableSource) FetchManifest(ctx context.Context) (update.Manifest, error) {
	return s.manifest, nil
}

func newDiagFixture(t *testing.T) *diagFixture {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	store, err := cache.NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("创建存储失败: %v", err)
	}
	registry, err := cache.NewRegistry(store, logger)
	if err != nil {
		t.Fatalf("创建注册表失败: %v", err)
	}
	fetcher := staticFetcher{}
	hub := notify.NewHub()
	source := &mutableSource{}

	orchestrator, err := update.NewOrchestrator(update.Options{
		Registry:  registry,
		Precacher: cache.NewPrecacher(registry, fetcher, logger),
		Source:    source,
		Hub:       hub,
		Logger:    logger,
	})
	if err != nil {
		t.Fatalf("创建编排器失败: %v", err)
	}

	queue, err := replay.Open(filepath.Join(t.TempDir(), "replay.db"))
	if err != nil {
		t.Fatalf("打开队列失败: %v", err)
	}
	t.Cleanup(func() { queue.Close() })

	app := fiber.New()
	t.Cleanup(func() { app.Shutdown() })
	RegisterDiagnosticsRoutes(app, Deps{
		Orchestrator: orchestrator,
		Queue:        queue,
		Hub:          hub,
	})

	return &diagFixture{
		app:          app,
		orchestrator: orchestrator,
		queue:        queue,
		hub:          hub,
		fetcher:      fetcher,
		source:       source,
	}
}

func (f *diagFixture) addManifestResource(path, body string) {
	f.fetcher[path] = []byte(body)
	f.source.manifest.Items = append(f.source.manifest.Items, cache.PrecacheItem{
		URL:  path,
		Hash: cache.HashBody([]byte(body)),
	})
}

func TestStatusEndpointReportsVersionsAndQueue(t *testing.T) {
	f := newDiagFixture(t)
	f.addManifestResource("/app.js", "console.log(1)")
	if err := f.orchestrator.Check(context.Background()); err != nil {
		t.Fatalf("安装版本失败: %v", err)
	}
	if _, err := f.queue.Enqueue(context.Background(), replay.Mutation{Method: "POST", URL: "/api/x"}); err != nil {
		t.Fatalf("入队失败: %v", err)
	}

	resp, err := f.app.Test(httptest.NewRequest("GET", "/-/status", nil))
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	var payload statusPayload
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("解析响应失败: %v", err)
	}
	if payload.State != update.StateActivated {
		t.Fatalf("状态错误: %s", payload.State)
	}
	if payload.ActiveVersion == "" {
		t.Fatal("应报告活跃版本")
	}
	if payload.QueueDepth != 1 {
		t.Fatalf("队列深度错误: %d", payload.QueueDepth)
	}
}

func TestActivateEndpointWithoutWaitingVersion(t *testing.T) {
	f := newDiagFixture(t)

	resp, err := f.app.Test(httptest.NewRequest("POST", "/-/update/activate", nil))
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusConflict {
		t.Fatalf("无等待版本应返回 409: %d", resp.StatusCode)
	}
}

func TestActivateEndpointPromotesWaitingVersion(t *testing.T) {
	f := newDiagFixture(t)
	f.addManifestResource("/app.js", "v1")
	if err := f.orchestrator.Check(context.Background()); err != nil {
		t.Fatalf("安装 V1 失败: %v", err)
	}

	f.source.manifest = update.Manifest{}
	f.addManifestResource("/app.js", "v2")
	if err := f.orchestrator.Check(context.Background()); err != nil {
		t.Fatalf("安装 V2 失败: %v", err)
	}
	waiting := f.orchestrator.Status().WaitingVersion
	if waiting == "" {
		t.Fatal("V2 应处于等待状态")
	}

	resp, err := f.app.Test(httptest.NewRequest("POST", "/-/update/activate", nil))
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("激活应成功: %d", resp.StatusCode)
	}

	var payload map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("解析响应失败: %v", err)
	}
	if payload["version"] != waiting {
		t.Fatalf("激活版本错误: %s", payload["version"])
	}
}

func TestEventsEndpointReturnsRecent(t *testing.T) {
	f := newDiagFixture(t)
	f.hub.Publish(notify.Event{Type: notify.EventQuota, Payload: map[string]interface{}{"level": "warning"}})

	resp, err := f.app.Test(httptest.NewRequest("GET", "/-/events", nil))
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "quota") {
		t.Fatalf("事件列表应包含 quota 事件: %s", body)
	}
}

func TestMetricsEndpointExposesPrometheus(t *testing.T) {
	f := newDiagFixture(t)

	resp, err := f.app.Test(httptest.NewRequest("GET", "/-/metrics", nil))
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "go_") && !strings.Contains(string(body), "offgate_") {
		t.Fatalf("指标输出异常: %.120s", body)
	}
}
