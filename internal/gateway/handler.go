package gateway

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/offgate/offgate/internal/cache"
	"github.com/offgate/offgate/internal/logging"
	"github.com/offgate/offgate/internal/metrics"
	"github.com/offgate/offgate/internal/replay"
	"github.com/offgate/offgate/internal/resource"
	"github.com/offgate/offgate/internal/server"
)

// Upstream 是网关的回源通道，生产实现为 server.UpstreamClient。
type Upstream interface {
	Do(ctx context.Context, method, pathWithQuery string, headers http.Header, body []byte) (*http.Response, error)
}

// OnlineSignal 在连通性恢复时被触发一次，生产实现为 replay.Drainer。
type OnlineSignal interface {
	NotifyOnline()
}

// UpdateTrigger 由导航请求触发一次更新检查。
type UpdateTrigger interface {
	Kick()
}

// Handler 按资源类的策略处理全部入站请求：cache-first、network-first、
// stale-while-revalidate、network-only。上游不可达时由各策略在本地兜底，
// 导航请求永远能得到某个响应。
type Handler struct {
	upstream   Upstream
	registry   *cache.Registry
	queue      *replay.Queue
	classifier *resource.Classifier
	drainer    OnlineSignal
	updates    UpdateTrigger
	logger     *logrus.Logger

	networkTimeout time.Duration
	fallbackURL    string

	// offline 跟踪最近一次回源的传输层结果，true -> false 的边沿
	// 触发一次重放排空。HTTP 错误状态码不算离线。
	offline atomic.Bool
}

// Options 汇总构造网关处理器所需的协作方。
type Options struct {
	Upstream       Upstream
	Registry       *cache.Registry
	Queue          *replay.Queue
	Classifier     *resource.Classifier
	Drainer        OnlineSignal
	Updates        UpdateTrigger
	Logger         *logrus.Logger
	NetworkTimeout time.Duration
	FallbackURL    string
}

// NewHandler 构造网关处理器。
func NewHandler(opts Options) (*Handler, error) {
	if opts.Upstream == nil || opts.Registry == nil || opts.Classifier == nil {
		return nil, errors.New("upstream, registry and classifier are required")
	}
	if opts.Queue == nil {
		return nil, errors.New("replay queue is required")
	}
	if opts.Logger == nil {
		opts.Logger = logrus.New()
	}
	if opts.NetworkTimeout <= 0 {
		opts.NetworkTimeout = 5 * time.Second
	}
	return &Handler{
		upstream:       opts.Upstream,
		registry:       opts.Registry,
		queue:          opts.Queue,
		classifier:     opts.Classifier,
		drainer:        opts.Drainer,
		updates:        opts.Updates,
		logger:         opts.Logger,
		networkTimeout: opts.NetworkTimeout,
		fallbackURL:    opts.FallbackURL,
	}, nil
}

// Handle 是全部非诊断请求的入口：分类、解析分区句柄、按策略分派。
func (h *Handler) Handle(c fiber.Ctx) error {
	desc := h.classifier.Classify(
		c.Method(),
		string(c.Request().URI().Path()),
		string(c.Request().URI().QueryString()),
		string(c.Request().Header.Peek(fiber.HeaderAccept)),
	)

	if desc.Navigation && h.updates != nil {
		h.updates.Kick()
	}

	if desc.Mutation {
		return h.networkOnlyMutation(c, desc)
	}

	meta, ok := resource.Resolve(desc.Class)
	if !ok {
		return h.writeError(c, fiber.StatusInternalServerError, "class_unregistered")
	}

	// 分区句柄在分派时解析一次，处理期间的版本切换不影响本请求。
	partition, handleErr := h.registry.ActiveHandle(desc.Class)
	hasPartition := handleErr == nil

	switch meta.ReadStrategy {
	case resource.StrategyCacheFirst:
		return h.cacheFirst(c, desc, partition, hasPartition)
	case resource.StrategyNetworkFirst:
		return h.networkFirst(c, desc, meta, partition, hasPartition)
	case resource.StrategyStaleWhileRevalidate:
		return h.staleWhileRevalidate(c, desc, partition, hasPartition)
	case resource.StrategyNetworkOnly:
		return h.networkOnlyRead(c, desc)
	default:
		return h.writeError(c, fiber.StatusInternalServerError, "strategy_unknown")
	}
}

// cacheFirst 先查缓存；命中直接返回，miss 才回源并写缓存。
func (h *Handler) cacheFirst(c fiber.Ctx, desc resource.Descriptor, partition cache.Partition, hasPartition bool) error {
	ctx := requestContext(c)

	if hasPartition {
		if entry, err := h.registry.Get(ctx, partition, desc.Key()); err == nil {
			metrics.RequestsTotal.WithLabelValues(desc.Class, metrics.OutcomeCached).Inc()
			return h.serveCached(c, desc, entry)
		} else if !errors.Is(err, cache.ErrNotFound) {
			h.logger.WithError(err).WithFields(logging.RequestFields(desc.Class, string(resource.StrategyCacheFirst), desc.Method, desc.Path, false)).Warn("cache_get_failed")
		}
	}

	resp, err := h.fetch(ctx, c, desc, h.networkTimeout)
	if err != nil {
		metrics.RequestsTotal.WithLabelValues(desc.Class, metrics.OutcomeError).Inc()
		return h.writeError(c, fiber.StatusGatewayTimeout, "upstream_unreachable")
	}
	defer resp.Body.Close()
	return h.serveAndStore(c, desc, resp, partition, hasPartition)
}

// networkFirst 在受限超时内回源；成功即最新，失败退回缓存，
// pages 类在缓存也 miss 时退回离线兜底文档。
func (h *Handler) networkFirst(c fiber.Ctx, desc resource.Descriptor, meta resource.ClassMetadata, partition cache.Partition, hasPartition bool) error {
	ctx := requestContext(c)

	resp, err := h.fetch(ctx, c, desc, h.networkTimeout)
	if err == nil {
		defer resp.Body.Close()
		if meta.CacheReads {
			return h.serveAndStore(c, desc, resp, partition, hasPartition)
		}
		metrics.RequestsTotal.WithLabelValues(desc.Class, metrics.OutcomeFresh).Inc()
		return h.passthrough(c, resp)
	}

	// 超时或传输层失败，尝试缓存兜底。不重试。
	if hasPartition && meta.CacheReads {
		if entry, cacheErr := h.registry.Get(ctx, partition, desc.Key()); cacheErr == nil {
			metrics.RequestsTotal.WithLabelValues(desc.Class, metrics.OutcomeCached).Inc()
			h.logger.WithFields(logging.RequestFields(desc.Class, string(resource.StrategyNetworkFirst), desc.Method, desc.Path, true)).Info("served_stale")
			return h.serveCached(c, desc, entry)
		}
	}

	if meta.OfflineFallback {
		return h.serveFallback(c, desc)
	}

	metrics.RequestsTotal.WithLabelValues(desc.Class, metrics.OutcomeError).Inc()
	return h.writeError(c, fiber.StatusGatewayTimeout, "upstream_unreachable")
}

// staleWhileRevalidate 命中时立刻返回旧值，并在后台刷新缓存。
func (h *Handler) staleWhileRevalidate(c fiber.Ctx, desc resource.Descriptor, partition cache.Partition, hasPartition bool) error {
	ctx := requestContext(c)

	if hasPartition {
		if entry, err := h.registry.Get(ctx, partition, desc.Key()); err == nil {
			metrics.RequestsTotal.WithLabelValues(desc.Class, metrics.OutcomeCached).Inc()
			go h.refreshInBackground(desc, partition)
			return h.serveCached(c, desc, entry)
		}
	}

	resp, err := h.fetch(ctx, c, desc, h.networkTimeout)
	if err != nil {
		metrics.RequestsTotal.WithLabelValues(desc.Class, metrics.OutcomeError).Inc()
		return h.writeError(c, fiber.StatusGatewayTimeout, "upstream_unreachable")
	}
	defer resp.Body.Close()
	return h.serveAndStore(c, desc, resp, partition, hasPartition)
}

// refreshInBackground 以独立上下文刷新单个条目，结果只进缓存不进响应。
func (h *Handler) refreshInBackground(desc resource.Descriptor, partition cache.Partition) {
	ctx, cancel := context.WithTimeout(context.Background(), h.networkTimeout)
	defer cancel()

	resp, err := h.upstream.Do(ctx, desc.Method, pathWithQuery(desc), nil, nil)
	h.observeConnectivity(err)
	if err != nil {
		h.logger.WithError(err).WithFields(logging.RequestFields(desc.Class, string(resource.StrategyStaleWhileRevalidate), desc.Method, desc.Path, true)).Debug("background_refresh_failed")
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		h.dropGone(context.Background(), desc, partition, resp.StatusCode)
		return
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return
	}
	h.store(context.Background(), desc, partition, resp, body)
}

// networkOnlyRead 直连上游，失败不兜底：API 读取绝不返回过期数据。
func (h *Handler) networkOnlyRead(c fiber.Ctx, desc resource.Descriptor) error {
	resp, err := h.fetch(requestContext(c), c, desc, h.networkTimeout)
	if err != nil {
		metrics.RequestsTotal.WithLabelValues(desc.Class, metrics.OutcomeError).Inc()
		return h.writeError(c, fiber.StatusGatewayTimeout, "upstream_unreachable")
	}
	defer resp.Body.Close()

	metrics.RequestsTotal.WithLabelValues(desc.Class, metrics.OutcomeFresh).Inc()
	return h.passthrough(c, resp)
}

// networkOnlyMutation 透传写请求；仅当传输层失败时把请求快照排入
// 重放队列并以 202 告知调用方“已排队，未确认”。
func (h *Handler) networkOnlyMutation(c fiber.Ctx, desc resource.Descriptor) error {
	body := append([]byte(nil), c.Body()...)
	headers := fiberHeadersAsHTTP(c)

	ctx := requestContext(c)
	resp, err := h.upstream.Do(ctx, desc.Method, pathWithQuery(desc), headers, body)
	h.observeConnectivity(err)
	if err == nil {
		defer resp.Body.Close()
		metrics.RequestsTotal.WithLabelValues(desc.Class, metrics.OutcomeFresh).Inc()
		return h.passthrough(c, resp)
	}

	if !server.IsUnreachable(err) {
		metrics.RequestsTotal.WithLabelValues(desc.Class, metrics.OutcomeError).Inc()
		return h.writeError(c, fiber.StatusBadGateway, "upstream_failed")
	}

	id, enqueueErr := h.queue.Enqueue(ctx, replay.Mutation{
		Method:  desc.Method,
		URL:     pathWithQuery(desc),
		Headers: server.FlattenHeaders(headers),
		Body:    body,
	})
	if enqueueErr != nil {
		h.logger.WithError(enqueueErr).WithFields(logging.RequestFields(desc.Class, string(resource.StrategyNetworkOnly), desc.Method, desc.Path, false)).Error("enqueue_failed")
		metrics.RequestsTotal.WithLabelValues(desc.Class, metrics.OutcomeError).Inc()
		return h.writeError(c, fiber.StatusServiceUnavailable, "queue_unavailable")
	}

	h.logger.WithFields(logrus.Fields{
		"action":      "mutation_queue",
		"method":      desc.Method,
		"path":        desc.Path,
		"mutation_id": id,
	}).Info("mutation_queued")
	metrics.RequestsTotal.WithLabelValues(desc.Class, metrics.OutcomeQueued).Inc()

	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
		"status": "queued",
		"id":     id,
	})
}

// fetch 执行一次受超时约束的回源，并观测连通性边沿。
func (h *Handler) fetch(ctx context.Context, c fiber.Ctx, desc resource.Descriptor, timeout time.Duration) (*http.Response, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, timeout)
	resp, err := h.upstream.Do(fetchCtx, desc.Method, pathWithQuery(desc), fiberHeadersAsHTTP(c), nil)
	h.observeConnectivity(err)
	if err != nil {
		cancel()
		return nil, err
	}
	// 响应体读完前不能取消上下文
	body, readErr := io.ReadAll(resp.Body)
	resp.Body.Close()
	cancel()
	if readErr != nil {
		return nil, readErr
	}
	resp.Body = io.NopCloser(bytes.NewReader(body))
	resp.ContentLength = int64(len(body))
	return resp, nil
}

// observeConnectivity 把每次回源的传输层结果折叠成 offline 标志，
// 在 offline -> online 的边沿触发一次队列排空。
func (h *Handler) observeConnectivity(err error) {
	if err != nil {
		if server.IsUnreachable(err) {
			h.offline.Store(true)
		}
		return
	}
	if h.offline.CompareAndSwap(true, false) {
		h.logger.WithField("action", "connectivity").Info("connectivity_restored")
		if h.drainer != nil {
			h.drainer.NotifyOnline()
		}
	}
}

// serveAndStore 把上游响应返回给客户端，GET 200 响应同时写入缓存。
func (h *Handler) serveAndStore(c fiber.Ctx, desc resource.Descriptor, resp *http.Response, partition cache.Partition, hasPartition bool) error {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		metrics.RequestsTotal.WithLabelValues(desc.Class, metrics.OutcomeError).Inc()
		return h.writeError(c, fiber.StatusBadGateway, "upstream_read_failed")
	}

	if hasPartition && desc.Method == http.MethodGet {
		if resp.StatusCode == http.StatusOK {
			h.store(requestContext(c), desc, partition, resp, body)
		} else {
			h.dropGone(requestContext(c), desc, partition, resp.StatusCode)
		}
	}

	metrics.RequestsTotal.WithLabelValues(desc.Class, metrics.OutcomeFresh).Inc()

	copyResponseHeaders(c, resp.Header)
	c.Set("X-Offgate-Cache-Hit", "false")
	c.Status(resp.StatusCode)
	if desc.Method == http.MethodHead {
		return nil
	}
	_, err = c.Response().BodyWriter().Write(body)
	return err
}

func (h *Handler) store(ctx context.Context, desc resource.Descriptor, partition cache.Partition, resp *http.Response, body []byte) {
	entry := cache.Entry{
		Status:  resp.StatusCode,
		Headers: server.FlattenHeaders(resp.Header),
		Body:    body,
	}
	if err := h.registry.Put(ctx, partition, desc.Key(), entry); err != nil {
		h.logger.WithError(err).WithFields(logging.RequestFields(desc.Class, "", desc.Method, desc.Path, false)).Warn("cache_put_failed")
		metrics.CacheOperationsTotal.WithLabelValues("put", "error").Inc()
		return
	}
	metrics.CacheOperationsTotal.WithLabelValues("put", "ok").Inc()
}

// dropGone 在上游明确告知资源已消失时删除对应缓存条目，避免离线
// 期间继续兜底一个已下线的资源。其余错误状态码不触碰缓存。
func (h *Handler) dropGone(ctx context.Context, desc resource.Descriptor, partition cache.Partition, status int) {
	if status != http.StatusNotFound && status != http.StatusGone {
		return
	}
	err := h.registry.Remove(ctx, partition, desc.Key())
	switch {
	case err == nil:
		metrics.CacheOperationsTotal.WithLabelValues("remove", "ok").Inc()
		h.logger.WithFields(logrus.Fields{
			"action": "cache_remove",
			"class":  desc.Class,
			"path":   desc.Path,
			"status": status,
		}).Info("cache_entry_dropped")
	case errors.Is(err, cache.ErrNotFound):
		// 条目本就不在缓存里
	default:
		h.logger.WithError(err).WithFields(logging.RequestFields(desc.Class, "", desc.Method, desc.Path, false)).Warn("cache_remove_failed")
		metrics.CacheOperationsTotal.WithLabelValues("remove", "error").Inc()
	}
}

// serveCached 输出一条缓存条目，附带命中标记与存储时间。
func (h *Handler) serveCached(c fiber.Ctx, desc resource.Descriptor, entry *cache.Entry) error {
	for key, value := range entry.Headers {
		c.Set(key, value)
	}
	c.Set("X-Offgate-Cache-Hit", "true")
	c.Set("X-Offgate-Stored-At", entry.StoredAt.UTC().Format(time.RFC3339))
	metrics.CacheOperationsTotal.WithLabelValues("get", "hit").Inc()

	c.Status(entry.Status)
	if desc.Method == http.MethodHead {
		return nil
	}
	_, err := c.Response().BodyWriter().Write(entry.Body)
	return err
}

// passthrough 原样转发上游响应，不经过缓存。
func (h *Handler) passthrough(c fiber.Ctx, resp *http.Response) error {
	copyResponseHeaders(c, resp.Header)
	c.Set("X-Offgate-Cache-Hit", "false")
	c.Status(resp.StatusCode)
	if c.Method() == http.MethodHead {
		return nil
	}
	_, err := io.Copy(c.Response().BodyWriter(), resp.Body)
	if err != nil {
		return fiber.NewError(fiber.StatusBadGateway, fmt.Sprintf("proxy stream failed: %v", err))
	}
	return nil
}

func (h *Handler) writeError(c fiber.Ctx, status int, code string) error {
	return c.Status(status).JSON(fiber.Map{"error": code})
}

func pathWithQuery(desc resource.Descriptor) string {
	if desc.Query == "" {
		return desc.Path
	}
	return desc.Path + "?" + desc.Query
}

func requestContext(c fiber.Ctx) context.Context {
	if ctx := c.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

func fiberHeadersAsHTTP(c fiber.Ctx) http.Header {
	header := http.Header{}
	c.Request().Header.VisitAll(func(key, value []byte) {
		header.Add(string(key), string(value))
	})
	return header
}

func copyResponseHeaders(c fiber.Ctx, headers http.Header) {
	for key, values := range headers {
		if server.IsHopByHopHeader(key) {
			continue
		}
		for _, value := range values {
			c.Set(key, value)
		}
	}
}
