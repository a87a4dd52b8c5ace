package gateway

import (
	"net/http"

	"github.com/gofiber/fiber/v3"

	"github.com/offgate/offgate/internal/cache"
	"github.com/offgate/offgate/internal/logging"
	"github.com/offgate/offgate/internal/metrics"
	"github.com/offgate/offgate/internal/resource"
)

// serveFallback 在网络与缓存都失败后，向导航请求返回预缓存的离线
// 兜底文档。文档取自活跃版本的 static 分区；从未预缓存则拒绝伪造
// 内容，直接 504。
func (h *Handler) serveFallback(c fiber.Ctx, desc resource.Descriptor) error {
	if h.fallbackURL == "" {
		metrics.RequestsTotal.WithLabelValues(desc.Class, metrics.OutcomeError).Inc()
		return h.writeError(c, fiber.StatusGatewayTimeout, "upstream_unreachable")
	}

	partition, err := h.registry.ActiveHandle(cache.ClassStatic)
	if err != nil {
		metrics.RequestsTotal.WithLabelValues(desc.Class, metrics.OutcomeError).Inc()
		return h.writeError(c, fiber.StatusGatewayTimeout, "upstream_unreachable")
	}

	entry, err := h.registry.Get(requestContext(c), partition, cache.EntryKey(http.MethodGet, h.fallbackURL))
	if err != nil {
		h.logger.WithError(err).WithFields(logging.RequestFields(desc.Class, string(resource.StrategyNetworkFirst), desc.Method, desc.Path, false)).Warn("fallback_unavailable")
		metrics.RequestsTotal.WithLabelValues(desc.Class, metrics.OutcomeError).Inc()
		return h.writeError(c, fiber.StatusGatewayTimeout, "upstream_unreachable")
	}

	h.logger.WithFields(logging.RequestFields(desc.Class, string(resource.StrategyNetworkFirst), desc.Method, desc.Path, true)).Info("offline_fallback")
	metrics.RequestsTotal.WithLabelValues(desc.Class, metrics.OutcomeFallback).Inc()

	for key, value := range entry.Headers {
		c.Set(key, value)
	}
	if entry.Headers["Content-Type"] == "" {
		c.Set("Content-Type", "text/html; charset=utf-8")
	}
	c.Set("X-Offgate-Fallback", "true")

	// 兜底文档以 200 返回：客户端应用要渲染它，而不是错误页
	c.Status(fiber.StatusOK)
	if desc.Method == http.MethodHead {
		return nil
	}
	_, err = c.Response().BodyWriter().Write(entry.Body)
	return err
}
