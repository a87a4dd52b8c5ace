// Package routes 暴露 /-/ 诊断命名空间，供运维查询运行状态与手工激活新版本。
package routes

import (
	"context"
	"errors"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/offgate/offgate/internal/notify"
	"github.com/offgate/offgate/internal/quota"
	"github.com/offgate/offgate/internal/replay"
	"github.com/offgate/offgate/internal/update"
)

// Deps 汇总诊断接口需要读取的组件。
type Deps struct {
	Orchestrator *update.Orchestrator
	Queue        *replay.Queue
	Quota        *quota.Monitor
	Hub          *notify.Hub
}

// statusPayload 是 GET /-/status 的响应结构。
type statusPayload struct {
	ActiveVersion  string        `json:"active_version"`
	WaitingVersion string        `json:"waiting_version,omitempty"`
	State          update.State  `json:"state"`
	LastError      string        `json:"last_error,omitempty"`
	QueueDepth     int           `json:"queue_depth"`
	DeadLetters    int           `json:"dead_letters"`
	Quota          *quota.Sample `json:"quota,omitempty"`
}

// RegisterDiagnosticsRoutes 注册 /-/ 下的全部诊断接口。
func RegisterDiagnosticsRoutes(app *fiber.App, deps Deps) {
	if app == nil {
		return
	}

	app.Get("/-/status", func(c fiber.Ctx) error {
		return c.JSON(buildStatus(c.Context(), deps))
	})

	app.Get("/-/events", func(c fiber.Ctx) error {
		events := deps.Hub.Recent()
		return c.JSON(fiber.Map{"events": events})
	})

	app.Post("/-/update/activate", func(c fiber.Ctx) error {
		if err := deps.Orchestrator.Activate(c.Context()); err != nil {
			if errors.Is(err, update.ErrNothingWaiting) {
				return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": "nothing_waiting"})
			}
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
		}
		status := deps.Orchestrator.Status()
		return c.JSON(fiber.Map{
			"status":  "activated",
			"version": status.ActiveVersion,
		})
	})

	app.Get("/-/metrics", adaptor.HTTPHandler(promhttp.Handler()))
}

func buildStatus(ctx context.Context, deps Deps) statusPayload {
	payload := statusPayload{}
	if deps.Orchestrator != nil {
		status := deps.Orchestrator.Status()
		payload.ActiveVersion = status.ActiveVersion
		payload.WaitingVersion = status.WaitingVersion
		payload.State = status.State
		payload.LastError = status.LastError
	}
	if deps.Queue != nil {
		if depth, err := deps.Queue.Depth(ctx); err == nil {
			payload.QueueDepth = depth
		}
		if dead, err := deps.Queue.DeadLetters(ctx); err == nil {
			payload.DeadLetters = len(dead)
		}
	}
	if deps.Quota != nil {
		payload.Quota = deps.Quota.Last()
	}
	return payload
}
