package routes

import (
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/video-cache/internal/cache"
	"github.com/any-hub/video-cache/internal/server"
	"github.com/any-hub/video-cache/internal/version"
)

// RegisterDiagnosticsRoutes 暴露 /-/ 下的诊断接口：健康检查、缓存统计、
// 头信息记录清理与手动淘汰。
func RegisterDiagnosticsRoutes(app *fiber.App, store *cache.Store, resolver *server.UpstreamResolver, logger *logrus.Logger) {
	if app == nil || store == nil || resolver == nil {
		return
	}

	app.Get("/-/healthz", func(c fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status":  "ok",
			"version": version.Full(),
		})
	})

	app.Get("/-/stats", func(c fiber.Ctx) error {
		stats, err := store.Stats()
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "stats_failed"})
		}
		return c.JSON(stats)
	})

	app.Delete("/-/headers", func(c fiber.Ctx) error {
		rawHost := strings.TrimSpace(c.Query("host"))
		target := strings.TrimSpace(c.Query("url"))
		if rawHost == "" || target == "" {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "host_and_url_required"})
		}
		host, err := resolver.CanonicalHost(rawHost)
		if err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "upstream_invalid"})
		}
		if err := store.ClearCacheHeaders(host, target); err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "clear_failed"})
		}
		if logger != nil {
			logger.WithFields(logrus.Fields{
				"action":     "headers_clear",
				"host":       host,
				"url":        target,
				"request_id": server.RequestID(c),
			}).Info("header record cleared")
		}
		return c.SendStatus(fiber.StatusNoContent)
	})

	app.Post("/-/trim", func(c fiber.Ctx) error {
		size, err := store.Trim()
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "trim_failed"})
		}
		return c.JSON(fiber.Map{
			"size":  size,
			"human": humanize.IBytes(uint64(max(size, 0))),
		})
	})
}
