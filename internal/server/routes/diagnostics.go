package routes

import (
	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/adaptor"

	"github.com/any-hub/isrcache/internal/incremental"
	"github.com/any-hub/isrcache/internal/metrics"
	"github.com/any-hub/isrcache/internal/version"
)

// RegisterDiagnosticRoutes 暴露 /-/status 与 /-/metrics，供 SRE 查询时长表、锁与指标。
func RegisterDiagnosticRoutes(app *fiber.App, proc *incremental.Process, reg *metrics.Registry) {
	if app == nil || proc == nil {
		return
	}

	app.Get("/-/status", func(c fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"version": version.Full(),
			"status":  proc.Status(c.Context()),
		})
	})

	if reg != nil {
		app.Get("/-/metrics", adaptor.HTTPHandler(reg.Handler()))
	}
}
