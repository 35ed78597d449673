package server

import (
	"errors"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/recover"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/isrcache/internal/ipc"
	"github.com/any-hub/isrcache/internal/metrics"
)

// AppOptions controls how the Fiber application serves IPC calls.
type AppOptions struct {
	Logger     *logrus.Logger
	Dispatcher ipc.Dispatcher
	// Key 是 worker 调用时必须携带的校验 token。
	Key     string
	Metrics *metrics.Registry
}

const contextKeyRequestID = "_isrcache_request_id"

// NewApp builds a Fiber application with request-id middleware and the IPC endpoint.
func NewApp(opts AppOptions) (*fiber.App, error) {
	if opts.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if opts.Dispatcher == nil {
		return nil, errors.New("ipc dispatcher is required")
	}
	if opts.Key == "" {
		return nil, errors.New("ipc key is required")
	}

	app := fiber.New(fiber.Config{
		CaseSensitive: true,
	})

	app.Use(recover.New())
	app.Use(requestIDMiddleware)

	app.Get("/", newIPCHandler(opts))

	return app, nil
}

// requestIDMiddleware 为每个请求生成 ID 并写入响应头。
func requestIDMiddleware(c fiber.Ctx) error {
	reqID := uuid.NewString()
	c.Locals(contextKeyRequestID, reqID)
	c.Set("X-Request-ID", reqID)
	return c.Next()
}

// RequestID returns the request identifier stored by the middleware.
func RequestID(c fiber.Ctx) string {
	if value := c.Locals(contextKeyRequestID); value != nil {
		if reqID, ok := value.(string); ok {
			return reqID
		}
	}
	return ""
}
