package server

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/isrcache/internal/ipc"
	"github.com/any-hub/isrcache/internal/logging"
	"github.com/any-hub/isrcache/internal/metrics"
)

// errInvalidKey 在 token 不匹配时返回给调用方。
var errInvalidKey = errors.New("invalid ipc key")

// ipcRequest 是 IPC 查询参数的结构化形式。
type ipcRequest struct {
	Key    string `validate:"required"`
	Method string `validate:"required,ipcmethod"`
	Args   string `validate:"omitempty,json"`
}

var validate = newValidator()

// newValidator 注册 ipcmethod 规则，合法方法名以 ipc.Methods 为准。
func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := v.RegisterValidation("ipcmethod", func(fl validator.FieldLevel) bool {
		return ipc.KnownMethod(fl.Field().String())
	}); err != nil {
		panic(err)
	}
	return v
}

func newIPCHandler(opts AppOptions) fiber.Handler {
	expected := []byte(opts.Key)
	return func(c fiber.Ctx) error {
		started := time.Now()
		req := ipcRequest{
			Key:    c.Query("key"),
			Method: c.Query("method"),
			Args:   c.Query("args"),
		}
		fields := logging.IPCFields(req.Method, RequestID(c), 0)

		if subtle.ConstantTimeCompare([]byte(req.Key), expected) != 1 {
			opts.Logger.WithFields(fields).Warn("ipc_invalid_key")
			opts.Metrics.IPCRequest("invalid", metrics.ResultError)
			return renderError(c, fiber.StatusForbidden, errInvalidKey)
		}
		if err := validate.Struct(req); err != nil {
			opts.Metrics.IPCRequest("invalid", metrics.ResultError)
			return renderError(c, fiber.StatusBadRequest, fmt.Errorf("%w: %v", ipc.ErrUnknownMethod, err))
		}

		var args []json.RawMessage
		if req.Args != "" {
			if err := json.Unmarshal([]byte(req.Args), &args); err != nil {
				opts.Metrics.IPCRequest(req.Method, metrics.ResultError)
				return renderError(c, fiber.StatusBadRequest, fmt.Errorf("decode ipc args: %w", err))
			}
		}

		result, err := opts.Dispatcher.Dispatch(c.Context(), req.Method, args)
		fields["elapsed_ms"] = time.Since(started).Milliseconds()
		if err != nil {
			opts.Metrics.IPCRequest(req.Method, metrics.ResultError)
			opts.Logger.WithFields(fields).WithError(err).Warn("ipc_dispatch_failed")
			return renderError(c, fiber.StatusInternalServerError, err)
		}
		opts.Metrics.IPCRequest(req.Method, metrics.ResultOK)
		if opts.Logger.IsLevelEnabled(logrus.DebugLevel) {
			opts.Logger.WithFields(fields).Debug("ipc_dispatched")
		}
		return c.JSON(result)
	}
}

func renderError(c fiber.Ctx, status int, err error) error {
	return c.Status(status).JSON(ipc.ErrorPayload{Err: ipc.ToRemoteError(err)})
}
