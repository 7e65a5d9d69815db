package http

import (
	"context"
	"runtime/debug"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/spec-kit/consultation-sync/internal/auth"
	"github.com/spec-kit/consultation-sync/internal/observability"
	apperrors "github.com/spec-kit/consultation-sync/pkg/util"
)

const requestIDHeader = "X-Request-ID"

// RegisterMiddlewares attaches request ids, timeouts, error mapping and access logging.
func RegisterMiddlewares(app *fiber.App, logger *zap.Logger, metrics *observability.Metrics, timeout time.Duration) {
	app.Use(requestIDMiddleware())
	if timeout > 0 {
		app.Use(requestTimeoutMiddleware(timeout))
	}
	app.Use(errorHandlingMiddleware(logger, metrics))
	app.Use(observability.RequestLogger(logger, metrics))
}

func requestIDMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		id := c.Get(requestIDHeader)
		if id == "" || len(id) > 128 {
			id = uuid.NewString()
		}
		c.Locals(observability.RequestIDKey, id)
		c.Set(requestIDHeader, id)
		return c.Next()
	}
}

func requestTimeoutMiddleware(timeout time.Duration) fiber.Handler {
	return func(c *fiber.Ctx) error {
		ctx, cancel := context.WithTimeout(c.UserContext(), timeout)
		defer cancel()
		c.SetUserContext(ctx)
		return c.Next()
	}
}

// requestFields names the caller and the resource a request touched.
func requestFields(c *fiber.Ctx) []zap.Field {
	fields := []zap.Field{
		zap.String("request_id", observability.RequestID(c)),
		zap.String("method", c.Method()),
		zap.String("path", c.Path()),
	}
	if claims, ok := auth.ClaimsFromContext(c); ok {
		fields = append(fields, zap.String("service", claims.Service))
	}
	for param, field := range map[string]string{"id": "consultation_id", "key": "agent_key", "name": "job"} {
		if v := c.Params(param); v != "" {
			fields = append(fields, zap.String(field, v))
		}
	}
	return fields
}

func errorHandlingMiddleware(logger *zap.Logger, metrics *observability.Metrics) fiber.Handler {
	return func(c *fiber.Ctx) (err error) {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("panic recovered",
					append(requestFields(c), zap.Any("panic", r), zap.ByteString("stack", debug.Stack()))...)
				err = apperrors.NewInternalError(nil)
			}
			if err == nil {
				return
			}
			domainErr := apperrors.ToDomainError(err)
			if metrics != nil {
				metrics.RecordError(c.Path(), c.Method(), domainErr.Code)
			}
			body := fiber.Map{
				"code":    domainErr.Code,
				"message": domainErr.Message,
			}
			if len(domainErr.Details) > 0 {
				body["details"] = domainErr.Details
			}

			fields := append(requestFields(c),
				zap.Int("status", domainErr.HTTPStatus),
				zap.String("code", domainErr.Code))
			if domainErr.HTTPStatus >= 500 {
				logger.Error("request failed", append(fields, zap.Error(domainErr))...)
			} else {
				logger.Debug("request rejected", fields...)
			}
			c.Status(domainErr.HTTPStatus)
			_ = c.JSON(fiber.Map{"error": body})
			err = nil
		}()
		return c.Next()
	}
}
