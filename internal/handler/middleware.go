package handler

import (
	"context"
	"errors"
	"net/http"

	"github.com/haatos/hookci/internal"
	"github.com/haatos/hookci/internal/service"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"
)

type APIKeyAuthenticator interface {
	Authenticate(ctx context.Context, value string) error
}

// APIKeyMiddleware rejects requests without a known X-HookCI-Key header.
func APIKeyMiddleware(auth APIKeyAuthenticator) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			key := c.Request().Header.Get(internal.APIKeyHeader)
			if key == "" {
				return newError(nil, http.StatusUnauthorized, "missing api key")
			}
			if err := auth.Authenticate(c.Request().Context(), key); err != nil {
				if errors.Is(err, service.ErrInvalidAPIKey) {
					return newError(err, http.StatusUnauthorized, "invalid api key")
				}
				return newError(err, http.StatusInternalServerError, "unable to verify api key")
			}
			return next(c)
		}
	}
}

func RequestLogger(logger *zap.SugaredLogger) echo.MiddlewareFunc {
	return middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:   true,
		LogURIPath:  true,
		LogStatus:   true,
		LogLatency:  true,
		LogRemoteIP: true,
		LogError:    true,
		HandleError: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			fields := []any{
				"method", v.Method,
				"path", v.URIPath,
				"status", v.Status,
				"latency", v.Latency,
				"remote_ip", v.RemoteIP,
			}
			if v.Error != nil {
				logger.Warnw("request", append(fields, "err", v.Error)...)
				return nil
			}
			logger.Infow("request", fields...)
			return nil
		},
	})
}

// Tracing starts a server span per request.
func Tracing(operation string) echo.MiddlewareFunc {
	return echo.WrapMiddleware(otelhttp.NewMiddleware(operation))
}
