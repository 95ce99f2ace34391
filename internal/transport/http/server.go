// Package http assembles the echo server: REST API, live updates and operational endpoints.
package http

import (
	nethttp "net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/xiaot623/codementor/internal/auth"
	"github.com/xiaot623/codementor/internal/config"
	"github.com/xiaot623/codementor/internal/hub"
	"github.com/xiaot623/codementor/internal/service"
	v1 "github.com/xiaot623/codementor/internal/transport/http/v1"
	"github.com/xiaot623/codementor/internal/ws"
)

const version = "0.1.0"

// NewServer creates the HTTP server.
func NewServer(cfg *config.Config, svc *service.Service, verifier auth.Verifier, h *hub.Hub, wsServer *ws.Server, logger *zap.Logger) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{cfg.CORSOrigin},
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization},
	}))
	e.Use(requestLogger(logger))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(nethttp.StatusOK, map[string]interface{}{
			"status":      "healthy",
			"version":     version,
			"connections": h.ConnectionCount(),
		})
	})
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	e.GET("/ws", wsServer.HandleWebSocket)

	api := []echo.MiddlewareFunc{}
	if cfg.RateLimit > 0 {
		api = append(api, middleware.RateLimiter(middleware.NewRateLimiterMemoryStore(rate.Limit(cfg.RateLimit))))
	}
	api = append(api, v1.RequireAuth(verifier))
	v1.NewHandler(svc, logger).RegisterRoutes(e.Group("/v1", api...))

	return e
}

func requestLogger(logger *zap.Logger) echo.MiddlewareFunc {
	return middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:   true,
		LogURI:      true,
		LogStatus:   true,
		LogLatency:  true,
		LogRemoteIP: true,
		LogError:    true,
		HandleError: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			fields := []zap.Field{
				zap.String("method", v.Method),
				zap.String("uri", v.URI),
				zap.Int("status", v.Status),
				zap.Duration("latency", v.Latency),
				zap.String("remote_ip", v.RemoteIP),
			}
			if v.Error != nil {
				logger.Warn("request failed", append(fields, zap.Error(v.Error))...)
				return nil
			}
			logger.Debug("request", fields...)
			return nil
		},
	})
}
