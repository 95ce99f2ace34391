// Package v1 provides the public REST API handlers.
package v1

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/xiaot623/codementor/internal/auth"
	"github.com/xiaot623/codementor/internal/domain"
	"github.com/xiaot623/codementor/internal/service"
)

// Handler handles HTTP requests.
type Handler struct {
	service *service.Service
	logger  *zap.Logger
}

// NewHandler creates a new handler.
func NewHandler(service *service.Service, logger *zap.Logger) *Handler {
	return &Handler{
		service: service,
		logger:  logger,
	}
}

// RegisterRoutes registers the API routes on g. g is expected to run RequireAuth.
func (h *Handler) RegisterRoutes(g *echo.Group) {
	// Sessions
	g.POST("/sessions", h.CreateSession)
	g.GET("/sessions", h.ListSessions)
	g.GET("/sessions/:session_id", h.GetSession)
	g.GET("/sessions/:session_id/feedback", h.GetSessionFeedback)
	g.POST("/sessions/:session_id/refactor", h.RefactorFeedback)
	g.GET("/sessions/:session_id/usage", h.GetSessionUsage)

	// Progress
	g.GET("/progress", h.GetProgress)
	g.GET("/progress/mistakes", h.GetCommonMistakes)
	g.GET("/progress/languages", h.GetLanguageCounts)
}

// RequireAuth verifies the bearer credential and stores the principal on the request context.
func RequireAuth(verifier auth.Verifier) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			principal, err := verifier.Verify(req.Context(), auth.TokenFromRequest(req))
			if err != nil {
				return c.JSON(http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			}
			c.SetRequest(req.WithContext(auth.WithPrincipal(req.Context(), principal)))
			return next(c)
		}
	}
}

func principalFrom(c echo.Context) *auth.Principal {
	p, _ := auth.FromContext(c.Request().Context())
	return p
}

// writeError maps the domain error taxonomy onto HTTP status codes.
func (h *Handler) writeError(c echo.Context, err error) error {
	switch {
	case errors.Is(err, domain.ErrValidation):
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	case errors.Is(err, domain.ErrUnauthorized):
		return c.JSON(http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
	case errors.Is(err, domain.ErrNotFound):
		return c.JSON(http.StatusNotFound, map[string]string{"error": err.Error()})
	case errors.Is(err, domain.ErrUpstream):
		h.logger.Warn("upstream failure", zap.String("path", c.Path()), zap.Error(err))
		return c.JSON(http.StatusBadGateway, map[string]string{"error": "reasoning service unavailable"})
	default:
		h.logger.Error("request failed", zap.String("path", c.Path()), zap.Error(err))
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "internal error"})
	}
}

// queryLimit parses an optional positive limit query parameter. Absent means 0.
func queryLimit(c echo.Context) (int, bool) {
	raw := c.QueryParam("limit")
	if raw == "" {
		return 0, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}
