package v1

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/xiaot623/codementor/internal/domain"
)

// CreateSession submits code for analysis.
// POST /v1/sessions
func (h *Handler) CreateSession(c echo.Context) error {
	var req domain.CreateSessionRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}

	session, err := h.service.CreateSession(c.Request().Context(), principalFrom(c), req)
	if err != nil {
		return h.writeError(c, err)
	}
	return c.JSON(http.StatusCreated, session)
}

// ListSessions lists the caller's sessions, newest first.
// GET /v1/sessions?limit=
func (h *Handler) ListSessions(c echo.Context) error {
	limit, ok := queryLimit(c)
	if !ok {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "limit must be a non-negative integer"})
	}

	sessions, err := h.service.ListSessions(c.Request().Context(), principalFrom(c), limit)
	if err != nil {
		return h.writeError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"sessions": sessions,
	})
}

// GetSession returns one session.
// GET /v1/sessions/:session_id
func (h *Handler) GetSession(c echo.Context) error {
	session, err := h.service.GetSession(c.Request().Context(), principalFrom(c), c.Param("session_id"))
	if err != nil {
		return h.writeError(c, err)
	}
	return c.JSON(http.StatusOK, session)
}

// GetSessionFeedback returns the feedback of the session's latest analysis.
// GET /v1/sessions/:session_id/feedback
func (h *Handler) GetSessionFeedback(c echo.Context) error {
	sessionID := c.Param("session_id")
	feedback, err := h.service.GetFeedbackBySession(c.Request().Context(), principalFrom(c), sessionID)
	if err != nil {
		return h.writeError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"session_id": sessionID,
		"feedback":   feedback,
	})
}

// RefactorFeedback applies a feedback item's suggestion to its snippet.
// POST /v1/sessions/:session_id/refactor
func (h *Handler) RefactorFeedback(c echo.Context) error {
	var req domain.RefactorRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}
	if req.FeedbackID == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "feedback_id is required"})
	}

	res, err := h.service.RefactorFeedback(c.Request().Context(), principalFrom(c), c.Param("session_id"), req.FeedbackID)
	if err != nil {
		return h.writeError(c, err)
	}
	return c.JSON(http.StatusOK, res)
}

// GetSessionUsage returns the usage records of a session.
// GET /v1/sessions/:session_id/usage
func (h *Handler) GetSessionUsage(c echo.Context) error {
	sessionID := c.Param("session_id")
	records, err := h.service.ListUsage(c.Request().Context(), principalFrom(c), sessionID)
	if err != nil {
		return h.writeError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"session_id": sessionID,
		"usage":      records,
	})
}
