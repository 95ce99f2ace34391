package v1

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

// GetProgress returns the caller's progress profile.
// GET /v1/progress
func (h *Handler) GetProgress(c echo.Context) error {
	profile, err := h.service.GetProgress(c.Request().Context(), principalFrom(c))
	if err != nil {
		return h.writeError(c, err)
	}
	return c.JSON(http.StatusOK, profile)
}

// GetCommonMistakes returns the caller's most frequent mistakes.
// GET /v1/progress/mistakes?limit=
func (h *Handler) GetCommonMistakes(c echo.Context) error {
	limit, ok := queryLimit(c)
	if !ok {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "limit must be a non-negative integer"})
	}

	mistakes, err := h.service.GetCommonMistakes(c.Request().Context(), principalFrom(c), limit)
	if err != nil {
		return h.writeError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"mistakes": mistakes,
	})
}

// GetLanguageCounts returns the caller's per-language submission counters.
// GET /v1/progress/languages
func (h *Handler) GetLanguageCounts(c echo.Context) error {
	languages, err := h.service.GetLanguageCounts(c.Request().Context(), principalFrom(c))
	if err != nil {
		return h.writeError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"languages": languages,
	})
}
